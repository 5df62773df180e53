package model

import (
	"fmt"
	"time"
)

// AuthMethod selects how a session authenticates.
type AuthMethod string

const (
	AuthPassword AuthMethod = "password"
	AuthKey      AuthMethod = "key"
	AuthAgent    AuthMethod = "agent"
)

// AuthConfig carries the credentials for one method. Only the fields of the
// selected method are read.
type AuthConfig struct {
	Method     AuthMethod `json:"method"`
	Password   string     `json:"-"`
	KeyPath    string     `json:"key_path,omitempty"`
	Passphrase string     `json:"-"`
}

// ConnectRequest is the input of a connect call.
type ConnectRequest struct {
	Host      string     `json:"host"`
	Port      int        `json:"port"`
	User      string     `json:"user"`
	Auth      AuthConfig `json:"auth"`
	AutoTrust bool       `json:"auto_trust"`
	// Group names the logical connection this session belongs to. Empty
	// means user@host:port.
	Group string `json:"group,omitempty"`
}

// DefaultGroup returns the group name used when a request does not set one.
func DefaultGroup(user, host string, port int) string {
	return fmt.Sprintf("%s@%s:%d", user, host, port)
}

// TrustPromptKind is the error kind reported when a host key needs approval.
const TrustPromptKind = "confirmation needed"

// TrustPrompt is returned instead of a session when the server's host key is
// not yet trusted. The caller re-issues the connect with AutoTrust set once
// the user approves the fingerprint.
type TrustPrompt struct {
	Kind        string `json:"error_kind"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	KeyType     string `json:"key_type"`
	Fingerprint string `json:"fingerprint"`
}

// ConnectResult holds exactly one of SessionID or Trust.
type ConnectResult struct {
	SessionID string       `json:"session_id,omitempty"`
	Trust     *TrustPrompt `json:"trust,omitempty"`
}

// SessionInfo is a read-only view of a registered session.
type SessionInfo struct {
	ID        string     `json:"id"`
	Group     string     `json:"group"`
	Host      string     `json:"host"`
	Port      int        `json:"port"`
	User      string     `json:"user"`
	Auth      AuthMethod `json:"auth"`
	Primary   bool       `json:"primary"`
	Mode      string     `json:"mode"`
	CreatedAt time.Time  `json:"created_at"`
}

// ShellHandle identifies an open shell channel.
type ShellHandle struct {
	ChannelID string `json:"channel_id"`
	SessionID string `json:"session_id"`
}

// ExecResult is the outcome of a one-shot command.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// FileEntry describes one remote path.
type FileEntry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	Mode    string    `json:"mode"`
	IsDir   bool      `json:"is_dir"`
	ModTime time.Time `json:"mod_time"`
}

// ForwardDirection distinguishes -L from -R style forwards.
type ForwardDirection string

const (
	// ForwardLocal listens on the client and connects from the server.
	ForwardLocal ForwardDirection = "local"
	// ForwardRemote listens on the server and connects from the client.
	ForwardRemote ForwardDirection = "remote"
)

// ForwardSpec defines one port forwarding rule. Src is always the listening
// side and Dst the side that is dialed.
type ForwardSpec struct {
	Direction ForwardDirection `json:"direction"`
	SrcAddr   string           `json:"src_addr"`
	SrcPort   int              `json:"src_port"`
	DstAddr   string           `json:"dst_addr"`
	DstPort   int              `json:"dst_port"`
}

func (f ForwardSpec) SrcString() string {
	if f.SrcAddr == "" {
		return "127.0.0.1"
	}
	return f.SrcAddr
}

func (f ForwardSpec) DstString() string {
	if f.DstAddr == "" {
		return "localhost"
	}
	return f.DstAddr
}

// HostEntry is a normalized host configuration extracted from ssh config.
type HostEntry struct {
	Alias        string        `json:"alias"`
	HostName     string        `json:"host_name"`
	User         string        `json:"user,omitempty"`
	Port         int           `json:"port,omitempty"`
	IdentityFile string        `json:"identity_file,omitempty"`
	ProxyJump    string        `json:"proxy_jump,omitempty"`
	Forwards     []ForwardSpec `json:"forwards,omitempty"`
}

func (h HostEntry) DisplayTarget() string {
	if h.HostName != "" {
		return h.HostName
	}
	return h.Alias
}

type ForwardState string

const (
	ForwardActive ForwardState = "active"
	ForwardClosed ForwardState = "closed"
)

// ForwardBackendKind names how a forward is carried out.
type ForwardBackendKind string

const (
	BackendProcess   ForwardBackendKind = "process"
	BackendInProcess ForwardBackendKind = "inprocess"
)

type ForwardRuntime struct {
	ID        string             `json:"id"`
	SessionID string             `json:"session_id"`
	Host      string             `json:"host"`
	Spec      ForwardSpec        `json:"spec"`
	Src       string             `json:"src"`
	Dst       string             `json:"dst"`
	Backend   ForwardBackendKind `json:"backend"`
	PID       int                `json:"pid,omitempty"`
	State     ForwardState       `json:"state"`
	Alive     bool               `json:"alive"`
	StartedAt time.Time          `json:"started_at"`
	UptimeSec int64              `json:"uptime_seconds"`
	LatencyMS int64              `json:"latency_ms"`
	LastError string             `json:"last_error,omitempty"`
}
