// Package transport opens authenticated SSH connections and exposes the
// operations the runtime performs over them.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/treykane/termssh/internal/appconfig"
	"github.com/treykane/termssh/internal/model"
	"github.com/treykane/termssh/internal/trust"
	"github.com/treykane/termssh/internal/util"
)

var (
	ErrNoAuthMethod = errors.New("no auth method provided")
	ErrAuthFailed   = errors.New("authentication failed")

	// ErrPassphraseRequired is returned for an encrypted key given without
	// a passphrase.
	ErrPassphraseRequired = errors.New("private key is passphrase protected")

	// ErrWouldBlock is returned by links that poll instead of blocking. Callers
	// yield and retry; it is never surfaced past the channel multiplexer.
	ErrWouldBlock = errors.New("operation would block")

	errTrustRequired = errors.New("host key requires confirmation")
)

const localNetworkHint = "macOS may be blocking local network access; allow termssh in System Settings > Privacy & Security > Local Network"

// Options configures Dial. The zero value of every field except Verifier
// has a usable default.
type Options struct {
	Verifier       *trust.Verifier
	Policy         appconfig.HostKeyPolicy
	ConnectTimeout time.Duration
	// AgentSocket overrides $SSH_AUTH_SOCK.
	AgentSocket string
	// DialContext overrides the TCP dialer. Tests use it to point a
	// hostname at an in-process server.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
	// GOOS overrides runtime.GOOS when choosing platform hints.
	GOOS string
}

// Dial connects, verifies the host key and authenticates. When the host key
// needs user confirmation it returns a nil Conn and a non-nil prompt.
func Dial(ctx context.Context, req model.ConnectRequest, opts Options) (*Conn, *model.TrustPrompt, error) {
	auth, closeAuth, err := authMethods(req.Auth, opts.agentSocket())
	if err != nil {
		return nil, nil, err
	}
	defer closeAuth()

	host := util.NormalizeHost(req.Host)
	port := util.PortOrDefault(req.Port)
	addr := util.HostPort(host, port)

	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := opts.dialer()(dialCtx, "tcp", addr)
	if err != nil {
		return nil, nil, dialError(addr, err, opts.goos())
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	var (
		prompt  *model.TrustPrompt
		hostErr error
	)
	cfg := &ssh.ClientConfig{
		User: req.User,
		Auth: auth,
		HostKeyCallback: func(_ string, _ net.Addr, key ssh.PublicKey) error {
			err := checkHostKey(host, port, key, req.AutoTrust, opts)
			if errors.Is(err, errTrustRequired) {
				prompt = trust.Prompt(host, port, key)
			} else if err != nil {
				hostErr = err
			}
			return err
		},
	}

	// The deadline covers the handshake only; established connections carry
	// long-lived shells and must never time out on reads or writes.
	_ = conn.SetDeadline(time.Now().Add(timeout))
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	stop()
	if err != nil {
		_ = conn.Close()
		switch {
		case prompt != nil:
			return nil, prompt, nil
		case hostErr != nil:
			return nil, nil, hostErr
		case ctx.Err() != nil:
			return nil, nil, fmt.Errorf("ssh handshake with %s: %w", addr, ctx.Err())
		case strings.Contains(err.Error(), "unable to authenticate"):
			return nil, nil, fmt.Errorf("%w for %s@%s", ErrAuthFailed, req.User, addr)
		default:
			return nil, nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
		}
	}
	_ = conn.SetDeadline(time.Time{})

	return &Conn{client: ssh.NewClient(c, chans, reqs), host: host, port: port}, nil, nil
}

func checkHostKey(host string, port int, key ssh.PublicKey, autoTrust bool, opts Options) error {
	if opts.Policy == appconfig.HostKeyPolicyInsecure {
		slog.Warn("host key verification disabled by policy", "host", host, "port", port, "fingerprint", trust.Fingerprint(key))
		return nil
	}
	if opts.Verifier == nil {
		return fmt.Errorf("no known_hosts verifier configured")
	}
	outcome, err := opts.Verifier.Check(host, port, key)
	switch outcome {
	case trust.Match:
		return nil
	case trust.Mismatch:
		return err
	case trust.Failure:
		slog.Warn("known_hosts check failed", "path", opts.Verifier.Path(), "error", err)
	}
	if !autoTrust {
		return errTrustRequired
	}
	if opts.Policy == appconfig.HostKeyPolicyStrict {
		return fmt.Errorf("host key for %s is not trusted and host_key_policy is strict", util.HostPort(host, port))
	}
	if err := opts.Verifier.Add(host, port, key); err != nil {
		return fmt.Errorf("record host key: %w", err)
	}
	slog.Info("trusted new host key", "host", host, "port", port, "fingerprint", trust.Fingerprint(key))
	return nil
}

func dialError(addr string, err error, goos string) error {
	if goos == "darwin" && (errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.EPERM)) {
		return fmt.Errorf("connect to %s: %w (%s)", addr, err, localNetworkHint)
	}
	return fmt.Errorf("connect to %s: %w", addr, err)
}

func (o Options) dialer() func(ctx context.Context, network, addr string) (net.Conn, error) {
	if o.DialContext != nil {
		return o.DialContext
	}
	var d net.Dialer
	return d.DialContext
}

func (o Options) agentSocket() string {
	if o.AgentSocket != "" {
		return o.AgentSocket
	}
	return os.Getenv("SSH_AUTH_SOCK")
}

func (o Options) goos() string {
	if o.GOOS != "" {
		return o.GOOS
	}
	return runtime.GOOS
}
