// Package sshclient launches the system ssh binary as a port forward
// backend.
//
// This package does NOT implement the SSH protocol. It shells out to the
// configured "ssh" binary, so process-backed forwards inherit the user's
// agent, ProxyJump chains and ~/.ssh/config without reimplementing them.
// The in-process backend in internal/forward covers password sessions, which
// a non-interactive ssh cannot authenticate.
//
// Security note: all arguments are passed via exec.Command's argv (not via
// shell interpolation), which prevents injection from host names or forward
// specs that contain shell metacharacters.
package sshclient

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/treykane/termssh/internal/appconfig"
	"github.com/treykane/termssh/internal/model"
	"github.com/treykane/termssh/internal/util"
)

// ForwardProcess is a running ssh forward.
//
// The caller (internal/forward.Manager) owns its lifecycle:
//   - it calls Cmd.Wait() in a goroutine to reap the process;
//   - it drains Stderr to keep ssh from blocking on a full pipe and to
//     capture messages such as "bind: Address already in use".
type ForwardProcess struct {
	Cmd    *exec.Cmd
	Stderr io.ReadCloser
}

// Destination is the remote end of a forward process.
type Destination struct {
	Host    string
	Port    int
	User    string
	KeyPath string
}

// Client builds and launches forward processes. It is stateless and safe for
// concurrent use.
type Client struct {
	binary     string
	knownHosts string
	policy     appconfig.HostKeyPolicy
}

// New returns a client that runs binary and checks host keys against
// knownHosts according to policy.
func New(binary, knownHosts string, policy appconfig.HostKeyPolicy) *Client {
	return &Client{
		binary:     util.DefaultString(binary, "ssh"),
		knownHosts: knownHosts,
		policy:     policy,
	}
}

// EnsureSSHBinary checks that binary resolves on PATH. Call it before
// starting process forwards to get a clear error instead of an exec failure.
func EnsureSSHBinary(binary string) error {
	if _, err := exec.LookPath(util.DefaultString(binary, "ssh")); err != nil {
		return fmt.Errorf("%s binary not found in PATH", util.DefaultString(binary, "ssh"))
	}
	return nil
}

// HostKeyOptions returns the -o flags matching the host key policy. strict
// and accept-new verify against the same known_hosts store the in-process
// connector uses.
func (c *Client) HostKeyOptions() []string {
	switch c.policy {
	case appconfig.HostKeyPolicyInsecure:
		return []string{"-o", "StrictHostKeyChecking=no", "-o", "UserKnownHostsFile=/dev/null"}
	case appconfig.HostKeyPolicyStrict:
		return c.withKnownHosts("StrictHostKeyChecking=yes")
	default:
		return c.withKnownHosts("StrictHostKeyChecking=accept-new")
	}
}

func (c *Client) withKnownHosts(strict string) []string {
	opts := []string{"-o", strict}
	if c.knownHosts != "" {
		opts = append(opts, "-o", "UserKnownHostsFile="+c.knownHosts)
	}
	return opts
}

// ForwardFlag renders spec as the -L or -R argument pair.
//
// Example: {local 127.0.0.1 8080 localhost 80} → ["-L", "127.0.0.1:8080:localhost:80"]
func ForwardFlag(spec model.ForwardSpec) []string {
	flag := "-L"
	if spec.Direction == model.ForwardRemote {
		flag = "-R"
	}
	return []string{flag, fmt.Sprintf("%s:%d:%s:%d",
		bracket(spec.SrcString()), spec.SrcPort,
		bracket(spec.DstString()), spec.DstPort,
	)}
}

func bracket(addr string) string {
	if strings.Contains(addr, ":") {
		return "[" + addr + "]"
	}
	return addr
}

// BuildForwardArgs constructs the ssh argv (without the binary) for a
// forward. Useful for dry runs and for testing argument composition.
//
// Example output:
//
//	-N -o ExitOnForwardFailure=yes -o BatchMode=yes -p 22 -i ~/.ssh/id
//	-o StrictHostKeyChecking=accept-new -o UserKnownHostsFile=...
//	-L 127.0.0.1:8080:localhost:80 alice@example.com
func (c *Client) BuildForwardArgs(dst Destination, spec model.ForwardSpec) []string {
	args := []string{
		"-N",
		"-o", "ExitOnForwardFailure=yes",
		"-o", "BatchMode=yes",
		"-p", fmt.Sprint(util.PortOrDefault(dst.Port)),
	}
	if dst.KeyPath != "" {
		args = append(args, "-i", appconfig.ExpandHome(dst.KeyPath))
	}
	args = append(args, c.HostKeyOptions()...)
	args = append(args, ForwardFlag(spec)...)
	target := dst.Host
	if dst.User != "" {
		target = dst.User + "@" + dst.Host
	}
	return append(args, target)
}

// StartForward launches ssh in the background. Cancelling ctx kills the
// process; the caller must still Wait on it.
func (c *Client) StartForward(ctx context.Context, dst Destination, spec model.ForwardSpec) (*ForwardProcess, error) {
	cmd := exec.CommandContext(ctx, c.binary, c.BuildForwardArgs(dst, spec)...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	// -N produces no stdout, and BatchMode means ssh never reads stdin.
	cmd.Stdout = io.Discard
	cmd.Stdin = nil
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &ForwardProcess{Cmd: cmd, Stderr: stderr}, nil
}
