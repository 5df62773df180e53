package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/treykane/termssh/internal/model"
	"github.com/treykane/termssh/internal/util"
)

// Conn is an authenticated SSH connection. It is owned by exactly one
// session, which serializes access to it.
type Conn struct {
	client *ssh.Client
	host   string
	port   int
}

func (c *Conn) Host() string { return c.host }
func (c *Conn) Port() int    { return c.port }

// Exec runs cmd on a fresh channel and waits for it. A non-zero exit status
// is reported in the result, not as an error. Cancelling ctx closes the
// channel.
func (c *Conn) Exec(ctx context.Context, cmd string) (model.ExecResult, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return model.ExecResult{}, fmt.Errorf("open exec channel: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()
	select {
	case <-ctx.Done():
		_ = sess.Close()
		return model.ExecResult{}, ctx.Err()
	case err = <-done:
	}

	res := model.ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		res.ExitCode = -1
		return res, nil
	}
	return res, fmt.Errorf("exec %q: %w", cmd, err)
}

// OpenShell starts an interactive shell on a PTY. Stderr is merged into the
// returned stream so interleaved prompts keep their order.
func (c *Conn) OpenShell(ctx context.Context, opts ShellOptions) (Shell, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open shell channel: %w", err)
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(opts.Term, opts.Rows, opts.Cols, modes); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	pr, pw := io.Pipe()
	sess.Stdout = pw
	sess.Stderr = pw

	if opts.Cwd != "" {
		err = sess.Start(ShellCommand(opts.Cwd))
	} else {
		err = sess.Shell()
	}
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}
	go func() {
		// Wait returns after both output copies finish, so closing the
		// writer here delivers EOF only once all output was read.
		_ = sess.Wait()
		_ = pw.Close()
	}()
	return &remoteShell{sess: sess, stdin: stdin, out: pr}, nil
}

// ShellCommand builds the login-shell invocation used when a working
// directory is requested.
func ShellCommand(cwd string) string {
	return "cd " + util.ShellQuote(cwd) + ` && exec "$SHELL" -l`
}

// OpenSFTP starts the sftp subsystem on a new channel.
func (c *Conn) OpenSFTP() (FS, error) {
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, fmt.Errorf("start sftp: %w", err)
	}
	return &sftpFS{c: client}, nil
}

// Dial opens a direct-tcpip channel to addr as seen from the server.
func (c *Conn) Dial(network, addr string) (net.Conn, error) {
	return c.client.Dial(network, addr)
}

// Listen asks the server to listen on addr and forward connections back.
func (c *Conn) Listen(network, addr string) (net.Listener, error) {
	return c.client.Listen(network, addr)
}

// Keepalive sends an OpenSSH keepalive request and waits for the reply.
func (c *Conn) Keepalive() error {
	_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
	return err
}

func (c *Conn) Close() error {
	return c.client.Close()
}
