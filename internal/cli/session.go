package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/treykane/termssh/internal/core"
	"github.com/treykane/termssh/internal/hosts"
	"github.com/treykane/termssh/internal/model"
	"github.com/treykane/termssh/internal/transport"
	"github.com/treykane/termssh/internal/ui"
)

// connectFlags select credentials and trust handling for commands that open
// a session.
type connectFlags struct {
	passwordStdin bool
	key           string
	agent         bool
	trust         bool
}

func (f *connectFlags) bind(fs *pflag.FlagSet) {
	fs.BoolVar(&f.passwordStdin, "password-stdin", false, "read the password from the first line of stdin")
	fs.StringVar(&f.key, "key", "", "private key file")
	fs.BoolVar(&f.agent, "agent", false, "authenticate with ssh-agent")
	fs.BoolVar(&f.trust, "trust", false, "record an unknown host key without asking")
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}

func resolve(arg string) (hosts.Target, error) {
	res, err := hosts.ParseDefault()
	if err != nil {
		slog.Warn("failed to read ssh config", "error", err)
	}
	return hosts.Resolve(res, arg, currentUser())
}

// connect resolves arg, authenticates and returns the new session ID. An
// unknown host key is confirmed interactively unless --trust is set.
func (a *app) connect(ctx context.Context, cmd *cobra.Command, rt *core.Runtime, arg string, f connectFlags) (string, hosts.Target, error) {
	target, err := resolve(arg)
	if err != nil {
		return "", hosts.Target{}, err
	}
	auth, err := credentials(cmd, target, f)
	if err != nil {
		return "", target, err
	}
	req := model.ConnectRequest{
		Host:      target.Host,
		Port:      target.Port,
		User:      target.User,
		Auth:      auth,
		AutoTrust: f.trust,
		Group:     target.Group(),
	}
	res, err := rt.Connect(ctx, req)
	if err != nil {
		return "", target, err
	}
	if res.Trust != nil {
		if !confirmTrust(cmd, *res.Trust) {
			return "", target, fmt.Errorf("host key for %s:%d (%s) is not trusted; verify it and re-run with --trust",
				res.Trust.Host, res.Trust.Port, res.Trust.Fingerprint)
		}
		req.AutoTrust = true
		if res, err = rt.Connect(ctx, req); err != nil {
			return "", target, err
		}
		if res.Trust != nil {
			return "", target, errors.New("host key still untrusted after confirmation")
		}
	}
	return res.SessionID, target, nil
}

func credentials(cmd *cobra.Command, target hosts.Target, f connectFlags) (model.AuthConfig, error) {
	switch {
	case f.passwordStdin:
		pw, err := readLine(cmd.InOrStdin())
		if err != nil {
			return model.AuthConfig{}, fmt.Errorf("read password from stdin: %w", err)
		}
		return model.AuthConfig{Method: model.AuthPassword, Password: pw}, nil
	case f.key != "" || (target.IdentityFile != "" && !f.agent):
		path := f.key
		if path == "" {
			path = target.IdentityFile
		}
		auth := model.AuthConfig{Method: model.AuthKey, KeyPath: path}
		if _, err := transport.LoadSigner(path, ""); errors.Is(err, transport.ErrPassphraseRequired) {
			if auth.Passphrase, err = promptSecret(cmd, fmt.Sprintf("Enter passphrase for %s: ", path)); err != nil {
				return model.AuthConfig{}, err
			}
		}
		return auth, nil
	case f.agent || os.Getenv("SSH_AUTH_SOCK") != "":
		return model.AuthConfig{Method: model.AuthAgent}, nil
	default:
		pw, err := promptSecret(cmd, fmt.Sprintf("%s@%s's password: ", target.User, target.Host))
		if err != nil {
			return model.AuthConfig{}, err
		}
		return model.AuthConfig{Method: model.AuthPassword, Password: pw}, nil
	}
}

// readLine reads up to the first newline one byte at a time, so the rest of
// stdin stays available to the remote shell.
func readLine(r io.Reader) (string, error) {
	var b strings.Builder
	buf := make([]byte, 1)
	for {
		n, err := r.Read(buf)
		if n == 1 {
			if buf[0] == '\n' {
				break
			}
			b.WriteByte(buf[0])
		}
		if err == io.EOF && b.Len() > 0 {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return strings.TrimSuffix(b.String(), "\r"), nil
}

func stdinFile(r io.Reader) (*os.File, bool) {
	f, ok := r.(*os.File)
	return f, ok
}

func isTerminal(r io.Reader) bool {
	f, ok := stdinFile(r)
	return ok && term.IsTerminal(int(f.Fd()))
}

func promptSecret(cmd *cobra.Command, prompt string) (string, error) {
	if !isTerminal(cmd.InOrStdin()) {
		return "", fmt.Errorf("%w: stdin is not a terminal; use --password-stdin, --key or --agent", transport.ErrNoAuthMethod)
	}
	f, _ := stdinFile(cmd.InOrStdin())
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	b, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func confirmTrust(cmd *cobra.Command, p model.TrustPrompt) bool {
	if !isTerminal(cmd.InOrStdin()) {
		return false
	}
	fmt.Fprintln(cmd.ErrOrStderr(), ui.TrustPanel(p))
	fmt.Fprint(cmd.ErrOrStderr(), "Trust this host and continue? [y/N] ")
	answer, err := readLine(cmd.InOrStdin())
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}

// withSession runs fn against a fresh runtime and session for arg, then
// shuts everything down.
func (a *app) withSession(cmd *cobra.Command, arg string, f connectFlags, fn func(ctx context.Context, rt *core.Runtime, id string, target hosts.Target) error, opts ...core.Option) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := a.runtime(opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Shutdown(context.Background()); err != nil {
			slog.Debug("shutdown failed", "error", err)
		}
	}()
	id, target, err := a.connect(ctx, cmd, rt, arg, f)
	if err != nil {
		return err
	}
	return fn(ctx, rt, id, target)
}
