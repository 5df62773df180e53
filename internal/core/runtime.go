// Package core assembles the connector, registry, shell multiplexer,
// transfer engine and forward manager into one runtime with a flat
// operation surface.
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/treykane/termssh/internal/appconfig"
	"github.com/treykane/termssh/internal/events"
	"github.com/treykane/termssh/internal/forward"
	"github.com/treykane/termssh/internal/history"
	"github.com/treykane/termssh/internal/keys"
	"github.com/treykane/termssh/internal/model"
	"github.com/treykane/termssh/internal/session"
	"github.com/treykane/termssh/internal/shell"
	"github.com/treykane/termssh/internal/sshclient"
	"github.com/treykane/termssh/internal/transfer"
	"github.com/treykane/termssh/internal/transport"
	"github.com/treykane/termssh/internal/trust"
)

// Session status values carried by session-state events.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// Option customizes a Runtime.
type Option func(*Runtime)

// WithSink delivers events to sink in addition to the journal.
func WithSink(sink events.Sink) Option {
	return func(r *Runtime) { r.sinks = append(r.sinks, sink) }
}

// WithDialContext replaces the TCP dialer used for every connection.
func WithDialContext(fn func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return func(r *Runtime) { r.dialOpts.DialContext = fn }
}

// WithStarter replaces the ssh process launcher of the forward manager.
func WithStarter(s forward.Starter) Option {
	return func(r *Runtime) { r.starter = s }
}

// WithoutJournal keeps lifecycle events out of events.jsonl.
func WithoutJournal() Option {
	return func(r *Runtime) { r.journal = false }
}

// Runtime owns one instance of every component. All methods are safe for
// concurrent use.
type Runtime struct {
	cfg      appconfig.Config
	reg      *session.Registry
	verifier *trust.Verifier
	dialOpts transport.Options
	mux      *shell.Mux
	files    *transfer.Engine
	forwards *forward.Manager

	starter forward.Starter
	sinks   events.Fanout
	journal bool
	sink    events.Sink

	shutdownOnce sync.Once
}

// New builds a runtime from cfg.
func New(cfg appconfig.Config, opts ...Option) (*Runtime, error) {
	r := &Runtime{
		cfg:      cfg,
		reg:      session.NewRegistry(),
		verifier: trust.NewVerifier(cfg.KnownHostsFile()),
		journal:  true,
	}
	r.dialOpts = transport.Options{
		Verifier:       r.verifier,
		Policy:         cfg.Security.HostKeyPolicy,
		ConnectTimeout: cfg.ConnectTimeout(),
	}
	for _, opt := range opts {
		opt(r)
	}

	sinks := append(events.Fanout(nil), r.sinks...)
	if r.journal {
		sinks = append(sinks, events.NewStore())
	}
	r.sink = sinks

	if r.starter == nil {
		r.starter = sshclient.New(cfg.Forward.SSHBinary, cfg.KnownHostsFile(), cfg.Security.HostKeyPolicy)
	}
	runtimePath, err := appconfig.RuntimeFilePath()
	if err != nil {
		return nil, err
	}

	r.mux = shell.NewMux(r.reg, r.sink, shell.Terminal{
		Type: cfg.Terminal.Type,
		Cols: cfg.Terminal.Cols,
		Rows: cfg.Terminal.Rows,
	}, r.split, r.release)
	r.files = transfer.NewEngine(r.reg, r.sink, transfer.Options{
		ChunkSize: cfg.Transfer.ChunkSize,
		Pause:     cfg.ChunkPause(),
	})
	r.forwards = forward.NewManager(r.starter, r.sink, forward.Options{
		Backend:     model.ForwardBackendKind(cfg.Forward.Backend),
		BindPolicy:  cfg.Security.BindPolicy,
		RuntimePath: runtimePath,
	})
	return r, nil
}

// Config returns the configuration the runtime was built with.
func (r *Runtime) Config() appconfig.Config { return r.cfg }

// Connect dials req's target, verifies its host key and authenticates.
//
// When the host key is unknown and req.AutoTrust is false, the result
// carries a TrustPrompt and no session is created. Show the fingerprint to
// the user and repeat the call with AutoTrust set once they accept it; the
// key is then appended to known_hosts. A key that differs from the one on
// file fails with trust.ErrMismatch whatever AutoTrust says.
//
// On success the session is registered under its group (req.Group, or
// user@host:port with the host normalized and port 0 read as 22). The first
// session of a group becomes its primary. A keepalive loop is started,
// the group's last-used time is recorded and a session-state event is
// emitted.
func (r *Runtime) Connect(ctx context.Context, req model.ConnectRequest) (model.ConnectResult, error) {
	conn, prompt, err := transport.Dial(ctx, req, r.dialOpts)
	if err != nil {
		return model.ConnectResult{}, err
	}
	if prompt != nil {
		return model.ConnectResult{Trust: prompt}, nil
	}

	sess := session.New(uuid.NewString(), req, conn)
	r.reg.Insert(sess)
	r.startKeepalive(sess)
	if err := history.Touch(sess.Group); err != nil {
		slog.Debug("failed to record host history", "group", sess.Group, "error", err)
	}
	slog.Info("session connected", "session", sess.ID, "host", sess.Host, "port", sess.Port, "user", sess.User)
	r.sink.Emit(events.SessionState(sess.ID, sess.Host, StatusConnected))
	return model.ConnectResult{SessionID: sess.ID}, nil
}

func (r *Runtime) startKeepalive(sess *session.Session) {
	go sess.Keepalive(r.cfg.KeepaliveInterval(), func(err error) {
		slog.Warn("keepalive failed", "session", sess.ID, "host", sess.Host, "error", err)
	})
}

// split opens a fresh connection to parent's target for a second shell.
func (r *Runtime) split(ctx context.Context, parent *session.Session) (*session.Session, error) {
	req := parent.Request()
	conn, prompt, err := transport.Dial(ctx, req, r.dialOpts)
	if err != nil {
		return nil, fmt.Errorf("split session: %w", err)
	}
	if prompt != nil {
		return nil, fmt.Errorf("split session: host key for %s is no longer trusted", prompt.Host)
	}
	sess := session.New(uuid.NewString(), req, conn)
	r.reg.InsertSecondary(sess)
	r.startKeepalive(sess)
	slog.Debug("opened split session", "session", sess.ID, "parent", parent.ID)
	return sess, nil
}

// release drops a split session once its last shell is gone.
func (r *Runtime) release(sessionID string) {
	r.forwards.CloseSession(sessionID)
	sess, err := r.reg.Remove(sessionID)
	if err != nil {
		return
	}
	if err := sess.Close(); err != nil {
		slog.Debug("failed to close split session", "session", sessionID, "error", err)
	}
}

// Disconnect ends a session and everything carried on it.
//
// The session is taken out of the registry first, so exactly one caller
// owns the teardown and no new operation can reach it. Its forwards are
// closed next, then its shells, then the connection itself. When the
// session was its group's primary, the oldest remaining member of the group
// is promoted.
//
// Split sessions may be disconnected directly by the SessionID of their
// ShellHandle. Closing the split's shell would normally release it too;
// that release finds the session already removed and leaves the teardown
// to Disconnect. A session-state event is emitted once per disconnected
// session.
func (r *Runtime) Disconnect(sessionID string) error {
	sess, err := r.reg.Remove(sessionID)
	if err != nil {
		return err
	}
	r.forwards.CloseSession(sessionID)
	r.mux.CloseSession(sessionID)
	err = sess.Close()
	slog.Info("session disconnected", "session", sessionID, "host", sess.Host)
	r.sink.Emit(events.SessionState(sessionID, sess.Host, StatusDisconnected))
	return err
}

// Sessions lists registered sessions.
func (r *Runtime) Sessions() []model.SessionInfo { return r.reg.List() }

// OpenShell starts an interactive shell on the session. The first shell
// runs on the session itself; each further one opens a split session that
// is released when that shell ends.
func (r *Runtime) OpenShell(ctx context.Context, sessionID string, opts shell.OpenOptions) (model.ShellHandle, error) {
	return r.mux.Open(ctx, sessionID, opts)
}

// WriteShell sends input to a shell.
func (r *Runtime) WriteShell(channelID string, data []byte) error {
	return r.mux.Write(channelID, data)
}

func (r *Runtime) ResizeShell(channelID string, cols, rows int) error {
	return r.mux.Resize(channelID, cols, rows)
}

// CloseShell ends a shell and waits for its output to drain.
func (r *Runtime) CloseShell(channelID string) error { return r.mux.Close(channelID) }

// Shells lists open shell channels.
func (r *Runtime) Shells() []model.ShellHandle { return r.mux.Channels() }

// Exec runs a one-shot command. A non-zero exit code is not an error.
func (r *Runtime) Exec(ctx context.Context, sessionID, cmd string) (model.ExecResult, error) {
	return r.mux.Exec(ctx, sessionID, cmd)
}

// List returns the entries of a remote directory, directories first.
func (r *Runtime) List(sessionID, dir string) ([]model.FileEntry, error) {
	return r.files.List(sessionID, dir)
}

func (r *Runtime) Stat(sessionID, p string) (model.FileEntry, error) {
	return r.files.Stat(sessionID, p)
}

func (r *Runtime) Mkdirs(sessionID, dir string) error { return r.files.Mkdirs(sessionID, dir) }

func (r *Runtime) ReadFile(sessionID, p string) ([]byte, error) {
	return r.files.Read(sessionID, p)
}

func (r *Runtime) WriteFile(ctx context.Context, sessionID, p string, data []byte) error {
	return r.files.Write(ctx, sessionID, p, data)
}

// Upload streams src to remote, emitting upload-progress after each chunk.
// total is reported as-is in the progress events.
func (r *Runtime) Upload(ctx context.Context, sessionID, remote string, src io.Reader, total int64) error {
	return r.files.Upload(ctx, sessionID, remote, src, total)
}

func (r *Runtime) Download(ctx context.Context, sessionID, remote, local string) error {
	return r.files.Download(ctx, sessionID, remote, local)
}

func (r *Runtime) DownloadDir(ctx context.Context, sessionID, remote, local string) error {
	return r.files.DownloadDir(ctx, sessionID, remote, local)
}

// OpenForward starts spec on behalf of the session.
//
// The forward is owned by the session: Disconnect closes it. Process
// forwards reuse the session's host, port, user and key file; sessions
// whose credentials need interaction run in-process instead.
func (r *Runtime) OpenForward(ctx context.Context, sessionID string, spec model.ForwardSpec) (model.ForwardRuntime, error) {
	sess, err := r.reg.Get(sessionID)
	if err != nil {
		return model.ForwardRuntime{}, err
	}
	target := forward.Target{
		SessionID: sess.ID,
		Host:      sess.Host,
		Port:      sess.Port,
		User:      sess.User,
		Auth:      sess.Auth.Method,
		Tunnel:    tunnel{sess: sess},
	}
	if sess.Auth.Method == model.AuthKey {
		target.KeyPath = sess.Auth.KeyPath
		target.KeyEncrypted = sess.Auth.Passphrase != ""
	}
	return r.forwards.Open(ctx, target, spec)
}

// CloseForward stops a forward. See forward.Manager.Close.
func (r *Runtime) CloseForward(forwardID string) error { return r.forwards.Close(forwardID) }

// ForwardStatus reports active or closed; unknown IDs are closed.
func (r *Runtime) ForwardStatus(forwardID string) model.ForwardState {
	return r.forwards.Status(forwardID)
}

// Forwards returns a snapshot of every forward with liveness and latency.
func (r *Runtime) Forwards() []model.ForwardRuntime { return r.forwards.Snapshot() }

// ReapOrphans terminates forward processes left behind by a previous run.
func (r *Runtime) ReapOrphans() ([]model.ForwardRuntime, error) {
	return r.forwards.ReapOrphans(path.Base(r.cfg.Forward.SSHBinary))
}

// HomeDir returns the remote user's $HOME.
func (r *Runtime) HomeDir(ctx context.Context, sessionID string) (string, error) {
	res, err := r.Exec(ctx, sessionID, `printf %s "$HOME"`)
	if err != nil {
		return "", err
	}
	home := strings.TrimSpace(res.Stdout)
	if res.ExitCode != 0 || home == "" {
		return "", fmt.Errorf("resolve remote home: exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return home, nil
}

// DetectPorts lists the TCP ports listening on the group's primary host.
func (r *Runtime) DetectPorts(ctx context.Context, group string) ([]int, error) {
	sess, err := r.reg.Primary(group)
	if err != nil {
		return nil, err
	}
	res, err := r.Exec(ctx, sess.ID, "ss -tlnH 2>/dev/null")
	if err != nil {
		return nil, err
	}
	if res.ExitCode == 0 && strings.TrimSpace(res.Stdout) != "" {
		return parseListening(res.Stdout, 3), nil
	}
	res, err = r.Exec(ctx, sess.ID, "netstat -tln 2>/dev/null")
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("detect ports: neither ss nor netstat is available on %s", sess.Host)
	}
	return parseListening(res.Stdout, 3), nil
}

// parseListening extracts the port of the local address column from ss or
// netstat output. Header lines and non-tcp rows are skipped.
func parseListening(out string, col int) []int {
	seen := map[int]bool{}
	var ports []int
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) <= col {
			continue
		}
		if f := strings.ToLower(fields[0]); f != "listen" && !strings.HasPrefix(f, "tcp") {
			continue
		}
		local := fields[col]
		i := strings.LastIndex(local, ":")
		if i < 0 {
			continue
		}
		port, err := strconv.Atoi(local[i+1:])
		if err != nil || port <= 0 || seen[port] {
			continue
		}
		seen[port] = true
		ports = append(ports, port)
	}
	sort.Ints(ports)
	return ports
}

// DeployHelper pushes the configured helper binary and runs its health
// check. A relative remote path is resolved against the remote home.
func (r *Runtime) DeployHelper(ctx context.Context, sessionID string) (model.ExecResult, error) {
	binary := appconfig.ExpandHome(r.cfg.Helper.BinaryPath)
	if binary == "" {
		return model.ExecResult{}, errors.New("helper.binary_path is not configured")
	}
	if _, err := os.Stat(binary); err != nil {
		return model.ExecResult{}, fmt.Errorf("helper binary: %w", err)
	}
	remote := r.cfg.Helper.RemotePath
	if !path.IsAbs(remote) {
		home, err := r.HomeDir(ctx, sessionID)
		if err != nil {
			return model.ExecResult{}, err
		}
		remote = path.Join(home, remote)
	}
	return r.files.DeployHelper(ctx, sessionID, binary, remote)
}

// DeployPublicKey appends pub to the remote authorized_keys unless it is
// already present.
func (r *Runtime) DeployPublicKey(ctx context.Context, sessionID, pub string) error {
	cmd, err := keys.AuthorizedKeysCommand(pub)
	if err != nil {
		return err
	}
	res, err := r.Exec(ctx, sessionID, cmd)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("deploy public key: exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// TestKeyAuth reports whether req authenticates. The connection is closed
// right away and never registered.
func (r *Runtime) TestKeyAuth(ctx context.Context, req model.ConnectRequest) (bool, error) {
	conn, prompt, err := transport.Dial(ctx, req, r.dialOpts)
	switch {
	case errors.Is(err, transport.ErrAuthFailed):
		return false, nil
	case err != nil:
		return false, err
	case prompt != nil:
		return false, fmt.Errorf("host key for %s:%d is not trusted yet", prompt.Host, prompt.Port)
	}
	return true, conn.Close()
}

// Shutdown closes every forward and every session. It is safe to call more
// than once.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var err error
	r.shutdownOnce.Do(func() {
		var g errgroup.Group
		g.Go(func() error {
			r.forwards.CloseAll()
			return nil
		})
		for _, id := range r.reg.IDs() {
			g.Go(func() error {
				err := r.Disconnect(id)
				if errors.Is(err, session.ErrNotFound) {
					return nil
				}
				return err
			})
		}
		done := make(chan error, 1)
		go func() { done <- g.Wait() }()
		select {
		case err = <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

// tunnel carries in-process forwards over a session, one locked call at a
// time.
type tunnel struct {
	sess *session.Session
}

func (t tunnel) Dial(network, addr string) (net.Conn, error) {
	var c net.Conn
	err := t.sess.Do(func(l session.Link) error {
		var err error
		c, err = l.Dial(network, addr)
		return err
	})
	return c, err
}

func (t tunnel) Listen(network, addr string) (net.Listener, error) {
	var ln net.Listener
	err := t.sess.Do(func(l session.Link) error {
		var err error
		ln, err = l.Listen(network, addr)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &lockedListener{Listener: ln, sess: t.sess}, nil
}

// lockedListener cancels the remote forward under the session lock. Once
// the session is gone the cancel is a local no-op.
type lockedListener struct {
	net.Listener
	sess *session.Session
}

func (l *lockedListener) Close() error {
	err := l.sess.Do(func(session.Link) error { return l.Listener.Close() })
	if errors.Is(err, session.ErrClosed) {
		return l.Listener.Close()
	}
	return err
}
