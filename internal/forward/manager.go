// Package forward manages local and remote TCP port forwards, backed either
// by a spawned ssh process or by goroutines on an established session.
package forward

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/treykane/termssh/internal/appconfig"
	"github.com/treykane/termssh/internal/events"
	"github.com/treykane/termssh/internal/model"
	"github.com/treykane/termssh/internal/sshclient"
	"github.com/treykane/termssh/internal/util"
)

var (
	ErrNotFound   = errors.New("forward not found")
	ErrBindPolicy = errors.New("listening address is not loopback and bind_policy is loopback-only")
)

// Starter abstracts ssh process creation for testing.
type Starter interface {
	StartForward(ctx context.Context, dst sshclient.Destination, spec model.ForwardSpec) (*sshclient.ForwardProcess, error)
}

// Tunneler dials and listens through an established session. Implementations
// take the session lock for each call.
type Tunneler interface {
	Dial(network, addr string) (net.Conn, error)
	Listen(network, addr string) (net.Listener, error)
}

// Target is the session a forward belongs to.
//
// Host, Port, User and KeyPath are handed to the ssh process when the
// process backend is used. Tunnel carries in-process forwards over the
// session's own connection.
type Target struct {
	SessionID string
	Host      string
	Port      int
	User      string
	KeyPath   string

	// KeyEncrypted marks a key that only opened with a passphrase. A
	// non-interactive ssh cannot unlock it.
	KeyEncrypted bool
	Auth         model.AuthMethod
	Tunnel       Tunneler
}

// interactiveOnly reports why the target's credentials cannot drive a
// BatchMode ssh process, or "" when they can.
func (t Target) interactiveOnly() string {
	switch {
	case t.Auth == model.AuthPassword:
		return "password session"
	case t.Auth == model.AuthKey && t.KeyEncrypted:
		return "passphrase-protected key"
	}
	return ""
}

// Options configures a Manager.
type Options struct {
	Backend    model.ForwardBackendKind
	BindPolicy appconfig.BindPolicy
	// RuntimePath is where process forwards are persisted. Empty disables
	// persistence.
	RuntimePath string
}

type entry struct {
	rt      model.ForwardRuntime
	closing bool
	closed  chan struct{}

	// process backend
	cancel context.CancelFunc
	done   chan struct{}

	// in-process backend
	stopping atomic.Bool
	listener net.Listener
	wg       sync.WaitGroup
	connMu   sync.Mutex
	conns    map[net.Conn]struct{}
}

// Manager coordinates forwards and tracks their runtime state.
type Manager struct {
	mu       sync.Mutex
	starter  Starter
	sink     events.Sink
	opts     Options
	forwards map[string]*entry
}

// NewManager creates a forward manager.
func NewManager(starter Starter, sink events.Sink, opts Options) *Manager {
	if sink == nil {
		sink = events.Discard
	}
	if opts.Backend == "" {
		opts.Backend = model.BackendProcess
	}
	if opts.BindPolicy == "" {
		opts.BindPolicy = appconfig.BindPolicyLoopbackOnly
	}
	return &Manager{
		starter:  starter,
		sink:     sink,
		opts:     opts,
		forwards: make(map[string]*entry),
	}
}

// Open starts a forward for target and returns its runtime record.
//
// Ports are validated and, under the loopback-only bind policy, the
// listening address must be loopback (or empty, meaning loopback). The
// listening side is the client for local forwards and the server for remote
// forwards; the rule applies to both.
//
// The backend comes from Options.Backend. Credentials that a non-interactive
// ssh cannot use (a password, or a key that needed a passphrase) switch the
// forward to the in-process backend, and the record says so in Backend.
//
// A failure to spawn the process or bind the listener is returned as an
// error and nothing is recorded. Once started, the forward is active and
// emits a forward-state event; a later process exit is kept as LastError
// rather than closing the forward.
func (m *Manager) Open(ctx context.Context, target Target, spec model.ForwardSpec) (model.ForwardRuntime, error) {
	if err := ctx.Err(); err != nil {
		return model.ForwardRuntime{}, err
	}
	if err := util.ValidatePort(spec.SrcPort); err != nil {
		return model.ForwardRuntime{}, fmt.Errorf("invalid source port: %w", err)
	}
	if err := util.ValidatePort(spec.DstPort); err != nil {
		return model.ForwardRuntime{}, fmt.Errorf("invalid destination port: %w", err)
	}
	if spec.Direction == "" {
		spec.Direction = model.ForwardLocal
	}
	if m.opts.BindPolicy == appconfig.BindPolicyLoopbackOnly && !util.IsLoopback(spec.SrcAddr) {
		return model.ForwardRuntime{}, fmt.Errorf("%w: %s", ErrBindPolicy, spec.SrcAddr)
	}

	backend := m.opts.Backend
	if reason := target.interactiveOnly(); backend == model.BackendProcess && reason != "" {
		slog.Info("credentials cannot drive a non-interactive ssh; using in-process forward", "session", target.SessionID, "reason", reason)
		backend = model.BackendInProcess
	}

	e := &entry{
		rt: model.ForwardRuntime{
			ID:        uuid.NewString(),
			SessionID: target.SessionID,
			Host:      target.Host,
			Spec:      spec,
			Src:       util.HostPort(spec.SrcString(), spec.SrcPort),
			Dst:       util.HostPort(spec.DstString(), spec.DstPort),
			Backend:   backend,
			State:     model.ForwardActive,
			StartedAt: time.Now(),
		},
		closed: make(chan struct{}),
	}

	var err error
	if backend == model.BackendProcess {
		err = m.startProcess(e, target, spec)
	} else {
		err = m.startInProcess(e, target, spec)
	}
	if err != nil {
		return model.ForwardRuntime{}, err
	}

	m.mu.Lock()
	m.forwards[e.rt.ID] = e
	rt := e.rt
	m.mu.Unlock()

	if err := m.persist(); err != nil {
		slog.Warn("failed to persist forward state after open", "error", err)
	}
	m.sink.Emit(events.ForwardState(rt.ID, model.ForwardActive))
	return rt, nil
}

func (m *Manager) startProcess(e *entry, target Target, spec model.ForwardSpec) error {
	if m.starter == nil {
		return fmt.Errorf("process backend is not configured")
	}
	// The forward outlives the request that opened it, so the process gets
	// its own context.
	ctx, cancel := context.WithCancel(context.Background())
	proc, err := m.starter.StartForward(ctx, sshclient.Destination{
		Host:    target.Host,
		Port:    target.Port,
		User:    target.User,
		KeyPath: target.KeyPath,
	}, spec)
	if err != nil {
		cancel()
		return fmt.Errorf("start ssh forward: %w", err)
	}
	e.cancel = cancel
	e.done = make(chan struct{})
	e.rt.PID = proc.Cmd.Process.Pid
	go m.watchProcess(e, proc)
	return nil
}

// watchProcess reaps the ssh process. An exit the manager did not ask for is
// recorded as LastError; the forward stays active until closed.
func (m *Manager) watchProcess(e *entry, proc *sshclient.ForwardProcess) {
	defer close(e.done)
	stderr := lastLine(proc.Stderr)
	err := proc.Cmd.Wait()

	m.mu.Lock()
	if e.closing {
		m.mu.Unlock()
		return
	}
	switch {
	case stderr != "":
		e.rt.LastError = stderr
	case err != nil:
		e.rt.LastError = err.Error()
	default:
		e.rt.LastError = "ssh exited"
	}
	id, msg := e.rt.ID, e.rt.LastError
	m.mu.Unlock()

	slog.Warn("forward process exited", "forward", id, "error", msg)
	if err := m.persist(); err != nil {
		slog.Warn("failed to persist forward state after process exit", "error", err)
	}
}

// Close stops a forward and removes it.
//
// A process forward has its context cancelled, which kills ssh, and Close
// waits for watchProcess to reap it. An in-process forward flips its
// shutdown flag, closes the listener and open connections, and joins the
// accept loop. Only then is the entry removed, runtime.json rewritten and a
// closed forward-state event emitted.
//
// Concurrent calls for the same ID all wait for the one teardown and return
// nil. Unknown IDs return ErrNotFound.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	e, ok := m.forwards[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.closing {
		m.mu.Unlock()
		<-e.closed
		return nil
	}
	e.closing = true
	m.mu.Unlock()

	if e.rt.Backend == model.BackendProcess {
		e.cancel()
		<-e.done
	} else {
		e.stop()
	}

	m.mu.Lock()
	delete(m.forwards, id)
	m.mu.Unlock()
	close(e.closed)

	if err := m.persist(); err != nil {
		slog.Warn("failed to persist forward state after close", "error", err)
	}
	m.sink.Emit(events.ForwardState(id, model.ForwardClosed))
	return nil
}

// CloseSession closes every forward owned by sessionID.
func (m *Manager) CloseSession(sessionID string) {
	for _, id := range m.ids(func(rt model.ForwardRuntime) bool { return rt.SessionID == sessionID }) {
		if err := m.Close(id); err != nil && !errors.Is(err, ErrNotFound) {
			slog.Warn("failed to close forward", "forward", id, "error", err)
		}
	}
}

// CloseAll closes every managed forward.
func (m *Manager) CloseAll() {
	for _, id := range m.ids(func(model.ForwardRuntime) bool { return true }) {
		_ = m.Close(id)
	}
}

func (m *Manager) ids(match func(model.ForwardRuntime) bool) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, e := range m.forwards {
		if match(e.rt) {
			out = append(out, id)
		}
	}
	return out
}

// Status reports closed for forwards that are not (or no longer) managed.
func (m *Manager) Status(id string) model.ForwardState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.forwards[id]; ok {
		return model.ForwardActive
	}
	return model.ForwardClosed
}

// Get retrieves a forward's current runtime state by ID.
func (m *Manager) Get(id string) (model.ForwardRuntime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.forwards[id]
	if !ok {
		return model.ForwardRuntime{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rt := e.rt
	rt.UptimeSec = int64(time.Since(rt.StartedAt).Seconds())
	return rt, nil
}

// Snapshot returns every forward with uptime, liveness and, for local
// forwards, the latency of a TCP probe against the listening side.
func (m *Manager) Snapshot() []model.ForwardRuntime {
	m.mu.Lock()
	out := make([]model.ForwardRuntime, 0, len(m.forwards))
	for _, e := range m.forwards {
		rt := e.rt
		rt.UptimeSec = int64(time.Since(rt.StartedAt).Seconds())
		if rt.Backend == model.BackendInProcess {
			rt.Alive = !e.stopping.Load()
		}
		out = append(out, rt)
	}
	m.mu.Unlock()

	for i := range out {
		if out[i].Backend == model.BackendProcess {
			out[i].Alive = pidAlive(out[i].PID)
		}
	}
	probe(out)
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// probe measures dial latency of alive local forwards concurrently.
func probe(out []model.ForwardRuntime) {
	type probeResult struct {
		index     int
		latencyMS int64
		err       error
	}
	results := make(chan probeResult, len(out))
	expected := 0
	for i, rt := range out {
		if !rt.Alive || rt.Spec.Direction != model.ForwardLocal {
			continue
		}
		expected++
		go func(idx int, src string) {
			start := time.Now()
			conn, err := net.DialTimeout("tcp", src, util.ForwardProbeTimeout)
			if err != nil {
				results <- probeResult{index: idx, err: err}
				return
			}
			_ = conn.Close()
			results <- probeResult{index: idx, latencyMS: time.Since(start).Milliseconds()}
		}(i, rt.Src)
	}

	timeout := time.After(util.ForwardProbeTimeout + 100*time.Millisecond)
	for collected := 0; collected < expected; collected++ {
		select {
		case r := <-results:
			if r.err != nil {
				slog.Debug("forward probe failed", "src", out[r.index].Src, "error", r.err)
				continue
			}
			out[r.index].LatencyMS = r.latencyMS
		case <-timeout:
			slog.Warn("forward probe timeout", "collected", collected, "expected", expected)
			return
		}
	}
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// persist writes process forwards to the runtime file. In-process forwards
// die with this process and are not recorded.
func (m *Manager) persist() error {
	if m.opts.RuntimePath == "" {
		return nil
	}
	m.mu.Lock()
	arr := make([]model.ForwardRuntime, 0, len(m.forwards))
	for _, e := range m.forwards {
		if e.rt.Backend != model.BackendProcess {
			continue
		}
		rt := e.rt
		rt.UptimeSec = int64(time.Since(rt.StartedAt).Seconds())
		arr = append(arr, rt)
	}
	m.mu.Unlock()
	sort.Slice(arr, func(i, j int) bool { return arr[i].StartedAt.Before(arr[j].StartedAt) })

	if err := os.MkdirAll(filepath.Dir(m.opts.RuntimePath), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(arr, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.opts.RuntimePath, b, 0o600)
}

// ReadRuntime loads the forwards recorded in path, marking each with
// whether its process is still alive. A missing file yields no records.
func ReadRuntime(path string) ([]model.ForwardRuntime, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var arr []model.ForwardRuntime
	if err := json.Unmarshal(b, &arr); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i := range arr {
		arr[i].Alive = pidAlive(arr[i].PID)
		if !arr[i].Alive {
			arr[i].State = model.ForwardClosed
		}
	}
	return arr, nil
}

// ReapOrphans terminates processes recorded in the runtime file by an
// earlier run that are not managed here. A PID is only signalled when its
// process name is name, so a recycled PID is never killed. The runtime file
// is then rewritten with the forwards this manager owns.
func (m *Manager) ReapOrphans(name string) ([]model.ForwardRuntime, error) {
	if m.opts.RuntimePath == "" {
		return nil, nil
	}
	recorded, err := ReadRuntime(m.opts.RuntimePath)
	if err != nil {
		return nil, err
	}
	var reaped []model.ForwardRuntime
	for _, rt := range recorded {
		if m.Status(rt.ID) == model.ForwardActive || !rt.Alive {
			continue
		}
		p, err := process.NewProcess(int32(rt.PID))
		if err != nil {
			continue
		}
		if pname, err := p.Name(); err != nil || pname != name {
			slog.Debug("skipping pid with unexpected process name", "pid", rt.PID, "name", pname)
			continue
		}
		if err := p.Terminate(); err != nil {
			slog.Warn("failed to terminate orphaned forward", "pid", rt.PID, "error", err)
			continue
		}
		rt.State = model.ForwardClosed
		rt.Alive = false
		reaped = append(reaped, rt)
	}
	return reaped, m.persist()
}
