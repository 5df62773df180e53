// Package shell multiplexes interactive shells and one-shot commands over
// registered sessions.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/treykane/termssh/internal/events"
	"github.com/treykane/termssh/internal/model"
	"github.com/treykane/termssh/internal/session"
	"github.com/treykane/termssh/internal/transport"
	"github.com/treykane/termssh/internal/util"
)

var ErrChannelNotFound = errors.New("channel not found")

// OpenOptions sizes a new shell. Zero values fall back to the terminal
// defaults.
type OpenOptions struct {
	Cwd  string
	Cols int
	Rows int
}

// Terminal holds the PTY defaults applied to every shell.
type Terminal struct {
	Type string
	Cols int
	Rows int
}

// SplitFunc opens a fresh session against the same target as parent. The
// returned session must already be registered as non-primary.
type SplitFunc func(ctx context.Context, parent *session.Session) (*session.Session, error)

type channel struct {
	id    string
	sess  *session.Session
	owned bool

	mu   sync.Mutex
	sh   transport.Shell
	once sync.Once
	done chan struct{}
}

// Mux owns the channel table. Its lock guards only the table; shell I/O
// goes through the owning session's lock, then the channel's.
type Mux struct {
	reg     *session.Registry
	sink    events.Sink
	term    Terminal
	split   SplitFunc
	release func(sessionID string)

	mu       sync.RWMutex
	channels map[string]*channel
	inUse    map[string]int
}

// NewMux returns a multiplexer. split and release may be nil, in which case
// a session carries at most one shell.
func NewMux(reg *session.Registry, sink events.Sink, term Terminal, split SplitFunc, release func(string)) *Mux {
	if sink == nil {
		sink = events.Discard
	}
	return &Mux{
		reg:      reg,
		sink:     sink,
		term:     term,
		split:    split,
		release:  release,
		channels: make(map[string]*channel),
		inUse:    make(map[string]int),
	}
}

// Open starts a shell. The first shell of a session runs on it directly;
// further shells get a split session of their own.
//
// The PTY is requested with the configured terminal type and opts' size,
// falling back to the defaults for zero values. With opts.Cwd set, the
// login shell is started in that directory. All of this happens under the
// session's lock in blocking mode.
//
// A reader goroutine then pumps output as pty-output events until the
// shell ends. End of stream or a read error retires the channel, emits one
// pty-exit event and releases the split session, if the channel owned one.
func (m *Mux) Open(ctx context.Context, sessionID string, opts OpenOptions) (model.ShellHandle, error) {
	parent, err := m.reg.Get(sessionID)
	if err != nil {
		return model.ShellHandle{}, err
	}

	sess, owned := parent, false
	m.mu.Lock()
	busy := m.inUse[parent.ID] > 0
	if !busy {
		m.inUse[parent.ID]++
	}
	m.mu.Unlock()
	if busy {
		if m.split == nil {
			return model.ShellHandle{}, fmt.Errorf("session %s already carries a shell", sessionID)
		}
		sess, err = m.split(ctx, parent)
		if err != nil {
			return model.ShellHandle{}, fmt.Errorf("split session %s: %w", sessionID, err)
		}
		owned = true
		m.mu.Lock()
		m.inUse[sess.ID]++
		m.mu.Unlock()
	}

	so := transport.ShellOptions{
		Term: m.term.Type,
		Cols: firstPositive(opts.Cols, m.term.Cols),
		Rows: firstPositive(opts.Rows, m.term.Rows),
		Cwd:  opts.Cwd,
	}
	var sh transport.Shell
	err = sess.Run(session.ModeBlocking, func(l session.Link) error {
		var err error
		sh, err = l.OpenShell(ctx, so)
		return err
	})
	if err != nil {
		m.unreserve(sess.ID)
		if owned && m.release != nil {
			m.release(sess.ID)
		}
		return model.ShellHandle{}, fmt.Errorf("open shell: %w", err)
	}

	ch := &channel{
		id:    uuid.NewString(),
		sess:  sess,
		owned: owned,
		sh:    sh,
		done:  make(chan struct{}),
	}
	m.mu.Lock()
	m.channels[ch.id] = ch
	m.mu.Unlock()
	slog.Debug("shell opened", "channel", ch.id, "session", sess.ID, "split", owned)

	go m.read(ch)
	return model.ShellHandle{ChannelID: ch.id, SessionID: sess.ID}, nil
}

// read pumps output until the shell ends. It holds no session lock: a
// blocked read must not stall writes or other operations.
func (m *Mux) read(ch *channel) {
	defer close(ch.done)
	buf := make([]byte, util.ShellReadChunk)
	for {
		n, err := ch.sh.Read(buf)
		if n > 0 {
			m.sink.Emit(events.Output(ch.id, buf[:n]))
		}
		if errors.Is(err, transport.ErrWouldBlock) {
			runtime.Gosched()
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				slog.Debug("shell read ended", "channel", ch.id, "error", err)
			}
			m.finish(ch)
			return
		}
	}
}

// finish retires ch exactly once.
func (m *Mux) finish(ch *channel) {
	ch.once.Do(func() {
		m.mu.Lock()
		delete(m.channels, ch.id)
		m.mu.Unlock()
		m.unreserve(ch.sess.ID)
		m.sink.Emit(events.Exit(ch.id))
		if ch.owned && m.release != nil {
			m.release(ch.sess.ID)
		}
	})
}

func (m *Mux) unreserve(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inUse[sessionID] <= 1 {
		delete(m.inUse, sessionID)
		return
	}
	m.inUse[sessionID]--
}

func (m *Mux) get(channelID string) (*channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	return ch, nil
}

// Write sends input to the shell.
func (m *Mux) Write(channelID string, data []byte) error {
	ch, err := m.get(channelID)
	if err != nil {
		return err
	}
	return ch.sess.Do(func(session.Link) error {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		_, err := ch.sh.Write(data)
		return err
	})
}

// Resize changes the PTY size.
func (m *Mux) Resize(channelID string, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid terminal size %dx%d", cols, rows)
	}
	ch, err := m.get(channelID)
	if err != nil {
		return err
	}
	return ch.sess.Do(func(session.Link) error {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return ch.sh.Resize(cols, rows)
	})
}

// Close ends the shell and waits for its reader to drain. A split session
// owned by the channel is released.
func (m *Mux) Close(channelID string) error {
	m.mu.Lock()
	ch, ok := m.channels[channelID]
	delete(m.channels, channelID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}

	closeShell := func(session.Link) error {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return ch.sh.Close()
	}
	err := ch.sess.Do(closeShell)
	if errors.Is(err, session.ErrClosed) {
		// The link is gone; release the handle without it.
		err = closeShell(nil)
	}
	<-ch.done
	m.finish(ch)
	return err
}

// CloseSession closes every channel carried by sessionID.
func (m *Mux) CloseSession(sessionID string) {
	for _, h := range m.Channels() {
		if h.SessionID != sessionID {
			continue
		}
		if err := m.Close(h.ChannelID); err != nil && !errors.Is(err, ErrChannelNotFound) {
			slog.Warn("failed to close shell", "channel", h.ChannelID, "error", err)
		}
	}
}

// Channels lists open shells ordered by channel ID.
func (m *Mux) Channels() []model.ShellHandle {
	m.mu.RLock()
	out := make([]model.ShellHandle, 0, len(m.channels))
	for id, ch := range m.channels {
		out = append(out, model.ShellHandle{ChannelID: id, SessionID: ch.sess.ID})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// Exec runs cmd on the session in blocking mode. A non-zero exit status is
// part of the result.
func (m *Mux) Exec(ctx context.Context, sessionID, cmd string) (model.ExecResult, error) {
	sess, err := m.reg.Get(sessionID)
	if err != nil {
		return model.ExecResult{}, err
	}
	var res model.ExecResult
	err = sess.Run(session.ModeBlocking, func(l session.Link) error {
		var err error
		res, err = l.Exec(ctx, cmd)
		return err
	})
	return res, err
}

func firstPositive(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
