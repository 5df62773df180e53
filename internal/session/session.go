// Package session holds established SSH sessions and serializes every
// operation performed on each of them.
package session

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/treykane/termssh/internal/model"
	"github.com/treykane/termssh/internal/transport"
	"github.com/treykane/termssh/internal/util"
)

// Link is the connection a session owns. *transport.Conn implements it.
type Link interface {
	Exec(ctx context.Context, cmd string) (model.ExecResult, error)
	OpenShell(ctx context.Context, opts transport.ShellOptions) (transport.Shell, error)
	OpenSFTP() (transport.FS, error)
	Dial(network, addr string) (net.Conn, error)
	Listen(network, addr string) (net.Listener, error)
	Keepalive() error
	Close() error
}

// blockingSetter is implemented by links whose underlying handle has an
// explicit blocking mode.
type blockingSetter interface {
	SetBlocking(bool)
}

// Mode is the I/O mode a session's link is in.
type Mode int

const (
	ModeBlocking Mode = iota
	ModeNonBlocking
)

func (m Mode) String() string {
	if m == ModeNonBlocking {
		return "non-blocking"
	}
	return "blocking"
}

// Session is one authenticated connection and the lock that guards it.
type Session struct {
	ID        string
	Group     string
	Host      string
	Port      int
	User      string
	Auth      model.AuthConfig
	CreatedAt time.Time

	opMu    sync.Mutex
	link    Link
	mode    Mode
	primary bool // guarded by the registry lock
	closed  bool
	done    chan struct{}
}

// New wraps link in a session. The session starts in blocking mode.
//
// The host is normalized and a zero port becomes 22, so requests that name
// the same target with different spellings share one default group.
func New(id string, req model.ConnectRequest, link Link) *Session {
	s := &Session{
		ID:        id,
		Group:     req.Group,
		Host:      util.NormalizeHost(req.Host),
		Port:      util.PortOrDefault(req.Port),
		User:      req.User,
		Auth:      req.Auth,
		CreatedAt: time.Now(),
		link:      link,
		mode:      ModeBlocking,
		done:      make(chan struct{}),
	}
	if s.Group == "" {
		s.Group = model.DefaultGroup(s.User, s.Host, s.Port)
	}
	return s
}

// Request rebuilds the connect request this session was created from. It is
// used to open split sessions against the same target.
func (s *Session) Request() model.ConnectRequest {
	return model.ConnectRequest{
		Host:  s.Host,
		Port:  s.Port,
		User:  s.User,
		Auth:  s.Auth,
		Group: s.Group,
	}
}

// Do runs fn with exclusive access to the link.
func (s *Session) Do(fn func(Link) error) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return fn(s.link)
}

// TryDo runs fn only if the session is idle. It reports whether fn ran.
func (s *Session) TryDo(fn func(Link) error) (bool, error) {
	if !s.opMu.TryLock() {
		return false, nil
	}
	defer s.opMu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	return true, fn(s.link)
}

// Run switches the link to mode for the duration of fn. The previous mode is
// restored before the lock is released, whether fn succeeds, fails or
// panics.
func (s *Session) Run(mode Mode, fn func(Link) error) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.closed {
		return ErrClosed
	}
	prev := s.mode
	s.setMode(mode)
	defer s.setMode(prev)
	return fn(s.link)
}

func (s *Session) setMode(m Mode) {
	s.mode = m
	if bs, ok := s.link.(blockingSetter); ok {
		bs.SetBlocking(m == ModeBlocking)
	}
}

// Mode returns the current mode. It waits for any running operation.
func (s *Session) Mode() Mode {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.mode
}

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close terminates the link. It waits for the running operation, if any.
func (s *Session) Close() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return s.link.Close()
}

// Keepalive pings the server every interval until the session closes. Ticks
// that find the session busy are skipped: an operation in flight already
// proves the connection is alive.
func (s *Session) Keepalive(interval time.Duration, onError func(error)) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			ran, err := s.TryDo(func(l Link) error { return l.Keepalive() })
			if ran && err != nil && onError != nil {
				onError(err)
			}
		}
	}
}
