package forward

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/treykane/termssh/internal/model"
	"github.com/treykane/termssh/internal/util"
)

func (m *Manager) startInProcess(e *entry, target Target, spec model.ForwardSpec) error {
	if target.Tunnel == nil {
		return fmt.Errorf("in-process forward needs an established session")
	}
	e.conns = make(map[net.Conn]struct{})

	if spec.Direction == model.ForwardRemote {
		ln, err := target.Tunnel.Listen("tcp", e.rt.Src)
		if err != nil {
			return fmt.Errorf("remote listen on %s: %w", e.rt.Src, err)
		}
		e.listener = ln
		e.wg.Add(1)
		go m.acceptLoop(e, func() (net.Conn, error) {
			var d net.Dialer
			return d.Dial("tcp", e.rt.Dst)
		})
		return nil
	}

	ln, err := net.Listen("tcp", e.rt.Src)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", e.rt.Src, err)
	}
	e.listener = ln
	e.wg.Add(1)
	go m.acceptLoop(e, func() (net.Conn, error) {
		return target.Tunnel.Dial("tcp", e.rt.Dst)
	})
	return nil
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// acceptLoop serves e.listener until the shutdown flag is set. Listeners
// that support deadlines wake up every AcceptPollInterval to check it;
// others rely on Close unblocking Accept.
func (m *Manager) acceptLoop(e *entry, dial func() (net.Conn, error)) {
	defer e.wg.Done()
	for !e.stopping.Load() {
		if d, ok := e.listener.(deadliner); ok {
			_ = d.SetDeadline(time.Now().Add(util.AcceptPollInterval))
		}
		c, err := e.listener.Accept()
		if err != nil {
			if e.stopping.Load() {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			m.recordError(e, err)
			return
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			m.serveConn(e, c, dial)
		}()
	}
}

func (m *Manager) serveConn(e *entry, c net.Conn, dial func() (net.Conn, error)) {
	upstream, err := dial()
	if err != nil {
		slog.Debug("forward dial failed", "forward", e.rt.ID, "dst", e.rt.Dst, "error", err)
		_ = c.Close()
		return
	}
	if !e.track(c, upstream) {
		_ = c.Close()
		_ = upstream.Close()
		return
	}
	defer e.untrack(c, upstream)
	join(c, upstream)
}

func (m *Manager) recordError(e *entry, err error) {
	m.mu.Lock()
	e.rt.LastError = err.Error()
	m.mu.Unlock()
	slog.Warn("forward accept loop stopped", "forward", e.rt.ID, "error", err)
}

func (e *entry) track(conns ...net.Conn) bool {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	if e.stopping.Load() {
		return false
	}
	for _, c := range conns {
		e.conns[c] = struct{}{}
	}
	return true
}

func (e *entry) untrack(conns ...net.Conn) {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	for _, c := range conns {
		delete(e.conns, c)
	}
}

// stop flips the shutdown flag, closes the listener and every open
// connection, then joins the loop.
func (e *entry) stop() {
	e.stopping.Store(true)
	_ = e.listener.Close()
	e.connMu.Lock()
	for c := range e.conns {
		_ = c.Close()
	}
	e.connMu.Unlock()
	e.wg.Wait()
}

// join copies both ways until either side ends, then closes both.
func join(a, b net.Conn) {
	var once sync.Once
	closeBoth := func() {
		_ = a.Close()
		_ = b.Close()
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(a, b)
		once.Do(closeBoth)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(b, a)
		once.Do(closeBoth)
	}()
	wg.Wait()
}

// lastLine drains r and returns its last non-empty line.
func lastLine(r io.Reader) string {
	if r == nil {
		return ""
	}
	var last string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	return last
}
