package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/treykane/termssh/internal/model"
	"github.com/treykane/termssh/internal/sshtest"
)

func newSession(id, group string, link Link) *Session {
	return New(id, model.ConnectRequest{Host: "testhost", Port: 22, User: "alice", Group: group}, link)
}

func TestRunRestoresModeOnSuccessErrorAndPanic(t *testing.T) {
	link := sshtest.NewLink()
	s := newSession("s1", "", link)
	if s.Mode() != ModeBlocking {
		t.Fatalf("expected blocking default, got %s", s.Mode())
	}

	for _, start := range []Mode{ModeBlocking, ModeNonBlocking} {
		s.opMu.Lock()
		s.mode = start
		s.opMu.Unlock()

		if err := s.Run(ModeBlocking, func(Link) error { return nil }); err != nil {
			t.Fatal(err)
		}
		if s.Mode() != start {
			t.Fatalf("success path: expected %s restored, got %s", start, s.Mode())
		}

		boom := errors.New("boom")
		if err := s.Run(ModeBlocking, func(Link) error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		if s.Mode() != start {
			t.Fatalf("error path: expected %s restored, got %s", start, s.Mode())
		}

		func() {
			defer func() { _ = recover() }()
			_ = s.Run(ModeNonBlocking, func(Link) error { panic("kaboom") })
		}()
		if s.Mode() != start {
			t.Fatalf("panic path: expected %s restored, got %s", start, s.Mode())
		}
	}
}

func TestRunTellsLinkAboutModeSwitches(t *testing.T) {
	link := sshtest.NewLink()
	s := newSession("s1", "", link)
	var during bool
	_ = s.Run(ModeNonBlocking, func(Link) error {
		during = link.Blocking()
		return nil
	})
	if during {
		t.Fatal("expected link to be non-blocking during the operation")
	}
	if !link.Blocking() {
		t.Fatal("expected link back in blocking mode")
	}
	switches := link.ModeSwitches()
	if len(switches) != 2 || switches[0] || !switches[1] {
		t.Fatalf("unexpected switches: %v", switches)
	}
}

func TestConcurrentOperationsNeverOverlap(t *testing.T) {
	link := sshtest.NewLink()
	link.Delay = 2 * time.Millisecond
	link.FS.AddDir("/data")
	s := newSession("s1", "", link)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = s.Run(ModeBlocking, func(l Link) error {
					_, err := l.Exec(context.Background(), "echo hi")
					return err
				})
				return
			}
			_ = s.Run(ModeBlocking, func(l Link) error {
				fs, err := l.OpenSFTP()
				if err != nil {
					return err
				}
				defer fs.Close()
				_, err = fs.ReadDir("/data")
				return err
			})
		}(i)
	}
	wg.Wait()
	if n := link.Overlaps(); n != 0 {
		t.Fatalf("expected serialized access, saw %d overlaps", n)
	}
}

func TestTryDoSkipsBusySession(t *testing.T) {
	s := newSession("s1", "", sshtest.NewLink())
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = s.Do(func(Link) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	ran, err := s.TryDo(func(Link) error { return nil })
	if ran || err != nil {
		t.Fatalf("expected skip, got ran=%v err=%v", ran, err)
	}
	close(release)
}

func TestKeepaliveStopsOnClose(t *testing.T) {
	link := sshtest.NewLink()
	s := newSession("s1", "", link)
	done := make(chan struct{})
	go func() {
		s.Keepalive(5*time.Millisecond, nil)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for link.Keepalives() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if link.Keepalives() < 2 {
		t.Fatal("expected keepalives to be sent")
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("keepalive loop did not stop")
	}
	if !link.Closed() {
		t.Fatal("expected link closed")
	}
	if err := s.Do(func(Link) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSessionDefaultsGroup(t *testing.T) {
	s := newSession("s1", "", sshtest.NewLink())
	if s.Group != "alice@testhost:22" {
		t.Fatalf("unexpected default group: %s", s.Group)
	}
	req := s.Request()
	if req.Host != "testhost" || req.User != "alice" || req.Group != s.Group || req.AutoTrust {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestNewNormalizesTarget(t *testing.T) {
	s := New("s1", model.ConnectRequest{Host: "TestHost", Port: 0, User: "alice"}, sshtest.NewLink())
	if s.Host != "testhost" || s.Port != 22 || s.Group != "alice@testhost:22" {
		t.Fatalf("unexpected target host=%q port=%d group=%q", s.Host, s.Port, s.Group)
	}
	v6 := New("s2", model.ConnectRequest{Host: "[FE80::1]", Port: 2222, User: "bob"}, sshtest.NewLink())
	if v6.Host != "FE80::1" || v6.Port != 2222 {
		t.Fatalf("expected IP literal kept as-is, got host=%q port=%d", v6.Host, v6.Port)
	}
}
