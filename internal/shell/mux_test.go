package shell

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/treykane/termssh/internal/events"
	"github.com/treykane/termssh/internal/model"
	"github.com/treykane/termssh/internal/session"
	"github.com/treykane/termssh/internal/sshtest"
)

type harness struct {
	reg    *session.Registry
	rec    *events.Recorder
	mux    *Mux
	link   *sshtest.Link
	sess   *session.Session
	splits map[string]*sshtest.Link

	mu       sync.Mutex
	released []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		reg:    session.NewRegistry(),
		rec:    events.NewRecorder(),
		link:   sshtest.NewLink(),
		splits: map[string]*sshtest.Link{},
	}
	h.sess = session.New("parent", model.ConnectRequest{Host: "testhost", Port: 22, User: "alice"}, h.link)
	h.reg.Insert(h.sess)

	split := func(_ context.Context, parent *session.Session) (*session.Session, error) {
		link := sshtest.NewLink()
		s := session.New(uuid.NewString(), parent.Request(), link)
		h.reg.InsertSecondary(s)
		h.mu.Lock()
		h.splits[s.ID] = link
		h.mu.Unlock()
		return s, nil
	}
	release := func(id string) {
		h.mu.Lock()
		h.released = append(h.released, id)
		h.mu.Unlock()
		if s, err := h.reg.Remove(id); err == nil {
			_ = s.Close()
		}
	}
	h.mux = NewMux(h.reg, h.rec, Terminal{Type: "xterm-256color", Cols: 80, Rows: 24}, split, release)
	return h
}

func (h *harness) releasedIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.released...)
}

func waitExit(t *testing.T, rec *events.Recorder, channelID string) {
	t.Helper()
	ok := rec.WaitFor(2*time.Second, func(evs []events.Event) bool {
		for _, e := range evs {
			if e.Kind == events.KindExit && e.ChannelID == channelID {
				return true
			}
		}
		return false
	})
	if !ok {
		t.Fatalf("no exit event for %s", channelID)
	}
}

func outputFor(rec *events.Recorder, channelID string) string {
	var out []byte
	for _, e := range rec.Events(events.KindOutput) {
		if e.ChannelID != channelID {
			continue
		}
		b, _ := e.Decode()
		out = append(out, b...)
	}
	return string(out)
}

func TestOpenStreamsOutputAndExitsOnEOF(t *testing.T) {
	h := newHarness(t)
	handle, err := h.mux.Open(context.Background(), "parent", OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if handle.SessionID != "parent" {
		t.Fatalf("first shell should run on the session itself, got %s", handle.SessionID)
	}
	sh := h.link.Shells()[0]
	if sh.Opts.Term != "xterm-256color" || sh.Opts.Cols != 80 || sh.Opts.Rows != 24 {
		t.Fatalf("unexpected pty options: %+v", sh.Opts)
	}

	sh.Feed([]byte("hello "))
	sh.Feed([]byte{0xff, 0x00, 'x'})
	sh.End()
	waitExit(t, h.rec, handle.ChannelID)

	if got := outputFor(h.rec, handle.ChannelID); got != "hello \xff\x00x" {
		t.Fatalf("unexpected output %q", got)
	}
	if n := len(h.rec.Events(events.KindExit)); n != 1 {
		t.Fatalf("expected one exit event, got %d", n)
	}
	if err := h.mux.Write(handle.ChannelID, []byte("x")); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("expected channel removed, got %v", err)
	}
}

func TestReaderToleratesWouldBlock(t *testing.T) {
	h := newHarness(t)
	h.link.ShellFunc = func() (*sshtest.Shell, error) {
		sh := sshtest.NewShell()
		sh.WouldBlock = true
		return sh, nil
	}
	handle, err := h.mux.Open(context.Background(), "parent", OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	sh := h.link.Shells()[0]
	deadline := time.Now().Add(2 * time.Second)
	for sh.Polls() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	sh.Feed([]byte("late"))
	ok := h.rec.WaitFor(2*time.Second, func([]events.Event) bool {
		return outputFor(h.rec, handle.ChannelID) == "late"
	})
	if !ok {
		t.Fatalf("output not delivered, got %q", outputFor(h.rec, handle.ChannelID))
	}
	if sh.Polls() == 0 {
		t.Fatal("expected would-block polls")
	}
	if len(h.rec.Events(events.KindExit)) != 0 {
		t.Fatal("would-block must not end the channel")
	}
	if err := h.mux.Close(handle.ChannelID); err != nil {
		t.Fatal(err)
	}
}

func TestWriteAndResizeReachShell(t *testing.T) {
	h := newHarness(t)
	handle, err := h.mux.Open(context.Background(), "parent", OpenOptions{Cols: 132, Rows: 50, Cwd: "/srv"})
	if err != nil {
		t.Fatal(err)
	}
	sh := h.link.Shells()[0]
	if sh.Opts.Cols != 132 || sh.Opts.Rows != 50 || sh.Opts.Cwd != "/srv" {
		t.Fatalf("unexpected options: %+v", sh.Opts)
	}
	if err := h.mux.Write(handle.ChannelID, []byte("ls\n")); err != nil {
		t.Fatal(err)
	}
	if err := h.mux.Resize(handle.ChannelID, 100, 40); err != nil {
		t.Fatal(err)
	}
	if err := h.mux.Resize(handle.ChannelID, 0, 40); err == nil {
		t.Fatal("expected invalid size error")
	}
	if sh.Written() != "ls\n" {
		t.Fatalf("unexpected input %q", sh.Written())
	}
	if sizes := sh.Sizes(); len(sizes) != 1 || sizes[0] != [2]int{100, 40} {
		t.Fatalf("unexpected sizes %v", sizes)
	}
	if h.sess.Mode() != session.ModeBlocking {
		t.Fatal("mode must be restored after open")
	}
	_ = h.mux.Close(handle.ChannelID)
}

func TestSecondShellSplitsAndReleasesOnClose(t *testing.T) {
	h := newHarness(t)
	first, err := h.mux.Open(context.Background(), "parent", OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.mux.Open(context.Background(), "parent", OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if second.SessionID == "parent" {
		t.Fatal("second shell must run on a split session")
	}
	if h.reg.IsPrimary(second.SessionID) {
		t.Fatal("split session must not be primary")
	}
	if len(h.link.Shells()) != 1 {
		t.Fatal("parent link must carry only the first shell")
	}

	if err := h.mux.Close(second.ChannelID); err != nil {
		t.Fatal(err)
	}
	released := h.releasedIDs()
	if len(released) != 1 || released[0] != second.SessionID {
		t.Fatalf("expected split released, got %v", released)
	}
	h.mu.Lock()
	splitLink := h.splits[second.SessionID]
	h.mu.Unlock()
	if !splitLink.Closed() {
		t.Fatal("split link should be closed")
	}
	if exits := h.rec.Events(events.KindExit); len(exits) != 1 || exits[0].ChannelID != second.ChannelID {
		t.Fatalf("unexpected exit events: %+v", exits)
	}

	if err := h.mux.Close(first.ChannelID); err != nil {
		t.Fatal(err)
	}
	if len(h.releasedIDs()) != 1 {
		t.Fatal("the parent session must never be released by its shell")
	}
	if h.link.Closed() {
		t.Fatal("parent link must stay open")
	}

	// With the first shell gone the parent is free again.
	again, err := h.mux.Open(context.Background(), "parent", OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if again.SessionID != "parent" {
		t.Fatalf("expected parent reuse, got %s", again.SessionID)
	}
	_ = h.mux.Close(again.ChannelID)
}

func TestCloseSessionClosesItsChannels(t *testing.T) {
	h := newHarness(t)
	handle, err := h.mux.Open(context.Background(), "parent", OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	h.mux.CloseSession("parent")
	if len(h.mux.Channels()) != 0 {
		t.Fatal("expected no channels left")
	}
	if !h.link.Shells()[0].IsClosed() {
		t.Fatal("expected shell closed")
	}
	waitExit(t, h.rec, handle.ChannelID)
}

func TestOpenUnknownSession(t *testing.T) {
	h := newHarness(t)
	if _, err := h.mux.Open(context.Background(), "missing", OpenOptions{}); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := h.mux.Close("missing"); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("expected ErrChannelNotFound, got %v", err)
	}
}

func TestOpenFailureFreesSession(t *testing.T) {
	h := newHarness(t)
	h.link.ShellFunc = func() (*sshtest.Shell, error) { return nil, errors.New("pty refused") }
	if _, err := h.mux.Open(context.Background(), "parent", OpenOptions{}); err == nil {
		t.Fatal("expected error")
	}
	h.link.ShellFunc = nil
	handle, err := h.mux.Open(context.Background(), "parent", OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if handle.SessionID != "parent" {
		t.Fatal("failed open must not leave the session reserved")
	}
	_ = h.mux.Close(handle.ChannelID)
}

func TestExecRunsInBlockingMode(t *testing.T) {
	h := newHarness(t)
	res, err := h.mux.Exec(context.Background(), "parent", "echo hi")
	if err != nil {
		t.Fatal(err)
	}
	if res != (model.ExecResult{Stdout: "hi\n", ExitCode: 0}) {
		t.Fatalf("unexpected result %+v", res)
	}
	res, err = h.mux.Exec(context.Background(), "parent", "false")
	if err != nil || res.ExitCode != 1 {
		t.Fatalf("expected exit 1 as result, got %+v %v", res, err)
	}
	if _, err := h.mux.Exec(context.Background(), "nope", "true"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
