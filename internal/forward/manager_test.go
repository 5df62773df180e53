// Forward manager tests use a fakeStarter that runs "sleep 30" in place of
// ssh, so process lifecycle can be exercised without a server. In-process
// forwards run over sshtest.Link, whose Dial and Listen act on the local
// network stack.
package forward

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/treykane/termssh/internal/appconfig"
	"github.com/treykane/termssh/internal/events"
	"github.com/treykane/termssh/internal/model"
	"github.com/treykane/termssh/internal/sshclient"
	"github.com/treykane/termssh/internal/sshtest"
)

// fakeStarter starts "sleep 30" (or argv when set) instead of ssh.
type fakeStarter struct {
	fail bool
	argv []string
}

func (f fakeStarter) StartForward(ctx context.Context, _ sshclient.Destination, _ model.ForwardSpec) (*sshclient.ForwardProcess, error) {
	if f.fail {
		return nil, exec.ErrNotFound
	}
	argv := f.argv
	if argv == nil {
		argv = []string{"sleep", "30"}
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &sshclient.ForwardProcess{Cmd: cmd, Stderr: stderr}, nil
}

func keyTarget(session string) Target {
	return Target{SessionID: session, Host: "prod", Port: 22, User: "alice", KeyPath: "/keys/id", Auth: model.AuthKey}
}

func localSpec(src, dst int) model.ForwardSpec {
	return model.ForwardSpec{Direction: model.ForwardLocal, SrcAddr: "127.0.0.1", SrcPort: src, DstAddr: "127.0.0.1", DstPort: dst}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func echoServer(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				_, _ = io.Copy(c, c)
				_ = c.Close()
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func roundTrip(t *testing.T, port int) {
	t.Helper()
	c, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), 2*time.Second)
	if err != nil {
		t.Fatalf("dial forward: %v", err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(c, buf); err != nil || string(buf) != "ping" {
		t.Fatalf("unexpected echo %q err=%v", buf, err)
	}
}

func TestProcessForwardOpenClose(t *testing.T) {
	rec := events.NewRecorder()
	runtimePath := filepath.Join(t.TempDir(), "runtime.json")
	m := NewManager(fakeStarter{}, rec, Options{RuntimePath: runtimePath})

	rt, err := m.Open(context.Background(), keyTarget("s1"), localSpec(18080, 80))
	if err != nil {
		t.Fatal(err)
	}
	if rt.Backend != model.BackendProcess || rt.PID <= 0 || rt.State != model.ForwardActive {
		t.Fatalf("unexpected runtime: %+v", rt)
	}
	if rt.Src != "127.0.0.1:18080" || rt.Dst != "127.0.0.1:80" {
		t.Fatalf("unexpected endpoints: %s -> %s", rt.Src, rt.Dst)
	}
	if m.Status(rt.ID) != model.ForwardActive {
		t.Fatal("expected active")
	}

	var persisted []model.ForwardRuntime
	b, err := os.ReadFile(runtimePath)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(b, &persisted); err != nil || len(persisted) != 1 || persisted[0].PID != rt.PID {
		t.Fatalf("unexpected runtime file: %s", b)
	}

	if err := m.Close(rt.ID); err != nil {
		t.Fatal(err)
	}
	if m.Status(rt.ID) != model.ForwardClosed {
		t.Fatal("expected closed after Close")
	}
	if pidAlive(rt.PID) {
		t.Fatalf("process %d still running", rt.PID)
	}

	states := rec.Events(events.KindForwardState)
	if len(states) != 2 || states[0].Status != "active" || states[1].Status != "closed" {
		t.Fatalf("unexpected state events: %+v", states)
	}
	recorded, err := ReadRuntime(runtimePath)
	if err != nil || len(recorded) != 0 {
		t.Fatalf("expected empty runtime file, got %+v %v", recorded, err)
	}
}

func TestProcessForwardStartFailure(t *testing.T) {
	rec := events.NewRecorder()
	m := NewManager(fakeStarter{fail: true}, rec, Options{})
	if _, err := m.Open(context.Background(), keyTarget("s1"), localSpec(18081, 80)); !errors.Is(err, exec.ErrNotFound) {
		t.Fatalf("expected spawn error, got %v", err)
	}
	if len(m.Snapshot()) != 0 || len(rec.Events()) != 0 {
		t.Fatal("failed open must leave no trace")
	}
}

func TestProcessExitIsRecordedButStaysActive(t *testing.T) {
	m := NewManager(fakeStarter{argv: []string{"sh", "-c", "echo 'bind: Address already in use' >&2; exit 255"}}, nil, Options{})
	rt, err := m.Open(context.Background(), keyTarget("s1"), localSpec(18082, 80))
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := m.Get(rt.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.LastError != "" {
			if got.LastError != "bind: Address already in use" {
				t.Fatalf("unexpected last error %q", got.LastError)
			}
			if got.State != model.ForwardActive {
				t.Fatal("exit must not change the state")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("exit was never recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := m.Close(rt.ID); err != nil {
		t.Fatal(err)
	}
}

func TestPasswordSessionFallsBackToInProcess(t *testing.T) {
	echo := echoServer(t)
	src := freePort(t)
	m := NewManager(fakeStarter{fail: true}, nil, Options{Backend: model.BackendProcess})
	target := Target{SessionID: "s1", Host: "prod", User: "alice", Auth: model.AuthPassword, Tunnel: sshtest.NewLink()}

	rt, err := m.Open(context.Background(), target, localSpec(src, echo))
	if err != nil {
		t.Fatal(err)
	}
	if rt.Backend != model.BackendInProcess {
		t.Fatalf("expected in-process backend, got %s", rt.Backend)
	}
	roundTrip(t, src)

	snap := m.Snapshot()
	if len(snap) != 1 || !snap[0].Alive {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	if err := m.Close(rt.ID); err != nil {
		t.Fatal(err)
	}
	if c, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(src), time.Second); err == nil {
		_ = c.Close()
		t.Fatal("listener should be closed")
	}
}

func TestInProcessCloseDropsOpenConnections(t *testing.T) {
	echo := echoServer(t)
	src := freePort(t)
	m := NewManager(nil, nil, Options{Backend: model.BackendInProcess})
	rt, err := m.Open(context.Background(), Target{SessionID: "s1", Tunnel: sshtest.NewLink()}, localSpec(src, echo))
	if err != nil {
		t.Fatal(err)
	}
	c, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(src))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if _, err := c.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 1)
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		_ = m.Close(rt.ID)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("close hung on an open connection")
	}
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Read(buf); err == nil {
		t.Fatal("expected connection closed")
	}
}

func TestInProcessRemoteForward(t *testing.T) {
	echo := echoServer(t)
	src := freePort(t)
	m := NewManager(nil, nil, Options{Backend: model.BackendInProcess})
	spec := model.ForwardSpec{Direction: model.ForwardRemote, SrcPort: src, DstAddr: "127.0.0.1", DstPort: echo}
	rt, err := m.Open(context.Background(), Target{SessionID: "s1", Tunnel: sshtest.NewLink()}, spec)
	if err != nil {
		t.Fatal(err)
	}
	roundTrip(t, src)
	if err := m.Close(rt.ID); err != nil {
		t.Fatal(err)
	}
}

func TestBindPolicy(t *testing.T) {
	m := NewManager(fakeStarter{fail: true}, nil, Options{})
	spec := localSpec(18083, 80)
	spec.SrcAddr = "0.0.0.0"
	if _, err := m.Open(context.Background(), keyTarget("s1"), spec); !errors.Is(err, ErrBindPolicy) {
		t.Fatalf("expected ErrBindPolicy, got %v", err)
	}

	open := NewManager(fakeStarter{fail: true}, nil, Options{BindPolicy: appconfig.BindPolicyAllowPublic})
	if _, err := open.Open(context.Background(), keyTarget("s1"), spec); errors.Is(err, ErrBindPolicy) {
		t.Fatal("allow-public must accept a public bind address")
	}
}

func TestOpenValidatesPorts(t *testing.T) {
	m := NewManager(fakeStarter{}, nil, Options{})
	if _, err := m.Open(context.Background(), keyTarget("s1"), localSpec(0, 80)); err == nil {
		t.Fatal("expected invalid source port")
	}
	if _, err := m.Open(context.Background(), keyTarget("s1"), localSpec(8080, 70000)); err == nil {
		t.Fatal("expected invalid destination port")
	}
}

func TestUnknownForward(t *testing.T) {
	m := NewManager(fakeStarter{}, nil, Options{})
	if m.Status("nope") != model.ForwardClosed {
		t.Fatal("unknown forward must report closed")
	}
	if err := m.Close("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCloseSessionOnlyClosesItsForwards(t *testing.T) {
	m := NewManager(fakeStarter{}, nil, Options{})
	a, err := m.Open(context.Background(), keyTarget("s1"), localSpec(18084, 80))
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Open(context.Background(), keyTarget("s2"), localSpec(18085, 80))
	if err != nil {
		t.Fatal(err)
	}
	m.CloseSession("s1")
	if m.Status(a.ID) != model.ForwardClosed || m.Status(b.ID) != model.ForwardActive {
		t.Fatal("CloseSession closed the wrong forwards")
	}
	m.CloseAll()
	if m.Status(b.ID) != model.ForwardClosed {
		t.Fatal("CloseAll left a forward open")
	}
}

func TestReapOrphansChecksProcessName(t *testing.T) {
	runtimePath := filepath.Join(t.TempDir(), "runtime.json")
	orphan := exec.Command("sleep", "30")
	if err := orphan.Start(); err != nil {
		t.Fatal(err)
	}
	waited := make(chan struct{})
	go func() {
		_ = orphan.Wait()
		close(waited)
	}()
	t.Cleanup(func() { _ = orphan.Process.Kill() })

	stale := []model.ForwardRuntime{{ID: "old", PID: orphan.Process.Pid, Backend: model.BackendProcess, State: model.ForwardActive}}
	b, _ := json.Marshal(stale)
	if err := os.WriteFile(runtimePath, b, 0o600); err != nil {
		t.Fatal(err)
	}

	m := NewManager(fakeStarter{}, nil, Options{RuntimePath: runtimePath})
	reaped, err := m.ReapOrphans("ssh")
	if err != nil {
		t.Fatal(err)
	}
	if len(reaped) != 0 {
		t.Fatal("a process not named ssh must not be reaped")
	}

	// The runtime file was rewritten without the stale entry, so record it
	// again before reaping by its real name.
	if err := os.WriteFile(runtimePath, b, 0o600); err != nil {
		t.Fatal(err)
	}
	reaped, err = m.ReapOrphans("sleep")
	if err != nil {
		t.Fatal(err)
	}
	if len(reaped) != 1 || reaped[0].ID != "old" {
		t.Fatalf("expected stale forward reaped, got %+v", reaped)
	}
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("orphan was not terminated")
	}
}

func TestParseForwardArg(t *testing.T) {
	cases := []struct {
		in   string
		want model.ForwardSpec
	}{
		{"8080:localhost:80", model.ForwardSpec{Direction: model.ForwardLocal, SrcAddr: "127.0.0.1", SrcPort: 8080, DstAddr: "localhost", DstPort: 80}},
		{"0.0.0.0:5432:db:5432", model.ForwardSpec{Direction: model.ForwardLocal, SrcAddr: "0.0.0.0", SrcPort: 5432, DstAddr: "db", DstPort: 5432}},
		{"R:9000:localhost:3000", model.ForwardSpec{Direction: model.ForwardRemote, SrcAddr: "127.0.0.1", SrcPort: 9000, DstAddr: "localhost", DstPort: 3000}},
		{"L:8443:web:443", model.ForwardSpec{Direction: model.ForwardLocal, SrcAddr: "127.0.0.1", SrcPort: 8443, DstAddr: "web", DstPort: 443}},
	}
	for _, tc := range cases {
		got, err := ParseForwardArg(tc.in)
		if err != nil {
			t.Fatalf("%s: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%s: want %+v got %+v", tc.in, tc.want, got)
		}
	}
	for _, bad := range []string{"", "8080", "x:localhost:80", "8080:localhost:0", "8080::80", "a:b:c:d:e"} {
		if _, err := ParseForwardArg(bad); err == nil {
			t.Fatalf("%q: expected error", bad)
		}
	}
}

func TestPassphraseKeyFallsBackToInProcess(t *testing.T) {
	echo := echoServer(t)
	src := freePort(t)
	m := NewManager(fakeStarter{fail: true}, nil, Options{Backend: model.BackendProcess})
	target := Target{
		SessionID:    "s1",
		Host:         "prod",
		User:         "alice",
		Auth:         model.AuthKey,
		KeyPath:      "/home/alice/.ssh/id_ed25519",
		KeyEncrypted: true,
		Tunnel:       sshtest.NewLink(),
	}

	rt, err := m.Open(context.Background(), target, localSpec(src, echo))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = m.Close(rt.ID) }()
	if rt.Backend != model.BackendInProcess || rt.PID != 0 {
		t.Fatalf("expected in-process backend without a pid, got %s pid=%d", rt.Backend, rt.PID)
	}
	roundTrip(t, src)
}

func TestInteractiveOnlyCredentials(t *testing.T) {
	cases := []struct {
		target Target
		want   bool
	}{
		{Target{Auth: model.AuthPassword}, true},
		{Target{Auth: model.AuthKey, KeyEncrypted: true}, true},
		{Target{Auth: model.AuthKey}, false},
		{Target{Auth: model.AuthAgent}, false},
	}
	for _, tc := range cases {
		if got := tc.target.interactiveOnly() != ""; got != tc.want {
			t.Fatalf("%+v: interactiveOnly=%v, want %v", tc.target, got, tc.want)
		}
	}
}
