package sshtest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/treykane/termssh/internal/model"
	"github.com/treykane/termssh/internal/transport"
)

// Link is an instrumented stand-in for a transport connection. Every method
// that would touch the socket counts itself in and out so tests can detect
// two operations overlapping on the same connection.
type Link struct {
	// Delay is slept inside every instrumented call to widen races.
	Delay time.Duration
	// ExecFunc answers Exec. Nil means echo-style DefaultExec.
	ExecFunc func(cmd string) (model.ExecResult, error)
	// ShellFunc builds the shell returned by OpenShell. Nil returns a new
	// blocking Shell.
	ShellFunc func() (*Shell, error)
	FS        *MemFS
	SFTPErr   error

	active     atomic.Int32
	overlaps   atomic.Int32
	keepalives atomic.Int32

	mu       sync.Mutex
	blocking bool
	modes    []bool
	shells   []*Shell
	closed   bool
}

func NewLink() *Link {
	return &Link{FS: NewMemFS(), blocking: true}
}

func (l *Link) enter() func() {
	if l.active.Add(1) > 1 {
		l.overlaps.Add(1)
	}
	if l.Delay > 0 {
		time.Sleep(l.Delay)
	}
	return func() { l.active.Add(-1) }
}

// Overlaps is the number of calls that started while another was running.
func (l *Link) Overlaps() int { return int(l.overlaps.Load()) }

func (l *Link) Keepalives() int { return int(l.keepalives.Load()) }

// SetBlocking records mode switches requested by the session.
func (l *Link) SetBlocking(b bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocking = b
	l.modes = append(l.modes, b)
}

func (l *Link) Blocking() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.blocking
}

// ModeSwitches returns every SetBlocking argument in order.
func (l *Link) ModeSwitches() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.modes...)
}

func (l *Link) Shells() []*Shell {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Shell(nil), l.shells...)
}

func (l *Link) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Link) Exec(ctx context.Context, cmd string) (model.ExecResult, error) {
	defer l.enter()()
	if err := ctx.Err(); err != nil {
		return model.ExecResult{}, err
	}
	if l.ExecFunc != nil {
		return l.ExecFunc(cmd)
	}
	stdout, stderr, code := DefaultExec("tester", cmd)
	return model.ExecResult{Stdout: stdout, Stderr: stderr, ExitCode: code}, nil
}

func (l *Link) OpenShell(ctx context.Context, opts transport.ShellOptions) (transport.Shell, error) {
	defer l.enter()()
	var (
		sh  *Shell
		err error
	)
	if l.ShellFunc != nil {
		sh, err = l.ShellFunc()
	} else {
		sh = NewShell()
	}
	if err != nil {
		return nil, err
	}
	sh.Opts = opts
	l.mu.Lock()
	l.shells = append(l.shells, sh)
	l.mu.Unlock()
	return sh, nil
}

func (l *Link) OpenSFTP() (transport.FS, error) {
	defer l.enter()()
	if l.SFTPErr != nil {
		return nil, l.SFTPErr
	}
	return &instrumentedFS{fs: l.FS, link: l}, nil
}

func (l *Link) Dial(network, addr string) (net.Conn, error) {
	defer l.enter()()
	return net.Dial(network, addr)
}

func (l *Link) Listen(network, addr string) (net.Listener, error) {
	defer l.enter()()
	return net.Listen(network, addr)
}

func (l *Link) Keepalive() error {
	defer l.enter()()
	l.keepalives.Add(1)
	return nil
}

func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// Shell is a scripted interactive channel. Output is fed by the test; input
// is recorded.
type Shell struct {
	Opts transport.ShellOptions
	// WouldBlock makes Read return transport.ErrWouldBlock instead of
	// waiting when no output is queued.
	WouldBlock bool

	out     chan []byte
	eof     chan struct{}
	eofOnce sync.Once
	polls   atomic.Int32
	mu      sync.Mutex
	written bytes.Buffer
	sizes   [][2]int
	closed  bool
}

func NewShell() *Shell {
	return &Shell{out: make(chan []byte, 64), eof: make(chan struct{})}
}

// Feed queues output for the reader.
func (s *Shell) Feed(b []byte) { s.out <- append([]byte(nil), b...) }

// End makes the next Read return io.EOF once queued output is drained.
func (s *Shell) End() { s.eofOnce.Do(func() { close(s.eof) }) }

// Polls counts ErrWouldBlock results handed out.
func (s *Shell) Polls() int { return int(s.polls.Load()) }

func (s *Shell) Read(p []byte) (int, error) {
	select {
	case b := <-s.out:
		return copy(p, b), nil
	default:
	}
	if s.WouldBlock {
		select {
		case <-s.eof:
			return s.drain(p)
		default:
			s.polls.Add(1)
			return 0, transport.ErrWouldBlock
		}
	}
	select {
	case b := <-s.out:
		return copy(p, b), nil
	case <-s.eof:
		return s.drain(p)
	}
}

// drain returns output queued before End, then io.EOF.
func (s *Shell) drain(p []byte) (int, error) {
	select {
	case b := <-s.out:
		return copy(p, b), nil
	default:
		return 0, io.EOF
	}
}

func (s *Shell) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	return s.written.Write(p)
}

func (s *Shell) Resize(cols, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sizes = append(s.sizes, [2]int{cols, rows})
	return nil
}

func (s *Shell) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.End()
	return nil
}

func (s *Shell) Written() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.String()
}

func (s *Shell) Sizes() [][2]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2]int(nil), s.sizes...)
}

func (s *Shell) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type instrumentedFS struct {
	fs   *MemFS
	link *Link
}

func (f *instrumentedFS) ReadDir(p string) ([]os.FileInfo, error) {
	defer f.link.enter()()
	return f.fs.ReadDir(p)
}

func (f *instrumentedFS) Stat(p string) (os.FileInfo, error) {
	defer f.link.enter()()
	return f.fs.Stat(p)
}

func (f *instrumentedFS) Mkdir(p string) error {
	defer f.link.enter()()
	return f.fs.Mkdir(p)
}

func (f *instrumentedFS) Open(p string) (io.ReadCloser, error) {
	defer f.link.enter()()
	return f.fs.Open(p)
}

func (f *instrumentedFS) Create(p string) (io.WriteCloser, error) {
	defer f.link.enter()()
	return f.fs.Create(p)
}

func (f *instrumentedFS) Chmod(p string, m os.FileMode) error {
	defer f.link.enter()()
	return f.fs.Chmod(p, m)
}

func (f *instrumentedFS) Close() error { return nil }

// MemFS is an in-memory remote filesystem with POSIX-like Mkdir semantics.
type MemFS struct {
	// IncludeDot makes ReadDir return a "." entry, as some servers do.
	IncludeDot bool
	// RaceMkdir lists paths whose Mkdir creates the directory and still
	// fails, as if another client won the race.
	RaceMkdir map[string]bool

	mu     sync.Mutex
	dirs   map[string]os.FileMode
	files  map[string][]byte
	modes  map[string]os.FileMode
	mkdirs []string
	writes map[string]int
}

func NewMemFS() *MemFS {
	return &MemFS{
		dirs:   map[string]os.FileMode{"/": 0o755},
		files:  map[string][]byte{},
		modes:  map[string]os.FileMode{},
		writes: map[string]int{},
	}
}

// AddDir creates p and its parents.
func (m *MemFS) AddDir(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for cur := path.Clean(p); cur != "/" && cur != "."; cur = path.Dir(cur) {
		m.dirs[cur] = 0o755
	}
}

// AddFile creates p with data, creating parents.
func (m *MemFS) AddFile(p string, data []byte) {
	m.AddDir(path.Dir(p))
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path.Clean(p)] = append([]byte(nil), data...)
	m.modes[path.Clean(p)] = 0o644
}

func (m *MemFS) File(p string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[path.Clean(p)]
	return b, ok
}

func (m *MemFS) IsDir(p string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.dirs[path.Clean(p)]
	return ok
}

func (m *MemFS) Mode(p string) os.FileMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modes[path.Clean(p)]
}

// Mkdirs returns every successful Mkdir call in order.
func (m *MemFS) Mkdirs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.mkdirs...)
}

// Writes returns how many Write calls reached p.
func (m *MemFS) Writes(p string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[path.Clean(p)]
}

func (m *MemFS) ReadDir(p string) ([]os.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = path.Clean(p)
	if _, ok := m.dirs[p]; !ok {
		return nil, &fs.PathError{Op: "readdir", Path: p, Err: fs.ErrNotExist}
	}
	var out []os.FileInfo
	if m.IncludeDot {
		out = append(out, fileInfo{name: ".", dir: true, mode: 0o755})
	}
	for d, mode := range m.dirs {
		if d != p && path.Dir(d) == p {
			out = append(out, fileInfo{name: path.Base(d), dir: true, mode: mode})
		}
	}
	for f, data := range m.files {
		if path.Dir(f) == p {
			out = append(out, fileInfo{name: path.Base(f), size: int64(len(data)), mode: m.modes[f]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

func (m *MemFS) Stat(p string) (os.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = path.Clean(p)
	if mode, ok := m.dirs[p]; ok {
		return fileInfo{name: path.Base(p), dir: true, mode: mode}, nil
	}
	if data, ok := m.files[p]; ok {
		return fileInfo{name: path.Base(p), size: int64(len(data)), mode: m.modes[p]}, nil
	}
	return nil, &fs.PathError{Op: "stat", Path: p, Err: fs.ErrNotExist}
}

func (m *MemFS) Mkdir(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = path.Clean(p)
	if m.RaceMkdir[p] {
		m.dirs[p] = 0o755
		return &fs.PathError{Op: "mkdir", Path: p, Err: errors.New("failure")}
	}
	if _, ok := m.dirs[path.Dir(p)]; !ok {
		return &fs.PathError{Op: "mkdir", Path: p, Err: fs.ErrNotExist}
	}
	if _, ok := m.dirs[p]; ok {
		return &fs.PathError{Op: "mkdir", Path: p, Err: fs.ErrExist}
	}
	if _, ok := m.files[p]; ok {
		return &fs.PathError{Op: "mkdir", Path: p, Err: fs.ErrExist}
	}
	m.dirs[p] = 0o755
	m.mkdirs = append(m.mkdirs, p)
	return nil
}

func (m *MemFS) Open(p string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path.Clean(p)]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: p, Err: fs.ErrNotExist}
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), data...))), nil
}

func (m *MemFS) Create(p string) (io.WriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = path.Clean(p)
	if _, ok := m.dirs[path.Dir(p)]; !ok {
		return nil, &fs.PathError{Op: "create", Path: p, Err: fs.ErrNotExist}
	}
	if _, ok := m.dirs[p]; ok {
		return nil, &fs.PathError{Op: "create", Path: p, Err: fmt.Errorf("is a directory")}
	}
	m.files[p] = nil
	if _, ok := m.modes[p]; !ok {
		m.modes[p] = 0o644
	}
	return &memFile{fs: m, path: p}, nil
}

func (m *MemFS) Chmod(p string, mode os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = path.Clean(p)
	if _, ok := m.files[p]; !ok {
		return &fs.PathError{Op: "chmod", Path: p, Err: fs.ErrNotExist}
	}
	m.modes[p] = mode
	return nil
}

func (m *MemFS) Close() error { return nil }

type memFile struct {
	fs   *MemFS
	path string
}

func (f *memFile) Write(p []byte) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	f.fs.files[f.path] = append(f.fs.files[f.path], p...)
	f.fs.writes[f.path]++
	return len(p), nil
}

func (f *memFile) Close() error { return nil }

type fileInfo struct {
	name string
	size int64
	mode os.FileMode
	dir  bool
}

func (fi fileInfo) Name() string { return fi.name }
func (fi fileInfo) Size() int64  { return fi.size }
func (fi fileInfo) Mode() os.FileMode {
	if fi.dir {
		return fi.mode | os.ModeDir
	}
	return fi.mode
}
func (fi fileInfo) ModTime() time.Time { return time.Unix(0, 0) }
func (fi fileInfo) IsDir() bool        { return fi.dir }
func (fi fileInfo) Sys() any           { return nil }
