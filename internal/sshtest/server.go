// Package sshtest runs an in-process SSH server for tests. It supports
// password and public key auth, exec, pty shells that echo their input, the
// sftp subsystem and both directions of TCP forwarding.
package sshtest

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/keygen"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// ExecFunc answers one exec request.
type ExecFunc func(user, cmd string) (stdout, stderr string, code int)

// Options configures Start.
type Options struct {
	// Users maps user name to password.
	Users map[string]string
	// AuthorizedKeys are accepted for any user.
	AuthorizedKeys []ssh.PublicKey
	// Exec overrides DefaultExec.
	Exec ExecFunc
}

// WindowSize is a pty size observed by the server.
type WindowSize struct {
	Cols, Rows int
}

// Server is a running test server.
type Server struct {
	Addr    string
	HostKey ssh.PublicKey

	cfg      *ssh.ServerConfig
	exec     ExecFunc
	listener net.Listener

	mu       sync.Mutex
	conns    []net.Conn
	commands []string
	sizes    []WindowSize
	wg       sync.WaitGroup
}

// Start listens on 127.0.0.1 and serves until the test ends.
func Start(t testing.TB, opts Options) *Server {
	t.Helper()

	kp, err := keygen.New("", keygen.WithKeyType(keygen.Ed25519))
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.ParsePrivateKey(kp.RawPrivateKey())
	if err != nil {
		t.Fatalf("parse host key: %v", err)
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if want, ok := opts.Users[conn.User()]; ok && want == string(password) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %s", conn.User())
		},
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			for _, k := range opts.AuthorizedKeys {
				if ssh.FingerprintSHA256(k) == ssh.FingerprintSHA256(key) {
					return &ssh.Permissions{}, nil
				}
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &Server{
		Addr:     ln.Addr().String(),
		HostKey:  hostSigner.PublicKey(),
		cfg:      cfg,
		exec:     opts.Exec,
		listener: ln,
	}
	if s.exec == nil {
		s.exec = DefaultExec
	}

	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Port returns the listening port.
func (s *Server) Port() int {
	_, p, _ := net.SplitHostPort(s.Addr)
	n, _ := strconv.Atoi(p)
	return n
}

// Commands returns every exec command received, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// WindowSizes returns every pty size requested, in order.
func (s *Server) WindowSizes() []WindowSize {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]WindowSize(nil), s.sizes...)
}

// ConnCount returns how many TCP connections were accepted.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) Close() {
	_ = s.listener.Close()
	s.mu.Lock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, nc)
		s.mu.Unlock()
		go s.handleConn(nc)
	}
}

func (s *Server) handleConn(nc net.Conn) {
	sc, chans, reqs, err := ssh.NewServerConn(nc, s.cfg)
	if err != nil {
		_ = nc.Close()
		return
	}
	defer sc.Close()

	fwd := &remoteForwards{conn: sc, listeners: map[string]net.Listener{}}
	defer fwd.closeAll()
	go fwd.handleGlobal(reqs)

	for nch := range chans {
		switch nch.ChannelType() {
		case "session":
			ch, requests, err := nch.Accept()
			if err != nil {
				continue
			}
			go s.handleSession(sc.User(), ch, requests)
		case "direct-tcpip":
			go handleDirect(nch)
		default:
			_ = nch.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

func (s *Server) handleSession(user string, ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	var pty bool
	for req := range requests {
		switch req.Type {
		case "pty-req":
			var p struct {
				Term          string
				Cols, Rows    uint32
				Width, Height uint32
				Modes         string
			}
			if err := ssh.Unmarshal(req.Payload, &p); err == nil {
				pty = true
				s.recordSize(int(p.Cols), int(p.Rows))
			}
			reply(req, true)
		case "window-change":
			var w struct{ Cols, Rows, Width, Height uint32 }
			if err := ssh.Unmarshal(req.Payload, &w); err == nil {
				s.recordSize(int(w.Cols), int(w.Rows))
			}
			reply(req, true)
		case "env":
			reply(req, true)
		case "shell":
			reply(req, true)
			go s.echoShell(ch)
		case "exec":
			var e struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &e); err != nil {
				reply(req, false)
				continue
			}
			s.mu.Lock()
			s.commands = append(s.commands, e.Command)
			s.mu.Unlock()
			reply(req, true)
			if pty && strings.HasPrefix(e.Command, "cd ") {
				go s.echoShell(ch)
				continue
			}
			go s.runExec(user, e.Command, ch)
		case "subsystem":
			var sub struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &sub); err != nil || sub.Name != "sftp" {
				reply(req, false)
				continue
			}
			reply(req, true)
			go func() {
				srv, err := sftp.NewServer(ch)
				if err != nil {
					_ = ch.Close()
					return
				}
				_ = srv.Serve()
				_ = srv.Close()
				_ = ch.Close()
			}()
		default:
			reply(req, false)
		}
	}
}

func (s *Server) recordSize(cols, rows int) {
	s.mu.Lock()
	s.sizes = append(s.sizes, WindowSize{Cols: cols, Rows: rows})
	s.mu.Unlock()
}

func (s *Server) runExec(user, cmd string, ch ssh.Channel) {
	var stdout, stderr string
	var code int
	if secs, ok := strings.CutPrefix(cmd, "sleep "); ok {
		n, _ := strconv.Atoi(secs)
		sleepUntilClosed(ch, time.Duration(n)*time.Second)
	} else {
		stdout, stderr, code = s.exec(user, cmd)
	}
	_, _ = io.WriteString(ch, stdout)
	_, _ = io.WriteString(ch.Stderr(), stderr)
	sendExit(ch, code)
	_ = ch.Close()
}

// echoShell writes a banner to stderr, then echoes input until a line
// reading "exit" arrives.
func (s *Server) echoShell(ch ssh.Channel) {
	_, _ = io.WriteString(ch.Stderr(), "welcome\r\n")
	buf := make([]byte, 1024)
	var line []byte
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			_, _ = ch.Write(buf[:n])
			for _, b := range buf[:n] {
				if b == '\n' || b == '\r' {
					if strings.TrimSpace(string(line)) == "exit" {
						sendExit(ch, 0)
						_ = ch.Close()
						return
					}
					line = line[:0]
					continue
				}
				line = append(line, b)
			}
		}
		if err != nil {
			_ = ch.Close()
			return
		}
	}
}

func sleepUntilClosed(ch ssh.Channel, d time.Duration) {
	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, ch)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
	}
}

// DefaultExec understands a handful of commands used by the runtime.
func DefaultExec(user, cmd string) (string, string, int) {
	switch {
	case strings.HasPrefix(cmd, "echo "):
		return strings.TrimPrefix(cmd, "echo ") + "\n", "", 0
	case cmd == `printf %s "$HOME"`:
		return "/home/" + user, "", 0
	case cmd == "true":
		return "", "", 0
	case cmd == "false":
		return "", "", 1
	case strings.HasPrefix(cmd, "exit "):
		n, _ := strconv.Atoi(strings.TrimPrefix(cmd, "exit "))
		return "", "", n
	case strings.HasPrefix(cmd, "ss -tlnH"):
		return strings.Join([]string{
			"LISTEN 0 4096 0.0.0.0:22 0.0.0.0:*",
			"LISTEN 0 511 127.0.0.1:8080 0.0.0.0:*",
			"LISTEN 0 4096 [::]:22 [::]:*",
			"LISTEN 0 128 [::1]:5432 [::]:*",
			"",
		}, "\n"), "", 0
	default:
		return "", "unknown command: " + cmd + "\n", 127
	}
}

func sendExit(ch ssh.Channel, code int) {
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
}

func reply(req *ssh.Request, ok bool) {
	if req.WantReply {
		_ = req.Reply(ok, nil)
	}
}

type directPayload struct {
	Host       string
	Port       uint32
	OriginHost string
	OriginPort uint32
}

func handleDirect(nch ssh.NewChannel) {
	var p directPayload
	if err := ssh.Unmarshal(nch.ExtraData(), &p); err != nil {
		_ = nch.Reject(ssh.ConnectionFailed, "bad payload")
		return
	}
	target, err := net.Dial("tcp", net.JoinHostPort(p.Host, strconv.Itoa(int(p.Port))))
	if err != nil {
		_ = nch.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := nch.Accept()
	if err != nil {
		_ = target.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	pipe(ch, target)
}

type remoteForwards struct {
	conn      *ssh.ServerConn
	mu        sync.Mutex
	listeners map[string]net.Listener
}

func (r *remoteForwards) handleGlobal(reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "tcpip-forward":
			var p struct {
				Addr string
				Port uint32
			}
			if err := ssh.Unmarshal(req.Payload, &p); err != nil {
				reply(req, false)
				continue
			}
			ln, err := net.Listen("tcp", net.JoinHostPort(p.Addr, strconv.Itoa(int(p.Port))))
			if err != nil {
				reply(req, false)
				continue
			}
			port := uint32(ln.Addr().(*net.TCPAddr).Port)
			r.mu.Lock()
			r.listeners[fmt.Sprintf("%s:%d", p.Addr, port)] = ln
			r.mu.Unlock()
			if req.WantReply {
				_ = req.Reply(true, ssh.Marshal(struct{ Port uint32 }{port}))
			}
			go r.accept(ln, p.Addr, port)
		case "cancel-tcpip-forward":
			var p struct {
				Addr string
				Port uint32
			}
			if err := ssh.Unmarshal(req.Payload, &p); err == nil {
				r.mu.Lock()
				key := fmt.Sprintf("%s:%d", p.Addr, p.Port)
				if ln, ok := r.listeners[key]; ok {
					_ = ln.Close()
					delete(r.listeners, key)
				}
				r.mu.Unlock()
			}
			reply(req, true)
		default:
			reply(req, true)
		}
	}
}

func (r *remoteForwards) accept(ln net.Listener, addr string, port uint32) {
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		origin := c.RemoteAddr().(*net.TCPAddr)
		payload := ssh.Marshal(directPayload{
			Host:       addr,
			Port:       port,
			OriginHost: origin.IP.String(),
			OriginPort: uint32(origin.Port),
		})
		ch, reqs, err := r.conn.OpenChannel("forwarded-tcpip", payload)
		if err != nil {
			_ = c.Close()
			continue
		}
		go ssh.DiscardRequests(reqs)
		go pipe(ch, c)
	}
}

func (r *remoteForwards) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, ln := range r.listeners {
		_ = ln.Close()
		delete(r.listeners, k)
	}
}

func pipe(ch ssh.Channel, c net.Conn) {
	var once sync.Once
	closeBoth := func() {
		_ = ch.Close()
		_ = c.Close()
	}
	go func() {
		_, _ = io.Copy(ch, c)
		once.Do(closeBoth)
	}()
	_, _ = io.Copy(c, ch)
	once.Do(closeBoth)
}
