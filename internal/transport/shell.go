package transport

import (
	"errors"
	"io"

	"golang.org/x/crypto/ssh"
)

// ShellOptions describes the PTY of a new shell.
type ShellOptions struct {
	Term string
	Cols int
	Rows int
	Cwd  string
}

func (o ShellOptions) withDefaults() ShellOptions {
	if o.Term == "" {
		o.Term = "xterm-256color"
	}
	if o.Cols <= 0 {
		o.Cols = 80
	}
	if o.Rows <= 0 {
		o.Rows = 24
	}
	return o
}

// Shell is an interactive channel. Read blocks until output is available
// and returns io.EOF once the remote side exits.
type Shell interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Resize(cols, rows int) error
	Close() error
}

type remoteShell struct {
	sess  *ssh.Session
	stdin io.WriteCloser
	out   *io.PipeReader
}

func (s *remoteShell) Read(p []byte) (int, error)  { return s.out.Read(p) }
func (s *remoteShell) Write(p []byte) (int, error) { return s.stdin.Write(p) }

func (s *remoteShell) Resize(cols, rows int) error {
	return s.sess.WindowChange(rows, cols)
}

func (s *remoteShell) Close() error {
	_ = s.stdin.Close()
	err := s.sess.Close()
	_ = s.out.Close()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
