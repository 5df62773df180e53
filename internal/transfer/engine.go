// Package transfer moves files over SFTP on registered sessions.
package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/treykane/termssh/internal/events"
	"github.com/treykane/termssh/internal/model"
	"github.com/treykane/termssh/internal/session"
	"github.com/treykane/termssh/internal/transport"
	"github.com/treykane/termssh/internal/util"
)

// Options tunes chunked transfers.
type Options struct {
	ChunkSize int
	// Pause is slept between upload chunks so a long transfer leaves gaps
	// for the shell traffic sharing the connection.
	Pause time.Duration
}

// Engine runs SFTP operations. Every call opens its own SFTP client under
// the session lock in blocking mode and closes it before the lock is
// released.
type Engine struct {
	reg   *session.Registry
	sink  events.Sink
	chunk int
	pause time.Duration
}

func NewEngine(reg *session.Registry, sink events.Sink, opts Options) *Engine {
	if sink == nil {
		sink = events.Discard
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = util.DefaultTransferChunk
	}
	return &Engine{reg: reg, sink: sink, chunk: opts.ChunkSize, pause: opts.Pause}
}

// run executes fn with an SFTP client and the raw link of sessionID.
func (e *Engine) run(sessionID string, fn func(fs transport.FS, l session.Link) error) error {
	sess, err := e.reg.Get(sessionID)
	if err != nil {
		return err
	}
	return sess.Run(session.ModeBlocking, func(l session.Link) error {
		fs, err := l.OpenSFTP()
		if err != nil {
			return err
		}
		defer fs.Close()
		return fn(fs, l)
	})
}

func (e *Engine) withFS(sessionID string, fn func(fs transport.FS) error) error {
	return e.run(sessionID, func(fs transport.FS, _ session.Link) error { return fn(fs) })
}

// List returns the entries of dir, directories first, then by name without
// regard to case. "." and ".." are dropped.
func (e *Engine) List(sessionID, dir string) ([]model.FileEntry, error) {
	var out []model.FileEntry
	err := e.withFS(sessionID, func(fs transport.FS) error {
		infos, err := fs.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("list %s: %w", dir, err)
		}
		out = make([]model.FileEntry, 0, len(infos))
		for _, info := range infos {
			if info.Name() == "." || info.Name() == ".." {
				continue
			}
			out = append(out, entry(path.Join(dir, info.Name()), info))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsDir != out[j].IsDir {
			return out[i].IsDir
		}
		a, b := strings.ToLower(out[i].Name), strings.ToLower(out[j].Name)
		if a != b {
			return a < b
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (e *Engine) Stat(sessionID, p string) (model.FileEntry, error) {
	var out model.FileEntry
	err := e.withFS(sessionID, func(fs transport.FS) error {
		info, err := fs.Stat(p)
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}
		out = entry(p, info)
		return nil
	})
	return out, err
}

func entry(p string, info os.FileInfo) model.FileEntry {
	return model.FileEntry{
		Name:    info.Name(),
		Path:    p,
		Size:    info.Size(),
		Mode:    info.Mode().String(),
		IsDir:   info.IsDir(),
		ModTime: info.ModTime(),
	}
}

// Mkdirs creates dir and any missing parents. Existing directories are
// accepted.
func (e *Engine) Mkdirs(sessionID, dir string) error {
	return e.withFS(sessionID, func(fs transport.FS) error { return mkdirs(fs, dir) })
}

func mkdirs(fs transport.FS, dir string) error {
	dir = path.Clean(dir)
	if dir == "/" || dir == "." {
		return nil
	}
	cur := ""
	if path.IsAbs(dir) {
		cur = "/"
	}
	for _, seg := range strings.Split(strings.Trim(dir, "/"), "/") {
		cur = path.Join(cur, seg)
		if info, err := fs.Stat(cur); err == nil {
			if !info.IsDir() {
				return fmt.Errorf("mkdirs %s: %s exists and is not a directory", dir, cur)
			}
			continue
		}
		if err := fs.Mkdir(cur); err != nil {
			// Another client may have created it in between.
			info, statErr := fs.Stat(cur)
			if statErr != nil || !info.IsDir() {
				return fmt.Errorf("mkdir %s: %w", cur, err)
			}
		}
	}
	return nil
}

// Read returns the whole content of a remote file.
func (e *Engine) Read(sessionID, p string) ([]byte, error) {
	var out []byte
	err := e.withFS(sessionID, func(fs transport.FS) error {
		f, err := fs.Open(p)
		if err != nil {
			return fmt.Errorf("open %s: %w", p, err)
		}
		defer f.Close()
		out, err = io.ReadAll(f)
		return err
	})
	return out, err
}

// Write replaces a remote file with data, reporting progress per chunk.
func (e *Engine) Write(ctx context.Context, sessionID, p string, data []byte) error {
	return e.Upload(ctx, sessionID, p, bytes.NewReader(data), int64(len(data)))
}

// Upload streams r into remote. One progress event is emitted per chunk
// written; the last one carries the full byte count.
func (e *Engine) Upload(ctx context.Context, sessionID, remote string, r io.Reader, total int64) error {
	return e.withFS(sessionID, func(fs transport.FS) error {
		return e.upload(ctx, fs, remote, r, total)
	})
}

func (e *Engine) upload(ctx context.Context, fs transport.FS, remote string, r io.Reader, total int64) (err error) {
	w, err := fs.Create(remote)
	if err != nil {
		return fmt.Errorf("create %s: %w", remote, err)
	}
	defer func() {
		if cerr := w.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", remote, cerr)
		}
	}()

	buf := make([]byte, e.chunk)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return fmt.Errorf("write %s: %w", remote, err)
			}
			written += int64(n)
			e.sink.Emit(events.UploadProgress(remote, written, total))
		}
		switch {
		case errors.Is(rerr, io.EOF), errors.Is(rerr, io.ErrUnexpectedEOF):
			return nil
		case rerr != nil:
			return fmt.Errorf("read upload source: %w", rerr)
		}
		if e.pause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.pause):
			}
		}
	}
}

// Download copies one remote file to local, creating local parents.
func (e *Engine) Download(ctx context.Context, sessionID, remote, local string) error {
	return e.withFS(sessionID, func(fs transport.FS) error {
		return e.download(ctx, fs, remote, local)
	})
}

func (e *Engine) download(ctx context.Context, fs transport.FS, remote, local string) (err error) {
	src, err := fs.Open(remote)
	if err != nil {
		return fmt.Errorf("open %s: %w", remote, err)
	}
	defer src.Close()
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	dst, err := os.Create(local)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := dst.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	buf := make([]byte, e.chunk)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return err
			}
		}
		if errors.Is(rerr, io.EOF) {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("read %s: %w", remote, rerr)
		}
	}
}

// DownloadDir mirrors a remote tree into local, depth first. Entries that
// are neither regular files nor directories are skipped.
func (e *Engine) DownloadDir(ctx context.Context, sessionID, remote, local string) error {
	return e.withFS(sessionID, func(fs transport.FS) error {
		return e.downloadDir(ctx, fs, remote, local)
	})
}

func (e *Engine) downloadDir(ctx context.Context, fs transport.FS, remote, local string) error {
	if err := os.MkdirAll(local, 0o755); err != nil {
		return err
	}
	infos, err := fs.ReadDir(remote)
	if err != nil {
		return fmt.Errorf("list %s: %w", remote, err)
	}
	for _, info := range infos {
		name := info.Name()
		if name == "." || name == ".." {
			continue
		}
		rp, lp := path.Join(remote, name), filepath.Join(local, name)
		switch {
		case info.IsDir():
			if err := e.downloadDir(ctx, fs, rp, lp); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			if err := e.download(ctx, fs, rp, lp); err != nil {
				return err
			}
		default:
			slog.Debug("skipping special file", "path", rp, "mode", info.Mode().String())
		}
	}
	return nil
}

// DeployHelper uploads the local binary to remotePath, marks it executable
// and runs its health check. The whole sequence holds the session lock.
func (e *Engine) DeployHelper(ctx context.Context, sessionID, binary, remotePath string) (model.ExecResult, error) {
	f, err := os.Open(binary)
	if err != nil {
		return model.ExecResult{}, fmt.Errorf("open helper binary: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return model.ExecResult{}, err
	}

	var res model.ExecResult
	err = e.run(sessionID, func(fs transport.FS, l session.Link) error {
		if err := mkdirs(fs, path.Dir(remotePath)); err != nil {
			return err
		}
		if err := e.upload(ctx, fs, remotePath, f, info.Size()); err != nil {
			return err
		}
		if err := fs.Chmod(remotePath, 0o755); err != nil {
			return fmt.Errorf("chmod %s: %w", remotePath, err)
		}
		var err error
		res, err = l.Exec(ctx, util.ShellQuote(remotePath)+" health")
		return err
	})
	return res, err
}
