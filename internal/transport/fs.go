package transport

import (
	"io"
	"os"

	"github.com/pkg/sftp"
)

// FS is the subset of an SFTP client used by the transfer engine.
type FS interface {
	ReadDir(path string) ([]os.FileInfo, error)
	Stat(path string) (os.FileInfo, error)
	Mkdir(path string) error
	Open(path string) (io.ReadCloser, error)
	Create(path string) (io.WriteCloser, error)
	Chmod(path string, mode os.FileMode) error
	Close() error
}

type sftpFS struct {
	c *sftp.Client
}

func (f *sftpFS) ReadDir(p string) ([]os.FileInfo, error) { return f.c.ReadDir(p) }
func (f *sftpFS) Stat(p string) (os.FileInfo, error)      { return f.c.Stat(p) }
func (f *sftpFS) Mkdir(p string) error                    { return f.c.Mkdir(p) }
func (f *sftpFS) Chmod(p string, m os.FileMode) error     { return f.c.Chmod(p, m) }
func (f *sftpFS) Close() error                            { return f.c.Close() }

func (f *sftpFS) Open(p string) (io.ReadCloser, error) {
	file, err := f.c.Open(p)
	if err != nil {
		return nil, err
	}
	return file, nil
}

func (f *sftpFS) Create(p string) (io.WriteCloser, error) {
	file, err := f.c.Create(p)
	if err != nil {
		return nil, err
	}
	return file, nil
}
