//go:build !windows

package cli

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"
)

// watchResize calls fn with the new size of fd after each SIGWINCH until
// the returned stop function runs.
func watchResize(fd int, fn func(cols, rows int)) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGWINCH)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ch:
				if cols, rows, err := term.GetSize(fd); err == nil {
					fn(cols, rows)
				}
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
