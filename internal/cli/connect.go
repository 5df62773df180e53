package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/creack/pty"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/treykane/termssh/internal/core"
	"github.com/treykane/termssh/internal/events"
	"github.com/treykane/termssh/internal/history"
	"github.com/treykane/termssh/internal/hosts"
	"github.com/treykane/termssh/internal/shell"
	"github.com/treykane/termssh/internal/ui"
)

func newConnectCmd(a *app) *cobra.Command {
	var (
		f   connectFlags
		cwd string
	)
	cmd := &cobra.Command{
		Use:   "connect <alias|user@host[:port]>",
		Short: "Open an interactive shell",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.interactive(cmd, args[0], f, cwd)
		},
	}
	f.bind(cmd.Flags())
	cmd.Flags().StringVar(&cwd, "cwd", "", "remote directory to start in")
	return cmd
}

func (a *app) pickAndConnect(cmd *cobra.Command) error {
	res, err := hosts.ParseDefault()
	if err != nil {
		return err
	}
	lastUsed, err := history.LastUsed()
	if err != nil {
		slog.Debug("failed to read history", "error", err)
	}
	h, err := ui.PickHost(history.SortHostsRecent(res.Hosts, lastUsed), cmd.InOrStdin(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	return a.interactive(cmd, h.Alias, connectFlags{}, "")
}

// interactive runs a remote shell attached to the local terminal until the
// remote side exits.
func (a *app) interactive(cmd *cobra.Command, arg string, f connectFlags, cwd string) error {
	out := cmd.OutOrStdout()
	exited := make(chan struct{})
	var once sync.Once
	sink := events.SinkFunc(func(e events.Event) {
		switch e.Kind {
		case events.KindOutput:
			if b, err := e.Decode(); err == nil {
				_, _ = out.Write(b)
			}
		case events.KindExit:
			once.Do(func() { close(exited) })
		}
	})

	return a.withSession(cmd, arg, f, func(ctx context.Context, rt *core.Runtime, id string, _ hosts.Target) error {
		in := cmd.InOrStdin()
		opts := shell.OpenOptions{Cwd: cwd}
		tty := isTerminal(in)
		if tty {
			f, _ := stdinFile(in)
			if rows, cols, err := pty.Getsize(f); err == nil {
				opts.Cols, opts.Rows = cols, rows
			}
		}
		h, err := rt.OpenShell(ctx, id, opts)
		if err != nil {
			return err
		}

		if tty {
			f, _ := stdinFile(in)
			fd := int(f.Fd())
			old, err := term.MakeRaw(fd)
			if err != nil {
				return err
			}
			defer func() { _ = term.Restore(fd, old) }()
			stop := watchResize(fd, func(cols, rows int) {
				if err := rt.ResizeShell(h.ChannelID, cols, rows); err != nil {
					slog.Debug("resize failed", "error", err)
				}
			})
			defer stop()
		}

		go func() {
			buf := make([]byte, 4096)
			for {
				n, err := in.Read(buf)
				if n > 0 {
					if werr := rt.WriteShell(h.ChannelID, buf[:n]); werr != nil {
						return
					}
				}
				if err != nil {
					if errors.Is(err, io.EOF) {
						_ = rt.CloseShell(h.ChannelID)
					}
					return
				}
			}
		}()

		select {
		case <-exited:
		case <-ctx.Done():
			_ = rt.CloseShell(h.ChannelID)
		}
		return nil
	}, core.WithSink(sink))
}
