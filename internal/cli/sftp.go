package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/spf13/cobra"

	"github.com/treykane/termssh/internal/core"
	"github.com/treykane/termssh/internal/events"
	"github.com/treykane/termssh/internal/hosts"
	"github.com/treykane/termssh/internal/ui"
)

// progressOption prints upload progress on stderr.
func progressOption(cmd *cobra.Command) core.Option {
	var mu sync.Mutex
	return core.WithSink(events.SinkFunc(func(e events.Event) {
		if e.Kind != events.KindUploadProgress {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		pct := 100
		if e.Total > 0 {
			pct = int(e.Written * 100 / e.Total)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "\r%s %3d%% (%d/%d)", e.Path, pct, e.Written, e.Total)
		if e.Written >= e.Total {
			fmt.Fprintln(cmd.ErrOrStderr())
		}
	}))
}

func newSFTPCmd(a *app) *cobra.Command {
	var f connectFlags
	root := &cobra.Command{Use: "sftp", Short: "Transfer files over SFTP"}
	f.bind(root.PersistentFlags())

	ls := &cobra.Command{
		Use:   "ls <host> [dir]",
		Short: "List a remote directory",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 2 {
				dir = args[1]
			}
			return a.withSession(cmd, args[0], f, func(_ context.Context, rt *core.Runtime, id string, _ hosts.Target) error {
				entries, err := rt.List(id, dir)
				if err != nil {
					return err
				}
				var rows [][]string
				for _, e := range entries {
					name := e.Name
					if e.IsDir {
						name += "/"
					}
					rows = append(rows, []string{e.Mode, strconv.FormatInt(e.Size, 10), e.ModTime.Format("2006-01-02 15:04"), name})
				}
				fmt.Fprint(cmd.OutOrStdout(), ui.Table([]string{"MODE", "SIZE", "MODIFIED", "NAME"}, rows))
				return nil
			})
		},
	}

	get := &cobra.Command{
		Use:   "get <host> <remote> <local>",
		Short: "Download a file",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, args[0], f, func(ctx context.Context, rt *core.Runtime, id string, _ hosts.Target) error {
				return rt.Download(ctx, id, args[1], args[2])
			})
		},
	}

	getDir := &cobra.Command{
		Use:   "get-dir <host> <remote> <local>",
		Short: "Download a directory tree",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, args[0], f, func(ctx context.Context, rt *core.Runtime, id string, _ hosts.Target) error {
				return rt.DownloadDir(ctx, id, args[1], args[2])
			})
		},
	}

	put := &cobra.Command{
		Use:   "put <host> <local> <remote>",
		Short: "Upload a file",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer src.Close()
			info, err := src.Stat()
			if err != nil {
				return err
			}
			return a.withSession(cmd, args[0], f, func(ctx context.Context, rt *core.Runtime, id string, _ hosts.Target) error {
				return rt.Upload(ctx, id, args[2], src, info.Size())
			}, progressOption(cmd))
		},
	}

	mkdir := &cobra.Command{
		Use:   "mkdir <host> <dir>",
		Short: "Create a remote directory and its parents",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, args[0], f, func(_ context.Context, rt *core.Runtime, id string, _ hosts.Target) error {
				return rt.Mkdirs(id, args[1])
			})
		},
	}

	root.AddCommand(ls, get, getDir, put, mkdir)
	return root
}
