package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/treykane/termssh/internal/appconfig"
	"github.com/treykane/termssh/internal/bundle"
	"github.com/treykane/termssh/internal/core"
	"github.com/treykane/termssh/internal/forward"
	"github.com/treykane/termssh/internal/hosts"
	"github.com/treykane/termssh/internal/model"
	"github.com/treykane/termssh/internal/ui"
)

func newForwardCmd(a *app) *cobra.Command {
	var (
		f          connectFlags
		backend    string
		bundleName string
	)
	root := &cobra.Command{
		Use:   "forward <host> [L:|R:][bind:]port:host:port...",
		Short: "Run port forwards until interrupted",
		Long: "Run port forwards until interrupted. Without specs, the host's LocalForward\n" +
			"and RemoteForward entries from ~/.ssh/config are used. With --bundle, the\n" +
			"host and forwards come from a saved bundle.",
		Args: func(cmd *cobra.Command, args []string) error {
			if bundleName != "" {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.MinimumNArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				specs []model.ForwardSpec
				err   error
			)
			if bundleName != "" {
				def, err := bundle.Get(bundleName)
				if err != nil {
					return err
				}
				if specs, err = def.Specs(); err != nil {
					return err
				}
				args = []string{def.Host}
			} else if specs, err = forwardSpecs(args[1:]); err != nil {
				return err
			}
			switch model.ForwardBackendKind(backend) {
			case "":
			case model.BackendProcess, model.BackendInProcess:
				a.cfg.Forward.Backend = backend
			default:
				return fmt.Errorf("unknown forward backend %q", backend)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			return a.withSession(cmd, args[0], f, func(ctx context.Context, rt *core.Runtime, id string, target hosts.Target) error {
				if len(specs) == 0 {
					specs = target.Forwards
				}
				if len(specs) == 0 {
					return fmt.Errorf("no forwards given and %s has none configured", args[0])
				}
				var rows [][]string
				for _, spec := range specs {
					fr, err := rt.OpenForward(ctx, id, spec)
					if err != nil {
						return err
					}
					rows = append(rows, forwardRow(fr))
				}
				fmt.Fprint(cmd.OutOrStdout(), ui.Table(forwardHeader, rows))
				fmt.Fprintln(cmd.ErrOrStderr(), "forwarding; press Ctrl-C to stop")
				<-ctx.Done()
				return nil
			})
		},
	}
	f.bind(root.Flags())
	root.Flags().StringVar(&backend, "backend", "", "process or inprocess (default from config)")
	root.Flags().StringVar(&bundleName, "bundle", "", "run the forwards saved under this bundle name")

	var jsonOut bool
	status := &cobra.Command{
		Use:   "status",
		Short: "Show forward processes recorded in the runtime file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := appconfig.RuntimeFilePath()
			if err != nil {
				return err
			}
			recorded, err := forward.ReadRuntime(path)
			if err != nil {
				return err
			}
			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if recorded == nil {
					recorded = []model.ForwardRuntime{}
				}
				return enc.Encode(recorded)
			}
			var rows [][]string
			for _, fr := range recorded {
				rows = append(rows, forwardRow(fr))
			}
			fmt.Fprint(cmd.OutOrStdout(), ui.Table(forwardHeader, rows))
			return nil
		},
	}
	status.Flags().BoolVar(&jsonOut, "json", false, "output JSON")

	reap := &cobra.Command{
		Use:   "reap",
		Short: "Terminate forward processes left behind by earlier runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.runtime()
			if err != nil {
				return err
			}
			reaped, err := rt.ReapOrphans()
			if err != nil {
				return err
			}
			for _, fr := range reaped {
				fmt.Fprintf(cmd.OutOrStdout(), "terminated pid %d (%s -> %s)\n", fr.PID, fr.Src, fr.Dst)
			}
			if len(reaped) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to reap")
			}
			return nil
		},
	}

	root.AddCommand(status, reap, newBundleSaveCmd(), newBundleListCmd(), newBundleDropCmd())
	return root
}

var forwardHeader = []string{"ID", "DIR", "LISTEN", "TARGET", "BACKEND", "PID", "STATE", "ERROR"}

func forwardRow(fr model.ForwardRuntime) []string {
	pid := "-"
	if fr.PID > 0 {
		pid = strconv.Itoa(fr.PID)
	}
	lastErr := fr.LastError
	if lastErr == "" {
		lastErr = "-"
	}
	return []string{shortID(fr.ID), string(fr.Spec.Direction), fr.Src, fr.Dst, string(fr.Backend), pid, string(fr.State), lastErr}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func forwardSpecs(args []string) ([]model.ForwardSpec, error) {
	var specs []model.ForwardSpec
	var errs []error
	for _, arg := range args {
		spec, err := forward.ParseForwardArg(arg)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", arg, err))
			continue
		}
		specs = append(specs, spec)
	}
	return specs, errors.Join(errs...)
}

func newBundleSaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "save <name> <host> <forward>...",
		Short: "Save a named set of forwards for a host",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := bundle.Save(args[0], args[1], args[2:])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved bundle %s (%d forwards on %s)\n", def.Name, len(def.Forwards), def.Host)
			return nil
		},
	}
}

func newBundleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bundles",
		Short: "List saved forward bundles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			all, err := bundle.LoadAll()
			if err != nil {
				return err
			}
			var rows [][]string
			for _, b := range all {
				rows = append(rows, []string{b.Name, b.Host, strings.Join(b.Forwards, " ")})
			}
			fmt.Fprint(cmd.OutOrStdout(), ui.Table([]string{"NAME", "HOST", "FORWARDS"}, rows))
			return nil
		},
	}
}

func newBundleDropCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drop <name>",
		Short: "Delete a saved forward bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return bundle.Delete(args[0])
		},
	}
}
