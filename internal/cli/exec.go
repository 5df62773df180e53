package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/treykane/termssh/internal/core"
	"github.com/treykane/termssh/internal/hosts"
)

func newExecCmd(a *app) *cobra.Command {
	var f connectFlags
	cmd := &cobra.Command{
		Use:   "exec <host> -- <command...>",
		Short: "Run one command and print its output",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote := strings.Join(args[1:], " ")
			return a.withSession(cmd, args[0], f, func(ctx context.Context, rt *core.Runtime, id string, _ hosts.Target) error {
				res, err := rt.Exec(ctx, id, remote)
				if err != nil {
					return err
				}
				_, _ = io.WriteString(cmd.OutOrStdout(), res.Stdout)
				_, _ = io.WriteString(cmd.ErrOrStderr(), res.Stderr)
				if res.ExitCode != 0 {
					return exitError{code: res.ExitCode}
				}
				return nil
			})
		},
	}
	f.bind(cmd.Flags())
	return cmd
}

func newPortsCmd(a *app) *cobra.Command {
	var f connectFlags
	cmd := &cobra.Command{
		Use:   "ports <host>",
		Short: "List TCP ports listening on the remote host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, args[0], f, func(ctx context.Context, rt *core.Runtime, _ string, target hosts.Target) error {
				ports, err := rt.DetectPorts(ctx, target.Group())
				if err != nil {
					return err
				}
				for _, p := range ports {
					fmt.Fprintln(cmd.OutOrStdout(), p)
				}
				return nil
			})
		},
	}
	f.bind(cmd.Flags())
	return cmd
}

func newDeployHelperCmd(a *app) *cobra.Command {
	var f connectFlags
	cmd := &cobra.Command{
		Use:   "deploy-helper <host>",
		Short: "Upload the helper binary and run its health check",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, args[0], f, func(ctx context.Context, rt *core.Runtime, id string, _ hosts.Target) error {
				res, err := rt.DeployHelper(ctx, id)
				if err != nil {
					return err
				}
				_, _ = io.WriteString(cmd.OutOrStdout(), res.Stdout)
				_, _ = io.WriteString(cmd.ErrOrStderr(), res.Stderr)
				if res.ExitCode != 0 {
					return exitError{code: res.ExitCode}
				}
				return nil
			}, progressOption(cmd))
		},
	}
	f.bind(cmd.Flags())
	return cmd
}
