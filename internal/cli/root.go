// Package cli provides the command-line interface for termssh.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/treykane/termssh/internal/appconfig"
	"github.com/treykane/termssh/internal/core"
	"github.com/treykane/termssh/internal/security"
	"github.com/treykane/termssh/internal/ui"
)

// exitError carries a remote exit status out of a command.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

type app struct {
	cfg   appconfig.Config
	debug bool
	// opts are appended to every runtime; tests use them to redirect dials.
	opts []core.Option
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := appconfig.Load()
	if err != nil {
		return err
	}
	a.cfg = cfg
	level := parseLevel(cfg.LogLevel)
	if a.debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
	return nil
}

func (a *app) runtime(opts ...core.Option) (*core.Runtime, error) {
	return core.New(a.cfg, append(append([]core.Option(nil), a.opts...), opts...)...)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// NewRootCommand creates the root cobra command.
func NewRootCommand() *cobra.Command {
	return newRoot(&app{})
}

func newRoot(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "termssh",
		Short:         "SSH sessions, file transfer and port forwards from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if !isTerminal(cmd.InOrStdin()) {
				return cmd.Help()
			}
			return a.pickAndConnect(cmd)
		},
	}
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newHostsCmd(a),
		newConnectCmd(a),
		newExecCmd(a),
		newSFTPCmd(a),
		newForwardCmd(a),
		newPortsCmd(a),
		newKeysCmd(a),
		newDeployHelperCmd(a),
		newDoctorCmd(a),
		newEventsCmd(a),
	)
	return root
}

// Execute runs the CLI with os.Args and returns the process exit code.
func Execute() int {
	a := &app{cfg: appconfig.Default()}
	err := newRoot(a).Execute()
	if err == nil {
		return 0
	}
	var ee exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if errors.Is(err, ui.ErrCancelled) {
		return 130
	}
	err = security.Classify(err)
	slog.Debug("command failed", "error", security.DebugMessage(err))
	fmt.Fprintln(os.Stderr, ui.ErrorLine(security.UserMessage(err, a.cfg.Security.RedactErrors)))
	return 1
}
