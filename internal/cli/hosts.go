package cli

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/treykane/termssh/internal/history"
	"github.com/treykane/termssh/internal/hosts"
	"github.com/treykane/termssh/internal/ui"
	"github.com/treykane/termssh/internal/util"
)

func newHostsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "hosts",
		Short: "List hosts from ~/.ssh/config, most recently used first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := hosts.ParseDefault()
			if err != nil {
				return err
			}
			lastUsed, err := history.LastUsed()
			if err != nil {
				slog.Debug("failed to read history", "error", err)
			}
			var rows [][]string
			for _, h := range history.SortHostsRecent(res.Hosts, lastUsed) {
				rows = append(rows, []string{
					h.Alias,
					h.DisplayTarget(),
					strconv.Itoa(h.Port),
					util.EmptyDash(h.User),
					strconv.Itoa(len(h.Forwards)),
					ago(lastUsed[h.Alias]),
				})
			}
			fmt.Fprint(cmd.OutOrStdout(), ui.Table([]string{"ALIAS", "HOSTNAME", "PORT", "USER", "FORWARDS", "LAST USED"}, rows))
			for _, w := range res.Warnings {
				slog.Warn("ssh config", "warning", w)
			}
			return nil
		},
	}
}

func ago(unix int64) string {
	if unix <= 0 {
		return "-"
	}
	d := time.Since(time.Unix(unix, 0)).Round(time.Second)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
