package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/treykane/termssh/internal/doctor"
	"github.com/treykane/termssh/internal/events"
	"github.com/treykane/termssh/internal/ui"
	"github.com/treykane/termssh/internal/util"
)

func newDoctorCmd(a *app) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the local setup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := doctor.Run(a.cfg)
			if err != nil {
				return err
			}
			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			if len(report.Issues) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no issues found")
				return nil
			}
			var rows [][]string
			for _, i := range report.Issues {
				rows = append(rows, []string{string(i.Severity), i.Check, i.Target, i.Message})
			}
			fmt.Fprint(cmd.OutOrStdout(), ui.Table([]string{"SEVERITY", "CHECK", "TARGET", "MESSAGE"}, rows))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newEventsCmd(a *app) *cobra.Command {
	var (
		q       events.Query
		kind    string
		since   time.Duration
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the session and forward lifecycle journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q.Kind = events.Kind(kind)
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			evts, err := events.NewStore().Read(q)
			if err != nil {
				return err
			}
			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				for _, e := range evts {
					if err := enc.Encode(e); err != nil {
						return err
					}
				}
				return nil
			}
			var rows [][]string
			for _, e := range evts {
				subject := e.SessionID
				if e.ForwardID != "" {
					subject = e.ForwardID
				}
				rows = append(rows, []string{
					e.Timestamp.Local().Format(time.DateTime),
					string(e.Kind),
					shortID(subject),
					util.EmptyDash(e.Host),
					e.Status,
				})
			}
			fmt.Fprint(cmd.OutOrStdout(), ui.Table([]string{"TIME", "KIND", "ID", "HOST", "STATUS"}, rows))
			return nil
		},
	}
	cmd.Flags().IntVar(&q.Limit, "limit", 50, "show at most this many recent events (0 for all)")
	cmd.Flags().StringVar(&q.SessionID, "session", "", "only events for this session ID")
	cmd.Flags().StringVar(&q.ForwardID, "forward", "", "only events for this forward ID")
	cmd.Flags().StringVar(&kind, "kind", "", "only events of this kind ("+strconv.Quote(string(events.KindSessionState))+" or "+strconv.Quote(string(events.KindForwardState))+")")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this duration")
	return cmd
}
