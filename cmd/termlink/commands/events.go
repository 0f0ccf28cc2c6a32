package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"termlink/storage"
)

func eventsCmd() *cobra.Command {
	var (
		limit    int
		severity string
		deviceID string
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent pairing and certificate security events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := store.RecentSecurityEvents(storage.EventQuery{
				DeviceID: deviceID,
				Severity: severity,
				Limit:    limit,
			})
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No security events.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tSEVERITY\tEVENT\tDEVICE\tDETAILS")
			for _, event := range events {
				device := event.DeviceID
				if device == "" {
					device = "-"
				}
				details, err := json.Marshal(event.Details)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					event.Timestamp.Local().Format(time.DateTime),
					event.Severity,
					event.Type,
					device,
					details,
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum events to show")
	cmd.Flags().StringVar(&deviceID, "device", "", "only show events for this device ID")
	cmd.Flags().StringVar(&severity, "severity", "", "only show events of this severity (info, warning, critical)")
	return cmd
}
