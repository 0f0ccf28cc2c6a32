package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"termlink/discovery"
)

func discoverCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Browse the local network for hosts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			scanner, err := discovery.NewHostScanner(discovery.Config{ScanTimeout: timeout})
			if err != nil {
				return fmt.Errorf("start discovery: %w", err)
			}
			defer scanner.Stop()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout+time.Second)
			defer cancel()

			hosts, err := scanner.Browse(ctx)
			if err != nil {
				return err
			}
			if len(hosts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No hosts found.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tADDRESS\tPORT\tVERSION")
			for _, host := range hosts {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", host.Name, host.Address(), host.Port, host.Version)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Discovered hosts are not trusted until paired: termlink pair <address> --port <port>")
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", discovery.DefaultScanTimeout, "how long to browse")
	return cmd
}
