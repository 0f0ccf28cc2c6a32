package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"termlink/network"
)

func healthCmd() *cobra.Command {
	var retries int

	cmd := &cobra.Command{
		Use:   "health [device-id]",
		Short: "Check that a paired host is up and presents its pinned certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			device, err := lookupDevice(args[0])
			if err != nil {
				return err
			}

			status, err := network.CheckHealth(cmd.Context(), *device, network.HealthOptions{
				Timeout:  cfg.ConnectTimeout(),
				RetryMax: retries,
			})
			if err != nil {
				recordMismatch(*device, err)
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s): %s, %d active sessions", device.DeviceName, device.Address(), status.Status, status.Sessions)
			if status.Version != "" {
				fmt.Fprintf(cmd.OutOrStdout(), ", version %s", status.Version)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}

	cmd.Flags().IntVar(&retries, "retries", 2, "retries for transient failures")
	return cmd
}
