package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"termlink/crypto"
)

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List paired hosts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := store.ListDevices()
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No paired hosts.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tADDRESS\tFINGERPRINT\tLAST CONNECTED")
			for _, device := range devices {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					device.DeviceID,
					device.DeviceName,
					device.Address(),
					crypto.FormatFingerprint(device.CertificateFingerprint),
					formatTimestamp(device.LastConnectedTimestamp),
				)
			}
			return w.Flush()
		},
	}
}

func forgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget [device-id]",
		Short: "Remove a paired host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			device, err := lookupDevice(args[0])
			if err != nil {
				return err
			}
			if err := store.RemoveDevice(device.DeviceID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Forgot %s (%s)\n", device.DeviceName, device.Address())
			return nil
		},
	}
}

func formatTimestamp(unixMilli int64) string {
	if unixMilli <= 0 {
		return "never"
	}
	return time.UnixMilli(unixMilli).Local().Format(time.DateTime)
}

func renameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename [device-id] [name]",
		Short: "Change the display name of a paired host",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := store.RenameDevice(args[0], args[1]); err != nil {
				return fmt.Errorf("device %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Renamed %s to %s\n", args[0], args[1])
			return nil
		},
	}
}
