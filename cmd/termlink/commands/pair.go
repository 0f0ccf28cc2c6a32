package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"termlink/crypto"
	"termlink/pairing"
)

const maxCodeAttempts = 3

func pairCmd() *cobra.Command {
	var (
		port int
		name string
		code string
	)

	cmd := &cobra.Command{
		Use:   "pair [host]",
		Short: "Pair with a host by confirming its certificate code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host := args[0]
			if port == 0 {
				port = cfg.DefaultPort
			}

			coordinator := pairing.NewCoordinator(store, pairing.Options{
				ProbeTimeout: cfg.PairingTimeout(),
				Events:       store,
			})
			defer coordinator.Close()

			observation, err := coordinator.StartPairing(cmd.Context(), host, port, name)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Host:         %s:%d\n", observation.Host, observation.Port)
			fmt.Fprintf(out, "Fingerprint:  %s\n", crypto.FormatFingerprint(observation.Fingerprint))
			fmt.Fprintln(out, "Check that the host shows the same fingerprint, then enter its pairing code.")

			reader := bufio.NewReader(cmd.InOrStdin())
			for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
				entered := code
				if entered == "" || attempt > 1 {
					entered, err = promptCode(cmd.Context(), out, reader)
					if err != nil {
						coordinator.CancelPairing()
						return err
					}
				}

				device, err := coordinator.VerifyPairingCode(entered, name, observation.Host, observation.Port)
				if errors.Is(err, pairing.ErrInvalidPairingCode) {
					fmt.Fprintln(out, "Invalid pairing code.")
					continue
				}
				if err != nil {
					return err
				}

				fmt.Fprintf(out, "Paired with %s (%s)\n", device.DeviceName, device.Address())
				fmt.Fprintf(out, "Device ID:    %s\n", device.DeviceID)
				return nil
			}

			coordinator.CancelPairing()
			return pairing.ErrInvalidPairingCode
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "host port (default from config)")
	cmd.Flags().StringVar(&name, "name", "", "display name for the host (default the host address)")
	cmd.Flags().StringVar(&code, "code", "", "pairing code shown by the host (prompted when empty)")
	return cmd
}

func promptCode(ctx context.Context, out io.Writer, reader *bufio.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fmt.Fprint(out, "Pairing code: ")
	line, err := reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("read pairing code: %w", err)
	}
	return strings.TrimSpace(line), nil
}
