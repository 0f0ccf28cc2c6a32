package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/spf13/cobra"

	"termlink/models"
	"termlink/network"
	"termlink/storage"
	"termlink/terminal"
)

func connectCmd() *cobra.Command {
	var (
		private bool
		plain   bool
	)

	cmd := &cobra.Command{
		Use:   "connect [device-id]",
		Short: "Attach to the terminal session of a paired host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			device, err := lookupDevice(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			transport := network.NewTransport(network.TransportOptions{
				ConnectTimeout: cfg.ConnectTimeout(),
				Private:        private,
				Recorder:       store,
				OnCertificateMismatch: func(device models.PairedDevice, mismatch *network.CertificateMismatchError) {
					recordMismatch(device, mismatch)
				},
			})
			defer transport.Close()

			ended := make(chan error, 1)
			view := terminal.NewView(transport, terminal.Options{
				Capacity:  historyCapacity(cfg.HistoryLines),
				Reconnect: true,
				ReconnectOptions: network.ReconnectOptions{
					MaxRetries: uint64(cfg.ReconnectAttempts),
					OnRetry: func(err error, next time.Duration) {
						fmt.Fprintf(cmd.ErrOrStderr(), "[termlink] %v; reconnecting in %s\n", err, next.Round(time.Millisecond))
					},
				},
				OnSessionEnd: func(err error) {
					ended <- err
				},
			})
			defer view.Close()

			go printStates(cmd.ErrOrStderr(), view)
			go printLines(cmd.OutOrStdout(), view, !plain)

			fmt.Fprintf(cmd.ErrOrStderr(), "[termlink] connecting to %s (%s)\n", device.DeviceName, device.Address())
			if err := view.Connect(ctx, *device); err != nil {
				return err
			}

			input := make(chan error, 1)
			go func() {
				input <- forwardInput(ctx, cmd.InOrStdin(), view)
			}()

			select {
			case <-ctx.Done():
				return nil
			case err := <-ended:
				return err
			case err := <-input:
				if err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			}
		},
	}

	cmd.Flags().BoolVar(&private, "private", false, "start an isolated shell instead of joining the shared session")
	cmd.Flags().BoolVar(&plain, "plain", false, "print text without colors")
	return cmd
}

// forwardInput sends each stdin line to the host until stdin ends.
func forwardInput(ctx context.Context, in io.Reader, view *terminal.View) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if err := view.Send(ctx, scanner.Text()+"\n"); err != nil {
			if errors.Is(err, network.ErrNotConnected) {
				log.Printf("Input dropped while not connected")
				continue
			}
			return err
		}
	}
	return scanner.Err()
}

func printLines(out io.Writer, view *terminal.View, color bool) {
	updates, cancel := view.Updates()
	defer cancel()

	var last uint64
	for range updates {
		for _, line := range view.LinesSince(last) {
			fmt.Fprintln(out, renderLine(line, color))
			last = line.ID
		}
	}
}

func printStates(out io.Writer, view *terminal.View) {
	states, cancel := view.States()
	defer cancel()

	for state := range states {
		fmt.Fprintf(out, "[termlink] %s\n", state)
	}
}

func recordMismatch(device models.PairedDevice, err error) {
	var mismatch *network.CertificateMismatchError
	if !errors.As(err, &mismatch) {
		return
	}
	details := map[string]any{
		"host":     device.Host,
		"port":     device.Port,
		"expected": mismatch.Expected,
		"actual":   mismatch.Actual,
	}
	if err := store.RecordSecurityEvent(storage.EventCertificateMismatch, device.DeviceID, storage.SecuritySeverityCritical, details); err != nil {
		log.Printf("Failed to record certificate mismatch: %v", err)
	}
}

// historyCapacity bounds the configured scrollback to the view's default
// buffer size. Zero or negative values fall back to that default too.
func historyCapacity(configured int) int {
	if configured <= 0 || configured > terminal.DefaultCapacity {
		return terminal.DefaultCapacity
	}
	return configured
}

// renderLine re-emits a decoded line for a local terminal, restoring the
// recognized styles as SGR sequences. Without color every escape sequence is
// dropped, including ones the decoder leaves in the text.
func renderLine(line models.TerminalLine, color bool) string {
	if !color {
		return ansi.Strip(line.Raw)
	}

	var b strings.Builder
	for _, seg := range line.Segments {
		codes := sgrCodes(seg.Style)
		if len(codes) == 0 {
			b.WriteString(seg.Text)
			continue
		}
		b.WriteString("\x1b[" + strings.Join(codes, ";") + "m")
		b.WriteString(seg.Text)
		b.WriteString("\x1b[0m")
	}
	return b.String()
}

func sgrCodes(style models.Style) []string {
	var codes []string
	if style.Bold {
		codes = append(codes, "1")
	}
	if style.Italic {
		codes = append(codes, "3")
	}
	if style.Underline {
		codes = append(codes, "4")
	}
	if code, ok := colorCode(style.Foreground, 30, 90); ok {
		codes = append(codes, code)
	}
	if code, ok := colorCode(style.Background, 40, 100); ok {
		codes = append(codes, code)
	}
	return codes
}

func colorCode(c models.Color, base, brightBase int) (string, bool) {
	switch {
	case c >= models.ColorBlack && c <= models.ColorWhite:
		return strconv.Itoa(base + int(c-models.ColorBlack)), true
	case c >= models.ColorBrightBlack && c <= models.ColorBrightWhite:
		return strconv.Itoa(brightBase + int(c-models.ColorBrightBlack)), true
	}
	return "", false
}
