package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"termlink/config"
	"termlink/models"
	"termlink/storage"
)

var (
	dataDir string
	cfg     *config.ClientConfig
	store   *storage.Store
)

// Execute runs the termlink CLI.
func Execute() error {
	root := &cobra.Command{
		Use:          "termlink",
		Short:        "Pair with terminal hosts and attach to their sessions",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if dataDir != "" {
				if err := os.Setenv(config.DataDirEnv, dataDir); err != nil {
					return err
				}
			}

			loaded, _, err := config.LoadOrCreate()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg = loaded

			opened, err := storage.OpenPath(cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("open device store: %w", err)
			}
			store = opened
			return nil
		},
	}

	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default per-user app data dir)")

	root.AddCommand(
		pairCmd(),
		devicesCmd(),
		forgetCmd(),
		renameCmd(),
		discoverCmd(),
		healthCmd(),
		connectCmd(),
		eventsCmd(),
	)
	err := root.Execute()
	if store != nil {
		if closeErr := store.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}

func lookupDevice(deviceID string) (*models.PairedDevice, error) {
	device, err := store.GetDevice(deviceID)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", deviceID, err)
	}
	return device, nil
}
