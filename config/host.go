package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
)

// HostEnvPrefix prefixes every host setting variable.
const HostEnvPrefix = "termlink"

// HostSettings configures the host session service. Every field is read
// from a TERMLINK_ prefixed environment variable.
type HostSettings struct {
	ListenAddr   string  `envconfig:"LISTEN_ADDR"`
	Port         int     `envconfig:"PORT" default:"8443"`
	DataDir      string  `envconfig:"DATA_DIR"`
	HostName     string  `envconfig:"HOST_NAME"`
	HostID       string  `envconfig:"HOST_ID"`
	SessionName  string  `envconfig:"TMUX_SESSION" default:"termlink"`
	Shell        string  `envconfig:"SHELL"`
	Columns      int     `envconfig:"COLUMNS" default:"120"`
	Rows         int     `envconfig:"ROWS" default:"40"`
	HistoryLines int     `envconfig:"HISTORY_LINES" default:"1000"`
	MDNS         bool    `envconfig:"MDNS" default:"true"`
	InputRate    float64 `envconfig:"INPUT_RATE" default:"200"`
	InputBurst   int     `envconfig:"INPUT_BURST" default:"400"`
}

// LoadHostSettings reads host settings from the environment and fills in
// derived defaults.
func LoadHostSettings() (*HostSettings, error) {
	var settings HostSettings
	if err := envconfig.Process(HostEnvPrefix, &settings); err != nil {
		return nil, fmt.Errorf("failed to load host settings: %w", err)
	}
	if err := settings.complete(); err != nil {
		return nil, err
	}
	return &settings, nil
}

// CertificatePaths returns the host certificate and key locations.
func (s *HostSettings) CertificatePaths() (string, string) {
	dir := filepath.Join(s.DataDir, "certs")
	return filepath.Join(dir, "host.crt"), filepath.Join(dir, "host.key")
}

// Addr returns the listen address. An empty ListenAddr listens on every
// interface.
func (s *HostSettings) Addr() string {
	return net.JoinHostPort(s.ListenAddr, strconv.Itoa(s.Port))
}

func (s *HostSettings) complete() error {
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("invalid port %d", s.Port)
	}
	if s.Columns <= 0 || s.Rows <= 0 {
		return errors.New("terminal size must be positive")
	}
	if s.InputRate <= 0 || s.InputBurst <= 0 {
		return errors.New("input rate and burst must be positive")
	}

	if s.DataDir == "" {
		dir, err := ResolveDataDir()
		if err != nil {
			return err
		}
		s.DataDir = dir
	}

	if strings.TrimSpace(s.HostName) == "" {
		s.HostName = defaultDeviceName()
	}

	// A host without an explicit ID keeps a stable one derived from its name.
	if s.HostID == "" {
		s.HostID = uuid.NewSHA1(uuid.NameSpaceDNS, []byte(s.HostName)).String()
	}

	if s.Shell == "" {
		s.Shell = os.Getenv("SHELL")
	}
	if s.Shell == "" {
		s.Shell = "/bin/bash"
	}
	return nil
}
