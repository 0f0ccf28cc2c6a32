package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "termlink"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "TERMLINK_DATA_DIR"
	// DefaultPort is the host port assumed when none is given.
	DefaultPort = 8443
	// DefaultConnectTimeoutSeconds bounds a session connect attempt.
	DefaultConnectTimeoutSeconds = 15
	// DefaultPairingTimeoutSeconds bounds the pairing fingerprint probe.
	DefaultPairingTimeoutSeconds = 10
	// DefaultReconnectAttempts is the retry budget after a transient failure.
	DefaultReconnectAttempts = 3
	// DefaultHistoryLines is the client scrollback size.
	DefaultHistoryLines = 1000
	// DefaultDatabaseFileName is the device store file inside the data dir.
	DefaultDatabaseFileName = "termlink.db"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// ClientConfig contains persistent client settings.
type ClientConfig struct {
	DeviceID              string `json:"device_id"`
	DeviceName            string `json:"device_name"`
	DefaultPort           int    `json:"default_port"`
	ConnectTimeoutSeconds int    `json:"connect_timeout_seconds"`
	PairingTimeoutSeconds int    `json:"pairing_timeout_seconds"`
	ReconnectAttempts     int    `json:"reconnect_attempts"`
	HistoryLines          int    `json:"history_lines"`
	DatabasePath          string `json:"database_path"`
}

// ConnectTimeout returns the session connect bound.
func (c *ClientConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// PairingTimeout returns the fingerprint probe bound.
func (c *ClientConfig) PairingTimeout() time.Duration {
	return time.Duration(c.PairingTimeoutSeconds) * time.Second
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If TERMLINK_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "certs"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ClientConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save writes cfg to path. The file is replaced atomically so a crash
// never leaves a truncated config behind.
func Save(path string, cfg *ClientConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	raw = append(raw, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), configFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the
// config and the data directory it lives in.
func LoadOrCreate() (*ClientConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = &ClientConfig{}
		normalizeDefaults(cfg, dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
		return cfg, dataDir, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, dataDir, nil
}

func normalizeDefaults(cfg *ClientConfig, dataDir string) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}

	if cfg.DefaultPort <= 0 || cfg.DefaultPort > 65535 {
		cfg.DefaultPort = DefaultPort
		updated = true
	}

	if cfg.ConnectTimeoutSeconds <= 0 {
		cfg.ConnectTimeoutSeconds = DefaultConnectTimeoutSeconds
		updated = true
	}

	if cfg.PairingTimeoutSeconds <= 0 {
		cfg.PairingTimeoutSeconds = DefaultPairingTimeoutSeconds
		updated = true
	}

	if cfg.ReconnectAttempts < 0 {
		cfg.ReconnectAttempts = 0
		updated = true
	}
	if cfg.ReconnectAttempts == 0 {
		cfg.ReconnectAttempts = DefaultReconnectAttempts
		updated = true
	}

	if cfg.HistoryLines <= 0 {
		cfg.HistoryLines = DefaultHistoryLines
		updated = true
	}

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(dataDir, DefaultDatabaseFileName)
		updated = true
	}

	return updated
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "TermLink Client"
}
