// Package storage keeps paired hosts and the security event log in SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the database file inside the data directory.
	DefaultDBFileName = "termlink.db"
	// DefaultMaintenanceInterval is how often the WAL is truncated and old
	// security events are pruned.
	DefaultMaintenanceInterval = 24 * time.Hour
	// DefaultSecurityEventRetention is how long security events are kept.
	DefaultSecurityEventRetention = 90 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS devices (
  seq                      INTEGER PRIMARY KEY AUTOINCREMENT,
  device_id                TEXT NOT NULL UNIQUE,
  device_name              TEXT NOT NULL,
  host                     TEXT NOT NULL,
  port                     INTEGER NOT NULL CHECK(port > 0 AND port <= 65535),
  certificate_fingerprint  TEXT NOT NULL UNIQUE,
  paired_timestamp         INTEGER NOT NULL,
  last_connected_timestamp INTEGER
);
`,
	`
CREATE TABLE IF NOT EXISTS security_events (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type  TEXT NOT NULL,
  device_id   TEXT,
  details     TEXT NOT NULL,
  severity    TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
  timestamp   INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_time
ON security_events (timestamp DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_device
ON security_events (device_id, timestamp DESC, id DESC);
`,
}

// Store holds the device and security event tables.
type Store struct {
	db  *sql.DB
	now func() time.Time

	retentionMu sync.Mutex
	retention   time.Duration

	maintenanceStop chan struct{}
	maintenanceWG   sync.WaitGroup
	closeOnce       sync.Once
}

// Open opens (or creates) the database under dataDir.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens the database at dbPath, migrates it and starts periodic
// maintenance.
func OpenPath(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:              db,
		now:             time.Now,
		retention:       DefaultSecurityEventRetention,
		maintenanceStop: make(chan struct{}),
	}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.maintain(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startMaintenance(DefaultMaintenanceInterval)

	return store, nil
}

// Close stops maintenance and closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.maintenanceStop)
		s.maintenanceWG.Wait()
		closeErr = s.db.Close()
	})
	return closeErr
}

// SetSecurityEventRetention changes how long security events are kept.
// Non-positive values restore the default.
func (s *Store) SetSecurityEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultSecurityEventRetention
	}
	s.retentionMu.Lock()
	s.retention = retention
	s.retentionMu.Unlock()
}

func (s *Store) securityEventRetention() time.Duration {
	s.retentionMu.Lock()
	defer s.retentionMu.Unlock()
	return s.retention
}

// migrate applies the migrations newer than the user_version pragma in one
// transaction.
func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", len(migrations))); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

// maintain drops expired security events and truncates the WAL.
func (s *Store) maintain() error {
	cutoff := s.now().Add(-s.securityEventRetention())
	if _, err := s.PruneSecurityEvents(cutoff); err != nil {
		return err
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

func (s *Store) startMaintenance(interval time.Duration) {
	s.maintenanceWG.Add(1)
	go func() {
		defer s.maintenanceWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.maintain()
			case <-s.maintenanceStop:
				return
			}
		}
	}()
}
