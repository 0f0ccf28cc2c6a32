package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"termlink/crypto"
	"termlink/models"
)

const deviceColumns = `
	device_id,
	device_name,
	host,
	port,
	certificate_fingerprint,
	paired_timestamp,
	last_connected_timestamp`

// SaveDevice stores a paired device. A stored device with the same
// certificate fingerprint is replaced, and the new record moves to the end of
// the list order. Reusing the ID of a device pinned to a different
// certificate fails with ErrDeviceIDConflict.
func (s *Store) SaveDevice(device models.PairedDevice) error {
	if strings.TrimSpace(device.DeviceID) == "" {
		return errors.New("device_id is required")
	}
	if strings.TrimSpace(device.DeviceName) == "" {
		return errors.New("device_name is required")
	}
	if strings.TrimSpace(device.Host) == "" {
		return errors.New("host is required")
	}
	if device.Port <= 0 || device.Port > 65535 {
		return fmt.Errorf("invalid port %d", device.Port)
	}
	if crypto.NormalizeFingerprint(device.CertificateFingerprint) == "" {
		return errors.New("certificate_fingerprint is required")
	}
	device.CertificateFingerprint = crypto.CanonicalFingerprint(device.CertificateFingerprint)
	if device.PairedTimestamp == 0 {
		device.PairedTimestamp = s.now().UnixMilli()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save device transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var existing string
	err = tx.QueryRow(`SELECT certificate_fingerprint FROM devices WHERE device_id = ?`, device.DeviceID).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("look up device %q: %w", device.DeviceID, err)
	case existing != device.CertificateFingerprint:
		return fmt.Errorf("save device %q: %w", device.DeviceID, ErrDeviceIDConflict)
	}

	if _, err := tx.Exec(
		`DELETE FROM devices WHERE certificate_fingerprint = ?`,
		device.CertificateFingerprint,
	); err != nil {
		return fmt.Errorf("replace device %q: %w", device.DeviceID, err)
	}

	if _, err := tx.Exec(
		`INSERT INTO devices (`+deviceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		device.DeviceID,
		device.DeviceName,
		device.Host,
		device.Port,
		device.CertificateFingerprint,
		device.PairedTimestamp,
		nullTimestamp(device.LastConnectedTimestamp),
	); err != nil {
		return fmt.Errorf("insert device %q: %w", device.DeviceID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save device %q: %w", device.DeviceID, err)
	}
	return nil
}

// GetDevice fetches a paired device by ID.
func (s *Store) GetDevice(deviceID string) (*models.PairedDevice, error) {
	row := s.db.QueryRow(`SELECT `+deviceColumns+` FROM devices WHERE device_id = ?`, deviceID)

	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get device %q: %w", deviceID, err)
	}
	return device, nil
}

// GetDeviceByFingerprint fetches a paired device by certificate fingerprint
// in any accepted spelling.
func (s *Store) GetDeviceByFingerprint(fingerprint string) (*models.PairedDevice, error) {
	canonical := crypto.CanonicalFingerprint(fingerprint)
	row := s.db.QueryRow(`SELECT `+deviceColumns+` FROM devices WHERE certificate_fingerprint = ?`, canonical)

	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get device by fingerprint: %w", err)
	}
	return device, nil
}

// ListDevices returns all paired devices in pairing order.
func (s *Store) ListDevices() ([]models.PairedDevice, error) {
	rows, err := s.db.Query(`SELECT ` + deviceColumns + ` FROM devices ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	devices := make([]models.PairedDevice, 0)
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		devices = append(devices, *device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device rows: %w", err)
	}

	return devices, nil
}

// TouchLastConnected records a successful connection time.
func (s *Store) TouchLastConnected(deviceID string, timestamp int64) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}
	if timestamp <= 0 {
		timestamp = s.now().UnixMilli()
	}

	res, err := s.db.Exec(
		`UPDATE devices SET last_connected_timestamp = ? WHERE device_id = ?`,
		timestamp,
		deviceID,
	)
	if err != nil {
		return fmt.Errorf("update last connected %q: %w", deviceID, err)
	}
	return requireRowsAffected(res, "update last connected", deviceID)
}

// RenameDevice updates the stored display name.
func (s *Store) RenameDevice(deviceID, deviceName string) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}
	if strings.TrimSpace(deviceName) == "" {
		return errors.New("device_name is required")
	}

	res, err := s.db.Exec(`UPDATE devices SET device_name = ? WHERE device_id = ?`, deviceName, deviceID)
	if err != nil {
		return fmt.Errorf("rename device %q: %w", deviceID, err)
	}
	return requireRowsAffected(res, "rename device", deviceID)
}

// RemoveDevice deletes a paired device by ID.
func (s *Store) RemoveDevice(deviceID string) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}

	res, err := s.db.Exec(`DELETE FROM devices WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("remove device %q: %w", deviceID, err)
	}
	return requireRowsAffected(res, "remove device", deviceID)
}

func requireRowsAffected(res sql.Result, op, deviceID string) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for %s %q: %w", op, deviceID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanDevice(row scanner) (*models.PairedDevice, error) {
	var (
		device        models.PairedDevice
		lastConnected sql.NullInt64
	)
	if err := row.Scan(
		&device.DeviceID,
		&device.DeviceName,
		&device.Host,
		&device.Port,
		&device.CertificateFingerprint,
		&device.PairedTimestamp,
		&lastConnected,
	); err != nil {
		return nil, err
	}

	if lastConnected.Valid {
		device.LastConnectedTimestamp = lastConnected.Int64
	}
	return &device, nil
}
