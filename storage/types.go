package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound indicates a requested row does not exist.
var ErrNotFound = errors.New("storage: record not found")

// ErrDeviceIDConflict rejects a device whose ID is already taken by a device
// pinned to another certificate.
var ErrDeviceIDConflict = errors.New("storage: device id belongs to another certificate")

// Security event severities.
const (
	SecuritySeverityInfo     = "info"
	SecuritySeverityWarning  = "warning"
	SecuritySeverityCritical = "critical"
)

// Security event types.
const (
	// EventPairingSucceeded records a confirmed pairing code.
	EventPairingSucceeded = "pairing_succeeded"
	// EventPairingCodeRejected records a pairing code that did not match.
	EventPairingCodeRejected = "pairing_code_rejected"
	// EventCertificateMismatch records a pinned connection that presented a
	// different certificate.
	EventCertificateMismatch = "certificate_mismatch"
)

type scanner interface {
	Scan(dest ...any) error
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	}
	return fmt.Errorf("invalid security event severity %q", severity)
}

func nullableText(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullTimestamp(ts int64) sql.NullInt64 {
	return sql.NullInt64{Int64: ts, Valid: ts > 0}
}
