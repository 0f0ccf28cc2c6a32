package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxSecurityEventQuery = 1000

// SecurityEvent is one recorded pairing or certificate pinning outcome.
type SecurityEvent struct {
	ID        int64
	Type      string
	DeviceID  string
	Severity  string
	Details   map[string]any
	Timestamp time.Time
}

// EventQuery narrows RecentSecurityEvents. Zero fields match everything.
type EventQuery struct {
	Type     string
	DeviceID string
	Severity string
	Since    time.Time
	Limit    int
}

// RecordSecurityEvent appends an event. An empty severity means info and an
// empty deviceID records the event without a device.
func (s *Store) RecordSecurityEvent(eventType, deviceID, severity string, details map[string]any) error {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return errors.New("event type is required")
	}
	if severity == "" {
		severity = SecuritySeverityInfo
	}
	if err := validateSecuritySeverity(severity); err != nil {
		return err
	}

	encoded := []byte("{}")
	if len(details) > 0 {
		raw, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal %s details: %w", eventType, err)
		}
		encoded = raw
	}

	_, err := s.db.Exec(
		`INSERT INTO security_events (event_type, device_id, details, severity, timestamp) VALUES (?, ?, ?, ?, ?)`,
		eventType,
		nullableText(strings.TrimSpace(deviceID)),
		string(encoded),
		severity,
		s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert %s event: %w", eventType, err)
	}
	return nil
}

// RecentSecurityEvents returns matching events, newest first.
func (s *Store) RecentSecurityEvents(query EventQuery) ([]SecurityEvent, error) {
	if query.Severity != "" {
		if err := validateSecuritySeverity(query.Severity); err != nil {
			return nil, err
		}
	}

	limit := query.Limit
	if limit <= 0 || limit > maxSecurityEventQuery {
		limit = maxSecurityEventQuery
	}

	var (
		clauses []string
		args    []any
	)
	match := func(clause string, arg any) {
		clauses = append(clauses, clause)
		args = append(args, arg)
	}
	if query.Type != "" {
		match("event_type = ?", query.Type)
	}
	if query.DeviceID != "" {
		match("device_id = ?", query.DeviceID)
	}
	if query.Severity != "" {
		match("severity = ?", query.Severity)
	}
	if !query.Since.IsZero() {
		match("timestamp >= ?", query.Since.UnixMilli())
	}

	statement := `SELECT id, event_type, device_id, details, severity, timestamp FROM security_events`
	if len(clauses) > 0 {
		statement += " WHERE " + strings.Join(clauses, " AND ")
	}
	statement += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(statement, args...)
	if err != nil {
		return nil, fmt.Errorf("query security events: %w", err)
	}
	defer rows.Close()

	var events []SecurityEvent
	for rows.Next() {
		event, err := scanSecurityEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security events: %w", err)
	}
	return events, nil
}

// PruneSecurityEvents deletes events recorded before cutoff and reports how
// many were removed.
func (s *Store) PruneSecurityEvents(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM security_events WHERE timestamp < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune security events: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune security events: %w", err)
	}
	return removed, nil
}

func scanSecurityEvent(row scanner) (SecurityEvent, error) {
	var (
		event     SecurityEvent
		deviceID  sql.NullString
		details   string
		timestamp int64
	)
	if err := row.Scan(&event.ID, &event.Type, &deviceID, &details, &event.Severity, &timestamp); err != nil {
		return SecurityEvent{}, fmt.Errorf("scan security event: %w", err)
	}

	event.DeviceID = deviceID.String
	event.Timestamp = time.UnixMilli(timestamp)
	if err := json.Unmarshal([]byte(details), &event.Details); err != nil {
		return SecurityEvent{}, fmt.Errorf("decode security event %d details: %w", event.ID, err)
	}
	return event, nil
}
