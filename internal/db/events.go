package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const eventColumns = `id, batch_id, event_type, address, name, old_state, new_state, details, timestamp`

// RecordEvent logs one device transition of a batch and updates the
// device's last-known state in the same transaction.
func (d *DB) RecordEvent(batchID, eventType, address, name, oldState, newState string, details map[string]interface{}) error {
	var detailsJSON string
	if details != nil {
		b, err := json.Marshal(details)
		if err == nil {
			detailsJSON = string(b)
		}
	}
	now := d.now()

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO binding_events (batch_id, event_type, address, name, old_state, new_state, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, batchID, eventType, nullString(address), nullString(name), nullString(oldState), nullString(newState), nullString(detailsJSON), now)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to record event: %w", err)
	}

	if address != "" && newState != "" {
		if err := upsertDevice(tx, address, name, newState, now); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// RecentEvents returns the most recent events, newest first
func (d *DB) RecentEvents(limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := d.conn.Query(`
		SELECT `+eventColumns+`
		FROM binding_events
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// EventsForAddress returns events for one device, newest first
func (d *DB) EventsForAddress(address string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := d.conn.Query(`
		SELECT `+eventColumns+`
		FROM binding_events
		WHERE address = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, address, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query device events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// EventsForBatch returns the events of one batch in the order they happened
func (d *DB) EventsForBatch(batchID string) ([]*Event, error) {
	rows, err := d.conn.Query(`
		SELECT `+eventColumns+`
		FROM binding_events
		WHERE batch_id = ?
		ORDER BY id
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query batch events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// DeleteOldEvents removes events older than the given age
func (d *DB) DeleteOldEvents(olderThan time.Duration) (int64, error) {
	result, err := d.conn.Exec("DELETE FROM binding_events WHERE timestamp < ?", d.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}
	return result.RowsAffected()
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		var event Event
		var address, name, oldState, newState, details sql.NullString

		err := rows.Scan(
			&event.ID, &event.BatchID, &event.EventType,
			&address, &name, &oldState, &newState, &details, &event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		event.Address = address.String
		event.Name = name.String
		event.OldState = oldState.String
		event.NewState = newState.String
		event.Details = details.String

		events = append(events, &event)
	}

	return events, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
