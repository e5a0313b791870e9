package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func upsertDevice(tx *sql.Tx, address, name, state string, now time.Time) error {
	_, err := tx.Exec(`
		INSERT INTO devices (address, name, current_state, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			name = COALESCE(excluded.name, name),
			current_state = excluded.current_state,
			last_seen = excluded.last_seen
	`, address, nullString(name), state, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}
	return nil
}

// GetDevice returns the last-known state of address, or nil if no event
// ever touched it
func (d *DB) GetDevice(address string) (*DeviceRecord, error) {
	row := d.conn.QueryRow(`
		SELECT address, name, current_state, first_seen, last_seen
		FROM devices WHERE address = ?
	`, address)

	var rec DeviceRecord
	var name sql.NullString
	err := row.Scan(&rec.Address, &name, &rec.CurrentState, &rec.FirstSeen, &rec.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	rec.Name = name.String
	return &rec, nil
}

// AllDevices returns every device in the history, ordered by address
func (d *DB) AllDevices() ([]*DeviceRecord, error) {
	rows, err := d.conn.Query(`
		SELECT address, name, current_state, first_seen, last_seen
		FROM devices ORDER BY address
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []*DeviceRecord
	for rows.Next() {
		var rec DeviceRecord
		var name sql.NullString
		if err := rows.Scan(&rec.Address, &name, &rec.CurrentState, &rec.FirstSeen, &rec.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		rec.Name = name.String
		devices = append(devices, &rec)
	}
	return devices, rows.Err()
}
