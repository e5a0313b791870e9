package db

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := New(filepath.Join(t.TempDir(), "sub", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return d
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	d, err := New(path)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	d, err = New(path)
	require.NoError(t, err)
	defer d.Close()

	var version int
	require.NoError(t, d.conn.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version))
	assert.Equal(t, 2, version)
	assert.Equal(t, path, d.Path())
}

func TestRecordEvent(t *testing.T) {
	d := openTestDB(t)

	require.NoError(t, d.RecordEvent("b1", "bind", "0000:01:00.0", "eth0", "kernel", "bypass",
		map[string]interface{}{"outcome": "bound", "driver": "vfio-pci"}))
	require.NoError(t, d.RecordEvent("b1", "bind", "0000:01:00.1", "", "kernel", "bypass", nil))
	require.NoError(t, d.RecordEvent("b2", "unbind", "0000:01:00.0", "eth0", "bypass", "kernel", nil))

	recent, err := d.RecentEvents(0)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "b2", recent[0].BatchID)
	assert.Equal(t, "unbind", recent[0].EventType)
	assert.True(t, recent[0].Timestamp.After(recent[2].Timestamp))

	limited, err := d.RecentEvents(1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	batch, err := d.EventsForBatch("b1")
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "0000:01:00.0", batch[0].Address)
	assert.Empty(t, batch[1].Name)

	var details map[string]string
	require.NoError(t, json.Unmarshal([]byte(batch[0].Details), &details))
	assert.Equal(t, "bound", details["outcome"])

	forAddr, err := d.EventsForAddress("0000:01:00.0", 10)
	require.NoError(t, err)
	require.Len(t, forAddr, 2)
	assert.Equal(t, "kernel", forAddr[0].NewState)
}

func TestDeviceLastState(t *testing.T) {
	d := openTestDB(t)

	require.NoError(t, d.RecordEvent("b1", "bind", "0000:02:00.0", "ens2f0", "kernel", "bypass", nil))
	require.NoError(t, d.RecordEvent("b2", "unbind", "0000:02:00.0", "", "bypass", "kernel", nil))

	rec, err := d.GetDevice("0000:02:00.0")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "kernel", rec.CurrentState)
	assert.Equal(t, "ens2f0", rec.Name, "an empty name keeps the previous one")
	assert.True(t, rec.LastSeen.After(rec.FirstSeen))

	missing, err := d.GetDevice("0000:09:00.0")
	require.NoError(t, err)
	assert.Nil(t, missing)

	all, err := d.AllDevices()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestDeleteOldEvents(t *testing.T) {
	d := openTestDB(t)
	require.NoError(t, d.RecordEvent("b1", "bind", "0000:01:00.0", "eth0", "kernel", "bypass", nil))

	d.now = func() time.Time { return time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC) }
	n, err := d.DeleteOldEvents(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	recent, err := d.RecentEvents(10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}
