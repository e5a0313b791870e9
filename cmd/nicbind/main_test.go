package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigreer/nicbind/internal/config"
	"github.com/sigreer/nicbind/internal/device"
	"github.com/sigreer/nicbind/internal/mapping"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, exitOK},
		{"not found", device.NewError("lookup", "eth9", device.ErrNotFound, nil), exitNotFound},
		{"wrong state", device.NewError("check", "eth0", device.ErrWrongState, nil), exitWrongState},
		{"busy", device.NewError("bind", "0000:01:00.0", device.ErrDriverBusy, errors.New("EBUSY")), exitWrongState},
		{"io", device.NewError("bind", "0000:01:00.0", device.ErrIOFailure, nil), exitFailure},
		{"store", mapping.ErrStoreCorrupt, exitFailure},
		{"not root", fmt.Errorf("bind: %w", errNotRoot), exitNotRoot},
		{"joined", errors.Join(device.NewError("lookup", "eth9", device.ErrNotFound, nil), errors.New("save failed")), exitNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestRequireRootSkipsTestTrees(t *testing.T) {
	cfg = config.Default()
	cfg.SysfsRoot = t.TempDir()
	assert.NoError(t, requireRoot())
}

func TestOutputFlag(t *testing.T) {
	o := newOutputFlag("table", "json", "args")
	assert.Equal(t, "table", o.String())
	assert.Equal(t, "format", o.Type())

	require.NoError(t, o.Set("JSON"))
	assert.True(t, o.is("json"))

	err := o.Set("xml")
	assert.ErrorContains(t, err, "table, json, args")
	assert.True(t, o.is("json"))
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"list", "info", "bind", "unbind", "reset", "apply", "save", "update", "validate",
		"show-config", "check-interfaces", "ensure", "status", "check", "show", "history"}
	for _, name := range want {
		c, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, c.Name())
	}
}

func TestKnownNamesToleratesBrokenStore(t *testing.T) {
	cfg = config.Default()
	cfg.MappingStore = filepath.Join(t.TempDir(), "devices.yaml")
	require.NoError(t, os.WriteFile(cfg.MappingStore, []byte("devices: [unclosed\n"), 0o644))
	assert.Nil(t, knownNames())

	require.NoError(t, os.WriteFile(cfg.MappingStore, []byte("devices:\n  mappings:\n    eth0: \"0000:01:00.0\"\n"), 0o644))
	assert.Equal(t, mapping.Mapping{"eth0": "0000:01:00.0"}, knownNames())
}
