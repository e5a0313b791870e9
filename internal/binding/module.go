package binding

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sigreer/nicbind/internal/device"
	"github.com/sigreer/nicbind/internal/iommu"
)

// EnsureModule loads the bypass driver module unless /proc/modules already lists it
func (e *Engine) EnsureModule(ctx context.Context) error {
	loaded, err := iommu.ModuleLoaded(filepath.Join(e.opts.ProcRoot, "modules"), e.opts.Module)
	if err != nil {
		e.log.Debug().Err(err).Msg("cannot read module list, trying modprobe anyway")
	}
	if loaded {
		return nil
	}
	if e.runner == nil {
		return device.NewError("load module", e.opts.Module, device.ErrIOFailure, fmt.Errorf("no command runner"))
	}

	e.log.Info().Str("module", e.opts.Module).Msg("loading module")
	out, err := e.runner.Run(ctx, "modprobe", e.opts.Module)
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return device.NewError("load module", e.opts.Module, device.ErrIOFailure, err)
	}
	return nil
}

// SetPermissions makes the vfio container and every group node
// read-write for all users, so unprivileged userspace drivers can open them.
func (e *Engine) SetPermissions() error {
	dir := filepath.Join(e.opts.DevRoot, "vfio")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return device.NewError("set permissions", dir, device.ErrIOFailure, err)
	}
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if err := os.Chmod(path, 0o666); err != nil {
			return device.NewError("set permissions", path, device.ErrIOFailure, err)
		}
	}
	e.log.Debug().Int("nodes", len(entries)).Str("dir", dir).Msg("vfio permissions set")
	return nil
}
