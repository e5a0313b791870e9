package main

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/sigreer/nicbind/internal/device"
	"github.com/sigreer/nicbind/internal/sysfs"
)

// Exit codes let scripts tell a missing device from one in the wrong state
const (
	exitOK         = 0
	exitNotFound   = 1
	exitWrongState = 2
	exitFailure    = 3
	exitNotRoot    = 4
)

var errNotRoot = errors.New("must be run as root")

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errNotRoot):
		return exitNotRoot
	case errors.Is(err, device.ErrNotFound):
		return exitNotFound
	case errors.Is(err, device.ErrWrongState), errors.Is(err, device.ErrDriverBusy):
		return exitWrongState
	}
	return exitFailure
}

// requireRoot fails for non-root users on the real sysfs. An alternate
// sysfs root is assumed to be a test tree.
func requireRoot() error {
	if cfg.SysfsRoot != sysfs.DefaultRoot {
		return nil
	}
	if unix.Geteuid() != 0 {
		return errNotRoot
	}
	return nil
}
