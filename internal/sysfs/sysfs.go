// Package sysfs reads and writes the kernel's PCI device model under a configurable root.
package sysfs

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// DefaultRoot is where sysfs is mounted on a running system
const DefaultRoot = "/sys"

// WriteFunc performs one attribute write. Tests replace it to simulate the kernel.
type WriteFunc func(path, value string) error

// FS is a rooted view of sysfs
type FS struct {
	root  string
	write WriteFunc
	log   zerolog.Logger
}

// New returns an FS rooted at root (DefaultRoot when empty)
func New(root string, log zerolog.Logger) *FS {
	if root == "" {
		root = DefaultRoot
	}
	return &FS{root: root, write: writeAttr, log: log}
}

// WithWriter swaps the function used for attribute writes
func (f *FS) WithWriter(w WriteFunc) *FS {
	f.write = w
	return f
}

// Root returns the mount point this FS reads from
func (f *FS) Root() string {
	return f.root
}

// DevicesDir is bus/pci/devices
func (f *FS) DevicesDir() string {
	return filepath.Join(f.root, "bus", "pci", "devices")
}

// DevicePath joins elem onto bus/pci/devices/<addr>
func (f *FS) DevicePath(addr string, elem ...string) string {
	return filepath.Join(append([]string{f.DevicesDir(), addr}, elem...)...)
}

// DriverPath joins elem onto bus/pci/drivers/<driver>
func (f *FS) DriverPath(driver string, elem ...string) string {
	return filepath.Join(append([]string{f.root, "bus", "pci", "drivers", driver}, elem...)...)
}

// ProbePath is bus/pci/drivers_probe
func (f *FS) ProbePath() string {
	return filepath.Join(f.root, "bus", "pci", "drivers_probe")
}

// GroupsDir is kernel/iommu_groups
func (f *FS) GroupsDir() string {
	return filepath.Join(f.root, "kernel", "iommu_groups")
}

// GroupDevicesDir is kernel/iommu_groups/<group>/devices
func (f *FS) GroupDevicesDir(group int) string {
	return filepath.Join(f.GroupsDir(), strconv.Itoa(group), "devices")
}

// ClassPath joins elem onto class/<class>, e.g. ClassPath("net", "eth0", "device")
func (f *FS) ClassPath(class string, elem ...string) string {
	return filepath.Join(append([]string{f.root, "class", class}, elem...)...)
}

// ReadAttr reads an attribute file and trims surrounding whitespace
func (f *FS) ReadAttr(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// LinkBase returns the basename of a symlink's target
func (f *FS) LinkBase(path string) (string, error) {
	target, err := os.Readlink(path)
	if err != nil {
		return "", err
	}
	return filepath.Base(target), nil
}

// List returns the entry names of a directory in lexical order
func (f *FS) List(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// Exists reports whether path exists, without following a final symlink
func (f *FS) Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// Write writes value to an attribute. The attribute must already exist.
func (f *FS) Write(path, value string) error {
	f.log.Debug().Str("path", path).Str("value", strings.TrimSpace(value)).Msg("sysfs write")
	return f.write(path, value)
}

func writeAttr(path, value string) error {
	fh, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	if _, err := fh.WriteString(value); err != nil {
		fh.Close()
		return err
	}
	return fh.Close()
}

// IsBusy reports whether err is EBUSY, returned by bind when a driver already owns the device
func IsBusy(err error) bool {
	return errors.Is(err, unix.EBUSY)
}

// IsInvalid reports whether err is EINVAL, returned when reading speed of a down interface
func IsInvalid(err error) bool {
	return errors.Is(err, unix.EINVAL)
}

// IsNotExist reports whether err means the path does not exist
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
