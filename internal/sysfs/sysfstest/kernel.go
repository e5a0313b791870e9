package sysfstest

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// Write is one attribute write observed by the Kernel.
type Write struct {
	Path  string // relative to the tree root, slash separated
	Value string
}

// Kernel reacts to driver control writes the way the PCI core does, closely
// enough for binding tests. Install it with sysfs.FS.WithWriter(k.Write).
type Kernel struct {
	tree *Tree

	mu     sync.Mutex
	writes []Write

	// Native maps an address to the driver that claims it on reprobe
	Native map[string]string
	// Renames maps an address to the interface name it gets after reprobe
	Renames map[string]string
	// Busy makes bind on these addresses fail with EBUSY
	Busy map[string]bool
	// AutoBind makes new_id attach matching unbound devices immediately
	AutoBind bool
	// Fail returns the given error for writes to these relative paths
	Fail map[string]error

	overrides map[string]string
}

// Kernel returns a simulator operating on this tree.
func (tr *Tree) Kernel() *Kernel {
	return &Kernel{
		tree:      tr,
		Native:    make(map[string]string),
		Renames:   make(map[string]string),
		Busy:      make(map[string]bool),
		Fail:      make(map[string]error),
		overrides: make(map[string]string),
	}
}

// Writes returns every write seen so far, including failed ones.
func (k *Kernel) Writes() []Write {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]Write(nil), k.writes...)
}

// WritesTo returns the values written to relative paths with the given suffix.
func (k *Kernel) WritesTo(suffix string) []string {
	var values []string
	for _, w := range k.Writes() {
		if strings.HasSuffix(w.Path, suffix) {
			values = append(values, w.Value)
		}
	}
	return values
}

// Override returns the last driver_override value written for addr.
func (k *Kernel) Override(addr string) (string, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.overrides[addr]
	return v, ok
}

// Write implements sysfs.WriteFunc.
func (k *Kernel) Write(path, value string) error {
	rel, err := filepath.Rel(k.tree.Root, path)
	if err != nil {
		return err
	}
	rel = filepath.ToSlash(rel)
	val := strings.TrimSpace(value)

	k.mu.Lock()
	k.writes = append(k.writes, Write{Path: rel, Value: val})
	failure := k.Fail[rel]
	k.mu.Unlock()

	if failure != nil {
		return &os.PathError{Op: "write", Path: path, Err: failure}
	}
	if _, err := os.Lstat(path); err != nil {
		return &os.PathError{Op: "write", Path: path, Err: unix.ENOENT}
	}

	parts := strings.Split(rel, "/")
	switch {
	case rel == "bus/pci/drivers_probe":
		k.probe(val)
	case len(parts) == 6 && parts[2] == "devices" && parts[4] == "driver" && parts[5] == "unbind":
		k.tree.Detach(parts[3])
	case len(parts) == 5 && parts[2] == "devices" && parts[4] == "driver_override":
		k.mu.Lock()
		k.overrides[parts[3]] = val
		k.mu.Unlock()
	case len(parts) == 5 && parts[2] == "drivers":
		return k.driverWrite(path, parts[3], parts[4], val)
	}
	return nil
}

func (k *Kernel) driverWrite(path, driver, attr, val string) error {
	switch attr {
	case "unbind":
		k.tree.Detach(val)
	case "new_id":
		if !k.AutoBind {
			return nil
		}
		entries, err := os.ReadDir(k.tree.path("bus/pci/devices"))
		if err != nil {
			return nil
		}
		for _, e := range entries {
			addr := e.Name()
			if k.tree.Driver(addr) != "" {
				continue
			}
			if k.ids(addr) == val {
				k.tree.Attach(addr, driver)
			}
		}
	case "bind":
		if k.Busy[val] || k.tree.Driver(val) != "" {
			return &os.PathError{Op: "write", Path: path, Err: unix.EBUSY}
		}
		if !k.tree.Exists("bus/pci/devices/" + val) {
			return &os.PathError{Op: "write", Path: path, Err: unix.ENODEV}
		}
		k.tree.Attach(val, driver)
	}
	return nil
}

func (k *Kernel) probe(addr string) {
	if k.tree.Driver(addr) != "" {
		return
	}
	native := k.Native[addr]
	if native == "" {
		return
	}
	k.mu.Lock()
	override := k.overrides[addr]
	k.mu.Unlock()
	if override != "" && override != native {
		return
	}
	k.tree.Attach(addr, native)
	if name := k.Renames[addr]; name != "" {
		k.tree.AddInterface(addr, name, "10000")
	}
}

func (k *Kernel) ids(addr string) string {
	read := func(attr string) string {
		data, _ := os.ReadFile(k.tree.path("bus/pci/devices/" + addr + "/" + attr))
		return strings.TrimPrefix(strings.TrimSpace(string(data)), "0x")
	}
	return read("vendor") + " " + read("device")
}
