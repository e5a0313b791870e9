// Package sysfstest builds throwaway sysfs trees for tests and simulates the
// kernel's reaction to driver control writes.
package sysfstest

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

// Device describes one PCI function to create in a Tree.
type Device struct {
	Address string
	Class   string // defaults to 0x020000
	Vendor  string
	Device  string
	Driver  string // empty leaves the device unbound
	Group   *int
	// Interfaces are created under net/ when Driver is set; name -> speed attribute
	Interfaces map[string]string
}

// Tree is a fake sysfs rooted in a temporary directory.
type Tree struct {
	t    testing.TB
	Root string
}

// Group is a convenience for Device.Group literals.
func Group(id int) *int {
	return &id
}

// New creates an empty tree with the PCI bus, iommu and net class skeleton.
func New(t testing.TB) *Tree {
	t.Helper()
	tr := &Tree{t: t, Root: t.TempDir()}
	for _, dir := range []string{
		"bus/pci/devices",
		"bus/pci/drivers",
		"kernel/iommu_groups",
		"class/net",
	} {
		require.NoError(t, os.MkdirAll(tr.path(dir), 0o755))
	}
	tr.touch("bus/pci/drivers_probe", "")
	return tr
}

func (tr *Tree) path(rel string) string {
	return filepath.Join(tr.Root, filepath.FromSlash(rel))
}

func (tr *Tree) touch(rel, content string) {
	tr.t.Helper()
	p := tr.path(rel)
	require.NoError(tr.t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(tr.t, os.WriteFile(p, []byte(content), 0o644))
}

func (tr *Tree) link(target, rel string) {
	tr.t.Helper()
	p := tr.path(rel)
	require.NoError(tr.t, os.MkdirAll(filepath.Dir(p), 0o755))
	_ = os.Remove(p)
	require.NoError(tr.t, os.Symlink(target, p))
}

// AddDriver registers a driver directory with its control attributes.
func (tr *Tree) AddDriver(name string) {
	tr.t.Helper()
	for _, attr := range []string{"bind", "unbind", "new_id", "remove_id"} {
		tr.touch("bus/pci/drivers/"+name+"/"+attr, "")
	}
}

// AddDevice creates a device directory, attaching it and creating its
// interfaces when a driver is given.
func (tr *Tree) AddDevice(d Device) {
	tr.t.Helper()
	class := d.Class
	if class == "" {
		class = "0x020000"
	}
	base := "bus/pci/devices/" + d.Address
	tr.touch(base+"/class", class+"\n")
	tr.touch(base+"/vendor", d.Vendor+"\n")
	tr.touch(base+"/device", d.Device+"\n")
	tr.touch(base+"/driver_override", "(null)\n")

	if d.Group != nil {
		g := strconv.Itoa(*d.Group)
		tr.link("../../../../kernel/iommu_groups/"+g, base+"/iommu_group")
		tr.link("../../../../bus/pci/devices/"+d.Address, "kernel/iommu_groups/"+g+"/devices/"+d.Address)
	}

	if d.Driver != "" {
		tr.Attach(d.Address, d.Driver)
		for name, speed := range d.Interfaces {
			tr.AddInterface(d.Address, name, speed)
		}
	}
}

// AddGroupMember adds a non-network member (a bridge, say) to an iommu group.
func (tr *Tree) AddGroupMember(group int, addr string) {
	tr.t.Helper()
	g := strconv.Itoa(group)
	tr.link("../../../../bus/pci/devices/"+addr, "kernel/iommu_groups/"+g+"/devices/"+addr)
}

// Attach points the device's driver symlink at driver.
func (tr *Tree) Attach(addr, driver string) {
	tr.t.Helper()
	if !tr.Exists("bus/pci/drivers/" + driver) {
		tr.AddDriver(driver)
	}
	tr.link("../../drivers/"+driver, "bus/pci/devices/"+addr+"/driver")
	tr.link("../../devices/"+addr, "bus/pci/drivers/"+driver+"/"+addr)
}

// Detach removes the driver symlink and any interfaces of the device.
func (tr *Tree) Detach(addr string) {
	tr.t.Helper()
	driverLink := tr.path("bus/pci/devices/" + addr + "/driver")
	if target, err := os.Readlink(driverLink); err == nil {
		_ = os.Remove(tr.path("bus/pci/drivers/" + filepath.Base(target) + "/" + addr))
	}
	_ = os.Remove(driverLink)

	netDir := tr.path("bus/pci/devices/" + addr + "/net")
	if entries, err := os.ReadDir(netDir); err == nil {
		for _, e := range entries {
			_ = os.Remove(tr.path("class/net/" + e.Name()))
		}
	}
	require.NoError(tr.t, os.RemoveAll(netDir))
}

// AddInterface creates net/<name> under the device and its class/net link.
// An empty speed leaves the speed attribute out.
func (tr *Tree) AddInterface(addr, name, speed string) {
	tr.t.Helper()
	base := "bus/pci/devices/" + addr + "/net/" + name
	require.NoError(tr.t, os.MkdirAll(tr.path(base), 0o755))
	if speed != "" {
		tr.touch(base+"/speed", speed+"\n")
	}
	tr.link("../../../"+addr, base+"/device")
	tr.link("../../bus/pci/devices/"+addr+"/net/"+name, "class/net/"+name)
}

// AddVirtualInterface creates a class/net entry with no backing PCI device.
func (tr *Tree) AddVirtualInterface(name string) {
	tr.t.Helper()
	require.NoError(tr.t, os.MkdirAll(tr.path("devices/virtual/net/"+name), 0o755))
	tr.link("../../devices/virtual/net/"+name, "class/net/"+name)
}

// AddRDMADevice creates class/infiniband/<name>/device pointing at addr.
func (tr *Tree) AddRDMADevice(name, addr string) {
	tr.t.Helper()
	tr.link("../../../bus/pci/devices/"+addr, "class/infiniband/"+name+"/device")
}

// Driver returns the driver currently attached to addr, or "".
func (tr *Tree) Driver(addr string) string {
	target, err := os.Readlink(tr.path("bus/pci/devices/" + addr + "/driver"))
	if err != nil {
		return ""
	}
	return filepath.Base(target)
}

// Interfaces lists the net/ entries of addr.
func (tr *Tree) Interfaces(addr string) []string {
	entries, err := os.ReadDir(tr.path("bus/pci/devices/" + addr + "/net"))
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// Exists reports whether rel exists under the root.
func (tr *Tree) Exists(rel string) bool {
	_, err := os.Lstat(tr.path(rel))
	return err == nil
}

// Remove deletes rel under the root.
func (tr *Tree) Remove(rel string) {
	tr.t.Helper()
	require.NoError(tr.t, os.RemoveAll(tr.path(rel)))
}

// Chmod changes the mode of rel under the root.
func (tr *Tree) Chmod(rel string, mode os.FileMode) {
	tr.t.Helper()
	require.NoError(tr.t, os.Chmod(tr.path(rel), mode))
}
