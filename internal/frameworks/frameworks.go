// Package frameworks classifies network devices by whether a userspace
// networking framework can use them, and whether it can use them right now.
package frameworks

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sigreer/nicbind/internal/device"
	"github.com/sigreer/nicbind/internal/sysfs"
)

// Framework is a userspace networking or storage framework
type Framework string

const (
	DPDK       Framework = "dpdk"
	RDMA       Framework = "rdma"
	TCPDirect  Framework = "tcpdirect"
	OpenOnload Framework = "openonload"
	EFVI       Framework = "efvi"
	SPDK       Framework = "spdk"
	VPP        Framework = "vpp"
	XDP        Framework = "xdp"
)

// All lists every known framework in display order
var All = []Framework{DPDK, RDMA, TCPDirect, OpenOnload, EFVI, SPDK, VPP, XDP}

var displayNames = map[Framework]string{
	DPDK:       "DPDK",
	RDMA:       "RDMA",
	TCPDirect:  "TCPDirect",
	OpenOnload: "OpenOnload",
	EFVI:       "ef_vi",
	SPDK:       "SPDK",
	VPP:        "VPP",
	XDP:        "XDP",
}

// Parse accepts a framework name in any case
func Parse(s string) (Framework, error) {
	f := Framework(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := displayNames[f]; !ok {
		names := make([]string, len(All))
		for i, fw := range All {
			names[i] = string(fw)
		}
		return "", fmt.Errorf("unknown framework %q (supported: %s)", s, strings.Join(names, ", "))
	}
	return f, nil
}

// Name returns the framework's usual spelling
func (f Framework) Name() string {
	if n, ok := displayNames[f]; ok {
		return n
	}
	return string(f)
}

// RequiresBypass reports whether the framework drives the device itself
func (f Framework) RequiresBypass() bool {
	switch f {
	case DPDK, TCPDirect, SPDK, VPP:
		return true
	}
	return false
}

// RequiresKernel reports whether the framework works through the kernel driver
func (f Framework) RequiresKernel() bool {
	switch f {
	case RDMA, OpenOnload, EFVI, XDP:
		return true
	}
	return false
}

// WantStatus is the binding status the framework needs
func (f Framework) WantStatus() device.Status {
	if f.RequiresBypass() {
		return device.BypassBound
	}
	return device.KernelBound
}

const (
	vendorMellanox   = "15b3"
	vendorBroadcom   = "14e4"
	vendorSolarflare = "1924"
)

// Broadcom parts with RoCE
var broadcomRoCE = map[string]bool{
	"16d7": true, "16d8": true, "16dc": true,
	"16e1": true, "16e2": true, "16e3": true,
}

// Drivers with native XDP support
var xdpDrivers = map[string]bool{
	"i40e": true, "ice": true, "ixgbe": true, "ixgbevf": true,
	"mlx5_core": true, "mlx4_core": true,
	"virtio_net": true, "veth": true, "tun": true, "tap": true,
	"nfp": true, "qede": true, "bnxt_en": true, "thunderx": true, "ena": true,
}

func ids(rec *device.Record) (vendor, model string) {
	vendor, model, _ = strings.Cut(rec.VendorDevice(), ":")
	return vendor, model
}

// Capable reports whether the hardware can be used by f at all
func Capable(rec *device.Record, f Framework) bool {
	vendor, model := ids(rec)
	switch f {
	case DPDK, SPDK, VPP:
		return true
	case RDMA:
		return vendor == vendorMellanox || (vendor == vendorBroadcom && broadcomRoCE[model])
	case TCPDirect, OpenOnload, EFVI:
		return vendor == vendorSolarflare
	case XDP:
		return xdpDrivers[rec.Driver]
	}
	return false
}

// Ready reports whether f can use the device in its current binding state
func Ready(rec *device.Record, f Framework) bool {
	if !Capable(rec, f) {
		return false
	}
	switch {
	case f.RequiresBypass():
		return rec.Status == device.BypassBound
	case f.RequiresKernel():
		return rec.Status == device.KernelBound
	}
	return false
}

// Device is a capable device with the string an application would pass to
// the framework to select it
type Device struct {
	Record    *device.Record `json:"device"`
	Ready     bool           `json:"ready"`
	Reference string         `json:"reference"`
}

// Classifier finds RDMA device names under class/infiniband
type Classifier struct {
	fs *sysfs.FS
}

// NewClassifier returns a Classifier reading from fs
func NewClassifier(fs *sysfs.FS) *Classifier {
	return &Classifier{fs: fs}
}

// Reference returns what an application would use to name the device: the
// PCI address, the RDMA device name or the interface name.
func (c *Classifier) Reference(rec *device.Record, f Framework) (string, error) {
	switch f {
	case RDMA:
		return c.RDMAName(rec.Address)
	case OpenOnload, EFVI, XDP:
		if rec.Interface == "" {
			return "", device.NewError("reference", rec.Address, device.ErrNotFound, fmt.Errorf("no interface"))
		}
		return rec.Interface, nil
	}
	return rec.Address, nil
}

// RDMAName returns the RDMA device (mlx5_0, ...) whose device link points at addr
func (c *Classifier) RDMAName(addr string) (string, error) {
	dir := c.fs.ClassPath("infiniband")
	names, err := c.fs.List(dir)
	if err != nil {
		return "", device.NewError("rdma device", addr, device.ErrNotFound,
			fmt.Errorf("RDMA subsystem not available: %w", err))
	}
	for _, name := range names {
		target, err := c.fs.LinkBase(c.fs.ClassPath("infiniband", name, "device"))
		if err == nil && target == addr {
			return name, nil
		}
	}
	return "", device.NewError("rdma device", addr, device.ErrNotFound, nil)
}

// Devices returns the devices of records that f can use. Unless capable is
// set only ready devices are returned. A device that is not ready, or whose
// reference cannot be found, is referred to by its address.
func (c *Classifier) Devices(records []*device.Record, f Framework, capable bool) []*Device {
	var out []*Device
	for _, rec := range records {
		if !Capable(rec, f) {
			continue
		}
		d := &Device{Record: rec, Ready: Ready(rec, f), Reference: rec.Address}
		if !d.Ready && !capable {
			continue
		}
		if d.Ready {
			if ref, err := c.Reference(rec, f); err == nil {
				d.Reference = ref
			}
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Ready && !out[j].Ready })
	return out
}

// References joins the references of ready devices with commas, the form
// most frameworks take on the command line
func References(devices []*Device) string {
	var refs []string
	for _, d := range devices {
		if d.Ready {
			refs = append(refs, d.Reference)
		}
	}
	return strings.Join(refs, ",")
}
