package identify

import (
	"errors"
	"sort"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/sigreer/nicbind/internal/device"
	"github.com/sigreer/nicbind/internal/mapping"
	"github.com/sigreer/nicbind/internal/sysfs"
)

// Resolver turns interface names and PCI addresses into device records.
// Records are read fresh on every call.
type Resolver struct {
	fs           *sysfs.FS
	bypassDriver string
	log          zerolog.Logger

	readSpeed func(path string) (string, error)
}

// NewResolver returns a Resolver treating bypassDriver as the bypass side
func NewResolver(fs *sysfs.FS, bypassDriver string, log zerolog.Logger) *Resolver {
	return &Resolver{
		fs:           fs,
		bypassDriver: bypassDriver,
		log:          log,
		readSpeed:    fs.ReadAttr,
	}
}

// BypassDriver returns the driver this resolver treats as the bypass side
func (r *Resolver) BypassDriver() string {
	return r.bypassDriver
}

// Enumerate returns every network-class PCI function sorted by display name.
// Unreadable devices are skipped; only an unreadable device directory fails.
// names supplies last-known names for devices without a kernel interface and may be nil.
func (r *Resolver) Enumerate(names mapping.Mapping) ([]*device.Record, error) {
	entries, err := r.fs.List(r.fs.DevicesDir())
	if err != nil {
		return nil, device.NewError("enumerate", r.fs.DevicesDir(), device.ErrIOFailure, err)
	}

	var records []*device.Record
	for _, addr := range entries {
		if !r.isNetwork(addr) {
			continue
		}
		rec, err := r.Describe(addr, names)
		if err != nil {
			r.log.Debug().Err(err).Str("address", addr).Msg("skipping unreadable device")
			continue
		}
		records = append(records, rec)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].DisplayName() < records[j].DisplayName()
	})
	return records, nil
}

func (r *Resolver) isNetwork(addr string) bool {
	class, err := r.fs.ReadAttr(r.fs.DevicePath(addr, "class"))
	return err == nil && device.IsNetworkClass(class)
}

// IsNetworkDevice reports whether addr exists and is a network controller
func (r *Resolver) IsNetworkDevice(addr string) bool {
	return r.isNetwork(addr)
}

// Resolve looks up a live interface name or a PCI address. It does not
// consult any history; see Lookup for the full fallback chain.
func (r *Resolver) Resolve(nameOrAddress string) (*device.Record, error) {
	if addr, ok := device.NormalizeAddress(nameOrAddress); ok {
		return r.Describe(addr, nil)
	}
	return r.resolveInterface(nameOrAddress)
}

func (r *Resolver) resolveInterface(name string) (*device.Record, error) {
	if !r.fs.Exists(r.fs.ClassPath("net", name)) {
		return nil, device.NewError("resolve", name, device.ErrNotFound, nil)
	}
	addr, err := r.fs.LinkBase(r.fs.ClassPath("net", name, "device"))
	if err != nil {
		// virtual interfaces (lo, bridges, veth) have no device link
		return nil, device.NewError("resolve", name, device.ErrNotFound, err)
	}
	if _, ok := device.NormalizeAddress(addr); !ok {
		return nil, device.NewError("resolve", name, device.ErrNotFound, nil)
	}

	rec, err := r.Describe(addr, nil)
	if err != nil {
		return nil, err
	}
	if rec.Status == device.KernelBound && rec.Interface != name {
		rec.Interface = name
		rec.LinkSpeed = r.linkSpeed(name, addr)
	}
	return rec, nil
}

// Lookup resolves query through every strategy in turn: PCI address, live
// interface, mapping store, then a scan of the bypass driver's devices.
// Devices owned by the bypass driver have no interface name, so history is
// the only way to find them by name.
func (r *Resolver) Lookup(query string, names mapping.Mapping) (*device.Record, MatchType, error) {
	if addr, ok := device.NormalizeAddress(query); ok {
		rec, err := r.Describe(addr, names)
		return rec, MatchAddress, err
	}

	rec, err := r.resolveInterface(query)
	if err == nil {
		return rec, MatchInterface, nil
	}
	if !errors.Is(err, device.ErrNotFound) {
		return nil, MatchInterface, err
	}

	if addr, ok := names.Lookup(query); ok && r.fs.Exists(r.fs.DevicePath(addr)) {
		rec, err := r.Describe(addr, names)
		if err != nil {
			return nil, MatchMapping, err
		}
		if rec.Interface == "" {
			rec.KnownAs = query
		}
		return rec, MatchMapping, nil
	}

	if addr := r.scanBypass(query, names); addr != "" {
		rec, err := r.Describe(addr, names)
		if err != nil {
			return nil, MatchBypassScan, err
		}
		rec.KnownAs = query
		return rec, MatchBypassScan, nil
	}

	return nil, "", device.NewError("lookup", query, device.ErrNotFound, nil)
}

// scanBypass looks for query among the names previously recorded for each
// device the bypass driver currently holds
func (r *Resolver) scanBypass(query string, names mapping.Mapping) string {
	entries, err := r.fs.List(r.fs.DriverPath(r.bypassDriver))
	if err != nil {
		return ""
	}
	for _, addr := range entries {
		if _, ok := device.NormalizeAddress(addr); !ok {
			continue
		}
		for _, name := range names.NamesFor(addr) {
			if name == query {
				return addr
			}
		}
	}
	return ""
}

// Describe builds a record for addr from its sysfs attributes
func (r *Resolver) Describe(addr string, names mapping.Mapping) (*device.Record, error) {
	if !r.fs.Exists(r.fs.DevicePath(addr)) {
		return nil, device.NewError("describe", addr, device.ErrNotFound, nil)
	}

	vendor, err := r.fs.ReadAttr(r.fs.DevicePath(addr, "vendor"))
	if err != nil {
		return nil, device.NewError("describe", addr, device.ErrIOFailure, err)
	}
	model, err := r.fs.ReadAttr(r.fs.DevicePath(addr, "device"))
	if err != nil {
		return nil, device.NewError("describe", addr, device.ErrIOFailure, err)
	}

	driver, err := r.Driver(addr)
	if err != nil {
		return nil, err
	}

	rec := &device.Record{
		Address:    addr,
		Driver:     driver,
		IOMMUGroup: r.group(addr),
		VendorID:   vendor,
		DeviceID:   model,
		Status:     device.StatusFor(driver, r.bypassDriver),
		LinkSpeed:  device.LinkSpeed{State: device.LinkUnavailable},
		MaxSpeed:   device.MaxSpeed(vendor, model),
	}

	if rec.Status == device.KernelBound {
		if ifaces := r.Interfaces(addr); len(ifaces) > 0 {
			rec.Interface = ifaces[0]
			rec.LinkSpeed = r.linkSpeed(ifaces[0], addr)
		}
	}
	if rec.Interface == "" {
		rec.KnownAs = names.NameFor(addr)
	}
	return rec, nil
}

// Driver returns the driver attached to addr, or "" when none is
func (r *Resolver) Driver(addr string) (string, error) {
	driver, err := r.fs.LinkBase(r.fs.DevicePath(addr, "driver"))
	if err != nil {
		if sysfs.IsNotExist(err) {
			return "", nil
		}
		return "", device.NewError("read driver", addr, device.ErrIOFailure, err)
	}
	return driver, nil
}

// Status re-reads the binding status of addr
func (r *Resolver) Status(addr string) (device.Status, error) {
	driver, err := r.Driver(addr)
	if err != nil {
		return device.StatusUnknown, err
	}
	return device.StatusFor(driver, r.bypassDriver), nil
}

// Interfaces lists the kernel interfaces currently backed by addr
func (r *Resolver) Interfaces(addr string) []string {
	names, err := r.fs.List(r.fs.DevicePath(addr, "net"))
	if err != nil {
		return nil
	}
	return names
}

func (r *Resolver) group(addr string) *int {
	base, err := r.fs.LinkBase(r.fs.DevicePath(addr, "iommu_group"))
	if err != nil {
		return nil
	}
	id, err := strconv.Atoi(base)
	if err != nil {
		return nil
	}
	return &id
}

func (r *Resolver) linkSpeed(iface, addr string) device.LinkSpeed {
	raw, err := r.readSpeed(r.fs.DevicePath(addr, "net", iface, "speed"))
	if err != nil {
		if sysfs.IsInvalid(err) {
			return device.LinkSpeed{State: device.LinkDown}
		}
		return device.LinkSpeed{State: device.LinkUnreadable}
	}
	mbps, err := strconv.Atoi(raw)
	if err != nil {
		return device.LinkSpeed{State: device.LinkUnreadable}
	}
	if mbps <= 0 {
		return device.LinkSpeed{State: device.LinkNoCarrier}
	}
	return device.LinkSpeed{State: device.LinkUp, Mbps: mbps}
}
