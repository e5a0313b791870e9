package device

import (
	"fmt"
	"regexp"
	"strings"
)

// NetworkClassPrefix is the PCI class code prefix of network controllers.
const NetworkClassPrefix = "0x02"

// Record is a snapshot of one network device, built fresh on every resolution.
type Record struct {
	Address    string    `json:"pci_address"`
	Interface  string    `json:"interface,omitempty"`
	KnownAs    string    `json:"known_as,omitempty"` // last mapped name while no kernel driver owns the device
	Driver     string    `json:"driver,omitempty"`
	IOMMUGroup *int      `json:"iommu_group,omitempty"`
	VendorID   string    `json:"vendor_id"`
	DeviceID   string    `json:"device_id"`
	Status     Status    `json:"status"`
	LinkSpeed  LinkSpeed `json:"link_speed"`
	MaxSpeed   string    `json:"max_speed"`
}

// DisplayName is the name used for sorting and display: the live interface
// name, else the last mapped name, else the bracketed address.
func (r *Record) DisplayName() string {
	if r.Interface != "" {
		return r.Interface
	}
	if r.KnownAs != "" {
		return r.KnownAs
	}
	return "(" + r.Address + ")"
}

// VendorDevice returns "vendor:device" without 0x prefixes, the lspci -n form.
func (r *Record) VendorDevice() string {
	return fmt.Sprintf("%s:%s", trimHex(r.VendorID), trimHex(r.DeviceID))
}

// NewIDValue is the value written to a driver's new_id attribute.
func (r *Record) NewIDValue() string {
	return fmt.Sprintf("%s %s", trimHex(r.VendorID), trimHex(r.DeviceID))
}

func trimHex(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	return strings.TrimPrefix(s, "0x")
}

var (
	fullAddress  = regexp.MustCompile(`^[0-9a-fA-F]{4}:[0-9a-fA-F]{2}:[0-9a-fA-F]{2}\.[0-7]$`)
	shortAddress = regexp.MustCompile(`^[0-9a-fA-F]{2}:[0-9a-fA-F]{2}\.[0-7]$`)
)

// IsAddress reports whether s is a PCI address in DDDD:BB:DD.F or BB:DD.F form.
func IsAddress(s string) bool {
	return fullAddress.MatchString(s) || shortAddress.MatchString(s)
}

// NormalizeAddress lower-cases an address and adds the 0000 domain to the short form.
// It returns false if s is not an address.
func NormalizeAddress(s string) (string, bool) {
	switch {
	case fullAddress.MatchString(s):
		return strings.ToLower(s), true
	case shortAddress.MatchString(s):
		return "0000:" + strings.ToLower(s), true
	}
	return "", false
}

// IsNetworkClass reports whether a class attribute value is a network controller.
func IsNetworkClass(class string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(class)), NetworkClassPrefix)
}
