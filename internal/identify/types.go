package identify

import "github.com/sigreer/nicbind/internal/device"

// MatchType describes which strategy resolved a query
type MatchType string

const (
	MatchAddress    MatchType = "pci_address"
	MatchInterface  MatchType = "interface"
	MatchMapping    MatchType = "mapping"
	MatchBypassScan MatchType = "bypass_scan"
)

// LookupResult is what the CLI prints for a resolved query
type LookupResult struct {
	Query     string         `json:"query"`
	MatchedAs MatchType      `json:"matched_as"`
	Device    *device.Record `json:"device"`
	// GroupMembers lists the other addresses sharing the device's iommu group
	GroupMembers []string `json:"group_members,omitempty"`
}
