package device

import "strings"

// UnknownSpeed is reported for vendor/device pairs missing from the table.
const UnknownSpeed = "unknown"

type pciID struct {
	vendor string
	device string
}

// maxSpeeds holds the nominal port speed of common NICs.
var maxSpeeds = map[pciID]string{
	// Intel XXV710
	{"0x8086", "0x158a"}: "25G",
	{"0x8086", "0x158b"}: "25G",
	// Intel X710 / XL710
	{"0x8086", "0x1572"}: "10G",
	{"0x8086", "0x1580"}: "10G",
	{"0x8086", "0x1581"}: "10G",
	{"0x8086", "0x1585"}: "10G",
	{"0x8086", "0x1586"}: "10G",
	{"0x8086", "0x1589"}: "10G",
	{"0x8086", "0x1583"}: "40G",
	{"0x8086", "0x1584"}: "40G",
	// Intel E810
	{"0x8086", "0x1591"}: "100G",
	{"0x8086", "0x1592"}: "100G",
	{"0x8086", "0x1593"}: "100G",
	{"0x8086", "0x159b"}: "25G",
	// Intel 82599
	{"0x8086", "0x10fb"}: "10G",
	{"0x8086", "0x10fc"}: "10G",
	// Intel X540 / X550
	{"0x8086", "0x1528"}: "10G",
	{"0x8086", "0x1563"}: "10G",
	{"0x8086", "0x15ac"}: "10G",
	{"0x8086", "0x15ad"}: "10G",
	{"0x8086", "0x15ff"}: "10G",
	// Intel I350
	{"0x8086", "0x1521"}: "1G",
	{"0x8086", "0x1522"}: "1G",
	{"0x8086", "0x1523"}: "1G",
	{"0x8086", "0x1524"}: "1G",
	// Intel 82576
	{"0x8086", "0x10c9"}: "1G",
	{"0x8086", "0x10e6"}: "1G",
	{"0x8086", "0x10e7"}: "1G",
	{"0x8086", "0x10e8"}: "1G",
	// Intel 82580
	{"0x8086", "0x150e"}: "1G",
	{"0x8086", "0x150f"}: "1G",
	{"0x8086", "0x1510"}: "1G",
	{"0x8086", "0x1511"}: "1G",
	// Mellanox ConnectX-3
	{"0x15b3", "0x1003"}: "40G",
	{"0x15b3", "0x1007"}: "40G",
	// Mellanox ConnectX-4 and later
	{"0x15b3", "0x1013"}: "100G",
	{"0x15b3", "0x1014"}: "100G",
	{"0x15b3", "0x1015"}: "100G",
	{"0x15b3", "0x1016"}: "100G",
	{"0x15b3", "0x1017"}: "50G",
	{"0x15b3", "0x1018"}: "100G",
	{"0x15b3", "0x1019"}: "40G",
	{"0x15b3", "0x101a"}: "40G",
	{"0x15b3", "0x101b"}: "40G",
	{"0x15b3", "0x101c"}: "40G",
	{"0x15b3", "0x101d"}: "25G",
	{"0x15b3", "0x101e"}: "100G",
	{"0x15b3", "0x101f"}: "25G",
	// Broadcom NetXtreme-E
	{"0x14e4", "0x16d7"}: "25G",
	{"0x14e4", "0x16d8"}: "25G",
	{"0x14e4", "0x16dc"}: "100G",
	{"0x14e4", "0x16e1"}: "50G",
	{"0x14e4", "0x16e2"}: "50G",
	{"0x14e4", "0x16e3"}: "50G",
	// Chelsio T5/T6
	{"0x1425", "0x5400"}: "10G",
	{"0x1425", "0x5401"}: "10G",
	{"0x1425", "0x5410"}: "40G",
	{"0x1425", "0x5411"}: "40G",
	{"0x1425", "0x5680"}: "100G",
	{"0x1425", "0x5681"}: "100G",
	// Solarflare
	{"0x1924", "0x0803"}: "10G",
	{"0x1924", "0x0813"}: "10G",
	{"0x1924", "0x0903"}: "40G",
	// QLogic
	{"0x1077", "0x8070"}: "10G",
	{"0x1077", "0x8090"}: "40G",
}

// MaxSpeed returns the nominal maximum speed for a vendor/device pair, or
// UnknownSpeed. IDs are matched case-insensitively, with or without 0x.
func MaxSpeed(vendorID, deviceID string) string {
	if s, ok := maxSpeeds[pciID{normalizeID(vendorID), normalizeID(deviceID)}]; ok {
		return s
	}
	return UnknownSpeed
}

func normalizeID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if !strings.HasPrefix(id, "0x") {
		id = "0x" + id
	}
	return id
}
