package identify

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sigreer/nicbind/internal/device"
)

// PrintJSON writes v as indented JSON
func PrintJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// PrintList writes one line per device
func PrintList(w io.Writer, records []*device.Record, verbose bool) {
	if verbose {
		fmt.Fprintf(w, "%-18s %-14s %-10s %-12s %-6s %-11s %-8s %s\n",
			"INTERFACE", "PCI ADDRESS", "ID", "DRIVER", "GROUP", "SPEED", "MAX", "STATUS")
		fmt.Fprintln(w, strings.Repeat("-", 96))
	} else {
		fmt.Fprintf(w, "%-18s %-14s %-12s %-11s %s\n", "INTERFACE", "PCI ADDRESS", "DRIVER", "SPEED", "STATUS")
		fmt.Fprintln(w, strings.Repeat("-", 66))
	}

	for _, r := range records {
		driver := r.Driver
		if driver == "" {
			driver = "-"
		}
		if verbose {
			fmt.Fprintf(w, "%-18s %-14s %-10s %-12s %-6s %-11s %-8s %s\n",
				r.DisplayName(), r.Address, r.VendorDevice(), driver, groupString(r.IOMMUGroup),
				r.LinkSpeed, r.MaxSpeed, r.Status)
			continue
		}
		fmt.Fprintf(w, "%-18s %-14s %-12s %-11s %s\n", r.DisplayName(), r.Address, driver, r.LinkSpeed, r.Status)
	}
}

// PrintTable writes a single lookup result as label/value rows
func PrintTable(w io.Writer, result *LookupResult) {
	fmt.Fprintf(w, "Query:      %s\n", result.Query)
	fmt.Fprintf(w, "Matched As: %s\n", result.MatchedAs)
	fmt.Fprintln(w)

	e := result.Device
	printField(w, "Interface", e.Interface)
	printField(w, "Known As", e.KnownAs)
	printField(w, "PCI Address", e.Address)
	printField(w, "Vendor:Device", e.VendorDevice())
	if e.Driver != "" {
		printField(w, "Driver", e.Driver)
	} else {
		printField(w, "Driver", "(none)")
	}
	printField(w, "IOMMU Group", groupString(e.IOMMUGroup))
	for i, m := range result.GroupMembers {
		if i == 0 {
			printField(w, "  Shared With", m)
		} else {
			printField(w, "", m)
		}
	}
	printField(w, "Link Speed", e.LinkSpeed.String())
	printField(w, "Max Speed", e.MaxSpeed)
	printField(w, "Status", e.Status.String())
	if e.Status == device.BypassBound && e.IOMMUGroup != nil {
		printField(w, "Device Node", fmt.Sprintf("/dev/vfio/%d", *e.IOMMUGroup))
	}
}

// PrintQuiet writes only the PCI address
func PrintQuiet(w io.Writer, result *LookupResult) {
	fmt.Fprintln(w, result.Device.Address)
}

// printField prints a field if value is non-empty
func printField(w io.Writer, label, value string) {
	if value != "" {
		fmt.Fprintf(w, "%-20s %s\n", label, value)
	}
}

func groupString(g *int) string {
	if g == nil {
		return "N/A"
	}
	return strconv.Itoa(*g)
}
