package iommu

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/sigreer/nicbind/internal/device"
	"github.com/sigreer/nicbind/internal/sysfs"
)

// CPU vendors as reported in /proc/cpuinfo
const (
	VendorIntel = "GenuineIntel"
	VendorAMD   = "AuthenticAMD"
)

// SystemStatus summarises whether the host can hand devices to the bypass driver
type SystemStatus struct {
	KernelParams  bool   `json:"kernel_params"`
	ModuleLoaded  bool   `json:"module_loaded"`
	GroupCount    int    `json:"iommu_groups"`
	BypassDevices int    `json:"bypass_devices"`
	CPUVendor     string `json:"cpu_vendor"`
}

// IOMMUActive reports whether the kernel exposes any isolation groups
func (s *SystemStatus) IOMMUActive() bool {
	return s.GroupCount > 0
}

// Issue is a problem found by Check with a suggested fix
type Issue struct {
	Kind        IssueKind `json:"kind"`
	Description string    `json:"description"`
	Fix         string    `json:"fix"`
}

// IssueKind identifies an Issue
type IssueKind string

const (
	IssueKernelParams IssueKind = "kernel_params"
	IssueModule       IssueKind = "module_not_loaded"
	IssueNoGroups     IssueKind = "no_iommu_groups"
)

// Inspector gathers SystemStatus
type Inspector struct {
	fs           *sysfs.FS
	procRoot     string
	bypassDriver string
	module       string

	cpuInfo func(context.Context) ([]cpu.InfoStat, error)
}

// NewInspector returns an Inspector. module is the name passed to modprobe.
func NewInspector(fs *sysfs.FS, procRoot, bypassDriver, module string) *Inspector {
	return &Inspector{
		fs:           fs,
		procRoot:     procRoot,
		bypassDriver: bypassDriver,
		module:       module,
		cpuInfo:      cpu.InfoWithContext,
	}
}

// Status reads the current system state. Only an unreadable kernel command line is an error.
func (i *Inspector) Status(ctx context.Context) (*SystemStatus, error) {
	params, err := i.kernelParams()
	if err != nil {
		return nil, err
	}

	loaded, err := ModuleLoaded(filepath.Join(i.procRoot, "modules"), i.module)
	if err != nil {
		loaded = false
	}

	return &SystemStatus{
		KernelParams:  params,
		ModuleLoaded:  loaded,
		GroupCount:    NewAdvisor(i.fs).GroupCount(),
		BypassDevices: i.bypassDeviceCount(),
		CPUVendor:     i.cpuVendor(ctx),
	}, nil
}

// Check lists the issues preventing bypass binding
func (i *Inspector) Check(ctx context.Context) ([]Issue, error) {
	st, err := i.Status(ctx)
	if err != nil {
		return nil, err
	}
	return Issues(st, i.module), nil
}

// Issues derives the issue list from a status
func Issues(st *SystemStatus, module string) []Issue {
	var issues []Issue
	if !st.KernelParams {
		fix := "add the IOMMU parameters for your CPU to the kernel command line and reboot"
		if params, err := RequiredParams(st.CPUVendor); err == nil {
			fix = fmt.Sprintf("add %q to the kernel command line and reboot", strings.Join(params, " "))
		}
		issues = append(issues, Issue{
			Kind:        IssueKernelParams,
			Description: "IOMMU is not enabled in kernel parameters",
			Fix:         fix,
		})
	}
	if !st.ModuleLoaded {
		issues = append(issues, Issue{
			Kind:        IssueModule,
			Description: "bypass driver module is not loaded",
			Fix:         "modprobe " + module,
		})
	}
	if st.GroupCount == 0 {
		issues = append(issues, Issue{
			Kind:        IssueNoGroups,
			Description: "no IOMMU groups found",
			Fix:         "enable VT-d (Intel) or AMD-Vi (AMD) in firmware setup",
		})
	}
	return issues
}

// RequiredParams returns the kernel parameters that enable IOMMU passthrough for a CPU vendor
func RequiredParams(vendor string) ([]string, error) {
	switch vendor {
	case VendorIntel:
		return []string{"intel_iommu=on", "iommu=pt"}, nil
	case VendorAMD:
		return []string{"amd_iommu=on", "iommu=pt"}, nil
	}
	return nil, fmt.Errorf("unknown CPU vendor %q", vendor)
}

func (i *Inspector) kernelParams() (bool, error) {
	data, err := os.ReadFile(filepath.Join(i.procRoot, "cmdline"))
	if err != nil {
		return false, device.NewError("read", "kernel command line", device.ErrIOFailure, err)
	}
	cmdline := string(data)
	iommu := strings.Contains(cmdline, "intel_iommu=on") || strings.Contains(cmdline, "amd_iommu=on")
	return iommu && strings.Contains(cmdline, "iommu=pt"), nil
}

func (i *Inspector) bypassDeviceCount() int {
	entries, err := i.fs.List(i.fs.DriverPath(i.bypassDriver))
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if device.IsAddress(e) {
			n++
		}
	}
	return n
}

func (i *Inspector) cpuVendor(ctx context.Context) string {
	infos, err := i.cpuInfo(ctx)
	if err != nil || len(infos) == 0 {
		return "unknown"
	}
	return infos[0].VendorID
}

// ModuleLoaded reports whether module appears in a /proc/modules style file.
// Dashes in module names are listed as underscores there.
func ModuleLoaded(procModules, module string) (bool, error) {
	f, err := os.Open(procModules)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	want := strings.ReplaceAll(module, "-", "_")
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 0 && fields[0] == want {
			return true, nil
		}
	}
	return false, scanner.Err()
}
