// Package iommu reads isolation group membership and overall IOMMU readiness.
package iommu

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sigreer/nicbind/internal/device"
	"github.com/sigreer/nicbind/internal/sysfs"
)

// Advisor answers which addresses share a device's isolation group
type Advisor struct {
	fs *sysfs.FS
}

// NewAdvisor returns an Advisor reading from fs
func NewAdvisor(fs *sysfs.FS) *Advisor {
	return &Advisor{fs: fs}
}

// Members lists every address in group, sorted
func (a *Advisor) Members(group int) ([]string, error) {
	dir := a.fs.GroupDevicesDir(group)
	members, err := a.fs.List(dir)
	if err != nil {
		if sysfs.IsNotExist(err) {
			return nil, device.NewError("iommu group", fmt.Sprint(group), device.ErrNotFound, nil)
		}
		return nil, device.NewError("iommu group", fmt.Sprint(group), device.ErrIOFailure, err)
	}
	sort.Strings(members)
	return members, nil
}

// Others lists the members of the device's group other than the device itself.
// Devices without a group have no co-members.
func (a *Advisor) Others(rec *device.Record) ([]string, error) {
	if rec.IOMMUGroup == nil {
		return nil, nil
	}
	members, err := a.Members(*rec.IOMMUGroup)
	if err != nil {
		return nil, err
	}
	others := make([]string, 0, len(members))
	for _, m := range members {
		if m != rec.Address {
			others = append(others, m)
		}
	}
	return others, nil
}

// Advisory reports a device whose isolation group is shared. It never blocks an operation.
type Advisory struct {
	Address string   `json:"pci_address"`
	Group   int      `json:"iommu_group"`
	Others  []string `json:"shared_with"`
}

func (a *Advisory) String() string {
	return fmt.Sprintf("%s shares iommu group %d with %s", a.Address, a.Group, strings.Join(a.Others, ", "))
}

// Err wraps the advisory as an ErrGroupConflict for callers that collect errors
func (a *Advisory) Err() error {
	return device.NewError("iommu group", a.Address, device.ErrGroupConflict, fmt.Errorf("%s", a))
}

// Advise returns an Advisory when rec's group has other members, nil otherwise
func (a *Advisor) Advise(rec *device.Record) (*Advisory, error) {
	others, err := a.Others(rec)
	if err != nil || len(others) == 0 {
		return nil, err
	}
	return &Advisory{Address: rec.Address, Group: *rec.IOMMUGroup, Others: others}, nil
}

// GroupCount returns how many isolation groups the kernel exposes
func (a *Advisor) GroupCount() int {
	groups, err := a.fs.List(a.fs.GroupsDir())
	if err != nil {
		return 0
	}
	return len(groups)
}
