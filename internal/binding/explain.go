package binding

import (
	"fmt"

	"github.com/sigreer/nicbind/internal/device"
)

// Explanation lists the steps bind and unbind would take for one device
type Explanation struct {
	Bind   []string `json:"bind"`
	Unbind []string `json:"unbind"`
}

// Explain describes what Bind and Unbind would do to rec without doing it.
// others are the device's iommu group co-members.
func (e *Engine) Explain(rec *device.Record, others []string) *Explanation {
	drv := e.opts.BypassDriver
	ex := &Explanation{}

	switch rec.Status {
	case device.BypassBound:
		ex.Bind = []string{"nothing to do, already on " + drv}
		ex.Unbind = []string{
			fmt.Sprintf("detach %s from %s", rec.Address, drv),
			"clear driver_override",
			"reprobe so the native driver claims it",
			fmt.Sprintf("wait %s and record the interface name it comes back with", e.opts.Settle),
		}
	case device.KernelBound:
		ex.Bind = []string{
			fmt.Sprintf("detach %s from %s", rec.Address, rec.Driver),
			fmt.Sprintf("register %s with %s", rec.NewIDValue(), drv),
			fmt.Sprintf("attach %s to %s", rec.Address, drv),
		}
		if rec.Interface != "" {
			ex.Bind = append(ex.Bind, fmt.Sprintf("remember %s -> %s", rec.Interface, rec.Address))
		}
		ex.Unbind = []string{"nothing to do, owned by " + rec.Driver}
	default:
		ex.Bind = []string{
			fmt.Sprintf("register %s with %s", rec.NewIDValue(), drv),
			fmt.Sprintf("attach %s to %s", rec.Address, drv),
		}
		ex.Unbind = []string{"nothing to detach, reprobe so a kernel driver can claim it"}
	}

	if len(others) > 0 && rec.Status != device.BypassBound {
		ex.Bind = append(ex.Bind, fmt.Sprintf("warn: iommu group %d is shared with %v", *rec.IOMMUGroup, others))
	}
	return ex
}
