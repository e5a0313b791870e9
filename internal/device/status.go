package device

import (
	"fmt"
	"strings"
)

// Status is the binding state of a device, derived from its driver symlink.
// The zero value means the state was never observed.
type Status int

const (
	StatusUnknown Status = iota
	Unbound
	KernelBound
	BypassBound
)

// StatusFor derives the status from the driver currently attached to a device.
// An empty driver means no driver symlink was present.
func StatusFor(driver, bypassDriver string) Status {
	switch {
	case driver == "":
		return Unbound
	case driver == bypassDriver:
		return BypassBound
	default:
		return KernelBound
	}
}

func (s Status) String() string {
	switch s {
	case KernelBound:
		return "kernel"
	case BypassBound:
		return "bypass"
	case Unbound:
		return "unbound"
	default:
		return "unknown"
	}
}

// MarshalText renders the status in JSON output.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the names produced by String.
func (s *Status) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "kernel":
		*s = KernelBound
	case "bypass", "vfio":
		*s = BypassBound
	case "unbound":
		*s = Unbound
	case "unknown":
		*s = StatusUnknown
	default:
		return fmt.Errorf("unknown status %q", string(b))
	}
	return nil
}

// LinkState qualifies an observed link speed.
type LinkState string

const (
	// LinkUp means the kernel reported a positive speed
	LinkUp LinkState = "up"
	// LinkNoCarrier means the interface is up but has no carrier (speed -1)
	LinkNoCarrier LinkState = "no link"
	// LinkDown means the interface is administratively down (reading speed gives EINVAL)
	LinkDown LinkState = "down"
	// LinkUnreadable means speed could not be read or parsed
	LinkUnreadable LinkState = "?"
	// LinkUnavailable means no kernel driver owns the device, so there is nothing to observe
	LinkUnavailable LinkState = "unavailable"
)

// LinkSpeed is an observed link speed in Mb/s with its state.
type LinkSpeed struct {
	State LinkState
	Mbps  int
}

func (l LinkSpeed) String() string {
	if l.State != LinkUp {
		if l.State == "" {
			return string(LinkUnavailable)
		}
		return string(l.State)
	}
	if l.Mbps >= 1000 {
		return fmt.Sprintf("%dG", l.Mbps/1000)
	}
	return fmt.Sprintf("%dM", l.Mbps)
}

// MarshalText renders the speed in JSON output.
func (l LinkSpeed) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}
