package mapping

import "sort"

// Mapping is name -> PCI address
type Mapping map[string]string

// Merge returns existing overlaid with discovered. Entries of existing are
// never dropped, even when their address is absent from discovered.
func Merge(existing, discovered Mapping) Mapping {
	out := make(Mapping, len(existing)+len(discovered))
	for name, addr := range existing {
		out[name] = addr
	}
	for name, addr := range discovered {
		out[name] = addr
	}
	return out
}

// Lookup returns the address recorded for name
func (m Mapping) Lookup(name string) (string, bool) {
	addr, ok := m[name]
	return addr, ok
}

// NamesFor returns every name recorded for addr, sorted
func (m Mapping) NamesFor(addr string) []string {
	var names []string
	for name, a := range m {
		if a == addr {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// NameFor returns one name recorded for addr, the lexically first when there
// are several, or "" when there is none
func (m Mapping) NameFor(addr string) string {
	if names := m.NamesFor(addr); len(names) > 0 {
		return names[0]
	}
	return ""
}

// Names returns all recorded names, sorted
func (m Mapping) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
