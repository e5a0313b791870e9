package binding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sigreer/nicbind/internal/device"
	"github.com/sigreer/nicbind/internal/identify"
	"github.com/sigreer/nicbind/internal/mapping"
)

// Check is the outcome of comparing one interface against its wanted side
type Check struct {
	Identifier string             `json:"identifier"`
	Want       device.Status      `json:"want"`
	Found      bool               `json:"found"`
	OK         bool               `json:"ok"`
	MatchedAs  identify.MatchType `json:"matched_as,omitempty"`
	Device     *device.Record     `json:"device,omitempty"`
}

// CheckInterfaces verifies that every bypass identifier is BypassBound and
// every kernel identifier is KernelBound. Nothing is written. The error is
// ErrNotFound if anything could not be resolved, else ErrWrongState if
// anything is on the wrong side.
func (e *Engine) CheckInterfaces(bypass, kernel []string) ([]*Check, error) {
	doc, err := e.store.LoadOrInit()
	if err != nil {
		return nil, err
	}

	var checks []*Check
	var missing, wrong []string
	add := func(id string, want device.Status) {
		c := &Check{Identifier: id, Want: want}
		rec, how, err := e.resolver.Lookup(id, doc.Devices.Mappings)
		if err == nil {
			c.Found = true
			c.MatchedAs = how
			c.Device = rec
			c.OK = rec.Status == want
		}
		switch {
		case !c.Found:
			missing = append(missing, id)
		case !c.OK:
			wrong = append(wrong, id)
		}
		checks = append(checks, c)
	}
	for _, id := range bypass {
		add(id, device.BypassBound)
	}
	for _, id := range kernel {
		add(id, device.KernelBound)
	}

	switch {
	case len(missing) > 0:
		return checks, device.NewError("check", strings.Join(missing, ","), device.ErrNotFound, nil)
	case len(wrong) > 0:
		return checks, device.NewError("check", strings.Join(wrong, ","), device.ErrWrongState, nil)
	}
	return checks, nil
}

// Ensure binds whichever identifiers are not yet on the bypass driver.
// Unlike Bind it keeps going after a failure and reports every one: the
// error is ErrNotFound if anything could not be resolved, else ErrWrongState
// if anything failed to bind.
func (e *Engine) Ensure(ctx context.Context, identifiers []string) (*BatchResult, error) {
	doc, err := e.store.LoadOrInit()
	if err != nil {
		return nil, err
	}
	if e.opts.AutoLoadModule {
		if err := e.EnsureModule(ctx); err != nil {
			return nil, err
		}
	}

	res := e.newBatch("ensure")
	var missing, failed []string
	for _, id := range identifiers {
		dr, adv, err := e.bindOne(id, doc.Devices.Mappings)
		res.Devices = append(res.Devices, dr)
		if adv != nil {
			res.Advisories = append(res.Advisories, adv)
		}
		e.record(res.BatchID, res.Op, dr)
		switch {
		case errors.Is(err, device.ErrNotFound):
			missing = append(missing, id)
		case err != nil:
			failed = append(failed, id)
		case dr.Name != "":
			res.Discovered[dr.Name] = dr.Address
		}
	}

	var batchErr error
	switch {
	case len(missing) > 0:
		batchErr = device.NewError("ensure", strings.Join(missing, ","), device.ErrNotFound, nil)
	case len(failed) > 0:
		batchErr = device.NewError("ensure", strings.Join(failed, ","), device.ErrWrongState,
			fmt.Errorf("%d device(s) failed to bind", len(failed)))
	}
	return res, e.finish(doc, res, batchErr)
}

// Apply binds every interface the store lists for the bypass side
func (e *Engine) Apply(ctx context.Context, setPermissions bool) (*BatchResult, error) {
	doc, err := e.store.Load()
	if err != nil {
		return nil, err
	}
	if len(doc.Devices.Bypass) == 0 {
		e.log.Info().Msg("no devices configured for the bypass driver")
		return e.newBatch("bind"), nil
	}

	res, err := e.Bind(ctx, doc.Devices.Bypass)
	if err != nil {
		return res, err
	}
	if setPermissions {
		if err := e.SetPermissions(); err != nil {
			return res, err
		}
	}
	return res, nil
}

// SaveSelection records which interfaces belong on each side, together with
// their current addresses. Every name must resolve.
func (e *Engine) SaveSelection(bypass, kernel []string) (*mapping.Document, error) {
	doc, err := e.store.LoadOrInit()
	if err != nil {
		return nil, err
	}

	discovered := mapping.Mapping{}
	for _, id := range append(append([]string(nil), bypass...), kernel...) {
		rec, _, err := e.resolver.Lookup(id, doc.Devices.Mappings)
		if err != nil {
			return nil, err
		}
		if !device.IsAddress(id) {
			discovered[id] = rec.Address
		}
	}

	doc.Devices.Bypass = bypass
	doc.Devices.Kernel = kernel
	doc.Devices.Mappings = mapping.Merge(doc.Devices.Mappings, discovered)
	if err := e.store.Save(doc); err != nil {
		return nil, device.NewError("save", e.store.Path(), device.ErrIOFailure, err)
	}
	return doc, nil
}

// Update merges the names of all kernel-owned network devices into the store
func (e *Engine) Update() (mapping.Mapping, error) {
	doc, err := e.store.LoadOrInit()
	if err != nil {
		return nil, err
	}
	records, err := e.resolver.Enumerate(doc.Devices.Mappings)
	if err != nil {
		return nil, err
	}

	discovered := mapping.Mapping{}
	for _, rec := range records {
		if rec.Interface != "" {
			discovered[rec.Interface] = rec.Address
		}
	}
	if err := e.commit(doc, discovered); err != nil {
		return nil, err
	}
	return discovered, nil
}

// Problem is one finding of Validate
type Problem struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"pci_address,omitempty"`
	Reason  string `json:"reason"`
}

// Validate compares the store against the hardware present now
func (e *Engine) Validate() ([]Problem, error) {
	doc, err := e.store.Load()
	if err != nil {
		return nil, err
	}
	names := doc.Devices.Mappings

	var problems []Problem
	sides := map[string]string{}
	for _, list := range []struct {
		side  string
		names []string
	}{{"bypass", doc.Devices.Bypass}, {"kernel", doc.Devices.Kernel}} {
		for _, name := range list.names {
			if prev, ok := sides[name]; ok && prev != list.side {
				problems = append(problems, Problem{Name: name, Reason: "listed for both bypass and kernel"})
			}
			sides[name] = list.side
			if _, _, err := e.resolver.Lookup(name, names); err != nil {
				problems = append(problems, Problem{Name: name, Reason: "not present (" + list.side + ")"})
			}
		}
	}

	for _, name := range names.Names() {
		addr := names[name]
		if !e.fs.Exists(e.fs.DevicePath(addr)) {
			problems = append(problems, Problem{Name: name, Address: addr, Reason: "mapped address not on the bus"})
		}
	}
	return problems, nil
}
