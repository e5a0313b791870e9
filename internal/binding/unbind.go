package binding

import (
	"context"
	"errors"

	"github.com/sigreer/nicbind/internal/device"
	"github.com/sigreer/nicbind/internal/mapping"
)

// Unbind returns each identifier's device to the kernel. Addresses are used
// directly; names go through the resolver's fallback chain. Devices not on
// the bypass driver are left alone. Every device detached by the batch is
// reprobed, even when a later identifier fails, so none is left driverless.
func (e *Engine) Unbind(ctx context.Context, identifiers []string) (*BatchResult, error) {
	doc, err := e.store.LoadOrInit()
	if err != nil {
		return nil, err
	}

	res := e.newBatch("unbind")
	var batchErr error
	var probe []*DeviceResult
	for _, id := range identifiers {
		dr, err := e.unbindOne(id, doc.Devices.Mappings)
		res.Devices = append(res.Devices, dr)
		if err != nil {
			e.record(res.BatchID, res.Op, dr)
			batchErr = err
			break
		}
		switch {
		case dr.Outcome == OutcomeUnbound:
			probe = append(probe, dr)
		case dr.Outcome == OutcomeNotBypass && dr.Before == device.Unbound:
			// driverless already; reprobe so a kernel driver can claim it
			probe = append(probe, dr)
		default:
			e.record(res.BatchID, res.Op, dr)
		}
	}

	e.restore(ctx, res, probe)
	return res, e.finish(doc, res, batchErr)
}

func (e *Engine) unbindOne(id string, names mapping.Mapping) (*DeviceResult, error) {
	dr := &DeviceResult{Identifier: id}

	if addr, ok := device.NormalizeAddress(id); ok {
		dr.Address = addr
		dr.Name = names.NameFor(addr)
		if !e.fs.Exists(e.fs.DevicePath(addr)) {
			dr.Outcome = OutcomeAbsent
			e.log.Info().Str("address", addr).Msg("no such device, nothing to unbind")
			return dr, nil
		}
		driver, err := e.resolver.Driver(addr)
		if err != nil {
			return dr, dr.fail(err)
		}
		dr.Driver = driver
		dr.Before = device.StatusFor(driver, e.opts.BypassDriver)
	} else {
		rec, how, err := e.resolver.Lookup(id, names)
		if err != nil {
			return dr, dr.fail(err)
		}
		dr.Address = rec.Address
		dr.MatchedAs = how
		dr.Driver = rec.Driver
		dr.Before = rec.Status
		dr.Name = rec.Interface
		if dr.Name == "" {
			dr.Name = rec.KnownAs
		}
	}
	dr.After = dr.Before

	log := e.log.With().Str("identifier", id).Str("address", dr.Address).Logger()

	if dr.Before != device.BypassBound {
		dr.Outcome = OutcomeNotBypass
		log.Info().Str("status", dr.Before.String()).Msg("not on bypass driver, nothing to unbind")
		return dr, nil
	}

	if err := e.detach(dr.Address); err != nil {
		return dr, dr.fail(err)
	}
	dr.After = device.Unbound
	dr.Driver = ""
	dr.Outcome = OutcomeUnbound
	log.Info().Msg("detached from bypass driver")
	return dr, nil
}

// detach writes the unbind request and confirms the bypass driver let go.
// A failed write is fine if someone else detached the device meanwhile.
func (e *Engine) detach(addr string) error {
	werr := e.fs.Write(e.fs.DevicePath(addr, "driver", "unbind"), addr)

	status, err := e.resolver.Status(addr)
	if err != nil {
		return err
	}
	if status == device.BypassBound {
		if werr == nil {
			werr = errors.New("device still attached after unbind")
		}
		return device.NewError("unbind", addr, device.ErrIOFailure, werr)
	}
	if werr != nil {
		e.log.Debug().Err(werr).Str("address", addr).Msg("unbind write failed but device is detached")
	}
	return nil
}

// UnbindAll detaches every network device held by the bypass driver and
// hands them back to the kernel. An unreadable driver directory means there
// is nothing to do. Detach failures are reported per device and do not stop
// the others.
func (e *Engine) UnbindAll(ctx context.Context) (*BatchResult, error) {
	doc, err := e.store.LoadOrInit()
	if err != nil {
		return nil, err
	}

	res := e.newBatch("unbind_all")
	entries, err := e.fs.List(e.fs.DriverPath(e.opts.BypassDriver))
	if err != nil {
		e.log.Info().Err(err).Str("driver", e.opts.BypassDriver).Msg("bypass driver directory unreadable, nothing to do")
		return res, nil
	}

	var probe []*DeviceResult
	for _, addr := range entries {
		if !device.IsAddress(addr) || !e.resolver.IsNetworkDevice(addr) {
			continue
		}
		dr := &DeviceResult{
			Identifier: addr,
			Address:    addr,
			Name:       doc.Devices.Mappings.NameFor(addr),
			Before:     device.BypassBound,
			After:      device.BypassBound,
			Driver:     e.opts.BypassDriver,
		}
		res.Devices = append(res.Devices, dr)

		if err := e.detach(addr); err != nil {
			dr.fail(err)
			e.log.Warn().Err(err).Str("address", addr).Msg("failed to detach")
			e.record(res.BatchID, res.Op, dr)
			continue
		}
		dr.After = device.Unbound
		dr.Driver = ""
		dr.Outcome = OutcomeUnbound
		probe = append(probe, dr)
	}

	e.restore(ctx, res, probe)
	return res, e.finish(doc, res, nil)
}

// restore clears the driver override of every device, asks the kernel to
// reprobe them, waits for the settle interval and collects the interface
// names that came back into res.Discovered.
func (e *Engine) restore(ctx context.Context, res *BatchResult, devices []*DeviceResult) {
	if len(devices) == 0 {
		return
	}

	for _, dr := range devices {
		// a leftover override would steer the device back to the bypass
		// driver; kernels without driver_override reject the write
		if err := e.fs.Write(e.fs.DevicePath(dr.Address, "driver_override"), "\n"); err != nil {
			e.log.Debug().Err(err).Str("address", dr.Address).Msg("driver_override not cleared")
		}
	}
	for _, dr := range devices {
		if err := e.fs.Write(e.fs.ProbePath(), dr.Address); err != nil {
			e.log.Warn().Err(err).Str("address", dr.Address).Msg("reprobe request failed")
		}
	}

	if err := e.sleep(ctx, e.opts.Settle); err != nil {
		e.log.Warn().Err(err).Msg("settle wait interrupted, interface names may be incomplete")
	}

	for _, dr := range devices {
		driver, err := e.resolver.Driver(dr.Address)
		if err == nil {
			dr.Driver = driver
			dr.After = device.StatusFor(driver, e.opts.BypassDriver)
		}
		ifaces := e.resolver.Interfaces(dr.Address)
		for _, name := range ifaces {
			res.Discovered[name] = dr.Address
		}
		if len(ifaces) > 0 {
			dr.Name = ifaces[0]
		}
		if dr.Outcome == OutcomeNotBypass && dr.After == device.KernelBound {
			e.log.Info().Str("address", dr.Address).Str("driver", driver).Msg("unbound device claimed by kernel driver")
		}
		e.record(res.BatchID, res.Op, dr)
	}
}
