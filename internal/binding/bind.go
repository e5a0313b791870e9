package binding

import (
	"context"
	"errors"

	"github.com/sigreer/nicbind/internal/device"
	"github.com/sigreer/nicbind/internal/iommu"
	"github.com/sigreer/nicbind/internal/mapping"
	"github.com/sigreer/nicbind/internal/sysfs"
)

// Bind hands each identifier's device to the bypass driver, in order,
// stopping at the first hard failure. Names resolved for devices that were
// bound before the failure are still saved to the store.
func (e *Engine) Bind(ctx context.Context, identifiers []string) (*BatchResult, error) {
	doc, err := e.store.LoadOrInit()
	if err != nil {
		return nil, err
	}
	if e.opts.AutoLoadModule {
		if err := e.EnsureModule(ctx); err != nil {
			return nil, err
		}
	}

	res := e.newBatch("bind")
	var batchErr error
	for _, id := range identifiers {
		dr, adv, err := e.bindOne(id, doc.Devices.Mappings)
		res.Devices = append(res.Devices, dr)
		if adv != nil {
			res.Advisories = append(res.Advisories, adv)
		}
		e.record(res.BatchID, res.Op, dr)
		if err != nil {
			batchErr = err
			break
		}
		if dr.Name != "" {
			res.Discovered[dr.Name] = dr.Address
		}
	}

	return res, e.finish(doc, res, batchErr)
}

func (e *Engine) bindOne(id string, names mapping.Mapping) (*DeviceResult, *iommu.Advisory, error) {
	dr := &DeviceResult{Identifier: id}

	rec, how, err := e.resolver.Lookup(id, names)
	if err != nil {
		return dr, nil, dr.fail(err)
	}
	addr := rec.Address
	dr.Address = addr
	dr.MatchedAs = how
	dr.Before = rec.Status
	dr.After = rec.Status
	dr.Driver = rec.Driver
	dr.Name = rec.Interface
	if dr.Name == "" {
		dr.Name = rec.KnownAs
	}

	log := e.log.With().Str("identifier", id).Str("address", addr).Logger()

	adv, err := e.advisor.Advise(rec)
	if err != nil {
		log.Debug().Err(err).Msg("iommu group unreadable")
	}
	if adv != nil {
		log.Warn().Int("group", adv.Group).Strs("shared_with", adv.Others).
			Msg("iommu group is shared; bind every member for isolation")
	}

	if rec.Status == device.BypassBound {
		dr.Outcome = OutcomeAlreadyBound
		log.Info().Msg("already on bypass driver")
		return dr, adv, nil
	}

	if rec.Status == device.KernelBound {
		// the driver may have let go already; state is re-read below
		if err := e.fs.Write(e.fs.DevicePath(addr, "driver", "unbind"), addr); err != nil {
			log.Debug().Err(err).Str("driver", rec.Driver).Msg("detach failed, ignored")
		}
	}

	// fails when the id is already registered; a fresh registration can
	// attach the device on its own
	if err := e.fs.Write(e.fs.DriverPath(e.opts.BypassDriver, "new_id"), rec.NewIDValue()); err != nil {
		log.Debug().Err(err).Msg("new_id registration failed, ignored")
	}

	status, err := e.resolver.Status(addr)
	if err != nil {
		return dr, adv, dr.fail(err)
	}
	if status != device.BypassBound {
		if err := e.attach(addr); err != nil {
			return dr, adv, dr.fail(err)
		}
	}

	status, err = e.resolver.Status(addr)
	if err != nil {
		return dr, adv, dr.fail(err)
	}
	if status != device.BypassBound {
		return dr, adv, dr.fail(device.NewError("bind", addr, device.ErrIOFailure,
			errors.New("device did not attach to "+e.opts.BypassDriver)))
	}

	dr.After = device.BypassBound
	dr.Driver = e.opts.BypassDriver
	dr.Outcome = OutcomeBound
	log.Info().Str("from", rec.Driver).Msg("bound to bypass driver")
	return dr, adv, nil
}

// attach writes the bind request. EBUSY is only an error if the device is
// still not on the bypass driver afterwards.
func (e *Engine) attach(addr string) error {
	err := e.fs.Write(e.fs.DriverPath(e.opts.BypassDriver, "bind"), addr)
	if err == nil {
		return nil
	}
	if !sysfs.IsBusy(err) {
		return device.NewError("bind", addr, device.ErrIOFailure, err)
	}

	status, rerr := e.resolver.Status(addr)
	if rerr == nil && status == device.BypassBound {
		e.log.Debug().Str("address", addr).Msg("bind raced with automatic attach")
		return nil
	}
	return device.NewError("bind", addr, device.ErrDriverBusy, err)
}
