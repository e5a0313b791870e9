// Package binding moves network devices between their kernel driver and the
// bypass driver by writing to sysfs.
//
// Every write has a visible effect on the kernel and none can be undone, so
// each step re-reads the device state instead of trusting an earlier
// observation. Batches stop at the first hard failure but keep whatever
// mappings earlier devices produced.
package binding

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sigreer/nicbind/internal/device"
	"github.com/sigreer/nicbind/internal/identify"
	"github.com/sigreer/nicbind/internal/iommu"
	"github.com/sigreer/nicbind/internal/mapping"
	"github.com/sigreer/nicbind/internal/sysfs"
)

// Options configures an Engine
type Options struct {
	BypassDriver   string
	Module         string        // passed to modprobe
	ProcRoot       string        // where modules is read from
	DevRoot        string        // where vfio device nodes live
	Settle         time.Duration // wait after reprobe before reading interface names
	AutoLoadModule bool
}

// Recorder receives one event per device touched by a batch. db.DB implements it.
type Recorder interface {
	RecordEvent(batchID, eventType, address, name, oldState, newState string, details map[string]interface{}) error
}

// Engine runs bind and unbind batches
type Engine struct {
	fs       *sysfs.FS
	resolver *identify.Resolver
	advisor  *iommu.Advisor
	store    *mapping.Store
	runner   Runner
	history  Recorder
	opts     Options
	log      zerolog.Logger

	sleep   func(context.Context, time.Duration) error
	batchID func() string
}

// New returns an Engine. store is loaded at the start of every batch and
// saved at its end; the engine keeps nothing between batches.
func New(fs *sysfs.FS, store *mapping.Store, runner Runner, opts Options, log zerolog.Logger) *Engine {
	if opts.BypassDriver == "" {
		opts.BypassDriver = "vfio-pci"
	}
	if opts.Module == "" {
		opts.Module = opts.BypassDriver
	}
	return &Engine{
		fs:       fs,
		resolver: identify.NewResolver(fs, opts.BypassDriver, log),
		advisor:  iommu.NewAdvisor(fs),
		store:    store,
		runner:   runner,
		opts:     opts,
		log:      log,
		sleep:    sleepContext,
		batchID:  uuid.NewString,
	}
}

// WithRecorder makes the engine log every transition to r
func (e *Engine) WithRecorder(r Recorder) *Engine {
	e.history = r
	return e
}

// Resolver exposes the resolver the engine uses
func (e *Engine) Resolver() *identify.Resolver {
	return e.resolver
}

// Outcome says what happened to one device in a batch
type Outcome string

const (
	OutcomeBound        Outcome = "bound"
	OutcomeAlreadyBound Outcome = "already_bound"
	OutcomeUnbound      Outcome = "unbound"
	OutcomeNotBypass    Outcome = "not_bypass"
	OutcomeAbsent       Outcome = "absent"
	OutcomeFailed       Outcome = "failed"
)

// DeviceResult is the result for one identifier of a batch
type DeviceResult struct {
	Identifier string             `json:"identifier"`
	Address    string             `json:"pci_address,omitempty"`
	Name       string             `json:"name,omitempty"`
	MatchedAs  identify.MatchType `json:"matched_as,omitempty"`
	Before     device.Status      `json:"before"`
	After      device.Status      `json:"after"`
	Driver     string             `json:"driver,omitempty"`
	Outcome    Outcome            `json:"outcome"`
	Err        error              `json:"-"`
	Error      string             `json:"error,omitempty"`
}

func (r *DeviceResult) fail(err error) error {
	r.Outcome = OutcomeFailed
	r.Err = err
	r.Error = err.Error()
	return err
}

// BatchResult collects the per-device results of one batch
type BatchResult struct {
	BatchID    string            `json:"batch_id"`
	Op         string            `json:"op"`
	Devices    []*DeviceResult   `json:"devices"`
	Advisories []*iommu.Advisory `json:"advisories,omitempty"`
	Discovered mapping.Mapping   `json:"discovered,omitempty"`
}

// Failed returns the results that ended in failure
func (b *BatchResult) Failed() []*DeviceResult {
	var failed []*DeviceResult
	for _, d := range b.Devices {
		if d.Outcome == OutcomeFailed {
			failed = append(failed, d)
		}
	}
	return failed
}

func (e *Engine) newBatch(op string) *BatchResult {
	return &BatchResult{BatchID: e.batchID(), Op: op, Discovered: mapping.Mapping{}}
}

// commit merges discovered into the loaded document and saves it
func (e *Engine) commit(doc *mapping.Document, discovered mapping.Mapping) error {
	if len(discovered) == 0 {
		return nil
	}
	doc.Devices.Mappings = mapping.Merge(doc.Devices.Mappings, discovered)
	if err := e.store.Save(doc); err != nil {
		return device.NewError("save mappings", e.store.Path(), device.ErrIOFailure, err)
	}
	e.log.Debug().Int("entries", len(discovered)).Str("store", e.store.Path()).Msg("mappings saved")
	return nil
}

// finish commits and folds a save failure into the batch error
func (e *Engine) finish(doc *mapping.Document, res *BatchResult, batchErr error) error {
	if err := e.commit(doc, res.Discovered); err != nil {
		return errors.Join(batchErr, err)
	}
	return batchErr
}

func (e *Engine) record(batchID, op string, r *DeviceResult) {
	if e.history == nil {
		return
	}
	details := map[string]interface{}{
		"identifier": r.Identifier,
		"outcome":    string(r.Outcome),
	}
	if r.MatchedAs != "" {
		details["matched_as"] = string(r.MatchedAs)
	}
	if r.Error != "" {
		details["error"] = r.Error
	}
	if r.Driver != "" {
		details["driver"] = r.Driver
	}
	if err := e.history.RecordEvent(batchID, op, r.Address, r.Name, stateName(r.Before), stateName(r.After), details); err != nil {
		e.log.Warn().Err(err).Str("address", r.Address).Msg("failed to record history")
	}
}

// stateName is the history form of s; states never observed are left empty
func stateName(s device.Status) string {
	if s == device.StatusUnknown {
		return ""
	}
	return s.String()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
