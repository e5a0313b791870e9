package binding

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/sys/unix"

	"github.com/sigreer/nicbind/internal/device"
	"github.com/sigreer/nicbind/internal/identify"
	"github.com/sigreer/nicbind/internal/logger"
	"github.com/sigreer/nicbind/internal/mapping"
	"github.com/sigreer/nicbind/internal/sysfs"
	"github.com/sigreer/nicbind/internal/sysfs/sysfstest"
)

const (
	addrEth0 = "0000:01:00.0"
	addrEth1 = "0000:01:00.1"
	addrMlx  = "0000:02:00.0"
)

type event struct {
	batchID, eventType, address, name, oldState, newState string
	details                                               map[string]interface{}
}

type fakeRecorder struct {
	events []event
	err    error
}

func (f *fakeRecorder) RecordEvent(batchID, eventType, address, name, oldState, newState string, details map[string]interface{}) error {
	f.events = append(f.events, event{batchID, eventType, address, name, oldState, newState, details})
	return f.err
}

type fixture struct {
	tree     *sysfstest.Tree
	kernel   *sysfstest.Kernel
	store    *mapping.Store
	recorder *fakeRecorder
	engine   *Engine
}

// newFixture builds two ixgbe ports sharing group 1 and a mlx5 port alone
// in group 7, all on their kernel drivers.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	tree := sysfstest.New(t)
	tree.AddDriver("vfio-pci")
	tree.AddDevice(sysfstest.Device{
		Address: addrEth0, Vendor: "0x8086", Device: "0x10fb", Driver: "ixgbe",
		Group: sysfstest.Group(1), Interfaces: map[string]string{"eth0": "10000"},
	})
	tree.AddDevice(sysfstest.Device{
		Address: addrEth1, Vendor: "0x8086", Device: "0x10fb", Driver: "ixgbe",
		Group: sysfstest.Group(1), Interfaces: map[string]string{"eth1": "10000"},
	})
	tree.AddDevice(sysfstest.Device{
		Address: addrMlx, Vendor: "0x15b3", Device: "0x101f", Driver: "mlx5_core",
		Group: sysfstest.Group(7), Interfaces: map[string]string{"ens2f0": "25000"},
	})

	kernel := tree.Kernel()
	kernel.Native[addrEth0] = "ixgbe"
	kernel.Native[addrEth1] = "ixgbe"
	kernel.Native[addrMlx] = "mlx5_core"
	kernel.Renames[addrEth0] = "eth0"
	kernel.Renames[addrEth1] = "eth1"
	kernel.Renames[addrMlx] = "ens2f0np0"

	log := logger.NewTestLogger()
	fs := sysfs.New(tree.Root, log).WithWriter(kernel.Write)
	store := mapping.NewStore(filepath.Join(t.TempDir(), "devices.yaml"))
	recorder := &fakeRecorder{}

	e := New(fs, store, nil, Options{ProcRoot: t.TempDir(), DevRoot: t.TempDir()}, log).WithRecorder(recorder)
	e.batchID = func() string { return "batch-1" }
	e.sleep = func(context.Context, time.Duration) error { return nil }

	return &fixture{tree: tree, kernel: kernel, store: store, recorder: recorder, engine: e}
}

// toBypass moves addr onto vfio-pci directly in the tree, outside the engine
func (f *fixture) toBypass(addr string) {
	f.tree.Detach(addr)
	f.tree.Attach(addr, "vfio-pci")
}

func (f *fixture) seedStore(t *testing.T, doc *mapping.Document) {
	t.Helper()
	if doc.Devices.Mappings == nil {
		doc.Devices.Mappings = mapping.Mapping{}
	}
	require.NoError(t, f.store.Save(doc))
}

func (f *fixture) mappings(t *testing.T) mapping.Mapping {
	t.Helper()
	doc, err := f.store.Load()
	require.NoError(t, err)
	return doc.Devices.Mappings
}

func TestBindByInterfaceName(t *testing.T) {
	f := newFixture(t)

	res, err := f.engine.Bind(context.Background(), []string{"eth0"})
	require.NoError(t, err)
	require.Len(t, res.Devices, 1)

	dr := res.Devices[0]
	assert.Equal(t, OutcomeBound, dr.Outcome)
	assert.Equal(t, identify.MatchInterface, dr.MatchedAs)
	assert.Equal(t, device.KernelBound, dr.Before)
	assert.Equal(t, device.BypassBound, dr.After)
	assert.Equal(t, "eth0", dr.Name)
	assert.Equal(t, "vfio-pci", f.tree.Driver(addrEth0))
	assert.Empty(t, f.tree.Interfaces(addrEth0))

	assert.Equal(t, []string{addrEth0}, f.kernel.WritesTo("driver/unbind"))
	assert.Equal(t, []string{"8086 10fb"}, f.kernel.WritesTo("vfio-pci/new_id"))
	assert.Equal(t, []string{addrEth0}, f.kernel.WritesTo("vfio-pci/bind"))

	assert.Equal(t, mapping.Mapping{"eth0": addrEth0}, f.mappings(t))

	require.Len(t, res.Advisories, 1)
	assert.Equal(t, 1, res.Advisories[0].Group)
	assert.Equal(t, []string{addrEth1}, res.Advisories[0].Others)
	assert.Equal(t, "ixgbe", f.tree.Driver(addrEth1), "advisory must not touch the co-member")

	require.Len(t, f.recorder.events, 1)
	ev := f.recorder.events[0]
	assert.Equal(t, "batch-1", ev.batchID)
	assert.Equal(t, "bind", ev.eventType)
	assert.Equal(t, addrEth0, ev.address)
	assert.Equal(t, "kernel", ev.oldState)
	assert.Equal(t, "bypass", ev.newState)
	assert.Equal(t, "bound", ev.details["outcome"])
}

func TestBindByAddressReportsSharedGroup(t *testing.T) {
	f := newFixture(t)

	res, err := f.engine.Bind(context.Background(), []string{addrEth1})
	require.NoError(t, err)
	dr := res.Devices[0]
	assert.Equal(t, identify.MatchAddress, dr.MatchedAs)
	assert.Equal(t, OutcomeBound, dr.Outcome)
	assert.Equal(t, "eth1", dr.Name)

	require.Len(t, res.Advisories, 1)
	adv := res.Advisories[0]
	assert.Equal(t, addrEth1, adv.Address)
	assert.Equal(t, 1, adv.Group)
	assert.Equal(t, []string{addrEth0}, adv.Others)
	assert.Equal(t, "ixgbe", f.tree.Driver(addrEth0))
}

func TestBoundNameStaysReachable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Bind(ctx, []string{"eth0"})
	require.NoError(t, err)
	require.Empty(t, f.tree.Interfaces(addrEth0))
	assert.False(t, f.tree.Exists("class/net/eth0"))

	writes := len(f.kernel.Writes())
	rec, how, err := f.engine.Resolver().Lookup("eth0", f.mappings(t))
	require.NoError(t, err)
	assert.Equal(t, identify.MatchMapping, how)
	assert.Equal(t, addrEth0, rec.Address)
	assert.Equal(t, device.BypassBound, rec.Status)

	res, err := f.engine.Bind(ctx, []string{"eth0"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyBound, res.Devices[0].Outcome)
	assert.Equal(t, identify.MatchMapping, res.Devices[0].MatchedAs)
	assert.Len(t, f.kernel.Writes(), writes, "second bind must not touch sysfs")

	res, err = f.engine.Unbind(ctx, []string{"eth0"})
	require.NoError(t, err)
	assert.Equal(t, identify.MatchMapping, res.Devices[0].MatchedAs)
	assert.Equal(t, OutcomeUnbound, res.Devices[0].Outcome)
	assert.Equal(t, "ixgbe", f.tree.Driver(addrEth0))
	assert.Equal(t, []string{"eth0"}, f.tree.Interfaces(addrEth0))
}

func TestBindUnreadableLiveDevice(t *testing.T) {
	f := newFixture(t)
	f.tree.Remove("bus/pci/devices/" + addrEth0 + "/vendor")

	_, err := f.engine.Bind(context.Background(), []string{"eth0"})
	assert.ErrorIs(t, err, device.ErrIOFailure)
	assert.NotErrorIs(t, err, device.ErrNotFound)
	assert.Empty(t, f.kernel.Writes())
}

func TestBindByStoredName(t *testing.T) {
	f := newFixture(t)
	f.tree.Detach(addrMlx)
	f.seedStore(t, &mapping.Document{Devices: mapping.Devices{
		Mappings: mapping.Mapping{"ens2f0": addrMlx},
	}})

	res, err := f.engine.Bind(context.Background(), []string{"ens2f0"})
	require.NoError(t, err)

	dr := res.Devices[0]
	assert.Equal(t, identify.MatchMapping, dr.MatchedAs)
	assert.Equal(t, device.Unbound, dr.Before)
	assert.Equal(t, OutcomeBound, dr.Outcome)
	assert.Equal(t, "vfio-pci", f.tree.Driver(addrMlx))
	assert.Empty(t, f.kernel.WritesTo("driver/unbind"), "unbound device needs no detach")
	assert.Nil(t, res.Advisories, "group 7 has a single member")
}

func TestBindAlreadyBypassIsNoop(t *testing.T) {
	f := newFixture(t)
	f.toBypass(addrMlx)
	f.seedStore(t, &mapping.Document{Devices: mapping.Devices{
		Mappings: mapping.Mapping{"ens2f0": addrMlx},
	}})

	res, err := f.engine.Bind(context.Background(), []string{"ens2f0", addrMlx})
	require.NoError(t, err)
	require.Len(t, res.Devices, 2)
	for _, dr := range res.Devices {
		assert.Equal(t, OutcomeAlreadyBound, dr.Outcome)
	}
	assert.Empty(t, f.kernel.Writes())
}

func TestBindRacesAutomaticAttach(t *testing.T) {
	f := newFixture(t)
	f.kernel.AutoBind = true

	res, err := f.engine.Bind(context.Background(), []string{"eth0"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeBound, res.Devices[0].Outcome)
	assert.Empty(t, f.kernel.WritesTo("vfio-pci/bind"), "new_id already attached the device")
	assert.Equal(t, "vfio-pci", f.tree.Driver(addrEth0))
}

func TestBindDriverBusy(t *testing.T) {
	f := newFixture(t)
	f.kernel.Busy[addrEth0] = true

	res, err := f.engine.Bind(context.Background(), []string{"eth0"})
	assert.ErrorIs(t, err, device.ErrDriverBusy)
	require.Len(t, res.Devices, 1)
	assert.Equal(t, OutcomeFailed, res.Devices[0].Outcome)
	assert.NotEmpty(t, res.Devices[0].Error)
	assert.Len(t, res.Failed(), 1)
}

func TestBindOtherWriteFailure(t *testing.T) {
	f := newFixture(t)
	f.kernel.Fail["bus/pci/drivers/vfio-pci/bind"] = unix.EIO

	_, err := f.engine.Bind(context.Background(), []string{"eth0"})
	assert.ErrorIs(t, err, device.ErrIOFailure)
	assert.NotErrorIs(t, err, device.ErrDriverBusy)
}

func TestBindStopsAtFirstFailureAndKeepsMappings(t *testing.T) {
	f := newFixture(t)

	res, err := f.engine.Bind(context.Background(), []string{"eth0", "eth9", "ens2f0"})
	require.Error(t, err)
	assert.ErrorIs(t, err, device.ErrNotFound)

	require.Len(t, res.Devices, 2)
	assert.Equal(t, OutcomeBound, res.Devices[0].Outcome)
	assert.Equal(t, OutcomeFailed, res.Devices[1].Outcome)

	assert.Equal(t, "mlx5_core", f.tree.Driver(addrMlx), "identifiers after the failure are untouched")
	assert.Equal(t, mapping.Mapping{"eth0": addrEth0}, f.mappings(t))
}

func TestBindCorruptStoreWritesNothing(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.store.Path(), []byte("devices: [\n"), 0o644))

	res, err := f.engine.Bind(context.Background(), []string{"eth0"})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, device.ErrConfigUnavailable)
	assert.ErrorIs(t, err, mapping.ErrStoreCorrupt)
	assert.Empty(t, f.kernel.Writes())
	assert.Equal(t, "ixgbe", f.tree.Driver(addrEth0))
}

func TestBindSaveFailureIsReported(t *testing.T) {
	f := newFixture(t)
	f.seedStore(t, &mapping.Document{})
	// a directory in place of the temp file makes the save fail
	require.NoError(t, os.Mkdir(f.store.Path()+".tmp", 0o755))

	res, err := f.engine.Bind(context.Background(), []string{"eth0"})
	assert.ErrorIs(t, err, device.ErrIOFailure)
	assert.Equal(t, OutcomeBound, res.Devices[0].Outcome)
}

func TestUnbindByStoredName(t *testing.T) {
	f := newFixture(t)
	f.toBypass(addrMlx)
	f.seedStore(t, &mapping.Document{Devices: mapping.Devices{
		Mappings: mapping.Mapping{"ens2f0": addrMlx},
	}})

	res, err := f.engine.Unbind(context.Background(), []string{"ens2f0"})
	require.NoError(t, err)
	require.Len(t, res.Devices, 1)

	dr := res.Devices[0]
	assert.Equal(t, OutcomeUnbound, dr.Outcome)
	assert.Equal(t, device.BypassBound, dr.Before)
	assert.Equal(t, device.KernelBound, dr.After)
	assert.Equal(t, "mlx5_core", dr.Driver)
	assert.Equal(t, "ens2f0np0", dr.Name)

	assert.Equal(t, "mlx5_core", f.tree.Driver(addrMlx))
	override, ok := f.kernel.Override(addrMlx)
	assert.True(t, ok)
	assert.Empty(t, override)
	assert.Equal(t, []string{addrMlx}, f.kernel.WritesTo("drivers_probe"))

	// the old name survives next to the one the kernel picked this time
	assert.Equal(t, mapping.Mapping{"ens2f0": addrMlx, "ens2f0np0": addrMlx}, f.mappings(t))
}

func TestUnbindNonBypassIsNoop(t *testing.T) {
	f := newFixture(t)

	res, err := f.engine.Unbind(context.Background(), []string{"eth0", "0000:0a:00.0"})
	require.NoError(t, err)
	require.Len(t, res.Devices, 2)
	assert.Equal(t, OutcomeNotBypass, res.Devices[0].Outcome)
	assert.Equal(t, OutcomeAbsent, res.Devices[1].Outcome)
	assert.Equal(t, device.StatusUnknown, res.Devices[1].Before)
	assert.Empty(t, f.kernel.Writes())
	assert.Equal(t, "ixgbe", f.tree.Driver(addrEth0))

	require.Len(t, f.recorder.events, 2)
	assert.Equal(t, "kernel", f.recorder.events[0].oldState)
	assert.Equal(t, "0000:0a:00.0", f.recorder.events[1].address)
	assert.Empty(t, f.recorder.events[1].oldState)
	assert.Empty(t, f.recorder.events[1].newState)
}

func TestUnbindDriverlessDeviceIsReprobed(t *testing.T) {
	f := newFixture(t)
	f.tree.Detach(addrMlx)

	res, err := f.engine.Unbind(context.Background(), []string{addrMlx})
	require.NoError(t, err)
	dr := res.Devices[0]
	assert.Equal(t, OutcomeNotBypass, dr.Outcome)
	assert.Equal(t, device.Unbound, dr.Before)
	assert.Equal(t, device.KernelBound, dr.After)
	assert.Equal(t, []string{addrMlx}, f.kernel.WritesTo("drivers_probe"))
	assert.Empty(t, f.kernel.WritesTo("driver/unbind"))
	assert.Equal(t, "mlx5_core", f.tree.Driver(addrMlx))
}

func TestFailedLookupRecordsNoState(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Bind(context.Background(), []string{"nosuch0"})
	require.ErrorIs(t, err, device.ErrNotFound)
	require.Len(t, f.recorder.events, 1)
	ev := f.recorder.events[0]
	assert.Empty(t, ev.address)
	assert.Empty(t, ev.oldState)
	assert.Empty(t, ev.newState)
	assert.Equal(t, "failed", ev.details["outcome"])
}

func TestUnbindReprobesDetachedDevicesAfterFailure(t *testing.T) {
	f := newFixture(t)
	f.toBypass(addrMlx)

	res, err := f.engine.Unbind(context.Background(), []string{addrMlx, "nosuch0"})
	assert.ErrorIs(t, err, device.ErrNotFound)
	require.Len(t, res.Devices, 2)
	assert.Equal(t, OutcomeUnbound, res.Devices[0].Outcome)
	assert.Equal(t, OutcomeFailed, res.Devices[1].Outcome)
	assert.Equal(t, "mlx5_core", f.tree.Driver(addrMlx), "device must not be left driverless")
}

func TestUnbindDetachRefused(t *testing.T) {
	f := newFixture(t)
	f.toBypass(addrMlx)
	f.kernel.Fail["bus/pci/devices/"+addrMlx+"/driver/unbind"] = unix.EIO

	res, err := f.engine.Unbind(context.Background(), []string{addrMlx})
	assert.ErrorIs(t, err, device.ErrIOFailure)
	assert.Equal(t, OutcomeFailed, res.Devices[0].Outcome)
	assert.Equal(t, "vfio-pci", f.tree.Driver(addrMlx))
	assert.Empty(t, f.kernel.WritesTo("drivers_probe"))
}

func TestUnbindAll(t *testing.T) {
	f := newFixture(t)
	f.toBypass(addrEth0)
	f.toBypass(addrMlx)
	f.tree.AddDevice(sysfstest.Device{
		Address: "0000:05:00.0", Class: "0x030000", Vendor: "0x10de", Device: "0x1eb8", Driver: "vfio-pci",
	})

	res, err := f.engine.UnbindAll(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Devices, 2)

	assert.Equal(t, "ixgbe", f.tree.Driver(addrEth0))
	assert.Equal(t, "mlx5_core", f.tree.Driver(addrMlx))
	assert.Equal(t, "vfio-pci", f.tree.Driver("0000:05:00.0"), "non-network devices stay put")
	assert.Equal(t, mapping.Mapping{"eth0": addrEth0, "ens2f0np0": addrMlx}, res.Discovered)
	assert.Equal(t, res.Discovered, f.mappings(t))
	assert.Len(t, f.recorder.events, 2)
}

func TestUnbindAllContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	f.toBypass(addrEth0)
	f.toBypass(addrMlx)
	f.kernel.Fail["bus/pci/devices/"+addrEth0+"/driver/unbind"] = unix.EIO

	res, err := f.engine.UnbindAll(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Failed(), 1)
	assert.Equal(t, addrEth0, res.Failed()[0].Address)
	assert.Equal(t, "mlx5_core", f.tree.Driver(addrMlx))
}

func TestUnbindAllWithoutBypassDriver(t *testing.T) {
	f := newFixture(t)
	f.tree.Remove("bus/pci/drivers/vfio-pci")

	res, err := f.engine.UnbindAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Devices)
	assert.Empty(t, f.kernel.Writes())
}

func TestRecorderFailureDoesNotFailBatch(t *testing.T) {
	f := newFixture(t)
	f.recorder.err = errors.New("database is locked")

	_, err := f.engine.Bind(context.Background(), []string{"eth0"})
	assert.NoError(t, err)
}

func TestEnsureModule(t *testing.T) {
	t.Run("already loaded", func(t *testing.T) {
		f := newFixture(t)
		ctrl := gomock.NewController(t)
		f.engine.runner = NewMockRunner(ctrl)
		writeModules(t, f.engine.opts.ProcRoot, "vfio_pci 16384 0 - Live 0x0\nvfio 45056 2 vfio_pci, Live 0x0\n")

		assert.NoError(t, f.engine.EnsureModule(context.Background()))
	})

	t.Run("core module is not enough", func(t *testing.T) {
		f := newFixture(t)
		ctrl := gomock.NewController(t)
		runner := NewMockRunner(ctrl)
		f.engine.runner = runner
		writeModules(t, f.engine.opts.ProcRoot, "vfio_pci_core 94208 1 - Live 0x0\n")

		runner.EXPECT().Run(gomock.Any(), "modprobe", "vfio-pci").Return(nil, nil)
		assert.NoError(t, f.engine.EnsureModule(context.Background()))
	})

	t.Run("modprobe fails", func(t *testing.T) {
		f := newFixture(t)
		ctrl := gomock.NewController(t)
		runner := NewMockRunner(ctrl)
		f.engine.runner = runner

		runner.EXPECT().Run(gomock.Any(), "modprobe", "vfio-pci").
			Return([]byte("modprobe: FATAL: Module vfio-pci not found\n"), errors.New("exit status 1"))
		err := f.engine.EnsureModule(context.Background())
		assert.ErrorIs(t, err, device.ErrIOFailure)
		assert.ErrorContains(t, err, "Module vfio-pci not found")
	})

	t.Run("bind stops before any write", func(t *testing.T) {
		f := newFixture(t)
		ctrl := gomock.NewController(t)
		runner := NewMockRunner(ctrl)
		f.engine.runner = runner
		f.engine.opts.AutoLoadModule = true

		runner.EXPECT().Run(gomock.Any(), "modprobe", "vfio-pci").Return(nil, errors.New("exit status 1"))
		_, err := f.engine.Bind(context.Background(), []string{"eth0"})
		assert.ErrorIs(t, err, device.ErrIOFailure)
		assert.Empty(t, f.kernel.Writes())
	})
}

func writeModules(t *testing.T, procRoot, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(procRoot, "modules"), []byte(content), 0o644))
}

func TestSetPermissions(t *testing.T) {
	f := newFixture(t)
	dir := filepath.Join(f.engine.opts.DevRoot, "vfio")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, name := range []string{"vfio", "7"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o600))
	}

	require.NoError(t, f.engine.SetPermissions())
	for _, name := range []string{"vfio", "7"} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o666), info.Mode().Perm(), name)
	}

	f.engine.opts.DevRoot = t.TempDir()
	assert.ErrorIs(t, f.engine.SetPermissions(), device.ErrIOFailure)
}

func TestCheckInterfaces(t *testing.T) {
	f := newFixture(t)
	f.toBypass(addrMlx)
	f.seedStore(t, &mapping.Document{Devices: mapping.Devices{
		Mappings: mapping.Mapping{"ens2f0": addrMlx},
	}})

	checks, err := f.engine.CheckInterfaces([]string{"ens2f0"}, []string{"eth0", "eth1"})
	require.NoError(t, err)
	require.Len(t, checks, 3)
	for _, c := range checks {
		assert.True(t, c.OK, c.Identifier)
	}

	checks, err = f.engine.CheckInterfaces([]string{"eth0"}, nil)
	assert.ErrorIs(t, err, device.ErrWrongState)
	assert.False(t, checks[0].OK)
	assert.True(t, checks[0].Found)

	_, err = f.engine.CheckInterfaces([]string{"eth0"}, []string{"eth9"})
	assert.ErrorIs(t, err, device.ErrNotFound, "missing interfaces outrank wrong state")

	assert.Empty(t, f.kernel.Writes())
}

func TestEnsureContinuesPastFailures(t *testing.T) {
	f := newFixture(t)

	res, err := f.engine.Ensure(context.Background(), []string{"eth9", "eth0", "ens2f0"})
	assert.ErrorIs(t, err, device.ErrNotFound)
	require.Len(t, res.Devices, 3)
	assert.Equal(t, "vfio-pci", f.tree.Driver(addrEth0))
	assert.Equal(t, "vfio-pci", f.tree.Driver(addrMlx))
	assert.Equal(t, "ensure", res.Op)

	f2 := newFixture(t)
	f2.kernel.Busy[addrEth0] = true
	_, err = f2.engine.Ensure(context.Background(), []string{"eth0"})
	assert.ErrorIs(t, err, device.ErrWrongState)
}

func TestApply(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Apply(context.Background(), false)
	assert.ErrorIs(t, err, mapping.ErrStoreMissing)

	f.seedStore(t, &mapping.Document{Devices: mapping.Devices{
		Bypass: []string{"eth1"},
		Kernel: []string{"eth0"},
	}})
	res, err := f.engine.Apply(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, res.Devices, 1)
	assert.Equal(t, "vfio-pci", f.tree.Driver(addrEth1))
	assert.Equal(t, "ixgbe", f.tree.Driver(addrEth0))
}

func TestSaveSelection(t *testing.T) {
	f := newFixture(t)

	doc, err := f.engine.SaveSelection([]string{"ens2f0"}, []string{"eth0", addrEth1})
	require.NoError(t, err)
	assert.Equal(t, []string{"ens2f0"}, doc.Devices.Bypass)
	assert.Equal(t, mapping.Mapping{"ens2f0": addrMlx, "eth0": addrEth0}, f.mappings(t))

	_, err = f.engine.SaveSelection([]string{"eth9"}, nil)
	assert.ErrorIs(t, err, device.ErrNotFound)
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	f.seedStore(t, &mapping.Document{Devices: mapping.Devices{
		Mappings: mapping.Mapping{"old0": "0000:0a:00.0"},
	}})

	found, err := f.engine.Update()
	require.NoError(t, err)
	assert.Equal(t, mapping.Mapping{"eth0": addrEth0, "eth1": addrEth1, "ens2f0": addrMlx}, found)
	assert.Equal(t, "0000:0a:00.0", f.mappings(t)["old0"])
}

func TestValidate(t *testing.T) {
	f := newFixture(t)
	f.seedStore(t, &mapping.Document{Devices: mapping.Devices{
		Bypass:   []string{"ens2f0"},
		Kernel:   []string{"eth0", "ens2f0", "ghost0"},
		Mappings: mapping.Mapping{"ens2f0": addrMlx, "gone0": "0000:0a:00.0"},
	}})

	problems, err := f.engine.Validate()
	require.NoError(t, err)
	assert.ElementsMatch(t, []Problem{
		{Name: "ens2f0", Reason: "listed for both bypass and kernel"},
		{Name: "ghost0", Reason: "not present (kernel)"},
		{Name: "gone0", Address: "0000:0a:00.0", Reason: "mapped address not on the bus"},
	}, problems)
}

func TestExplain(t *testing.T) {
	f := newFixture(t)
	rec, _, err := f.engine.Resolver().Lookup("eth0", nil)
	require.NoError(t, err)

	ex := f.engine.Explain(rec, []string{addrEth1})
	require.Len(t, ex.Bind, 5)
	assert.Equal(t, "detach 0000:01:00.0 from ixgbe", ex.Bind[0])
	assert.Equal(t, "register 8086 10fb with vfio-pci", ex.Bind[1])
	assert.Contains(t, ex.Bind[4], "iommu group 1")
	assert.Equal(t, []string{"nothing to do, owned by ixgbe"}, ex.Unbind)

	f.toBypass(addrMlx)
	rec, _, err = f.engine.Resolver().Lookup(addrMlx, nil)
	require.NoError(t, err)
	ex = f.engine.Explain(rec, nil)
	assert.Equal(t, []string{"nothing to do, already on vfio-pci"}, ex.Bind)
	assert.Len(t, ex.Unbind, 4)
	assert.Empty(t, f.kernel.Writes())
}
