package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sigreer/nicbind/internal/binding"
	"github.com/sigreer/nicbind/internal/identify"
	"github.com/sigreer/nicbind/internal/logger"
)

var bindOutput = newOutputFlag("table", "json")

var bindCmd = &cobra.Command{
	Use:   "bind <interface|pci-address>...",
	Short: "Hand devices to the bypass driver",
	Long: `Detach each device from its kernel driver and attach it to the bypass
driver, in the order given. The first failure stops the batch; names of the
devices bound before it are still saved.

Devices already on the bypass driver are left alone. A warning is printed
when a device shares its iommu group with other devices, which usually have
to be bound as well before the group can be used.

Examples:
  nicbind bind eth2 eth3
  nicbind bind 0000:03:00.0
  nicbind bind ens2f0          # works after the name is gone, via the store`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBind,
}

var unbindCmd = &cobra.Command{
	Use:   "unbind <interface|pci-address>...",
	Short: "Return devices to their kernel drivers",
	Long: `Detach each device from the bypass driver and ask the kernel to reprobe
it, so its native driver claims it again. The new interface names are saved
to the device store.

Devices not on the bypass driver are left alone.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runUnbind,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Return every network device on the bypass driver to the kernel",
	Args:  cobra.NoArgs,
	RunE:  runReset,
}

func init() {
	for _, c := range []*cobra.Command{bindCmd, unbindCmd, resetCmd} {
		c.Flags().VarP(bindOutput, "output", "o", bindOutput.usage())
		rootCmd.AddCommand(c)
	}
}

func runBind(cmd *cobra.Command, args []string) error {
	if err := requireRoot(); err != nil {
		return err
	}
	e, done := newEngine(true)
	defer done()

	res, err := e.Bind(cmd.Context(), args)
	printBatch(res)
	if err != nil {
		return err
	}
	return setPermissions(e, res)
}

func runUnbind(cmd *cobra.Command, args []string) error {
	if err := requireRoot(); err != nil {
		return err
	}
	e, done := newEngine(true)
	defer done()

	res, err := e.Unbind(cmd.Context(), args)
	printBatch(res)
	return err
}

func runReset(cmd *cobra.Command, args []string) error {
	if err := requireRoot(); err != nil {
		return err
	}
	e, done := newEngine(true)
	defer done()

	res, err := e.UnbindAll(cmd.Context())
	printBatch(res)
	if err != nil {
		return err
	}
	if failed := res.Failed(); len(failed) > 0 {
		return fmt.Errorf("%d device(s) could not be detached", len(failed))
	}
	return nil
}

// setPermissions opens the vfio nodes to all users once something was bound
func setPermissions(e *binding.Engine, res *binding.BatchResult) error {
	if !cfg.Options.SetPermissionsEnabled() {
		return nil
	}
	for _, d := range res.Devices {
		if d.Outcome == binding.OutcomeBound {
			return e.SetPermissions()
		}
	}
	return nil
}

func printBatch(res *binding.BatchResult) {
	if res == nil {
		return
	}
	if bindOutput.is("json") {
		if err := identify.PrintJSON(os.Stdout, res); err != nil {
			log := logger.WithComponent("cli")
			log.Error().Err(err).Msg("failed to encode result")
		}
		return
	}

	if len(res.Devices) == 0 {
		fmt.Println("Nothing to do")
	}
	for _, d := range res.Devices {
		name := d.Name
		if name == "" {
			name = d.Identifier
		}
		switch d.Outcome {
		case binding.OutcomeFailed:
			fmt.Printf("%-14s %-16s %s\n", d.Outcome, name, d.Error)
		case binding.OutcomeAbsent:
			fmt.Printf("%-14s %-16s no such device\n", d.Outcome, name)
		default:
			fmt.Printf("%-14s %-16s %-14s %s -> %s\n", d.Outcome, name, d.Address, d.Before, d.After)
		}
	}
	for _, a := range res.Advisories {
		fmt.Fprintf(os.Stderr, "Warning: %s; bind all of them before using the group\n", a)
	}
}
