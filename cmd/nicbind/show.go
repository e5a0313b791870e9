package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sigreer/nicbind/internal/frameworks"
	"github.com/sigreer/nicbind/internal/identify"
)

var showOutput = newOutputFlag("table", "json", "args")

var showCmd = &cobra.Command{
	Use:   "show <framework>",
	Short: "Show devices a userspace framework can use",
	Long: `Show the devices a framework can use right now, and the string the
framework expects to select each one: the PCI address for dpdk, spdk, vpp
and tcpdirect, the RDMA device name for rdma, the interface name for
openonload, efvi and xdp.

Frameworks: dpdk, rdma, tcpdirect, openonload, efvi, spdk, vpp, xdp

Examples:
  nicbind show dpdk
  nicbind show rdma --capable
  dpdk-testpmd -a $(nicbind show dpdk -o args)`,
	Args: cobra.ExactArgs(1),
	RunE: runShow,
}

func init() {
	showCmd.Flags().Bool("capable", false, "also list capable devices that need rebinding first")
	showCmd.Flags().VarP(showOutput, "output", "o", showOutput.usage())
	rootCmd.AddCommand(showCmd)
}

type showResult struct {
	Framework string               `json:"framework"`
	Requires  string               `json:"requires"`
	Devices   []*frameworks.Device `json:"devices"`
}

func runShow(cmd *cobra.Command, args []string) error {
	capable, _ := cmd.Flags().GetBool("capable")
	f, err := frameworks.Parse(args[0])
	if err != nil {
		return err
	}

	records, err := newResolver().Enumerate(knownNames())
	if err != nil {
		return err
	}
	devices := frameworks.NewClassifier(newFS()).Devices(records, f, capable)

	switch {
	case showOutput.is("args"):
		fmt.Println(frameworks.References(devices))
		return nil
	case showOutput.is("json"):
		if devices == nil {
			devices = []*frameworks.Device{}
		}
		return identify.PrintJSON(os.Stdout, showResult{
			Framework: string(f),
			Requires:  f.WantStatus().String(),
			Devices:   devices,
		})
	}

	printFramework(f, devices, capable)
	return nil
}

func printFramework(f frameworks.Framework, devices []*frameworks.Device, capable bool) {
	var ready, pending []*frameworks.Device
	for _, d := range devices {
		if d.Ready {
			ready = append(ready, d)
		} else {
			pending = append(pending, d)
		}
	}

	if len(ready) == 0 && !capable {
		fmt.Printf("No devices ready for %s (use --capable to see all capable devices)\n", f.Name())
		return
	}

	mode := "kernel"
	action := "unbind"
	if f.RequiresBypass() {
		mode = cfg.BypassDriver
		action = "bind"
	}

	fmt.Printf("%s devices, ready (%s):\n", f.Name(), mode)
	printFrameworkDevices(ready)
	if capable && len(pending) > 0 {
		fmt.Printf("\nNeed %s:\n", action)
		printFrameworkDevices(pending)
		fmt.Printf("\n%d ready, %d need: nicbind %s <interface>\n", len(ready), len(pending), action)
	}
}

func printFrameworkDevices(devices []*frameworks.Device) {
	if len(devices) == 0 {
		fmt.Println("  (none)")
		return
	}
	for _, d := range devices {
		r := d.Record
		fmt.Printf("  %-16s %-14s %-12s %s\n", r.DisplayName(), r.Address, r.Driver, d.Reference)
	}
}
