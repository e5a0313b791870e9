package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sigreer/nicbind/internal/binding"
	"github.com/sigreer/nicbind/internal/device"
	"github.com/sigreer/nicbind/internal/identify"
	"github.com/sigreer/nicbind/internal/iommu"
	"github.com/sigreer/nicbind/internal/logger"
	"github.com/sigreer/nicbind/internal/mapping"
)

var listOutput = newOutputFlag("table", "json")

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List network devices and their driver state",
	Long: `List every network-class PCI function with its driver, link speed and
binding state. Devices on the bypass driver are shown under the name they
last had.`,
	Args: cobra.NoArgs,
	RunE: runList,
}

var infoOutput = newOutputFlag("table", "json", "quiet")

var infoCmd = &cobra.Command{
	Use:   "info <interface|pci-address>",
	Short: "Show everything known about one device",
	Long: `Resolve an interface name or PCI address and show the device record.

Names are looked up in the live interface list first, then in the device
store, so a device owned by the bypass driver can still be found by the
name it had before.

Examples:
  nicbind info eth0
  nicbind info 0000:01:00.0
  nicbind info 01:00.0 --explain
  nicbind info eth0 -o quiet        # print only the PCI address`,
	Args: cobra.ExactArgs(1),
	RunE: runInfo,
}

func init() {
	listCmd.Flags().BoolP("verbose", "v", false, "show vendor:device, iommu group and max speed")
	listCmd.Flags().VarP(listOutput, "output", "o", listOutput.usage())

	infoCmd.Flags().Bool("explain", false, "describe what bind and unbind would do")
	infoCmd.Flags().VarP(infoOutput, "output", "o", infoOutput.usage())

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(infoCmd)
}

// knownNames loads the store's mappings for display. Read-only commands
// carry on without them when the store is broken.
func knownNames() mapping.Mapping {
	doc, err := newStore().LoadOrInit()
	if err != nil {
		log := logger.WithComponent("cli")
		log.Warn().Err(err).Msg("device store unreadable, bypass devices shown without names")
		return nil
	}
	return doc.Devices.Mappings
}

func newResolver() *identify.Resolver {
	return identify.NewResolver(newFS(), cfg.BypassDriver, logger.WithComponent("identify"))
}

func runList(cmd *cobra.Command, args []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")

	records, err := newResolver().Enumerate(knownNames())
	if err != nil {
		return err
	}

	if listOutput.is("json") {
		if records == nil {
			records = []*device.Record{}
		}
		return identify.PrintJSON(os.Stdout, records)
	}
	if len(records) == 0 {
		fmt.Println("No network devices found")
		return nil
	}
	identify.PrintList(os.Stdout, records, verbose)
	return nil
}

type infoResult struct {
	*identify.LookupResult
	Explain *binding.Explanation `json:"explain,omitempty"`
}

func runInfo(cmd *cobra.Command, args []string) error {
	explain, _ := cmd.Flags().GetBool("explain")

	resolver := newResolver()
	rec, how, err := resolver.Lookup(args[0], knownNames())
	if err != nil {
		return err
	}

	result := &identify.LookupResult{Query: args[0], MatchedAs: how, Device: rec}
	others, err := iommu.NewAdvisor(newFS()).Others(rec)
	if err != nil {
		log := logger.WithComponent("cli")
		log.Debug().Err(err).Str("address", rec.Address).Msg("iommu group unreadable")
	}
	result.GroupMembers = others

	out := infoResult{LookupResult: result}
	if explain {
		e, done := newEngine(false)
		defer done()
		out.Explain = e.Explain(rec, others)
	}

	switch {
	case infoOutput.is("quiet"):
		identify.PrintQuiet(os.Stdout, result)
	case infoOutput.is("json"):
		return identify.PrintJSON(os.Stdout, out)
	default:
		identify.PrintTable(os.Stdout, result)
		if out.Explain != nil {
			printSteps("bind", out.Explain.Bind)
			printSteps("unbind", out.Explain.Unbind)
		}
	}
	return nil
}

func printSteps(op string, steps []string) {
	fmt.Printf("\n%s would:\n", op)
	for i, step := range steps {
		fmt.Printf("  %d. %s\n", i+1, step)
	}
}
