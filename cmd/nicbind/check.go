package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sigreer/nicbind/internal/binding"
	"github.com/sigreer/nicbind/internal/identify"
)

var checkIfacesOutput = newOutputFlag("table", "json")

var checkInterfacesCmd = &cobra.Command{
	Use:   "check-interfaces",
	Short: "Verify interfaces are on the expected side",
	Long: `Check that every --bypass interface is on the bypass driver and every
--kernel interface is on a kernel driver. Nothing is changed.

Exit status is 1 if an interface cannot be found, 2 if one is on the wrong
side, 0 otherwise.

Example:
  nicbind check-interfaces --bypass eth2,eth3 --kernel eth0`,
	Args: cobra.NoArgs,
	RunE: runCheckInterfaces,
}

var ensureCmd = &cobra.Command{
	Use:   "ensure <interface|pci-address>...",
	Short: "Bind whichever of the given devices are not on the bypass driver yet",
	Long: `Like bind, but every device is attempted even when an earlier one fails.

Exit status is 1 if a device cannot be found, 2 if one could not be bound,
0 otherwise.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runEnsure,
}

func init() {
	checkInterfacesCmd.Flags().StringSlice("bypass", nil, "interfaces expected on the bypass driver")
	checkInterfacesCmd.Flags().StringSlice("kernel", nil, "interfaces expected on kernel drivers")
	checkInterfacesCmd.Flags().VarP(checkIfacesOutput, "output", "o", checkIfacesOutput.usage())
	ensureCmd.Flags().VarP(bindOutput, "output", "o", bindOutput.usage())

	rootCmd.AddCommand(checkInterfacesCmd)
	rootCmd.AddCommand(ensureCmd)
}

func runCheckInterfaces(cmd *cobra.Command, args []string) error {
	bypass, _ := cmd.Flags().GetStringSlice("bypass")
	kernel, _ := cmd.Flags().GetStringSlice("kernel")
	if len(bypass) == 0 && len(kernel) == 0 {
		return fmt.Errorf("nothing to check: give --bypass and/or --kernel")
	}

	e, done := newEngine(false)
	defer done()

	checks, err := e.CheckInterfaces(bypass, kernel)
	if checkIfacesOutput.is("json") {
		if perr := identify.PrintJSON(os.Stdout, checks); perr != nil {
			return perr
		}
		return err
	}
	printChecks(checks)
	return err
}

func printChecks(checks []*binding.Check) {
	for _, c := range checks {
		switch {
		case !c.Found:
			fmt.Printf("%-8s %-16s not found\n", "MISSING", c.Identifier)
		case !c.OK:
			fmt.Printf("%-8s %-16s want %s, is %s\n", "WRONG", c.Identifier, c.Want, c.Device.Status)
		default:
			fmt.Printf("%-8s %-16s %s\n", "OK", c.Identifier, c.Want)
		}
	}
}

func runEnsure(cmd *cobra.Command, args []string) error {
	if err := requireRoot(); err != nil {
		return err
	}
	e, done := newEngine(true)
	defer done()

	res, err := e.Ensure(cmd.Context(), args)
	printBatch(res)
	if err != nil {
		return err
	}
	return setPermissions(e, res)
}
