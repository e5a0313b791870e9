package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sigreer/nicbind/internal/identify"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Bind every interface the device store lists for the bypass driver",
	Long: `Bind the devices listed under devices.bypass in the device store, then
open the vfio device nodes to all users when set_permissions is enabled.
Run at boot to restore a saved selection.`,
	Args: cobra.NoArgs,
	RunE: runApply,
}

var saveCmd = &cobra.Command{
	Use:   "save",
	Short: "Record which interfaces belong on each side",
	Long: `Write the bypass and kernel interface lists to the device store, together
with the current PCI address of every named interface. Every interface
must exist now.

Example:
  nicbind save --bypass eth2,eth3 --kernel eth0`,
	Args: cobra.NoArgs,
	RunE: runSave,
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Remember the current names of all kernel-owned network devices",
	Args:  cobra.NoArgs,
	RunE:  runUpdate,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the device store against the hardware present now",
	Args:  cobra.NoArgs,
	RunE:  runValidate,
}

var showConfigOutput = newOutputFlag("yaml", "json")

var showConfigCmd = &cobra.Command{
	Use:   "show-config",
	Short: "Print the settings in effect and the device store",
	Args:  cobra.NoArgs,
	RunE:  runShowConfig,
}

func init() {
	saveCmd.Flags().StringSlice("bypass", nil, "interfaces to hand to the bypass driver")
	saveCmd.Flags().StringSlice("kernel", nil, "interfaces to keep on kernel drivers")
	showConfigCmd.Flags().VarP(showConfigOutput, "output", "o", showConfigOutput.usage())

	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(saveCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(showConfigCmd)
}

func runApply(cmd *cobra.Command, args []string) error {
	if err := requireRoot(); err != nil {
		return err
	}
	e, done := newEngine(true)
	defer done()

	res, err := e.Apply(cmd.Context(), cfg.Options.SetPermissionsEnabled())
	printBatch(res)
	return err
}

func runSave(cmd *cobra.Command, args []string) error {
	bypass, _ := cmd.Flags().GetStringSlice("bypass")
	kernel, _ := cmd.Flags().GetStringSlice("kernel")
	if len(bypass) == 0 && len(kernel) == 0 {
		return fmt.Errorf("nothing to save: give --bypass and/or --kernel")
	}

	e, done := newEngine(false)
	defer done()

	doc, err := e.SaveSelection(bypass, kernel)
	if err != nil {
		return err
	}
	fmt.Printf("Saved %d bypass and %d kernel interface(s) to %s\n",
		len(doc.Devices.Bypass), len(doc.Devices.Kernel), cfg.MappingStore)
	return nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	e, done := newEngine(false)
	defer done()

	found, err := e.Update()
	if err != nil {
		return err
	}
	for _, name := range found.Names() {
		fmt.Printf("%-16s %s\n", name, found[name])
	}
	fmt.Printf("%d mapping(s) saved to %s\n", len(found), cfg.MappingStore)
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	e, done := newEngine(false)
	defer done()

	problems, err := e.Validate()
	if err != nil {
		return err
	}
	if len(problems) == 0 {
		fmt.Println("Device store matches the hardware")
		return nil
	}
	for _, p := range problems {
		subject := p.Name
		if p.Address != "" {
			subject += " (" + p.Address + ")"
		}
		fmt.Printf("%-32s %s\n", subject, p.Reason)
	}
	return fmt.Errorf("%d problem(s) in %s", len(problems), cfg.MappingStore)
}

type configView struct {
	Config interface{} `json:"config" yaml:"config"`
	Store  interface{} `json:"store" yaml:"store"`
}

func runShowConfig(cmd *cobra.Command, args []string) error {
	doc, err := newStore().Load()
	if err != nil {
		return err
	}
	view := configView{Config: cfg, Store: doc}

	if showConfigOutput.is("json") {
		return identify.PrintJSON(os.Stdout, view)
	}
	if cfg.Path != "" {
		fmt.Printf("# config: %s\n", cfg.Path)
	}
	fmt.Printf("# store: %s\n", cfg.MappingStore)
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(view)
}
