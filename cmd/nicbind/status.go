package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sigreer/nicbind/internal/identify"
	"github.com/sigreer/nicbind/internal/iommu"
)

var statusOutput = newOutputFlag("table", "json")

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the host is ready for the bypass driver",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "List problems that prevent binding, optionally fixing what can be fixed",
	Long: `List problems that prevent devices from being handed to the bypass driver:
missing IOMMU kernel parameters, no IOMMU groups, or the driver module not
loaded. With --fix the module is loaded; kernel parameters and firmware
settings have to be changed by hand.`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	statusCmd.Flags().VarP(statusOutput, "output", "o", statusOutput.usage())
	checkCmd.Flags().Bool("fix", false, "load the bypass driver module if needed")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(checkCmd)
}

func newInspector() *iommu.Inspector {
	return iommu.NewInspector(newFS(), cfg.ProcRoot, cfg.BypassDriver, cfg.Module)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func runStatus(cmd *cobra.Command, args []string) error {
	st, err := newInspector().Status(cmd.Context())
	if err != nil {
		return err
	}
	if statusOutput.is("json") {
		return identify.PrintJSON(os.Stdout, st)
	}

	fmt.Printf("%-22s %s\n", "CPU vendor", st.CPUVendor)
	fmt.Printf("%-22s %s\n", "IOMMU kernel params", yesNo(st.KernelParams))
	fmt.Printf("%-22s %s (%d groups)\n", "IOMMU active", yesNo(st.KernelParams || st.IOMMUActive()), st.GroupCount)
	fmt.Printf("%-22s %s\n", cfg.Module+" loaded", yesNo(st.ModuleLoaded))
	fmt.Printf("%-22s %d\n", "Devices on "+cfg.BypassDriver, st.BypassDevices)
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	fix, _ := cmd.Flags().GetBool("fix")
	inspector := newInspector()

	issues, err := inspector.Check(cmd.Context())
	if err != nil {
		return err
	}

	if fix {
		var remaining []iommu.Issue
		for _, is := range issues {
			if is.Kind != iommu.IssueModule {
				remaining = append(remaining, is)
				continue
			}
			if err := requireRoot(); err != nil {
				return err
			}
			e, done := newEngine(false)
			err := e.EnsureModule(cmd.Context())
			done()
			if err != nil {
				return err
			}
			fmt.Printf("Fixed: loaded %s\n", cfg.Module)
		}
		issues = remaining
	}

	if len(issues) == 0 {
		fmt.Println("No problems found")
		return nil
	}
	for _, is := range issues {
		fmt.Printf("Problem: %s\n  Fix: %s\n", is.Description, is.Fix)
	}
	return fmt.Errorf("%d problem(s) found", len(issues))
}
