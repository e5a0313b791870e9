package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sigreer/nicbind/internal/binding"
	"github.com/sigreer/nicbind/internal/config"
	"github.com/sigreer/nicbind/internal/db"
	"github.com/sigreer/nicbind/internal/logger"
	"github.com/sigreer/nicbind/internal/mapping"
	"github.com/sigreer/nicbind/internal/sysfs"
	"github.com/sigreer/nicbind/internal/version"
)

var (
	cfgFile   string
	debug     bool
	sysfsRoot string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "nicbind",
	Short: "Move network devices between kernel drivers and vfio-pci",
	Long: `nicbind hands network devices to a kernel-bypass driver (vfio-pci by
default) and back, by name or PCI address.

Interface names vanish while a device is owned by the bypass driver, so every
name seen is remembered in the device store and can still be used afterwards.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if sysfsRoot != "" {
			cfg.SysfsRoot = sysfsRoot
		}
		if debug {
			cfg.Log.Debug = true
		}
		return logger.Init(cfg.Log)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/nicbind/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "log every sysfs read decision and write")
	rootCmd.PersistentFlags().StringVar(&sysfsRoot, "sysfs-root", "", "use another sysfs mount (default /sys)")
}

func newFS() *sysfs.FS {
	return sysfs.New(cfg.SysfsRoot, logger.WithComponent("sysfs"))
}

func newStore() *mapping.Store {
	return mapping.NewStore(cfg.MappingStore)
}

// newEngine builds an engine, recording to the history database when
// withHistory is set and history is enabled. The returned func releases
// the database.
func newEngine(withHistory bool) (*binding.Engine, func()) {
	log := logger.WithComponent("binding")
	e := binding.New(newFS(), newStore(), binding.ExecRunner{}, binding.Options{
		BypassDriver:   cfg.BypassDriver,
		Module:         cfg.Module,
		ProcRoot:       cfg.ProcRoot,
		DevRoot:        cfg.DevRoot,
		Settle:         cfg.Settle,
		AutoLoadModule: cfg.Options.AutoLoadModuleEnabled(),
	}, log)

	if !withHistory || !cfg.Options.RecordHistoryEnabled() {
		return e, func() {}
	}
	history, err := db.New(cfg.Database)
	if err != nil {
		log.Warn().Err(err).Str("database", cfg.Database).Msg("history disabled")
		return e, func() {}
	}
	e.WithRecorder(history)
	return e, func() { history.Close() }
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(exitCode(err))
}
