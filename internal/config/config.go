package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sigreer/nicbind/internal/logger"
)

// Config holds tool settings. The mapping store lives in its own file.
type Config struct {
	SysfsRoot    string        `yaml:"sysfs_root"`
	ProcRoot     string        `yaml:"proc_root"`
	DevRoot      string        `yaml:"dev_root"`
	BypassDriver string        `yaml:"bypass_driver"`
	Module       string        `yaml:"module"`
	MappingStore string        `yaml:"mapping_store"`
	Database     string        `yaml:"database"`
	Settle       time.Duration `yaml:"settle"`
	Options      Options       `yaml:"options"`
	Log          logger.Config `yaml:"log"`

	// Path is the file the config was read from, empty when defaults were used
	Path string `yaml:"-"`
}

// Options toggles the side steps around binding
type Options struct {
	AutoLoadModule *bool `yaml:"auto_load_module,omitempty"`
	SetPermissions *bool `yaml:"set_permissions,omitempty"`
	RecordHistory  *bool `yaml:"record_history,omitempty"`
}

// DefaultSettle is how long the kernel needs after a reprobe before
// interface names are stable
const DefaultSettle = 2 * time.Second

var defaultConfig = Config{
	SysfsRoot:    "/sys",
	ProcRoot:     "/proc",
	DevRoot:      "/dev",
	BypassDriver: "vfio-pci",
	Module:       "vfio-pci",
	MappingStore: "/etc/nicbind/devices.yaml",
	Database:     "/var/lib/nicbind/history.db",
	Settle:       DefaultSettle,
	Log:          logger.Config{Level: "info", Format: "auto"},
}

// Candidates are searched in order when no path is given
func Candidates() []string {
	return []string{
		"/etc/nicbind/config.yaml",
		filepath.Join(os.Getenv("HOME"), ".config/nicbind/config.yaml"),
		"config.yaml",
	}
}

// Default returns the built-in configuration
func Default() *Config {
	cfg := defaultConfig
	cfg.applyDefaults()
	return &cfg
}

// Load reads the config at path, or the first existing candidate.
// A missing file yields defaults; a malformed one is an error.
func Load(path string) (*Config, error) {
	if path == "" {
		for _, c := range Candidates() {
			if _, err := os.Stat(c); err == nil {
				path = c
				break
			}
		}
	}

	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := defaultConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.Path = path
	cfg.applyDefaults()

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.SysfsRoot == "" {
		c.SysfsRoot = defaultConfig.SysfsRoot
	}
	if c.ProcRoot == "" {
		c.ProcRoot = defaultConfig.ProcRoot
	}
	if c.DevRoot == "" {
		c.DevRoot = defaultConfig.DevRoot
	}
	if c.BypassDriver == "" {
		c.BypassDriver = defaultConfig.BypassDriver
	}
	if c.Module == "" {
		c.Module = defaultConfig.Module
	}
	if c.MappingStore == "" {
		c.MappingStore = defaultConfig.MappingStore
	}
	if c.Database == "" {
		c.Database = defaultConfig.Database
	}
	// a negative settle disables the wait; zero means unset
	if c.Settle == 0 {
		c.Settle = defaultConfig.Settle
	} else if c.Settle < 0 {
		c.Settle = 0
	}
	if c.Log.Format == "" {
		c.Log.Format = defaultConfig.Log.Format
	}
}

// AutoLoadModuleEnabled defaults to true
func (o Options) AutoLoadModuleEnabled() bool {
	return o.AutoLoadModule == nil || *o.AutoLoadModule
}

// SetPermissionsEnabled defaults to true
func (o Options) SetPermissionsEnabled() bool {
	return o.SetPermissions == nil || *o.SetPermissions
}

// RecordHistoryEnabled defaults to true
func (o Options) RecordHistoryEnabled() bool {
	return o.RecordHistory == nil || *o.RecordHistory
}
