package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the hosted machine description, read from a YAML file.
type Config struct {
	// MemoryMiB is the size of the RAM image.
	MemoryMiB uint64 `yaml:"memory_mib"`

	// CPUs is the processor count announced in the MADT. Only the boot
	// processor runs.
	CPUs int `yaml:"cpus"`

	// XHCIControllers is how many model xHCI controllers to attach.
	XHCIControllers int `yaml:"xhci_controllers"`

	// ConnectedPorts lists 1-based ports of the first controller that have
	// a device attached at power-on.
	ConnectedPorts []uint8 `yaml:"connected_ports"`

	// Ticks is how many timer interrupts to deliver before the harness
	// reports and exits.
	Ticks int `yaml:"ticks"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level"`

	// KlogBytes is the capacity of the in-memory kernel log ring.
	KlogBytes int `yaml:"klog_bytes"`
}

// DefaultConfig is a one-controller machine that runs long enough for the
// whole init sequence and a device attach.
func DefaultConfig() Config {
	return Config{
		MemoryMiB:       16,
		CPUs:            1,
		XHCIControllers: 1,
		ConnectedPorts:  []uint8{1},
		Ticks:           5000,
		LogLevel:        "info",
		KlogBytes:       1 << 20,
	}
}

// LoadConfig reads the YAML machine description at path, applying defaults
// for absent fields.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	return cfg.validate()
}

func (c Config) validate() (Config, error) {
	if c.MemoryMiB < 8 {
		return Config{}, fmt.Errorf("memory_mib %d is too small (minimum 8)", c.MemoryMiB)
	}
	if c.CPUs < 1 {
		c.CPUs = 1
	}
	if c.XHCIControllers < 0 || c.XHCIControllers > 4 {
		return Config{}, fmt.Errorf("xhci_controllers %d out of range", c.XHCIControllers)
	}
	for _, port := range c.ConnectedPorts {
		if port == 0 || port > 4 {
			return Config{}, fmt.Errorf("connected port %d out of range", port)
		}
	}
	if c.Ticks <= 0 {
		c.Ticks = 5000
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	if c.KlogBytes <= 0 {
		c.KlogBytes = 1 << 20
	}
	return c, nil
}
