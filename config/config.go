// Package config describes the static partition layout consumed at
// boot: the list of guest VMs and the virtio device entries each one
// declares.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var (
	ErrParse   = errors.New("config: parse failed")
	ErrInvalid = errors.New("config: invalid")
)

// Config is the full static configuration.
type Config struct {
	VMs []VM `yaml:"vms"`
}

// VM declares one guest and its virtio device entries.
type VM struct {
	Name    string   `yaml:"name"`
	Devices []Device `yaml:"virtio_devices"`
}

// Device is one virtio device entry. A backend entry declares the
// emulation side of an instance; a frontend entry declares the driver
// side and the MMIO window the driver's accesses trap on.
type Device struct {
	InstanceID uint64 `yaml:"instance_id"`
	Backend    bool   `yaml:"backend"`

	// backend side
	DeviceType      uint32 `yaml:"device_type"`
	VirtIOInterrupt uint32 `yaml:"virtio_interrupt"`
	Polling         bool   `yaml:"polling"`

	// frontend side
	Priority        uint32 `yaml:"priority"`
	DeviceInterrupt uint32 `yaml:"device_interrupt"`
	MMIOBase        uint64 `yaml:"mmio_base"`
	MMIOSize        uint64 `yaml:"mmio_size"`
}

// MMIOSizeDefault is the span of a virtio-mmio register window.
const MMIOSizeDefault = 0x200

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}

	return Parse(data)
}

// Parse parses a YAML configuration, applies defaults, and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}

	cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) withDefaults() {
	for vi := range c.VMs {
		for di := range c.VMs[vi].Devices {
			d := &c.VMs[vi].Devices[di]
			if !d.Backend && d.MMIOSize == 0 {
				d.MMIOSize = MMIOSizeDefault
			}
		}
	}
}

func (c *Config) validate() error {
	if len(c.VMs) == 0 {
		return fmt.Errorf("%w: no VMs", ErrInvalid)
	}

	for vi, vm := range c.VMs {
		for di, d := range vm.Devices {
			if err := d.validate(); err != nil {
				return fmt.Errorf("%w: vm %d (%s) device %d: %w",
					ErrInvalid, vi, vm.Name, di, err)
			}
		}
	}

	return nil
}

func (d Device) validate() error {
	if d.Backend {
		if d.VirtIOInterrupt == 0 && !d.Polling {
			return fmt.Errorf("interrupt-driven backend for instance %d has no virtio_interrupt", d.InstanceID)
		}

		return nil
	}

	if d.DeviceInterrupt == 0 {
		return fmt.Errorf("frontend for instance %d has no device_interrupt", d.InstanceID)
	}

	if d.MMIOBase == 0 {
		return fmt.Errorf("frontend for instance %d has no mmio_base", d.InstanceID)
	}

	return nil
}
