package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/BitHighlander/keepkey-bitcoin-only/pkg/devicelink"
	"github.com/BitHighlander/keepkey-bitcoin-only/pkg/linksim"
)

// Config is the on-disk device configuration.
type Config struct {
	Device DeviceConfig `yaml:"device"`
}

// DeviceConfig describes the simulated device.
type DeviceConfig struct {
	ID    string `yaml:"id"`
	Label string `yaml:"label"`

	// PIN is the correct PIN as a digit string of grid positions,
	// e.g. "1593". Empty means no PIN.
	PIN string `yaml:"pin"`

	Passphrase  bool `yaml:"passphrase"`
	Initialized bool `yaml:"initialized"`

	NeedsBootloaderUpdate bool `yaml:"needs_bootloader_update"`
	NeedsFirmwareUpdate   bool `yaml:"needs_firmware_update"`

	MaxPINAttempts int `yaml:"max_pin_attempts"`
}

func defaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Label:       "KeepKey",
			PIN:         "1593",
			Initialized: true,
		},
	}
}

func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if _, err := parsePositions(cfg.Device.PIN); err != nil {
		return nil, fmt.Errorf("invalid device pin: %w", err)
	}
	return cfg, nil
}

func (c *Config) simConfig() linksim.Config {
	pin, _ := parsePositions(c.Device.PIN)

	sim := linksim.Config{
		DeviceID:            c.Device.ID,
		Label:               c.Device.Label,
		PIN:                 pin,
		PassphraseProtected: c.Device.Passphrase,
		Initialized:         c.Device.Initialized,
		MaxPINAttempts:      c.Device.MaxPINAttempts,
	}
	if c.Device.NeedsBootloaderUpdate {
		sim.NeedsBootloaderUpdate = true
		sim.BootloaderUpdate = &devicelink.UpdateDetail{
			CurrentVersion: "2.0.0",
			TargetVersion:  "2.1.4",
		}
	}
	if c.Device.NeedsFirmwareUpdate {
		sim.NeedsFirmwareUpdate = true
		sim.FirmwareUpdate = &devicelink.UpdateDetail{
			CurrentVersion: "7.3.0",
			TargetVersion:  linksim.DefaultVersion,
		}
	}
	return sim
}
