// Package config gathers the settings of every driver and engine into one file-loadable struct.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"usb2snes/snes/fxpakpro"
	"usb2snes/snes/qusb2snes"
	"usb2snes/snes/savestate"
	"usb2snes/snes/serialport"
	"usb2snes/snes/transfer"
	"usb2snes/util"
	"usb2snes/util/env"
)

type Config struct {
	// Driver names the snes driver to open: "fxpakpro", "qusb2snes" or "mock".
	Driver string `yaml:"driver"`

	Transfer  transfer.Config   `yaml:"transfer"`
	Serial    serialport.Config `yaml:"serial"`
	FXPakPro  fxpakpro.Config   `yaml:"fxpakpro"`
	QUsb2Snes qusb2snes.Config  `yaml:"qusb2snes"`
	Savestate savestate.Config  `yaml:"savestate"`
}

func Default() Config {
	return Config{
		Driver:    "fxpakpro",
		Transfer:  transfer.DefaultConfig(),
		Serial:    serialport.DefaultConfig(),
		FXPakPro:  fxpakpro.DefaultConfig(),
		QUsb2Snes: qusb2snes.DefaultConfig(),
		Savestate: savestate.DefaultConfig(),
	}
}

// Load reads a YAML file over the defaults; keys missing from the file keep their default.
func Load(path string) (Config, error) {
	c := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("config: %w", err)
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("config: %s: %w", path, err)
	}
	return c, nil
}

func boolOr(name string, def bool) bool {
	v := env.GetOrDefault(name, "")
	if v == "" {
		return def
	}
	return util.IsTruthy(v)
}

// ApplyEnv overrides settings from USB2SNES_* environment variables.
func (c *Config) ApplyEnv() {
	t := &c.Transfer
	t.ChunkSize = env.IntOrDefault("USB2SNES_CHUNK_SIZE", t.ChunkSize)
	t.PreCreateDir = boolOr("USB2SNES_PREEMPTIVE_DIR", t.PreCreateDir)
	t.Verify = boolOr("USB2SNES_VERIFY_UPLOAD", t.Verify)
	t.StrictVerify = boolOr("USB2SNES_STRICT_VERIFY", t.StrictVerify)
	t.TimeoutPerMB = env.SecondsOrDefault("USB2SNES_TIMEOUT_PER_MB", t.TimeoutPerMB)
	t.HighWaterMark = env.IntOrDefault("USB2SNES_HIGH_WATER", t.HighWaterMark)
	t.Backpressure = boolOr("USB2SNES_BACKPRESSURE", t.Backpressure)

	c.Serial.Path = env.GetOrDefault("USB2SNES_PORT", c.Serial.Path)
	c.QUsb2Snes.URL = env.GetOrDefault("USB2SNES_URL", c.QUsb2Snes.URL)
	c.Driver = env.GetOrDefault("USB2SNES_DRIVER", c.Driver)
}

// ForFXPakPro returns the serial driver's config with the shared sections merged in.
func (c Config) ForFXPakPro() fxpakpro.Config {
	f := c.FXPakPro
	f.Serial = c.Serial
	f.Transfer = c.Transfer
	return f
}

// ForQUsb2Snes returns the WebSocket driver's config with the shared sections merged in.
func (c Config) ForQUsb2Snes() qusb2snes.Config {
	q := c.QUsb2Snes
	q.Transfer = c.Transfer
	return q
}

// DriverConfig returns what snes.Configure expects for the named driver, or nil.
func (c Config) DriverConfig(driver string) any {
	switch driver {
	case "fxpakpro", "mock":
		return c.ForFXPakPro()
	case "qusb2snes":
		return c.ForQUsb2Snes()
	}
	return nil
}
