package fxpakpro

import (
	"context"
	"fmt"
	"sync"

	"usb2snes/snes"
	"usb2snes/snes/serialport"
)

const driverName = "fxpakpro"

type Driver struct {
	mu  sync.Mutex
	cfg Config
}

func (d *Driver) config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Configure accepts a Config or *Config.
func (d *Driver) Configure(cfg any) error {
	var c Config
	switch v := cfg.(type) {
	case Config:
		c = v
	case *Config:
		c = *v
	default:
		return fmt.Errorf("%s: unexpected config type %T", driverName, cfg)
	}

	d.mu.Lock()
	d.cfg = c
	d.mu.Unlock()
	return nil
}

// Open opens the named serial port, or detects one when name is empty.
func (d *Driver) Open(ctx context.Context, name string) (snes.Device, error) {
	cfg := d.config()
	if name != "" {
		cfg.Serial.Path = name
	}
	cl, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return cl, nil
}

func (d *Driver) Detect(ctx context.Context) ([]string, error) {
	if path := d.config().Serial.Path; path != "" {
		return []string{path}, nil
	}
	return serialport.Detect()
}

func init() {
	snes.Register(driverName, &Driver{cfg: DefaultConfig()})
}
