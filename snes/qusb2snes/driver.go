package qusb2snes

import (
	"context"
	"fmt"
	"sync"

	"usb2snes/snes"
)

const driverName = "qusb2snes"

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

// Detect connects just long enough to ask for the device list.
func (d *Driver) Detect(ctx context.Context) ([]string, error) {
	cfg := d.config()
	cfg.AppName += "-discover"
	cl, err := Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer cl.Close()

	return cl.DeviceList(ctx)
}

// Open connects, attaches to the named device (or the configured or first listed one) and
// announces the application name.
func (d *Driver) Open(ctx context.Context, name string) (snes.Device, error) {
	cfg := d.config()
	cl, err := Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err = cl.open(ctx, name); err != nil {
		_ = cl.Close()
		return nil, err
	}
	return cl, nil
}

func (cl *Client) open(ctx context.Context, name string) error {
	if name == "" {
		name = cl.cfg.Device
	}
	if name == "" {
		devices, err := cl.DeviceList(ctx)
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			return fmt.Errorf("%s: no devices found", driverName)
		}
		name = devices[0]
	}

	if err := cl.Attach(ctx, name); err != nil {
		return err
	}
	return cl.Name(ctx, cl.cfg.AppName)
}

func init() {
	snes.Register(driverName, &Driver{cfg: DefaultConfig()})
}
