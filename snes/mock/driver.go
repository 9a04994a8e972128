package mock

import (
	"context"
	"sync"

	"usb2snes/snes"
	"usb2snes/snes/fxpakpro"
)

const driverName = "mock"

// Driver opens fxpakpro clients on simulated hardware. Each name gets its own device, kept
// across reopens so files and memory persist for the life of the process.
type Driver struct {
	mu      sync.Mutex
	cfg     fxpakpro.Config
	devices map[string]*FXPak
}

func (d *Driver) Configure(cfg any) error {
	c, ok := cfg.(fxpakpro.Config)
	if !ok {
		return snes.ErrUnsupported
	}
	d.mu.Lock()
	d.cfg = c
	d.mu.Unlock()
	return nil
}

// Device returns the simulated hardware behind name, creating it if needed.
func (d *Driver) Device(name string) *FXPak {
	if name == "" {
		name = driverName
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.devices[name]
	if !ok || f.Gone() {
		f = seeded(name, f)
		d.devices[name] = f
	}
	return f
}

// seeded builds a device carrying over prev's memory and card, as if it had been replugged.
func seeded(name string, prev *FXPak) *FXPak {
	f := NewFXPak()
	f.name = name
	if prev != nil {
		f.Mem, f.FS = prev.Mem, prev.FS
		return f
	}
	f.FS.MkdirAll("/sd2snes")
	_ = f.FS.WriteFile("/sd2snes/m3nu.bin", make([]byte, 0x8000))
	return f
}

func (d *Driver) Open(ctx context.Context, name string) (snes.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f := d.Device(name)
	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()
	return fxpakpro.NewClient(f, cfg), nil
}

func (d *Driver) Detect(ctx context.Context) ([]string, error) {
	return []string{driverName}, nil
}

func init() {
	snes.Register(driverName, &Driver{cfg: fxpakpro.DefaultConfig(), devices: make(map[string]*FXPak)})
}
