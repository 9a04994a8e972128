package snes

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Driver opens Devices by name. For the serial driver the name is a port path (empty to
// auto-detect); for the WebSocket driver it is the proxy's device name (empty for the first).
type Driver interface {
	Open(ctx context.Context, name string) (Device, error)
	// Detect lists the names that Open would accept.
	Detect(ctx context.Context) ([]string, error)
}

// Configurable drivers accept their package-specific configuration before Open.
type Configurable interface {
	Configure(cfg any) error
}

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Driver)
)

// Register makes a SNES driver available by the provided name.
// If Register is called twice with the same name or if driver is nil,
// it panics.
func Register(name string, driver Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if driver == nil {
		panic("snes: Register driver is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("snes: Register called twice for driver " + name)
	}
	drivers[name] = driver
}

func unregisterAllDrivers() {
	driversMu.Lock()
	defer driversMu.Unlock()
	// For tests.
	drivers = make(map[string]Driver)
}

// Drivers returns a sorted list of the names of the registered drivers.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	list := make([]string, 0, len(drivers))
	for name := range drivers {
		list = append(list, name)
	}
	sort.Strings(list)
	return list
}

func lookup(driverName string) (Driver, error) {
	driversMu.RLock()
	driveri, ok := drivers[driverName]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("snes: unknown driver %q (forgotten import?)", driverName)
	}
	return driveri, nil
}

// Configure passes cfg to the named driver if it accepts configuration.
func Configure(driverName string, cfg any) error {
	d, err := lookup(driverName)
	if err != nil {
		return err
	}
	c, ok := d.(Configurable)
	if !ok {
		return fmt.Errorf("snes: driver %q is not configurable", driverName)
	}
	return c.Configure(cfg)
}

func Detect(ctx context.Context, driverName string) ([]string, error) {
	d, err := lookup(driverName)
	if err != nil {
		return nil, err
	}
	return d.Detect(ctx)
}

func Open(ctx context.Context, driverName, name string) (Device, error) {
	d, err := lookup(driverName)
	if err != nil {
		return nil, err
	}
	return d.Open(ctx, name)
}
