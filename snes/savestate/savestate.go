// Package savestate drives the savestate interface that patched ROMs expose in SNES memory.
package savestate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"sync"
	"time"
)

const (
	// Size is the length of a savestate blob.
	Size = 320 * 1024
	// DataAddress is where the ROM keeps the savestate blob.
	DataAddress = 0xF00000

	// InterfaceAddress11 is the control block address on firmware 11 and later.
	InterfaceAddress11 = 0xFE1000
	// InterfaceAddressLegacy is the control block address on older firmware.
	InterfaceAddressLegacy = 0xFC2000
)

var (
	ErrNotSafe = errors.New("savestate: timed out waiting for safe state")
	ErrBadSize = errors.New("savestate: blob must be exactly 320 KiB")
)

// Memory is the part of a device the engine needs.
type Memory interface {
	ReadMemory(ctx context.Context, address uint32, size int) ([]byte, error)
	WriteMemory(ctx context.Context, address uint32, data []byte) error
}

type Config struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	// SafeTimeout bounds the wait for an idle interface before starting.
	SafeTimeout time.Duration `yaml:"safe_timeout"`
	// CompleteTimeout bounds the wait for a triggered save or load to finish.
	CompleteTimeout time.Duration `yaml:"complete_timeout"`
	// TriggerDelay is how long to wait after triggering before polling.
	TriggerDelay time.Duration `yaml:"trigger_delay"`
}

func DefaultConfig() Config {
	return Config{
		PollInterval:    30 * time.Millisecond,
		SafeTimeout:     5 * time.Second,
		CompleteTimeout: 10 * time.Second,
		TriggerDelay:    100 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.SafeTimeout <= 0 {
		c.SafeTimeout = d.SafeTimeout
	}
	if c.CompleteTimeout <= 0 {
		c.CompleteTimeout = d.CompleteTimeout
	}
	if c.TriggerDelay < 0 {
		c.TriggerDelay = d.TriggerDelay
	}
	return c
}

type Engine struct {
	cfg Config
	mem Memory

	mu       sync.Mutex
	firmware string
	iface    uint32
}

// New creates an engine assuming legacy firmware until SetFirmwareVersion says otherwise.
func New(mem Memory, cfg Config) *Engine {
	return &Engine{
		cfg:   cfg.withDefaults(),
		mem:   mem,
		iface: InterfaceAddressLegacy,
	}
}

var firstNumber = regexp.MustCompile(`\d+`)

// SetFirmwareVersion picks the interface address from the first number in the version string.
// A string without a number leaves the address unchanged.
func (e *Engine) SetFirmwareVersion(version string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.firmware = version

	m := firstNumber.FindString(version)
	if m == "" {
		log.Printf("savestate: no version number in %q; keeping interface at $%06x\n", version, e.iface)
		return
	}
	major, err := strconv.Atoi(m)
	if err != nil {
		return
	}
	if major >= 11 {
		e.iface = InterfaceAddress11
	} else {
		e.iface = InterfaceAddressLegacy
	}
	log.Printf("savestate: firmware %q: interface at $%06x\n", version, e.iface)
}

func (e *Engine) InterfaceAddress() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.iface
}

// Supported reports whether the interface block can be read at all. It cannot tell whether
// the running ROM is actually patched.
func (e *Engine) Supported(ctx context.Context) bool {
	_, err := e.mem.ReadMemory(ctx, e.InterfaceAddress(), 2)
	return err == nil
}

// WaitForSafeState polls the save and load flags until both are clear.
func (e *Engine) WaitForSafeState(ctx context.Context, timeout time.Duration) error {
	iface := e.InterfaceAddress()
	deadline := time.Now().Add(timeout)
	for {
		flags, err := e.mem.ReadMemory(ctx, iface, 2)
		if err != nil {
			return fmt.Errorf("savestate: read flags: %w", err)
		}
		if len(flags) == 2 && flags[0] == 0 && flags[1] == 0 {
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w after %v (flags % x)", ErrNotSafe, timeout, flags)
		}

		t := time.NewTimer(e.cfg.PollInterval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

func (e *Engine) pause(ctx context.Context) error {
	t := time.NewTimer(e.cfg.TriggerDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Save reads the savestate blob. With trigger set the ROM is first asked to take a fresh
// savestate; otherwise whatever is in memory is returned.
func (e *Engine) Save(ctx context.Context, trigger bool) ([]byte, error) {
	if err := e.WaitForSafeState(ctx, e.cfg.SafeTimeout); err != nil {
		return nil, err
	}

	if trigger {
		log.Println("savestate: triggering save")
		if err := e.mem.WriteMemory(ctx, e.InterfaceAddress(), []byte{1, 0}); err != nil {
			return nil, fmt.Errorf("savestate: trigger save: %w", err)
		}
		if err := e.pause(ctx); err != nil {
			return nil, err
		}
		if err := e.WaitForSafeState(ctx, e.cfg.CompleteTimeout); err != nil {
			return nil, err
		}
	}

	data, err := e.mem.ReadMemory(ctx, DataAddress, Size)
	if err != nil {
		return nil, fmt.Errorf("savestate: read: %w", err)
	}
	if len(data) != Size {
		return nil, fmt.Errorf("%w: read %d bytes", ErrBadSize, len(data))
	}
	log.Println("savestate: captured")
	return data, nil
}

// Load writes blob back and asks the ROM to restore it.
func (e *Engine) Load(ctx context.Context, blob []byte) error {
	if len(blob) != Size {
		return fmt.Errorf("%w: got %d bytes", ErrBadSize, len(blob))
	}
	if err := e.WaitForSafeState(ctx, e.cfg.SafeTimeout); err != nil {
		return err
	}

	if err := e.mem.WriteMemory(ctx, DataAddress, blob); err != nil {
		return fmt.Errorf("savestate: write: %w", err)
	}
	log.Println("savestate: triggering load")
	if err := e.mem.WriteMemory(ctx, e.InterfaceAddress()+1, []byte{1}); err != nil {
		return fmt.Errorf("savestate: trigger load: %w", err)
	}
	if err := e.pause(ctx); err != nil {
		return err
	}
	if err := e.WaitForSafeState(ctx, e.cfg.CompleteTimeout); err != nil {
		return err
	}
	log.Println("savestate: loaded")
	return nil
}
