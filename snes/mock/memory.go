package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"usb2snes/snes"
)

// AddressSpace is the full 24-bit USB2SNES address space.
const AddressSpace = 1 << 24

type WriteHook func(m *Memory, address uint32, data []byte)

// Memory is a flat 16 MiB address space with optional hooks observing writes.
type Memory struct {
	mu    sync.Mutex
	data  []byte
	hooks []WriteHook

	reads  int
	writes int
}

func NewMemory() *Memory {
	return &Memory{data: make([]byte, AddressSpace)}
}

func (m *Memory) check(address uint32, size int) error {
	if size < 0 || uint64(address)+uint64(size) > AddressSpace {
		return fmt.Errorf("mock: $%06x+%d: %w", address, size, snes.ErrOutOfRange)
	}
	return nil
}

// Read returns a copy of size bytes at address.
func (m *Memory) Read(address uint32, size int) ([]byte, error) {
	if err := m.check(address, size); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	out := make([]byte, size)
	copy(out, m.data[address:])
	return out, nil
}

// Write stores data at address and then runs the write hooks.
func (m *Memory) Write(address uint32, data []byte) error {
	if err := m.check(address, len(data)); err != nil {
		return err
	}
	m.mu.Lock()
	m.writes++
	copy(m.data[address:], data)
	hooks := m.hooks
	m.mu.Unlock()

	for _, h := range hooks {
		h(m, address, data)
	}
	return nil
}

// Poke stores data without running hooks.
func (m *Memory) Poke(address uint32, data ...byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.data[address:], data)
}

func (m *Memory) Peek(address uint32, size int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, size)
	copy(out, m.data[address:])
	return out
}

func (m *Memory) OnWrite(h WriteHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, h)
}

// Counts returns how many reads and writes have been served.
func (m *Memory) Counts() (reads, writes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads, m.writes
}

// The methods below let a Memory stand in for a connected device in savestate and watcher
// tests.

func (m *Memory) ReadMemory(ctx context.Context, address uint32, size int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.Read(address, size)
}

func (m *Memory) ReadMemoryBatch(ctx context.Context, reqs []snes.ReadRequest) ([][]byte, error) {
	out := make([][]byte, len(reqs))
	for i, r := range reqs {
		b, err := m.ReadMemory(ctx, r.Address, r.Size)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func (m *Memory) WriteMemory(ctx context.Context, address uint32, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.Write(address, data)
}

// SavestateROM simulates a ROM patched with the savestate interface at iface: writing a
// non-zero save or load flag fills or consumes the state area and clears the flag after
// Delay.
type SavestateROM struct {
	Interface uint32
	Data      uint32
	Size      int
	Delay     time.Duration

	mu     sync.Mutex
	saves  int
	loads  int
	loaded []byte
}

// Install registers the savestate behaviour on m.
func (s *SavestateROM) Install(m *Memory) {
	m.OnWrite(func(m *Memory, address uint32, data []byte) {
		end := address + uint32(len(data))
		for _, flag := range []uint32{s.Interface, s.Interface + 1} {
			if flag < address || flag >= end || data[flag-address] == 0 {
				continue
			}
			save := flag == s.Interface
			go s.complete(m, flag, save)
		}
	})
}

func (s *SavestateROM) complete(m *Memory, flag uint32, save bool) {
	time.Sleep(s.Delay)

	s.mu.Lock()
	if save {
		s.saves++
		state := make([]byte, s.Size)
		for i := range state {
			state[i] = byte(i + s.saves)
		}
		m.Poke(s.Data, state...)
	} else {
		s.loads++
		s.loaded = m.Peek(s.Data, s.Size)
	}
	s.mu.Unlock()

	m.Poke(flag, 0)
}

func (s *SavestateROM) Counts() (saves, loads int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves, s.loads
}

// Loaded returns the state area as it was when the last load was triggered.
func (s *SavestateROM) Loaded() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}
