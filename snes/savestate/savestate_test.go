package savestate

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"usb2snes/snes/mock"
	"usb2snes/util"
)

func testConfig() Config {
	return Config{
		PollInterval:    2 * time.Millisecond,
		SafeTimeout:     200 * time.Millisecond,
		CompleteTimeout: time.Second,
		TriggerDelay:    5 * time.Millisecond,
	}
}

func newTestEngine(t *testing.T) (*Engine, *mock.Memory, *mock.SavestateROM) {
	t.Helper()
	util.CaptureLog(t)

	m := mock.NewMemory()
	rom := &mock.SavestateROM{
		Interface: InterfaceAddress11,
		Data:      DataAddress,
		Size:      Size,
		Delay:     20 * time.Millisecond,
	}
	rom.Install(m)

	e := New(m, testConfig())
	e.SetFirmwareVersion("11.0")
	return e, m, rom
}

func TestEngine_SetFirmwareVersion(t *testing.T) {
	util.CaptureLog(t)

	tests := []struct {
		version string
		want    uint32
	}{
		{"11.0", InterfaceAddress11},
		{"12", InterfaceAddress11},
		{"v15-beta", InterfaceAddress11},
		{"10.9", InterfaceAddressLegacy},
		{"1.11.0", InterfaceAddressLegacy},
		{"0", InterfaceAddressLegacy},
	}
	for _, tt := range tests {
		e := New(mock.NewMemory(), Config{})
		e.SetFirmwareVersion(tt.version)
		if got := e.InterfaceAddress(); got != tt.want {
			t.Errorf("SetFirmwareVersion(%q): InterfaceAddress() = $%06x, want $%06x", tt.version, got, tt.want)
		}
	}

	e := New(mock.NewMemory(), Config{})
	e.SetFirmwareVersion("11")
	e.SetFirmwareVersion("unknown")
	if got := e.InterfaceAddress(); got != InterfaceAddress11 {
		t.Errorf("version without a number changed the interface address to $%06x", got)
	}
}

func TestEngine_Save(t *testing.T) {
	e, _, rom := newTestEngine(t)

	blob, err := e.Save(context.Background(), true)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if len(blob) != Size {
		t.Fatalf("Save() returned %d bytes, want %d", len(blob), Size)
	}
	if blob[0] != 1 || blob[1] != 2 {
		t.Errorf("Save() did not return the fresh state: % x", blob[:4])
	}
	if saves, loads := rom.Counts(); saves != 1 || loads != 0 {
		t.Errorf("Counts() = %d, %d; want 1, 0", saves, loads)
	}

	// without a trigger the existing blob is read back as is
	again, err := e.Save(context.Background(), false)
	if err != nil {
		t.Fatalf("Save(false) error = %v", err)
	}
	if !bytes.Equal(again, blob) {
		t.Error("Save(false) returned different data")
	}
	if saves, _ := rom.Counts(); saves != 1 {
		t.Errorf("Save(false) triggered a save")
	}
}

func TestEngine_Load(t *testing.T) {
	e, m, rom := newTestEngine(t)

	if err := e.Load(context.Background(), make([]byte, Size-1)); !errors.Is(err, ErrBadSize) {
		t.Errorf("Load() of short blob error = %v, want %v", err, ErrBadSize)
	}

	blob := make([]byte, Size)
	for i := range blob {
		blob[i] = byte(i * 3)
	}
	if err := e.Load(context.Background(), blob); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, loads := rom.Counts(); loads != 1 {
		t.Errorf("loads = %d, want 1", loads)
	}
	if !bytes.Equal(rom.Loaded(), blob) {
		t.Error("ROM did not see the written blob when the load was triggered")
	}
	if flags := m.Peek(InterfaceAddress11, 2); flags[0] != 0 || flags[1] != 0 {
		t.Errorf("flags = % x after load", flags)
	}
}

func TestEngine_RoundTrip(t *testing.T) {
	e, m, rom := newTestEngine(t)
	ctx := context.Background()

	first, err := e.Save(ctx, true)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if len(first) != Size {
		t.Fatalf("len(Save()) = %d, want %d", len(first), Size)
	}

	// a later save leaves a different state behind
	second, err := e.Save(ctx, true)
	if err != nil {
		t.Fatalf("second Save() error = %v", err)
	}
	if bytes.Equal(first, second) {
		t.Fatal("consecutive saves produced identical states")
	}

	if err := e.Load(ctx, first); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !bytes.Equal(rom.Loaded(), first) {
		t.Error("ROM did not load the first saved state")
	}
	if !bytes.Equal(m.Peek(DataAddress, Size), first) {
		t.Error("state area does not hold the first saved state after Load()")
	}

	again, err := e.Save(ctx, false)
	if err != nil {
		t.Fatalf("Save(false) error = %v", err)
	}
	if !bytes.Equal(again, first) {
		t.Error("reading the state back after Load() returned different data")
	}
	if saves, loads := rom.Counts(); saves != 2 || loads != 1 {
		t.Errorf("Counts() = %d, %d; want 2, 1", saves, loads)
	}
}

func TestEngine_NotSafe(t *testing.T) {
	e, m, rom := newTestEngine(t)

	// a load still in progress that never finishes
	m.Poke(InterfaceAddress11+1, 1)

	start := time.Now()
	_, err := e.Save(context.Background(), true)
	if !errors.Is(err, ErrNotSafe) {
		t.Fatalf("Save() error = %v, want %v", err, ErrNotSafe)
	}
	if d := time.Since(start); d < testConfig().SafeTimeout {
		t.Errorf("Save() gave up after %v", d)
	}
	if saves, _ := rom.Counts(); saves != 0 {
		t.Error("save triggered while the interface was busy")
	}
}

func TestEngine_Cancelled(t *testing.T) {
	e, m, _ := newTestEngine(t)
	m.Poke(InterfaceAddress11, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := e.WaitForSafeState(ctx, time.Minute); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitForSafeState() error = %v, want %v", err, context.DeadlineExceeded)
	}
}

type failingMemory struct{}

func (failingMemory) ReadMemory(ctx context.Context, address uint32, size int) ([]byte, error) {
	return nil, errors.New("no device")
}

func (failingMemory) WriteMemory(ctx context.Context, address uint32, data []byte) error {
	return errors.New("no device")
}

func TestEngine_Supported(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if !e.Supported(context.Background()) {
		t.Error("Supported() = false with readable memory")
	}
	if New(failingMemory{}, Config{}).Supported(context.Background()) {
		t.Error("Supported() = true when reads fail")
	}
}
