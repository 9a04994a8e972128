package qusb2snes

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"usb2snes/snes"
	"usb2snes/snes/mock"
	"usb2snes/util"
)

func newTestServer(t *testing.T, devices ...string) *mock.QUsb {
	t.Helper()
	util.CaptureLog(t)

	q := mock.NewQUsb(devices...)
	q.Start()
	t.Cleanup(q.Close)
	return q
}

func testConfig(q *mock.QUsb) Config {
	cfg := DefaultConfig()
	cfg.URL = q.URL()
	cfg.AppName = "test"
	cfg.ReplyTimeout = 500 * time.Millisecond
	cfg.Transfer.VerifyDelay = 10 * time.Millisecond
	return cfg
}

// attached dials q and attaches to its first device.
func attached(t *testing.T, q *mock.QUsb) *Client {
	t.Helper()
	cl, err := (&Driver{cfg: testConfig(q)}).Open(context.Background(), "")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = cl.Close() })
	return cl.(*Client)
}

// settle waits for the proxy to get through everything sent so far.
func settle(t *testing.T, cl *Client) {
	t.Helper()
	if _, err := cl.Info(context.Background()); err != nil {
		t.Fatalf("Info() error = %v", err)
	}
}

func waitDisconnected(t *testing.T, cl *Client) {
	t.Helper()
	select {
	case <-cl.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not close")
	}
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7) ^ seed
	}
	return b
}

func countOpcode(reqs []mock.Request, opcode string) int {
	n := 0
	for _, r := range reqs {
		if r.Opcode == opcode {
			n++
		}
	}
	return n
}

func TestClient_StateGating(t *testing.T) {
	ctx := context.Background()
	q := newTestServer(t, "RetroArch Localhost", "SD2SNES COM3")

	cl, err := Dial(ctx, testConfig(q))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer cl.Close()

	if cl.State() != snes.Connected {
		t.Fatalf("State() = %v, want %v", cl.State(), snes.Connected)
	}
	if _, err = cl.ReadMemory(ctx, 0xF50000, 1); !errors.Is(err, snes.ErrInvalidState) {
		t.Errorf("ReadMemory() before Attach error = %v, want %v", err, snes.ErrInvalidState)
	}
	if err = cl.Name(ctx, "early"); !errors.Is(err, snes.ErrInvalidState) {
		t.Errorf("Name() before Attach error = %v, want %v", err, snes.ErrInvalidState)
	}

	devices, err := cl.DeviceList(ctx)
	if err != nil {
		t.Fatalf("DeviceList() error = %v", err)
	}
	if len(devices) != 2 || devices[1] != "SD2SNES COM3" {
		t.Fatalf("DeviceList() = %v", devices)
	}

	if err = cl.Attach(ctx, devices[1]); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if cl.State() != snes.Attached {
		t.Errorf("State() = %v, want %v", cl.State(), snes.Attached)
	}
	if name, sd2snes := cl.Device(); name != devices[1] || !sd2snes {
		t.Errorf("Device() = %q, %v", name, sd2snes)
	}
	if err = cl.Attach(ctx, devices[0]); !errors.Is(err, snes.ErrInvalidState) {
		t.Errorf("second Attach() error = %v, want %v", err, snes.ErrInvalidState)
	}

	cl.Close()
	if _, err = cl.DeviceList(ctx); !errors.Is(err, snes.ErrNotConnected) {
		t.Errorf("DeviceList() after Close error = %v, want %v", err, snes.ErrNotConnected)
	}
}

func TestDriver_Open(t *testing.T) {
	q := newTestServer(t, "RetroArch Localhost")
	cl := attached(t, q)

	info, err := cl.Info(context.Background())
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if info.Firmware != "1.11.0" || info.ROM != "/sd2snes/m3nu.bin" {
		t.Errorf("Info() = %+v", info)
	}
	if len(info.Features) != 1 || info.Features[0] != "NO_CONTROL_CMD" {
		t.Errorf("Features = %v", info.Features)
	}

	if names := q.Names(); len(names) != 1 || names[0] != "test" {
		t.Errorf("announced names = %v, want [test]", names)
	}
	if name, sd2snes := cl.Device(); name != "RetroArch Localhost" || sd2snes {
		t.Errorf("Device() = %q, %v", name, sd2snes)
	}

	detected, err := (&Driver{cfg: testConfig(q)}).Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(detected) != 1 || detected[0] != "RetroArch Localhost" {
		t.Errorf("Detect() = %v", detected)
	}
}

func TestClient_Memory(t *testing.T) {
	ctx := context.Background()
	q := newTestServer(t, "RetroArch Localhost")
	q.FrameSize = 100
	cl := attached(t, q)

	want := pattern(1000, 3)
	if err := cl.WriteMemory(ctx, 0xF50100, want); err != nil {
		t.Fatalf("WriteMemory() error = %v", err)
	}
	got, err := cl.ReadMemory(ctx, 0xF50100, len(want))
	if err != nil {
		t.Fatalf("ReadMemory() error = %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("ReadMemory() does not return the written data")
	}
	if !bytes.Equal(q.Mem.Peek(0xF50100, len(want)), want) {
		t.Error("proxy memory does not hold the written data")
	}
	if n := len(q.Programs()); n != 0 {
		t.Errorf("sent %d CMD programs to a non-SD2SNES device", n)
	}
}

func TestClient_WriteMemoryBatchOwnsData(t *testing.T) {
	ctx := context.Background()
	q := newTestServer(t, "RetroArch Localhost")
	cl := attached(t, q)

	buf := pattern(4096, 9)
	want := append([]byte(nil), buf...)
	if err := cl.WriteMemoryBatch(ctx, []snes.WriteRequest{{Address: 0xF50000, Data: buf}}); err != nil {
		t.Fatalf("WriteMemoryBatch() error = %v", err)
	}
	// the caller may reuse its buffer as soon as the call returns
	for i := range buf {
		buf[i] = 0xEE
	}
	settle(t, cl)

	if !bytes.Equal(q.Mem.Peek(0xF50000, len(want)), want) {
		t.Error("proxy memory does not hold the data as it was at the time of the call")
	}
}

func TestClient_ReadMemoryBatch(t *testing.T) {
	ctx := context.Background()
	q := newTestServer(t, "RetroArch Localhost")
	q.FrameSize = 7
	cl := attached(t, q)

	var reqs []snes.ReadRequest
	for i := 0; i < 10; i++ {
		a := uint32(0xF50000 + i*0x40)
		q.Mem.Poke(a, pattern(i+3, byte(i))...)
		reqs = append(reqs, snes.ReadRequest{Address: a, Size: i + 3})
	}
	reqs = append(reqs, snes.ReadRequest{Address: 0xF50000, Size: 0})

	got, err := cl.ReadMemoryBatch(ctx, reqs)
	if err != nil {
		t.Fatalf("ReadMemoryBatch() error = %v", err)
	}
	for i, r := range reqs {
		if want := q.Mem.Peek(r.Address, r.Size); !bytes.Equal(got[i], want) {
			t.Errorf("result %d = % x, want % x", i, got[i], want)
		}
	}
	if n := countOpcode(q.Requests(), "GetAddress"); n != 2 {
		t.Errorf("sent %d GetAddress requests, want 2", n)
	}
}

func TestClient_TextFrameData(t *testing.T) {
	q := newTestServer(t, "RetroArch Localhost")
	q.TextData = true
	cl := attached(t, q)

	// not valid UTF-8
	q.Mem.Poke(0xF50000, 0xFF, 0xFE, 0x80)
	got, err := cl.ReadMemory(context.Background(), 0xF50000, 3)
	if err != nil {
		t.Fatalf("ReadMemory() error = %v", err)
	}
	if !bytes.Equal(got, []byte{0xFF, 0xFE, 0x80}) {
		t.Errorf("ReadMemory() = % x", got)
	}
}

func TestClient_ShortRead(t *testing.T) {
	q := newTestServer(t, "RetroArch Localhost")
	q.Short = 1

	cfg := testConfig(q)
	cfg.ReplyTimeout = 50 * time.Millisecond
	cl, err := (&Driver{cfg: cfg}).Open(context.Background(), "")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer cl.Close()

	_, err = cl.ReadMemory(context.Background(), 0xF50000, 16)
	if !errors.Is(err, snes.ErrSizeMismatch) {
		t.Fatalf("ReadMemory() error = %v, want %v", err, snes.ErrSizeMismatch)
	}
	waitDisconnected(t, cl.(*Client))
}

func TestClient_ReplyTimeout(t *testing.T) {
	q := newTestServer(t, "RetroArch Localhost")
	// nothing at all comes back for a 16 byte read
	q.Short = 16

	cfg := testConfig(q)
	cfg.ReplyTimeout = 50 * time.Millisecond
	d, err := (&Driver{cfg: cfg}).Open(context.Background(), "")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer d.Close()
	cl := d.(*Client)

	for i := 1; i < snes.HangThreshold; i++ {
		_, err = cl.ReadMemory(context.Background(), 0xF50000, 16)
		if !errors.Is(err, snes.ErrTimeout) {
			t.Fatalf("ReadMemory() #%d error = %v, want %v", i, err, snes.ErrTimeout)
		}
		if errors.Is(err, snes.ErrSizeMismatch) {
			t.Errorf("ReadMemory() #%d error = %v, should not be a size mismatch", i, err)
		}
		if s := cl.State(); s != snes.Attached {
			t.Fatalf("state after timeout #%d = %v, want %v", i, s, snes.Attached)
		}
	}

	_, err = cl.ReadMemory(context.Background(), 0xF50000, 16)
	if !errors.Is(err, snes.ErrHungConnection) {
		t.Fatalf("ReadMemory() #%d error = %v, want %v", snes.HangThreshold, err, snes.ErrHungConnection)
	}
	waitDisconnected(t, cl)
}

func TestClient_SD2SNESWrites(t *testing.T) {
	ctx := context.Background()
	q := newTestServer(t, "SD2SNES COM3")
	cl := attached(t, q)

	reqs := []snes.WriteRequest{
		{Address: 0xF50010, Data: []byte{1, 2, 3}},
		{Address: 0xF6FFF0, Data: []byte{4}},
	}
	if err := cl.WriteMemoryBatch(ctx, reqs); err != nil {
		t.Fatalf("WriteMemoryBatch() error = %v", err)
	}
	settle(t, cl)

	programs := q.Programs()
	if len(programs) != 1 {
		t.Fatalf("proxy got %d CMD programs, want 1", len(programs))
	}
	want, _ := BuildCMDWrite(reqs)
	if !bytes.Equal(programs[0], want) {
		t.Errorf("program = % x, want % x", programs[0], want)
	}
	for _, r := range reqs {
		if got := q.Mem.Peek(r.Address, len(r.Data)); !bytes.Equal(got, r.Data) {
			t.Errorf("$%06x = % x, want % x", r.Address, got, r.Data)
		}
	}
	for _, r := range q.Requests() {
		if r.Opcode == "PutAddress" && r.Space != "CMD" {
			t.Errorf("plain PutAddress sent to an SD2SNES")
		}
	}

	err := cl.WriteMemory(ctx, 0xE00000, []byte{1})
	if !errors.Is(err, snes.ErrOutOfRange) {
		t.Errorf("WriteMemory() to SRAM error = %v, want %v", err, snes.ErrOutOfRange)
	}
	if cl.State() != snes.Attached {
		t.Error("rejected write closed the connection")
	}
}

func TestClient_Files(t *testing.T) {
	ctx := context.Background()
	q := newTestServer(t, "SD2SNES COM3")
	cl := attached(t, q)

	data := pattern(5000, 9)
	if err := cl.PutFile(ctx, "/roms/a.sfc", bytes.NewReader(data), int64(len(data)), nil); err != nil {
		t.Fatalf("PutFile() error = %v", err)
	}
	if !q.FS.IsDir("/roms") {
		t.Error("PutFile() did not create the destination directory")
	}

	got, err := cl.GetFile(ctx, "/roms/a.sfc", nil)
	if err != nil {
		t.Fatalf("GetFile() error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("GetFile() returned %d bytes differing from the %d uploaded", len(got), len(data))
	}

	entries, err := cl.List(ctx, "/roms")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "a.sfc" || entries[0].IsDir() {
		t.Errorf("List() = %+v, want just a.sfc", entries)
	}

	if err = cl.Rename(ctx, "/roms/a.sfc", "b.sfc"); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if err = cl.Remove(ctx, "/roms/b.sfc"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if entries, err = cl.List(ctx, "/roms"); err != nil || len(entries) != 0 {
		t.Errorf("List() after Remove = %+v, %v", entries, err)
	}
}

func TestClient_ListChecked(t *testing.T) {
	ctx := context.Background()
	q := newTestServer(t, "SD2SNES COM3")
	q.FS.MkdirAll("/Roms/Hacks")
	cl := attached(t, q)

	if _, err := cl.ListChecked(ctx, "/roms/hacks"); err != nil {
		t.Errorf("ListChecked() with different case error = %v", err)
	}

	tests := []struct {
		path string
		want error
	}{
		{"roms", ErrBadPath},
		{"/Roms/", ErrBadPath},
		{"/missing", ErrDirectoryAbsent},
		{"/Roms/Hacks/deeper", ErrDirectoryAbsent},
	}
	for _, tt := range tests {
		if _, err := cl.ListChecked(ctx, tt.path); !errors.Is(err, tt.want) {
			t.Errorf("ListChecked(%q) error = %v, want %v", tt.path, err, tt.want)
		}
	}
	if cl.State() != snes.Attached {
		t.Error("checked listing of a missing directory closed the connection")
	}
}

func TestClient_MakeDir(t *testing.T) {
	ctx := context.Background()
	q := newTestServer(t, "SD2SNES COM3")
	q.FS.MkdirAll("/saves")
	cl := attached(t, q)

	if err := cl.MakeDir(ctx, "/saves/new"); err != nil {
		t.Fatalf("MakeDir() error = %v", err)
	}
	settle(t, cl)
	if !q.FS.IsDir("/saves/new") {
		t.Fatal("directory not created")
	}

	if err := cl.MakeDir(ctx, "/Saves/NEW"); err != nil {
		t.Fatalf("MakeDir() of existing directory error = %v", err)
	}
	if n := countOpcode(q.Requests(), "MakeDir"); n != 1 {
		t.Errorf("sent %d MakeDir requests, want 1", n)
	}

	if err := cl.MakeDir(ctx, "/nowhere/new"); !errors.Is(err, ErrDirectoryAbsent) {
		t.Errorf("MakeDir() under a missing parent error = %v, want %v", err, ErrDirectoryAbsent)
	}
	if err := cl.MakeDir(ctx, "/"); !errors.Is(err, ErrBadPath) {
		t.Errorf("MakeDir(/) error = %v, want %v", err, ErrBadPath)
	}
}

func TestClient_Controls(t *testing.T) {
	ctx := context.Background()
	q := newTestServer(t, "SD2SNES COM3")
	cl := attached(t, q)

	if err := cl.Boot(ctx, "/roms/game.sfc"); err != nil {
		t.Fatalf("Boot() error = %v", err)
	}
	settle(t, cl)
	if q.ROM() != "/roms/game.sfc" {
		t.Errorf("ROM() = %q after Boot", q.ROM())
	}

	if err := cl.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if err := cl.Menu(ctx); err != nil {
		t.Fatalf("Menu() error = %v", err)
	}
	settle(t, cl)
	if q.ROM() != "/sd2snes/m3nu.bin" {
		t.Errorf("ROM() = %q after Menu", q.ROM())
	}
}

func TestClient_Reconnect(t *testing.T) {
	ctx := context.Background()
	q := newTestServer(t, "SD2SNES COM3")
	cl := attached(t, q)

	q.Kick()
	waitDisconnected(t, cl)
	if err := cl.Err(); !errors.Is(err, snes.ErrDeviceDisconnected) {
		t.Errorf("Err() = %v, want %v", err, snes.ErrDeviceDisconnected)
	}
	if _, err := cl.ReadMemory(ctx, 0xF50000, 1); !errors.Is(err, snes.ErrNotConnected) {
		t.Errorf("ReadMemory() after disconnect error = %v, want %v", err, snes.ErrNotConnected)
	}

	if err := cl.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if cl.State() != snes.Connected {
		t.Errorf("State() = %v, want %v", cl.State(), snes.Connected)
	}
	if name, _ := cl.Device(); name != "" {
		t.Errorf("Device() = %q after reconnect, want none", name)
	}
	if err := cl.Attach(ctx, "SD2SNES COM3"); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	settle(t, cl)
}
