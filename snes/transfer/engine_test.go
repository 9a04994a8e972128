package transfer

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"usb2snes/snes"
	"usb2snes/util"
)

// slowSink queues chunks and drains them at a fixed rate, like a socket's send buffer.
type slowSink struct {
	mu       sync.Mutex
	buffered int
	peak     int
	chunks   [][]byte
	drain    int
	stopped  bool
}

func (s *slowSink) Send(ctx context.Context, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, append([]byte(nil), chunk...))
	s.buffered += len(chunk)
	if s.buffered > s.peak {
		s.peak = s.buffered
	}
	return nil
}

func (s *slowSink) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffered
}

func (s *slowSink) WaitBuffered(ctx context.Context, n int) error {
	for {
		s.mu.Lock()
		if s.buffered <= n {
			s.mu.Unlock()
			return nil
		}
		if !s.stopped {
			s.buffered -= s.drain
			if s.buffered < 0 {
				s.buffered = 0
			}
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (s *slowSink) data() []byte {
	return bytes.Join(s.chunks, nil)
}

func testData(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func TestEngine_Send(t *testing.T) {
	util.CaptureLog(t)

	tests := []struct {
		name       string
		size       int
		chunkSize  int
		wantChunks int
	}{
		{"empty", 0, 1024, 0},
		{"one partial chunk", 100, 1024, 1},
		{"exact chunks", 4096, 1024, 4},
		{"remainder", 70000, 1024, 69},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.ChunkSize = tt.chunkSize
			cfg.HighWaterMark = 4096
			e := New(cfg)

			sink := &slowSink{drain: 512}
			src := testData(tt.size)

			var lastDone, lastTotal int64
			res, err := e.Send(context.Background(), sink, Upload{
				Path:   "/test.bin",
				Size:   int64(tt.size),
				Source: bytes.NewReader(src),
				Progress: func(done, total int64) {
					if done < lastDone {
						t.Errorf("progress went backwards: %d < %d", done, lastDone)
					}
					lastDone, lastTotal = done, total
				},
			})
			if err != nil {
				t.Fatal(err)
			}

			if res.Bytes != int64(tt.size) || res.Chunks != tt.wantChunks {
				t.Errorf("Send() = %+v, want %d bytes in %d chunks", res, tt.size, tt.wantChunks)
			}
			if !bytes.Equal(sink.data(), src) {
				t.Error("sink received different bytes")
			}
			if lastDone != int64(tt.size) || lastTotal != int64(tt.size) {
				t.Errorf("final progress = %d/%d", lastDone, lastTotal)
			}
			if sink.peak > cfg.HighWaterMark+cfg.ChunkSize {
				t.Errorf("peak buffered %d exceeds high water mark %d plus one chunk", sink.peak, cfg.HighWaterMark)
			}
			if sink.Buffered() != 0 {
				t.Errorf("%d bytes left buffered after Send", sink.Buffered())
			}
		})
	}
}

func TestEngine_SendShortSource(t *testing.T) {
	util.CaptureLog(t)
	e := New(DefaultConfig())

	res, err := e.Send(context.Background(), &slowSink{drain: 1 << 20}, Upload{
		Path:   "/short.bin",
		Size:   5000,
		Source: bytes.NewReader(testData(3000)),
	})
	if !errors.Is(err, snes.ErrSizeMismatch) {
		t.Fatalf("Send() error = %v, want %v", err, snes.ErrSizeMismatch)
	}
	if res.Bytes != 3000 {
		t.Errorf("Bytes = %d, want 3000", res.Bytes)
	}
}

func TestEngine_SendDrainTimeoutWarns(t *testing.T) {
	util.CaptureLog(t)
	cfg := DefaultConfig()
	cfg.DrainTimeout = 20 * time.Millisecond
	e := New(cfg)

	sink := &slowSink{stopped: true}
	_, err := e.Send(context.Background(), sink, Upload{Path: "/stuck.bin", Size: 10, Source: bytes.NewReader(testData(10))})
	if err != nil {
		t.Errorf("Send() error = %v, want a warning only", err)
	}
}

type plainSink struct{ bytes.Buffer }

func (s *plainSink) Send(ctx context.Context, chunk []byte) error {
	_, err := s.Write(chunk)
	return err
}

func TestEngine_SendWithoutBackpressure(t *testing.T) {
	util.CaptureLog(t)
	e := New(DefaultConfig())

	sink := &plainSink{}
	src := testData(2500)
	res, err := e.Send(context.Background(), sink, Upload{Path: "/p.bin", Size: int64(len(src)), Source: bytes.NewReader(src)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Chunks != 3 || !bytes.Equal(sink.Bytes(), src) {
		t.Errorf("Send() = %+v", res)
	}
}

// fakeFS lists a static tree; files can be made to appear after a number of listings.
type fakeFS struct {
	mu      sync.Mutex
	dirs    map[string][]snes.DirEntry
	appear  map[string]int
	listed  []string
	made    []string
	listErr error
}

func (f *fakeFS) List(ctx context.Context, p string) ([]snes.DirEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listed = append(f.listed, p)
	if f.listErr != nil {
		return nil, f.listErr
	}
	entries, ok := f.dirs[p]
	if !ok {
		return nil, errors.New("no such directory")
	}
	out := append([]snes.DirEntry(nil), entries...)
	for name, after := range f.appear {
		dir, base := snes.SplitPath(name)
		if dir != p {
			continue
		}
		if after <= 0 {
			out = append(out, snes.DirEntry{Type: snes.FileTypeFile, Name: base})
		}
		f.appear[name] = after - 1
	}
	return out, nil
}

func (f *fakeFS) MakeDir(ctx context.Context, p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.made = append(f.made, p)
	parent, name := snes.SplitPath(p)
	f.dirs[parent] = append(f.dirs[parent], snes.DirEntry{Type: snes.FileTypeDirectory, Name: name})
	f.dirs[p] = nil
	return nil
}

func fastVerifyConfig() Config {
	cfg := DefaultConfig()
	cfg.VerifyDelay = time.Millisecond
	cfg.SettleMin = time.Millisecond
	cfg.SettlePerMB = time.Millisecond
	return cfg
}

func TestEngine_Confirm(t *testing.T) {
	util.CaptureLog(t)

	tests := []struct {
		name    string
		verify  bool
		strict  bool
		appear  int
		wantErr bool
	}{
		{"verified first try", true, false, 0, false},
		{"verified after retries", true, false, 2, false},
		{"never appears, soft", true, false, 100, false},
		{"never appears, strict", true, true, 100, true},
		{"readiness check", false, false, 100, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := fastVerifyConfig()
			cfg.Verify = tt.verify
			cfg.StrictVerify = tt.strict
			e := New(cfg)

			fs := &fakeFS{
				dirs:   map[string][]snes.DirEntry{"/roms": nil},
				appear: map[string]int{"/roms/a.sfc": tt.appear},
			}
			err := e.Confirm(context.Background(), fs, "/roms/a.sfc", 1024)
			if (err != nil) != tt.wantErr {
				t.Errorf("Confirm() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(fs.listed) == 0 || fs.listed[0] != "/roms" {
				t.Errorf("listed %v, want the parent directory", fs.listed)
			}
			if !tt.verify && len(fs.listed) != 1 {
				t.Errorf("readiness probe listed %d times", len(fs.listed))
			}
		})
	}
}

func TestEngine_ConfirmTerminalError(t *testing.T) {
	util.CaptureLog(t)
	e := New(fastVerifyConfig())

	fs := &fakeFS{listErr: snes.ErrTransportClosed}
	err := e.Confirm(context.Background(), fs, "/a.sfc", 1)
	if !errors.Is(err, snes.ErrTransportClosed) {
		t.Errorf("Confirm() error = %v, want %v", err, snes.ErrTransportClosed)
	}
	if len(fs.listed) != 1 {
		t.Errorf("retried %d times after the connection closed", len(fs.listed))
	}
}

func TestDirCache_Ensure(t *testing.T) {
	fs := &fakeFS{dirs: map[string][]snes.DirEntry{
		"/": {{Type: snes.FileTypeDirectory, Name: "sd2snes"}},
	}}
	c := NewDirCache()

	if err := c.Ensure(context.Background(), "/roms/hacks", fs, fs.MakeDir); err != nil {
		t.Fatal(err)
	}
	if want := []string{"/roms", "/roms/hacks"}; !reflect.DeepEqual(fs.made, want) {
		t.Errorf("made %v, want %v", fs.made, want)
	}
	if want := []string{"/", "/roms"}; !reflect.DeepEqual(fs.listed, want) {
		t.Errorf("listed %v, want %v", fs.listed, want)
	}

	// cached: no further traffic
	fs.listed, fs.made = nil, nil
	if err := c.Ensure(context.Background(), "/roms/hacks/", fs, fs.MakeDir); err != nil {
		t.Fatal(err)
	}
	if len(fs.listed)+len(fs.made) != 0 {
		t.Errorf("cached directory caused listed=%v made=%v", fs.listed, fs.made)
	}

	// existing directories are not recreated
	if err := c.Ensure(context.Background(), "/sd2snes", fs, fs.MakeDir); err != nil {
		t.Fatal(err)
	}
	if len(fs.made) != 0 {
		t.Errorf("made %v for an existing directory", fs.made)
	}
}

func TestDirCache_EnsureFileInTheWay(t *testing.T) {
	fs := &fakeFS{dirs: map[string][]snes.DirEntry{
		"/": {{Type: snes.FileTypeFile, Name: "roms"}},
	}}
	if err := NewDirCache().Ensure(context.Background(), "/roms", fs, fs.MakeDir); err == nil {
		t.Error("expected an error when a file has the directory's name")
	}
}

func TestReceive(t *testing.T) {
	util.CaptureLog(t)
	src := testData(3000)

	chunks := [][]byte{src[:1000], src[1000:2024], src[2024:]}
	i := 0
	next := func(timeout time.Duration) ([]byte, error) {
		if i >= len(chunks) {
			return nil, snes.ErrTimeout
		}
		c := chunks[i]
		i++
		return c, nil
	}
	got, err := Receive(context.Background(), next, int64(len(src)), time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, src) {
		t.Error("received different bytes")
	}
}

func TestReceive_Errors(t *testing.T) {
	util.CaptureLog(t)

	tests := []struct {
		name string
		next func(time.Duration) ([]byte, error)
		want error
	}{
		{
			name: "timeout mid transfer",
			next: func() func(time.Duration) ([]byte, error) {
				n := 0
				return func(time.Duration) ([]byte, error) {
					n++
					if n > 1 {
						return nil, snes.ErrTimeout
					}
					return make([]byte, 10), nil
				}
			}(),
			want: snes.ErrTimeout,
		},
		{
			name: "overshoot",
			next: func(time.Duration) ([]byte, error) { return make([]byte, 200), nil },
			want: snes.ErrSizeMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Receive(context.Background(), tt.next, 100, time.Second, nil)
			if !errors.Is(err, tt.want) {
				t.Errorf("Receive() error = %v, want %v", err, tt.want)
			}
		})
	}
}
