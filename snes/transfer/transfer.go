package transfer

import (
	"context"
	"time"

	"usb2snes/snes"
)

type Config struct {
	ChunkSize int `yaml:"chunk_size"`

	// Backpressure makes Send wait for the sink's buffered bytes to fall below HighWaterMark
	// before each chunk, and for a full drain after the last one.
	Backpressure  bool          `yaml:"backpressure"`
	HighWaterMark int           `yaml:"high_water_mark"`
	DrainTimeout  time.Duration `yaml:"drain_timeout"`

	// PreCreateDir creates the destination directory before an upload.
	PreCreateDir bool `yaml:"pre_create_dir"`

	// Verify polls the destination directory after an upload until the file shows up.
	Verify         bool          `yaml:"verify"`
	StrictVerify   bool          `yaml:"strict_verify"`
	VerifyDelay    time.Duration `yaml:"verify_delay"`
	VerifyAttempts int           `yaml:"verify_attempts"`

	// SettlePerMB scales the pause before the readiness probe when Verify is off.
	SettlePerMB time.Duration `yaml:"settle_per_mb"`
	SettleMin   time.Duration `yaml:"settle_min"`

	// ReadTimeout bounds each individual read while receiving a file.
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// TimeoutPerMB scales the overall deadline of a blocking upload.
	TimeoutPerMB time.Duration `yaml:"timeout_per_mb"`
}

func DefaultConfig() Config {
	return Config{
		ChunkSize:      1024,
		Backpressure:   true,
		HighWaterMark:  16 * 1024,
		DrainTimeout:   30 * time.Second,
		PreCreateDir:   true,
		Verify:         true,
		VerifyDelay:    time.Second,
		VerifyAttempts: 4,
		SettlePerMB:    500 * time.Millisecond,
		SettleMin:      250 * time.Millisecond,
		ReadTimeout:    10 * time.Second,
		TimeoutPerMB:   snes.DefaultTimeoutPerMB,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.HighWaterMark <= 0 {
		c.HighWaterMark = d.HighWaterMark
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
	if c.VerifyAttempts <= 0 {
		c.VerifyAttempts = d.VerifyAttempts
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.TimeoutPerMB <= 0 {
		c.TimeoutPerMB = d.TimeoutPerMB
	}
	return c
}

// Sink accepts upload chunks in order. Send must not retain chunk after it returns.
type Sink interface {
	Send(ctx context.Context, chunk []byte) error
}

// BufferedSink is a Sink that queues bytes before they reach the wire.
type BufferedSink interface {
	Sink
	Buffered() int
	// WaitBuffered blocks until at most n bytes are queued.
	WaitBuffered(ctx context.Context, n int) error
}

type Lister interface {
	List(ctx context.Context, path string) ([]snes.DirEntry, error)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
