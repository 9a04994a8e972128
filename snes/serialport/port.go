package serialport

import (
	"errors"
	"time"
)

var (
	ErrTimeout      = errors.New("serialport: read timed out")
	ErrClosed       = errors.New("serialport: port closed")
	ErrDisconnected = errors.New("serialport: device disconnected")
	ErrNoDevice     = errors.New("serialport: no device found among serial ports")
)

const (
	DefaultBaud         = 9600
	DefaultPollInterval = 10 * time.Millisecond
	DefaultEOFRetries   = 3
	// MinDTRHold is the shortest time DTR is held low for a reset to register.
	MinDTRHold = 500 * time.Millisecond
)

// Port is a serial device opened for raw binary I/O.
type Port interface {
	Name() string
	// Read waits up to timeout for data. It returns ErrTimeout when nothing arrived, and an
	// error wrapping ErrDisconnected when the device has gone away.
	Read(buf []byte, timeout time.Duration) (int, error)
	// Write writes all of buf or fails.
	Write(buf []byte) (int, error)
	// ResetViaDTR pulses DTR low to reset the device. DTR is left low.
	ResetViaDTR() error
	Close() error
}

type Config struct {
	// Path overrides detection when set.
	Path         string        `yaml:"path"`
	Baud         int           `yaml:"baud"`
	PollInterval time.Duration `yaml:"poll_interval"`
	EOFRetries   int           `yaml:"eof_retries"`
	DTRHold      time.Duration `yaml:"dtr_hold"`
	// Portable forces the go.bug.st/serial implementation on platforms with a raw fd implementation.
	Portable bool `yaml:"portable"`
}

func DefaultConfig() Config {
	return Config{
		Baud:         DefaultBaud,
		PollInterval: DefaultPollInterval,
		EOFRetries:   DefaultEOFRetries,
		DTRHold:      MinDTRHold,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Baud <= 0 {
		c.Baud = d.Baud
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.EOFRetries <= 0 {
		c.EOFRetries = d.EOFRetries
	}
	if c.DTRHold < MinDTRHold {
		c.DTRHold = MinDTRHold
	}
	return c
}

// Open opens path with the platform's preferred implementation.
func Open(path string, cfg Config) (Port, error) {
	cfg = cfg.withDefaults()
	if cfg.Portable {
		return openPortable(path, cfg)
	}
	return openNative(path, cfg)
}
