package fxpakpro

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"usb2snes/snes"
	"usb2snes/snes/serialport"
	"usb2snes/snes/transfer"
)

const (
	DefaultReplyTimeout = 5 * time.Second
	DefaultMkdirProbe   = 100 * time.Millisecond
	DefaultReadPoll     = 100 * time.Millisecond
)

var errClosedByClient = errors.New("fxpakpro: closed by client")

type Config struct {
	Serial   serialport.Config `yaml:"-"`
	Transfer transfer.Config   `yaml:"-"`

	ReplyTimeout time.Duration `yaml:"reply_timeout"`
	// MkdirProbe is how long to wait after a fire-and-forget MKDIR before checking that the
	// device is still there.
	MkdirProbe time.Duration `yaml:"mkdir_probe"`
	// ReadPoll bounds each blocking read in the receive loop.
	ReadPoll time.Duration `yaml:"read_poll"`
}

func DefaultConfig() Config {
	return Config{
		Serial:       serialport.DefaultConfig(),
		Transfer:     transfer.DefaultConfig(),
		ReplyTimeout: DefaultReplyTimeout,
		MkdirProbe:   DefaultMkdirProbe,
		ReadPoll:     DefaultReadPoll,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = d.ReplyTimeout
	}
	if c.MkdirProbe <= 0 {
		c.MkdirProbe = d.MkdirProbe
	}
	if c.ReadPoll <= 0 {
		c.ReadPoll = d.ReadPoll
	}
	return c
}

// Client speaks the USBA packet protocol directly to an FX Pak Pro over its serial port.
type Client struct {
	cfg    Config
	port   serialport.Port
	c      *snes.Coordinator
	engine *transfer.Engine

	// closed when the receive loop exits
	done chan struct{}

	mu   sync.Mutex
	info *snes.DeviceInfo
}

var _ snes.Device = (*Client)(nil)

// NewClient takes ownership of an open port and starts its receive loop.
func NewClient(port serialport.Port, cfg Config) *Client {
	cfg = cfg.withDefaults()
	cl := &Client{
		cfg:    cfg,
		port:   port,
		engine: transfer.New(cfg.Transfer),
		done:   make(chan struct{}),
	}
	cl.c = snes.NewCoordinator("fxpakpro", cl.teardown)
	// a serial device needs no attach step:
	cl.c.Begin(snes.Attached)
	go cl.readLoop()

	log.Printf("fxpakpro: %s: opened\n", port.Name())
	return cl
}

// Open finds the device (unless cfg.Serial.Path names it) and opens a client on it.
func Open(ctx context.Context, cfg Config) (*Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := serialport.Find(cfg.Serial)
	if err != nil {
		return nil, fmt.Errorf("fxpakpro: %w", err)
	}
	port, err := serialport.Open(path, cfg.Serial)
	if err != nil {
		return nil, fmt.Errorf("fxpakpro: %w", err)
	}
	return NewClient(port, cfg), nil
}

func (cl *Client) Name() string { return cl.port.Name() }

func (cl *Client) State() snes.ConnectionState { return cl.c.State() }

// Err returns why the connection went away, or nil while it is up.
func (cl *Client) Err() error { return cl.c.Err() }

// Closed is closed when the connection goes away.
func (cl *Client) Closed() <-chan struct{} { return cl.c.Closed() }

func (cl *Client) Close() error {
	cl.c.Disconnect(errClosedByClient)
	<-cl.done
	return nil
}

func (cl *Client) teardown(cause error) {
	log.Printf("fxpakpro: %s: close port\n", cl.port.Name())
	if err := cl.port.Close(); err != nil {
		log.Printf("fxpakpro: %s: could not close serial port: %v\n", cl.port.Name(), err)
	}
	cl.engine.Dirs.Reset()
}

func (cl *Client) readLoop() {
	defer close(cl.done)

	buf := make([]byte, 4096)
	for {
		n, err := cl.port.Read(buf, cl.cfg.ReadPoll)
		if err != nil {
			if errors.Is(err, serialport.ErrTimeout) {
				select {
				case <-cl.c.Closed():
					return
				default:
					continue
				}
			}
			if errors.Is(err, serialport.ErrClosed) {
				cl.c.Disconnect(err)
			} else {
				cl.c.Disconnect(fmt.Errorf("%w: %v", snes.ErrDeviceDisconnected, err))
			}
			return
		}
		if n == 0 {
			continue
		}

		msg := make([]byte, n)
		copy(msg, buf[:n])
		cl.c.Deliver(msg)
	}
}
