package qusb2snes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"

	"usb2snes/snes"
	"usb2snes/snes/transfer"
)

const (
	DefaultURL          = "ws://localhost:8080"
	DefaultAppName      = "usb2snes"
	DefaultReplyTimeout = 5 * time.Second
)

var errClosedByClient = errors.New("qusb2snes: closed by client")

type Config struct {
	URL     string `yaml:"url"`
	AppName string `yaml:"app_name"`
	// Device is attached on open when set; otherwise the first listed device is used.
	Device       string        `yaml:"device"`
	ReplyTimeout time.Duration `yaml:"reply_timeout"`

	Transfer transfer.Config `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		URL:          DefaultURL,
		AppName:      DefaultAppName,
		ReplyTimeout: DefaultReplyTimeout,
		Transfer:     transfer.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.URL == "" {
		c.URL = d.URL
	}
	if c.AppName == "" {
		c.AppName = d.AppName
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = d.ReplyTimeout
	}
	return c
}

type request struct {
	Opcode   string   `json:"Opcode"`
	Space    string   `json:"Space"`
	Flags    []string `json:"Flags"`
	Operands []string `json:"Operands"`
}

type reply struct {
	Results []string `json:"Results"`
}

// Client speaks the USB2SNES JSON protocol to a QUsb2Snes or usb2snes proxy.
type Client struct {
	cfg    Config
	c      *snes.Coordinator
	engine *transfer.Engine

	mu      sync.Mutex
	s       *session
	device  string
	sd2snes bool
}

var _ snes.Device = (*Client)(nil)

func NewClient(cfg Config) *Client {
	cfg = cfg.withDefaults()
	cl := &Client{cfg: cfg, engine: transfer.New(cfg.Transfer)}
	cl.c = snes.NewCoordinator("qusb2snes", cl.teardown)
	return cl
}

// Dial creates a client and connects it.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cl := NewClient(cfg)
	if err := cl.Connect(ctx); err != nil {
		return nil, err
	}
	return cl, nil
}

// Connect opens the WebSocket. It may be called again after the connection is lost.
func (cl *Client) Connect(ctx context.Context) error {
	if cl.c.State() != snes.Disconnected {
		return fmt.Errorf("qusb2snes: connect: %w: %s", snes.ErrInvalidState, cl.c.State())
	}

	cl.mu.Lock()
	cl.s = nil
	cl.mu.Unlock()

	cl.c.Begin(snes.Connecting)
	log.Printf("qusb2snes: [%s] dial %s\n", cl.cfg.AppName, cl.cfg.URL)
	s, err := dial(ctx, cl, cl.cfg.URL)
	if err != nil {
		cl.c.Disconnect(err)
		return fmt.Errorf("qusb2snes: [%s] dial: %w", cl.cfg.AppName, err)
	}

	cl.mu.Lock()
	cl.s = s
	cl.device = ""
	cl.sd2snes = false
	cl.mu.Unlock()

	s.start()
	return cl.c.SetState(snes.Connected)
}

func (cl *Client) session() *session {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.s
}

func (cl *Client) teardown(cause error) {
	if s := cl.session(); s != nil {
		log.Printf("qusb2snes: [%s] close websocket\n", cl.cfg.AppName)
		s.shutdown()
	}
	cl.engine.Dirs.Reset()
}

func (cl *Client) Close() error {
	cl.c.Disconnect(errClosedByClient)
	if s := cl.session(); s != nil {
		s.wait()
	}
	return nil
}

func (cl *Client) State() snes.ConnectionState { return cl.c.State() }

// Err returns why the connection went away, or nil while it is up.
func (cl *Client) Err() error { return cl.c.Err() }

// Closed is closed when the connection goes away.
func (cl *Client) Closed() <-chan struct{} { return cl.c.Closed() }

// Device returns the attached device's name and whether it is an SD2SNES.
func (cl *Client) Device() (name string, sd2snes bool) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.device, cl.sd2snes
}

// IsSD2SNES reports whether a device name from DeviceList refers to SD2SNES/FX Pak hardware,
// which cannot take plain SNES-space writes.
func IsSD2SNES(name string) bool {
	return strings.Contains(strings.ToLower(name), "sd2snes") ||
		(len(name) == 4 && strings.HasPrefix(name, "COM"))
}

func hex(v uint64) string { return strconv.FormatUint(v, 16) }

func parseHex(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 64)
}

// send queues a JSON request.
func (cl *Client) send(ctx context.Context, req request) error {
	if req.Space == "" {
		req.Space = "SNES"
	}
	if req.Operands == nil {
		req.Operands = []string{}
	}
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("qusb2snes: %s command encode: %w", req.Opcode, err)
	}
	return cl.sendFrame(ctx, ws.OpText, b)
}

func (cl *Client) sendFrame(ctx context.Context, op ws.OpCode, payload []byte) error {
	s := cl.session()
	if s == nil {
		return fmt.Errorf("qusb2snes: %w", snes.ErrNotConnected)
	}
	return s.enqueue(ctx, op, payload)
}

// reply waits for the JSON reply to the request just sent. Anything else is a protocol error
// that ends the connection.
func (cl *Client) reply(x *snes.Exchange, opcode string) ([]string, error) {
	b, err := x.Next(cl.cfg.ReplyTimeout)
	if err != nil {
		return nil, fmt.Errorf("qusb2snes: %s command response: %w", opcode, err)
	}

	var rsp reply
	if err = json.Unmarshal(b, &rsp); err != nil {
		err = fmt.Errorf("qusb2snes: %s command response: %w: %v", opcode, snes.ErrProtocolDecode, err)
		cl.c.Disconnect(err)
		return nil, err
	}
	return rsp.Results, nil
}

// readBinary collects size bytes of payload from however many frames it takes. A reply that
// never starts is an ordinary timeout; a short read closes the socket since the stream can no
// longer be trusted.
func (cl *Client) readBinary(x *snes.Exchange, opcode string, size int64, timeout time.Duration, progress snes.ProgressFunc) ([]byte, error) {
	received := 0
	next := func(timeout time.Duration) ([]byte, error) {
		b, err := x.Next(timeout)
		received += len(b)
		return b, err
	}
	data, err := transfer.Receive(x.Context(), next, size, timeout, progress)
	if err == nil {
		return data, nil
	}
	if x.Context().Err() != nil || snes.IsTerminal(err) {
		return nil, fmt.Errorf("qusb2snes: %s: %w", opcode, err)
	}
	if received == 0 && errors.Is(err, snes.ErrTimeout) {
		return nil, fmt.Errorf("qusb2snes: %s: %w", opcode, err)
	}
	if !errors.Is(err, snes.ErrSizeMismatch) {
		err = fmt.Errorf("%w: %v", snes.ErrSizeMismatch, err)
	}
	err = fmt.Errorf("qusb2snes: %s: %w", opcode, err)
	cl.c.Disconnect(err)
	return nil, err
}

// DeviceList asks the proxy which devices it can attach to.
func (cl *Client) DeviceList(ctx context.Context) (devices []string, err error) {
	if err = cl.c.Require(snes.Connected, snes.Attached); err != nil {
		return
	}
	err = cl.c.Do(ctx, func(x *snes.Exchange) error {
		if err := cl.send(ctx, request{Opcode: "DeviceList"}); err != nil {
			return err
		}
		devices, err = cl.reply(x, "DeviceList")
		return err
	})
	return
}

// Attach binds the connection to a device. The proxy does not reply.
func (cl *Client) Attach(ctx context.Context, device string) error {
	if err := cl.c.Require(snes.Connected); err != nil {
		return err
	}
	err := cl.c.Do(ctx, func(x *snes.Exchange) error {
		return cl.send(ctx, request{Opcode: "Attach", Operands: []string{device}})
	})
	if err != nil {
		return err
	}
	if err = cl.c.SetState(snes.Attached); err != nil {
		return err
	}

	sd2snes := IsSD2SNES(device)
	cl.mu.Lock()
	cl.device = device
	cl.sd2snes = sd2snes
	cl.mu.Unlock()

	log.Printf("qusb2snes: [%s] attached to %q (sd2snes=%v)\n", cl.cfg.AppName, device, sd2snes)
	return nil
}

// do runs fn on an attached connection.
func (cl *Client) do(ctx context.Context, fn func(x *snes.Exchange) error) error {
	if err := cl.c.Require(snes.Attached); err != nil {
		return err
	}
	return cl.c.Do(ctx, fn)
}

// command sends a request that gets no reply.
func (cl *Client) command(ctx context.Context, opcode string, operands ...string) error {
	return cl.do(ctx, func(x *snes.Exchange) error {
		return cl.send(ctx, request{Opcode: opcode, Operands: operands})
	})
}

func (cl *Client) Info(ctx context.Context) (info snes.DeviceInfo, err error) {
	device, _ := cl.Device()
	err = cl.do(ctx, func(x *snes.Exchange) error {
		if err := cl.send(ctx, request{Opcode: "Info", Operands: []string{device}}); err != nil {
			return err
		}
		results, err := cl.reply(x, "Info")
		if err != nil {
			return err
		}

		item := func(i int) string {
			if i < len(results) {
				return results[i]
			}
			return ""
		}
		info = snes.DeviceInfo{Firmware: item(0), Version: item(1), ROM: item(2)}
		if len(results) > 3 {
			info.Features = append([]string(nil), results[3:]...)
		}
		return nil
	})
	return
}

// Name tells the proxy what to call this client.
func (cl *Client) Name(ctx context.Context, name string) error {
	return cl.command(ctx, "Name", name)
}

func (cl *Client) Boot(ctx context.Context, path string) error {
	return cl.command(ctx, "Boot", path)
}

func (cl *Client) Menu(ctx context.Context) error {
	return cl.command(ctx, "Menu")
}

func (cl *Client) Reset(ctx context.Context) error {
	return cl.command(ctx, "Reset")
}
