package serialport

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// portablePort wraps go.bug.st/serial for platforms without a raw fd implementation.
// The library cannot report DTR, so its state is tracked here.
type portablePort struct {
	name string
	f    serial.Port
	cfg  Config

	rmu    sync.Mutex
	dtr    bool
	closed int32
}

func openPortable(path string, cfg Config) (*portablePort, error) {
	f, err := serial.Open(path, &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s: %w", path, err)
	}

	if err = f.SetDTR(true); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("serialport: %s: set DTR: %w", path, err)
	}
	if err = f.ResetInputBuffer(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("serialport: %s: flush: %w", path, err)
	}

	return &portablePort{name: path, f: f, cfg: cfg, dtr: true}, nil
}

func (p *portablePort) Name() string { return p.name }

func (p *portablePort) classify(op string, err error) error {
	if atomic.LoadInt32(&p.closed) != 0 {
		return ErrClosed
	}
	var pe *serial.PortError
	if errors.As(err, &pe) && pe.Code() == serial.PortClosed {
		return ErrClosed
	}
	return fmt.Errorf("%w: %s: %s: %v", ErrDisconnected, p.name, op, err)
}

func (p *portablePort) Read(buf []byte, timeout time.Duration) (int, error) {
	p.rmu.Lock()
	defer p.rmu.Unlock()

	if atomic.LoadInt32(&p.closed) != 0 {
		return 0, ErrClosed
	}
	if err := p.f.SetReadTimeout(timeout); err != nil {
		return 0, p.classify("set read timeout", err)
	}

	n, err := p.f.Read(buf)
	if err != nil {
		return 0, p.classify("read", err)
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	return n, nil
}

func (p *portablePort) Write(buf []byte) (int, error) {
	sent := 0
	for sent < len(buf) {
		n, err := p.f.Write(buf[sent:])
		if err != nil {
			return sent, p.classify("write", err)
		}
		sent += n
	}
	return sent, nil
}

func (p *portablePort) DTR() (bool, bool, error) {
	return p.dtr, true, nil
}

func (p *portablePort) SetDTR(on bool) error {
	if err := p.f.SetDTR(on); err != nil {
		return err
	}
	p.dtr = on
	return nil
}

func (p *portablePort) ResetViaDTR() error {
	if atomic.LoadInt32(&p.closed) != 0 {
		return ErrClosed
	}
	return resetViaDTR(p.name, p, p.cfg.DTRHold, time.Sleep)
}

func (p *portablePort) Close() error {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return nil
	}
	if err := p.f.Close(); err != nil {
		return fmt.Errorf("serialport: %s: close: %w", p.name, err)
	}
	return nil
}
