//go:build linux || darwin

package serialport

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// rawPort drives a tty file descriptor directly: non-blocking, exclusively locked, raw mode,
// no flow control.
type rawPort struct {
	name string
	fd   int
	cfg  Config

	rmu    sync.Mutex
	wmu    sync.Mutex
	closed int32
	eofs   int
}

func openNative(path string, cfg Config) (Port, error) {
	return openRaw(path, cfg)
}

func openRaw(path string, cfg Config) (*rawPort, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s: %w", path, err)
	}

	fail := func(what string, err error) (*rawPort, error) {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("serialport: %s: %s: %w", path, what, err)
	}

	if err = unix.IoctlSetInt(fd, unix.TIOCEXCL, 0); err != nil {
		return fail("exclusive lock", err)
	}
	if err = configureTermios(fd, cfg.Baud); err != nil {
		_ = unix.IoctlSetInt(fd, unix.TIOCNXCL, 0)
		return fail("termios", err)
	}
	if err = flushInput(fd); err != nil {
		_ = unix.IoctlSetInt(fd, unix.TIOCNXCL, 0)
		return fail("flush", err)
	}

	p := &rawPort{name: path, fd: fd, cfg: cfg}
	if err = p.SetDTR(true); err != nil && !isNotSupported(err) {
		log.Printf("serialport: %s: set DTR: %v\n", path, err)
	}

	return p, nil
}

func (p *rawPort) Name() string { return p.name }

func (p *rawPort) isClosed() bool { return atomic.LoadInt32(&p.closed) != 0 }

// poll waits for events on the descriptor and returns the ones reported.
func (p *rawPort) poll(events int16, timeout time.Duration) (int16, error) {
	ms := int(timeout / time.Millisecond)
	if ms < 1 {
		ms = 1
	}
	fds := []unix.PollFd{{Fd: int32(p.fd), Events: events}}
	_, err := unix.Poll(fds, ms)
	if err != nil && err != unix.EINTR {
		return 0, err
	}
	return fds[0].Revents, nil
}

func (p *rawPort) Read(buf []byte, timeout time.Duration) (int, error) {
	p.rmu.Lock()
	defer p.rmu.Unlock()

	deadline := time.Now().Add(timeout)
	var revents int16
	for {
		if p.isClosed() {
			return 0, ErrClosed
		}

		n, err := unix.Read(p.fd, buf)
		switch {
		case err == unix.EAGAIN || err == unix.EINTR:
		case err != nil:
			if isGone(err) {
				return 0, fmt.Errorf("%w: %s: %v", ErrDisconnected, p.name, err)
			}
			return 0, fmt.Errorf("serialport: %s: read: %w", p.name, err)
		case n > 0:
			p.eofs = 0
			return n, nil
		case revents&(unix.POLLHUP|unix.POLLERR) == 0:
			// no data and no hangup reported
			p.eofs = 0
		default:
			// a zero-length read after POLLHUP means hangup, but tolerate a few in a row
			p.eofs++
			if p.eofs >= p.cfg.EOFRetries {
				return 0, fmt.Errorf("%w: %s: %d consecutive empty reads", ErrDisconnected, p.name, p.eofs)
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, ErrTimeout
		}
		step := p.cfg.PollInterval
		if remaining < step {
			step = remaining
		}
		if revents, err = p.poll(unix.POLLIN, step); err != nil {
			return 0, fmt.Errorf("serialport: %s: poll: %w", p.name, err)
		}
	}
}

func (p *rawPort) Write(buf []byte) (int, error) {
	p.wmu.Lock()
	defer p.wmu.Unlock()

	sent := 0
	for sent < len(buf) {
		if p.isClosed() {
			return sent, ErrClosed
		}

		n, err := unix.Write(p.fd, buf[sent:])
		switch {
		case err == unix.EAGAIN || err == unix.EINTR:
			if _, err = p.poll(unix.POLLOUT, p.cfg.PollInterval); err != nil {
				return sent, fmt.Errorf("serialport: %s: poll: %w", p.name, err)
			}
		case err != nil:
			if isGone(err) {
				return sent, fmt.Errorf("%w: %s: %v", ErrDisconnected, p.name, err)
			}
			return sent, fmt.Errorf("serialport: %s: write: %w", p.name, err)
		default:
			sent += n
		}
	}
	return sent, nil
}

func (p *rawPort) DTR() (bool, bool, error) {
	status, err := unix.IoctlGetInt(p.fd, unix.TIOCMGET)
	if err != nil {
		if isNotSupported(err) {
			return false, false, nil
		}
		return false, false, err
	}
	return status&unix.TIOCM_DTR != 0, true, nil
}

func (p *rawPort) SetDTR(on bool) error {
	var req uint = unix.TIOCMBIC
	if on {
		req = unix.TIOCMBIS
	}
	return unix.IoctlSetPointerInt(p.fd, req, unix.TIOCM_DTR)
}

func (p *rawPort) ResetViaDTR() error {
	if p.isClosed() {
		return ErrClosed
	}
	return resetViaDTR(p.name, p, p.cfg.DTRHold, time.Sleep)
}

// Close releases the exclusive lock and closes the descriptor once any in-flight Read or
// Write has returned. The output queue is not drained.
func (p *rawPort) Close() error {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return nil
	}

	p.rmu.Lock()
	defer p.rmu.Unlock()
	p.wmu.Lock()
	defer p.wmu.Unlock()

	_ = unix.IoctlSetInt(p.fd, unix.TIOCNXCL, 0)
	if err := unix.Close(p.fd); err != nil {
		return fmt.Errorf("serialport: %s: close: %w", p.name, err)
	}
	return nil
}

func isGone(err error) bool {
	return errors.Is(err, unix.ENXIO) ||
		errors.Is(err, unix.EIO) ||
		errors.Is(err, unix.ENODEV) ||
		errors.Is(err, unix.EBADF)
}

func isNotSupported(err error) bool {
	return errors.Is(err, unix.ENOTTY) || errors.Is(err, unix.EINVAL)
}
