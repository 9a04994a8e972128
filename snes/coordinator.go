package snes

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// HangThreshold is the number of consecutive reply timeouts after which a connection is
// considered hung and forcibly closed.
const HangThreshold = 3

const inboxSize = 64

// Coordinator serializes requests on one connection and routes inbound messages to the single
// pending request. Transports feed it from their receive loop via Deliver.
type Coordinator struct {
	name   string
	closer func(cause error)

	// one-slot semaphore; holding it means owning the connection for a request
	sem chan struct{}

	mu       sync.Mutex
	state    ConnectionState
	pending  bool
	timeouts int
	inbox    chan []byte
	closed   chan struct{}
	cause    error
}

// NewCoordinator creates a coordinator in the Disconnected state. closer is invoked once per
// connection when it is torn down and should release the underlying transport.
func NewCoordinator(name string, closer func(cause error)) *Coordinator {
	c := &Coordinator{
		name:   name,
		closer: closer,
		sem:    make(chan struct{}, 1),
		inbox:  make(chan []byte, inboxSize),
		closed: make(chan struct{}),
	}
	close(c.closed)
	return c
}

// Begin arms the coordinator for a new connection in the given state.
func (c *Coordinator) Begin(state ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = state
	c.cause = nil
	c.timeouts = 0
	c.pending = false
	c.closed = make(chan struct{})
	c.drainLocked("stale")
}

func (c *Coordinator) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState moves a live connection to a new state. A disconnected connection stays disconnected.
func (c *Coordinator) SetState(s ConnectionState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Disconnected {
		return c.closedErrLocked()
	}
	c.state = s
	return nil
}

// Require fails with ErrInvalidState unless the connection is in one of the given states.
func (c *Coordinator) Require(states ...ConnectionState) error {
	s := c.State()
	if s == Disconnected {
		return fmt.Errorf("%s: %w", c.name, ErrNotConnected)
	}
	for _, ok := range states {
		if s == ok {
			return nil
		}
	}
	return fmt.Errorf("%s: %w: %s", c.name, ErrInvalidState, s)
}

// Closed is closed when the current connection goes away.
func (c *Coordinator) Closed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Pending reports whether a request currently owns the connection.
func (c *Coordinator) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Timeouts returns the current run of consecutive reply timeouts.
func (c *Coordinator) Timeouts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeouts
}

// Do runs fn with exclusive use of the connection. Callers wait on the semaphore, the context
// or the connection closing, whichever comes first.
func (c *Coordinator) Do(ctx context.Context, fn func(x *Exchange) error) error {
	c.mu.Lock()
	if c.state == Disconnected {
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", c.name, ErrNotConnected)
	}
	closed := c.closed
	c.mu.Unlock()

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-closed:
		return c.closedErr()
	}
	defer func() { <-c.sem }()

	c.mu.Lock()
	if c.closed != closed || c.state == Disconnected {
		err := c.closedErrLocked()
		c.mu.Unlock()
		return err
	}
	c.drainLocked("stale")
	c.pending = true
	c.mu.Unlock()

	x := &Exchange{c: c, ctx: ctx, closed: closed}
	err := fn(x)

	c.mu.Lock()
	c.pending = false
	if len(x.buf) > 0 {
		log.Printf("%s: discarding %d unread bytes\n", c.name, len(x.buf))
	}
	c.drainLocked("unclaimed")
	c.mu.Unlock()

	return err
}

// Deliver hands an inbound message to the pending request. Messages arriving while nothing is
// pending are logged and discarded. The coordinator takes ownership of msg.
func (c *Coordinator) Deliver(msg []byte) {
	c.mu.Lock()
	if !c.pending {
		c.mu.Unlock()
		log.Printf("%s: discarding stray %d byte message\n", c.name, len(msg))
		return
	}
	inbox, closed := c.inbox, c.closed
	c.mu.Unlock()

	select {
	case inbox <- msg:
	case <-closed:
	}
}

// Disconnect tears down the current connection. It is idempotent; the first cause wins.
func (c *Coordinator) Disconnect(cause error) {
	c.mu.Lock()
	if c.state == Disconnected {
		c.mu.Unlock()
		return
	}
	c.state = Disconnected
	c.cause = cause
	c.timeouts = 0
	close(c.closed)
	c.drainLocked("pending")
	closer := c.closer
	c.mu.Unlock()

	log.Printf("%s: disconnected: %v\n", c.name, cause)
	if closer != nil {
		closer(cause)
	}
}

// Err returns the reason the connection went away, or nil while it is up.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Disconnected {
		return nil
	}
	return c.closedErrLocked()
}

func (c *Coordinator) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closedErrLocked()
}

func (c *Coordinator) closedErrLocked() error {
	return &closedError{name: c.name, cause: c.cause}
}

func (c *Coordinator) drainLocked(what string) {
	n := 0
	for {
		select {
		case msg := <-c.inbox:
			n += len(msg)
		default:
			if n > 0 {
				log.Printf("%s: discarded %d %s bytes\n", c.name, n, what)
			}
			return
		}
	}
}

func (c *Coordinator) receive(ctx context.Context, closed <-chan struct{}, timeout time.Duration) ([]byte, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case msg := <-c.inbox:
		c.mu.Lock()
		c.timeouts = 0
		c.mu.Unlock()
		return msg, nil
	case <-closed:
		return nil, c.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return nil, c.timedOut()
	}
}

func (c *Coordinator) timedOut() error {
	c.mu.Lock()
	c.timeouts++
	n := c.timeouts
	c.mu.Unlock()

	if n >= HangThreshold {
		log.Printf("%s: %d consecutive timeouts; closing connection\n", c.name, n)
		c.Disconnect(ErrHungConnection)
		return fmt.Errorf("%s: %w after %d consecutive timeouts", c.name, ErrHungConnection, n)
	}
	return fmt.Errorf("%s: %w", c.name, ErrTimeout)
}

type closedError struct {
	name  string
	cause error
}

func (e *closedError) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%s: %v", e.name, ErrTransportClosed)
	}
	return fmt.Sprintf("%s: %v: %v", e.name, ErrTransportClosed, e.cause)
}

func (e *closedError) Is(target error) bool { return target == ErrTransportClosed }
func (e *closedError) Unwrap() error        { return e.cause }

// Exchange is a request's view of the connection while it holds the coordinator.
type Exchange struct {
	c      *Coordinator
	ctx    context.Context
	closed <-chan struct{}
	buf    []byte
}

func (x *Exchange) Context() context.Context { return x.ctx }

// Closed is closed if the connection goes away during the exchange.
func (x *Exchange) Closed() <-chan struct{} { return x.closed }

// Next returns the next inbound message, or bytes previously pushed back with Unread.
func (x *Exchange) Next(timeout time.Duration) ([]byte, error) {
	if len(x.buf) > 0 {
		b := x.buf
		x.buf = nil
		return b, nil
	}
	return x.c.receive(x.ctx, x.closed, timeout)
}

// Poll is Next for streams where silence is normal: a timeout returns nil data and does not
// count towards hang detection.
func (x *Exchange) Poll(timeout time.Duration) ([]byte, error) {
	if len(x.buf) > 0 {
		return x.Next(timeout)
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case msg := <-x.c.inbox:
		return msg, nil
	case <-x.closed:
		return nil, x.c.closedErr()
	case <-x.ctx.Done():
		return nil, x.ctx.Err()
	case <-t.C:
		return nil, nil
	}
}

// ReadFull accumulates inbound bytes until n are available and returns exactly n of them.
// Any excess is kept for the next read within this exchange.
func (x *Exchange) ReadFull(n int, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for len(x.buf) < n {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, x.c.timedOut()
		}
		b, err := x.c.receive(x.ctx, x.closed, remaining)
		if err != nil {
			return nil, err
		}
		x.buf = append(x.buf, b...)
	}

	out := make([]byte, n)
	copy(out, x.buf)
	x.buf = append(x.buf[:0], x.buf[n:]...)
	return out, nil
}

// Unread pushes b back in front of any buffered bytes.
func (x *Exchange) Unread(b []byte) {
	if len(b) == 0 {
		return
	}
	nb := make([]byte, 0, len(b)+len(x.buf))
	nb = append(nb, b...)
	x.buf = append(nb, x.buf...)
}

// Buffered returns the number of bytes read ahead but not yet consumed.
func (x *Exchange) Buffered() int { return len(x.buf) }
