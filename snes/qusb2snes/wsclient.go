package qusb2snes

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"usb2snes/snes"
)

const outboxFrames = 1024

type frame struct {
	op      ws.OpCode
	payload []byte
}

// session is one WebSocket connection: a receive loop feeding the coordinator and a single
// writer draining the outbound queue.
type session struct {
	cl   *Client
	conn net.Conn
	src  io.Reader

	// guards frame writes on conn; control replies from the reader share it
	wmu sync.Mutex

	out      chan frame
	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.Mutex
	buffered int
	changed  chan struct{}
}

func dial(ctx context.Context, cl *Client, urlstr string) (*session, error) {
	conn, br, _, err := ws.Dial(ctx, urlstr)
	if err != nil {
		return nil, err
	}

	s := &session{
		cl:      cl,
		conn:    conn,
		src:     conn,
		out:     make(chan frame, outboxFrames),
		quit:    make(chan struct{}),
		changed: make(chan struct{}),
	}
	if br != nil {
		// the server sent frames right behind the handshake response:
		s.src = io.MultiReader(br, conn)
	}
	return s, nil
}

func (s *session) start() {
	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
}

// shutdown closes the socket without waiting for the loops; it may be called from either of
// them. Frames still queued are dropped.
func (s *session) shutdown() {
	s.quitOnce.Do(func() { close(s.quit) })
	if err := s.conn.Close(); err != nil {
		log.Printf("qusb2snes: close websocket: %v\n", err)
	}

	s.mu.Lock()
	if s.buffered > 0 {
		log.Printf("qusb2snes: dropped %d queued bytes\n", s.buffered)
	}
	s.buffered = 0
	s.notifyLocked()
	s.mu.Unlock()
}

// wait blocks until both loops have exited.
func (s *session) wait() { s.wg.Wait() }

// control answers pings and closes. The reply is assembled first so it goes out as one write.
func (s *session) control(h ws.Header, r io.Reader) error {
	var buf bytes.Buffer
	err := wsutil.ControlFrameHandler(&buf, ws.StateClientSide)(h, r)
	if buf.Len() > 0 {
		s.wmu.Lock()
		_, werr := s.conn.Write(buf.Bytes())
		s.wmu.Unlock()
		if err == nil {
			err = werr
		}
	}
	return err
}

func (s *session) readLoop() {
	defer s.wg.Done()

	rd := &wsutil.Reader{
		Source: bufio.NewReader(s.src),
		State:  ws.StateClientSide,
		// binary payloads sometimes arrive in text frames
		CheckUTF8:      false,
		OnIntermediate: s.control,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			s.fail(err)
			return
		}
		if hdr.OpCode.IsControl() {
			if err = s.control(hdr, rd); err != nil {
				s.fail(err)
				return
			}
			continue
		}

		payload, err := io.ReadAll(rd)
		if err != nil {
			s.fail(err)
			return
		}
		s.cl.c.Deliver(payload)
	}
}

func (s *session) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case f := <-s.out:
			s.wmu.Lock()
			err := wsutil.WriteClientMessage(s.conn, f.op, f.payload)
			s.wmu.Unlock()
			s.release(len(f.payload))
			if err != nil {
				s.fail(err)
				return
			}
		case <-s.quit:
			return
		}
	}
}

func (s *session) fail(err error) {
	select {
	case <-s.quit:
		// torn down on purpose
		return
	default:
	}
	s.cl.c.Disconnect(fmt.Errorf("%w: %v", snes.ErrDeviceDisconnected, err))
}

func (s *session) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *session) release(n int) {
	s.mu.Lock()
	s.buffered -= n
	if s.buffered < 0 {
		s.buffered = 0
	}
	s.notifyLocked()
	s.mu.Unlock()
}

// enqueue hands a frame to the writer. Its bytes count as buffered until written.
func (s *session) enqueue(ctx context.Context, op ws.OpCode, payload []byte) error {
	s.mu.Lock()
	s.buffered += len(payload)
	s.mu.Unlock()

	select {
	case s.out <- frame{op: op, payload: payload}:
		return nil
	case <-s.quit:
		s.release(len(payload))
		return fmt.Errorf("qusb2snes: %w", snes.ErrTransportClosed)
	case <-ctx.Done():
		s.release(len(payload))
		return ctx.Err()
	}
}

func (s *session) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffered
}

// WaitBuffered blocks until at most n bytes are queued for writing.
func (s *session) WaitBuffered(ctx context.Context, n int) error {
	for {
		s.mu.Lock()
		if s.buffered <= n {
			s.mu.Unlock()
			return nil
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-s.quit:
			return fmt.Errorf("qusb2snes: %w", snes.ErrTransportClosed)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
