package fxpakpro

import (
	"fmt"
	"log"
	"time"

	"usb2snes/snes"
	"usb2snes/snes/transfer"
	"usb2snes/snes/usba"
)

// data is read off the port in steps of at most this many bytes
const readStep = 64 * usba.PacketSize

func (cl *Client) send(b []byte) error {
	if _, err := cl.port.Write(b); err != nil {
		cl.c.Disconnect(err)
		return fmt.Errorf("fxpakpro: write: %w", snes.NewTerminalError(err))
	}
	return nil
}

func (cl *Client) command(p *usba.Packet) error {
	b, err := p.Wire()
	if err != nil {
		return fmt.Errorf("fxpakpro: %s: %w", p.Opcode, err)
	}
	return cl.send(b)
}

// sendPadded sends data followed by zeroes up to a whole number of blocks.
func (cl *Client) sendPadded(data []byte, flags usba.Flags) error {
	n := usba.PaddedSize(len(data), flags)
	if n == len(data) {
		return cl.send(data)
	}
	b := make([]byte, n)
	copy(b, data)
	return cl.send(b)
}

// readResponse reads the reply packet for op. Bytes ahead of the packet magic are skipped.
func (cl *Client) readResponse(x *snes.Exchange, op usba.Opcode) (rsp usba.Response, err error) {
	deadline := time.Now().Add(cl.cfg.ReplyTimeout)
	for {
		var b []byte
		b, err = x.ReadFull(usba.PacketSize, time.Until(deadline))
		if err != nil {
			err = fmt.Errorf("fxpakpro: %s: %w", op, err)
			return
		}

		i := usba.Scan(b)
		if i > 0 {
			log.Printf("fxpakpro: %s: resync: skipped %d bytes\n", op, i)
			x.Unread(b[i:])
			continue
		}
		if i < 0 {
			log.Printf("fxpakpro: %s: resync: no packet magic in %d bytes\n", op, len(b))
			// the magic may straddle the boundary:
			x.Unread(b[len(b)-len(usba.Magic)+1:])
			continue
		}

		rsp, err = usba.DecodeResponse(b)
		if err != nil {
			err = fmt.Errorf("fxpakpro: %s: %w: %v", op, snes.ErrProtocolDecode, err)
			cl.c.Disconnect(err)
			return
		}
		if rsp.Opcode != usba.OpRESPONSE {
			err = fmt.Errorf("fxpakpro: %s: %w: unexpected opcode %s", op, snes.ErrProtocolDecode, rsp.Opcode)
			cl.c.Disconnect(err)
			return
		}
		if err = rsp.Err(); err != nil {
			err = fmt.Errorf("fxpakpro: %s: %w", op, err)
			return
		}
		return
	}
}

// readData reads size bytes of data sent in whole blocks and drops the padding.
func (cl *Client) readData(x *snes.Exchange, size int, flags usba.Flags, timeout time.Duration, progress snes.ProgressFunc) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}

	remaining := usba.PaddedSize(size, flags)
	next := func(t time.Duration) ([]byte, error) {
		n := remaining
		if n > readStep {
			n = readStep
		}
		b, err := x.ReadFull(n, t)
		if err == nil {
			remaining -= n
		}
		return b, err
	}

	var report snes.ProgressFunc
	if progress != nil {
		report = func(done, _ int64) {
			if done > int64(size) {
				done = int64(size)
			}
			progress(done, int64(size))
		}
	}

	data, err := transfer.Receive(x.Context(), next, int64(usba.PaddedSize(size, flags)), timeout, report)
	if err != nil {
		return nil, err
	}
	return data[:size], nil
}

// exec sends a path command and waits for its reply.
func (cl *Client) exec(x *snes.Exchange, p *usba.Packet) (usba.Response, error) {
	if err := cl.command(p); err != nil {
		return usba.Response{}, err
	}
	return cl.readResponse(x, p.Opcode)
}
