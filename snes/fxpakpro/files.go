package fxpakpro

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"usb2snes/snes"
	"usb2snes/snes/transfer"
	"usb2snes/snes/usba"
)

func (cl *Client) GetFile(ctx context.Context, path string, progress snes.ProgressFunc) (data []byte, err error) {
	err = cl.c.Do(ctx, func(x *snes.Exchange) error {
		p := usba.Packet{Opcode: usba.OpGET, Space: usba.SpaceFILE, Path: path}
		rsp, err := cl.exec(x, &p)
		if err != nil {
			return err
		}

		log.Printf("fxpakpro: GET %s: %d bytes\n", path, rsp.Size)
		data, err = cl.readData(x, int(rsp.Size), usba.FlagNONE, cl.engine.Config().ReadTimeout, progress)
		if err != nil {
			return fmt.Errorf("fxpakpro: GET %s: %w", path, err)
		}
		return nil
	})
	return
}

// blockSink writes upload chunks straight to the port and pads the tail to a whole block.
type blockSink struct {
	cl   *Client
	sent int
}

func (s *blockSink) Send(ctx context.Context, chunk []byte) error {
	if err := s.cl.send(chunk); err != nil {
		return err
	}
	s.sent += len(chunk)
	return nil
}

func (s *blockSink) finish() error {
	pad := usba.PaddedSize(s.sent, usba.FlagNONE) - s.sent
	if pad == 0 {
		return nil
	}
	return s.cl.send(make([]byte, pad))
}

// PutFile uploads size bytes from r. The connection is released before the upload is
// confirmed so the confirmation can list the destination directory.
func (cl *Client) PutFile(ctx context.Context, path string, r io.Reader, size int64, progress snes.ProgressFunc) error {
	if err := cl.engine.Prepare(ctx, path, cl, cl.MakeDir); err != nil {
		return fmt.Errorf("fxpakpro: PUT %s: %w", path, err)
	}

	err := cl.c.Do(ctx, func(x *snes.Exchange) error {
		p := usba.Packet{Opcode: usba.OpPUT, Space: usba.SpaceFILE, Path: path, Size: uint32(size)}
		if _, err := cl.exec(x, &p); err != nil {
			return err
		}

		sink := &blockSink{cl: cl}
		_, err := cl.engine.Send(ctx, sink, transfer.Upload{Path: path, Size: size, Source: r, Progress: progress})
		if err != nil {
			return err
		}
		return sink.finish()
	})
	if err != nil {
		return err
	}

	return cl.engine.Confirm(ctx, cl, path, size)
}

func (cl *Client) List(ctx context.Context, path string) (entries []snes.DirEntry, err error) {
	err = cl.c.Do(ctx, func(x *snes.Exchange) error {
		p := usba.Packet{Opcode: usba.OpLS, Space: usba.SpaceFILE, Path: path}
		if _, err := cl.exec(x, &p); err != nil {
			return err
		}

		var raw []usba.Entry
		for more := true; more; {
			block, err := x.ReadFull(usba.PacketSize, cl.cfg.ReplyTimeout)
			if err != nil {
				return fmt.Errorf("fxpakpro: LS %s: %w", path, err)
			}
			raw, more, err = usba.ParseListing(block, raw)
			if err != nil {
				return fmt.Errorf("fxpakpro: LS %s: %w: %v", path, snes.ErrProtocolDecode, err)
			}
		}

		entries = make([]snes.DirEntry, 0, len(raw))
		for _, e := range raw {
			entries = append(entries, snes.DirEntry{Type: snes.FileType(e.Type), Name: e.Name})
		}
		return nil
	})
	return
}

// MakeDir sends MKDIR without asking for a reply. The firmware drops the connection when it
// refuses the request, so success means the device is still there after a short wait.
func (cl *Client) MakeDir(ctx context.Context, path string) error {
	return cl.c.Do(ctx, func(x *snes.Exchange) error {
		p := usba.Packet{Opcode: usba.OpMKDIR, Space: usba.SpaceFILE, Flags: usba.FlagNORESP, Path: path}
		if err := cl.command(&p); err != nil {
			return err
		}

		t := time.NewTimer(cl.cfg.MkdirProbe)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-x.Closed():
			return fmt.Errorf("fxpakpro: MKDIR %s: %w", path, snes.ErrFireAndForgetRejected)
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

func (cl *Client) Remove(ctx context.Context, path string) error {
	return cl.c.Do(ctx, func(x *snes.Exchange) error {
		_, err := cl.exec(x, &usba.Packet{Opcode: usba.OpRM, Space: usba.SpaceFILE, Path: path})
		return err
	})
}

func (cl *Client) Rename(ctx context.Context, path, newName string) error {
	return cl.c.Do(ctx, func(x *snes.Exchange) error {
		_, err := cl.exec(x, &usba.Packet{Opcode: usba.OpMV, Space: usba.SpaceFILE, Path: path, NewName: newName})
		return err
	})
}
