package fxpakpro

import (
	"context"
	"fmt"

	"usb2snes/snes"
	"usb2snes/snes/usba"
)

// vectored transfers carry each tuple's size in a single byte
const maxTupleSize = 255

const vflags = usba.FlagDATA64B | usba.FlagNORESP

func (cl *Client) ReadMemory(ctx context.Context, address uint32, size int) (data []byte, err error) {
	if size <= 0 {
		return []byte{}, nil
	}
	err = cl.c.Do(ctx, func(x *snes.Exchange) (err error) {
		data, err = cl.get(x, address, size)
		return
	})
	return
}

func (cl *Client) get(x *snes.Exchange, address uint32, size int) ([]byte, error) {
	p := usba.Packet{Opcode: usba.OpGET, Space: usba.SpaceSNES, Address: address, Size: uint32(size)}
	rsp, err := cl.exec(x, &p)
	if err != nil {
		return nil, err
	}
	if rsp.Size != 0 && rsp.Size != uint32(size) {
		return nil, fmt.Errorf("fxpakpro: GET $%06x: %w: device will send %d bytes, asked for %d", address, snes.ErrSizeMismatch, rsp.Size, size)
	}
	return cl.readData(x, size, usba.FlagNONE, cl.cfg.ReplyTimeout, nil)
}

// ReadMemoryBatch packs small reads into VGET packets of up to eight tuples and falls back to
// GET for anything larger than a tuple can describe. The whole batch holds the connection.
func (cl *Client) ReadMemoryBatch(ctx context.Context, reqs []snes.ReadRequest) ([][]byte, error) {
	out := make([][]byte, len(reqs))
	err := cl.c.Do(ctx, func(x *snes.Exchange) error {
		batch := make([]int, 0, usba.MaxTuples)
		for i, r := range reqs {
			switch {
			case r.Size <= 0:
				out[i] = []byte{}
			case r.Size <= maxTupleSize:
				batch = append(batch, i)
				if len(batch) == usba.MaxTuples {
					if err := cl.vget(x, reqs, batch, out); err != nil {
						return err
					}
					batch = batch[:0]
				}
			default:
				data, err := cl.get(x, r.Address, r.Size)
				if err != nil {
					return err
				}
				out[i] = data
			}
		}
		if len(batch) > 0 {
			return cl.vget(x, reqs, batch, out)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (cl *Client) vget(x *snes.Exchange, reqs []snes.ReadRequest, batch []int, out [][]byte) error {
	p := usba.Packet{Opcode: usba.OpVGET, Space: usba.SpaceSNES, Flags: vflags}
	total := 0
	for _, i := range batch {
		p.Tuples = append(p.Tuples, usba.Tuple{Address: reqs[i].Address, Size: uint8(reqs[i].Size)})
		total += reqs[i].Size
	}

	if err := cl.command(&p); err != nil {
		return err
	}
	data, err := cl.readData(x, total, p.Flags, cl.cfg.ReplyTimeout, nil)
	if err != nil {
		return fmt.Errorf("fxpakpro: VGET: %w", err)
	}

	o := 0
	for _, i := range batch {
		n := reqs[i].Size
		out[i] = data[o : o+n : o+n]
		o += n
	}
	return nil
}

func (cl *Client) WriteMemory(ctx context.Context, address uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return cl.c.Do(ctx, func(x *snes.Exchange) error {
		return cl.put(x, address, data)
	})
}

func (cl *Client) put(x *snes.Exchange, address uint32, data []byte) error {
	p := usba.Packet{Opcode: usba.OpPUT, Space: usba.SpaceSNES, Address: address, Size: uint32(len(data))}
	if _, err := cl.exec(x, &p); err != nil {
		return err
	}
	return cl.sendPadded(data, usba.FlagNONE)
}

// WriteMemoryBatch mirrors ReadMemoryBatch with VPUT.
func (cl *Client) WriteMemoryBatch(ctx context.Context, reqs []snes.WriteRequest) error {
	return cl.c.Do(ctx, func(x *snes.Exchange) error {
		batch := make([]snes.WriteRequest, 0, usba.MaxTuples)
		for _, r := range reqs {
			switch {
			case len(r.Data) == 0:
			case len(r.Data) <= maxTupleSize:
				batch = append(batch, r)
				if len(batch) == usba.MaxTuples {
					if err := cl.vput(batch); err != nil {
						return err
					}
					batch = batch[:0]
				}
			default:
				if err := cl.put(x, r.Address, r.Data); err != nil {
					return err
				}
			}
		}
		if len(batch) > 0 {
			return cl.vput(batch)
		}
		return nil
	})
}

func (cl *Client) vput(batch []snes.WriteRequest) error {
	p := usba.Packet{Opcode: usba.OpVPUT, Space: usba.SpaceSNES, Flags: vflags}
	var data []byte
	for _, r := range batch {
		p.Tuples = append(p.Tuples, usba.Tuple{Address: r.Address, Size: uint8(len(r.Data))})
		data = append(data, r.Data...)
	}

	if err := cl.command(&p); err != nil {
		return err
	}
	return cl.sendPadded(data, p.Flags)
}
