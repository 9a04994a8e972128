package qusb2snes

import (
	"context"
	"fmt"

	"github.com/gobwas/ws"

	"usb2snes/snes"
)

// maxAddressPairs matches the firmware's VGET tuple limit, which proxies forward to.
const maxAddressPairs = 8

func (cl *Client) ReadMemory(ctx context.Context, address uint32, size int) (data []byte, err error) {
	if size <= 0 {
		return []byte{}, nil
	}
	err = cl.do(ctx, func(x *snes.Exchange) error {
		err := cl.send(ctx, request{Opcode: "GetAddress", Operands: []string{hex(uint64(address)), hex(uint64(size))}})
		if err != nil {
			return err
		}
		data, err = cl.readBinary(x, "GetAddress", int64(size), cl.cfg.ReplyTimeout, nil)
		return err
	})
	return
}

// ReadMemoryBatch sends address/size pairs several to a request and splits the concatenated
// reply back into one slice per request.
func (cl *Client) ReadMemoryBatch(ctx context.Context, reqs []snes.ReadRequest) ([][]byte, error) {
	out := make([][]byte, len(reqs))
	err := cl.do(ctx, func(x *snes.Exchange) error {
		batch := make([]int, 0, maxAddressPairs)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			operands := make([]string, 0, len(batch)*2)
			total := 0
			for _, i := range batch {
				operands = append(operands, hex(uint64(reqs[i].Address)), hex(uint64(reqs[i].Size)))
				total += reqs[i].Size
			}
			if err := cl.send(ctx, request{Opcode: "GetAddress", Operands: operands}); err != nil {
				return err
			}
			data, err := cl.readBinary(x, "GetAddress", int64(total), cl.cfg.ReplyTimeout, nil)
			if err != nil {
				return err
			}

			o := 0
			for _, i := range batch {
				n := reqs[i].Size
				out[i] = data[o : o+n : o+n]
				o += n
			}
			batch = batch[:0]
			return nil
		}

		for i, r := range reqs {
			if r.Size <= 0 {
				out[i] = []byte{}
				continue
			}
			batch = append(batch, i)
			if len(batch) == maxAddressPairs {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return flush()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (cl *Client) WriteMemory(ctx context.Context, address uint32, data []byte) error {
	return cl.WriteMemoryBatch(ctx, []snes.WriteRequest{{Address: address, Data: data}})
}

// WriteMemoryBatch writes each request with PutAddress. SD2SNES devices get a single CMD-space
// program covering all of them instead.
func (cl *Client) WriteMemoryBatch(ctx context.Context, reqs []snes.WriteRequest) error {
	n := 0
	for _, r := range reqs {
		n += len(r.Data)
	}
	if n == 0 {
		return cl.c.Require(snes.Attached)
	}
	if _, sd2snes := cl.Device(); sd2snes {
		return cl.writeCMD(ctx, reqs)
	}

	return cl.do(ctx, func(x *snes.Exchange) error {
		for _, r := range reqs {
			if len(r.Data) == 0 {
				continue
			}
			err := cl.send(ctx, request{Opcode: "PutAddress", Operands: []string{hex(uint64(r.Address)), hex(uint64(len(r.Data)))}})
			if err != nil {
				return err
			}
			// the frame is written after we return, so it must not alias the caller's buffer
			data := make([]byte, len(r.Data))
			copy(data, r.Data)
			if err = cl.sendFrame(ctx, ws.OpBinary, data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (cl *Client) writeCMD(ctx context.Context, reqs []snes.WriteRequest) error {
	program, err := BuildCMDWrite(reqs)
	if err != nil {
		return err
	}
	return cl.do(ctx, func(x *snes.Exchange) error {
		if err := cl.send(ctx, request{Opcode: "PutAddress", Space: "CMD", Operands: cmdOperands(program)}); err != nil {
			return fmt.Errorf("qusb2snes: sd2snes write: %w", err)
		}
		return cl.sendFrame(ctx, ws.OpBinary, program)
	})
}
