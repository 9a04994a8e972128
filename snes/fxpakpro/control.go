package fxpakpro

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"usb2snes/snes"
	"usb2snes/snes/usba"
)

// Info queries firmware, version, running ROM and feature flags. The result is cached for
// Firmware.
func (cl *Client) Info(ctx context.Context) (info snes.DeviceInfo, err error) {
	err = cl.c.Do(ctx, func(x *snes.Exchange) error {
		rsp, err := cl.exec(x, &usba.Packet{Opcode: usba.OpINFO, Space: usba.SpaceSNES})
		if err != nil {
			return err
		}

		ui := rsp.Info()
		info = snes.DeviceInfo{
			Firmware: ui.Firmware,
			Version:  ui.Version,
			ROM:      ui.ROM,
		}
		if s := ui.Features.String(); s != "" {
			info.Features = strings.Split(s, "|")
		}
		return nil
	})
	if err != nil {
		return
	}

	cl.mu.Lock()
	cl.info = &info
	cl.mu.Unlock()
	return
}

// Firmware returns the info from the last successful Info call, if any.
func (cl *Client) Firmware() (snes.DeviceInfo, bool) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.info == nil {
		return snes.DeviceInfo{}, false
	}
	return *cl.info, true
}

func (cl *Client) Boot(ctx context.Context, path string) error {
	return cl.c.Do(ctx, func(x *snes.Exchange) error {
		_, err := cl.exec(x, &usba.Packet{Opcode: usba.OpBOOT, Space: usba.SpaceFILE, Path: path})
		if err == nil {
			log.Printf("fxpakpro: booted %s\n", path)
		}
		return err
	})
}

func (cl *Client) Menu(ctx context.Context) error {
	return cl.c.Do(ctx, func(x *snes.Exchange) error {
		_, err := cl.exec(x, &usba.Packet{Opcode: usba.OpMENU_RESET, Space: usba.SpaceFILE})
		return err
	})
}

func (cl *Client) Reset(ctx context.Context) error {
	return cl.c.Do(ctx, func(x *snes.Exchange) error {
		_, err := cl.exec(x, &usba.Packet{Opcode: usba.OpRESET, Space: usba.SpaceFILE})
		return err
	})
}

// ResetDevice pulses DTR to reset the cartridge's USB controller. The device re-enumerates
// afterwards, so the connection is closed and must be reopened.
func (cl *Client) ResetDevice(ctx context.Context) error {
	err := cl.c.Do(ctx, func(x *snes.Exchange) error {
		log.Printf("fxpakpro: %s: reset via DTR\n", cl.port.Name())
		if err := cl.port.ResetViaDTR(); err != nil {
			return fmt.Errorf("fxpakpro: reset via DTR: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	cl.c.Disconnect(fmt.Errorf("%w: reset via DTR", snes.ErrDeviceDisconnected))
	return nil
}

// Stream asks the firmware to mirror bus writes and hands each 64-byte block to handler until
// it returns false or ctx is done. The firmware has no command to stop a stream, so the
// connection is closed afterwards.
func (cl *Client) Stream(ctx context.Context, handler func(block []byte) bool) error {
	err := cl.c.Do(ctx, func(x *snes.Exchange) error {
		p := usba.Packet{Opcode: usba.OpSTREAM, Space: usba.SpaceSNES, Flags: usba.FlagDATA64B}
		if _, err := cl.exec(x, &p); err != nil {
			return err
		}

		var pending []byte
		for {
			b, err := x.Poll(100 * time.Millisecond)
			if err != nil {
				return err
			}
			pending = append(pending, b...)
			for len(pending) >= usba.ShortPacketSize {
				block := make([]byte, usba.ShortPacketSize)
				copy(block, pending)
				pending = pending[usba.ShortPacketSize:]
				if !handler(block) {
					return nil
				}
			}
		}
	})
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		cl.c.Disconnect(fmt.Errorf("%w: stream ended", snes.ErrDeviceDisconnected))
	}
	return err
}
