package usba

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrInvalidMagic    = errors.New("usba: invalid magic")
	ErrShortPacket     = errors.New("usba: short packet")
	ErrPathTooLong     = errors.New("usba: path too long")
	ErrTooManyTuples   = errors.New("usba: too many tuples")
	ErrInvalidResponse = errors.New("usba: invalid response packet")
)

type Tuple struct {
	Address uint32
	Size    uint8
}

// Packet is a host-to-device request. Which operand fields are meaningful depends on Opcode.
type Packet struct {
	Opcode Opcode
	Space  Space
	Flags  Flags

	// GET, PUT
	Address uint32
	Size    uint32

	// LS, MKDIR, RM, MV, BOOT, and GET/PUT in the FILE space
	Path string
	// MV destination name
	NewName string

	// VGET, VPUT
	Tuples []Tuple
}

func putString(b []byte, s string) (int, error) {
	// keep room for the terminating NUL:
	if len(s) > len(b)-1 {
		return 0, ErrPathTooLong
	}
	return copy(b, s), nil
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// Encode serializes the packet into its fixed 512-byte form.
func (p *Packet) Encode() (b [PacketSize]byte, err error) {
	copy(b[0:4], Magic[:])
	b[4] = byte(p.Opcode)
	b[5] = byte(p.Space)
	b[6] = byte(p.Flags)

	switch p.Opcode {
	case OpGET, OpPUT:
		binary.BigEndian.PutUint32(b[offsetSize:], p.Size)
		if p.Space == SpaceFILE {
			// file transfers name the file where memory transfers put the address
			_, err = putString(b[offsetPath:], p.Path)
			return
		}
		binary.BigEndian.PutUint32(b[offsetAddress:], p.Address)
	case OpVGET, OpVPUT:
		if len(p.Tuples) > MaxTuples {
			err = fmt.Errorf("%w: %d > %d", ErrTooManyTuples, len(p.Tuples), MaxTuples)
			return
		}
		for i, t := range p.Tuples {
			// 4-byte struct: 1 byte size, 3 byte address
			o := offsetTuples + i*4
			b[o+0] = t.Size
			b[o+1] = byte((t.Address >> 16) & 0xFF)
			b[o+2] = byte((t.Address >> 8) & 0xFF)
			b[o+3] = byte((t.Address >> 0) & 0xFF)
		}
	case OpLS, OpMKDIR, OpRM, OpBOOT, OpMV:
		var n int
		n, err = putString(b[offsetPath:], p.Path)
		if err != nil {
			return
		}
		// the firmware ignores the size for path commands but it is encoded anyway:
		binary.BigEndian.PutUint32(b[offsetSize:], uint32(n))
		if p.Opcode == OpMV {
			if _, err = putString(b[offsetPath2:offsetSize], p.NewName); err != nil {
				return
			}
		}
	}

	return
}

// Wire returns the bytes to send: the 64-byte prefix when DATA64B is set, otherwise all 512.
func (p *Packet) Wire() ([]byte, error) {
	b, err := p.Encode()
	if err != nil {
		return nil, err
	}
	return b[:BlockSize(p.Flags)], nil
}

// Decode parses a request packet. The magic is validated before anything else.
func Decode(b []byte) (p Packet, err error) {
	if len(b) < 4 || !bytes.Equal(b[0:4], Magic[:]) {
		err = ErrInvalidMagic
		return
	}
	if len(b) < 7 {
		err = ErrShortPacket
		return
	}

	p.Opcode = Opcode(b[4])
	p.Space = Space(b[5])
	p.Flags = Flags(b[6])

	need := BlockSize(p.Flags)
	if len(b) < need {
		err = fmt.Errorf("%w: %d < %d", ErrShortPacket, len(b), need)
		return
	}

	switch p.Opcode {
	case OpGET, OpPUT:
		if len(b) < PacketSize {
			err = fmt.Errorf("%w: %s needs %d bytes", ErrShortPacket, p.Opcode, PacketSize)
			return
		}
		p.Size = binary.BigEndian.Uint32(b[offsetSize:])
		if p.Space == SpaceFILE {
			p.Path = cstring(b[offsetPath:PacketSize])
		} else {
			p.Address = binary.BigEndian.Uint32(b[offsetAddress:])
		}
	case OpVGET, OpVPUT:
		for i := 0; i < MaxTuples; i++ {
			o := offsetTuples + i*4
			t := Tuple{
				Size:    b[o],
				Address: uint32(b[o+1])<<16 | uint32(b[o+2])<<8 | uint32(b[o+3]),
			}
			if t.Size == 0 {
				break
			}
			p.Tuples = append(p.Tuples, t)
		}
	case OpLS, OpMKDIR, OpRM, OpBOOT, OpMV:
		if len(b) < PacketSize {
			err = fmt.Errorf("%w: %s needs %d bytes", ErrShortPacket, p.Opcode, PacketSize)
			return
		}
		p.Path = cstring(b[offsetPath:PacketSize])
		if p.Opcode == OpMV {
			p.NewName = cstring(b[offsetPath2:offsetSize])
		}
	}

	return
}

// Scan returns the offset of the next packet magic in buf, or -1.
func Scan(buf []byte) int {
	return bytes.Index(buf, Magic[:])
}
