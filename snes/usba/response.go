package usba

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Response is a device-to-host reply packet.
type Response struct {
	Opcode Opcode
	// Code is the firmware error code; zero means success.
	Code byte
	// Flags carries the feature bits for INFO responses.
	Flags byte

	Size  uint32
	Value uint32

	ROM      string
	Firmware string
}

// ResponseError reports a non-zero firmware error code.
type ResponseError struct {
	Code byte
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("usba: device reported error %d", e.Code)
}

// DecodeResponse parses a 512-byte reply. The magic is validated before anything else.
func DecodeResponse(b []byte) (r Response, err error) {
	if len(b) < 4 || !bytes.Equal(b[0:4], Magic[:]) {
		err = ErrInvalidMagic
		return
	}
	if len(b) < PacketSize {
		err = fmt.Errorf("%w: %d < %d", ErrShortPacket, len(b), PacketSize)
		return
	}

	r.Opcode = Opcode(b[4])
	r.Code = b[5]
	r.Flags = b[6]
	r.Size = binary.BigEndian.Uint32(b[offsetSize:])
	r.Value = binary.BigEndian.Uint32(b[offsetVersion:])
	r.ROM = cstring(b[offsetROM:offsetSize])
	r.Firmware = cstring(b[offsetFWName:PacketSize])
	return
}

// Err checks that this is a RESPONSE packet carrying a zero error code.
func (r *Response) Err() error {
	if r.Opcode != OpRESPONSE {
		return fmt.Errorf("%w: opcode %s", ErrInvalidResponse, r.Opcode)
	}
	if r.Code != 0 {
		return &ResponseError{Code: r.Code}
	}
	return nil
}

// Encode serializes a reply; the simulated firmware in tests uses this.
func (r *Response) Encode() (b [PacketSize]byte) {
	copy(b[0:4], Magic[:])
	b[4] = byte(r.Opcode)
	b[5] = r.Code
	b[6] = r.Flags
	binary.BigEndian.PutUint32(b[offsetSize:], r.Size)
	binary.BigEndian.PutUint32(b[offsetVersion:], r.Value)
	copy(b[offsetROM:offsetSize-1], r.ROM)
	copy(b[offsetFWName:PacketSize-1], r.Firmware)
	return
}

type Info struct {
	Firmware string
	Version  string
	ROM      string
	Features InfoFlags
}

// Info extracts the INFO fields; the version is the uppercase hex form of the 32-bit value.
func (r *Response) Info() Info {
	return Info{
		Firmware: r.Firmware,
		Version:  fmt.Sprintf("%X", r.Value),
		ROM:      r.ROM,
		Features: InfoFlags(r.Flags),
	}
}

type Entry struct {
	Type FileType
	Name string
}

const (
	lsContinue = 0x02
	lsEnd      = 0xFF
)

// ParseListing decodes one LS data block and appends its entries. more is true when the
// listing continues in the next block. "." and ".." are dropped.
func ParseListing(block []byte, entries []Entry) (out []Entry, more bool, err error) {
	out = entries
	i := 0
	for i < len(block) {
		t := block[i]
		switch t {
		case lsEnd:
			return out, false, nil
		case lsContinue:
			return out, true, nil
		}
		i++

		end := bytes.IndexByte(block[i:], 0)
		if end < 0 {
			return out, false, fmt.Errorf("usba: unterminated listing entry at offset %d", i-1)
		}
		name := string(block[i : i+end])
		i += end + 1

		if name == "." || name == ".." {
			continue
		}
		out = append(out, Entry{Type: FileType(t), Name: name})
	}

	// ran off the end of the block without a terminator; ask for more:
	return out, true, nil
}

// EncodeListing is the inverse of ParseListing, splitting entries over blocks of blockSize bytes.
func EncodeListing(entries []Entry, blockSize int) []byte {
	var out []byte
	block := make([]byte, 0, blockSize)
	for _, e := range entries {
		n := 1 + len(e.Name) + 1
		if len(block)+n+1 > blockSize {
			block = append(block, lsContinue)
			out = append(out, pad(block, blockSize)...)
			block = block[:0]
		}
		block = append(block, byte(e.Type))
		block = append(block, e.Name...)
		block = append(block, 0)
	}
	block = append(block, lsEnd)
	out = append(out, pad(block, blockSize)...)
	return out
}

func pad(b []byte, size int) []byte {
	p := make([]byte, size)
	copy(p, b)
	return p
}
