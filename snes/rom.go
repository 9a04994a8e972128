package snes

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrNotROM = errors.New("snes: not a ROM image")

// ROM is a cartridge image as it is uploaded to the SD card.
type ROM struct {
	Contents []byte

	// CopierHeader is set when a 512-byte copier header was stripped from the front.
	CopierHeader bool
	HeaderOffset uint32
	Header       Header
}

// Header is the internal cartridge header at $xxFFB0 in the ROM's native mapping.
type Header struct {
	MakerCode          uint16
	GameCode           uint32
	_                  [7]byte
	ExpansionRAMSize   byte
	SpecialVersion     byte
	CartridgeSubType   byte
	Title              [21]byte
	MapMode            byte
	CartridgeType      byte
	ROMSize            byte
	RAMSize            byte
	DestinationCode    byte
	_                  byte
	MaskROMVersion     byte
	ComplementCheckSum uint16
	CheckSum           uint16
}

const (
	copierHeaderSize = 512
	bankSize         = 0x8000
	loROMHeader      = uint32(0x007FB0)
	hiROMHeader      = uint32(0x00FFB0)
	headerSize       = 0x30
)

// NewROM parses the cartridge header. A copier header is detected by the file size and
// skipped; the LoROM location is preferred unless only the HiROM location carries a
// consistent checksum pair.
func NewROM(contents []byte) (*ROM, error) {
	r := &ROM{}
	if len(contents)%bankSize == copierHeaderSize {
		contents = contents[copierHeaderSize:]
		r.CopierHeader = true
	}
	if len(contents) < bankSize {
		return nil, fmt.Errorf("%w: %d bytes is too small to hold a header", ErrNotROM, len(contents))
	}
	r.Contents = contents

	r.HeaderOffset = loROMHeader
	if !checksumsComplement(contents, loROMHeader) && checksumsComplement(contents, hiROMHeader) {
		r.HeaderOffset = hiROMHeader
	}

	h := contents[r.HeaderOffset : r.HeaderOffset+headerSize]
	if err := binary.Read(bytes.NewReader(h), binary.LittleEndian, &r.Header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrNotROM, err)
	}
	return r, nil
}

func checksumsComplement(contents []byte, headerOffset uint32) bool {
	o := headerOffset + 0x2C
	if uint32(len(contents)) < o+4 {
		return false
	}
	complement := binary.LittleEndian.Uint16(contents[o:])
	sum := binary.LittleEndian.Uint16(contents[o+2:])
	return complement^sum == 0xFFFF
}

// Title returns the header title with trailing padding removed.
func (r *ROM) Title() string {
	return string(bytes.TrimRight(r.Header.Title[:], " \x00"))
}

// HiROM reports whether the header lives at the HiROM location.
func (r *ROM) HiROM() bool { return r.HeaderOffset == hiROMHeader }

// ROMSize is the size declared in the header, which may exceed the image for odd dumps.
func (r *ROM) ROMSize() uint32 {
	return 1024 << r.Header.ROMSize
}

// RAMSize is the battery-backed SRAM size, or 0 for carts without SRAM.
func (r *ROM) RAMSize() uint32 {
	if r.Header.RAMSize == 0 {
		return 0
	}
	return 1024 << r.Header.RAMSize
}
