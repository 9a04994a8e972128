package qusb2snes

import (
	"bytes"
	"fmt"

	"usb2snes/snes"
	"usb2snes/snes/asm"
)

const (
	WRAMStart = 0xF50000
	WRAMSize  = 0x20000

	// cmdBase is where the SD2SNES NMI hook runs patched code from.
	cmdBase = 0x2C00
	// the NMI vector the patched code returns through
	nmiVector = 0xFFEA
)

// BuildCMDWrite assembles a small 65816 program that stores every byte of reqs into WRAM
// during the next NMI. SD2SNES firmware cannot write WRAM directly, so the proxy uploads
// this to the CMD space instead.
//
// The first byte is a placeholder; the proxy writes all but the last byte first and then the
// last byte (PHP) over the placeholder, which arms the hook.
func BuildCMDWrite(reqs []snes.WriteRequest) ([]byte, error) {
	for _, r := range reqs {
		if r.Address < WRAMStart || uint64(r.Address)+uint64(len(r.Data)) > WRAMStart+WRAMSize {
			return nil, fmt.Errorf("qusb2snes: sd2snes write $%06x+%d: %w", r.Address, len(r.Data), snes.ErrOutOfRange)
		}
	}

	var code bytes.Buffer
	a := asm.NewEmitter(&code, nil)
	a.SetBase(cmdBase)

	a.Byte(0x00)
	a.SEP(0x20)
	a.PHA()
	a.XBA()
	a.PHA()
	for _, r := range reqs {
		for i, v := range r.Data {
			a.LDA_imm8_b(v)
			a.STA_long(r.Address + uint32(i) + 0x7E0000 - WRAMStart)
		}
	}
	// disarm:
	a.LDA_imm8_b(0x00)
	a.STA_long(cmdBase)
	a.PLA()
	a.XBA()
	a.PLA()
	a.PLP()
	a.JMP_abs_indirect(nmiVector)
	a.PHP()

	return code.Bytes(), nil
}

// cmdOperands are the PutAddress operands that upload a program built by BuildCMDWrite.
func cmdOperands(program []byte) []string {
	return []string{"2C00", hex(uint64(len(program) - 1)), "2C00", "1"}
}
