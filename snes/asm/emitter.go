package asm

import (
	"fmt"
	"io"
)

// Emitter is a 65816 immediate assembler writing machine code to Code and, optionally, a
// listing to Text.
type Emitter struct {
	flagsTracker

	Code io.Writer
	Text io.StringWriter

	address uint32
	baseSet bool
	n       int
}

func NewEmitter(code io.Writer, text io.StringWriter) *Emitter {
	return &Emitter{Code: code, Text: text}
}

// SetBase sets the address of the next emitted byte for the listing.
func (a *Emitter) SetBase(addr uint32) {
	a.address = addr
	a.baseSet = true
}

// Len is the number of bytes emitted so far.
func (a *Emitter) Len() int { return a.n }

func (a *Emitter) emitBase() {
	if !a.baseSet {
		return
	}

	_, _ = a.Text.WriteString(fmt.Sprintf("base $%06x\n", a.address))
	a.baseSet = false
}

func (a *Emitter) emit(ins, args string, d []byte) {
	if a.Code != nil {
		_, _ = a.Code.Write(d)
	}
	if a.Text != nil {
		a.emitBase()
		_, _ = a.Text.WriteString(fmt.Sprintf("    %-5s %-9s ; $%06x  % x\n", ins, args, a.address, d))
	}
	a.address += uint32(len(d))
	a.n += len(d)
}

func imm24(v uint32) (byte, byte, byte) {
	return byte(v), byte(v >> 8), byte(v >> 16)
}

func imm16(v uint16) (byte, byte) {
	return byte(v), byte(v >> 8)
}

// Byte emits raw data.
func (a *Emitter) Byte(b ...byte) {
	a.emit("db", "", b)
}

func (a *Emitter) REP(c Flags) {
	a.AssumeREP(c)
	a.emit("rep", fmt.Sprintf("#$%02x", byte(c)), []byte{0xC2, byte(c)})
}

func (a *Emitter) SEP(c Flags) {
	a.AssumeSEP(c)
	a.emit("sep", fmt.Sprintf("#$%02x", byte(c)), []byte{0xE2, byte(c)})
}

func (a *Emitter) NOP() { a.emit("nop", "", []byte{0xEA}) }
func (a *Emitter) PHA() { a.emit("pha", "", []byte{0x48}) }
func (a *Emitter) PLA() { a.emit("pla", "", []byte{0x68}) }
func (a *Emitter) PHP() { a.emit("php", "", []byte{0x08}) }
func (a *Emitter) PLP() { a.emit("plp", "", []byte{0x28}) }

// XBA swaps the accumulator's high and low bytes.
func (a *Emitter) XBA() { a.emit("xba", "", []byte{0xEB}) }

func (a *Emitter) LDA_imm8_b(m uint8) {
	if a.IsM16bit() {
		panic(fmt.Errorf("asm: LDA_imm8_b called but 'm' flag is 16-bit; call SEP(0x20) or AssumeSEP(0x20) first"))
	}
	a.emit("lda.b", fmt.Sprintf("#$%02x", m), []byte{0xA9, m})
}

func (a *Emitter) LDA_imm16_w(m uint16) {
	if !a.IsM16bit() {
		panic(fmt.Errorf("asm: LDA_imm16_w called but 'm' flag is 8-bit; call REP(0x20) or AssumeREP(0x20) first"))
	}
	lo, hi := imm16(m)
	a.emit("lda.w", fmt.Sprintf("#$%04x", m), []byte{0xA9, lo, hi})
}

func (a *Emitter) STA_long(addr uint32) {
	lo, hi, bank := imm24(addr)
	a.emit("sta.l", fmt.Sprintf("$%06x", addr&0xFFFFFF), []byte{0x8F, lo, hi, bank})
}

// JMP_abs_indirect jumps through the 16-bit pointer at addr in bank 0.
func (a *Emitter) JMP_abs_indirect(addr uint16) {
	lo, hi := imm16(addr)
	a.emit("jmp", fmt.Sprintf("($%04x)", addr), []byte{0x6C, lo, hi})
}
