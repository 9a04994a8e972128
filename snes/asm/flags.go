package asm

// Flags mirrors the 65816 processor status register: nvmxdizc
type Flags uint8

const (
	Carry Flags = 1 << iota
	Zero
	IRQDisable
	DecimalMode
	IndexRegister8bit
	Accumulator8bit
	Overflow
	Negative
)

// flagsTracker follows the m and x bits so that immediate operands get the right width.
type flagsTracker struct {
	flags Flags
}

func (t *flagsTracker) IsM16bit() bool { return t.flags&Accumulator8bit == 0 }
func (t *flagsTracker) IsX16bit() bool { return t.flags&IndexRegister8bit == 0 }

// AssumeREP records the effect of REP without emitting it.
func (t *flagsTracker) AssumeREP(c Flags) {
	t.flags &= ^c
}

// AssumeSEP records the effect of SEP without emitting it.
func (t *flagsTracker) AssumeSEP(c Flags) {
	t.flags |= c
}
