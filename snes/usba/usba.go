package usba

import "strings"

type Opcode uint8

const (
	OpGET Opcode = iota
	OpPUT
	OpVGET
	OpVPUT

	OpLS
	OpMKDIR
	OpRM
	OpMV

	OpRESET
	OpBOOT
	OpPOWER_CYCLE
	OpINFO
	OpMENU_RESET
	OpSTREAM
	OpTIME
	OpRESPONSE
)

var opcodeNames = [...]string{
	"GET", "PUT", "VGET", "VPUT",
	"LS", "MKDIR", "RM", "MV",
	"RESET", "BOOT", "POWER_CYCLE", "INFO", "MENU_RESET", "STREAM", "TIME", "RESPONSE",
}

func (o Opcode) String() string {
	if int(o) < len(opcodeNames) {
		return opcodeNames[o]
	}
	return "UNKNOWN"
}

type Space uint8

const (
	SpaceFILE Space = iota
	SpaceSNES
	SpaceMSU
	SpaceCMD
	SpaceCONFIG
)

var spaceNames = [...]string{"FILE", "SNES", "MSU", "CMD", "CONFIG"}

func (s Space) String() string {
	if int(s) < len(spaceNames) {
		return spaceNames[s]
	}
	return "UNKNOWN"
}

type Flags uint8

const FlagNONE Flags = 0
const (
	FlagSKIPRESET Flags = 1 << iota
	FlagONLYRESET
	FlagCLRX
	FlagSETX
	FlagSTREAM_BURST
	_
	FlagNORESP
	FlagDATA64B
)

// InfoFlags are the feature bits reported in byte 6 of an INFO response.
type InfoFlags uint8

const (
	FeatDSPX InfoFlags = 1 << iota
	FeatST0010
	FeatSRTC
	FeatMSU1
	Feat213F
	FeatCMD_UNLOCK
	FeatUSB1
	FeatDMA1
)

var featNames = [...]string{"FEAT_DSPX", "FEAT_ST0010", "FEAT_SRTC", "FEAT_MSU1", "FEAT_213F", "FEAT_CMD_UNLOCK", "FEAT_USB1", "FEAT_DMA1"}

func (f InfoFlags) Has(x InfoFlags) bool { return f&x == x }

// String renders the set bits as FEAT_A|FEAT_B.
func (f InfoFlags) String() string {
	names := make([]string, 0, 8)
	for i, n := range featNames {
		if f&(1<<i) != 0 {
			names = append(names, n)
		}
	}
	return strings.Join(names, "|")
}

type FileType uint8

const (
	FtDIRECTORY FileType = 0
	FtFILE      FileType = 1
)

const (
	PacketSize      = 512
	ShortPacketSize = 64

	// MaxTuples is the number of (size, address) pairs that fit in a VGET or VPUT packet.
	MaxTuples = 8

	offsetTuples  = 32
	offsetSize    = 252
	offsetAddress = 256
	offsetPath    = 256
	offsetPath2   = 8
	offsetROM     = 16
	offsetVersion = 256
	offsetFWName  = 260
)

var Magic = [4]byte{'U', 'S', 'B', 'A'}

// BlockSize is the unit in which trailing data is transferred after a packet.
func BlockSize(flags Flags) int {
	if flags&FlagDATA64B != 0 {
		return ShortPacketSize
	}
	return PacketSize
}

// PaddedSize rounds n up to a whole number of blocks.
func PaddedSize(n int, flags Flags) int {
	bs := BlockSize(flags)
	return (n + bs - 1) / bs * bs
}
