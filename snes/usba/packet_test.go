package usba

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func TestPacket_Encode(t *testing.T) {
	tests := []struct {
		name   string
		p      Packet
		checks map[int]byte
	}{
		{
			name: "GET",
			p:    Packet{Opcode: OpGET, Space: SpaceSNES, Address: 0xF50010, Size: 0x200},
			checks: map[int]byte{
				4: byte(OpGET), 5: byte(SpaceSNES), 6: 0,
				252: 0x00, 253: 0x00, 254: 0x02, 255: 0x00,
				256: 0x00, 257: 0xF5, 258: 0x00, 259: 0x10,
			},
		},
		{
			name: "PUT memory with flags",
			p:    Packet{Opcode: OpPUT, Space: SpaceSNES, Flags: FlagNORESP, Address: 1, Size: 0x01020304},
			checks: map[int]byte{
				4: byte(OpPUT), 5: byte(SpaceSNES), 6: byte(FlagNORESP),
				252: 0x01, 253: 0x02, 254: 0x03, 255: 0x04,
				259: 0x01,
			},
		},
		{
			name: "PUT file",
			p:    Packet{Opcode: OpPUT, Space: SpaceFILE, Path: "/x.sfc", Size: 0x8000},
			checks: map[int]byte{
				5:   byte(SpaceFILE),
				254: 0x80, 255: 0x00,
				256: '/', 257: 'x', 262: 0,
			},
		},
		{
			name: "VGET tuples",
			p: Packet{Opcode: OpVGET, Space: SpaceSNES, Flags: FlagDATA64B | FlagNORESP, Tuples: []Tuple{
				{Address: 0xF50010, Size: 0x10},
				{Address: 0xE00000, Size: 0xFF},
			}},
			checks: map[int]byte{
				6:  0xC0,
				32: 0x10, 33: 0xF5, 34: 0x00, 35: 0x10,
				36: 0xFF, 37: 0xE0, 38: 0x00, 39: 0x00,
				40: 0x00,
			},
		},
		{
			name: "MKDIR path",
			p:    Packet{Opcode: OpMKDIR, Space: SpaceFILE, Path: "/roms"},
			checks: map[int]byte{
				255: 5,
				256: '/', 257: 'r', 260: 's', 261: 0,
			},
		},
		{
			name: "MV names",
			p:    Packet{Opcode: OpMV, Space: SpaceFILE, Path: "/a.sfc", NewName: "b.sfc"},
			checks: map[int]byte{
				8: 'b', 12: 'c', 13: 0,
				256: '/', 257: 'a',
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := tt.p.Encode()
			if err != nil {
				t.Fatal(err)
			}
			if len(b) != PacketSize {
				t.Fatalf("len = %d", len(b))
			}
			if !bytes.Equal(b[0:4], []byte("USBA")) {
				t.Fatalf("magic = % x", b[0:4])
			}
			for i, want := range tt.checks {
				if b[i] != want {
					t.Errorf("b[%d] = %#02x, want %#02x", i, b[i], want)
				}
			}
		})
	}
}

func TestPacket_EncodeErrors(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}

	tests := []struct {
		name string
		p    Packet
		want error
	}{
		{"too many tuples", Packet{Opcode: OpVGET, Tuples: make([]Tuple, 9)}, ErrTooManyTuples},
		{"path too long", Packet{Opcode: OpLS, Path: string(long)}, ErrPathTooLong},
		{"new name too long", Packet{Opcode: OpMV, Path: "/x", NewName: string(long)}, ErrPathTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.p.Encode()
			if !errors.Is(err, tt.want) {
				t.Errorf("Encode() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPacket_Wire(t *testing.T) {
	p := Packet{Opcode: OpVGET, Space: SpaceSNES, Flags: FlagDATA64B | FlagNORESP, Tuples: []Tuple{{Address: 0xF50000, Size: 2}}}
	b, err := p.Wire()
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != ShortPacketSize {
		t.Errorf("len = %d, want %d", len(b), ShortPacketSize)
	}

	p = Packet{Opcode: OpINFO}
	b, err = p.Wire()
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != PacketSize {
		t.Errorf("len = %d, want %d", len(b), PacketSize)
	}
}

func TestDecode_RoundTrip(t *testing.T) {
	packets := []Packet{
		{Opcode: OpGET, Space: SpaceSNES, Address: 0xF50000, Size: 1024},
		{Opcode: OpPUT, Space: SpaceFILE, Size: 70000, Path: "/roms/big.sfc"},
		{Opcode: OpGET, Space: SpaceFILE, Path: "/sd2snes/config.yml"},
		{Opcode: OpVPUT, Space: SpaceSNES, Flags: FlagDATA64B | FlagNORESP, Tuples: []Tuple{{0xF5F000, 4}, {0xE01234, 200}}},
		{Opcode: OpLS, Space: SpaceFILE, Path: "/"},
		{Opcode: OpBOOT, Space: SpaceFILE, Path: "/roms/z3.sfc"},
		{Opcode: OpMV, Space: SpaceFILE, Path: "/a", NewName: "b"},
	}
	for _, p := range packets {
		t.Run(p.Opcode.String(), func(t *testing.T) {
			b, err := p.Wire()
			if err != nil {
				t.Fatal(err)
			}
			got, err := Decode(b)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, p) {
				t.Errorf("Decode() = %+v, want %+v", got, p)
			}
		})
	}
}

func TestDecode_MagicCheckedFirst(t *testing.T) {
	b := make([]byte, PacketSize)
	copy(b, "USBX")
	b[4] = byte(OpRESPONSE)

	if _, err := Decode(b); !errors.Is(err, ErrInvalidMagic) {
		t.Errorf("Decode() error = %v, want %v", err, ErrInvalidMagic)
	}
	if _, err := DecodeResponse(b); !errors.Is(err, ErrInvalidMagic) {
		t.Errorf("DecodeResponse() error = %v, want %v", err, ErrInvalidMagic)
	}
	// a truncated buffer with a bad magic still reports the magic:
	if _, err := DecodeResponse(b[:10]); !errors.Is(err, ErrInvalidMagic) {
		t.Errorf("DecodeResponse() error = %v, want %v", err, ErrInvalidMagic)
	}
}

func TestScan(t *testing.T) {
	tests := []struct {
		buf  []byte
		want int
	}{
		{[]byte("USBA...."), 0},
		{[]byte("\x00\x01USBA"), 2},
		{[]byte("USB"), -1},
		{nil, -1},
	}
	for _, tt := range tests {
		if got := Scan(tt.buf); got != tt.want {
			t.Errorf("Scan(%q) = %d, want %d", tt.buf, got, tt.want)
		}
	}
}

func TestPaddedSize(t *testing.T) {
	tests := []struct {
		n     int
		flags Flags
		want  int
	}{
		{0, FlagNONE, 0},
		{1, FlagNONE, 512},
		{512, FlagNONE, 512},
		{513, FlagNONE, 1024},
		{1, FlagDATA64B, 64},
		{65, FlagDATA64B | FlagNORESP, 128},
	}
	for _, tt := range tests {
		if got := PaddedSize(tt.n, tt.flags); got != tt.want {
			t.Errorf("PaddedSize(%d, %#x) = %d, want %d", tt.n, tt.flags, got, tt.want)
		}
	}
}
