package mock

import (
	"fmt"
	"log"
	"sync"
	"time"

	"usb2snes/snes/serialport"
	"usb2snes/snes/usba"
)

// firmware error code for anything the simulated device refuses
const errorCode = 1

// FXPak simulates FX Pak Pro firmware behind a serial port. It decodes request packets as the
// host writes them and queues replies for Read.
type FXPak struct {
	Mem *Memory
	FS  *FS

	Firmware string
	Version  uint32
	Features usba.InfoFlags

	name string

	mu     sync.Mutex
	in     []byte
	out    []byte
	notify chan struct{}
	closed bool
	gone   bool

	// data phase: the next expect bytes written belong to the previous command
	expect int
	onData func(b []byte)

	rom       string
	noise     []byte
	silent    int
	corrupt   bool
	streaming bool
	resets    int
	requests  []usba.Packet
}

var _ serialport.Port = (*FXPak)(nil)

func NewFXPak() *FXPak {
	return &FXPak{
		Mem:      NewMemory(),
		FS:       NewFS(),
		Firmware: "1.11.0",
		Version:  0x11,
		Features: usba.FeatDSPX | usba.FeatMSU1 | usba.FeatCMD_UNLOCK,
		name:     "mock-fxpak",
		notify:   make(chan struct{}),
		rom:      "/sd2snes/m3nu.bin",
	}
}

func (f *FXPak) Name() string { return f.name }

func (f *FXPak) signalLocked() {
	close(f.notify)
	f.notify = make(chan struct{})
}

func (f *FXPak) errLocked() error {
	if f.closed {
		return serialport.ErrClosed
	}
	if f.gone {
		return fmt.Errorf("%w: %s", serialport.ErrDisconnected, f.name)
	}
	return nil
}

func (f *FXPak) Read(buf []byte, timeout time.Duration) (int, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		f.mu.Lock()
		if len(f.out) > 0 {
			n := copy(buf, f.out)
			f.out = f.out[n:]
			f.mu.Unlock()
			return n, nil
		}
		if err := f.errLocked(); err != nil {
			f.mu.Unlock()
			return 0, err
		}
		ch := f.notify
		f.mu.Unlock()

		select {
		case <-ch:
		case <-t.C:
			return 0, serialport.ErrTimeout
		}
	}
}

func (f *FXPak) Write(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errLocked(); err != nil {
		return 0, err
	}
	f.in = append(f.in, buf...)
	f.processLocked()
	f.signalLocked()
	return len(buf), nil
}

func (f *FXPak) ResetViaDTR() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return serialport.ErrClosed
	}
	f.resets++
	f.gone = true
	f.signalLocked()
	return nil
}

func (f *FXPak) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.signalLocked()
	return nil
}

// Unplug makes the port fail as if the cable was pulled.
func (f *FXPak) Unplug() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gone = true
	f.signalLocked()
}

// Gone reports whether the port was closed or the device dropped off.
func (f *FXPak) Gone() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errLocked() != nil
}

// InjectNoise queues junk that is sent ahead of the next reply packet.
func (f *FXPak) InjectNoise(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noise = append(f.noise, b...)
}

// Silence drops the replies to the next n commands.
func (f *FXPak) Silence(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silent = n
}

// CorruptReplies makes replies carry the request opcode instead of RESPONSE.
func (f *FXPak) CorruptReplies(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.corrupt = on
}

// Emit sends one 64-byte stream block while a STREAM is active.
func (f *FXPak) Emit(block []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.streaming || f.errLocked() != nil {
		return false
	}
	f.out = append(f.out, pad(block, usba.ShortPacketSize)...)
	f.signalLocked()
	return true
}

func (f *FXPak) ROM() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rom
}

func (f *FXPak) Resets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

// Requests returns every packet decoded so far.
func (f *FXPak) Requests() []usba.Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]usba.Packet(nil), f.requests...)
}

// pad rounds b up to whole blocks of size bytes, at least one.
func pad(b []byte, size int) []byte {
	n := (len(b) + size - 1) / size * size
	if n == 0 {
		n = size
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (f *FXPak) processLocked() {
	for {
		if f.expect > 0 {
			if len(f.in) < f.expect {
				return
			}
			b := append([]byte(nil), f.in[:f.expect]...)
			f.in = f.in[f.expect:]
			f.expect = 0
			if fn := f.onData; fn != nil {
				f.onData = nil
				fn(b)
			}
			continue
		}

		if len(f.in) < 7 {
			return
		}
		need := usba.BlockSize(usba.Flags(f.in[6]))
		if len(f.in) < need {
			return
		}
		b := f.in[:need]
		f.in = f.in[need:]

		p, err := usba.Decode(b)
		if err != nil {
			log.Printf("mock: fxpak: dropping %d bytes: %v\n", need, err)
			continue
		}
		f.requests = append(f.requests, p)
		f.handleLocked(&p)
	}
}

func (f *FXPak) respondLocked(p *usba.Packet, rsp usba.Response, data []byte) {
	if p.Flags&usba.FlagNORESP != 0 {
		return
	}
	if f.silent > 0 {
		f.silent--
		return
	}
	rsp.Opcode = usba.OpRESPONSE
	if f.corrupt {
		rsp.Opcode = p.Opcode
	}
	f.out = append(f.out, f.noise...)
	f.noise = nil
	b := rsp.Encode()
	f.out = append(f.out, b[:]...)
	if rsp.Code == 0 && len(data) > 0 {
		f.out = append(f.out, pad(data, usba.PacketSize)...)
	}
}

func (f *FXPak) fail(p *usba.Packet, err error) {
	log.Printf("mock: fxpak: %s: %v\n", p.Opcode, err)
	f.respondLocked(p, usba.Response{Code: errorCode}, nil)
}

// receive arms the data phase for a command that is followed by size bytes in blocks.
func (f *FXPak) receive(size int, flags usba.Flags, fn func(b []byte)) {
	if size == 0 {
		fn(nil)
		return
	}
	f.expect = usba.PaddedSize(size, flags)
	f.onData = func(b []byte) { fn(b[:size]) }
}

func (f *FXPak) handleLocked(p *usba.Packet) {
	switch p.Opcode {
	case usba.OpGET:
		var data []byte
		var err error
		if p.Space == usba.SpaceFILE {
			data, err = f.FS.ReadFile(p.Path)
		} else {
			data, err = f.Mem.Read(p.Address, int(p.Size))
		}
		if err != nil {
			f.fail(p, err)
			return
		}
		f.respondLocked(p, usba.Response{Size: uint32(len(data))}, data)

	case usba.OpPUT:
		f.respondLocked(p, usba.Response{Size: p.Size}, nil)
		space, path, address := p.Space, p.Path, p.Address
		f.receive(int(p.Size), p.Flags, func(b []byte) {
			var err error
			if space == usba.SpaceFILE {
				err = f.FS.WriteFile(path, b)
			} else {
				err = f.Mem.Write(address, b)
			}
			if err != nil {
				log.Printf("mock: fxpak: PUT: %v\n", err)
			}
		})

	case usba.OpVGET:
		var data []byte
		for _, t := range p.Tuples {
			b, err := f.Mem.Read(t.Address, int(t.Size))
			if err != nil {
				log.Printf("mock: fxpak: VGET: %v\n", err)
				b = make([]byte, t.Size)
			}
			data = append(data, b...)
		}
		if len(data) > 0 {
			f.out = append(f.out, pad(data, usba.BlockSize(p.Flags))...)
		}

	case usba.OpVPUT:
		tuples := p.Tuples
		total := 0
		for _, t := range tuples {
			total += int(t.Size)
		}
		f.receive(total, p.Flags, func(b []byte) {
			o := 0
			for _, t := range tuples {
				if err := f.Mem.Write(t.Address, b[o:o+int(t.Size)]); err != nil {
					log.Printf("mock: fxpak: VPUT: %v\n", err)
				}
				o += int(t.Size)
			}
		})

	case usba.OpLS:
		list, err := f.FS.List(p.Path)
		if err != nil {
			f.fail(p, err)
			return
		}
		entries := []usba.Entry{{Type: usba.FtDIRECTORY, Name: "."}, {Type: usba.FtDIRECTORY, Name: ".."}}
		for _, fi := range list {
			t := usba.FtFILE
			if fi.IsDir {
				t = usba.FtDIRECTORY
			}
			entries = append(entries, usba.Entry{Type: t, Name: fi.Name})
		}
		f.respondLocked(p, usba.Response{}, usba.EncodeListing(entries, usba.PacketSize))

	case usba.OpMKDIR:
		if err := f.FS.Mkdir(p.Path); err != nil {
			if p.Flags&usba.FlagNORESP != 0 {
				// the real firmware wedges and drops off the bus
				log.Printf("mock: fxpak: MKDIR %s: %v; disconnecting\n", p.Path, err)
				f.gone = true
				return
			}
			f.fail(p, err)
			return
		}
		f.respondLocked(p, usba.Response{}, nil)

	case usba.OpRM:
		if err := f.FS.Remove(p.Path); err != nil {
			f.fail(p, err)
			return
		}
		f.respondLocked(p, usba.Response{}, nil)

	case usba.OpMV:
		if err := f.FS.Rename(p.Path, p.NewName); err != nil {
			f.fail(p, err)
			return
		}
		f.respondLocked(p, usba.Response{}, nil)

	case usba.OpBOOT:
		if _, err := f.FS.ReadFile(p.Path); err != nil {
			f.fail(p, err)
			return
		}
		f.rom = p.Path
		f.respondLocked(p, usba.Response{}, nil)

	case usba.OpMENU_RESET:
		f.rom = "/sd2snes/m3nu.bin"
		f.respondLocked(p, usba.Response{}, nil)

	case usba.OpRESET:
		f.respondLocked(p, usba.Response{}, nil)

	case usba.OpINFO:
		f.respondLocked(p, usba.Response{
			Flags:    byte(f.Features),
			Value:    f.Version,
			ROM:      f.rom,
			Firmware: f.Firmware,
		}, nil)

	case usba.OpSTREAM:
		f.streaming = true
		f.respondLocked(p, usba.Response{}, nil)

	default:
		f.fail(p, fmt.Errorf("unsupported opcode %s", p.Opcode))
	}
}
