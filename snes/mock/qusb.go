package mock

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Request is one JSON command as received by QUsb.
type Request struct {
	Opcode   string   `json:"Opcode"`
	Space    string   `json:"Space"`
	Flags    []string `json:"Flags"`
	Operands []string `json:"Operands"`
}

type results struct {
	Results []string `json:"Results"`
}

const (
	wramStart = 0xF50000
	cmdBase   = 0x2C00
)

// QUsb is a USB2SNES WebSocket proxy with one simulated device behind it.
type QUsb struct {
	Mem *Memory
	FS  *FS

	Devices  []string
	Firmware string

	// TextData sends binary replies in text frames, as some proxies do.
	TextData bool
	// FrameSize splits binary replies over frames of at most this many bytes.
	FrameSize int
	// Short drops this many bytes from the end of every GetAddress reply.
	Short int

	srv *httptest.Server

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	requests []Request
	programs [][]byte
	names    []string
	rom      string
}

func NewQUsb(devices ...string) *QUsb {
	if len(devices) == 0 {
		devices = []string{"SD2SNES COM3"}
	}
	return &QUsb{
		Mem:       NewMemory(),
		FS:        NewFS(),
		Devices:   devices,
		Firmware:  "1.11.0",
		FrameSize: 1024,
		conns:     make(map[net.Conn]struct{}),
		rom:       "/sd2snes/m3nu.bin",
	}
}

// Start listens on a local port. Options must be set before.
func (q *QUsb) Start() {
	q.srv = httptest.NewServer(http.HandlerFunc(q.serve))
}

func (q *QUsb) URL() string {
	return "ws://" + q.srv.Listener.Addr().String()
}

func (q *QUsb) Close() {
	q.Kick()
	q.srv.Close()
}

// Kick drops every client connection.
func (q *QUsb) Kick() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for c := range q.conns {
		_ = c.Close()
	}
}

func (q *QUsb) Requests() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Request(nil), q.requests...)
}

// Programs returns every CMD-space upload received.
func (q *QUsb) Programs() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([][]byte(nil), q.programs...)
}

// Names returns the application names clients announced.
func (q *QUsb) Names() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.names...)
}

func (q *QUsb) ROM() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rom
}

type wsConn struct {
	io.Reader
	io.Writer
}

// qconn is the server side of one client connection.
type qconn struct {
	q  *QUsb
	rw io.ReadWriter

	// binary frames expected for the last command
	expect int
	buf    []byte
	onData func(b []byte)
}

func (q *QUsb) serve(w http.ResponseWriter, r *http.Request) {
	conn, brw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("mock: qusb: upgrade: %v\n", err)
		return
	}
	q.mu.Lock()
	q.conns[conn] = struct{}{}
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.conns, conn)
		q.mu.Unlock()
		_ = conn.Close()
	}()

	var src io.Reader = conn
	if brw != nil {
		src = brw.Reader
	}
	c := &qconn{q: q, rw: wsConn{Reader: src, Writer: conn}}
	for {
		msg, op, err := wsutil.ReadClientData(c.rw)
		if err != nil {
			return
		}
		if op == ws.OpBinary {
			c.data(msg)
			continue
		}

		var req Request
		if err = json.Unmarshal(msg, &req); err != nil {
			log.Printf("mock: qusb: bad request: %v\n", err)
			return
		}
		q.mu.Lock()
		q.requests = append(q.requests, req)
		q.mu.Unlock()

		if err = c.handle(req); err != nil {
			log.Printf("mock: qusb: %s: %v; closing\n", req.Opcode, err)
			return
		}
	}
}

func (c *qconn) data(b []byte) {
	if c.expect <= 0 {
		log.Printf("mock: qusb: unexpected %d byte binary frame\n", len(b))
		return
	}
	c.buf = append(c.buf, b...)
	if len(c.buf) < c.expect {
		return
	}
	data := c.buf[:c.expect]
	c.buf, c.expect = nil, 0
	if fn := c.onData; fn != nil {
		c.onData = nil
		fn(data)
	}
}

func (c *qconn) reply(items ...string) error {
	if items == nil {
		items = []string{}
	}
	b, err := json.Marshal(results{Results: items})
	if err != nil {
		return err
	}
	return wsutil.WriteServerMessage(c.rw, ws.OpText, b)
}

func (c *qconn) binary(data []byte) error {
	op := ws.OpBinary
	if c.q.TextData {
		op = ws.OpText
	}
	size := c.q.FrameSize
	if size <= 0 {
		size = len(data)
	}
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		if err := wsutil.WriteServerMessage(c.rw, op, data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func parseHex(s string) (int, error) {
	v, err := strconv.ParseUint(s, 16, 32)
	return int(v), err
}

type pair struct {
	address uint32
	size    int
}

func pairs(operands []string) ([]pair, error) {
	if len(operands) == 0 || len(operands)%2 != 0 {
		return nil, fmt.Errorf("want address/size pairs, got %d operands", len(operands))
	}
	out := make([]pair, 0, len(operands)/2)
	for i := 0; i < len(operands); i += 2 {
		a, err := parseHex(operands[i])
		if err != nil {
			return nil, err
		}
		n, err := parseHex(operands[i+1])
		if err != nil {
			return nil, err
		}
		out = append(out, pair{address: uint32(a), size: n})
	}
	return out, nil
}

func operand(req Request, i int) string {
	if i < len(req.Operands) {
		return req.Operands[i]
	}
	return ""
}

func (c *qconn) handle(req Request) error {
	q := c.q
	switch req.Opcode {
	case "DeviceList":
		return c.reply(q.Devices...)

	case "Attach":
		for _, d := range q.Devices {
			if d == operand(req, 0) {
				return nil
			}
		}
		return fmt.Errorf("no device %q", operand(req, 0))

	case "Name":
		q.mu.Lock()
		q.names = append(q.names, operand(req, 0))
		q.mu.Unlock()
		return nil

	case "Info":
		return c.reply(q.Firmware, "QUsb2Snes mock", q.ROM(), "NO_CONTROL_CMD")

	case "GetAddress":
		ps, err := pairs(req.Operands)
		if err != nil {
			return err
		}
		var data []byte
		for _, p := range ps {
			b, err := q.Mem.Read(p.address, p.size)
			if err != nil {
				return err
			}
			data = append(data, b...)
		}
		if q.Short > 0 && q.Short <= len(data) {
			data = data[:len(data)-q.Short]
		}
		return c.binary(data)

	case "PutAddress":
		ps, err := pairs(req.Operands)
		if err != nil {
			return err
		}
		total := 0
		for _, p := range ps {
			total += p.size
		}
		cmd := req.Space == "CMD"
		c.expect = total
		c.onData = func(b []byte) {
			if cmd {
				q.runCMD(b)
				return
			}
			o := 0
			for _, p := range ps {
				if err := q.Mem.Write(p.address, b[o:o+p.size]); err != nil {
					log.Printf("mock: qusb: PutAddress: %v\n", err)
				}
				o += p.size
			}
		}
		return nil

	case "GetFile":
		data, err := q.FS.ReadFile(operand(req, 0))
		if err != nil {
			return err
		}
		if err = c.reply(strconv.FormatInt(int64(len(data)), 16)); err != nil {
			return err
		}
		return c.binary(data)

	case "PutFile":
		p := operand(req, 0)
		size, err := parseHex(operand(req, 1))
		if err != nil {
			return err
		}
		if size == 0 {
			return q.FS.WriteFile(p, nil)
		}
		c.expect = size
		c.onData = func(b []byte) {
			if err := q.FS.WriteFile(p, b); err != nil {
				log.Printf("mock: qusb: PutFile: %v\n", err)
			}
		}
		return nil

	case "List":
		list, err := q.FS.List(operand(req, 0))
		if err != nil {
			// real proxies drop the connection here
			return err
		}
		items := []string{"0", ".", "0", ".."}
		for _, fi := range list {
			t := "1"
			if fi.IsDir {
				t = "0"
			}
			items = append(items, t, fi.Name)
		}
		return c.reply(items...)

	case "MakeDir":
		if err := q.FS.Mkdir(operand(req, 0)); err != nil {
			log.Printf("mock: qusb: MakeDir: %v\n", err)
		}
		return nil

	case "Remove":
		if err := q.FS.Remove(operand(req, 0)); err != nil {
			log.Printf("mock: qusb: Remove: %v\n", err)
		}
		return nil

	case "Rename":
		if err := q.FS.Rename(operand(req, 0), operand(req, 1)); err != nil {
			log.Printf("mock: qusb: Rename: %v\n", err)
		}
		return nil

	case "Boot":
		q.mu.Lock()
		q.rom = operand(req, 0)
		q.mu.Unlock()
		return nil

	case "Menu":
		q.mu.Lock()
		q.rom = "/sd2snes/m3nu.bin"
		q.mu.Unlock()
		return nil

	case "Reset":
		return nil
	}

	return fmt.Errorf("unsupported opcode %q", req.Opcode)
}

var cmdPrologue = []byte{0xE2, 0x20, 0x48, 0xEB, 0x48}

// runCMD executes the store sequence of an NMI-hook program: LDA #imm / STA long pairs up to
// the store that disarms the hook.
func (q *QUsb) runCMD(program []byte) {
	q.mu.Lock()
	q.programs = append(q.programs, append([]byte(nil), program...))
	q.mu.Unlock()

	if len(program) < 1+len(cmdPrologue) || string(program[1:1+len(cmdPrologue)]) != string(cmdPrologue) {
		log.Printf("mock: qusb: CMD program without prologue: % x\n", program)
		return
	}
	b := program[1+len(cmdPrologue):]
	for len(b) >= 6 && b[0] == 0xA9 && b[2] == 0x8F {
		v := b[1]
		addr := uint32(b[3]) | uint32(b[4])<<8 | uint32(b[5])<<16
		b = b[6:]
		if addr == cmdBase {
			return
		}
		if err := q.Mem.Write(addr-0x7E0000+wramStart, []byte{v}); err != nil {
			log.Printf("mock: qusb: CMD store $%06x: %v\n", addr, err)
		}
	}
	log.Printf("mock: qusb: CMD program ended without disarming: %s\n", strings.TrimSpace(fmt.Sprintf("% x", b)))
}
