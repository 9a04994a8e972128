package qusb2snes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path"
	"strings"

	"github.com/gobwas/ws"

	"usb2snes/snes"
	"usb2snes/snes/transfer"
)

var (
	ErrBadPath         = errors.New("qusb2snes: bad path")
	ErrDirectoryAbsent = errors.New("qusb2snes: directory does not exist")
)

func (cl *Client) GetFile(ctx context.Context, p string, progress snes.ProgressFunc) (data []byte, err error) {
	err = cl.do(ctx, func(x *snes.Exchange) error {
		if err := cl.send(ctx, request{Opcode: "GetFile", Operands: []string{p}}); err != nil {
			return err
		}
		results, err := cl.reply(x, "GetFile")
		if err != nil {
			return err
		}
		if len(results) == 0 {
			return fmt.Errorf("qusb2snes: GetFile %s: %w: no size in reply", p, snes.ErrProtocolDecode)
		}
		size, err := parseHex(results[0])
		if err != nil {
			return fmt.Errorf("qusb2snes: GetFile %s: %w: size %q", p, snes.ErrProtocolDecode, results[0])
		}

		log.Printf("qusb2snes: getting file %s (%d bytes)\n", p, size)
		data, err = cl.readBinary(x, "GetFile", int64(size), cl.engine.Config().ReadTimeout, progress)
		return err
	})
	return
}

// wsSink queues upload chunks as binary frames; the queued byte count provides backpressure.
type wsSink struct {
	s *session
}

func (w *wsSink) Send(ctx context.Context, chunk []byte) error {
	b := make([]byte, len(chunk))
	copy(b, chunk)
	return w.s.enqueue(ctx, ws.OpBinary, b)
}

func (w *wsSink) Buffered() int {
	return w.s.Buffered()
}

func (w *wsSink) WaitBuffered(ctx context.Context, n int) error {
	return w.s.WaitBuffered(ctx, n)
}

// PutFile uploads size bytes from r to p. The destination directory is created first when
// configured, and the upload is confirmed once the connection is released.
func (cl *Client) PutFile(ctx context.Context, p string, r io.Reader, size int64, progress snes.ProgressFunc) error {
	if err := cl.c.Require(snes.Attached); err != nil {
		return err
	}
	if err := cl.engine.Prepare(ctx, p, cl, cl.mkdir); err != nil {
		return fmt.Errorf("qusb2snes: PutFile %s: %w", p, err)
	}

	err := cl.do(ctx, func(x *snes.Exchange) error {
		s := cl.session()
		if s == nil {
			return fmt.Errorf("qusb2snes: %w", snes.ErrNotConnected)
		}
		if err := cl.send(ctx, request{Opcode: "PutFile", Operands: []string{p, hex(uint64(size))}}); err != nil {
			return err
		}
		_, err := cl.engine.Send(ctx, &wsSink{s: s}, transfer.Upload{Path: p, Size: size, Source: r, Progress: progress})
		return err
	})
	if err != nil {
		return err
	}

	return cl.engine.Confirm(ctx, cl, p, size)
}

// List returns the entries of one directory without checking the path first. Listing a
// directory that does not exist makes some proxies drop the connection; see ListChecked.
func (cl *Client) List(ctx context.Context, p string) (entries []snes.DirEntry, err error) {
	err = cl.do(ctx, func(x *snes.Exchange) error {
		if err := cl.send(ctx, request{Opcode: "List", Operands: []string{p}}); err != nil {
			return err
		}
		results, err := cl.reply(x, "List")
		if err != nil {
			return err
		}
		if len(results)%2 != 0 {
			return fmt.Errorf("qusb2snes: List %s: %w: odd result count %d", p, snes.ErrProtocolDecode, len(results))
		}

		entries = make([]snes.DirEntry, 0, len(results)/2)
		for i := 0; i < len(results); i += 2 {
			name := results[i+1]
			if name == "." || name == ".." {
				continue
			}
			t := snes.FileTypeFile
			if results[i] == "0" {
				t = snes.FileTypeDirectory
			}
			entries = append(entries, snes.DirEntry{Type: t, Name: name})
		}
		return nil
	})
	return
}

func checkPath(p string) error {
	if p == "" || p == "/" {
		return nil
	}
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("%w: %q should start with \"/\"", ErrBadPath, p)
	}
	if strings.HasSuffix(p, "/") {
		return fmt.Errorf("%w: %q should not end with \"/\"", ErrBadPath, p)
	}
	return nil
}

func containsFold(entries []snes.DirEntry, name string) (snes.DirEntry, bool) {
	for _, e := range entries {
		if strings.EqualFold(e.Name, name) {
			return e, true
		}
	}
	return snes.DirEntry{}, false
}

// ListChecked validates p and confirms every component exists in its parent's listing before
// listing it. Names compare case-insensitively like the SD card's filesystem, and the listing
// uses the names as the device spells them.
func (cl *Client) ListChecked(ctx context.Context, p string) ([]snes.DirEntry, error) {
	if err := checkPath(p); err != nil {
		return nil, err
	}
	if p == "" {
		p = "/"
	}

	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	parent := "/"
	for _, name := range parts {
		if name == "" {
			continue
		}
		entries, err := cl.List(ctx, parent)
		if err != nil {
			return nil, err
		}
		e, ok := containsFold(entries, name)
		if !ok || !e.IsDir() {
			return nil, fmt.Errorf("%w: %s", ErrDirectoryAbsent, p)
		}
		parent = path.Join(parent, e.Name)
	}
	return cl.List(ctx, parent)
}

// MakeDir creates p after checking that its parent exists. An existing directory is not an
// error.
func (cl *Client) MakeDir(ctx context.Context, p string) error {
	if p == "" || p == "/" {
		return fmt.Errorf("%w: cannot create %q", ErrBadPath, p)
	}
	if err := checkPath(p); err != nil {
		return err
	}

	parent, name := snes.SplitPath(p)
	entries, err := cl.ListChecked(ctx, parent)
	if err != nil {
		return fmt.Errorf("qusb2snes: MakeDir %s: %w", p, err)
	}
	if e, ok := containsFold(entries, name); ok {
		if !e.IsDir() {
			return fmt.Errorf("qusb2snes: MakeDir %s: exists and is not a directory", p)
		}
		return nil
	}
	return cl.mkdir(ctx, p)
}

// mkdir sends MakeDir without checks; the proxy does not reply.
func (cl *Client) mkdir(ctx context.Context, p string) error {
	return cl.command(ctx, "MakeDir", p)
}

func (cl *Client) Remove(ctx context.Context, p string) error {
	return cl.command(ctx, "Remove", p)
}

func (cl *Client) Rename(ctx context.Context, p, newName string) error {
	return cl.command(ctx, "Rename", p, newName)
}
