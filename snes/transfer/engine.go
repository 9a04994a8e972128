package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"usb2snes/snes"
)

// Engine moves files in fixed-size chunks. There is no per-chunk acknowledgment in either
// protocol, so completion is inferred from byte counts plus an optional post-upload check.
type Engine struct {
	cfg  Config
	Dirs *DirCache
}

func New(cfg Config) *Engine {
	return &Engine{cfg: cfg.withDefaults(), Dirs: NewDirCache()}
}

func (e *Engine) Config() Config { return e.cfg }

type Upload struct {
	Path     string
	Size     int64
	Source   io.Reader
	Progress snes.ProgressFunc
}

type Result struct {
	Bytes  int64
	Chunks int
}

// Send streams up.Size bytes from up.Source to sink.
func (e *Engine) Send(ctx context.Context, sink Sink, up Upload) (res Result, err error) {
	bs, throttle := sink.(BufferedSink)
	throttle = throttle && e.cfg.Backpressure

	if up.Progress != nil {
		up.Progress(0, up.Size)
	}

	buf := make([]byte, e.cfg.ChunkSize)
	lastLogged := int64(0)
	for res.Bytes < up.Size {
		want := int64(len(buf))
		if remaining := up.Size - res.Bytes; remaining < want {
			want = remaining
		}

		n, rerr := io.ReadFull(up.Source, buf[:want])
		if n > 0 {
			if throttle {
				if err = bs.WaitBuffered(ctx, e.cfg.HighWaterMark); err != nil {
					return res, fmt.Errorf("transfer: %s: waiting for buffer: %w", up.Path, err)
				}
			}
			if err = sink.Send(ctx, buf[:n]); err != nil {
				return res, fmt.Errorf("transfer: %s: chunk %d: %w", up.Path, res.Chunks, err)
			}
			res.Bytes += int64(n)
			res.Chunks++

			if up.Progress != nil {
				up.Progress(res.Bytes, up.Size)
			}
			if up.Size > 1<<20 && res.Bytes-lastLogged >= 512<<10 {
				log.Printf("transfer: %s: upload progress %d%%\n", up.Path, res.Bytes*100/up.Size)
				lastLogged = res.Bytes
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return res, fmt.Errorf("transfer: %s: read source: %w", up.Path, rerr)
		}
	}

	if res.Bytes != up.Size {
		return res, fmt.Errorf("transfer: %s: %w: sent %d of %d bytes", up.Path, snes.ErrSizeMismatch, res.Bytes, up.Size)
	}

	if throttle {
		dctx, cancel := context.WithTimeout(ctx, e.cfg.DrainTimeout)
		err = bs.WaitBuffered(dctx, 0)
		cancel()
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				log.Printf("transfer: %s: warning: %d bytes still buffered after %v\n", up.Path, bs.Buffered(), e.cfg.DrainTimeout)
				err = nil
			} else {
				return res, fmt.Errorf("transfer: %s: drain: %w", up.Path, err)
			}
		}
	}

	log.Printf("transfer: %s: sent %d bytes in %d chunks\n", up.Path, res.Bytes, res.Chunks)
	return res, nil
}

func (e *Engine) settle(size int64) time.Duration {
	d := time.Duration(float64(e.cfg.SettlePerMB) * float64(size) / float64(1<<20))
	if d < e.cfg.SettleMin {
		d = e.cfg.SettleMin
	}
	return d
}

// Confirm waits for the device to finish with an upload. With verification on, the parent
// directory is listed until the file appears; a miss is only logged unless StrictVerify is
// set. Otherwise it pauses in proportion to size and lists the parent as a readiness probe.
func (e *Engine) Confirm(ctx context.Context, l Lister, p string, size int64) error {
	dir, name := snes.SplitPath(p)

	if !e.cfg.Verify {
		if err := sleep(ctx, e.settle(size)); err != nil {
			return err
		}
		if _, err := l.List(ctx, dir); err != nil {
			return fmt.Errorf("transfer: %s: readiness probe: %w", p, err)
		}
		return nil
	}

	err := e.verify(ctx, l, dir, name)
	if err == nil {
		log.Printf("transfer: %s: upload verified\n", p)
		return nil
	}
	if e.cfg.StrictVerify || ctx.Err() != nil || snes.IsTerminal(err) {
		return fmt.Errorf("transfer: %s: verify: %w", p, err)
	}
	log.Printf("transfer: %s: warning: verification failed: %v\n", p, err)
	return nil
}

func (e *Engine) verify(ctx context.Context, l Lister, dir, name string) (err error) {
	delay := e.cfg.VerifyDelay
	for attempt := 1; attempt <= e.cfg.VerifyAttempts; attempt++ {
		if err = sleep(ctx, delay); err != nil {
			return
		}

		var entries []snes.DirEntry
		entries, err = l.List(ctx, dir)
		if err == nil {
			for _, ent := range entries {
				if ent.Name == name {
					return nil
				}
			}
			err = fmt.Errorf("%s not found in %s", name, dir)
		}
		if snes.IsTerminal(err) {
			return
		}
		delay *= 2
	}
	return
}

// Receive reads exactly size bytes through next, each call bounded by readTimeout. Any single
// read failing fails the whole transfer.
func Receive(ctx context.Context, next func(timeout time.Duration) ([]byte, error), size int64, readTimeout time.Duration, progress snes.ProgressFunc) ([]byte, error) {
	data := make([]byte, 0, size)
	if progress != nil {
		progress(0, size)
	}

	lastLogged := int64(0)
	for int64(len(data)) < size {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk, err := next(readTimeout)
		if err != nil {
			return nil, fmt.Errorf("transfer: received %d of %d bytes: %w", len(data), size, err)
		}
		data = append(data, chunk...)

		if progress != nil {
			done := int64(len(data))
			if done > size {
				done = size
			}
			progress(done, size)
		}
		if size > 1<<20 && int64(len(data))-lastLogged >= 512<<10 {
			log.Printf("transfer: download progress %d%%\n", int64(len(data))*100/size)
			lastLogged = int64(len(data))
		}
	}

	if int64(len(data)) != size {
		return nil, fmt.Errorf("transfer: %w: received %d of %d bytes", snes.ErrSizeMismatch, len(data), size)
	}
	return data, nil
}
