// Package watcher polls SNES memory for changes.
package watcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"usb2snes/snes"
)

const (
	DefaultInterval = 100 * time.Millisecond
	DefaultTimeout  = 30 * time.Second
)

var ErrTimeout = errors.New("watcher: timed out")

// Memory is the part of a device the watcher reads through.
type Memory interface {
	ReadMemory(ctx context.Context, address uint32, size int) ([]byte, error)
	ReadMemoryBatch(ctx context.Context, reqs []snes.ReadRequest) ([][]byte, error)
}

// Change describes one watched region whose contents differ from the previous poll.
type Change struct {
	Index   int
	Address uint32
	Size    int
	Old     []byte
	New     []byte
}

// Watcher reads a fixed set of regions in one batch per interval and reports what changed.
type Watcher struct {
	mem      Memory
	reqs     []snes.ReadRequest
	interval time.Duration
	onChange func(changes []Change)

	mu      sync.Mutex
	running bool
	values  [][]byte
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a stopped watcher. interval <= 0 means DefaultInterval; onChange may be nil.
func New(mem Memory, reqs []snes.ReadRequest, interval time.Duration, onChange func(changes []Change)) *Watcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Watcher{
		mem:      mem,
		reqs:     append([]snes.ReadRequest(nil), reqs...),
		interval: interval,
		onChange: onChange,
	}
}

// Start takes the initial snapshot and begins polling until Stop or ctx is done. Starting a
// running watcher does nothing.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		log.Println("watcher: already running")
		return nil
	}
	w.mu.Unlock()

	log.Printf("watcher: starting with %d regions every %v\n", len(w.reqs), w.interval)
	initial, err := w.mem.ReadMemoryBatch(ctx, w.reqs)
	if err != nil {
		return fmt.Errorf("watcher: initial read: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		cancel()
		return nil
	}
	w.running = true
	w.values = initial
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	go w.loop(ctx, done)
	return nil
}

// Stop ends polling and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	log.Println("watcher: stopping")
	cancel()
	<-done
}

func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Values returns the latest snapshot, or nil before the first Start.
func (w *Watcher) Values() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.values == nil {
		return nil
	}
	out := make([][]byte, len(w.values))
	for i, v := range w.values {
		out[i] = append([]byte(nil), v...)
	}
	return out
}

func (w *Watcher) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		close(done)
	}()

	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		current, err := w.mem.ReadMemoryBatch(ctx, w.reqs)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("watcher: poll: %v\n", err)
			continue
		}

		w.mu.Lock()
		changes := diff(w.reqs, w.values, current)
		w.values = current
		w.mu.Unlock()

		if len(changes) > 0 && w.onChange != nil {
			w.onChange(changes)
		}
	}
}

func diff(reqs []snes.ReadRequest, prev, current [][]byte) []Change {
	var changes []Change
	for i := range current {
		var old []byte
		if i < len(prev) {
			old = prev[i]
		}
		if bytes.Equal(old, current[i]) {
			continue
		}
		changes = append(changes, Change{
			Index:   i,
			Address: reqs[i].Address,
			Size:    reqs[i].Size,
			Old:     old,
			New:     current[i],
		})
	}
	return changes
}
