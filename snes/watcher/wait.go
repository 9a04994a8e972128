package watcher

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"usb2snes/snes"
)

// Matcher reports whether a region's contents are what the caller is waiting for.
type Matcher func(b []byte) bool

// Byte matches when the first byte equals v.
func Byte(v byte) Matcher {
	return func(b []byte) bool { return len(b) > 0 && b[0] == v }
}

// Bytes matches an exact byte sequence.
func Bytes(v []byte) Matcher {
	want := append([]byte(nil), v...)
	return func(b []byte) bool { return bytes.Equal(b, want) }
}

// Predicate adapts an arbitrary test.
func Predicate(fn func(b []byte) bool) Matcher { return Matcher(fn) }

type Condition struct {
	Address uint32
	Size    int
	Match   Matcher
}

// Options controls the one-shot waits. A zero Timeout waits forever.
type Options struct {
	Timeout  time.Duration
	Interval time.Duration
}

func DefaultOptions() Options {
	return Options{Timeout: DefaultTimeout, Interval: DefaultInterval}
}

// poll calls check every interval until it succeeds, fails, or the timeout passes.
func poll(ctx context.Context, opts Options, what string, check func() (bool, error)) error {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	var deadline time.Time
	if opts.Timeout > 0 {
		deadline = time.Now().Add(opts.Timeout)
	}

	for {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return fmt.Errorf("%w after %v waiting for %s", ErrTimeout, opts.Timeout, what)
		}
		ok, err := check()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		t := time.NewTimer(opts.Interval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

// WaitForValue reads size bytes at address until match accepts them and returns them.
func WaitForValue(ctx context.Context, mem Memory, address uint32, size int, match Matcher, opts Options) (value []byte, err error) {
	what := fmt.Sprintf("$%06x", address)
	err = poll(ctx, opts, what, func() (bool, error) {
		b, err := mem.ReadMemory(ctx, address, size)
		if err != nil {
			return false, fmt.Errorf("watcher: read %s: %w", what, err)
		}
		value = b
		return match(b), nil
	})
	if err != nil {
		return nil, err
	}
	return
}

// WaitForConditions reads all regions in one batch per poll until every condition holds and
// returns the values that satisfied them.
func WaitForConditions(ctx context.Context, mem Memory, conds []Condition, opts Options) (values [][]byte, err error) {
	reqs := make([]snes.ReadRequest, len(conds))
	for i, c := range conds {
		reqs[i] = snes.ReadRequest{Address: c.Address, Size: c.Size}
	}

	what := fmt.Sprintf("%d conditions", len(conds))
	err = poll(ctx, opts, what, func() (bool, error) {
		vs, err := mem.ReadMemoryBatch(ctx, reqs)
		if err != nil {
			return false, fmt.Errorf("watcher: read: %w", err)
		}
		for i, c := range conds {
			if !c.Match(vs[i]) {
				return false, nil
			}
		}
		values = vs
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return
}
