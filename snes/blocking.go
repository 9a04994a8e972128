package snes

import (
	"bytes"
	"context"
	"fmt"
	"time"
)

const (
	DefaultTimeoutPerMB = 10 * time.Second
	MinPutTimeout       = 30 * time.Second
	DefaultGetTimeout   = 5 * time.Minute
)

// PutTimeout scales the upload timeout with the payload size: perMB per started megabyte,
// never less than MinPutTimeout.
func PutTimeout(size int64, perMB time.Duration) time.Duration {
	if perMB <= 0 {
		perMB = DefaultTimeoutPerMB
	}
	mb := (size + (1<<20 - 1)) >> 20
	t := time.Duration(mb) * perMB
	if t < MinPutTimeout {
		t = MinPutTimeout
	}
	return t
}

// PutFileBlocking uploads data and waits for completion within a size-derived timeout.
func PutFileBlocking(ctx context.Context, d Device, path string, data []byte, perMB time.Duration, progress ProgressFunc) error {
	ctx, cancel := context.WithTimeout(ctx, PutTimeout(int64(len(data)), perMB))
	defer cancel()

	err := d.PutFile(ctx, path, bytes.NewReader(data), int64(len(data)), progress)
	if err != nil {
		return fmt.Errorf("snes: put %s: %w", path, err)
	}
	return nil
}

// GetFileBlocking downloads a file, giving up after timeout (DefaultGetTimeout when zero).
func GetFileBlocking(ctx context.Context, d Device, path string, timeout time.Duration, progress ProgressFunc) ([]byte, error) {
	if timeout <= 0 {
		timeout = DefaultGetTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	data, err := d.GetFile(ctx, path, progress)
	if err != nil {
		return nil, fmt.Errorf("snes: get %s: %w", path, err)
	}
	return data, nil
}
