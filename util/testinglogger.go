package util

import (
	"log"
	"strings"
	"sync/atomic"
	"testing"
)

// TestingWriter routes log output to a test's log until the test finishes.
type TestingWriter struct {
	tb   testing.TB
	done int32
}

func NewTestingWriter(tb testing.TB) *TestingWriter {
	return &TestingWriter{tb: tb}
}

func (w *TestingWriter) Write(p []byte) (n int, err error) {
	if atomic.LoadInt32(&w.done) != 0 {
		return len(p), nil
	}
	w.tb.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

// CaptureLog sends the standard logger to tb for the duration of the test.
func CaptureLog(tb testing.TB) {
	prev := log.Writer()
	w := NewTestingWriter(tb)
	log.SetOutput(w)
	tb.Cleanup(func() {
		atomic.StoreInt32(&w.done, 1)
		log.SetOutput(prev)
	})
}
