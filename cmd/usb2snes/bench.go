package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/aybabtme/uniplot/histogram"
)

func cmdBench(ctx context.Context, e *env) error {
	addr, err := parseAddress(e.args[0])
	if err != nil {
		return err
	}
	size, err := parseSize(e.args[1])
	if err != nil {
		return err
	}
	count := 100
	if len(e.args) > 2 {
		if count, err = strconv.Atoi(e.args[2]); err != nil || count <= 0 {
			return fmt.Errorf("bad count %q", e.args[2])
		}
	}

	times := make([]float64, 0, count)
	start := time.Now()
	for i := 0; i < count; i++ {
		t := time.Now()
		if _, err = e.dev.ReadMemory(ctx, addr, size); err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			return err
		}
		times = append(times, float64(time.Since(t)))
	}
	if len(times) == 0 {
		return err
	}
	elapsed := time.Since(start)

	printer.Printf("%d reads of %d bytes in %v (%d bytes/s)\n",
		len(times), size, elapsed.Round(time.Millisecond), int64(float64(len(times)*size)/elapsed.Seconds()))
	return reportLatency(os.Stdout, times)
}

// reportLatency prints percentiles and a histogram of durations given in nanoseconds.
func reportLatency(w io.Writer, times []float64) error {
	sorted := append([]float64(nil), times...)
	sort.Float64s(sorted)
	pct := func(p float64) time.Duration {
		return time.Duration(sorted[int(p*float64(len(sorted)-1))])
	}
	printer.Fprintf(w, "min %v  p50 %v  p90 %v  p99 %v  max %v\n\n",
		pct(0), pct(.5), pct(.9), pct(.99), pct(1))

	hist := histogram.Hist(10, times)
	return histogram.Fprintf(w, hist, histogram.Linear(40), func(v float64) string {
		return printer.Sprintf("% 11dns", time.Duration(v).Nanoseconds())
	})
}
