package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/openpmu/sv-gateway/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"frames", snap.Frames,
					"samples", snap.Samples,
					"malformed", snap.Malformed,
					"truncated", snap.Truncated,
					"gaps", snap.Gaps,
					"gap_samples", snap.GapSamples,
					"duplicates", snap.Duplicates,
					"streams", snap.Streams,
					"batches", snap.Batches,
					"sent", snap.Sent,
					"dropped", snap.Dropped,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
