package sink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/openpmu/sv-gateway/internal/logging"
	"github.com/openpmu/sv-gateway/internal/metrics"
	"github.com/openpmu/sv-gateway/internal/transport"
)

// sleepFn is a hook for tests (overridden to avoid real sleeps).
var sleepFn = time.Sleep

// unreachableAlertAfter is how long a destination may stay unreachable
// before the warning escalates to an error-level alert.
const unreachableAlertAfter = 30 * time.Second

// Fanout broadcasts each datagram to every configured destination
// through per-destination async queues with drop-oldest overflow.
type Fanout struct {
	mu     sync.Mutex
	dests  []*destination
	ctx    context.Context
	cancel context.CancelFunc
}

type destination struct {
	sender Sender
	tx     *transport.AsyncTx

	// downSince is zero while the destination is healthy. Touched only
	// from the destination's TX goroutine.
	downSince time.Time
	alerted   bool
}

// NewFanout builds a fanout over the given destinations, each with an
// AsyncTx of queueSize datagrams. Workers run until Close, which drains
// the queues; parent cancellation only aborts in-flight retry loops so
// the drain cannot hang on an unreachable destination.
func NewFanout(parent context.Context, senders []Sender, queueSize int) *Fanout {
	f := &Fanout{}
	f.ctx, f.cancel = context.WithCancel(parent)
	for _, s := range senders {
		d := &destination{sender: s}
		d.tx = transport.NewAsyncTx(context.Background(), queueSize, f.sendFunc(f.ctx, d), transport.Hooks{
			OnDrop: func() {
				metrics.IncDatagramDropped()
			},
			OnAfter: func() {
				metrics.IncDatagramSent()
			},
		})
		f.dests = append(f.dests, d)
	}
	return f
}

// sendFunc returns the blocking send routine for one destination. An
// unreachable destination is retried with exponential backoff inside
// the TX goroutine; queued datagrams wait behind the retry, overflow
// evicts the oldest of them.
func (f *Fanout) sendFunc(ctx context.Context, d *destination) func([]byte) error {
	return func(dgram []byte) error {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 100 * time.Millisecond
		bo.MaxInterval = 5 * time.Second
		bo.MaxElapsedTime = 0 // retry until delivery or shutdown
		for {
			err := d.sender.Send(dgram)
			if err == nil {
				if !d.downSince.IsZero() {
					logging.L().Info("destination_recovered", "dest", d.sender.Addr(),
						"down", time.Since(d.downSince).Round(time.Millisecond))
					d.downSince = time.Time{}
					d.alerted = false
				}
				return nil
			}
			if errors.Is(err, ErrWouldBlock) {
				// Local buffer pressure: drop this datagram, do not
				// stall the queue behind a retry.
				metrics.IncError(metrics.ErrSendWouldBlock)
				return err
			}
			if !errors.Is(err, ErrUnreachable) {
				metrics.IncError(metrics.ErrSendOther)
				logging.L().Warn("send_error", "dest", d.sender.Addr(), "error", err)
				return err
			}
			metrics.IncError(metrics.ErrSendUnreachable)
			if d.downSince.IsZero() {
				d.downSince = time.Now()
				logging.L().Warn("destination_unreachable", "dest", d.sender.Addr(), "error", err)
			} else if !d.alerted && time.Since(d.downSince) > unreachableAlertAfter {
				d.alerted = true
				logging.L().Error("destination_down", "dest", d.sender.Addr(),
					"down", time.Since(d.downSince).Round(time.Second))
			}
			if ctx.Err() != nil {
				return err
			}
			sleepFn(bo.NextBackOff())
		}
	}
}

// Broadcast queues a datagram on every destination.
func (f *Fanout) Broadcast(d []byte) {
	f.mu.Lock()
	dests := f.dests
	f.mu.Unlock()
	for _, dst := range dests {
		_ = dst.tx.Send(d)
	}
}

// Close stops the workers and closes the sockets. Delivery is
// best-effort; datagrams still queued at close time are lost.
func (f *Fanout) Close() {
	f.mu.Lock()
	dests := f.dests
	f.dests = nil
	f.mu.Unlock()
	f.cancel() // abort retry loops so the drain terminates
	for _, d := range dests {
		d.tx.Close()
		if err := d.sender.Close(); err != nil {
			logging.L().Warn("destination_close_error", "dest", d.sender.Addr(), "error", err)
		}
	}
}
