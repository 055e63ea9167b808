// Package transport provides the asynchronous datagram transmit queue
// shared by all destinations. Producers never block on a slow socket;
// when a queue fills, the oldest pending datagram is dropped so the
// freshest samples always win.
package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// AsyncTx funnels datagram writes through a single goroutine (fan-in).
// Enqueue is non-blocking: on a full buffer the oldest queued datagram
// is evicted to make room and the OnDrop hook fires for it.
//
// Life-cycle:
//
//	a := NewAsyncTx(ctx, buf, sendFn, hooks)
//	a.Send(dgram)
//	a.Close()
//
// After Close returns no more datagrams will be processed. Send after
// Close returns ErrAsyncTxClosed.
//
// Hooks let each destination keep distinct metrics / logging without
// duplicating the goroutine + buffer plumbing.
type AsyncTx struct {
	mu     sync.Mutex
	ch     chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	send   func([]byte) error
	hooks  Hooks
	closed atomic.Bool
}

// Hooks customize AsyncTx behavior.
type Hooks struct {
	// OnError is called when send returns a non-nil error (datagram not sent).
	OnError func(error)
	// OnAfter is called only after a successful send.
	OnAfter func()
	// OnDrop is called once per datagram evicted from a full buffer.
	OnDrop func()
}

// ErrAsyncTxClosed is returned by Send after Close.
var ErrAsyncTxClosed = errors.New("async tx closed")

// NewAsyncTx constructs an AsyncTx with a buffered channel of size buf.
func NewAsyncTx(parent context.Context, buf int, send func([]byte) error, hooks Hooks) *AsyncTx {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx{
		ch:     make(chan []byte, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncTx) loop() {
	defer a.wg.Done()
	for {
		select {
		case d, ok := <-a.ch:
			if !ok {
				return
			}
			if err := a.send(d); err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(err)
				}
				continue
			}
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter()
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// Send queues a datagram for asynchronous transmission. When the buffer
// is full it evicts the oldest pending datagram and enqueues the new one.
func (a *AsyncTx) Send(d []byte) error {
	// Fast-path check so steady-state sends avoid the lock when already shut down.
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	for {
		select {
		case a.ch <- d:
			return nil
		default:
		}
		// Full: pop one to make room. The worker may race us for the
		// head, in which case the enqueue retry will just succeed.
		select {
		case <-a.ch:
			if a.hooks.OnDrop != nil {
				a.hooks.OnDrop()
			}
		default:
		}
	}
}

// Close drains queued datagrams through the worker, then stops it.
// Cancel the parent context instead when pending datagrams should be
// discarded.
func (a *AsyncTx) Close() {
	if a.closed.Swap(true) { // already closed
		return
	}
	// Close the channel under the send lock to avoid races with
	// in-flight Send calls; the worker drains it before exiting.
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
	a.cancel()
}
