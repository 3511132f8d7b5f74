// Package batch provides a debounced write coalescer. Rapid successive
// writes of a mutable snapshot collapse into a single storage call
// carrying only the most recent value, protecting the sink from
// per-mutation I/O.
package batch

import (
	"context"
	"log"
	"sync"
	"time"
)

const defaultWindow = 100 * time.Millisecond

// StorageFunc persists one value. It is only ever invoked with the most
// recently written value.
type StorageFunc[T any] func(ctx context.Context, data T) error

// Options configures a Batcher.
type Options struct {
	// Window is the debounce interval. Defaults to 100ms.
	Window time.Duration

	// OnError receives storage failures. The batcher itself survives
	// any number of them.
	OnError func(error)
}

// Metrics are monotonic counters describing batcher behavior. Counters
// only reset through ResetMetrics.
type Metrics struct {
	TotalWritesQueued int64
	TotalFlushes      int64
	StorageErrors     int64
}

// WritesCoalesced is the number of writes absorbed without their own
// storage call.
func (m Metrics) WritesCoalesced() int64 {
	return m.TotalWritesQueued - m.TotalFlushes
}

// CoalescingRatio is WritesCoalesced over TotalWritesQueued, 0 before any
// write.
func (m Metrics) CoalescingRatio() float64 {
	if m.TotalWritesQueued == 0 {
		return 0
	}
	return float64(m.WritesCoalesced()) / float64(m.TotalWritesQueued)
}

// Batcher debounces writes of T into a storage sink. Write replaces any
// unflushed pending value; only one debounce timer is ever live.
type Batcher[T any] struct {
	store   StorageFunc[T]
	window  time.Duration
	onError func(error)

	mu        sync.Mutex
	pending   *T
	timer     *time.Timer
	inflight  *flight
	destroyed bool
	metrics   Metrics
}

// flight is one in-progress storage invocation; concurrent Flush callers
// share it instead of issuing their own.
type flight struct {
	done chan struct{}
	err  error
}

// New creates a batcher around store.
func New[T any](store StorageFunc[T], opts Options) *Batcher[T] {
	if opts.Window <= 0 {
		opts.Window = defaultWindow
	}
	return &Batcher[T]{
		store:   store,
		window:  opts.Window,
		onError: opts.OnError,
	}
}

// Write replaces the pending value and (re)starts the debounce timer.
// After Destroy it is a silent no-op.
func (b *Batcher[T]) Write(data T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.metrics.TotalWritesQueued++
	if b.destroyed {
		return
	}

	b.pending = &data
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.window, func() {
		if err := b.Flush(context.Background()); err != nil {
			log.Printf("batch: debounced flush: %v", err)
		}
	})
}

// Flush persists the pending value now. Overlapping calls collapse into
// one storage invocation; latecomers wait for it and share its error.
// With nothing pending, Flush is a no-op.
func (b *Batcher[T]) Flush(ctx context.Context) error {
	b.mu.Lock()
	if b.inflight != nil {
		fl := b.inflight
		b.mu.Unlock()
		select {
		case <-fl.done:
			return fl.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if b.pending == nil {
		b.mu.Unlock()
		return nil
	}

	data := *b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	fl := &flight{done: make(chan struct{})}
	b.inflight = fl
	b.mu.Unlock()

	err := b.store(ctx, data)

	b.mu.Lock()
	b.metrics.TotalFlushes++
	if err != nil {
		b.metrics.StorageErrors++
	}
	b.inflight = nil
	b.mu.Unlock()

	fl.err = err
	close(fl.done)

	if err != nil && b.onError != nil {
		b.onError(err)
	}
	return err
}

// FlushOnError flushes immediately. err is accepted for the caller's
// logging context only and does not alter behavior.
func (b *Batcher[T]) FlushOnError(ctx context.Context, err error) error {
	if err != nil {
		log.Printf("batch: flushing on error: %v", err)
	}
	return b.Flush(ctx)
}

// Destroy flushes once and permanently disables scheduling. Later Write
// calls do not throw and do not schedule.
func (b *Batcher[T]) Destroy(ctx context.Context) error {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return nil
	}
	b.destroyed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	return b.Flush(ctx)
}

// Metrics returns a snapshot of the counters.
func (b *Batcher[T]) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics
}

// ResetMetrics zeroes all counters without touching pending data or the
// timer.
func (b *Batcher[T]) ResetMetrics() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics = Metrics{}
}
