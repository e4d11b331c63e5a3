// Package batch accumulates local records and writes them to the store in
// debounced batches, with a throttled live path for in-progress records.
package batch

import (
	"context"
	"sync"
	"time"

	"couple-sync/internal/metrics"
	"couple-sync/internal/remotestore"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const DefaultDelay = time.Second

// Options configures a Writer
type Options[T any] struct {
	// Delay is the idle period before a scheduled flush runs
	Delay time.Duration
	// Value maps a pending item to the value appended to the store. Defaults
	// to the item itself.
	Value func(T) any
	// OnWritten is called for every item the store accepted
	OnWritten func(item T, id string)
	// OnFailed is called for every item whose append failed
	OnFailed func(item T, err error)
	Metrics  *metrics.Metrics
}

// Writer collects items and appends them to one collection. Failed appends are
// logged and dropped, never re-queued.
type Writer[T any] struct {
	store remotestore.Store
	path  string
	opts  Options[T]

	flushMu sync.Mutex

	mu      sync.Mutex
	pending []T
	timer   *time.Timer
	closed  bool
}

// NewWriter creates a batch writer appending to path
func NewWriter[T any](store remotestore.Store, path string, opts Options[T]) *Writer[T] {
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	if opts.Value == nil {
		opts.Value = func(item T) any { return item }
	}
	return &Writer[T]{store: store, path: path, opts: opts}
}

// Record adds item to the pending batch
func (w *Writer[T]) Record(item T) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.pending = append(w.pending, item)
}

// Pending returns the number of items waiting to be flushed
func (w *Writer[T]) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// ScheduleFlush (re)starts the idle timer. The flush runs once no further
// ScheduleFlush call has happened for the configured delay.
func (w *Writer[T]) ScheduleFlush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.opts.Delay, func() {
		w.mu.Lock()
		closed := w.closed
		w.mu.Unlock()
		if !closed {
			w.Flush(context.Background())
		}
	})
}

// Flush appends every pending item concurrently and returns how many were
// written. The batch is cleared only after all appends have settled; items
// recorded meanwhile stay pending.
func (w *Writer[T]) Flush(ctx context.Context) int {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	batch := make([]T, len(w.pending))
	copy(batch, w.pending)
	w.mu.Unlock()
	if len(batch) == 0 {
		return 0
	}

	ids := make([]string, len(batch))
	errs := make([]error, len(batch))
	var g errgroup.Group
	for i, item := range batch {
		i, item := i, item
		g.Go(func() error {
			id, err := w.store.Append(ctx, w.path, w.opts.Value(item))
			if err != nil {
				w.opts.Metrics.BatchWrite(false)
				log.Warn().Err(err).Str("path", w.path).Msg("Batched write failed, dropping item")
				errs[i] = err
				return nil
			}
			w.opts.Metrics.BatchWrite(true)
			ids[i] = id
			return nil
		})
	}
	g.Wait()

	w.mu.Lock()
	if len(w.pending) >= len(batch) {
		w.pending = w.pending[len(batch):]
	}
	w.mu.Unlock()

	written := 0
	for i, id := range ids {
		if errs[i] != nil {
			if w.opts.OnFailed != nil {
				w.opts.OnFailed(batch[i], errs[i])
			}
			continue
		}
		written++
		if w.opts.OnWritten != nil {
			w.opts.OnWritten(batch[i], id)
		}
	}
	log.Debug().Str("path", w.path).Int("written", written).Int("batch", len(batch)).Msg("Batch flushed")
	return written
}

// Close stops the idle timer and discards unflushed items
func (w *Writer[T]) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.pending = nil
}
