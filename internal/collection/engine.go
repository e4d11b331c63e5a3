// Package collection turns raw collection snapshots into ordered, windowed
// local lists.
package collection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"couple-sync/internal/models"
	"couple-sync/internal/remotestore"
	"couple-sync/internal/subscriptions"

	"github.com/rs/zerolog/log"
)

// ErrTransform marks a snapshot whose transform failed. The engine keeps the
// last good list and recovers on the next snapshot that transforms cleanly.
var ErrTransform = errors.New("transform failed")

// Options configures an Engine
type Options[T models.Timestamped] struct {
	// Transform filters or augments the decoded records. It may be nil.
	Transform func([]T) ([]T, error)
	// Less orders records. Defaults to timestamp ascending, ties by id.
	Less func(a, b T) bool
	// Descending windows from the newest end; the window is still returned
	// in ascending order.
	Descending bool
	// Limit is the initial window size. Zero means no window.
	Limit    int
	PageSize int
	// OnChange is called after every Sync and LoadMore with the current list
	// and error state.
	OnChange func(items []T, err error)
}

// Engine mirrors one collection into an ordered local list
type Engine[T models.Timestamped] struct {
	opts Options[T]

	mu      sync.Mutex
	limit   int
	items   []T
	hasMore bool
	loading bool
	err     error
	last    *remotestore.Snapshot

	manager *subscriptions.Manager
	handle  *subscriptions.Handle
}

// New creates a collection engine
func New[T models.Timestamped](opts Options[T]) *Engine[T] {
	if opts.Less == nil {
		opts.Less = ByTimestamp[T]
	}
	if opts.PageSize <= 0 {
		opts.PageSize = opts.Limit
	}
	return &Engine[T]{opts: opts, limit: opts.Limit}
}

// ByTimestamp orders records by timestamp, then id
func ByTimestamp[T models.Timestamped](a, b T) bool {
	if a.GetTimestamp() != b.GetTimestamp() {
		return a.GetTimestamp() < b.GetTimestamp()
	}
	return a.GetID() < b.GetID()
}

// Sync rebuilds the list from snap. On a transform failure the previous list
// is returned together with an error wrapping ErrTransform.
func (e *Engine[T]) Sync(snap remotestore.Snapshot) ([]T, error) {
	e.mu.Lock()
	e.last = &snap
	items, err := e.syncLocked(snap)
	e.mu.Unlock()

	e.publish(items, err)
	return items, err
}

func (e *Engine[T]) syncLocked(snap remotestore.Snapshot) ([]T, error) {
	e.loading = false

	records := decode[T](snap)
	records, err := e.transform(records)
	if err != nil {
		e.err = err
		log.Warn().Err(err).Str("path", snap.Path).Msg("Collection transform failed, keeping last list")
		return e.copyLocked(), err
	}

	records = dedupe(records)
	less := e.opts.Less
	if e.opts.Descending {
		sort.SliceStable(records, func(i, j int) bool { return less(records[j], records[i]) })
	} else {
		sort.SliceStable(records, func(i, j int) bool { return less(records[i], records[j]) })
	}

	if e.limit > 0 && len(records) > e.limit {
		records = records[:e.limit]
	}
	if e.opts.Descending {
		for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
			records[i], records[j] = records[j], records[i]
		}
	}

	e.items = records
	e.hasMore = e.limit > 0 && len(records) >= e.limit
	e.err = nil
	return e.copyLocked(), nil
}

func (e *Engine[T]) transform(records []T) (out []T, err error) {
	if e.opts.Transform == nil {
		return records, nil
	}
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("%w: panic: %v", ErrTransform, r)
		}
	}()
	out, err = e.opts.Transform(records)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransform, err)
	}
	return out, nil
}

func decode[T models.Timestamped](snap remotestore.Snapshot) []T {
	records := make([]T, 0, len(snap.Entries))
	for key, raw := range snap.Entries {
		var rec T
		if err := json.Unmarshal(raw, &rec); err != nil {
			log.Warn().Err(err).Str("path", snap.Path).Str("key", key).Msg("Skipping malformed record")
			continue
		}
		if s, ok := any(&rec).(interface{ SetID(string) }); ok {
			s.SetID(key)
		}
		records = append(records, rec)
	}
	return records
}

func dedupe[T models.Timestamped](records []T) []T {
	seen := make(map[string]struct{}, len(records))
	out := records[:0]
	for _, r := range records {
		if _, ok := seen[r.GetID()]; ok {
			continue
		}
		seen[r.GetID()] = struct{}{}
		out = append(out, r)
	}
	return out
}

// Items returns the current list
func (e *Engine[T]) Items() []T {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.copyLocked()
}

// Err returns the error state of the last snapshot, nil once a snapshot
// synced cleanly
func (e *Engine[T]) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// HasMore reports whether older records may exist beyond the window
func (e *Engine[T]) HasMore() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasMore
}

// Loading reports whether a LoadMore is waiting for its snapshot
func (e *Engine[T]) Loading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loading
}

// Limit returns the requested window size
func (e *Engine[T]) Limit() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.limit
}

// LoadMore grows the window by one page. It does nothing and returns false
// while a load is in flight or when no older records exist.
func (e *Engine[T]) LoadMore() bool {
	e.mu.Lock()
	if e.loading || !e.hasMore {
		e.mu.Unlock()
		return false
	}
	e.limit += e.opts.PageSize
	e.loading = true
	if e.last == nil {
		e.mu.Unlock()
		return true
	}
	items, err := e.syncLocked(*e.last)
	e.mu.Unlock()

	e.publish(items, err)
	return true
}

func (e *Engine[T]) copyLocked() []T {
	out := make([]T, len(e.items))
	copy(out, e.items)
	return out
}

func (e *Engine[T]) publish(items []T, err error) {
	if e.opts.OnChange != nil {
		e.opts.OnChange(items, err)
	}
}

// Bind attaches the engine to path through the subscription manager
func (e *Engine[T]) Bind(ctx context.Context, manager *subscriptions.Manager, path string) error {
	h, err := manager.Attach(ctx, path, subscriptions.Listener{
		OnData: func(snap remotestore.Snapshot) {
			e.Sync(snap)
		},
		OnError: func(err error) {
			e.mu.Lock()
			e.err = err
			items := e.copyLocked()
			e.mu.Unlock()
			e.publish(items, err)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to bind collection %s: %w", path, err)
	}
	e.mu.Lock()
	e.manager, e.handle = manager, h
	e.mu.Unlock()
	return nil
}

// Close detaches a bound engine
func (e *Engine[T]) Close() {
	e.mu.Lock()
	manager, h := e.manager, e.handle
	e.manager, e.handle = nil, nil
	e.mu.Unlock()
	if manager != nil {
		manager.Detach(h)
	}
}
