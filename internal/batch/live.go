package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"couple-sync/internal/remotestore"

	"golang.org/x/time/rate"
)

const (
	DefaultLiveEvery    = 5
	DefaultLiveInterval = 100 * time.Millisecond
)

// LiveMirror writes in-progress items to an ephemeral collection so peers see
// them while they are being made. Writes for one id are throttled to the
// first update, every Nth update and at most one per interval otherwise.
type LiveMirror[T any] struct {
	store    remotestore.Store
	path     string
	every    int
	interval time.Duration

	mu        sync.Mutex
	throttles map[string]*rate.Sometimes
}

// NewLiveMirror creates a live mirror over the collection at path
func NewLiveMirror[T any](store remotestore.Store, path string, every int, interval time.Duration) *LiveMirror[T] {
	if every <= 0 {
		every = DefaultLiveEvery
	}
	if interval <= 0 {
		interval = DefaultLiveInterval
	}
	return &LiveMirror[T]{
		store:     store,
		path:      path,
		every:     every,
		interval:  interval,
		throttles: make(map[string]*rate.Sometimes),
	}
}

func (l *LiveMirror[T]) throttle(id string) *rate.Sometimes {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.throttles[id]
	if !ok {
		s = &rate.Sometimes{First: 1, Every: l.every, Interval: l.interval}
		l.throttles[id] = s
	}
	return s
}

// Update mirrors item under id if the throttle allows it and reports whether
// a write was issued
func (l *LiveMirror[T]) Update(ctx context.Context, id string, item T) (bool, error) {
	var (
		written bool
		err     error
	)
	l.throttle(id).Do(func() {
		written = true
		err = l.store.Write(ctx, remotestore.Join(l.path, id), item)
	})
	if err != nil {
		return written, fmt.Errorf("failed to mirror live item %s: %w", id, err)
	}
	return written, nil
}

// Remove deletes the live copy of id
func (l *LiveMirror[T]) Remove(ctx context.Context, id string) error {
	l.mu.Lock()
	delete(l.throttles, id)
	l.mu.Unlock()
	if err := l.store.Remove(ctx, remotestore.Join(l.path, id)); err != nil {
		return fmt.Errorf("failed to remove live item %s: %w", id, err)
	}
	return nil
}

// Commit appends item to committedPath and removes the live copy once the
// append has succeeded
func (l *LiveMirror[T]) Commit(ctx context.Context, id string, item T, committedPath string) (string, error) {
	key, err := l.store.Append(ctx, committedPath, item)
	if err != nil {
		return "", fmt.Errorf("failed to commit live item %s: %w", id, err)
	}
	if err := l.Remove(ctx, id); err != nil {
		return key, err
	}
	return key, nil
}
