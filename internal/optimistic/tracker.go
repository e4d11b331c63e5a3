// Package optimistic applies local mutations immediately and reconciles them
// with the outcome of the remote write.
package optimistic

import (
	"context"
	"sync"

	"couple-sync/internal/metrics"

	"github.com/rs/zerolog/log"
)

// State is the lifecycle position of one mutation
type State int

const (
	Idle State = iota
	Optimistic
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Optimistic:
		return "optimistic"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled_back"
	}
	return "unknown"
}

// Mutation is one optimistic change. It moves from Idle to Optimistic when it
// begins and ends in Committed or RolledBack.
type Mutation[V any] struct {
	tracker *Tracker[V]
	key     string
	value   V
	seq     uint64

	mu    sync.Mutex
	state State
}

// Key returns the overlay key
func (m *Mutation[V]) Key() string {
	return m.key
}

// State returns the current state
func (m *Mutation[V]) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Settle ends the mutation: Committed when err is nil, RolledBack otherwise.
// The overlay entry is removed unless a newer mutation owns the key. Settle
// returns err unchanged; settling twice has no effect.
func (m *Mutation[V]) Settle(err error) error {
	m.mu.Lock()
	if m.state != Optimistic {
		m.mu.Unlock()
		return err
	}
	if err != nil {
		m.state = RolledBack
	} else {
		m.state = Committed
	}
	state := m.state
	m.mu.Unlock()

	m.tracker.settle(m, state)
	return err
}

type entry[V any] struct {
	seq   uint64
	value V
}

// Tracker holds the overlay of mutations that have not settled yet
type Tracker[V any] struct {
	metrics  *metrics.Metrics
	onChange func(overlay map[string]V)

	mu      sync.Mutex
	seq     uint64
	overlay map[string]entry[V]
}

// NewTracker creates a tracker. onChange, if set, receives the overlay after
// every change.
func NewTracker[V any](met *metrics.Metrics, onChange func(overlay map[string]V)) *Tracker[V] {
	return &Tracker[V]{metrics: met, onChange: onChange, overlay: make(map[string]entry[V])}
}

// Begin puts value into the overlay under key. The last begun mutation for a
// key is the one shown.
func (t *Tracker[V]) Begin(key string, value V) *Mutation[V] {
	t.mu.Lock()
	t.seq++
	m := &Mutation[V]{tracker: t, key: key, value: value, seq: t.seq, state: Optimistic}
	t.overlay[key] = entry[V]{seq: m.seq, value: value}
	snapshot := t.copyLocked()
	t.mu.Unlock()

	t.metrics.Mutation(Optimistic.String())
	t.publish(snapshot)
	return m
}

// Perform runs op with value shown optimistically under key and returns op's
// error unchanged
func (t *Tracker[V]) Perform(ctx context.Context, key string, value V, op func(ctx context.Context) error) error {
	m := t.Begin(key, value)
	return m.Settle(op(ctx))
}

func (t *Tracker[V]) settle(m *Mutation[V], state State) {
	t.mu.Lock()
	changed := false
	if e, ok := t.overlay[m.key]; ok && e.seq == m.seq {
		delete(t.overlay, m.key)
		changed = true
	}
	snapshot := t.copyLocked()
	t.mu.Unlock()

	t.metrics.Mutation(state.String())
	if state == RolledBack {
		log.Debug().Str("key", m.key).Msg("Optimistic mutation rolled back")
	}
	if changed {
		t.publish(snapshot)
	}
}

// Overlay returns the values of all unsettled mutations by key
func (t *Tracker[V]) Overlay() map[string]V {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.copyLocked()
}

// Pending returns the overlay value for key
func (t *Tracker[V]) Pending(key string) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.overlay[key]
	return e.value, ok
}

func (t *Tracker[V]) copyLocked() map[string]V {
	out := make(map[string]V, len(t.overlay))
	for k, e := range t.overlay {
		out[k] = e.value
	}
	return out
}

func (t *Tracker[V]) publish(overlay map[string]V) {
	if t.onChange != nil {
		t.onChange(overlay)
	}
}
