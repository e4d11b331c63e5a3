package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"couple-sync/internal/metrics"
	"couple-sync/internal/remotestore"

	"github.com/rs/zerolog/log"
)

// ErrDuplicateSubscription is returned in strict mode when an unmanaged
// subscription is opened on a path that is already being listened to.
var ErrDuplicateSubscription = errors.New("duplicate subscription")

const defaultBudget = 64

// Listener receives the snapshots of one attached consumer
type Listener struct {
	OnData  func(remotestore.Snapshot)
	OnError func(error)
}

// Options configures a Manager
type Options struct {
	// Budget is the number of open store subscriptions above which a warning is logged
	Budget  int
	Strict  bool
	Metrics *metrics.Metrics
}

// Handle identifies one Attach call
type Handle struct {
	path     string
	listener Listener
	detached atomic.Bool
}

// Path returns the attached path
func (h *Handle) Path() string {
	return h.path
}

func (h *Handle) deliver(snap remotestore.Snapshot) {
	if h.detached.Load() || h.listener.OnData == nil {
		return
	}
	h.listener.OnData(snap)
}

func (h *Handle) fail(err error) {
	if h.detached.Load() || h.listener.OnError == nil {
		return
	}
	h.listener.OnError(err)
}

type entry struct {
	path    string
	sub     remotestore.Subscription
	handles map[*Handle]struct{}
	last    *remotestore.Snapshot
	closed  bool
}

// Manager shares one store subscription per path between all attached
// listeners. The first Attach opens it and the last Detach closes it.
type Manager struct {
	store   remotestore.Store
	budget  int
	strict  bool
	metrics *metrics.Metrics

	mu      sync.Mutex
	entries map[string]*entry
	adhoc   map[string]int
}

// NewManager creates a subscription manager over store
func NewManager(store remotestore.Store, opts Options) *Manager {
	if opts.Budget <= 0 {
		opts.Budget = defaultBudget
	}
	return &Manager{
		store:   store,
		budget:  opts.Budget,
		strict:  opts.Strict,
		metrics: opts.Metrics,
		entries: make(map[string]*entry),
		adhoc:   make(map[string]int),
	}
}

// Attach registers listener on path. A listener attached to an already open
// path receives the latest snapshot straight away.
func (m *Manager) Attach(ctx context.Context, path string, listener Listener) (*Handle, error) {
	if err := remotestore.ValidatePath(path, 1); err != nil {
		return nil, err
	}
	h := &Handle{path: path, listener: listener}

	m.mu.Lock()
	if e, ok := m.entries[path]; ok {
		e.handles[h] = struct{}{}
		last, refs := e.last, len(e.handles)
		m.mu.Unlock()
		log.Debug().Str("path", path).Int("refs", refs).Msg("Listener attached to open subscription")
		if last != nil {
			h.deliver(*last)
		}
		return h, nil
	}
	e := &entry{path: path, handles: map[*Handle]struct{}{h: {}}}
	m.entries[path] = e
	m.reportLocked()
	m.mu.Unlock()

	sub, err := m.store.Subscribe(ctx, path, m.onData(e), m.onError(e))
	if err != nil {
		m.mu.Lock()
		if m.entries[path] == e {
			delete(m.entries, path)
		}
		others := make([]*Handle, 0, len(e.handles))
		for other := range e.handles {
			if other != h {
				others = append(others, other)
			}
		}
		m.reportLocked()
		m.mu.Unlock()
		for _, other := range others {
			other.fail(err)
		}
		return nil, fmt.Errorf("failed to subscribe to %s: %w", path, err)
	}

	m.mu.Lock()
	if e.closed {
		m.mu.Unlock()
		sub.Close()
		return h, nil
	}
	e.sub = sub
	m.mu.Unlock()

	log.Debug().Str("path", path).Msg("Subscription opened")
	return h, nil
}

// Detach removes the listener. Once Detach returns no new callback starts for h.
func (m *Manager) Detach(h *Handle) {
	if h == nil || h.detached.Swap(true) {
		return
	}
	m.mu.Lock()
	e, ok := m.entries[h.path]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(e.handles, h)
	if len(e.handles) > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.entries, h.path)
	e.closed = true
	sub := e.sub
	m.reportLocked()
	m.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	log.Debug().Str("path", h.path).Msg("Subscription closed")
}

// Refs returns the number of attached listeners on path
func (m *Manager) Refs(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[path]; ok {
		return len(e.handles)
	}
	return 0
}

// Open returns the number of store subscriptions currently held, managed or not
func (m *Manager) Open() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openLocked()
}

// Paths returns the paths with an open managed subscription
func (m *Manager) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.entries))
	for p := range m.entries {
		paths = append(paths, p)
	}
	return paths
}

// Close detaches every listener
func (m *Manager) Close() {
	m.mu.Lock()
	var handles []*Handle
	for _, e := range m.entries {
		for h := range e.handles {
			handles = append(handles, h)
		}
	}
	m.mu.Unlock()
	for _, h := range handles {
		m.Detach(h)
	}
}

func (m *Manager) openLocked() int {
	n := len(m.entries)
	for _, c := range m.adhoc {
		n += c
	}
	return n
}

func (m *Manager) reportLocked() {
	open := m.openLocked()
	m.metrics.SetListeners(open)
	if open > m.budget {
		log.Warn().Int("open", open).Int("budget", m.budget).Msg("Listener budget exceeded")
	}
}

func (m *Manager) onData(e *entry) func(remotestore.Snapshot) {
	return func(snap remotestore.Snapshot) {
		m.mu.Lock()
		if m.entries[e.path] != e {
			m.mu.Unlock()
			return
		}
		e.last = &snap
		handles := make([]*Handle, 0, len(e.handles))
		for h := range e.handles {
			handles = append(handles, h)
		}
		m.mu.Unlock()

		for _, h := range handles {
			h.deliver(snap)
		}
	}
}

func (m *Manager) onError(e *entry) func(error) {
	return func(err error) {
		log.Warn().Err(err).Str("path", e.path).Msg("Subscription error")
		m.mu.Lock()
		handles := make([]*Handle, 0, len(e.handles))
		for h := range e.handles {
			handles = append(handles, h)
		}
		m.mu.Unlock()

		for _, h := range handles {
			h.fail(err)
		}
	}
}

// Unmanaged wraps the store for code that subscribes on its own. Such
// subscriptions count against the listener budget, and opening one on a path
// that is already being listened to is reported as a duplicate listener.
func (m *Manager) Unmanaged() remotestore.Store {
	return &guardedStore{Store: m.store, manager: m}
}

type guardedStore struct {
	remotestore.Store
	manager *Manager
}

func (g *guardedStore) Subscribe(ctx context.Context, path string, onData func(remotestore.Snapshot), onError func(error)) (remotestore.Subscription, error) {
	m := g.manager
	m.mu.Lock()
	_, managed := m.entries[path]
	if managed || m.adhoc[path] > 0 {
		m.metrics.DuplicateSubscription()
		log.Warn().
			Str("path", path).
			Bool("managed", managed).
			Int("unmanaged", m.adhoc[path]).
			Msg("Duplicate listener on path")
		if m.strict {
			m.mu.Unlock()
			return nil, fmt.Errorf("%s: %w", path, ErrDuplicateSubscription)
		}
	}
	m.adhoc[path]++
	m.reportLocked()
	m.mu.Unlock()

	sub, err := g.Store.Subscribe(ctx, path, onData, onError)
	if err != nil {
		m.releaseAdhoc(path)
		return nil, err
	}
	return &guardedSub{Subscription: sub, release: func() { m.releaseAdhoc(path) }}, nil
}

func (m *Manager) releaseAdhoc(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adhoc[path]--
	if m.adhoc[path] <= 0 {
		delete(m.adhoc, path)
	}
	m.reportLocked()
}

type guardedSub struct {
	remotestore.Subscription
	once    sync.Once
	release func()
}

func (s *guardedSub) Close() {
	s.once.Do(func() {
		s.Subscription.Close()
		s.release()
	})
}
