package remotestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// MemoryStore is an in-process backend. Snapshots are delivered synchronously
// on the goroutine that caused the change, in mutation order; a listener that
// writes from inside its callback has its own change queued behind the current
// delivery instead of recursing.
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string]map[string]json.RawMessage
	subs        map[string]map[*memorySub]struct{}
	clock       func() time.Time
	queue       deliveryQueue
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]json.RawMessage),
		subs:        make(map[string]map[*memorySub]struct{}),
		clock:       time.Now,
	}
}

// SetClock replaces the server clock, for tests
func (m *MemoryStore) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

type memorySub struct {
	store  *MemoryStore
	path   string
	onData func(Snapshot)
	closed atomic.Bool
}

func (s *memorySub) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.store.mu.Lock()
	if set, ok := s.store.subs[s.path]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(s.store.subs, s.path)
		}
	}
	s.store.mu.Unlock()
}

// Subscribe delivers the current collection immediately and after every change
func (m *MemoryStore) Subscribe(ctx context.Context, path string, onData func(Snapshot), onError func(error)) (Subscription, error) {
	if err := ValidatePath(path, 1); err != nil {
		return nil, err
	}
	sub := &memorySub{store: m, path: path, onData: onData}

	m.mu.Lock()
	set, ok := m.subs[path]
	if !ok {
		set = make(map[*memorySub]struct{})
		m.subs[path] = set
	}
	set[sub] = struct{}{}
	m.queue.push(sub, m.snapshotLocked(path))
	m.mu.Unlock()

	m.queue.drain()
	return sub, nil
}

// Read returns the current collection
func (m *MemoryStore) Read(ctx context.Context, path string) (Snapshot, error) {
	if err := ValidatePath(path, 1); err != nil {
		return Snapshot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(path), nil
}

// Write replaces the record at path
func (m *MemoryStore) Write(ctx context.Context, path string, value any) error {
	if err := ValidatePath(path, 2); err != nil {
		return err
	}
	m.mu.Lock()
	raw, err := encodeValue(value, m.clock().UnixMilli())
	if err != nil {
		m.mu.Unlock()
		return err
	}
	parent, key := Split(path)
	m.putLocked(parent, key, raw)
	m.notifyLocked(parent)
	m.mu.Unlock()

	m.queue.drain()
	return nil
}

// Update merges fields into the existing record at path
func (m *MemoryStore) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := ValidatePath(path, 2); err != nil {
		return err
	}
	if err := validateFields(fields); err != nil {
		return err
	}
	m.mu.Lock()
	parent, key := Split(path)
	current, ok := m.collections[parent][key]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	patched, err := patchRecord(current, fields, m.clock().UnixMilli())
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.putLocked(parent, key, patched)
	m.notifyLocked(parent)
	m.mu.Unlock()

	m.queue.drain()
	return nil
}

// Append stores value under a newly generated, time ordered key
func (m *MemoryStore) Append(ctx context.Context, path string, value any) (string, error) {
	if err := ValidatePath(path, 1); err != nil {
		return "", err
	}
	m.mu.Lock()
	now := m.clock().UnixMilli()
	raw, err := encodeValue(value, now)
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	id := NewID(now)
	m.putLocked(path, id, raw)
	m.notifyLocked(path)
	m.mu.Unlock()

	m.queue.drain()
	return id, nil
}

// Remove deletes the record at path, or the whole subtree when path is a collection
func (m *MemoryStore) Remove(ctx context.Context, path string) error {
	if err := ValidatePath(path, 1); err != nil {
		return err
	}
	m.mu.Lock()
	for collection := range m.collections {
		if isUnder(collection, path) {
			delete(m.collections, collection)
			m.notifyLocked(collection)
		}
	}
	if parent, key := Split(path); parent != "" {
		if records, ok := m.collections[parent]; ok {
			if _, exists := records[key]; exists {
				delete(records, key)
				if len(records) == 0 {
					delete(m.collections, parent)
				}
				m.notifyLocked(parent)
			}
		}
	}
	m.mu.Unlock()

	m.queue.drain()
	return nil
}

// Now returns the store clock in milliseconds
func (m *MemoryStore) Now(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock().UnixMilli(), nil
}

// Collections lists collection paths under root, for sweeps and diagnostics
func (m *MemoryStore) Collections(root string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var paths []string
	for path := range m.collections {
		if root == "" || isUnder(path, root) {
			paths = append(paths, path)
		}
	}
	return paths
}

// Subscribers returns the number of live subscriptions on path
func (m *MemoryStore) Subscribers(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[path])
}

func (m *MemoryStore) putLocked(collection, key string, raw json.RawMessage) {
	records, ok := m.collections[collection]
	if !ok {
		records = make(map[string]json.RawMessage)
		m.collections[collection] = records
	}
	records[key] = raw
}

func (m *MemoryStore) snapshotLocked(path string) Snapshot {
	entries := make(map[string]json.RawMessage, len(m.collections[path]))
	for k, v := range m.collections[path] {
		entries[k] = v
	}
	return Snapshot{Path: path, Entries: entries}
}

func (m *MemoryStore) notifyLocked(path string) {
	set := m.subs[path]
	if len(set) == 0 {
		return
	}
	snap := m.snapshotLocked(path)
	for sub := range set {
		m.queue.push(sub, snap)
	}
}

type delivery struct {
	sub  *memorySub
	snap Snapshot
}

// deliveryQueue runs callbacks one at a time in push order. The first
// goroutine to drain keeps draining until the queue is empty.
type deliveryQueue struct {
	mu       sync.Mutex
	pending  []delivery
	draining bool
}

func (q *deliveryQueue) push(sub *memorySub, snap Snapshot) {
	q.mu.Lock()
	q.pending = append(q.pending, delivery{sub: sub, snap: snap})
	q.mu.Unlock()
}

func (q *deliveryQueue) drain() {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	for len(q.pending) > 0 {
		next := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()
		if !next.sub.closed.Load() {
			next.sub.onData(next.snap)
		}
		q.mu.Lock()
	}
	q.draining = false
	q.mu.Unlock()
}

// Connect opens a client session on the store. The session shares the store's
// data but has its own connection flag and on-disconnect registrations.
func (m *MemoryStore) Connect() *MemoryConn {
	return &MemoryConn{
		MemoryStore: m,
		connected:   true,
		ops:         make(map[string]*memoryDisconnectOp),
		listeners:   make(map[int]func(bool)),
	}
}

// MemoryConn is a simulated client session on a MemoryStore
type MemoryConn struct {
	*MemoryStore

	connMu    sync.Mutex
	connected bool
	ops       map[string]*memoryDisconnectOp
	listeners map[int]func(bool)
	nextID    int
}

func (c *MemoryConn) checkConnected() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if !c.connected {
		return ErrDisconnected
	}
	return nil
}

// Subscribe subscribes while connected
func (c *MemoryConn) Subscribe(ctx context.Context, path string, onData func(Snapshot), onError func(error)) (Subscription, error) {
	if err := c.checkConnected(); err != nil {
		return nil, err
	}
	return c.MemoryStore.Subscribe(ctx, path, onData, onError)
}

// Read reads while connected
func (c *MemoryConn) Read(ctx context.Context, path string) (Snapshot, error) {
	if err := c.checkConnected(); err != nil {
		return Snapshot{}, err
	}
	return c.MemoryStore.Read(ctx, path)
}

// Write writes while connected
func (c *MemoryConn) Write(ctx context.Context, path string, value any) error {
	if err := c.checkConnected(); err != nil {
		return err
	}
	return c.MemoryStore.Write(ctx, path, value)
}

// Update updates while connected
func (c *MemoryConn) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := c.checkConnected(); err != nil {
		return err
	}
	return c.MemoryStore.Update(ctx, path, fields)
}

// Append appends while connected
func (c *MemoryConn) Append(ctx context.Context, path string, value any) (string, error) {
	if err := c.checkConnected(); err != nil {
		return "", err
	}
	return c.MemoryStore.Append(ctx, path, value)
}

// Remove removes while connected
func (c *MemoryConn) Remove(ctx context.Context, path string) error {
	if err := c.checkConnected(); err != nil {
		return err
	}
	return c.MemoryStore.Remove(ctx, path)
}

// Connected reports the connection flag
func (c *MemoryConn) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.connected
}

// OnConnectionChange registers fn and calls it with the current state
func (c *MemoryConn) OnConnectionChange(fn func(bool)) func() {
	c.connMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	connected := c.connected
	c.connMu.Unlock()

	fn(connected)
	return func() {
		c.connMu.Lock()
		delete(c.listeners, id)
		c.connMu.Unlock()
	}
}

// OnDisconnect returns the compensating write slot for path
func (c *MemoryConn) OnDisconnect(path string) DisconnectOp {
	return &memoryDisconnectOp{conn: c, path: path}
}

// Drop simulates an ungraceful disconnect: the client stops running code and
// the store executes the registered compensating writes on its own.
func (c *MemoryConn) Drop() {
	c.connMu.Lock()
	if !c.connected {
		c.connMu.Unlock()
		return
	}
	c.connected = false
	ops := c.ops
	c.ops = make(map[string]*memoryDisconnectOp)
	listeners := c.listenersLocked()
	c.connMu.Unlock()

	ctx := context.Background()
	for _, op := range ops {
		op.execute(ctx, c.MemoryStore)
	}
	for _, fn := range listeners {
		fn(false)
	}
}

// Reconnect restores the connection flag
func (c *MemoryConn) Reconnect() {
	c.connMu.Lock()
	if c.connected {
		c.connMu.Unlock()
		return
	}
	c.connected = true
	listeners := c.listenersLocked()
	c.connMu.Unlock()

	for _, fn := range listeners {
		fn(true)
	}
}

// PendingDisconnectOps returns the number of registered compensating writes
func (c *MemoryConn) PendingDisconnectOps() int {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return len(c.ops)
}

func (c *MemoryConn) listenersLocked() []func(bool) {
	fns := make([]func(bool), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	return fns
}

type memoryDisconnectOp struct {
	conn   *MemoryConn
	path   string
	remove bool
	value  any
}

func (o *memoryDisconnectOp) register(op *memoryDisconnectOp) error {
	if err := ValidatePath(o.path, 2); err != nil {
		return err
	}
	o.conn.connMu.Lock()
	defer o.conn.connMu.Unlock()
	if !o.conn.connected {
		return ErrDisconnected
	}
	o.conn.ops[o.path] = op
	return nil
}

func (o *memoryDisconnectOp) Set(ctx context.Context, value any) error {
	return o.register(&memoryDisconnectOp{conn: o.conn, path: o.path, value: value})
}

func (o *memoryDisconnectOp) Remove(ctx context.Context) error {
	return o.register(&memoryDisconnectOp{conn: o.conn, path: o.path, remove: true})
}

func (o *memoryDisconnectOp) Cancel(ctx context.Context) error {
	o.conn.connMu.Lock()
	defer o.conn.connMu.Unlock()
	delete(o.conn.ops, o.path)
	return nil
}

func (o *memoryDisconnectOp) execute(ctx context.Context, store Store) {
	var err error
	if o.remove {
		err = store.Remove(ctx, o.path)
	} else {
		err = store.Write(ctx, o.path, o.value)
	}
	if err != nil {
		log.Warn().Err(err).Str("path", o.path).Msg("On-disconnect write failed")
	}
}

var _ Connection = (*MemoryConn)(nil)
var _ Store = (*MemoryConn)(nil)
var _ Store = (*MemoryStore)(nil)

