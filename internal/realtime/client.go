package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"couple-sync/internal/remotestore"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	minBackoff = 100 * time.Millisecond
	maxBackoff = 5 * time.Second
)

// ClientOptions configures a Client
type ClientOptions struct {
	Dialer     *websocket.Dialer
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Client is a Store and Connection backed by a gateway. It reconnects on its
// own and resubscribes every open subscription; requests issued while it is
// offline fail with remotestore.ErrDisconnected.
type Client struct {
	endpoint string
	opts     ClientOptions

	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	nextID    uint64
	pending   map[uint64]chan Frame
	subs      map[uint64]*clientSub
	listeners map[int]func(bool)
	nextLis   int

	events *dispatcher
	done   chan struct{}
}

type clientSub struct {
	client  *Client
	id      uint64
	path    string
	onData  func(remotestore.Snapshot)
	onError func(error)
	closed  atomic.Bool
}

// Dial connects to the gateway at endpoint, authenticating with token
func Dial(ctx context.Context, endpoint, token string, opts ClientOptions) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse gateway url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = minBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = maxBackoff
	}

	c := &Client{
		endpoint:  u.String(),
		opts:      opts,
		pending:   make(map[uint64]chan Frame),
		subs:      make(map[uint64]*clientSub),
		listeners: make(map[int]func(bool)),
		events:    newDispatcher(),
		done:      make(chan struct{}),
	}
	conn, _, err := opts.Dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		c.events.stop()
		return nil, fmt.Errorf("failed to dial gateway: %w", err)
	}
	c.attach(conn)
	return c, nil
}

func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	subs := make([]*clientSub, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	listeners := c.listenersLocked()
	c.mu.Unlock()

	go c.readLoop(conn)

	for _, sub := range subs {
		sub := sub
		go func() {
			if err := c.send(Frame{Op: OpSubscribe, Sub: sub.id, Path: sub.path}); err != nil {
				log.Warn().Err(err).Str("path", sub.path).Msg("Failed to resubscribe")
			}
		}()
	}
	c.events.push(func() {
		for _, fn := range listeners {
			fn(true)
		}
	})
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.detach(conn, err)
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn().Err(err).Msg("Failed to parse gateway frame")
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f Frame) {
	if f.Op == OpSnapshot || (f.Op == OpError && f.Sub != 0) {
		c.mu.Lock()
		sub, ok := c.subs[f.Sub]
		c.mu.Unlock()
		if !ok {
			return
		}
		if f.Op == OpSnapshot {
			snap := remotestore.Snapshot{Path: f.Path, Entries: f.Entries}
			if snap.Entries == nil {
				snap.Entries = map[string]json.RawMessage{}
			}
			c.events.push(func() {
				if !sub.closed.Load() {
					sub.onData(snap)
				}
			})
			return
		}
		err := frameError(f)
		c.events.push(func() {
			if !sub.closed.Load() && sub.onError != nil {
				sub.onError(err)
			}
		})
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()
	if ok {
		ch <- f
	}
}

func (c *Client) detach(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	pending := c.pending
	c.pending = make(map[uint64]chan Frame)
	listeners := c.listenersLocked()
	closed := c.closed
	c.mu.Unlock()

	conn.Close()
	for _, ch := range pending {
		ch <- Frame{Op: OpError, Code: "disconnected", Message: remotestore.ErrDisconnected.Error()}
	}
	c.events.push(func() {
		for _, fn := range listeners {
			fn(false)
		}
	})
	if closed {
		c.events.stop()
		return
	}
	log.Warn().Err(cause).Msg("Gateway connection lost, reconnecting")
	go c.reconnect()
}

func (c *Client) reconnect() {
	backoff := c.opts.MinBackoff
	for {
		select {
		case <-c.done:
			return
		case <-time.After(backoff):
		}

		conn, _, err := c.opts.Dialer.Dial(c.endpoint, nil)
		if err == nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				conn.Close()
				return
			}
			log.Info().Msg("Gateway connection restored")
			c.attach(conn)
			return
		}
		log.Debug().Err(err).Dur("backoff", backoff).Msg("Reconnect failed")
		backoff *= 2
		if backoff > c.opts.MaxBackoff {
			backoff = c.opts.MaxBackoff
		}
	}
}

func (c *Client) send(f Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return remotestore.ErrDisconnected
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", remotestore.ErrDisconnected, err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, f Frame) (Frame, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Frame{}, remotestore.ErrClosed
	}
	if !c.connected {
		c.mu.Unlock()
		return Frame{}, remotestore.ErrDisconnected
	}
	c.nextID++
	f.ID = c.nextID
	ch := make(chan Frame, 1)
	c.pending[f.ID] = ch
	c.mu.Unlock()

	if err := c.send(f); err != nil {
		c.forget(f.ID)
		return Frame{}, err
	}

	select {
	case reply := <-ch:
		if reply.Op == OpError {
			return Frame{}, frameError(reply)
		}
		return reply, nil
	case <-ctx.Done():
		c.forget(f.ID)
		return Frame{}, ctx.Err()
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func encode(value any) (json.RawMessage, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	return data, nil
}

// Subscribe opens a subscription that survives reconnects
func (c *Client) Subscribe(ctx context.Context, path string, onData func(remotestore.Snapshot), onError func(error)) (remotestore.Subscription, error) {
	if err := remotestore.ValidatePath(path, 1); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.nextID++
	sub := &clientSub{client: c, id: c.nextID, path: path, onData: onData, onError: onError}
	c.subs[sub.id] = sub
	c.mu.Unlock()

	if _, err := c.request(ctx, Frame{Op: OpSubscribe, Sub: sub.id, Path: path}); err != nil {
		sub.closed.Store(true)
		c.mu.Lock()
		delete(c.subs, sub.id)
		c.mu.Unlock()
		return nil, err
	}
	return sub, nil
}

// Close stops delivery and tells the gateway to drop the subscription
func (s *clientSub) Close() {
	if s.closed.Swap(true) {
		return
	}
	c := s.client
	c.mu.Lock()
	delete(c.subs, s.id)
	c.mu.Unlock()
	if err := c.send(Frame{Op: OpUnsubscribe, Sub: s.id}); err != nil {
		log.Debug().Err(err).Str("path", s.path).Msg("Unsubscribe not delivered")
	}
}

// Read returns the collection at path
func (c *Client) Read(ctx context.Context, path string) (remotestore.Snapshot, error) {
	reply, err := c.request(ctx, Frame{Op: OpRead, Path: path})
	if err != nil {
		return remotestore.Snapshot{}, err
	}
	if reply.Entries == nil {
		reply.Entries = map[string]json.RawMessage{}
	}
	return remotestore.Snapshot{Path: path, Entries: reply.Entries}, nil
}

// Write replaces the record at path
func (c *Client) Write(ctx context.Context, path string, value any) error {
	raw, err := encode(value)
	if err != nil {
		return err
	}
	_, err = c.request(ctx, Frame{Op: OpWrite, Path: path, Value: raw})
	return err
}

// Update merges fields into the record at path
func (c *Client) Update(ctx context.Context, path string, fields map[string]any) error {
	encoded := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		raw, err := encode(v)
		if err != nil {
			return err
		}
		encoded[k] = raw
	}
	_, err := c.request(ctx, Frame{Op: OpUpdate, Path: path, Fields: encoded})
	return err
}

// Append stores value under a new key and returns the key
func (c *Client) Append(ctx context.Context, path string, value any) (string, error) {
	raw, err := encode(value)
	if err != nil {
		return "", err
	}
	reply, err := c.request(ctx, Frame{Op: OpAppend, Path: path, Value: raw})
	if err != nil {
		return "", err
	}
	return reply.Key, nil
}

// Remove deletes the record or subtree at path
func (c *Client) Remove(ctx context.Context, path string) error {
	_, err := c.request(ctx, Frame{Op: OpRemove, Path: path})
	return err
}

// Now returns the gateway store clock
func (c *Client) Now(ctx context.Context) (int64, error) {
	reply, err := c.request(ctx, Frame{Op: OpNow})
	if err != nil {
		return 0, err
	}
	return reply.Now, nil
}

// Connected reports whether the socket is up
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// OnConnectionChange calls fn with the current state and on every change.
// Calls are made from the client's event goroutine, in order with snapshots.
func (c *Client) OnConnectionChange(fn func(bool)) func() {
	c.mu.Lock()
	id := c.nextLis
	c.nextLis++
	c.listeners[id] = fn
	connected := c.connected
	c.mu.Unlock()

	c.events.push(func() { fn(connected) })
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Client) listenersLocked() []func(bool) {
	fns := make([]func(bool), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	return fns
}

// OnDisconnect returns the compensating write slot for path
func (c *Client) OnDisconnect(path string) remotestore.DisconnectOp {
	return &clientDisconnectOp{client: c, path: path}
}

type clientDisconnectOp struct {
	client *Client
	path   string
}

func (o *clientDisconnectOp) Set(ctx context.Context, value any) error {
	raw, err := encode(value)
	if err != nil {
		return err
	}
	_, err = o.client.request(ctx, Frame{Op: OpOnDisconnect, Action: ActionSet, Path: o.path, Value: raw})
	return err
}

func (o *clientDisconnectOp) Remove(ctx context.Context) error {
	_, err := o.client.request(ctx, Frame{Op: OpOnDisconnect, Action: ActionRemove, Path: o.path})
	return err
}

func (o *clientDisconnectOp) Cancel(ctx context.Context) error {
	_, err := o.client.request(ctx, Frame{Op: OpOnDisconnect, Action: ActionCancel, Path: o.path})
	return err
}

// Close shuts the client down for good
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	close(c.done)
	c.mu.Unlock()

	if conn == nil {
		c.events.stop()
		return nil
	}
	c.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	return conn.Close()
}

// Drop closes the socket without a close handshake, as a crashed client
// would. The client reconnects on its own afterwards.
func (c *Client) Drop() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

var _ remotestore.Store = (*Client)(nil)
var _ remotestore.Connection = (*Client)(nil)
