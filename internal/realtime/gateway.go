package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"couple-sync/internal/metrics"
	"couple-sync/internal/remotestore"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// TokenValidator resolves a bearer token to a user id
type TokenValidator interface {
	ValidateJWT(token string) (string, error)
}

// Request is an operation a participant asked for, as seen by an AccessFunc
type Request struct {
	UserID string
	Op     string
	Path   string
	// Action is set for on-disconnect registrations
	Action string
	Value  json.RawMessage
	Fields map[string]json.RawMessage
}

// AccessFunc decides whether a request may run. A nil AccessFunc allows
// everything.
type AccessFunc func(ctx context.Context, req Request) error

// WriteHook is called after a participant wrote or appended the record at
// collection/key
type WriteHook func(ctx context.Context, uid, collection, key string, value json.RawMessage)

// GatewayOptions configures a Gateway
type GatewayOptions struct {
	Access  AccessFunc
	Metrics *metrics.Metrics
}

// Gateway serves a Store to websocket clients
type Gateway struct {
	store  remotestore.Store
	tokens TokenValidator
	access AccessFunc
	met    *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]map[*session]struct{}
	hooks    []WriteHook
}

// NewGateway creates a new gateway over store
func NewGateway(store remotestore.Store, tokens TokenValidator, opts GatewayOptions) *Gateway {
	return &Gateway{
		store:    store,
		tokens:   tokens,
		access:   opts.Access,
		met:      opts.Metrics,
		sessions: make(map[string]map[*session]struct{}),
	}
}

// OnWrite registers a hook run after every successful write or append
func (g *Gateway) OnWrite(hook WriteHook) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hooks = append(g.hooks, hook)
}

// IsOnline checks if a user has at least one open connection
func (g *Gateway) IsOnline(userID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions[userID]) > 0
}

// Close drops every connection. Their on-disconnect writes run as usual.
func (g *Gateway) Close() {
	g.mu.RLock()
	var all []*session
	for _, set := range g.sessions {
		for s := range set {
			all = append(all, s)
		}
	}
	g.mu.RUnlock()
	for _, s := range all {
		s.conn.Close()
	}
}

// ServeHTTP authenticates the token query parameter and upgrades the connection
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		respondError(w, "token required", http.StatusUnauthorized)
		return
	}
	userID, err := g.tokens.ValidateJWT(token)
	if err != nil {
		respondError(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	s := &session{
		gateway: g,
		userID:  userID,
		conn:    conn,
		send:    make(chan Frame, sendBufferSize),
		done:    make(chan struct{}),
		subs:    make(map[uint64]remotestore.Subscription),
		ops:     make(map[string]disconnectOp),
	}
	g.register(s)
	go s.writeLoop()
	s.readLoop()
	s.close()
	g.unregister(s)
}

func (g *Gateway) register(s *session) {
	g.mu.Lock()
	set, ok := g.sessions[s.userID]
	if !ok {
		set = make(map[*session]struct{})
		g.sessions[s.userID] = set
	}
	set[s] = struct{}{}
	g.mu.Unlock()

	g.met.ConnectionOpened()
	log.Info().Str("user_id", s.userID).Msg("WebSocket connection registered")
}

func (g *Gateway) unregister(s *session) {
	g.mu.Lock()
	if set, ok := g.sessions[s.userID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(g.sessions, s.userID)
		}
	}
	g.mu.Unlock()

	g.met.ConnectionClosed()
	log.Info().Str("user_id", s.userID).Msg("WebSocket connection unregistered")
}

func (g *Gateway) written(ctx context.Context, uid, collection, key string, value json.RawMessage) {
	g.mu.RLock()
	hooks := append([]WriteHook(nil), g.hooks...)
	g.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, uid, collection, key, value)
	}
}

type disconnectOp struct {
	remove bool
	value  json.RawMessage
}

// session is one authenticated socket
type session struct {
	gateway *Gateway
	userID  string
	conn    *websocket.Conn
	send    chan Frame
	done    chan struct{}

	mu     sync.Mutex
	subs   map[uint64]remotestore.Subscription
	ops    map[string]disconnectOp
	closed bool
}

func (s *session) readLoop() {
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx := context.Background()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("user_id", s.userID).Msg("WebSocket closed unexpectedly")
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Error().Err(err).Str("user_id", s.userID).Msg("Failed to parse WebSocket message")
			s.enqueue(Frame{Op: OpError, Code: "bad_request", Message: "Invalid message format"})
			continue
		}

		reply, err := s.handle(ctx, f)
		if err != nil {
			log.Debug().Err(err).Str("user_id", s.userID).Str("op", f.Op).Str("path", f.Path).Msg("Request failed")
			s.enqueue(Frame{ID: f.ID, Op: OpError, Code: errorCode(err), Message: err.Error()})
			continue
		}
		reply.ID = f.ID
		reply.Op = OpResult
		s.enqueue(reply)
	}
}

func (s *session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case f := <-s.send:
			data, err := json.Marshal(f)
			if err != nil {
				log.Error().Err(err).Msg("Failed to marshal frame")
				continue
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.conn.Close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.conn.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// enqueue never blocks. A client that cannot keep up is disconnected and
// resubscribes after reconnecting.
func (s *session) enqueue(f Frame) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.send <- f:
	default:
		log.Warn().Str("user_id", s.userID).Msg("Send buffer full, dropping connection")
		s.conn.Close()
	}
}

func (s *session) allowed(ctx context.Context, f Frame) error {
	if s.gateway.access == nil {
		return nil
	}
	return s.gateway.access(ctx, Request{
		UserID: s.userID,
		Op:     f.Op,
		Path:   f.Path,
		Action: f.Action,
		Value:  f.Value,
		Fields: f.Fields,
	})
}

func (s *session) handle(ctx context.Context, f Frame) (Frame, error) {
	store := s.gateway.store
	if f.Op != OpNow && f.Op != OpUnsubscribe {
		if err := s.allowed(ctx, f); err != nil {
			return Frame{}, err
		}
	}

	switch f.Op {
	case OpSubscribe:
		return Frame{}, s.subscribe(ctx, f.Sub, f.Path)
	case OpUnsubscribe:
		s.unsubscribe(f.Sub)
		return Frame{}, nil
	case OpRead:
		snap, err := store.Read(ctx, f.Path)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Path: snap.Path, Entries: snap.Entries}, nil
	case OpWrite:
		if err := store.Write(ctx, f.Path, f.Value); err != nil {
			return Frame{}, err
		}
		collection, key := remotestore.Split(f.Path)
		s.gateway.written(ctx, s.userID, collection, key, f.Value)
		return Frame{}, nil
	case OpUpdate:
		return Frame{}, store.Update(ctx, f.Path, decodeFields(f.Fields))
	case OpAppend:
		key, err := store.Append(ctx, f.Path, f.Value)
		if err != nil {
			return Frame{}, err
		}
		s.gateway.written(ctx, s.userID, f.Path, key, f.Value)
		return Frame{Key: key}, nil
	case OpRemove:
		return Frame{}, store.Remove(ctx, f.Path)
	case OpOnDisconnect:
		return Frame{}, s.onDisconnect(f)
	case OpNow:
		now, err := store.Now(ctx)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Now: now}, nil
	}
	return Frame{}, fmt.Errorf("unknown operation %q", f.Op)
}

func (s *session) subscribe(ctx context.Context, id uint64, path string) error {
	if id == 0 {
		return fmt.Errorf("subscription id required")
	}
	sub, err := s.gateway.store.Subscribe(ctx, path, func(snap remotestore.Snapshot) {
		s.enqueue(Frame{Op: OpSnapshot, Sub: id, Path: snap.Path, Entries: snap.Entries})
	}, func(err error) {
		s.enqueue(Frame{Op: OpError, Sub: id, Path: path, Code: errorCode(err), Message: err.Error()})
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Close()
		return remotestore.ErrClosed
	}
	if old, ok := s.subs[id]; ok {
		old.Close()
	}
	s.subs[id] = sub
	s.mu.Unlock()
	return nil
}

func (s *session) unsubscribe(id uint64) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()
	if ok {
		sub.Close()
	}
}

func (s *session) onDisconnect(f Frame) error {
	if err := remotestore.ValidatePath(f.Path, 2); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch f.Action {
	case ActionSet:
		s.ops[f.Path] = disconnectOp{value: f.Value}
	case ActionRemove:
		s.ops[f.Path] = disconnectOp{remove: true}
	case ActionCancel:
		delete(s.ops, f.Path)
	default:
		return fmt.Errorf("unknown on-disconnect action %q", f.Action)
	}
	return nil
}

// close releases the subscriptions and runs the registered on-disconnect writes
func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs, ops := s.subs, s.ops
	s.subs, s.ops = nil, nil
	close(s.done)
	s.mu.Unlock()

	s.conn.Close()
	for _, sub := range subs {
		sub.Close()
	}

	ctx := context.Background()
	store := s.gateway.store
	for path, op := range ops {
		var err error
		if op.remove {
			err = store.Remove(ctx, path)
		} else {
			err = store.Write(ctx, path, op.value)
		}
		if err != nil {
			log.Warn().Err(err).Str("user_id", s.userID).Str("path", path).Msg("On-disconnect write failed")
		}
	}
	if len(ops) > 0 {
		log.Debug().Str("user_id", s.userID).Int("ops", len(ops)).Msg("On-disconnect writes executed")
	}
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
}

func respondError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}
