// Package presence keeps per user liveness records and typing flags.
package presence

import (
	"context"
	"fmt"
	"sync"

	"couple-sync/internal/models"
	"couple-sync/internal/remotestore"
	"couple-sync/internal/subscriptions"

	"github.com/rs/zerolog/log"
)

const Collection = "presence"

// Transport is a store together with its connection state
type Transport interface {
	remotestore.Store
	remotestore.Connection
}

// Tracker marks a user online whenever the connection comes up and leaves an
// on-disconnect write behind that marks them offline again
type Tracker struct {
	conn Transport
	uid  string

	mu     sync.Mutex
	cancel func()
	op     remotestore.DisconnectOp
}

// NewTracker creates a presence tracker for uid
func NewTracker(conn Transport, uid string) *Tracker {
	return &Tracker{conn: conn, uid: uid}
}

func (t *Tracker) path() string {
	return remotestore.Join(Collection, t.uid)
}

// Start follows the connection flag until Stop is called. Reconnects outlive
// the caller's ctx; only its values are kept.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	ctx, stop := context.WithCancel(context.WithoutCancel(ctx))
	unsubscribe := t.conn.OnConnectionChange(func(connected bool) {
		if connected {
			t.online(ctx)
		}
	})

	t.mu.Lock()
	t.cancel = func() {
		unsubscribe()
		stop()
	}
	t.mu.Unlock()
}

func (t *Tracker) online(ctx context.Context) {
	op := t.conn.OnDisconnect(t.path())
	offline := map[string]any{"online": false, "lastSeen": remotestore.ServerNow()}
	if err := op.Set(ctx, offline); err != nil {
		log.Warn().Err(err).Str("user_id", t.uid).Msg("Failed to register offline presence")
	}
	t.mu.Lock()
	t.op = op
	t.mu.Unlock()

	record := map[string]any{"online": true, "lastSeen": remotestore.ServerNow()}
	if err := t.conn.Write(ctx, t.path(), record); err != nil {
		log.Warn().Err(err).Str("user_id", t.uid).Msg("Failed to write online presence")
		return
	}
	log.Debug().Str("user_id", t.uid).Msg("Presence online")
}

// Stop stops following the connection and writes the offline record itself
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	cancel, op := t.cancel, t.op
	t.cancel, t.op = nil, nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if op != nil {
		if err := op.Cancel(ctx); err != nil {
			log.Warn().Err(err).Str("user_id", t.uid).Msg("Failed to cancel offline presence")
		}
	}
	offline := map[string]any{"online": false, "lastSeen": remotestore.ServerNow()}
	if err := t.conn.Write(ctx, t.path(), offline); err != nil {
		return fmt.Errorf("failed to write offline presence: %w", err)
	}
	return nil
}

// Watch calls fn with uid's presence record on every change
func Watch(ctx context.Context, manager *subscriptions.Manager, uid string, fn func(models.PresenceRecord)) (*subscriptions.Handle, error) {
	return manager.Attach(ctx, Collection, subscriptions.Listener{
		OnData: func(snap remotestore.Snapshot) {
			var rec models.PresenceRecord
			if _, ok := snap.Entries[uid]; ok {
				if err := snap.Decode(uid, &rec); err != nil {
					log.Warn().Err(err).Str("user_id", uid).Msg("Malformed presence record")
					return
				}
			}
			fn(rec)
		},
	})
}
