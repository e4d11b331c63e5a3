package presence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"couple-sync/internal/models"
	"couple-sync/internal/remotestore"
	"couple-sync/internal/subscriptions"

	"github.com/rs/zerolog/log"
)

const (
	TypingCollection     = "typing"
	DefaultTypingTimeout = 3 * time.Second
)

// Typing owns the typing flag of one user in one channel
type Typing struct {
	conn    Transport
	channel string
	uid     string
	timeout time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	gen    int
	active bool
	closed bool
}

// NewTyping creates the typing flag owner for uid in channel
func NewTyping(conn Transport, channel, uid string, timeout time.Duration) *Typing {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &Typing{conn: conn, channel: channel, uid: uid, timeout: timeout}
}

func (t *Typing) path() string {
	return remotestore.Join(TypingCollection, t.channel, t.uid)
}

// SetTyping raises or clears the flag. Raising it again while raised only
// pushes the automatic clear back by the timeout.
func (t *Typing) SetTyping(ctx context.Context, typing bool) error {
	if !typing {
		return t.clear(ctx)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(t.timeout, func() {
		t.mu.Lock()
		stale := gen != t.gen
		t.mu.Unlock()
		if stale {
			return
		}
		if err := t.clear(context.Background()); err != nil {
			log.Warn().Err(err).Str("channel", t.channel).Msg("Failed to clear typing flag")
		}
	})
	wasActive := t.active
	t.active = true
	t.mu.Unlock()

	if wasActive {
		return nil
	}
	if err := t.conn.OnDisconnect(t.path()).Remove(ctx); err != nil {
		log.Warn().Err(err).Str("channel", t.channel).Msg("Failed to register typing cleanup")
	}
	flag := map[string]any{"userId": t.uid, "timestamp": remotestore.ServerNow()}
	if err := t.conn.Write(ctx, t.path(), flag); err != nil {
		t.mu.Lock()
		t.active = false
		t.mu.Unlock()
		return fmt.Errorf("failed to set typing flag: %w", err)
	}
	return nil
}

func (t *Typing) clear(ctx context.Context) error {
	t.mu.Lock()
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	wasActive := t.active
	t.active = false
	t.mu.Unlock()

	if !wasActive {
		return nil
	}
	if err := t.conn.OnDisconnect(t.path()).Cancel(ctx); err != nil {
		log.Warn().Err(err).Str("channel", t.channel).Msg("Failed to cancel typing cleanup")
	}
	if err := t.conn.Remove(ctx, t.path()); err != nil {
		return fmt.Errorf("failed to clear typing flag: %w", err)
	}
	return nil
}

// Active reports whether the flag is currently raised
func (t *Typing) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Close clears the flag and stops the timer. The Typing is unusable afterwards.
func (t *Typing) Close(ctx context.Context) error {
	err := t.clear(ctx)
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return err
}

// WatchTyping calls fn with the users other than self that are typing in channel
func WatchTyping(ctx context.Context, manager *subscriptions.Manager, channel, self string, fn func(users []string)) (*subscriptions.Handle, error) {
	return manager.Attach(ctx, remotestore.Join(TypingCollection, channel), subscriptions.Listener{
		OnData: func(snap remotestore.Snapshot) {
			fn(TypingUsers(snap, self))
		},
	})
}

// TypingUsers lists the typing users in snap other than self
func TypingUsers(snap remotestore.Snapshot, self string) []string {
	users := []string{}
	for key := range snap.Entries {
		if key == self {
			continue
		}
		var flag models.TypingFlag
		if err := snap.Decode(key, &flag); err != nil {
			continue
		}
		users = append(users, key)
	}
	sort.Strings(users)
	return users
}
