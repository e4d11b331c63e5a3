package presence

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"couple-sync/internal/models"
	"couple-sync/internal/remotestore"
	"couple-sync/internal/subscriptions"

	"github.com/go-playground/assert/v2"
)

func newSession(ms int64) (*remotestore.MemoryStore, *remotestore.MemoryConn) {
	store := remotestore.NewMemoryStore()
	store.SetClock(func() time.Time { return time.UnixMilli(ms) })
	return store, store.Connect()
}

func readPresence(t *testing.T, store remotestore.Store, uid string) models.PresenceRecord {
	t.Helper()
	snap, err := store.Read(context.Background(), Collection)
	if err != nil {
		t.Fatalf("read presence: %v", err)
	}
	var rec models.PresenceRecord
	if err := snap.Decode(uid, &rec); err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	return rec
}

func TestTrackerSelfHealsOnDrop(t *testing.T) {
	store, conn := newSession(1000)
	ctx := context.Background()

	tracker := NewTracker(conn, "U")
	tracker.Start(ctx)
	assert.Equal(t, models.PresenceRecord{Online: true, LastSeen: 1000}, readPresence(t, store, "U"))

	store.SetClock(func() time.Time { return time.UnixMilli(7000) })
	conn.Drop()

	snap, _ := store.Read(ctx, Collection)
	assert.Equal(t, json.RawMessage(`{"lastSeen":7000,"online":false}`), snap.Entries["U"])
}

func TestTrackerGoesOnlineAgainOnReconnect(t *testing.T) {
	store, conn := newSession(1000)
	ctx := context.Background()

	tracker := NewTracker(conn, "U")
	tracker.Start(ctx)
	conn.Drop()
	assert.Equal(t, false, readPresence(t, store, "U").Online)

	conn.Reconnect()
	assert.Equal(t, true, readPresence(t, store, "U").Online)
	assert.Equal(t, 1, conn.PendingDisconnectOps())
}

// expiringConn fails writes whose ctx is already done, as a network backend would
type expiringConn struct {
	*remotestore.MemoryConn
}

func (c expiringConn) Write(ctx context.Context, path string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.MemoryConn.Write(ctx, path, value)
}

func TestTrackerReconnectOutlivesStartContext(t *testing.T) {
	store, conn := newSession(1000)
	ctx, cancel := context.WithCancel(context.Background())

	tracker := NewTracker(expiringConn{conn}, "U")
	tracker.Start(ctx)
	cancel()

	conn.Drop()
	assert.Equal(t, false, readPresence(t, store, "U").Online)
	conn.Reconnect()
	assert.Equal(t, true, readPresence(t, store, "U").Online)

	if err := tracker.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	conn.Drop()
	conn.Reconnect()
	assert.Equal(t, false, readPresence(t, store, "U").Online)
}

func TestTrackerStopWritesOfflineProactively(t *testing.T) {
	store, conn := newSession(1000)
	ctx := context.Background()

	tracker := NewTracker(conn, "U")
	tracker.Start(ctx)
	if err := tracker.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	assert.Equal(t, models.PresenceRecord{Online: false, LastSeen: 1000}, readPresence(t, store, "U"))
	assert.Equal(t, 0, conn.PendingDisconnectOps())

	conn.Drop()
	conn.Reconnect()
	assert.Equal(t, false, readPresence(t, store, "U").Online)
}

func TestWatchPartnerPresence(t *testing.T) {
	store, _ := newSession(1000)
	partner := store.Connect()
	manager := subscriptions.NewManager(store, subscriptions.Options{})
	ctx := context.Background()

	var seen []bool
	h, err := Watch(ctx, manager, "B", func(rec models.PresenceRecord) { seen = append(seen, rec.Online) })
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer manager.Detach(h)

	NewTracker(partner, "B").Start(ctx)
	partner.Drop()

	assert.Equal(t, []bool{false, true, false}, seen)
}

func TestTypingClearsAfterTimeout(t *testing.T) {
	store, conn := newSession(1000)
	ctx := context.Background()

	typing := NewTyping(conn, "c1", "U", 30*time.Millisecond)
	if err := typing.SetTyping(ctx, true); err != nil {
		t.Fatalf("set typing: %v", err)
	}
	snap, _ := store.Read(ctx, "typing/c1")
	assert.Equal(t, []string{"U"}, TypingUsers(snap, "B"))

	for i := 0; i < 3; i++ {
		time.Sleep(15 * time.Millisecond)
		typing.SetTyping(ctx, true)
	}
	assert.Equal(t, true, typing.Active())

	deadline := time.Now().Add(2 * time.Second)
	for typing.Active() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	snap, _ = store.Read(ctx, "typing/c1")
	assert.Equal(t, 0, snap.Len())
	assert.Equal(t, 0, conn.PendingDisconnectOps())
}

func TestTypingClearedOnDropAndOnFalse(t *testing.T) {
	store, conn := newSession(1000)
	ctx := context.Background()

	typing := NewTyping(conn, "c1", "U", time.Minute)
	typing.SetTyping(ctx, true)
	conn.Drop()
	snap, _ := store.Read(ctx, "typing/c1")
	assert.Equal(t, 0, snap.Len())

	conn.Reconnect()
	typing = NewTyping(conn, "c1", "U", time.Minute)
	typing.SetTyping(ctx, true)
	typing.SetTyping(ctx, false)
	snap, _ = store.Read(ctx, "typing/c1")
	assert.Equal(t, 0, snap.Len())

	typing.SetTyping(ctx, true)
	typing.Close(ctx)
	typing.SetTyping(ctx, true)
	snap, _ = store.Read(ctx, "typing/c1")
	assert.Equal(t, 0, snap.Len())
}
