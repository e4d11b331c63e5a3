package remotestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type note struct {
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

func TestMemoryStoreAppendOrdersIDs(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 50; i++ {
		id, err := store.Append(ctx, "messages/c1", note{Text: "x"})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		ids = append(ids, id)
	}

	assert.Equal(t, true, sort.StringsAreSorted(ids))
	snap, err := store.Read(ctx, "messages/c1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	assert.Equal(t, 50, snap.Len())
}

func TestMemoryStoreSubscribeDeliversInitialAndChanges(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Write(ctx, "journal/c1/a", note{Text: "a"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var sizes []int
	sub, err := store.Subscribe(ctx, "journal/c1", func(s Snapshot) {
		sizes = append(sizes, s.Len())
	}, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	store.Write(ctx, "journal/c1/b", note{Text: "b"})
	store.Remove(ctx, "journal/c1/a")
	sub.Close()
	store.Write(ctx, "journal/c1/c", note{Text: "c"})

	assert.Equal(t, []int{1, 2, 1}, sizes)
	assert.Equal(t, 0, store.Subscribers("journal/c1"))
}

func TestMemoryStoreNestedWriteIsQueuedNotRecursive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var seen []int
	_, err := store.Subscribe(ctx, "typing/c1", func(s Snapshot) {
		seen = append(seen, s.Len())
		if s.Len() == 1 {
			// writing from inside a callback must not deliver re-entrantly
			store.Write(ctx, "typing/c1/u2", note{Text: "typing"})
			assert.Equal(t, []int{0, 1}, seen)
		}
	}, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	store.Write(ctx, "typing/c1/u1", note{Text: "typing"})

	assert.Equal(t, []int{0, 1, 2}, seen)
}

func TestMemoryStoreResolvesServerTimestamp(t *testing.T) {
	store := NewMemoryStore()
	fixed := time.UnixMilli(1_700_000_000_000)
	store.SetClock(func() time.Time { return fixed })
	ctx := context.Background()

	err := store.Write(ctx, "presence/u1", map[string]any{"online": true, "lastSeen": ServerNow()})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	snap, _ := store.Read(ctx, "presence")
	var rec struct {
		Online   bool  `json:"online"`
		LastSeen int64 `json:"lastSeen"`
	}
	if err := snap.Decode("u1", &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	assert.Equal(t, true, rec.Online)
	assert.Equal(t, fixed.UnixMilli(), rec.LastSeen)
}

func TestMemoryStoreUpdateMergesFields(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	id, _ := store.Append(ctx, "messages/c1", map[string]any{"text": "hi"})
	path := Join("messages/c1", id)

	if err := store.Update(ctx, path, map[string]any{"reactions/B": "❤️"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.Update(ctx, path, map[string]any{"reactions/A": "😂"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.Update(ctx, path, map[string]any{"reactions/A": nil}); err != nil {
		t.Fatalf("update: %v", err)
	}

	snap, _ := store.Read(ctx, "messages/c1")
	var rec struct {
		Text      string            `json:"text"`
		Reactions map[string]string `json:"reactions"`
	}
	snap.Decode(id, &rec)
	assert.Equal(t, "hi", rec.Text)
	assert.Equal(t, map[string]string{"B": "❤️"}, rec.Reactions)

	err := store.Update(ctx, "messages/c1/missing", map[string]any{"reactions/B": "x"})
	assert.Equal(t, true, errors.Is(err, ErrNotFound))
}

func TestMemoryStoreRemoveSubtree(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.Write(ctx, "canvas/live/s1", note{})
	store.Write(ctx, "canvas/live/s2", note{})
	store.Write(ctx, "canvasStrokes/c1/s0", note{})

	last := -1
	store.Subscribe(ctx, "canvas/live", func(s Snapshot) { last = s.Len() }, nil)
	assert.Equal(t, 2, last)

	if err := store.Remove(ctx, "canvas"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	assert.Equal(t, 0, last)
	assert.Equal(t, []string{"canvasStrokes/c1"}, store.Collections(""))
}

func TestMemoryStoreRejectsBadPaths(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, path := range []string{"", "messages", "messages//x", "messages/c.1/x"} {
		err := store.Write(ctx, path, note{})
		if !errors.Is(err, ErrInvalidPath) {
			t.Fatalf("expected invalid path for %q, got %v", path, err)
		}
	}
}

func TestMemoryConnDropRunsDisconnectOps(t *testing.T) {
	store := NewMemoryStore()
	store.SetClock(func() time.Time { return time.UnixMilli(5000) })
	conn := store.Connect()
	ctx := context.Background()

	var states []bool
	conn.OnConnectionChange(func(c bool) { states = append(states, c) })

	conn.Write(ctx, "presence/U", map[string]any{"online": true, "lastSeen": ServerNow()})
	if err := conn.OnDisconnect("presence/U").Set(ctx, map[string]any{"online": false, "lastSeen": ServerNow()}); err != nil {
		t.Fatalf("on disconnect: %v", err)
	}
	conn.Write(ctx, "typing/c1/U", note{})
	conn.OnDisconnect("typing/c1/U").Remove(ctx)
	assert.Equal(t, 2, conn.PendingDisconnectOps())

	conn.Drop()

	assert.Equal(t, []bool{true, false}, states)
	assert.Equal(t, false, conn.Connected())
	snap, _ := store.Read(ctx, "presence")
	assert.Equal(t, json.RawMessage(`{"lastSeen":5000,"online":false}`), snap.Entries["U"])
	typing, _ := store.Read(ctx, "typing/c1")
	assert.Equal(t, 0, typing.Len())

	err := conn.Write(ctx, "presence/U", note{})
	assert.Equal(t, true, errors.Is(err, ErrDisconnected))

	conn.Reconnect()
	assert.Equal(t, []bool{true, false, true}, states)
	assert.Equal(t, 0, conn.PendingDisconnectOps())
}

func TestMemoryConnCancelDisconnectOp(t *testing.T) {
	store := NewMemoryStore()
	conn := store.Connect()
	ctx := context.Background()

	conn.Write(ctx, "presence/U", map[string]any{"online": true})
	op := conn.OnDisconnect("presence/U")
	op.Set(ctx, map[string]any{"online": false})
	op.Cancel(ctx)
	conn.Drop()

	snap, _ := store.Read(ctx, "presence")
	assert.Equal(t, json.RawMessage(`{"online":true}`), snap.Entries["U"])
}

func TestMemoryConnDropLogsFailedDisconnectOp(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = prev }()

	store := NewMemoryStore()
	conn := store.Connect()
	ctx := context.Background()

	conn.Write(ctx, "presence/U", map[string]any{"online": true})
	conn.OnDisconnect("presence/U").Set(ctx, map[string]any{"online": false})
	conn.OnDisconnect("typing/c1/U").Set(ctx, make(chan int))
	conn.Drop()

	snap, _ := store.Read(ctx, "presence")
	assert.Equal(t, json.RawMessage(`{"online":false}`), snap.Entries["U"])
	assert.Equal(t, true, strings.Contains(buf.String(), "On-disconnect write failed"))
	assert.Equal(t, true, strings.Contains(buf.String(), `"path":"typing/c1/U"`))
}

func TestIDTimeRoundTrip(t *testing.T) {
	id := NewID(1_000_000)
	ts, err := IDTime(id)
	if err != nil {
		t.Fatalf("id time: %v", err)
	}
	assert.Equal(t, int64(1_000_000), ts.UnixMilli())
}
