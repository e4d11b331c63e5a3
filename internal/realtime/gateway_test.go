package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"couple-sync/internal/remotestore"

	"github.com/go-playground/assert/v2"
)

// plainTokens accepts any token and uses it as the user id
type plainTokens struct{}

func (plainTokens) ValidateJWT(token string) (string, error) {
	if token == "bad" {
		return "", errors.New("invalid token")
	}
	return token, nil
}

func newGateway(t *testing.T, opts GatewayOptions) (*remotestore.MemoryStore, *Gateway, string) {
	t.Helper()
	store := remotestore.NewMemoryStore()
	store.SetClock(func() time.Time { return time.UnixMilli(42_000) })
	gw := NewGateway(store, plainTokens{}, opts)
	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		gw.Close()
		srv.Close()
	})
	return store, gw, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, endpoint, uid string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), endpoint, uid, ClientOptions{MinBackoff: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestClientRoundTrip(t *testing.T) {
	store, _, endpoint := newGateway(t, GatewayOptions{})
	c := dial(t, endpoint, "A")
	ctx := context.Background()

	var mu sync.Mutex
	var sizes []int
	sub, err := c.Subscribe(ctx, "messages/c1", func(s remotestore.Snapshot) {
		mu.Lock()
		sizes = append(sizes, s.Len())
		mu.Unlock()
	}, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	key, err := c.Append(ctx, "messages/c1", map[string]any{"text": "hi", "timestamp": remotestore.ServerNow()})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := c.Update(ctx, "messages/c1/"+key, map[string]any{"reactions/B": "❤️"}); err != nil {
		t.Fatalf("update: %v", err)
	}

	snap, err := c.Read(ctx, "messages/c1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	assert.Equal(t, json.RawMessage(`{"reactions":{"B":"❤️"},"text":"hi","timestamp":42000}`), snap.Entries[key])

	now, err := c.Now(ctx)
	if err != nil {
		t.Fatalf("now: %v", err)
	}
	assert.Equal(t, int64(42_000), now)

	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sizes) == 3
	})
	mu.Lock()
	assert.Equal(t, []int{0, 1, 1}, sizes)
	mu.Unlock()

	sub.Close()
	eventually(t, func() bool { return store.Subscribers("messages/c1") == 0 })

	err = c.Update(ctx, "messages/c1/missing", map[string]any{"text": "x"})
	assert.Equal(t, true, errors.Is(err, remotestore.ErrNotFound))
}

func TestGatewayRunsDisconnectOpsAndClientResubscribes(t *testing.T) {
	store, gw, endpoint := newGateway(t, GatewayOptions{})
	c := dial(t, endpoint, "U")
	ctx := context.Background()

	var mu sync.Mutex
	var states []bool
	c.OnConnectionChange(func(connected bool) {
		mu.Lock()
		states = append(states, connected)
		mu.Unlock()
	})

	latest := make(chan int, 16)
	c.Subscribe(ctx, "typing/c1", func(s remotestore.Snapshot) { latest <- s.Len() }, nil)

	c.Write(ctx, "presence/U", map[string]any{"online": true, "lastSeen": remotestore.ServerNow()})
	c.OnDisconnect("presence/U").Set(ctx, map[string]any{"online": false, "lastSeen": remotestore.ServerNow()})
	assert.Equal(t, true, gw.IsOnline("U"))

	c.Drop()
	eventually(t, func() bool {
		snap, _ := store.Read(ctx, "presence")
		return string(snap.Entries["U"]) == `{"lastSeen":42000,"online":false}`
	})

	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 3
	})
	mu.Lock()
	assert.Equal(t, []bool{true, false, true}, states)
	mu.Unlock()

	eventually(t, func() bool { return store.Subscribers("typing/c1") == 1 })
	store.Write(ctx, "typing/c1/B", map[string]any{"userId": "B"})
	eventually(t, func() bool {
		for {
			select {
			case n := <-latest:
				if n == 1 {
					return true
				}
			default:
				return false
			}
		}
	})
}

func TestGatewayRejectsBadToken(t *testing.T) {
	_, _, endpoint := newGateway(t, GatewayOptions{})
	_, err := Dial(context.Background(), endpoint, "bad", ClientOptions{})
	assert.NotEqual(t, nil, err)
}

func TestGatewayAccessAndWriteHooks(t *testing.T) {
	_, gw, endpoint := newGateway(t, GatewayOptions{
		Access: func(ctx context.Context, req Request) error {
			path := req.Path
			if strings.HasPrefix(path, "messages/") && path != "messages/c1" && !strings.HasPrefix(path, "messages/c1/") {
				return remotestore.ErrForbidden
			}
			if strings.Contains(string(req.Value), "forged") {
				return remotestore.ErrForbidden
			}
			if _, ok := req.Fields["authorId"]; ok {
				return remotestore.ErrForbidden
			}
			return nil
		},
	})

	type written struct{ uid, collection, key string }
	hooked := make(chan written, 2)
	gw.OnWrite(func(ctx context.Context, uid, collection, key string, value json.RawMessage) {
		hooked <- written{uid, collection, key}
	})

	c := dial(t, endpoint, "A")
	ctx := context.Background()

	_, err := c.Append(ctx, "messages/c2", map[string]string{"text": "nope"})
	assert.Equal(t, true, errors.Is(err, remotestore.ErrForbidden))

	key, err := c.Append(ctx, "messages/c1", map[string]string{"text": "hi"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	select {
	case got := <-hooked:
		assert.Equal(t, written{"A", "messages/c1", key}, got)
	case <-time.After(time.Second):
		t.Fatalf("write hook not called after append")
	}

	if err := c.Write(ctx, "messages/c1/m2", map[string]string{"text": "again"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case got := <-hooked:
		assert.Equal(t, written{"A", "messages/c1", "m2"}, got)
	case <-time.After(time.Second):
		t.Fatalf("write hook not called after write")
	}
	// the access rule sees the value and the updated fields
	_, err = c.Append(ctx, "messages/c1", map[string]string{"text": "forged"})
	assert.Equal(t, true, errors.Is(err, remotestore.ErrForbidden))
	err = c.Update(ctx, "messages/c1/m2", map[string]any{"authorId": "B"})
	assert.Equal(t, true, errors.Is(err, remotestore.ErrForbidden))
	err = c.Update(ctx, "messages/c1/m2", map[string]any{"reactions/A": "ok"})
	assert.Equal(t, nil, err)
}

func TestClientRequestsFailWhileDisconnected(t *testing.T) {
	_, _, endpoint := newGateway(t, GatewayOptions{})
	c := dial(t, endpoint, "A")
	c.Close()

	err := c.Write(context.Background(), "presence/A", map[string]bool{"online": true})
	assert.Equal(t, true, errors.Is(err, remotestore.ErrClosed))
}
