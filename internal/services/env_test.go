package services

import (
	"context"
	"testing"
	"time"

	"couple-sync/internal/models"
	"couple-sync/internal/remotestore"
	"couple-sync/internal/subscriptions"
)

// coupleEnv is one store shared by the members A and B of couple c1
type coupleEnv struct {
	store *remotestore.MemoryStore
	now   int64
}

func newCoupleEnv(t *testing.T, now int64) *coupleEnv {
	t.Helper()
	env := &coupleEnv{store: remotestore.NewMemoryStore(), now: now}
	env.store.SetClock(env.clock)

	ctx := context.Background()
	seed := map[string]any{
		"couples/c1": models.Couple{ID: "c1", Member1: "A", Member2: "B"},
		"users/A":    models.Profile{UID: "A", DisplayName: "Ana", CoupleID: "c1"},
		"users/B":    models.Profile{UID: "B", DisplayName: "Ben", CoupleID: "c1"},
		"users/C":    models.Profile{UID: "C", DisplayName: "Cy"},
	}
	for path, value := range seed {
		if err := env.store.Write(ctx, path, value); err != nil {
			t.Fatalf("seed %s: %v", path, err)
		}
	}
	return env
}

func (e *coupleEnv) clock() time.Time {
	return time.UnixMilli(e.now)
}

func (e *coupleEnv) options() Options {
	return Options{Clock: e.clock, Debounce: time.Hour, LiveThrottle: time.Hour}
}

// open connects uid to the store and opens their session
func (e *coupleEnv) open(t *testing.T, uid string) (*Session, *remotestore.MemoryConn) {
	t.Helper()
	conn := e.store.Connect()
	manager := subscriptions.NewManager(conn, subscriptions.Options{})
	s, err := OpenSession(context.Background(), conn, manager, uid)
	if err != nil {
		t.Fatalf("open session %s: %v", uid, err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	return s, conn
}
