package subscriptions

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"couple-sync/internal/metrics"
	"couple-sync/internal/remotestore"

	"github.com/go-playground/assert/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestManagerSharesOneSubscriptionPerPath(t *testing.T) {
	store := remotestore.NewMemoryStore()
	m := NewManager(store, Options{})
	ctx := context.Background()

	var a, b []int
	ha, err := m.Attach(ctx, "messages/c1", Listener{OnData: func(s remotestore.Snapshot) { a = append(a, s.Len()) }})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	store.Append(ctx, "messages/c1", map[string]string{"text": "hi"})
	hb, err := m.Attach(ctx, "messages/c1", Listener{OnData: func(s remotestore.Snapshot) { b = append(b, s.Len()) }})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	assert.Equal(t, 1, store.Subscribers("messages/c1"))
	assert.Equal(t, 2, m.Refs("messages/c1"))
	assert.Equal(t, []int{0, 1}, a)
	assert.Equal(t, []int{1}, b)

	m.Detach(ha)
	assert.Equal(t, 1, store.Subscribers("messages/c1"))
	store.Append(ctx, "messages/c1", map[string]string{"text": "again"})
	assert.Equal(t, []int{0, 1}, a)
	assert.Equal(t, []int{1, 2}, b)

	m.Detach(hb)
	m.Detach(hb)
	assert.Equal(t, 0, store.Subscribers("messages/c1"))
	assert.Equal(t, 0, m.Open())
}

func TestManagerRefcountInvariantUnderInterleaving(t *testing.T) {
	store := remotestore.NewMemoryStore()
	m := NewManager(store, Options{})
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	var live []*Handle
	for i := 0; i < 500; i++ {
		if len(live) == 0 || rng.Intn(2) == 0 {
			h, err := m.Attach(ctx, "canvas/live", Listener{})
			if err != nil {
				t.Fatalf("attach: %v", err)
			}
			live = append(live, h)
		} else {
			j := rng.Intn(len(live))
			m.Detach(live[j])
			live = append(live[:j], live[j+1:]...)
		}

		subs := store.Subscribers("canvas/live")
		if len(live) > 0 && subs != 1 {
			t.Fatalf("step %d: %d unmatched attaches but %d subscriptions", i, len(live), subs)
		}
		if len(live) == 0 && subs != 0 {
			t.Fatalf("step %d: no attaches but %d subscriptions", i, subs)
		}
		assert.Equal(t, len(live), m.Refs("canvas/live"))
	}
}

func TestManagerNoDeliveryAfterDetach(t *testing.T) {
	store := remotestore.NewMemoryStore()
	m := NewManager(store, Options{})
	ctx := context.Background()

	calls := 0
	var keep *Handle
	h, _ := m.Attach(ctx, "typing/c1", Listener{OnData: func(remotestore.Snapshot) { calls++ }})
	keep, _ = m.Attach(ctx, "typing/c1", Listener{})
	m.Detach(h)
	store.Write(ctx, "typing/c1/u1", map[string]int{"timestamp": 1})

	assert.Equal(t, 1, calls)
	m.Detach(keep)
}

func TestManagerDetachFromInsideCallback(t *testing.T) {
	store := remotestore.NewMemoryStore()
	m := NewManager(store, Options{})
	ctx := context.Background()

	var h *Handle
	calls := 0
	h, _ = m.Attach(ctx, "presence", Listener{OnData: func(s remotestore.Snapshot) {
		calls++
		if s.Len() > 0 {
			m.Detach(h)
		}
	}})
	store.Write(ctx, "presence/u1", map[string]bool{"online": true})
	store.Write(ctx, "presence/u2", map[string]bool{"online": true})

	assert.Equal(t, 2, calls)
	assert.Equal(t, 0, store.Subscribers("presence"))
}

func TestManagerReportsDuplicateUnmanagedListener(t *testing.T) {
	store := remotestore.NewMemoryStore()
	reg := prometheus.NewRegistry()
	met := metrics.New(reg)
	m := NewManager(store, Options{Metrics: met})
	ctx := context.Background()

	h, _ := m.Attach(ctx, "messages/c1", Listener{})
	sub, err := m.Unmanaged().Subscribe(ctx, "messages/c1", func(remotestore.Snapshot) {}, nil)
	if err != nil {
		t.Fatalf("unmanaged subscribe: %v", err)
	}

	assert.Equal(t, float64(1), testutil.ToFloat64(met.DuplicateSubscriptions))
	assert.Equal(t, 2, m.Open())
	assert.Equal(t, float64(2), testutil.ToFloat64(met.ListenersOpen))

	sub.Close()
	sub.Close()
	m.Detach(h)
	assert.Equal(t, 0, m.Open())
	assert.Equal(t, float64(0), testutil.ToFloat64(met.ListenersOpen))
}

func TestManagerStrictRejectsDuplicate(t *testing.T) {
	store := remotestore.NewMemoryStore()
	m := NewManager(store, Options{Strict: true})
	ctx := context.Background()

	h, _ := m.Attach(ctx, "messages/c1", Listener{})
	defer m.Detach(h)
	_, err := m.Unmanaged().Subscribe(ctx, "messages/c1", func(remotestore.Snapshot) {}, nil)
	assert.Equal(t, true, errors.Is(err, ErrDuplicateSubscription))
	assert.Equal(t, 1, store.Subscribers("messages/c1"))
}

type failingStore struct {
	remotestore.Store
}

func (failingStore) Subscribe(context.Context, string, func(remotestore.Snapshot), func(error)) (remotestore.Subscription, error) {
	return nil, remotestore.ErrDisconnected
}

func TestManagerAttachFailureLeavesNoEntry(t *testing.T) {
	m := NewManager(failingStore{Store: remotestore.NewMemoryStore()}, Options{})

	_, err := m.Attach(context.Background(), "messages/c1", Listener{})
	assert.Equal(t, true, errors.Is(err, remotestore.ErrDisconnected))
	assert.Equal(t, 0, m.Open())
	assert.Equal(t, 0, m.Refs("messages/c1"))
}
