package collection

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"testing"

	"couple-sync/internal/models"
	"couple-sync/internal/remotestore"
	"couple-sync/internal/subscriptions"

	"github.com/go-playground/assert/v2"
)

func appendMessages(t *testing.T, store remotestore.Store, path string, timestamps ...int64) {
	t.Helper()
	for _, ts := range timestamps {
		if _, err := store.Append(context.Background(), path, models.Message{Text: "m", Timestamp: ts}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
}

func TestSyncUniqueAndOrdered(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for n := 0; n < 40; n++ {
		store := remotestore.NewMemoryStore()
		ts := make([]int64, n)
		for i := range ts {
			ts[i] = rng.Int63n(10)
		}
		appendMessages(t, store, "messages/c1", ts...)

		snap, _ := store.Read(context.Background(), "messages/c1")
		items, err := New(Options[models.Message]{}).Sync(snap)
		if err != nil {
			t.Fatalf("sync: %v", err)
		}

		assert.Equal(t, n, len(items))
		ids := make(map[string]bool)
		for _, m := range items {
			ids[m.ID] = true
		}
		assert.Equal(t, n, len(ids))
		assert.Equal(t, true, sort.SliceIsSorted(items, func(i, j int) bool {
			return items[i].Timestamp < items[j].Timestamp
		}))
	}
}

func TestSyncDropsDuplicatesIntroducedByTransform(t *testing.T) {
	store := remotestore.NewMemoryStore()
	appendMessages(t, store, "messages/c1", 1, 2)
	snap, _ := store.Read(context.Background(), "messages/c1")

	e := New(Options[models.Message]{Transform: func(in []models.Message) ([]models.Message, error) {
		return append(in, in...), nil
	}})
	items, _ := e.Sync(snap)
	assert.Equal(t, 2, len(items))
}

func TestPaginationMonotonic(t *testing.T) {
	store := remotestore.NewMemoryStore()
	const total = 23
	ts := make([]int64, total)
	for i := range ts {
		ts[i] = int64(i + 1)
	}
	appendMessages(t, store, "messages/c1", ts...)
	snap, _ := store.Read(context.Background(), "messages/c1")

	e := New(Options[models.Message]{Descending: true, Limit: 5, PageSize: 5})
	items, _ := e.Sync(snap)
	assert.Equal(t, 5, len(items))
	assert.Equal(t, int64(19), items[0].Timestamp)
	assert.Equal(t, int64(23), items[4].Timestamp)

	prev := len(items)
	for e.LoadMore() {
		items = e.Items()
		if len(items) < prev {
			t.Fatalf("window shrank from %d to %d", prev, len(items))
		}
		assert.Equal(t, len(items) >= e.Limit(), e.HasMore())
		prev = len(items)
	}
	assert.Equal(t, total, len(e.Items()))
	assert.Equal(t, false, e.HasMore())
	assert.Equal(t, false, e.Loading())
	assert.Equal(t, 25, e.Limit())
	assert.Equal(t, int64(1), e.Items()[0].Timestamp)
}

func TestLoadMoreWaitsForSnapshot(t *testing.T) {
	e := New(Options[models.Message]{Limit: 2, PageSize: 2})
	assert.Equal(t, false, e.LoadMore())

	store := remotestore.NewMemoryStore()
	appendMessages(t, store, "messages/c1", 1, 2, 3)
	snap, _ := store.Read(context.Background(), "messages/c1")
	e.Sync(snap)
	assert.Equal(t, true, e.HasMore())

	e.last = nil
	assert.Equal(t, true, e.LoadMore())
	assert.Equal(t, true, e.Loading())
	assert.Equal(t, false, e.LoadMore())

	e.Sync(snap)
	assert.Equal(t, false, e.Loading())
	assert.Equal(t, 3, len(e.Items()))
}

func TestTransformFailureKeepsLastList(t *testing.T) {
	store := remotestore.NewMemoryStore()
	appendMessages(t, store, "messages/c1", 1)
	good, _ := store.Read(context.Background(), "messages/c1")
	appendMessages(t, store, "messages/c1", 2)
	bad, _ := store.Read(context.Background(), "messages/c1")
	appendMessages(t, store, "messages/c1", 3)
	recovered, _ := store.Read(context.Background(), "messages/c1")

	boom := errors.New("boom")
	e := New(Options[models.Message]{Transform: func(in []models.Message) ([]models.Message, error) {
		switch len(in) {
		case 2:
			return nil, boom
		case 3:
			panic("bad record")
		}
		return in, nil
	}})

	e.Sync(good)
	items, err := e.Sync(bad)
	assert.Equal(t, true, errors.Is(err, ErrTransform))
	assert.Equal(t, true, errors.Is(err, boom))
	assert.Equal(t, 1, len(items))

	items, err = e.Sync(recovered)
	assert.Equal(t, true, errors.Is(err, ErrTransform))
	assert.Equal(t, 1, len(items))
	assert.Equal(t, true, errors.Is(e.Err(), ErrTransform))

	e.Sync(good)
	assert.Equal(t, nil, e.Err())
}

func TestBindFollowsSubscription(t *testing.T) {
	store := remotestore.NewMemoryStore()
	manager := subscriptions.NewManager(store, subscriptions.Options{})
	ctx := context.Background()

	var lens []int
	e := New(Options[models.Stroke]{OnChange: func(items []models.Stroke, err error) {
		lens = append(lens, len(items))
	}})
	if err := e.Bind(ctx, manager, "canvasStrokes/c1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	store.Append(ctx, "canvasStrokes/c1", models.Stroke{AuthorID: "A", Timestamp: 1})
	e.Close()
	store.Append(ctx, "canvasStrokes/c1", models.Stroke{AuthorID: "A", Timestamp: 2})

	assert.Equal(t, []int{0, 1}, lens)
	assert.Equal(t, 0, store.Subscribers("canvasStrokes/c1"))
	assert.Equal(t, "A", e.Items()[0].AuthorID)
	assert.NotEqual(t, "", e.Items()[0].ID)
}

func TestScrollAnchor(t *testing.T) {
	var a ScrollAnchor
	assert.Equal(t, float64(40), a.Restore(900, 40))

	a.Record(600)
	assert.Equal(t, float64(340), a.Restore(900, 40))
	assert.Equal(t, float64(40), a.Restore(1200, 40))
}
