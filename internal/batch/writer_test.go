package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"couple-sync/internal/metrics"
	"couple-sync/internal/models"
	"couple-sync/internal/remotestore"

	"github.com/go-playground/assert/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// flakyStore fails appends of strokes drawn in red
type flakyStore struct {
	remotestore.Store
	mu      sync.Mutex
	appends int
}

func (s *flakyStore) Append(ctx context.Context, path string, value any) (string, error) {
	s.mu.Lock()
	s.appends++
	s.mu.Unlock()
	if st, ok := value.(models.Stroke); ok && st.Color == "red" {
		return "", errors.New("write rejected")
	}
	return s.Store.Append(ctx, path, value)
}

func TestWriterFlushAppendsEachItem(t *testing.T) {
	store := remotestore.NewMemoryStore()
	ctx := context.Background()

	var mu sync.Mutex
	written := map[string]string{}
	w := NewWriter(store, "canvasStrokes/c1", Options[models.Stroke]{
		OnWritten: func(s models.Stroke, id string) {
			mu.Lock()
			written[s.Color] = id
			mu.Unlock()
		},
	})
	w.Record(models.Stroke{Color: "blue", Timestamp: 1})
	w.Record(models.Stroke{Color: "green", Timestamp: 2})

	assert.Equal(t, 2, w.Flush(ctx))
	assert.Equal(t, 0, w.Pending())
	assert.Equal(t, 2, len(written))
	snap, _ := store.Read(ctx, "canvasStrokes/c1")
	assert.Equal(t, 2, snap.Len())
	assert.Equal(t, 0, w.Flush(ctx))
}

func TestWriterDropsFailedItems(t *testing.T) {
	mem := remotestore.NewMemoryStore()
	store := &flakyStore{Store: mem}
	met := metrics.New(prometheus.NewRegistry())
	ctx := context.Background()

	w := NewWriter(store, "canvasStrokes/c1", Options[models.Stroke]{Metrics: met})
	w.Record(models.Stroke{Color: "red"})
	w.Record(models.Stroke{Color: "blue"})

	assert.Equal(t, 1, w.Flush(ctx))
	assert.Equal(t, 0, w.Pending())
	assert.Equal(t, float64(1), testutil.ToFloat64(met.BatchWrites.WithLabelValues("failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(met.BatchWrites.WithLabelValues("ok")))

	w.Flush(ctx)
	assert.Equal(t, 2, store.appends)
}

func TestWriterScheduleFlushDebounces(t *testing.T) {
	mem := remotestore.NewMemoryStore()
	store := &flakyStore{Store: mem}
	ctx := context.Background()

	w := NewWriter(store, "canvasStrokes/c1", Options[models.Stroke]{Delay: 30 * time.Millisecond})
	for i := 0; i < 5; i++ {
		w.Record(models.Stroke{Color: "blue", Timestamp: int64(i)})
		w.ScheduleFlush()
		time.Sleep(5 * time.Millisecond)
	}

	deadline := time.Now().Add(2 * time.Second)
	for w.Pending() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	snap, _ := mem.Read(ctx, "canvasStrokes/c1")
	assert.Equal(t, 5, snap.Len())
}

func TestWriterCloseCancelsScheduledFlush(t *testing.T) {
	store := remotestore.NewMemoryStore()
	ctx := context.Background()

	w := NewWriter(store, "canvasStrokes/c1", Options[models.Stroke]{Delay: 20 * time.Millisecond})
	w.Record(models.Stroke{Color: "blue"})
	w.ScheduleFlush()
	w.Close()
	time.Sleep(60 * time.Millisecond)

	snap, _ := store.Read(ctx, "canvasStrokes/c1")
	assert.Equal(t, 0, snap.Len())
	w.Record(models.Stroke{Color: "blue"})
	assert.Equal(t, 0, w.Pending())
}

func TestLiveMirrorThrottlesAndCommits(t *testing.T) {
	store := remotestore.NewMemoryStore()
	ctx := context.Background()
	live := NewLiveMirror[models.Stroke](store, "canvas/live", 5, time.Hour)

	writes := 0
	stroke := models.Stroke{AuthorID: "A", Color: "blue"}
	for i := 0; i < 11; i++ {
		stroke.Points = append(stroke.Points, models.Point{X: float64(i), Y: float64(i)})
		ok, err := live.Update(ctx, "s1", stroke)
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if ok {
			writes++
		}
	}
	assert.Equal(t, 3, writes)

	snap, _ := store.Read(ctx, "canvas/live")
	var mirrored models.Stroke
	snap.Decode("s1", &mirrored)
	assert.Equal(t, 11, len(mirrored.Points))

	id, err := live.Commit(ctx, "s1", stroke, "canvasStrokes/c1")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	assert.NotEqual(t, "", id)
	snap, _ = store.Read(ctx, "canvas/live")
	assert.Equal(t, 0, snap.Len())
	committed, _ := store.Read(ctx, "canvasStrokes/c1")
	assert.Equal(t, 1, committed.Len())
}

func TestLiveMirrorKeepsLiveCopyWhenCommitFails(t *testing.T) {
	mem := remotestore.NewMemoryStore()
	store := &flakyStore{Store: mem}
	ctx := context.Background()
	live := NewLiveMirror[models.Stroke](store, "canvas/live", 0, 0)

	stroke := models.Stroke{Color: "red"}
	live.Update(ctx, "s1", stroke)
	_, err := live.Commit(ctx, "s1", stroke, "canvasStrokes/c1")
	assert.NotEqual(t, nil, err)

	snap, _ := mem.Read(ctx, "canvas/live")
	assert.Equal(t, 1, snap.Len())
}
