package optimistic

import (
	"context"
	"errors"
	"testing"

	"couple-sync/internal/metrics"

	"github.com/go-playground/assert/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPerformRollbackLeavesNoResidue(t *testing.T) {
	met := metrics.New(prometheus.NewRegistry())
	tr := NewTracker[string](met, nil)
	boom := errors.New("network down")

	var during map[string]string
	err := tr.Perform(context.Background(), "tmp1", "hi", func(context.Context) error {
		during = tr.Overlay()
		return boom
	})

	assert.Equal(t, boom, err)
	assert.Equal(t, map[string]string{"tmp1": "hi"}, during)
	_, pending := tr.Pending("tmp1")
	assert.Equal(t, false, pending)
	assert.Equal(t, 0, len(tr.Overlay()))
	assert.Equal(t, float64(1), testutil.ToFloat64(met.Mutations.WithLabelValues("rolled_back")))
}

func TestPerformCommitClearsOverlay(t *testing.T) {
	var changes []int
	tr := NewTracker[string](nil, func(overlay map[string]string) { changes = append(changes, len(overlay)) })

	err := tr.Perform(context.Background(), "tmp1", "hi", func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("perform: %v", err)
	}
	assert.Equal(t, []int{1, 0}, changes)
}

func TestSameKeyLastValueWins(t *testing.T) {
	tr := NewTracker[string](nil, nil)

	first := tr.Begin("reaction/m1", "❤️")
	second := tr.Begin("reaction/m1", "😂")
	v, _ := tr.Pending("reaction/m1")
	assert.Equal(t, "😂", v)

	first.Settle(nil)
	v, ok := tr.Pending("reaction/m1")
	assert.Equal(t, true, ok)
	assert.Equal(t, "😂", v)
	assert.Equal(t, Committed, first.State())

	second.Settle(errors.New("rejected"))
	_, ok = tr.Pending("reaction/m1")
	assert.Equal(t, false, ok)
	assert.Equal(t, RolledBack, second.State())

	second.Settle(nil)
	assert.Equal(t, RolledBack, second.State())
}

func TestDifferentKeysAreIndependent(t *testing.T) {
	tr := NewTracker[int](nil, nil)
	a := tr.Begin("a", 1)
	tr.Begin("b", 2)

	a.Settle(nil)
	assert.Equal(t, map[string]int{"b": 2}, tr.Overlay())
	assert.Equal(t, "committed", a.State().String())
}
