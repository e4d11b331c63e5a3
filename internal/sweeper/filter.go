package sweeper

import (
	"context"
	"fmt"
	"time"

	"couple-sync/internal/models"
	"couple-sync/internal/remotestore"
)

// Expired reports whether a record stamped ts is older than retention at now.
// All times are milliseconds.
func Expired(ts, now int64, retention time.Duration) bool {
	return ts < now-retention.Milliseconds()
}

// FilterLive drops expired records so they are hidden before the sweeper has
// physically removed them
func FilterLive[T models.Timestamped](items []T, now int64, retention time.Duration) []T {
	out := make([]T, 0, len(items))
	for _, item := range items {
		if !Expired(item.GetTimestamp(), now, retention) {
			out = append(out, item)
		}
	}
	return out
}

// CoupleTargets lists the ephemeral collections of every couple in the store
func CoupleTargets(store remotestore.Store) TargetFunc {
	return func(ctx context.Context) ([]string, error) {
		snap, err := store.Read(ctx, "couples")
		if err != nil {
			return nil, fmt.Errorf("failed to list couples: %w", err)
		}
		var targets []string
		for _, coupleID := range snap.Keys() {
			targets = append(targets,
				remotestore.Join("dailyPhotos", coupleID),
				remotestore.Join("canvasStrokes", coupleID),
				remotestore.Join("canvas/live", coupleID),
			)
		}
		return targets, nil
	}
}

// StaticTargets sweeps a fixed set of collections
func StaticTargets(paths ...string) TargetFunc {
	return func(context.Context) ([]string, error) {
		return paths, nil
	}
}
