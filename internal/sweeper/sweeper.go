// Package sweeper removes ephemeral records once they are older than the
// retention window.
package sweeper

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"couple-sync/internal/metrics"
	"couple-sync/internal/remotestore"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultRetention = 24 * time.Hour
	DefaultCron      = "0 * * * *"
)

// TargetFunc lists the collections a sweep should visit
type TargetFunc func(ctx context.Context) ([]string, error)

// Options configures a Sweeper
type Options struct {
	Retention time.Duration
	Cron      string
	Targets   TargetFunc
	Metrics   *metrics.Metrics
}

// Result summarizes one sweep
type Result struct {
	Scanned int
	Deleted int
	Failed  int
}

// Sweeper deletes expired records from the target collections
type Sweeper struct {
	store remotestore.Store
	opts  Options

	mu      sync.Mutex
	running bool
}

// New creates a sweeper over store
func New(store remotestore.Store, opts Options) (*Sweeper, error) {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Cron == "" {
		opts.Cron = DefaultCron
	}
	gron := gronx.New()
	if !gron.IsValid(opts.Cron) {
		return nil, fmt.Errorf("invalid sweep cron expression %q", opts.Cron)
	}
	if opts.Targets == nil {
		return nil, fmt.Errorf("sweeper needs a target source")
	}
	return &Sweeper{store: store, opts: opts}, nil
}

// Start sweeps once and then on every cron tick until ctx is done
func (s *Sweeper) Start(ctx context.Context) {
	log.Info().Str("cron", s.opts.Cron).Dur("retention", s.opts.Retention).Msg("Sweeper started")
	s.runJob(ctx)
	go s.scheduleLoop(ctx)
}

func (s *Sweeper) scheduleLoop(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(s.opts.Cron, time.Now(), false)
		if err != nil {
			log.Error().Err(err).Str("cron", s.opts.Cron).Msg("Failed to compute next sweep")
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
			s.runJob(ctx)
		case <-ctx.Done():
			log.Info().Msg("Sweeper stopped")
			return
		}
	}
}

func (s *Sweeper) runJob(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.Sweep(ctx)
}

// Sweep removes every expired record from the target collections. Failures
// are logged and counted, never returned.
func (s *Sweeper) Sweep(ctx context.Context) Result {
	var res Result
	now, err := s.store.Now(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Sweep skipped, store clock unavailable")
		return res
	}
	targets, err := s.opts.Targets(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Sweep skipped, failed to list targets")
		return res
	}

	cutoff := now - s.opts.Retention.Milliseconds()
	for _, path := range targets {
		scanned, deleted, failed := s.sweepCollection(ctx, path, cutoff)
		res.Scanned += scanned
		res.Deleted += deleted
		res.Failed += failed
	}
	log.Info().
		Int("targets", len(targets)).
		Int("scanned", res.Scanned).
		Int("deleted", res.Deleted).
		Int("failed", res.Failed).
		Msg("Sweep finished")
	return res
}

type stamped struct {
	Timestamp int64 `json:"timestamp"`
}

func (s *Sweeper) sweepCollection(ctx context.Context, path string, cutoff int64) (int, int, int) {
	snap, err := s.store.Read(ctx, path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to read collection for sweep")
		return 0, 0, 1
	}

	var expired []string
	for key, raw := range snap.Entries {
		var rec stamped
		if err := json.Unmarshal(raw, &rec); err != nil {
			log.Warn().Err(err).Str("path", path).Str("key", key).Msg("Skipping unreadable record")
			continue
		}
		if rec.Timestamp < cutoff {
			expired = append(expired, key)
		}
	}

	var (
		g       errgroup.Group
		mu      sync.Mutex
		deleted int
		failed  int
	)
	for _, key := range expired {
		key := key
		g.Go(func() error {
			err := s.store.Remove(ctx, remotestore.Join(path, key))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				log.Warn().Err(err).Str("path", path).Str("key", key).Msg("Failed to remove expired record")
				return nil
			}
			deleted++
			return nil
		})
	}
	g.Wait()

	root, _, _ := strings.Cut(path, "/")
	s.opts.Metrics.Swept(root, deleted)
	return snap.Len(), deleted, failed
}
