package services

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"couple-sync/internal/batch"
	"couple-sync/internal/collection"
	"couple-sync/internal/models"
	"couple-sync/internal/optimistic"
	"couple-sync/internal/remotestore"
	"couple-sync/internal/sweeper"

	"github.com/rs/zerolog/log"
)

// strokeRecord is the stored shape of a stroke, live or committed
type strokeRecord struct {
	AuthorID    string                  `json:"authorId"`
	Tool        models.Tool             `json:"tool"`
	Color       string                  `json:"color"`
	StrokeWidth float64                 `json:"strokeWidth"`
	Points      []models.Point          `json:"points"`
	Timestamp   remotestore.ServerValue `json:"timestamp"`
}

func newStrokeRecord(s models.Stroke) strokeRecord {
	points := make([]models.Point, len(s.Points))
	copy(points, s.Points)
	return strokeRecord{
		AuthorID:    s.AuthorID,
		Tool:        s.Tool,
		Color:       s.Color,
		StrokeWidth: s.StrokeWidth,
		Points:      points,
	}
}

// finishedStroke is a stroke waiting for the next batched commit
type finishedStroke struct {
	liveID   string
	stroke   models.Stroke
	mutation *optimistic.Mutation[models.Stroke]
}

// Canvas is the shared drawing surface of a couple. Finished strokes are
// committed in debounced batches; the stroke being drawn is mirrored to the
// live collection so the partner sees it grow.
type Canvas struct {
	session   *Session
	opts      Options
	path      string
	livePath  string
	committed *collection.Engine[models.Stroke]
	live      *collection.Engine[models.Stroke]
	mirror    *batch.LiveMirror[strokeRecord]
	writer    *batch.Writer[finishedStroke]
	local     *optimistic.Tracker[models.Stroke]
	onChange  func([]models.Stroke)

	mu      sync.Mutex
	current *models.Stroke
}

// NewCanvas opens the couple's canvas. onChange, if set, receives the visible
// strokes on every change.
func NewCanvas(ctx context.Context, s *Session, opts Options, onChange func([]models.Stroke)) (*Canvas, error) {
	opts = opts.withDefaults()
	c := &Canvas{
		session:  s,
		opts:     opts,
		path:     remotestore.Join(StrokesCollection, s.CoupleID()),
		livePath: remotestore.Join(LiveCollection, s.CoupleID()),
		onChange: onChange,
	}
	c.mirror = batch.NewLiveMirror[strokeRecord](s.conn, c.livePath, opts.LiveEvery, opts.LiveThrottle)
	c.local = optimistic.NewTracker[models.Stroke](opts.Metrics, func(map[string]models.Stroke) { c.publish() })
	c.writer = batch.NewWriter(s.conn, c.path, batch.Options[finishedStroke]{
		Delay:     opts.Debounce,
		Value:     func(f finishedStroke) any { return newStrokeRecord(f.stroke) },
		OnWritten: func(f finishedStroke, _ string) { c.settle(f, nil) },
		OnFailed:  c.settle,
		Metrics:   opts.Metrics,
	})

	changed := func(_ []models.Stroke, err error) {
		if err != nil {
			log.Warn().Err(err).Str("couple_id", s.CoupleID()).Msg("Canvas sync error")
		}
		c.publish()
	}
	c.committed = collection.New(collection.Options[models.Stroke]{OnChange: changed})
	c.live = collection.New(collection.Options[models.Stroke]{
		Transform: func(strokes []models.Stroke) ([]models.Stroke, error) {
			out := strokes[:0]
			for _, st := range strokes {
				if s.couple.HasMember(st.AuthorID) {
					st.Live = true
					out = append(out, st)
				}
			}
			return out, nil
		},
		OnChange: changed,
	})
	if err := c.committed.Bind(ctx, s.manager, c.path); err != nil {
		return nil, err
	}
	if err := c.live.Bind(ctx, s.manager, c.livePath); err != nil {
		c.committed.Close()
		return nil, err
	}
	return c, nil
}

// settle drops the live copy of a finished stroke once its commit is over,
// whatever the outcome, and resolves its optimistic copy
func (c *Canvas) settle(f finishedStroke, err error) {
	if rmErr := c.mirror.Remove(context.Background(), f.liveID); rmErr != nil {
		log.Warn().Err(rmErr).Str("stroke_id", f.liveID).Msg("Failed to remove live stroke")
	}
	f.mutation.Settle(err)
}

func (c *Canvas) publish() {
	if c.onChange != nil {
		c.onChange(c.Strokes())
	}
}

// Strokes returns the committed strokes, the user's strokes waiting to be
// committed, the stroke being drawn and the partner's live strokes, oldest
// first and without expired ones
func (c *Canvas) Strokes() []models.Stroke {
	strokes := c.committed.Items()
	for id, st := range c.local.Overlay() {
		st.ID = id
		strokes = append(strokes, st)
	}
	partner := c.session.PartnerID()
	for _, st := range c.live.Items() {
		if st.AuthorID == partner {
			strokes = append(strokes, st)
		}
	}
	c.mu.Lock()
	if c.current != nil {
		current := *c.current
		current.Points = append([]models.Point(nil), c.current.Points...)
		strokes = append(strokes, current)
	}
	c.mu.Unlock()

	sort.SliceStable(strokes, func(i, j int) bool { return collection.ByTimestamp(strokes[i], strokes[j]) })
	return sweeper.FilterLive(strokes, c.opts.nowMillis(), c.opts.Retention)
}

// BeginStroke starts a new stroke at p. A stroke still in progress is ended first.
func (c *Canvas) BeginStroke(ctx context.Context, tool models.Tool, color string, width float64, p models.Point) error {
	c.mu.Lock()
	inProgress := c.current != nil
	c.mu.Unlock()
	if inProgress {
		c.EndStroke(ctx)
	}

	now := c.opts.nowMillis()
	st := &models.Stroke{
		ID:          remotestore.NewID(now),
		AuthorID:    c.session.UserID(),
		Tool:        tool,
		Color:       color,
		StrokeWidth: width,
		Points:      []models.Point{p},
		Timestamp:   now,
		Live:        true,
	}
	c.mu.Lock()
	c.current = st
	rec := newStrokeRecord(*st)
	c.mu.Unlock()

	c.publish()
	if _, err := c.mirror.Update(ctx, st.ID, rec); err != nil {
		return err
	}
	return nil
}

// AddPoint extends the stroke being drawn
func (c *Canvas) AddPoint(ctx context.Context, p models.Point) error {
	c.mu.Lock()
	if c.current == nil {
		c.mu.Unlock()
		return nil
	}
	c.current.Points = append(c.current.Points, p)
	id := c.current.ID
	rec := newStrokeRecord(*c.current)
	c.mu.Unlock()

	c.publish()
	if _, err := c.mirror.Update(ctx, id, rec); err != nil {
		return err
	}
	return nil
}

// EndStroke finishes the stroke being drawn and schedules its commit
func (c *Canvas) EndStroke(ctx context.Context) {
	c.mu.Lock()
	st := c.current
	c.current = nil
	c.mu.Unlock()
	if st == nil {
		return
	}

	st.Live = false
	m := c.local.Begin(st.ID, *st)
	c.writer.Record(finishedStroke{liveID: st.ID, stroke: *st, mutation: m})
	c.writer.ScheduleFlush()
}

// Flush commits finished strokes without waiting for the debounce
func (c *Canvas) Flush(ctx context.Context) int {
	return c.writer.Flush(ctx)
}

// Clear removes every committed stroke of the couple and both members' live
// strokes
func (c *Canvas) Clear(ctx context.Context) error {
	c.writer.Flush(ctx)
	if err := c.session.conn.Remove(ctx, c.path); err != nil {
		return fmt.Errorf("failed to clear canvas: %w", err)
	}
	for _, st := range c.live.Items() {
		if err := c.mirror.Remove(ctx, st.ID); err != nil {
			log.Warn().Err(err).Str("stroke_id", st.ID).Msg("Failed to clear live stroke")
		}
	}
	return nil
}

// Close commits finished strokes, drops the stroke being drawn and stops
// listening
func (c *Canvas) Close(ctx context.Context) {
	c.mu.Lock()
	st := c.current
	c.current = nil
	c.mu.Unlock()
	if st != nil {
		if err := c.mirror.Remove(ctx, st.ID); err != nil {
			log.Warn().Err(err).Str("stroke_id", st.ID).Msg("Failed to remove live stroke")
		}
	}
	c.writer.Flush(ctx)
	c.writer.Close()
	c.committed.Close()
	c.live.Close()
}
