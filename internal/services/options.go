package services

import (
	"time"

	"couple-sync/internal/batch"
	"couple-sync/internal/metrics"
	"couple-sync/internal/presence"
	"couple-sync/internal/sweeper"
)

const DefaultPageSize = 25

// Options tunes the participant features
type Options struct {
	PageSize      int
	TypingTimeout time.Duration
	Debounce      time.Duration
	LiveEvery     int
	LiveThrottle  time.Duration
	Retention     time.Duration
	// Clock is the local clock used for optimistic timestamps and the
	// client side expiry filter
	Clock   func() time.Time
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.TypingTimeout <= 0 {
		o.TypingTimeout = presence.DefaultTypingTimeout
	}
	if o.Debounce <= 0 {
		o.Debounce = batch.DefaultDelay
	}
	if o.LiveEvery <= 0 {
		o.LiveEvery = batch.DefaultLiveEvery
	}
	if o.LiveThrottle <= 0 {
		o.LiveThrottle = batch.DefaultLiveInterval
	}
	if o.Retention <= 0 {
		o.Retention = sweeper.DefaultRetention
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

func (o Options) nowMillis() int64 {
	return o.Clock().UnixMilli()
}
