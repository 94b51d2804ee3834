package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"commsgate/internal/models"
)

// Window is the length of a rate-limit bucket.
const Window = time.Hour

// Reporter receives a copy of a bucket after every change. It is used to
// replicate the in-process counters to durable storage for reporting.
type Reporter interface {
	UpsertRateLimitBucket(ctx context.Context, b models.RateLimitBucket, window time.Duration) error
}

// Limiter manages per-channel fixed-hour-window send counters.
//
// The check and the increment happen under one lock (Reserve), so
// concurrent senders on the same channel cannot be over-admitted.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[models.Channel]*models.RateLimitBucket
	now      func() time.Time
	reporter Reporter
	logger   *slog.Logger
}

// New creates a new Limiter. reporter may be nil.
func New(reporter Reporter, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		buckets:  make(map[models.Channel]*models.RateLimitBucket),
		now:      time.Now,
		reporter: reporter,
		logger:   logger,
	}
}

// WithClock overrides the wall clock. Used by tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Exceeded reports whether a bucket at currentCount is full.
func Exceeded(currentCount, maxPerHour int) bool {
	return currentCount >= maxPerHour
}

// Allowed is the pure admission rule: no bucket, a bucket older than the
// window, or a count below the limit.
func Allowed(bucket *models.RateLimitBucket, now time.Time, maxPerHour int) bool {
	return bucket == nil || now.Sub(bucket.WindowStart) > Window || !Exceeded(bucket.Count, maxPerHour)
}

// Reservation is a slot taken by Reserve. Cancel returns it.
type Reservation struct {
	l           *Limiter
	channel     models.Channel
	windowStart time.Time
	once        sync.Once
}

// Cancel gives the slot back if its window is still current. Calling Cancel
// more than once, or on a nil Reservation, is a no-op.
func (r *Reservation) Cancel(ctx context.Context) {
	if r == nil || r.l == nil {
		return
	}
	r.once.Do(func() {
		r.l.release(ctx, r.channel, r.windowStart)
	})
}

// Reserve checks the channel's bucket and, if allowed, counts one send
// against it. A stale bucket is discarded and a new window starts now.
func (l *Limiter) Reserve(ctx context.Context, channel models.Channel, maxPerHour int) (*Reservation, bool) {
	l.mu.Lock()
	now := l.now()
	bucket := l.buckets[channel]

	if !Allowed(bucket, now, maxPerHour) {
		l.mu.Unlock()
		return nil, false
	}

	if bucket == nil || now.Sub(bucket.WindowStart) > Window {
		bucket = &models.RateLimitBucket{Channel: channel, WindowStart: now}
		l.buckets[channel] = bucket
	}
	bucket.Count++
	bucket.MaxAllowed = maxPerHour
	snapshot := *bucket
	l.mu.Unlock()

	l.report(ctx, snapshot)
	return &Reservation{l: l, channel: channel, windowStart: snapshot.WindowStart}, true
}

// Record counts a send that was not reserved, such as one that went out on
// a fallback channel. It never refuses.
func (l *Limiter) Record(ctx context.Context, channel models.Channel, maxPerHour int) {
	l.mu.Lock()
	now := l.now()
	bucket := l.buckets[channel]
	if bucket == nil || now.Sub(bucket.WindowStart) > Window {
		bucket = &models.RateLimitBucket{Channel: channel, WindowStart: now}
		l.buckets[channel] = bucket
	}
	bucket.Count++
	bucket.MaxAllowed = maxPerHour
	snapshot := *bucket
	l.mu.Unlock()

	l.report(ctx, snapshot)
}

// Snapshot returns a copy of the channel's bucket, if any.
func (l *Limiter) Snapshot(channel models.Channel) (models.RateLimitBucket, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[channel]
	if !ok {
		return models.RateLimitBucket{}, false
	}
	return *b, true
}

func (l *Limiter) release(ctx context.Context, channel models.Channel, windowStart time.Time) {
	l.mu.Lock()
	bucket := l.buckets[channel]
	if bucket == nil || !bucket.WindowStart.Equal(windowStart) || bucket.Count == 0 {
		l.mu.Unlock()
		return
	}
	bucket.Count--
	snapshot := *bucket
	l.mu.Unlock()

	l.report(ctx, snapshot)
}

func (l *Limiter) report(ctx context.Context, b models.RateLimitBucket) {
	if l.reporter == nil {
		return
	}
	if err := l.reporter.UpsertRateLimitBucket(ctx, b, Window); err != nil {
		l.logger.Warn("rate limit replication failed", "channel", b.Channel, "error", err)
	}
}
