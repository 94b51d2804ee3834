package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commsgate/internal/logging"
	"commsgate/internal/models"
	"commsgate/internal/testutil"
)

var start = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

func newLimiter(reporter Reporter) (*Limiter, *testutil.Clock) {
	clock := testutil.NewClock(start)
	return New(reporter, logging.Discard()).WithClock(clock.Now), clock
}

func TestExceeded(t *testing.T) {
	assert.False(t, Exceeded(2, 3))
	assert.True(t, Exceeded(3, 3))
	assert.True(t, Exceeded(4, 3))
}

func TestAllowed(t *testing.T) {
	b := &models.RateLimitBucket{Count: 3, WindowStart: start}

	assert.True(t, Allowed(nil, start, 3))
	assert.False(t, Allowed(b, start.Add(30*time.Minute), 3))
	assert.False(t, Allowed(b, start.Add(time.Hour), 3), "exactly one hour is still the same window")
	assert.True(t, Allowed(b, start.Add(time.Hour+time.Millisecond), 3))
	assert.True(t, Allowed(&models.RateLimitBucket{Count: 2, WindowStart: start}, start, 3))
}

func TestReserve_FourthSendInWindowIsRefused(t *testing.T) {
	l, clock := newLimiter(nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, ok := l.Reserve(ctx, models.ChannelTelegram, 3)
		require.True(t, ok, "send %d", i+1)
		clock.Advance(5 * time.Minute)
	}

	_, ok := l.Reserve(ctx, models.ChannelTelegram, 3)
	assert.False(t, ok)

	// Other channels have their own bucket.
	_, ok = l.Reserve(ctx, models.ChannelSalesmsg, 3)
	assert.True(t, ok)
}

func TestReserve_NewWindowResetsCounter(t *testing.T) {
	l, clock := newLimiter(nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, ok := l.Reserve(ctx, models.ChannelTelegram, 3)
		require.True(t, ok)
	}

	clock.Set(start.Add(61 * time.Minute))
	_, ok := l.Reserve(ctx, models.ChannelTelegram, 3)
	require.True(t, ok)

	b, found := l.Snapshot(models.ChannelTelegram)
	require.True(t, found)
	assert.Equal(t, 1, b.Count)
	assert.Equal(t, start.Add(61*time.Minute), b.WindowStart)
}

func TestReservation_Cancel(t *testing.T) {
	l, clock := newLimiter(nil)
	ctx := context.Background()

	r, ok := l.Reserve(ctx, models.ChannelTelegram, 1)
	require.True(t, ok)
	_, ok = l.Reserve(ctx, models.ChannelTelegram, 1)
	require.False(t, ok)

	r.Cancel(ctx)
	r.Cancel(ctx) // second cancel is a no-op

	b, _ := l.Snapshot(models.ChannelTelegram)
	assert.Equal(t, 0, b.Count)

	r2, ok := l.Reserve(ctx, models.ChannelTelegram, 1)
	require.True(t, ok)

	// A reservation from an expired window must not touch the new bucket.
	clock.Advance(2 * time.Hour)
	_, ok = l.Reserve(ctx, models.ChannelTelegram, 1)
	require.True(t, ok)
	r2.Cancel(ctx)
	b, _ = l.Snapshot(models.ChannelTelegram)
	assert.Equal(t, 1, b.Count)

	var nilRes *Reservation
	assert.NotPanics(t, func() { nilRes.Cancel(ctx) })
}

func TestRecord(t *testing.T) {
	l, _ := newLimiter(nil)
	ctx := context.Background()

	l.Record(ctx, models.ChannelSalesmsg, 2)
	l.Record(ctx, models.ChannelSalesmsg, 2)
	l.Record(ctx, models.ChannelSalesmsg, 2)

	b, ok := l.Snapshot(models.ChannelSalesmsg)
	require.True(t, ok)
	assert.Equal(t, 3, b.Count)

	_, ok = l.Reserve(ctx, models.ChannelSalesmsg, 2)
	assert.False(t, ok)
}

func TestReserve_ConcurrentCallersNeverOverAdmit(t *testing.T) {
	l, _ := newLimiter(nil)
	ctx := context.Background()

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := l.Reserve(ctx, models.ChannelTelegram, 10); ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), admitted.Load())
}

type recordingReporter struct {
	mu      sync.Mutex
	buckets []models.RateLimitBucket
	err     error
}

func (r *recordingReporter) UpsertRateLimitBucket(_ context.Context, b models.RateLimitBucket, window time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buckets = append(r.buckets, b)
	return r.err
}

func TestReporter_ReceivesEveryChange(t *testing.T) {
	rep := &recordingReporter{}
	l, _ := newLimiter(rep)
	ctx := context.Background()

	r, _ := l.Reserve(ctx, models.ChannelTelegram, 5)
	r.Cancel(ctx)
	l.Record(ctx, models.ChannelTelegram, 5)

	require.Len(t, rep.buckets, 3)
	assert.Equal(t, []int{1, 0, 1}, []int{rep.buckets[0].Count, rep.buckets[1].Count, rep.buckets[2].Count})
	assert.Equal(t, 5, rep.buckets[0].MaxAllowed)
}

func TestReporter_FailureDoesNotBlockSends(t *testing.T) {
	rep := &recordingReporter{err: errors.New("disk full")}
	l, _ := newLimiter(rep)

	_, ok := l.Reserve(context.Background(), models.ChannelTelegram, 5)
	assert.True(t, ok)
}
