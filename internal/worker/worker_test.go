package worker

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
	"commsgate/internal/retryqueue"
)

type slowSweeper struct {
	delay    time.Duration
	n        int
	err      error
	calls    atomic.Int32
	inFlight atomic.Int32
	overlap  atomic.Bool
}

func (s *slowSweeper) ProcessPendingJobs(ctx context.Context) (int, error) {
	s.calls.Add(1)
	if s.inFlight.Add(1) > 1 {
		s.overlap.Store(true)
	}
	defer s.inFlight.Add(-1)

	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
	}
	return s.n, s.err
}

func runFor(t *testing.T, w *Worker, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	require.NoError(t, w.Run(ctx))
}

func TestRun_SweepsNeverOverlap(t *testing.T) {
	s := &slowSweeper{delay: 30 * time.Millisecond, n: 1}
	w := New(s, 5*time.Millisecond, logging.Discard(), nil)

	runFor(t, w, 150*time.Millisecond)

	assert.False(t, s.overlap.Load())
	assert.GreaterOrEqual(t, s.calls.Load(), int32(2))
}

func TestRun_CallsOnUpdateOnlyWhenJobsProcessed(t *testing.T) {
	var mu sync.Mutex
	updates := 0
	onUpdate := func() {
		mu.Lock()
		updates++
		mu.Unlock()
	}

	idle := &slowSweeper{}
	runFor(t, New(idle, 10*time.Millisecond, logging.Discard(), onUpdate), 50*time.Millisecond)
	mu.Lock()
	assert.Zero(t, updates)
	mu.Unlock()

	busy := &slowSweeper{n: 3}
	runFor(t, New(busy, 10*time.Millisecond, logging.Discard(), onUpdate), 50*time.Millisecond)
	mu.Lock()
	assert.Positive(t, updates)
	mu.Unlock()
}

func TestRun_SurvivesSweepErrors(t *testing.T) {
	for _, err := range []error{retryqueue.ErrSweepInProgress, errors.New("database is locked")} {
		s := &slowSweeper{n: 1, err: err}
		updated := false
		runFor(t, New(s, 10*time.Millisecond, logging.Discard(), func() { updated = true }), 40*time.Millisecond)

		assert.GreaterOrEqual(t, s.calls.Load(), int32(2), "worker keeps ticking after %v", err)
		assert.False(t, updated)
	}
}
