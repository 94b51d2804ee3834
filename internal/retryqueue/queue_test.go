package retryqueue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commsgate/internal/audit"
	"commsgate/internal/database"
	"commsgate/internal/logging"
	"commsgate/internal/models"
	"commsgate/internal/safety"
	"commsgate/internal/testutil"
)

var start = time.Date(2026, 4, 1, 17, 0, 0, 0, time.UTC)

type fakeRouter struct {
	mu   sync.Mutex
	reqs []models.NotificationRequest
	fn   func(req models.NotificationRequest) models.RoutingResult
}

func (r *fakeRouter) RouteNotification(_ context.Context, req models.NotificationRequest) models.RoutingResult {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	fn := r.fn
	r.mu.Unlock()
	if fn == nil {
		return models.RoutingResult{Success: true, Channel: models.ChannelTelegram, MessageID: "1"}
	}
	return fn(req)
}

func (r *fakeRouter) requests() []models.NotificationRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.NotificationRequest(nil), r.reqs...)
}

func (r *fakeRouter) ofType(t string) []models.NotificationRequest {
	var out []models.NotificationRequest
	for _, req := range r.requests() {
		if req.Type == t {
			out = append(out, req)
		}
	}
	return out
}

// failSends fails every request except permanent-failure alerts.
func failSends(req models.NotificationRequest) models.RoutingResult {
	if req.Type == AlertType {
		return models.RoutingResult{Success: true, Channel: models.ChannelTelegram}
	}
	return models.RoutingResult{Success: false, Channel: models.ChannelTelegram, Error: "provider down"}
}

type fixture struct {
	db     *database.DB
	clock  *testutil.Clock
	router *fakeRouter
	queue  *Queue
}

func newFixture(t *testing.T, cfg Config, gate Gate) *fixture {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{db: db, clock: testutil.NewClock(start), router: &fakeRouter{}}
	f.queue = New(db, f.router, gate, cfg, logging.Discard()).WithClock(f.clock.Now)
	return f
}

func (f *fixture) sweep(t *testing.T) int {
	t.Helper()
	n, err := f.queue.ProcessPendingJobs(context.Background())
	require.NoError(t, err)
	return n
}

func (f *fixture) job(t *testing.T, id string) *models.Job {
	t.Helper()
	job, err := f.db.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func sendPayload(t *testing.T, req models.NotificationRequest) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(req)
	require.NoError(t, err)
	return b
}

func TestBackoff(t *testing.T) {
	q := New(nil, nil, nil, Config{InitialDelay: 2 * time.Second, BackoffMultiplier: 2}, logging.Discard())

	var got []time.Duration
	for attempt := 1; attempt <= 4; attempt++ {
		got = append(got, q.Backoff(attempt))
	}
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}, got)
}

func TestEnqueue_Defaults(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)

	id, err := f.queue.Enqueue(context.Background(), models.JobCustom, nil, Options{})
	require.NoError(t, err)

	job := f.job(t, id)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Equal(t, 5, job.MaxAttempts)
	assert.Zero(t, job.Attempts)
	assert.True(t, job.RunAt.Equal(start))
	assert.JSONEq(t, `{}`, string(job.Payload))
}

func TestEnqueue_IdempotencyKeyReturnsExistingJob(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	first, err := f.queue.Enqueue(ctx, models.JobCustom, json.RawMessage(`{"n":1}`), Options{IdempotencyKey: "k1"})
	require.NoError(t, err)
	second, err := f.queue.Enqueue(ctx, models.JobCustom, json.RawMessage(`{"n":2}`), Options{IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	stats, err := f.queue.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
}

func TestEnqueue_RejectsBadInput(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	_, err := f.queue.Enqueue(ctx, models.JobCustom, json.RawMessage(`{`), Options{})
	assert.Error(t, err)
	_, err = f.queue.Enqueue(ctx, "", nil, Options{})
	assert.Error(t, err)
}

func TestSendMessage_CompletesAndStampsRequestID(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	req := models.NotificationRequest{Severity: models.SeverityInfo, Type: "daily_digest", Body: "all quiet"}
	id, err := f.queue.Enqueue(ctx, models.JobSendMessage, sendPayload(t, req), Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, f.sweep(t))
	assert.Equal(t, models.StatusCompleted, f.job(t, id).Status)

	reqs := f.router.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, id, reqs[0].RequestID)
	assert.Equal(t, "all quiet", reqs[0].Body)
}

func TestFailure_ReschedulesWithBackoff(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	f.router.fn = failSends

	id, err := f.queue.Enqueue(context.Background(), models.JobSendMessage,
		sendPayload(t, models.NotificationRequest{Severity: models.SeverityInfo, Type: "x", Body: "b"}), Options{})
	require.NoError(t, err)

	f.sweep(t)
	job := f.job(t, id)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "provider down", job.LastError)
	assert.True(t, job.RunAt.Equal(start.Add(2*time.Second)), "run_at %s", job.RunAt)

	// Not due yet.
	f.clock.Advance(time.Second)
	assert.Zero(t, f.sweep(t))

	f.clock.Advance(time.Second)
	f.sweep(t)
	job = f.job(t, id)
	assert.Equal(t, 2, job.Attempts)
	assert.True(t, job.RunAt.Equal(start.Add(2*time.Second+4*time.Second)), "run_at %s", job.RunAt)
}

func TestDeadLetter_ExactlyOnceWithOneAlert(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	f.router.fn = failSends
	ctx := context.Background()

	id, err := f.queue.Enqueue(ctx, models.JobSendMessage,
		sendPayload(t, models.NotificationRequest{Severity: models.SeverityInfo, Type: "daily_digest", Body: "b"}),
		Options{MaxAttempts: 3})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		f.sweep(t)
		f.clock.Advance(time.Minute)
	}

	job := f.job(t, id)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, 3, job.Attempts)

	dlq, err := f.queue.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	assert.Equal(t, id, dlq[0].OriginalJobID)
	assert.Equal(t, 3, dlq[0].Attempts)
	assert.Equal(t, "provider down", dlq[0].FinalError)

	assert.Len(t, f.router.ofType("daily_digest"), 3, "terminal job is never retried")

	alerts := f.router.ofType(AlertType)
	require.Len(t, alerts, 1)
	alert := alerts[0]
	assert.Equal(t, models.SeverityWarn, alert.Severity)
	assert.Equal(t, "Job Failed Permanently", alert.Title)
	assert.Contains(t, alert.Body, "failed after 3 attempts")
	assert.Contains(t, alert.Body, "Error: provider down")
	require.NotNil(t, alert.RequiresApproval)
	assert.False(t, *alert.RequiresApproval)
	assert.Equal(t, OriginDLQAlert, alert.Meta[MetaOrigin])

	stats, err := f.queue.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStats{Failed: 1}, stats)
}

func TestDeadLetterDisabled_FailsWithoutRecordButStillAlerts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableDeadLetterQueue = false
	f := newFixture(t, cfg, nil)
	f.router.fn = failSends
	ctx := context.Background()

	id, err := f.queue.Enqueue(ctx, models.JobSendMessage,
		sendPayload(t, models.NotificationRequest{Severity: models.SeverityInfo, Type: "x", Body: "b"}),
		Options{MaxAttempts: 1})
	require.NoError(t, err)

	f.sweep(t)
	assert.Equal(t, models.StatusFailed, f.job(t, id).Status)

	dlq, err := f.queue.DeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dlq)
	assert.Len(t, f.router.ofType(AlertType), 1)
}

func TestFailedAlertJobNeverAlertsAgain(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	f.router.fn = func(models.NotificationRequest) models.RoutingResult {
		return models.RoutingResult{Success: false, Error: "both channels down"}
	}

	alert := models.NotificationRequest{
		Severity: models.SeverityWarn,
		Type:     AlertType,
		Body:     "Job x failed",
		Meta:     map[string]any{MetaOrigin: OriginDLQAlert},
	}
	_, err := f.queue.Enqueue(context.Background(), models.JobSendMessage, sendPayload(t, alert), Options{MaxAttempts: 1})
	require.NoError(t, err)

	f.sweep(t)
	assert.Len(t, f.router.requests(), 1, "only the alert itself was routed")
}

func TestAlertDeferredByQuietHours_IsEnqueued(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	until := start.Add(9 * time.Hour)
	f.router.fn = func(req models.NotificationRequest) models.RoutingResult {
		if req.Type == AlertType {
			return models.RoutingResult{Success: true, Queued: true, Channel: models.ChannelTelegram, DeferUntil: &until}
		}
		return models.RoutingResult{Success: false, Error: "provider down"}
	}
	ctx := context.Background()

	id, err := f.queue.Enqueue(ctx, models.JobCustom, nil, Options{MaxAttempts: 1})
	require.NoError(t, err)
	f.sweep(t)

	pending, err := f.queue.Jobs(ctx, models.StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.JobSendMessage, pending[0].Type)
	assert.True(t, pending[0].RunAt.Equal(until))
	assert.Equal(t, "dlq_alert:"+id, pending[0].IdempotencyKey)

	var req models.NotificationRequest
	require.NoError(t, json.Unmarshal(pending[0].Payload, &req))
	assert.Equal(t, OriginDLQAlert, req.Meta[MetaOrigin])
}

func TestSendMessage_QuietHoursDefersWithoutConsumingAttempt(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	until := start.Add(13 * time.Hour)
	f.router.fn = func(models.NotificationRequest) models.RoutingResult {
		return models.RoutingResult{Success: true, Queued: true, Channel: models.ChannelTelegram, DeferUntil: &until}
	}

	id, err := f.queue.Enqueue(context.Background(), models.JobSendMessage,
		sendPayload(t, models.NotificationRequest{Severity: models.SeverityInfo, Type: "x", Body: "b"}), Options{})
	require.NoError(t, err)

	f.sweep(t)
	job := f.job(t, id)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Zero(t, job.Attempts)
	assert.True(t, job.RunAt.Equal(until))
}

func TestDispatch(t *testing.T) {
	until := start.Add(13 * time.Hour)

	t.Run("sent now", func(t *testing.T) {
		f := newFixture(t, DefaultConfig(), nil)
		res, err := f.queue.Dispatch(context.Background(), models.NotificationRequest{Severity: models.SeverityInfo, Type: "x", Body: "b"})
		require.NoError(t, err)
		assert.True(t, res.Success)

		stats, err := f.queue.GetStats(context.Background())
		require.NoError(t, err)
		assert.Zero(t, stats.Pending)
	})

	t.Run("queued by quiet hours", func(t *testing.T) {
		f := newFixture(t, DefaultConfig(), nil)
		f.router.fn = func(models.NotificationRequest) models.RoutingResult {
			return models.RoutingResult{Success: true, Queued: true, Channel: models.ChannelTelegram, DeferUntil: &until}
		}
		ctx := context.Background()
		req := models.NotificationRequest{RequestID: "digest-2026-04-01", Severity: models.SeverityInfo, Type: "daily_digest", Body: "b"}

		res, err := f.queue.Dispatch(ctx, req)
		require.NoError(t, err)
		assert.True(t, res.Queued)

		// Dispatching the same request again does not add a second job.
		_, err = f.queue.Dispatch(ctx, req)
		require.NoError(t, err)

		pending, err := f.queue.Jobs(ctx, models.StatusPending, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, models.JobSendMessage, pending[0].Type)
		assert.True(t, pending[0].RunAt.Equal(until))
		assert.Equal(t, "send_message:digest-2026-04-01", pending[0].IdempotencyKey)
	})

	t.Run("deferral not stored", func(t *testing.T) {
		f := newFixture(t, DefaultConfig(), nil)
		f.router.fn = func(models.NotificationRequest) models.RoutingResult {
			return models.RoutingResult{Success: true, Queued: true, Channel: models.ChannelTelegram, DeferUntil: &until}
		}
		require.NoError(t, f.db.Close())

		res, err := f.queue.Dispatch(context.Background(),
			models.NotificationRequest{Severity: models.SeverityInfo, Type: "daily_digest", Body: "b"})
		require.ErrorIs(t, err, ErrDeferralNotPersisted)
		assert.False(t, res.Success)
		assert.False(t, res.Queued)
		assert.Contains(t, res.Error, "quiet-hours deferral not persisted")
	})
}

func TestPlaceholderAndUnknownJobTypes(t *testing.T) {
	tests := []struct {
		jobType models.JobType
		want    string
	}{
		{models.JobDeployWorkflow, "deploy_workflow not implemented"},
		{models.JobCustom, "custom not implemented"},
		{"reindex", "unknown job type: reindex"},
	}
	for _, tt := range tests {
		t.Run(string(tt.jobType), func(t *testing.T) {
			f := newFixture(t, DefaultConfig(), nil)
			id, err := f.queue.Enqueue(context.Background(), tt.jobType, nil, Options{MaxAttempts: 2})
			require.NoError(t, err)

			f.sweep(t)
			assert.Equal(t, tt.want, f.job(t, id).LastError)
		})
	}
}

func TestAPICall(t *testing.T) {
	var (
		mu                            sync.Mutex
		gotMethod, gotHeader, gotBody string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotMethod, gotHeader, gotBody = r.Method, r.Header.Get("X-Trace"), string(body)
		mu.Unlock()
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	ok, err := json.Marshal(APICall{URL: srv.URL + "/ok", Method: "post", Headers: map[string]string{"X-Trace": "abc"}, Body: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	okID, err := f.queue.Enqueue(ctx, models.JobAPICall, ok, Options{})
	require.NoError(t, err)
	f.sweep(t)

	assert.Equal(t, models.StatusCompleted, f.job(t, okID).Status)
	mu.Lock()
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "abc", gotHeader)
	assert.JSONEq(t, `{"a":1}`, gotBody)
	mu.Unlock()

	fail, err := json.Marshal(APICall{URL: srv.URL + "/fail"})
	require.NoError(t, err)
	failID, err := f.queue.Enqueue(ctx, models.JobAPICall, fail, Options{})
	require.NoError(t, err)
	f.sweep(t)

	job := f.job(t, failID)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Equal(t, "API call failed: 502 Bad Gateway", job.LastError)
}

func TestAPICall_TimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	cfg := DefaultConfig()
	cfg.APICallTimeout = 50 * time.Millisecond
	f := newFixture(t, cfg, nil)

	payload, err := json.Marshal(APICall{URL: srv.URL})
	require.NoError(t, err)
	id, err := f.queue.Enqueue(context.Background(), models.JobAPICall, payload, Options{})
	require.NoError(t, err)
	f.sweep(t)

	assert.Contains(t, f.job(t, id).LastError, "context deadline exceeded")
}

func newPlane(controls *testutil.Controls) *safety.Plane {
	logger := logging.Discard()
	return safety.New(controls, audit.NewLogger(&testutil.AuditRecorder{}, logger), logger)
}

func TestAPICall_RequiresExternalComms(t *testing.T) {
	controls := testutil.NewControls()
	controls.Update(func(c *models.AgentControls) { c.ExternalCommsEnabled = false })
	f := newFixture(t, DefaultConfig(), newPlane(controls))

	payload, err := json.Marshal(APICall{URL: "http://127.0.0.1:1/unused"})
	require.NoError(t, err)
	id, err := f.queue.Enqueue(context.Background(), models.JobAPICall, payload, Options{})
	require.NoError(t, err)
	f.sweep(t)

	assert.Contains(t, f.job(t, id).LastError, "External communications are disabled")
}

func TestSweep_SkippedWhenJobsDisabled(t *testing.T) {
	controls := testutil.NewControls()
	controls.Update(func(c *models.AgentControls) { c.JobsEnabled = false })
	f := newFixture(t, DefaultConfig(), newPlane(controls))

	_, err := f.queue.Enqueue(context.Background(), models.JobCustom, nil, Options{})
	require.NoError(t, err)
	assert.Zero(t, f.sweep(t))

	controls.Update(func(c *models.AgentControls) { c.JobsEnabled = true })
	assert.Equal(t, 1, f.sweep(t))
}

func TestSweep_BatchSize(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	f.queue.Handle(models.JobCustom, func(context.Context, *models.Job) error { return nil })

	for i := 0; i < 12; i++ {
		_, err := f.queue.Enqueue(context.Background(), models.JobCustom, nil, Options{})
		require.NoError(t, err)
	}
	assert.Equal(t, 10, f.sweep(t))
	assert.Equal(t, 2, f.sweep(t))
}

func TestSweep_RecoversExpiredLease(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	f.queue.Handle(models.JobCustom, func(context.Context, *models.Job) error { return nil })
	ctx := context.Background()

	id, err := f.queue.Enqueue(ctx, models.JobCustom, nil, Options{})
	require.NoError(t, err)
	claimed, err := f.db.ClaimJob(ctx, id, start.Add(-time.Minute), start)
	require.NoError(t, err)
	require.True(t, claimed)

	assert.Equal(t, 1, f.sweep(t))
	assert.Equal(t, models.StatusCompleted, f.job(t, id).Status)
}

func TestSweep_DoesNotOverlap(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	started := make(chan struct{})
	release := make(chan struct{})
	f.queue.Handle(models.JobCustom, func(context.Context, *models.Job) error {
		close(started)
		<-release
		return nil
	})

	_, err := f.queue.Enqueue(context.Background(), models.JobCustom, nil, Options{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.queue.ProcessPendingJobs(context.Background())
		done <- err
	}()
	<-started

	_, err = f.queue.ProcessPendingJobs(context.Background())
	assert.ErrorIs(t, err, ErrSweepInProgress)

	close(release)
	require.NoError(t, <-done)
}

func TestHandlerPanicCountsAsFailure(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	f.queue.Handle(models.JobCustom, func(context.Context, *models.Job) error { panic("boom") })

	id, err := f.queue.Enqueue(context.Background(), models.JobCustom, nil, Options{})
	require.NoError(t, err)
	f.sweep(t)

	job := f.job(t, id)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "job handler panic: boom", job.LastError)
}

// brokenWrites fails the writes that settle a claimed job.
type brokenWrites struct {
	*database.DB
}

var errDiskIO = errors.New("disk I/O error")

func (brokenWrites) CompleteJob(context.Context, string, time.Time) error { return errDiskIO }

func (brokenWrites) RescheduleJob(context.Context, string, int, string, time.Time, time.Time) error {
	return errDiskIO
}

func TestSettleFailure_ReleasesClaim(t *testing.T) {
	tests := []struct {
		name string
		fn   func(models.NotificationRequest) models.RoutingResult
	}{
		{"complete fails", nil},
		{"reschedule fails", failSends},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, DefaultConfig(), nil)
			f.router.fn = tt.fn
			broken := New(brokenWrites{f.db}, f.router, nil, DefaultConfig(), logging.Discard()).WithClock(f.clock.Now)

			id, err := f.queue.Enqueue(context.Background(), models.JobSendMessage,
				sendPayload(t, models.NotificationRequest{Severity: models.SeverityInfo, Type: "x", Body: "b"}), Options{})
			require.NoError(t, err)

			n, err := broken.ProcessPendingJobs(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			job := f.job(t, id)
			assert.Equal(t, models.StatusPending, job.Status, "claim is released without waiting for the lease")
			assert.Nil(t, job.LeasedUntil)
			assert.Zero(t, job.Attempts)

			f.router.fn = nil
			f.sweep(t)
			assert.Equal(t, models.StatusCompleted, f.job(t, id).Status)
		})
	}
}
