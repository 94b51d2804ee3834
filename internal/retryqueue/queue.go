// Package retryqueue persists deferred work and retries it with exponential
// backoff. Jobs that exhaust their attempts move to the dead-letter queue and
// raise one WARN alert through the router.
//
// The queue depends on the router, never the reverse.
package retryqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"commsgate/internal/models"
	"commsgate/internal/safety"
)

var (
	// ErrSweepInProgress is returned by ProcessPendingJobs while another
	// sweep holds the queue.
	ErrSweepInProgress = errors.New("sweep already in progress")
	ErrUnknownJobType  = errors.New("unknown job type")
	ErrNotImplemented  = errors.New("not implemented")

	// ErrDeferralNotPersisted is returned by Dispatch when quiet hours
	// deferred a request but the send_message job could not be stored.
	ErrDeferralNotPersisted = errors.New("quiet-hours deferral not persisted")
)

// Meta keys stamped on permanent-failure alerts.
const (
	MetaOrigin      = "origin"
	OriginDLQAlert  = "dlq_alert"
	AlertType       = "agent_alert"
	alertTitle      = "Job Failed Permanently"
	dlqAlertKeyBase = "dlq_alert:"
)

// Store is the persistence the queue runs on.
type Store interface {
	InsertJob(ctx context.Context, job *models.Job) (string, bool, error)
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, status string, limit int) ([]models.Job, error)
	DuePendingJobs(ctx context.Context, now time.Time, limit int) ([]models.Job, error)
	ClaimJob(ctx context.Context, id string, leaseUntil, now time.Time) (bool, error)
	CompleteJob(ctx context.Context, id string, now time.Time) error
	RescheduleJob(ctx context.Context, id string, attempts int, lastError string, runAt, now time.Time) error
	DeferJob(ctx context.Context, id string, runAt, now time.Time) error
	FailJob(ctx context.Context, id string, attempts int, lastError string, now time.Time) error
	ReleaseJob(ctx context.Context, id string, now time.Time) error
	MoveToDeadLetter(ctx context.Context, job *models.Job, attempts int, finalError string, failedAt time.Time) (bool, error)
	RecoverExpiredLeases(ctx context.Context, now time.Time) (int64, error)
	ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterRecord, error)
	JobStats(ctx context.Context) (models.QueueStats, error)
}

// Router sends notifications. *router.Router satisfies it.
type Router interface {
	RouteNotification(ctx context.Context, req models.NotificationRequest) models.RoutingResult
}

// Gate is the slice of the safety plane the queue consults. A nil Gate lets
// everything through.
type Gate interface {
	CheckJobsEnabled(ctx context.Context) bool
	BeforeAction(ctx context.Context, action string, actionType models.ActionType, opts safety.Options) safety.CheckResult
}

// Config tunes retries and sweeps.
type Config struct {
	MaxAttempts           int
	InitialDelay          time.Duration
	BackoffMultiplier     float64
	EnableDeadLetterQueue bool
	BatchSize             int
	LeaseDuration         time.Duration
	APICallTimeout        time.Duration
}

// DefaultConfig returns 5 attempts with 2s, 4s, 8s, 16s backoff and the DLQ
// enabled.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:           5,
		InitialDelay:          2 * time.Second,
		BackoffMultiplier:     2,
		EnableDeadLetterQueue: true,
		BatchSize:             10,
		LeaseDuration:         5 * time.Minute,
		APICallTimeout:        30 * time.Second,
	}
}

// Options customise a single Enqueue.
type Options struct {
	// RunAt defaults to now
	RunAt       *time.Time
	MaxAttempts int
	// IdempotencyKey makes a repeated Enqueue return the first job's ID
	IdempotencyKey string
}

// DeferError asks the sweep to put a job back to pending at Until without
// consuming an attempt.
type DeferError struct {
	Until time.Time
}

func (e *DeferError) Error() string {
	return fmt.Sprintf("deferred until %s", e.Until.Format(time.RFC3339))
}

// Handler executes one job. A nil error completes it.
type Handler func(ctx context.Context, job *models.Job) error

// Queue is the retry queue.
type Queue struct {
	store    Store
	router   Router
	gate     Gate
	cfg      Config
	client   *http.Client
	logger   *slog.Logger
	now      func() time.Time
	handlers map[models.JobType]Handler

	sweepMu sync.Mutex
}

// New creates a queue. Zero fields of cfg take their defaults.
func New(store Store, router Router, gate Gate, cfg Config, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = def.LeaseDuration
	}
	if cfg.APICallTimeout <= 0 {
		cfg.APICallTimeout = def.APICallTimeout
	}

	q := &Queue{
		store:  store,
		router: router,
		gate:   gate,
		cfg:    cfg,
		client: &http.Client{},
		logger: logger,
		now:    time.Now,
	}
	q.handlers = map[models.JobType]Handler{
		models.JobSendMessage:    q.sendMessage,
		models.JobAPICall:        q.apiCall,
		models.JobDeployWorkflow: notImplemented(models.JobDeployWorkflow),
		models.JobCustom:         notImplemented(models.JobCustom),
	}
	return q
}

// WithClock overrides the wall clock. Used by tests.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// WithHTTPClient replaces the client used by api_call jobs.
func (q *Queue) WithHTTPClient(c *http.Client) *Queue {
	q.client = c
	return q
}

// Handle registers or replaces the handler for a job type.
func (q *Queue) Handle(t models.JobType, h Handler) {
	q.handlers[t] = h
}

// Backoff is the delay before the retry that follows the given post-failure
// attempt count: InitialDelay * BackoffMultiplier^(attempts-1).
func (q *Queue) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return time.Duration(float64(q.cfg.InitialDelay) * math.Pow(q.cfg.BackoffMultiplier, float64(attempts-1)))
}

// Enqueue stores a pending job and returns its ID.
func (q *Queue) Enqueue(ctx context.Context, jobType models.JobType, payload json.RawMessage, opts Options) (string, error) {
	if jobType == "" {
		return "", errors.New("enqueue: job type is required")
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if !json.Valid(payload) {
		return "", errors.New("enqueue: payload is not valid JSON")
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("enqueue: generate id: %w", err)
	}

	now := q.now()
	runAt := now
	if opts.RunAt != nil {
		runAt = *opts.RunAt
	}

	job := &models.Job{
		ID:             id.String(),
		Type:           jobType,
		Payload:        payload,
		Status:         models.StatusPending,
		IdempotencyKey: opts.IdempotencyKey,
		RunAt:          runAt,
		MaxAttempts:    maxAttempts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	jobID, inserted, err := q.store.InsertJob(ctx, job)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	if !inserted {
		q.logger.Debug("duplicate enqueue", "job_id", jobID, "idempotency_key", opts.IdempotencyKey)
		return jobID, nil
	}

	q.logger.Info("job enqueued", "job_id", jobID, "type", jobType, "run_at", runAt.UTC())
	return jobID, nil
}

// Dispatch routes req now. When quiet hours defer it, a send_message job is
// scheduled for the end of the window and the queued result is returned.
// If that job cannot be stored the result is turned into a failure, so a
// deferred notification is never reported as queued without a job behind it.
func (q *Queue) Dispatch(ctx context.Context, req models.NotificationRequest) (models.RoutingResult, error) {
	res := q.router.RouteNotification(ctx, req)
	if !res.Queued || res.DeferUntil == nil {
		return res, nil
	}

	var key string
	if req.RequestID != "" {
		key = string(models.JobSendMessage) + ":" + req.RequestID
	}
	if _, err := q.enqueueSend(ctx, req, *res.DeferUntil, key); err != nil {
		q.logger.Error("deferred notification not persisted", "type", req.Type, "error", err)
		res.Success = false
		res.Queued = false
		res.Error = fmt.Sprintf("%s: %v", ErrDeferralNotPersisted, err)
		return res, fmt.Errorf("%w: %w", ErrDeferralNotPersisted, err)
	}
	return res, nil
}

func (q *Queue) enqueueSend(ctx context.Context, req models.NotificationRequest, runAt time.Time, key string) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode send_message payload: %w", err)
	}
	return q.Enqueue(ctx, models.JobSendMessage, payload, Options{RunAt: &runAt, IdempotencyKey: key})
}

// ProcessPendingJobs runs one sweep: expired leases are recovered, then up
// to BatchSize due jobs are processed one after another. Only one sweep runs
// at a time; a concurrent call returns ErrSweepInProgress.
func (q *Queue) ProcessPendingJobs(ctx context.Context) (int, error) {
	if !q.sweepMu.TryLock() {
		return 0, ErrSweepInProgress
	}
	defer q.sweepMu.Unlock()

	if q.gate != nil && !q.gate.CheckJobsEnabled(ctx) {
		q.logger.Debug("jobs disabled, skipping sweep")
		return 0, nil
	}

	now := q.now()
	if n, err := q.store.RecoverExpiredLeases(ctx, now); err != nil {
		q.logger.Warn("recover expired leases failed", "error", err)
	} else if n > 0 {
		q.logger.Warn("recovered jobs with expired leases", "count", n)
	}

	jobs, err := q.store.DuePendingJobs(ctx, now, q.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}

	processed := 0
	for i := range jobs {
		if ctx.Err() != nil {
			break
		}
		if q.processJob(ctx, &jobs[i]) {
			processed++
		}
	}
	return processed, nil
}

// processJob claims, executes and settles one job. It reports whether the
// job was claimed.
func (q *Queue) processJob(ctx context.Context, job *models.Job) bool {
	now := q.now()
	claimed, err := q.store.ClaimJob(ctx, job.ID, now.Add(q.cfg.LeaseDuration), now)
	if err != nil {
		q.logger.Error("claim job failed", "job_id", job.ID, "error", err)
		return false
	}
	if !claimed {
		return false
	}

	q.logger.Debug("processing job", "job_id", job.ID, "type", job.Type, "attempt", job.Attempts+1)
	err = q.execute(ctx, job)

	var deferred *DeferError
	switch {
	case err == nil:
		if err := q.store.CompleteJob(ctx, job.ID, q.now()); err != nil {
			q.logger.Error("complete job failed", "job_id", job.ID, "error", err)
			q.release(ctx, job)
			return true
		}
		q.logger.Info("job completed", "job_id", job.ID, "type", job.Type)
	case errors.As(err, &deferred):
		if err := q.store.DeferJob(ctx, job.ID, deferred.Until, q.now()); err != nil {
			q.logger.Error("defer job failed", "job_id", job.ID, "error", err)
			q.release(ctx, job)
			return true
		}
		q.logger.Info("job deferred", "job_id", job.ID, "until", deferred.Until.UTC())
	default:
		q.handleFailure(ctx, job, err.Error())
	}
	return true
}

// release hands a claimed job back to pending after its settling write
// failed. If that write fails too, lease recovery picks the job up once the
// lease expires.
func (q *Queue) release(ctx context.Context, job *models.Job) {
	if err := q.store.ReleaseJob(ctx, job.ID, q.now()); err != nil {
		q.logger.Error("release job failed", "job_id", job.ID, "error", err)
	}
}

func (q *Queue) execute(ctx context.Context, job *models.Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job handler panic: %v", rec)
		}
	}()

	h, ok := q.handlers[job.Type]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type)
	}
	return h(ctx, job)
}

func (q *Queue) handleFailure(ctx context.Context, job *models.Job, errMsg string) {
	now := q.now()
	attempts := job.Attempts + 1

	if attempts < job.MaxAttempts {
		delay := q.Backoff(attempts)
		if err := q.store.RescheduleJob(ctx, job.ID, attempts, errMsg, now.Add(delay), now); err != nil {
			q.logger.Error("reschedule job failed", "job_id", job.ID, "error", err)
			q.release(ctx, job)
			return
		}
		q.logger.Warn("job failed, retry scheduled",
			"job_id", job.ID, "attempt", attempts, "max_attempts", job.MaxAttempts,
			"delay", delay, "error", errMsg)
		return
	}

	if q.cfg.EnableDeadLetterQueue {
		inserted, err := q.store.MoveToDeadLetter(ctx, job, attempts, errMsg, now)
		if err != nil {
			q.logger.Error("move to dead letter queue failed", "job_id", job.ID, "error", err)
			q.release(ctx, job)
			return
		}
		if !inserted {
			q.logger.Warn("job already in dead letter queue", "job_id", job.ID)
			return
		}
	} else if err := q.store.FailJob(ctx, job.ID, attempts, errMsg, now); err != nil {
		q.logger.Error("fail job failed", "job_id", job.ID, "error", err)
		q.release(ctx, job)
		return
	}

	q.logger.Warn("job failed permanently",
		"job_id", job.ID, "type", job.Type, "attempts", attempts, "error", errMsg)
	q.notifyPermanentFailure(ctx, job, attempts, errMsg)
}

// notifyPermanentFailure sends the WARN alert straight through the router.
// Alert failures are logged only, and a failed alert job never alerts.
func (q *Queue) notifyPermanentFailure(ctx context.Context, job *models.Job, attempts int, errMsg string) {
	if isFailureAlert(job) {
		q.logger.Error("permanent-failure alert could not be delivered", "job_id", job.ID, "error", errMsg)
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			q.logger.Error("permanent-failure alert panicked", "job_id", job.ID, "panic", rec)
		}
	}()

	no := false
	req := models.NotificationRequest{
		RequestID:        dlqAlertKeyBase + job.ID,
		Severity:         models.SeverityWarn,
		Type:             AlertType,
		Title:            alertTitle,
		Body:             fmt.Sprintf("Job %s (%s) failed after %d attempts.\n\nError: %s", job.ID, job.Type, attempts, errMsg),
		RequiresApproval: &no,
		Meta: map[string]any{
			"job_id":   job.ID,
			"job_type": string(job.Type),
			"attempts": attempts,
			"error":    errMsg,
			MetaOrigin: OriginDLQAlert,
		},
	}

	res := q.router.RouteNotification(ctx, req)
	switch {
	case res.Queued && res.DeferUntil != nil:
		if _, err := q.enqueueSend(ctx, req, *res.DeferUntil, dlqAlertKeyBase+job.ID); err != nil {
			q.logger.Warn("enqueue deferred permanent-failure alert failed", "job_id", job.ID, "error", err)
		}
	case !res.Success:
		reason := res.Error
		if res.Blocked {
			reason = res.BlockReason
		}
		q.logger.Warn("permanent-failure alert not sent", "job_id", job.ID, "reason", reason)
	}
}

func isFailureAlert(job *models.Job) bool {
	if job.Type != models.JobSendMessage {
		return false
	}
	var req models.NotificationRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return false
	}
	origin, _ := req.Meta[MetaOrigin].(string)
	return origin == OriginDLQAlert
}

// GetStats counts jobs by status.
func (q *Queue) GetStats(ctx context.Context) (models.QueueStats, error) {
	return q.store.JobStats(ctx)
}

// Job returns one job.
func (q *Queue) Job(ctx context.Context, id string) (*models.Job, error) {
	return q.store.GetJob(ctx, id)
}

// Jobs lists jobs, newest first, optionally filtered by status.
func (q *Queue) Jobs(ctx context.Context, status string, limit int) ([]models.Job, error) {
	return q.store.ListJobs(ctx, status, limit)
}

// DeadLetters lists dead-letter records, newest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]models.DeadLetterRecord, error) {
	return q.store.ListDeadLetters(ctx, limit)
}
