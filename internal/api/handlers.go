package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	ws "github.com/gorilla/websocket"

	"commsgate/internal/database"
	"commsgate/internal/models"
	"commsgate/internal/retryqueue"
	"commsgate/internal/websocket"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// ControlPlane is the safety plane as the operator API sees it.
type ControlPlane interface {
	Controls(ctx context.Context) (models.AgentControls, bool)
	ActivateKillSwitch(ctx context.Context, reason, activatedBy string) error
	DeactivateKillSwitch(ctx context.Context, deactivatedBy string) error
	UpdateControls(ctx context.Context, u models.ControlsUpdate) error
}

// Queue is the retry queue surface exposed over HTTP.
type Queue interface {
	Enqueue(ctx context.Context, jobType models.JobType, payload json.RawMessage, opts retryqueue.Options) (string, error)
	Dispatch(ctx context.Context, req models.NotificationRequest) (models.RoutingResult, error)
	Job(ctx context.Context, id string) (*models.Job, error)
	Jobs(ctx context.Context, status string, limit int) ([]models.Job, error)
	DeadLetters(ctx context.Context, limit int) ([]models.DeadLetterRecord, error)
	GetStats(ctx context.Context) (models.QueueStats, error)
}

// AuditReader queries the audit log.
type AuditReader interface {
	QueryAuditLog(ctx context.Context, f models.AuditFilter) ([]models.AuditEntry, error)
	FailureCountsByAction(ctx context.Context, since time.Time) (map[string]int, error)
}

// RateLimits exposes the in-process rate-limit buckets.
type RateLimits interface {
	Snapshot(channel models.Channel) (models.RateLimitBucket, bool)
}

// Deps wires the server.
type Deps struct {
	Plane      ControlPlane
	Queue      Queue
	Audit      AuditReader
	RateLimits RateLimits
	Channels   []models.Channel
	WebSocket  *websocket.Manager
	Logger     *slog.Logger
}

// Server holds all HTTP handlers and dependencies
type Server struct {
	Deps
	upgrader ws.Upgrader
	now      func() time.Time
}

// Metrics is the GET /api/metrics body.
type Metrics struct {
	Queue            models.QueueStats        `json:"queue"`
	RateLimits       []models.RateLimitBucket `json:"rate_limits"`
	FailuresLastHour map[string]int           `json:"failures_last_hour"`
	WebSocketClients int                      `json:"websocket_clients"`
}

type killSwitchRequest struct {
	Reason      string `json:"reason"`
	ActivatedBy string `json:"activated_by,omitempty"`
}

// NewServer creates a new API server
func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Server{
		Deps: d,
		upgrader: ws.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		now: time.Now,
	}
}

// Routes returns the operator router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/controls", s.GetControls)
		r.Patch("/controls", s.PatchControls)
		r.Post("/controls/kill-switch", s.ActivateKillSwitch)
		r.Delete("/controls/kill-switch", s.DeactivateKillSwitch)

		r.Post("/notifications", s.SendNotification)

		r.Post("/jobs", s.SubmitJob)
		r.Get("/jobs", s.ListJobs)
		r.Get("/jobs/{id}", s.GetJob)
		r.Get("/dlq", s.ListDeadLetters)

		r.Get("/metrics", s.GetMetrics)
		r.Get("/audit", s.QueryAudit)
	})

	r.Get("/ws", s.HandleWebSocket)
	return r
}

// GetControls returns the control record, or the fail-safe record when it
// cannot be read.
func (s *Server) GetControls(w http.ResponseWriter, r *http.Request) {
	c, _ := s.Plane.Controls(r.Context())
	writeJSON(w, http.StatusOK, c)
}

// PatchControls updates the operator flags named in the body. Unknown keys,
// the kill switch among them, are rejected with 400.
func (s *Server) PatchControls(w http.ResponseWriter, r *http.Request) {
	var u models.ControlsUpdate
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&u); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.Plane.UpdateControls(r.Context(), u); err != nil {
		s.Logger.Error("update agent controls failed", "error", err)
		http.Error(w, "Failed to update controls", http.StatusInternalServerError)
		return
	}

	s.broadcast()
	s.GetControls(w, r)
}

// ActivateKillSwitch turns the kill switch on. A reason is required.
func (s *Server) ActivateKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req killSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		http.Error(w, "reason is required", http.StatusBadRequest)
		return
	}
	if req.ActivatedBy == "" {
		req.ActivatedBy = "api"
	}

	if err := s.Plane.ActivateKillSwitch(r.Context(), req.Reason, req.ActivatedBy); err != nil {
		s.Logger.Error("activate kill switch failed", "error", err)
		http.Error(w, "Failed to activate kill switch", http.StatusInternalServerError)
		return
	}

	s.broadcast()
	s.GetControls(w, r)
}

// DeactivateKillSwitch turns the kill switch off.
func (s *Server) DeactivateKillSwitch(w http.ResponseWriter, r *http.Request) {
	by := r.URL.Query().Get("by")
	if by == "" {
		by = "api"
	}

	if err := s.Plane.DeactivateKillSwitch(r.Context(), by); err != nil {
		s.Logger.Error("deactivate kill switch failed", "error", err)
		http.Error(w, "Failed to deactivate kill switch", http.StatusInternalServerError)
		return
	}

	s.broadcast()
	s.GetControls(w, r)
}

// SendNotification routes a notification. Sent is 200, queued for quiet
// hours 202, blocked 403 and a failed send 502. A deferral that could not be
// stored is 500. The body is always the routing result.
func (s *Server) SendNotification(w http.ResponseWriter, r *http.Request) {
	var req models.NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Body == "" {
		http.Error(w, "body is required", http.StatusBadRequest)
		return
	}

	res, err := s.Queue.Dispatch(r.Context(), req)
	if err != nil {
		s.Logger.Error("dispatch notification failed", "error", err)
	}
	if res.Queued && err == nil {
		s.broadcast()
	}

	status := http.StatusOK
	switch {
	case err != nil:
		status = http.StatusInternalServerError
	case res.Queued:
		status = http.StatusAccepted
	case res.Blocked:
		status = http.StatusForbidden
	case !res.Success:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res)
}

// SubmitJob handles job submission
func (s *Server) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req models.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	id, err := s.Queue.Enqueue(ctx, req.Type, req.Payload, retryqueue.Options{
		RunAt:          req.RunAt,
		MaxAttempts:    req.MaxAttempts,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		s.Logger.Warn("enqueue rejected", "type", req.Type, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	job, err := s.Queue.Job(ctx, id)
	if err != nil {
		s.Logger.Error("load enqueued job failed", "job_id", id, "error", err)
		http.Error(w, "Failed to load job", http.StatusInternalServerError)
		return
	}

	s.broadcast()
	writeJSON(w, http.StatusCreated, job)
}

// GetJob returns one job
func (s *Server) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Queue.Job(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, database.ErrNotFound) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.Logger.Error("get job failed", "error", err)
		http.Error(w, "Failed to fetch job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ListJobs returns jobs, newest first
func (s *Server) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	jobs, err := s.Queue.Jobs(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		s.Logger.Error("list jobs failed", "error", err)
		http.Error(w, "Failed to fetch jobs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// ListDeadLetters returns dead-letter records, newest first
func (s *Server) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	records, err := s.Queue.DeadLetters(r.Context(), limit)
	if err != nil {
		s.Logger.Error("list dead letters failed", "error", err)
		http.Error(w, "Failed to fetch dead letters", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// GetMetrics returns queue counts, rate-limit buckets and recent failures
func (s *Server) GetMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := s.Queue.GetStats(ctx)
	if err != nil {
		s.Logger.Error("queue stats failed", "error", err)
		http.Error(w, "Failed to fetch metrics", http.StatusInternalServerError)
		return
	}

	m := Metrics{Queue: stats, RateLimits: []models.RateLimitBucket{}, FailuresLastHour: map[string]int{}}
	if s.RateLimits != nil {
		for _, ch := range s.Channels {
			if b, ok := s.RateLimits.Snapshot(ch); ok {
				m.RateLimits = append(m.RateLimits, b)
			}
		}
	}
	if s.Audit != nil {
		failures, err := s.Audit.FailureCountsByAction(ctx, s.now().Add(-time.Hour))
		if err != nil {
			s.Logger.Warn("failure counts failed", "error", err)
		} else {
			m.FailuresLastHour = failures
		}
	}
	if s.WebSocket != nil {
		m.WebSocketClients = s.WebSocket.ClientCount()
	}
	writeJSON(w, http.StatusOK, m)
}

// QueryAudit filters the audit log by action, action_type, success and
// since (RFC 3339).
func (s *Server) QueryAudit(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		http.Error(w, "Audit log unavailable", http.StatusServiceUnavailable)
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	f := models.AuditFilter{
		Action:     q.Get("action"),
		ActionType: models.ActionType(q.Get("action_type")),
		Limit:      limit,
	}
	if v := q.Get("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "success must be true or false", http.StatusBadRequest)
			return
		}
		f.Success = &b
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "since must be RFC 3339", http.StatusBadRequest)
			return
		}
		f.Since = t
	}

	entries, err := s.Audit.QueryAuditLog(r.Context(), f)
	if err != nil {
		s.Logger.Error("query audit log failed", "error", err)
		http.Error(w, "Failed to query audit log", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// HandleWebSocket handles WebSocket connections
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.WebSocket == nil {
		http.Error(w, "WebSocket unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.WebSocket.AddClient(conn)
}

func (s *Server) broadcast() {
	if s.WebSocket != nil {
		s.WebSocket.Broadcast()
	}
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return min(n, maxListLimit), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
