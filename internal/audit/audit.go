// Package audit writes the append-only record of every safety decision and
// outbound send. Writing an entry never fails the operation being audited:
// sink errors are logged and dropped.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"commsgate/internal/models"
)

// Redacted replaces the value of every sensitive field.
const Redacted = "[REDACTED]"

// sensitiveFields are matched case-insensitively as substrings of JSON keys.
var sensitiveFields = []string{"token", "apikey", "api_key", "password", "secret"}

// Sink persists audit entries.
type Sink interface {
	InsertAuditEntry(ctx context.Context, e models.AuditEntry) error
}

// Record describes one audited decision.
type Record struct {
	Action     string
	ActionType models.ActionType
	Payload    any
	Result     any
	Success    bool
	Error      string
	Duration   time.Duration
}

// Logger sanitizes records and hands them to a Sink.
// It is safe for concurrent use.
type Logger struct {
	sink   Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewLogger creates an audit logger. A nil slog logger uses slog.Default().
func NewLogger(sink Sink, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{sink: sink, logger: logger, now: time.Now}
}

// WithClock overrides the timestamp source. Used by tests.
func (l *Logger) WithClock(now func() time.Time) *Logger {
	l.now = now
	return l
}

// Log writes one entry. Failures are logged locally and swallowed.
func (l *Logger) Log(ctx context.Context, r Record) {
	if l == nil || l.sink == nil {
		return
	}

	entry := models.AuditEntry{
		ID:         uuid.Must(uuid.NewV7()).String(),
		Timestamp:  l.now().UTC(),
		Action:     r.Action,
		ActionType: r.ActionType,
		Payload:    sanitizeJSON(r.Payload, l.logger),
		Result:     sanitizeJSON(r.Result, l.logger),
		Success:    r.Success,
		Error:      r.Error,
		DurationMs: r.Duration.Milliseconds(),
	}

	if err := l.sink.InsertAuditEntry(ctx, entry); err != nil {
		l.logger.Error("audit write failed", "action", r.Action, "error", err)
	}
}

// WithTiming runs fn and audits its duration and outcome. fn's error is
// returned unchanged.
func (l *Logger) WithTiming(ctx context.Context, action string, actionType models.ActionType, input any, fn func(context.Context) (any, error)) (any, error) {
	start := time.Now()
	out, err := fn(ctx)

	rec := Record{
		Action:     action,
		ActionType: actionType,
		Payload:    input,
		Success:    err == nil,
		Duration:   time.Since(start),
	}
	if err != nil {
		rec.Error = err.Error()
	} else {
		rec.Result = out
	}
	l.Log(ctx, rec)
	return out, err
}

// Sanitize returns a JSON-compatible copy of v with every sensitive field
// replaced by Redacted. Nested objects and arrays are walked.
func Sanitize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return redact(generic), nil
}

func sanitizeJSON(v any, logger *slog.Logger) json.RawMessage {
	if v == nil {
		return nil
	}
	clean, err := Sanitize(v)
	if err != nil {
		logger.Warn("audit payload not serializable", "error", err)
		return json.RawMessage(`"` + Redacted + `"`)
	}
	out, err := json.Marshal(clean)
	if err != nil {
		return nil
	}
	return out
}

func redact(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if isSensitive(k) {
				t[k] = Redacted
				continue
			}
			t[k] = redact(val)
		}
		return t
	case []any:
		for i := range t {
			t[i] = redact(t[i])
		}
		return t
	default:
		return v
	}
}

func isSensitive(key string) bool {
	k := strings.ToLower(key)
	for _, f := range sensitiveFields {
		if strings.Contains(k, f) {
			return true
		}
	}
	return false
}
