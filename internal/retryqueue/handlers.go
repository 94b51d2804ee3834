package retryqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"commsgate/internal/models"
	"commsgate/internal/safety"
)

// APICall is the payload of an api_call job.
type APICall struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// sendMessage routes the stored request. The job ID becomes the request ID
// when the caller gave none, so every retry reuses one provider dedup key.
func (q *Queue) sendMessage(ctx context.Context, job *models.Job) error {
	var req models.NotificationRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return fmt.Errorf("decode send_message payload: %w", err)
	}
	if req.RequestID == "" {
		req.RequestID = job.ID
	}

	res := q.router.RouteNotification(ctx, req)
	switch {
	case res.Queued && res.DeferUntil != nil:
		return &DeferError{Until: *res.DeferUntil}
	case res.Success:
		return nil
	case res.Blocked:
		return errors.New(res.BlockReason)
	case res.Error != "":
		return errors.New(res.Error)
	}
	return errors.New("unknown error")
}

func (q *Queue) apiCall(ctx context.Context, job *models.Job) error {
	var call APICall
	if err := json.Unmarshal(job.Payload, &call); err != nil {
		return fmt.Errorf("decode api_call payload: %w", err)
	}
	if call.URL == "" {
		return errors.New("api_call: url is required")
	}

	if q.gate != nil {
		check := q.gate.BeforeAction(ctx, "api_call", models.ActionAPICall, safety.Options{RequiresExternalComms: true})
		if !check.Allowed {
			return fmt.Errorf("api_call blocked: %s", check.Reason)
		}
	}

	method := strings.ToUpper(call.Method)
	if method == "" {
		method = http.MethodGet
	}

	ctx, cancel := context.WithTimeout(ctx, q.cfg.APICallTimeout)
	defer cancel()

	var body io.Reader
	if len(call.Body) > 0 {
		body = bytes.NewReader(call.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, call.URL, body)
	if err != nil {
		return fmt.Errorf("api_call: build request: %w", err)
	}
	for k, v := range call.Headers {
		req.Header.Set(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("api_call: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("API call failed: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return nil
}

func notImplemented(t models.JobType) Handler {
	return func(context.Context, *models.Job) error {
		return fmt.Errorf("%s %w", t, ErrNotImplemented)
	}
}
