// Package router decides whether and how an outbound notification leaves
// the system. RouteNotification runs a fixed, short-circuiting sequence of
// gates; the first gate that blocks writes one audit entry and returns.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"commsgate/internal/audit"
	"commsgate/internal/channel"
	"commsgate/internal/config"
	"commsgate/internal/models"
	"commsgate/internal/ratelimit"
	"commsgate/internal/safety"
)

// ErrNoRecipient is reported when neither the selected nor the fallback
// channel resolves a recipient.
const ErrNoRecipient = "No recipient available on any channel"

// Audit action names.
const (
	ActionBlocked     = "send_blocked"
	ActionRateLimited = "rate_limited"
	ActionQueued      = "queued"
	ActionError       = "router_error"
)

// Router composes the safety plane, rate limiter, channel senders and audit
// log into the send pipeline. It is safe for concurrent use.
type Router struct {
	policy  atomic.Pointer[config.Policy]
	safety  *safety.Plane
	limiter *ratelimit.Limiter
	senders *channel.Registry
	audit   *audit.Logger
	logger  *slog.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a router. policy must have been validated.
func New(policy *config.Policy, plane *safety.Plane, limiter *ratelimit.Limiter, senders *channel.Registry, auditLogger *audit.Logger, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		safety:  plane,
		limiter: limiter,
		senders: senders,
		audit:   auditLogger,
		logger:  logger,
		now:     time.Now,
	}
	r.policy.Store(policy)
	return r
}

// WithClock overrides the wall clock. Used by tests.
func (r *Router) WithClock(now func() time.Time) *Router {
	r.now = now
	return r
}

// WithSleep overrides the wait between provider retries. Used by tests.
func (r *Router) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Router {
	r.sleep = sleep
	return r
}

// SetPolicy swaps in a new validated policy. Calls already in flight keep
// the policy they started with.
func (r *Router) SetPolicy(p *config.Policy) {
	if p != nil {
		r.policy.Store(p)
	}
}

// Policy returns the policy currently in force.
func (r *Router) Policy() *config.Policy {
	return r.policy.Load()
}

// RouteNotification evaluates req against the current controls and policy
// and sends it if every gate passes. It never returns an error: every
// outcome, including an internal fault, is a RoutingResult plus one audit
// entry.
func (r *Router) RouteNotification(ctx context.Context, req models.NotificationRequest) (result models.RoutingResult) {
	start := r.now()

	// Held from step 7 until the send settles; a panic gives the slot back.
	var reservation *ratelimit.Reservation
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("router panic", "panic", rec, "type", req.Type)
			reservation.Cancel(ctx)
			result = models.RoutingResult{Success: false, Error: fmt.Sprintf("router error: %v", rec)}
			r.record(ctx, ActionError, req, result, false, result.Error, start)
		}
	}()

	policy := r.policy.Load()
	controls, _ := r.safety.Controls(ctx)

	// 1. Kill switch
	if controls.KillSwitch {
		return r.block(ctx, ActionBlocked, req, "Kill switch is enabled", "Kill switch enabled", start)
	}

	// 2. Comms enabled
	if !controls.CommsEnabled {
		return r.block(ctx, ActionBlocked, req, "Communications are disabled", "Comms disabled", start)
	}

	// 3. Severity
	if !policy.SeverityAllowed(req.Severity) {
		return r.block(ctx, ActionBlocked, req, fmt.Sprintf("Severity %s not allowed", req.Severity), "Invalid severity", start)
	}

	// 4. Approval
	if reason, ok := checkApproval(policy, req); !ok {
		return r.block(ctx, ActionBlocked, req, reason, reason, start)
	}

	// 5. Channel and recipient
	ch, recipient, reason := selectChannelAndRecipient(policy, req)
	if reason != "" {
		return r.block(ctx, ActionBlocked, req, reason, reason, start)
	}
	if recipient == "" {
		result = models.RoutingResult{Success: false, Error: ErrNoRecipient}
		r.record(ctx, ActionError, req, result, false, ErrNoRecipient, start)
		return result
	}

	// 6. Allowlist
	if reason, ok := checkAllowlist(policy, ch, recipient, req.Severity); !ok {
		return r.block(ctx, ActionBlocked, req, reason, reason, start)
	}

	critical := req.Severity == models.SeverityCritical

	// 7. Rate limit
	if !critical {
		limit := policy.MaxPerHour(ch)
		res, ok := r.limiter.Reserve(ctx, ch, limit)
		if !ok {
			reason := fmt.Sprintf("Rate limit exceeded for %s (%d/hour)", ch, limit)
			return r.block(ctx, ActionRateLimited, req, reason, reason, start)
		}
		reservation = res
	}

	// 8. Quiet hours
	if !critical {
		if w, enabled := policy.QuietWindow(); enabled {
			now := r.now()
			if w.Contains(now) {
				reservation.Cancel(ctx)
				until := w.NextEnd(now).UTC()
				result = models.RoutingResult{
					Success:     true,
					Channel:     ch,
					Queued:      true,
					BlockReason: "Queued due to quiet hours",
					DeferUntil:  &until,
				}
				r.record(ctx, ActionQueued, req, result, true, "Quiet hours", start)
				return result
			}
		}
	}

	// 9. Send
	key := IdempotencyKey(req, r.now())
	result = r.send(ctx, policy, ch, recipient, req, key)

	// 10. Rate-limit accounting on the channel actually used
	switch {
	case critical:
	case result.Success && result.Channel == ch:
	case result.Success:
		reservation.Cancel(ctx)
		r.limiter.Record(ctx, result.Channel, policy.MaxPerHour(result.Channel))
	default:
		reservation.Cancel(ctx)
	}

	// 11. Audit
	action := "send_" + string(result.Channel)
	if result.Channel == "" {
		action = "send_" + string(ch)
	}
	r.record(ctx, action, req, result, result.Success, result.Error, start)
	return result
}

// send delivers through ch and, if that fails and ch is not already the
// fallback channel, once more through the fallback channel with the same
// recipient.
func (r *Router) send(ctx context.Context, policy *config.Policy, ch models.Channel, recipient string, req models.NotificationRequest, key string) models.RoutingResult {
	res, err := r.deliver(ctx, policy, ch, recipient, req, key)
	if err == nil {
		return models.RoutingResult{Success: true, Channel: ch, MessageID: res.MessageID}
	}

	fallback := policy.Communication.FallbackChannel
	if ch != fallback {
		r.logger.Warn("send failed, trying fallback channel",
			"channel", ch, "fallback", fallback, "type", req.Type, "error", err)
		return r.send(ctx, policy, fallback, recipient, req, key)
	}

	return models.RoutingResult{Success: false, Channel: ch, Error: err.Error()}
}

func (r *Router) deliver(ctx context.Context, policy *config.Policy, ch models.Channel, recipient string, req models.NotificationRequest, key string) (channel.Result, error) {
	sender, err := r.senders.Get(ch)
	if err != nil {
		return channel.Result{}, err
	}

	retry := policy.Communication.Retry
	return channel.SendWithRetry(ctx, sender, channel.Message{
		Recipient:      recipient,
		Body:           FormatMessage(req),
		IdempotencyKey: key,
		Meta:           req.Meta,
	}, channel.RetryPolicy{
		MaxAttempts:  retry.MaxAttempts,
		InitialDelay: retry.InitialDelay(),
		Multiplier:   retry.BackoffMultiplier,
		Sleep:        r.sleep,
		Logger:       r.logger,
	})
}

func (r *Router) block(ctx context.Context, action string, req models.NotificationRequest, reason, auditErr string, start time.Time) models.RoutingResult {
	result := models.RoutingResult{Success: false, Blocked: true, BlockReason: reason}
	r.logger.Info("notification blocked", "reason", reason, "type", req.Type, "severity", req.Severity)
	r.record(ctx, action, req, result, false, auditErr, start)
	return result
}

func (r *Router) record(ctx context.Context, action string, req models.NotificationRequest, result models.RoutingResult, success bool, errMsg string, start time.Time) {
	r.audit.Log(ctx, audit.Record{
		Action:     action,
		ActionType: models.ActionAlert,
		Payload:    req,
		Result:     result,
		Success:    success,
		Error:      errMsg,
		Duration:   r.now().Sub(start),
	})
}

// checkApproval: SEV1 needs explicit approval. Other severities pass when
// the message type is allowlisted or approval is explicit.
func checkApproval(policy *config.Policy, req models.NotificationRequest) (string, bool) {
	if req.Severity == models.SeverityCritical {
		if req.ExplicitlyApproved() {
			return "", true
		}
		return "SEV1 messages require explicit approval", false
	}
	if policy.MessageTypeAllowlisted(req.Type) || req.ExplicitlyApproved() {
		return "", true
	}
	return fmt.Sprintf("Message type %q requires approval", req.Type), false
}

// selectChannelAndRecipient starts from the override or the primary
// channel. When that channel has no recipient it switches to the fallback
// channel's first allowlisted identity. An empty recipient means none was
// found; a non-empty reason means the request named a disallowed channel.
func selectChannelAndRecipient(policy *config.Policy, req models.NotificationRequest) (models.Channel, string, string) {
	ch := policy.Communication.PrimaryChannel
	if req.ChannelOverride != "" {
		if !policy.ChannelAllowed(req.ChannelOverride) {
			return "", "", fmt.Sprintf("Channel %s is not allowed", req.ChannelOverride)
		}
		ch = req.ChannelOverride
	}

	recipient := req.Recipient.For(ch)
	if recipient == "" {
		recipient = policy.DefaultRecipient(ch)
	}
	if recipient == "" {
		ch = policy.Communication.FallbackChannel
		recipient = policy.DefaultRecipient(ch)
	}
	return ch, recipient, ""
}

// checkAllowlist verifies the recipient for ch. SEV1 may also reach the
// configured emergency contacts.
func checkAllowlist(policy *config.Policy, ch models.Channel, recipient string, sev models.Severity) (string, bool) {
	al := policy.Allowlists
	critical := sev == models.SeverityCritical

	switch ch {
	case models.ChannelSalesmsg:
		if IsPhoneNumberOnAllowlist(recipient, al.PhoneNumbers) ||
			(critical && IsPhoneNumberOnAllowlist(recipient, al.EmergencyContacts.PhoneNumbers)) {
			return "", true
		}
		return fmt.Sprintf("Phone number %s not on allowlist", recipient), false
	case models.ChannelTelegram:
		if IsChatIDOnAllowlist(recipient, al.TelegramChatIDs) ||
			(critical && IsChatIDOnAllowlist(recipient, al.EmergencyContacts.TelegramChatIDs)) {
			return "", true
		}
		return fmt.Sprintf("Telegram chat ID %s not on allowlist", recipient), false
	}
	return fmt.Sprintf("Channel %s has no allowlist", ch), false
}
