package models

import (
	"encoding/json"
	"time"
)

// Severity is the urgency class of an outbound notification
type Severity string

const (
	SeverityCritical Severity = "SEV1"
	SeverityWarn     Severity = "WARN"
	SeverityInfo     Severity = "INFO"
)

// Channel identifies an outbound messaging provider
type Channel string

const (
	ChannelSalesmsg Channel = "salesmsg"
	ChannelTelegram Channel = "telegram"
)

// AgentControls is the global safety switchboard (single row)
type AgentControls struct {
	KillSwitch            bool       `json:"kill_switch"`
	KillSwitchReason      string     `json:"kill_switch_reason,omitempty"`
	KillSwitchActivatedAt *time.Time `json:"kill_switch_activated_at,omitempty"`
	KillSwitchActivatedBy string     `json:"kill_switch_activated_by,omitempty"`
	CommsEnabled          bool       `json:"comms_enabled"`
	WriteEnabled          bool       `json:"write_enabled"`
	DestructiveEnabled    bool       `json:"destructive_enabled"`
	ExternalCommsEnabled  bool       `json:"external_comms_enabled"`
	JobsEnabled           bool       `json:"jobs_enabled"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// FailSafeControls is what every reader assumes when the control record
// cannot be read: kill switch on, everything else off.
func FailSafeControls() AgentControls {
	return AgentControls{KillSwitch: true}
}

// ControlsUpdate is a partial update of the operator-managed flags.
// Nil fields are left untouched.
type ControlsUpdate struct {
	CommsEnabled         *bool `json:"comms_enabled,omitempty"`
	WriteEnabled         *bool `json:"write_enabled,omitempty"`
	DestructiveEnabled   *bool `json:"destructive_enabled,omitempty"`
	ExternalCommsEnabled *bool `json:"external_comms_enabled,omitempty"`
	JobsEnabled          *bool `json:"jobs_enabled,omitempty"`
}

// Recipient carries caller-supplied addressing for each channel
type Recipient struct {
	Phone          string `json:"phone,omitempty"`
	TelegramChatID string `json:"telegram_chat_id,omitempty"`
}

// For returns the caller-supplied address for a channel, if any
func (r *Recipient) For(ch Channel) string {
	if r == nil {
		return ""
	}
	switch ch {
	case ChannelSalesmsg:
		return r.Phone
	case ChannelTelegram:
		return r.TelegramChatID
	}
	return ""
}

// NotificationRequest is an outbound message candidate
type NotificationRequest struct {
	RequestID        string         `json:"request_id,omitempty"`
	Severity         Severity       `json:"severity"`
	Type             string         `json:"type"`
	Title            string         `json:"title,omitempty"`
	Body             string         `json:"body"`
	RequiresApproval *bool          `json:"requires_approval,omitempty"`
	ApprovalToken    string         `json:"approval_token,omitempty"`
	ChannelOverride  Channel        `json:"channel_override,omitempty"`
	Recipient        *Recipient     `json:"recipient,omitempty"`
	Meta             map[string]any `json:"meta,omitempty"`
}

// ExplicitlyApproved reports whether the caller opted out of approval or
// supplied an approval token. Approval is never implicit.
func (r *NotificationRequest) ExplicitlyApproved() bool {
	if r.RequiresApproval != nil && !*r.RequiresApproval {
		return true
	}
	return r.ApprovalToken != ""
}

// RoutingResult is the outcome of a routing attempt
type RoutingResult struct {
	Success     bool       `json:"success"`
	Channel     Channel    `json:"channel,omitempty"`
	MessageID   string     `json:"message_id,omitempty"`
	Error       string     `json:"error,omitempty"`
	Blocked     bool       `json:"blocked,omitempty"`
	BlockReason string     `json:"block_reason,omitempty"`
	Queued      bool       `json:"queued,omitempty"`
	DeferUntil  *time.Time `json:"defer_until,omitempty"`
}

// RateLimitBucket is a per-channel hourly counter
type RateLimitBucket struct {
	Channel     Channel   `json:"channel"`
	Count       int       `json:"count"`
	MaxAllowed  int       `json:"max_allowed"`
	WindowStart time.Time `json:"window_start"`
}

// JobType selects the handler a job is dispatched to
type JobType string

const (
	JobSendMessage    JobType = "send_message"
	JobAPICall        JobType = "api_call"
	JobDeployWorkflow JobType = "deploy_workflow"
	JobCustom         JobType = "custom"
)

// Job is a unit of deferred work with retry semantics
type Job struct {
	ID             string          `json:"id"`
	Type           JobType         `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Status         string          `json:"status"` // pending, processing, completed, failed
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	RunAt          time.Time       `json:"run_at"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	LastError      string          `json:"last_error,omitempty"`
	LeasedUntil    *time.Time      `json:"leased_until,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// DeadLetterRecord is the immutable snapshot of a permanently failed job
type DeadLetterRecord struct {
	ID            int64           `json:"id"`
	OriginalJobID string          `json:"original_job_id"`
	Type          JobType         `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	FinalError    string          `json:"final_error"`
	CreatedAt     time.Time       `json:"created_at"`
	FailedAt      time.Time       `json:"failed_at"`
}

// QueueStats holds job counts by status
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

// ActionType classifies audited actions
type ActionType string

const (
	ActionRead    ActionType = "read"
	ActionWrite   ActionType = "write"
	ActionPropose ActionType = "propose"
	ActionAlert   ActionType = "alert"
	ActionAPICall ActionType = "api_call"
	ActionSystem  ActionType = "system"
)

// AuditEntry is an append-only record of a decision or send
type AuditEntry struct {
	ID         string          `json:"id"`
	Timestamp  time.Time       `json:"ts"`
	Action     string          `json:"action"`
	ActionType ActionType      `json:"action_type,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
}

// AuditFilter narrows an audit log query
type AuditFilter struct {
	Action     string
	ActionType ActionType
	Success    *bool
	Since      time.Time
	Limit      int
}

// EnqueueRequest represents a job submission through the API
type EnqueueRequest struct {
	Type           JobType         `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	RunAt          *time.Time      `json:"run_at,omitempty"`
	MaxAttempts    int             `json:"max_attempts,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// Status constants
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)
