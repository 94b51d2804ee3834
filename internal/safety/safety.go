// Package safety is the single source of truth for whether any agent action
// may proceed: the kill switch, the permission flags, the forbidden-action
// list and the quiet-hours gate for alerts.
//
// Every check reads the control record fresh. Read failures fail safe: the
// kill switch is reported active and every permission flag is reported off.
package safety

import (
	"context"
	"log/slog"
	"time"

	"commsgate/internal/audit"
	"commsgate/internal/models"
	"commsgate/internal/schedule"
)

// ControlStore reads and writes the global control record.
type ControlStore interface {
	GetAgentControls(ctx context.Context) (models.AgentControls, error)
	SetKillSwitch(ctx context.Context, active bool, reason, actor string, at time.Time) error
	UpdateAgentControls(ctx context.Context, u models.ControlsUpdate, at time.Time) error
}

// CheckSeverity grades a failed check.
type CheckSeverity string

const (
	CheckError   CheckSeverity = "error"
	CheckWarning CheckSeverity = "warning"
	CheckInfo    CheckSeverity = "info"
)

// CheckResult is the verdict of BeforeAction.
type CheckResult struct {
	Allowed  bool          `json:"allowed"`
	Reason   string        `json:"reason,omitempty"`
	Severity CheckSeverity `json:"severity,omitempty"`
}

// Options select the conditional checks of BeforeAction.
type Options struct {
	RequiresExternalComms bool
	RequiresWrite         bool
	Severity              string
}

// Outcome is what AfterAction records.
type Outcome struct {
	Success  bool
	Error    string
	Duration time.Duration
	Input    any
	Output   any
}

// Plane evaluates safety checks against the control record.
type Plane struct {
	store    ControlStore
	audit    *audit.Logger
	logger   *slog.Logger
	now      func() time.Time
	timezone string
}

// New creates a safety plane. Quiet hours for alerts are evaluated in
// schedule.DefaultTimezone unless WithTimezone is used.
func New(store ControlStore, auditLogger *audit.Logger, logger *slog.Logger) *Plane {
	if logger == nil {
		logger = slog.Default()
	}
	return &Plane{
		store:    store,
		audit:    auditLogger,
		logger:   logger,
		now:      time.Now,
		timezone: schedule.DefaultTimezone,
	}
}

// WithClock overrides the wall clock. Used by tests.
func (p *Plane) WithClock(now func() time.Time) *Plane {
	p.now = now
	return p
}

// WithTimezone sets the timezone used for the alert quiet-hours gate.
func (p *Plane) WithTimezone(tz string) *Plane {
	if tz != "" {
		p.timezone = tz
	}
	return p
}

// Controls returns the current control record. On a read error it returns
// models.FailSafeControls() and ok=false.
func (p *Plane) Controls(ctx context.Context) (c models.AgentControls, ok bool) {
	c, err := p.store.GetAgentControls(ctx)
	if err != nil {
		p.logger.Error("read agent controls failed, assuming kill switch active", "error", err)
		return models.FailSafeControls(), false
	}
	return c, true
}

// CheckKillSwitch reports whether the kill switch is active. A read error
// counts as active.
func (p *Plane) CheckKillSwitch(ctx context.Context) bool {
	c, _ := p.Controls(ctx)
	return c.KillSwitch
}

// CheckJobsEnabled reports jobs_enabled && !kill_switch.
func (p *Plane) CheckJobsEnabled(ctx context.Context) bool {
	c, ok := p.Controls(ctx)
	return ok && c.JobsEnabled && !c.KillSwitch
}

// CheckCommsEnabled reports comms_enabled && !kill_switch.
func (p *Plane) CheckCommsEnabled(ctx context.Context) bool {
	c, ok := p.Controls(ctx)
	return ok && c.CommsEnabled && !c.KillSwitch
}

// CheckExternalCommsEnabled additionally requires comms_enabled.
func (p *Plane) CheckExternalCommsEnabled(ctx context.Context) bool {
	c, ok := p.Controls(ctx)
	return ok && c.ExternalCommsEnabled && c.CommsEnabled && !c.KillSwitch
}

// CheckWriteEnabled reports write_enabled && !kill_switch.
func (p *Plane) CheckWriteEnabled(ctx context.Context) bool {
	c, ok := p.Controls(ctx)
	return ok && c.WriteEnabled && !c.KillSwitch
}

// BeforeAction runs the ordered pre-action checks: forbidden list, kill
// switch, external comms, write, then quiet hours for alerts. The first
// failing check is audited and returned; later checks are not evaluated.
func (p *Plane) BeforeAction(ctx context.Context, action string, actionType models.ActionType, opts Options) CheckResult {
	if IsForbiddenAction(action) {
		return p.deny(ctx, action, actionType, "Forbidden action",
			"This action is explicitly forbidden", CheckError)
	}

	if p.CheckKillSwitch(ctx) {
		return p.deny(ctx, action, actionType, "Kill switch is active",
			"Kill switch is active - all actions blocked", CheckError)
	}

	if opts.RequiresExternalComms && !p.CheckExternalCommsEnabled(ctx) {
		return p.deny(ctx, action, actionType, "External communications not enabled",
			"External communications are disabled (external_comms_enabled=false)", CheckError)
	}

	if opts.RequiresWrite && !p.CheckWriteEnabled(ctx) {
		return p.deny(ctx, action, actionType, "Write operations not enabled",
			"Write operations are disabled (write_enabled=false)", CheckError)
	}

	if actionType == models.ActionAlert && !BypassesQuietHours(opts.Severity) && p.IsQuietHours(p.timezone) {
		return p.deny(ctx, action, actionType, "Quiet hours",
			"Currently in quiet hours (21:00-06:00 "+p.timezone+")", CheckInfo)
	}

	return CheckResult{Allowed: true}
}

func (p *Plane) deny(ctx context.Context, action string, actionType models.ActionType, auditErr, reason string, sev CheckSeverity) CheckResult {
	p.audit.Log(ctx, audit.Record{
		Action:     action,
		ActionType: actionType,
		Success:    false,
		Error:      auditErr,
	})
	return CheckResult{Allowed: false, Reason: reason, Severity: sev}
}

// AfterAction records the outcome of an action. It never fails.
func (p *Plane) AfterAction(ctx context.Context, action string, actionType models.ActionType, o Outcome) {
	p.audit.Log(ctx, audit.Record{
		Action:     action,
		ActionType: actionType,
		Payload:    o.Input,
		Result:     o.Output,
		Success:    o.Success,
		Error:      o.Error,
		Duration:   o.Duration,
	})
	if !o.Success && actionType == models.ActionSystem {
		p.logger.Warn("system action failed", "action", action, "error", o.Error)
	}
}

// ActivateKillSwitch sets the kill switch. Activating an active switch
// refreshes its reason and actor.
func (p *Plane) ActivateKillSwitch(ctx context.Context, reason, activatedBy string) error {
	if activatedBy == "" {
		activatedBy = "system"
	}
	input := map[string]string{"reason": reason, "activated_by": activatedBy}

	if err := p.store.SetKillSwitch(ctx, true, reason, activatedBy, p.now()); err != nil {
		p.AfterAction(ctx, "activate_kill_switch", models.ActionSystem, Outcome{Input: input, Error: err.Error()})
		return err
	}

	p.AfterAction(ctx, "activate_kill_switch", models.ActionSystem, Outcome{Input: input, Success: true})
	p.logger.Error("KILL SWITCH ACTIVATED", "reason", reason, "activated_by", activatedBy)
	return nil
}

// DeactivateKillSwitch clears the kill switch and its metadata.
func (p *Plane) DeactivateKillSwitch(ctx context.Context, deactivatedBy string) error {
	if deactivatedBy == "" {
		deactivatedBy = "manual"
	}
	input := map[string]string{"deactivated_by": deactivatedBy}

	if err := p.store.SetKillSwitch(ctx, false, "", "", p.now()); err != nil {
		p.AfterAction(ctx, "deactivate_kill_switch", models.ActionSystem, Outcome{Input: input, Error: err.Error()})
		return err
	}

	p.AfterAction(ctx, "deactivate_kill_switch", models.ActionSystem, Outcome{Input: input, Success: true})
	p.logger.Info("kill switch deactivated", "deactivated_by", deactivatedBy)
	return nil
}

// UpdateControls applies a partial flag update and audits it as
// update_agent_controls. The kill switch has its own operations.
func (p *Plane) UpdateControls(ctx context.Context, u models.ControlsUpdate) error {
	_, err := p.audit.WithTiming(ctx, "update_agent_controls", models.ActionSystem, u,
		func(ctx context.Context) (any, error) {
			return nil, p.store.UpdateAgentControls(ctx, u, p.now())
		})
	if err != nil {
		p.logger.Warn("system action failed", "action", "update_agent_controls", "error", err)
	}
	return err
}

// IsQuietHours reports whether the current local hour in timezone is in
// [21, 24) or [0, 6).
func (p *Plane) IsQuietHours(timezone string) bool {
	return schedule.IsDefaultQuietHours(timezone, p.now())
}

// BypassesQuietHours is true only for SEV0 and SEV1.
func BypassesQuietHours(severity string) bool {
	return severity == "SEV0" || severity == string(models.SeverityCritical)
}
