package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"commsgate/internal/models"
)

// GetAgentControls reads the single control record.
func (db *DB) GetAgentControls(ctx context.Context) (models.AgentControls, error) {
	var c models.AgentControls
	var reason, activatedBy sql.NullString
	var activatedAt sql.NullTime

	err := db.QueryRowContext(ctx, `
		SELECT kill_switch, kill_switch_reason, kill_switch_activated_at, kill_switch_activated_by,
		       comms_enabled, write_enabled, destructive_enabled, external_comms_enabled,
		       jobs_enabled, updated_at
		FROM agent_controls WHERE id = 1
	`).Scan(&c.KillSwitch, &reason, &activatedAt, &activatedBy,
		&c.CommsEnabled, &c.WriteEnabled, &c.DestructiveEnabled, &c.ExternalCommsEnabled,
		&c.JobsEnabled, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return models.AgentControls{}, fmt.Errorf("get agent controls: %w", ErrNotFound)
	}
	if err != nil {
		return models.AgentControls{}, fmt.Errorf("get agent controls: %w", err)
	}

	c.KillSwitchReason = reason.String
	c.KillSwitchActivatedBy = activatedBy.String
	if activatedAt.Valid {
		t := activatedAt.Time
		c.KillSwitchActivatedAt = &t
	}
	return c, nil
}

// SetKillSwitch activates or clears the kill switch. Clearing it also clears
// the reason and activation metadata.
func (db *DB) SetKillSwitch(ctx context.Context, active bool, reason, actor string, at time.Time) error {
	var err error
	if active {
		_, err = db.ExecContext(ctx, `
			UPDATE agent_controls
			SET kill_switch = 1, kill_switch_reason = ?, kill_switch_activated_at = ?,
			    kill_switch_activated_by = ?, updated_at = ?
			WHERE id = 1
		`, nullString(reason), at.UTC(), nullString(actor), at.UTC())
	} else {
		_, err = db.ExecContext(ctx, `
			UPDATE agent_controls
			SET kill_switch = 0, kill_switch_reason = NULL, kill_switch_activated_at = NULL,
			    kill_switch_activated_by = NULL, updated_at = ?
			WHERE id = 1
		`, at.UTC())
	}
	if err != nil {
		return fmt.Errorf("set kill switch: %w", err)
	}
	return nil
}

// UpdateAgentControls applies a partial flag update. The kill switch is not
// reachable from here; it only moves through SetKillSwitch.
func (db *DB) UpdateAgentControls(ctx context.Context, u models.ControlsUpdate, at time.Time) error {
	sets := []string{}
	args := []interface{}{}

	add := func(col string, v *bool) {
		if v != nil {
			sets = append(sets, col+" = ?")
			args = append(args, *v)
		}
	}
	add("comms_enabled", u.CommsEnabled)
	add("write_enabled", u.WriteEnabled)
	add("destructive_enabled", u.DestructiveEnabled)
	add("external_comms_enabled", u.ExternalCommsEnabled)
	add("jobs_enabled", u.JobsEnabled)

	if len(sets) == 0 {
		return nil
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, at.UTC())

	query := "UPDATE agent_controls SET " + strings.Join(sets, ", ") + " WHERE id = 1"
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update agent controls: %w", err)
	}
	return nil
}
