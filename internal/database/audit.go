package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"commsgate/internal/models"
)

// InsertAuditEntry appends an entry to the audit log.
func (db *DB) InsertAuditEntry(ctx context.Context, e models.AuditEntry) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO agent_audit_log (id, ts, action, action_type, payload, result, success, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Timestamp.UTC(), e.Action, nullString(string(e.ActionType)),
		nullJSON(e.Payload), nullJSON(e.Result), e.Success, nullString(e.Error), e.DurationMs)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// QueryAuditLog returns entries matching the filter, newest first.
func (db *DB) QueryAuditLog(ctx context.Context, f models.AuditFilter) ([]models.AuditEntry, error) {
	query := `SELECT id, ts, action, action_type, payload, result, success, error, duration_ms
	          FROM agent_audit_log WHERE 1=1`
	args := []interface{}{}

	if f.Action != "" {
		query += " AND action = ?"
		args = append(args, f.Action)
	}
	if f.ActionType != "" {
		query += " AND action_type = ?"
		args = append(args, string(f.ActionType))
	}
	if f.Success != nil {
		query += " AND success = ?"
		args = append(args, *f.Success)
	}
	if !f.Since.IsZero() {
		query += " AND ts >= ?"
		args = append(args, f.Since.UTC())
	}

	query += " ORDER BY ts DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	entries := []models.AuditEntry{}
	for rows.Next() {
		var e models.AuditEntry
		var actionType, payload, result, errMsg sql.NullString
		var duration sql.NullInt64

		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Action, &actionType, &payload,
			&result, &e.Success, &errMsg, &duration); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.ActionType = models.ActionType(actionType.String)
		if payload.Valid {
			e.Payload = []byte(payload.String)
		}
		if result.Valid {
			e.Result = []byte(result.String)
		}
		e.Error = errMsg.String
		e.DurationMs = duration.Int64
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// FailureCountsByAction groups failed entries since the given time by action.
func (db *DB) FailureCountsByAction(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT action, COUNT(*) FROM agent_audit_log
		WHERE success = 0 AND ts >= ?
		GROUP BY action
	`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failure counts: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var action string
		var n int
		if err := rows.Scan(&action, &n); err != nil {
			return nil, fmt.Errorf("failure counts: %w", err)
		}
		counts[action] = n
	}
	return counts, rows.Err()
}
