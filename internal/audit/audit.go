// Package audit persists authorization audit events.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gatehouse-io/gatehouse/internal/authz"
)

// Recorder writes events into authz_audit_log. It satisfies authz.AuditSink
// for deployments that prefer synchronous writes over the queue.
type Recorder struct {
	pool *pgxpool.Pool
}

// NewRecorder returns a new Recorder.
func NewRecorder(pool *pgxpool.Pool) *Recorder {
	return &Recorder{pool: pool}
}

// Record persists the event.
func (r *Recorder) Record(ctx context.Context, event authz.AuditEvent) error {
	if r == nil {
		return errors.New("audit recorder not initialised")
	}
	if event.Action == "" {
		return errors.New("audit event requires an action")
	}
	metaJSON, err := json.Marshal(event.Meta)
	if err != nil {
		return err
	}
	var at any
	if !event.At.IsZero() {
		at = event.At.UTC()
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO authz_audit_log (action, principal_id, permission, resource_type, resource_id, allowed, reason, meta, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()))`,
		event.Action, event.PrincipalID, event.Permission, event.ResourceType, event.ResourceID,
		event.Allowed, event.Reason, metaJSON, at)
	return err
}

// Recent returns the newest events, capped at limit.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]authz.AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT action, principal_id, permission, resource_type, resource_id, allowed, reason, meta, occurred_at
		FROM authz_audit_log
		ORDER BY occurred_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []authz.AuditEvent
	for rows.Next() {
		var (
			event    authz.AuditEvent
			metaJSON []byte
			occurred time.Time
		)
		if err := rows.Scan(&event.Action, &event.PrincipalID, &event.Permission, &event.ResourceType,
			&event.ResourceID, &event.Allowed, &event.Reason, &metaJSON, &occurred); err != nil {
			return nil, err
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &event.Meta); err != nil {
				return nil, err
			}
		}
		event.At = occurred
		events = append(events, event)
	}
	return events, rows.Err()
}
