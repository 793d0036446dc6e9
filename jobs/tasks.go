package jobs

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/gatehouse-io/gatehouse/internal/audit"
	"github.com/gatehouse-io/gatehouse/internal/authz"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeAuditRecord is the task type for persisting audit events.
	TaskTypeAuditRecord = "audit:record"
)

// NewAuditRecordTask constructs an Asynq task carrying one audit event.
func NewAuditRecordTask(event authz.AuditEvent) (*asynq.Task, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeAuditRecord, data), nil
}

// NewAuditRecordHandler returns the handler that writes queued audit events
// through the recorder.
func NewAuditRecordHandler(recorder *audit.Recorder) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var event authz.AuditEvent
		if err := json.Unmarshal(t.Payload(), &event); err != nil {
			return asynq.SkipRetry
		}
		return recorder.Record(ctx, event)
	}
}
