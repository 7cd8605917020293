package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/curia-hub/curia-hub/internal/audit"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueAudit carries deferred audit writes.
	QueueAudit = audit.Queue

	// TaskSessionSweep removes expired session rows.
	TaskSessionSweep = "sessions:sweep"
)

// NewSessionSweepTask constructs the nightly sweep task.
func NewSessionSweepTask() *asynq.Task {
	return asynq.NewTask(TaskSessionSweep, nil)
}

// SessionStore is the sweep's persistence surface.
type SessionStore interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// SessionSweepJob deletes expired session rows.
type SessionSweepJob struct {
	store  SessionStore
	logger *slog.Logger
}

// NewSessionSweepJob constructs the job.
func NewSessionSweepJob(store SessionStore, logger *slog.Logger) *SessionSweepJob {
	return &SessionSweepJob{store: store, logger: logger}
}

// Handle processes TaskSessionSweep tasks.
func (j *SessionSweepJob) Handle(ctx context.Context, _ *asynq.Task) error {
	removed, err := j.store.DeleteExpired(ctx)
	if err != nil {
		return err
	}
	if j.logger != nil {
		j.logger.Info("session sweep", slog.Int64("removed", removed))
	}
	return nil
}

// AuditRecordJob persists deferred audit entries.
type AuditRecordJob struct {
	sink   *audit.Sink
	logger *slog.Logger
}

// NewAuditRecordJob constructs the job.
func NewAuditRecordJob(sink *audit.Sink, logger *slog.Logger) *AuditRecordJob {
	return &AuditRecordJob{sink: sink, logger: logger}
}

// Handle processes audit.TaskTypeRecord tasks. A malformed payload is
// skipped rather than retried.
func (j *AuditRecordJob) Handle(ctx context.Context, t *asynq.Task) error {
	var entry audit.Entry
	if err := json.Unmarshal(t.Payload(), &entry); err != nil {
		if j.logger != nil {
			j.logger.Warn("audit task payload", slog.Any("error", err))
		}
		return asynq.SkipRetry
	}
	return j.sink.Insert(ctx, entry)
}
