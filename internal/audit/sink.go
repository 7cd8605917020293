// Package audit records who-did-what-when entries and aggregates them into
// per-term action statistics. Writes are best-effort: they are handed to the
// background worker when possible and never fail the primary operation.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	// TaskTypeRecord is the asynq task type for deferred audit writes.
	TaskTypeRecord = "audit:record"
	// Queue is the asynq queue audit tasks are routed to.
	Queue = "audit"
)

// Entry represents a record stored in audit_logs.
type Entry struct {
	ActorID  uuid.UUID      `json:"actor_id"`
	Action   string         `json:"action"`
	Entity   string         `json:"entity"`
	EntityID string         `json:"entity_id"`
	Meta     map[string]any `json:"meta,omitempty"`
	At       time.Time      `json:"at"`
}

// ActionStats aggregates audit action counts over a time window.
type ActionStats struct {
	Total    int64            `json:"total"`
	ByAction map[string]int64 `json:"by_action,omitempty"`
}

// DB is the subset of pgxpool.Pool the sink needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Enqueuer hands tasks to the background worker.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Sink writes audit entries and computes term statistics.
type Sink struct {
	db       DB
	enqueuer Enqueuer
	logger   *slog.Logger
}

// NewSink constructs a Sink. The enqueuer may be nil, in which case entries
// are written synchronously.
func NewSink(db DB, enqueuer Enqueuer, logger *slog.Logger) *Sink {
	return &Sink{db: db, enqueuer: enqueuer, logger: logger}
}

// Record persists an entry. When a worker enqueuer is configured the entry is
// queued for retried delivery; otherwise, or when enqueueing fails, it is
// inserted directly.
func (s *Sink) Record(ctx context.Context, entry Entry) error {
	if s == nil {
		return errors.New("audit: sink not initialised")
	}
	if entry.Action == "" || entry.Entity == "" || entry.EntityID == "" {
		return errors.New("audit: entry requires action/entity/entity_id")
	}
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	if s.enqueuer != nil {
		task, err := NewRecordTask(entry)
		if err == nil {
			if _, err = s.enqueuer.EnqueueContext(ctx, task, asynq.Queue(Queue), asynq.MaxRetry(5)); err == nil {
				return nil
			}
		}
		if s.logger != nil {
			s.logger.Warn("audit enqueue failed, writing directly", slog.Any("error", err))
		}
	}
	return s.Insert(ctx, entry)
}

// Insert writes an entry straight into audit_logs. Used by the worker task
// handler and as the synchronous fallback.
func (s *Sink) Insert(ctx context.Context, entry Entry) error {
	metaJSON, err := json.Marshal(entry.Meta)
	if err != nil {
		return fmt.Errorf("audit: marshal meta: %w", err)
	}
	_, err = s.db.Exec(ctx, `INSERT INTO audit_logs (actor_id, action, entity, entity_id, meta, occurred_at)
VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`,
		entry.ActorID, entry.Action, entry.Entity, entry.EntityID, metaJSON, entry.At)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// TermStats aggregates action counts attributed to an account over a window.
// Used when closing a term to snapshot the incumbent's activity.
func (s *Sink) TermStats(ctx context.Context, actorID uuid.UUID, since, until time.Time) (ActionStats, error) {
	if s == nil {
		return ActionStats{}, errors.New("audit: sink not initialised")
	}
	rows, err := s.db.Query(ctx, `SELECT action, COUNT(*) FROM audit_logs
WHERE actor_id = $1 AND occurred_at >= $2 AND occurred_at < $3
GROUP BY action`, actorID, since, until)
	if err != nil {
		return ActionStats{}, fmt.Errorf("audit: term stats: %w", err)
	}
	defer rows.Close()

	stats := ActionStats{ByAction: make(map[string]int64)}
	for rows.Next() {
		var action string
		var count int64
		if err := rows.Scan(&action, &count); err != nil {
			return ActionStats{}, err
		}
		stats.ByAction[action] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return ActionStats{}, err
	}
	return stats, nil
}

// NewRecordTask wraps an entry in an asynq task.
func NewRecordTask(entry Entry) (*asynq.Task, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeRecord, data), nil
}
