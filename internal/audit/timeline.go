package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TimelineFilters narrows the audit timeline query.
type TimelineFilters struct {
	From     time.Time
	To       time.Time
	ActorID  uuid.UUID
	Entity   string
	Action   string
	Page     int
	PageSize int
}

// TimelineRow is one rendered audit entry.
type TimelineRow struct {
	At       time.Time      `json:"at"`
	ActorID  uuid.UUID      `json:"actor_id"`
	Action   string         `json:"action"`
	Entity   string         `json:"entity"`
	EntityID string         `json:"entity_id"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// PagingInfo describes the window returned by Timeline.
type PagingInfo struct {
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasNext  bool `json:"has_next"`
}

// TimelineResult bundles rows with paging information.
type TimelineResult struct {
	Rows   []TimelineRow `json:"rows"`
	Paging PagingInfo    `json:"paging"`
}

// Timeline returns audit entries newest first, paged.
func (s *Sink) Timeline(ctx context.Context, filters TimelineFilters) (TimelineResult, error) {
	if s == nil {
		return TimelineResult{}, fmt.Errorf("audit: sink not initialised")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 50 {
		pageSize = 50
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * pageSize

	from := filters.From
	if from.IsZero() {
		from = time.Unix(0, 0)
	}
	to := filters.To
	if to.IsZero() {
		to = time.Now().Add(time.Hour)
	}

	rows, err := s.db.Query(ctx, `SELECT occurred_at, actor_id, action, entity, entity_id, meta
FROM audit_logs
WHERE occurred_at >= $1 AND occurred_at < $2
  AND ($3::uuid IS NULL OR actor_id = $3)
  AND ($4 = '' OR entity = $4)
  AND ($5 = '' OR action = $5)
ORDER BY occurred_at DESC
OFFSET $6 LIMIT $7`, from, to, nullableUUID(filters.ActorID), filters.Entity, filters.Action, offset, pageSize+1)
	if err != nil {
		return TimelineResult{}, fmt.Errorf("audit: timeline: %w", err)
	}
	defer rows.Close()

	var result []TimelineRow
	for rows.Next() {
		var row TimelineRow
		if err := rows.Scan(&row.At, &row.ActorID, &row.Action, &row.Entity, &row.EntityID, &row.Meta); err != nil {
			return TimelineResult{}, err
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return TimelineResult{}, err
	}

	hasNext := len(result) > pageSize
	if hasNext {
		result = result[:pageSize]
	}
	return TimelineResult{
		Rows:   result,
		Paging: PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext},
	}, nil
}

func nullableUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
