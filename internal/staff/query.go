package staff

import (
	"context"
	"fmt"
)

// QueryService exposes the read-side roster projections. Reads tolerate
// eventual consistency with the last committed write and never mutate.
type QueryService struct {
	repo  RepositoryPort
	cache *HistoryCache
}

// NewQueryService constructs a QueryService. The cache may be nil.
func NewQueryService(repo RepositoryPort, cache *HistoryCache) *QueryService {
	return &QueryService{repo: repo, cache: cache}
}

// CurrentOccupant returns the single seat holder of a singleton scope.
func (q *QueryService) CurrentOccupant(ctx context.Context, diocese string) (StaffAccount, error) {
	holders, err := q.repo.ListSeatHolders(ctx, Scope{Diocese: diocese}, RoleChancellor)
	if err != nil {
		return StaffAccount{}, err
	}
	if len(holders) == 0 {
		return StaffAccount{}, ErrNotFound
	}
	return holders[0], nil
}

// CurrentOccupants returns every holder of a co-existing seat, oldest
// term first.
func (q *QueryService) CurrentOccupants(ctx context.Context, scope Scope) ([]StaffAccount, error) {
	if scope.ParishID == "" {
		occupant, err := q.CurrentOccupant(ctx, scope.Diocese)
		if err != nil {
			if err == ErrNotFound {
				return nil, nil
			}
			return nil, err
		}
		return []StaffAccount{occupant}, nil
	}
	return q.repo.ListSeatHolders(ctx, scope, RoleParishStaff)
}

// PendingQueue returns pending applications for a scope, oldest first, so
// processing stays fair.
func (q *QueryService) PendingQueue(ctx context.Context, scope Scope) ([]StaffAccount, error) {
	return q.repo.ListPending(ctx, scope)
}

// TermHistory returns the term ledger for a scope, most recent first.
// Results are cached until the engine commits the next ledger write.
func (q *QueryService) TermHistory(ctx context.Context, scope Scope) ([]TermRecord, error) {
	if q.cache == nil {
		return q.repo.ListTerms(ctx, scope)
	}
	var terms []TermRecord
	err := q.cache.FetchJSON(ctx, []string{scope.Key()}, &terms, func(ctx context.Context) (any, error) {
		return q.repo.ListTerms(ctx, scope)
	})
	if err != nil {
		return nil, fmt.Errorf("staff: term history: %w", err)
	}
	return terms, nil
}
