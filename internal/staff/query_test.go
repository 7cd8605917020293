package staff

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *HistoryCache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewHistoryCache(client, time.Minute)
}

func TestCurrentOccupantSingleton(t *testing.T) {
	repo := newMemoryStaffRepo()
	queries := NewQueryService(repo, nil)

	_, err := queries.CurrentOccupant(context.Background(), "diocese-of-cashel")
	require.ErrorIs(t, err, ErrNotFound)

	incumbent := seedChancellor(repo, "diocese-of-cashel")
	occupant, err := queries.CurrentOccupant(context.Background(), "diocese-of-cashel")
	require.NoError(t, err)
	require.Equal(t, incumbent.ID, occupant.ID)

	// A suspended incumbent is still the occupant.
	suspended := repo.accounts[incumbent.ID]
	suspended.Status = StatusInactive
	repo.accounts[incumbent.ID] = suspended
	occupant, err = queries.CurrentOccupant(context.Background(), "diocese-of-cashel")
	require.NoError(t, err)
	require.Equal(t, incumbent.ID, occupant.ID)
}

func TestCurrentOccupantsParishSeat(t *testing.T) {
	repo := newMemoryStaffRepo()
	queries := NewQueryService(repo, nil)
	scope := Scope{Diocese: "diocese-of-cashel", ParishID: "parish-holy-cross", Position: PositionSecretary}

	first := seedParishStaff(repo, scope)
	second := seedParishStaff(repo, scope)

	occupants, err := queries.CurrentOccupants(context.Background(), scope)
	require.NoError(t, err)
	require.Len(t, occupants, 2)

	ids := []uuid.UUID{occupants[0].ID, occupants[1].ID}
	require.Contains(t, ids, first.ID)
	require.Contains(t, ids, second.ID)
}

func TestPendingQueueExcludesProcessed(t *testing.T) {
	repo := newMemoryStaffRepo()
	queries := NewQueryService(repo, nil)
	scope := Scope{Diocese: "diocese-of-cashel"}

	pending := seedPending(repo, RoleChancellor, scope)
	rejected := seedPending(repo, RoleChancellor, scope)
	account := repo.accounts[rejected.ID]
	account.Status = StatusRejected
	repo.accounts[rejected.ID] = account

	queue, err := queries.PendingQueue(context.Background(), scope)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	require.Equal(t, pending.ID, queue[0].ID)
}

func TestTermHistoryCached(t *testing.T) {
	repo := newMemoryStaffRepo()
	cache := newTestCache(t)
	queries := NewQueryService(repo, cache)
	scope := Scope{Diocese: "diocese-of-cashel"}

	incumbent := seedChancellor(repo, "diocese-of-cashel")

	terms, err := queries.TermHistory(context.Background(), scope)
	require.NoError(t, err)
	require.Len(t, terms, 1)
	require.Equal(t, incumbent.ID, terms[0].StaffID)

	// Writes behind the cache's back are invisible until the version bumps.
	seedChancellor(repo, "diocese-of-cashel")
	terms, err = queries.TermHistory(context.Background(), scope)
	require.NoError(t, err)
	require.Len(t, terms, 1)

	require.NoError(t, cache.Bump(context.Background()))
	terms, err = queries.TermHistory(context.Background(), scope)
	require.NoError(t, err)
	require.Len(t, terms, 2)
}
