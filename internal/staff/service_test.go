package staff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/curia-hub/curia-hub/internal/audit"
)

type memoryStaffRepo struct {
	accounts map[uuid.UUID]StaffAccount
	terms    map[int64]TermRecord
	nextTerm int64
	txErr    error
}

type memoryStaffTx struct {
	repo *memoryStaffRepo
}

func newMemoryStaffRepo() *memoryStaffRepo {
	return &memoryStaffRepo{
		accounts: make(map[uuid.UUID]StaffAccount),
		terms:    make(map[int64]TermRecord),
	}
}

func (r *memoryStaffRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r.txErr != nil {
		return r.txErr
	}
	return fn(ctx, &memoryStaffTx{repo: r})
}

func (r *memoryStaffRepo) GetAccount(ctx context.Context, id uuid.UUID) (StaffAccount, error) {
	account, ok := r.accounts[id]
	if !ok {
		return StaffAccount{}, ErrNotFound
	}
	return account, nil
}

func (r *memoryStaffRepo) GetAccountByEmail(ctx context.Context, email string) (StaffAccount, error) {
	for _, account := range r.accounts {
		if account.Email == email {
			return account, nil
		}
	}
	return StaffAccount{}, ErrNotFound
}

func (r *memoryStaffRepo) ListSeatHolders(ctx context.Context, scope Scope, role Role) ([]StaffAccount, error) {
	var holders []StaffAccount
	for _, account := range r.accounts {
		if account.Role == role && account.Scope.SameSeat(scope) && account.HoldsSeat() {
			holders = append(holders, account)
		}
	}
	return holders, nil
}

func (r *memoryStaffRepo) ListPending(ctx context.Context, scope Scope) ([]StaffAccount, error) {
	var pending []StaffAccount
	for _, account := range r.accounts {
		if account.Scope.Diocese == scope.Diocese && account.Scope.ParishID == scope.ParishID && account.Status == StatusPending {
			pending = append(pending, account)
		}
	}
	return pending, nil
}

func (r *memoryStaffRepo) ListTerms(ctx context.Context, scope Scope) ([]TermRecord, error) {
	var terms []TermRecord
	for _, term := range r.terms {
		if term.Scope.SameSeat(scope) {
			terms = append(terms, term)
		}
	}
	return terms, nil
}

func (r *memoryStaffRepo) openTerm(staffID uuid.UUID) (TermRecord, bool) {
	for _, term := range r.terms {
		if term.StaffID == staffID && (term.Status == TermActive || term.Status == TermSuspended) {
			return term, true
		}
	}
	return TermRecord{}, false
}

func (tx *memoryStaffTx) GetAccountForUpdate(ctx context.Context, id uuid.UUID) (StaffAccount, error) {
	return tx.repo.GetAccount(ctx, id)
}

func (tx *memoryStaffTx) CreateAccount(ctx context.Context, account StaffAccount) error {
	tx.repo.accounts[account.ID] = account
	return nil
}

func (tx *memoryStaffTx) UpdateAccount(ctx context.Context, account StaffAccount) error {
	if _, ok := tx.repo.accounts[account.ID]; !ok {
		return ErrNotFound
	}
	tx.repo.accounts[account.ID] = account
	return nil
}

func (tx *memoryStaffTx) CountSeatHolders(ctx context.Context, scope Scope, role Role, excluding uuid.UUID) (int, error) {
	count := 0
	for _, account := range tx.repo.accounts {
		if account.ID == excluding {
			continue
		}
		if account.Role == role && account.Scope.SameSeat(scope) && account.HoldsSeat() {
			count++
		}
	}
	return count, nil
}

func (tx *memoryStaffTx) InsertTerm(ctx context.Context, term TermRecord) (int64, error) {
	tx.repo.nextTerm++
	term.ID = tx.repo.nextTerm
	tx.repo.terms[term.ID] = term
	return term.ID, nil
}

// Open means ACTIVE or SUSPENDED, matching the SQL predicate.
func (tx *memoryStaffTx) GetOpenTermForUpdate(ctx context.Context, staffID uuid.UUID) (TermRecord, error) {
	for _, term := range tx.repo.terms {
		if term.StaffID == staffID && (term.Status == TermActive || term.Status == TermSuspended) {
			return term, nil
		}
	}
	return TermRecord{}, ErrNotFound
}

func (tx *memoryStaffTx) UpdateTerm(ctx context.Context, term TermRecord) error {
	if _, ok := tx.repo.terms[term.ID]; !ok {
		return ErrNotFound
	}
	tx.repo.terms[term.ID] = term
	return nil
}

type recordingAudit struct {
	entries  []audit.Entry
	stats    audit.ActionStats
	statsErr error
}

func (a *recordingAudit) Record(ctx context.Context, entry audit.Entry) error {
	a.entries = append(a.entries, entry)
	return nil
}

func (a *recordingAudit) TermStats(ctx context.Context, actorID uuid.UUID, since, until time.Time) (audit.ActionStats, error) {
	if a.statsErr != nil {
		return audit.ActionStats{}, a.statsErr
	}
	return a.stats, nil
}

type recordingRevoker struct {
	revoked []uuid.UUID
	err     error
}

func (r *recordingRevoker) RevokeSessions(ctx context.Context, accountID uuid.UUID) error {
	if r.err != nil {
		return r.err
	}
	r.revoked = append(r.revoked, accountID)
	return nil
}

func seedChancellor(repo *memoryStaffRepo, diocese string) StaffAccount {
	start := time.Now().Add(-90 * 24 * time.Hour)
	account := StaffAccount{
		ID:        uuid.New(),
		Email:     uuid.NewString() + "@curia.local",
		Name:      "Incumbent Chancellor",
		Role:      RoleChancellor,
		Scope:     Scope{Diocese: diocese},
		Status:    StatusActive,
		TermStart: &start,
	}
	repo.accounts[account.ID] = account
	repo.nextTerm++
	repo.terms[repo.nextTerm] = TermRecord{
		ID:         repo.nextTerm,
		StaffID:    account.ID,
		StaffName:  account.Name,
		StaffEmail: account.Email,
		Scope:      account.Scope,
		TermStart:  start,
		Status:     TermActive,
	}
	return account
}

func seedPending(repo *memoryStaffRepo, role Role, scope Scope) StaffAccount {
	account := StaffAccount{
		ID:     uuid.New(),
		Email:  uuid.NewString() + "@curia.local",
		Name:   "Pending Applicant",
		Role:   role,
		Scope:  scope,
		Status: StatusPending,
	}
	repo.accounts[account.ID] = account
	return account
}

func seedParishStaff(repo *memoryStaffRepo, scope Scope) StaffAccount {
	start := time.Now().Add(-30 * 24 * time.Hour)
	account := StaffAccount{
		ID:        uuid.New(),
		Email:     uuid.NewString() + "@curia.local",
		Name:      "Parish Staffer",
		Role:      RoleParishStaff,
		Scope:     scope,
		Status:    StatusActive,
		TermStart: &start,
	}
	repo.accounts[account.ID] = account
	repo.nextTerm++
	repo.terms[repo.nextTerm] = TermRecord{
		ID:         repo.nextTerm,
		StaffID:    account.ID,
		StaffName:  account.Name,
		StaffEmail: account.Email,
		Scope:      scope,
		TermStart:  start,
		Status:     TermActive,
	}
	return account
}

func TestApproveChancellorSuccession(t *testing.T) {
	repo := newMemoryStaffRepo()
	sink := &recordingAudit{stats: audit.ActionStats{Total: 12, ByAction: map[string]int64{ActionActivate: 3}}}
	revoker := &recordingRevoker{}
	svc := NewService(repo, sink, revoker, nil, nil)

	incumbent := seedChancellor(repo, "diocese-of-cashel")
	applicant := seedPending(repo, RoleChancellor, Scope{Diocese: "diocese-of-cashel"})

	outcome, err := svc.Approve(context.Background(), incumbent.ID, applicant.ID, "handover complete")
	require.NoError(t, err)
	require.Equal(t, applicant.ID, outcome.ActivatedID)
	require.NotNil(t, outcome.ArchivedApproverID)
	require.Equal(t, incumbent.ID, *outcome.ArchivedApproverID)
	require.True(t, outcome.SessionsRevoked)
	require.Equal(t, []uuid.UUID{incumbent.ID}, revoker.revoked)

	activated := repo.accounts[applicant.ID]
	require.Equal(t, StatusActive, activated.Status)
	require.NotNil(t, activated.TermStart)
	require.NotNil(t, activated.ApprovedBy)
	require.Equal(t, incumbent.ID, *activated.ApprovedBy)

	archived := repo.accounts[incumbent.ID]
	require.Equal(t, StatusArchived, archived.Status)
	require.NotNil(t, archived.TermEnd)

	// The incumbent's ledger entry is closed with successor and stats, and
	// a fresh entry is open for the successor.
	var closed, opened bool
	for _, term := range repo.terms {
		switch term.StaffID {
		case incumbent.ID:
			require.Equal(t, TermCompleted, term.Status)
			require.NotNil(t, term.TermEnd)
			require.NotNil(t, term.SuccessorID)
			require.Equal(t, applicant.ID, *term.SuccessorID)
			require.NotNil(t, term.Stats)
			require.Equal(t, int64(12), term.Stats.Total)
			closed = true
		case applicant.ID:
			require.Equal(t, TermActive, term.Status)
			require.Nil(t, term.TermEnd)
			opened = true
		}
	}
	require.True(t, closed)
	require.True(t, opened)

	actions := make([]string, 0, len(sink.entries))
	for _, entry := range sink.entries {
		actions = append(actions, entry.Action)
	}
	require.Contains(t, actions, ActionActivate)
	require.Contains(t, actions, ActionSelfArchive)
}

func TestApproveChancellorStatsUnavailable(t *testing.T) {
	repo := newMemoryStaffRepo()
	sink := &recordingAudit{statsErr: errors.New("audit store down")}
	svc := NewService(repo, sink, nil, nil, nil)

	incumbent := seedChancellor(repo, "diocese-of-tuam")
	applicant := seedPending(repo, RoleChancellor, Scope{Diocese: "diocese-of-tuam"})

	_, err := svc.Approve(context.Background(), incumbent.ID, applicant.ID, "")
	require.NoError(t, err)

	term, ok := repo.openTerm(applicant.ID)
	require.True(t, ok)
	require.Equal(t, TermActive, term.Status)
	for _, closed := range repo.terms {
		if closed.StaffID == incumbent.ID {
			require.Equal(t, TermCompleted, closed.Status)
			require.Nil(t, closed.Stats)
		}
	}
}

func TestApproveParishStaffCoexists(t *testing.T) {
	repo := newMemoryStaffRepo()
	scope := Scope{Diocese: "diocese-of-cashel", ParishID: "parish-holy-cross", Position: PositionSecretary}
	svc := NewService(repo, &recordingAudit{}, &recordingRevoker{}, nil, nil)

	approver := seedParishStaff(repo, scope)
	applicant := seedPending(repo, RoleParishStaff, scope)

	outcome, err := svc.Approve(context.Background(), approver.ID, applicant.ID, "")
	require.NoError(t, err)
	require.Equal(t, applicant.ID, outcome.ActivatedID)
	require.Nil(t, outcome.ArchivedApproverID)
	require.False(t, outcome.SessionsRevoked)

	// Both hold the seat afterwards.
	require.Equal(t, StatusActive, repo.accounts[approver.ID].Status)
	require.Equal(t, StatusActive, repo.accounts[applicant.ID].Status)
	holders, err := repo.ListSeatHolders(context.Background(), scope, RoleParishStaff)
	require.NoError(t, err)
	require.Len(t, holders, 2)
}

func TestApproveAlreadyProcessed(t *testing.T) {
	repo := newMemoryStaffRepo()
	svc := NewService(repo, &recordingAudit{}, nil, nil, nil)

	incumbent := seedChancellor(repo, "diocese-of-cashel")
	applicant := seedPending(repo, RoleChancellor, Scope{Diocese: "diocese-of-cashel"})

	rejected := repo.accounts[applicant.ID]
	rejected.Status = StatusRejected
	repo.accounts[applicant.ID] = rejected

	_, err := svc.Approve(context.Background(), incumbent.ID, applicant.ID, "")
	require.ErrorIs(t, err, ErrAlreadyProcessed)
}

func TestApproveSeatOccupied(t *testing.T) {
	repo := newMemoryStaffRepo()
	svc := NewService(repo, &recordingAudit{}, nil, nil, nil)

	incumbent := seedChancellor(repo, "diocese-of-cashel")
	applicant := seedPending(repo, RoleChancellor, Scope{Diocese: "diocese-of-cashel"})

	// A second holder blocks the singleton seat even while inactive.
	other := seedChancellor(repo, "diocese-of-cashel")
	suspended := repo.accounts[other.ID]
	suspended.Status = StatusInactive
	repo.accounts[other.ID] = suspended

	_, err := svc.Approve(context.Background(), incumbent.ID, applicant.ID, "")
	require.ErrorIs(t, err, ErrSeatOccupied)
	require.Equal(t, StatusPending, repo.accounts[applicant.ID].Status)
	require.Equal(t, StatusActive, repo.accounts[incumbent.ID].Status)
}

func TestApproveScopeMismatch(t *testing.T) {
	repo := newMemoryStaffRepo()
	svc := NewService(repo, &recordingAudit{}, nil, nil, nil)

	incumbent := seedChancellor(repo, "diocese-of-cashel")
	applicant := seedPending(repo, RoleChancellor, Scope{Diocese: "diocese-of-tuam"})

	_, err := svc.Approve(context.Background(), incumbent.ID, applicant.ID, "")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestApproveParishStaffByChancellor(t *testing.T) {
	repo := newMemoryStaffRepo()
	svc := NewService(repo, &recordingAudit{}, &recordingRevoker{}, nil, nil)

	chancellor := seedChancellor(repo, "diocese-of-cashel")
	scope := Scope{Diocese: "diocese-of-cashel", ParishID: "parish-holy-cross", Position: PositionPriest}
	applicant := seedPending(repo, RoleParishStaff, scope)

	outcome, err := svc.Approve(context.Background(), chancellor.ID, applicant.ID, "")
	require.NoError(t, err)
	require.Nil(t, outcome.ArchivedApproverID)
	// Approving a co-existing seat never touches the chancellor's account.
	require.Equal(t, StatusActive, repo.accounts[chancellor.ID].Status)
}

func TestRejectIsTerminalAndTermless(t *testing.T) {
	repo := newMemoryStaffRepo()
	sink := &recordingAudit{}
	svc := NewService(repo, sink, nil, nil, nil)

	incumbent := seedChancellor(repo, "diocese-of-cashel")
	applicant := seedPending(repo, RoleChancellor, Scope{Diocese: "diocese-of-cashel"})

	err := svc.Reject(context.Background(), incumbent.ID, applicant.ID, "incomplete paperwork")
	require.NoError(t, err)

	rejected := repo.accounts[applicant.ID]
	require.Equal(t, StatusRejected, rejected.Status)
	require.Equal(t, "incomplete paperwork", rejected.RejectionReason)
	_, ok := repo.openTerm(applicant.ID)
	require.False(t, ok)

	// Terminal: a second decision on the same application fails.
	_, err = svc.Approve(context.Background(), incumbent.ID, applicant.ID, "")
	require.ErrorIs(t, err, ErrAlreadyProcessed)
	err = svc.Reject(context.Background(), incumbent.ID, applicant.ID, "again")
	require.ErrorIs(t, err, ErrAlreadyProcessed)
}

func TestRejectRequiresReason(t *testing.T) {
	repo := newMemoryStaffRepo()
	svc := NewService(repo, &recordingAudit{}, nil, nil, nil)

	incumbent := seedChancellor(repo, "diocese-of-cashel")
	applicant := seedPending(repo, RoleChancellor, Scope{Diocese: "diocese-of-cashel"})

	err := svc.Reject(context.Background(), incumbent.ID, applicant.ID, "   ")
	require.ErrorIs(t, err, ErrValidation)
	require.Equal(t, StatusPending, repo.accounts[applicant.ID].Status)
}

func TestEndTermResignation(t *testing.T) {
	repo := newMemoryStaffRepo()
	sink := &recordingAudit{stats: audit.ActionStats{Total: 4}}
	revoker := &recordingRevoker{}
	svc := NewService(repo, sink, revoker, nil, nil)

	incumbent := seedChancellor(repo, "diocese-of-cashel")

	err := svc.EndTerm(context.Background(), incumbent.ID, incumbent.ID, "retirement")
	require.NoError(t, err)

	archived := repo.accounts[incumbent.ID]
	require.Equal(t, StatusArchived, archived.Status)
	require.NotNil(t, archived.TermEnd)
	require.Equal(t, []uuid.UUID{incumbent.ID}, revoker.revoked)

	for _, term := range repo.terms {
		if term.StaffID == incumbent.ID {
			require.Equal(t, TermCompleted, term.Status)
			require.Equal(t, "retirement", term.EndReason)
			require.Nil(t, term.SuccessorID)
			require.NotNil(t, term.Stats)
		}
	}
}

func TestEndTermRequiresActiveTarget(t *testing.T) {
	repo := newMemoryStaffRepo()
	svc := NewService(repo, &recordingAudit{}, nil, nil, nil)

	chancellor := seedChancellor(repo, "diocese-of-cashel")
	target := seedParishStaff(repo, Scope{Diocese: "diocese-of-cashel", ParishID: "parish-holy-cross", Position: PositionSecretary})
	suspended := repo.accounts[target.ID]
	suspended.Status = StatusInactive
	repo.accounts[target.ID] = suspended

	err := svc.EndTerm(context.Background(), chancellor.ID, target.ID, "vacating")
	require.ErrorIs(t, err, ErrNotActive)
}

func TestToggleActiveSuspendAndResume(t *testing.T) {
	repo := newMemoryStaffRepo()
	svc := NewService(repo, &recordingAudit{}, nil, nil, nil)

	chancellor := seedChancellor(repo, "diocese-of-cashel")
	scope := Scope{Diocese: "diocese-of-cashel", ParishID: "parish-holy-cross", Position: PositionSecretary}
	target := seedParishStaff(repo, scope)

	err := svc.ToggleActive(context.Background(), chancellor.ID, target.ID, StatusInactive, "extended sick leave")
	require.NoError(t, err)

	suspended := repo.accounts[target.ID]
	require.Equal(t, StatusInactive, suspended.Status)
	require.NotNil(t, suspended.DeactivatedAt)
	require.Equal(t, "extended sick leave", suspended.DeactivationReason)

	term, ok := repo.openTerm(target.ID)
	require.True(t, ok)
	require.Equal(t, TermSuspended, term.Status)
	require.Nil(t, term.TermEnd)

	// A suspended holder still blocks nothing for co-existing seats but
	// remains listed as a seat holder.
	holders, err := repo.ListSeatHolders(context.Background(), scope, RoleParishStaff)
	require.NoError(t, err)
	require.Len(t, holders, 1)

	err = svc.ToggleActive(context.Background(), chancellor.ID, target.ID, StatusActive, "")
	require.NoError(t, err)

	resumed := repo.accounts[target.ID]
	require.Equal(t, StatusActive, resumed.Status)
	require.Nil(t, resumed.DeactivatedAt)
	require.Empty(t, resumed.DeactivationReason)

	term, ok = repo.openTerm(target.ID)
	require.True(t, ok)
	require.Equal(t, TermActive, term.Status)
}

func TestToggleActiveReasonLength(t *testing.T) {
	repo := newMemoryStaffRepo()
	svc := NewService(repo, &recordingAudit{}, nil, nil, nil)

	chancellor := seedChancellor(repo, "diocese-of-cashel")
	target := seedParishStaff(repo, Scope{Diocese: "diocese-of-cashel", ParishID: "parish-holy-cross", Position: PositionSecretary})

	err := svc.ToggleActive(context.Background(), chancellor.ID, target.ID, StatusInactive, "too short")
	require.ErrorIs(t, err, ErrValidation)
	require.Equal(t, StatusActive, repo.accounts[target.ID].Status)

	err = svc.ToggleActive(context.Background(), chancellor.ID, target.ID, StatusInactive, "documented extended leave")
	require.NoError(t, err)
}

func TestToggleActiveSelfForbidden(t *testing.T) {
	repo := newMemoryStaffRepo()
	svc := NewService(repo, &recordingAudit{}, nil, nil, nil)

	chancellor := seedChancellor(repo, "diocese-of-cashel")

	err := svc.ToggleActive(context.Background(), chancellor.ID, chancellor.ID, StatusInactive, "stepping away briefly")
	require.ErrorIs(t, err, ErrCannotActOnSelf)
}

func TestResumeThenEndTermCompletesLedger(t *testing.T) {
	repo := newMemoryStaffRepo()
	sink := &recordingAudit{stats: audit.ActionStats{Total: 2}}
	svc := NewService(repo, sink, nil, nil, nil)

	chancellor := seedChancellor(repo, "diocese-of-cashel")
	scope := Scope{Diocese: "diocese-of-cashel", ParishID: "parish-holy-cross", Position: PositionSecretary}
	target := seedParishStaff(repo, scope)

	// Suspend, resume, then end the term: the single ledger entry must
	// follow ACTIVE -> SUSPENDED -> ACTIVE -> COMPLETED.
	err := svc.ToggleActive(context.Background(), chancellor.ID, target.ID, StatusInactive, "extended sick leave")
	require.NoError(t, err)
	term, ok := repo.openTerm(target.ID)
	require.True(t, ok)
	require.Equal(t, TermSuspended, term.Status)

	err = svc.ToggleActive(context.Background(), chancellor.ID, target.ID, StatusActive, "")
	require.NoError(t, err)
	term, ok = repo.openTerm(target.ID)
	require.True(t, ok)
	require.Equal(t, TermActive, term.Status)

	err = svc.EndTerm(context.Background(), chancellor.ID, target.ID, "contract ended")
	require.NoError(t, err)

	_, ok = repo.openTerm(target.ID)
	require.False(t, ok)
	var completed int
	for _, ledger := range repo.terms {
		if ledger.StaffID == target.ID {
			require.Equal(t, TermCompleted, ledger.Status)
			require.Equal(t, "contract ended", ledger.EndReason)
			require.NotNil(t, ledger.TermEnd)
			completed++
		}
	}
	require.Equal(t, 1, completed)
}

func TestApproveRaceLoserSeesAlreadyProcessed(t *testing.T) {
	repo := newMemoryStaffRepo()
	svc := NewService(repo, &recordingAudit{}, nil, nil, nil)

	scope := Scope{Diocese: "diocese-of-cashel", ParishID: "parish-holy-cross", Position: PositionSecretary}
	approver := seedParishStaff(repo, scope)
	applicant := seedPending(repo, RoleParishStaff, scope)

	_, err := svc.Approve(context.Background(), approver.ID, applicant.ID, "")
	require.NoError(t, err)

	// The second decision re-reads the row under lock and must observe
	// the completed transition, not a serialization failure.
	_, err = svc.Approve(context.Background(), approver.ID, applicant.ID, "")
	require.ErrorIs(t, err, ErrAlreadyProcessed)
}

func TestToggleActiveBumpsHistoryCache(t *testing.T) {
	repo := newMemoryStaffRepo()
	cache := newTestCache(t)
	svc := NewService(repo, &recordingAudit{}, nil, cache, nil)

	chancellor := seedChancellor(repo, "diocese-of-cashel")
	scope := Scope{Diocese: "diocese-of-cashel", ParishID: "parish-holy-cross", Position: PositionSecretary}
	target := seedParishStaff(repo, scope)

	before, err := cache.Version(context.Background())
	require.NoError(t, err)

	err = svc.ToggleActive(context.Background(), chancellor.ID, target.ID, StatusInactive, "extended sick leave")
	require.NoError(t, err)

	after, err := cache.Version(context.Background())
	require.NoError(t, err)
	require.Greater(t, after, before)
}

func TestToggleActiveInvalidTransition(t *testing.T) {
	repo := newMemoryStaffRepo()
	svc := NewService(repo, &recordingAudit{}, nil, nil, nil)

	chancellor := seedChancellor(repo, "diocese-of-cashel")
	target := seedParishStaff(repo, Scope{Diocese: "diocese-of-cashel", ParishID: "parish-holy-cross", Position: PositionSecretary})

	// Resuming an account that is not suspended is rejected.
	err := svc.ToggleActive(context.Background(), chancellor.ID, target.ID, StatusActive, "")
	require.ErrorIs(t, err, ErrInvalidTransition)
}
