package staff

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/curia-hub/curia-hub/internal/platform/db"
)

// RepositoryPort describes repository operations used by the services.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetAccount(ctx context.Context, id uuid.UUID) (StaffAccount, error)
	GetAccountByEmail(ctx context.Context, email string) (StaffAccount, error)
	ListSeatHolders(ctx context.Context, scope Scope, role Role) ([]StaffAccount, error)
	ListPending(ctx context.Context, scope Scope) ([]StaffAccount, error)
	ListTerms(ctx context.Context, scope Scope) ([]TermRecord, error)
}

// TxRepository exposes the mutations applied inside one transaction.
type TxRepository interface {
	GetAccountForUpdate(ctx context.Context, id uuid.UUID) (StaffAccount, error)
	CreateAccount(ctx context.Context, account StaffAccount) error
	UpdateAccount(ctx context.Context, account StaffAccount) error
	CountSeatHolders(ctx context.Context, scope Scope, role Role, excluding uuid.UUID) (int, error)
	InsertTerm(ctx context.Context, term TermRecord) (int64, error)
	GetOpenTermForUpdate(ctx context.Context, staffID uuid.UUID) (TermRecord, error)
	UpdateTerm(ctx context.Context, term TermRecord) error
}

// Repository provides PostgreSQL backed persistence for accounts and the
// term ledger.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps the callback in a transaction. Mutations serialize on the
// FOR UPDATE locks taken inside, not on the isolation level.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const accountColumns = `id, email, name, phone, role, diocese, parish_id, position, status,
term_start, term_end, approved_by, approved_at, rejection_reason,
deactivated_at, deactivation_reason, created_at, updated_at`

func scanAccount(row pgx.Row) (StaffAccount, error) {
	var a StaffAccount
	// rejection_reason and deactivation_reason may be NULL in rows that
	// predate the column defaults.
	var rejection, deactivation *string
	err := row.Scan(&a.ID, &a.Email, &a.Name, &a.Phone, &a.Role, &a.Scope.Diocese,
		&a.Scope.ParishID, &a.Scope.Position, &a.Status, &a.TermStart, &a.TermEnd,
		&a.ApprovedBy, &a.ApprovedAt, &rejection, &a.DeactivatedAt,
		&deactivation, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StaffAccount{}, ErrNotFound
		}
		return StaffAccount{}, err
	}
	if rejection != nil {
		a.RejectionReason = *rejection
	}
	if deactivation != nil {
		a.DeactivationReason = *deactivation
	}
	return a, nil
}

// GetAccount returns one account by id.
func (r *Repository) GetAccount(ctx context.Context, id uuid.UUID) (StaffAccount, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM staff_accounts WHERE id = $1`, id)
	return scanAccount(row)
}

// GetAccountByEmail returns one account by email.
func (r *Repository) GetAccountByEmail(ctx context.Context, email string) (StaffAccount, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM staff_accounts WHERE email = $1`, email)
	return scanAccount(row)
}

// ListSeatHolders returns accounts currently occupying the seat, active or
// suspended, oldest term first.
func (r *Repository) ListSeatHolders(ctx context.Context, scope Scope, role Role) ([]StaffAccount, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+accountColumns+` FROM staff_accounts
WHERE role = $1 AND diocese = $2 AND parish_id = $3 AND position = $4
  AND status IN ($5, $6)
ORDER BY term_start ASC`, role, scope.Diocese, scope.ParishID, scope.Position, StatusActive, StatusInactive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAccounts(rows)
}

// ListPending returns pending applications for a scope, oldest first.
func (r *Repository) ListPending(ctx context.Context, scope Scope) ([]StaffAccount, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+accountColumns+` FROM staff_accounts
WHERE diocese = $1 AND parish_id = $2 AND status = $3
ORDER BY created_at ASC`, scope.Diocese, scope.ParishID, StatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAccounts(rows)
}

func collectAccounts(rows pgx.Rows) ([]StaffAccount, error) {
	var accounts []StaffAccount
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return accounts, nil
}

const termColumns = `id, staff_id, staff_name, staff_email, diocese, parish_id, position,
term_start, term_end, status, end_reason, successor_id, stats`

func scanTerm(row pgx.Row) (TermRecord, error) {
	var t TermRecord
	var statsJSON []byte
	var endReason *string
	err := row.Scan(&t.ID, &t.StaffID, &t.StaffName, &t.StaffEmail, &t.Scope.Diocese,
		&t.Scope.ParishID, &t.Scope.Position, &t.TermStart, &t.TermEnd, &t.Status,
		&endReason, &t.SuccessorID, &statsJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TermRecord{}, ErrNotFound
		}
		return TermRecord{}, err
	}
	if endReason != nil {
		t.EndReason = *endReason
	}
	if len(statsJSON) > 0 {
		_ = json.Unmarshal(statsJSON, &t.Stats)
	}
	return t, nil
}

// ListTerms returns the term history for a scope, most recent first.
func (r *Repository) ListTerms(ctx context.Context, scope Scope) ([]TermRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+termColumns+` FROM term_records
WHERE diocese = $1 AND parish_id = $2 AND position = $3
ORDER BY term_start DESC`, scope.Diocese, scope.ParishID, scope.Position)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var terms []TermRecord
	for rows.Next() {
		term, err := scanTerm(rows)
		if err != nil {
			return nil, err
		}
		terms = append(terms, term)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return terms, nil
}

// Transactional operations

// GetAccountForUpdate re-reads the account inside the transaction with a row
// lock, so concurrent workflow calls serialize on the same entity.
func (t *txRepo) GetAccountForUpdate(ctx context.Context, id uuid.UUID) (StaffAccount, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM staff_accounts WHERE id = $1 FOR UPDATE`, id)
	return scanAccount(row)
}

// CreateAccount inserts a new account record.
func (t *txRepo) CreateAccount(ctx context.Context, a StaffAccount) error {
	now := time.Now()
	_, err := t.tx.Exec(ctx, `INSERT INTO staff_accounts
(id, email, name, phone, role, diocese, parish_id, position, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
		a.ID, a.Email, a.Name, a.Phone, a.Role, a.Scope.Diocese, a.Scope.ParishID,
		a.Scope.Position, a.Status, now)
	return err
}

// UpdateAccount writes the mutable account fields.
func (t *txRepo) UpdateAccount(ctx context.Context, a StaffAccount) error {
	tag, err := t.tx.Exec(ctx, `UPDATE staff_accounts SET
status = $2, term_start = $3, term_end = $4, approved_by = $5, approved_at = $6,
rejection_reason = $7, deactivated_at = $8, deactivation_reason = $9, updated_at = NOW()
WHERE id = $1`,
		a.ID, a.Status, a.TermStart, a.TermEnd, a.ApprovedBy, a.ApprovedAt,
		a.RejectionReason, a.DeactivatedAt, a.DeactivationReason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountSeatHolders counts accounts blocking the seat, excluding one id.
func (t *txRepo) CountSeatHolders(ctx context.Context, scope Scope, role Role, excluding uuid.UUID) (int, error) {
	var count int
	err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM staff_accounts
WHERE role = $1 AND diocese = $2 AND parish_id = $3 AND position = $4
  AND status IN ($5, $6) AND id <> $7`,
		role, scope.Diocese, scope.ParishID, scope.Position, StatusActive, StatusInactive, excluding).Scan(&count)
	return count, err
}

// InsertTerm opens a new ledger entry.
func (t *txRepo) InsertTerm(ctx context.Context, term TermRecord) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO term_records
(staff_id, staff_name, staff_email, diocese, parish_id, position, term_start, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id`,
		term.StaffID, term.StaffName, term.StaffEmail, term.Scope.Diocese,
		term.Scope.ParishID, term.Scope.Position, term.TermStart, term.Status).Scan(&id)
	return id, err
}

// GetOpenTermForUpdate locks and returns the account's open term entry. A
// suspended entry is still open: only COMPLETED closes the ledger row.
func (t *txRepo) GetOpenTermForUpdate(ctx context.Context, staffID uuid.UUID) (TermRecord, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+termColumns+` FROM term_records
WHERE staff_id = $1 AND status IN ($2, $3)
ORDER BY term_start DESC LIMIT 1 FOR UPDATE`, staffID, TermActive, TermSuspended)
	return scanTerm(row)
}

// UpdateTerm writes the closing fields of a ledger entry. Ledger rows are
// mutated once, never deleted.
func (t *txRepo) UpdateTerm(ctx context.Context, term TermRecord) error {
	var statsJSON []byte
	if term.Stats != nil {
		data, err := json.Marshal(term.Stats)
		if err != nil {
			return err
		}
		statsJSON = data
	}
	tag, err := t.tx.Exec(ctx, `UPDATE term_records SET
status = $2, term_end = $3, end_reason = $4, successor_id = $5, stats = $6
WHERE id = $1`,
		term.ID, term.Status, term.TermEnd, term.EndReason, term.SuccessorID, statsJSON)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
