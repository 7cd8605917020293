// Package identity is the authority for login credentials: it issues stable
// account identifiers, stores password hashes, and revokes live sessions.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/curia-hub/curia-hub/internal/shared"
)

// ErrDuplicate indicates the credential already exists.
var ErrDuplicate = errors.New("identity: credential already exists")

const uniqueViolation = "23505"

// Provider manages identities in PostgreSQL and sessions in Redis.
type Provider struct {
	pool     *pgxpool.Pool
	sessions *shared.SessionManager
	logger   *slog.Logger
}

// NewProvider constructs a Provider.
func NewProvider(pool *pgxpool.Pool, sessions *shared.SessionManager, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{pool: pool, sessions: sessions, logger: logger}
}

// Create stores a new identity and returns its stable identifier.
func (p *Provider) Create(ctx context.Context, email, password string) (uuid.UUID, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return uuid.Nil, fmt.Errorf("identity: hash credential: %w", err)
	}
	id := uuid.New()
	_, err = p.pool.Exec(ctx, `INSERT INTO identities (id, email, password_hash, created_at)
VALUES ($1, $2, $3, NOW())`, id, email, hash)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return uuid.Nil, ErrDuplicate
		}
		return uuid.Nil, fmt.Errorf("identity: create: %w", err)
	}
	return id, nil
}

// Delete removes an identity. Used only for registration rollback.
func (p *Provider) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM identities WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("identity: delete: %w", err)
	}
	return nil
}

// Verify checks a credential against the stored hash and returns the
// identity id on success.
func (p *Provider) Verify(ctx context.Context, email, password string) (uuid.UUID, error) {
	var id uuid.UUID
	var hash []byte
	err := p.pool.QueryRow(ctx, `SELECT id, password_hash FROM identities WHERE email = $1`, email).Scan(&id, &hash)
	if err != nil {
		return uuid.Nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return uuid.Nil, shared.ErrInvalidCredentials
	}
	return id, nil
}

// RevokeSessions force-expires every live session held by the identity.
// Best-effort: a failed redis delete is logged and the sweep continues.
func (p *Provider) RevokeSessions(ctx context.Context, id uuid.UUID) error {
	rows, err := p.pool.Query(ctx, `SELECT id FROM sessions WHERE identity_id = $1`, id)
	if err != nil {
		return fmt.Errorf("identity: list sessions: %w", err)
	}
	defer rows.Close()

	var sessionIDs []string
	for rows.Next() {
		var sessionID string
		if err := rows.Scan(&sessionID); err != nil {
			return err
		}
		sessionIDs = append(sessionIDs, sessionID)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, sessionID := range sessionIDs {
		if p.sessions == nil {
			break
		}
		if err := p.sessions.Revoke(ctx, sessionID); err != nil {
			p.logger.Warn("revoke session", slog.String("session", sessionID), slog.Any("error", err))
		}
	}

	if _, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE identity_id = $1`, id); err != nil {
		return fmt.Errorf("identity: delete sessions: %w", err)
	}
	return nil
}
