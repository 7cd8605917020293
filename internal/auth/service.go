// Package auth issues and tears down sessions for staff accounts.
package auth

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/curia-hub/curia-hub/internal/shared"
	"github.com/curia-hub/curia-hub/internal/staff"
)

// IdentityPort verifies credentials against the identity provider.
type IdentityPort interface {
	Verify(ctx context.Context, email, password string) (uuid.UUID, error)
}

// AccountPort resolves identities to staff accounts.
type AccountPort interface {
	GetAccount(ctx context.Context, id uuid.UUID) (staff.StaffAccount, error)
}

// SessionRepository persists session metadata in postgres so the identity
// provider can enumerate and revoke them later.
type SessionRepository interface {
	CreateSession(ctx context.Context, id string, identityID uuid.UUID, expiresAt time.Time, ip, ua string) error
	DeleteSession(ctx context.Context, id string) error
}

// Service wraps authentication business rules.
type Service struct {
	identity IdentityPort
	accounts AccountPort
	repo     SessionRepository
}

// NewService constructs a new Service.
func NewService(identity IdentityPort, accounts AccountPort, repo SessionRepository) *Service {
	return &Service{identity: identity, accounts: accounts, repo: repo}
}

// Authenticate validates credentials and returns the staff account. Only
// accounts currently in seat and not suspended may sign in.
func (s *Service) Authenticate(ctx context.Context, email, password string) (staff.StaffAccount, error) {
	id, err := s.identity.Verify(ctx, email, password)
	if err != nil {
		return staff.StaffAccount{}, shared.ErrInvalidCredentials
	}
	account, err := s.accounts.GetAccount(ctx, id)
	if err != nil {
		return staff.StaffAccount{}, shared.ErrInvalidCredentials
	}
	if account.Status != staff.StatusActive {
		return staff.StaffAccount{}, shared.ErrInvalidCredentials
	}
	return account, nil
}

// RegisterSession persists the session metadata in postgres.
func (s *Service) RegisterSession(ctx context.Context, id string, identityID uuid.UUID, expiresAt time.Time, ip, ua string) error {
	return s.repo.CreateSession(ctx, id, identityID, expiresAt, ip, ua)
}

// RemoveSession deletes a session record from postgres.
func (s *Service) RemoveSession(ctx context.Context, id string) error {
	return s.repo.DeleteSession(ctx, id)
}
