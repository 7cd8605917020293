package staff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/curia-hub/curia-hub/internal/audit"
	"github.com/curia-hub/curia-hub/internal/identity"
)

// IdentityPort is the identity provider surface registration needs.
type IdentityPort interface {
	Create(ctx context.Context, email, password string) (uuid.UUID, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// RegisterInput carries a self-registration application.
type RegisterInput struct {
	Email    string
	Name     string
	Phone    string
	Password string
	Role     Role
	Scope    Scope
}

// RegistrationService creates pending staff accounts together with their
// login identity, rolling the identity back when the profile write fails.
type RegistrationService struct {
	repo     RepositoryPort
	identity IdentityPort
	audit    AuditPort
	logger   *slog.Logger
	titler   cases.Caser
}

// NewRegistrationService constructs a RegistrationService.
func NewRegistrationService(repo RepositoryPort, provider IdentityPort, auditSink AuditPort, logger *slog.Logger) *RegistrationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RegistrationService{
		repo:     repo,
		identity: provider,
		audit:    auditSink,
		logger:   logger,
		titler:   cases.Title(language.Und, cases.NoLower),
	}
}

// Register validates the application, creates the identity, and writes the
// pending account. The applicant gains no session; activation happens later
// through the succession workflow.
func (s *RegistrationService) Register(ctx context.Context, input RegisterInput) (uuid.UUID, error) {
	if err := s.validate(&input); err != nil {
		return uuid.Nil, err
	}

	id, err := s.identity.Create(ctx, input.Email, input.Password)
	if err != nil {
		if errors.Is(err, identity.ErrDuplicate) {
			return uuid.Nil, ErrDuplicateIdentity
		}
		return uuid.Nil, fmt.Errorf("staff: create identity: %w", err)
	}

	account := StaffAccount{
		ID:     id,
		Email:  input.Email,
		Name:   input.Name,
		Phone:  input.Phone,
		Role:   input.Role,
		Scope:  input.Scope,
		Status: StatusPending,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.CreateAccount(ctx, account)
	})
	if err != nil {
		// Roll back the identity so no loginable-but-profile-less identity
		// persists. Rollback failure is a distinct diagnosis for support.
		if delErr := s.identity.Delete(ctx, id); delErr != nil {
			s.logger.Error("identity rollback failed",
				slog.String("identity", id.String()),
				slog.Any("write_error", err),
				slog.Any("rollback_error", delErr))
			return uuid.Nil, fmt.Errorf("%w: %v", ErrOrphanedIdentity, err)
		}
		return uuid.Nil, fmt.Errorf("staff: write account: %w", err)
	}

	if s.audit != nil {
		entry := audit.Entry{
			ActorID:  id,
			Action:   ActionRegister,
			Entity:   auditEntity,
			EntityID: id.String(),
			Meta:     map[string]any{"scope": input.Scope.Key(), "role": string(input.Role)},
		}
		if err := s.audit.Record(ctx, entry); err != nil {
			s.logger.Warn("audit record", slog.String("action", ActionRegister), slog.Any("error", err))
		}
	}

	return id, nil
}

func (s *RegistrationService) validate(input *RegisterInput) error {
	input.Email = strings.ToLower(strings.TrimSpace(input.Email))
	input.Name = s.titler.String(strings.Join(strings.Fields(input.Name), " "))
	input.Phone = strings.TrimSpace(input.Phone)

	if input.Email == "" || !strings.Contains(input.Email, "@") {
		return fmt.Errorf("%w: valid email required", ErrValidation)
	}
	if input.Name == "" {
		return fmt.Errorf("%w: name required", ErrValidation)
	}
	if len(input.Password) < 8 {
		return fmt.Errorf("%w: password must be at least 8 characters", ErrValidation)
	}
	if uniformPassword(input.Password) {
		return fmt.Errorf("%w: password must not repeat a single character", ErrValidation)
	}
	if input.Scope.Diocese == "" {
		return fmt.Errorf("%w: diocese required", ErrValidation)
	}
	switch input.Role {
	case RoleChancellor:
		if input.Scope.ParishID != "" || input.Scope.Position != "" {
			return fmt.Errorf("%w: chancellor scope is the diocese alone", ErrValidation)
		}
	case RoleParishStaff:
		if input.Scope.ParishID == "" {
			return fmt.Errorf("%w: parish required for parish staff", ErrValidation)
		}
		if input.Scope.Position != PositionSecretary && input.Scope.Position != PositionPriest {
			return fmt.Errorf("%w: position must be secretary or priest", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown role", ErrValidation)
	}
	return nil
}

// uniformPassword reports whether the password is one repeated byte.
func uniformPassword(password string) bool {
	for i := 1; i < len(password); i++ {
		if password[i] != password[0] {
			return false
		}
	}
	return len(password) > 0
}
