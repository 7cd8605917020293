package staff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/curia-hub/curia-hub/internal/audit"
)

// Audit action names recorded by the engine.
const (
	ActionRegister    = "STAFF_REGISTER"
	ActionActivate    = "STAFF_ACTIVATE"
	ActionReject      = "STAFF_REJECT"
	ActionSelfArchive = "STAFF_SELF_ARCHIVE"
	ActionEndTerm     = "STAFF_END_TERM"
	ActionDeactivate  = "STAFF_DEACTIVATE"
	ActionReactivate  = "STAFF_REACTIVATE"

	auditEntity = "staff_account"
)

// minDeactivationReason is the shortest acceptable suspension reason.
const minDeactivationReason = 10

// AuditPort is the audit sink surface the engine uses. Record failures are
// downgraded to warnings; the audit trail is supplementary, not
// authoritative, for account state.
type AuditPort interface {
	Record(ctx context.Context, entry audit.Entry) error
	TermStats(ctx context.Context, actorID uuid.UUID, since, until time.Time) (audit.ActionStats, error)
}

// SessionRevoker force-expires an account's live sessions after it loses
// its seat.
type SessionRevoker interface {
	RevokeSessions(ctx context.Context, accountID uuid.UUID) error
}

// Service is the succession workflow engine: the sole writer of account
// status transitions and term ledger entries.
type Service struct {
	repo     RepositoryPort
	audit    AuditPort
	sessions SessionRevoker
	cache    *HistoryCache
	logger   *slog.Logger
}

// NewService constructs the engine. The session revoker and cache may be nil.
func NewService(repo RepositoryPort, auditSink AuditPort, sessions SessionRevoker, cache *HistoryCache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: auditSink, sessions: sessions, cache: cache, logger: logger}
}

// GetAccount returns one account by id.
func (s *Service) GetAccount(ctx context.Context, id uuid.UUID) (StaffAccount, error) {
	return s.repo.GetAccount(ctx, id)
}

// Approve seats a pending applicant under the succession policy of its role.
// For the singleton policy the approver's own account is archived and its
// open term closed inside the same transaction; the returned outcome names
// every account whose state changed.
func (s *Service) Approve(ctx context.Context, approverID, pendingID uuid.UUID, notes string) (ApprovalOutcome, error) {
	approver, err := s.repo.GetAccount(ctx, approverID)
	if err != nil {
		return ApprovalOutcome{}, err
	}
	applicant, err := s.repo.GetAccount(ctx, pendingID)
	if err != nil {
		return ApprovalOutcome{}, err
	}
	if err := s.authorizeApproval(approver, applicant); err != nil {
		return ApprovalOutcome{}, err
	}

	now := time.Now()
	ap := Approval{Applicant: applicant, Approver: approver, Notes: notes, Now: now}

	// The approver's term closes under the singleton policy; snapshot its
	// activity up front so the stats land in the same transaction. A failed
	// stats fetch closes the term without stats.
	if applicant.Role == RoleChancellor && approver.TermStart != nil {
		stats, err := s.audit.TermStats(ctx, approver.ID, *approver.TermStart, now)
		if err != nil {
			s.logger.Warn("term stats unavailable, closing term without stats",
				slog.String("account", approver.ID.String()), slog.Any("error", err))
		} else {
			ap.ApproverStats = &stats
		}
	}

	var outcome ApprovalOutcome
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		// Re-read inside the transaction: the pending precondition is the
		// mutual-exclusion guard between concurrent approvals.
		current, err := tx.GetAccountForUpdate(ctx, pendingID)
		if err != nil {
			return err
		}
		if current.Status != StatusPending {
			return ErrAlreadyProcessed
		}
		currentApprover, err := tx.GetAccountForUpdate(ctx, approverID)
		if err != nil {
			return err
		}
		if currentApprover.Status != StatusActive {
			return ErrUnauthorized
		}
		ap.Applicant = current
		ap.Approver = currentApprover
		outcome, err = policyFor(current.Role).Apply(ctx, tx, ap)
		return err
	})
	if err != nil {
		return ApprovalOutcome{}, err
	}

	if outcome.ArchivedApproverID != nil && s.sessions != nil {
		if err := s.sessions.RevokeSessions(ctx, *outcome.ArchivedApproverID); err != nil {
			s.logger.Warn("revoke sessions", slog.Any("error", err))
		} else {
			outcome.SessionsRevoked = true
		}
	}

	s.record(ctx, audit.Entry{
		ActorID:  approverID,
		Action:   ActionActivate,
		Entity:   auditEntity,
		EntityID: pendingID.String(),
		Meta:     map[string]any{"scope": applicant.Scope.Key(), "role": string(applicant.Role), "notes": notes},
	})
	if outcome.ArchivedApproverID != nil {
		s.record(ctx, audit.Entry{
			ActorID:  approverID,
			Action:   ActionSelfArchive,
			Entity:   auditEntity,
			EntityID: approverID.String(),
			Meta:     map[string]any{"successor": pendingID.String()},
		})
	}
	s.bumpHistory(ctx)

	return outcome, nil
}

// Reject declines a pending application. Terminal: re-registration requires
// a brand-new account, and no term ledger entry is ever created.
func (s *Service) Reject(ctx context.Context, rejecterID, pendingID uuid.UUID, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return fmt.Errorf("%w: rejection reason required", ErrValidation)
	}
	rejecter, err := s.repo.GetAccount(ctx, rejecterID)
	if err != nil {
		return err
	}
	applicant, err := s.repo.GetAccount(ctx, pendingID)
	if err != nil {
		return err
	}
	if err := s.authorizeApproval(rejecter, applicant); err != nil {
		return err
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetAccountForUpdate(ctx, pendingID)
		if err != nil {
			return err
		}
		if current.Status != StatusPending {
			return ErrAlreadyProcessed
		}
		current.Status = StatusRejected
		current.RejectionReason = reason
		return tx.UpdateAccount(ctx, current)
	})
	if err != nil {
		return err
	}

	s.record(ctx, audit.Entry{
		ActorID:  rejecterID,
		Action:   ActionReject,
		Entity:   auditEntity,
		EntityID: pendingID.String(),
		Meta:     map[string]any{"reason": reason},
	})
	return nil
}

// EndTerm retires an active account outside the succession path: the open
// term closes and the account archives, with no implicit replacement.
func (s *Service) EndTerm(ctx context.Context, adminID, activeID uuid.UUID, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return fmt.Errorf("%w: end-term reason required", ErrValidation)
	}
	admin, err := s.repo.GetAccount(ctx, adminID)
	if err != nil {
		return err
	}
	target, err := s.repo.GetAccount(ctx, activeID)
	if err != nil {
		return err
	}
	if err := s.authorizeAdmin(admin, target, true); err != nil {
		return err
	}

	now := time.Now()
	var stats *audit.ActionStats
	if target.TermStart != nil {
		computed, err := s.audit.TermStats(ctx, target.ID, *target.TermStart, now)
		if err != nil {
			s.logger.Warn("term stats unavailable, closing term without stats",
				slog.String("account", target.ID.String()), slog.Any("error", err))
		} else {
			stats = &computed
		}
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetAccountForUpdate(ctx, activeID)
		if err != nil {
			return err
		}
		if current.Status != StatusActive {
			return ErrNotActive
		}
		current.Status = StatusArchived
		current.TermEnd = &now
		if err := tx.UpdateAccount(ctx, current); err != nil {
			return err
		}
		term, err := tx.GetOpenTermForUpdate(ctx, activeID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		term.Status = TermCompleted
		term.TermEnd = &now
		term.EndReason = reason
		term.Stats = stats
		return tx.UpdateTerm(ctx, term)
	})
	if err != nil {
		return err
	}

	if s.sessions != nil {
		if err := s.sessions.RevokeSessions(ctx, activeID); err != nil {
			s.logger.Warn("revoke sessions", slog.Any("error", err))
		}
	}
	s.record(ctx, audit.Entry{
		ActorID:  adminID,
		Action:   ActionEndTerm,
		Entity:   auditEntity,
		EntityID: activeID.String(),
		Meta:     map[string]any{"reason": reason},
	})
	s.bumpHistory(ctx)
	return nil
}

// ToggleActive suspends or resumes an account without ending its term. An
// inactive incumbent still occupies the seat for invariant purposes.
func (s *Service) ToggleActive(ctx context.Context, adminID, targetID uuid.UUID, newStatus Status, reason string) error {
	switch newStatus {
	case StatusActive, StatusInactive:
	default:
		return fmt.Errorf("%w: status must be ACTIVE or INACTIVE", ErrValidation)
	}
	if newStatus == StatusInactive && len(strings.TrimSpace(reason)) < minDeactivationReason {
		return fmt.Errorf("%w: deactivation reason must be at least %d characters", ErrValidation, minDeactivationReason)
	}
	if adminID == targetID {
		return ErrCannotActOnSelf
	}
	admin, err := s.repo.GetAccount(ctx, adminID)
	if err != nil {
		return err
	}
	target, err := s.repo.GetAccount(ctx, targetID)
	if err != nil {
		return err
	}
	if err := s.authorizeAdmin(admin, target, false); err != nil {
		return err
	}

	now := time.Now()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetAccountForUpdate(ctx, targetID)
		if err != nil {
			return err
		}
		if newStatus == StatusInactive {
			if current.Status != StatusActive {
				return ErrInvalidTransition
			}
			current.Status = StatusInactive
			current.DeactivatedAt = &now
			current.DeactivationReason = reason
		} else {
			if current.Status != StatusInactive {
				return ErrInvalidTransition
			}
			current.Status = StatusActive
			current.DeactivatedAt = nil
			current.DeactivationReason = ""
		}
		if err := tx.UpdateAccount(ctx, current); err != nil {
			return err
		}
		// The term is paused, not ended: the ledger entry stays open
		// (no termEnd) and only flips between ACTIVE and SUSPENDED.
		term, err := tx.GetOpenTermForUpdate(ctx, targetID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		if newStatus == StatusInactive {
			term.Status = TermSuspended
		} else {
			term.Status = TermActive
		}
		return tx.UpdateTerm(ctx, term)
	})
	if err != nil {
		return err
	}

	action := ActionReactivate
	if newStatus == StatusInactive {
		action = ActionDeactivate
	}
	s.record(ctx, audit.Entry{
		ActorID:  adminID,
		Action:   action,
		Entity:   auditEntity,
		EntityID: targetID.String(),
		Meta:     map[string]any{"reason": reason},
	})
	// The toggle flips the open ledger entry, so cached history is stale.
	s.bumpHistory(ctx)
	return nil
}

// authorizeApproval checks that an actor may approve or reject within the
// applicant's scope.
func (s *Service) authorizeApproval(actor, applicant StaffAccount) error {
	if actor.Status != StatusActive {
		return s.denied(actor, "actor not active")
	}
	switch applicant.Role {
	case RoleChancellor:
		if actor.Role == RoleChancellor && actor.Scope.Diocese == applicant.Scope.Diocese {
			return nil
		}
	case RoleParishStaff:
		if actor.Role == RoleParishStaff &&
			actor.Scope.Diocese == applicant.Scope.Diocese &&
			actor.Scope.ParishID == applicant.Scope.ParishID {
			return nil
		}
		if actor.Role == RoleChancellor && actor.Scope.ContainsParish(applicant.Scope) {
			return nil
		}
	}
	return s.denied(actor, "scope mismatch")
}

// authorizeAdmin checks scope-superior administrative authority. Ending
// one's own term (resignation) is permitted; self-toggling is rejected
// before this point.
func (s *Service) authorizeAdmin(admin, target StaffAccount, allowSelf bool) error {
	if admin.Status != StatusActive {
		return s.denied(admin, "actor not active")
	}
	if admin.ID == target.ID {
		if allowSelf && admin.Role == RoleChancellor {
			return nil
		}
		return s.denied(admin, "self administration")
	}
	if admin.Role != RoleChancellor || admin.Scope.Diocese != target.Scope.Diocese {
		return s.denied(admin, "scope mismatch")
	}
	return nil
}

func (s *Service) denied(actor StaffAccount, cause string) error {
	s.logger.Warn("authorization denied",
		slog.String("actor", actor.ID.String()),
		slog.String("role", string(actor.Role)),
		slog.String("cause", cause))
	return ErrUnauthorized
}

func (s *Service) record(ctx context.Context, entry audit.Entry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Warn("audit record", slog.String("action", entry.Action), slog.Any("error", err))
	}
}

func (s *Service) bumpHistory(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("bump history cache", slog.Any("error", err))
	}
}
