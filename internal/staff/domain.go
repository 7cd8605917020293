// Package staff implements the staff succession and term-lifecycle engine:
// registration of pending applicants, role-scoped approval workflows, term
// ledger maintenance and the read-side roster queries.
package staff

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/curia-hub/curia-hub/internal/audit"
)

// Role identifies the administrative role an account was created for.
// The role set is fixed; succession policy is selected by role.
type Role string

const (
	RoleChancellor  Role = "chancellor"
	RoleParishStaff Role = "parish_staff"
)

// Position distinguishes parish staff seats within one parish.
type Position string

const (
	PositionSecretary Position = "secretary"
	PositionPriest    Position = "priest"
)

// Status is the account lifecycle state. ARCHIVED and REJECTED are terminal.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
	StatusArchived Status = "ARCHIVED"
	StatusRejected Status = "REJECTED"
)

// TermStatus is the lifecycle state of a term ledger entry.
type TermStatus string

const (
	TermActive    TermStatus = "ACTIVE"
	TermCompleted TermStatus = "COMPLETED"
	TermSuspended TermStatus = "SUSPENDED"
)

// Scope is the organizational binding of a seat: a diocese for chancellors,
// a diocese plus parish and position for parish staff.
type Scope struct {
	Diocese  string   `json:"diocese"`
	ParishID string   `json:"parish_id,omitempty"`
	Position Position `json:"position,omitempty"`
}

// Key renders the scope as a stable string for cache keys and audit metadata.
func (s Scope) Key() string {
	if s.ParishID == "" {
		return s.Diocese
	}
	return strings.Join([]string{s.Diocese, s.ParishID, string(s.Position)}, "/")
}

// ContainsParish reports whether the scope's diocese covers the given scope.
func (s Scope) ContainsParish(other Scope) bool {
	return s.Diocese == other.Diocese
}

// SameSeat reports whether two scopes identify the same seat.
func (s Scope) SameSeat(other Scope) bool {
	return s.Diocese == other.Diocese && s.ParishID == other.ParishID && s.Position == other.Position
}

// StaffAccount is one human occupant, in seat or in waiting.
type StaffAccount struct {
	ID                 uuid.UUID  `json:"id"`
	Email              string     `json:"email"`
	Name               string     `json:"name"`
	Phone              string     `json:"phone,omitempty"`
	Role               Role       `json:"role"`
	Scope              Scope      `json:"scope"`
	Status             Status     `json:"status"`
	TermStart          *time.Time `json:"term_start,omitempty"`
	TermEnd            *time.Time `json:"term_end,omitempty"`
	ApprovedBy         *uuid.UUID `json:"approved_by,omitempty"`
	ApprovedAt         *time.Time `json:"approved_at,omitempty"`
	RejectionReason    string     `json:"rejection_reason,omitempty"`
	DeactivatedAt      *time.Time `json:"deactivated_at,omitempty"`
	DeactivationReason string     `json:"deactivation_reason,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Terminal reports whether no further transitions are permitted.
func (a StaffAccount) Terminal() bool {
	return a.Status == StatusArchived || a.Status == StatusRejected
}

// HoldsSeat reports whether the account occupies its seat for invariant
// purposes. An inactive incumbent still blocks the seat.
func (a StaffAccount) HoldsSeat() bool {
	return a.Status == StatusActive || a.Status == StatusInactive
}

// TermRecord is one append-only ledger entry capturing an occupancy span.
// Name and email are denormalized snapshots, immune to later account edits.
type TermRecord struct {
	ID          int64              `json:"id"`
	StaffID     uuid.UUID          `json:"staff_id"`
	StaffName   string             `json:"staff_name"`
	StaffEmail  string             `json:"staff_email"`
	Scope       Scope              `json:"scope"`
	TermStart   time.Time          `json:"term_start"`
	TermEnd     *time.Time         `json:"term_end,omitempty"`
	Status      TermStatus         `json:"status"`
	EndReason   string             `json:"end_reason,omitempty"`
	SuccessorID *uuid.UUID         `json:"approved_successor_id,omitempty"`
	Stats       *audit.ActionStats `json:"stats,omitempty"`
}

// ApprovalOutcome names every account whose state changed during Approve,
// so the caller can force-expire the archived approver's session.
type ApprovalOutcome struct {
	ActivatedID        uuid.UUID  `json:"activated_id"`
	ArchivedApproverID *uuid.UUID `json:"archived_approver_id,omitempty"`
	SessionsRevoked    bool       `json:"sessions_revoked"`
}

var (
	// ErrNotFound indicates the account does not exist.
	ErrNotFound = errors.New("staff: account not found")
	// ErrAlreadyProcessed occurs when an approve/reject races a completed transition.
	ErrAlreadyProcessed = errors.New("staff: application already processed")
	// ErrNotActive occurs when an operation requires an active account.
	ErrNotActive = errors.New("staff: account not active")
	// ErrInvalidTransition occurs when a toggle violates the status workflow.
	ErrInvalidTransition = errors.New("staff: invalid status transition")
	// ErrUnauthorized indicates the actor's role or scope does not permit the action.
	ErrUnauthorized = errors.New("staff: not authorized for this scope")
	// ErrCannotActOnSelf forbids self-toggling.
	ErrCannotActOnSelf = errors.New("staff: cannot act on own account")
	// ErrValidation indicates invalid input, rejected before any I/O.
	ErrValidation = errors.New("staff: invalid input")
	// ErrDuplicateIdentity indicates the credential already exists.
	ErrDuplicateIdentity = errors.New("staff: identity already registered")
	// ErrOrphanedIdentity indicates a failed registration left an identity
	// without a profile and the rollback also failed.
	ErrOrphanedIdentity = errors.New("staff: orphaned identity, contact support")
	// ErrSeatOccupied indicates the singleton seat already has a holder
	// other than the approver.
	ErrSeatOccupied = errors.New("staff: seat already occupied")
)

type actorContextKey struct{}

// ContextWithActor stores the authenticated staff account in context.
func ContextWithActor(ctx context.Context, actor *StaffAccount) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the authenticated staff account from context.
func ActorFromContext(ctx context.Context) *StaffAccount {
	actor, _ := ctx.Value(actorContextKey{}).(*StaffAccount)
	return actor
}
