package staff

import (
	"context"
	"errors"
	"time"

	"github.com/curia-hub/curia-hub/internal/audit"
)

// Approval carries everything a succession policy needs to seat an applicant.
// ApproverStats is the pre-computed activity snapshot for the approver's
// term, present only when the policy will close that term.
type Approval struct {
	Applicant     StaffAccount
	Approver      StaffAccount
	Notes         string
	Now           time.Time
	ApproverStats *audit.ActionStats
}

// SuccessionPolicy applies the role-dependent occupancy rules of one approve
// call. All mutations run inside the caller's transaction.
type SuccessionPolicy interface {
	Apply(ctx context.Context, tx TxRepository, ap Approval) (ApprovalOutcome, error)
}

// policyFor selects the succession policy variant for the applicant's role.
func policyFor(role Role) SuccessionPolicy {
	if role == RoleChancellor {
		return singletonPolicy{}
	}
	return coexistingPolicy{}
}

// singletonPolicy permits at most one seat holder per diocese. Approving a
// successor archives the approver and closes their open term in the same
// transaction; the approver vacates the seat by the act of approving.
type singletonPolicy struct{}

func (singletonPolicy) Apply(ctx context.Context, tx TxRepository, ap Approval) (ApprovalOutcome, error) {
	holders, err := tx.CountSeatHolders(ctx, ap.Applicant.Scope, ap.Applicant.Role, ap.Approver.ID)
	if err != nil {
		return ApprovalOutcome{}, err
	}
	if holders > 0 {
		return ApprovalOutcome{}, ErrSeatOccupied
	}

	if err := activateApplicant(ctx, tx, ap); err != nil {
		return ApprovalOutcome{}, err
	}

	approver := ap.Approver
	approver.Status = StatusArchived
	approver.TermEnd = &ap.Now
	if err := tx.UpdateAccount(ctx, approver); err != nil {
		return ApprovalOutcome{}, err
	}

	term, err := tx.GetOpenTermForUpdate(ctx, approver.ID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return ApprovalOutcome{}, err
		}
		// Seeded incumbents may predate the ledger; archival still applies.
	} else {
		term.Status = TermCompleted
		term.TermEnd = &ap.Now
		successor := ap.Applicant.ID
		term.SuccessorID = &successor
		term.Stats = ap.ApproverStats
		if err := tx.UpdateTerm(ctx, term); err != nil {
			return ApprovalOutcome{}, err
		}
	}

	archived := approver.ID
	return ApprovalOutcome{ActivatedID: ap.Applicant.ID, ArchivedApproverID: &archived}, nil
}

// coexistingPolicy permits any number of simultaneous seat holders, so
// approval leaves the approver's own account and term untouched.
type coexistingPolicy struct{}

func (coexistingPolicy) Apply(ctx context.Context, tx TxRepository, ap Approval) (ApprovalOutcome, error) {
	if err := activateApplicant(ctx, tx, ap); err != nil {
		return ApprovalOutcome{}, err
	}
	return ApprovalOutcome{ActivatedID: ap.Applicant.ID}, nil
}

// activateApplicant seats the pending account and opens its ledger entry.
func activateApplicant(ctx context.Context, tx TxRepository, ap Approval) error {
	applicant := ap.Applicant
	applicant.Status = StatusActive
	applicant.TermStart = &ap.Now
	applicant.TermEnd = nil
	approver := ap.Approver.ID
	applicant.ApprovedBy = &approver
	applicant.ApprovedAt = &ap.Now
	if err := tx.UpdateAccount(ctx, applicant); err != nil {
		return err
	}

	_, err := tx.InsertTerm(ctx, TermRecord{
		StaffID:    applicant.ID,
		StaffName:  applicant.Name,
		StaffEmail: applicant.Email,
		Scope:      applicant.Scope,
		TermStart:  ap.Now,
		Status:     TermActive,
	})
	return err
}
