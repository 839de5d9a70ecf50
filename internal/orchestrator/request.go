package orchestrator

import (
	"time"

	"github.com/pesio-ai/be-spend-approvals/internal/ledger"
	"github.com/pesio-ai/be-spend-approvals/internal/policy"
)

// Status is a spend request's lifecycle status. The enumeration is strictly
// ordered; rejected and cancelled are reachable from any pending status.
type Status string

const (
	StatusDraft                   Status = "draft"
	StatusPendingValidation       Status = "pending_validation"
	StatusPendingOwnerApproval    Status = "pending_owner_approval"
	StatusPendingDirectorApproval Status = "pending_director_approval"
	StatusPendingCFOApproval      Status = "pending_cfo_approval"
	StatusPendingCEOApproval      Status = "pending_ceo_approval"
	StatusPendingPaymentApproval  Status = "pending_payment_approval"
	StatusPendingPayment          Status = "pending_payment"
	StatusPaid                    Status = "paid"
	StatusRejected                Status = "rejected"
	StatusCancelled               Status = "cancelled"
)

// IsPending reports whether the status is one of the pending_* states from
// which rejection and cancellation remain possible.
func (s Status) IsPending() bool {
	switch s {
	case StatusPendingValidation, StatusPendingOwnerApproval, StatusPendingDirectorApproval,
		StatusPendingCFOApproval, StatusPendingCEOApproval, StatusPendingPaymentApproval,
		StatusPendingPayment:
		return true
	}
	return false
}

// IsTerminal reports whether no further status transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusPaid || s == StatusRejected || s == StatusCancelled
}

// StatusEntry is one append-only record in a request's status history.
type StatusEntry struct {
	Status    Status    `json:"status"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// SpendRequest is the aggregate the orchestrator owns exclusively once
// submitted. History is append-only; no edits.
type SpendRequest struct {
	ID               string
	Title            string
	Amount           int64 // minor units
	CategoryID       string
	CostCenterID     string
	InBudget         bool
	BudgetLineID     string // required iff InBudget
	OverBudgetReason string
	IsOverBudget     bool
	CompetenceDate   *time.Time
	DueDate          *time.Time
	Status           Status
	StatusHistory    []StatusEntry
	SubmittedBy      string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Period derives the ledger period for this request: the accounting
// competence date when present, the due date otherwise, falling back to now.
func (r *SpendRequest) Period(now time.Time) string {
	switch {
	case r.CompetenceDate != nil:
		return ledger.PeriodOf(*r.CompetenceDate)
	case r.DueDate != nil:
		return ledger.PeriodOf(*r.DueDate)
	default:
		return ledger.PeriodOf(now)
	}
}

// statusForStage maps an approval stage to the request status shown while
// the stage is pending. All payment-chain stages share one status.
func statusForStage(kind policy.Kind, st policy.Stage) Status {
	if kind == policy.KindPayment {
		return StatusPendingPaymentApproval
	}
	switch st.Role {
	case policy.RoleDirector:
		return StatusPendingDirectorApproval
	case policy.RoleCFO:
		return StatusPendingCFOApproval
	case policy.RoleCEO:
		return StatusPendingCEOApproval
	default:
		return StatusPendingOwnerApproval
	}
}
