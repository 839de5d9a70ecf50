// Package policy holds approval policies and resolves the single applicable
// policy for a spend request.
package policy

import "time"

// Kind distinguishes the two policy families the engine routes through.
type Kind string

const (
	KindSpend   Kind = "spend"
	KindPayment Kind = "payment"
)

// Role names the approver role a stage belongs to. It drives the request
// status shown while the stage is pending.
type Role string

const (
	RoleOwner    Role = "owner"
	RoleDirector Role = "director"
	RoleCFO      Role = "cfo"
	RoleCEO      Role = "ceo"
	RolePayment  Role = "payment"
)

// Approver is one user allowed to decide a stage.
type Approver struct {
	UserID   string `json:"user_id"`
	Required bool   `json:"required"`
}

// Stage is one sequential step of an approval chain.
//
// AllowParallel is part of the policy-authoring shape but does not change
// engine behaviour: a stage accepts its approvers' decisions in any order,
// so parallel intake is the only mode.
type Stage struct {
	Role             Role       `json:"role"`
	Approvers        []Approver `json:"approvers"`
	RequiresAll      bool       `json:"requires_all"`
	AllowParallel    bool       `json:"allow_parallel"`
	EscalationHours  int        `json:"escalation_hours"` // 0 = no deadline
	EscalationTarget string     `json:"escalation_target,omitempty"`
}

// Approver returns the stage approver with the given user id, if present.
func (s Stage) Approver(userID string) (Approver, bool) {
	for _, a := range s.Approvers {
		if a.UserID == userID {
			return a, true
		}
	}
	return Approver{}, false
}

// Policy is a routing rule: which approvers must clear a request of a given
// amount, category and cost center.
type Policy struct {
	ID           string
	Kind         Kind
	Name         string
	Priority     int    // lower = evaluated first
	AmountMin    *int64 // minor units, inclusive; nil = no lower bound
	AmountMax    *int64 // minor units, exclusive; nil = unbounded
	CategoryID   *string
	CostCenterID *string
	Stages       []Stage
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Matches reports whether the policy's amount range and scope filters accept
// the request attributes. Nil filters are wildcards.
func (p *Policy) Matches(amount int64, categoryID, costCenterID string) bool {
	if p.AmountMin != nil && amount < *p.AmountMin {
		return false
	}
	if p.AmountMax != nil && amount >= *p.AmountMax {
		return false
	}
	if p.CategoryID != nil && *p.CategoryID != categoryID {
		return false
	}
	if p.CostCenterID != nil && *p.CostCenterID != costCenterID {
		return false
	}
	return true
}

// Specificity scores how narrowly the policy's scope filters matched:
// 2 when both category and cost center matched non-wildcard, 1 when exactly
// one did, 0 when both were wildcards.
func (p *Policy) Specificity() int {
	score := 0
	if p.CategoryID != nil {
		score++
	}
	if p.CostCenterID != nil {
		score++
	}
	return score
}

// Clone returns a deep copy. Chains snapshot the resolved policy so later
// edits never affect in-flight approvals.
func (p *Policy) Clone() *Policy {
	cp := *p
	if p.AmountMin != nil {
		v := *p.AmountMin
		cp.AmountMin = &v
	}
	if p.AmountMax != nil {
		v := *p.AmountMax
		cp.AmountMax = &v
	}
	if p.CategoryID != nil {
		v := *p.CategoryID
		cp.CategoryID = &v
	}
	if p.CostCenterID != nil {
		v := *p.CostCenterID
		cp.CostCenterID = &v
	}
	cp.Stages = make([]Stage, len(p.Stages))
	for i, st := range p.Stages {
		cp.Stages[i] = st
		cp.Stages[i].Approvers = append([]Approver(nil), st.Approvers...)
	}
	return &cp
}
