// Package chain implements the per-request approval state machine. The
// machine is pure — no I/O, no clocks of its own — so every transition is
// exhaustively testable; persistence and timers live with the orchestrator.
package chain

import (
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-spend-approvals/internal/apperrors"
	"github.com/pesio-ai/be-spend-approvals/internal/policy"
)

// State is the chain's lifecycle state.
type State string

const (
	StateOpen      State = "open"
	StateEscalated State = "escalated"
	StateApproved  State = "approved"
	StateRejected  State = "rejected"
	StateCancelled State = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s State) IsTerminal() bool {
	return s == StateApproved || s == StateRejected || s == StateCancelled
}

// Verdict is an approver's decision.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictReject  Verdict = "reject"
)

// Decision records one approver's verdict on a stage. Resubmissions
// overwrite the previous decision for the same approver and stage.
type Decision struct {
	ApproverID string    `json:"approver_id"`
	Verdict    Verdict   `json:"verdict"`
	Comment    string    `json:"comment,omitempty"`
	DecidedAt  time.Time `json:"decided_at"`
}

// EventType classifies the outcome of a transition attempt for the
// orchestrator to react to.
type EventType string

const (
	// EventDecisionRecorded: a decision was stored but the stage is not yet
	// satisfied (or the decision was advisory).
	EventDecisionRecorded EventType = "decision_recorded"
	EventStageAdvanced    EventType = "stage_advanced"
	EventApproved         EventType = "approved"
	EventRejected         EventType = "rejected"
	EventCancelled        EventType = "cancelled"
	EventEscalated        EventType = "escalated"
)

// Event describes what a transition did.
type Event struct {
	Type       EventType
	StageIndex int
	Actor      string
	Reason     string
}

// Instance is one approval chain, instantiated per request from a policy
// snapshot. The snapshot protects in-flight chains from policy edits.
type Instance struct {
	ID            string
	RequestID     string
	Policy        *policy.Policy
	StageIndex    int
	State         State
	Reason        string
	Decisions     []map[string]Decision // one map per stage, keyed by approver
	StageDeadline *time.Time
	StartedAt     time.Time
	ClosedAt      *time.Time
}

// New instantiates a chain at stage 0 from a policy snapshot.
func New(requestID string, p *policy.Policy, now time.Time) (*Instance, error) {
	if len(p.Stages) == 0 {
		return nil, apperrors.InvalidInput("policy", "policy has no approval stages")
	}
	c := &Instance{
		ID:        uuid.NewString(),
		RequestID: requestID,
		Policy:    p.Clone(),
		State:     StateOpen,
		Decisions: make([]map[string]Decision, len(p.Stages)),
		StartedAt: now,
	}
	for i := range c.Decisions {
		c.Decisions[i] = make(map[string]Decision)
	}
	c.resetDeadline(now)
	return c, nil
}

// CurrentStage returns the stage the chain is waiting on.
func (c *Instance) CurrentStage() policy.Stage {
	return c.Policy.Stages[c.StageIndex]
}

// IsTerminal reports whether the chain has reached a terminal state.
func (c *Instance) IsTerminal() bool {
	return c.State.IsTerminal()
}

// Decide records an approver's verdict and advances the machine.
//
// A reject from a required approver terminates the whole chain immediately,
// regardless of stage. A reject from an optional approver is recorded as
// advisory only. A satisfied stage advances the chain (or approves it on the
// last stage); decisions never re-open a satisfied stage.
func (c *Instance) Decide(approverID string, verdict Verdict, comment string, now time.Time) (Event, error) {
	if c.IsTerminal() {
		return Event{}, c.closedError()
	}
	if verdict != VerdictApprove && verdict != VerdictReject {
		return Event{}, apperrors.InvalidInput("verdict", "must be approve or reject")
	}

	stage := c.CurrentStage()
	approver, inCurrent := stage.Approver(approverID)
	if !inCurrent {
		// A late resubmission against an earlier, already satisfied stage is
		// recorded (overwriting the prior decision) but never re-evaluated.
		if idx, ok := c.earlierStageIndex(approverID); ok {
			c.Decisions[idx][approverID] = Decision{ApproverID: approverID, Verdict: verdict, Comment: comment, DecidedAt: now}
			return Event{Type: EventDecisionRecorded, StageIndex: idx, Actor: approverID}, nil
		}
		return Event{}, apperrors.Newf(apperrors.CodeInvalidInput,
			"user %s is not an approver for the current stage", approverID)
	}

	c.Decisions[c.StageIndex][approverID] = Decision{ApproverID: approverID, Verdict: verdict, Comment: comment, DecidedAt: now}

	if verdict == VerdictReject {
		if approver.Required {
			c.close(StateRejected, comment, now)
			return Event{Type: EventRejected, StageIndex: c.StageIndex, Actor: approverID, Reason: comment}, nil
		}
		// Advisory only: logged by the caller, never blocks the stage.
		return Event{Type: EventDecisionRecorded, StageIndex: c.StageIndex, Actor: approverID}, nil
	}

	if !c.stageSatisfied(c.StageIndex) {
		return Event{Type: EventDecisionRecorded, StageIndex: c.StageIndex, Actor: approverID}, nil
	}

	if c.StageIndex == len(c.Policy.Stages)-1 {
		c.close(StateApproved, "", now)
		return Event{Type: EventApproved, StageIndex: c.StageIndex, Actor: approverID}, nil
	}

	c.StageIndex++
	c.State = StateOpen // an escalated stage that satisfies returns to open
	c.resetDeadline(now)
	return Event{Type: EventStageAdvanced, StageIndex: c.StageIndex, Actor: approverID}, nil
}

// EscalationFires transitions an overdue open stage to escalated. Escalation
// is advisory: the stage keeps accepting the original approvers' decisions.
func (c *Instance) EscalationFires(now time.Time) (Event, error) {
	if c.IsTerminal() {
		return Event{}, c.closedError()
	}
	if c.StageDeadline == nil {
		return Event{}, apperrors.New(apperrors.CodeConflict, "current stage has no escalation deadline")
	}
	if now.Before(*c.StageDeadline) {
		return Event{}, apperrors.New(apperrors.CodeConflict, "stage deadline has not elapsed")
	}
	if c.State == StateEscalated {
		return Event{Type: EventEscalated, StageIndex: c.StageIndex}, nil
	}
	c.State = StateEscalated
	return Event{Type: EventEscalated, StageIndex: c.StageIndex}, nil
}

// Cancel terminates the chain from any open or escalated state.
func (c *Instance) Cancel(actor, reason string, now time.Time) (Event, error) {
	if c.IsTerminal() {
		return Event{}, c.closedError()
	}
	c.close(StateCancelled, reason, now)
	return Event{Type: EventCancelled, StageIndex: c.StageIndex, Actor: actor, Reason: reason}, nil
}

// stageSatisfied applies the stage-satisfaction rule: with RequiresAll every
// approver must have approved; otherwise every required approver must have
// approved and optional approvers are ignored.
func (c *Instance) stageSatisfied(idx int) bool {
	stage := c.Policy.Stages[idx]
	decisions := c.Decisions[idx]
	for _, a := range stage.Approvers {
		if !a.Required && !stage.RequiresAll {
			continue
		}
		d, ok := decisions[a.UserID]
		if !ok || d.Verdict != VerdictApprove {
			return false
		}
	}
	return true
}

func (c *Instance) earlierStageIndex(approverID string) (int, bool) {
	for i := 0; i < c.StageIndex; i++ {
		if _, ok := c.Policy.Stages[i].Approver(approverID); ok {
			return i, true
		}
	}
	return 0, false
}

func (c *Instance) resetDeadline(now time.Time) {
	stage := c.CurrentStage()
	if stage.EscalationHours > 0 {
		d := now.Add(time.Duration(stage.EscalationHours) * time.Hour)
		c.StageDeadline = &d
	} else {
		c.StageDeadline = nil
	}
}

func (c *Instance) close(state State, reason string, now time.Time) {
	c.State = state
	c.Reason = reason
	c.StageDeadline = nil
	t := now
	c.ClosedAt = &t
}

func (c *Instance) closedError() error {
	return apperrors.Newf(apperrors.CodeChainClosed,
		"chain for request %s is already %s", c.RequestID, c.State)
}
