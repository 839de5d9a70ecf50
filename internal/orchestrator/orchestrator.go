// Package orchestrator ties the policy catalog, budget ledger and approval
// chains together and owns every spend request's lifecycle after submission.
package orchestrator

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-spend-approvals/internal/apperrors"
	"github.com/pesio-ai/be-spend-approvals/internal/chain"
	"github.com/pesio-ai/be-spend-approvals/internal/client"
	"github.com/pesio-ai/be-spend-approvals/internal/escalation"
	"github.com/pesio-ai/be-spend-approvals/internal/ledger"
	"github.com/pesio-ai/be-spend-approvals/internal/locks"
	"github.com/pesio-ai/be-spend-approvals/internal/policy"
)

// Options tunes the orchestrator's locking behaviour.
type Options struct {
	// LockWait bounds a single lock acquisition attempt.
	LockWait time.Duration
	// LockRetries is the number of backoff retries before Busy is surfaced.
	LockRetries uint64
}

func (o Options) withDefaults() Options {
	if o.LockWait <= 0 {
		o.LockWait = 2 * time.Second
	}
	if o.LockRetries == 0 {
		o.LockRetries = 3
	}
	return o
}

// Orchestrator drives spend requests through policy resolution, budget
// reservation and the approval chain state machine.
//
// Decisions, cancellations and escalation timers for one request are
// serialized behind a per-request lock; requests never contend with each
// other.
type Orchestrator struct {
	catalog    *policy.Catalog
	ledger     *ledger.Ledger
	requests   RequestStore
	chains     ChainStore
	masterData client.MasterDataClientInterface
	audit      client.AuditSinkInterface
	notifier   client.NotifierInterface
	scheduler  *escalation.Scheduler
	locks      *locks.Keyed
	clock      clockwork.Clock
	log        zerolog.Logger
	opts       Options
}

// New creates an orchestrator. The escalation scheduler is owned internally
// and driven off the same clock as everything else.
func New(
	catalog *policy.Catalog,
	ldg *ledger.Ledger,
	requests RequestStore,
	chains ChainStore,
	masterData client.MasterDataClientInterface,
	audit client.AuditSinkInterface,
	notifier client.NotifierInterface,
	clock clockwork.Clock,
	log zerolog.Logger,
	opts Options,
) *Orchestrator {
	o := &Orchestrator{
		catalog:    catalog,
		ledger:     ldg,
		requests:   requests,
		chains:     chains,
		masterData: masterData,
		audit:      audit,
		notifier:   notifier,
		locks:      locks.NewKeyed(),
		clock:      clock,
		log:        log,
		opts:       opts.withDefaults(),
	}
	o.scheduler = escalation.NewScheduler(clock, o.handleEscalation, log)
	return o
}

// Stop disarms all escalation timers.
func (o *Orchestrator) Stop() {
	o.scheduler.Stop()
}

// ── Submission ───────────────────────────────────────────────────────────────

// Submit validates a draft request, resolves its approval policy, opens a
// budget reservation when the request claims to be in budget, and starts the
// approval chain. Policy resolution and reservation are atomic: any failure
// unwinds the reservation and leaves the request in draft.
func (o *Orchestrator) Submit(ctx context.Context, req *SpendRequest, submittedBy string) (*SpendRequest, error) {
	if err := o.validateSubmission(ctx, req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	now := o.clock.Now()
	req.Status = StatusDraft
	req.SubmittedBy = submittedBy
	req.CreatedAt = now
	req.UpdatedAt = now
	req.StatusHistory = append(req.StatusHistory, StatusEntry{Status: StatusDraft, Actor: submittedBy, Timestamp: now})

	// Step 1: resolve the spend policy. Failure leaves the request in draft.
	pol, err := o.catalog.Resolve(ctx, policy.KindSpend, req.Amount, req.CategoryID, req.CostCenterID)
	if err != nil {
		return nil, err
	}

	// Step 2: reserve budget capacity. Over-budget reservations are allowed
	// but only with a justification, which the validation above enforced.
	reserved := false
	if req.InBudget {
		period := req.Period(now)
		util, err := o.ledger.Reserve(ctx, req.BudgetLineID, period, req.Amount, req.ID)
		if err != nil {
			return nil, err
		}
		reserved = true
		req.IsOverBudget = util.IsOverBudget
		if util.IsOverBudget {
			o.notifier.Notify(ctx, submittedBy, "budget_alert", map[string]any{
				"request_id":     req.ID,
				"budget_line_id": req.BudgetLineID,
				"period":         period,
				"available":      util.Available,
				"reason":         req.OverBudgetReason,
			})
		}
	}

	rollback := func() {
		if reserved {
			if _, rerr := o.ledger.Release(ctx, req.ID); rerr != nil {
				o.log.Error().Err(rerr).Str("request_id", req.ID).Msg("submit: failed to unwind reservation")
			}
		}
	}

	// Step 3: instantiate and persist the chain from the policy snapshot.
	ch, err := chain.New(req.ID, pol, now)
	if err != nil {
		rollback()
		return nil, err
	}
	if err := o.chains.Create(ctx, ch); err != nil {
		rollback()
		return nil, err
	}

	req.appendStatus(StatusPendingValidation, submittedBy, "", now)
	req.appendStatus(statusForStage(pol.Kind, ch.CurrentStage()), submittedBy, "", now)
	if err := o.requests.Create(ctx, req); err != nil {
		if derr := o.chains.Delete(ctx, ch.ID); derr != nil {
			o.log.Error().Err(derr).Str("chain_id", ch.ID).Msg("submit: failed to unwind chain")
		}
		rollback()
		return nil, err
	}

	o.scheduleDeadline(req.ID, ch)
	o.audit.Record(ctx, "submitted", "spend_request", req.ID, StatusDraft, req.Status, submittedBy)
	o.notifyStageApprovers(ctx, req, ch)

	o.log.Info().
		Str("request_id", req.ID).
		Str("policy_id", pol.ID).
		Str("status", string(req.Status)).
		Bool("over_budget", req.IsOverBudget).
		Msg("spend request submitted")
	return req, nil
}

func (o *Orchestrator) validateSubmission(ctx context.Context, req *SpendRequest) error {
	if req.Amount <= 0 {
		return apperrors.InvalidInput("amount", "must be positive")
	}
	if req.CategoryID == "" {
		return apperrors.InvalidInput("category_id", "is required")
	}
	if req.CostCenterID == "" {
		return apperrors.InvalidInput("cost_center_id", "is required")
	}
	if req.InBudget && req.BudgetLineID == "" {
		return apperrors.InvalidInput("budget_line_id", "is required for in-budget requests")
	}
	if req.Status != "" && req.Status != StatusDraft {
		return apperrors.Newf(apperrors.CodeConflict, "request is already %s", req.Status)
	}

	if _, err := o.masterData.GetCategory(ctx, req.CategoryID); err != nil {
		return err
	}
	if _, err := o.masterData.GetCostCenter(ctx, req.CostCenterID); err != nil {
		return err
	}

	if req.InBudget {
		if _, err := o.masterData.GetBudgetLine(ctx, req.BudgetLineID); err != nil {
			return err
		}
		util, err := o.ledger.Utilization(ctx, req.BudgetLineID, req.Period(o.clock.Now()))
		if err != nil {
			return err
		}
		if req.Amount > util.Available && req.OverBudgetReason == "" {
			return apperrors.InvalidInput("over_budget_reason",
				"is required when the request exceeds remaining budget capacity")
		}
	}
	return nil
}

// ── Decisions ────────────────────────────────────────────────────────────────

// Decide records an approver's verdict on the request's active chain and
// applies the resulting transition. A decision that fails validation has no
// side effect on budget or chain state.
func (o *Orchestrator) Decide(ctx context.Context, requestID, approverID string, verdict chain.Verdict, comment string) (*chain.Instance, error) {
	var out *chain.Instance
	err := o.withRequestLock(ctx, requestID, func() error {
		req, err := o.requests.Get(ctx, requestID)
		if err != nil {
			return err
		}
		ch, err := o.activeChain(ctx, req)
		if err != nil {
			return err
		}

		ev, err := ch.Decide(approverID, verdict, comment, o.clock.Now())
		if err != nil {
			return err
		}
		if err := o.chains.Update(ctx, ch); err != nil {
			return err
		}
		out = ch
		return o.applyEvent(ctx, req, ch, ev)
	})
	return out, err
}

// Cancel terminates the request from any pending state, releasing any
// outstanding budget reservation.
func (o *Orchestrator) Cancel(ctx context.Context, requestID, actor, reason string) error {
	return o.withRequestLock(ctx, requestID, func() error {
		req, err := o.requests.Get(ctx, requestID)
		if err != nil {
			return err
		}
		if !req.Status.IsPending() {
			return apperrors.Newf(apperrors.CodeConflict,
				"request %s cannot be cancelled from status %s", requestID, req.Status)
		}

		ch, err := o.chains.ActiveByRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if ch != nil {
			ev, err := ch.Cancel(actor, reason, o.clock.Now())
			if err != nil {
				return err
			}
			if err := o.chains.Update(ctx, ch); err != nil {
				return err
			}
			return o.applyEvent(ctx, req, ch, ev)
		}

		// No chain in flight (e.g. waiting for payment): release and close.
		if _, err := o.ledger.Release(ctx, requestID); err != nil {
			return err
		}
		before := req.Status
		req.appendStatus(StatusCancelled, actor, reason, o.clock.Now())
		if err := o.requests.Save(ctx, req); err != nil {
			return err
		}
		o.audit.Record(ctx, "cancelled", "spend_request", req.ID, before, req.Status, actor)
		o.notifier.Notify(ctx, req.SubmittedBy, "approval_responded", map[string]any{
			"request_id": req.ID, "outcome": "cancelled", "reason": reason,
		})
		return nil
	})
}

// MarkPaid records payment of an approved request, settling the budget
// reservation at the final invoiced amount at the moment of payment.
func (o *Orchestrator) MarkPaid(ctx context.Context, requestID, paidBy string, finalAmount int64) error {
	return o.withRequestLock(ctx, requestID, func() error {
		req, err := o.requests.Get(ctx, requestID)
		if err != nil {
			return err
		}
		if req.Status != StatusPendingPayment {
			return apperrors.Newf(apperrors.CodeConflict,
				"request %s is not awaiting payment (status %s)", requestID, req.Status)
		}

		if req.InBudget {
			if _, err := o.ledger.Settle(ctx, requestID, finalAmount); err != nil {
				return err
			}
		}

		before := req.Status
		req.appendStatus(StatusPaid, paidBy, "", o.clock.Now())
		if err := o.requests.Save(ctx, req); err != nil {
			return err
		}
		o.audit.Record(ctx, "paid", "spend_request", req.ID, before, req.Status, paidBy)
		o.notifier.Notify(ctx, req.SubmittedBy, "request_paid", map[string]any{
			"request_id": req.ID, "final_amount": finalAmount,
		})
		return nil
	})
}

// ── Queries ──────────────────────────────────────────────────────────────────

// GetRequest returns a request with its status history.
func (o *Orchestrator) GetRequest(ctx context.Context, requestID string) (*SpendRequest, error) {
	return o.requests.Get(ctx, requestID)
}

// GetChainState returns the most recent chain for a request.
func (o *Orchestrator) GetChainState(ctx context.Context, requestID string) (*chain.Instance, error) {
	ch, err := o.chains.LatestByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, apperrors.NotFound("approval_chain", requestID)
	}
	return ch, nil
}

// GetUtilization reports the derived budget position for a (line, period).
func (o *Orchestrator) GetUtilization(ctx context.Context, budgetLineID, period string) (*ledger.Utilization, error) {
	return o.ledger.Utilization(ctx, budgetLineID, period)
}

// ── Chain event handling ─────────────────────────────────────────────────────

func (o *Orchestrator) applyEvent(ctx context.Context, req *SpendRequest, ch *chain.Instance, ev chain.Event) error {
	switch ev.Type {
	case chain.EventDecisionRecorded:
		o.audit.Record(ctx, "decision_recorded", "approval_chain", ch.ID, nil, nil, ev.Actor)
		o.notifier.Notify(ctx, req.SubmittedBy, "approval_responded", map[string]any{
			"request_id": req.ID, "stage": ev.StageIndex, "actor": ev.Actor,
		})
		return nil

	case chain.EventStageAdvanced:
		before := req.Status
		req.appendStatus(statusForStage(ch.Policy.Kind, ch.CurrentStage()), ev.Actor, "", o.clock.Now())
		if err := o.requests.Save(ctx, req); err != nil {
			return err
		}
		o.scheduleDeadline(req.ID, ch)
		o.audit.Record(ctx, "stage_advanced", "spend_request", req.ID, before, req.Status, ev.Actor)
		o.notifyStageApprovers(ctx, req, ch)
		return nil

	case chain.EventApproved:
		o.scheduler.Cancel(req.ID)
		if ch.Policy.Kind == policy.KindSpend {
			return o.startPaymentPhase(ctx, req, ev.Actor)
		}
		return o.moveToPendingPayment(ctx, req, ev.Actor)

	case chain.EventRejected:
		return o.closeRequest(ctx, req, StatusRejected, ev.Actor, ev.Reason, "rejected")

	case chain.EventCancelled:
		return o.closeRequest(ctx, req, StatusCancelled, ev.Actor, ev.Reason, "cancelled")

	case chain.EventEscalated:
		o.audit.Record(ctx, "escalated", "approval_chain", ch.ID, nil, ev.StageIndex, "system")
		stage := ch.CurrentStage()
		target := stage.EscalationTarget
		if target == "" {
			// No configured target: nudge the stage approvers instead.
			for _, a := range stage.Approvers {
				o.notifier.Notify(ctx, a.UserID, "escalation", map[string]any{
					"request_id": req.ID, "stage": ev.StageIndex,
				})
			}
			return nil
		}
		o.notifier.Notify(ctx, target, "escalation", map[string]any{
			"request_id": req.ID, "stage": ev.StageIndex,
		})
		return nil
	}
	return nil
}

// startPaymentPhase begins the payment-approval chain after the spend chain
// approves. When no payment policy is configured the request moves straight
// to awaiting payment.
func (o *Orchestrator) startPaymentPhase(ctx context.Context, req *SpendRequest, actor string) error {
	pol, err := o.catalog.Resolve(ctx, policy.KindPayment, req.Amount, req.CategoryID, req.CostCenterID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodePolicyNotFound) {
			return o.moveToPendingPayment(ctx, req, actor)
		}
		return err
	}

	ch, err := chain.New(req.ID, pol, o.clock.Now())
	if err != nil {
		return err
	}
	if err := o.chains.Create(ctx, ch); err != nil {
		return err
	}

	before := req.Status
	req.appendStatus(StatusPendingPaymentApproval, actor, "", o.clock.Now())
	if err := o.requests.Save(ctx, req); err != nil {
		return err
	}
	o.scheduleDeadline(req.ID, ch)
	o.audit.Record(ctx, "payment_approval_started", "spend_request", req.ID, before, req.Status, actor)
	o.notifyStageApprovers(ctx, req, ch)
	return nil
}

func (o *Orchestrator) moveToPendingPayment(ctx context.Context, req *SpendRequest, actor string) error {
	before := req.Status
	req.appendStatus(StatusPendingPayment, actor, "", o.clock.Now())
	if err := o.requests.Save(ctx, req); err != nil {
		return err
	}
	o.audit.Record(ctx, "approved", "spend_request", req.ID, before, req.Status, actor)
	o.notifier.Notify(ctx, req.SubmittedBy, "approval_responded", map[string]any{
		"request_id": req.ID, "outcome": "approved",
	})
	return nil
}

func (o *Orchestrator) closeRequest(ctx context.Context, req *SpendRequest, status Status, actor, reason, action string) error {
	o.scheduler.Cancel(req.ID)
	if _, err := o.ledger.Release(ctx, req.ID); err != nil {
		return err
	}
	before := req.Status
	req.appendStatus(status, actor, reason, o.clock.Now())
	if err := o.requests.Save(ctx, req); err != nil {
		return err
	}
	o.audit.Record(ctx, action, "spend_request", req.ID, before, req.Status, actor)
	o.notifier.Notify(ctx, req.SubmittedBy, "approval_responded", map[string]any{
		"request_id": req.ID, "outcome": action, "reason": reason,
	})
	return nil
}

// ── Escalation ───────────────────────────────────────────────────────────────

// handleEscalation runs when a stage deadline elapses. It competes for the
// same per-request lock as human decisions, so a late decision and a firing
// timer are mutually exclusive.
func (o *Orchestrator) handleEscalation(ctx context.Context, requestID string) {
	err := o.withRequestLock(ctx, requestID, func() error {
		req, err := o.requests.Get(ctx, requestID)
		if err != nil {
			return err
		}
		ch, err := o.chains.ActiveByRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if ch == nil {
			return nil // resolved before the timer won the lock
		}
		ev, err := ch.EscalationFires(o.clock.Now())
		if err != nil {
			// The stage advanced or closed between firing and locking.
			o.log.Debug().Err(err).Str("request_id", requestID).Msg("escalation: skipped")
			return nil
		}
		if err := o.chains.Update(ctx, ch); err != nil {
			return err
		}
		return o.applyEvent(ctx, req, ch, ev)
	})
	if err != nil {
		o.log.Warn().Err(err).Str("request_id", requestID).Msg("escalation: handling failed")
	}
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// withRequestLock serializes work on one request. Acquisition is bounded and
// retried with exponential backoff; only after retries are exhausted does the
// caller see a busy error.
func (o *Orchestrator) withRequestLock(ctx context.Context, requestID string, fn func() error) error {
	var release func()
	acquire := func() error {
		actx, cancel := context.WithTimeout(ctx, o.opts.LockWait)
		defer cancel()
		rel, err := o.locks.Acquire(actx, requestID)
		if err != nil {
			return err
		}
		release = rel
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), o.opts.LockRetries), ctx)
	if err := backoff.Retry(acquire, bo); err != nil {
		return err
	}
	defer release()
	return fn()
}

func (o *Orchestrator) activeChain(ctx context.Context, req *SpendRequest) (*chain.Instance, error) {
	ch, err := o.chains.ActiveByRequest(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, apperrors.Newf(apperrors.CodeChainClosed,
			"request %s has already been resolved (status %s)", req.ID, req.Status)
	}
	return ch, nil
}

func (o *Orchestrator) scheduleDeadline(requestID string, ch *chain.Instance) {
	if ch.StageDeadline != nil {
		o.scheduler.Schedule(requestID, *ch.StageDeadline)
	} else {
		o.scheduler.Cancel(requestID)
	}
}

func (o *Orchestrator) notifyStageApprovers(ctx context.Context, req *SpendRequest, ch *chain.Instance) {
	stage := ch.CurrentStage()
	for _, a := range stage.Approvers {
		o.notifier.Notify(ctx, a.UserID, "approval_requested", map[string]any{
			"request_id": req.ID,
			"amount":     req.Amount,
			"stage":      ch.StageIndex,
			"role":       string(stage.Role),
		})
	}
}

func (r *SpendRequest) appendStatus(status Status, actor, reason string, now time.Time) {
	r.Status = status
	r.UpdatedAt = now
	r.StatusHistory = append(r.StatusHistory, StatusEntry{
		Status:    status,
		Actor:     actor,
		Timestamp: now,
		Reason:    reason,
	})
}
