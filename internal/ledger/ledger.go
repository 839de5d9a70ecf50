package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-spend-approvals/internal/apperrors"
	"github.com/pesio-ai/be-spend-approvals/internal/locks"
)

// Ledger exposes the budget commit/spend/release operations.
//
// Every operation is idempotent keyed by (request id, kind) to tolerate
// at-least-once delivery from upstream retries, and appends are serialized
// per (budget line, period) so unrelated lines never contend.
type Ledger struct {
	store EntryStore
	locks *locks.Keyed
	clock clockwork.Clock
	log   zerolog.Logger
}

// New creates a ledger over the given store.
func New(store EntryStore, clock clockwork.Clock, log zerolog.Logger) *Ledger {
	return &Ledger{
		store: store,
		locks: locks.NewKeyed(),
		clock: clock,
		log:   log,
	}
}

// Reserve appends a commit entry for a request against a (line, period).
//
// Re-reserving the same request with an identical amount is an idempotent
// success; a differing amount signals a data race upstream and fails hard
// with already_reserved. A reservation that was fully released (a rolled-back
// submission being retried) is re-reservable and gets a fresh commit.
// Capacity is a soft limit: the reservation is recorded even when it pushes
// the line over budget — the returned snapshot carries IsOverBudget so
// callers can gate on justification.
func (l *Ledger) Reserve(ctx context.Context, budgetLineID, period string, amount int64, requestID string) (*Utilization, error) {
	if amount <= 0 {
		return nil, apperrors.InvalidInput("amount", "must be positive")
	}
	if _, err := l.store.GetBudgetLine(ctx, budgetLineID); err != nil {
		return nil, err
	}

	release, err := l.locks.Acquire(ctx, lineKey(budgetLineID, period))
	if err != nil {
		return nil, err
	}
	defer release()

	existing, err := l.store.EntriesByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if commit := firstCommit(existing); commit != nil {
		outstanding, spent := fold(existing)
		if outstanding > 0 || spent > 0 {
			if spent == 0 && commit.Amount == amount && commit.BudgetLineID == budgetLineID && commit.Period == period {
				l.log.Info().
					Str("request_id", requestID).
					Str("budget_line_id", budgetLineID).
					Str("period", period).
					Msg("ledger: duplicate reserve, idempotent success")
				return l.utilizationLocked(ctx, budgetLineID, period)
			}
			return nil, apperrors.Newf(apperrors.CodeAlreadyReserved,
				"request %s already reserved %d against %s/%s", requestID, commit.Amount, commit.BudgetLineID, commit.Period)
		}
		// The earlier reservation was fully released — an unwound submission
		// being retried. Start over with a fresh commit.
		l.log.Info().
			Str("request_id", requestID).
			Str("budget_line_id", budgetLineID).
			Msg("ledger: prior reservation was released, re-reserving")
	}

	if err := l.append(ctx, budgetLineID, period, KindCommit, amount, requestID); err != nil {
		return nil, err
	}

	util, err := l.utilizationLocked(ctx, budgetLineID, period)
	if err != nil {
		return nil, err
	}
	l.log.Info().
		Str("request_id", requestID).
		Str("budget_line_id", budgetLineID).
		Str("period", period).
		Int64("amount", amount).
		Int64("available", util.Available).
		Bool("over_budget", util.IsOverBudget).
		Msg("ledger: reservation committed")
	return util, nil
}

// Settle converts a reservation into realised spend at the final amount,
// appending a compensating release when the invoiced amount differs from
// the committed one. Replaying a settle is a logged no-op; settling a
// request that never reserved (or was fully released) fails with
// no_reservation.
func (l *Ledger) Settle(ctx context.Context, requestID string, finalAmount int64) (*Utilization, error) {
	if finalAmount <= 0 {
		return nil, apperrors.InvalidInput("final_amount", "must be positive")
	}

	entries, err := l.store.EntriesByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	commit := firstCommit(entries)
	if commit == nil {
		return nil, apperrors.Newf(apperrors.CodeNoReservation,
			"no reservation exists for request %s", requestID)
	}

	release, err := l.locks.Acquire(ctx, lineKey(commit.BudgetLineID, commit.Period))
	if err != nil {
		return nil, err
	}
	defer release()

	// Re-read under the lock; a concurrent settle may have won.
	entries, err = l.store.EntriesByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Kind == KindSpend {
			l.log.Info().
				Str("request_id", requestID).
				Msg("ledger: duplicate settle, idempotent no-op")
			return l.utilizationLocked(ctx, commit.BudgetLineID, commit.Period)
		}
	}

	outstanding, _ := fold(entries)
	if outstanding <= 0 {
		return nil, apperrors.Newf(apperrors.CodeNoReservation,
			"reservation for request %s was already released", requestID)
	}

	if err := l.append(ctx, commit.BudgetLineID, commit.Period, KindSpend, finalAmount, requestID); err != nil {
		return nil, err
	}
	if diff := outstanding - finalAmount; diff != 0 {
		// Negative diff claws additional capacity forward when the invoiced
		// amount grew between commitment and payment.
		if err := l.append(ctx, commit.BudgetLineID, commit.Period, KindRelease, diff, requestID); err != nil {
			return nil, err
		}
	}

	util, err := l.utilizationLocked(ctx, commit.BudgetLineID, commit.Period)
	if err != nil {
		return nil, err
	}
	l.log.Info().
		Str("request_id", requestID).
		Str("budget_line_id", commit.BudgetLineID).
		Int64("final_amount", finalAmount).
		Int64("committed_was", outstanding).
		Msg("ledger: reservation settled")
	return util, nil
}

// Release gives back the outstanding committed amount for a request, used on
// rejection and cancellation. Releasing a request with nothing outstanding
// (never reserved, already released, or already settled) is a no-op.
func (l *Ledger) Release(ctx context.Context, requestID string) (*Utilization, error) {
	entries, err := l.store.EntriesByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	commit := firstCommit(entries)
	if commit == nil {
		l.log.Info().Str("request_id", requestID).Msg("ledger: nothing reserved, release is a no-op")
		return nil, nil
	}

	release, err := l.locks.Acquire(ctx, lineKey(commit.BudgetLineID, commit.Period))
	if err != nil {
		return nil, err
	}
	defer release()

	entries, err = l.store.EntriesByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	outstanding, _ := fold(entries)
	if outstanding <= 0 {
		l.log.Info().Str("request_id", requestID).Msg("ledger: already released, no-op")
		return l.utilizationLocked(ctx, commit.BudgetLineID, commit.Period)
	}

	if err := l.append(ctx, commit.BudgetLineID, commit.Period, KindRelease, outstanding, requestID); err != nil {
		return nil, err
	}

	util, err := l.utilizationLocked(ctx, commit.BudgetLineID, commit.Period)
	if err != nil {
		return nil, err
	}
	l.log.Info().
		Str("request_id", requestID).
		Str("budget_line_id", commit.BudgetLineID).
		Int64("released", outstanding).
		Msg("ledger: reservation released")
	return util, nil
}

// Utilization derives the current budget position for a (line, period) by
// folding the entry log. Pure read, no side effects.
func (l *Ledger) Utilization(ctx context.Context, budgetLineID, period string) (*Utilization, error) {
	return l.utilizationLocked(ctx, budgetLineID, period)
}

func (l *Ledger) utilizationLocked(ctx context.Context, budgetLineID, period string) (*Utilization, error) {
	line, err := l.store.GetBudgetLine(ctx, budgetLineID)
	if err != nil {
		return nil, err
	}
	planned, err := line.PlannedFor(period)
	if err != nil {
		return nil, err
	}
	entries, err := l.store.EntriesByLine(ctx, budgetLineID, period)
	if err != nil {
		return nil, err
	}
	committed, spent := fold(entries)
	return &Utilization{
		BudgetLineID: budgetLineID,
		Period:       period,
		Planned:      planned,
		Committed:    committed,
		Spent:        spent,
		Available:    planned - committed - spent,
		IsOverBudget: committed+spent > planned,
	}, nil
}

func (l *Ledger) append(ctx context.Context, budgetLineID, period string, kind EntryKind, amount int64, requestID string) error {
	return l.store.AppendEntry(ctx, &Entry{
		ID:           uuid.NewString(),
		BudgetLineID: budgetLineID,
		Period:       period,
		Kind:         kind,
		Amount:       amount,
		RequestID:    requestID,
		CreatedAt:    l.clock.Now(),
	})
}

func firstCommit(entries []*Entry) *Entry {
	for _, e := range entries {
		if e.Kind == KindCommit {
			return e
		}
	}
	return nil
}

func lineKey(budgetLineID, period string) string {
	return budgetLineID + "/" + period
}
