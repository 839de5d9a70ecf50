package ledger

import (
	"context"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-spend-approvals/internal/apperrors"
)

const (
	testLine   = "bl-marketing"
	testPeriod = "2026-03"
)

func newTestLedger(t *testing.T) (*Ledger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	store.PutBudgetLine(&BudgetLine{
		ID:         testLine,
		Name:       "Marketing",
		FiscalYear: 2026,
		PlannedByMonth: [12]int64{
			1000, 1000, 1000, 1000, 1000, 1000,
			1000, 1000, 1000, 1000, 1000, 1000,
		},
	})
	return New(store, clockwork.NewFakeClock(), zerolog.Nop()), store
}

func TestReserveAndUtilization(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	util, err := l.Reserve(ctx, testLine, testPeriod, 400, "req-1")
	require.NoError(t, err)
	assert.Equal(t, int64(400), util.Committed)
	assert.Equal(t, int64(0), util.Spent)
	assert.Equal(t, int64(600), util.Available)
	assert.False(t, util.IsOverBudget)
}

func TestReserveIdempotentOnReplay(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Reserve(ctx, testLine, testPeriod, 400, "req-1")
	require.NoError(t, err)

	// Same request, same amount: success without a second commit entry.
	util, err := l.Reserve(ctx, testLine, testPeriod, 400, "req-1")
	require.NoError(t, err)
	assert.Equal(t, int64(400), util.Committed)

	entries, err := store.EntriesByRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// Same request, different amount: hard failure.
	_, err = l.Reserve(ctx, testLine, testPeriod, 500, "req-1")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeAlreadyReserved))
}

func TestReserveAfterReleaseStartsFresh(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	// Reserve and unwind, the way a failed submission rolls back.
	_, err := l.Reserve(ctx, testLine, testPeriod, 400, "req-1")
	require.NoError(t, err)
	_, err = l.Release(ctx, "req-1")
	require.NoError(t, err)

	// The retry must commit again, not short-circuit on the released commit.
	util, err := l.Reserve(ctx, testLine, testPeriod, 400, "req-1")
	require.NoError(t, err)
	assert.Equal(t, int64(400), util.Committed)
	assert.Equal(t, int64(600), util.Available)

	// The re-reservation settles like any other.
	util, err = l.Settle(ctx, "req-1", 400)
	require.NoError(t, err)
	assert.Equal(t, int64(0), util.Committed)
	assert.Equal(t, int64(400), util.Spent)

	entries, err := store.EntriesByRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Len(t, entries, 4) // commit, release, commit, spend
}

func TestReserveAfterSettleFails(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Reserve(ctx, testLine, testPeriod, 400, "req-1")
	require.NoError(t, err)
	_, err = l.Settle(ctx, "req-1", 400)
	require.NoError(t, err)

	_, err = l.Reserve(ctx, testLine, testPeriod, 400, "req-1")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeAlreadyReserved))
}

func TestReserveAllowsOverBudgetWithFlag(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	util, err := l.Reserve(ctx, testLine, testPeriod, 1200, "req-1")
	require.NoError(t, err)
	assert.True(t, util.IsOverBudget)
	assert.Equal(t, int64(-200), util.Available)
}

func TestReserveValidation(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Reserve(ctx, testLine, testPeriod, 0, "req-1")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidInput))

	_, err = l.Reserve(ctx, "bl-missing", testPeriod, 100, "req-1")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
}

func TestSettleAtLowerAmountReleasesDifference(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Reserve(ctx, testLine, testPeriod, 400, "req-1")
	require.NoError(t, err)

	util, err := l.Settle(ctx, "req-1", 350)
	require.NoError(t, err)
	assert.Equal(t, int64(0), util.Committed)
	assert.Equal(t, int64(350), util.Spent)
	assert.Equal(t, int64(650), util.Available)
}

func TestSettleAtHigherAmountClawsForward(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Reserve(ctx, testLine, testPeriod, 400, "req-1")
	require.NoError(t, err)

	util, err := l.Settle(ctx, "req-1", 450)
	require.NoError(t, err)
	assert.Equal(t, int64(0), util.Committed)
	assert.Equal(t, int64(450), util.Spent)
	assert.Equal(t, int64(550), util.Available)
}

func TestSettleReplayIsNoOp(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Reserve(ctx, testLine, testPeriod, 400, "req-1")
	require.NoError(t, err)
	_, err = l.Settle(ctx, "req-1", 350)
	require.NoError(t, err)

	before, err := store.EntriesByRequest(ctx, "req-1")
	require.NoError(t, err)

	util, err := l.Settle(ctx, "req-1", 350)
	require.NoError(t, err)
	assert.Equal(t, int64(350), util.Spent)

	after, err := store.EntriesByRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after), "replayed settle must not append entries")
}

func TestSettleWithoutReservationFails(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Settle(ctx, "req-ghost", 100)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNoReservation))
}

func TestSettleAfterReleaseFails(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Reserve(ctx, testLine, testPeriod, 400, "req-1")
	require.NoError(t, err)
	_, err = l.Release(ctx, "req-1")
	require.NoError(t, err)

	_, err = l.Settle(ctx, "req-1", 400)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNoReservation))
}

func TestReleaseReturnsCommittedAmount(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Reserve(ctx, testLine, testPeriod, 400, "req-1")
	require.NoError(t, err)

	util, err := l.Release(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), util.Committed)
	assert.Equal(t, int64(1000), util.Available)
}

func TestReleaseIsNoOpWhenNothingOutstanding(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	// Never reserved: nil snapshot, nil error.
	util, err := l.Release(ctx, "req-ghost")
	require.NoError(t, err)
	assert.Nil(t, util)

	// Reserved then released twice: the second release appends nothing.
	_, err = l.Reserve(ctx, testLine, testPeriod, 400, "req-1")
	require.NoError(t, err)
	_, err = l.Release(ctx, "req-1")
	require.NoError(t, err)

	before, err := store.EntriesByRequest(ctx, "req-1")
	require.NoError(t, err)
	_, err = l.Release(ctx, "req-1")
	require.NoError(t, err)
	after, err := store.EntriesByRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))
}

// The derived totals must always equal the signed sum of the log, regardless
// of the operation mix that produced it.
func TestFoldMatchesSignedSum(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Reserve(ctx, testLine, testPeriod, 300, "req-1")
	require.NoError(t, err)
	_, err = l.Reserve(ctx, testLine, testPeriod, 200, "req-2")
	require.NoError(t, err)
	_, err = l.Settle(ctx, "req-1", 250)
	require.NoError(t, err)
	_, err = l.Release(ctx, "req-2")
	require.NoError(t, err)

	entries, err := store.EntriesByLine(ctx, testLine, testPeriod)
	require.NoError(t, err)

	var signed int64
	for _, e := range entries {
		switch e.Kind {
		case KindCommit:
			signed += e.Amount
		case KindRelease, KindSpend:
			signed -= e.Amount
		}
	}

	util, err := l.Utilization(ctx, testLine, testPeriod)
	require.NoError(t, err)
	assert.Equal(t, signed, util.Committed, "committed must equal the signed sum of the log")
	assert.Equal(t, int64(0), util.Committed)
	assert.Equal(t, int64(250), util.Spent)
	assert.Equal(t, int64(750), util.Available)
}

func TestPlannedForOutsideFiscalYearIsZero(t *testing.T) {
	line := &BudgetLine{ID: "bl", FiscalYear: 2026, PlannedByMonth: [12]int64{100}}

	planned, err := line.PlannedFor("2026-01")
	require.NoError(t, err)
	assert.Equal(t, int64(100), planned)

	planned, err = line.PlannedFor("2027-01")
	require.NoError(t, err)
	assert.Equal(t, int64(0), planned)

	_, err = line.PlannedFor("march")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidInput))
}
