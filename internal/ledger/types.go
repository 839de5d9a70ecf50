// Package ledger maintains per budget-line, per-period commitment and spend
// totals as a fold over an append-only entry log. Undo is modelled as a
// compensating entry, never as deletion, so totals can always be rebuilt by
// replaying entries in order.
package ledger

import (
	"fmt"
	"time"

	"github.com/pesio-ai/be-spend-approvals/internal/apperrors"
)

// EntryKind is the ledger operation recorded by an entry.
type EntryKind string

const (
	KindCommit  EntryKind = "commit"
	KindSpend   EntryKind = "spend"
	KindRelease EntryKind = "release"
)

// Entry is one immutable record in the budget ledger.
type Entry struct {
	ID           string
	BudgetLineID string
	Period       string // YYYY-MM
	Kind         EntryKind
	Amount       int64 // minor units; release entries may be negative to claw forward
	RequestID    string
	CreatedAt    time.Time
}

// BudgetLine is a named allocation of planned spend per month.
type BudgetLine struct {
	ID             string
	Name           string
	FiscalYear     int
	PlannedByMonth [12]int64 // minor units, January first
}

// PlannedFor returns the planned amount for a YYYY-MM period. Periods outside
// the line's fiscal year have zero planned capacity.
func (b *BudgetLine) PlannedFor(period string) (int64, error) {
	t, err := time.Parse("2006-01", period)
	if err != nil {
		return 0, apperrors.InvalidInput("period", "expected YYYY-MM")
	}
	if t.Year() != b.FiscalYear {
		return 0, nil
	}
	return b.PlannedByMonth[int(t.Month())-1], nil
}

// PeriodOf formats a time as a ledger period key.
func PeriodOf(t time.Time) string {
	return fmt.Sprintf("%04d-%02d", t.Year(), int(t.Month()))
}

// Utilization is the derived budget position for one (line, period).
type Utilization struct {
	BudgetLineID string `json:"budget_line_id"`
	Period       string `json:"period"`
	Planned      int64  `json:"planned"`
	Committed    int64  `json:"committed"`
	Spent        int64  `json:"spent"`
	Available    int64  `json:"available"`
	IsOverBudget bool   `json:"is_over_budget"`
}

// fold accumulates entry amounts into committed/spent totals.
// A commit raises committed; a release lowers it; a spend converts
// commitment into realised spend.
func fold(entries []*Entry) (committed, spent int64) {
	for _, e := range entries {
		switch e.Kind {
		case KindCommit:
			committed += e.Amount
		case KindRelease:
			committed -= e.Amount
		case KindSpend:
			committed -= e.Amount
			spent += e.Amount
		}
	}
	return committed, spent
}
