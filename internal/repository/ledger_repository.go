package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-spend-approvals/internal/apperrors"
	"github.com/pesio-ai/be-spend-approvals/internal/database"
	"github.com/pesio-ai/be-spend-approvals/internal/ledger"
)

// LedgerRepository persists budget lines and the append-only ledger entry
// log. Entries are never updated or deleted; corrections are compensating
// entries appended by the ledger itself.
type LedgerRepository struct {
	db *database.DB
}

// NewLedgerRepository creates a new LedgerRepository.
func NewLedgerRepository(db *database.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// AppendEntry inserts one ledger entry.
func (r *LedgerRepository) AppendEntry(ctx context.Context, entry *ledger.Entry) error {
	query := `
		INSERT INTO ledger_entries
		    (id, budget_line_id, period, kind, amount, request_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.Exec(ctx, query,
		entry.ID,
		entry.BudgetLineID,
		entry.Period,
		entry.Kind,
		entry.Amount,
		entry.RequestID,
		entry.CreatedAt,
	)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to append ledger entry")
	}
	return nil
}

const entryColumns = `id, budget_line_id, period, kind, amount, request_id, created_at`

// EntriesByLine returns all entries for a (budget line, period) oldest first.
func (r *LedgerRepository) EntriesByLine(ctx context.Context, budgetLineID, period string) ([]*ledger.Entry, error) {
	query := `SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE budget_line_id = $1 AND period = $2
		ORDER BY created_at ASC, id ASC`

	rows, err := r.db.Query(ctx, query, budgetLineID, period)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to load ledger entries")
	}
	defer rows.Close()
	return scanEntries(rows)
}

// EntriesByRequest returns all entries related to a request oldest first.
func (r *LedgerRepository) EntriesByRequest(ctx context.Context, requestID string) ([]*ledger.Entry, error) {
	query := `SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE request_id = $1
		ORDER BY created_at ASC, id ASC`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to load request ledger entries")
	}
	defer rows.Close()
	return scanEntries(rows)
}

// GetBudgetLine retrieves a budget line with its planned monthly amounts.
func (r *LedgerRepository) GetBudgetLine(ctx context.Context, id string) (*ledger.BudgetLine, error) {
	query := `
		SELECT id, name, fiscal_year, planned_by_month
		FROM budget_lines
		WHERE id = $1
	`

	line := &ledger.BudgetLine{}
	var plannedJSON []byte
	err := r.db.QueryRow(ctx, query, id).Scan(&line.ID, &line.Name, &line.FiscalYear, &plannedJSON)
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("budget_line", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to load budget line")
	}
	if err := json.Unmarshal(plannedJSON, &line.PlannedByMonth); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to unmarshal planned amounts")
	}
	return line, nil
}

// UpsertBudgetLine creates or replaces a budget line's planned amounts.
// Committed and spent totals are never written here — they are a fold over
// the entry log.
func (r *LedgerRepository) UpsertBudgetLine(ctx context.Context, line *ledger.BudgetLine) error {
	plannedJSON, err := json.Marshal(line.PlannedByMonth)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to marshal planned amounts")
	}

	query := `
		INSERT INTO budget_lines (id, name, fiscal_year, planned_by_month)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    fiscal_year = EXCLUDED.fiscal_year,
		    planned_by_month = EXCLUDED.planned_by_month
	`

	_, err = r.db.Exec(ctx, query, line.ID, line.Name, line.FiscalYear, plannedJSON)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to upsert budget line")
	}
	return nil
}

func scanEntries(rows pgx.Rows) ([]*ledger.Entry, error) {
	var entries []*ledger.Entry
	for rows.Next() {
		e := &ledger.Entry{}
		err := rows.Scan(&e.ID, &e.BudgetLineID, &e.Period, &e.Kind, &e.Amount, &e.RequestID, &e.CreatedAt)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan ledger entry")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
