package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-spend-approvals/internal/apperrors"
	"github.com/pesio-ai/be-spend-approvals/internal/database"
	"github.com/pesio-ai/be-spend-approvals/internal/orchestrator"
)

// RequestRepository persists spend requests and their append-only status
// history. History rows are only ever inserted, never updated or removed.
type RequestRepository struct {
	db *database.DB
}

// NewRequestRepository creates a new RequestRepository.
func NewRequestRepository(db *database.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

// Create inserts a request and its initial history in one transaction.
func (r *RequestRepository) Create(ctx context.Context, req *orchestrator.SpendRequest) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO spend_requests
			    (id, title, amount, category_id, cost_center_id,
			     in_budget, budget_line_id, over_budget_reason, is_over_budget,
			     competence_date, due_date, status, submitted_by,
			     created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`

		_, err := tx.Exec(ctx, query,
			req.ID, req.Title, req.Amount, req.CategoryID, req.CostCenterID,
			req.InBudget, nullable(req.BudgetLineID), nullable(req.OverBudgetReason), req.IsOverBudget,
			req.CompetenceDate, req.DueDate, req.Status, req.SubmittedBy,
			req.CreatedAt, req.UpdatedAt,
		)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to create spend request")
		}
		return appendHistory(ctx, tx, req.ID, req.StatusHistory, 0)
	})
}

// Save updates the request's mutable fields and appends any history entries
// added since the last persist.
func (r *RequestRepository) Save(ctx context.Context, req *orchestrator.SpendRequest) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE spend_requests
			SET status         = $2,
			    is_over_budget = $3,
			    updated_at     = $4
			WHERE id = $1
			RETURNING id
		`

		var returnedID string
		err := tx.QueryRow(ctx, query, req.ID, req.Status, req.IsOverBudget, req.UpdatedAt).Scan(&returnedID)
		if err == pgx.ErrNoRows {
			return apperrors.NotFound("spend_request", req.ID)
		}
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to update spend request")
		}

		var existing int
		err = tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM spend_request_status_history WHERE request_id = $1`,
			req.ID,
		).Scan(&existing)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to count status history")
		}
		return appendHistory(ctx, tx, req.ID, req.StatusHistory, existing)
	})
}

// Get retrieves a request with its full status history.
func (r *RequestRepository) Get(ctx context.Context, id string) (*orchestrator.SpendRequest, error) {
	query := `
		SELECT id, title, amount, category_id, cost_center_id,
		       in_budget, budget_line_id, over_budget_reason, is_over_budget,
		       competence_date, due_date, status, submitted_by,
		       created_at, updated_at
		FROM spend_requests
		WHERE id = $1
	`

	req := &orchestrator.SpendRequest{}
	var budgetLineID, overBudgetReason *string
	err := r.db.QueryRow(ctx, query, id).Scan(
		&req.ID, &req.Title, &req.Amount, &req.CategoryID, &req.CostCenterID,
		&req.InBudget, &budgetLineID, &overBudgetReason, &req.IsOverBudget,
		&req.CompetenceDate, &req.DueDate, &req.Status, &req.SubmittedBy,
		&req.CreatedAt, &req.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("spend_request", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to load spend request")
	}
	if budgetLineID != nil {
		req.BudgetLineID = *budgetLineID
	}
	if overBudgetReason != nil {
		req.OverBudgetReason = *overBudgetReason
	}

	history, err := r.history(ctx, id)
	if err != nil {
		return nil, err
	}
	req.StatusHistory = history
	return req, nil
}

func (r *RequestRepository) history(ctx context.Context, requestID string) ([]orchestrator.StatusEntry, error) {
	query := `
		SELECT status, actor, occurred_at, reason
		FROM spend_request_status_history
		WHERE request_id = $1
		ORDER BY id ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to load status history")
	}
	defer rows.Close()

	var history []orchestrator.StatusEntry
	for rows.Next() {
		var e orchestrator.StatusEntry
		if err := rows.Scan(&e.Status, &e.Actor, &e.Timestamp, &e.Reason); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan status history")
		}
		history = append(history, e)
	}
	return history, rows.Err()
}

func appendHistory(ctx context.Context, tx pgx.Tx, requestID string, history []orchestrator.StatusEntry, from int) error {
	query := `
		INSERT INTO spend_request_status_history
		    (request_id, status, actor, occurred_at, reason)
		VALUES ($1, $2, $3, $4, $5)
	`

	for _, e := range history[from:] {
		if _, err := tx.Exec(ctx, query, requestID, e.Status, e.Actor, e.Timestamp, e.Reason); err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to append status history")
		}
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
