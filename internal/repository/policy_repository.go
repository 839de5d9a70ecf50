package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-spend-approvals/internal/apperrors"
	"github.com/pesio-ai/be-spend-approvals/internal/database"
	"github.com/pesio-ai/be-spend-approvals/internal/policy"
)

// PolicyRepository handles CRUD for approval policies and feeds the policy
// catalog. Stages are stored as a JSONB array.
type PolicyRepository struct {
	db *database.DB
}

// NewPolicyRepository creates a new PolicyRepository.
func NewPolicyRepository(db *database.DB) *PolicyRepository {
	return &PolicyRepository{db: db}
}

const policyColumns = `id, kind, name, priority, amount_min, amount_max,
       category_id, cost_center_id, stages, active, created_at, updated_at`

// Create inserts a new policy.
func (r *PolicyRepository) Create(ctx context.Context, p *policy.Policy) error {
	stagesJSON, err := json.Marshal(p.Stages)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to marshal policy stages")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	query := `
		INSERT INTO approval_policies
		    (id, kind, name, priority, amount_min, amount_max,
		     category_id, cost_center_id, stages, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`

	return r.db.QueryRow(ctx, query,
		p.ID,
		p.Kind,
		p.Name,
		p.Priority,
		p.AmountMin,
		p.AmountMax,
		p.CategoryID,
		p.CostCenterID,
		stagesJSON,
		p.Active,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

// GetByID retrieves a policy by primary key.
func (r *PolicyRepository) GetByID(ctx context.Context, id string) (*policy.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM approval_policies WHERE id = $1`

	p, err := scanPolicy(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("approval_policy", id)
	}
	return p, err
}

// List returns all policies ordered by priority, optionally active only.
func (r *PolicyRepository) List(ctx context.Context, activeOnly bool) ([]*policy.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM approval_policies`
	if activeOnly {
		query += ` WHERE active = TRUE`
	}
	query += ` ORDER BY priority ASC, id ASC`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to list policies")
	}
	defer rows.Close()
	return scanPolicies(rows)
}

// ActivePolicies returns the active policies of one kind ordered by priority.
// It implements policy.Source for the catalog.
func (r *PolicyRepository) ActivePolicies(ctx context.Context, kind policy.Kind) ([]*policy.Policy, error) {
	query := `SELECT ` + policyColumns + `
		FROM approval_policies
		WHERE active = TRUE AND kind = $1
		ORDER BY priority ASC, id ASC`

	rows, err := r.db.Query(ctx, query, kind)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to load active policies")
	}
	defer rows.Close()
	return scanPolicies(rows)
}

// Update persists changes to an existing policy. Edits apply only to new
// requests: in-flight chains hold their own snapshot.
func (r *PolicyRepository) Update(ctx context.Context, p *policy.Policy) error {
	stagesJSON, err := json.Marshal(p.Stages)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to marshal policy stages")
	}

	query := `
		UPDATE approval_policies
		SET kind           = $2,
		    name           = $3,
		    priority       = $4,
		    amount_min     = $5,
		    amount_max     = $6,
		    category_id    = $7,
		    cost_center_id = $8,
		    stages         = $9,
		    active         = $10,
		    updated_at     = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err = r.db.QueryRow(ctx, query,
		p.ID, p.Kind, p.Name, p.Priority, p.AmountMin, p.AmountMax,
		p.CategoryID, p.CostCenterID, stagesJSON, p.Active,
	).Scan(&p.UpdatedAt)
	if err == pgx.ErrNoRows {
		return apperrors.NotFound("approval_policy", p.ID)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to update policy")
	}
	return nil
}

// Deactivate retires a policy without deleting it; existing chains keep
// their snapshots and historical requests stay explainable.
func (r *PolicyRepository) Deactivate(ctx context.Context, id string) error {
	query := `
		UPDATE approval_policies
		SET active = FALSE, updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperrors.NotFound("approval_policy", id)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to deactivate policy")
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (*policy.Policy, error) {
	p := &policy.Policy{}
	var stagesJSON []byte

	err := row.Scan(
		&p.ID,
		&p.Kind,
		&p.Name,
		&p.Priority,
		&p.AmountMin,
		&p.AmountMax,
		&p.CategoryID,
		&p.CostCenterID,
		&stagesJSON,
		&p.Active,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stagesJSON, &p.Stages); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to unmarshal policy stages")
	}
	return p, nil
}

func scanPolicies(rows pgx.Rows) ([]*policy.Policy, error) {
	var policies []*policy.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan policy")
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}
