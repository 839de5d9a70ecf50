package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-spend-approvals/internal/apperrors"
	"github.com/pesio-ai/be-spend-approvals/internal/chain"
	"github.com/pesio-ai/be-spend-approvals/internal/database"
	"github.com/pesio-ai/be-spend-approvals/internal/policy"
)

// ChainRepository persists approval chain instances. The resolved policy is
// stored as a JSONB snapshot so later policy edits never reach an in-flight
// chain.
type ChainRepository struct {
	db *database.DB
}

// NewChainRepository creates a new ChainRepository.
func NewChainRepository(db *database.DB) *ChainRepository {
	return &ChainRepository{db: db}
}

// Create inserts a chain instance with its policy snapshot and decisions.
func (r *ChainRepository) Create(ctx context.Context, c *chain.Instance) error {
	policyJSON, decisionsJSON, err := marshalChain(c)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO approval_chains
		    (id, request_id, policy_snapshot, stage_index, state, reason,
		     decisions, stage_deadline, started_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = r.db.Exec(ctx, query,
		c.ID, c.RequestID, policyJSON, c.StageIndex, c.State, c.Reason,
		decisionsJSON, c.StageDeadline, c.StartedAt, c.ClosedAt,
	)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to create approval chain")
	}
	return nil
}

// Update persists the chain's current stage, state and decisions.
func (r *ChainRepository) Update(ctx context.Context, c *chain.Instance) error {
	_, decisionsJSON, err := marshalChain(c)
	if err != nil {
		return err
	}

	query := `
		UPDATE approval_chains
		SET stage_index    = $2,
		    state          = $3,
		    reason         = $4,
		    decisions      = $5,
		    stage_deadline = $6,
		    closed_at      = $7
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err = r.db.QueryRow(ctx, query,
		c.ID, c.StageIndex, c.State, c.Reason, decisionsJSON, c.StageDeadline, c.ClosedAt,
	).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperrors.NotFound("approval_chain", c.ID)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to update approval chain")
	}
	return nil
}

const chainColumns = `id, request_id, policy_snapshot, stage_index, state, reason,
       decisions, stage_deadline, started_at, closed_at`

// ActiveByRequest returns the open or escalated chain for a request, or nil.
func (r *ChainRepository) ActiveByRequest(ctx context.Context, requestID string) (*chain.Instance, error) {
	query := `SELECT ` + chainColumns + `
		FROM approval_chains
		WHERE request_id = $1 AND state IN ('open', 'escalated')
		ORDER BY started_at DESC
		LIMIT 1`

	c, err := scanChain(r.db.QueryRow(ctx, query, requestID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// LatestByRequest returns the most recently started chain regardless of
// state, or nil when the request never had one.
func (r *ChainRepository) LatestByRequest(ctx context.Context, requestID string) (*chain.Instance, error) {
	query := `SELECT ` + chainColumns + `
		FROM approval_chains
		WHERE request_id = $1
		ORDER BY started_at DESC
		LIMIT 1`

	c, err := scanChain(r.db.QueryRow(ctx, query, requestID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// Delete removes a chain row; only used to unwind a failed submission.
func (r *ChainRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM approval_chains WHERE id = $1`, id)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to delete approval chain")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("approval_chain", id)
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func marshalChain(c *chain.Instance) (policyJSON, decisionsJSON []byte, err error) {
	policyJSON, err = json.Marshal(c.Policy)
	if err != nil {
		return nil, nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to marshal policy snapshot")
	}
	decisionsJSON, err = json.Marshal(c.Decisions)
	if err != nil {
		return nil, nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to marshal chain decisions")
	}
	return policyJSON, decisionsJSON, nil
}

func scanChain(row rowScanner) (*chain.Instance, error) {
	c := &chain.Instance{}
	var policyJSON, decisionsJSON []byte
	var deadline, closedAt *time.Time

	err := row.Scan(
		&c.ID,
		&c.RequestID,
		&policyJSON,
		&c.StageIndex,
		&c.State,
		&c.Reason,
		&decisionsJSON,
		&deadline,
		&c.StartedAt,
		&closedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Policy = &policy.Policy{}
	if err := json.Unmarshal(policyJSON, c.Policy); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to unmarshal policy snapshot")
	}
	if err := json.Unmarshal(decisionsJSON, &c.Decisions); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to unmarshal chain decisions")
	}
	c.StageDeadline = deadline
	c.ClosedAt = closedAt
	return c, nil
}
