package orchestrator

import (
	"context"

	"github.com/pesio-ai/be-spend-approvals/internal/chain"
)

// RequestStore persists spend requests and their status history.
type RequestStore interface {
	Get(ctx context.Context, id string) (*SpendRequest, error)
	Create(ctx context.Context, req *SpendRequest) error
	// Save persists the current state of the aggregate, appending any new
	// status history entries.
	Save(ctx context.Context, req *SpendRequest) error
}

// ChainStore persists approval chain instances.
type ChainStore interface {
	Create(ctx context.Context, c *chain.Instance) error
	Update(ctx context.Context, c *chain.Instance) error
	// ActiveByRequest returns the open or escalated chain for a request, or
	// nil when none is in flight.
	ActiveByRequest(ctx context.Context, requestID string) (*chain.Instance, error)
	// LatestByRequest returns the most recently started chain for a request
	// regardless of state, or nil when the request never had one.
	LatestByRequest(ctx context.Context, requestID string) (*chain.Instance, error)
	// Delete removes a chain; only used to unwind a failed submission.
	Delete(ctx context.Context, id string) error
}
