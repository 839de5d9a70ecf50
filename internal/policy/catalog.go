package policy

import (
	"context"
	"sort"

	"github.com/pesio-ai/be-spend-approvals/internal/apperrors"
)

// Source supplies the active policies the catalog resolves against.
// The pgx-backed repository implements it in production; tests use a fixed
// in-memory slice.
type Source interface {
	ActivePolicies(ctx context.Context, kind Kind) ([]*Policy, error)
}

// StaticSource is a fixed set of policies, useful for tests and embedding.
type StaticSource []*Policy

// ActivePolicies returns the active subset of the static set for a kind.
func (s StaticSource) ActivePolicies(_ context.Context, kind Kind) ([]*Policy, error) {
	var out []*Policy
	for _, p := range s {
		if p.Active && p.Kind == kind {
			out = append(out, p)
		}
	}
	return out, nil
}

// Catalog resolves the single authoritative policy for a request.
type Catalog struct {
	source Source
}

// NewCatalog creates a catalog over the given policy source.
func NewCatalog(source Source) *Catalog {
	return &Catalog{source: source}
}

// Resolve returns the applicable policy for the given request attributes,
// or a policy_not_found error when no active policy matches.
//
// Ranking is total and deterministic: priority ascending, then scope
// specificity descending (cost-center+category beats category-only beats
// wildcard), then policy id ascending.
func (c *Catalog) Resolve(ctx context.Context, kind Kind, amount int64, categoryID, costCenterID string) (*Policy, error) {
	policies, err := c.source.ActivePolicies(ctx, kind)
	if err != nil {
		return nil, err
	}

	var matches []*Policy
	for _, p := range policies {
		if p.Matches(amount, categoryID, costCenterID) {
			matches = append(matches, p)
		}
	}
	if len(matches) == 0 {
		return nil, apperrors.Newf(apperrors.CodePolicyNotFound,
			"no active %s policy matches amount %d, category %q, cost center %q",
			kind, amount, categoryID, costCenterID)
	}

	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if sa, sb := a.Specificity(), b.Specificity(); sa != sb {
			return sa > sb
		}
		return a.ID < b.ID
	})

	// Callers hold the result across the chain's lifetime; hand out a copy
	// so policy edits never leak into in-flight chains.
	return matches[0].Clone(), nil
}
