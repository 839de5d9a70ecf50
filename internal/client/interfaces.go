package client

import "context"

// MasterDataClientInterface resolves category, cost-center and budget-line
// master data owned by the master-data service. Lookups are read-only and
// eventually consistent; a "not found" fails the operation that needed it.
type MasterDataClientInterface interface {
	GetCategory(ctx context.Context, id string) (*Category, error)
	GetCostCenter(ctx context.Context, id string) (*CostCenter, error)
	GetBudgetLine(ctx context.Context, id string) (*BudgetLine, error)
}

// AuditSinkInterface is the write-only audit trail. Calls are fire-and-forget:
// the engine records every state-changing operation but never depends on the
// sink's success for correctness.
type AuditSinkInterface interface {
	Record(ctx context.Context, action, entity, entityID string, before, after any, actor string)
}

// NotifierInterface is the fire-and-forget notification fan-out.
type NotifierInterface interface {
	Notify(ctx context.Context, recipientID, kind string, payload map[string]any)
}
