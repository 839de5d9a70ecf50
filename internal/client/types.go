package client

// Category is a spend category from the master-data service.
type Category struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// CostCenter is a cost center from the master-data service.
type CostCenter struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OwnerID string `json:"owner_id"`
	Active  bool   `json:"active"`
}

// BudgetLine is the master-data view of a budget line; the ledger keeps its
// own copy of the planned amounts.
type BudgetLine struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	CostCenterID   string    `json:"cost_center_id"`
	FiscalYear     int       `json:"fiscal_year"`
	PlannedByMonth [12]int64 `json:"planned_by_month"`
}
