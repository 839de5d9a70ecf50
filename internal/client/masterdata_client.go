package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pesio-ai/be-spend-approvals/internal/apperrors"
)

// MasterDataClient is the HTTP client for the master-data service.
type MasterDataClient struct {
	baseURL string
	http    *http.Client
}

// NewMasterDataClient creates a client against the given base URL.
func NewMasterDataClient(baseURL string, timeout time.Duration) *MasterDataClient {
	return &MasterDataClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// GetCategory fetches a spend category by id.
func (c *MasterDataClient) GetCategory(ctx context.Context, id string) (*Category, error) {
	var out Category
	if err := c.get(ctx, "/api/v1/categories/"+id, "category", id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetCostCenter fetches a cost center by id.
func (c *MasterDataClient) GetCostCenter(ctx context.Context, id string) (*CostCenter, error) {
	var out CostCenter
	if err := c.get(ctx, "/api/v1/cost-centers/"+id, "cost_center", id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetBudgetLine fetches a budget line by id.
func (c *MasterDataClient) GetBudgetLine(ctx context.Context, id string) (*BudgetLine, error) {
	var out BudgetLine
	if err := c.get(ctx, "/api/v1/budget-lines/"+id, "budget_line", id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *MasterDataClient) get(ctx context.Context, path, resource, id string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to build master data request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "master data request failed")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return apperrors.NotFound(resource, id)
	default:
		return apperrors.New(apperrors.CodeInternal,
			fmt.Sprintf("master data service returned status %d for %s %s", resp.StatusCode, resource, id))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to decode master data response")
	}
	return nil
}
