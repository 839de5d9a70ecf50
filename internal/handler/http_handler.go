// Package handler exposes the engine's JSON-over-HTTP surface.
package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-spend-approvals/internal/apperrors"
	"github.com/pesio-ai/be-spend-approvals/internal/chain"
	"github.com/pesio-ai/be-spend-approvals/internal/orchestrator"
)

// HTTPHandler handles HTTP requests against the request orchestrator.
type HTTPHandler struct {
	engine *orchestrator.Orchestrator
	log    zerolog.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(engine *orchestrator.Orchestrator, log zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{engine: engine, log: log}
}

// SubmitRequest is the submission payload.
type SubmitRequest struct {
	ID               string `json:"id,omitempty"`
	Title            string `json:"title"`
	Amount           int64  `json:"amount"`
	CategoryID       string `json:"category_id"`
	CostCenterID     string `json:"cost_center_id"`
	InBudget         bool   `json:"in_budget"`
	BudgetLineID     string `json:"budget_line_id,omitempty"`
	OverBudgetReason string `json:"over_budget_reason,omitempty"`
	CompetenceDate   string `json:"competence_date,omitempty"` // YYYY-MM-DD
	DueDate          string `json:"due_date,omitempty"`        // YYYY-MM-DD
	SubmittedBy      string `json:"submitted_by"`
}

// Submit handles POST /api/v1/requests/submit.
func (h *HTTPHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var in SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, apperrors.InvalidInput("body", "invalid JSON"))
		return
	}

	req := &orchestrator.SpendRequest{
		ID:               in.ID,
		Title:            in.Title,
		Amount:           in.Amount,
		CategoryID:       in.CategoryID,
		CostCenterID:     in.CostCenterID,
		InBudget:         in.InBudget,
		BudgetLineID:     in.BudgetLineID,
		OverBudgetReason: in.OverBudgetReason,
	}
	var err error
	if req.CompetenceDate, err = parseDate(in.CompetenceDate, "competence_date"); err != nil {
		writeError(w, err)
		return
	}
	if req.DueDate, err = parseDate(in.DueDate, "due_date"); err != nil {
		writeError(w, err)
		return
	}

	out, err := h.engine.Submit(r.Context(), req, in.SubmittedBy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, requestView(out))
}

// DecideRequest is the approve/reject payload.
type DecideRequest struct {
	RequestID  string `json:"request_id"`
	ApproverID string `json:"approver_id"`
	Decision   string `json:"decision"` // approve | reject
	Comment    string `json:"comment,omitempty"`
}

// Decide handles POST /api/v1/requests/decide.
func (h *HTTPHandler) Decide(w http.ResponseWriter, r *http.Request) {
	var in DecideRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, apperrors.InvalidInput("body", "invalid JSON"))
		return
	}

	ch, err := h.engine.Decide(r.Context(), in.RequestID, in.ApproverID, chain.Verdict(in.Decision), in.Comment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chainView(ch))
}

// CancelRequest is the cancellation payload.
type CancelRequest struct {
	RequestID string `json:"request_id"`
	Actor     string `json:"actor"`
	Reason    string `json:"reason"`
}

// Cancel handles POST /api/v1/requests/cancel.
func (h *HTTPHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var in CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, apperrors.InvalidInput("body", "invalid JSON"))
		return
	}
	if err := h.engine.Cancel(r.Context(), in.RequestID, in.Actor, in.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// PayRequest is the payment payload.
type PayRequest struct {
	RequestID   string `json:"request_id"`
	PaidBy      string `json:"paid_by"`
	FinalAmount int64  `json:"final_amount"`
}

// Pay handles POST /api/v1/requests/pay.
func (h *HTTPHandler) Pay(w http.ResponseWriter, r *http.Request) {
	var in PayRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, apperrors.InvalidInput("body", "invalid JSON"))
		return
	}
	if err := h.engine.MarkPaid(r.Context(), in.RequestID, in.PaidBy, in.FinalAmount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paid"})
}

// GetRequest handles GET /api/v1/requests/get?id=.
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, apperrors.InvalidInput("id", "is required"))
		return
	}
	req, err := h.engine.GetRequest(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, requestView(req))
}

// GetChain handles GET /api/v1/requests/chain?id=.
func (h *HTTPHandler) GetChain(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, apperrors.InvalidInput("id", "is required"))
		return
	}
	ch, err := h.engine.GetChainState(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chainView(ch))
}

// GetUtilization handles GET /api/v1/budget/utilization?budget_line_id=&period=.
func (h *HTTPHandler) GetUtilization(w http.ResponseWriter, r *http.Request) {
	lineID := r.URL.Query().Get("budget_line_id")
	period := r.URL.Query().Get("period")
	if lineID == "" || period == "" {
		writeError(w, apperrors.InvalidInput("budget_line_id, period", "are required"))
		return
	}
	util, err := h.engine.GetUtilization(r.Context(), lineID, period)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, util)
}

// ── views ────────────────────────────────────────────────────────────────────

// RequestView is the JSON shape of a spend request.
type RequestView struct {
	ID            string                     `json:"id"`
	Title         string                     `json:"title,omitempty"`
	Amount        int64                      `json:"amount"`
	CategoryID    string                     `json:"category_id"`
	CostCenterID  string                     `json:"cost_center_id"`
	InBudget      bool                       `json:"in_budget"`
	BudgetLineID  string                     `json:"budget_line_id,omitempty"`
	IsOverBudget  bool                       `json:"is_over_budget"`
	Status        string                     `json:"status"`
	StatusHistory []orchestrator.StatusEntry `json:"status_history"`
	SubmittedBy   string                     `json:"submitted_by"`
}

func requestView(req *orchestrator.SpendRequest) *RequestView {
	return &RequestView{
		ID:            req.ID,
		Title:         req.Title,
		Amount:        req.Amount,
		CategoryID:    req.CategoryID,
		CostCenterID:  req.CostCenterID,
		InBudget:      req.InBudget,
		BudgetLineID:  req.BudgetLineID,
		IsOverBudget:  req.IsOverBudget,
		Status:        string(req.Status),
		StatusHistory: req.StatusHistory,
		SubmittedBy:   req.SubmittedBy,
	}
}

// ChainView is the JSON shape of an approval chain.
type ChainView struct {
	ID            string                      `json:"id"`
	RequestID     string                      `json:"request_id"`
	PolicyID      string                      `json:"policy_id"`
	State         string                      `json:"state"`
	StageIndex    int                         `json:"stage_index"`
	TotalStages   int                         `json:"total_stages"`
	Reason        string                      `json:"reason,omitempty"`
	StageDeadline *time.Time                  `json:"stage_deadline,omitempty"`
	Decisions     []map[string]chain.Decision `json:"decisions"`
}

func chainView(ch *chain.Instance) *ChainView {
	return &ChainView{
		ID:            ch.ID,
		RequestID:     ch.RequestID,
		PolicyID:      ch.Policy.ID,
		State:         string(ch.State),
		StageIndex:    ch.StageIndex,
		TotalStages:   len(ch.Policy.Stages),
		Reason:        ch.Reason,
		StageDeadline: ch.StageDeadline,
		Decisions:     ch.Decisions,
	}
}

// ── plumbing ─────────────────────────────────────────────────────────────────

func parseDate(s, field string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, apperrors.InvalidInput(field, "invalid date format, expected YYYY-MM-DD")
	}
	return &t, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := statusForCode(code)
	if code == apperrors.CodeBusy {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  string(code),
	})
}

func statusForCode(code apperrors.Code) int {
	switch code {
	case apperrors.CodeInvalidInput:
		return http.StatusBadRequest
	case apperrors.CodeNotFound, apperrors.CodePolicyNotFound:
		return http.StatusNotFound
	case apperrors.CodeConflict, apperrors.CodeAlreadyReserved,
		apperrors.CodeNoReservation, apperrors.CodeChainClosed:
		return http.StatusConflict
	case apperrors.CodeUnauthorized:
		return http.StatusForbidden
	case apperrors.CodeBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
