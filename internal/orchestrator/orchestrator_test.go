package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-spend-approvals/internal/apperrors"
	"github.com/pesio-ai/be-spend-approvals/internal/chain"
	"github.com/pesio-ai/be-spend-approvals/internal/client"
	"github.com/pesio-ai/be-spend-approvals/internal/ledger"
	"github.com/pesio-ai/be-spend-approvals/internal/policy"
)

var testStart = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

// ── in-memory fakes ──────────────────────────────────────────────────────────

type memRequestStore struct {
	mu   sync.Mutex
	reqs map[string]*SpendRequest
}

func newMemRequestStore() *memRequestStore {
	return &memRequestStore{reqs: make(map[string]*SpendRequest)}
}

func (m *memRequestStore) Get(_ context.Context, id string) (*SpendRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.reqs[id]
	if !ok {
		return nil, apperrors.NotFound("spend_request", id)
	}
	return req, nil
}

func (m *memRequestStore) Create(_ context.Context, req *SpendRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reqs[req.ID]; ok {
		return apperrors.Newf(apperrors.CodeConflict, "request %s already exists", req.ID)
	}
	m.reqs[req.ID] = req
	return nil
}

func (m *memRequestStore) Save(_ context.Context, req *SpendRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reqs[req.ID] = req
	return nil
}

type memChainStore struct {
	mu     sync.Mutex
	chains []*chain.Instance
}

func (m *memChainStore) Create(_ context.Context, c *chain.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains = append(m.chains, c)
	return nil
}

func (m *memChainStore) Update(_ context.Context, c *chain.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.chains {
		if existing.ID == c.ID {
			m.chains[i] = c
			return nil
		}
	}
	return apperrors.NotFound("approval_chain", c.ID)
}

func (m *memChainStore) ActiveByRequest(_ context.Context, requestID string) (*chain.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.chains) - 1; i >= 0; i-- {
		c := m.chains[i]
		if c.RequestID == requestID && !c.IsTerminal() {
			return c, nil
		}
	}
	return nil, nil
}

func (m *memChainStore) LatestByRequest(_ context.Context, requestID string) (*chain.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.chains) - 1; i >= 0; i-- {
		if m.chains[i].RequestID == requestID {
			return m.chains[i], nil
		}
	}
	return nil, nil
}

func (m *memChainStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.chains {
		if c.ID == id {
			m.chains = append(m.chains[:i], m.chains[i+1:]...)
			return nil
		}
	}
	return apperrors.NotFound("approval_chain", id)
}

type flakyChainStore struct {
	memChainStore
	failNextCreate bool
}

func (s *flakyChainStore) Create(ctx context.Context, c *chain.Instance) error {
	if s.failNextCreate {
		s.failNextCreate = false
		return apperrors.New(apperrors.CodeInternal, "chain storage unavailable")
	}
	return s.memChainStore.Create(ctx, c)
}

type fakeMasterData struct{}

func (fakeMasterData) GetCategory(_ context.Context, id string) (*client.Category, error) {
	if id == "cat-unknown" {
		return nil, apperrors.NotFound("category", id)
	}
	return &client.Category{ID: id, Active: true}, nil
}

func (fakeMasterData) GetCostCenter(_ context.Context, id string) (*client.CostCenter, error) {
	return &client.CostCenter{ID: id, Active: true}, nil
}

func (fakeMasterData) GetBudgetLine(_ context.Context, id string) (*client.BudgetLine, error) {
	return &client.BudgetLine{ID: id, FiscalYear: 2026}, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []string // "<recipient>:<kind>"
}

func (n *recordingNotifier) Notify(_ context.Context, recipientID, kind string, _ map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, recipientID+":"+kind)
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent...)
}

type recordingAudit struct {
	mu      sync.Mutex
	actions []string
}

func (a *recordingAudit) Record(_ context.Context, action, _, _ string, _, _ any, _ string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, action)
}

func (a *recordingAudit) all() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.actions...)
}

// ── fixture ──────────────────────────────────────────────────────────────────

type fixture struct {
	engine   *Orchestrator
	clock    *clockwork.FakeClock
	ledger   *ledger.Ledger
	store    *ledger.MemoryStore
	requests *memRequestStore
	chains   *memChainStore
	notifier *recordingNotifier
	audit    *recordingAudit
}

func spendPolicy() *policy.Policy {
	return &policy.Policy{
		ID:       "pol-spend",
		Kind:     policy.KindSpend,
		Priority: 10,
		Stages: []policy.Stage{
			{
				Role:             policy.RoleOwner,
				Approvers:        []policy.Approver{{UserID: "u-owner", Required: true}},
				EscalationHours:  24,
				EscalationTarget: "u-director",
			},
			{
				Role:      policy.RoleDirector,
				Approvers: []policy.Approver{{UserID: "u-director", Required: true}},
			},
		},
		Active: true,
	}
}

func paymentPolicy() *policy.Policy {
	return &policy.Policy{
		ID:       "pol-payment",
		Kind:     policy.KindPayment,
		Priority: 10,
		Stages: []policy.Stage{
			{
				Role:      policy.RolePayment,
				Approvers: []policy.Approver{{UserID: "u-treasury", Required: true}},
			},
		},
		Active: true,
	}
}

func newFixture(t *testing.T, policies ...*policy.Policy) *fixture {
	t.Helper()

	clock := clockwork.NewFakeClockAt(testStart)
	store := ledger.NewMemoryStore()
	store.PutBudgetLine(&ledger.BudgetLine{
		ID:         "bl-1",
		FiscalYear: 2026,
		PlannedByMonth: [12]int64{
			1000, 1000, 1000, 1000, 1000, 1000,
			1000, 1000, 1000, 1000, 1000, 1000,
		},
	})

	ldg := ledger.New(store, clock, zerolog.Nop())
	f := &fixture{
		clock:    clock,
		ledger:   ldg,
		store:    store,
		requests: newMemRequestStore(),
		chains:   &memChainStore{},
		notifier: &recordingNotifier{},
		audit:    &recordingAudit{},
	}
	f.engine = New(
		policy.NewCatalog(policy.StaticSource(policies)),
		ldg,
		f.requests,
		f.chains,
		fakeMasterData{},
		f.audit,
		f.notifier,
		clock,
		zerolog.Nop(),
		Options{},
	)
	t.Cleanup(f.engine.Stop)
	return f
}

func draftRequest() *SpendRequest {
	return &SpendRequest{
		Title:        "Conference booth",
		Amount:       400,
		CategoryID:   "cat-events",
		CostCenterID: "cc-marketing",
		InBudget:     true,
		BudgetLineID: "bl-1",
	}
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestSubmitHappyPath(t *testing.T) {
	f := newFixture(t, spendPolicy())
	ctx := context.Background()

	req, err := f.engine.Submit(ctx, draftRequest(), "u-alice")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingOwnerApproval, req.Status)
	assert.False(t, req.IsOverBudget)

	// History walks draft -> pending_validation -> stage status.
	var statuses []Status
	for _, e := range req.StatusHistory {
		statuses = append(statuses, e.Status)
	}
	assert.Equal(t, []Status{StatusDraft, StatusPendingValidation, StatusPendingOwnerApproval}, statuses)

	util, err := f.ledger.Utilization(ctx, "bl-1", "2026-03")
	require.NoError(t, err)
	assert.Equal(t, int64(400), util.Committed)

	assert.Contains(t, f.notifier.all(), "u-owner:approval_requested")
	assert.Contains(t, f.audit.all(), "submitted")
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, spendPolicy())
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*SpendRequest)
	}{
		{"zero amount", func(r *SpendRequest) { r.Amount = 0 }},
		{"missing category", func(r *SpendRequest) { r.CategoryID = "" }},
		{"missing cost center", func(r *SpendRequest) { r.CostCenterID = "" }},
		{"in budget without line", func(r *SpendRequest) { r.BudgetLineID = "" }},
		{"unknown category", func(r *SpendRequest) { r.CategoryID = "cat-unknown" }},
	}
	for _, tc := range cases {
		req := draftRequest()
		tc.mutate(req)
		_, err := f.engine.Submit(ctx, req, "u-alice")
		assert.Error(t, err, tc.name)
	}

	// Nothing was reserved by the failed attempts.
	util, err := f.ledger.Utilization(ctx, "bl-1", "2026-03")
	require.NoError(t, err)
	assert.Equal(t, int64(0), util.Committed)
}

func TestSubmitNoMatchingPolicyLeavesNoTrace(t *testing.T) {
	f := newFixture(t) // no policies at all
	ctx := context.Background()

	_, err := f.engine.Submit(ctx, draftRequest(), "u-alice")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodePolicyNotFound))

	util, err := f.ledger.Utilization(ctx, "bl-1", "2026-03")
	require.NoError(t, err)
	assert.Equal(t, int64(0), util.Committed)
}

func TestSubmitOverBudgetRequiresReason(t *testing.T) {
	f := newFixture(t, spendPolicy())
	ctx := context.Background()

	req := draftRequest()
	req.Amount = 1200 // planned capacity is 1000

	_, err := f.engine.Submit(ctx, req, "u-alice")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidInput))

	req = draftRequest()
	req.Amount = 1200
	req.OverBudgetReason = "CEO-approved campaign extension"

	out, err := f.engine.Submit(ctx, req, "u-alice")
	require.NoError(t, err)
	assert.True(t, out.IsOverBudget)
	assert.Contains(t, f.notifier.all(), "u-alice:budget_alert")
}

func TestFullLifecycleToPaid(t *testing.T) {
	f := newFixture(t, spendPolicy(), paymentPolicy())
	ctx := context.Background()

	req, err := f.engine.Submit(ctx, draftRequest(), "u-alice")
	require.NoError(t, err)

	_, err = f.engine.Decide(ctx, req.ID, "u-owner", chain.VerdictApprove, "")
	require.NoError(t, err)
	got, err := f.engine.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingDirectorApproval, got.Status)

	// Director approval closes the spend chain and opens the payment chain.
	_, err = f.engine.Decide(ctx, req.ID, "u-director", chain.VerdictApprove, "")
	require.NoError(t, err)
	got, err = f.engine.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingPaymentApproval, got.Status)
	assert.Contains(t, f.notifier.all(), "u-treasury:approval_requested")

	_, err = f.engine.Decide(ctx, req.ID, "u-treasury", chain.VerdictApprove, "")
	require.NoError(t, err)
	got, err = f.engine.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingPayment, got.Status)

	// Payment at a lower invoiced amount settles the reservation.
	require.NoError(t, f.engine.MarkPaid(ctx, req.ID, "u-treasury", 350))
	got, err = f.engine.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, got.Status)

	util, err := f.ledger.Utilization(ctx, "bl-1", "2026-03")
	require.NoError(t, err)
	assert.Equal(t, int64(0), util.Committed)
	assert.Equal(t, int64(350), util.Spent)
	assert.Equal(t, int64(650), util.Available)
}

func TestApprovedWithoutPaymentPolicySkipsToPendingPayment(t *testing.T) {
	f := newFixture(t, spendPolicy())
	ctx := context.Background()

	req, err := f.engine.Submit(ctx, draftRequest(), "u-alice")
	require.NoError(t, err)

	_, err = f.engine.Decide(ctx, req.ID, "u-owner", chain.VerdictApprove, "")
	require.NoError(t, err)
	_, err = f.engine.Decide(ctx, req.ID, "u-director", chain.VerdictApprove, "")
	require.NoError(t, err)

	got, err := f.engine.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingPayment, got.Status)
}

func TestRejectReleasesReservation(t *testing.T) {
	f := newFixture(t, spendPolicy())
	ctx := context.Background()

	req, err := f.engine.Submit(ctx, draftRequest(), "u-alice")
	require.NoError(t, err)

	_, err = f.engine.Decide(ctx, req.ID, "u-owner", chain.VerdictReject, "wrong vendor")
	require.NoError(t, err)

	got, err := f.engine.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)

	util, err := f.ledger.Utilization(ctx, "bl-1", "2026-03")
	require.NoError(t, err)
	assert.Equal(t, int64(0), util.Committed)
	assert.Equal(t, int64(1000), util.Available)

	// A decision on a resolved request is refused.
	_, err = f.engine.Decide(ctx, req.ID, "u-director", chain.VerdictApprove, "")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeChainClosed))
}

func TestCancelDuringApprovalAndAfter(t *testing.T) {
	f := newFixture(t, spendPolicy())
	ctx := context.Background()

	// Cancel while the chain is open.
	req, err := f.engine.Submit(ctx, draftRequest(), "u-alice")
	require.NoError(t, err)
	require.NoError(t, f.engine.Cancel(ctx, req.ID, "u-alice", "duplicate"))

	got, err := f.engine.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	util, err := f.ledger.Utilization(ctx, "bl-1", "2026-03")
	require.NoError(t, err)
	assert.Equal(t, int64(0), util.Committed)

	// Cancel after approval, while waiting for payment: no chain in flight.
	req2, err := f.engine.Submit(ctx, draftRequest(), "u-alice")
	require.NoError(t, err)
	_, err = f.engine.Decide(ctx, req2.ID, "u-owner", chain.VerdictApprove, "")
	require.NoError(t, err)
	_, err = f.engine.Decide(ctx, req2.ID, "u-director", chain.VerdictApprove, "")
	require.NoError(t, err)
	require.NoError(t, f.engine.Cancel(ctx, req2.ID, "u-alice", "budget freeze"))

	util, err = f.ledger.Utilization(ctx, "bl-1", "2026-03")
	require.NoError(t, err)
	assert.Equal(t, int64(0), util.Committed)

	// A paid request cannot be cancelled.
	err = f.engine.Cancel(ctx, req2.ID, "u-alice", "again")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeConflict))
}

func TestMarkPaidRequiresPendingPayment(t *testing.T) {
	f := newFixture(t, spendPolicy())
	ctx := context.Background()

	req, err := f.engine.Submit(ctx, draftRequest(), "u-alice")
	require.NoError(t, err)

	err = f.engine.MarkPaid(ctx, req.ID, "u-treasury", 400)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeConflict))
}

func TestMarkPaidIsIdempotentOnLedger(t *testing.T) {
	f := newFixture(t, spendPolicy())
	ctx := context.Background()

	req, err := f.engine.Submit(ctx, draftRequest(), "u-alice")
	require.NoError(t, err)
	_, err = f.engine.Decide(ctx, req.ID, "u-owner", chain.VerdictApprove, "")
	require.NoError(t, err)
	_, err = f.engine.Decide(ctx, req.ID, "u-director", chain.VerdictApprove, "")
	require.NoError(t, err)
	require.NoError(t, f.engine.MarkPaid(ctx, req.ID, "u-treasury", 400))

	// A second MarkPaid fails the status gate; the ledger is untouched.
	err = f.engine.MarkPaid(ctx, req.ID, "u-treasury", 400)
	require.Error(t, err)

	util, err := f.ledger.Utilization(ctx, "bl-1", "2026-03")
	require.NoError(t, err)
	assert.Equal(t, int64(400), util.Spent)
}

// A submission that fails after reserving rolls the reservation back; the
// retry with the same request id must reserve again and carry the full
// lifecycle through payment.
func TestSubmitRetryAfterRollbackRestoresReservation(t *testing.T) {
	f := newFixture(t, spendPolicy())
	ctx := context.Background()

	flaky := &flakyChainStore{failNextCreate: true}
	engine := New(
		policy.NewCatalog(policy.StaticSource{spendPolicy()}),
		f.ledger,
		f.requests,
		flaky,
		fakeMasterData{},
		f.audit,
		f.notifier,
		f.clock,
		zerolog.Nop(),
		Options{},
	)
	t.Cleanup(engine.Stop)

	req := draftRequest()
	req.ID = "req-retry"
	_, err := engine.Submit(ctx, req, "u-alice")
	require.Error(t, err)

	// The failed attempt left no commitment behind.
	util, err := f.ledger.Utilization(ctx, "bl-1", "2026-03")
	require.NoError(t, err)
	assert.Equal(t, int64(0), util.Committed)

	retry := draftRequest()
	retry.ID = "req-retry"
	out, err := engine.Submit(ctx, retry, "u-alice")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingOwnerApproval, out.Status)

	util, err = f.ledger.Utilization(ctx, "bl-1", "2026-03")
	require.NoError(t, err)
	assert.Equal(t, int64(400), util.Committed)

	// The retried request pays out normally.
	_, err = engine.Decide(ctx, "req-retry", "u-owner", chain.VerdictApprove, "")
	require.NoError(t, err)
	_, err = engine.Decide(ctx, "req-retry", "u-director", chain.VerdictApprove, "")
	require.NoError(t, err)
	require.NoError(t, engine.MarkPaid(ctx, "req-retry", "u-treasury", 400))

	util, err = f.ledger.Utilization(ctx, "bl-1", "2026-03")
	require.NoError(t, err)
	assert.Equal(t, int64(0), util.Committed)
	assert.Equal(t, int64(400), util.Spent)
}

func TestEscalationAfterTwentyFourHours(t *testing.T) {
	f := newFixture(t, spendPolicy())
	ctx := context.Background()

	req, err := f.engine.Submit(ctx, draftRequest(), "u-alice")
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	waitFor(t, func() bool {
		ch, err := f.chains.ActiveByRequest(ctx, req.ID)
		return err == nil && ch != nil && ch.State == chain.StateEscalated
	})

	assert.Contains(t, f.notifier.all(), "u-director:escalation")
	assert.Contains(t, f.audit.all(), "escalated")

	// Escalation is advisory: the owner can still approve afterwards.
	_, err = f.engine.Decide(ctx, req.ID, "u-owner", chain.VerdictApprove, "")
	require.NoError(t, err)
	got, err := f.engine.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingDirectorApproval, got.Status)
}

func TestDecisionBeforeDeadlineDisarmsTimer(t *testing.T) {
	f := newFixture(t, spendPolicy())
	ctx := context.Background()

	req, err := f.engine.Submit(ctx, draftRequest(), "u-alice")
	require.NoError(t, err)

	// The owner approves an hour before the deadline; stage 1 has no
	// deadline of its own, so nothing fires later.
	f.clock.Advance(23 * time.Hour)
	_, err = f.engine.Decide(ctx, req.ID, "u-owner", chain.VerdictApprove, "")
	require.NoError(t, err)

	f.clock.Advance(48 * time.Hour)
	time.Sleep(20 * time.Millisecond)

	ch, err := f.chains.ActiveByRequest(ctx, req.ID)
	require.NoError(t, err)
	require.NotNil(t, ch)
	assert.Equal(t, chain.StateOpen, ch.State)
}

func TestPeriodFromCompetenceDate(t *testing.T) {
	f := newFixture(t, spendPolicy())
	ctx := context.Background()

	req := draftRequest()
	competence := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)
	req.CompetenceDate = &competence

	_, err := f.engine.Submit(ctx, req, "u-alice")
	require.NoError(t, err)

	util, err := f.ledger.Utilization(ctx, "bl-1", "2026-06")
	require.NoError(t, err)
	assert.Equal(t, int64(400), util.Committed)

	util, err = f.ledger.Utilization(ctx, "bl-1", "2026-03")
	require.NoError(t, err)
	assert.Equal(t, int64(0), util.Committed)
}

func TestGetChainState(t *testing.T) {
	f := newFixture(t, spendPolicy())
	ctx := context.Background()

	_, err := f.engine.GetChainState(ctx, "req-ghost")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))

	req, err := f.engine.Submit(ctx, draftRequest(), "u-alice")
	require.NoError(t, err)

	ch, err := f.engine.GetChainState(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, req.ID, ch.RequestID)
	assert.Equal(t, chain.StateOpen, ch.State)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
