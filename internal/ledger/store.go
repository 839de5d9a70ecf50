package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/pesio-ai/be-spend-approvals/internal/apperrors"
)

// EntryStore persists ledger entries and budget lines. The pgx-backed
// repository implements it in production; MemoryStore serves tests and
// embedded use.
type EntryStore interface {
	AppendEntry(ctx context.Context, entry *Entry) error
	// EntriesByLine returns all entries for a (budget line, period) ordered
	// oldest first.
	EntriesByLine(ctx context.Context, budgetLineID, period string) ([]*Entry, error)
	// EntriesByRequest returns all entries related to a request, oldest first.
	EntriesByRequest(ctx context.Context, requestID string) ([]*Entry, error)
	GetBudgetLine(ctx context.Context, id string) (*BudgetLine, error)
}

// MemoryStore is an in-memory EntryStore.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
	lines   map[string]*BudgetLine
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{lines: make(map[string]*BudgetLine)}
}

// PutBudgetLine registers a budget line.
func (m *MemoryStore) PutBudgetLine(line *BudgetLine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines[line.ID] = line
}

// AppendEntry appends one entry to the log.
func (m *MemoryStore) AppendEntry(_ context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.entries = append(m.entries, &cp)
	return nil
}

// EntriesByLine returns entries for a (line, period) in append order.
func (m *MemoryStore) EntriesByLine(_ context.Context, budgetLineID, period string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Entry
	for _, e := range m.entries {
		if e.BudgetLineID == budgetLineID && e.Period == period {
			out = append(out, e)
		}
	}
	return sorted(out), nil
}

// EntriesByRequest returns entries for a request in append order.
func (m *MemoryStore) EntriesByRequest(_ context.Context, requestID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Entry
	for _, e := range m.entries {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	return sorted(out), nil
}

// GetBudgetLine returns a registered budget line.
func (m *MemoryStore) GetBudgetLine(_ context.Context, id string) (*BudgetLine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	line, ok := m.lines[id]
	if !ok {
		return nil, apperrors.NotFound("budget_line", id)
	}
	return line, nil
}

func sorted(entries []*Entry) []*Entry {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries
}
