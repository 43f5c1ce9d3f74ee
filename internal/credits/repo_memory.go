package credits

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for tests and local development.
// It honors the same idempotency contract as PostgresStore.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string][]LedgerEntry // userID -> append order
	balances map[string]Balance
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string][]LedgerEntry),
		balances: make(map[string]Balance),
	}
}

func (m *MemoryStore) GetBalance(_ context.Context, userID string) (Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[userID]
	if !ok {
		return Balance{}, ErrNotFound
	}
	return b, nil
}

func (m *MemoryStore) AppendEntry(_ context.Context, e LedgerEntry) (LedgerEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.entries[e.UserID] {
		if e.Type == EntryTypeDeduction && existing.Type == EntryTypeDeduction && existing.SessionID == e.SessionID {
			return existing, true, nil
		}
		if e.ExternalRef != "" && existing.ExternalRef == e.ExternalRef {
			return existing, true, nil
		}
	}

	b := m.balances[e.UserID]
	b.UserID = e.UserID
	b.Credits += e.Amount
	b.UpdatedAt = e.CreatedAt
	m.balances[e.UserID] = b

	e.BalanceAfter = b.Credits
	m.entries[e.UserID] = append(m.entries[e.UserID], e)
	return e, false, nil
}

func (m *MemoryStore) ListEntries(_ context.Context, userID string, limit int) ([]LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.entries[userID]
	out := make([]LedgerEntry, len(all))
	copy(out, all)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SumEntries(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sum int64
	for _, e := range m.entries[userID] {
		sum += e.Amount
	}
	return sum, nil
}
