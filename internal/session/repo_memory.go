package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development.
// CAS semantics match PostgresStore.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*AuditSession
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*AuditSession)}
}

func (m *MemoryStore) Insert(_ context.Context, s AuditSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (AuditSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return AuditSession{}, ErrNotFound
	}
	return *s, nil
}

func (m *MemoryStore) ClaimAnalyzing(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	if s.Status != StatusPending {
		return false, nil
	}
	s.Status = StatusAnalyzing
	s.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) AppendReport(_ context.Context, id string, chunk string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	if s.Status != StatusAnalyzing {
		return false, nil
	}
	s.Report += chunk
	s.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) Finalize(_ context.Context, id string, upd FinalizeUpdate) (AuditSession, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return AuditSession{}, false, ErrNotFound
	}
	if s.Status.IsTerminal() {
		return *s, false, nil
	}
	s.Status = upd.Status
	s.ErrorReason = upd.ErrorReason
	s.CostActual = upd.CostActual
	s.SummaryJSON = upd.SummaryJSON
	s.SecurityScore = upd.Score
	t := upd.CompletedAt
	s.CompletedAt = &t
	s.UpdatedAt = upd.CompletedAt
	return *s, true, nil
}

func (m *MemoryStore) UpdateVisibility(_ context.Context, id string, vis Visibility, title, description string, tags []string, at time.Time) (AuditSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return AuditSession{}, ErrNotFound
	}
	s.Visibility = vis
	s.Title = title
	s.Description = description
	s.Tags = append([]string(nil), tags...)
	s.UpdatedAt = at
	return *s, nil
}

func (m *MemoryStore) ListByOwner(_ context.Context, ownerID string, limit int) ([]AuditSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AuditSession
	for _, s := range m.sessions {
		if s.OwnerID == ownerID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListPublic(_ context.Context, limit int) ([]AuditSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AuditSession
	for _, s := range m.sessions {
		if s.Visibility == VisibilityPublic && s.Status == StatusCompleted {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].CreatedAt, out[j].CreatedAt
		if out[i].CompletedAt != nil {
			ti = *out[i].CompletedAt
		}
		if out[j].CompletedAt != nil {
			tj = *out[j].CompletedAt
		}
		return ti.After(tj)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
