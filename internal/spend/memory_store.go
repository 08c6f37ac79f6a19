package spend

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps attempts in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	attempts map[string]*Attempt
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{attempts: make(map[string]*Attempt)}
}

func (m *MemoryStore) Create(_ context.Context, a *Attempt) (bool, *Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := flightKey(a.UserID, a.IdempotencyKey)
	if existing, ok := m.attempts[k]; ok {
		cp := *existing
		return false, &cp, nil
	}
	cp := *a
	m.attempts[k] = &cp
	return true, nil, nil
}

func (m *MemoryStore) Get(_ context.Context, userID, key string) (*Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.attempts[flightKey(userID, key)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) Transition(_ context.Context, userID, key string, from []State, to State, u Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.attempts[flightKey(userID, key)]
	if !ok {
		return ErrNotFound
	}
	if !slices.Contains(from, a.State) {
		return ErrStateConflict
	}
	a.State = to
	a.UpdatedAt = u.At
	if u.Result != "" {
		a.Result = u.Result
	}
	if u.Failure != "" {
		a.Failure = u.Failure
	}
	if u.RefundAttempt {
		a.RefundAttempts++
	}
	return nil
}

func (m *MemoryStore) HasPendingRefund(_ context.Context, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.attempts {
		if a.UserID == userID && a.State == RefundPending {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) ListUnresolved(_ context.Context, updatedBefore time.Time, limit int) ([]*Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Attempt
	for _, a := range m.attempts {
		if !a.State.Terminal() && a.UpdatedAt.Before(updatedBefore) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
