package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for development and tests. A single
// mutex serializes every delta, which gives the same guarantees as the
// row-level conditional update in SQLStore.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[string]*Balance
	txns     map[string][]*Transaction
	keys     map[corrKey]struct{}
	nextID   int64
}

type corrKey struct {
	userID      string
	txnType     TxnType
	correlation string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		txns:     make(map[string][]*Transaction),
		keys:     make(map[corrKey]struct{}),
	}
}

func (m *MemoryStore) CreateBalance(_ context.Context, userID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.balances[userID]; ok {
		return false, nil
	}
	m.balances[userID] = &Balance{UserID: userID, CreatedAt: now, UpdatedAt: now}
	return true, nil
}

func (m *MemoryStore) GetBalance(_ context.Context, userID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.balances[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyBalance(b), nil
}

func (m *MemoryStore) ApplyDelta(_ context.Context, d Delta, now time.Time) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.balances[d.UserID]
	if !ok {
		return nil, ErrNotFound
	}
	if d.Type == AdminCredit && b.Frozen() {
		return nil, ErrAccountFrozen
	}
	if d.ExpectedPoints != nil && b.Points != *d.ExpectedPoints {
		return nil, ErrConflict
	}
	after := b.Points + d.Type.Signed(d.Amount)
	if after < 0 {
		return nil, ErrInsufficientBalance
	}
	key := corrKey{d.UserID, d.Type, d.CorrelationID}
	if _, dup := m.keys[key]; dup {
		return nil, ErrDuplicateTransaction
	}

	m.nextID++
	txn := &Transaction{
		ID:            m.nextID,
		UserID:        d.UserID,
		Type:          d.Type,
		Amount:        d.Amount,
		Reason:        d.Reason,
		CorrelationID: d.CorrelationID,
		ActorID:       d.ActorID,
		BalanceAfter:  after,
		CreatedAt:     now,
	}
	b.Points = after
	b.UpdatedAt = now
	m.keys[key] = struct{}{}
	m.txns[d.UserID] = append(m.txns[d.UserID], txn)

	cp := *txn
	return &cp, nil
}

func (m *MemoryStore) ListBalances(_ context.Context, afterUserID string, limit int) ([]*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.balances))
	for id := range m.balances {
		if id > afterUserID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*Balance, len(ids))
	for i, id := range ids {
		out[i] = copyBalance(m.balances[id])
	}
	return out, nil
}

func (m *MemoryStore) Freeze(_ context.Context, userID, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.balances[userID]
	if !ok {
		return ErrNotFound
	}
	b.FrozenReason = reason
	b.FrozenAt = &at
	b.UpdatedAt = at
	return nil
}

func (m *MemoryStore) Unfreeze(_ context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.balances[userID]
	if !ok {
		return ErrNotFound
	}
	b.FrozenReason = ""
	b.FrozenAt = nil
	b.UpdatedAt = at
	return nil
}

func (m *MemoryStore) ListForUser(_ context.Context, userID string, before *Position, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for _, t := range m.txns[userID] {
		if before != nil && !olderThan(t, before) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SumForUser(_ context.Context, userID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum int64
	for _, t := range m.txns[userID] {
		sum += t.Signed()
	}
	return sum, nil
}

func (m *MemoryStore) ListByCorrelation(_ context.Context, userID, correlationID string) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for _, t := range m.txns[userID] {
		if t.CorrelationID == correlationID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

// olderThan reports whether t sorts after p in newest-first order.
func olderThan(t *Transaction, p *Position) bool {
	if t.CreatedAt.Equal(p.CreatedAt) {
		return t.ID < p.ID
	}
	return t.CreatedAt.Before(p.CreatedAt)
}

func copyBalance(b *Balance) *Balance {
	cp := *b
	if b.FrozenAt != nil {
		at := *b.FrozenAt
		cp.FrozenAt = &at
	}
	return &cp
}
