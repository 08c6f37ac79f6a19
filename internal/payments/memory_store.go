package payments

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps payment records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Create(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[r.OrderID]; ok {
		return ErrDuplicateOrder
	}
	m.records[r.OrderID] = cloneRecord(r)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, orderID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(r), nil
}

func (m *MemoryStore) GetByGatewayReference(_ context.Context, ref string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.records {
		if ref != "" && r.GatewayReference == ref {
			return cloneRecord(r), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListForUser(_ context.Context, userID string, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for _, r := range m.records {
		if r.UserID == userID {
			out = append(out, cloneRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListUncredited(_ context.Context, completedBefore time.Time, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for _, r := range m.records {
		if r.Status == StatusCompleted && r.CreditedAt == nil && r.CompletedAt != nil && r.CompletedAt.Before(completedBefore) {
			out = append(out, cloneRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.Before(*out[j].CompletedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SetGatewayReference(_ context.Context, orderID, ref string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[orderID]
	if !ok {
		return ErrNotFound
	}
	r.GatewayReference = ref
	r.UpdatedAt = at
	return nil
}

func (m *MemoryStore) MarkCompleted(_ context.Context, orderID, ref, gatewayTxnID string, at time.Time) (bool, error) {
	return m.flip(orderID, StatusPending, StatusCompleted, at, func(r *Record) {
		if ref != "" {
			r.GatewayReference = ref
		}
		r.GatewayTransactionID = gatewayTxnID
		r.CompletedAt = &at
	})
}

func (m *MemoryStore) MarkFailed(_ context.Context, orderID, reason string, at time.Time) (bool, error) {
	return m.flip(orderID, StatusPending, StatusFailed, at, func(r *Record) {
		r.FailureReason = reason
	})
}

func (m *MemoryStore) MarkCredited(_ context.Context, orderID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[orderID]
	if !ok {
		return ErrNotFound
	}
	if r.CreditedAt == nil {
		r.CreditedAt = &at
		r.UpdatedAt = at
	}
	return nil
}

func (m *MemoryStore) MarkRefunded(_ context.Context, orderID string, at time.Time) (bool, error) {
	return m.flip(orderID, StatusCompleted, StatusRefunded, at, func(r *Record) {
		r.RefundedAt = &at
	})
}

func (m *MemoryStore) RevertRefund(_ context.Context, orderID string, at time.Time) (bool, error) {
	return m.flip(orderID, StatusRefunded, StatusCompleted, at, func(r *Record) {
		r.RefundedAt = nil
	})
}

func (m *MemoryStore) SetRefundID(_ context.Context, orderID, refundID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[orderID]
	if !ok {
		return ErrNotFound
	}
	if r.Status != StatusRefunded {
		return ErrInvalidStatus
	}
	r.GatewayRefundID = refundID
	r.UpdatedAt = at
	return nil
}

func (m *MemoryStore) flip(orderID string, from, to Status, at time.Time, apply func(*Record)) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[orderID]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != from {
		return false, nil
	}
	r.Status = to
	r.UpdatedAt = at
	apply(r)
	return true, nil
}

func cloneRecord(r *Record) *Record {
	cp := *r
	cp.CompletedAt = cloneTime(r.CompletedAt)
	cp.CreditedAt = cloneTime(r.CreditedAt)
	cp.RefundedAt = cloneTime(r.RefundedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
