package reconciliation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/pointledger/internal/database"
)

// Alert kinds.
const (
	KindBalanceMismatch = "balance_mismatch"
)

// Alert is a recorded invariant violation awaiting operator review.
type Alert struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Expected  int64     `json:"expected"`
	Actual    int64     `json:"actual"`
	CreatedAt time.Time `json:"createdAt"`
}

// AlertStore persists alerts.
type AlertStore interface {
	Record(ctx context.Context, a *Alert) error
	List(ctx context.Context, limit int) ([]*Alert, error)
}

// MemoryAlertStore keeps alerts in process memory.
type MemoryAlertStore struct {
	mu     sync.RWMutex
	alerts []*Alert
}

func NewMemoryAlertStore() *MemoryAlertStore {
	return &MemoryAlertStore{}
}

func (m *MemoryAlertStore) Record(_ context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.alerts = append(m.alerts, &cp)
	return nil
}

// List returns alerts newest first.
func (m *MemoryAlertStore) List(_ context.Context, limit int) ([]*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		cp := *a
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SQLAlertStore persists alerts in the invariant_alerts table.
type SQLAlertStore struct {
	db *database.DB
}

func NewSQLAlertStore(db *database.DB) *SQLAlertStore {
	return &SQLAlertStore{db: db}
}

func (s *SQLAlertStore) Record(ctx context.Context, a *Alert) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO invariant_alerts (id, user_id, kind, message, expected, actual, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`),
		a.ID, a.UserID, a.Kind, a.Message, a.Expected, a.Actual, a.CreatedAt.UTC())
	return err
}

func (s *SQLAlertStore) List(ctx context.Context, limit int) ([]*Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT id, user_id, kind, message, expected, actual, created_at
		FROM invariant_alerts
		ORDER BY created_at DESC, id DESC
		LIMIT $1`), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Alert
	for rows.Next() {
		a := &Alert{}
		if err := rows.Scan(&a.ID, &a.UserID, &a.Kind, &a.Message, &a.Expected, &a.Actual, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.CreatedAt = a.CreatedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}
