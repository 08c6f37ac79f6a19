package spend

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/pointledger/internal/database"
)

// SQLStore persists attempts in the spend_attempts table.
type SQLStore struct {
	db *database.DB
}

func NewSQLStore(db *database.DB) *SQLStore {
	return &SQLStore{db: db}
}

const attemptColumns = `user_id, idempotency_key, cost, action, state, result, failure, refund_attempts, created_at, updated_at`

func (s *SQLStore) Create(ctx context.Context, a *Attempt) (bool, *Attempt, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO spend_attempts (`+attemptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id, idempotency_key) DO NOTHING`),
		a.UserID, a.IdempotencyKey, a.Cost, a.Action, string(a.State), a.Result, a.Failure,
		a.RefundAttempts, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return false, nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil, err
	}
	if n == 1 {
		return true, nil, nil
	}
	existing, err := s.Get(ctx, a.UserID, a.IdempotencyKey)
	return false, existing, err
}

func (s *SQLStore) Get(ctx context.Context, userID, key string) (*Attempt, error) {
	rows, err := s.query(ctx, `SELECT `+attemptColumns+` FROM spend_attempts
		WHERE user_id = $1 AND idempotency_key = $2`, userID, key)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

func (s *SQLStore) Transition(ctx context.Context, userID, key string, from []State, to State, u Update) error {
	inc := 0
	if u.RefundAttempt {
		inc = 1
	}
	args := []any{userID, key, string(to), u.Result, u.Failure, inc, u.At}
	placeholders := make([]string, len(from))
	for i, st := range from {
		args = append(args, string(st))
		placeholders[i] = "$" + strconv.Itoa(len(args))
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE spend_attempts SET
			state = $3,
			result = CASE WHEN $4 = '' THEN result ELSE $4 END,
			failure = CASE WHEN $5 = '' THEN failure ELSE $5 END,
			refund_attempts = refund_attempts + $6,
			updated_at = $7
		WHERE user_id = $1 AND idempotency_key = $2 AND state IN (`+strings.Join(placeholders, ", ")+`)`),
		args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, userID, key); err != nil {
		return err
	}
	return ErrStateConflict
}

func (s *SQLStore) HasPendingRefund(ctx context.Context, userID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT COUNT(*) FROM spend_attempts WHERE user_id = $1 AND state = 'refund_pending'`), userID).Scan(&n)
	return n > 0, err
}

func (s *SQLStore) ListUnresolved(ctx context.Context, updatedBefore time.Time, limit int) ([]*Attempt, error) {
	if limit <= 0 {
		limit = sweepBatch
	}
	return s.query(ctx, `SELECT `+attemptColumns+` FROM spend_attempts
		WHERE state IN ('requested', 'deducted', 'refund_pending') AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`, updatedBefore, limit)
}

func (s *SQLStore) query(ctx context.Context, q string, args ...any) ([]*Attempt, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Attempt
	for rows.Next() {
		a := &Attempt{}
		var state string
		if err := rows.Scan(&a.UserID, &a.IdempotencyKey, &a.Cost, &a.Action, &state, &a.Result, &a.Failure,
			&a.RefundAttempts, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.State = State(state)
		a.CreatedAt = a.CreatedAt.UTC()
		a.UpdatedAt = a.UpdatedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}
