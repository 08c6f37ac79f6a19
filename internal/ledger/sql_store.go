package ledger

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/mbd888/pointledger/internal/database"
)

// SQLStore persists balances and history in Postgres or SQLite.
type SQLStore struct {
	db *database.DB
}

// NewSQLStore creates a store over db. The schema comes from the embedded
// migrations in the database package.
func NewSQLStore(db *database.DB) *SQLStore {
	return &SQLStore{db: db}
}

const balanceColumns = `user_id, points, frozen_reason, frozen_at, created_at, updated_at`

const txnColumns = `id, user_id, type, amount, reason, correlation_id, actor_id, balance_after, created_at`

const signedAmount = `CASE WHEN type IN ('spend_debit', 'admin_debit') THEN -amount ELSE amount END`

func (s *SQLStore) CreateBalance(ctx context.Context, userID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO balances (user_id, points, created_at, updated_at)
		VALUES ($1, 0, $2, $2)
		ON CONFLICT (user_id) DO NOTHING`), userID, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT `+balanceColumns+` FROM balances WHERE user_id = $1`), userID)
	b, err := scanBalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

// ApplyDelta runs the conditional update and the history insert in one
// transaction. The update refuses to take points below zero, so concurrent
// debits on one user serialize on the row lock and the loser sees zero rows.
func (s *SQLStore) ApplyDelta(ctx context.Context, d Delta, now time.Time) (*Transaction, error) {
	signed := d.Type.Signed(d.Amount)
	txn := &Transaction{
		UserID:        d.UserID,
		Type:          d.Type,
		Amount:        d.Amount,
		Reason:        d.Reason,
		CorrelationID: d.CorrelationID,
		ActorID:       d.ActorID,
		CreatedAt:     now,
	}

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		q := `UPDATE balances SET points = points + $2, updated_at = $3
			WHERE user_id = $1 AND points + $2 >= 0`
		args := []any{d.UserID, signed, now}
		if d.Type == AdminCredit {
			q += ` AND frozen_at IS NULL`
		}
		if d.ExpectedPoints != nil {
			q += ` AND points = $4`
			args = append(args, *d.ExpectedPoints)
		}
		q += ` RETURNING points`

		err := tx.QueryRowContext(ctx, s.db.Rebind(q), args...).Scan(&txn.BalanceAfter)
		if errors.Is(err, sql.ErrNoRows) {
			return s.explainRejection(ctx, tx, d)
		}
		if err != nil {
			return err
		}

		txn.ID, err = s.appendTxn(ctx, tx, txn)
		return err
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// appendTxn inserts the history row. A (user, type, correlation) collision
// inserts nothing, which aborts the enclosing balance update.
func (s *SQLStore) appendTxn(ctx context.Context, tx *sql.Tx, t *Transaction) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, s.db.Rebind(`
		INSERT INTO transactions (user_id, type, amount, reason, correlation_id, actor_id, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, type, correlation_id) DO NOTHING
		RETURNING id`),
		t.UserID, string(t.Type), t.Amount, t.Reason, t.CorrelationID, t.ActorID, t.BalanceAfter, t.CreatedAt,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrDuplicateTransaction
	}
	return id, err
}

// explainRejection works out why the conditional update matched no row.
func (s *SQLStore) explainRejection(ctx context.Context, tx *sql.Tx, d Delta) error {
	var points int64
	var frozenAt sql.NullTime
	err := tx.QueryRowContext(ctx, s.db.Rebind(`SELECT points, frozen_at FROM balances WHERE user_id = $1`), d.UserID).
		Scan(&points, &frozenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	switch {
	case d.Type == AdminCredit && frozenAt.Valid:
		return ErrAccountFrozen
	case d.ExpectedPoints != nil && points != *d.ExpectedPoints:
		return ErrConflict
	default:
		return ErrInsufficientBalance
	}
}

func (s *SQLStore) ListBalances(ctx context.Context, afterUserID string, limit int) ([]*Balance, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT `+balanceColumns+` FROM balances
		WHERE user_id > $1
		ORDER BY user_id
		LIMIT $2`), afterUserID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLStore) Freeze(ctx context.Context, userID, reason string, at time.Time) error {
	return s.execOne(ctx, `UPDATE balances SET frozen_reason = $2, frozen_at = $3, updated_at = $3 WHERE user_id = $1`,
		userID, reason, at)
}

func (s *SQLStore) Unfreeze(ctx context.Context, userID string, at time.Time) error {
	return s.execOne(ctx, `UPDATE balances SET frozen_reason = '', frozen_at = NULL, updated_at = $2 WHERE user_id = $1`,
		userID, at)
}

func (s *SQLStore) execOne(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) ListForUser(ctx context.Context, userID string, before *Position, limit int) ([]*Transaction, error) {
	q := `SELECT ` + txnColumns + ` FROM transactions WHERE user_id = $1`
	args := []any{userID}
	if before != nil {
		q += ` AND (created_at < $2 OR (created_at = $2 AND id < $3))`
		args = append(args, before.CreatedAt.UTC(), before.ID)
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ` + strconv.Itoa(limit)
	return s.queryTxns(ctx, q, args...)
}

func (s *SQLStore) SumForUser(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT COALESCE(SUM(`+signedAmount+`), 0) FROM transactions WHERE user_id = $1`), userID).Scan(&sum)
	return sum, err
}

func (s *SQLStore) ListByCorrelation(ctx context.Context, userID, correlationID string) ([]*Transaction, error) {
	return s.queryTxns(ctx, `SELECT `+txnColumns+` FROM transactions
		WHERE user_id = $1 AND correlation_id = $2 ORDER BY id`, userID, correlationID)
}

func (s *SQLStore) queryTxns(ctx context.Context, q string, args ...any) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Transaction
	for rows.Next() {
		t := &Transaction{}
		var typ string
		if err := rows.Scan(&t.ID, &t.UserID, &typ, &t.Amount, &t.Reason, &t.CorrelationID,
			&t.ActorID, &t.BalanceAfter, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Type = TxnType(typ)
		t.CreatedAt = t.CreatedAt.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBalance(row scanner) (*Balance, error) {
	b := &Balance{}
	var frozenAt sql.NullTime
	if err := row.Scan(&b.UserID, &b.Points, &b.FrozenReason, &frozenAt, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	if frozenAt.Valid {
		at := frozenAt.Time.UTC()
		b.FrozenAt = &at
	}
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}
