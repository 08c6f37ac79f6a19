package payments

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/pointledger/internal/database"
)

// SQLStore persists payment records in the payment_records table.
type SQLStore struct {
	db *database.DB
}

func NewSQLStore(db *database.DB) *SQLStore {
	return &SQLStore{db: db}
}

const recordColumns = `order_id, user_id, package_id, amount, currency, points_to_credit, status,
	gateway_reference, gateway_transaction_id, failure_reason, gateway_refund_id,
	created_at, updated_at, completed_at, credited_at, refunded_at`

func (s *SQLStore) Create(ctx context.Context, r *Record) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO payment_records (order_id, user_id, package_id, amount, currency, points_to_credit,
			status, gateway_reference, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (order_id) DO NOTHING`),
		r.OrderID, r.UserID, r.PackageID, r.Amount, r.Currency, r.PointsToCredit,
		string(r.Status), r.GatewayReference, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicateOrder
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, orderID string) (*Record, error) {
	return s.getOne(ctx, `SELECT `+recordColumns+` FROM payment_records WHERE order_id = $1`, orderID)
}

func (s *SQLStore) GetByGatewayReference(ctx context.Context, ref string) (*Record, error) {
	if ref == "" {
		return nil, ErrNotFound
	}
	return s.getOne(ctx, `SELECT `+recordColumns+` FROM payment_records WHERE gateway_reference = $1`, ref)
}

func (s *SQLStore) ListForUser(ctx context.Context, userID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query(ctx, `SELECT `+recordColumns+` FROM payment_records
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
}

func (s *SQLStore) ListUncredited(ctx context.Context, completedBefore time.Time, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx, `SELECT `+recordColumns+` FROM payment_records
		WHERE status = 'completed' AND credited_at IS NULL AND completed_at < $1
		ORDER BY completed_at LIMIT $2`, completedBefore, limit)
}

func (s *SQLStore) SetGatewayReference(ctx context.Context, orderID, ref string, at time.Time) error {
	ok, err := s.exec(ctx, `UPDATE payment_records SET gateway_reference = $2, updated_at = $3
		WHERE order_id = $1`, orderID, ref, at)
	if err == nil && !ok {
		return ErrNotFound
	}
	return err
}

func (s *SQLStore) MarkCompleted(ctx context.Context, orderID, ref, gatewayTxnID string, at time.Time) (bool, error) {
	return s.flip(ctx, orderID, `UPDATE payment_records SET status = 'completed',
			gateway_reference = CASE WHEN $2 = '' THEN gateway_reference ELSE $2 END,
			gateway_transaction_id = $3, completed_at = $4, updated_at = $4
		WHERE order_id = $1 AND status = 'pending'`, orderID, ref, gatewayTxnID, at)
}

func (s *SQLStore) MarkFailed(ctx context.Context, orderID, reason string, at time.Time) (bool, error) {
	return s.flip(ctx, orderID, `UPDATE payment_records SET status = 'failed', failure_reason = $2, updated_at = $3
		WHERE order_id = $1 AND status = 'pending'`, orderID, reason, at)
}

func (s *SQLStore) MarkCredited(ctx context.Context, orderID string, at time.Time) error {
	ok, err := s.exec(ctx, `UPDATE payment_records SET credited_at = COALESCE(credited_at, $2), updated_at = $2
		WHERE order_id = $1`, orderID, at)
	if err == nil && !ok {
		return ErrNotFound
	}
	return err
}

func (s *SQLStore) MarkRefunded(ctx context.Context, orderID string, at time.Time) (bool, error) {
	return s.flip(ctx, orderID, `UPDATE payment_records SET status = 'refunded', refunded_at = $2, updated_at = $2
		WHERE order_id = $1 AND status = 'completed'`, orderID, at)
}

func (s *SQLStore) RevertRefund(ctx context.Context, orderID string, at time.Time) (bool, error) {
	return s.flip(ctx, orderID, `UPDATE payment_records SET status = 'completed', refunded_at = NULL, updated_at = $2
		WHERE order_id = $1 AND status = 'refunded'`, orderID, at)
}

func (s *SQLStore) SetRefundID(ctx context.Context, orderID, refundID string, at time.Time) error {
	ok, err := s.flip(ctx, orderID, `UPDATE payment_records SET gateway_refund_id = $2, updated_at = $3
		WHERE order_id = $1 AND status = 'refunded'`, orderID, refundID, at)
	if err == nil && !ok {
		return ErrInvalidStatus
	}
	return err
}

// flip runs a status-conditional update. Zero rows means either the order
// is missing or it was not in the expected status.
func (s *SQLStore) flip(ctx context.Context, orderID, q string, args ...any) (bool, error) {
	ok, err := s.exec(ctx, q, args...)
	if err != nil || ok {
		return ok, err
	}
	if _, err := s.Get(ctx, orderID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLStore) exec(ctx context.Context, q string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLStore) getOne(ctx context.Context, q string, args ...any) (*Record, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(q), args...)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *SQLStore) query(ctx context.Context, q string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	r := &Record{}
	var status string
	var completed, credited, refunded sql.NullTime
	err := row.Scan(&r.OrderID, &r.UserID, &r.PackageID, &r.Amount, &r.Currency, &r.PointsToCredit, &status,
		&r.GatewayReference, &r.GatewayTransactionID, &r.FailureReason, &r.GatewayRefundID,
		&r.CreatedAt, &r.UpdatedAt, &completed, &credited, &refunded)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	r.CompletedAt = nullTime(completed)
	r.CreditedAt = nullTime(credited)
	r.RefundedAt = nullTime(refunded)
	return r, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
