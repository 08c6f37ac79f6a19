// Package payments tracks purchase orders and settles gateway confirmations
// into ledger credits exactly once per order.
package payments

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound           = errors.New("payments: order not found")
	ErrDuplicateOrder     = errors.New("payments: order already exists")
	ErrUnknownPackage     = errors.New("payments: unknown package")
	ErrMissingOrderID     = errors.New("payments: order id is required")
	ErrAmountMismatch     = errors.New("payments: amount does not match order")
	ErrReferenceMismatch  = errors.New("payments: gateway reference does not match order")
	ErrGatewayRejected    = errors.New("payments: payment rejected by gateway")
	ErrGatewayUnavailable = errors.New("payments: payment gateway unavailable")
	ErrInvalidStatus      = errors.New("payments: order is not in a valid status for this operation")
	ErrCreditDeferred     = errors.New("payments: payment confirmed, credit will be applied shortly")
	ErrRefundRefused      = errors.New("payments: gateway refused the refund")
	ErrRefundUnconfirmed  = errors.New("payments: refund sent but not confirmed by the gateway")
)

// Status is a payment record's lifecycle position.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// Record is a purchase intent keyed by order id. Amount is in the
// currency's minor unit.
type Record struct {
	OrderID              string     `json:"orderId"`
	UserID               string     `json:"userId"`
	PackageID            string     `json:"packageId,omitempty"`
	Amount               int64      `json:"amount"`
	Currency             string     `json:"currency"`
	PointsToCredit       int64      `json:"pointsToCredit"`
	Status               Status     `json:"status"`
	GatewayReference     string     `json:"gatewayReference,omitempty"`
	GatewayTransactionID string     `json:"gatewayTransactionId,omitempty"`
	FailureReason        string     `json:"failureReason,omitempty"`
	GatewayRefundID      string     `json:"gatewayRefundId,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
	CompletedAt          *time.Time `json:"completedAt,omitempty"`
	CreditedAt           *time.Time `json:"creditedAt,omitempty"`
	RefundedAt           *time.Time `json:"refundedAt,omitempty"`
}

// Credited reports whether the purchase credit has been recorded.
func (r *Record) Credited() bool {
	return r.CreditedAt != nil
}

// RefundUnconfirmed reports whether the record was refunded on our side but
// the gateway never confirmed that the money went back.
func (r *Record) RefundUnconfirmed() bool {
	return r.Status == StatusRefunded && r.GatewayRefundID == ""
}

// Package is a purchasable bundle of points.
type Package struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
	Points int64  `json:"points"`
}

// Store persists payment records. Every Mark method is conditional on the
// current status and reports false when the record was not in it.
type Store interface {
	Create(ctx context.Context, r *Record) error
	Get(ctx context.Context, orderID string) (*Record, error)
	GetByGatewayReference(ctx context.Context, ref string) (*Record, error)
	ListForUser(ctx context.Context, userID string, limit int) ([]*Record, error)
	// ListUncredited returns completed records whose credit was never
	// recorded, completed before the cutoff, oldest first.
	ListUncredited(ctx context.Context, completedBefore time.Time, limit int) ([]*Record, error)

	SetGatewayReference(ctx context.Context, orderID, ref string, at time.Time) error
	MarkCompleted(ctx context.Context, orderID, ref, gatewayTxnID string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, orderID, reason string, at time.Time) (bool, error)
	MarkCredited(ctx context.Context, orderID string, at time.Time) error
	MarkRefunded(ctx context.Context, orderID string, at time.Time) (bool, error)
	// RevertRefund puts a refunded record back to completed after the
	// gateway refused the refund.
	RevertRefund(ctx context.Context, orderID string, at time.Time) (bool, error)
	// SetRefundID records the gateway's refund id on a refunded record.
	SetRefundID(ctx context.Context, orderID, refundID string, at time.Time) error
}

// Prepared is what the gateway returns when an order is opened.
type Prepared struct {
	Reference    string
	ClientSecret string
}

// Confirmation is the gateway's authoritative verdict on a payment.
type Confirmation struct {
	Approved      bool
	TransactionID string
	Reason        string
}

// RefundResult is the gateway's verdict on a refund.
type RefundResult struct {
	Refunded bool
	RefundID string
	Reason   string
}

// Gateway is the external payment processor. A returned error means the
// outcome is unknown (transport failure, timeout, 5xx); a definite refusal
// is reported as Confirmation.Approved == false or RefundResult.Refunded ==
// false. Refund must be idempotent per order: asking again after an
// unknown outcome never moves the money twice.
type Gateway interface {
	Prepare(ctx context.Context, r *Record) (Prepared, error)
	Confirm(ctx context.Context, ref string, r *Record) (Confirmation, error)
	Refund(ctx context.Context, ref string, r *Record) (RefundResult, error)
}
