// Package ledger keeps each user's spendable point balance and the
// append-only history of every change to it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/pointledger/internal/database"
	"github.com/mbd888/pointledger/internal/pagination"
	"github.com/mbd888/pointledger/internal/retry"
	"github.com/mbd888/pointledger/internal/traces"
)

var (
	ErrNotFound             = errors.New("ledger: account not found")
	ErrInsufficientBalance  = errors.New("ledger: insufficient balance")
	ErrDuplicateTransaction = errors.New("ledger: transaction already recorded")
	ErrInvalidAmount        = errors.New("ledger: amount must be positive")
	ErrInvalidType          = errors.New("ledger: unknown transaction type")
	ErrMissingCorrelation   = errors.New("ledger: correlation id is required")
	ErrConflict             = errors.New("ledger: balance changed concurrently")
	ErrTransientStore       = errors.New("ledger: store temporarily unavailable")
	ErrInvariantViolation   = errors.New("ledger: invariant violation")
	ErrAccountFrozen        = fmt.Errorf("%w: account frozen pending reconciliation", ErrInvariantViolation)
)

// TxnType is the kind of balance change.
type TxnType string

const (
	PurchaseCredit TxnType = "purchase_credit"
	SpendDebit     TxnType = "spend_debit"
	RefundCredit   TxnType = "refund_credit"
	AdminCredit    TxnType = "admin_credit"
	AdminDebit     TxnType = "admin_debit"
)

// Valid reports whether t is one of the five known types.
func (t TxnType) Valid() bool {
	switch t {
	case PurchaseCredit, SpendDebit, RefundCredit, AdminCredit, AdminDebit:
		return true
	}
	return false
}

// IsDebit reports whether t reduces the balance.
func (t TxnType) IsDebit() bool {
	return t == SpendDebit || t == AdminDebit
}

// Signed returns amount with the sign t applies to the balance.
func (t TxnType) Signed(amount int64) int64 {
	if t.IsDebit() {
		return -amount
	}
	return amount
}

// Balance is a user's current point total.
type Balance struct {
	UserID       string     `json:"userId"`
	Points       int64      `json:"points"`
	FrozenReason string     `json:"frozenReason,omitempty"`
	FrozenAt     *time.Time `json:"frozenAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Frozen reports whether admin credits are blocked on the account.
func (b *Balance) Frozen() bool {
	return b.FrozenAt != nil
}

// Transaction is an immutable history entry. Amount is a positive magnitude.
type Transaction struct {
	ID            int64     `json:"id"`
	UserID        string    `json:"userId"`
	Type          TxnType   `json:"type"`
	Amount        int64     `json:"amount"`
	Reason        string    `json:"reason,omitempty"`
	CorrelationID string    `json:"correlationId"`
	ActorID       string    `json:"actorId"`
	BalanceAfter  int64     `json:"balanceAfter"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Signed returns the entry's effect on the balance.
func (t *Transaction) Signed() int64 {
	return t.Type.Signed(t.Amount)
}

// TransactionPage is one page of history.
type TransactionPage struct {
	Transactions []*Transaction `json:"transactions"`
	NextCursor   string         `json:"nextCursor,omitempty"`
	HasMore      bool           `json:"hasMore"`
}

// Notifier is told about every committed balance change.
type Notifier interface {
	BalanceChanged(txn *Transaction)
}

// SignupCorrelation is the correlation key of the initial grant.
const SignupCorrelation = "signup"

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Ledger is the only path through which balances change.
type Ledger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
	retry  retry.Policy

	mu       sync.RWMutex
	notifier Notifier
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithRetryPolicy overrides how transient store failures are retried.
func WithRetryPolicy(p retry.Policy) Option {
	return func(l *Ledger) { l.retry = p }
}

// New creates a ledger over store.
func New(store Store, logger *slog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		retry:  retry.Policy{MaxAttempts: 4, BaseDelay: 25 * time.Millisecond, MaxDelay: 500 * time.Millisecond},
	}
	for _, opt := range opts {
		opt(l)
	}
	l.retry.OnRetry = func(attempt int, err error) {
		l.logger.Warn("ledger store call failed, retrying", "attempt", attempt, "error", err)
	}
	return l
}

// SetNotifier registers a listener for balance changes.
func (l *Ledger) SetNotifier(n Notifier) {
	l.mu.Lock()
	l.notifier = n
	l.mu.Unlock()
}

// OpenAccount creates a zero balance for userID and records the signup grant
// as an admin_credit. Calling it again for an existing account is a no-op.
func (l *Ledger) OpenAccount(ctx context.Context, userID string, grant int64) (*Balance, error) {
	if userID == "" {
		return nil, ErrNotFound
	}
	if grant < 0 {
		return nil, ErrInvalidAmount
	}

	err := l.withRetry(ctx, func() error {
		_, err := l.store.CreateBalance(ctx, userID, l.now())
		return err
	})
	if err != nil {
		return nil, l.translate(err)
	}

	if grant > 0 {
		_, err := l.ApplyDelta(ctx, Delta{
			UserID:        userID,
			Type:          AdminCredit,
			Amount:        grant,
			Reason:        "signup_grant",
			CorrelationID: SignupCorrelation,
			ActorID:       "system",
		})
		if err != nil && !errors.Is(err, ErrDuplicateTransaction) {
			return nil, err
		}
	}
	return l.Balance(ctx, userID)
}

// GetBalance returns the current points for userID.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (int64, error) {
	b, err := l.Balance(ctx, userID)
	if err != nil {
		return 0, err
	}
	return b.Points, nil
}

// Balance returns the full balance row for userID.
func (l *Ledger) Balance(ctx context.Context, userID string) (*Balance, error) {
	var b *Balance
	err := l.withRetry(ctx, func() error {
		var err error
		b, err = l.store.GetBalance(ctx, userID)
		return err
	})
	if err != nil {
		return nil, l.translate(err)
	}
	return b, nil
}

// ApplyDelta atomically changes a balance and appends its history entry.
// A debit that would overdraw fails with ErrInsufficientBalance and writes
// nothing. Replaying a (user, type, correlation) triple fails with
// ErrDuplicateTransaction and changes nothing, so callers may retry freely.
func (l *Ledger) ApplyDelta(ctx context.Context, d Delta) (*Transaction, error) {
	if err := validateDelta(&d); err != nil {
		return nil, err
	}
	if d.ActorID == "" {
		_, d.ActorID = ActorFromContext(ctx)
	}

	ctx, span := traces.StartSpan(ctx, "ledger.ApplyDelta",
		traces.UserID(d.UserID), traces.TxnType(string(d.Type)), traces.Points(d.Amount), traces.Correlation(d.CorrelationID))
	defer span.End()

	done := observeOp(string(d.Type))
	var txn *Transaction
	err := l.withRetry(ctx, func() error {
		var err error
		txn, err = l.store.ApplyDelta(ctx, d, l.now())
		return err
	})
	err = l.translate(err)
	done(resultLabel(err))

	if err != nil {
		traces.RecordError(span, err)
		if errors.Is(err, ErrTransientStore) {
			l.logger.Error("ledger delta failed after retries",
				"user_id", d.UserID, "type", d.Type, "amount", d.Amount, "correlation_id", d.CorrelationID, "error", err)
		}
		return nil, err
	}

	PointsMoved.WithLabelValues(string(d.Type)).Add(float64(d.Amount))
	l.logger.Debug("ledger delta applied",
		"user_id", d.UserID, "type", d.Type, "amount", d.Amount,
		"balance_after", txn.BalanceAfter, "correlation_id", d.CorrelationID, "actor_id", d.ActorID)

	l.mu.RLock()
	n := l.notifier
	l.mu.RUnlock()
	if n != nil {
		n.BalanceChanged(txn)
	}
	return txn, nil
}

// ListTransactions returns a newest-first page of userID's history.
func (l *Ledger) ListTransactions(ctx context.Context, userID, cursor string, limit int) (*TransactionPage, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	c, err := pagination.Decode(cursor)
	if err != nil {
		return nil, err
	}
	var before *Position
	if c != nil {
		id, err := strconv.ParseInt(c.ID, 10, 64)
		if err != nil {
			return nil, pagination.ErrInvalidCursor
		}
		before = &Position{CreatedAt: c.CreatedAt, ID: id}
	}

	var txns []*Transaction
	err = l.withRetry(ctx, func() error {
		var err error
		txns, err = l.store.ListForUser(ctx, userID, before, limit+1)
		return err
	})
	if err != nil {
		return nil, l.translate(err)
	}

	items, next, more := pagination.ComputePage(txns, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, strconv.FormatInt(t.ID, 10)
	})
	if items == nil {
		items = []*Transaction{}
	}
	return &TransactionPage{Transactions: items, NextCursor: next, HasMore: more}, nil
}

// SumForUser returns the signed sum of userID's history.
func (l *Ledger) SumForUser(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := l.withRetry(ctx, func() error {
		var err error
		sum, err = l.store.SumForUser(ctx, userID)
		return err
	})
	return sum, l.translate(err)
}

// ListByCorrelation returns userID's entries sharing correlationID.
func (l *Ledger) ListByCorrelation(ctx context.Context, userID, correlationID string) ([]*Transaction, error) {
	var txns []*Transaction
	err := l.withRetry(ctx, func() error {
		var err error
		txns, err = l.store.ListByCorrelation(ctx, userID, correlationID)
		return err
	})
	return txns, l.translate(err)
}

// ListBalances pages through all accounts in user ID order.
func (l *Ledger) ListBalances(ctx context.Context, afterUserID string, limit int) ([]*Balance, error) {
	var out []*Balance
	err := l.withRetry(ctx, func() error {
		var err error
		out, err = l.store.ListBalances(ctx, afterUserID, limit)
		return err
	})
	return out, l.translate(err)
}

// Freeze blocks admin credits on userID until Unfreeze.
func (l *Ledger) Freeze(ctx context.Context, userID, reason string) error {
	err := l.withRetry(ctx, func() error {
		return l.store.Freeze(ctx, userID, reason, l.now())
	})
	if err == nil {
		l.logger.Warn("account frozen", "user_id", userID, "reason", reason)
	}
	return l.translate(err)
}

// Unfreeze lifts a freeze.
func (l *Ledger) Unfreeze(ctx context.Context, userID string) error {
	err := l.withRetry(ctx, func() error {
		return l.store.Unfreeze(ctx, userID, l.now())
	})
	return l.translate(err)
}

func validateDelta(d *Delta) error {
	if d.UserID == "" {
		return ErrNotFound
	}
	if !d.Type.Valid() {
		return ErrInvalidType
	}
	if d.Amount <= 0 {
		return ErrInvalidAmount
	}
	if d.CorrelationID == "" {
		return ErrMissingCorrelation
	}
	return nil
}

// withRetry retries only failures the database layer classifies as
// transient. Everything else, domain errors included, returns at once.
func (l *Ledger) withRetry(ctx context.Context, fn func() error) error {
	return l.retry.Do(ctx, func() error {
		err := fn()
		if err == nil || database.IsTransient(err) {
			return err
		}
		return retry.Permanent(err)
	})
}

func (l *Ledger) translate(err error) error {
	var ex *retry.ExhaustedError
	if errors.As(err, &ex) {
		return fmt.Errorf("%w: %v", ErrTransientStore, ex.Err)
	}
	return err
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient"
	case errors.Is(err, ErrDuplicateTransaction):
		return "duplicate"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrAccountFrozen):
		return "frozen"
	case errors.Is(err, ErrTransientStore):
		return "transient"
	default:
		return "error"
	}
}
