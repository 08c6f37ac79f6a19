package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/pointledger/internal/circuitbreaker"
	"github.com/mbd888/pointledger/internal/idgen"
	"github.com/mbd888/pointledger/internal/ledger"
	"github.com/mbd888/pointledger/internal/syncutil"
	"github.com/mbd888/pointledger/internal/traces"
)

const breakerKey = "payment_gateway"

// Config tunes the confirmer.
type Config struct {
	Currency       string
	Packages       []Package
	GatewayTimeout time.Duration
	// RecoverAfter is how long a completed record may stay uncredited
	// before the recovery sweep credits it.
	RecoverAfter time.Duration
}

// Confirmer turns gateway confirmations into purchase credits. Every path
// into it (redirect, webhook, recovery sweep) is untrusted: the stored
// record decides what is credited, and the pending to completed flip
// happens at most once per order.
type Confirmer struct {
	store   Store
	ledger  *ledger.Ledger
	gateway Gateway
	breaker *circuitbreaker.Breaker
	locks   *syncutil.KeyLock
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewConfirmer creates a confirmer. breaker may be shared with other
// outbound clients; the confirmer uses its own key.
func NewConfirmer(store Store, l *ledger.Ledger, gateway Gateway, breaker *circuitbreaker.Breaker, cfg Config, logger *slog.Logger) *Confirmer {
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 15 * time.Second
	}
	if cfg.RecoverAfter <= 0 {
		cfg.RecoverAfter = time.Minute
	}
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return &Confirmer{
		store:   store,
		ledger:  l,
		gateway: gateway,
		breaker: breaker,
		locks:   syncutil.NewKeyLock(0),
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// GatewayState reports the breaker state guarding gateway calls.
func (c *Confirmer) GatewayState() circuitbreaker.State {
	return c.breaker.State(breakerKey)
}

// Packages returns the purchasable packages.
func (c *Confirmer) Packages() []Package {
	return c.cfg.Packages
}

func (c *Confirmer) findPackage(id string) (Package, bool) {
	for _, p := range c.cfg.Packages {
		if p.ID == id {
			return p, true
		}
	}
	return Package{}, false
}

// Order is a freshly opened purchase.
type Order struct {
	Record       *Record `json:"order"`
	ClientSecret string  `json:"clientSecret,omitempty"`
}

// CreateOrder opens a pending record for packageID and prepares the payment
// with the gateway.
func (c *Confirmer) CreateOrder(ctx context.Context, userID, packageID string) (*Order, error) {
	pkg, ok := c.findPackage(packageID)
	if !ok {
		return nil, ErrUnknownPackage
	}
	if _, err := c.ledger.GetBalance(ctx, userID); err != nil {
		return nil, err
	}

	now := c.now()
	rec := &Record{
		OrderID:        idgen.WithPrefix("ord_"),
		UserID:         userID,
		PackageID:      pkg.ID,
		Amount:         pkg.Amount,
		Currency:       c.cfg.Currency,
		PointsToCredit: pkg.Points,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("payments: create order: %w", err)
	}

	var prepared Prepared
	err := c.callGateway(ctx, "prepare", func(gctx context.Context) error {
		var err error
		prepared, err = c.gateway.Prepare(gctx, rec)
		return err
	})
	if err != nil {
		if _, ferr := c.store.MarkFailed(context.WithoutCancel(ctx), rec.OrderID, "prepare_failed", c.now()); ferr != nil {
			c.logger.Warn("could not mark unprepared order failed", "order_id", rec.OrderID, "error", ferr)
		}
		ordersTotal.WithLabelValues("gateway_error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	if err := c.store.SetGatewayReference(ctx, rec.OrderID, prepared.Reference, c.now()); err != nil {
		return nil, fmt.Errorf("payments: store gateway reference: %w", err)
	}
	rec.GatewayReference = prepared.Reference
	ordersTotal.WithLabelValues("created").Inc()
	c.logger.Info("order created", "order_id", rec.OrderID, "user_id", userID, "package", pkg.ID, "amount", pkg.Amount)
	return &Order{Record: rec, ClientSecret: prepared.ClientSecret}, nil
}

// ConfirmRequest is an untrusted confirmation trigger. Amount is what the
// caller claims was paid; zero means not supplied.
type ConfirmRequest struct {
	OrderID    string
	GatewayRef string
	Amount     int64
}

// Result reports the outcome of Confirm.
type Result struct {
	Credited bool    `json:"credited"`
	Order    *Record `json:"order"`
}

// Confirm settles req.OrderID. A record that is already completed returns
// Credited without touching the gateway or the ledger again. Otherwise the
// gateway is asked to confirm the record's own stored amount; a refusal
// marks the record failed, an unknown outcome leaves it pending.
func (c *Confirmer) Confirm(ctx context.Context, req ConfirmRequest) (*Result, error) {
	if req.OrderID == "" {
		return nil, ErrMissingOrderID
	}
	ctx, span := traces.StartSpan(ctx, "payments.Confirm", traces.OrderID(req.OrderID))
	defer span.End()

	unlock, err := c.locks.Lock(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	res, err := c.confirmLocked(ctx, req)
	confirmationsTotal.WithLabelValues(confirmLabel(res, err)).Inc()
	if err != nil {
		traces.RecordError(span, err)
	}
	return res, err
}

func (c *Confirmer) confirmLocked(ctx context.Context, req ConfirmRequest) (*Result, error) {
	rec, err := c.store.Get(ctx, req.OrderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.logger.Warn("confirmation for unknown order", "order_id", req.OrderID, "gateway_ref", req.GatewayRef)
		}
		return nil, err
	}

	switch rec.Status {
	case StatusCompleted, StatusRefunded:
		return c.settled(ctx, rec)
	case StatusFailed:
		return &Result{Order: rec}, ErrGatewayRejected
	}

	if req.Amount != 0 && req.Amount != rec.Amount {
		c.logger.Warn("confirmation amount does not match order",
			"order_id", rec.OrderID, "claimed", req.Amount, "stored", rec.Amount)
		return &Result{Order: rec}, ErrAmountMismatch
	}
	ref := rec.GatewayReference
	switch {
	case ref == "":
		ref = req.GatewayRef
	case req.GatewayRef != "" && req.GatewayRef != ref:
		c.logger.Warn("confirmation reference does not match order",
			"order_id", rec.OrderID, "claimed", req.GatewayRef, "stored", ref)
		return &Result{Order: rec}, ErrReferenceMismatch
	}
	if ref == "" {
		return &Result{Order: rec}, ErrReferenceMismatch
	}

	var conf Confirmation
	err = c.callGateway(ctx, "confirm", func(gctx context.Context) error {
		var err error
		conf, err = c.gateway.Confirm(gctx, ref, rec)
		return err
	})
	if err != nil {
		c.logger.Warn("gateway confirmation outcome unknown, order left pending",
			"order_id", rec.OrderID, "error", err)
		return &Result{Order: rec}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	durable := context.WithoutCancel(ctx)
	if !conf.Approved {
		if _, err := c.store.MarkFailed(durable, rec.OrderID, conf.Reason, c.now()); err != nil {
			return nil, fmt.Errorf("payments: mark failed: %w", err)
		}
		c.logger.Info("payment rejected by gateway", "order_id", rec.OrderID, "reason", conf.Reason)
		return c.reload(durable, rec.OrderID, false, ErrGatewayRejected)
	}

	flipped, err := c.store.MarkCompleted(durable, rec.OrderID, ref, conf.TransactionID, c.now())
	if err != nil {
		return nil, fmt.Errorf("payments: mark completed: %w", err)
	}
	rec, err = c.store.Get(durable, rec.OrderID)
	if err != nil {
		return nil, err
	}
	if !flipped && rec.Status != StatusCompleted {
		return &Result{Order: rec}, ErrInvalidStatus
	}
	return c.settled(durable, rec)
}

// settled finishes a completed record: if its credit is missing it is
// applied now. The ledger's (user, type, correlation) uniqueness makes the
// credit itself idempotent.
func (c *Confirmer) settled(ctx context.Context, rec *Record) (*Result, error) {
	if rec.Credited() {
		return &Result{Credited: true, Order: rec}, nil
	}
	if err := c.credit(ctx, rec); err != nil {
		c.logger.Error("payment completed but credit failed, recovery sweep will retry",
			"order_id", rec.OrderID, "user_id", rec.UserID, "error", err)
		return &Result{Order: rec}, fmt.Errorf("%w: %v", ErrCreditDeferred, err)
	}
	return &Result{Credited: true, Order: rec}, nil
}

func (c *Confirmer) credit(ctx context.Context, rec *Record) error {
	ctx = context.WithoutCancel(ctx)
	_, err := c.ledger.ApplyDelta(ctx, ledger.Delta{
		UserID:        rec.UserID,
		Type:          ledger.PurchaseCredit,
		Amount:        rec.PointsToCredit,
		Reason:        "purchase " + rec.PackageID,
		CorrelationID: rec.OrderID,
		ActorID:       ledger.ActorGateway,
	})
	if err != nil && !errors.Is(err, ledger.ErrDuplicateTransaction) {
		return err
	}
	at := c.now()
	if err := c.store.MarkCredited(ctx, rec.OrderID, at); err != nil {
		return fmt.Errorf("mark credited: %w", err)
	}
	rec.CreditedAt = &at
	pointsCredited.Add(float64(rec.PointsToCredit))
	c.logger.Info("payment credited", "order_id", rec.OrderID, "user_id", rec.UserID, "points", rec.PointsToCredit)
	return nil
}

func (c *Confirmer) reload(ctx context.Context, orderID string, credited bool, cause error) (*Result, error) {
	rec, err := c.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &Result{Credited: credited, Order: rec}, cause
}

// MarkFailed records a gateway-reported failure for a pending order, as
// delivered by a payment_failed webhook.
func (c *Confirmer) MarkFailed(ctx context.Context, orderID, ref, reason string) error {
	unlock, err := c.locks.Lock(ctx, orderID)
	if err != nil {
		return err
	}
	defer unlock()

	rec, err := c.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if rec.GatewayReference != "" && ref != "" && rec.GatewayReference != ref {
		return ErrReferenceMismatch
	}
	flipped, err := c.store.MarkFailed(ctx, orderID, reason, c.now())
	if err != nil {
		return err
	}
	if flipped {
		c.logger.Info("payment failed", "order_id", orderID, "reason", reason)
	}
	return nil
}

// Get returns one order.
func (c *Confirmer) Get(ctx context.Context, orderID string) (*Record, error) {
	return c.store.Get(ctx, orderID)
}

// ListForUser returns a user's orders, newest first.
func (c *Confirmer) ListForUser(ctx context.Context, userID string, limit int) ([]*Record, error) {
	return c.store.ListForUser(ctx, userID, limit)
}

// RecoverUncredited credits completed records whose credit never landed.
// It returns how many were credited.
func (c *Confirmer) RecoverUncredited(ctx context.Context) (int, error) {
	recs, err := c.store.ListUncredited(ctx, c.now().Add(-c.cfg.RecoverAfter), 100)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range recs {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		unlock, ok := c.locks.TryLock(r.OrderID)
		if !ok {
			continue
		}
		err := c.credit(ctx, r)
		unlock()
		if err != nil {
			c.logger.Error("CRITICAL: recovery could not credit completed payment",
				"order_id", r.OrderID, "user_id", r.UserID, "error", err)
			continue
		}
		recoveredTotal.Inc()
		n++
	}
	return n, nil
}

// callGateway runs fn behind the breaker with the gateway timeout.
func (c *Confirmer) callGateway(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := c.breaker.Call(ctx, breakerKey, func(ctx context.Context) error {
		gctx, cancel := context.WithTimeout(ctx, c.cfg.GatewayTimeout)
		defer cancel()
		return fn(gctx)
	})
	gatewayDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	return err
}

func confirmLabel(res *Result, err error) string {
	switch {
	case err == nil && res != nil && res.Credited:
		return "credited"
	case errors.Is(err, ErrGatewayRejected):
		return "rejected"
	case errors.Is(err, ErrGatewayUnavailable):
		return "unavailable"
	case errors.Is(err, ErrAmountMismatch), errors.Is(err, ErrReferenceMismatch):
		return "mismatch"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrCreditDeferred):
		return "deferred"
	default:
		return "error"
	}
}
