package spend

import (
	"context"
	"errors"

	"github.com/mbd888/pointledger/internal/ledger"
)

const sweepBatch = 200

// SweepReport summarises one sweep pass.
type SweepReport struct {
	Scanned   int `json:"scanned"`
	Refunded  int `json:"refunded"`
	Abandoned int `json:"abandoned"`
	Pending   int `json:"pending"`
	Skipped   int `json:"skipped"`
}

// Sweep settles attempts left unresolved for longer than StaleAfter. The
// ledger's spend_debit row for the key is the durable marker: a debit with
// no matching refund is refunded, and an attempt with no debit is abandoned.
func (c *Coordinator) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	stale, err := c.store.ListUnresolved(ctx, c.now().Add(-c.cfg.StaleAfter), sweepBatch)
	if err != nil {
		return rep, err
	}

	for _, a := range stale {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		rep.Scanned++
		if c.isInflight(a) {
			rep.Skipped++
			continue
		}
		_, err := c.settle(ctx, a)
		switch {
		case errors.Is(err, ErrRefundPending):
			rep.Pending++
		case errors.Is(err, ErrStateConflict):
			rep.Skipped++
		case err != nil:
			c.logger.Warn("spend sweep could not settle attempt",
				"user_id", a.UserID, "key", a.IdempotencyKey, "error", err)
			rep.Skipped++
		case a.State == Abandoned:
			rep.Abandoned++
		default:
			rep.Refunded++
		}
	}

	sweptTotal.WithLabelValues("refunded").Add(float64(rep.Refunded))
	sweptTotal.WithLabelValues("abandoned").Add(float64(rep.Abandoned))
	sweptTotal.WithLabelValues("pending").Add(float64(rep.Pending))
	if rep.Scanned > 0 {
		c.logger.Info("spend sweep complete",
			"scanned", rep.Scanned, "refunded", rep.Refunded, "abandoned", rep.Abandoned, "pending", rep.Pending)
	}
	return rep, nil
}

// Resolve settles one attempt immediately regardless of age. Operators use
// it to clear a parked refund.
func (c *Coordinator) Resolve(ctx context.Context, userID, key string) (*Attempt, error) {
	a, err := c.store.Get(ctx, userID, key)
	if err != nil {
		return nil, err
	}
	if a.State.Terminal() {
		return a, nil
	}
	if c.isInflight(a) {
		return a, ErrInProgress
	}
	return c.settle(ctx, a)
}

// ListUnresolved returns attempts that are not yet committed, refunded or
// abandoned, oldest first.
func (c *Coordinator) ListUnresolved(ctx context.Context, limit int) ([]*Attempt, error) {
	if limit <= 0 || limit > sweepBatch {
		limit = sweepBatch
	}
	return c.store.ListUnresolved(ctx, c.now(), limit)
}

func (c *Coordinator) settle(ctx context.Context, a *Attempt) (*Attempt, error) {
	txns, err := c.ledger.ListByCorrelation(ctx, a.UserID, a.IdempotencyKey)
	if err != nil {
		return a, err
	}
	var debited, refunded bool
	for _, t := range txns {
		switch t.Type {
		case ledger.SpendDebit:
			debited = true
		case ledger.RefundCredit:
			refunded = true
		}
	}

	switch {
	case !debited:
		return a, c.transition(ctx, a, unresolved, Abandoned, Update{Failure: causeNoDebit})
	case refunded:
		return a, c.transition(ctx, a, unresolved, Refunded, Update{Failure: causeStale})
	default:
		cause := a.Failure
		if cause == "" {
			cause = causeStale
		}
		_, err := c.refund(ctx, a, cause)
		if errors.Is(err, ErrActionFailed) {
			err = nil
		}
		return a, err
	}
}

func (c *Coordinator) isInflight(a *Attempt) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[flightKey(a.UserID, a.IdempotencyKey)]
	return ok
}
