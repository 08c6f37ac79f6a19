package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/pointledger/internal/ledger"
)

// Refund reverses a completed purchase: the record flips to refunded, the
// purchased points are debited, then the gateway refunds the money.
//
// Only a definite refusal offsets the debit and puts the record back to
// completed. When the gateway outcome is unknown the record stays refunded
// with the debit in place and ErrRefundUnconfirmed is returned; calling
// Refund again asks the gateway once more without a second debit.
func (c *Confirmer) Refund(ctx context.Context, orderID, adminID, reason string) (*Record, error) {
	unlock, err := c.locks.Lock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	ctx = context.WithoutCancel(ctx)

	rec, err := c.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if rec.RefundUnconfirmed() {
		c.logger.Info("retrying unconfirmed refund", "order_id", orderID, "admin_id", adminID)
		return c.finishRefund(ctx, rec, adminID, reason)
	}
	if rec.Status != StatusCompleted || !rec.Credited() {
		return rec, ErrInvalidStatus
	}
	bal, err := c.ledger.Balance(ctx, rec.UserID)
	if err != nil {
		return nil, err
	}
	if bal.Frozen() {
		// The offsetting credit would be refused on a frozen account.
		return rec, ledger.ErrAccountFrozen
	}

	flipped, err := c.store.MarkRefunded(ctx, orderID, c.now())
	if err != nil {
		return nil, err
	}
	if !flipped {
		return rec, ErrInvalidStatus
	}
	if rec, err = c.store.Get(ctx, orderID); err != nil {
		return nil, err
	}

	_, err = c.ledger.ApplyDelta(ctx, ledger.Delta{
		UserID:        rec.UserID,
		Type:          ledger.AdminDebit,
		Amount:        rec.PointsToCredit,
		Reason:        reason,
		CorrelationID: refundCorrelation(rec),
		ActorID:       adminID,
	})
	if err != nil {
		c.revertRefund(ctx, rec)
		return rec, err
	}
	return c.finishRefund(ctx, rec, adminID, reason)
}

// finishRefund asks the gateway to return the money for a record that is
// already refunded and debited on our side.
func (c *Confirmer) finishRefund(ctx context.Context, rec *Record, adminID, reason string) (*Record, error) {
	var res RefundResult
	gerr := c.callGateway(ctx, "refund", func(gctx context.Context) error {
		var err error
		res, err = c.gateway.Refund(gctx, rec.GatewayReference, rec)
		return err
	})
	if gerr != nil {
		refundsTotal.WithLabelValues("unconfirmed").Inc()
		c.logger.Error("gateway refund outcome unknown, order left refunded",
			"order_id", rec.OrderID, "user_id", rec.UserID, "admin_id", adminID, "error", gerr)
		return rec, fmt.Errorf("%w: %v", ErrRefundUnconfirmed, gerr)
	}

	if !res.Refunded {
		_, err := c.ledger.ApplyDelta(ctx, ledger.Delta{
			UserID:        rec.UserID,
			Type:          ledger.AdminCredit,
			Amount:        rec.PointsToCredit,
			Reason:        "gateway refused refund: " + reason,
			CorrelationID: refundCorrelation(rec),
			ActorID:       adminID,
		})
		if err != nil && !errors.Is(err, ledger.ErrDuplicateTransaction) {
			c.logger.Error("CRITICAL: refund debit could not be offset",
				"order_id", rec.OrderID, "user_id", rec.UserID, "points", rec.PointsToCredit, "error", err)
		}
		c.revertRefund(ctx, rec)
		refundsTotal.WithLabelValues("refused").Inc()
		c.logger.Warn("gateway refused refund", "order_id", rec.OrderID, "reason", res.Reason)
		return rec, fmt.Errorf("%w: %s", ErrRefundRefused, res.Reason)
	}

	if err := c.store.SetRefundID(ctx, rec.OrderID, res.RefundID, c.now()); err != nil {
		c.logger.Error("refund succeeded but its id was not stored",
			"order_id", rec.OrderID, "refund_id", res.RefundID, "error", err)
	}
	refundsTotal.WithLabelValues("ok").Inc()
	c.logger.Info("payment refunded",
		"order_id", rec.OrderID, "user_id", rec.UserID, "admin_id", adminID, "refund_id", res.RefundID, "reason", reason)
	return c.store.Get(ctx, rec.OrderID)
}

// refundCorrelation keys the debit and its offset for one refund attempt.
// A refused attempt reverts the record, so the next attempt gets a new
// refundedAt and fresh ledger rows.
func refundCorrelation(rec *Record) string {
	var at int64
	if rec.RefundedAt != nil {
		at = rec.RefundedAt.UnixMicro()
	}
	return fmt.Sprintf("refund:%s:%d", rec.OrderID, at)
}

func (c *Confirmer) revertRefund(ctx context.Context, rec *Record) {
	if _, err := c.store.RevertRefund(ctx, rec.OrderID, c.now()); err != nil {
		c.logger.Error("CRITICAL: refund could not be reverted", "order_id", rec.OrderID, "error", err)
	}
}
