package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// StripeGateway settles orders as Stripe PaymentIntents. It owns its own
// API client; nothing touches the package-level stripe.Key.
type StripeGateway struct {
	api *client.API
}

// NewStripeGateway creates a gateway for secretKey. backends may be nil to
// use Stripe's defaults.
func NewStripeGateway(secretKey string, backends *stripe.Backends) *StripeGateway {
	return &StripeGateway{api: client.New(secretKey, backends)}
}

// Prepare creates a PaymentIntent for the record's stored amount, tagged
// with the order and user ids. The order id doubles as the Stripe
// idempotency key so a retried Prepare cannot open a second intent.
func (g *StripeGateway) Prepare(ctx context.Context, r *Record) (Prepared, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(r.Amount),
		Currency: stripe.String(r.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata("order_id", r.OrderID)
	params.AddMetadata("user_id", r.UserID)
	params.SetIdempotencyKey("prepare-" + r.OrderID)

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return Prepared{}, fmt.Errorf("create payment intent: %w", err)
	}
	return Prepared{Reference: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

// Confirm asks Stripe for the intent's authoritative state. An intent still
// awaiting server confirmation is confirmed first. Amount, currency and
// order metadata must all match the stored record.
func (g *StripeGateway) Confirm(ctx context.Context, ref string, r *Record) (Confirmation, error) {
	get := &stripe.PaymentIntentParams{}
	get.Context = ctx
	pi, err := g.api.PaymentIntents.Get(ref, get)
	if err != nil {
		return classifyStripeError(err)
	}

	if pi.Status == stripe.PaymentIntentStatusRequiresConfirmation {
		confirm := &stripe.PaymentIntentConfirmParams{}
		confirm.Context = ctx
		confirm.SetIdempotencyKey("confirm-" + r.OrderID)
		pi, err = g.api.PaymentIntents.Confirm(ref, confirm)
		if err != nil {
			return classifyStripeError(err)
		}
	}

	switch {
	case pi.Metadata["order_id"] != r.OrderID:
		return Confirmation{Reason: "order_mismatch"}, nil
	case pi.Amount != r.Amount || string(pi.Currency) != r.Currency:
		return Confirmation{Reason: "amount_mismatch"}, nil
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		txn := pi.ID
		if pi.LatestCharge != nil && pi.LatestCharge.ID != "" {
			txn = pi.LatestCharge.ID
		}
		return Confirmation{Approved: true, TransactionID: txn}, nil
	case stripe.PaymentIntentStatusCanceled:
		return Confirmation{Reason: "canceled"}, nil
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		reason := "payment_method_declined"
		if pi.LastPaymentError != nil && pi.LastPaymentError.Code != "" {
			reason = string(pi.LastPaymentError.Code)
		}
		return Confirmation{Reason: reason}, nil
	default:
		// processing, requires_action, requires_capture: not settled yet.
		return Confirmation{}, fmt.Errorf("%w: payment intent %s is %s", ErrGatewayUnavailable, pi.ID, pi.Status)
	}
}

// Refund refunds the record's full amount on intent ref. The order id is
// the idempotency key, so asking again after a timeout returns the first
// refund instead of creating a second one.
func (g *StripeGateway) Refund(ctx context.Context, ref string, r *Record) (RefundResult, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(ref),
		Amount:        stripe.Int64(r.Amount),
	}
	params.Context = ctx
	params.AddMetadata("order_id", r.OrderID)
	params.SetIdempotencyKey("refund-" + r.OrderID)

	rf, err := g.api.Refunds.New(params)
	if err != nil {
		return classifyRefundError(err)
	}
	switch rf.Status {
	case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		return RefundResult{RefundID: rf.ID, Reason: string(rf.FailureReason)}, nil
	}
	// pending and requires_action are accepted refunds still settling.
	return RefundResult{Refunded: true, RefundID: rf.ID}, nil
}

// classifyRefundError separates refusals from unknown outcomes. A charge
// that is already refunded means the money is back with the customer.
func classifyRefundError(err error) (RefundResult, error) {
	var se *stripe.Error
	if errors.As(err, &se) {
		switch {
		case se.Code == stripe.ErrorCodeChargeAlreadyRefunded:
			return RefundResult{Refunded: true, RefundID: string(se.Code)}, nil
		case se.HTTPStatusCode == http.StatusNotFound:
			return RefundResult{Reason: "payment_not_found"}, nil
		case se.Type == stripe.ErrorTypeCard,
			se.Type == stripe.ErrorTypeInvalidRequest && se.HTTPStatusCode == http.StatusBadRequest:
			return RefundResult{Reason: string(se.Code)}, nil
		}
	}
	return RefundResult{}, fmt.Errorf("stripe: create refund: %w", err)
}

// classifyStripeError turns a card or request error into a refusal and
// leaves everything else (network, rate limit, 5xx) as an unknown outcome.
func classifyStripeError(err error) (Confirmation, error) {
	var se *stripe.Error
	if errors.As(err, &se) {
		switch {
		case se.Type == stripe.ErrorTypeCard:
			return Confirmation{Reason: string(se.Code)}, nil
		case se.HTTPStatusCode == http.StatusNotFound:
			return Confirmation{Reason: "payment_not_found"}, nil
		case se.Type == stripe.ErrorTypeInvalidRequest && se.HTTPStatusCode == http.StatusBadRequest:
			return Confirmation{Reason: "invalid_request"}, nil
		}
	}
	return Confirmation{}, fmt.Errorf("stripe: %w", err)
}
