package payments

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const maxWebhookBody = 65536

// Webhook handles POST /payments/webhook. The signature is verified against
// the endpoint secret; the event only tells us which order to look at, and
// Confirm asks the gateway again before anything is credited.
func (h *Handler) Webhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "could not read body"})
		return
	}
	event, err := webhook.ConstructEventWithOptions(body, c.GetHeader("Stripe-Signature"), h.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		webhooksTotal.WithLabelValues("invalid_signature").Inc()
		h.logger.Warn("webhook signature rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "signature verification failed"})
		return
	}

	switch event.Type {
	case "payment_intent.succeeded":
		h.webhookSucceeded(c, event)
	case "payment_intent.payment_failed":
		h.webhookFailed(c, event)
	default:
		webhooksTotal.WithLabelValues("ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"received": true})
	}
}

func (h *Handler) webhookSucceeded(c *gin.Context, event stripe.Event) {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "malformed payment intent"})
		return
	}
	orderID := pi.Metadata["order_id"]
	if orderID == "" {
		// Not one of ours.
		webhooksTotal.WithLabelValues("ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	res, err := h.confirmer.Confirm(c.Request.Context(), ConfirmRequest{OrderID: orderID, GatewayRef: pi.ID})
	switch {
	case err == nil:
		webhooksTotal.WithLabelValues("credited").Inc()
		c.JSON(http.StatusOK, gin.H{"received": true, "credited": res.Credited})
	case errors.Is(err, ErrGatewayUnavailable), errors.Is(err, ErrCreditDeferred):
		// Non-2xx makes Stripe redeliver.
		webhooksTotal.WithLabelValues("retry").Inc()
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "retry_later", "message": err.Error()})
	default:
		webhooksTotal.WithLabelValues("rejected").Inc()
		h.logger.Warn("webhook confirmation not credited", "order_id", orderID, "payment_intent", pi.ID, "error", err)
		c.JSON(http.StatusOK, gin.H{"received": true, "credited": false})
	}
}

func (h *Handler) webhookFailed(c *gin.Context, event stripe.Event) {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "malformed payment intent"})
		return
	}
	orderID := pi.Metadata["order_id"]
	if orderID == "" {
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	reason := "payment_failed"
	if pi.LastPaymentError != nil && pi.LastPaymentError.Code != "" {
		reason = string(pi.LastPaymentError.Code)
	}
	if err := h.confirmer.MarkFailed(c.Request.Context(), orderID, pi.ID, reason); err != nil && !errors.Is(err, ErrNotFound) {
		h.logger.Warn("webhook could not mark order failed", "order_id", orderID, "error", err)
	}
	webhooksTotal.WithLabelValues("failed").Inc()
	c.JSON(http.StatusOK, gin.H{"received": true})
}
