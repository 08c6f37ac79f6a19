package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Error is a non-2xx API response.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("pointledger: %d %s: %s", e.Status, e.Code, e.Message)
}

// IsInsufficientBalance reports whether err is the 402 the API returns when
// a debit would take a balance below zero.
func IsInsufficientBalance(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Status == http.StatusPaymentRequired && e.Code == "insufficient_balance"
}

// IsPaymentDeclined reports whether the gateway refused a purchase. The
// caller should start a new purchase rather than retry the confirmation.
func IsPaymentDeclined(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == "payment_failed"
}

// retryable reports whether the same request may be sent again. Every
// retried call carries an idempotency key or targets an idempotent
// endpoint, so replays never double-charge.
func retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		// Transport failure: the server may or may not have seen it.
		return true
	}
	switch {
	case e.Status == http.StatusServiceUnavailable, e.Status == http.StatusTooManyRequests:
		return true
	case e.Status == http.StatusConflict && (e.Code == "in_progress" || e.Code == "balance_conflict"):
		return true
	}
	return false
}

// parseError reads an error body. Bodies that are not the API's JSON shape
// are kept verbatim as the message.
func parseError(resp *http.Response, body []byte) *Error {
	e := &Error{Status: resp.StatusCode}
	if err := json.Unmarshal(body, e); err != nil || e.Code == "" {
		e.Code = http.StatusText(resp.StatusCode)
		e.Message = string(body)
	}
	return e
}

func readBody(resp *http.Response) ([]byte, error) {
	defer func() { _ = resp.Body.Close() }()
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}
