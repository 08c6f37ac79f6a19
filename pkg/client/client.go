// Package client is a Go client for the pointledger HTTP API. Calls that
// move points carry idempotency keys and are retried with the same key, so
// a retry after a timeout never charges twice.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/pointledger/internal/idgen"
	"github.com/mbd888/pointledger/internal/ledger"
	"github.com/mbd888/pointledger/internal/payments"
	"github.com/mbd888/pointledger/internal/retry"
	"github.com/mbd888/pointledger/internal/spend"
)

// Client calls the API as the holder of a bearer token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	retry      retry.Policy
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client. Its timeout should exceed the
// server's spend action timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithRetryPolicy overrides the backoff for retryable failures.
func WithRetryPolicy(p retry.Policy) Option {
	return func(cl *Client) { cl.retry = p }
}

// New creates a client for baseURL (scheme and host, no path). token may
// be empty for the public endpoints.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 3 * time.Minute},
		retry:      retry.Policy{MaxAttempts: 3, BaseDelay: 250 * time.Millisecond, MaxDelay: 2 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Balance returns userID's balance.
func (c *Client) Balance(ctx context.Context, userID string) (*ledger.Balance, error) {
	var out struct {
		Balance *ledger.Balance `json:"balance"`
	}
	if err := c.call(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(userID)+"/balance", nil, &out); err != nil {
		return nil, err
	}
	return out.Balance, nil
}

// Transactions returns one page of userID's history, newest first. Pass
// the previous page's NextCursor to continue.
func (c *Client) Transactions(ctx context.Context, userID, cursor string, limit int) (*ledger.TransactionPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/users/" + url.PathEscape(userID) + "/transactions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var page ledger.TransactionPage
	if err := c.call(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// SpendRequest is a paid action request. An empty IdempotencyKey gets a
// fresh one, which is reused for every retry of this call.
type SpendRequest struct {
	UserID         string
	Action         string
	IdempotencyKey string
	// Cost is the price the caller expects; zero skips the check.
	Cost   int64
	Params any
}

// Spend runs a paid action. When the action fails the returned error is an
// *Error with code "spend_failed" and the outcome shows the refund.
func (c *Client) Spend(ctx context.Context, req SpendRequest) (*spend.Outcome, error) {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = idgen.New()
	}
	body := map[string]any{
		"action":         req.Action,
		"idempotencyKey": req.IdempotencyKey,
	}
	if req.Cost != 0 {
		body["cost"] = req.Cost
	}
	if req.Params != nil {
		body["params"] = req.Params
	}
	var out struct {
		Spend *spend.Outcome `json:"spend"`
	}
	err := c.call(ctx, http.MethodPost, "/v1/users/"+url.PathEscape(req.UserID)+"/spends", body, &out)
	return out.Spend, err
}

// CreateOrder opens a purchase for packageID. The client secret completes
// the payment in the browser.
func (c *Client) CreateOrder(ctx context.Context, packageID string) (*payments.Order, error) {
	var order payments.Order
	if err := c.call(ctx, http.MethodPost, "/v1/payments/orders", map[string]string{"packageId": packageID}, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// ConfirmPayment asks the server to settle orderID. It is safe to call any
// number of times; points are credited once.
func (c *Client) ConfirmPayment(ctx context.Context, orderID, paymentKey string) (*payments.Result, error) {
	var res payments.Result
	body := map[string]string{"orderId": orderID, "paymentKey": paymentKey}
	if err := c.call(ctx, http.MethodPost, "/v1/payments/confirm", body, &res); err != nil {
		return &res, err
	}
	return &res, nil
}

// call sends one logical request, retrying retryable failures. The body is
// encoded once and replayed on every attempt. Error bodies are decoded
// into out as well, since spend and payment errors carry the outcome.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("pointledger: encode request: %w", err)
		}
	}

	err := c.retry.Do(ctx, func() error {
		err := c.once(ctx, method, path, payload, out)
		if err != nil && !retryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
	var ex *retry.ExhaustedError
	if errors.As(err, &ex) {
		return ex.Err
	}
	return err
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pointledger: %s %s: %w", method, path, err)
	}
	body, err := readBody(resp)
	if err != nil {
		return fmt.Errorf("pointledger: read response: %w", err)
	}

	if out != nil && len(body) > 0 {
		if jerr := json.Unmarshal(body, out); jerr != nil && resp.StatusCode < 300 {
			return retry.Permanent(fmt.Errorf("pointledger: decode response: %w", jerr))
		}
	}
	if resp.StatusCode >= 300 {
		return parseError(resp, body)
	}
	return nil
}
