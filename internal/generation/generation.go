// Package generation is the HTTP client for the content generation service.
// A generation request is the costly action a paid spend wraps.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/pointledger/internal/circuitbreaker"
	"github.com/mbd888/pointledger/internal/config"
	"github.com/mbd888/pointledger/internal/spend"
	"github.com/mbd888/pointledger/internal/traces"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrRejected means the service refused the request. Retrying the same
	// input will not help.
	ErrRejected = errors.New("generation: request rejected")
	// ErrUnavailable covers transport errors, 5xx responses and an open breaker.
	ErrUnavailable = errors.New("generation: service unavailable")
)

const (
	maxResponseSize = 1 << 20
	breakerKey      = "generation"
)

// Request is one generation job.
type Request struct {
	Kind      string          `json:"kind"`
	UserID    string          `json:"userId"`
	RequestID string          `json:"requestId"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// Artifact is what the service produced.
type Artifact struct {
	ID  string `json:"artifactId"`
	URL string `json:"url,omitempty"`
}

// Client posts generation jobs to baseURL.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.Breaker
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default traced client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithBreaker replaces the default breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(cl *Client) { cl.breaker = b }
}

// NewClient creates a client. The request timeout is left to the caller's
// context, which the spend coordinator bounds.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		breaker: circuitbreaker.New(5, 30*time.Second, circuitbreaker.WithFailureFilter(isOutage)),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// isOutage reports whether err should count against the breaker.
func isOutage(err error) bool {
	return err != nil && !errors.Is(err, ErrRejected) && !errors.Is(err, context.Canceled)
}

// Generate runs one job and returns its artifact.
func (c *Client) Generate(ctx context.Context, req Request) (*Artifact, error) {
	ctx, span := traces.StartSpan(ctx, "generation.Generate",
		traces.UserID(req.UserID), attribute.String("generation.kind", req.Kind))
	defer span.End()

	start := time.Now()
	var art *Artifact
	err := c.breaker.Call(ctx, breakerKey, func(ctx context.Context) error {
		var err error
		art, err = c.post(ctx, req)
		return err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		err = fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	requestDuration.WithLabelValues(req.Kind, resultLabel(err)).Observe(time.Since(start).Seconds())
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	return art, nil
}

func (c *Client) post(ctx context.Context, req Request) (*Artifact, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("generation: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("generation: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.RequestID)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, truncate(raw, 200))
	}

	var art Artifact
	if err := json.Unmarshal(raw, &art); err != nil || art.ID == "" {
		return nil, fmt.Errorf("%w: malformed response", ErrUnavailable)
	}
	return &art, nil
}

// RegisterActions adds one paid catalog entry per configured action. The
// spend key doubles as the generation request id so a retried spend never
// triggers a second job on the service side.
func RegisterActions(catalog *spend.Catalog, client *Client, actions []config.ActionPrice) {
	for _, a := range actions {
		kind := a.Name
		catalog.Register(kind, a.Cost, func(userID string, params json.RawMessage) (spend.Action, error) {
			return func(ctx context.Context) (string, error) {
				key, _ := spend.KeyFromContext(ctx)
				art, err := client.Generate(ctx, Request{Kind: kind, UserID: userID, RequestID: key, Params: params})
				if err != nil {
					return "", err
				}
				return art.ID, nil
			}, nil
		})
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "unavailable"
	}
}
