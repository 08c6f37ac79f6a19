// Package webhooks posts signed operator notifications to an external URL.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mbd888/pointledger/internal/idgen"
	"github.com/mbd888/pointledger/internal/retry"
)

const (
	HeaderEvent     = "X-Pointledger-Event"
	HeaderTimestamp = "X-Pointledger-Timestamp"
	HeaderSignature = "X-Pointledger-Signature"
)

// Event is the JSON body of a notification.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Poster delivers events to one URL. Deliveries are retried on transport
// errors and 5xx responses.
type Poster struct {
	url    string
	secret string
	client *http.Client
	retry  retry.Policy
	now    func() time.Time
}

// Option configures a Poster.
type Option func(*Poster)

// WithHTTPClient replaces the default 10s-timeout client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Poster) { p.client = c }
}

// WithRetryPolicy overrides the delivery retry policy.
func WithRetryPolicy(r retry.Policy) Option {
	return func(p *Poster) { p.retry = r }
}

// NewPoster creates a poster for url. An empty secret sends unsigned events.
func NewPoster(url, secret string, opts ...Option) *Poster {
	p := &Poster{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  retry.Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
		now:    time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Post sends one event and waits for a 2xx.
func (p *Poster) Post(ctx context.Context, eventType string, data map[string]any) error {
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: p.now().UTC(),
		Data:      data,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhooks: marshal event: %w", err)
	}
	return p.retry.Do(ctx, func() error {
		return p.send(ctx, event, payload)
	})
}

func (p *Poster) send(ctx context.Context, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, event.Type)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(event.Timestamp.Unix(), 10))
	if p.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, p.secret))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhooks: status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("webhooks: status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
