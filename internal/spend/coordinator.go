package spend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/pointledger/internal/ledger"
	"github.com/mbd888/pointledger/internal/retry"
	"github.com/mbd888/pointledger/internal/traces"
)

// Config tunes the coordinator.
type Config struct {
	// ActionTimeout bounds a single action run. Timing out counts as failure.
	ActionTimeout time.Duration
	// StaleAfter is how long an unresolved attempt may sit before the sweep
	// settles it. Must exceed ActionTimeout.
	StaleAfter time.Duration
	// Refund is the backoff used when a refund credit fails.
	Refund retry.Policy
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ActionTimeout: 2 * time.Minute,
		StaleAfter:    10 * time.Minute,
		Refund:        retry.Policy{MaxAttempts: 5, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second},
	}
}

// Coordinator pairs every debit with either a commit or a compensating
// refund. Ledger writes after an attempt is recorded run detached from the
// caller's cancellation so a dropped request never strands a debit.
type Coordinator struct {
	ledger *ledger.Ledger
	store  Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	inflight map[string]*call
}

type call struct {
	done    chan struct{}
	outcome *Outcome
	err     error
}

// NewCoordinator creates a coordinator.
func NewCoordinator(l *ledger.Ledger, store Store, cfg Config, logger *slog.Logger) *Coordinator {
	def := DefaultConfig()
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = def.ActionTimeout
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.Refund.MaxAttempts <= 0 {
		cfg.Refund = def.Refund
	}
	return &Coordinator{
		ledger:   l,
		store:    store,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		inflight: make(map[string]*call),
	}
}

func flightKey(userID, key string) string {
	return userID + "\x00" + key
}

// RequestSpend deducts req.Cost, runs req.Action and commits or refunds.
//
// A request sharing an in-flight (user, key) pair waits for the first one
// and receives the same outcome. A resolved key replays its recorded outcome
// without touching the ledger again.
func (c *Coordinator) RequestSpend(ctx context.Context, req Request) (*Outcome, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	k := flightKey(req.UserID, req.IdempotencyKey)
	c.mu.Lock()
	if cl, ok := c.inflight[k]; ok {
		c.mu.Unlock()
		requestsTotal.WithLabelValues("attached").Inc()
		select {
		case <-cl.done:
			return cl.replay()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	cl := &call{done: make(chan struct{})}
	c.inflight[k] = cl
	c.mu.Unlock()

	cl.outcome, cl.err = c.run(ctx, req)

	c.mu.Lock()
	delete(c.inflight, k)
	c.mu.Unlock()
	close(cl.done)

	requestsTotal.WithLabelValues(outcomeLabel(cl.outcome, cl.err)).Inc()
	return cl.outcome, cl.err
}

func (cl *call) replay() (*Outcome, error) {
	if cl.outcome == nil {
		return nil, cl.err
	}
	out := *cl.outcome
	out.Replayed = true
	return &out, cl.err
}

func (c *Coordinator) run(ctx context.Context, req Request) (*Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "spend.RequestSpend",
		traces.UserID(req.UserID), traces.IdempotencyKey(req.IdempotencyKey), traces.Points(req.Cost))
	defer span.End()
	durable := context.WithoutCancel(ctx)

	existing, err := c.store.Get(durable, req.UserID, req.IdempotencyKey)
	switch {
	case err == nil:
		return replayAttempt(existing, req)
	case !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("spend: load attempt: %w", err)
	}

	pending, err := c.store.HasPendingRefund(durable, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("spend: check pending refunds: %w", err)
	}
	if pending {
		return nil, ErrRefundPending
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := c.now()
	a := &Attempt{
		UserID:         req.UserID,
		IdempotencyKey: req.IdempotencyKey,
		Cost:           req.Cost,
		Action:         req.ActionName,
		State:          Requested,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	created, existing, err := c.store.Create(durable, a)
	if err != nil {
		return nil, fmt.Errorf("spend: record attempt: %w", err)
	}
	if !created {
		return replayAttempt(existing, req)
	}
	// A concurrent spend for this user may have parked a refund after the
	// first check. Look again now that this attempt is durable.
	if pending, err := c.store.HasPendingRefund(durable, req.UserID); err != nil || pending {
		if err != nil {
			c.logger.Error("spend could not recheck pending refunds", "user_id", req.UserID, "key", req.IdempotencyKey, "error", err)
		}
		c.abandon(durable, a, causeRefundPending)
		return outcomeOf(a), ErrRefundPending
	}

	_, err = c.ledger.ApplyDelta(durable, ledger.Delta{
		UserID:        req.UserID,
		Type:          ledger.SpendDebit,
		Amount:        req.Cost,
		Reason:        req.ActionName,
		CorrelationID: req.IdempotencyKey,
		ActorID:       req.UserID,
	})
	switch {
	case err == nil, errors.Is(err, ledger.ErrDuplicateTransaction):
	case errors.Is(err, ledger.ErrInsufficientBalance), errors.Is(err, ledger.ErrNotFound):
		c.abandon(durable, a, causeInsufficient)
		return outcomeOf(a), err
	default:
		// The debit may or may not have committed. The attempt stays in
		// Requested and the sweep settles it from the ledger.
		traces.RecordError(span, err)
		c.logger.Error("spend debit outcome unknown",
			"user_id", req.UserID, "key", req.IdempotencyKey, "cost", req.Cost, "error", err)
		return outcomeOf(a), fmt.Errorf("%w: %v", ErrDebitUncertain, err)
	}

	if err := c.transition(durable, a, []State{Requested}, Deducted, Update{}); err != nil {
		c.logger.Error("spend could not record deduction, refunding", "user_id", req.UserID, "key", req.IdempotencyKey, "error", err)
		return c.refund(durable, a, causeStateWrite)
	}

	result, actionErr := c.runAction(withKey(ctx, req.UserID, req.IdempotencyKey), req.Action)
	if actionErr != nil {
		c.logger.Info("spend action failed, refunding",
			"user_id", req.UserID, "key", req.IdempotencyKey, "cause", failureCause(actionErr), "error", actionErr)
		return c.refund(durable, a, failureCause(actionErr))
	}

	err = c.cfg.Refund.Do(durable, func() error {
		err := c.transition(durable, a, []State{Deducted}, Committed, Update{Result: result})
		if errors.Is(err, ErrStateConflict) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		// The artifact exists but the attempt still reads Deducted; the sweep
		// will refund it, erring in the user's favour.
		c.logger.Error("CRITICAL: spend commit not recorded",
			"user_id", req.UserID, "key", req.IdempotencyKey, "error", err)
		a.State = Committed
		a.Result = result
	}
	return outcomeOf(a), nil
}

// runAction runs action under the action timeout. A panic or a context
// expiry counts as failure.
func (c *Coordinator) runAction(ctx context.Context, action Action) (string, error) {
	actx, cancel := context.WithTimeout(ctx, c.cfg.ActionTimeout)
	defer cancel()

	type result struct {
		out string
		err error
	}
	ch := make(chan result, 1)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("action panicked: %v", r)}
			}
		}()
		out, err := action(actx)
		ch <- result{out, err}
	}()

	select {
	case r := <-ch:
		actionDuration.Observe(time.Since(start).Seconds())
		return r.out, r.err
	case <-actx.Done():
		actionDuration.Observe(time.Since(start).Seconds())
		return "", actx.Err()
	}
}

// refund credits the attempt's cost back. It retries with backoff; when
// every try fails the attempt is parked in RefundPending, which blocks the
// user's further spends until the sweep or an operator completes it.
func (c *Coordinator) refund(ctx context.Context, a *Attempt, cause string) (*Outcome, error) {
	err := c.cfg.Refund.Do(ctx, func() error {
		_, err := c.ledger.ApplyDelta(ctx, ledger.Delta{
			UserID:        a.UserID,
			Type:          ledger.RefundCredit,
			Amount:        a.Cost,
			Reason:        "refund: " + cause,
			CorrelationID: a.IdempotencyKey,
			ActorID:       ledger.ActorSystem,
		})
		if err == nil || errors.Is(err, ledger.ErrDuplicateTransaction) {
			return nil
		}
		if errors.Is(err, ledger.ErrNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		refundsTotal.WithLabelValues("pending").Inc()
		c.logger.Error("CRITICAL: spend refund failed, attempt parked",
			"user_id", a.UserID, "key", a.IdempotencyKey, "cost", a.Cost, "cause", cause, "error", err)
		if terr := c.transition(ctx, a, unresolved, RefundPending, Update{Failure: cause, RefundAttempt: true}); terr != nil {
			c.logger.Error("spend could not park attempt", "user_id", a.UserID, "key", a.IdempotencyKey, "error", terr)
		}
		return outcomeOf(a), ErrRefundPending
	}

	refundsTotal.WithLabelValues("ok").Inc()
	if terr := c.transition(ctx, a, unresolved, Refunded, Update{Failure: cause}); terr != nil {
		c.logger.Warn("spend refund applied but state not recorded",
			"user_id", a.UserID, "key", a.IdempotencyKey, "error", terr)
		a.State = Refunded
		a.Failure = cause
	}
	return outcomeOf(a), ErrActionFailed
}

// abandon closes an attempt that never debited. On a failed write the
// attempt stays Requested for the sweep to settle.
func (c *Coordinator) abandon(ctx context.Context, a *Attempt, cause string) {
	if err := c.transition(ctx, a, []State{Requested}, Abandoned, Update{Failure: cause}); err != nil {
		c.logger.Error("spend could not abandon attempt",
			"user_id", a.UserID, "key", a.IdempotencyKey, "cause", cause, "error", err)
		a.Failure = cause
	}
}

// transition moves a to the target state in the store and mirrors the
// change on a.
func (c *Coordinator) transition(ctx context.Context, a *Attempt, from []State, to State, u Update) error {
	u.At = c.now()
	if err := c.store.Transition(ctx, a.UserID, a.IdempotencyKey, from, to, u); err != nil {
		return err
	}
	a.State = to
	a.UpdatedAt = u.At
	if u.Result != "" {
		a.Result = u.Result
	}
	if u.Failure != "" {
		a.Failure = u.Failure
	}
	if u.RefundAttempt {
		a.RefundAttempts++
	}
	return nil
}

// Get returns the attempt for (userID, key).
func (c *Coordinator) Get(ctx context.Context, userID, key string) (*Attempt, error) {
	return c.store.Get(ctx, userID, key)
}

// replayAttempt answers a request whose key already has a recorded attempt.
func replayAttempt(a *Attempt, req Request) (*Outcome, error) {
	if a.Cost != req.Cost {
		return nil, ErrKeyReused
	}
	out := outcomeOf(a)
	out.Replayed = true
	switch a.State {
	case Committed:
		return out, nil
	case Refunded:
		return out, ErrActionFailed
	case Abandoned:
		switch a.Failure {
		case causeInsufficient:
			return out, ledger.ErrInsufficientBalance
		case causeRefundPending:
			return out, ErrRefundPending
		}
		return out, ErrActionFailed
	case RefundPending:
		return out, ErrRefundPending
	default:
		return out, ErrInProgress
	}
}

func failureCause(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return causeTimeout
	case errors.Is(err, context.Canceled):
		return causeCancelled
	default:
		return causeActionFailed
	}
}

func outcomeLabel(out *Outcome, err error) string {
	switch {
	case err == nil:
		return "committed"
	case errors.Is(err, ErrActionFailed):
		return "refunded"
	case errors.Is(err, ErrRefundPending):
		return "refund_pending"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient"
	case out == nil:
		return "rejected"
	default:
		return "error"
	}
}
