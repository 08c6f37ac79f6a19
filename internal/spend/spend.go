// Package spend runs paid actions as a deduct, act, commit-or-refund state
// machine whose progress is persisted per (user, idempotency key).
package spend

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidCost    = errors.New("spend: cost must be positive")
	ErrMissingKey     = errors.New("spend: idempotency key is required")
	ErrMissingAction  = errors.New("spend: action is required")
	ErrNotFound       = errors.New("spend: attempt not found")
	ErrKeyReused      = errors.New("spend: idempotency key reused with different parameters")
	ErrInProgress     = errors.New("spend: attempt still in progress")
	ErrRefundPending  = errors.New("spend: a previous refund has not completed")
	ErrActionFailed   = errors.New("spend: action failed, points restored")
	ErrStateConflict  = errors.New("spend: attempt is not in the expected state")
	ErrDebitUncertain = errors.New("spend: debit outcome unknown, will be reconciled")
)

// State is a spend attempt's position in its lifecycle.
type State string

const (
	Requested     State = "requested"
	Deducted      State = "deducted"
	Committed     State = "committed"
	Refunded      State = "refunded"
	RefundPending State = "refund_pending"
	Abandoned     State = "abandoned"
)

// Terminal reports whether no further transition is expected.
func (s State) Terminal() bool {
	return s == Committed || s == Refunded || s == Abandoned
}

// unresolved states are the ones a sweep may need to settle.
var unresolved = []State{Requested, Deducted, RefundPending}

// Failure causes recorded on attempts. An attempt abandoned with
// causeRefundPending lost a race with a refund parked for the same user;
// its key is spent and the caller retries with a new one.
const (
	causeInsufficient  = "insufficient_balance"
	causeTimeout       = "timeout"
	causeCancelled     = "cancelled"
	causeActionFailed  = "action_failed"
	causeNoDebit       = "debit_not_applied"
	causeStale         = "stale_attempt"
	causeStateWrite    = "state_write_failed"
	causeRefundPending = "refund_pending"
)

// Attempt is the persisted record of one spend.
type Attempt struct {
	UserID         string    `json:"userId"`
	IdempotencyKey string    `json:"idempotencyKey"`
	Cost           int64     `json:"cost"`
	Action         string    `json:"action"`
	State          State     `json:"state"`
	Result         string    `json:"result,omitempty"`
	Failure        string    `json:"failure,omitempty"`
	RefundAttempts int       `json:"refundAttempts"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Update carries the fields written alongside a state transition. Empty
// strings leave the stored value unchanged.
type Update struct {
	Result        string
	Failure       string
	RefundAttempt bool
	At            time.Time
}

// Store persists attempts. Transition must be conditional on the current
// state being one of from and return ErrStateConflict otherwise.
type Store interface {
	Create(ctx context.Context, a *Attempt) (created bool, existing *Attempt, err error)
	Get(ctx context.Context, userID, key string) (*Attempt, error)
	Transition(ctx context.Context, userID, key string, from []State, to State, u Update) error
	HasPendingRefund(ctx context.Context, userID string) (bool, error)
	ListUnresolved(ctx context.Context, updatedBefore time.Time, limit int) ([]*Attempt, error)
}

// Action is the costly external work a spend pays for. It returns a
// reference to what it produced.
type Action func(ctx context.Context) (string, error)

type keyCtx struct{}

func withKey(ctx context.Context, userID, key string) context.Context {
	return context.WithValue(ctx, keyCtx{}, userID+"/"+key)
}

// KeyFromContext returns the "user/key" identity of the spend an Action is
// running for. Actions pass it downstream as their own idempotency key.
func KeyFromContext(ctx context.Context) (string, bool) {
	k, ok := ctx.Value(keyCtx{}).(string)
	return k, ok
}

// Request asks for cost points to be spent on Action.
type Request struct {
	UserID         string
	Cost           int64
	IdempotencyKey string
	ActionName     string
	Action         Action
}

func (r Request) validate() error {
	switch {
	case r.Cost <= 0:
		return ErrInvalidCost
	case r.IdempotencyKey == "":
		return ErrMissingKey
	case r.Action == nil:
		return ErrMissingAction
	}
	return nil
}

// Outcome reports how a spend resolved.
type Outcome struct {
	UserID         string `json:"userId"`
	IdempotencyKey string `json:"idempotencyKey"`
	Cost           int64  `json:"cost"`
	State          State  `json:"state"`
	Artifact       string `json:"artifact,omitempty"`
	Failure        string `json:"failure,omitempty"`
	Replayed       bool   `json:"replayed"`
}

func outcomeOf(a *Attempt) *Outcome {
	return &Outcome{
		UserID:         a.UserID,
		IdempotencyKey: a.IdempotencyKey,
		Cost:           a.Cost,
		State:          a.State,
		Artifact:       a.Result,
		Failure:        a.Failure,
	}
}
