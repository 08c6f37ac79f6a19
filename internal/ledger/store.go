package ledger

import (
	"context"
	"time"
)

// Delta is one requested balance change. Amount is always a positive
// magnitude; the direction comes from Type.
type Delta struct {
	UserID        string
	Type          TxnType
	Amount        int64
	Reason        string
	CorrelationID string
	ActorID       string

	// ExpectedPoints, when set, makes the change conditional on the balance
	// still holding exactly this value.
	ExpectedPoints *int64
}

// Store is the authoritative balance table plus its append-only history.
//
// ApplyDelta must move the balance and append the Transaction in a single
// atomic unit: a conditional update that refuses to go below zero, and an
// insert guarded by the (user, type, correlation) uniqueness key. Nothing is
// written when either step fails.
type Store interface {
	CreateBalance(ctx context.Context, userID string, now time.Time) (created bool, err error)
	GetBalance(ctx context.Context, userID string) (*Balance, error)
	ApplyDelta(ctx context.Context, d Delta, now time.Time) (*Transaction, error)
	ListBalances(ctx context.Context, afterUserID string, limit int) ([]*Balance, error)
	Freeze(ctx context.Context, userID, reason string, at time.Time) error
	Unfreeze(ctx context.Context, userID string, at time.Time) error

	TransactionLog
}

// TransactionLog is the read side of the history. Entries are only ever
// appended by ApplyDelta.
type TransactionLog interface {
	// ListForUser returns up to limit entries older than the cursor
	// position, newest first. A nil cursor starts from the newest entry.
	ListForUser(ctx context.Context, userID string, before *Position, limit int) ([]*Transaction, error)
	SumForUser(ctx context.Context, userID string) (int64, error)
	ListByCorrelation(ctx context.Context, userID, correlationID string) ([]*Transaction, error)
}

// Position identifies an entry in the newest-first ordering.
type Position struct {
	CreatedAt time.Time
	ID        int64
}
