package spend

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/pointledger/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// postgresFactory is set by the integration-tagged test file.
var postgresFactory func(t *testing.T) Store

func storeFactories() map[string]func(t *testing.T) Store {
	f := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			db, err := database.OpenSQLite(context.Background(), ":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })
			return NewSQLStore(db)
		},
	}
	if postgresFactory != nil {
		f["postgres"] = postgresFactory
	}
	return f
}

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func attempt(user, key string, cost int64, at time.Time) *Attempt {
	return &Attempt{UserID: user, IdempotencyKey: key, Cost: cost, Action: "quiz", State: Requested, CreatedAt: at, UpdatedAt: at}
}

func TestStore(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			t.Run("CreateIsIdempotent", func(t *testing.T) { testCreate(t, factory(t)) })
			t.Run("Transition", func(t *testing.T) { testTransition(t, factory(t)) })
			t.Run("PendingRefund", func(t *testing.T) { testPendingRefund(t, factory(t)) })
			t.Run("ListUnresolved", func(t *testing.T) { testListUnresolved(t, factory(t)) })
		})
	}
}

func testCreate(t *testing.T, s Store) {
	ctx := context.Background()
	created, existing, err := s.Create(ctx, attempt("alice", "K1", 200, t0))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Nil(t, existing)

	created, existing, err = s.Create(ctx, attempt("alice", "K1", 999, t0.Add(time.Minute)))
	require.NoError(t, err)
	assert.False(t, created)
	require.NotNil(t, existing)
	assert.Equal(t, int64(200), existing.Cost)
	assert.True(t, existing.CreatedAt.Equal(t0))

	// Keys are scoped per user.
	created, _, err = s.Create(ctx, attempt("bob", "K1", 5, t0))
	require.NoError(t, err)
	assert.True(t, created)

	_, err = s.Get(ctx, "carol", "K1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testTransition(t *testing.T, s Store) {
	ctx := context.Background()
	_, _, err := s.Create(ctx, attempt("alice", "K1", 200, t0))
	require.NoError(t, err)

	at := t0.Add(time.Second)
	require.NoError(t, s.Transition(ctx, "alice", "K1", []State{Requested}, Deducted, Update{At: at}))

	err = s.Transition(ctx, "alice", "K1", []State{Requested}, Abandoned, Update{At: at})
	assert.ErrorIs(t, err, ErrStateConflict)

	require.NoError(t, s.Transition(ctx, "alice", "K1", []State{Deducted}, Committed, Update{Result: "artifact-9", At: at}))
	// Empty fields keep what is stored.
	require.NoError(t, s.Transition(ctx, "alice", "K1", []State{Committed}, Committed, Update{Failure: "note", At: at}))

	a, err := s.Get(ctx, "alice", "K1")
	require.NoError(t, err)
	assert.Equal(t, Committed, a.State)
	assert.Equal(t, "artifact-9", a.Result)
	assert.Equal(t, "note", a.Failure)
	assert.True(t, a.UpdatedAt.Equal(at))

	err = s.Transition(ctx, "alice", "missing", []State{Requested}, Deducted, Update{At: at})
	assert.ErrorIs(t, err, ErrNotFound)
}

func testPendingRefund(t *testing.T, s Store) {
	ctx := context.Background()
	_, _, err := s.Create(ctx, attempt("alice", "K1", 200, t0))
	require.NoError(t, err)

	pending, err := s.HasPendingRefund(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, pending)

	require.NoError(t, s.Transition(ctx, "alice", "K1", unresolved, RefundPending,
		Update{Failure: causeActionFailed, RefundAttempt: true, At: t0}))
	pending, err = s.HasPendingRefund(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, pending)

	pending, err = s.HasPendingRefund(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, pending)

	a, err := s.Get(ctx, "alice", "K1")
	require.NoError(t, err)
	assert.Equal(t, 1, a.RefundAttempts)
}

func testListUnresolved(t *testing.T, s Store) {
	ctx := context.Background()
	created := map[string]time.Time{
		"old":   t0.Add(-time.Hour),
		"older": t0.Add(-2 * time.Hour),
		"done":  t0.Add(-3 * time.Hour),
		"new":   t0,
	}
	for key, at := range created {
		_, _, err := s.Create(ctx, attempt("alice", key, 10, at))
		require.NoError(t, err)
	}
	require.NoError(t, s.Transition(ctx, "alice", "done", []State{Requested}, Committed,
		Update{At: t0.Add(-2 * time.Hour)}))

	got, err := s.ListUnresolved(ctx, t0.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "older", got[0].IdempotencyKey)
	assert.Equal(t, "old", got[1].IdempotencyKey)

	got, err = s.ListUnresolved(ctx, t0.Add(time.Minute), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "older", got[0].IdempotencyKey)
}
