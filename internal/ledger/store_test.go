package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/pointledger/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactories lists every Store implementation the suite runs against.
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

func TestStore(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, factory(t)) })
			t.Run("CreditDebit", func(t *testing.T) { testCreditDebit(t, factory(t)) })
			t.Run("Overdraft", func(t *testing.T) { testOverdraft(t, factory(t)) })
			t.Run("Duplicate", func(t *testing.T) { testDuplicate(t, factory(t)) })
			t.Run("ExpectedPoints", func(t *testing.T) { testExpectedPoints(t, factory(t)) })
			t.Run("Frozen", func(t *testing.T) { testFrozen(t, factory(t)) })
			t.Run("ListAndSum", func(t *testing.T) { testListAndSum(t, factory(t)) })
			t.Run("ListBalances", func(t *testing.T) { testListBalances(t, factory(t)) })
			t.Run("ConcurrentDebits", func(t *testing.T) { testConcurrentDebits(t, factory(t)) })
		})
	}
}

func mustCreate(t *testing.T, s Store, userID string) {
	t.Helper()
	created, err := s.CreateBalance(context.Background(), userID, t0)
	require.NoError(t, err)
	require.True(t, created)
}

func credit(userID string, amount int64, corr string) Delta {
	return Delta{UserID: userID, Type: PurchaseCredit, Amount: amount, CorrelationID: corr, ActorID: "gateway"}
}

func testCreateAndGet(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreate(t, s, "alice")

	created, err := s.CreateBalance(ctx, "alice", t0)
	require.NoError(t, err)
	assert.False(t, created)

	b, err := s.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Points)
	assert.True(t, b.CreatedAt.Equal(t0))
	assert.False(t, b.Frozen())

	_, err = s.GetBalance(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testCreditDebit(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreate(t, s, "alice")

	txn, err := s.ApplyDelta(ctx, credit("alice", 10000, "O1"), t0)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), txn.BalanceAfter)
	assert.NotZero(t, txn.ID)

	txn, err = s.ApplyDelta(ctx, Delta{UserID: "alice", Type: SpendDebit, Amount: 200, CorrelationID: "K1", ActorID: "alice"}, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(9800), txn.BalanceAfter)
	assert.Equal(t, SpendDebit, txn.Type)
	assert.Equal(t, int64(200), txn.Amount)

	b, err := s.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(9800), b.Points)
	assert.True(t, b.UpdatedAt.Equal(t0.Add(time.Second)))

	_, err = s.ApplyDelta(ctx, credit("ghost", 1, "x"), t0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func testOverdraft(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreate(t, s, "alice")
	_, err := s.ApplyDelta(ctx, credit("alice", 50, "O1"), t0)
	require.NoError(t, err)

	_, err = s.ApplyDelta(ctx, Delta{UserID: "alice", Type: AdminDebit, Amount: 100, CorrelationID: "adj1", ActorID: "admin"}, t0)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	b, err := s.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(50), b.Points)

	txns, err := s.ListForUser(ctx, "alice", nil, 10)
	require.NoError(t, err)
	assert.Len(t, txns, 1, "rejected debit must not be logged")
}

func testDuplicate(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreate(t, s, "alice")
	_, err := s.ApplyDelta(ctx, credit("alice", 10000, "O1"), t0)
	require.NoError(t, err)

	_, err = s.ApplyDelta(ctx, credit("alice", 10000, "O1"), t0)
	assert.ErrorIs(t, err, ErrDuplicateTransaction)

	b, err := s.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), b.Points)

	// Same correlation, different type is a distinct entry.
	_, err = s.ApplyDelta(ctx, Delta{UserID: "alice", Type: SpendDebit, Amount: 1, CorrelationID: "O1", ActorID: "alice"}, t0)
	assert.NoError(t, err)
}

func testExpectedPoints(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreate(t, s, "alice")
	_, err := s.ApplyDelta(ctx, credit("alice", 30, "O1"), t0)
	require.NoError(t, err)

	stale := int64(10)
	_, err = s.ApplyDelta(ctx, Delta{UserID: "alice", Type: AdminCredit, Amount: 70, CorrelationID: "bulk1", ActorID: "admin", ExpectedPoints: &stale}, t0)
	assert.ErrorIs(t, err, ErrConflict)

	current := int64(30)
	txn, err := s.ApplyDelta(ctx, Delta{UserID: "alice", Type: AdminCredit, Amount: 70, CorrelationID: "bulk1", ActorID: "admin", ExpectedPoints: &current}, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(100), txn.BalanceAfter)
}

func testFrozen(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreate(t, s, "alice")
	_, err := s.ApplyDelta(ctx, credit("alice", 100, "O1"), t0)
	require.NoError(t, err)

	require.NoError(t, s.Freeze(ctx, "alice", "sum mismatch", t0))
	b, err := s.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, b.Frozen())
	assert.Equal(t, "sum mismatch", b.FrozenReason)

	_, err = s.ApplyDelta(ctx, Delta{UserID: "alice", Type: AdminCredit, Amount: 5, CorrelationID: "adj", ActorID: "admin"}, t0)
	assert.ErrorIs(t, err, ErrAccountFrozen)
	assert.ErrorIs(t, err, ErrInvariantViolation)

	// Other movements keep working while frozen.
	_, err = s.ApplyDelta(ctx, Delta{UserID: "alice", Type: SpendDebit, Amount: 5, CorrelationID: "K1", ActorID: "alice"}, t0)
	assert.NoError(t, err)

	require.NoError(t, s.Unfreeze(ctx, "alice", t0))
	_, err = s.ApplyDelta(ctx, Delta{UserID: "alice", Type: AdminCredit, Amount: 5, CorrelationID: "adj", ActorID: "admin"}, t0)
	assert.NoError(t, err)

	assert.ErrorIs(t, s.Freeze(ctx, "ghost", "x", t0), ErrNotFound)
}

func testListAndSum(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreate(t, s, "alice")
	_, err := s.ApplyDelta(ctx, credit("alice", 10000, "O1"), t0)
	require.NoError(t, err)
	_, err = s.ApplyDelta(ctx, Delta{UserID: "alice", Type: SpendDebit, Amount: 200, CorrelationID: "K1", ActorID: "alice"}, t0.Add(time.Second))
	require.NoError(t, err)
	_, err = s.ApplyDelta(ctx, Delta{UserID: "alice", Type: RefundCredit, Amount: 200, CorrelationID: "K1", ActorID: "system"}, t0.Add(2*time.Second))
	require.NoError(t, err)

	sum, err := s.SumForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), sum)

	txns, err := s.ListForUser(ctx, "alice", nil, 2)
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, RefundCredit, txns[0].Type)
	assert.Equal(t, SpendDebit, txns[1].Type)

	older, err := s.ListForUser(ctx, "alice", &Position{CreatedAt: txns[1].CreatedAt, ID: txns[1].ID}, 10)
	require.NoError(t, err)
	require.Len(t, older, 1)
	assert.Equal(t, PurchaseCredit, older[0].Type)

	byKey, err := s.ListByCorrelation(ctx, "alice", "K1")
	require.NoError(t, err)
	require.Len(t, byKey, 2)
	assert.Equal(t, SpendDebit, byKey[0].Type)
	assert.Equal(t, RefundCredit, byKey[1].Type)

	sum, err = s.SumForUser(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, sum)
}

func testListBalances(t *testing.T, s Store) {
	ctx := context.Background()
	for _, id := range []string{"carol", "alice", "bob"} {
		mustCreate(t, s, id)
	}
	page, err := s.ListBalances(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "alice", page[0].UserID)
	assert.Equal(t, "bob", page[1].UserID)

	page, err = s.ListBalances(ctx, "bob", 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "carol", page[0].UserID)
}

func testConcurrentDebits(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreate(t, s, "alice")
	_, err := s.ApplyDelta(ctx, credit("alice", 1000, "O1"), t0)
	require.NoError(t, err)

	const workers = 25
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.ApplyDelta(ctx, Delta{
				UserID: "alice", Type: SpendDebit, Amount: 100,
				CorrelationID: "K" + string(rune('a'+i)), ActorID: "alice",
			}, t0)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrInsufficientBalance)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	b, err := s.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Points)

	sum, err := s.SumForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, b.Points, sum)
}
