package admin

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/mbd888/pointledger/internal/ledger"
	"github.com/mbd888/pointledger/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore(), logging.Discard())
	return NewService(l, logging.Discard()), l
}

func fund(t *testing.T, l *ledger.Ledger, userID string, points int64) {
	t.Helper()
	_, err := l.OpenAccount(context.Background(), userID, points)
	require.NoError(t, err)
}

func points(t *testing.T, l *ledger.Ledger, userID string) int64 {
	t.Helper()
	p, err := l.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return p
}

func TestAdjust_Credit(t *testing.T) {
	svc, l := newTestService(t)
	fund(t, l, "alice", 0)

	txn, err := svc.Adjust(context.Background(), Adjustment{
		AdminID: "root", UserID: "alice", Direction: Credit, Amount: 500, Reason: "goodwill",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.AdminCredit, txn.Type)
	assert.Equal(t, "root", txn.ActorID)
	assert.Equal(t, "goodwill", txn.Reason)
	assert.Equal(t, int64(500), txn.BalanceAfter)

	page, err := l.ListTransactions(context.Background(), "alice", "", 10)
	require.NoError(t, err)
	assert.Len(t, page.Transactions, 1)
}

func TestAdjust_DebitExceedingBalanceRejected(t *testing.T) {
	svc, l := newTestService(t)
	fund(t, l, "alice", 50)

	_, err := svc.Adjust(context.Background(), Adjustment{
		AdminID: "root", UserID: "alice", Direction: Debit, Amount: 100, Reason: "chargeback",
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Equal(t, int64(50), points(t, l, "alice"))

	page, err := l.ListTransactions(context.Background(), "alice", "", 10)
	require.NoError(t, err)
	assert.Len(t, page.Transactions, 1, "only the signup grant")
}

func TestAdjust_Validation(t *testing.T) {
	svc, l := newTestService(t)
	fund(t, l, "alice", 10)
	ctx := context.Background()

	_, err := svc.Adjust(ctx, Adjustment{UserID: "alice", Direction: Credit, Amount: 1, Reason: "   "})
	assert.ErrorIs(t, err, ErrReasonRequired)

	_, err = svc.Adjust(ctx, Adjustment{UserID: "alice", Direction: "steal", Amount: 1, Reason: "x"})
	assert.ErrorIs(t, err, ErrInvalidDirection)

	_, err = svc.Adjust(ctx, Adjustment{UserID: "alice", Direction: Credit, Amount: 0, Reason: "x"})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = svc.Adjust(ctx, Adjustment{UserID: "ghost", Direction: Credit, Amount: 1, Reason: "x"})
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	assert.Equal(t, int64(10), points(t, l, "alice"))
}

func TestAdjust_IdempotencyKey(t *testing.T) {
	svc, l := newTestService(t)
	fund(t, l, "alice", 0)
	ctx := context.Background()
	adj := Adjustment{AdminID: "root", UserID: "alice", Direction: Credit, Amount: 70, Reason: "promo", IdempotencyKey: "ticket-9"}

	first, err := svc.Adjust(ctx, adj)
	require.NoError(t, err)
	again, err := svc.Adjust(ctx, adj)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, int64(70), points(t, l, "alice"))

	// Without a key every call is a new adjustment.
	adj.IdempotencyKey = ""
	_, err = svc.Adjust(ctx, adj)
	require.NoError(t, err)
	assert.Equal(t, int64(140), points(t, l, "alice"))
}

func TestAdjust_FrozenBlocksCreditOnly(t *testing.T) {
	svc, l := newTestService(t)
	fund(t, l, "alice", 100)
	ctx := context.Background()
	require.NoError(t, l.Freeze(ctx, "alice", "mismatch"))

	_, err := svc.Adjust(ctx, Adjustment{UserID: "alice", Direction: Credit, Amount: 1, Reason: "x"})
	assert.ErrorIs(t, err, ledger.ErrAccountFrozen)

	_, err = svc.Adjust(ctx, Adjustment{UserID: "alice", Direction: Debit, Amount: 1, Reason: "x"})
	assert.NoError(t, err)

	_, err = svc.Unfreeze(ctx, "root", "alice", "")
	assert.ErrorIs(t, err, ErrReasonRequired)

	b, err := svc.Unfreeze(ctx, "root", "alice", "history reviewed")
	require.NoError(t, err)
	assert.False(t, b.Frozen())

	_, err = svc.Adjust(ctx, Adjustment{UserID: "alice", Direction: Credit, Amount: 1, Reason: "x"})
	assert.NoError(t, err)
}

func TestBulkSet(t *testing.T) {
	svc, l := newTestService(t)
	ctx := context.Background()
	fund(t, l, "alice", 0)
	fund(t, l, "bob", 300)
	fund(t, l, "carol", 100)
	fund(t, l, "dave", 40)
	require.NoError(t, l.Freeze(ctx, "dave", "mismatch"))

	rep, err := svc.BulkSet(ctx, "root", 100, "season reset")
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Updated)
	assert.Equal(t, 1, rep.Unchanged)
	require.Len(t, rep.Failed, 1)
	assert.Equal(t, "dave", rep.Failed[0].UserID)

	for _, u := range []string{"alice", "bob", "carol"} {
		assert.Equal(t, int64(100), points(t, l, u), u)
		sum, err := l.SumForUser(ctx, u)
		require.NoError(t, err)
		assert.Equal(t, int64(100), sum, "history must explain %s's balance", u)
	}
	assert.Equal(t, int64(40), points(t, l, "dave"))

	txns, err := l.ListByCorrelation(ctx, "bob", rep.RunID)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, ledger.AdminDebit, txns[0].Type)
	assert.Equal(t, int64(200), txns[0].Amount)
}

func TestBulkSet_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.BulkSet(context.Background(), "root", 10, "")
	assert.ErrorIs(t, err, ErrReasonRequired)
	_, err = svc.BulkSet(context.Background(), "root", -1, "x")
	assert.ErrorIs(t, err, ErrInvalidTarget)
}

func TestBulkSet_ConcurrentSpendsKeepInvariant(t *testing.T) {
	svc, l := newTestService(t)
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		fund(t, l, fmt.Sprintf("u%02d", i), 1000)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 30; i++ {
			_, _ = l.ApplyDelta(ctx, ledger.Delta{
				UserID: fmt.Sprintf("u%02d", i), Type: ledger.SpendDebit, Amount: 7, CorrelationID: "K",
			})
		}
	}()
	rep, err := svc.BulkSet(ctx, "root", 500, "rebalance")
	wg.Wait()
	require.NoError(t, err)
	assert.Empty(t, rep.Failed)

	for i := 0; i < 30; i++ {
		u := fmt.Sprintf("u%02d", i)
		p := points(t, l, u)
		sum, err := l.SumForUser(ctx, u)
		require.NoError(t, err)
		assert.Equal(t, p, sum, u)
		assert.Contains(t, []int64{500, 493}, p, u)
	}
}
