package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/pointledger/internal/circuitbreaker"
	"github.com/mbd888/pointledger/internal/ledger"
	"github.com/mbd888/pointledger/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway approves by default. Set reject or fail to change verdicts.
type fakeGateway struct {
	mu        sync.Mutex
	reject    string
	fail      error
	refundErr error
	// refuseRefund makes Refund answer with a definite refusal.
	refuseRefund string
	refundDelay  time.Duration
	confirms     atomic.Int32
	refunds      atomic.Int32
	delay        time.Duration
}

func (g *fakeGateway) Prepare(_ context.Context, r *Record) (Prepared, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail != nil {
		return Prepared{}, g.fail
	}
	return Prepared{Reference: "pi_" + r.OrderID, ClientSecret: "secret_" + r.OrderID}, nil
}

func (g *fakeGateway) Confirm(ctx context.Context, ref string, r *Record) (Confirmation, error) {
	g.confirms.Add(1)
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return Confirmation{}, ctx.Err()
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case g.fail != nil:
		return Confirmation{}, g.fail
	case g.reject != "":
		return Confirmation{Reason: g.reject}, nil
	}
	return Confirmation{Approved: true, TransactionID: "ch_" + ref}, nil
}

func (g *fakeGateway) Refund(ctx context.Context, ref string, _ *Record) (RefundResult, error) {
	g.refunds.Add(1)
	g.mu.Lock()
	delay, refundErr, refuse := g.refundDelay, g.refundErr, g.refuseRefund
	g.mu.Unlock()
	if delay > 0 {
		// The refund is processed even if the caller stops waiting.
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return RefundResult{}, ctx.Err()
		}
	}
	switch {
	case refundErr != nil:
		return RefundResult{}, refundErr
	case refuse != "":
		return RefundResult{Reason: refuse}, nil
	}
	return RefundResult{Refunded: true, RefundID: "re_" + ref}, nil
}

func (g *fakeGateway) set(fn func(g *fakeGateway)) {
	g.mu.Lock()
	fn(g)
	g.mu.Unlock()
}

type fixture struct {
	ledger    *ledger.Ledger
	store     *MemoryStore
	gateway   *fakeGateway
	confirmer *Confirmer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore(), logging.Discard())
	_, err := l.OpenAccount(context.Background(), "alice", 0)
	require.NoError(t, err)

	store := NewMemoryStore()
	gw := &fakeGateway{}
	c := NewConfirmer(store, l, gw, circuitbreaker.New(3, time.Minute), Config{
		Currency:       "usd",
		Packages:       []Package{{ID: "starter", Amount: 1000, Points: 10000}},
		GatewayTimeout: time.Second,
		RecoverAfter:   time.Nanosecond,
	}, logging.Discard())
	return &fixture{ledger: l, store: store, gateway: gw, confirmer: c}
}

// seedOrder stores a pending order O1 for alice without going through the
// gateway.
func (f *fixture) seedOrder(t *testing.T, orderID string) *Record {
	t.Helper()
	now := time.Now().UTC()
	rec := &Record{
		OrderID: orderID, UserID: "alice", PackageID: "starter",
		Amount: 1000, Currency: "usd", PointsToCredit: 10000,
		Status: StatusPending, GatewayReference: "pi_" + orderID,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.store.Create(context.Background(), rec))
	return rec
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	p, err := f.ledger.GetBalance(context.Background(), "alice")
	require.NoError(t, err)
	return p
}

func (f *fixture) purchaseRows(t *testing.T, orderID string) int {
	t.Helper()
	txns, err := f.ledger.ListByCorrelation(context.Background(), "alice", orderID)
	require.NoError(t, err)
	n := 0
	for _, tx := range txns {
		if tx.Type == ledger.PurchaseCredit {
			n++
		}
	}
	return n
}

func TestConfirm_CreditsOnceAndShortCircuits(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "O1")
	ctx := context.Background()

	res, err := f.confirmer.Confirm(ctx, ConfirmRequest{OrderID: "O1", GatewayRef: "pi_O1", Amount: 1000})
	require.NoError(t, err)
	assert.True(t, res.Credited)
	assert.Equal(t, StatusCompleted, res.Order.Status)
	assert.True(t, res.Order.Credited())
	assert.Equal(t, int64(10000), f.balance(t))
	assert.Equal(t, 1, f.purchaseRows(t, "O1"))

	res, err = f.confirmer.Confirm(ctx, ConfirmRequest{OrderID: "O1", GatewayRef: "pi_O1"})
	require.NoError(t, err)
	assert.True(t, res.Credited)
	assert.Equal(t, int64(10000), f.balance(t))
	assert.Equal(t, 1, f.purchaseRows(t, "O1"))
	assert.Equal(t, int32(1), f.gateway.confirms.Load(), "completed order must not hit the gateway again")
}

func TestConfirm_ConcurrentTriggersCreditOnce(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "O1")
	f.gateway.delay = 10 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.confirmer.Confirm(context.Background(), ConfirmRequest{OrderID: "O1", GatewayRef: "pi_O1"})
			if assert.NoError(t, err) {
				assert.True(t, res.Credited)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10000), f.balance(t))
	assert.Equal(t, 1, f.purchaseRows(t, "O1"))
}

func TestConfirm_UntrustedInput(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "O1")
	ctx := context.Background()

	_, err := f.confirmer.Confirm(ctx, ConfirmRequest{OrderID: "nope", GatewayRef: "pi_x", Amount: 1000})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.confirmer.Confirm(ctx, ConfirmRequest{OrderID: "O1", GatewayRef: "pi_O1", Amount: 999999})
	assert.ErrorIs(t, err, ErrAmountMismatch)

	_, err = f.confirmer.Confirm(ctx, ConfirmRequest{OrderID: "O1", GatewayRef: "pi_forged"})
	assert.ErrorIs(t, err, ErrReferenceMismatch)

	_, err = f.confirmer.Confirm(ctx, ConfirmRequest{})
	assert.ErrorIs(t, err, ErrMissingOrderID)

	assert.Zero(t, f.gateway.confirms.Load())
	assert.Equal(t, int64(0), f.balance(t))
	rec, err := f.store.Get(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
}

func TestConfirm_GatewayRejectionMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "O1")
	f.gateway.set(func(g *fakeGateway) { g.reject = "card_declined" })
	ctx := context.Background()

	res, err := f.confirmer.Confirm(ctx, ConfirmRequest{OrderID: "O1", GatewayRef: "pi_O1"})
	assert.ErrorIs(t, err, ErrGatewayRejected)
	require.NotNil(t, res)
	assert.False(t, res.Credited)
	assert.Equal(t, StatusFailed, res.Order.Status)
	assert.Equal(t, "card_declined", res.Order.FailureReason)

	// Failed is terminal; the gateway is not asked again.
	f.gateway.set(func(g *fakeGateway) { g.reject = "" })
	_, err = f.confirmer.Confirm(ctx, ConfirmRequest{OrderID: "O1", GatewayRef: "pi_O1"})
	assert.ErrorIs(t, err, ErrGatewayRejected)
	assert.Equal(t, int32(1), f.gateway.confirms.Load())
	assert.Equal(t, int64(0), f.balance(t))
}

func TestConfirm_UnknownOutcomeLeavesPending(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "O1")
	f.gateway.set(func(g *fakeGateway) { g.fail = errors.New("connection reset") })
	ctx := context.Background()

	_, err := f.confirmer.Confirm(ctx, ConfirmRequest{OrderID: "O1", GatewayRef: "pi_O1"})
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
	rec, err := f.store.Get(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)

	f.gateway.set(func(g *fakeGateway) { g.fail = nil })
	res, err := f.confirmer.Confirm(ctx, ConfirmRequest{OrderID: "O1", GatewayRef: "pi_O1"})
	require.NoError(t, err)
	assert.True(t, res.Credited)
	assert.Equal(t, int64(10000), f.balance(t))
}

func TestConfirm_TimeoutLeavesPending(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "O1")
	f.confirmer.cfg.GatewayTimeout = 20 * time.Millisecond
	f.gateway.delay = time.Second

	_, err := f.confirmer.Confirm(context.Background(), ConfirmRequest{OrderID: "O1"})
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
	rec, err := f.store.Get(context.Background(), "O1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
}

func TestConfirm_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "O1")
	f.gateway.set(func(g *fakeGateway) { g.fail = errors.New("503") })

	for i := 0; i < 5; i++ {
		_, err := f.confirmer.Confirm(context.Background(), ConfirmRequest{OrderID: "O1"})
		assert.ErrorIs(t, err, ErrGatewayUnavailable)
	}
	assert.Equal(t, int32(3), f.gateway.confirms.Load())
}

func TestRecoverUncredited(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "O1")
	ctx := context.Background()

	// Simulate a crash between the status flip and the credit.
	ok, err := f.store.MarkCompleted(ctx, "O1", "pi_O1", "ch_1", time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(0), f.balance(t))

	n, err := f.confirmer.RecoverUncredited(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(10000), f.balance(t))

	n, err = f.confirmer.RecoverUncredited(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, f.purchaseRows(t, "O1"))
}

func TestConfirm_FinishesUncreditedCompletedOrder(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "O1")
	ctx := context.Background()
	_, err := f.store.MarkCompleted(ctx, "O1", "pi_O1", "ch_1", time.Now().UTC())
	require.NoError(t, err)

	res, err := f.confirmer.Confirm(ctx, ConfirmRequest{OrderID: "O1"})
	require.NoError(t, err)
	assert.True(t, res.Credited)
	assert.Equal(t, int64(10000), f.balance(t))
	assert.Zero(t, f.gateway.confirms.Load())
}

func TestCreateOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.confirmer.CreateOrder(ctx, "alice", "starter")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, order.Record.Status)
	assert.Equal(t, int64(1000), order.Record.Amount)
	assert.Equal(t, int64(10000), order.Record.PointsToCredit)
	assert.Equal(t, "pi_"+order.Record.OrderID, order.Record.GatewayReference)
	assert.NotEmpty(t, order.ClientSecret)

	stored, err := f.store.GetByGatewayReference(ctx, order.Record.GatewayReference)
	require.NoError(t, err)
	assert.Equal(t, order.Record.OrderID, stored.OrderID)

	_, err = f.confirmer.CreateOrder(ctx, "alice", "mega")
	assert.ErrorIs(t, err, ErrUnknownPackage)
	_, err = f.confirmer.CreateOrder(ctx, "ghost", "starter")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	f.gateway.set(func(g *fakeGateway) { g.fail = errors.New("down") })
	_, err = f.confirmer.CreateOrder(ctx, "alice", "starter")
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
	orders, err := f.confirmer.ListForUser(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	statuses := []Status{orders[0].Status, orders[1].Status}
	assert.ElementsMatch(t, []Status{StatusPending, StatusFailed}, statuses)
}

func TestMarkFailed_OnlyAffectsPending(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "O1")
	f.seedOrder(t, "O2")
	ctx := context.Background()

	_, err := f.confirmer.Confirm(ctx, ConfirmRequest{OrderID: "O1"})
	require.NoError(t, err)
	require.NoError(t, f.confirmer.MarkFailed(ctx, "O1", "pi_O1", "card_declined"))
	rec, _ := f.store.Get(ctx, "O1")
	assert.Equal(t, StatusCompleted, rec.Status)

	assert.ErrorIs(t, f.confirmer.MarkFailed(ctx, "O2", "pi_other", "x"), ErrReferenceMismatch)
	require.NoError(t, f.confirmer.MarkFailed(ctx, "O2", "pi_O2", "card_declined"))
	rec, _ = f.store.Get(ctx, "O2")
	assert.Equal(t, StatusFailed, rec.Status)
}

func TestRefund(t *testing.T) {
	ctx := context.Background()

	t.Run("ok", func(t *testing.T) {
		f := newFixture(t)
		f.seedOrder(t, "O1")
		_, err := f.confirmer.Confirm(ctx, ConfirmRequest{OrderID: "O1"})
		require.NoError(t, err)

		rec, err := f.confirmer.Refund(ctx, "O1", "ops", "customer request")
		require.NoError(t, err)
		assert.Equal(t, StatusRefunded, rec.Status)
		assert.NotNil(t, rec.RefundedAt)
		assert.Equal(t, int64(0), f.balance(t))
		assert.Equal(t, int32(1), f.gateway.refunds.Load())

		_, err = f.confirmer.Refund(ctx, "O1", "ops", "again")
		assert.ErrorIs(t, err, ErrInvalidStatus)
	})

	t.Run("points already spent", func(t *testing.T) {
		f := newFixture(t)
		f.seedOrder(t, "O1")
		_, err := f.confirmer.Confirm(ctx, ConfirmRequest{OrderID: "O1"})
		require.NoError(t, err)
		_, err = f.ledger.ApplyDelta(ctx, ledger.Delta{UserID: "alice", Type: ledger.SpendDebit, Amount: 5000, CorrelationID: "K1"})
		require.NoError(t, err)

		rec, err := f.confirmer.Refund(ctx, "O1", "ops", "customer request")
		assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
		assert.Equal(t, int64(5000), f.balance(t))
		assert.Zero(t, f.gateway.refunds.Load())
		stored, _ := f.store.Get(ctx, rec.OrderID)
		assert.Equal(t, StatusCompleted, stored.Status)
	})

	t.Run("gateway refuses", func(t *testing.T) {
		f := newFixture(t)
		f.seedOrder(t, "O1")
		_, err := f.confirmer.Confirm(ctx, ConfirmRequest{OrderID: "O1"})
		require.NoError(t, err)
		f.gateway.set(func(g *fakeGateway) { g.refuseRefund = "charge_disputed" })

		_, err = f.confirmer.Refund(ctx, "O1", "ops", "customer request")
		assert.ErrorIs(t, err, ErrRefundRefused)
		assert.Equal(t, int64(10000), f.balance(t))
		stored, _ := f.store.Get(ctx, "O1")
		assert.Equal(t, StatusCompleted, stored.Status)

		sum, err := f.ledger.SumForUser(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(10000), sum)

		// A later attempt gets fresh correlation ids and succeeds.
		f.gateway.set(func(g *fakeGateway) { g.refuseRefund = "" })
		rec, err := f.confirmer.Refund(ctx, "O1", "ops", "retry")
		require.NoError(t, err)
		assert.Equal(t, StatusRefunded, rec.Status)
		assert.Equal(t, "re_pi_O1", rec.GatewayRefundID)
		assert.Equal(t, int64(0), f.balance(t))
	})

	t.Run("gateway times out after refunding", func(t *testing.T) {
		f := newFixture(t)
		f.confirmer.cfg.GatewayTimeout = 50 * time.Millisecond
		f.seedOrder(t, "O1")
		_, err := f.confirmer.Confirm(ctx, ConfirmRequest{OrderID: "O1"})
		require.NoError(t, err)
		f.gateway.set(func(g *fakeGateway) { g.refundDelay = 200 * time.Millisecond })

		rec, err := f.confirmer.Refund(ctx, "O1", "ops", "customer request")
		assert.ErrorIs(t, err, ErrRefundUnconfirmed)
		assert.Equal(t, int32(1), f.gateway.refunds.Load())
		// Points stay debited and the order stays refunded.
		assert.Equal(t, int64(0), f.balance(t))
		stored, _ := f.store.Get(ctx, rec.OrderID)
		assert.Equal(t, StatusRefunded, stored.Status)
		assert.True(t, stored.RefundUnconfirmed())

		// Asking again confirms the same refund without a second debit.
		f.gateway.set(func(g *fakeGateway) { g.refundDelay = 0 })
		rec, err = f.confirmer.Refund(ctx, "O1", "ops", "confirm")
		require.NoError(t, err)
		assert.Equal(t, int32(2), f.gateway.refunds.Load())
		assert.Equal(t, StatusRefunded, rec.Status)
		assert.False(t, rec.RefundUnconfirmed())
		assert.Equal(t, int64(0), f.balance(t))

		sum, err := f.ledger.SumForUser(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(0), sum)

		_, err = f.confirmer.Refund(ctx, "O1", "ops", "again")
		assert.ErrorIs(t, err, ErrInvalidStatus)
	})

	t.Run("gateway error keeps debit", func(t *testing.T) {
		f := newFixture(t)
		f.seedOrder(t, "O1")
		_, err := f.confirmer.Confirm(ctx, ConfirmRequest{OrderID: "O1"})
		require.NoError(t, err)
		f.gateway.set(func(g *fakeGateway) { g.refundErr = errors.New("connection reset") })

		_, err = f.confirmer.Refund(ctx, "O1", "ops", "customer request")
		assert.ErrorIs(t, err, ErrRefundUnconfirmed)
		assert.Equal(t, int64(0), f.balance(t))
		stored, _ := f.store.Get(ctx, "O1")
		assert.Equal(t, StatusRefunded, stored.Status)
	})

	t.Run("pending order", func(t *testing.T) {
		f := newFixture(t)
		f.seedOrder(t, "O1")
		_, err := f.confirmer.Refund(ctx, "O1", "ops", "x")
		assert.ErrorIs(t, err, ErrInvalidStatus)
	})
}

func TestConfirm_ManyOrdersIndependent(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.seedOrder(t, fmt.Sprintf("O%d", i))
	}
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.confirmer.Confirm(context.Background(), ConfirmRequest{OrderID: fmt.Sprintf("O%d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(50000), f.balance(t))
}
