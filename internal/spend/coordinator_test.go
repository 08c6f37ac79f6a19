package spend

import (
	"bytes"
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/pointledger/internal/ledger"
	"github.com/mbd888/pointledger/internal/logging"
	"github.com/mbd888/pointledger/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// refundFailingStore fails refund credits with a transient error while
// failing is set.
type refundFailingStore struct {
	*ledger.MemoryStore
	failing atomic.Bool
}

func (s *refundFailingStore) ApplyDelta(ctx context.Context, d ledger.Delta, now time.Time) (*ledger.Transaction, error) {
	if d.Type == ledger.RefundCredit && s.failing.Load() {
		return nil, driver.ErrBadConn
	}
	return s.MemoryStore.ApplyDelta(ctx, d, now)
}

// flakyStore reports a pending refund from the pendingFrom-th check on and
// can fail every state transition.
type flakyStore struct {
	*MemoryStore
	checks          atomic.Int32
	pendingFrom     int32
	failTransitions atomic.Bool
}

func (s *flakyStore) HasPendingRefund(ctx context.Context, userID string) (bool, error) {
	if n := s.checks.Add(1); s.pendingFrom > 0 && n >= s.pendingFrom {
		return true, nil
	}
	return s.MemoryStore.HasPendingRefund(ctx, userID)
}

func (s *flakyStore) Transition(ctx context.Context, userID, key string, from []State, to State, u Update) error {
	if s.failTransitions.Load() {
		return errors.New("attempt store unavailable")
	}
	return s.MemoryStore.Transition(ctx, userID, key, from, to, u)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	ledger *ledger.Ledger
	lstore *refundFailingStore
	store  *MemoryStore
	coord  *Coordinator
}

func newFixture(t *testing.T, balance int64) *fixture {
	t.Helper()
	lstore := &refundFailingStore{MemoryStore: ledger.NewMemoryStore()}
	l := ledger.New(lstore, logging.Discard(),
		ledger.WithRetryPolicy(retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}))
	ctx := context.Background()
	_, err := l.OpenAccount(ctx, "alice", 0)
	require.NoError(t, err)
	if balance > 0 {
		_, err = l.ApplyDelta(ctx, ledger.Delta{UserID: "alice", Type: ledger.PurchaseCredit, Amount: balance, CorrelationID: "O-seed"})
		require.NoError(t, err)
	}

	store := NewMemoryStore()
	coord := NewCoordinator(l, store, Config{
		ActionTimeout: 200 * time.Millisecond,
		StaleAfter:    time.Minute,
		Refund:        retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
	}, logging.Discard())
	return &fixture{ledger: l, lstore: lstore, store: store, coord: coord}
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	p, err := f.ledger.GetBalance(context.Background(), "alice")
	require.NoError(t, err)
	return p
}

func succeed(ref string) Action {
	return func(context.Context) (string, error) { return ref, nil }
}

func fail() Action {
	return func(context.Context) (string, error) { return "", errors.New("generator exploded") }
}

func TestRequestSpend_Commit(t *testing.T) {
	f := newFixture(t, 10000)
	out, err := f.coord.RequestSpend(context.Background(), Request{
		UserID: "alice", Cost: 200, IdempotencyKey: "K1", ActionName: "quiz", Action: succeed("artifact-1"),
	})
	require.NoError(t, err)
	assert.Equal(t, Committed, out.State)
	assert.Equal(t, "artifact-1", out.Artifact)
	assert.False(t, out.Replayed)
	assert.Equal(t, int64(9800), f.balance(t))

	a, err := f.coord.Get(context.Background(), "alice", "K1")
	require.NoError(t, err)
	assert.Equal(t, Committed, a.State)
}

func TestRequestSpend_FailedActionRefundsExactly(t *testing.T) {
	f := newFixture(t, 10000)
	out, err := f.coord.RequestSpend(context.Background(), Request{
		UserID: "alice", Cost: 200, IdempotencyKey: "K1", Action: fail(),
	})
	assert.ErrorIs(t, err, ErrActionFailed)
	require.NotNil(t, out)
	assert.Equal(t, Refunded, out.State)
	assert.Equal(t, causeActionFailed, out.Failure)
	assert.Equal(t, int64(10000), f.balance(t))

	txns, err := f.ledger.ListByCorrelation(context.Background(), "alice", "K1")
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, ledger.SpendDebit, txns[0].Type)
	assert.Equal(t, int64(-200), txns[0].Signed())
	assert.Equal(t, ledger.RefundCredit, txns[1].Type)
	assert.Equal(t, int64(200), txns[1].Signed())
}

func TestRequestSpend_ReplayDoesNotRerun(t *testing.T) {
	f := newFixture(t, 1000)
	var runs atomic.Int32
	action := func(context.Context) (string, error) {
		runs.Add(1)
		return "a", nil
	}
	req := Request{UserID: "alice", Cost: 100, IdempotencyKey: "K1", Action: action}

	_, err := f.coord.RequestSpend(context.Background(), req)
	require.NoError(t, err)
	out, err := f.coord.RequestSpend(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, out.Replayed)
	assert.Equal(t, Committed, out.State)
	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, int64(900), f.balance(t))

	req.Cost = 150
	_, err = f.coord.RequestSpend(context.Background(), req)
	assert.ErrorIs(t, err, ErrKeyReused)
}

func TestRequestSpend_SameKeyAttachesToInflight(t *testing.T) {
	f := newFixture(t, 1000)
	release := make(chan struct{})
	started := make(chan struct{})
	var runs atomic.Int32
	action := func(ctx context.Context) (string, error) {
		if runs.Add(1) == 1 {
			close(started)
		}
		<-release
		return "shared", nil
	}
	req := Request{UserID: "alice", Cost: 100, IdempotencyKey: "K1", Action: action}

	var wg sync.WaitGroup
	results := make([]*Outcome, 5)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = f.coord.RequestSpend(context.Background(), req)
	}()
	<-started
	for i := 1; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = f.coord.RequestSpend(context.Background(), req)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), runs.Load())
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, "shared", r.Artifact)
	}
	assert.Equal(t, int64(900), f.balance(t))
}

func TestRequestSpend_NoOverdraftAcrossKeys(t *testing.T) {
	f := newFixture(t, 1000)
	var wg sync.WaitGroup
	var committed, insufficient atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.coord.RequestSpend(context.Background(), Request{
				UserID: "alice", Cost: 100, IdempotencyKey: fmt.Sprintf("K%d", i),
				Action: func(context.Context) (string, error) {
					time.Sleep(5 * time.Millisecond)
					return "ok", nil
				},
			})
			switch {
			case err == nil:
				committed.Add(1)
			case errors.Is(err, ledger.ErrInsufficientBalance):
				insufficient.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(10), committed.Load())
	assert.Equal(t, int32(10), insufficient.Load())
	assert.Equal(t, int64(0), f.balance(t))
}

func TestRequestSpend_InsufficientIsAbandoned(t *testing.T) {
	f := newFixture(t, 50)
	out, err := f.coord.RequestSpend(context.Background(), Request{
		UserID: "alice", Cost: 100, IdempotencyKey: "K1", Action: succeed("x"),
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Equal(t, Abandoned, out.State)
	assert.Equal(t, int64(50), f.balance(t))

	_, err = f.coord.RequestSpend(context.Background(), Request{
		UserID: "alice", Cost: 100, IdempotencyKey: "K1", Action: succeed("x"),
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

func TestRequestSpend_TimeoutRefunds(t *testing.T) {
	f := newFixture(t, 500)
	out, err := f.coord.RequestSpend(context.Background(), Request{
		UserID: "alice", Cost: 100, IdempotencyKey: "K1",
		Action: func(ctx context.Context) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	})
	assert.ErrorIs(t, err, ErrActionFailed)
	assert.Equal(t, causeTimeout, out.Failure)
	assert.Equal(t, int64(500), f.balance(t))
}

func TestRequestSpend_ActionIgnoringContextStillTimesOut(t *testing.T) {
	f := newFixture(t, 500)
	start := time.Now()
	_, err := f.coord.RequestSpend(context.Background(), Request{
		UserID: "alice", Cost: 100, IdempotencyKey: "K1",
		Action: func(context.Context) (string, error) {
			time.Sleep(2 * time.Second)
			return "late", nil
		},
	})
	assert.ErrorIs(t, err, ErrActionFailed)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int64(500), f.balance(t))
}

func TestRequestSpend_CallerCancelAfterDeductRefunds(t *testing.T) {
	f := newFixture(t, 500)
	ctx, cancel := context.WithCancel(context.Background())
	out, err := f.coord.RequestSpend(ctx, Request{
		UserID: "alice", Cost: 100, IdempotencyKey: "K1",
		Action: func(actx context.Context) (string, error) {
			cancel()
			<-actx.Done()
			return "", actx.Err()
		},
	})
	assert.ErrorIs(t, err, ErrActionFailed)
	assert.Equal(t, Refunded, out.State)
	assert.Equal(t, causeCancelled, out.Failure)
	assert.Equal(t, int64(500), f.balance(t))
}

func TestRequestSpend_PanicRefunds(t *testing.T) {
	f := newFixture(t, 500)
	_, err := f.coord.RequestSpend(context.Background(), Request{
		UserID: "alice", Cost: 100, IdempotencyKey: "K1",
		Action: func(context.Context) (string, error) { panic("boom") },
	})
	assert.ErrorIs(t, err, ErrActionFailed)
	assert.Equal(t, int64(500), f.balance(t))
}

func TestRequestSpend_RefundPendingBlocksUntilSwept(t *testing.T) {
	f := newFixture(t, 500)
	ctx := context.Background()
	f.lstore.failing.Store(true)

	out, err := f.coord.RequestSpend(ctx, Request{UserID: "alice", Cost: 100, IdempotencyKey: "K1", Action: fail()})
	assert.ErrorIs(t, err, ErrRefundPending)
	assert.Equal(t, RefundPending, out.State)
	assert.Equal(t, int64(400), f.balance(t))

	_, err = f.coord.RequestSpend(ctx, Request{UserID: "alice", Cost: 10, IdempotencyKey: "K2", Action: succeed("x")})
	assert.ErrorIs(t, err, ErrRefundPending)

	f.lstore.failing.Store(false)
	a, err := f.coord.Resolve(ctx, "alice", "K1")
	require.NoError(t, err)
	assert.Equal(t, Refunded, a.State)
	assert.Equal(t, int64(500), f.balance(t))

	_, err = f.coord.RequestSpend(ctx, Request{UserID: "alice", Cost: 10, IdempotencyKey: "K2", Action: succeed("x")})
	assert.NoError(t, err)
}

func TestRequestSpend_RefundParkedAfterFirstCheck(t *testing.T) {
	f := newFixture(t, 500)
	store := &flakyStore{MemoryStore: NewMemoryStore(), pendingFrom: 2}
	coord := NewCoordinator(f.ledger, store, Config{ActionTimeout: time.Second, StaleAfter: time.Minute}, logging.Discard())
	ran := false

	out, err := coord.RequestSpend(context.Background(), Request{
		UserID: "alice", Cost: 100, IdempotencyKey: "K1",
		Action: func(context.Context) (string, error) {
			ran = true
			return "x", nil
		},
	})
	assert.ErrorIs(t, err, ErrRefundPending)
	assert.Equal(t, Abandoned, out.State)
	assert.False(t, ran)
	assert.Equal(t, int64(500), f.balance(t))

	a, err := store.Get(context.Background(), "alice", "K1")
	require.NoError(t, err)
	assert.Equal(t, causeRefundPending, a.Failure)

	_, err = coord.RequestSpend(context.Background(), Request{
		UserID: "alice", Cost: 100, IdempotencyKey: "K1", Action: succeed("x"),
	})
	assert.ErrorIs(t, err, ErrRefundPending)
}

func TestRequestSpend_AbandonWriteFailureIsLogged(t *testing.T) {
	f := newFixture(t, 50)
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	store.failTransitions.Store(true)
	var logs lockedBuffer
	coord := NewCoordinator(f.ledger, store, Config{ActionTimeout: time.Second, StaleAfter: time.Minute},
		logging.NewWithWriter(&logs, "info", "json"))

	out, err := coord.RequestSpend(context.Background(), Request{
		UserID: "alice", Cost: 100, IdempotencyKey: "K1", Action: succeed("x"),
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Equal(t, Requested, out.State)
	assert.Equal(t, causeInsufficient, out.Failure)
	assert.Contains(t, logs.String(), "spend could not abandon attempt")
	assert.Contains(t, logs.String(), "attempt store unavailable")

	// The sweep settles it once the store recovers.
	a, err := store.Get(context.Background(), "alice", "K1")
	require.NoError(t, err)
	assert.Equal(t, Requested, a.State)
}

func TestSweep_SettlesStaleAttempts(t *testing.T) {
	f := newFixture(t, 500)
	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour)

	// Crashed before the debit landed.
	_, _, err := f.store.Create(ctx, &Attempt{UserID: "alice", IdempotencyKey: "lost", Cost: 50, State: Requested, CreatedAt: old, UpdatedAt: old})
	require.NoError(t, err)

	// Crashed after the debit but before resolving.
	_, _, err = f.store.Create(ctx, &Attempt{UserID: "alice", IdempotencyKey: "stuck", Cost: 70, State: Deducted, CreatedAt: old, UpdatedAt: old})
	require.NoError(t, err)
	_, err = f.ledger.ApplyDelta(ctx, ledger.Delta{UserID: "alice", Type: ledger.SpendDebit, Amount: 70, CorrelationID: "stuck"})
	require.NoError(t, err)
	require.Equal(t, int64(430), f.balance(t))

	// Fresh attempts are left alone.
	now := time.Now().UTC()
	_, _, err = f.store.Create(ctx, &Attempt{UserID: "alice", IdempotencyKey: "fresh", Cost: 10, State: Requested, CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)

	rep, err := f.coord.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Scanned)
	assert.Equal(t, 1, rep.Abandoned)
	assert.Equal(t, 1, rep.Refunded)
	assert.Equal(t, int64(500), f.balance(t))

	lost, err := f.coord.Get(ctx, "alice", "lost")
	require.NoError(t, err)
	assert.Equal(t, Abandoned, lost.State)

	fresh, err := f.coord.Get(ctx, "alice", "fresh")
	require.NoError(t, err)
	assert.Equal(t, Requested, fresh.State)

	// A second pass finds nothing to do.
	rep, err = f.coord.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Scanned)
}

func TestRequestSpend_Validation(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.coord.RequestSpend(context.Background(), Request{UserID: "alice", Cost: 0, IdempotencyKey: "K", Action: succeed("")})
	assert.ErrorIs(t, err, ErrInvalidCost)
	_, err = f.coord.RequestSpend(context.Background(), Request{UserID: "alice", Cost: 1, Action: succeed("")})
	assert.ErrorIs(t, err, ErrMissingKey)
	_, err = f.coord.RequestSpend(context.Background(), Request{UserID: "alice", Cost: 1, IdempotencyKey: "K"})
	assert.ErrorIs(t, err, ErrMissingAction)
}

func TestRequestSpend_ActionSeesSpendKey(t *testing.T) {
	f := newFixture(t, 500)
	var seen string
	out, err := f.coord.RequestSpend(context.Background(), Request{
		UserID: "alice", Cost: 10, IdempotencyKey: "K-ctx",
		Action: func(ctx context.Context) (string, error) {
			seen, _ = KeyFromContext(ctx)
			return "ok", nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, Committed, out.State)
	assert.Equal(t, "alice/K-ctx", seen)
}
