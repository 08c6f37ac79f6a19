// Package reconciliation verifies that every balance equals the signed sum
// of its history and drives the recovery sweeps for spends and payments.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/pointledger/internal/idgen"
	"github.com/mbd888/pointledger/internal/ledger"
	"github.com/mbd888/pointledger/internal/spend"
)

var ErrAlreadyRunning = errors.New("reconciliation: run already in progress")

const (
	pageSize    = 500
	checkTries  = 3
	alertEvent  = "invariant.violation"
	freezeLabel = "balance does not match transaction history"
)

// SpendSweeper settles stale spend attempts.
type SpendSweeper interface {
	Sweep(ctx context.Context) (spend.SweepReport, error)
}

// PaymentRecoverer credits completed payments whose credit never landed.
type PaymentRecoverer interface {
	RecoverUncredited(ctx context.Context) (int, error)
}

// AlertSink forwards alerts to operators.
type AlertSink interface {
	Post(ctx context.Context, eventType string, data map[string]any) error
}

// Mismatch is one account whose balance disagrees with its history.
type Mismatch struct {
	UserID   string `json:"userId"`
	Balance  int64  `json:"balance"`
	Computed int64  `json:"computed"`
}

// Report summarises one reconciliation run.
type Report struct {
	AccountsChecked   int                `json:"accountsChecked"`
	LedgerMismatches  int                `json:"ledgerMismatches"`
	Mismatches        []Mismatch         `json:"mismatches"`
	NewlyFrozen       int                `json:"newlyFrozen"`
	SpendSweep        *spend.SweepReport `json:"spendSweep,omitempty"`
	PaymentsRecovered int                `json:"paymentsRecovered"`
	Errors            []string           `json:"errors,omitempty"`
	Healthy           bool               `json:"healthy"`
	DurationMs        int64              `json:"durationMs"`
	Timestamp         time.Time          `json:"timestamp"`
}

// Runner performs reconciliation. Only one run executes at a time.
type Runner struct {
	ledger    *ledger.Ledger
	alerts    AlertStore
	sweeper   SpendSweeper
	recoverer PaymentRecoverer
	sink      AlertSink
	logger    *slog.Logger
	now       func() time.Time
	running   atomic.Bool
}

// NewRunner creates a runner over the ledger that records alerts in alerts.
func NewRunner(l *ledger.Ledger, alerts AlertStore, logger *slog.Logger) *Runner {
	return &Runner{ledger: l, alerts: alerts, logger: logger, now: time.Now}
}

// WithSpendSweeper includes the stale-spend sweep in each run.
func (r *Runner) WithSpendSweeper(s SpendSweeper) *Runner {
	r.sweeper = s
	return r
}

// WithPaymentRecoverer includes the uncredited-payment sweep in each run.
func (r *Runner) WithPaymentRecoverer(p PaymentRecoverer) *Runner {
	r.recoverer = p
	return r
}

// WithAlertSink forwards new alerts to s.
func (r *Runner) WithAlertSink(s AlertSink) *Runner {
	r.sink = s
	return r
}

// RunAll runs the sweeps first, so settled obligations are reflected, then
// checks every account. Mismatches are frozen and alerted, never corrected.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer r.running.Store(false)

	start := r.now()
	rep := &Report{Mismatches: []Mismatch{}, Timestamp: start.UTC()}

	if r.sweeper != nil {
		sw, err := r.sweeper.Sweep(ctx)
		rep.SpendSweep = &sw
		if err != nil {
			rep.Errors = append(rep.Errors, "spend sweep: "+err.Error())
		}
	}
	if r.recoverer != nil {
		n, err := r.recoverer.RecoverUncredited(ctx)
		rep.PaymentsRecovered = n
		if err != nil {
			rep.Errors = append(rep.Errors, "payment recovery: "+err.Error())
		}
	}

	if err := r.checkBalances(ctx, rep); err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("reconciliation: scan balances: %w", err)
	}

	elapsed := r.now().Sub(start)
	rep.DurationMs = elapsed.Milliseconds()
	rep.Healthy = rep.LedgerMismatches == 0 && len(rep.Errors) == 0
	reconcileLedgerMismatches.Set(float64(rep.LedgerMismatches))
	reconcileDuration.Observe(elapsed.Seconds())
	if rep.SpendSweep != nil {
		reconcileSpendsSettled.Add(float64(rep.SpendSweep.Refunded + rep.SpendSweep.Abandoned))
	}
	reconcilePaymentsRecovered.Add(float64(rep.PaymentsRecovered))
	reconcileErrors.Add(float64(len(rep.Errors)))

	r.logger.Info("reconciliation complete",
		"accounts", rep.AccountsChecked, "mismatches", rep.LedgerMismatches,
		"payments_recovered", rep.PaymentsRecovered, "healthy", rep.Healthy,
		"duration_ms", rep.DurationMs)
	return rep, nil
}

func (r *Runner) checkBalances(ctx context.Context, rep *Report) error {
	after := ""
	for {
		page, err := r.ledger.ListBalances(ctx, after, pageSize)
		if err != nil {
			return err
		}
		for _, b := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			rep.AccountsChecked++
			m, err := r.checkAccount(ctx, b.UserID)
			if err != nil {
				rep.Errors = append(rep.Errors, fmt.Sprintf("check %s: %v", b.UserID, err))
				continue
			}
			if m == nil {
				continue
			}
			rep.LedgerMismatches++
			rep.Mismatches = append(rep.Mismatches, *m)
			if r.violation(ctx, b, m) {
				rep.NewlyFrozen++
			}
		}
		if len(page) < pageSize {
			return nil
		}
		after = page[len(page)-1].UserID
	}
}

// checkAccount compares the balance with the history sum. The balance is
// read on both sides of the sum; if it moved, the check is repeated so that
// in-flight deltas are not reported as violations.
func (r *Runner) checkAccount(ctx context.Context, userID string) (*Mismatch, error) {
	for i := 0; i < checkTries; i++ {
		before, err := r.ledger.Balance(ctx, userID)
		if err != nil {
			return nil, err
		}
		sum, err := r.ledger.SumForUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		after, err := r.ledger.Balance(ctx, userID)
		if err != nil {
			return nil, err
		}
		if before.Points != after.Points || !before.UpdatedAt.Equal(after.UpdatedAt) {
			continue
		}
		if after.Points == sum {
			return nil, nil
		}
		return &Mismatch{UserID: userID, Balance: after.Points, Computed: sum}, nil
	}
	// Busy account; the next run will get it.
	return nil, nil
}

// violation freezes the account and records an alert. Accounts already
// frozen are not re-alerted. It reports whether the account was newly frozen.
func (r *Runner) violation(ctx context.Context, b *ledger.Balance, m *Mismatch) bool {
	r.logger.Error("CRITICAL: ledger invariant violation",
		"user_id", m.UserID, "balance", m.Balance, "computed", m.Computed)
	if b.Frozen() {
		return false
	}

	if err := r.ledger.Freeze(ctx, m.UserID, freezeLabel); err != nil {
		r.logger.Error("CRITICAL: failed to freeze account", "user_id", m.UserID, "error", err)
	}

	alert := &Alert{
		ID:        idgen.WithPrefix("alert_"),
		UserID:    m.UserID,
		Kind:      KindBalanceMismatch,
		Message:   fmt.Sprintf("balance %d does not match transaction sum %d", m.Balance, m.Computed),
		Expected:  m.Computed,
		Actual:    m.Balance,
		CreatedAt: r.now().UTC().Truncate(time.Microsecond),
	}
	if err := r.alerts.Record(ctx, alert); err != nil {
		r.logger.Error("CRITICAL: failed to record invariant alert", "user_id", m.UserID, "error", err)
	}
	alertsRaised.Inc()

	if r.sink != nil {
		err := r.sink.Post(ctx, alertEvent, map[string]any{
			"alertId":  alert.ID,
			"userId":   alert.UserID,
			"kind":     alert.Kind,
			"expected": alert.Expected,
			"actual":   alert.Actual,
			"message":  alert.Message,
		})
		if err != nil {
			r.logger.Error("failed to deliver invariant alert", "alert_id", alert.ID, "error", err)
		}
	}
	return true
}
