// Package admin provides privileged point adjustments and the operator
// endpoints for resolving stuck financial state.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/mbd888/pointledger/internal/idgen"
	"github.com/mbd888/pointledger/internal/ledger"
)

var (
	ErrReasonRequired   = errors.New("admin: reason is required")
	ErrInvalidDirection = errors.New("admin: direction must be credit or debit")
	ErrInvalidTarget    = errors.New("admin: target points must be non-negative")
)

// Direction of a manual adjustment.
type Direction string

const (
	Credit Direction = "credit"
	Debit  Direction = "debit"
)

const (
	bulkPageSize    = 200
	bulkMaxAttempts = 5
)

// Service applies manual adjustments through the ledger's atomic primitive.
type Service struct {
	ledger *ledger.Ledger
	logger *slog.Logger
}

func NewService(l *ledger.Ledger, logger *slog.Logger) *Service {
	return &Service{ledger: l, logger: logger}
}

// Adjustment is one manual change requested by an admin.
type Adjustment struct {
	AdminID   string
	UserID    string
	Direction Direction
	Amount    int64
	Reason    string
	// IdempotencyKey makes a retried request a no-op. When empty each call
	// gets a fresh correlation id.
	IdempotencyKey string
}

// Adjust appends exactly one admin_credit or admin_debit. Debits use the
// same insufficient-balance guard as spends.
func (s *Service) Adjust(ctx context.Context, adj Adjustment) (*ledger.Transaction, error) {
	reason := strings.TrimSpace(adj.Reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}
	var typ ledger.TxnType
	switch adj.Direction {
	case Credit:
		typ = ledger.AdminCredit
	case Debit:
		typ = ledger.AdminDebit
	default:
		return nil, ErrInvalidDirection
	}
	corr := "adj:" + idgen.New()
	if adj.IdempotencyKey != "" {
		corr = "adj:" + adj.IdempotencyKey
	}

	txn, err := s.ledger.ApplyDelta(ctx, ledger.Delta{
		UserID:        adj.UserID,
		Type:          typ,
		Amount:        adj.Amount,
		Reason:        reason,
		CorrelationID: corr,
		ActorID:       adj.AdminID,
	})
	if errors.Is(err, ledger.ErrDuplicateTransaction) && adj.IdempotencyKey != "" {
		return s.replayed(ctx, adj.UserID, typ, corr)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("admin adjustment applied",
		"admin_id", adj.AdminID, "user_id", adj.UserID, "type", typ, "amount", adj.Amount,
		"balance_after", txn.BalanceAfter, "reason", reason)
	return txn, nil
}

// replayed returns the transaction an earlier call with the same key wrote.
func (s *Service) replayed(ctx context.Context, userID string, typ ledger.TxnType, corr string) (*ledger.Transaction, error) {
	txns, err := s.ledger.ListByCorrelation(ctx, userID, corr)
	if err != nil {
		return nil, err
	}
	for _, t := range txns {
		if t.Type == typ {
			return t, nil
		}
	}
	// Same key used for the opposite direction.
	return nil, ledger.ErrDuplicateTransaction
}

// OpenAccount creates userID's balance with the signup grant.
func (s *Service) OpenAccount(ctx context.Context, userID string, grant int64) (*ledger.Balance, error) {
	return s.ledger.OpenAccount(ctx, userID, grant)
}

// Unfreeze clears an invariant-violation freeze after manual review.
func (s *Service) Unfreeze(ctx context.Context, adminID, userID, reason string) (*ledger.Balance, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, ErrReasonRequired
	}
	if err := s.ledger.Unfreeze(ctx, userID); err != nil {
		return nil, err
	}
	s.logger.Warn("account unfrozen", "admin_id", adminID, "user_id", userID, "reason", reason)
	return s.ledger.Balance(ctx, userID)
}

// BulkFailure names a user the bulk set could not update.
type BulkFailure struct {
	UserID string `json:"userId"`
	Error  string `json:"error"`
}

// BulkReport summarises a BulkSet run.
type BulkReport struct {
	RunID     string        `json:"runId"`
	Target    int64         `json:"targetPoints"`
	Updated   int           `json:"updated"`
	Unchanged int           `json:"unchanged"`
	Failed    []BulkFailure `json:"failed"`
}

// BulkSet moves every account to target points. Each changed account gets
// one admin_credit or admin_debit for the difference, applied only if the
// balance still holds the value it was computed from; a concurrent change
// recomputes the delta.
func (s *Service) BulkSet(ctx context.Context, adminID string, target int64, reason string) (*BulkReport, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}
	if target < 0 {
		return nil, ErrInvalidTarget
	}
	rep := &BulkReport{RunID: idgen.WithPrefix("bulk_"), Target: target, Failed: []BulkFailure{}}

	after := ""
	for {
		page, err := s.ledger.ListBalances(ctx, after, bulkPageSize)
		if err != nil {
			return rep, err
		}
		for _, b := range page {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			changed, err := s.setOne(ctx, rep.RunID, adminID, b.UserID, target, reason)
			switch {
			case err != nil:
				rep.Failed = append(rep.Failed, BulkFailure{UserID: b.UserID, Error: err.Error()})
			case changed:
				rep.Updated++
			default:
				rep.Unchanged++
			}
		}
		if len(page) < bulkPageSize {
			break
		}
		after = page[len(page)-1].UserID
	}

	s.logger.Info("bulk set complete",
		"admin_id", adminID, "run_id", rep.RunID, "target", target,
		"updated", rep.Updated, "unchanged", rep.Unchanged, "failed", len(rep.Failed))
	return rep, nil
}

func (s *Service) setOne(ctx context.Context, runID, adminID, userID string, target int64, reason string) (bool, error) {
	for attempt := 0; attempt < bulkMaxAttempts; attempt++ {
		b, err := s.ledger.Balance(ctx, userID)
		if err != nil {
			return false, err
		}
		diff := target - b.Points
		if diff == 0 {
			return false, nil
		}
		typ, amount := ledger.AdminCredit, diff
		if diff < 0 {
			typ, amount = ledger.AdminDebit, -diff
		}
		expected := b.Points
		_, err = s.ledger.ApplyDelta(ctx, ledger.Delta{
			UserID:         userID,
			Type:           typ,
			Amount:         amount,
			Reason:         reason,
			CorrelationID:  runID,
			ActorID:        adminID,
			ExpectedPoints: &expected,
		})
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, ledger.ErrConflict), errors.Is(err, ledger.ErrInsufficientBalance):
			// Balance moved underneath us; recompute.
			continue
		default:
			return false, err
		}
	}
	return false, ledger.ErrConflict
}
