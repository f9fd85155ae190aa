package payment

import (
	"context"
	"fmt"

	"github.com/harborpay/corebank/internal/bank/ledger"
	"github.com/harborpay/corebank/internal/bank/store"
	"github.com/harborpay/corebank/internal/bank/txlog"
)

// DirectDebitRequest is the single-phase purchase path: gate, optional PIN
// check, then an immediate debit. Kinds that complete at point of sale
// (airtime, data bundles) use this instead of the two-phase protocol.
type DirectDebitRequest struct {
	UserID      string
	AccountID   string
	AmountMinor int64
	Kind        store.TransactionKind
	// PIN, when non-empty, is verified before the debit. An empty PIN skips
	// verification; callers decide per product whether a PIN is required.
	PIN string
}

type DirectDebitResult struct {
	TransactionID     string
	BalanceAfterMinor int64
}

func (c *Coordinator) DirectDebit(ctx context.Context, req DirectDebitRequest) (DirectDebitResult, error) {
	if req.AmountMinor <= 0 {
		return DirectDebitResult{}, fmt.Errorf("payment amount must be positive, got %d", req.AmountMinor)
	}
	if err := c.Gate.Check(ctx, req.UserID); err != nil {
		return DirectDebitResult{}, err
	}
	if req.PIN != "" {
		if c.PINs == nil {
			return DirectDebitResult{}, fmt.Errorf("pin submitted but no pin service configured")
		}
		if err := c.PINs.VerifyPIN(ctx, req.UserID, req.PIN); err != nil {
			return DirectDebitResult{}, err
		}
	}

	receipt, err := c.Engine.Debit(ctx, ledger.DebitRequest{
		AccountID:   req.AccountID,
		OwnerID:     req.UserID,
		AmountMinor: req.AmountMinor,
		Kind:        req.Kind,
	})
	if err != nil {
		return DirectDebitResult{}, err
	}

	c.Notifier.Notify(txlog.Event{
		UserID:            req.UserID,
		AccountID:         req.AccountID,
		Direction:         txlog.DirectionOut,
		AmountMinor:       req.AmountMinor,
		BalanceAfterMinor: receipt.BalanceAfterMinor,
		TransactionID:     receipt.TransactionID,
		CreatedAt:         receipt.CommittedAt,
	})
	return DirectDebitResult{TransactionID: receipt.TransactionID, BalanceAfterMinor: receipt.BalanceAfterMinor}, nil
}
