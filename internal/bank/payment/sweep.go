package payment

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/harborpay/corebank/internal/bank/store"
)

// SweepExpired closes out PENDING transactions whose codes expired long
// enough ago that no client is coming back to resend. A transaction whose
// code is still valid, or inside the grace window, is left alone. Returns how
// many transactions were marked FAILED.
func (c *Coordinator) SweepExpired(ctx context.Context) (int, error) {
	now := c.now()
	cutoff := now.Add(-(c.codeTTL() + c.sweepGrace()))
	pending, err := c.Store.ListPendingCreatedBefore(ctx, cutoff)
	if err != nil {
		c.Metrics.ObserveSweep(0, err)
		return 0, err
	}

	failed := 0
	for _, txn := range pending {
		code, err := c.Store.GetCode(ctx, txn.TransactionID)
		if err == nil && now.Before(code.ExpireAt.Add(c.sweepGrace())) {
			// A resend refreshed the code; the transaction is still live.
			continue
		}
		if err != nil && !errors.Is(err, store.ErrCodeNotFound) {
			c.Metrics.ObserveSweep(failed, err)
			return failed, err
		}
		err = c.Store.MarkTransactionFailed(ctx, txn.TransactionID, "confirmation window expired")
		if errors.Is(err, store.ErrTransactionTerminal) {
			// Confirmed between the list and the mark; nothing to do.
			continue
		}
		if err != nil {
			c.Metrics.ObserveSweep(failed, err)
			return failed, err
		}
		_ = c.Store.DeleteCode(ctx, txn.TransactionID)
		failed++
	}
	if failed > 0 {
		log.Printf("level=info component=payment msg=\"expired pending transactions swept\" count=%d cutoff=%s", failed, cutoff.Format(time.RFC3339))
	}
	c.Metrics.ObserveSweep(failed, nil)
	return failed, nil
}
