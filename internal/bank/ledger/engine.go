// Package ledger holds the only code path permitted to change an account
// balance. Every mutation is an optimistic read-check-write cycle against the
// store's conditional commit: on interleaving writers the whole cycle re-runs
// against the latest record, so sufficiency is always rechecked against the
// value that will actually be overwritten.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/harborpay/corebank/internal/bank/store"
	"github.com/harborpay/corebank/internal/platform/audit"
	"github.com/harborpay/corebank/internal/platform/clock"
	"github.com/harborpay/corebank/internal/platform/metrics"
)

var (
	ErrAccountLocked     = errors.New("account is locked")
	ErrOwnershipMismatch = errors.New("account is not owned by the requesting user")
	// ErrRetryExhausted is transient: no partial state was committed and the
	// whole operation is safe to retry.
	ErrRetryExhausted = errors.New("conditional write retries exhausted")
)

// InsufficientFundsError reports both sides of the failed sufficiency check.
type InsufficientFundsError struct {
	RequiredMinor  int64
	AvailableMinor int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required %d, available %d", e.RequiredMinor, e.AvailableMinor)
}

const defaultMaxAttempts = 8

type Engine struct {
	Accounts store.AccountStore
	// Transactions is needed only for debits that flip a PENDING transaction;
	// the pending record supplies the original CreatedAt and Kind.
	Transactions store.TransactionStore
	Clock        clock.Clock
	Metrics      *metrics.Metrics
	Audit        *audit.Log
	// MaxAttempts bounds the read-check-write loop. Zero means the default.
	MaxAttempts int
}

// DebitRequest describes one balance reduction. When PendingTransactionID is
// set the commit flips that PENDING transaction to SUCCESS; otherwise the
// engine mints a new SUCCESS transaction. Either way the transaction record
// lands in the same conditional commit as the balance write, so there is no
// window where money has moved with no record.
type DebitRequest struct {
	AccountID            string
	OwnerID              string
	AmountMinor          int64
	Kind                 store.TransactionKind
	PendingTransactionID string
}

type CreditRequest struct {
	AccountID   string
	OwnerID     string
	AmountMinor int64
	Kind        store.TransactionKind
}

// Receipt reports the committed mutation.
type Receipt struct {
	TransactionID     string
	BalanceAfterMinor int64
	CommittedAt       time.Time
}

func (e *Engine) now() time.Time {
	if e.Clock == nil {
		return time.Now().UTC()
	}
	return e.Clock.Now().UTC()
}

func (e *Engine) maxAttempts() int {
	if e.MaxAttempts <= 0 {
		return defaultMaxAttempts
	}
	return e.MaxAttempts
}

func (e *Engine) Debit(ctx context.Context, req DebitRequest) (Receipt, error) {
	if req.AmountMinor <= 0 {
		e.Metrics.ObserveDebit("invalid")
		return Receipt{}, fmt.Errorf("debit amount must be positive, got %d", req.AmountMinor)
	}

	for attempt := 0; attempt < e.maxAttempts(); attempt++ {
		if attempt > 0 {
			e.Metrics.ObserveDebitRetry()
		}

		acct, err := e.Accounts.GetAccount(ctx, req.AccountID)
		if err != nil {
			e.Metrics.ObserveDebit("not_found")
			return Receipt{}, err
		}
		if acct.OwnerID != req.OwnerID {
			e.Metrics.ObserveDebit("ownership_mismatch")
			e.auditDenied(req.OwnerID, acct.AccountID, "debit", "ownership mismatch")
			return Receipt{}, ErrOwnershipMismatch
		}
		if acct.Status == store.AccountLocked {
			e.Metrics.ObserveDebit("locked")
			e.auditDenied(req.OwnerID, acct.AccountID, "debit", "account locked")
			return Receipt{}, ErrAccountLocked
		}
		if acct.BalanceMinor < req.AmountMinor {
			e.Metrics.ObserveDebit("insufficient_funds")
			e.auditDenied(req.OwnerID, acct.AccountID, "debit", "insufficient funds")
			return Receipt{}, &InsufficientFundsError{
				RequiredMinor:  req.AmountMinor,
				AvailableMinor: acct.BalanceMinor,
			}
		}

		now := e.now()
		txn := store.Transaction{
			TransactionID: req.PendingTransactionID,
			AccountID:     acct.AccountID,
			UserID:        req.OwnerID,
			AmountMinor:   req.AmountMinor,
			Kind:          req.Kind,
			Status:        store.TransactionSuccess,
			CreatedAt:     now,
			ConfirmedAt:   now,
		}
		if req.PendingTransactionID != "" {
			if e.Transactions == nil {
				return Receipt{}, errors.New("ledger: pending commit requires a transaction store")
			}
			pending, err := e.Transactions.GetTransaction(ctx, req.PendingTransactionID)
			if err != nil {
				return Receipt{}, err
			}
			txn.CreatedAt = pending.CreatedAt
			txn.Kind = pending.Kind
		} else {
			txn.TransactionID = uuid.NewString()
		}

		newBalance := acct.BalanceMinor - req.AmountMinor
		err = e.Accounts.CommitBalance(ctx, store.BalanceCommit{
			AccountID:       acct.AccountID,
			ExpectedVersion: acct.Version,
			NewBalanceMinor: newBalance,
			Transaction:     txn,
		})
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			e.Metrics.ObserveDebit("error")
			return Receipt{}, err
		}

		e.Metrics.ObserveDebit("ok")
		e.auditMutation(req.OwnerID, acct, newBalance, "debit", txn.TransactionID)
		return Receipt{TransactionID: txn.TransactionID, BalanceAfterMinor: newBalance, CommittedAt: now}, nil
	}

	e.Metrics.ObserveDebit("retry_exhausted")
	return Receipt{}, ErrRetryExhausted
}

// Credit adds funds. It reuses the same conditional commit so deposits and
// refunds never race a debit into an inconsistent state.
func (e *Engine) Credit(ctx context.Context, req CreditRequest) (Receipt, error) {
	if req.AmountMinor <= 0 {
		e.Metrics.ObserveCredit("invalid")
		return Receipt{}, fmt.Errorf("credit amount must be positive, got %d", req.AmountMinor)
	}

	for attempt := 0; attempt < e.maxAttempts(); attempt++ {
		acct, err := e.Accounts.GetAccount(ctx, req.AccountID)
		if err != nil {
			e.Metrics.ObserveCredit("not_found")
			return Receipt{}, err
		}
		if acct.OwnerID != req.OwnerID {
			e.Metrics.ObserveCredit("ownership_mismatch")
			return Receipt{}, ErrOwnershipMismatch
		}

		now := e.now()
		txn := store.Transaction{
			TransactionID: uuid.NewString(),
			AccountID:     acct.AccountID,
			UserID:        req.OwnerID,
			AmountMinor:   req.AmountMinor,
			Kind:          req.Kind,
			Status:        store.TransactionSuccess,
			CreatedAt:     now,
			ConfirmedAt:   now,
		}
		newBalance := acct.BalanceMinor + req.AmountMinor
		err = e.Accounts.CommitBalance(ctx, store.BalanceCommit{
			AccountID:       acct.AccountID,
			ExpectedVersion: acct.Version,
			NewBalanceMinor: newBalance,
			Transaction:     txn,
		})
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			e.Metrics.ObserveCredit("error")
			return Receipt{}, err
		}

		e.Metrics.ObserveCredit("ok")
		e.auditMutation(req.OwnerID, acct, newBalance, "credit", txn.TransactionID)
		return Receipt{TransactionID: txn.TransactionID, BalanceAfterMinor: newBalance, CommittedAt: now}, nil
	}

	e.Metrics.ObserveCredit("retry_exhausted")
	return Receipt{}, ErrRetryExhausted
}

func snapshotBalance(accountID string, balance int64) []byte {
	b, _ := json.Marshal(map[string]any{"account_id": accountID, "balance_minor": balance})
	return b
}

func (e *Engine) auditMutation(actorID string, before store.Account, balanceAfter int64, action, txID string) {
	if e.Audit == nil {
		return
	}
	_, _ = e.Audit.Append(audit.Event{
		OccurredAt: e.now(),
		ActorID:    actorID,
		ObjectType: "account",
		ObjectID:   before.AccountID,
		Action:     action,
		Before:     snapshotBalance(before.AccountID, before.BalanceMinor),
		After:      snapshotBalance(before.AccountID, balanceAfter),
		Result:     audit.ResultSuccess,
		Reason:     "transaction " + txID,
	})
}

func (e *Engine) auditDenied(actorID, accountID, action, reason string) {
	if e.Audit == nil {
		return
	}
	_, _ = e.Audit.Append(audit.Event{
		OccurredAt: e.now(),
		ActorID:    actorID,
		ObjectType: "account",
		ObjectID:   accountID,
		Action:     action,
		Before:     []byte(`{}`),
		After:      []byte(`{}`),
		Result:     audit.ResultDenied,
		Reason:     reason,
	})
}
