// Package payment composes the eligibility gate, PIN subsystem, and ledger
// engine into the two product-facing payment paths: the two-phase
// pending-code-commit protocol and the direct debit.
package payment

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/harborpay/corebank/internal/bank/eligibility"
	"github.com/harborpay/corebank/internal/bank/ledger"
	"github.com/harborpay/corebank/internal/bank/pinauth"
	"github.com/harborpay/corebank/internal/bank/store"
	"github.com/harborpay/corebank/internal/bank/txlog"
	"github.com/harborpay/corebank/internal/platform/audit"
	"github.com/harborpay/corebank/internal/platform/clock"
	"github.com/harborpay/corebank/internal/platform/metrics"
)

var (
	// ErrAlreadyProcessed is terminal for the transaction id: the transaction
	// left PENDING and can never be confirmed again.
	ErrAlreadyProcessed = errors.New("transaction already processed")
	ErrNotOwner         = errors.New("transaction does not belong to the caller")
	// ErrCodeExpired and ErrCodeIncorrect are recoverable: the client may
	// resend or retype.
	ErrCodeExpired   = errors.New("one-time code expired")
	ErrCodeIncorrect = errors.New("one-time code incorrect")
)

// CodeSender delivers a one-time code out-of-band and reports only a masked
// destination, e.g. "o***@example.com" or "+234*******12".
type CodeSender interface {
	Send(ctx context.Context, userID, code string) (maskedContact string, err error)
}

const (
	defaultCodeTTL    = 5 * time.Minute
	defaultCodeLength = 6
	defaultSweepGrace = 30 * time.Minute
)

type Coordinator struct {
	Store    store.Store
	Gate     *eligibility.Gate
	PINs     *pinauth.Service
	Engine   *ledger.Engine
	Sender   CodeSender
	Notifier *txlog.Notifier
	Clock    clock.Clock
	Metrics  *metrics.Metrics
	Audit    *audit.Log
	// CodeTTL is the one-time code validity window; zero means 5 minutes.
	CodeTTL time.Duration
	// CodeLength is the number of code digits; zero means 6.
	CodeLength int
	// SweepGrace is how long after code expiry a PENDING transaction is left
	// for the client to resend before the sweep marks it FAILED.
	SweepGrace time.Duration
}

type InitiateResult struct {
	TransactionID string
	MaskedContact string
	ExpireAt      time.Time
}

type ResendResult struct {
	MaskedContact string
	ExpireAt      time.Time
}

func (c *Coordinator) now() time.Time {
	if c.Clock == nil {
		return time.Now().UTC()
	}
	return c.Clock.Now().UTC()
}

func (c *Coordinator) codeTTL() time.Duration {
	if c.CodeTTL <= 0 {
		return defaultCodeTTL
	}
	return c.CodeTTL
}

func (c *Coordinator) codeLength() int {
	if c.CodeLength <= 0 {
		return defaultCodeLength
	}
	return c.CodeLength
}

func (c *Coordinator) sweepGrace() time.Duration {
	if c.SweepGrace <= 0 {
		return defaultSweepGrace
	}
	return c.SweepGrace
}

func (c *Coordinator) newCode() (string, error) {
	digits := make([]byte, c.codeLength())
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits), nil
}

// Initiate opens the two-phase protocol: eligibility, target validation, a
// non-authoritative balance pre-check, then a PENDING transaction and a code
// bound to it. The authoritative sufficiency check still happens at commit.
func (c *Coordinator) Initiate(ctx context.Context, userID, accountID string, amountMinor int64, kind store.TransactionKind) (InitiateResult, error) {
	if amountMinor <= 0 {
		return InitiateResult{}, fmt.Errorf("payment amount must be positive, got %d", amountMinor)
	}
	if err := c.Gate.Check(ctx, userID); err != nil {
		return InitiateResult{}, err
	}
	acct, err := c.Store.GetAccount(ctx, accountID)
	if err != nil {
		return InitiateResult{}, err
	}
	if acct.OwnerID != userID {
		return InitiateResult{}, ErrNotOwner
	}
	if acct.Status == store.AccountLocked {
		return InitiateResult{}, ledger.ErrAccountLocked
	}
	if !acct.Demo && acct.BalanceMinor < amountMinor {
		return InitiateResult{}, &ledger.InsufficientFundsError{
			RequiredMinor:  amountMinor,
			AvailableMinor: acct.BalanceMinor,
		}
	}

	now := c.now()
	txn := store.Transaction{
		TransactionID: uuid.NewString(),
		AccountID:     accountID,
		UserID:        userID,
		AmountMinor:   amountMinor,
		Kind:          kind,
		Status:        store.TransactionPending,
		CreatedAt:     now,
	}
	if err := c.Store.CreateTransaction(ctx, txn); err != nil {
		return InitiateResult{}, err
	}

	masked, expireAt, err := c.issueCode(ctx, txn)
	if err != nil {
		// The pending record must not linger without a deliverable code.
		_ = c.Store.MarkTransactionFailed(ctx, txn.TransactionID, "code delivery failed")
		return InitiateResult{}, err
	}
	return InitiateResult{TransactionID: txn.TransactionID, MaskedContact: masked, ExpireAt: expireAt}, nil
}

func (c *Coordinator) issueCode(ctx context.Context, txn store.Transaction) (string, time.Time, error) {
	code, err := c.newCode()
	if err != nil {
		return "", time.Time{}, err
	}
	expireAt := c.now().Add(c.codeTTL())
	if err := c.Store.PutCode(ctx, store.OneTimeCode{
		TransactionID: txn.TransactionID,
		Code:          code,
		ExpireAt:      expireAt,
	}); err != nil {
		return "", time.Time{}, err
	}
	masked, err := c.Sender.Send(ctx, txn.UserID, code)
	if err != nil {
		_ = c.Store.DeleteCode(ctx, txn.TransactionID)
		return "", time.Time{}, err
	}
	c.Metrics.ObserveCodeIssued()
	c.auditCode(txn, expireAt)
	return masked, expireAt, nil
}

// Confirm verifies the submitted code and commits the debit. The code is only
// consumed on a successful commit; a debit failure (for example the balance
// moved between initiate and confirm) leaves the transaction PENDING and the
// code intact so the same code can be retried once the condition clears.
func (c *Coordinator) Confirm(ctx context.Context, userID, transactionID, submittedCode string) (int64, error) {
	txn, err := c.Store.GetTransaction(ctx, transactionID)
	if err != nil {
		c.Metrics.ObserveConfirm("not_found")
		return 0, err
	}
	if txn.Status != store.TransactionPending {
		c.Metrics.ObserveConfirm("already_processed")
		return 0, ErrAlreadyProcessed
	}
	if txn.UserID != userID {
		c.Metrics.ObserveConfirm("not_owner")
		return 0, ErrNotOwner
	}

	code, err := c.Store.GetCode(ctx, transactionID)
	if errors.Is(err, store.ErrCodeNotFound) {
		c.Metrics.ObserveConfirm("expired")
		return 0, ErrCodeExpired
	}
	if err != nil {
		return 0, err
	}
	if c.now().After(code.ExpireAt) {
		c.Metrics.ObserveConfirm("expired")
		return 0, ErrCodeExpired
	}
	if code.Code != submittedCode {
		c.Metrics.ObserveConfirm("incorrect")
		return 0, ErrCodeIncorrect
	}

	receipt, err := c.Engine.Debit(ctx, ledger.DebitRequest{
		AccountID:            txn.AccountID,
		OwnerID:              txn.UserID,
		AmountMinor:          txn.AmountMinor,
		Kind:                 txn.Kind,
		PendingTransactionID: txn.TransactionID,
	})
	if err != nil {
		c.Metrics.ObserveConfirm("debit_failed")
		return 0, err
	}

	_ = c.Store.DeleteCode(ctx, transactionID)
	c.Metrics.ObserveConfirm("ok")
	c.Notifier.Notify(txlog.Event{
		UserID:            txn.UserID,
		AccountID:         txn.AccountID,
		Direction:         txlog.DirectionOut,
		AmountMinor:       txn.AmountMinor,
		BalanceAfterMinor: receipt.BalanceAfterMinor,
		TransactionID:     txn.TransactionID,
		CreatedAt:         receipt.CommittedAt,
	})
	return receipt.BalanceAfterMinor, nil
}

// Resend invalidates any outstanding code and issues a fresh one with a new
// expiry. Only PENDING transactions can resend.
func (c *Coordinator) Resend(ctx context.Context, userID, transactionID string) (ResendResult, error) {
	txn, err := c.Store.GetTransaction(ctx, transactionID)
	if err != nil {
		return ResendResult{}, err
	}
	if txn.Status != store.TransactionPending {
		return ResendResult{}, ErrAlreadyProcessed
	}
	if txn.UserID != userID {
		return ResendResult{}, ErrNotOwner
	}
	masked, expireAt, err := c.issueCode(ctx, txn)
	if err != nil {
		return ResendResult{}, err
	}
	return ResendResult{MaskedContact: masked, ExpireAt: expireAt}, nil
}

func (c *Coordinator) auditCode(txn store.Transaction, expireAt time.Time) {
	if c.Audit == nil {
		return
	}
	_, _ = c.Audit.Append(audit.Event{
		OccurredAt: c.now(),
		ActorID:    txn.UserID,
		ObjectType: "transaction",
		ObjectID:   txn.TransactionID,
		Action:     "code_issued",
		Before:     []byte(`{}`),
		After:      []byte(fmt.Sprintf(`{"expire_at":%q}`, expireAt.UTC().Format(time.RFC3339))),
		Result:     audit.ResultSuccess,
		Reason:     "",
	})
}
