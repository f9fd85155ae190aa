package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrProfileNotFound     = errors.New("profile not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrCodeNotFound        = errors.New("one-time code not found")
	// ErrVersionConflict means another writer committed between the caller's
	// read and this write. Callers re-run their read-check-write cycle.
	ErrVersionConflict = errors.New("version conflict")
	// ErrTransactionTerminal guards the append-only rule: SUCCESS and FAILED
	// transactions are never mutated again.
	ErrTransactionTerminal = errors.New("transaction already terminal")
	ErrDuplicateKey        = errors.New("record already exists")
)

// BalanceCommit is the unit of work for the conditional-write primitive: the
// account's new balance plus the transaction record that documents it, applied
// atomically iff the account version has not moved since the caller's read.
// Transaction may be a new terminal record or an existing PENDING record being
// flipped to SUCCESS; either way it lands in the same commit as the balance.
type BalanceCommit struct {
	AccountID       string
	ExpectedVersion uint64
	NewBalanceMinor int64
	Transaction     Transaction
}

type AccountStore interface {
	GetAccount(ctx context.Context, accountID string) (Account, error)
	PutAccount(ctx context.Context, a Account) error
	AccountsOwnedBy(ctx context.Context, ownerID string) ([]Account, error)
	// CommitBalance applies a BalanceCommit. Returns ErrVersionConflict when
	// the account version no longer matches, ErrAccountNotFound when the
	// account disappeared, ErrTransactionTerminal when the referenced
	// transaction is already SUCCESS or FAILED.
	CommitBalance(ctx context.Context, c BalanceCommit) error
}

type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (Profile, error)
	PutProfile(ctx context.Context, p Profile) error
	// UpdateProfileIf writes p iff the stored version equals expectedVersion.
	UpdateProfileIf(ctx context.Context, p Profile, expectedVersion uint64) error
	// CascadeLock writes the profile (conditionally on expectedVersion) and
	// sets every account owned by the user to LOCKED in the same commit.
	// Partial application is never observable.
	CascadeLock(ctx context.Context, p Profile, expectedVersion uint64) error
	// CascadeUnlock reactivates the profile and every owned account.
	CascadeUnlock(ctx context.Context, p Profile, expectedVersion uint64) error
}

type TransactionStore interface {
	CreateTransaction(ctx context.Context, t Transaction) error
	GetTransaction(ctx context.Context, transactionID string) (Transaction, error)
	// MarkTransactionFailed moves a PENDING transaction to FAILED. Terminal
	// transactions return ErrTransactionTerminal.
	MarkTransactionFailed(ctx context.Context, transactionID, reason string) error
	ListTransactionsByAccount(ctx context.Context, accountID string, limit, offset int) ([]Transaction, error)
	// ListPendingCreatedBefore returns PENDING transactions created at or
	// before cutoff, for the expiry sweep.
	ListPendingCreatedBefore(ctx context.Context, cutoff time.Time) ([]Transaction, error)
}

type CodeStore interface {
	// PutCode stores the code for its transaction, replacing any prior code.
	PutCode(ctx context.Context, c OneTimeCode) error
	GetCode(ctx context.Context, transactionID string) (OneTimeCode, error)
	DeleteCode(ctx context.Context, transactionID string) error
}

// Store is the full persistence surface the payment core runs against.
type Store interface {
	AccountStore
	ProfileStore
	TransactionStore
	CodeStore
}
