package store

import "time"

type AccountStatus string

const (
	AccountActive AccountStatus = "active"
	AccountLocked AccountStatus = "locked"
)

type VerificationState string

const (
	VerificationPending  VerificationState = "pending"
	VerificationVerified VerificationState = "verified"
	VerificationRejected VerificationState = "rejected"
)

type TransactionStatus string

const (
	TransactionPending TransactionStatus = "pending"
	TransactionSuccess TransactionStatus = "success"
	TransactionFailed  TransactionStatus = "failed"
)

type TransactionKind string

const (
	KindBillPayment  TransactionKind = "bill_payment"
	KindTopup        TransactionKind = "topup"
	KindDataBundle   TransactionKind = "data_bundle"
	KindFlight       TransactionKind = "flight_booking"
	KindHotel        TransactionKind = "hotel_booking"
	KindMovie        TransactionKind = "movie_ticket"
	KindTransfer     TransactionKind = "transfer"
	KindDeposit      TransactionKind = "deposit"
	KindInterestPost TransactionKind = "interest_posting"
)

// Account is one monetary account. BalanceMinor is in minor currency units
// and never goes negative; only the ledger engine mutates it, through the
// store's conditional commit. Version backs the compare-and-swap primitive.
type Account struct {
	AccountID    string
	OwnerID      string
	BalanceMinor int64
	Status       AccountStatus
	// LegacyPIN is the historical per-account plaintext PIN, present only on
	// accounts opened before PIN storage was centralized onto the profile.
	LegacyPIN string
	// Demo accounts skip the non-authoritative balance pre-check at payment
	// initiation; the engine-level check still applies at commit.
	Demo    bool
	Version uint64
}

// Profile is the identity/authorization record for one user. PINFailCount
// and PINLockedUntil are owned exclusively by the PIN subsystem.
type Profile struct {
	UserID           string
	AccountStatus    AccountStatus
	IdentityVerified VerificationState
	CanTransact      bool
	PINHash          string
	PINFailCount     int
	PINLockedUntil   time.Time
	Version          uint64
}

// Locked reports whether the PIN lockout window is still open at now.
func (p Profile) Locked(now time.Time) bool {
	return !p.PINLockedUntil.IsZero() && now.Before(p.PINLockedUntil)
}

type Transaction struct {
	TransactionID string
	AccountID     string
	UserID        string
	AmountMinor   int64
	Kind          TransactionKind
	Status        TransactionStatus
	FailReason    string
	CreatedAt     time.Time
	ConfirmedAt   time.Time
}

// OneTimeCode is keyed by the pending transaction it confirms. A resend
// replaces the record wholesale, so a superseded code can never confirm.
type OneTimeCode struct {
	TransactionID string
	Code          string
	ExpireAt      time.Time
}
