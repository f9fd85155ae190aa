// Package eligibility implements the precondition check run before any
// balance mutation. It has no side effects; a stale read here only causes a
// slightly late rejection, because the ledger engine rechecks account-level
// lock status inside its own commit.
package eligibility

import (
	"context"
	"errors"

	"github.com/harborpay/corebank/internal/bank/store"
)

var (
	ErrAccountLocked        = errors.New("user account is locked")
	ErrIdentityNotVerified  = errors.New("identity verification is not complete")
	ErrTransactionsDisabled = errors.New("transactions are disabled for this user")
)

type Gate struct {
	Profiles store.ProfileStore
}

// CheckProfile evaluates the three preconditions in order, short-circuiting
// on the first failure so the most relevant message reaches the caller.
func CheckProfile(p store.Profile) error {
	if p.AccountStatus != store.AccountActive {
		return ErrAccountLocked
	}
	if p.IdentityVerified != store.VerificationVerified {
		return ErrIdentityNotVerified
	}
	if !p.CanTransact {
		return ErrTransactionsDisabled
	}
	return nil
}

func (g *Gate) Check(ctx context.Context, userID string) error {
	p, err := g.Profiles.GetProfile(ctx, userID)
	if err != nil {
		return err
	}
	return CheckProfile(p)
}
