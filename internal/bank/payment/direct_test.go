package payment

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/harborpay/corebank/internal/bank/eligibility"
	"github.com/harborpay/corebank/internal/bank/pinauth"
	"github.com/harborpay/corebank/internal/bank/store"
	"github.com/harborpay/corebank/internal/bank/txlog"
)

func setPIN(t *testing.T, s *store.MemoryStore, userID, pin string) {
	t.Helper()
	ctx := context.Background()
	p, err := s.GetProfile(ctx, userID)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash pin: %v", err)
	}
	p.PINHash = string(hash)
	if err := s.PutProfile(ctx, p); err != nil {
		t.Fatalf("put profile: %v", err)
	}
}

func TestDirectDebitWithPIN(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedEligibleUser(t, "user-1", "acc-1", 500_000)
	setPIN(t, f.store, "user-1", "1234")

	res, err := f.coord.DirectDebit(ctx, DirectDebitRequest{
		UserID:      "user-1",
		AccountID:   "acc-1",
		AmountMinor: 75_000,
		Kind:        store.KindDataBundle,
		PIN:         "1234",
	})
	if err != nil {
		t.Fatalf("direct debit: %v", err)
	}
	if res.BalanceAfterMinor != 425_000 {
		t.Fatalf("balance after = %d, want 425000", res.BalanceAfterMinor)
	}
	txn, _ := f.store.GetTransaction(ctx, res.TransactionID)
	if txn.Status != store.TransactionSuccess || txn.Kind != store.KindDataBundle {
		t.Fatalf("transaction = %+v", txn)
	}

	f.coord.Notifier.Flush()
	events := f.sink.Events()
	if len(events) != 1 || events[0].Direction != txlog.DirectionOut {
		t.Fatalf("events = %+v, want one outbound event", events)
	}
}

func TestDirectDebitWrongPINRefused(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedEligibleUser(t, "user-1", "acc-1", 500_000)
	setPIN(t, f.store, "user-1", "1234")

	_, err := f.coord.DirectDebit(ctx, DirectDebitRequest{
		UserID:      "user-1",
		AccountID:   "acc-1",
		AmountMinor: 75_000,
		Kind:        store.KindTopup,
		PIN:         "9999",
	})
	if !errors.Is(err, pinauth.ErrPINIncorrect) {
		t.Fatalf("err = %v, want ErrPINIncorrect", err)
	}
	acct, _ := f.store.GetAccount(ctx, "acc-1")
	if acct.BalanceMinor != 500_000 {
		t.Fatalf("wrong pin moved money: %d", acct.BalanceMinor)
	}
}

func TestDirectDebitIneligibleUserRefused(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedEligibleUser(t, "user-1", "acc-1", 500_000)
	p, _ := f.store.GetProfile(ctx, "user-1")
	p.IdentityVerified = store.VerificationPending
	_ = f.store.PutProfile(ctx, p)

	_, err := f.coord.DirectDebit(ctx, DirectDebitRequest{
		UserID:      "user-1",
		AccountID:   "acc-1",
		AmountMinor: 10_000,
		Kind:        store.KindTopup,
	})
	if !errors.Is(err, eligibility.ErrIdentityNotVerified) {
		t.Fatalf("err = %v, want ErrIdentityNotVerified", err)
	}
}

func TestDirectDebitWithoutPINSkipsVerification(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedEligibleUser(t, "user-1", "acc-1", 500_000)

	if _, err := f.coord.DirectDebit(ctx, DirectDebitRequest{
		UserID:      "user-1",
		AccountID:   "acc-1",
		AmountMinor: 10_000,
		Kind:        store.KindTopup,
	}); err != nil {
		t.Fatalf("pin-less direct debit: %v", err)
	}
}
