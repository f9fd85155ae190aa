package pinauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/harborpay/corebank/internal/bank/store"
	"github.com/harborpay/corebank/internal/platform/clock"
)

func newTestService(t *testing.T) (*Service, *store.MemoryStore, *clock.FixedClock) {
	t.Helper()
	s := store.NewMemoryStore()
	clk := clock.NewFixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := &Service{Profiles: s, Accounts: s, Clock: clk}
	return svc, s, clk
}

func seedUser(t *testing.T, s *store.MemoryStore, userID, pin string, accountIDs ...string) {
	t.Helper()
	ctx := context.Background()
	hash := ""
	if pin != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.MinCost)
		if err != nil {
			t.Fatalf("hash pin: %v", err)
		}
		hash = string(h)
	}
	err := s.PutProfile(ctx, store.Profile{
		UserID:           userID,
		AccountStatus:    store.AccountActive,
		IdentityVerified: store.VerificationVerified,
		CanTransact:      true,
		PINHash:          hash,
	})
	if err != nil {
		t.Fatalf("seed profile: %v", err)
	}
	for _, id := range accountIDs {
		err := s.PutAccount(ctx, store.Account{AccountID: id, OwnerID: userID, Status: store.AccountActive})
		if err != nil {
			t.Fatalf("seed account: %v", err)
		}
	}
}

func TestVerifyPINCorrectAndIncorrect(t *testing.T) {
	ctx := context.Background()
	svc, s, _ := newTestService(t)
	seedUser(t, s, "user-1", "1234", "acc-1")

	if err := svc.VerifyPIN(ctx, "user-1", "1234"); err != nil {
		t.Fatalf("correct pin rejected: %v", err)
	}
	if err := svc.VerifyPIN(ctx, "user-1", "9999"); !errors.Is(err, ErrPINIncorrect) {
		t.Fatalf("wrong pin err = %v, want ErrPINIncorrect", err)
	}
	p, _ := s.GetProfile(ctx, "user-1")
	if p.PINFailCount != 1 {
		t.Fatalf("fail count = %d, want 1", p.PINFailCount)
	}
}

func TestFourFailuresStayBelowThreshold(t *testing.T) {
	ctx := context.Background()
	svc, s, _ := newTestService(t)
	seedUser(t, s, "user-1", "1234", "acc-1")

	for i := 0; i < 4; i++ {
		if err := svc.VerifyPIN(ctx, "user-1", "0000"); !errors.Is(err, ErrPINIncorrect) {
			t.Fatalf("attempt %d err = %v, want ErrPINIncorrect", i+1, err)
		}
	}
	if err := svc.VerifyPIN(ctx, "user-1", "1234"); err != nil {
		t.Fatalf("correct pin after 4 failures rejected: %v", err)
	}
	p, _ := s.GetProfile(ctx, "user-1")
	if p.PINFailCount != 0 {
		t.Fatalf("fail count not reset on success: %d", p.PINFailCount)
	}
}

func TestFifthFailureActivatesCascadeLock(t *testing.T) {
	ctx := context.Background()
	svc, s, clk := newTestService(t)
	seedUser(t, s, "user-1", "1234", "acc-1", "acc-2")

	for i := 0; i < 4; i++ {
		_ = svc.VerifyPIN(ctx, "user-1", "0000")
	}
	err := svc.VerifyPIN(ctx, "user-1", "0000")
	var locked *LockedError
	if !errors.As(err, &locked) {
		t.Fatalf("fifth failure err = %v, want LockedError", err)
	}
	wantUntil := clk.Now().Add(10 * time.Minute)
	if !locked.Until.Equal(wantUntil) {
		t.Fatalf("locked until %v, want %v", locked.Until, wantUntil)
	}

	p, _ := s.GetProfile(ctx, "user-1")
	if p.AccountStatus != store.AccountLocked {
		t.Fatalf("profile status = %q, want locked", p.AccountStatus)
	}
	for _, id := range []string{"acc-1", "acc-2"} {
		a, _ := s.GetAccount(ctx, id)
		if a.Status != store.AccountLocked {
			t.Fatalf("account %s not cascade-locked", id)
		}
	}
}

func TestAttemptsDuringLockoutDoNotConsumeCounts(t *testing.T) {
	ctx := context.Background()
	svc, s, _ := newTestService(t)
	seedUser(t, s, "user-1", "1234", "acc-1")

	for i := 0; i < 5; i++ {
		_ = svc.VerifyPIN(ctx, "user-1", "0000")
	}
	before, _ := s.GetProfile(ctx, "user-1")

	// Both a wrong and a correct PIN are refused while the window is open.
	var locked *LockedError
	if err := svc.VerifyPIN(ctx, "user-1", "0000"); !errors.As(err, &locked) {
		t.Fatalf("wrong pin during lockout err = %v, want LockedError", err)
	}
	if err := svc.VerifyPIN(ctx, "user-1", "1234"); !errors.As(err, &locked) {
		t.Fatalf("correct pin during lockout err = %v, want LockedError", err)
	}

	after, _ := s.GetProfile(ctx, "user-1")
	if after.PINFailCount != before.PINFailCount {
		t.Fatalf("fail count moved during lockout: %d -> %d", before.PINFailCount, after.PINFailCount)
	}
	if !after.PINLockedUntil.Equal(before.PINLockedUntil) {
		t.Fatalf("lockout deadline moved during lockout")
	}
}

func TestLockoutExpiresByClock(t *testing.T) {
	ctx := context.Background()
	svc, s, clk := newTestService(t)
	seedUser(t, s, "user-1", "1234", "acc-1")

	for i := 0; i < 5; i++ {
		_ = svc.VerifyPIN(ctx, "user-1", "0000")
	}
	clk.Advance(10*time.Minute + time.Second)

	if err := svc.VerifyPIN(ctx, "user-1", "1234"); err != nil {
		t.Fatalf("correct pin after lockout expiry rejected: %v", err)
	}
	p, _ := s.GetProfile(ctx, "user-1")
	if p.PINFailCount != 0 || !p.PINLockedUntil.IsZero() {
		t.Fatalf("lockout state not cleared: count=%d until=%v", p.PINFailCount, p.PINLockedUntil)
	}
}

func TestLegacyPINMigratesOnFirstMatch(t *testing.T) {
	ctx := context.Background()
	svc, s, _ := newTestService(t)
	seedUser(t, s, "user-1", "", "acc-1")
	acct, _ := s.GetAccount(ctx, "acc-1")
	acct.LegacyPIN = "4321"
	_ = s.PutAccount(ctx, acct)

	if err := svc.VerifyPIN(ctx, "user-1", "4321"); err != nil {
		t.Fatalf("legacy pin rejected: %v", err)
	}
	p, _ := s.GetProfile(ctx, "user-1")
	if p.PINHash == "" {
		t.Fatalf("migration did not write a centralized hash")
	}
	if bcrypt.CompareHashAndPassword([]byte(p.PINHash), []byte("4321")) != nil {
		t.Fatalf("migrated hash does not verify the pin")
	}
	firstHash := p.PINHash

	// Subsequent verifications use the centralized hash; the migration never
	// reruns, so the hash is stable.
	if err := svc.VerifyPIN(ctx, "user-1", "4321"); err != nil {
		t.Fatalf("post-migration verify: %v", err)
	}
	p, _ = s.GetProfile(ctx, "user-1")
	if p.PINHash != firstHash {
		t.Fatalf("hash rewritten after migration")
	}
}

func TestLegacyPINWrongSubmissionCountsFailure(t *testing.T) {
	ctx := context.Background()
	svc, s, _ := newTestService(t)
	seedUser(t, s, "user-1", "", "acc-1")
	acct, _ := s.GetAccount(ctx, "acc-1")
	acct.LegacyPIN = "4321"
	_ = s.PutAccount(ctx, acct)

	if err := svc.VerifyPIN(ctx, "user-1", "1111"); !errors.Is(err, ErrPINIncorrect) {
		t.Fatalf("wrong legacy pin err = %v, want ErrPINIncorrect", err)
	}
	p, _ := s.GetProfile(ctx, "user-1")
	if p.PINFailCount != 1 {
		t.Fatalf("fail count = %d, want 1", p.PINFailCount)
	}
	if p.PINHash != "" {
		t.Fatalf("migration ran on a failed match")
	}
}

func TestNoPINConfigured(t *testing.T) {
	ctx := context.Background()
	svc, s, _ := newTestService(t)
	seedUser(t, s, "user-1", "", "acc-1")

	if err := svc.VerifyPIN(ctx, "user-1", "1234"); !errors.Is(err, ErrNoPINConfigured) {
		t.Fatalf("err = %v, want ErrNoPINConfigured", err)
	}
	p, _ := s.GetProfile(ctx, "user-1")
	if p.PINFailCount != 0 {
		t.Fatalf("unconfigured user accrued failures: %d", p.PINFailCount)
	}
}

func TestAdminUnlockReactivatesUserAndAccounts(t *testing.T) {
	ctx := context.Background()
	svc, s, _ := newTestService(t)
	seedUser(t, s, "user-1", "1234", "acc-1", "acc-2")

	for i := 0; i < 5; i++ {
		_ = svc.VerifyPIN(ctx, "user-1", "0000")
	}
	if err := svc.AdminUnlock(ctx, "user-1"); err != nil {
		t.Fatalf("admin unlock: %v", err)
	}

	p, _ := s.GetProfile(ctx, "user-1")
	if p.AccountStatus != store.AccountActive || p.PINFailCount != 0 || !p.PINLockedUntil.IsZero() {
		t.Fatalf("profile not reset: %+v", p)
	}
	for _, id := range []string{"acc-1", "acc-2"} {
		a, _ := s.GetAccount(ctx, id)
		if a.Status != store.AccountActive {
			t.Fatalf("account %s still locked after admin unlock", id)
		}
	}
	if err := svc.VerifyPIN(ctx, "user-1", "1234"); err != nil {
		t.Fatalf("pin rejected after admin unlock: %v", err)
	}
}
