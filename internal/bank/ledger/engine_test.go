package ledger

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/harborpay/corebank/internal/bank/store"
	"github.com/harborpay/corebank/internal/platform/clock"
)

func newTestEngine(t *testing.T) (*Engine, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	e := &Engine{
		Accounts:     s,
		Transactions: s,
		Clock:        clock.NewFixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	return e, s
}

func seedAccount(t *testing.T, s *store.MemoryStore, id, owner string, balance int64) {
	t.Helper()
	err := s.PutAccount(context.Background(), store.Account{
		AccountID:    id,
		OwnerID:      owner,
		BalanceMinor: balance,
		Status:       store.AccountActive,
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
}

func TestDebitReducesBalanceAndRecordsTransaction(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)
	seedAccount(t, s, "acc-1", "user-1", 500_000)

	receipt, err := e.Debit(ctx, DebitRequest{
		AccountID:   "acc-1",
		OwnerID:     "user-1",
		AmountMinor: 120_000,
		Kind:        store.KindBillPayment,
	})
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if receipt.BalanceAfterMinor != 380_000 {
		t.Fatalf("balance after = %d, want 380000", receipt.BalanceAfterMinor)
	}
	txn, err := s.GetTransaction(ctx, receipt.TransactionID)
	if err != nil {
		t.Fatalf("transaction record missing: %v", err)
	}
	if txn.Status != store.TransactionSuccess || txn.AmountMinor != 120_000 {
		t.Fatalf("transaction = %+v, want success 120000", txn)
	}
}

func TestDebitInsufficientFundsMessage(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)
	seedAccount(t, s, "acc-1", "user-1", 100_000)

	_, err := e.Debit(ctx, DebitRequest{AccountID: "acc-1", OwnerID: "user-1", AmountMinor: 400_000, Kind: store.KindTopup})
	var insufficient *InsufficientFundsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("err = %v, want InsufficientFundsError", err)
	}
	want := "insufficient funds: required 400000, available 100000"
	if insufficient.Error() != want {
		t.Fatalf("message = %q, want %q", insufficient.Error(), want)
	}
	acct, _ := s.GetAccount(ctx, "acc-1")
	if acct.BalanceMinor != 100_000 {
		t.Fatalf("balance moved on refused debit: %d", acct.BalanceMinor)
	}
}

func TestConcurrentDebitsExactlyOneSucceeds(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)
	seedAccount(t, s, "acc-1", "user-1", 500_000)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = e.Debit(ctx, DebitRequest{
				AccountID:   "acc-1",
				OwnerID:     "user-1",
				AmountMinor: 400_000,
				Kind:        store.KindTransfer,
			})
		}(i)
	}
	wg.Wait()

	var ok, insufficient int
	for _, err := range results {
		var ife *InsufficientFundsError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &ife):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || insufficient != 1 {
		t.Fatalf("ok=%d insufficient=%d, want exactly one of each", ok, insufficient)
	}
	acct, _ := s.GetAccount(ctx, "acc-1")
	if acct.BalanceMinor != 100_000 {
		t.Fatalf("final balance = %d, want 100000", acct.BalanceMinor)
	}
}

func TestDebitRefusesLockedAccountAndForeignOwner(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)
	seedAccount(t, s, "acc-1", "user-1", 500_000)

	if _, err := e.Debit(ctx, DebitRequest{AccountID: "acc-1", OwnerID: "user-2", AmountMinor: 100, Kind: store.KindTopup}); !errors.Is(err, ErrOwnershipMismatch) {
		t.Fatalf("foreign owner err = %v, want ErrOwnershipMismatch", err)
	}

	acct, _ := s.GetAccount(ctx, "acc-1")
	acct.Status = store.AccountLocked
	_ = s.PutAccount(ctx, acct)
	if _, err := e.Debit(ctx, DebitRequest{AccountID: "acc-1", OwnerID: "user-1", AmountMinor: 100, Kind: store.KindTopup}); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("locked account err = %v, want ErrAccountLocked", err)
	}
}

func TestDebitRejectsNonPositiveAmount(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)
	seedAccount(t, s, "acc-1", "user-1", 500_000)

	for _, amount := range []int64{0, -50} {
		if _, err := e.Debit(ctx, DebitRequest{AccountID: "acc-1", OwnerID: "user-1", AmountMinor: amount, Kind: store.KindTopup}); err == nil {
			t.Fatalf("amount %d accepted", amount)
		}
	}
}

func TestDebitFlipsPendingTransactionPreservingOrigin(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)
	seedAccount(t, s, "acc-1", "user-1", 500_000)

	created := time.Date(2026, 3, 1, 11, 30, 0, 0, time.UTC)
	pending := store.Transaction{
		TransactionID: "txn-pending",
		AccountID:     "acc-1",
		UserID:        "user-1",
		AmountMinor:   200_000,
		Kind:          store.KindFlight,
		Status:        store.TransactionPending,
		CreatedAt:     created,
	}
	if err := s.CreateTransaction(ctx, pending); err != nil {
		t.Fatalf("create pending: %v", err)
	}

	receipt, err := e.Debit(ctx, DebitRequest{
		AccountID:            "acc-1",
		OwnerID:              "user-1",
		AmountMinor:          200_000,
		Kind:                 store.KindFlight,
		PendingTransactionID: "txn-pending",
	})
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if receipt.TransactionID != "txn-pending" {
		t.Fatalf("receipt transaction = %q, want the pending id", receipt.TransactionID)
	}
	txn, _ := s.GetTransaction(ctx, "txn-pending")
	if txn.Status != store.TransactionSuccess {
		t.Fatalf("status = %q, want success", txn.Status)
	}
	if !txn.CreatedAt.Equal(created) {
		t.Fatalf("CreatedAt rewritten: %v", txn.CreatedAt)
	}
	if txn.ConfirmedAt.IsZero() {
		t.Fatalf("ConfirmedAt not set")
	}
}

func TestCreditIncreasesBalance(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)
	seedAccount(t, s, "acc-1", "user-1", 10_000)

	receipt, err := e.Credit(ctx, CreditRequest{AccountID: "acc-1", OwnerID: "user-1", AmountMinor: 25_000, Kind: store.KindDeposit})
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if receipt.BalanceAfterMinor != 35_000 {
		t.Fatalf("balance after = %d, want 35000", receipt.BalanceAfterMinor)
	}
}

// Randomized interleaving: whatever order concurrent debits and credits land
// in, the balance never goes negative and always equals the sum of committed
// transactions.
func TestConcurrentMutationsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)
	e.MaxAttempts = 64
	const initial = 300_000
	seedAccount(t, s, "acc-1", "user-1", initial)

	rng := rand.New(rand.NewSource(42))
	amounts := make([]int64, 40)
	for i := range amounts {
		amounts[i] = int64(rng.Intn(90_000) + 1)
	}

	var wg sync.WaitGroup
	for i, amount := range amounts {
		wg.Add(1)
		go func(i int, amount int64) {
			defer wg.Done()
			if i%4 == 0 {
				_, _ = e.Credit(ctx, CreditRequest{AccountID: "acc-1", OwnerID: "user-1", AmountMinor: amount, Kind: store.KindDeposit})
				return
			}
			_, err := e.Debit(ctx, DebitRequest{AccountID: "acc-1", OwnerID: "user-1", AmountMinor: amount, Kind: store.KindTopup})
			var ife *InsufficientFundsError
			if err != nil && !errors.As(err, &ife) && !errors.Is(err, ErrRetryExhausted) {
				t.Errorf("unexpected debit error: %v", err)
			}
		}(i, amount)
	}
	wg.Wait()

	acct, _ := s.GetAccount(ctx, "acc-1")
	if acct.BalanceMinor < 0 {
		t.Fatalf("balance went negative: %d", acct.BalanceMinor)
	}

	var delta int64
	txns, _ := s.ListTransactionsByAccount(ctx, "acc-1", len(amounts), 0)
	for _, txn := range txns {
		if txn.Status != store.TransactionSuccess {
			continue
		}
		if txn.Kind == store.KindDeposit {
			delta += txn.AmountMinor
		} else {
			delta -= txn.AmountMinor
		}
	}
	if acct.BalanceMinor != initial+delta {
		t.Fatalf("balance %d does not reconcile with transactions (initial %d, delta %d)", acct.BalanceMinor, initial, delta)
	}
}
