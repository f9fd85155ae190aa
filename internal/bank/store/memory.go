package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps all records behind one mutex, which is what makes
// CommitBalance and CascadeLock logically atomic in-process. The version
// counters still matter: they are what concurrent readers race on, exactly as
// they would against the Postgres implementation.
type MemoryStore struct {
	mu           sync.Mutex
	accounts     map[string]Account
	profiles     map[string]Profile
	transactions map[string]Transaction
	codes        map[string]OneTimeCode
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[string]Account),
		profiles:     make(map[string]Profile),
		transactions: make(map[string]Transaction),
		codes:        make(map[string]OneTimeCode),
	}
}

func (s *MemoryStore) GetAccount(_ context.Context, accountID string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return a, nil
}

func (s *MemoryStore) PutAccount(_ context.Context, a Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.accounts[a.AccountID]; ok {
		a.Version = prev.Version + 1
	}
	s.accounts[a.AccountID] = a
	return nil
}

func (s *MemoryStore) AccountsOwnedBy(_ context.Context, ownerID string) ([]Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Account, 0)
	for _, a := range s.accounts {
		if a.OwnerID == ownerID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

func (s *MemoryStore) CommitBalance(_ context.Context, c BalanceCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[c.AccountID]
	if !ok {
		return ErrAccountNotFound
	}
	if a.Version != c.ExpectedVersion {
		return ErrVersionConflict
	}
	if prev, ok := s.transactions[c.Transaction.TransactionID]; ok && prev.Status != TransactionPending {
		return ErrTransactionTerminal
	}

	a.BalanceMinor = c.NewBalanceMinor
	a.Version++
	s.accounts[c.AccountID] = a
	s.transactions[c.Transaction.TransactionID] = c.Transaction
	return nil
}

func (s *MemoryStore) GetProfile(_ context.Context, userID string) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return Profile{}, ErrProfileNotFound
	}
	return p, nil
}

func (s *MemoryStore) PutProfile(_ context.Context, p Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.profiles[p.UserID]; ok {
		p.Version = prev.Version + 1
	}
	s.profiles[p.UserID] = p
	return nil
}

func (s *MemoryStore) UpdateProfileIf(_ context.Context, p Profile, expectedVersion uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateProfileLocked(p, expectedVersion)
}

func (s *MemoryStore) updateProfileLocked(p Profile, expectedVersion uint64) error {
	prev, ok := s.profiles[p.UserID]
	if !ok {
		return ErrProfileNotFound
	}
	if prev.Version != expectedVersion {
		return ErrVersionConflict
	}
	p.Version = prev.Version + 1
	s.profiles[p.UserID] = p
	return nil
}

func (s *MemoryStore) CascadeLock(_ context.Context, p Profile, expectedVersion uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.updateProfileLocked(p, expectedVersion); err != nil {
		return err
	}
	for id, a := range s.accounts {
		if a.OwnerID == p.UserID && a.Status != AccountLocked {
			a.Status = AccountLocked
			a.Version++
			s.accounts[id] = a
		}
	}
	return nil
}

func (s *MemoryStore) CascadeUnlock(_ context.Context, p Profile, expectedVersion uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.updateProfileLocked(p, expectedVersion); err != nil {
		return err
	}
	for id, a := range s.accounts {
		if a.OwnerID == p.UserID && a.Status != AccountActive {
			a.Status = AccountActive
			a.Version++
			s.accounts[id] = a
		}
	}
	return nil
}

func (s *MemoryStore) CreateTransaction(_ context.Context, t Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transactions[t.TransactionID]; ok {
		return ErrDuplicateKey
	}
	s.transactions[t.TransactionID] = t
	return nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, transactionID string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transactions[transactionID]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return t, nil
}

func (s *MemoryStore) MarkTransactionFailed(_ context.Context, transactionID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transactions[transactionID]
	if !ok {
		return ErrTransactionNotFound
	}
	if t.Status != TransactionPending {
		return ErrTransactionTerminal
	}
	t.Status = TransactionFailed
	t.FailReason = reason
	s.transactions[transactionID] = t
	return nil
}

func (s *MemoryStore) ListTransactionsByAccount(_ context.Context, accountID string, limit, offset int) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]Transaction, 0)
	for _, t := range s.transactions {
		if t.AccountID == accountID {
			all = append(all, t)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].TransactionID < all[j].TransactionID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if offset > len(all) {
		offset = len(all)
	}
	if limit <= 0 {
		limit = 50
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (s *MemoryStore) ListPendingCreatedBefore(_ context.Context, cutoff time.Time) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transaction, 0)
	for _, t := range s.transactions {
		if t.Status == TransactionPending && !t.CreatedAt.After(cutoff) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) PutCode(_ context.Context, c OneTimeCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[c.TransactionID] = c
	return nil
}

func (s *MemoryStore) GetCode(_ context.Context, transactionID string) (OneTimeCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[transactionID]
	if !ok {
		return OneTimeCode{}, ErrCodeNotFound
	}
	return c, nil
}

func (s *MemoryStore) DeleteCode(_ context.Context, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, transactionID)
	return nil
}

var _ Store = (*MemoryStore)(nil)
