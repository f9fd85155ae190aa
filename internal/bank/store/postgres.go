package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresStore implements Store on database/sql. Optimistic concurrency maps
// onto conditional UPDATE ... WHERE version = $n; the multi-record commits
// (CommitBalance, CascadeLock, CascadeUnlock) run inside one transaction so
// readers never observe the intermediate state.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS accounts (
  account_id      TEXT PRIMARY KEY,
  owner_id        TEXT NOT NULL,
  balance_minor   BIGINT NOT NULL DEFAULT 0,
  status          TEXT NOT NULL DEFAULT 'active',
  legacy_pin      TEXT NOT NULL DEFAULT '',
  demo            BOOLEAN NOT NULL DEFAULT FALSE,
  version         BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS accounts_owner_idx ON accounts (owner_id);

CREATE TABLE IF NOT EXISTS profiles (
  user_id           TEXT PRIMARY KEY,
  account_status    TEXT NOT NULL DEFAULT 'active',
  identity_verified TEXT NOT NULL DEFAULT 'pending',
  can_transact      BOOLEAN NOT NULL DEFAULT FALSE,
  pin_hash          TEXT NOT NULL DEFAULT '',
  pin_fail_count    INT NOT NULL DEFAULT 0,
  pin_locked_until  TIMESTAMPTZ,
  version           BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS transactions (
  transaction_id TEXT PRIMARY KEY,
  account_id     TEXT NOT NULL,
  user_id        TEXT NOT NULL,
  amount_minor   BIGINT NOT NULL,
  kind           TEXT NOT NULL,
  status         TEXT NOT NULL,
  fail_reason    TEXT NOT NULL DEFAULT '',
  created_at     TIMESTAMPTZ NOT NULL,
  confirmed_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS transactions_account_idx ON transactions (account_id, created_at DESC);
CREATE INDEX IF NOT EXISTS transactions_pending_idx ON transactions (status, created_at);

CREATE TABLE IF NOT EXISTS one_time_codes (
  transaction_id TEXT PRIMARY KEY,
  code           TEXT NOT NULL,
  expire_at      TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema creates the tables when they do not exist yet. The daemon
// calls it at startup; production deployments may manage schema externally,
// in which case this is a no-op.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	// Fallback for drivers that do not surface pgconn errors.
	return err != nil && strings.Contains(err.Error(), "duplicate key")
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func fromNullTime(nt sql.NullTime) time.Time {
	if !nt.Valid {
		return time.Time{}
	}
	return nt.Time.UTC()
}

func (s *PostgresStore) GetAccount(ctx context.Context, accountID string) (Account, error) {
	const q = `
SELECT account_id, owner_id, balance_minor, status, legacy_pin, demo, version
FROM accounts
WHERE account_id = $1
`
	var a Account
	var status string
	err := s.db.QueryRowContext(ctx, q, accountID).Scan(
		&a.AccountID, &a.OwnerID, &a.BalanceMinor, &status, &a.LegacyPIN, &a.Demo, &a.Version,
	)
	if err == sql.ErrNoRows {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, err
	}
	a.Status = AccountStatus(status)
	return a, nil
}

func (s *PostgresStore) PutAccount(ctx context.Context, a Account) error {
	const q = `
INSERT INTO accounts (account_id, owner_id, balance_minor, status, legacy_pin, demo, version)
VALUES ($1,$2,$3,$4,$5,$6,1)
ON CONFLICT (account_id) DO UPDATE SET
  owner_id = EXCLUDED.owner_id,
  balance_minor = EXCLUDED.balance_minor,
  status = EXCLUDED.status,
  legacy_pin = EXCLUDED.legacy_pin,
  demo = EXCLUDED.demo,
  version = accounts.version + 1
`
	_, err := s.db.ExecContext(ctx, q, a.AccountID, a.OwnerID, a.BalanceMinor, string(a.Status), a.LegacyPIN, a.Demo)
	return err
}

func (s *PostgresStore) AccountsOwnedBy(ctx context.Context, ownerID string) ([]Account, error) {
	const q = `
SELECT account_id, owner_id, balance_minor, status, legacy_pin, demo, version
FROM accounts
WHERE owner_id = $1
ORDER BY account_id
`
	rows, err := s.db.QueryContext(ctx, q, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Account, 0)
	for rows.Next() {
		var a Account
		var status string
		if err := rows.Scan(&a.AccountID, &a.OwnerID, &a.BalanceMinor, &status, &a.LegacyPIN, &a.Demo, &a.Version); err != nil {
			return nil, err
		}
		a.Status = AccountStatus(status)
		out = append(out, a)
	}
	return out, rows.Err()
}

// CommitBalance applies the balance write and the transaction record in one
// database transaction, conditional on the account version. An unsatisfied
// version predicate surfaces as ErrVersionConflict so the engine can retry
// from a fresh read.
func (s *PostgresStore) CommitBalance(ctx context.Context, commit BalanceCommit) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = dbtx.Rollback()
	}()

	const upd = `
UPDATE accounts
SET balance_minor = $2, version = version + 1
WHERE account_id = $1 AND version = $3
`
	res, err := dbtx.ExecContext(ctx, upd, commit.AccountID, commit.NewBalanceMinor, commit.ExpectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing account from a lost race.
		var exists bool
		if err := dbtx.QueryRowContext(ctx, `SELECT TRUE FROM accounts WHERE account_id = $1`, commit.AccountID).Scan(&exists); err == sql.ErrNoRows {
			return ErrAccountNotFound
		} else if err != nil {
			return err
		}
		return ErrVersionConflict
	}

	t := commit.Transaction
	const upsertTxn = `
INSERT INTO transactions (transaction_id, account_id, user_id, amount_minor, kind, status, fail_reason, created_at, confirmed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (transaction_id) DO UPDATE SET
  status = EXCLUDED.status,
  fail_reason = EXCLUDED.fail_reason,
  confirmed_at = EXCLUDED.confirmed_at
WHERE transactions.status = 'pending'
`
	res, err = dbtx.ExecContext(ctx, upsertTxn,
		t.TransactionID, t.AccountID, t.UserID, t.AmountMinor, string(t.Kind), string(t.Status),
		t.FailReason, t.CreatedAt.UTC(), nullTime(t.ConfirmedAt),
	)
	if err != nil {
		return err
	}
	n, err = res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// The record exists and already left PENDING; the whole commit aborts.
		return ErrTransactionTerminal
	}
	return dbtx.Commit()
}

func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (Profile, error) {
	const q = `
SELECT user_id, account_status, identity_verified, can_transact, pin_hash, pin_fail_count, pin_locked_until, version
FROM profiles
WHERE user_id = $1
`
	var p Profile
	var acctStatus, verified string
	var lockedUntil sql.NullTime
	err := s.db.QueryRowContext(ctx, q, userID).Scan(
		&p.UserID, &acctStatus, &verified, &p.CanTransact, &p.PINHash, &p.PINFailCount, &lockedUntil, &p.Version,
	)
	if err == sql.ErrNoRows {
		return Profile{}, ErrProfileNotFound
	}
	if err != nil {
		return Profile{}, err
	}
	p.AccountStatus = AccountStatus(acctStatus)
	p.IdentityVerified = VerificationState(verified)
	p.PINLockedUntil = fromNullTime(lockedUntil)
	return p, nil
}

func (s *PostgresStore) PutProfile(ctx context.Context, p Profile) error {
	const q = `
INSERT INTO profiles (user_id, account_status, identity_verified, can_transact, pin_hash, pin_fail_count, pin_locked_until, version)
VALUES ($1,$2,$3,$4,$5,$6,$7,1)
ON CONFLICT (user_id) DO UPDATE SET
  account_status = EXCLUDED.account_status,
  identity_verified = EXCLUDED.identity_verified,
  can_transact = EXCLUDED.can_transact,
  pin_hash = EXCLUDED.pin_hash,
  pin_fail_count = EXCLUDED.pin_fail_count,
  pin_locked_until = EXCLUDED.pin_locked_until,
  version = profiles.version + 1
`
	_, err := s.db.ExecContext(ctx, q,
		p.UserID, string(p.AccountStatus), string(p.IdentityVerified), p.CanTransact,
		p.PINHash, p.PINFailCount, nullTime(p.PINLockedUntil),
	)
	return err
}

func (s *PostgresStore) UpdateProfileIf(ctx context.Context, p Profile, expectedVersion uint64) error {
	const q = `
UPDATE profiles
SET account_status = $2, identity_verified = $3, can_transact = $4,
    pin_hash = $5, pin_fail_count = $6, pin_locked_until = $7,
    version = version + 1
WHERE user_id = $1 AND version = $8
`
	res, err := s.db.ExecContext(ctx, q,
		p.UserID, string(p.AccountStatus), string(p.IdentityVerified), p.CanTransact,
		p.PINHash, p.PINFailCount, nullTime(p.PINLockedUntil), expectedVersion,
	)
	if err != nil {
		return err
	}
	return s.checkProfileWrite(ctx, res, p.UserID)
}

func (s *PostgresStore) checkProfileWrite(ctx context.Context, res sql.Result, userID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 0 {
		return nil
	}
	var exists bool
	err = s.db.QueryRowContext(ctx, `SELECT TRUE FROM profiles WHERE user_id = $1`, userID).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrProfileNotFound
	}
	if err != nil {
		return err
	}
	return ErrVersionConflict
}

func (s *PostgresStore) cascadeStatus(ctx context.Context, p Profile, expectedVersion uint64, accountStatus AccountStatus) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = dbtx.Rollback()
	}()

	const updProfile = `
UPDATE profiles
SET account_status = $2, identity_verified = $3, can_transact = $4,
    pin_hash = $5, pin_fail_count = $6, pin_locked_until = $7,
    version = version + 1
WHERE user_id = $1 AND version = $8
`
	res, err := dbtx.ExecContext(ctx, updProfile,
		p.UserID, string(p.AccountStatus), string(p.IdentityVerified), p.CanTransact,
		p.PINHash, p.PINFailCount, nullTime(p.PINLockedUntil), expectedVersion,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := dbtx.QueryRowContext(ctx, `SELECT TRUE FROM profiles WHERE user_id = $1`, p.UserID).Scan(&exists); err == sql.ErrNoRows {
			return ErrProfileNotFound
		} else if err != nil {
			return err
		}
		return ErrVersionConflict
	}

	const updAccounts = `
UPDATE accounts
SET status = $2, version = version + 1
WHERE owner_id = $1
`
	if _, err := dbtx.ExecContext(ctx, updAccounts, p.UserID, string(accountStatus)); err != nil {
		return err
	}
	return dbtx.Commit()
}

func (s *PostgresStore) CascadeLock(ctx context.Context, p Profile, expectedVersion uint64) error {
	return s.cascadeStatus(ctx, p, expectedVersion, AccountLocked)
}

func (s *PostgresStore) CascadeUnlock(ctx context.Context, p Profile, expectedVersion uint64) error {
	return s.cascadeStatus(ctx, p, expectedVersion, AccountActive)
}

func (s *PostgresStore) CreateTransaction(ctx context.Context, t Transaction) error {
	const q = `
INSERT INTO transactions (transaction_id, account_id, user_id, amount_minor, kind, status, fail_reason, created_at, confirmed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`
	_, err := s.db.ExecContext(ctx, q,
		t.TransactionID, t.AccountID, t.UserID, t.AmountMinor, string(t.Kind), string(t.Status),
		t.FailReason, t.CreatedAt.UTC(), nullTime(t.ConfirmedAt),
	)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	return err
}

func (s *PostgresStore) GetTransaction(ctx context.Context, transactionID string) (Transaction, error) {
	const q = `
SELECT transaction_id, account_id, user_id, amount_minor, kind, status, fail_reason, created_at, confirmed_at
FROM transactions
WHERE transaction_id = $1
`
	return s.scanTransaction(s.db.QueryRowContext(ctx, q, transactionID))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) scanTransaction(row rowScanner) (Transaction, error) {
	var t Transaction
	var kind, status string
	var confirmed sql.NullTime
	err := row.Scan(
		&t.TransactionID, &t.AccountID, &t.UserID, &t.AmountMinor, &kind, &status,
		&t.FailReason, &t.CreatedAt, &confirmed,
	)
	if err == sql.ErrNoRows {
		return Transaction{}, ErrTransactionNotFound
	}
	if err != nil {
		return Transaction{}, err
	}
	t.Kind = TransactionKind(kind)
	t.Status = TransactionStatus(status)
	t.CreatedAt = t.CreatedAt.UTC()
	t.ConfirmedAt = fromNullTime(confirmed)
	return t, nil
}

func (s *PostgresStore) MarkTransactionFailed(ctx context.Context, transactionID, reason string) error {
	const q = `
UPDATE transactions
SET status = 'failed', fail_reason = $2
WHERE transaction_id = $1 AND status = 'pending'
`
	res, err := s.db.ExecContext(ctx, q, transactionID, reason)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM transactions WHERE transaction_id = $1`, transactionID).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrTransactionNotFound
	}
	if err != nil {
		return err
	}
	return ErrTransactionTerminal
}

func (s *PostgresStore) ListTransactionsByAccount(ctx context.Context, accountID string, limit, offset int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	const q = `
SELECT transaction_id, account_id, user_id, amount_minor, kind, status, fail_reason, created_at, confirmed_at
FROM transactions
WHERE account_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3
`
	rows, err := s.db.QueryContext(ctx, q, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Transaction, 0)
	for rows.Next() {
		t, err := s.scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListPendingCreatedBefore(ctx context.Context, cutoff time.Time) ([]Transaction, error) {
	const q = `
SELECT transaction_id, account_id, user_id, amount_minor, kind, status, fail_reason, created_at, confirmed_at
FROM transactions
WHERE status = 'pending' AND created_at < $1
ORDER BY created_at ASC
`
	rows, err := s.db.QueryContext(ctx, q, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Transaction, 0)
	for rows.Next() {
		t, err := s.scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutCode(ctx context.Context, c OneTimeCode) error {
	const q = `
INSERT INTO one_time_codes (transaction_id, code, expire_at)
VALUES ($1,$2,$3)
ON CONFLICT (transaction_id) DO UPDATE SET
  code = EXCLUDED.code,
  expire_at = EXCLUDED.expire_at
`
	_, err := s.db.ExecContext(ctx, q, c.TransactionID, c.Code, c.ExpireAt.UTC())
	return err
}

func (s *PostgresStore) GetCode(ctx context.Context, transactionID string) (OneTimeCode, error) {
	const q = `
SELECT transaction_id, code, expire_at
FROM one_time_codes
WHERE transaction_id = $1
`
	var c OneTimeCode
	err := s.db.QueryRowContext(ctx, q, transactionID).Scan(&c.TransactionID, &c.Code, &c.ExpireAt)
	if err == sql.ErrNoRows {
		return OneTimeCode{}, ErrCodeNotFound
	}
	if err != nil {
		return OneTimeCode{}, err
	}
	c.ExpireAt = c.ExpireAt.UTC()
	return c, nil
}

func (s *PostgresStore) DeleteCode(ctx context.Context, transactionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM one_time_codes WHERE transaction_id = $1`, transactionID)
	return err
}
