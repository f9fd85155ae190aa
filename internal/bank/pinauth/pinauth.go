// Package pinauth owns the per-user PIN state machine: verification,
// progressive lockout with cascade lock of every owned account, and one-time
// migration of legacy per-account PINs onto the profile. No other component
// writes the failure counter or the lockout timestamp.
package pinauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/harborpay/corebank/internal/bank/store"
	"github.com/harborpay/corebank/internal/platform/audit"
	"github.com/harborpay/corebank/internal/platform/clock"
	"github.com/harborpay/corebank/internal/platform/metrics"
)

var (
	ErrPINIncorrect    = errors.New("pin is incorrect")
	ErrNoPINConfigured = errors.New("no pin configured for user")
	// ErrRetryExhausted is transient: the profile kept moving under us and the
	// attempt committed nothing, so the whole call is safe to repeat.
	ErrRetryExhausted = errors.New("profile write retries exhausted")
)

// LockedError is returned while the lockout window is open. Attempts during
// the window do not consume failure counts; only time or an administrative
// unlock ends it.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("pin verification locked until %s", e.Until.UTC().Format(time.RFC3339))
}

const (
	defaultMaxFailures     = 5
	defaultLockoutTTL      = 10 * time.Minute
	defaultCascadeAttempts = 16
)

type Service struct {
	Profiles store.ProfileStore
	Accounts store.AccountStore
	Clock    clock.Clock
	Metrics  *metrics.Metrics
	Audit    *audit.Log
	// MaxFailures is the lockout threshold; zero means the default of 5.
	MaxFailures int
	// LockoutTTL is the lockout window; zero means the default of 10 minutes.
	LockoutTTL time.Duration
	// CascadeAttempts bounds the retry loop applying the cascade lock. A
	// half-applied lock is worse than a slow one, so the loop is generous.
	CascadeAttempts int
}

func (s *Service) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now().UTC()
}

func (s *Service) maxFailures() int {
	if s.MaxFailures <= 0 {
		return defaultMaxFailures
	}
	return s.MaxFailures
}

func (s *Service) lockoutTTL() time.Duration {
	if s.LockoutTTL <= 0 {
		return defaultLockoutTTL
	}
	return s.LockoutTTL
}

func (s *Service) cascadeAttempts() int {
	if s.CascadeAttempts <= 0 {
		return defaultCascadeAttempts
	}
	return s.CascadeAttempts
}

// VerifyPIN checks a submitted PIN for the user. On success the failure
// counter resets. On failure the counter advances and, at the threshold, the
// user and every owned account lock in one logical operation.
func (s *Service) VerifyPIN(ctx context.Context, userID, submitted string) error {
	for attempt := 0; attempt < s.cascadeAttempts(); attempt++ {
		p, err := s.Profiles.GetProfile(ctx, userID)
		if err != nil {
			return err
		}
		now := s.now()
		if p.Locked(now) {
			s.Metrics.ObservePINCheck("locked")
			return &LockedError{Until: p.PINLockedUntil}
		}

		var match bool
		if p.PINHash != "" {
			match = bcrypt.CompareHashAndPassword([]byte(p.PINHash), []byte(submitted)) == nil
		} else {
			legacy, found, err := s.matchLegacyPIN(ctx, userID, submitted)
			if err != nil {
				return err
			}
			if !found {
				s.Metrics.ObservePINCheck("unconfigured")
				return ErrNoPINConfigured
			}
			match = legacy
			if match {
				if err := s.migrateLegacyPIN(ctx, p, submitted); err != nil {
					return err
				}
				s.Metrics.ObservePINCheck("ok")
				return nil
			}
		}

		if match {
			if p.PINFailCount == 0 && p.PINLockedUntil.IsZero() {
				s.Metrics.ObservePINCheck("ok")
				return nil
			}
			p.PINFailCount = 0
			p.PINLockedUntil = time.Time{}
			err := s.Profiles.UpdateProfileIf(ctx, p, p.Version)
			if errors.Is(err, store.ErrVersionConflict) {
				continue
			}
			if err != nil {
				return err
			}
			s.Metrics.ObservePINCheck("ok")
			return nil
		}

		p.PINFailCount++
		if p.PINFailCount >= s.maxFailures() {
			p.PINLockedUntil = now.Add(s.lockoutTTL())
			p.AccountStatus = store.AccountLocked
			err := s.applyCascadeLock(ctx, p)
			if errors.Is(err, store.ErrVersionConflict) {
				continue
			}
			if err != nil {
				return err
			}
			s.Metrics.ObservePINCheck("lockout")
			s.Metrics.ObserveLockoutActivation()
			s.auditLockout(userID, p.PINLockedUntil)
			return &LockedError{Until: p.PINLockedUntil}
		}

		err = s.Profiles.UpdateProfileIf(ctx, p, p.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return err
		}
		s.Metrics.ObservePINCheck("incorrect")
		return ErrPINIncorrect
	}
	return ErrRetryExhausted
}

// matchLegacyPIN scans the user's accounts for a historical per-account PIN.
// found reports whether any account still carries one at all; when none does
// and the profile has no hash, the user genuinely has no PIN configured.
func (s *Service) matchLegacyPIN(ctx context.Context, userID, submitted string) (match, found bool, err error) {
	accounts, err := s.Accounts.AccountsOwnedBy(ctx, userID)
	if err != nil {
		return false, false, err
	}
	for _, a := range accounts {
		if a.LegacyPIN == "" {
			continue
		}
		found = true
		if a.LegacyPIN == submitted {
			return true, true, nil
		}
	}
	return false, found, nil
}

// migrateLegacyPIN writes a fresh bcrypt hash onto the profile so all
// subsequent verifications use the centralized path. The write is gated on
// the hash still being absent, so repeating the migration is a no-op.
func (s *Service) migrateLegacyPIN(ctx context.Context, p store.Profile, submitted string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(submitted), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	for {
		if p.PINHash != "" {
			return nil
		}
		p.PINHash = string(hash)
		p.PINFailCount = 0
		p.PINLockedUntil = time.Time{}
		err := s.Profiles.UpdateProfileIf(ctx, p, p.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			reread, rerr := s.Profiles.GetProfile(ctx, p.UserID)
			if rerr != nil {
				return rerr
			}
			p = reread
			continue
		}
		return err
	}
}

// applyCascadeLock retries the multi-record lock on transient failures until
// it fully applies. Version conflicts are returned to the caller, which
// re-runs the whole verification cycle against the fresh profile.
func (s *Service) applyCascadeLock(ctx context.Context, p store.Profile) error {
	var err error
	for attempt := 0; attempt < s.cascadeAttempts(); attempt++ {
		err = s.Profiles.CascadeLock(ctx, p, p.Version)
		if err == nil || errors.Is(err, store.ErrVersionConflict) || errors.Is(err, store.ErrProfileNotFound) {
			return err
		}
	}
	return err
}

// AdminUnlock clears the lockout state and reactivates the user and every
// owned account. It is the administrative escape hatch from LockedError.
func (s *Service) AdminUnlock(ctx context.Context, userID string) error {
	for attempt := 0; attempt < s.cascadeAttempts(); attempt++ {
		p, err := s.Profiles.GetProfile(ctx, userID)
		if err != nil {
			return err
		}
		p.AccountStatus = store.AccountActive
		p.PINFailCount = 0
		p.PINLockedUntil = time.Time{}
		err = s.Profiles.CascadeUnlock(ctx, p, p.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return err
		}
		s.auditUnlock(userID)
		return nil
	}
	return ErrRetryExhausted
}

func (s *Service) auditLockout(userID string, until time.Time) {
	if s.Audit == nil {
		return
	}
	after, _ := json.Marshal(map[string]any{"user_id": userID, "locked_until": until.UTC().Format(time.RFC3339)})
	_, _ = s.Audit.Append(audit.Event{
		OccurredAt: s.now(),
		ActorID:    userID,
		ObjectType: "profile",
		ObjectID:   userID,
		Action:     "cascade_lock",
		Before:     []byte(`{}`),
		After:      after,
		Result:     audit.ResultDenied,
		Reason:     "pin failure threshold reached",
	})
}

func (s *Service) auditUnlock(userID string) {
	if s.Audit == nil {
		return
	}
	_, _ = s.Audit.Append(audit.Event{
		OccurredAt: s.now(),
		ActorID:    "staff",
		ObjectType: "profile",
		ObjectID:   userID,
		Action:     "admin_unlock",
		Before:     []byte(`{}`),
		After:      []byte(`{}`),
		Result:     audit.ResultSuccess,
		Reason:     "administrative unlock",
	})
}
