package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/authd/internal/auth/domain"
	"github.com/aussiebroadwan/authd/internal/auth/metrics"
	"github.com/aussiebroadwan/authd/internal/auth/store"
	"github.com/aussiebroadwan/authd/pkg/slogx"
)

// maxStampRetries bounds compare-and-swap attempts on the lockout counters.
const maxStampRetries = 5

// LockoutTracker keeps failed sign-in counters and lockout windows per
// identity. Writes are compare-and-swap on the identity's concurrency stamp;
// callers additionally serialise per identity with a keymutex so the CAS
// rarely loses.
type LockoutTracker struct {
	Store    store.Store
	Policy   domain.LockoutPolicy
	Metrics  *metrics.Metrics
	RetryMax time.Duration
	Now      func() time.Time
}

func (t *LockoutTracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// IsLockedOut reports whether identity is refused at now.
func (t *LockoutTracker) IsLockedOut(identity domain.Identity, now time.Time) bool {
	return identity.IsLockedOut(now)
}

// Evaluate clears a lockout that has already ended and returns the
// up-to-date identity.
func (t *LockoutTracker) Evaluate(ctx context.Context, identity domain.Identity) (domain.Identity, error) {
	now := t.now()
	if identity.LockoutEnd == nil || now.Before(*identity.LockoutEnd) {
		return identity, nil
	}
	identity, err := t.update(ctx, identity, func(i domain.Identity) (domain.LockoutState, bool) {
		if i.LockoutEnd == nil || now.Before(*i.LockoutEnd) {
			return domain.LockoutState{}, false
		}
		return domain.LockoutState{}, true
	})
	if err == nil {
		slogx.FromContext(ctx).Debug("expired lockout cleared", slog.String("identity_id", identity.ID))
	}
	return identity, err
}

// RecordFailure counts a failed sign-in. It reports whether the identity is
// now locked out, and until when.
func (t *LockoutTracker) RecordFailure(ctx context.Context, identity domain.Identity) (bool, time.Time, error) {
	if !identity.LockoutEnabled {
		return false, time.Time{}, nil
	}

	var (
		locked  bool
		crossed bool
		until   time.Time
	)
	now := t.now()
	identity, err := t.update(ctx, identity, func(i domain.Identity) (domain.LockoutState, bool) {
		locked, crossed, until = false, false, time.Time{}
		if i.IsLockedOut(now) {
			locked, until = true, *i.LockoutEnd
			return domain.LockoutState{}, false
		}

		st := i.LockoutState()
		if st.LockoutEnd != nil {
			// An ended lockout starts a fresh count.
			st = domain.LockoutState{}
		}
		if st.FailureWindowStart == nil || now.Sub(*st.FailureWindowStart) >= t.Policy.FailureWindow {
			start := now
			st.AccessFailedCount = 0
			st.FailureWindowStart = &start
		}
		st.AccessFailedCount++
		if st.AccessFailedCount >= t.Policy.MaxFailures {
			end := now.Add(t.Policy.LockoutDuration)
			st.LockoutEnd = &end
			locked, crossed, until = true, true, end
		}
		return st, true
	})
	if err != nil {
		return false, time.Time{}, err
	}

	if crossed {
		t.Metrics.Lockout()
		slogx.FromContext(ctx).Warn("identity locked out",
			slog.String("identity_id", identity.ID),
			slog.Int("failures", identity.AccessFailedCount),
			slog.Time("until", until),
		)
	}
	return locked, until, nil
}

// RecordSuccess resets the failure counter after a successful sign-in.
func (t *LockoutTracker) RecordSuccess(ctx context.Context, identity domain.Identity) (domain.Identity, error) {
	return t.update(ctx, identity, func(i domain.Identity) (domain.LockoutState, bool) {
		clean := i.AccessFailedCount == 0 && i.FailureWindowStart == nil && i.LockoutEnd == nil
		return domain.LockoutState{}, !clean
	})
}

// Clear is the administrative unlock. It applies whether or not lockout is
// enabled for the identity.
func (t *LockoutTracker) Clear(ctx context.Context, identityID string) (domain.Identity, error) {
	var identity domain.Identity
	err := store.WithRetry(ctx, t.RetryMax, func() (err error) {
		identity, err = t.Store.Identities().GetIdentityByID(ctx, identityID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return domain.Identity{}, ErrIdentityNotFound
	}
	if err != nil {
		return domain.Identity{}, err
	}

	identity, err = t.update(ctx, identity, func(i domain.Identity) (domain.LockoutState, bool) {
		return domain.LockoutState{}, i.AccessFailedCount != 0 || i.FailureWindowStart != nil || i.LockoutEnd != nil
	})
	if err != nil {
		return domain.Identity{}, err
	}
	slogx.FromContext(ctx).Info("identity unlocked", slog.String("identity_id", identity.ID))
	return identity, nil
}

// update applies next to the identity with compare-and-swap, reloading and
// recomputing on conflict. next returns false when nothing needs writing.
func (t *LockoutTracker) update(
	ctx context.Context,
	identity domain.Identity,
	next func(domain.Identity) (domain.LockoutState, bool),
) (domain.Identity, error) {
	for attempt := 0; attempt < maxStampRetries; attempt++ {
		st, write := next(identity)
		if !write {
			return identity, nil
		}

		var stamp string
		err := store.WithRetry(ctx, t.RetryMax, func() (err error) {
			stamp, err = t.Store.Identities().UpdateLockoutState(ctx, identity.ID, identity.ConcurrencyStamp, st)
			return err
		})
		if err == nil {
			identity.ApplyLockoutState(st)
			identity.ConcurrencyStamp = stamp
			return identity, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return identity, err
		}

		err = store.WithRetry(ctx, t.RetryMax, func() (err error) {
			identity, err = t.Store.Identities().GetIdentityByID(ctx, identity.ID)
			return err
		})
		if err != nil {
			return identity, err
		}
	}
	return identity, fmt.Errorf("lockout update for %s: %w", identity.ID, store.ErrConflict)
}
