package service

import (
	"context"
	"runtime"

	"github.com/aussiebroadwan/authd/internal/auth/metrics"
	"github.com/aussiebroadwan/authd/pkg/cryptox"
	"golang.org/x/sync/semaphore"
)

// PasswordVerifier runs password hashing on a bounded number of goroutines
// so a burst of sign-ins cannot exhaust CPU and memory. Waiting for a slot
// honours ctx.
type PasswordVerifier struct {
	hasher  *cryptox.PasswordHasher
	sem     *semaphore.Weighted
	metrics *metrics.Metrics

	// dummy is verified for unknown usernames so response timing does not
	// reveal whether an identity exists.
	dummy string
}

// NewPasswordVerifier allows concurrency hash operations at once; zero or
// less means runtime.NumCPU().
func NewPasswordVerifier(hasher *cryptox.PasswordHasher, concurrency int, m *metrics.Metrics) (*PasswordVerifier, error) {
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	dummy, err := hasher.Hash("authd-dummy-password")
	if err != nil {
		return nil, err
	}
	return &PasswordVerifier{
		hasher:  hasher,
		sem:     semaphore.NewWeighted(int64(concurrency)),
		metrics: m,
		dummy:   dummy,
	}, nil
}

func (v *PasswordVerifier) acquire(ctx context.Context) (func(), error) {
	done := v.metrics.HashStarted()
	if err := v.sem.Acquire(ctx, 1); err != nil {
		done()
		return nil, err
	}
	return func() {
		v.sem.Release(1)
		done()
	}, nil
}

func (v *PasswordVerifier) Hash(ctx context.Context, plaintext string) (string, error) {
	release, err := v.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()
	return v.hasher.Hash(plaintext)
}

// Verify compares plaintext with hash in constant time. needsRehash is set
// for legacy or outdated hashes that matched.
func (v *PasswordVerifier) Verify(ctx context.Context, plaintext, hash string) (ok, needsRehash bool, err error) {
	release, err := v.acquire(ctx)
	if err != nil {
		return false, false, err
	}
	defer release()
	return v.hasher.Verify(plaintext, hash)
}

// VerifyDummy spends the same effort as Verify and always fails.
func (v *PasswordVerifier) VerifyDummy(ctx context.Context, plaintext string) error {
	_, _, err := v.Verify(ctx, plaintext, v.dummy)
	return err
}
