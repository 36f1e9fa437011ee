package store

import (
	"context"
	"fmt"
	"time"

	"github.com/aussiebroadwan/authd/internal/auth/domain"
	"github.com/aussiebroadwan/authd/pkg/cryptox"
	"github.com/aussiebroadwan/authd/pkg/idx"
	"github.com/aussiebroadwan/authd/pkg/jwtx"
)

// KeyVault persists jwtx keys in the SigningKeys repository, sealing the
// private key material on the way in and opening it on the way out.
type KeyVault struct {
	store  Store
	sealer *cryptox.Sealer
}

func NewKeyVault(s Store, sealer *cryptox.Sealer) *KeyVault {
	return &KeyVault{store: s, sealer: sealer}
}

// In returns a vault that reads and writes through s, typically a Tx.
func (v *KeyVault) In(s Store) *KeyVault {
	return &KeyVault{store: s, sealer: v.sealer}
}

// Load returns the newest active key and every other unexpired key as
// trusted. Retired keys are trusted until their expiry. ErrNotFound means
// there is no active key yet.
func (v *KeyVault) Load(ctx context.Context, now time.Time) (*jwtx.Key, []*jwtx.Key, error) {
	rows, err := v.store.SigningKeys().ListSigningKeys(ctx, now)
	if err != nil {
		return nil, nil, err
	}

	var active *jwtx.Key
	var trusted []*jwtx.Key
	for _, row := range rows {
		k, err := v.open(row)
		if err != nil {
			return nil, nil, err
		}
		if active == nil && row.IsActive(now) {
			active = k
			continue
		}
		if row.RetiredAt != nil {
			k.NotAfter = row.ExpiresAt
		}
		trusted = append(trusted, k)
	}
	if active == nil {
		return nil, nil, ErrNotFound
	}
	return active, trusted, nil
}

// Save stores a freshly generated key. expiresAt is the hard limit after
// which housekeeping deletes it.
func (v *KeyVault) Save(ctx context.Context, k *jwtx.Key, pemKey []byte, expiresAt time.Time) error {
	sealed, err := v.sealer.Seal(pemKey)
	if err != nil {
		return fmt.Errorf("seal signing key %s: %w", k.KID, err)
	}
	return v.store.SigningKeys().CreateSigningKey(ctx, domain.SigningKey{
		ID:                  idx.New().String(),
		Kid:                 k.KID,
		Algorithm:           k.Alg,
		PrivateKeyEncrypted: sealed,
		CreatedAt:           k.CreatedAt,
		ExpiresAt:           expiresAt,
	})
}

func (v *KeyVault) open(row domain.SigningKey) (*jwtx.Key, error) {
	pemKey, err := v.sealer.Open(row.PrivateKeyEncrypted)
	if err != nil {
		return nil, fmt.Errorf("open signing key %s: %w", row.Kid, err)
	}
	k, err := jwtx.NewKey(row.Kid, pemKey, row.CreatedAt)
	if err != nil {
		return nil, err
	}
	if k.Alg != row.Algorithm {
		return nil, fmt.Errorf("signing key %s: stored as %s but holds %s", row.Kid, row.Algorithm, k.Alg)
	}
	return k, nil
}
