package domain

import "time"

// SigningKey is a persisted JWT signing key. The private key PEM is sealed
// with AES-GCM before it reaches the store.
type SigningKey struct {
	ID                  string
	Kid                 string
	Algorithm           string // EdDSA, ES256 or RS256
	PrivateKeyEncrypted []byte
	CreatedAt           time.Time
	RetiredAt           *time.Time // nil while the key signs
	ExpiresAt           time.Time  // verification stops and housekeeping deletes after this
}

func (k SigningKey) IsActive(now time.Time) bool {
	return k.RetiredAt == nil && now.Before(k.ExpiresAt)
}

func (k SigningKey) IsExpired(now time.Time) bool {
	return !now.Before(k.ExpiresAt)
}
