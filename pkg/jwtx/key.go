package jwtx

import (
	"crypto"
	"fmt"
	"strings"
	"time"

	"github.com/aussiebroadwan/authd/pkg/cryptox"
	"github.com/aussiebroadwan/authd/pkg/idx"
	"github.com/golang-jwt/jwt/v5"
)

// Key is one signing key. Keys are values: a ring never mutates a Key it
// has published, it copies it.
type Key struct {
	KID    string
	Alg    string
	Signer crypto.Signer

	CreatedAt time.Time
	// NotAfter ends trust in the key for verification. Zero means no limit.
	NotAfter time.Time
}

// NewKID returns a sortable key id; later keys compare greater.
func NewKID() string {
	return "authd-" + strings.ToLower(idx.New().String())
}

// NewKey parses a PEM private key. The algorithm is taken from the key type.
func NewKey(kid string, pemKey []byte, createdAt time.Time) (*Key, error) {
	signer, alg, err := cryptox.ParseSigningKey(pemKey)
	if err != nil {
		return nil, fmt.Errorf("jwtx: key %s: %w", kid, err)
	}
	return &Key{KID: kid, Alg: alg, Signer: signer, CreatedAt: createdAt}, nil
}

// GenerateKey creates a fresh key for alg. It returns the PEM as well so
// callers can persist it.
func GenerateKey(alg string, rsaBits int, now time.Time) (*Key, []byte, error) {
	pemKey, err := cryptox.GenerateSigningKey(alg, rsaBits)
	if err != nil {
		return nil, nil, err
	}
	k, err := NewKey(NewKID(), pemKey, now)
	if err != nil {
		return nil, nil, err
	}
	return k, pemKey, nil
}

func (k *Key) method() jwt.SigningMethod {
	return jwt.GetSigningMethod(k.Alg)
}

func (k *Key) Public() crypto.PublicKey { return k.Signer.Public() }

func (k *Key) trustedAt(now time.Time) bool {
	return k.NotAfter.IsZero() || now.Before(k.NotAfter)
}

func (k *Key) withNotAfter(t time.Time) *Key {
	cp := *k
	cp.NotAfter = t
	return &cp
}

func (k *Key) sign(claims Claims) (string, error) {
	t := jwt.NewWithClaims(k.method(), claims)
	t.Header["kid"] = k.KID
	return t.SignedString(k.Signer)
}
