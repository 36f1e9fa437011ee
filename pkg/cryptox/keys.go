package cryptox

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// Signing algorithms understood by GenerateSigningKey.
const (
	AlgEdDSA = "EdDSA"
	AlgES256 = "ES256"
	AlgRS256 = "RS256"
)

const minRSABits = 2048

// GenerateSigningKey creates a private key for alg and returns it as a
// PKCS8 PEM block.
func GenerateSigningKey(alg string, rsaBits int) ([]byte, error) {
	var (
		key any
		err error
	)
	switch alg {
	case AlgEdDSA:
		_, key, err = ed25519.GenerateKey(rand.Reader)
	case AlgES256:
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case AlgRS256:
		if rsaBits < minRSABits {
			return nil, fmt.Errorf("cryptox: RSA key size must be at least %d bits", minRSABits)
		}
		key, err = rsa.GenerateKey(rand.Reader, rsaBits)
	default:
		return nil, fmt.Errorf("cryptox: unsupported algorithm %q", alg)
	}
	if err != nil {
		return nil, fmt.Errorf("cryptox: generate %s key: %w", alg, err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("cryptox: marshal PKCS8: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// ParseSigningKey decodes a PEM private key (PKCS8, PKCS1 or SEC1) and
// reports the JWT algorithm it signs with.
func ParseSigningKey(data []byte) (crypto.Signer, string, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, "", errors.New("cryptox: no PEM block found")
	}

	var (
		key any
		err error
	)
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	if err != nil {
		return nil, "", fmt.Errorf("cryptox: parse %s: %w", block.Type, err)
	}

	switch k := key.(type) {
	case ed25519.PrivateKey:
		return k, AlgEdDSA, nil
	case *ecdsa.PrivateKey:
		if k.Curve != elliptic.P256() {
			return nil, "", fmt.Errorf("cryptox: unsupported curve %s", k.Curve.Params().Name)
		}
		return k, AlgES256, nil
	case *rsa.PrivateKey:
		return k, AlgRS256, nil
	default:
		return nil, "", fmt.Errorf("cryptox: unsupported key type %T", key)
	}
}
