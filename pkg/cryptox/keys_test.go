package cryptox_test

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/aussiebroadwan/authd/pkg/cryptox"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndParseSigningKey(t *testing.T) {
	tests := []struct {
		alg  string
		bits int
		want any
	}{
		{cryptox.AlgEdDSA, 0, ed25519.PrivateKey{}},
		{cryptox.AlgES256, 0, &ecdsa.PrivateKey{}},
		{cryptox.AlgRS256, 2048, &rsa.PrivateKey{}},
	}
	for _, tt := range tests {
		t.Run(tt.alg, func(t *testing.T) {
			pemData, err := cryptox.GenerateSigningKey(tt.alg, tt.bits)
			require.NoError(t, err)
			require.Contains(t, string(pemData), "BEGIN PRIVATE KEY")

			signer, alg, err := cryptox.ParseSigningKey(pemData)
			require.NoError(t, err)
			require.Equal(t, tt.alg, alg)
			require.IsType(t, tt.want, signer)
		})
	}
}

func TestGenerateSigningKey_Rejects(t *testing.T) {
	_, err := cryptox.GenerateSigningKey(cryptox.AlgRS256, 1024)
	require.Error(t, err)
	_, err = cryptox.GenerateSigningKey("HS256", 0)
	require.Error(t, err)
}

func TestParseSigningKey_PKCS1(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemData := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	_, alg, err := cryptox.ParseSigningKey(pemData)
	require.NoError(t, err)
	require.Equal(t, cryptox.AlgRS256, alg)
}

func TestParseSigningKey_Garbage(t *testing.T) {
	_, _, err := cryptox.ParseSigningKey([]byte("not pem"))
	require.Error(t, err)
}
