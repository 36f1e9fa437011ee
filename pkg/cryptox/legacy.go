package cryptox

import (
	"crypto/sha1" // #nosec G505 -- required by the ASP.NET Identity v2 format
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

// Legacy hashes are never peppered; they were produced before this service
// owned the credential table.

func isBcrypt(encoded string) bool {
	return strings.HasPrefix(encoded, "$2a$") ||
		strings.HasPrefix(encoded, "$2b$") ||
		strings.HasPrefix(encoded, "$2y$")
}

func verifyBcrypt(password, encoded string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(encoded), []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("cryptox: bcrypt: %w", err)
	}
}

const (
	identityV2Marker = 0x00
	identityV3Marker = 0x01
)

// verifyIdentityHash checks the ASP.NET Core Identity password hash layouts.
//
// v2: 0x00 | salt(16) | subkey(32), PBKDF2-HMAC-SHA1, 1000 iterations.
// v3: 0x01 | prf(u32be) | iter(u32be) | saltLen(u32be) | salt | subkey.
func verifyIdentityHash(password string, raw []byte) (bool, error) {
	switch raw[0] {
	case identityV2Marker:
		if len(raw) != 1+16+32 {
			return false, ErrUnknownHashFormat
		}
		salt, want := raw[1:17], raw[17:]
		got := pbkdf2.Key([]byte(password), salt, 1000, len(want), sha1.New)
		return subtle.ConstantTimeCompare(got, want) == 1, nil

	case identityV3Marker:
		if len(raw) < 13 {
			return false, ErrUnknownHashFormat
		}
		prf := binary.BigEndian.Uint32(raw[1:5])
		iter := binary.BigEndian.Uint32(raw[5:9])
		saltLen := binary.BigEndian.Uint32(raw[9:13])
		if saltLen < 16 || uint64(len(raw)) < 13+uint64(saltLen)+16 {
			return false, ErrUnknownHashFormat
		}
		var fn func() hash.Hash
		switch prf {
		case 0:
			fn = sha1.New
		case 1:
			fn = sha256.New
		case 2:
			fn = sha512.New
		default:
			return false, fmt.Errorf("cryptox: identity hash prf %d", prf)
		}
		salt := raw[13 : 13+saltLen]
		want := raw[13+saltLen:]
		got := pbkdf2.Key([]byte(password), salt, int(iter), len(want), fn)
		return subtle.ConstantTimeCompare(got, want) == 1, nil
	}
	return false, ErrUnknownHashFormat
}
