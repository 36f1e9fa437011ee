package cryptox

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// ErrUnknownHashFormat is returned when a stored hash matches none of the
// supported encodings.
var ErrUnknownHashFormat = errors.New("cryptox: unknown password hash format")

// Argon2Params are the cost parameters written into every new hash.
type Argon2Params struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
	KeyLength   uint32
	SaltLength  uint32
}

// DefaultArgon2Params follows the OWASP argon2id minimum (19 MiB, t=2, p=1).
var DefaultArgon2Params = Argon2Params{
	Memory:      19 * 1024,
	Iterations:  2,
	Parallelism: 1,
	KeyLength:   32,
	SaltLength:  16,
}

// PasswordHasher hashes new passwords with argon2id and verifies argon2id,
// bcrypt and ASP.NET Identity hashes.
type PasswordHasher struct {
	Params Argon2Params
	Pepper []byte
}

func NewPasswordHasher(pepper []byte) *PasswordHasher {
	return &PasswordHasher{Params: DefaultArgon2Params, Pepper: pepper}
}

// Hash returns a PHC string: $argon2id$v=19$m=..,t=..,p=..$salt$hash
func (h *PasswordHasher) Hash(password string) (string, error) {
	p := h.Params
	salt := make([]byte, p.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("cryptox: read salt: %w", err)
	}
	key := argon2.IDKey(h.peppered(password), salt, p.Iterations, p.Memory, p.Parallelism, p.KeyLength)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		p.Memory, p.Iterations, p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether password matches encoded. needsRehash is set when
// the hash is valid but was produced by a legacy scheme or with parameters
// other than h.Params. A mismatch is not an error.
func (h *PasswordHasher) Verify(password, encoded string) (ok, needsRehash bool, err error) {
	switch {
	case strings.HasPrefix(encoded, "$argon2id$"):
		return h.verifyArgon2(password, encoded)
	case isBcrypt(encoded):
		ok, err = verifyBcrypt(password, encoded)
		return ok, ok, err
	default:
		if raw, decErr := base64.StdEncoding.DecodeString(encoded); decErr == nil && len(raw) > 0 {
			ok, err = verifyIdentityHash(password, raw)
			return ok, ok, err
		}
		return false, false, ErrUnknownHashFormat
	}
}

func (h *PasswordHasher) verifyArgon2(password, encoded string) (bool, bool, error) {
	parts := strings.Split(encoded, "$")
	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, hash
	if len(parts) != 6 {
		return false, false, fmt.Errorf("cryptox: argon2id hash has %d parts", len(parts))
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false, false, fmt.Errorf("cryptox: unsupported argon2 version %q", parts[2])
	}

	var p Argon2Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Iterations, &p.Parallelism); err != nil {
		return false, false, fmt.Errorf("cryptox: parse argon2 params: %w", err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, false, fmt.Errorf("cryptox: decode salt: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, false, fmt.Errorf("cryptox: decode hash: %w", err)
	}
	p.SaltLength = uint32(len(salt)) // #nosec G115
	p.KeyLength = uint32(len(want))  // #nosec G115

	got := argon2.IDKey(h.peppered(password), salt, p.Iterations, p.Memory, p.Parallelism, p.KeyLength)
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return false, false, nil
	}
	return true, p != h.Params, nil
}

func (h *PasswordHasher) peppered(password string) []byte {
	b := make([]byte, 0, len(password)+len(h.Pepper))
	b = append(b, password...)
	return append(b, h.Pepper...)
}
