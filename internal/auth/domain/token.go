package domain

import "time"

// TokenPair is what a successful grant returns.
type TokenPair struct {
	AccessToken  string
	TokenType    string // always "bearer"
	ExpiresIn    time.Duration
	RefreshToken string
	Scope        string // space-delimited
}

// RefreshToken is the stored record of an issued refresh token. The plaintext
// token is never stored, only its fingerprint.
type RefreshToken struct {
	ID         string
	IdentityID string
	TokenHash  string // base64url SHA-256 of the opaque token
	SessionID  string // shared by every token in a rotation chain
	ParentID   string // token this one replaced, empty for the first
	Scopes     []string
	AMR        []string
	ExpiresAt  time.Time
	Revoked    bool
	RevokedAt  *time.Time
	CreatedAt  time.Time
}

func (t RefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// IsLive reports whether the token can still be redeemed.
func (t RefreshToken) IsLive(now time.Time) bool {
	return !t.Revoked && !t.IsExpired(now)
}
