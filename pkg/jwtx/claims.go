package jwtx

import (
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultAccessTokenTTL  = 15 * time.Minute
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
)

// Authentication method references carried in the amr claim.
const (
	AMRPassword = "pwd"
	AMROTP      = "otp"
)

// Claims is the access token body.
type Claims struct {
	jwt.RegisteredClaims

	// SID groups every access token minted from one refresh chain.
	SID      string   `json:"sid,omitempty"`
	Username string   `json:"username,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	// Scope is space delimited as in RFC 8693.
	Scope string   `json:"scope,omitempty"`
	AMR   []string `json:"amr,omitempty"`
}

type AccessParams struct {
	Subject   string
	SessionID string
	Username  string
	Roles     []string
	Scopes    []string
	AMR       []string
	Issuer    string
	Audience  []string
	TTL       time.Duration
	Now       time.Time
}

// NewAccessClaims builds claims with iat/nbf at p.Now and a UUIDv7 jti.
func NewAccessClaims(p AccessParams) Claims {
	if p.TTL <= 0 {
		p.TTL = DefaultAccessTokenTTL
	}
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.Issuer,
			Subject:   p.Subject,
			Audience:  jwt.ClaimStrings(p.Audience),
			IssuedAt:  jwt.NewNumericDate(p.Now),
			NotBefore: jwt.NewNumericDate(p.Now),
			ExpiresAt: jwt.NewNumericDate(p.Now.Add(p.TTL)),
			ID:        NewJTI(),
		},
		SID:      p.SessionID,
		Username: p.Username,
		Roles:    p.Roles,
		Scope:    strings.Join(p.Scopes, " "),
		AMR:      p.AMR,
	}
}

func NewJTI() string {
	return uuid.Must(uuid.NewV7()).String()
}

func (c Claims) Scopes() []string { return strings.Fields(c.Scope) }

func (c Claims) HasScope(scope string) bool { return slices.Contains(c.Scopes(), scope) }

func (c Claims) HasRole(role string) bool { return slices.Contains(c.Roles, role) }
