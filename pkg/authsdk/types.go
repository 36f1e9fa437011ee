package authsdk

import "time"

// TokenResponse is the RFC 6749 section 5.1 token endpoint response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

type UserInfoResponse struct {
	Subject  string   `json:"sub"`
	Username string   `json:"username"`
	Email    string   `json:"email,omitempty"`
	Roles    []string `json:"roles"`
	Scope    string   `json:"scope,omitempty"`
}

type CreateIdentityRequest struct {
	Username       string   `json:"username"`
	Email          string   `json:"email"`
	Password       string   `json:"password"`
	Roles          []string `json:"roles,omitempty"`
	LockoutEnabled *bool    `json:"lockout_enabled,omitempty"`
}

type IdentityResponse struct {
	ID             string     `json:"id"`
	Username       string     `json:"username"`
	Email          string     `json:"email,omitempty"`
	Roles          []string   `json:"roles"`
	LockoutEnabled bool       `json:"lockout_enabled"`
	FailedCount    int        `json:"access_failed_count"`
	LockoutEnd     *time.Time `json:"lockout_end,omitempty"`
	TOTPEnabled    bool       `json:"totp_enabled"`
	CreatedAt      time.Time  `json:"created_at"`
}

type RevokedResponse struct {
	Revoked int `json:"revoked"`
}

type SigningKeyResponse struct {
	KID       string     `json:"kid"`
	Algorithm string     `json:"alg"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
	NotAfter  *time.Time `json:"not_after,omitempty"`
}

type SigningKeysResponse struct {
	Version uint64               `json:"version"`
	Keys    []SigningKeyResponse `json:"keys"`
}

type HealthChecks struct {
	Database string `json:"database"`
	Signer   string `json:"signer"`
}

type HealthResponse struct {
	Status  string        `json:"status"`
	Uptime  string        `json:"uptime"`
	Version string        `json:"version"`
	Checks  *HealthChecks `json:"checks,omitempty"`
}

type RoleResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ListRolesResponse struct {
	Roles []RoleResponse `json:"roles"`
}

type ListIdentitiesResponse struct {
	Identities []IdentityResponse `json:"identities"`
}

// TOTPEnrollResponse carries the new secret once. It cannot be read back.
type TOTPEnrollResponse struct {
	Secret string `json:"secret"`
	URL    string `json:"otpauth_url"`
}

// IntrospectionResponse follows RFC 7662. An inactive token carries only
// Active.
type IntrospectionResponse struct {
	Active    bool     `json:"active"`
	TokenType string   `json:"token_type,omitempty"`
	Scope     string   `json:"scope,omitempty"`
	Subject   string   `json:"sub,omitempty"`
	Username  string   `json:"username,omitempty"`
	SessionID string   `json:"sid,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	AMR       []string `json:"amr,omitempty"`
	Issuer    string   `json:"iss,omitempty"`
	Audience  []string `json:"aud,omitempty"`
	JTI       string   `json:"jti,omitempty"`
	ExpiresAt int64    `json:"exp,omitempty"`
	IssuedAt  int64    `json:"iat,omitempty"`
}
