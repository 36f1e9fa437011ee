package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/aussiebroadwan/authd/internal/auth/domain"
	"github.com/aussiebroadwan/authd/internal/auth/service"
	"github.com/aussiebroadwan/authd/pkg/authsdk"
	"github.com/aussiebroadwan/authd/pkg/httpx"
	"github.com/aussiebroadwan/authd/pkg/slogx"
)

// TokenHandler serves POST /connect/token and POST /v1/oauth2/token.
// Accepts application/x-www-form-urlencoded per RFC 6749.
type TokenHandler struct {
	Grants *service.GrantProcessor
	// ClientIP resolves the address recorded with the grant. Nil means the
	// connection's peer address.
	ClientIP httpx.KeyExtractor
	Now      func() time.Time
}

// ServeHTTP godoc
//
//	@Summary		OAuth2 Token Endpoint
//	@Description	Issues an access token and a refresh token with the password grant, or rotates a refresh token with the refresh_token grant.
//	@Description	A locked out identity gets invalid_grant with error_description "locked_out" and a Retry-After header.
//	@Tags			OAuth2
//	@Accept			application/x-www-form-urlencoded
//	@Produce		json
//	@Param			grant_type		formData	string					true	"Grant type"	Enums(password, refresh_token)
//	@Param			username		formData	string					false	"Username (password grant)"
//	@Param			password		formData	string					false	"Password (password grant)"
//	@Param			otp				formData	string					false	"TOTP code when the identity has a second factor"
//	@Param			refresh_token	formData	string					false	"Refresh token (refresh_token grant)"
//	@Param			scope			formData	string					false	"Space-delimited list of scopes"
//	@Success		200				{object}	authsdk.TokenResponse	"access_token, refresh_token, token_type, expires_in, scope"
//	@Failure		400				{object}	authsdk.ErrorResponse	"error, error_description"
//	@Failure		429				{object}	authsdk.ErrorResponse	"rate limit exceeded"
//	@Failure		500				{object}	authsdk.ErrorResponse	"error, error_description"
//	@Failure		503				{object}	authsdk.ErrorResponse	"store unavailable"
//	@Header			200				{string}	Cache-Control			"no-store"
//	@Header			400				{string}	Retry-After				"seconds until a lockout ends"
//	@Router			/connect/token [post].
func (h *TokenHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !httpx.IsFormRequest(r) {
		authsdk.ErrInvalidContentType.WriteError(w)
		return
	}
	if err := r.ParseForm(); err != nil {
		authsdk.ErrInvalidRequest.WriteError(w)
		return
	}

	form := r.PostForm
	req := domain.GrantRequest{
		GrantType:    domain.GrantType(strings.TrimSpace(form.Get("grant_type"))),
		Username:     form.Get("username"),
		Password:     form.Get("password"),
		OTP:          strings.TrimSpace(form.Get("otp")),
		RefreshToken: strings.TrimSpace(form.Get("refresh_token")),
		Scopes:       httpx.SplitFields(form.Get("scope")),
		RemoteIP:     h.clientIP(r),
		UserAgent:    r.UserAgent(),
	}
	if req.GrantType == "" {
		authsdk.ErrInvalidRequest.WithDescription("grant_type is required").WriteError(w)
		return
	}

	pair, err := h.Grants.Process(r.Context(), req)
	if err != nil {
		writeError(w, r, err, nowFrom(h.Now))
		return
	}

	slogx.FromContext(r.Context()).Debug("token issued", "grant_type", req.GrantType)
	httpx.WriteJSON(w, http.StatusOK, authsdk.TokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    pair.TokenType,
		ExpiresIn:    int(pair.ExpiresIn.Seconds()),
		RefreshToken: pair.RefreshToken,
		Scope:        pair.Scope,
	})
}

func (h *TokenHandler) clientIP(r *http.Request) string {
	if h.ClientIP != nil {
		return h.ClientIP(r)
	}
	return httpx.IPKeyExtractor(r)
}
