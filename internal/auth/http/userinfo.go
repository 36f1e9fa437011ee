package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/aussiebroadwan/authd/internal/auth/service"
	"github.com/aussiebroadwan/authd/pkg/authsdk"
	"github.com/aussiebroadwan/authd/pkg/httpx"
)

// UserInfoHandler reloads the identity behind the bearer token, so it
// rejects deleted and locked out identities that Authn alone would let through.
type UserInfoHandler struct {
	Validator *service.TokenValidator
	Now       func() time.Time
}

// ServeHTTP handles the OAuth2 UserInfo endpoint.
//
//	@Summary		Get user information
//	@Description	Returns information about the authenticated identity. Roles and scope come from the access token.
//	@Tags			OAuth2
//	@Security		BearerAuth
//	@Produce		json
//	@Success		200	{object}	authsdk.UserInfoResponse	"sub, username, email, roles, scope"
//	@Failure		401	{object}	authsdk.ErrorResponse		"Invalid or missing access token"
//	@Failure		500	{object}	authsdk.ErrorResponse		"Internal server error"
//	@Failure		503	{object}	authsdk.ErrorResponse		"store unavailable"
//	@Router			/v1/userinfo [get].
func (h *UserInfoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, ok := httpx.ClaimsFromContext(r.Context())
	if !ok || claims.Subject == "" {
		authsdk.ErrInvalidToken.WriteError(w)
		return
	}

	identity, err := h.Validator.CheckSubject(r.Context(), claims.Subject)
	var locked *service.LockedOutError
	switch {
	case errors.As(err, &locked):
		authsdk.ErrInvalidToken.WithDescription("identity is locked out").WriteError(w)
		return
	case errors.Is(err, service.ErrTokenInvalid):
		// Deleted after the token was issued.
		authsdk.ErrInvalidToken.WriteError(w)
		return
	case err != nil:
		writeError(w, r, err, nowFrom(h.Now))
		return
	}

	roles := claims.Roles
	if roles == nil {
		roles = []string{}
	}
	httpx.WriteJSON(w, http.StatusOK, authsdk.UserInfoResponse{
		Subject:  identity.ID,
		Username: identity.Username,
		Email:    identity.Email,
		Roles:    roles,
		Scope:    claims.Scope,
	})
}

func nowFrom(now func() time.Time) time.Time {
	if now != nil {
		return now()
	}
	return time.Now()
}
