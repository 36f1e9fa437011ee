package http

import (
	"net/http"
	"time"

	"github.com/aussiebroadwan/authd/internal/auth/service"
	"github.com/aussiebroadwan/authd/pkg/authsdk"
	"github.com/aussiebroadwan/authd/pkg/httpx"
)

// LogoutHandler serves POST /connect/logout and POST /v1/oauth2/revoke
// (RFC 7009). Only refresh tokens are revocable; access tokens expire on
// their own. Unknown and already revoked tokens still get 200 so the
// endpoint cannot be used to probe for tokens.
type LogoutHandler struct {
	Grants *service.GrantProcessor
	Now    func() time.Time
}

// ServeHTTP godoc
//
//	@Summary		Logout / OAuth2 Token Revocation Endpoint
//	@Description	Revokes a refresh token. Idempotent: unknown, malformed and already revoked tokens return 200 as well.
//	@Tags			OAuth2
//	@Accept			application/x-www-form-urlencoded
//	@Produce		json
//	@Param			refresh_token	formData	string	false	"The refresh token to revoke"
//	@Param			token			formData	string	false	"RFC 7009 alias of refresh_token"
//	@Param			token_type_hint	formData	string	false	"Hint about token type"	Enums(access_token, refresh_token)
//	@Success		200				"Token revoked (or was already invalid)"
//	@Failure		400				{object}	authsdk.ErrorResponse	"error, error_description"
//	@Failure		503				{object}	authsdk.ErrorResponse	"store unavailable"
//	@Router			/connect/logout [post].
func (h *LogoutHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !httpx.IsFormRequest(r) {
		authsdk.ErrInvalidContentType.WriteError(w)
		return
	}
	if err := r.ParseForm(); err != nil {
		authsdk.ErrInvalidRequest.WriteError(w)
		return
	}

	token := r.PostForm.Get("refresh_token")
	if token == "" {
		token = r.PostForm.Get("token")
	}

	if r.PostForm.Get("token_type_hint") != "access_token" {
		if err := h.Grants.Logout(r.Context(), token); err != nil {
			writeError(w, r, err, nowFrom(h.Now))
			return
		}
	}

	httpx.WriteJSON(w, http.StatusOK, struct{}{})
}
