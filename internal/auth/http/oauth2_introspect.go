package http

import (
	"net/http"
	"strings"

	"github.com/aussiebroadwan/authd/internal/auth/service"
	"github.com/aussiebroadwan/authd/pkg/authsdk"
	"github.com/aussiebroadwan/authd/pkg/httpx"
	"github.com/aussiebroadwan/authd/pkg/slogx"
)

// IntrospectHandler serves POST /v1/oauth2/introspect following RFC 7662.
// Access tokens are checked by signature and their subject reloaded, so a
// deleted or locked out identity reads as inactive; refresh tokens are
// checked against the store.
type IntrospectHandler struct {
	Validator *service.TokenValidator
}

// ServeHTTP godoc
//
//	@Summary		OAuth2 Token Introspection Endpoint
//	@Description	Introspects an access or refresh token and returns metadata about it (RFC 7662)
//	@Tags			OAuth2
//	@Accept			application/x-www-form-urlencoded
//	@Produce		json
//	@Security		BearerAuth
//	@Param			token			formData	string							true	"The token to introspect"
//	@Param			token_type_hint	formData	string							false	"Hint about token type"	Enums(access_token, refresh_token)
//	@Success		200				{object}	authsdk.IntrospectionResponse	"Token introspection result"
//	@Failure		400				{object}	authsdk.ErrorResponse			"error, error_description"
//	@Failure		401				{object}	authsdk.ErrorResponse			"error, error_description"
//	@Header			200				{string}	Cache-Control					"no-store"
//	@Router			/v1/oauth2/introspect [post].
func (h *IntrospectHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	if !httpx.IsFormRequest(r) {
		authsdk.ErrInvalidContentType.WriteError(w)
		return
	}
	if err := r.ParseForm(); err != nil {
		authsdk.ErrInvalidRequest.WriteError(w)
		return
	}

	token := strings.TrimSpace(r.PostForm.Get("token"))
	if token == "" {
		authsdk.ErrInvalidRequest.WithDescription("token is required").WriteError(w)
		return
	}

	// A JWT has two dots, an opaque refresh token has none.
	hint := r.PostForm.Get("token_type_hint")
	if hint == "" {
		hint = "refresh_token"
		if strings.Count(token, ".") == 2 {
			hint = "access_token"
		}
	}

	var resp authsdk.IntrospectionResponse
	switch hint {
	case "access_token":
		claims, _, err := h.Validator.ValidateAccessSubject(ctx, token)
		if err != nil {
			log.Debug("introspection: access token inactive", "error", err)
			break
		}
		resp = authsdk.IntrospectionResponse{
			Active:    true,
			TokenType: "access_token",
			Scope:     claims.Scope,
			Subject:   claims.Subject,
			Username:  claims.Username,
			SessionID: claims.SID,
			Roles:     claims.Roles,
			AMR:       claims.AMR,
			Issuer:    claims.Issuer,
			Audience:  claims.Audience,
			JTI:       claims.ID,
		}
		if claims.ExpiresAt != nil {
			resp.ExpiresAt = claims.ExpiresAt.Unix()
		}
		if claims.IssuedAt != nil {
			resp.IssuedAt = claims.IssuedAt.Unix()
		}
	case "refresh_token":
		identity, rt, err := h.Validator.ValidateRefresh(ctx, token)
		if err != nil {
			log.Debug("introspection: refresh token inactive", "error", err)
			break
		}
		resp = authsdk.IntrospectionResponse{
			Active:    true,
			TokenType: "refresh_token",
			Scope:     strings.Join(rt.Scopes, " "),
			Subject:   identity.ID,
			Username:  identity.Username,
			SessionID: rt.SessionID,
			AMR:       rt.AMR,
			ExpiresAt: rt.ExpiresAt.Unix(),
			IssuedAt:  rt.CreatedAt.Unix(),
		}
	}

	// Inactive tokens carry only active=false, whatever the reason.
	httpx.WriteJSON(w, http.StatusOK, resp)
}
