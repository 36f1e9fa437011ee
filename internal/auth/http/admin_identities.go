package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/aussiebroadwan/authd/internal/auth/domain"
	"github.com/aussiebroadwan/authd/internal/auth/service"
	"github.com/aussiebroadwan/authd/pkg/authsdk"
	"github.com/aussiebroadwan/authd/pkg/httpx"
	"github.com/aussiebroadwan/authd/pkg/slogx"
)

const maxAdminBody = 64 << 10

// IdentitiesHandler is the admin API over identities.
type IdentitiesHandler struct {
	Credentials *service.CredentialStore
	Tracker     *service.LockoutTracker
	Grants      *service.GrantProcessor
	Now         func() time.Time
}

// HandleCreate handles POST /v1/admin/identities
//
//	@Summary		Create an identity
//	@Description	Registers an identity with the given roles. Every role must already exist.
//	@Tags			Admin
//	@Accept			json
//	@Produce		json
//	@Param			request	body		authsdk.CreateIdentityRequest	true	"Identity to create"
//	@Success		201		{object}	authsdk.IdentityResponse
//	@Failure		400		{object}	authsdk.ErrorResponse	"Invalid request or unknown role"
//	@Failure		401		{object}	authsdk.ErrorResponse	"Unauthorized"
//	@Failure		403		{object}	authsdk.ErrorResponse	"Forbidden - requires the admin role"
//	@Failure		409		{object}	authsdk.ErrorResponse	"Username already exists"
//	@Security		BearerAuth
//	@Router			/v1/admin/identities [post].
func (h *IdentitiesHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req authsdk.CreateIdentityRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody)).Decode(&req); err != nil {
		authsdk.ErrInvalidRequest.WithDescription("invalid JSON body").WriteError(w)
		return
	}

	params := service.RegisterParams{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Roles:    req.Roles,
	}
	if req.LockoutEnabled != nil {
		params.LockoutDisabled = !*req.LockoutEnabled
	}

	identity, roles, err := h.Credentials.Register(r.Context(), params)
	if err != nil {
		writeError(w, r, err, nowFrom(h.Now))
		return
	}

	slogx.FromContext(r.Context()).Info("identity created by admin", "identity_id", identity.ID)
	httpx.WriteJSON(w, http.StatusCreated, identityResponse(identity, roles))
}

// HandleList handles GET /v1/admin/identities
//
//	@Summary		List identities
//	@Tags			Admin
//	@Produce		json
//	@Success		200	{object}	authsdk.ListIdentitiesResponse
//	@Failure		401	{object}	authsdk.ErrorResponse	"Unauthorized"
//	@Failure		403	{object}	authsdk.ErrorResponse	"Forbidden - requires the admin role"
//	@Security		BearerAuth
//	@Router			/v1/admin/identities [get].
func (h *IdentitiesHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identities, err := h.Credentials.List(ctx)
	if err != nil {
		writeError(w, r, err, nowFrom(h.Now))
		return
	}

	resp := authsdk.ListIdentitiesResponse{Identities: make([]authsdk.IdentityResponse, 0, len(identities))}
	for _, identity := range identities {
		roles, err := h.Credentials.RolesOf(ctx, identity)
		if err != nil {
			writeError(w, r, err, nowFrom(h.Now))
			return
		}
		resp.Identities = append(resp.Identities, identityResponse(identity, roles))
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// HandleGet handles GET /v1/admin/identities/{username}
//
//	@Summary		Show an identity
//	@Description	Includes the lockout bookkeeping: failed count and lockout end.
//	@Tags			Admin
//	@Produce		json
//	@Param			username	path		string	true	"Username"
//	@Success		200			{object}	authsdk.IdentityResponse
//	@Failure		404			{object}	authsdk.ErrorResponse	"Identity not found"
//	@Security		BearerAuth
//	@Router			/v1/admin/identities/{username} [get].
func (h *IdentitiesHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.load(w, r)
	if !ok {
		return
	}
	h.writeIdentity(w, r, http.StatusOK, identity)
}

// HandleUnlock handles POST /v1/admin/identities/{username}/unlock
//
//	@Summary		Unlock an identity
//	@Description	Clears the failed count and any lockout, whether or not lockout is enabled.
//	@Tags			Admin
//	@Produce		json
//	@Param			username	path		string	true	"Username"
//	@Success		200			{object}	authsdk.IdentityResponse
//	@Failure		404			{object}	authsdk.ErrorResponse	"Identity not found"
//	@Security		BearerAuth
//	@Router			/v1/admin/identities/{username}/unlock [post].
func (h *IdentitiesHandler) HandleUnlock(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.load(w, r)
	if !ok {
		return
	}
	identity, err := h.Tracker.Clear(r.Context(), identity.ID)
	if err != nil {
		writeError(w, r, err, nowFrom(h.Now))
		return
	}
	h.writeIdentity(w, r, http.StatusOK, identity)
}

// HandleLogout handles POST /v1/admin/identities/{username}/logout
//
//	@Summary		Log an identity out everywhere
//	@Description	Revokes every live refresh token of the identity. Access tokens run out on their own.
//	@Tags			Admin
//	@Produce		json
//	@Param			username	path		string	true	"Username"
//	@Success		200			{object}	authsdk.RevokedResponse
//	@Failure		404			{object}	authsdk.ErrorResponse	"Identity not found"
//	@Security		BearerAuth
//	@Router			/v1/admin/identities/{username}/logout [post].
func (h *IdentitiesHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.load(w, r)
	if !ok {
		return
	}
	n, err := h.Grants.LogoutAll(r.Context(), identity.ID)
	if err != nil {
		writeError(w, r, err, nowFrom(h.Now))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, authsdk.RevokedResponse{Revoked: n})
}

// HandleDelete handles DELETE /v1/admin/identities/{username}
//
//	@Summary		Delete an identity
//	@Description	Refused with 409 while the identity still has live refresh tokens.
//	@Tags			Admin
//	@Param			username	path	string	true	"Username"
//	@Success		204			"Deleted"
//	@Failure		404			{object}	authsdk.ErrorResponse	"Identity not found"
//	@Failure		409			{object}	authsdk.ErrorResponse	"Identity still has live sessions"
//	@Security		BearerAuth
//	@Router			/v1/admin/identities/{username} [delete].
func (h *IdentitiesHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.Credentials.Delete(r.Context(), r.PathValue("username")); err != nil {
		writeError(w, r, err, nowFrom(h.Now))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *IdentitiesHandler) load(w http.ResponseWriter, r *http.Request) (domain.Identity, bool) {
	identity, err := h.Credentials.FindByUsername(r.Context(), r.PathValue("username"))
	if err != nil {
		writeError(w, r, err, nowFrom(h.Now))
		return domain.Identity{}, false
	}
	return identity, true
}

func (h *IdentitiesHandler) writeIdentity(w http.ResponseWriter, r *http.Request, code int, identity domain.Identity) {
	roles, err := h.Credentials.RolesOf(r.Context(), identity)
	if err != nil {
		writeError(w, r, err, nowFrom(h.Now))
		return
	}
	httpx.WriteJSON(w, code, identityResponse(identity, roles))
}

func identityResponse(identity domain.Identity, roles []domain.Role) authsdk.IdentityResponse {
	return authsdk.IdentityResponse{
		ID:             identity.ID,
		Username:       identity.Username,
		Email:          identity.Email,
		Roles:          domain.RoleNames(roles),
		LockoutEnabled: identity.LockoutEnabled,
		FailedCount:    identity.AccessFailedCount,
		LockoutEnd:     identity.LockoutEnd,
		TOTPEnabled:    identity.HasTOTP(),
		CreatedAt:      identity.CreatedAt,
	}
}
