package http

import (
	"net/http"
	"time"

	"github.com/aussiebroadwan/authd/internal/auth/service"
	"github.com/aussiebroadwan/authd/pkg/authsdk"
	"github.com/aussiebroadwan/authd/pkg/httpx"
)

type RolesHandler struct {
	Credentials *service.CredentialStore
	Now         func() time.Time
}

// ServeHTTP handles the list roles endpoint
//
//	@Summary		List all roles
//	@Description	Returns every role that can be assigned to an identity. Requires the admin role.
//	@Tags			Admin
//	@Produce		json
//	@Success		200	{object}	authsdk.ListRolesResponse	"List of roles"
//	@Failure		401	{object}	authsdk.ErrorResponse		"Unauthorized - missing or invalid token"
//	@Failure		403	{object}	authsdk.ErrorResponse		"Forbidden - missing admin role"
//	@Failure		500	{object}	authsdk.ErrorResponse		"Internal server error"
//	@Security		BearerAuth
//	@Router			/v1/admin/roles [get].
func (h *RolesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roles, err := h.Credentials.ListRoles(r.Context())
	if err != nil {
		writeError(w, r, err, nowFrom(h.Now))
		return
	}

	resp := authsdk.ListRolesResponse{Roles: make([]authsdk.RoleResponse, len(roles))}
	for i, role := range roles {
		resp.Roles[i] = authsdk.RoleResponse{ID: role.ID, Name: role.Name}
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}
