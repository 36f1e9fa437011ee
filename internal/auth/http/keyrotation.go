package http

import (
	"net/http"
	"time"

	"github.com/aussiebroadwan/authd/internal/auth/service"
	"github.com/aussiebroadwan/authd/pkg/authsdk"
	"github.com/aussiebroadwan/authd/pkg/httpx"
	"github.com/aussiebroadwan/authd/pkg/slogx"
)

// KeyRotationHandler exposes signing key management to admins. Rotation is
// refused in directory mode, where the key files are the source of truth.
type KeyRotationHandler struct {
	Keys *service.KeyRotationService
	Now  func() time.Time
}

// HandleListKeys handles GET /v1/admin/keys
//
//	@Summary		List signing keys
//	@Description	Lists every signing key that still verifies tokens, active key first.
//	@Tags			Keys
//	@Produce		json
//	@Success		200	{object}	authsdk.SigningKeysResponse
//	@Failure		401	{object}	authsdk.ErrorResponse	"Unauthorized"
//	@Failure		403	{object}	authsdk.ErrorResponse	"Forbidden - requires the admin role"
//	@Failure		500	{object}	authsdk.ErrorResponse
//	@Security		BearerAuth
//	@Router			/v1/admin/keys [get].
func (h *KeyRotationHandler) HandleListKeys(w http.ResponseWriter, r *http.Request) {
	h.writeKeys(w, r)
}

// HandleRotate handles POST /v1/admin/keys/rotate
//
//	@Summary		Rotate signing keys
//	@Description	Generates a new active signing key. The previous key keeps verifying tokens for the overlap period.
//	@Tags			Keys
//	@Produce		json
//	@Success		200	{object}	authsdk.SigningKeysResponse
//	@Failure		401	{object}	authsdk.ErrorResponse	"Unauthorized"
//	@Failure		403	{object}	authsdk.ErrorResponse	"Forbidden - requires the admin role"
//	@Failure		409	{object}	authsdk.ErrorResponse	"Rotation disabled in directory mode"
//	@Failure		500	{object}	authsdk.ErrorResponse
//	@Security		BearerAuth
//	@Router			/v1/admin/keys/rotate [post].
func (h *KeyRotationHandler) HandleRotate(w http.ResponseWriter, r *http.Request) {
	resp, err := h.Keys.RotateKey(r.Context())
	if err != nil {
		writeError(w, r, err, nowFrom(h.Now))
		return
	}
	slogx.FromContext(r.Context()).Info("signing key rotated by admin",
		"kid", resp.NewKey.Kid, "retired_kid", resp.RetiredKid)
	h.writeKeys(w, r)
}

// HandleRetireKey handles POST /v1/admin/keys/{kid}/retire
//
//	@Summary		Retire a signing key
//	@Description	Stops trusting a non-active key once the overlap period ends.
//	@Tags			Keys
//	@Produce		json
//	@Param			kid	path		string	true	"Key ID to retire"
//	@Success		200	{object}	authsdk.SigningKeysResponse
//	@Failure		401	{object}	authsdk.ErrorResponse	"Unauthorized"
//	@Failure		403	{object}	authsdk.ErrorResponse	"Forbidden - requires the admin role"
//	@Failure		404	{object}	authsdk.ErrorResponse	"Key not found"
//	@Failure		409	{object}	authsdk.ErrorResponse	"The active key cannot be retired"
//	@Failure		500	{object}	authsdk.ErrorResponse
//	@Security		BearerAuth
//	@Router			/v1/admin/keys/{kid}/retire [post].
func (h *KeyRotationHandler) HandleRetireKey(w http.ResponseWriter, r *http.Request) {
	kid := r.PathValue("kid")
	if kid == "" {
		authsdk.ErrInvalidRequest.WithDescription("kid is required").WriteError(w)
		return
	}
	if err := h.Keys.RetireKey(r.Context(), kid); err != nil {
		writeError(w, r, err, nowFrom(h.Now))
		return
	}
	h.writeKeys(w, r)
}

func (h *KeyRotationHandler) writeKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.Keys.ListKeys(r.Context())
	if err != nil {
		writeError(w, r, err, nowFrom(h.Now))
		return
	}

	resp := authsdk.SigningKeysResponse{
		Version: h.Keys.Ring.Snapshot().Version,
		Keys:    make([]authsdk.SigningKeyResponse, len(keys)),
	}
	for i, k := range keys {
		resp.Keys[i] = authsdk.SigningKeyResponse{
			KID:       k.Kid,
			Algorithm: k.Algorithm,
			Active:    k.Active,
			CreatedAt: k.CreatedAt,
			NotAfter:  k.ExpiresAt,
		}
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}
