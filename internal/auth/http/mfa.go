package http

import (
	"net/http"
	"time"

	"github.com/aussiebroadwan/authd/internal/auth/service"
	"github.com/aussiebroadwan/authd/pkg/authsdk"
	"github.com/aussiebroadwan/authd/pkg/httpx"
)

// MFAHandler lets a signed in identity manage its own TOTP second factor.
type MFAHandler struct {
	Credentials *service.CredentialStore
	// Issuer labels the entry in authenticator apps.
	Issuer string
	Now    func() time.Time
}

// HandleEnroll handles POST /v1/mfa/totp/enroll
//
//	@Summary		Enroll in TOTP MFA
//	@Description	Generates a TOTP secret for the authenticated identity. The secret is returned once.
//	@Description	From then on the password grant requires the otp parameter.
//	@Tags			MFA
//	@Security		BearerAuth
//	@Produce		json
//	@Success		200	{object}	authsdk.TOTPEnrollResponse	"TOTP secret and otpauth URL"
//	@Failure		401	{object}	authsdk.ErrorResponse		"Invalid or missing access token"
//	@Failure		409	{object}	authsdk.ErrorResponse		"TOTP already enabled"
//	@Failure		500	{object}	authsdk.ErrorResponse		"Internal server error"
//	@Router			/v1/mfa/totp/enroll [post].
func (h *MFAHandler) HandleEnroll(w http.ResponseWriter, r *http.Request) {
	claims, ok := httpx.ClaimsFromContext(r.Context())
	if !ok || claims.Username == "" {
		authsdk.ErrInvalidToken.WriteError(w)
		return
	}

	key, err := h.Credentials.EnrollTOTP(r.Context(), claims.Username, h.Issuer)
	if err != nil {
		writeError(w, r, err, nowFrom(h.Now))
		return
	}

	httpx.WriteJSON(w, http.StatusOK, authsdk.TOTPEnrollResponse{
		Secret: key.Secret(),
		URL:    key.URL(),
	})
}

// HandleRemove handles DELETE /v1/mfa/totp
//
//	@Summary		Remove TOTP MFA
//	@Description	Removes the TOTP second factor of the authenticated identity.
//	@Tags			MFA
//	@Security		BearerAuth
//	@Success		204	"TOTP removed"
//	@Failure		401	{object}	authsdk.ErrorResponse	"Invalid or missing access token"
//	@Failure		500	{object}	authsdk.ErrorResponse	"Internal server error"
//	@Router			/v1/mfa/totp [delete].
func (h *MFAHandler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	claims, ok := httpx.ClaimsFromContext(r.Context())
	if !ok || claims.Username == "" {
		authsdk.ErrInvalidToken.WriteError(w)
		return
	}

	if err := h.Credentials.DisableTOTP(r.Context(), claims.Username); err != nil {
		writeError(w, r, err, nowFrom(h.Now))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
