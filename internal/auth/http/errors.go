package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/aussiebroadwan/authd/internal/auth/service"
	"github.com/aussiebroadwan/authd/internal/auth/store"
	"github.com/aussiebroadwan/authd/pkg/authsdk"
	"github.com/aussiebroadwan/authd/pkg/jwtx"
	"github.com/aussiebroadwan/authd/pkg/slogx"
	"github.com/getsentry/sentry-go"
)

// oauthError maps a service error onto its wire form. Unmapped errors are
// server errors.
func oauthError(err error, now time.Time) *authsdk.OAuth2Error {
	var locked *service.LockedOutError
	switch {
	case errors.As(err, &locked):
		return authsdk.ErrLockedOut.WithRetryAfter(locked.RetryAfter(now))
	case errors.Is(err, service.ErrOTPRequired):
		return authsdk.ErrOTPRequired
	case errors.Is(err, service.ErrInvalidCredentials):
		return authsdk.ErrInvalidGrant
	case errors.Is(err, service.ErrTokenRevoked),
		errors.Is(err, service.ErrTokenExpired),
		errors.Is(err, service.ErrTokenInvalid),
		errors.Is(err, service.ErrTokenMalformed):
		return authsdk.ErrInvalidRefreshToken
	case errors.Is(err, service.ErrUnsupportedGrantType):
		return authsdk.ErrUnsupportedGrantType
	case errors.Is(err, service.ErrInvalidScope):
		return authsdk.ErrInvalidScope
	case errors.Is(err, service.ErrInvalidRequest):
		return authsdk.ErrInvalidRequest
	case errors.Is(err, service.ErrUnknownRole):
		return authsdk.ErrInvalidRequest.WithDescription("unknown role")
	case errors.Is(err, service.ErrDuplicateIdentity):
		return authsdk.ErrConflict.WithDescription("username already exists")
	case errors.Is(err, service.ErrIdentityInUse):
		return authsdk.ErrConflict.WithDescription("identity still has live sessions")
	case errors.Is(err, service.ErrTOTPAlreadyEnabled):
		return authsdk.ErrConflict.WithDescription("totp is already enabled")
	case errors.Is(err, jwtx.ErrActiveKey):
		return authsdk.ErrConflict.WithDescription("the active signing key cannot be retired")
	case errors.Is(err, service.ErrKeyRotationDisabled):
		return authsdk.ErrConflict.WithDescription(err.Error())
	case errors.Is(err, jwtx.ErrUnknownKID), errors.Is(err, store.ErrNotFound):
		return authsdk.ErrNotFound
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return authsdk.ErrTemporarilyUnavailable
	default:
		return authsdk.ErrServerError
	}
}

// writeError logs err, reports 5xx responses to Sentry and writes the
// mapped OAuth2 error.
func writeError(w http.ResponseWriter, r *http.Request, err error, now time.Time) {
	ctx := r.Context()
	oerr := oauthError(err, now)

	if oerr.StatusCode >= http.StatusInternalServerError {
		if !errors.Is(err, context.Canceled) {
			slogx.FromContext(ctx).Error("request failed", "status", oerr.StatusCode, "error", err)
			hub := sentry.CurrentHub().Clone()
			hub.ConfigureScope(func(scope *sentry.Scope) {
				scope.SetTag("path", r.URL.Path)
				scope.SetTag("req_id", slogx.RequestID(ctx))
			})
			hub.CaptureException(err)
		}
	}
	oerr.WriteError(w)
}
