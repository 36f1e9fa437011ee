package authsdk_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aussiebroadwan/authd/pkg/authsdk"
	"github.com/aussiebroadwan/authd/pkg/httpx"
	"github.com/stretchr/testify/require"
)

func TestPasswordGrantSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, authsdk.TokenPath, r.URL.Path)
		require.True(t, httpx.IsFormRequest(r))
		require.NoError(t, r.ParseForm())
		require.Equal(t, "password", r.PostForm.Get("grant_type"))
		require.Equal(t, "admin", r.PostForm.Get("username"))
		require.Equal(t, "openid profile", r.PostForm.Get("scope"))

		httpx.WriteJSON(w, http.StatusOK, authsdk.TokenResponse{
			AccessToken: "at", TokenType: "bearer", ExpiresIn: 900, RefreshToken: "rt",
		})
	}))
	defer srv.Close()

	tok, err := authsdk.NewClient(srv.URL).PasswordGrant(context.Background(), "admin", "pw", "", "openid", "profile")
	require.NoError(t, err)
	require.Equal(t, "at", tok.AccessToken)
	require.Equal(t, "rt", tok.RefreshToken)
	require.Equal(t, "bearer", tok.TokenType)
}

func TestPasswordGrantLockedOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authsdk.ErrLockedOut.WithRetryAfter(90 * time.Second).WriteError(w)
	}))
	defer srv.Close()

	_, err := authsdk.NewClient(srv.URL).PasswordGrant(context.Background(), "admin", "pw", "")
	var oerr *authsdk.OAuth2Error
	require.True(t, errors.As(err, &oerr))
	require.Equal(t, http.StatusBadRequest, oerr.StatusCode)
	require.True(t, oerr.IsLockedOut())
	require.Equal(t, 90*time.Second, oerr.RetryAfter)
}

func TestParseErrorFallsBackOnGarbage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	}))
	defer srv.Close()

	_, err := authsdk.NewClient(srv.URL).Liveness(context.Background())
	var oerr *authsdk.OAuth2Error
	require.ErrorAs(t, err, &oerr)
	require.Equal(t, authsdk.ErrorCodeServerError, oerr.Code)
	require.Equal(t, http.StatusBadGateway, oerr.StatusCode)
}

func TestSessionFollowsRotation(t *testing.T) {
	var refreshes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case authsdk.TokenPath:
			require.NoError(t, r.ParseForm())
			switch r.PostForm.Get("grant_type") {
			case "password":
				httpx.WriteJSON(w, http.StatusOK, authsdk.TokenResponse{AccessToken: "at-0", ExpiresIn: 1, RefreshToken: "rt-0"})
			case "refresh_token":
				n := refreshes.Add(1)
				require.Equal(t, "rt-0", r.PostForm.Get("refresh_token"))
				httpx.WriteJSON(w, http.StatusOK, authsdk.TokenResponse{AccessToken: "at-1", ExpiresIn: 900, RefreshToken: "rt-1"})
				require.EqualValues(t, 1, n)
			}
		case authsdk.LogoutPath:
			require.NoError(t, r.ParseForm())
			require.Equal(t, "rt-1", r.PostForm.Get("refresh_token"))
			httpx.WriteJSON(w, http.StatusOK, map[string]any{})
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	s, err := authsdk.NewClient(srv.URL).Login(ctx, "admin", "pw")
	require.NoError(t, err)

	// ExpiresIn=1 is inside the refresh skew, so the first call refreshes.
	tok, err := s.AccessToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "at-1", tok)
	require.Equal(t, "rt-1", s.RefreshToken())

	tok, err = s.AccessToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "at-1", tok)
	require.EqualValues(t, 1, refreshes.Load())

	require.NoError(t, s.Logout(ctx))
	require.Empty(t, s.RefreshToken())
}
