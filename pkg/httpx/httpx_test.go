package httpx_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/aussiebroadwan/authd/pkg/httpx"
	"github.com/aussiebroadwan/authd/pkg/jwtx"
	"github.com/stretchr/testify/require"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestIPKeyExtractor(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"remote addr", nil, "192.168.1.1"},
		{"forwarded for is ignored", map[string]string{"X-Forwarded-For": "203.0.113.1"}, "192.168.1.1"},
		{"real ip is ignored", map[string]string{"X-Real-IP": "203.0.113.2"}, "192.168.1.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = "192.168.1.1:12345"
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			require.Equal(t, tt.want, httpx.IPKeyExtractor(req))
		})
	}
}

func TestTrustedProxiesClientIP(t *testing.T) {
	trusted, err := httpx.ParseTrustedProxies([]string{"10.0.0.0/8", "192.168.1.1"})
	require.NoError(t, err)

	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		want    string
	}{
		{"untrusted peer spoofing forwarded for", "198.51.100.7:1234", map[string]string{"X-Forwarded-For": "203.0.113.1"}, "198.51.100.7"},
		{"untrusted peer spoofing real ip", "198.51.100.7:1234", map[string]string{"X-Real-IP": "203.0.113.2"}, "198.51.100.7"},
		{"trusted peer", "192.168.1.1:1234", map[string]string{"X-Forwarded-For": "203.0.113.1"}, "203.0.113.1"},
		{"client prepends a fake hop", "10.1.2.3:1234", map[string]string{"X-Forwarded-For": "1.2.3.4, 203.0.113.1, 10.9.9.9"}, "203.0.113.1"},
		{"every hop trusted", "10.1.2.3:1234", map[string]string{"X-Forwarded-For": "10.0.0.5, 10.0.0.6"}, "10.0.0.5"},
		{"trusted peer with real ip", "10.1.2.3:1234", map[string]string{"X-Real-IP": "203.0.113.2"}, "203.0.113.2"},
		{"trusted peer without headers", "10.1.2.3:1234", nil, "10.1.2.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			require.Equal(t, tt.want, trusted.ClientIP(req))
		})
	}
}

func TestParseTrustedProxies(t *testing.T) {
	got, err := httpx.ParseTrustedProxies([]string{" 10.0.0.1/8 ", "", "::ffff:192.0.2.1", "2001:db8::/32"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "10.0.0.0/8", got[0].String())
	require.Equal(t, "192.0.2.1/32", got[1].String())

	_, err = httpx.ParseTrustedProxies([]string{"not-an-ip"})
	require.Error(t, err)
	_, err = httpx.ParseTrustedProxies([]string{"10.0.0.0/99"})
	require.Error(t, err)
}

func TestFormFieldKeyExtractor(t *testing.T) {
	form := url.Values{"username": {" Admin@Test.com "}}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	require.Equal(t, "admin@test.com", httpx.FormFieldKeyExtractor("username")(req))
}

func TestRateLimit(t *testing.T) {
	h := httpx.Chain(ok, httpx.RateLimit(httpx.RateLimitConfig{Requests: 3, Window: time.Minute, Burst: 3}, httpx.IPKeyExtractor))

	do := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/connect/token", nil)
		req.RemoteAddr = ip + ":1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for range 3 {
		require.Equal(t, http.StatusOK, do("10.0.0.1").Code)
	}
	rec := do("10.0.0.1")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Buckets are per key.
	require.Equal(t, http.StatusOK, do("10.0.0.2").Code)
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) httpx.Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	httpx.Chain(ok, mw("a"), mw("b"), mw("c")).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, []string{"a", "b", "c"}, order)
}

func TestRecover(t *testing.T) {
	h := httpx.Recover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "server_error")
}

func TestCORS(t *testing.T) {
	h := httpx.Chain(ok, httpx.CORS([]string{"http://localhost:4200"}, time.Hour))

	t.Run("preflight from allowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/connect/token", nil)
		req.Header.Set("Origin", "http://localhost:4200")
		req.Header.Set("Access-Control-Request-Method", "POST")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusNoContent, rec.Code)
		require.Equal(t, "http://localhost:4200", rec.Header().Get("Access-Control-Allow-Origin"))
		require.Equal(t, "3600", rec.Header().Get("Access-Control-Max-Age"))
	})

	t.Run("other origin gets no headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/livez", nil)
		req.Header.Set("Origin", "http://evil.example")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

type stubValidator struct {
	claims jwtx.Claims
	err    error
}

func (s stubValidator) ValidateAccess(context.Context, string) (jwtx.Claims, error) {
	return s.claims, s.err
}

func TestAuthnAndRequireRole(t *testing.T) {
	admin := jwtx.Claims{Roles: []string{"admin"}}
	admin.Subject = "u1"

	tests := []struct {
		name   string
		header string
		v      stubValidator
		role   string
		want   int
	}{
		{"missing header", "", stubValidator{claims: admin}, "admin", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", stubValidator{claims: admin}, "admin", http.StatusUnauthorized},
		{"invalid token", "Bearer abc", stubValidator{err: errors.New("bad")}, "admin", http.StatusUnauthorized},
		{"missing role", "Bearer abc", stubValidator{claims: admin}, "auditor", http.StatusForbidden},
		{"ok", "bearer abc", stubValidator{claims: admin}, "admin", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := httpx.Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				c, found := httpx.ClaimsFromContext(r.Context())
				require.True(t, found)
				require.Equal(t, "u1", c.Subject)
				w.WriteHeader(http.StatusOK)
			}), httpx.Authn(tt.v), httpx.RequireRole(tt.role))

			req := httptest.NewRequest(http.MethodGet, "/v1/userinfo", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusUnauthorized {
				require.Contains(t, rec.Header().Get("WWW-Authenticate"), "invalid_token")
			}
		})
	}
}

func TestIsFormRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
	require.True(t, httpx.IsFormRequest(req))
	req.Header.Set("Content-Type", "application/json")
	require.False(t, httpx.IsFormRequest(req))
	require.Nil(t, httpx.SplitFields("   "))
	require.Equal(t, []string{"a", "b"}, httpx.SplitFields(" a  b "))
}
