package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/aussiebroadwan/authd/internal/auth/domain"
	"github.com/aussiebroadwan/authd/internal/auth/metrics"
	"github.com/aussiebroadwan/authd/internal/auth/service"
	"github.com/aussiebroadwan/authd/internal/auth/store"
	"github.com/aussiebroadwan/authd/pkg/httpx"
	"github.com/aussiebroadwan/authd/pkg/jwtx"
	"github.com/aussiebroadwan/authd/pkg/slogx"

	_ "github.com/aussiebroadwan/authd/api/auth" // Swagger docs
	httpSwagger "github.com/swaggo/http-swagger"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const corsMaxAge = 10 * time.Minute

// Router holds shared dependencies for HTTP handlers.
type Router struct {
	Mux         *http.ServeMux
	middlewares []httpx.Middleware
	handler     http.Handler

	ring         *jwtx.KeyRing
	buildVersion string
	startTime    time.Time
	logger       *slog.Logger
	store        store.Store

	Grants      *service.GrantProcessor
	Validator   *service.TokenValidator
	Credentials *service.CredentialStore
	Tracker     *service.LockoutTracker
	Keys        *service.KeyRotationService
	Metrics     *metrics.Metrics

	// CORSOrigins is the browser origin allowlist. Empty disables CORS.
	CORSOrigins []string
	// TokenRateLimit applies per client IP to the token endpoint. Zero means
	// httpx.StrictLimit.
	TokenRateLimit httpx.RateLimitConfig
	// TrustedProxies may set X-Forwarded-For and X-Real-IP. Requests from
	// any other peer are keyed on their connection address.
	TrustedProxies httpx.TrustedProxies
	// TOTPIssuer labels enrolled TOTP secrets in authenticator apps.
	TOTPIssuer string
	Now        func() time.Time
}

func NewRouter(
	ring *jwtx.KeyRing,
	buildVersion string,
	st store.Store,
	logger *slog.Logger,
) *Router {
	r := &Router{
		Mux:          http.NewServeMux(),
		ring:         ring,
		buildVersion: buildVersion,
		startTime:    time.Now(),
		store:        st,
		logger:       logger,
		TOTPIssuer:   "authd",
	}
	return r
}

func (r *Router) ApplyRoutes() {
	// Outermost first: request id and access log, then recovery so panics
	// are logged with the request id.
	r.middlewares = []httpx.Middleware{
		slogx.HTTPMiddleware(r.logger),
		httpx.Recover,
	}
	if len(r.CORSOrigins) > 0 {
		r.middlewares = append(r.middlewares, httpx.CORS(r.CORSOrigins, corsMaxAge))
	}

	r.registerOAuth2()
	r.registerAdmin()
	r.registerMFA()
	r.registerSystem()

	r.Mux.Handle("/swagger/", httpSwagger.Handler())

	r.handler = otelhttp.NewHandler(httpx.Chain(r.Mux, r.middlewares...), "authd",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return req.Method + " " + req.URL.Path
		}),
	)
}

// ServeHTTP implements http.Handler for Router and applies the global middleware chain.
// ApplyRoutes must have been called.
//
//	@title			authd Authorization Server API
//	@version		0.1.0
//	@description	OAuth2 password and refresh token grants with role based identities and account lockout.
//	@description
//	@description				Access tokens are JWTs signed with EdDSA, ES256 or RS256. Refresh tokens are opaque and rotate on every use.
//
//	@contact.name				AussieBroadWAN Team
//	@contact.url				https://github.com/aussiebroadwan/authd
//
//	@license.name				MIT
//	@license.url				https://opensource.org/licenses/MIT
//
//	@host						localhost:8080
//	@BasePath					/
//
//	@schemes					http https
//
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@description				JWT access token. Format: "Bearer {token}".
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

func (r *Router) tokenLimit() httpx.RateLimitConfig {
	if r.TokenRateLimit.Requests <= 0 {
		return httpx.StrictLimit
	}
	return r.TokenRateLimit
}

func (r *Router) authenticated(h http.Handler, roles ...string) http.Handler {
	mws := []httpx.Middleware{httpx.Authn(r.Validator)}
	if len(roles) > 0 {
		mws = append(mws, httpx.RequireRole(roles...))
	}
	return httpx.Chain(h, mws...)
}

func (r *Router) registerOAuth2() {
	// Token endpoint: one limiter per client IP, a second per username so a
	// botnet cannot spread guesses against one account across addresses.
	clientIP := r.TrustedProxies.ClientIP
	tokenHandler := httpx.Chain(&TokenHandler{Grants: r.Grants, ClientIP: clientIP, Now: r.Now},
		httpx.RateLimit(r.tokenLimit(), clientIP),
		httpx.RateLimit(httpx.ModerateLimit, httpx.FormFieldKeyExtractor("username")),
	)
	r.Mux.Handle("POST /connect/token", tokenHandler)
	r.Mux.Handle("POST /v1/oauth2/token", tokenHandler)

	logoutHandler := httpx.Chain(&LogoutHandler{Grants: r.Grants, Now: r.Now},
		httpx.RateLimit(httpx.ModerateLimit, clientIP),
	)
	r.Mux.Handle("POST /connect/logout", logoutHandler)
	r.Mux.Handle("POST /v1/oauth2/revoke", logoutHandler)

	r.Mux.Handle("GET /v1/userinfo", r.authenticated(&UserInfoHandler{Validator: r.Validator, Now: r.Now}))

	// Introspection (RFC 7662) is for resource servers holding a valid token.
	r.Mux.Handle("POST /v1/oauth2/introspect", r.authenticated(&IntrospectHandler{Validator: r.Validator}))
}

func (r *Router) registerAdmin() {
	ids := &IdentitiesHandler{
		Credentials: r.Credentials,
		Tracker:     r.Tracker,
		Grants:      r.Grants,
		Now:         r.Now,
	}
	admin := func(f http.HandlerFunc) http.Handler {
		return r.authenticated(f, domain.RoleAdmin)
	}

	r.Mux.Handle("POST /v1/admin/identities", admin(ids.HandleCreate))
	r.Mux.Handle("GET /v1/admin/identities", admin(ids.HandleList))
	r.Mux.Handle("GET /v1/admin/identities/{username}", admin(ids.HandleGet))
	r.Mux.Handle("DELETE /v1/admin/identities/{username}", admin(ids.HandleDelete))
	r.Mux.Handle("POST /v1/admin/identities/{username}/unlock", admin(ids.HandleUnlock))
	r.Mux.Handle("POST /v1/admin/identities/{username}/logout", admin(ids.HandleLogout))

	roles := &RolesHandler{Credentials: r.Credentials, Now: r.Now}
	r.Mux.Handle("GET /v1/admin/roles", admin(roles.ServeHTTP))

	if r.Keys != nil {
		keys := &KeyRotationHandler{Keys: r.Keys, Now: r.Now}
		r.Mux.Handle("GET /v1/admin/keys", admin(keys.HandleListKeys))
		r.Mux.Handle("POST /v1/admin/keys/rotate", admin(keys.HandleRotate))
		r.Mux.Handle("POST /v1/admin/keys/{kid}/retire", admin(keys.HandleRetireKey))
	}
}

func (r *Router) registerMFA() {
	h := &MFAHandler{Credentials: r.Credentials, Issuer: r.TOTPIssuer, Now: r.Now}
	r.Mux.Handle("POST /v1/mfa/totp/enroll", r.authenticated(http.HandlerFunc(h.HandleEnroll)))
	r.Mux.Handle("DELETE /v1/mfa/totp", r.authenticated(http.HandlerFunc(h.HandleRemove)))
}

func (r *Router) registerSystem() {
	r.Mux.Handle("GET /livez", LivezHandler(r.startTime, r.buildVersion))
	r.Mux.Handle("GET /readyz", ReadyzHandler(r.startTime, r.buildVersion, r.store, r.ring))
	if r.Metrics != nil {
		r.Mux.Handle("GET /metrics", r.Metrics.Handler())
	}
}
