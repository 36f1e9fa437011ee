package httpx

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/aussiebroadwan/authd/pkg/slogx"
	"github.com/getsentry/sentry-go"
)

type Middleware func(http.Handler) http.Handler

// Chain wraps h so that mws[0] is the outermost handler.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Recover turns a panic into a 500 and reports it to Sentry. Without a
// configured DSN the capture is a no-op.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			sentry.WithScope(func(scope *sentry.Scope) {
				scope.SetTag("path", r.URL.Path)
				scope.SetTag("req_id", slogx.RequestID(r.Context()))
				scope.SetExtra("stack", string(debug.Stack()))
				sentry.CaptureException(fmt.Errorf("panic: %v", rec))
			})
			slogx.FromContext(r.Context()).Error("panic recovered", "panic", rec)
			WriteJSON(w, http.StatusInternalServerError, map[string]string{
				"error":             "server_error",
				"error_description": "internal server error",
			})
		}()
		next.ServeHTTP(w, r)
	})
}

// CORS answers preflight requests and decorates responses for allowed
// origins. "*" allows any origin without credentials.
func CORS(origins []string, maxAge time.Duration) Middleware {
	wildcard := slices.Contains(origins, "*")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" || (!wildcard && !slices.Contains(origins, origin)) {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Add("Vary", "Origin")
			if wildcard {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
				h.Set("Access-Control-Max-Age", strconv.Itoa(int(maxAge.Seconds())))
				w.WriteHeader(http.StatusNoContent)
				return
			}
			h.Set("Access-Control-Expose-Headers", strings.Join([]string{"Retry-After", "X-Request-ID"}, ", "))
			next.ServeHTTP(w, r)
		})
	}
}
