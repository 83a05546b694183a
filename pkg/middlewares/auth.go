package middlewares

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/jake-scott/devicehub/internal/pkg/logging"
)

// PresenceHeader carries the proof-of-presence assertion for unlocking. The
// middlewares pass it through untouched; the device handler reads it.
const PresenceHeader = "X-Presence-Assertion"

// Authenticator validates a bearer token and returns a context carrying the
// caller's identity
type Authenticator func(ctx context.Context, token string) (context.Context, error)

type AuthMw struct {
	authenticate Authenticator
	next         http.Handler
}

func NewAuthMw(authenticate Authenticator) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return NewAuth(authenticate, next)
	}
}

func NewAuth(authenticate Authenticator, next http.Handler) *AuthMw {
	return &AuthMw{authenticate: authenticate, next: next}
}

func (mw *AuthMw) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		unauthorized(rw, "authentication-required", "missing bearer token")
		return
	}

	ctx, err := mw.authenticate(r.Context(), token)
	if err != nil {
		logging.Logger(r.Context()).WithError(err).Info("rejected bearer token")
		unauthorized(rw, "authentication-failed", "invalid bearer token")
		return
	}

	mw.next.ServeHTTP(rw, r.WithContext(ctx))
}

// bearerToken reads the Authorization header. Browsers cannot set headers
// on websocket upgrades, so those may pass the token as access_token.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return r.URL.Query().Get("access_token")
	}
	return ""
}

func unauthorized(rw http.ResponseWriter, kind, msg string) {
	rw.Header().Set("WWW-Authenticate", `Bearer realm="devicehub"`)
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusUnauthorized)
	_, _ = rw.Write([]byte(`{"kind":"` + kind + `","message":"` + msg + `","recoverable":true}` + "\n"))
}
