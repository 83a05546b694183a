package middlewares

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type userKey struct{}

func authenticate(ctx context.Context, token string) (context.Context, error) {
	if token != "good" {
		return nil, errors.New("signature mismatch")
	}
	return context.WithValue(ctx, userKey{}, "alice"), nil
}

func TestAuthMw(t *testing.T) {
	var seen string
	h := NewAuth(authenticate, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = r.Context().Value(userKey{}).(string)
	}))

	cases := []struct {
		name   string
		setup  func(r *http.Request)
		status int
		user   string
	}{
		{"no token", func(*http.Request) {}, http.StatusUnauthorized, ""},
		{"wrong scheme", func(r *http.Request) { r.Header.Set("Authorization", "Basic Z29vZA==") }, http.StatusUnauthorized, ""},
		{"bad token", func(r *http.Request) { r.Header.Set("Authorization", "Bearer bad") }, http.StatusUnauthorized, ""},
		{"good token", func(r *http.Request) { r.Header.Set("Authorization", "bearer good") }, http.StatusOK, "alice"},
		{"query token needs upgrade", func(r *http.Request) {
			r.URL.RawQuery = "access_token=good"
		}, http.StatusUnauthorized, ""},
		{"websocket query token", func(r *http.Request) {
			r.URL.RawQuery = "access_token=good"
			r.Header.Set("Upgrade", "websocket")
		}, http.StatusOK, "alice"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/v1/devices", nil)
			tc.setup(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.user, seen)
			if tc.status == http.StatusUnauthorized {
				assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
				assert.NotContains(t, rec.Body.String(), "signature mismatch")
			}
		})
	}
}

func TestCorrelationMw(t *testing.T) {
	var seen string
	h := NewCorrelation("", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	}))

	for id, want := range map[string]string{
		"":               "",
		"abc-123":        "abc-123",
		"no spaces here": badCorrelationID,
	} {
		seen = ""
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if id != "" {
			req.Header.Set(DefaultCorrelationHeader, id)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, want, rec.Header().Get(DefaultCorrelationHeader), id)
		if want == badCorrelationID {
			assert.Empty(t, seen)
		} else {
			assert.Equal(t, want, seen)
		}
	}
}

func TestLoggingMwWritesAccessEntry(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	var hijackable bool
	h := NewCorrelation("", NewLogging(false, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hijackable = w.(http.Hijacker)
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	})))

	req := httptest.NewRequest(http.MethodGet, "/v1/devices?refresh=true", nil)
	req.Header.Set(DefaultCorrelationHeader, "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.True(t, hijackable)
	txnID := rec.Header().Get("X-Txn-ID")
	require.NotEmpty(t, txnID)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.InfoLevel, entry.Level)
	assert.Equal(t, "access", entry.Data["entrytype"])
	assert.Equal(t, http.StatusTeapot, entry.Data["status"])
	assert.Equal(t, 15, entry.Data["size"])
	assert.Equal(t, "/v1/devices", entry.Data["path"])
	assert.Equal(t, txnID, entry.Data["txnid"])
	assert.Equal(t, "req-42", entry.Data["correlationId"])
}

func TestRecoveryMw(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	h := NewRecovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"kind":"unknown","message":"internal error","recoverable":false}`, rec.Body.String())
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestCorsPreflight(t *testing.T) {
	opts := CorsOptions([]string{"https://app.example.com"}, DefaultCorrelationHeader)
	h := NewCors(opts, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/v1/devices/x/commands", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization, "+PresenceHeader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, http.MethodPost, rec.Header().Get("Access-Control-Allow-Methods"))

	req = httptest.NewRequest(http.MethodOptions, "/v1/devices", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
