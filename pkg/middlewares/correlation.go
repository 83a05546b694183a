package middlewares

import (
	"context"
	"net/http"
	"regexp"

	"github.com/gorilla/mux"
)

const DefaultCorrelationHeader = "X-Correlation-Id"

const badCorrelationID = "<Bad_Correlation_Id>"

var correlationIDRegexp = regexp.MustCompile(`^[\w-_]{3,64}$`)

type correlationKey struct{}

// CorrelationID returns the caller supplied id stored by CorrelationMw
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

type CorrelationMw struct {
	headerName string
	next       http.Handler
}

func NewCorrelationMw(headerName string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return NewCorrelation(headerName, next)
	}
}

func NewCorrelation(headerName string, next http.Handler) *CorrelationMw {
	if headerName == "" {
		headerName = DefaultCorrelationHeader
	}
	return &CorrelationMw{headerName: headerName, next: next}
}

// ServeHTTP echoes the caller's correlation id and makes it available to
// later handlers
func (mw *CorrelationMw) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	id, ok := mw.validateID(r)
	if ok {
		rw.Header().Set(mw.headerName, id)
		if id != badCorrelationID {
			r = r.WithContext(context.WithValue(r.Context(), correlationKey{}, id))
		}
	}

	mw.next.ServeHTTP(rw, r)
}

func (mw *CorrelationMw) validateID(r *http.Request) (string, bool) {
	id := r.Header.Get(mw.headerName)
	if id == "" {
		return "", false
	}
	if correlationIDRegexp.MatchString(id) {
		return id, true
	}
	return badCorrelationID, true
}
