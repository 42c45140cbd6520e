// Package correlation resolves and propagates the per-request correlation
// identifier across HTTP boundaries and message envelopes.
package correlation

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// HeaderName is the HTTP header carrying the correlation identifier.
const HeaderName = "X-Correlation-ID"

type ctxKey struct{}

var fallbackSeq atomic.Uint64

// Resolve returns the first inbound value verbatim when it is non-empty,
// otherwise a newly generated identifier. It never fails.
func Resolve(values []string) string {
	if len(values) > 0 && values[0] != "" {
		return values[0]
	}
	return New()
}

// New generates a random correlation identifier.
func New() string {
	if id, err := uuid.NewRandom(); err == nil {
		return id.String()
	}
	// Random source unavailable: fall back to a process-unique value.
	return fmt.Sprintf("corr-%d-%d", time.Now().UnixNano(), fallbackSeq.Add(1))
}

// WithID stores the correlation identifier in ctx.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the correlation identifier stored in ctx, or "".
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok {
		return id
	}
	return ""
}

// Ensure returns ctx with a correlation identifier, generating one if absent.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := New()
	return WithID(ctx, id), id
}

// Middleware resolves the correlation header of every inbound request,
// stores it in the request context and echoes it on the response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := Resolve(r.Header.Values(HeaderName))
		w.Header().Set(HeaderName, id)
		next.ServeHTTP(w, r.WithContext(WithID(r.Context(), id)))
	})
}

// Transport stamps the context's correlation identifier on outbound requests.
type Transport struct {
	Base http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	id := FromContext(req.Context())
	if id == "" || req.Header.Get(HeaderName) == id {
		return t.base().RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set(HeaderName, id)
	return t.base().RoundTrip(clone)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}
