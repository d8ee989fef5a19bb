package httpx

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HeaderIdempotencyKey is the header carrying the caller's dedup token.
// Every POST operation requires it; the relay derives it deterministically
// from the event it is delivering.
const HeaderIdempotencyKey = "Idempotency-Key"

type contextKey int

const idempotencyKeyContextKey contextKey = iota

// AttachIdempotencyKey copies the Idempotency-Key header into the request
// context. Handlers read it back with IdempotencyKeyFromContext; an empty
// value is a client error the handler reports.
func AttachIdempotencyKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderIdempotencyKey)
		ctx := context.WithValue(r.Context(), idempotencyKeyContextKey, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IdempotencyKeyFromContext returns the key attached by the middleware, or "".
func IdempotencyKeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKeyContextKey).(string)
	return key
}

// NewRouter builds the service router with the shared middleware chain and
// hands the /api subtree to register.
func NewRouter(serviceName string, register func(chi.Router)) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(AttachIdempotencyKey)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", register)

	return otelhttp.NewHandler(r, serviceName)
}
