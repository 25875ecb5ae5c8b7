// Package middleware is the Request Middleware: a
// standard http.Handler chain wrapping every broker route with request-id
// assignment, CORS, redacted access logging, and panic recovery, so no
// handler repeats its own log-then-writeErr boilerplate.
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey int

const requestIDKey contextKey = iota

// RequestID stamps every request with a fresh id (the incoming header is
// never trusted, since this process only ever receives loopback traffic
// from its own CLI/GUI client — ).
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the id stamped by RequestID, or "" if the
// middleware never ran (e.g. in a unit test calling a handler directly).
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
