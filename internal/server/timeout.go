package server

import (
	"context"
	"net/http"
	"time"
)

// TimeoutMiddleware bounds the request context. A zero timeout leaves the
// context untouched. Handlers stop cooperatively via context.Done(); for
// streams this cancels the backend call and ends the response.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
