package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const HeaderXRequestID = "X-Request-Id"

type ctxKey int

const requestIDKey ctxKey = 0

// RequestID echoes an incoming X-Request-Id or mints one, and makes it
// available to handlers via FromContext.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(HeaderXRequestID)
		if reqID == "" {
			reqID = uuid.NewString()
		}

		w.Header().Set(HeaderXRequestID, reqID)

		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext returns the request id set by RequestID, or "".
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
