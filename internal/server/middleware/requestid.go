package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// RequestIDHeader carries the id a flags client generates for each sync.
const RequestIDHeader = "X-Request-ID"

// MaxRequestIDLength bounds client-supplied ids; longer ones are replaced.
const MaxRequestIDLength = 128

type requestIDContextKey string

// RequestIDContextKey stores the request id in the request context.
const RequestIDContextKey requestIDContextKey = "request_id"

// RequestID keeps the X-Request-ID sent by the client so the recorded sync
// request, the response body and any error envelope share one id. Missing or
// malformed ids are replaced with a fresh UUIDv7.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if !validRequestID(requestID) {
			requestID = newRequestID()
		}

		w.Header().Set(RequestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), requestID)))
	})
}

// WithRequestID returns a copy of ctx carrying requestID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDContextKey, requestID)
}

// GetRequestID returns the request id stored by RequestID, or "".
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	requestID, _ := ctx.Value(RequestIDContextKey).(string)
	return requestID
}

// validRequestID accepts visible ASCII without spaces, which covers UUIDs and
// the ids other SDKs send, and keeps header injection out of logs.
func validRequestID(id string) bool {
	if id == "" || len(id) > MaxRequestIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] <= ' ' || id[i] > '~' {
			return false
		}
	}
	return true
}

func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
