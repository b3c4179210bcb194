package middleware

import (
	"context"
	"net/http"

	"github.com/edgeflare/kbridge/pkg/httputil"
	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-Id"

// RequestID middleware assigns every request an ID, stores it in the request context and echoes
// it in the X-Request-Id response header. An ID already in the context or a valid UUID in the
// request header is kept.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := httputil.RequestID(r)
		if reqID == "" {
			if _, err := uuid.Parse(r.Header.Get(RequestIDHeader)); err == nil {
				reqID = r.Header.Get(RequestIDHeader)
			} else {
				reqID = uuid.New().String()
			}
		}

		ctx := context.WithValue(r.Context(), httputil.RequestIDCtxKey, reqID)
		w.Header().Set(RequestIDHeader, reqID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
