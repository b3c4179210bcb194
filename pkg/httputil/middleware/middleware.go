// Package middleware holds the http.Handler wrappers shared by the kbridge HTTP surface.
package middleware

import (
	"github.com/edgeflare/kbridge/pkg/httputil"
	"go.uber.org/zap"
)

// Defaults returns the standard stack in application order: request ID, access log and,
// when cors is set, permissive CORS.
func Defaults(logger *zap.Logger, cors bool) []httputil.Middleware {
	mws := []httputil.Middleware{
		RequestID,
		LoggerWithOptions(&LoggerOptions{Logger: logger}),
	}
	if cors {
		mws = append(mws, CORSWithOptions(nil))
	}
	return mws
}
