package middleware

import (
	"net/http"
	"strings"
)

// CORSOptions defines configuration for CORS.
type CORSOptions struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
}

// defaultCORSOptions allows any origin to call the bridge endpoints without credentials.
func defaultCORSOptions() *CORSOptions {
	return &CORSOptions{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Content-Length", "Accept-Encoding", "accept", "origin", "Cache-Control", "X-Requested-With", RequestIDHeader},
		ExposedHeaders: []string{RequestIDHeader},
	}
}

// CORSWithOptions creates a CORS middleware with the provided configuration.
// If options is nil, it will use the default CORS settings.
// If options is an empty struct (CORSOptions{}), it will create a middleware with no CORS headers.
func CORSWithOptions(options *CORSOptions) func(http.Handler) http.Handler {
	if options == nil {
		options = defaultCORSOptions()
	}

	headers := map[string]string{}
	if len(options.AllowedOrigins) > 0 {
		headers["Access-Control-Allow-Origin"] = strings.Join(options.AllowedOrigins, ",")
	}
	if len(options.AllowedMethods) > 0 {
		headers["Access-Control-Allow-Methods"] = strings.Join(options.AllowedMethods, ",")
	}
	if len(options.AllowedHeaders) > 0 {
		headers["Access-Control-Allow-Headers"] = strings.Join(options.AllowedHeaders, ",")
	}
	if len(options.ExposedHeaders) > 0 {
		headers["Access-Control-Expose-Headers"] = strings.Join(options.ExposedHeaders, ",")
	}
	if options.AllowCredentials {
		headers["Access-Control-Allow-Credentials"] = "true"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for k, v := range headers {
				w.Header().Set(k, v)
			}

			// preflight
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
