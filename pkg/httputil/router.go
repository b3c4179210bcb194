package httputil

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Middleware defines a function type that represents a middleware. Middleware functions wrap an
// http.Handler to modify or enhance its behavior.
type Middleware func(http.Handler) http.Handler

// RouterOptions is a function type that represents options to configure a Router.
type RouterOptions func(*Router)

// Router is the main structure for handling HTTP routing and middleware.
//
// Middleware added to the root router wraps the whole mux, so it also runs for requests that
// match no route. Middleware added to a group wraps only the routes registered on that group.
type Router struct {
	mux         *http.ServeMux
	server      *http.Server
	logger      *zap.Logger
	prefix      string
	tlsCertFile string
	tlsKeyFile  string
	middleware  []Middleware
	root        bool
	mu          sync.RWMutex
}

// NewRouter creates a new instance of Router with the given options.
func NewRouter(opts ...RouterOptions) *Router {
	r := &Router{
		mux: http.NewServeMux(),
		server: &http.Server{
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: zap.NewNop(),
		root:   true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithServerOptions returns a RouterOptions function that sets custom http.Server options.
func WithServerOptions(opts ...func(*http.Server)) RouterOptions {
	return func(r *Router) {
		for _, opt := range opts {
			opt(r.server)
		}
	}
}

// WithLogger sets the logger used for server lifecycle messages.
func WithLogger(logger *zap.Logger) RouterOptions {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Use adds one or more middleware to the router. At least one middleware must be provided.
// Middleware functions are applied in the order they are added.
func (r *Router) Use(mw Middleware, additional ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw)
	if len(additional) > 0 {
		r.middleware = append(r.middleware, additional...)
	}
}

// Group creates a new sub-router with a specified prefix. A group of a group inherits the
// parent group's middleware.
func (r *Router) Group(prefix string) *Router {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g := &Router{
		mux:    r.mux,
		server: r.server,
		logger: r.logger,
		prefix: r.prefix + prefix,
	}
	if !r.root {
		g.middleware = slices.Clone(r.middleware)
	}
	return g
}

// Handle registers an HTTP handler for a given method and pattern as introduced in
// [Routing Enhancements for Go 1.22](https://go.dev/blog/routing-enhancements)
// The handler `METHOD /pattern` on a route group with a /prefix resolves to `METHOD /prefix/pattern`.
// It panics on a pattern without a method, as http.ServeMux does for invalid patterns.
func (r *Router) Handle(methodPattern string, handler http.Handler) {
	parts := strings.SplitN(methodPattern, " ", 2)
	if len(parts) != 2 {
		panic(fmt.Sprintf("invalid method pattern: %s", methodPattern))
	}
	method, pattern := parts[0], parts[1]

	r.mu.RLock()
	defer r.mu.RUnlock()

	finalHandler := handler
	if !r.root {
		finalHandler = chain(finalHandler, r.middleware)
	}
	r.mux.Handle(fmt.Sprintf("%s %s%s", method, r.prefix, pattern), finalHandler)
}

// HandleFunc is Handle for a handler function.
func (r *Router) HandleFunc(methodPattern string, handler http.HandlerFunc) {
	r.Handle(methodPattern, handler)
}

// ServeHTTP dispatches through the root middleware to the registered routes.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.Handler().ServeHTTP(w, req)
}

// Handler returns the mux wrapped in the root middleware.
func (r *Router) Handler() http.Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return chain(r.mux, r.middleware)
}

// ListenAndServe starts the server, over HTTPS when WithTLS was given. It returns
// http.ErrServerClosed after Shutdown.
func (r *Router) ListenAndServe(addr string) error {
	r.server.Addr = addr
	r.server.Handler = r.Handler()

	if r.tlsCertFile != "" || r.tlsKeyFile != "" {
		cert, err := LoadOrGenerateCert(r.tlsCertFile, r.tlsKeyFile)
		if err != nil {
			return err
		}
		r.server.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
		r.logger.Info("Starting HTTPS server", zap.String("addr", addr))
		return r.server.ListenAndServeTLS("", "")
	}

	r.logger.Info("Starting HTTP server", zap.String("addr", addr))
	return r.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (r *Router) Shutdown(ctx context.Context) error {
	r.logger.Info("Shutting down HTTP server")
	return r.server.Shutdown(ctx)
}

func chain(h http.Handler, middleware []Middleware) http.Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}
	return h
}
