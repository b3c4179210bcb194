// Package api exposes the publish bridge over HTTP.
//
//	POST /api/kafka         publish an envelope, 200 text/plain once the broker client took it
//	GET  /api/kafka/health  liveness, always 200
package api

import (
	"context"
	"net/http"

	"github.com/edgeflare/kbridge/pkg/bridge"
	"github.com/edgeflare/kbridge/pkg/envelope"
	"github.com/edgeflare/kbridge/pkg/httputil"
	"github.com/edgeflare/kbridge/pkg/httputil/middleware"
	"go.uber.org/zap"
)

const (
	HealthMessage = "Kafka Producer is running"

	maxBodyBytes = 1 << 20
)

// Publisher is implemented by *bridge.Bridge.
type Publisher interface {
	Publish(ctx context.Context, topic string, env envelope.Envelope) (bridge.Accepted, error)
}

// Handler serves the bridge endpoints for a single topic.
type Handler struct {
	publisher Publisher
	topic     string
	logger    *zap.Logger
}

func NewHandler(publisher Publisher, topic string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		publisher: publisher,
		topic:     topic,
		logger:    logger,
	}
}

// Register mounts the routes under /api.
func (h *Handler) Register(r *httputil.Router) {
	api := r.Group("/api")
	api.HandleFunc("POST /kafka", h.Publish)
	api.HandleFunc("GET /kafka/health", h.Health)
}

// NewRouter returns a router with the default middleware and the bridge routes.
func NewRouter(h *Handler, cors bool, opts ...httputil.RouterOptions) *httputil.Router {
	r := httputil.NewRouter(append([]httputil.RouterOptions{httputil.WithLogger(h.logger)}, opts...)...)
	mws := middleware.Defaults(h.logger, cors)
	r.Use(mws[0], mws[1:]...)
	h.Register(r)
	return r
}

// Publish hands the posted envelope to the bridge. It does not wait for the broker.
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	logger := middleware.LoggerFromContext(r.Context(), h.logger)
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var env *envelope.Envelope
	if err := httputil.BindOrError(r, w, &env); err != nil {
		logger.Debug("Rejected request body", zap.Error(err))
		return
	}
	if env == nil {
		httputil.Error(w, http.StatusBadRequest, "request body must be a JSON object")
		return
	}

	accepted, err := h.publisher.Publish(r.Context(), h.topic, *env)
	if err != nil {
		logger.Error("Failed to submit message", zap.String("topic", h.topic), zap.Error(err))
		httputil.Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	httputil.Text(w, http.StatusOK, accepted.String())
}

// Health reports liveness only. It does not check the broker.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, HealthMessage)
}
