package kbridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgeflare/kbridge/pkg/api"
	"github.com/edgeflare/kbridge/pkg/bridge"
	"github.com/edgeflare/kbridge/pkg/broker"
	"github.com/edgeflare/kbridge/pkg/httputil"
	"github.com/edgeflare/kbridge/pkg/listener"
	"github.com/edgeflare/kbridge/pkg/metrics"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP bridge and the listener",
	Long: `Starts the HTTP server exposing POST /api/kafka and GET /api/kafka/health, the listener
consuming the bridge topic and, unless disabled, the Prometheus metrics server.`,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringP("listen-addr", "l", "", "HTTP listen address")
	f.String("metrics-addr", "", "Prometheus metrics listen address")
	f.Bool("no-metrics", false, "disable the Prometheus metrics server")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting Kafka bridge...",
		zap.String("driver", cfg.Broker.Driver),
		zap.String("topic", cfg.Broker.Topic),
		zap.String("version", Version))

	// HTTP comes up without the broker: health answers at once, publishes fail with 500 until
	// the client has connected.
	client, err := broker.OpenLazy(ctx, cfg.Broker, logger)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	if cfg.Metrics.Enabled {
		metrics.StartPrometheusServer(ctx, &wg, &metrics.PromServerOpts{Addr: cfg.Metrics.Addr, Logger: logger})
	}

	br := bridge.New(client, bridge.NewLogObserver(logger), logger)
	routerOpts := []httputil.RouterOptions{
		httputil.WithServerOptions(func(s *http.Server) {
			s.ErrorLog = zap.NewStdLog(logger)
			s.IdleTimeout = 2 * time.Minute
		}),
	}
	if cfg.Server.TLS.Enable {
		routerOpts = append(routerOpts, httputil.WithTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile))
	}
	router := api.NewRouter(api.NewHandler(br, cfg.Broker.Topic, logger), cfg.Server.CORS, routerOpts...)
	l := listener.New(client, listener.Config{Topic: cfg.Broker.Topic, GroupID: cfg.Broker.GroupID}, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := l.Supervise(ctx, listenerBackOff()); err != nil {
			logger.Error("Listener gave up", zap.Error(err))
		}
	}()

	errc := make(chan error, 1)
	go func() {
		if err := router.ListenAndServe(cfg.Server.ListenAddr); !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received termination signal, shutting down gracefully...")
	case runErr = <-errc:
		logger.Error("Shutting down after error", zap.Error(runErr))
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := router.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown", zap.Error(err))
	}

	waitGroup(&wg, cfg.Server.ShutdownTimeout)
	return errors.Join(runErr, closeClient(client))
}

// listenerBackOff restarts a failed listener for as long as the process runs.
func listenerBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// waitGroup waits for wg, giving up after timeout.
func waitGroup(wg *sync.WaitGroup, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Shutdown complete")
	case <-time.After(timeout):
		logger.Warn("Shutdown timed out", zap.Duration("timeout", timeout))
	}
}

// closeClient flushes pending deliveries and disconnects.
func closeClient(client broker.Client) error {
	if err := client.Close(); err != nil {
		return fmt.Errorf("close broker client: %w", err)
	}
	return nil
}
