package kbridge

import (
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/edgeflare/kbridge/pkg/broker"
	"github.com/edgeflare/kbridge/pkg/listener"
	"github.com/edgeflare/kbridge/pkg/metrics"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Run only the listener",
	Long:  `Consumes the bridge topic as a member of the configured group and logs every envelope received.`,
	RunE:  runListen,
}

func init() {
	f := listenCmd.Flags()
	f.String("metrics-addr", "", "Prometheus metrics listen address")
	f.Bool("no-metrics", false, "disable the Prometheus metrics server")
	rootCmd.AddCommand(listenCmd)
}

func runListen(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := broker.Open(ctx, cfg.Broker, logger)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	if cfg.Metrics.Enabled {
		metrics.StartPrometheusServer(ctx, &wg, &metrics.PromServerOpts{Addr: cfg.Metrics.Addr, Logger: logger})
	}

	l := listener.New(client, listener.Config{Topic: cfg.Broker.Topic, GroupID: cfg.Broker.GroupID}, logger)
	runErr := l.Supervise(ctx, listenerBackOff())
	if runErr != nil {
		logger.Error("Listener gave up", zap.Error(runErr))
	}
	stop()

	waitGroup(&wg, cfg.Server.ShutdownTimeout)
	return errors.Join(runErr, closeClient(client))
}
