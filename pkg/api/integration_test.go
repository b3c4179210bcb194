package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/edgeflare/kbridge/internal/testutil/kafkatest"
	"github.com/edgeflare/kbridge/pkg/bridge"
	"github.com/edgeflare/kbridge/pkg/broker"
	_ "github.com/edgeflare/kbridge/pkg/broker/franz"
	_ "github.com/edgeflare/kbridge/pkg/broker/kafka"
	"github.com/edgeflare/kbridge/pkg/httputil"
	"github.com/edgeflare/kbridge/pkg/listener"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestBridgeAgainstBroker posts an envelope, checks health and waits for the listener to log it,
// against a real broker with each Kafka driver.
func TestBridgeAgainstBroker(t *testing.T) {
	seed := kafkatest.SeedBroker(t)

	for _, driver := range []string{broker.DriverKafka, broker.DriverFranz} {
		t.Run(driver, func(t *testing.T) {
			cfg := kafkatest.Config(t, driver, seed)
			core, logs := observer.New(zapcore.InfoLevel)
			logger := zap.New(core)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			client, err := broker.Open(ctx, cfg, logger)
			require.NoError(t, err)
			defer client.Close()

			deliveries := make(chan bridge.Delivery, 1)
			br := bridge.New(client, bridge.MultiObserver{
				bridge.NewLogObserver(logger),
				bridge.ObserverFunc(func(d bridge.Delivery) { deliveries <- d }),
			}, logger)

			srv := httptest.NewServer(NewRouter(NewHandler(br, cfg.Topic, logger), false))
			defer srv.Close()

			l := listener.New(client, listener.Config{Topic: cfg.Topic, GroupID: cfg.GroupID}, logger)
			listenCtx, stopListener := context.WithCancel(ctx)
			listenErr := make(chan error, 1)
			go func() { listenErr <- l.Run(listenCtx) }()

			resp, err := httputil.Request(ctx, httputil.DefaultRequestConfig(http.MethodPost, srv.URL+"/api/kafka"),
				`{"field1":"hello","field2":"world"}`)
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "Message sent to Kafka topic: "+cfg.Topic, string(resp.Body))

			resp, err = httputil.Request(ctx, httputil.DefaultRequestConfig(http.MethodGet, srv.URL+"/api/kafka/health"), nil)
			require.NoError(t, err)
			assert.Equal(t, "Kafka Producer is running", string(resp.Body))

			select {
			case d := <-deliveries:
				require.NoError(t, d.Err)
				assert.Equal(t, cfg.Topic, d.Topic)
			case <-ctx.Done():
				t.Fatal("no delivery report")
			}

			require.Eventually(t, func() bool {
				return logs.FilterMessage("Received message").Len() == 1
			}, time.Minute, 100*time.Millisecond)

			got := logs.FilterMessage("Received message").All()[0].ContextMap()
			assert.Equal(t, "hello", got["field1"])
			assert.Equal(t, "world", got["field2"])
			assert.Equal(t, cfg.Topic, got["topic"])

			stopListener()
			select {
			case err := <-listenErr:
				assert.NoError(t, err)
			case <-time.After(30 * time.Second):
				t.Fatal("listener did not stop")
			}
		})
	}
}
