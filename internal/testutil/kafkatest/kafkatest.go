// Package kafkatest starts a Kafka-compatible broker (Redpanda) in a container for
// integration tests.
package kafkatest

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/edgeflare/kbridge/pkg/broker"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/redpanda"
)

// DefaultImage can be overridden with KBRIDGE_TEST_REDPANDA_IMAGE.
const DefaultImage = "docker.redpanda.com/redpandadata/redpanda:v24.2.4"

// SeedBroker starts a single node Redpanda with topic auto-creation and returns its Kafka
// address. The container is removed when t finishes. Tests are skipped in -short mode, when
// KBRIDGE_TEST_BROKERS points at an existing broker the address is returned without a container,
// and when no container runtime is available.
func SeedBroker(t *testing.T) string {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping broker integration test in short mode")
	}
	if brokers := os.Getenv("KBRIDGE_TEST_BROKERS"); brokers != "" {
		return brokers
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	image := DefaultImage
	if v := os.Getenv("KBRIDGE_TEST_REDPANDA_IMAGE"); v != "" {
		image = v
	}

	ctr, err := redpanda.Run(ctx, image, redpanda.WithAutoCreateTopics())
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "start redpanda")

	seed, err := ctr.KafkaSeedBroker(ctx)
	require.NoError(t, err)
	t.Logf("Redpanda listening on %s", seed)
	return seed
}

// Config returns a broker configuration for driver pointing at brokers, with a topic and
// group unique to the test.
func Config(t *testing.T, driver, brokers string) broker.Config {
	t.Helper()
	suffix := fmt.Sprintf("%s-%d", strings.NewReplacer("/", "-", " ", "-").Replace(t.Name()), time.Now().UnixNano())
	return broker.Config{
		Driver:          driver,
		Brokers:         strings.Split(brokers, ","),
		Topic:           "kbridge-" + suffix,
		GroupID:         "kbridge-group-" + suffix,
		ClientID:        "kbridge-test",
		OffsetReset:     broker.OffsetEarliest,
		DeliveryTimeout: 30 * time.Second,
		ConnectTimeout:  30 * time.Second,
		Kafka: broker.KafkaOptions{
			RequiredAcks: "all",
			CreateTopic:  true,
			Partitions:   1,
			Replicas:     1,
		},
	}
}
