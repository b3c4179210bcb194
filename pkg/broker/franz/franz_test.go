package franz

import (
	"testing"

	"github.com/edgeflare/kbridge/pkg/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

func TestProducerOpts(t *testing.T) {
	for _, acks := range []string{"", "all", "leader", "none"} {
		opts, err := producerOpts(broker.Config{Kafka: broker.KafkaOptions{RequiredAcks: acks}})
		require.NoError(t, err, acks)
		assert.NotEmpty(t, opts)
	}

	_, err := producerOpts(broker.Config{Kafka: broker.KafkaOptions{RequiredAcks: "most"}})
	assert.ErrorIs(t, err, broker.ErrInvalidConfig)
}

func TestResetOffset(t *testing.T) {
	start, err := resetOffset("")
	require.NoError(t, err)
	assert.Equal(t, kgo.NewOffset().AtStart(), start)

	end, err := resetOffset(broker.OffsetLatest)
	require.NoError(t, err)
	assert.Equal(t, kgo.NewOffset().AtEnd(), end)

	_, err = resetOffset("nowhere")
	assert.ErrorIs(t, err, broker.ErrInvalidConfig)
}

func TestBaseOptsRejectsBadTLS(t *testing.T) {
	_, err := baseOpts(broker.Config{
		Brokers: []string{"localhost:9092"},
		TLS:     broker.TLS{Enable: true, CertFile: "/missing.crt", KeyFile: "/missing.key"},
	})
	assert.ErrorIs(t, err, broker.ErrInvalidConfig)
}

func TestNewFailsWithoutBroker(t *testing.T) {
	if testing.Short() {
		t.Skip("dials the network")
	}
	// nothing listens on port 1
	_, err := New(broker.Config{Brokers: []string{"127.0.0.1:1"}}, zap.NewNop())
	assert.Error(t, err)
}
