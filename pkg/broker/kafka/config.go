package kafka

import (
	"cmp"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/edgeflare/kbridge/pkg/broker"
)

const (
	DefaultVersion    = "2.1.0"
	DefaultClientID   = "kbridge"
	DefaultPartitions = 1
	DefaultReplicas   = 1
)

// NewSaramaConfig converts the broker configuration to a sarama.Config
func NewSaramaConfig(cfg broker.Config) (*sarama.Config, error) {
	conf := sarama.NewConfig()

	version, err := sarama.ParseKafkaVersion(cmp.Or(cfg.Kafka.Version, DefaultVersion))
	if err != nil {
		return nil, fmt.Errorf("%w: kafka version: %w", broker.ErrInvalidConfig, err)
	}
	conf.Version = version
	conf.ClientID = cmp.Or(cfg.ClientID, DefaultClientID)

	tlsConf, err := cfg.TLS.Config()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", broker.ErrInvalidConfig, err)
	}
	if tlsConf != nil {
		conf.Net.TLS.Enable = true
		conf.Net.TLS.Config = tlsConf
	}

	acks, err := requiredAcks(cfg.Kafka.RequiredAcks)
	if err != nil {
		return nil, err
	}
	conf.Producer.RequiredAcks = acks
	conf.Producer.Return.Successes = true
	conf.Producer.Return.Errors = true
	if cfg.DeliveryTimeout > 0 {
		conf.Producer.Timeout = cfg.DeliveryTimeout
	}

	switch cfg.OffsetReset {
	case "", broker.OffsetEarliest:
		conf.Consumer.Offsets.Initial = sarama.OffsetOldest
	case broker.OffsetLatest:
		conf.Consumer.Offsets.Initial = sarama.OffsetNewest
	default:
		return nil, fmt.Errorf("%w: offset reset %q", broker.ErrInvalidConfig, cfg.OffsetReset)
	}

	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", broker.ErrInvalidConfig, err)
	}
	return conf, nil
}

func requiredAcks(s string) (sarama.RequiredAcks, error) {
	switch s {
	case "", "all":
		return sarama.WaitForAll, nil
	case "leader":
		return sarama.WaitForLocal, nil
	case "none":
		return sarama.NoResponse, nil
	default:
		return 0, fmt.Errorf("%w: required acks %q", broker.ErrInvalidConfig, s)
	}
}
