package broker

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"
)

// Offset reset policies for a consumer group without committed offsets.
const (
	OffsetEarliest = "earliest"
	OffsetLatest   = "latest"
)

// Config is the broker section of the application configuration. The same struct is handed
// to every driver; each driver reads the fields it understands.
type Config struct {
	Driver          string        `mapstructure:"driver"`
	Topic           string        `mapstructure:"topic"`
	GroupID         string        `mapstructure:"groupID"`
	ClientID        string        `mapstructure:"clientID"`
	OffsetReset     string        `mapstructure:"offsetReset"`
	Brokers         []string      `mapstructure:"brokers"`
	DeliveryTimeout time.Duration `mapstructure:"deliveryTimeout"`
	ConnectTimeout  time.Duration `mapstructure:"connectTimeout"`
	TLS             TLS           `mapstructure:"tls"`
	Kafka           KafkaOptions  `mapstructure:"kafka"`
	NATS            NATSOptions   `mapstructure:"nats"`
	MQTT            MQTTOptions   `mapstructure:"mqtt"`
}

// KafkaOptions are read by the kafka and franz drivers.
type KafkaOptions struct {
	Version      string `mapstructure:"version"`
	RequiredAcks string `mapstructure:"requiredAcks"` // all, leader or none
	CreateTopic  bool   `mapstructure:"createTopic"`
	Partitions   int32  `mapstructure:"partitions"`
	Replicas     int16  `mapstructure:"replicas"`
}

// NATSOptions are read by the nats driver.
type NATSOptions struct {
	Stream string `mapstructure:"stream"`
}

// MQTTOptions are read by the mqtt driver.
type MQTTOptions struct {
	QoS byte `mapstructure:"qos"`
}

// TLS represents client TLS configuration
type TLS struct {
	CertFile   string `mapstructure:"certFile"`
	KeyFile    string `mapstructure:"keyFile"`
	CAFile     string `mapstructure:"caFile"`
	Enable     bool   `mapstructure:"enable"`
	SkipVerify bool   `mapstructure:"skipVerify"`
}

// Config builds a *tls.Config. It returns nil when TLS is disabled.
func (t TLS) Config() (*tls.Config, error) {
	if !t.Enable {
		return nil, nil
	}

	conf := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: t.SkipVerify,
	}

	if t.CertFile != "" && t.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client key pair: %w", err)
		}
		conf.Certificates = []tls.Certificate{cert}
	}

	if t.CAFile != "" {
		caCert, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates found in %s", t.CAFile)
		}
		conf.RootCAs = pool
	}

	return conf, nil
}

// Validate checks the fields every driver depends on.
func (c Config) Validate() error {
	var errs []error
	if c.Driver == "" {
		errs = append(errs, errors.New("broker.driver is required"))
	}
	if c.Topic == "" {
		errs = append(errs, errors.New("broker.topic is required"))
	}
	if c.GroupID == "" {
		errs = append(errs, errors.New("broker.groupID is required"))
	}
	if len(c.Brokers) == 0 && c.Driver != "memory" {
		errs = append(errs, errors.New("broker.brokers must list at least one address"))
	}
	switch c.OffsetReset {
	case "", OffsetEarliest, OffsetLatest:
	default:
		errs = append(errs, fmt.Errorf("broker.offsetReset must be %q or %q, got %q", OffsetEarliest, OffsetLatest, c.OffsetReset))
	}
	return errors.Join(errs...)
}
