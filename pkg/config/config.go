package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/edgeflare/kbridge/pkg/broker"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "KBRIDGE"

// Config holds application-wide configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Broker  broker.Config `mapstructure:"broker"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     LogConfig     `mapstructure:"log"`
}

type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listenAddr"`
	TLS             ServerTLS     `mapstructure:"tls"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	CORS            bool          `mapstructure:"cors"`
}

// ServerTLS enables HTTPS. A missing key pair is generated self-signed at the given paths.
type ServerTLS struct {
	CertFile string `mapstructure:"certFile"`
	KeyFile  string `mapstructure:"keyFile"`
	Enable   bool   `mapstructure:"enable"`
}

type MetricsConfig struct {
	Addr    string `mapstructure:"addr"`
	Enabled bool   `mapstructure:"enabled"`
}

type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error or none
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			TLS: ServerTLS{
				CertFile: "./tls/tls.crt",
				KeyFile:  "./tls/tls.key",
			},
			ShutdownTimeout: 10 * time.Second,
			CORS:            true,
		},
		Broker: broker.Config{
			Driver:          broker.DriverKafka,
			Brokers:         []string{"localhost:9092"},
			Topic:           "kbridge-topic",
			GroupID:         "kbridge-group",
			ClientID:        "kbridge",
			OffsetReset:     broker.OffsetEarliest,
			DeliveryTimeout: 30 * time.Second,
			ConnectTimeout:  30 * time.Second,
			Kafka: broker.KafkaOptions{
				Version:      "2.1.0",
				RequiredAcks: "all",
				Partitions:   1,
				Replicas:     1,
			},
			NATS: broker.NATSOptions{Stream: "KBRIDGE"},
			MQTT: broker.MQTTOptions{QoS: 1},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9100",
		},
		Log: LogConfig{Level: "info"},
	}
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.listenAddr", d.Server.ListenAddr)
	v.SetDefault("server.shutdownTimeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.cors", d.Server.CORS)
	v.SetDefault("server.tls.enable", d.Server.TLS.Enable)
	v.SetDefault("server.tls.certFile", d.Server.TLS.CertFile)
	v.SetDefault("server.tls.keyFile", d.Server.TLS.KeyFile)

	v.SetDefault("broker.driver", d.Broker.Driver)
	v.SetDefault("broker.brokers", d.Broker.Brokers)
	v.SetDefault("broker.topic", d.Broker.Topic)
	v.SetDefault("broker.groupID", d.Broker.GroupID)
	v.SetDefault("broker.clientID", d.Broker.ClientID)
	v.SetDefault("broker.offsetReset", d.Broker.OffsetReset)
	v.SetDefault("broker.deliveryTimeout", d.Broker.DeliveryTimeout)
	v.SetDefault("broker.connectTimeout", d.Broker.ConnectTimeout)
	v.SetDefault("broker.tls.enable", d.Broker.TLS.Enable)
	v.SetDefault("broker.tls.skipVerify", d.Broker.TLS.SkipVerify)
	v.SetDefault("broker.tls.certFile", d.Broker.TLS.CertFile)
	v.SetDefault("broker.tls.keyFile", d.Broker.TLS.KeyFile)
	v.SetDefault("broker.tls.caFile", d.Broker.TLS.CAFile)
	v.SetDefault("broker.kafka.version", d.Broker.Kafka.Version)
	v.SetDefault("broker.kafka.requiredAcks", d.Broker.Kafka.RequiredAcks)
	v.SetDefault("broker.kafka.createTopic", d.Broker.Kafka.CreateTopic)
	v.SetDefault("broker.kafka.partitions", d.Broker.Kafka.Partitions)
	v.SetDefault("broker.kafka.replicas", d.Broker.Kafka.Replicas)
	v.SetDefault("broker.nats.stream", d.Broker.NATS.Stream)
	v.SetDefault("broker.mqtt.qos", d.Broker.MQTT.QoS)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.addr", d.Metrics.Addr)

	v.SetDefault("log.level", d.Log.Level)
}

// Option customizes how Load reads configuration.
type Option func(*viper.Viper) error

// WithFlag binds a command-line flag to key. The flag wins over file and environment when set.
func WithFlag(key string, flag *pflag.Flag) Option {
	return func(v *viper.Viper) error {
		if flag == nil {
			return fmt.Errorf("no flag bound to %s", key)
		}
		return v.BindPFlag(key, flag)
	}
}

// Load reads config from file, environment and bound flags, in increasing order of precedence.
// With an empty cfgFile it looks for kbridge.yaml in $HOME/.config and the working directory;
// a missing file is not an error. Environment variables are KBRIDGE_<SECTION>_<KEY>, for
// example KBRIDGE_BROKER_TOPIC.
func Load(cfgFile string, opts ...Option) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("kbridge")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, opt := range opts {
		if err := opt(v); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if err := c.Broker.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listenAddr is required"))
	}
	if c.Server.TLS.Enable && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls.certFile and server.tls.keyFile are required when TLS is enabled"))
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, errors.New("metrics.addr is required when metrics are enabled"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error", "none":
	default:
		errs = append(errs, fmt.Errorf("log.level must be one of debug, info, warn, error, none, got %q", c.Log.Level))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
