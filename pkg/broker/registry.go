package broker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Driver opens a connected Client from configuration.
type Driver func(cfg Config, logger *zap.Logger) (Client, error)

// Predefined drivers
const (
	DriverKafka  = "kafka"
	DriverFranz  = "franz"
	DriverNATS   = "nats"
	DriverMQTT   = "mqtt"
	DriverMemory = "memory"
)

var (
	drivers = make(map[string]Driver)
	mu      sync.RWMutex
)

// Register adds a driver to the registry. Drivers register themselves from init.
func Register(name string, d Driver) {
	mu.Lock()
	defer mu.Unlock()
	drivers[name] = d
}

// Drivers returns the registered driver names in sorted order.
func Drivers() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Open connects the driver named by cfg.Driver. Connection failures are retried with
// exponential backoff until cfg.ConnectTimeout elapses or ctx is done. A zero ConnectTimeout
// makes a single attempt.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	mu.RLock()
	driver, ok := drivers[cfg.Driver]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownDriver, cfg.Driver, Drivers())
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if cfg.ConnectTimeout > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 500 * time.Millisecond
		eb.MaxInterval = 5 * time.Second
		eb.MaxElapsedTime = cfg.ConnectTimeout
		b = eb
	}

	var client Client
	operation := func() error {
		c, err := driver(cfg, logger)
		if err != nil {
			if errors.Is(err, ErrInvalidConfig) {
				return backoff.Permanent(err)
			}
			return err
		}
		client = c
		return nil
	}
	notify := func(err error, delay time.Duration) {
		logger.Warn("Retrying broker connection",
			zap.String("driver", cfg.Driver),
			zap.Duration("delay", delay),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("connect %s broker: %w", cfg.Driver, err)
	}

	logger.Info("Connected to broker",
		zap.String("driver", cfg.Driver),
		zap.Strings("brokers", cfg.Brokers))
	return client, nil
}
