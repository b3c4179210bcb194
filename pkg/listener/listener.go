// Package listener runs the standing subscription that records every envelope published to
// the bridge topic.
package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgeflare/kbridge/pkg/broker"
	"github.com/edgeflare/kbridge/pkg/envelope"
	"github.com/edgeflare/kbridge/pkg/metrics"
	"go.uber.org/zap"
)

var ErrAlreadyRunning = errors.New("listener is already running")

// State of a Listener.
type State int

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	default:
		return "stopped"
	}
}

type Config struct {
	Topic   string
	GroupID string
}

// Listener consumes Config.Topic as a member of Config.GroupID.
type Listener struct {
	consumer broker.Consumer
	config   Config
	logger   *zap.Logger

	mu    sync.Mutex
	state State
}

func New(consumer broker.Consumer, cfg Config, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		consumer: consumer,
		config:   cfg,
		logger:   logger,
	}
}

// State returns the current state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Run blocks until ctx is cancelled or the consumer stops. Records are handled one at a time,
// in the order the broker delivers them.
func (l *Listener) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.state == Running {
		l.mu.Unlock()
		return ErrAlreadyRunning
	}
	l.state = Running
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.state = Stopped
		l.mu.Unlock()
	}()

	l.logger.Info("Starting listener",
		zap.String("topic", l.config.Topic),
		zap.String("group", l.config.GroupID))

	if err := l.consumer.Consume(ctx, l.config.Topic, l.config.GroupID, l.handle); err != nil {
		return fmt.Errorf("consume %s: %w", l.config.Topic, err)
	}

	l.logger.Info("Listener stopped", zap.String("topic", l.config.Topic))
	return nil
}

// Supervise runs the listener until ctx is cancelled or the consumer stops, restarting it
// after each failure with delays taken from b. Failures are logged, so a broken subscription
// stays local to the listener. The last failure is returned only when b gives up.
func (l *Listener) Supervise(ctx context.Context, b backoff.BackOff) error {
	operation := func() error {
		err := l.Run(ctx)
		if errors.Is(err, ErrAlreadyRunning) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		metrics.ListenerRestarts.WithLabelValues(l.config.Topic, l.config.GroupID).Inc()
		l.logger.Error("Listener failed, restarting",
			zap.String("topic", l.config.Topic),
			zap.Duration("delay", delay),
			zap.Error(err))
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// handle never returns an error: records that do not decode are logged and skipped.
func (l *Listener) handle(_ context.Context, rec *broker.Record) error {
	start := time.Now()
	defer func() {
		metrics.HandleDuration.WithLabelValues(rec.Topic, l.config.GroupID).Observe(time.Since(start).Seconds())
	}()

	env, err := envelope.Unmarshal(rec.Value)
	if err != nil {
		metrics.DecodeErrors.WithLabelValues(rec.Topic, l.config.GroupID).Inc()
		l.logger.Error("Skipping undecodable message",
			zap.String("topic", rec.Topic),
			zap.Int32("partition", rec.Partition),
			zap.Int64("offset", rec.Offset),
			zap.Int("size", len(rec.Value)),
			zap.Error(err))
		return nil
	}

	metrics.ConsumedMessages.WithLabelValues(rec.Topic, l.config.GroupID).Inc()
	l.logger.Info("Received message",
		zap.Stringp("field1", env.Field1),
		zap.Stringp("field2", env.Field2),
		zap.String("topic", rec.Topic),
		zap.Int32("partition", rec.Partition),
		zap.Int64("offset", rec.Offset))
	return nil
}
