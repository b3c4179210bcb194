package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNotConnected is returned by a Lazy client until its driver has connected.
var ErrNotConnected = errors.New("broker client is not connected")

// pause between rounds of Open in Lazy.connect
var lazyRetryInterval = 5 * time.Second

// Lazy is a Client that connects in the background. Until the driver has connected, Produce
// fails with ErrNotConnected and Consume waits for the connection.
type Lazy struct {
	ready  chan struct{}
	cancel context.CancelFunc

	mu     sync.RWMutex
	client Client
	err    error
	closed bool
}

// OpenLazy returns without waiting for the broker. It keeps calling Open in the background
// until a connection succeeds, the driver rejects the configuration or ctx is done. Only an
// unknown driver is reported at once.
func OpenLazy(ctx context.Context, cfg Config, logger *zap.Logger) (*Lazy, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	mu.RLock()
	_, ok := drivers[cfg.Driver]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownDriver, cfg.Driver, Drivers())
	}

	ctx, cancel := context.WithCancel(ctx)
	l := &Lazy{
		ready:  make(chan struct{}),
		cancel: cancel,
	}
	go l.connect(ctx, cfg, logger)
	return l, nil
}

func (l *Lazy) connect(ctx context.Context, cfg Config, logger *zap.Logger) {
	defer close(l.ready)

	for {
		c, err := Open(ctx, cfg, logger)
		if err == nil {
			l.mu.Lock()
			l.client = c
			l.mu.Unlock()
			return
		}

		if errors.Is(err, ErrInvalidConfig) {
			logger.Error("Broker rejected configuration", zap.String("driver", cfg.Driver), zap.Error(err))
			l.fail(err)
			return
		}
		if ctx.Err() != nil {
			l.fail(err)
			return
		}

		logger.Error("Broker unavailable",
			zap.String("driver", cfg.Driver),
			zap.Duration("retry_in", lazyRetryInterval),
			zap.Error(err))

		select {
		case <-ctx.Done():
			l.fail(err)
			return
		case <-time.After(lazyRetryInterval):
		}
	}
}

func (l *Lazy) fail(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

// Ready is closed once connecting has finished, successfully or not.
func (l *Lazy) Ready() <-chan struct{} {
	return l.ready
}

// Connected reports whether the driver has connected.
func (l *Lazy) Connected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.client != nil
}

// Produce implements Producer.
func (l *Lazy) Produce(ctx context.Context, msg *Message, done Completion) error {
	l.mu.RLock()
	c, err, closed := l.client, l.err, l.closed
	l.mu.RUnlock()

	switch {
	case closed:
		return ErrClosed
	case c != nil:
		return c.Produce(ctx, msg, done)
	case err != nil:
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	default:
		return ErrNotConnected
	}
}

// Consume implements Consumer. It waits for the connection first.
func (l *Lazy) Consume(ctx context.Context, topic, group string, handler Handler) error {
	select {
	case <-l.ready:
	case <-ctx.Done():
		return nil
	}

	l.mu.RLock()
	c, err, closed := l.client, l.err, l.closed
	l.mu.RUnlock()

	switch {
	case closed || ctx.Err() != nil:
		return nil
	case c == nil:
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	default:
		return c.Consume(ctx, topic, group, handler)
	}
}

// Close stops connecting and closes the driver client if there is one.
func (l *Lazy) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	<-l.ready

	l.mu.RLock()
	c := l.client
	l.mu.RUnlock()
	if c == nil {
		return nil
	}
	return c.Close()
}
