package broker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type countingClient struct {
	produced atomic.Int32
	consumed atomic.Int32
	closed   atomic.Bool
}

func (c *countingClient) Produce(context.Context, *Message, Completion) error {
	c.produced.Add(1)
	return nil
}

func (c *countingClient) Consume(context.Context, string, string, Handler) error {
	c.consumed.Add(1)
	return nil
}

func (c *countingClient) Close() error {
	c.closed.Store(true)
	return nil
}

func fastLazyRetry(t *testing.T) {
	prev := lazyRetryInterval
	lazyRetryInterval = 10 * time.Millisecond
	t.Cleanup(func() { lazyRetryInterval = prev })
}

func TestOpenLazyUnknownDriver(t *testing.T) {
	_, err := OpenLazy(context.Background(), Config{Driver: "carrier-pigeon"}, nil)
	assert.ErrorIs(t, err, ErrUnknownDriver)
}

func TestLazyBeforeConnect(t *testing.T) {
	gate := make(chan struct{})
	client := &countingClient{}
	Register("gated", func(Config, *zap.Logger) (Client, error) {
		<-gate
		return client, nil
	})

	l, err := OpenLazy(context.Background(), Config{Driver: "gated"}, nil)
	require.NoError(t, err)
	defer l.Close()

	assert.False(t, l.Connected())
	assert.ErrorIs(t, l.Produce(context.Background(), &Message{Topic: "t"}, nil), ErrNotConnected)

	consumed := make(chan error, 1)
	go func() {
		consumed <- l.Consume(context.Background(), "t", "g", nil)
	}()
	select {
	case <-consumed:
		t.Fatal("consume returned before the broker connected")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	<-l.Ready()
	assert.True(t, l.Connected())
	require.NoError(t, <-consumed)
	assert.Equal(t, int32(1), client.consumed.Load())

	require.NoError(t, l.Produce(context.Background(), &Message{Topic: "t"}, nil))
	assert.Equal(t, int32(1), client.produced.Load())
}

func TestLazyRetriesUntilConnected(t *testing.T) {
	fastLazyRetry(t)

	var attempts atomic.Int32
	Register("late", func(Config, *zap.Logger) (Client, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("connection refused")
		}
		return &countingClient{}, nil
	})

	core, logs := observer.New(zapcore.ErrorLevel)
	l, err := OpenLazy(context.Background(), Config{Driver: "late"}, zap.New(core))
	require.NoError(t, err)
	defer l.Close()

	select {
	case <-l.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("lazy client did not connect")
	}
	assert.True(t, l.Connected())
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, 2, logs.FilterMessage("Broker unavailable").Len())
}

func TestLazyInvalidConfig(t *testing.T) {
	fastLazyRetry(t)

	var attempts atomic.Int32
	Register("rejecting", func(Config, *zap.Logger) (Client, error) {
		attempts.Add(1)
		return nil, ErrInvalidConfig
	})

	l, err := OpenLazy(context.Background(), Config{Driver: "rejecting"}, nil)
	require.NoError(t, err)
	defer l.Close()
	<-l.Ready()

	err = l.Produce(context.Background(), &Message{Topic: "t"}, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	err = l.Consume(context.Background(), "t", "g", nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestLazyCloseWhileConnecting(t *testing.T) {
	Register("unreachable", func(Config, *zap.Logger) (Client, error) {
		return nil, errors.New("connection refused")
	})

	l, err := OpenLazy(context.Background(), Config{Driver: "unreachable"}, nil)
	require.NoError(t, err)

	consumed := make(chan error, 1)
	go func() {
		consumed <- l.Consume(context.Background(), "t", "g", nil)
	}()

	require.NoError(t, l.Close())
	select {
	case err := <-consumed:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consume did not return after close")
	}
	assert.ErrorIs(t, l.Produce(context.Background(), &Message{Topic: "t"}, nil), ErrClosed)
	assert.NoError(t, l.Close())
}

func TestLazyCloseClosesClient(t *testing.T) {
	client := &countingClient{}
	Register("ready", func(Config, *zap.Logger) (Client, error) { return client, nil })

	l, err := OpenLazy(context.Background(), Config{Driver: "ready"}, nil)
	require.NoError(t, err)
	<-l.Ready()

	require.NoError(t, l.Close())
	assert.True(t, client.closed.Load())
}
