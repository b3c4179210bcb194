package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type nopClient struct{}

func (nopClient) Produce(context.Context, *Message, Completion) error    { return nil }
func (nopClient) Consume(context.Context, string, string, Handler) error { return nil }
func (nopClient) Close() error                                           { return nil }

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "carrier-pigeon"}, nil)
	assert.ErrorIs(t, err, ErrUnknownDriver)
}

func TestOpenRetriesUntilConnected(t *testing.T) {
	attempts := 0
	Register("flaky", func(Config, *zap.Logger) (Client, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("connection refused")
		}
		return nopClient{}, nil
	})

	core, logs := observer.New(zapcore.WarnLevel)
	c, err := Open(context.Background(), Config{Driver: "flaky", ConnectTimeout: 10 * time.Second}, zap.New(core))
	require.NoError(t, err)
	assert.Equal(t, nopClient{}, c)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, logs.FilterMessage("Retrying broker connection").Len())
}

func TestOpenSingleAttemptWithoutConnectTimeout(t *testing.T) {
	attempts := 0
	Register("down", func(Config, *zap.Logger) (Client, error) {
		attempts++
		return nil, errors.New("connection refused")
	})

	_, err := Open(context.Background(), Config{Driver: "down"}, nil)
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestOpenDoesNotRetryInvalidConfig(t *testing.T) {
	attempts := 0
	Register("misconfigured", func(Config, *zap.Logger) (Client, error) {
		attempts++
		return nil, ErrInvalidConfig
	})

	_, err := Open(context.Background(), Config{Driver: "misconfigured", ConnectTimeout: time.Minute}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, 1, attempts)
}

func TestDriversSorted(t *testing.T) {
	Register("zzz", func(Config, *zap.Logger) (Client, error) { return nopClient{}, nil })
	Register("aaa", func(Config, *zap.Logger) (Client, error) { return nopClient{}, nil })
	names := Drivers()
	assert.IsNonDecreasing(t, names)
	assert.Contains(t, names, "aaa")
}
