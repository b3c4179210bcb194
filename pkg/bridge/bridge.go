// Package bridge turns an Envelope into a broker message and reports its delivery outcome
// asynchronously to an Observer.
package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/edgeflare/kbridge/pkg/broker"
	"github.com/edgeflare/kbridge/pkg/envelope"
	"github.com/edgeflare/kbridge/pkg/metrics"
	"go.uber.org/zap"
)

// Accepted is returned once the broker client has taken a message for delivery. It says
// nothing about whether the broker stored it.
type Accepted struct {
	Topic string
}

func (a Accepted) String() string {
	return "Message sent to Kafka topic: " + a.Topic
}

// Bridge publishes envelopes through a broker.Producer.
type Bridge struct {
	producer broker.Producer
	observer Observer
	logger   *zap.Logger
}

// New returns a Bridge. A nil observer defaults to a LogObserver on logger.
func New(producer broker.Producer, observer Observer, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = NewLogObserver(logger)
	}
	return &Bridge{
		producer: producer,
		observer: observer,
		logger:   logger,
	}
}

// Publish encodes env and submits it to topic without waiting for the broker. When it returns
// a nil error the observer is called exactly once, on another goroutine, after Publish has
// returned. When it returns an error the observer is never called.
func (b *Bridge) Publish(ctx context.Context, topic string, env envelope.Envelope) (Accepted, error) {
	value, err := envelope.Marshal(env)
	if err != nil {
		return Accepted{}, fmt.Errorf("encode envelope: %w", err)
	}

	b.logger.Info("Sending message to broker",
		zap.String("topic", topic),
		zap.Stringer("message", env))

	returned := make(chan struct{})
	defer close(returned)

	var once sync.Once
	done := func(res broker.Result, err error) {
		d := Delivery{
			Topic:     topic,
			Partition: res.Partition,
			Offset:    res.Offset,
			Err:       err,
			Envelope:  env,
		}
		go func() {
			<-returned
			once.Do(func() { b.observer.Observe(d) })
		}()
	}

	if err := b.producer.Produce(ctx, &broker.Message{Topic: topic, Value: value}, done); err != nil {
		metrics.PublishErrors.WithLabelValues(topic).Inc()
		return Accepted{}, fmt.Errorf("submit message to %s: %w", topic, err)
	}

	metrics.PublishSubmitted.WithLabelValues(topic).Inc()
	return Accepted{Topic: topic}, nil
}
