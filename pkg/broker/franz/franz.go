// Package franz is a broker driver built on twmb/franz-go.
//
// Produce hands records to kgo.Client.Produce, whose promise is the completion callback.
// Consume runs a dedicated group client per call and polls until the context is done.
package franz

import (
	"cmp"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/edgeflare/kbridge/pkg/broker"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

const pingTimeout = 10 * time.Second

// Client is a franz-go backed broker.Client.
type Client struct {
	config   broker.Config
	base     []kgo.Opt
	producer *kgo.Client
	logger   *zap.Logger

	mu        sync.RWMutex
	closed    bool
	consumers map[*kgo.Client]struct{}
}

// New creates a producer client and pings the seed brokers.
func New(cfg broker.Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	base, err := baseOpts(cfg)
	if err != nil {
		return nil, err
	}
	produceOpts, err := producerOpts(cfg)
	if err != nil {
		return nil, err
	}

	producer, err := kgo.NewClient(append(base, produceOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", broker.ErrInvalidConfig, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := producer.Ping(ctx); err != nil {
		producer.Close()
		return nil, fmt.Errorf("ping brokers: %w", err)
	}

	return &Client{
		config:    cfg,
		base:      base,
		producer:  producer,
		logger:    logger,
		consumers: make(map[*kgo.Client]struct{}),
	}, nil
}

func baseOpts(cfg broker.Config) ([]kgo.Opt, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cmp.Or(cfg.ClientID, "kbridge")),
	}

	tlsConf, err := cfg.TLS.Config()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", broker.ErrInvalidConfig, err)
	}
	if tlsConf != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsConf))
	}
	return opts, nil
}

func producerOpts(cfg broker.Config) ([]kgo.Opt, error) {
	opts := []kgo.Opt{kgo.AllowAutoTopicCreation()}
	if cfg.DeliveryTimeout > 0 {
		opts = append(opts, kgo.RecordDeliveryTimeout(cfg.DeliveryTimeout))
	}

	switch cfg.Kafka.RequiredAcks {
	case "", "all":
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	case "leader":
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	case "none":
		opts = append(opts, kgo.RequiredAcks(kgo.NoAck()), kgo.DisableIdempotentWrite())
	default:
		return nil, fmt.Errorf("%w: required acks %q", broker.ErrInvalidConfig, cfg.Kafka.RequiredAcks)
	}
	return opts, nil
}

func resetOffset(reset string) (kgo.Offset, error) {
	switch reset {
	case "", broker.OffsetEarliest:
		return kgo.NewOffset().AtStart(), nil
	case broker.OffsetLatest:
		return kgo.NewOffset().AtEnd(), nil
	default:
		return kgo.Offset{}, fmt.Errorf("%w: offset reset %q", broker.ErrInvalidConfig, reset)
	}
}

// Produce implements broker.Producer.
func (c *Client) Produce(ctx context.Context, msg *broker.Message, done broker.Completion) error {
	if msg == nil || msg.Topic == "" {
		return fmt.Errorf("%w: message topic is required", broker.ErrInvalidConfig)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return broker.ErrClosed
	}

	record := &kgo.Record{
		Topic: msg.Topic,
		Value: msg.Value,
	}
	if len(msg.Key) > 0 {
		record.Key = msg.Key
	}

	// The record outlives the caller: a cancelled request must not fail a buffered record.
	c.producer.Produce(context.WithoutCancel(ctx), record, func(r *kgo.Record, err error) {
		if done == nil {
			return
		}
		if err != nil {
			done(broker.Result{Topic: r.Topic}, err)
			return
		}
		done(broker.Result{Topic: r.Topic, Partition: r.Partition, Offset: r.Offset}, nil)
	})
	return nil
}

// Consume implements broker.Consumer. Every record of a poll is handled before the next
// poll, even after ctx is cancelled, so polled records are never left half-processed.
func (c *Client) Consume(ctx context.Context, topic, group string, handler broker.Handler) error {
	reset, err := resetOffset(c.config.OffsetReset)
	if err != nil {
		return err
	}

	opts := append(append([]kgo.Opt{}, c.base...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(reset),
	)
	consumer, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	if !c.track(consumer) {
		consumer.Close()
		return broker.ErrClosed
	}
	defer func() {
		c.untrack(consumer)
		consumer.Close()
	}()

	for {
		fetches := consumer.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}

		fetches.EachError(func(t string, p int32, err error) {
			c.logger.Warn("Fetch error",
				zap.String("topic", t),
				zap.Int32("partition", p),
				zap.Error(err))
		})

		fetches.EachRecord(func(r *kgo.Record) {
			rec := &broker.Record{
				Timestamp: r.Timestamp,
				Topic:     r.Topic,
				Key:       r.Key,
				Value:     r.Value,
				Offset:    r.Offset,
				Partition: r.Partition,
			}
			if err := handler(ctx, rec); err != nil {
				c.logger.Error("Handler failed",
					zap.String("topic", r.Topic),
					zap.Int32("partition", r.Partition),
					zap.Int64("offset", r.Offset),
					zap.Error(err))
			}
		})
	}
}

func (c *Client) track(consumer *kgo.Client) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.consumers[consumer] = struct{}{}
	return true
}

func (c *Client) untrack(consumer *kgo.Client) {
	c.mu.Lock()
	delete(c.consumers, consumer)
	c.mu.Unlock()
}

// Close flushes buffered records, then closes the producer and any running consumers.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	consumers := make([]*kgo.Client, 0, len(c.consumers))
	for cl := range c.consumers {
		consumers = append(consumers, cl)
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), cmp.Or(c.config.DeliveryTimeout, 30*time.Second))
	defer cancel()
	if err := c.producer.Flush(ctx); err != nil {
		c.logger.Warn("Flush did not complete", zap.Error(err))
	}
	c.producer.Close()

	for _, cl := range consumers {
		cl.Close()
	}
	return nil
}

func init() {
	broker.Register(broker.DriverFranz, func(cfg broker.Config, logger *zap.Logger) (broker.Client, error) {
		return New(cfg, logger)
	})
}
