// Package nats is a broker driver built on NATS JetStream.
//
// A topic is a subject captured by one stream (broker.nats.stream). Publishing uses
// PublishMsgAsync; the returned future resolves to the stream sequence, reported as the
// offset of partition 0. A consumer group is a durable pull consumer named after the group.
package nats

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/edgeflare/kbridge/pkg/broker"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	DefaultStream = "KBRIDGE"
	// KeyHeader carries broker.Message.Key.
	KeyHeader = "Kbridge-Key"

	fetchBatch   = 10
	fetchMaxWait = time.Second
)

var errConnNotInitialized = errors.New("NATS connection not initialized")

// Client is a JetStream backed broker.Client.
type Client struct {
	config  broker.Config
	nc      *nats.Conn
	js      nats.JetStreamContext
	stream  string
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// New connects to cfg.Brokers and makes sure the stream captures cfg.Topic.
func New(cfg broker.Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts, err := options(cfg, logger)
	if err != nil {
		return nil, err
	}

	nc, err := nats.Connect(strings.Join(cfg.Brokers, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS server: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	c := &Client{
		config:  cfg,
		nc:      nc,
		js:      js,
		stream:  cmp.Or(cfg.NATS.Stream, DefaultStream),
		timeout: cmp.Or(cfg.DeliveryTimeout, 30*time.Second),
		logger:  logger,
	}

	if cfg.Topic != "" {
		if err := c.ensureStream(cfg.Topic); err != nil {
			nc.Close()
			return nil, fmt.Errorf("ensure stream: %w", err)
		}
	}
	return c, nil
}

func options(cfg broker.Config, logger *zap.Logger) ([]nats.Option, error) {
	opts := []nats.Option{
		nats.Name(cmp.Or(cfg.ClientID, "kbridge")),
		nats.Timeout(5 * time.Second),
		nats.PingInterval(10 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Disconnected from NATS", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	tlsConf, err := cfg.TLS.Config()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", broker.ErrInvalidConfig, err)
	}
	if tlsConf != nil {
		opts = append(opts, nats.Secure(tlsConf))
	}
	return opts, nil
}

// ensureStream creates the stream, or adds topic to its subjects
func (c *Client) ensureStream(topic string) error {
	info, err := c.js.StreamInfo(c.stream)
	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = c.js.AddStream(&nats.StreamConfig{
			Name:     c.stream,
			Subjects: []string{topic},
			Storage:  nats.FileStorage,
			Replicas: 1,
		})
		if err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		c.logger.Info("Created stream", zap.String("stream", c.stream), zap.String("subject", topic))
		return nil
	}
	if err != nil {
		return fmt.Errorf("get stream info: %w", err)
	}

	if slices.Contains(info.Config.Subjects, topic) {
		return nil
	}
	conf := info.Config
	conf.Subjects = append(conf.Subjects, topic)
	if _, err := c.js.UpdateStream(&conf); err != nil {
		return fmt.Errorf("update stream: %w", err)
	}
	c.logger.Info("Updated stream", zap.String("stream", c.stream), zap.Strings("subjects", conf.Subjects))
	return nil
}

// Produce implements broker.Producer.
func (c *Client) Produce(_ context.Context, msg *broker.Message, done broker.Completion) error {
	if msg == nil || msg.Topic == "" {
		return fmt.Errorf("%w: message topic is required", broker.ErrInvalidConfig)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return broker.ErrClosed
	}
	if c.js == nil {
		return errConnNotInitialized
	}

	m := nats.NewMsg(msg.Topic)
	m.Data = msg.Value
	if len(msg.Key) > 0 {
		m.Header.Set(KeyHeader, string(msg.Key))
	}

	future, err := c.js.PublishMsgAsync(m)
	if err != nil {
		return fmt.Errorf("submit message: %w", err)
	}

	go c.await(msg.Topic, future, done)
	return nil
}

func (c *Client) await(topic string, future nats.PubAckFuture, done broker.Completion) {
	if done == nil {
		return
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case ack := <-future.Ok():
		done(broker.Result{Topic: topic, Offset: int64(ack.Sequence)}, nil)
	case err := <-future.Err():
		done(broker.Result{Topic: topic}, err)
	case <-timer.C:
		done(broker.Result{Topic: topic}, broker.ErrDeliveryTimeout)
	}
}

// durableName maps a group id onto the characters JetStream allows in consumer names.
func durableName(group string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(group)
}

// Consume implements broker.Consumer. Each message is acked after its handler returns.
func (c *Client) Consume(ctx context.Context, topic, group string, handler broker.Handler) error {
	if c.js == nil {
		return errConnNotInitialized
	}

	durable := durableName(group)
	if _, err := c.js.ConsumerInfo(c.stream, durable); errors.Is(err, nats.ErrConsumerNotFound) {
		deliver := nats.DeliverAllPolicy
		if c.config.OffsetReset == broker.OffsetLatest {
			deliver = nats.DeliverNewPolicy
		}
		_, err = c.js.AddConsumer(c.stream, &nats.ConsumerConfig{
			Durable:       durable,
			AckPolicy:     nats.AckExplicitPolicy,
			DeliverPolicy: deliver,
			AckWait:       time.Minute,
			FilterSubject: topic,
		})
		if err != nil {
			return fmt.Errorf("create consumer: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("get consumer info: %w", err)
	}

	// Bind so that unsubscribing keeps the durable consumer and its position.
	sub, err := c.js.PullSubscribe(topic, durable, nats.Bind(c.stream, durable))
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	defer sub.Unsubscribe()

	for ctx.Err() == nil && !c.isClosed() {
		msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(fetchMaxWait))
		switch {
		case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
			continue
		case errors.Is(err, nats.ErrConnectionClosed),
			errors.Is(err, nats.ErrConnectionDraining),
			errors.Is(err, nats.ErrBadSubscription):
			return nil
		case err != nil:
			c.logger.Warn("Fetch messages failed", zap.String("subject", topic), zap.Error(err))
			continue
		}

		for _, msg := range msgs {
			c.handle(ctx, msg, handler)
		}
	}
	return nil
}

func (c *Client) handle(ctx context.Context, msg *nats.Msg, handler broker.Handler) {
	rec := &broker.Record{
		Topic: msg.Subject,
		Value: msg.Data,
	}
	if key := msg.Header.Get(KeyHeader); key != "" {
		rec.Key = []byte(key)
	}
	if meta, err := msg.Metadata(); err == nil {
		rec.Offset = int64(meta.Sequence.Stream)
		rec.Timestamp = meta.Timestamp
	}

	if err := handler(ctx, rec); err != nil {
		c.logger.Error("Handler failed",
			zap.String("subject", msg.Subject),
			zap.Int64("offset", rec.Offset),
			zap.Error(err))
	}
	if err := msg.Ack(); err != nil {
		c.logger.Warn("Ack failed", zap.Int64("offset", rec.Offset), zap.Error(err))
	}
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Close waits for outstanding acks, bounded by the delivery timeout, then drains the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.js != nil {
		select {
		case <-c.js.PublishAsyncComplete():
		case <-time.After(c.timeout):
			c.logger.Warn("Pending publishes did not complete before close",
				zap.Int("pending", c.js.PublishAsyncPending()))
		}
	}
	if c.nc != nil {
		return c.nc.Drain()
	}
	return nil
}

func init() {
	broker.Register(broker.DriverNATS, func(cfg broker.Config, logger *zap.Logger) (broker.Client, error) {
		return New(cfg, logger)
	})
}
