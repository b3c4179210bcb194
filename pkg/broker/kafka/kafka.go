package kafka

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/edgeflare/kbridge/pkg/broker"
	"go.uber.org/zap"
)

// Client is a sarama-backed broker.Client.
type Client struct {
	config   broker.Config
	sarama   *sarama.Config
	producer sarama.AsyncProducer
	logger   *zap.Logger

	// mu guards producer.Input() against AsyncClose.
	mu     sync.RWMutex
	closed bool

	dispatchers sync.WaitGroup

	groupsMu sync.Mutex
	groups   map[sarama.ConsumerGroup]struct{}
}

// New connects an async producer to cfg.Brokers.
func New(cfg broker.Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conf, err := NewSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Kafka.CreateTopic && cfg.Topic != "" {
		if err := ensureTopic(cfg, conf, logger); err != nil {
			return nil, err
		}
	}

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create async producer: %w", err)
	}

	return newClient(cfg, conf, producer, logger), nil
}

func newClient(cfg broker.Config, conf *sarama.Config, producer sarama.AsyncProducer, logger *zap.Logger) *Client {
	c := &Client{
		config:   cfg,
		sarama:   conf,
		producer: producer,
		logger:   logger,
		groups:   make(map[sarama.ConsumerGroup]struct{}),
	}

	c.dispatchers.Add(2)
	go c.dispatchSuccesses()
	go c.dispatchErrors()
	return c
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

	pm := &sarama.ProducerMessage{
		Topic:    msg.Topic,
		Value:    sarama.ByteEncoder(msg.Value),
		Metadata: done,
	}
	if len(msg.Key) > 0 {
		pm.Key = sarama.ByteEncoder(msg.Key)
	}

	select {
	case c.producer.Input() <- pm:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("submit message: %w", ctx.Err())
	}
}

func (c *Client) dispatchSuccesses() {
	defer c.dispatchers.Done()
	for msg := range c.producer.Successes() {
		complete(msg, broker.Result{
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
		}, nil)
	}
}

func (c *Client) dispatchErrors() {
	defer c.dispatchers.Done()
	for perr := range c.producer.Errors() {
		if perr.Msg == nil {
			c.logger.Error("Producer error without message", zap.Error(perr.Err))
			continue
		}
		complete(perr.Msg, broker.Result{Topic: perr.Msg.Topic}, perr.Err)
	}
}

func complete(msg *sarama.ProducerMessage, res broker.Result, err error) {
	if done, ok := msg.Metadata.(broker.Completion); ok && done != nil {
		done(res, err)
	}
}

// Consume implements broker.Consumer. Group session errors are logged and the group rejoins
// until ctx is cancelled or the client is closed.
func (c *Client) Consume(ctx context.Context, topic, group string, handler broker.Handler) error {
	cg, err := sarama.NewConsumerGroup(c.config.Brokers, group, c.sarama)
	if err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	if !c.trackGroup(cg) {
		cg.Close()
		return broker.ErrClosed
	}
	defer func() {
		c.untrackGroup(cg)
		if err := cg.Close(); err != nil && !errors.Is(err, sarama.ErrClosedConsumerGroup) {
			c.logger.Error("Failed to close consumer group", zap.String("group", group), zap.Error(err))
		}
	}()

	h := &groupHandler{handler: handler, logger: c.logger}
	for {
		err := cg.Consume(ctx, []string{topic}, h)
		switch {
		case errors.Is(err, sarama.ErrClosedConsumerGroup):
			return nil
		case ctx.Err() != nil:
			return nil
		case err != nil:
			c.logger.Error("Consumer group session failed",
				zap.String("topic", topic),
				zap.String("group", group),
				zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (c *Client) trackGroup(cg sarama.ConsumerGroup) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	c.groupsMu.Lock()
	c.groups[cg] = struct{}{}
	c.groupsMu.Unlock()
	return true
}

func (c *Client) untrackGroup(cg sarama.ConsumerGroup) {
	c.groupsMu.Lock()
	delete(c.groups, cg)
	c.groupsMu.Unlock()
}

// Close flushes buffered messages, waits for their completions and stops running consumers.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	// AsyncClose leaves Successes and Errors to the dispatchers, so every pending
	// completion still fires.
	c.producer.AsyncClose()
	c.dispatchers.Wait()

	c.groupsMu.Lock()
	groups := make([]sarama.ConsumerGroup, 0, len(c.groups))
	for cg := range c.groups {
		groups = append(groups, cg)
	}
	c.groupsMu.Unlock()

	var errs []error
	for _, cg := range groups {
		if err := cg.Close(); err != nil && !errors.Is(err, sarama.ErrClosedConsumerGroup) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// groupHandler implements sarama.ConsumerGroupHandler
type groupHandler struct {
	handler broker.Handler
	logger  *zap.Logger
	// claims run in parallel; mu keeps handler calls sequential
	mu sync.Mutex
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info("Partitions assigned",
		zap.String("member", sess.MemberID()),
		zap.Any("claims", sess.Claims()))
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.handle(sess, msg)
		case <-sess.Context().Done():
			return nil
		}
	}
}

func (h *groupHandler) handle(sess sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec := &broker.Record{
		Timestamp: msg.Timestamp,
		Topic:     msg.Topic,
		Key:       msg.Key,
		Value:     msg.Value,
		Offset:    msg.Offset,
		Partition: msg.Partition,
	}
	if err := h.handler(sess.Context(), rec); err != nil {
		h.logger.Error("Handler failed",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
	}
	sess.MarkMessage(msg, "")
}

// ensureTopic creates cfg.Topic with the configured partitions and replicas if it does not exist.
func ensureTopic(cfg broker.Config, conf *sarama.Config, logger *zap.Logger) error {
	topic := cfg.Topic
	admin, err := sarama.NewClusterAdmin(cfg.Brokers, conf)
	if err != nil {
		return fmt.Errorf("failed to create cluster admin: %w", err)
	}
	defer admin.Close()

	topics, err := admin.ListTopics()
	if err != nil {
		return fmt.Errorf("failed to list topics: %w", err)
	}
	if _, exists := topics[topic]; exists {
		return nil
	}

	detail := &sarama.TopicDetail{
		NumPartitions:     cmp.Or(cfg.Kafka.Partitions, DefaultPartitions),
		ReplicationFactor: cmp.Or(cfg.Kafka.Replicas, DefaultReplicas),
	}
	if err := admin.CreateTopic(topic, detail, false); err != nil && !errors.Is(err, sarama.ErrTopicAlreadyExists) {
		return fmt.Errorf("failed to create topic: %w", err)
	}

	logger.Info("Topic created",
		zap.String("topic", topic),
		zap.Int32("partitions", detail.NumPartitions),
		zap.Int16("replicas", detail.ReplicationFactor))
	return nil
}

func init() {
	broker.Register(broker.DriverKafka, func(cfg broker.Config, logger *zap.Logger) (broker.Client, error) {
		return New(cfg, logger)
	})
}
