// Package mqtt is a broker driver built on an MQTT 3.1.1 broker.
//
// Messages are published at the configured QoS (1 by default) and the completion fires when the
// publish token completes. The token's packet id is reported as the offset of partition 0. A
// consumer group maps onto a shared subscription, $share/<group>/<topic>.
package mqtt

import (
	"cmp"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/edgeflare/kbridge/pkg/broker"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultQoS = 1

	disconnectQuiesce = 250 // milliseconds
)

// Client is an MQTT backed broker.Client.
type Client struct {
	client  mqtt.Client
	qos     byte
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// New connects to cfg.Brokers.
func New(cfg broker.Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts, err := clientOptions(cfg, logger)
	if err != nil {
		return nil, err
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cmp.Or(cfg.ConnectTimeout, 30*time.Second)) {
		client.Disconnect(0)
		return nil, fmt.Errorf("broker connection error: timed out")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("broker connection error: %w", err)
	}

	return newClient(client, cfg, logger), nil
}

func newClient(client mqtt.Client, cfg broker.Config, logger *zap.Logger) *Client {
	qos := cfg.MQTT.QoS
	if qos > 2 {
		qos = DefaultQoS
	}
	return &Client{
		client:  client,
		qos:     qos,
		timeout: cmp.Or(cfg.DeliveryTimeout, 30*time.Second),
		logger:  logger,
		done:    make(chan struct{}),
	}
}

func clientOptions(cfg broker.Config, logger *zap.Logger) (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions()
	for _, server := range cfg.Brokers {
		opts.AddBroker(brokerURL(server))
	}

	opts.SetClientID(fmt.Sprintf("%s-%s", cmp.Or(cfg.ClientID, "kbridge"), uuid.NewString()))
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("Connection to MQTT broker lost", zap.Error(err))
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Debug("Connected to MQTT broker")
	})

	tlsConf, err := cfg.TLS.Config()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", broker.ErrInvalidConfig, err)
	}
	if tlsConf != nil {
		opts.SetTLSConfig(tlsConf)
	}
	return opts, nil
}

// brokerURL adds the tcp scheme to a bare host:port
func brokerURL(server string) string {
	if strings.Contains(server, "://") {
		return server
	}
	return "tcp://" + server
}

// SharedTopic returns the shared subscription filter for group.
func SharedTopic(topic, group string) string {
	if group == "" {
		return topic
	}
	return fmt.Sprintf("$share/%s/%s", group, strings.TrimPrefix(topic, "/"))
}

// Produce implements broker.Producer. Keys are not carried by MQTT and are dropped.
func (c *Client) Produce(_ context.Context, msg *broker.Message, done broker.Completion) error {
	if msg == nil || msg.Topic == "" {
		return fmt.Errorf("%w: message topic is required", broker.ErrInvalidConfig)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return broker.ErrClosed
	}

	token := c.client.Publish(msg.Topic, c.qos, false, msg.Value)
	go c.await(msg.Topic, token, done)
	return nil
}

func (c *Client) await(topic string, token mqtt.Token, done broker.Completion) {
	if done == nil {
		return
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	res := broker.Result{Topic: topic}
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			done(res, err)
			return
		}
		if pt, ok := token.(*mqtt.PublishToken); ok {
			res.Offset = int64(pt.MessageID())
		}
		done(res, nil)
	case <-timer.C:
		done(res, broker.ErrDeliveryTimeout)
	}
}

// Consume implements broker.Consumer.
func (c *Client) Consume(ctx context.Context, topic, group string, handler broker.Handler) error {
	var mu sync.Mutex
	stopped := false

	callback := func(_ mqtt.Client, m mqtt.Message) {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			c.logger.Warn("Dropping message received after consumer stopped",
				zap.String("topic", m.Topic()),
				zap.Uint16("message_id", m.MessageID()))
			return
		}

		rec := &broker.Record{
			Timestamp: time.Now(),
			Topic:     m.Topic(),
			Value:     m.Payload(),
			Offset:    int64(m.MessageID()),
		}
		if err := handler(ctx, rec); err != nil {
			c.logger.Error("Handler failed", zap.String("topic", m.Topic()), zap.Error(err))
		}
	}

	filter := SharedTopic(topic, group)
	token := c.client.Subscribe(filter, c.qos, callback)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe error: %w", err)
	}
	c.logger.Debug("Subscribed to topic", zap.String("topic", filter))

	select {
	case <-ctx.Done():
	case <-c.done:
	}

	// unsubscribe before stopping: messages arriving until then are still handled
	if c.client.IsConnectionOpen() {
		if t := c.client.Unsubscribe(filter); t.WaitTimeout(5*time.Second) && t.Error() != nil {
			c.logger.Warn("Unsubscribe error", zap.String("topic", filter), zap.Error(t.Error()))
		}
	}

	// waits for a handler in progress
	mu.Lock()
	stopped = true
	mu.Unlock()
	return nil
}

// Close stops running consumers and disconnects.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.client.Disconnect(disconnectQuiesce)
	c.logger.Info("Disconnected from MQTT broker")
	return nil
}

func init() {
	broker.Register(broker.DriverMQTT, func(cfg broker.Config, logger *zap.Logger) (broker.Client, error) {
		return New(cfg, logger)
	})
}
