package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/edgeflare/kbridge/pkg/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { <-t.done; return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
	id      uint16
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return m.id }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

// fakeClient records publishes and routes them to subscribers.
type fakeClient struct {
	mu           sync.Mutex
	publishErr   error
	pending      bool
	published    []string
	handlers     map[string]mqtt.MessageHandler
	unsubscribed []string
	// onUnsubscribe runs before Unsubscribe completes
	onUnsubscribe func()
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: map[string]mqtt.MessageHandler{}}
}

func (f *fakeClient) IsConnected() bool                    { return true }
func (f *fakeClient) IsConnectionOpen() bool               { return true }
func (f *fakeClient) Connect() mqtt.Token                  { return newFakeToken(nil) }
func (f *fakeClient) Disconnect(uint)                      {}
func (f *fakeClient) AddRoute(string, mqtt.MessageHandler) {}
func (f *fakeClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

func (f *fakeClient) Publish(topic string, _ byte, _ bool, _ interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, topic)
	if f.pending {
		return &fakeToken{done: make(chan struct{})}
	}
	return newFakeToken(f.publishErr)
}

func (f *fakeClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = cb
	return newFakeToken(nil)
}

func (f *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return newFakeToken(errors.New("not supported"))
}

func (f *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	f.mu.Lock()
	f.unsubscribed = append(f.unsubscribed, topics...)
	hook := f.onUnsubscribe
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return newFakeToken(nil)
}

func (f *fakeClient) deliver(filter string, m mqtt.Message) bool {
	f.mu.Lock()
	cb, ok := f.handlers[filter]
	f.mu.Unlock()
	if ok {
		cb(f, m)
	}
	return ok
}

func TestBrokerURL(t *testing.T) {
	assert.Equal(t, "tcp://localhost:1883", brokerURL("localhost:1883"))
	assert.Equal(t, "ssl://mqtt.example.com:8883", brokerURL("ssl://mqtt.example.com:8883"))
}

func TestSharedTopic(t *testing.T) {
	assert.Equal(t, "$share/kbridge-group/kbridge-topic", SharedTopic("kbridge-topic", "kbridge-group"))
	assert.Equal(t, "$share/g/a/b", SharedTopic("/a/b", "g"))
	assert.Equal(t, "kbridge-topic", SharedTopic("kbridge-topic", ""))
}

func TestClientOptions(t *testing.T) {
	opts, err := clientOptions(broker.Config{Brokers: []string{"localhost:1883"}, ClientID: "app"}, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "tcp", opts.Servers[0].Scheme)
	assert.Contains(t, opts.ClientID, "app-")
	assert.True(t, opts.Order)

	_, err = clientOptions(broker.Config{TLS: broker.TLS{Enable: true, CAFile: "/missing.pem"}}, zap.NewNop())
	assert.ErrorIs(t, err, broker.ErrInvalidConfig)
}

func TestProduceCompletion(t *testing.T) {
	fc := newFakeClient()
	c := newClient(fc, broker.Config{MQTT: broker.MQTTOptions{QoS: 1}}, zap.NewNop())

	results := make(chan error, 1)
	err := c.Produce(context.Background(), &broker.Message{Topic: "kbridge-topic", Value: []byte("{}")},
		func(res broker.Result, err error) {
			assert.Equal(t, "kbridge-topic", res.Topic)
			results <- err
		})
	require.NoError(t, err)

	select {
	case err := <-results:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("completion not called")
	}
	assert.Equal(t, []string{"kbridge-topic"}, fc.published)
}

func TestProduceFailure(t *testing.T) {
	fc := newFakeClient()
	fc.publishErr = errors.New("not connected")
	c := newClient(fc, broker.Config{}, zap.NewNop())

	results := make(chan error, 1)
	require.NoError(t, c.Produce(context.Background(), &broker.Message{Topic: "t"}, func(_ broker.Result, err error) {
		results <- err
	}))
	assert.EqualError(t, <-results, "not connected")
}

func TestProduceTimeout(t *testing.T) {
	fc := newFakeClient()
	fc.pending = true
	c := newClient(fc, broker.Config{DeliveryTimeout: 20 * time.Millisecond}, zap.NewNop())

	results := make(chan error, 1)
	require.NoError(t, c.Produce(context.Background(), &broker.Message{Topic: "t"}, func(_ broker.Result, err error) {
		results <- err
	}))
	assert.ErrorIs(t, <-results, broker.ErrDeliveryTimeout)
}

func TestProduceAfterClose(t *testing.T) {
	c := newClient(newFakeClient(), broker.Config{}, zap.NewNop())
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	err := c.Produce(context.Background(), &broker.Message{Topic: "t"}, nil)
	assert.ErrorIs(t, err, broker.ErrClosed)
}

func TestConsume(t *testing.T) {
	fc := newFakeClient()
	c := newClient(fc, broker.Config{}, zap.NewNop())
	filter := SharedTopic("kbridge-topic", "kbridge-group")

	received := make(chan *broker.Record, 2)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- c.Consume(ctx, "kbridge-topic", "kbridge-group", func(_ context.Context, rec *broker.Record) error {
			received <- rec
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		return fc.deliver(filter, &fakeMessage{topic: "kbridge-topic", payload: []byte("a"), id: 7})
	}, time.Second, 10*time.Millisecond)

	rec := <-received
	assert.Equal(t, "kbridge-topic", rec.Topic)
	assert.Equal(t, []byte("a"), rec.Value)
	assert.Equal(t, int64(7), rec.Offset)

	cancel()
	require.NoError(t, <-errc)
	assert.Equal(t, []string{filter}, fc.unsubscribed)

	// deliveries after stop are dropped
	fc.deliver(filter, &fakeMessage{topic: "kbridge-topic", payload: []byte("b")})
	assert.Empty(t, received)
}

func TestConsumeStopsOnClose(t *testing.T) {
	c := newClient(newFakeClient(), broker.Config{}, zap.NewNop())

	errc := make(chan error, 1)
	go func() {
		errc <- c.Consume(context.Background(), "t", "g", func(context.Context, *broker.Record) error { return nil })
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Close())
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consume did not return after close")
	}
}

func TestConsumeHandlesMessagesUntilUnsubscribed(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	fc := newFakeClient()
	c := newClient(fc, broker.Config{}, zap.New(core))
	filter := SharedTopic("t", "g")

	received := make(chan *broker.Record, 2)
	fc.onUnsubscribe = func() {
		fc.deliver(filter, &fakeMessage{topic: "t", payload: []byte("in-flight"), id: 1})
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- c.Consume(ctx, "t", "g", func(_ context.Context, rec *broker.Record) error {
			received <- rec
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		_, ok := fc.handlers[filter]
		return ok
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-errc)

	require.Len(t, received, 1)
	assert.Equal(t, []byte("in-flight"), (<-received).Value)
	assert.Zero(t, logs.FilterMessage("Dropping message received after consumer stopped").Len())

	fc.deliver(filter, &fakeMessage{topic: "t", payload: []byte("late"), id: 2})
	assert.Empty(t, received)
	dropped := logs.FilterMessage("Dropping message received after consumer stopped").All()
	require.Len(t, dropped, 1)
	assert.Equal(t, uint16(2), dropped[0].ContextMap()["message_id"])
}
