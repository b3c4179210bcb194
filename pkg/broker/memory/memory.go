// Package memory is an in-process broker with partitioned topics and consumer-group cursors.
// Produced messages are acknowledged from a dispatcher goroutine, so completions are always
// asynchronous, as with a networked client.
package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/edgeflare/kbridge/pkg/broker"
	"go.uber.org/zap"
)

type job struct {
	msg  broker.Message
	done broker.Completion
}

type cursorKey struct {
	group     string
	topic     string
	partition int
}

// Broker is an in-memory broker.Client.
type Broker struct {
	logger     *zap.Logger
	partitions int
	latency    time.Duration

	mu          sync.Mutex
	topics      map[string][][]broker.Record
	cursors     map[cursorKey]int64
	roundRobin  map[string]int
	unavailable error
	notify      chan struct{}
	closed      bool

	// sendMu guards jobs against a send racing Close.
	sendMu   sync.RWMutex
	stopping bool
	jobs     chan job
	wg       sync.WaitGroup
}

// Option configures a Broker.
type Option func(*Broker)

// WithPartitions sets the number of partitions created per topic. Default 1.
func WithPartitions(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.partitions = n
		}
	}
}

// WithLatency delays every acknowledgement by d.
func WithLatency(d time.Duration) Option {
	return func(b *Broker) { b.latency = d }
}

// WithLogger sets the logger used for handler errors.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New starts an in-memory broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		logger:     zap.NewNop(),
		partitions: 1,
		topics:     make(map[string][][]broker.Record),
		cursors:    make(map[cursorKey]int64),
		roundRobin: make(map[string]int),
		notify:     make(chan struct{}),
		jobs:       make(chan job, 1024),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.wg.Add(1)
	go b.dispatch()
	return b
}

// SetUnavailable makes every subsequent delivery fail with err, as if the broker could not
// be reached. Passing nil restores normal operation.
func (b *Broker) SetUnavailable(err error) {
	b.mu.Lock()
	b.unavailable = err
	b.mu.Unlock()
}

// Produce implements broker.Producer.
func (b *Broker) Produce(ctx context.Context, msg *broker.Message, done broker.Completion) error {
	if msg == nil || msg.Topic == "" {
		return fmt.Errorf("%w: message topic is required", broker.ErrInvalidConfig)
	}

	b.sendMu.RLock()
	defer b.sendMu.RUnlock()
	if b.stopping {
		return broker.ErrClosed
	}

	j := job{
		msg: broker.Message{
			Topic: msg.Topic,
			Key:   clone(msg.Key),
			Value: clone(msg.Value),
		},
		done: done,
	}

	select {
	case b.jobs <- j:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("submit message: %w", ctx.Err())
	}
}

func (b *Broker) dispatch() {
	defer b.wg.Done()
	for j := range b.jobs {
		if b.latency > 0 {
			time.Sleep(b.latency)
		}
		res, err := b.append(j.msg)
		if j.done != nil {
			j.done(res, err)
		}
	}
}

func (b *Broker) append(msg broker.Message) (broker.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.unavailable != nil {
		return broker.Result{Topic: msg.Topic}, b.unavailable
	}

	parts := b.topicLocked(msg.Topic)
	p := b.partitionFor(msg)
	offset := int64(len(parts[p]))
	parts[p] = append(parts[p], broker.Record{
		Timestamp: time.Now(),
		Topic:     msg.Topic,
		Key:       msg.Key,
		Value:     msg.Value,
		Offset:    offset,
		Partition: int32(p),
	})

	// wake consumers
	close(b.notify)
	b.notify = make(chan struct{})

	return broker.Result{Topic: msg.Topic, Partition: int32(p), Offset: offset}, nil
}

func (b *Broker) topicLocked(topic string) [][]broker.Record {
	parts, ok := b.topics[topic]
	if !ok {
		parts = make([][]broker.Record, b.partitions)
		b.topics[topic] = parts
	}
	return parts
}

func (b *Broker) partitionFor(msg broker.Message) int {
	if b.partitions == 1 {
		return 0
	}
	if len(msg.Key) > 0 {
		h := fnv.New32a()
		h.Write(msg.Key)
		return int(h.Sum32() % uint32(b.partitions))
	}
	p := b.roundRobin[msg.Topic] % b.partitions
	b.roundRobin[msg.Topic]++
	return p
}

// Consume implements broker.Consumer. Members of the same group share cursors, so each record
// is handed to one member only. Records are claimed before the handler runs.
func (b *Broker) Consume(ctx context.Context, topic, group string, handler broker.Handler) error {
	for {
		rec, wait, ok := b.next(topic, group)
		if !ok {
			return nil
		}
		if rec == nil {
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil
			}
		}

		if err := handler(ctx, rec); err != nil {
			b.logger.Error("Handler failed",
				zap.String("topic", rec.Topic),
				zap.Int32("partition", rec.Partition),
				zap.Int64("offset", rec.Offset),
				zap.Error(err))
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

// next claims the next record for group. When nothing is available it returns a channel that
// is closed on the next append. ok is false once the broker is closed.
func (b *Broker) next(topic, group string) (rec *broker.Record, wait <-chan struct{}, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, nil, false
	}

	parts := b.topicLocked(topic)
	for p := range parts {
		key := cursorKey{group: group, topic: topic, partition: p}
		off := b.cursors[key]
		if off < int64(len(parts[p])) {
			b.cursors[key] = off + 1
			r := parts[p][off]
			return &r, nil, true
		}
	}
	return nil, b.notify, true
}

// Records returns a copy of everything stored in topic, partition by partition.
func (b *Broker) Records(topic string) []broker.Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []broker.Record
	for _, part := range b.topics[topic] {
		out = append(out, part...)
	}
	return out
}

// Close flushes pending deliveries, then stops all consumers.
func (b *Broker) Close() error {
	b.sendMu.Lock()
	if b.stopping {
		b.sendMu.Unlock()
		return nil
	}
	b.stopping = true
	close(b.jobs)
	b.sendMu.Unlock()

	b.wg.Wait()

	b.mu.Lock()
	b.closed = true
	close(b.notify)
	b.notify = make(chan struct{})
	b.mu.Unlock()
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func init() {
	broker.Register(broker.DriverMemory, func(_ broker.Config, logger *zap.Logger) (broker.Client, error) {
		return New(WithLogger(logger)), nil
	})
}
