// Package broker defines the client surface the bridge and the listener use to talk to a
// topic-partitioned message broker, and a registry of drivers implementing it.
package broker

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed          = errors.New("broker client is closed")
	ErrUnknownDriver   = errors.New("unknown broker driver")
	ErrDeliveryTimeout = errors.New("delivery timed out waiting for broker acknowledgement")
	ErrInvalidConfig   = errors.New("invalid broker configuration")
)

// Message is an outbound record.
type Message struct {
	Topic string
	Key   []byte
	Value []byte
}

// Record is a record delivered by the broker to a consumer.
type Record struct {
	Timestamp time.Time
	Topic     string
	Key       []byte
	Value     []byte
	Offset    int64
	Partition int32
}

// Result is the broker-assigned position of a produced message.
type Result struct {
	Topic     string
	Offset    int64
	Partition int32
}

// Completion receives the outcome of an asynchronous produce. err is nil on success.
type Completion func(res Result, err error)

// Handler processes one consumed record. A returned error is logged by the driver and the
// record is still marked as processed.
type Handler func(ctx context.Context, rec *Record) error

// Producer submits messages for asynchronous delivery.
type Producer interface {
	// Produce hands msg to the local client and returns without waiting for the broker.
	// ctx only bounds the local submission. When Produce returns nil, done is called exactly
	// once from a client goroutine; when it returns an error, done is never called.
	Produce(ctx context.Context, msg *Message, done Completion) error
}

// Consumer runs a standing subscription.
type Consumer interface {
	// Consume delivers records of topic to handler one at a time, in partition order, as a
	// member of group. It blocks until ctx is cancelled or the client is closed, and returns
	// nil in both cases. A handler call in progress always completes before Consume returns.
	Consume(ctx context.Context, topic, group string, handler Handler) error
}

// Client is a connected broker client.
type Client interface {
	Producer
	Consumer
	Close() error
}
