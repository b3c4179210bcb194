package bridge

import (
	"github.com/edgeflare/kbridge/pkg/envelope"
	"github.com/edgeflare/kbridge/pkg/metrics"
	"go.uber.org/zap"
)

// Delivery is the outcome of one accepted publish.
type Delivery struct {
	Err       error
	Envelope  envelope.Envelope
	Topic     string
	Offset    int64
	Partition int32
}

// Succeeded reports whether the broker acknowledged the message.
func (d Delivery) Succeeded() bool {
	return d.Err == nil
}

// Observer is told the delivery outcome of every accepted publish.
type Observer interface {
	Observe(Delivery)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(Delivery)

func (f ObserverFunc) Observe(d Delivery) { f(d) }

// MultiObserver fans a delivery out to each observer in order.
type MultiObserver []Observer

func (m MultiObserver) Observe(d Delivery) {
	for _, o := range m {
		o.Observe(d)
	}
}

// LogObserver logs delivery outcomes and counts them.
type LogObserver struct {
	logger *zap.Logger
}

func NewLogObserver(logger *zap.Logger) *LogObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogObserver{logger: logger}
}

func (o *LogObserver) Observe(d Delivery) {
	if d.Err != nil {
		metrics.Deliveries.WithLabelValues(d.Topic, metrics.OutcomeFailure).Inc()
		o.logger.Error("Failed to send message",
			zap.String("topic", d.Topic),
			zap.Stringer("message", d.Envelope),
			zap.Error(d.Err))
		return
	}

	metrics.Deliveries.WithLabelValues(d.Topic, metrics.OutcomeSuccess).Inc()
	o.logger.Info("Message sent successfully",
		zap.String("topic", d.Topic),
		zap.Int32("partition", d.Partition),
		zap.Int64("offset", d.Offset))
}
