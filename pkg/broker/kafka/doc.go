// Package kafka is the default broker driver, built on IBM/sarama.
//
// Publishing goes through a sarama.AsyncProducer. Each message carries its completion
// callback in ProducerMessage.Metadata; two dispatcher goroutines drain the Successes and
// Errors channels and invoke the callback with the assigned partition and offset, or the
// delivery error.
//
// Consuming goes through a sarama.ConsumerGroup. Claims for different partitions run
// concurrently inside sarama, so handler calls are serialized here: the listener sees one
// record at a time, in partition order. An offset is marked after its handler returns and
// committed by sarama's auto-commit.
//
// Configuration:
//   - broker.kafka.version: protocol version (default 2.1.0)
//   - broker.kafka.requiredAcks: all, leader or none (default all)
//   - broker.kafka.createTopic: create broker.topic at startup if it is missing
//   - broker.deliveryTimeout: producer request timeout
//   - broker.offsetReset: earliest or latest for groups without committed offsets
package kafka
