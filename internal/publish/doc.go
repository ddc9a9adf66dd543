// Package publish streams finalized candles to a Kafka topic for
// downstream consumers. Messages are keyed by symbol so each symbol's
// candles stay ordered within a partition.
package publish
