// Package broker publishes committed shipment transitions to Kafka for
// downstream consumers. The whole stage is optional: with no brokers
// configured the engine simply runs without an emitter.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"embarques/internal/config"
	"embarques/internal/engine"
)

const writeTimeout = 5 * time.Second

type Emitter struct {
	writer *kafka.Writer
}

// NewEmitter returns nil when no brokers are configured.
func NewEmitter(cfg *config.Config) *Emitter {
	if len(cfg.Broker.Brokers) == 0 {
		return nil
	}
	return &Emitter{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Broker.Brokers...),
			Topic:        cfg.Broker.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
	}
}

// Emit publishes one transition keyed by shipment id so per-shipment order
// is preserved within a partition.
func (e *Emitter) Emit(ctx context.Context, evt engine.TransitionEvent) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal transition event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return e.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.ShipmentID),
		Value: value,
	})
}

// Close flushes and releases the underlying writer.
func (e *Emitter) Close() error {
	if e == nil {
		return nil
	}
	return e.writer.Close()
}
