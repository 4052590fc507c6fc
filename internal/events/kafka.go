package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/hammamikhairi/safemate/internal/domain"
	"github.com/hammamikhairi/safemate/internal/logger"
)

// MessageWriter is the part of a kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink forwards session events to a Kafka topic, keyed by session ID
// so every event of one session lands on the same partition in order.
type KafkaSink struct {
	writer  MessageWriter
	log     *logger.Logger
	timeout time.Duration
}

// NewKafkaWriter builds a writer for topic on brokers.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
}

// NewKafkaSink creates a sink writing through w.
func NewKafkaSink(w MessageWriter, log *logger.Logger) *KafkaSink {
	return &KafkaSink{writer: w, log: log, timeout: 5 * time.Second}
}

// Run forwards events from the channel until it closes or ctx is done,
// then closes the writer.
func (k *KafkaSink) Run(ctx context.Context, events <-chan domain.Event) {
	defer func() {
		if err := k.writer.Close(); err != nil {
			k.log.Warn("kafka: closing writer: %v", err)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := k.Write(ctx, e); err != nil {
				k.log.Error("kafka: %v", err)
			}
		}
	}
}

// Write sends one event.
func (k *KafkaSink) Write(ctx context.Context, e domain.Event) error {
	value, err := json.Marshal(e.Wire())
	if err != nil {
		return fmt.Errorf("marshal %s: %w", e.Type, err)
	}
	wctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	err = k.writer.WriteMessages(wctx, kafka.Message{
		Key:   []byte(e.SessionID),
		Value: value,
		Time:  e.At,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type.String())},
		},
	})
	if err != nil {
		return fmt.Errorf("write %s for session %s: %w", e.Type, e.SessionID, err)
	}
	return nil
}
