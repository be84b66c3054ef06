package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// messageWriter is the part of kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSinkConfig contains writer settings for the Kafka sink.
type KafkaSinkConfig struct {
	BatchSize    int
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	RequiredAcks int
	Compression  string
	RetryMax     int
}

// DefaultKafkaSinkConfig favours latency over throughput; event volume is low.
func DefaultKafkaSinkConfig() KafkaSinkConfig {
	return KafkaSinkConfig{
		BatchSize:    10,
		BatchTimeout: 5 * time.Millisecond,
		WriteTimeout: time.Second,
		RequiredAcks: 1,
		Compression:  "snappy",
		RetryMax:     3,
	}
}

// KafkaSink publishes events as JSON, keyed by client order id so that all
// events of one order land on one partition in order.
type KafkaSink struct {
	topic  string
	writer messageWriter
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// NewKafkaSink creates a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string, cfg KafkaSinkConfig, logger *zap.Logger) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.CRC32Balancer{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		MaxAttempts:  cfg.RetryMax,
		Async:        false,
	}
	switch cfg.Compression {
	case "gzip":
		w.Compression = kafka.Gzip
	case "lz4":
		w.Compression = kafka.Lz4
	case "zstd":
		w.Compression = kafka.Zstd
	default:
		w.Compression = kafka.Snappy
	}
	return newKafkaSink(topic, w, logger)
}

func newKafkaSink(topic string, w messageWriter, logger *zap.Logger) *KafkaSink {
	return &KafkaSink{topic: topic, writer: w, logger: logger}
}

// Handle implements Sink.
func (s *KafkaSink) Handle(ctx context.Context, event Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("kafka sink is closed")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.ClientOrderID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "source", Value: []byte("xtconnector")},
			{Key: "kind", Value: []byte(event.Kind)},
		},
		Time: event.Timestamp,
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish event to kafka topic %s: %w", s.topic, err)
	}
	s.logger.Debug("Published event",
		zap.String("topic", s.topic),
		zap.String("kind", string(event.Kind)),
		zap.String("client_order_id", event.ClientOrderID),
	)
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	return nil
}
