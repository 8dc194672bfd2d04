package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/trace"
)

const schemaVersion = "1.0"

// KafkaSettings configures the Kafka publisher.
type KafkaSettings struct {
	Brokers []string
	Topic   string
	Service string
	Env     string
}

type asyncProducer interface {
	Input() chan<- *sarama.ProducerMessage
	Errors() <-chan *sarama.ProducerError
	Close() error
}

// KafkaNotifier publishes events as JSON envelopes to a Kafka topic, keyed
// by account so an account's events stay ordered within a partition.
type KafkaNotifier struct {
	producer asyncProducer
	cfg      KafkaSettings
	logger   *slog.Logger
	done     chan struct{}
}

// NewKafkaNotifier connects an async producer to cfg.Brokers.
func NewKafkaNotifier(cfg KafkaSettings, logger *slog.Logger) (*KafkaNotifier, error) {
	sc := sarama.NewConfig()
	sc.Version = sarama.V3_5_0_0
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Compression = sarama.CompressionSnappy
	sc.Producer.Flush.Frequency = 100 * time.Millisecond
	sc.Producer.Retry.Max = 3
	sc.Producer.Return.Successes = false
	sc.Producer.Return.Errors = true
	sc.Metadata.Retry.Max = 3
	sc.Metadata.Retry.Backoff = 250 * time.Millisecond

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return newKafkaNotifier(producer, cfg, logger), nil
}

func newKafkaNotifier(producer asyncProducer, cfg KafkaSettings, logger *slog.Logger) *KafkaNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Topic == "" {
		cfg.Topic = "guardian.recovery.events"
	}
	k := &KafkaNotifier{producer: producer, cfg: cfg, logger: logger, done: make(chan struct{})}
	go k.handleErrors()
	return k
}

func (k *KafkaNotifier) handleErrors() {
	for {
		select {
		case perr, ok := <-k.producer.Errors():
			if !ok {
				return
			}
			if perr != nil {
				k.logger.Error("kafka publish failed", "topic", perr.Msg.Topic, "error", perr.Err)
			}
		case <-k.done:
			return
		}
	}
}

type envelope struct {
	EventID   string            `json:"event_id"`
	EventType string            `json:"event_type"`
	Account   string            `json:"account"`
	Timestamp time.Time         `json:"timestamp"`
	Version   string            `json:"version"`
	Payload   Event             `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (k *KafkaNotifier) Notify(ctx context.Context, event Event) error {
	metadata := map[string]string{
		"service":     k.cfg.Service,
		"environment": k.cfg.Env,
	}
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		metadata["trace_id"] = sc.TraceID().String()
	}

	raw, err := json.Marshal(envelope{
		EventID:   event.ID,
		EventType: string(event.Type),
		Account:   event.Account,
		Timestamp: event.Timestamp.UTC(),
		Version:   schemaVersion,
		Payload:   event,
		Metadata:  metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: k.cfg.Topic,
		Key:   sarama.StringEncoder(event.Account),
		Value: sarama.ByteEncoder(raw),
	}
	select {
	case k.producer.Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes pending messages and stops the producer.
func (k *KafkaNotifier) Close() error {
	close(k.done)
	if err := k.producer.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}
