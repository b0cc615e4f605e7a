package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrRequestUnsupported is returned by buses without request-reply support.
var ErrRequestUnsupported = errors.New("request-reply is not supported by this bus")

// KafkaBus implements EventBus on Kafka topics: one lazily created writer per
// topic and one consumer-group reader per subscription.
type KafkaBus struct {
	mu      sync.Mutex
	brokers []string
	groupID string
	writers map[string]*kafkago.Writer
	readers map[string]*kafkaSubscription
	closed  bool
}

type kafkaSubscription struct {
	id     string
	topic  string
	reader *kafkago.Reader
	cancel context.CancelFunc
	done   chan struct{}
	bus    *KafkaBus
}

// NewKafkaBus creates a Kafka-backed event bus.
func NewKafkaBus(cfg domain.EventBusConfig) (*KafkaBus, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("kafka bus requires at least one broker")
	}
	groupID := cfg.KafkaGroupID
	if groupID == "" {
		groupID = "kestrel"
	}

	return &KafkaBus{
		brokers: cfg.KafkaBrokers,
		groupID: groupID,
		writers: make(map[string]*kafkago.Writer),
		readers: make(map[string]*kafkaSubscription),
	}, nil
}

// Publish writes an enveloped message to the topic.
func (b *KafkaBus) Publish(ctx context.Context, topic string, payload []byte) error {
	w, err := b.writer(topic)
	if err != nil {
		return err
	}

	msg := newMessage(topic, payload)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := w.WriteMessages(ctx, kafkago.Message{Key: []byte(msg.ID), Value: data}); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe starts a consumer-group reader for the topic. Offsets are
// committed after the handler returns, whatever its result.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  b.brokers,
		GroupID:  b.groupID,
		Topic:    subjectPrefix + topic,
		MinBytes: 1,
		MaxBytes: 10 * 1024 * 1024, // 10 MB
	})

	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{
		id:     uuid.New().String(),
		topic:  topic,
		reader: reader,
		cancel: cancel,
		done:   make(chan struct{}),
		bus:    b,
	}
	b.readers[sub.id] = sub

	go sub.run(subCtx, handler)
	return sub, nil
}

func (s *kafkaSubscription) run(ctx context.Context, handler domain.MessageHandler) {
	defer close(s.done)

	for {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("kafka fetch failed", "topic", s.topic, "error", err)
			}
			return
		}

		var msg domain.Message
		if err := json.Unmarshal(m.Value, &msg); err != nil {
			slog.Error("failed to unmarshal kafka message",
				"topic", m.Topic,
				"offset", m.Offset,
				"error", err,
			)
		} else if err := handler(ctx, &msg); err != nil {
			slog.Error("handler error",
				"topic", m.Topic,
				"partition", m.Partition,
				"offset", m.Offset,
				"error", err,
			)
		}

		if err := s.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			slog.Error("kafka commit failed",
				"topic", m.Topic,
				"offset", m.Offset,
				"error", err,
			)
		}
	}
}

// Request is not available on Kafka.
func (b *KafkaBus) Request(ctx context.Context, topic string, payload []byte) ([]byte, error) {
	return nil, ErrRequestUnsupported
}

// Reply is not available on Kafka.
func (b *KafkaBus) Reply(ctx context.Context, msg *domain.Message, payload []byte) error {
	return ErrRequestUnsupported
}

// Ping dials the first reachable broker.
func (b *KafkaBus) Ping(ctx context.Context) error {
	var lastErr error
	for _, broker := range b.brokers {
		conn, err := kafkago.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	return fmt.Errorf("no kafka broker reachable: %w", lastErr)
}

// Close stops all readers and flushes all writers.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	readers := b.readers
	writers := b.writers
	b.readers = make(map[string]*kafkaSubscription)
	b.writers = make(map[string]*kafkago.Writer)
	b.mu.Unlock()

	var firstErr error
	for _, sub := range readers {
		if err := sub.stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for topic, w := range writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing writer for topic %s: %w", topic, err)
		}
	}
	return firstErr
}

func (b *KafkaBus) writer(topic string) (*kafkago.Writer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}
	if w, ok := b.writers[topic]; ok {
		return w, nil
	}

	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(b.brokers...),
		Topic:                  subjectPrefix + topic,
		Balancer:               &kafkago.LeastBytes{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
	b.writers[topic] = w
	return w, nil
}

func (s *kafkaSubscription) stop() error {
	s.cancel()
	<-s.done
	if err := s.reader.Close(); err != nil {
		return fmt.Errorf("closing kafka reader: %w", err)
	}
	return nil
}

// Unsubscribe stops the reader and leaves the consumer group.
func (s *kafkaSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	_, ok := s.bus.readers[s.id]
	delete(s.bus.readers, s.id)
	s.bus.mu.Unlock()

	if !ok {
		return nil
	}
	return s.stop()
}

// Topic returns the subscribed topic.
func (s *kafkaSubscription) Topic() string {
	return s.topic
}
