package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels, NATS or Kafka.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a response (request-reply pattern).
	Request(ctx context.Context, topic string, payload []byte) ([]byte, error)

	// Reply answers a message received through Request.
	Reply(ctx context.Context, msg *Message, payload []byte) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`

	// ReplyTo is set on messages sent through Request.
	ReplyTo string `json:"replyTo,omitempty"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel", "nats", "kafka" or "none"
	Type string `mapstructure:"type"`

	// Channel settings
	ChannelBufferSize int `mapstructure:"channel_buffer_size"`

	// NATS settings
	NATSUrl           string `mapstructure:"nats_url"`
	NATSToken         string `mapstructure:"nats_token"`
	NATSMaxReconnects int    `mapstructure:"nats_max_reconnects"`
	NATSReconnectWait int    `mapstructure:"nats_reconnect_wait"` // seconds

	// Kafka settings
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaGroupID string   `mapstructure:"kafka_group_id"`
}

// Standard topic names.
const (
	TopicTransactionSubmitted = "transaction.submitted"
	TopicDecision             = "transaction.decided"
	TopicFlagged              = "transaction.flagged"
	TopicScoreRequest         = "scoring.request"
)
