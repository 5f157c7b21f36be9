package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"strings"
	"time"
)

const (
	DriverKafka  = "kafka"
	DriverStdio  = "stdio"
	DriverMemory = "memory"
)

// HeaderEventVersion carries the payload schema version of a record, for
// example "deposits.announced.v1".
const HeaderEventVersion = "event-version"

const (
	defaultMaxLineBytes  = 1 << 20
	defaultKafkaMinBytes = 1
	defaultKafkaMaxBytes = 10 << 20
)

var (
	ErrTopicRequired = errors.New("queue: topic is required")
	ErrInvalidConfig = errors.New("queue: invalid config")
)

// Message is a queue record delivered to a consumer.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
	// Timestamp is the producer timestamp (Kafka) or local receive time (stdio).
	Timestamp time.Time

	ackFn func(context.Context) error
}

// Ack commits the message. Kafka commits the offset; other drivers no-op.
func (m Message) Ack(ctx context.Context) error {
	if m.ackFn == nil {
		return nil
	}
	return m.ackFn(ctx)
}

// Consumer delivers messages until Close or until its input ends, then closes
// both channels.
type Consumer interface {
	Messages() <-chan Message
	Errors() <-chan error
	Close() error
}

// Record is one outbound queue entry. Records sharing a Key land on the same
// Kafka partition and are delivered in publish order.
type Record struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

func (r Record) clone() Record {
	return Record{
		Topic:   r.Topic,
		Key:     append([]byte(nil), r.Key...),
		Value:   append([]byte(nil), r.Value...),
		Headers: maps.Clone(r.Headers),
	}
}

type Producer interface {
	Publish(ctx context.Context, rec Record) error
	Close() error
}

type ConsumerConfig struct {
	Driver string

	// Kafka fields.
	Brokers  []string
	Group    string
	Topics   []string
	Security KafkaSecurity

	KafkaMinBytes int
	KafkaMaxBytes int

	// Stdio fields.
	Reader       io.Reader
	MaxLineBytes int
}

type ProducerConfig struct {
	Driver string

	// Kafka fields.
	Brokers      []string
	Security     KafkaSecurity
	BatchTimeout time.Duration

	// Stdio fields.
	Writer io.Writer
}

func NewConsumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaConsumer(ctx, cfg)
	case DriverStdio:
		return newStdioConsumer(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func NewProducer(cfg ProducerConfig) (Producer, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaProducer(cfg)
	case DriverStdio:
		return newStdioProducer(cfg), nil
	case DriverMemory:
		return NewMemoryProducer(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverKafka
	}
	return v
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func SplitCommaList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return normalizeList(strings.Split(s, ","))
}
