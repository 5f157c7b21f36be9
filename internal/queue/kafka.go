package queue

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

const (
	SASLPlain       = "plain"
	SASLScramSHA256 = "scram-sha-256"
	SASLScramSHA512 = "scram-sha-512"
)

// KafkaSecurity configures broker TLS and SASL authentication. The zero value
// is a plaintext, unauthenticated connection.
type KafkaSecurity struct {
	TLS           bool
	SASLMechanism string
	Username      string
	Password      string
}

func (s KafkaSecurity) tlsConfig() *tls.Config {
	if !s.TLS {
		return nil
	}
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

func (s KafkaSecurity) mechanism() (sasl.Mechanism, error) {
	name := strings.ToLower(strings.TrimSpace(s.SASLMechanism))
	if name == "" {
		return nil, nil
	}
	if s.Username == "" || s.Password == "" {
		return nil, fmt.Errorf("%w: sasl %s requires username and password", ErrInvalidConfig, name)
	}
	switch name {
	case SASLPlain:
		return plain.Mechanism{Username: s.Username, Password: s.Password}, nil
	case SASLScramSHA256:
		return scram.Mechanism(scram.SHA256, s.Username, s.Password)
	case SASLScramSHA512:
		return scram.Mechanism(scram.SHA512, s.Username, s.Password)
	default:
		return nil, fmt.Errorf("%w: unsupported sasl mechanism %q", ErrInvalidConfig, s.SASLMechanism)
	}
}

func toKafkaHeaders(h map[string]string) []kafka.Header {
	if len(h) == 0 {
		return nil
	}
	out := make([]kafka.Header, 0, len(h))
	for k, v := range h {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}

func fromKafkaHeaders(h []kafka.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for _, kh := range h {
		out[kh.Key] = string(kh.Value)
	}
	return out
}

type kafkaConsumer struct {
	reader *kafka.Reader

	msgCh chan Message
	errCh chan error

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func shouldStopKafkaConsumerOnFetchError(err error) bool {
	return errors.Is(err, context.Canceled)
}

func newKafkaConsumer(parent context.Context, cfg ConsumerConfig) (Consumer, error) {
	brokers := normalizeList(cfg.Brokers)
	topics := normalizeList(cfg.Topics)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka consumer requires at least one broker", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.Group) == "" {
		return nil, fmt.Errorf("%w: kafka consumer requires group", ErrInvalidConfig)
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("%w: kafka consumer requires at least one topic", ErrInvalidConfig)
	}
	minBytes := cfg.KafkaMinBytes
	if minBytes <= 0 {
		minBytes = defaultKafkaMinBytes
	}
	maxBytes := cfg.KafkaMaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultKafkaMaxBytes
	}
	if maxBytes < minBytes {
		return nil, fmt.Errorf("%w: kafka consumer max bytes must be >= min bytes", ErrInvalidConfig)
	}
	mech, err := cfg.Security.mechanism()
	if err != nil {
		return nil, err
	}

	readerCfg := kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     strings.TrimSpace(cfg.Group),
		GroupTopics: topics,
		MinBytes:    minBytes,
		MaxBytes:    maxBytes,
	}
	if cfg.Security.TLS || mech != nil {
		readerCfg.Dialer = &kafka.Dialer{
			Timeout:       10 * time.Second,
			DualStack:     true,
			TLS:           cfg.Security.tlsConfig(),
			SASLMechanism: mech,
		}
	}
	reader := kafka.NewReader(readerCfg)
	ctx, cancel := context.WithCancel(parent)
	c := &kafkaConsumer{
		reader: reader,
		msgCh:  make(chan Message, 64),
		errCh:  make(chan error, 8),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.run(ctx)
	return c, nil
}

func (c *kafkaConsumer) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.msgCh)
	defer close(c.errCh)

	for {
		km, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if shouldStopKafkaConsumerOnFetchError(err) {
				return
			}
			select {
			case c.errCh <- err:
			case <-ctx.Done():
				return
			}
			continue
		}

		msg := Message{
			Topic:     km.Topic,
			Key:       append([]byte(nil), km.Key...),
			Value:     append([]byte(nil), km.Value...),
			Headers:   fromKafkaHeaders(km.Headers),
			Timestamp: km.Time,
			ackFn: func(ackCtx context.Context) error {
				return c.reader.CommitMessages(ackCtx, km)
			},
		}
		select {
		case c.msgCh <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *kafkaConsumer) Messages() <-chan Message { return c.msgCh }

func (c *kafkaConsumer) Errors() <-chan error { return c.errCh }

func (c *kafkaConsumer) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = c.reader.Close()
		<-c.done
	})
	return err
}

type kafkaProducer struct {
	writer *kafka.Writer
}

func newKafkaProducer(cfg ProducerConfig) (Producer, error) {
	brokers := normalizeList(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka producer requires at least one broker", ErrInvalidConfig)
	}
	mech, err := cfg.Security.mechanism()
	if err != nil {
		return nil, err
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}

	// Hash balancing keeps every record for one receiver on one partition.
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: batchTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	if cfg.Security.TLS || mech != nil {
		writer.Transport = &kafka.Transport{
			TLS:  cfg.Security.tlsConfig(),
			SASL: mech,
		}
	}
	return &kafkaProducer{writer: writer}, nil
}

func (p *kafkaProducer) Publish(ctx context.Context, rec Record) error {
	topic := strings.TrimSpace(rec.Topic)
	if topic == "" {
		return ErrTopicRequired
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     rec.Key,
		Value:   rec.Value,
		Headers: toKafkaHeaders(rec.Headers),
	})
}

func (p *kafkaProducer) Close() error {
	return p.writer.Close()
}
