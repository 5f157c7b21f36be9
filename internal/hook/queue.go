package hook

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stealthpay/spayment/internal/queue"
)

// QueueHook publishes the call record to a topic. The publish must be
// acknowledged before the withdrawal commits.
type QueueHook struct {
	target   common.Address
	topic    string
	producer queue.Producer
}

func NewQueueHook(target common.Address, topic string, producer queue.Producer) (*QueueHook, error) {
	if producer == nil {
		return nil, fmt.Errorf("%w: nil producer", ErrInvalidConfig)
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, fmt.Errorf("%w: missing topic", ErrInvalidConfig)
	}
	return &QueueHook{target: target, topic: topic, producer: producer}, nil
}

func (q *QueueHook) OnWithdraw(ctx context.Context, rec Record) error {
	b, err := marshalEvent(q.target, rec)
	if err != nil {
		return err
	}
	if err := q.producer.Publish(ctx, queue.Record{
		Topic:   q.topic,
		Key:     rec.StealthIdentity.Bytes(),
		Value:   b,
		Headers: map[string]string{queue.HeaderEventVersion: eventVersion},
	}); err != nil {
		return fmt.Errorf("hook: publish: %w", err)
	}
	return nil
}
