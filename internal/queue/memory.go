package queue

import (
	"context"
	"strings"
	"sync"
)

// MemoryProducer keeps published records in memory. Used for local runs and tests.
type MemoryProducer struct {
	mu      sync.Mutex
	records []Record
	failErr error
}

func NewMemoryProducer() *MemoryProducer {
	return &MemoryProducer{}
}

// FailWith makes every later Publish return err. A nil err clears it.
func (p *MemoryProducer) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failErr = err
}

func (p *MemoryProducer) Publish(_ context.Context, rec Record) error {
	if strings.TrimSpace(rec.Topic) == "" {
		return ErrTopicRequired
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failErr != nil {
		return p.failErr
	}
	p.records = append(p.records, rec.clone())
	return nil
}

// Records returns a copy of everything published to topic, oldest first.
func (p *MemoryProducer) Records(topic string) []Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Record
	for _, r := range p.records {
		if r.Topic == topic {
			out = append(out, r.clone())
		}
	}
	return out
}

func (p *MemoryProducer) Close() error { return nil }
