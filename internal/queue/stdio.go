package queue

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type stdioConsumer struct {
	msgCh chan Message
	errCh chan error

	cancel context.CancelFunc
	once   sync.Once
}

// newStdioConsumer turns each input line into one message. Blank lines are
// skipped. Both channels close at end of input.
func newStdioConsumer(parent context.Context, cfg ConsumerConfig) (Consumer, error) {
	reader := cfg.Reader
	if reader == nil {
		reader = os.Stdin
	}
	maxLineBytes := cfg.MaxLineBytes
	if maxLineBytes <= 0 {
		maxLineBytes = defaultMaxLineBytes
	}

	ctx, cancel := context.WithCancel(parent)
	c := &stdioConsumer{
		msgCh:  make(chan Message, 64),
		errCh:  make(chan error, 8),
		cancel: cancel,
	}
	go func() {
		defer close(c.msgCh)
		defer close(c.errCh)

		sc := bufio.NewScanner(reader)
		sc.Buffer(make([]byte, 1024), maxLineBytes)
		for sc.Scan() {
			if len(strings.TrimSpace(sc.Text())) == 0 {
				continue
			}
			msg := Message{
				Value:     append([]byte(nil), sc.Bytes()...),
				Timestamp: time.Now().UTC(),
			}
			select {
			case c.msgCh <- msg:
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			select {
			case c.errCh <- err:
			case <-ctx.Done():
			}
		}
	}()
	return c, nil
}

func (c *stdioConsumer) Messages() <-chan Message { return c.msgCh }

func (c *stdioConsumer) Errors() <-chan error { return c.errCh }

func (c *stdioConsumer) Close() error {
	c.once.Do(c.cancel)
	return nil
}

type stdioProducer struct {
	mu sync.Mutex
	w  io.Writer
}

func newStdioProducer(cfg ProducerConfig) Producer {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	return &stdioProducer{w: w}
}

// Publish writes the record value as one line. Topic, key and headers are
// dropped, so the output can be piped into a stdio consumer.
func (p *stdioProducer) Publish(_ context.Context, rec Record) error {
	if strings.TrimSpace(rec.Topic) == "" {
		return ErrTopicRequired
	}
	line := make([]byte, 0, len(rec.Value)+1)
	line = append(append(line, rec.Value...), '\n')

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.w.Write(line)
	return err
}

func (p *stdioProducer) Close() error { return nil }
