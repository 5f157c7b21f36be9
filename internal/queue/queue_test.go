package queue

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestNewConsumerValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  ConsumerConfig
	}{
		{
			name: "unsupported driver",
			cfg: ConsumerConfig{
				Driver: "unknown",
			},
		},
		{
			name: "kafka missing brokers",
			cfg: ConsumerConfig{
				Driver: DriverKafka,
				Group:  "g1",
				Topics: []string{"t1"},
			},
		},
		{
			name: "kafka missing group",
			cfg: ConsumerConfig{
				Driver:  DriverKafka,
				Brokers: []string{"127.0.0.1:9092"},
				Topics:  []string{"t1"},
			},
		},
		{
			name: "kafka missing topics",
			cfg: ConsumerConfig{
				Driver:  DriverKafka,
				Brokers: []string{"127.0.0.1:9092"},
				Group:   "g1",
			},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			c, err := NewConsumer(ctx, tc.cfg)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("err: got %v want ErrInvalidConfig", err)
			}
			if c != nil {
				t.Fatalf("expected nil consumer on error")
			}
		})
	}
}

func TestNewProducerValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  ProducerConfig
	}{
		{
			name: "unsupported driver",
			cfg:  ProducerConfig{Driver: "unknown"},
		},
		{
			name: "kafka missing brokers",
			cfg:  ProducerConfig{Driver: DriverKafka},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p, err := NewProducer(tc.cfg)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("err: got %v want ErrInvalidConfig", err)
			}
			if p != nil {
				t.Fatalf("expected nil producer on error")
			}
		})
	}
}

func TestStdioConsumerReadsLines(t *testing.T) {
	t.Parallel()

	in := strings.NewReader("first\n\n  \nsecond\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := NewConsumer(ctx, ConsumerConfig{
		Driver:       DriverStdio,
		Reader:       in,
		MaxLineBytes: 1024,
	})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer func() { _ = c.Close() }()

	var got []string
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case m, ok := <-c.Messages():
			if !ok {
				t.Fatalf("messages channel closed early")
			}
			got = append(got, string(m.Value))
			if err := m.Ack(context.Background()); err != nil {
				t.Fatalf("Ack: %v", err)
			}
		case err := <-c.Errors():
			if err != nil {
				t.Fatalf("consumer error: %v", err)
			}
		case <-deadline:
			t.Fatalf("timeout waiting for lines")
		}
	}

	if got[0] != "first" || got[1] != "second" {
		t.Fatalf("unexpected lines: %#v", got)
	}
}

func TestStdioProducerPublishesLineDelimitedPayloads(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	p, err := NewProducer(ProducerConfig{
		Driver: DriverStdio,
		Writer: &out,
	})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	defer func() { _ = p.Close() }()

	rec := Record{Topic: "spayment.announcements", Key: []byte("k"), Value: []byte(`{"version":"v1"}`)}
	if err := p.Publish(context.Background(), rec); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if got, want := out.String(), "{\"version\":\"v1\"}\n"; got != want {
		t.Fatalf("output mismatch: got %q want %q", got, want)
	}

	if err := p.Publish(context.Background(), Record{Value: []byte("x")}); !errors.Is(err, ErrTopicRequired) {
		t.Fatalf("expected ErrTopicRequired, got %v", err)
	}
}

func TestMemoryProducer_RecordsByTopicAndFails(t *testing.T) {
	t.Parallel()

	p, err := NewProducer(ProducerConfig{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	mp, ok := p.(*MemoryProducer)
	if !ok {
		t.Fatalf("expected *MemoryProducer, got %T", p)
	}

	ctx := context.Background()
	value := []byte("a")
	headers := map[string]string{HeaderEventVersion: "v1"}
	if err := mp.Publish(ctx, Record{Topic: "t1", Key: []byte("k1"), Value: value, Headers: headers}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := mp.Publish(ctx, Record{Topic: "t2", Value: []byte("b")}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	value[0] = 'z'
	headers[HeaderEventVersion] = "v2"

	got := mp.Records("t1")
	if len(got) != 1 || string(got[0].Value) != "a" || string(got[0].Key) != "k1" || got[0].Headers[HeaderEventVersion] != "v1" {
		t.Fatalf("unexpected records: %+v", got)
	}

	boom := errors.New("boom")
	mp.FailWith(boom)
	if err := mp.Publish(ctx, Record{Topic: "t1", Value: []byte("c")}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if n := len(mp.Records("t1")); n != 1 {
		t.Fatalf("records after failure: got %d want 1", n)
	}
}

func TestMessageAckNoOp(t *testing.T) {
	t.Parallel()

	m := Message{Topic: "t1", Value: []byte("x")}
	if err := m.Ack(context.Background()); err != nil {
		t.Fatalf("Ack: %v", err)
	}
}

func TestKafkaSecurityMechanism(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		sec      KafkaSecurity
		wantMech string
		wantErr  bool
	}{
		{name: "none", sec: KafkaSecurity{TLS: true}},
		{name: "plain", sec: KafkaSecurity{SASLMechanism: "PLAIN", Username: "u", Password: "p"}, wantMech: "PLAIN"},
		{name: "scram 256", sec: KafkaSecurity{SASLMechanism: SASLScramSHA256, Username: "u", Password: "p"}, wantMech: "SCRAM-SHA-256"},
		{name: "scram 512", sec: KafkaSecurity{SASLMechanism: " scram-sha-512 ", Username: "u", Password: "p"}, wantMech: "SCRAM-SHA-512"},
		{name: "missing password", sec: KafkaSecurity{SASLMechanism: SASLPlain, Username: "u"}, wantErr: true},
		{name: "unknown", sec: KafkaSecurity{SASLMechanism: "gssapi", Username: "u", Password: "p"}, wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			mech, err := tc.sec.mechanism()
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Fatalf("err: got %v want ErrInvalidConfig", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("mechanism: %v", err)
			}
			if tc.wantMech == "" {
				if mech != nil {
					t.Fatalf("expected no mechanism, got %s", mech.Name())
				}
				return
			}
			if mech == nil || mech.Name() != tc.wantMech {
				t.Fatalf("mechanism: got %v want %s", mech, tc.wantMech)
			}
		})
	}

	if (KafkaSecurity{}).tlsConfig() != nil {
		t.Fatalf("tls config without TLS")
	}
	if cfg := (KafkaSecurity{TLS: true}).tlsConfig(); cfg == nil || cfg.MinVersion != tls.VersionTLS12 {
		t.Fatalf("tls config: got %+v", cfg)
	}
}

func TestKafkaHeadersRoundTrip(t *testing.T) {
	t.Parallel()

	if toKafkaHeaders(nil) != nil || fromKafkaHeaders(nil) != nil {
		t.Fatalf("empty headers should map to nil")
	}
	in := map[string]string{HeaderEventVersion: "deposits.announced.v1", "content-type": "application/json"}
	got := fromKafkaHeaders(toKafkaHeaders(in))
	if len(got) != 2 || got[HeaderEventVersion] != "deposits.announced.v1" || got["content-type"] != "application/json" {
		t.Fatalf("headers: got %v", got)
	}
}

func TestProducerRejectsBadSASL(t *testing.T) {
	t.Parallel()

	_, err := NewProducer(ProducerConfig{
		Driver:   DriverKafka,
		Brokers:  []string{"127.0.0.1:9092"},
		Security: KafkaSecurity{SASLMechanism: SASLScramSHA512},
	})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err: got %v want ErrInvalidConfig", err)
	}
}

func TestShouldStopKafkaConsumerOnFetchError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "context canceled",
			err:  context.Canceled,
			want: true,
		},
		{
			name: "io eof",
			err:  io.EOF,
			want: false,
		},
		{
			name: "generic error",
			err:  io.ErrClosedPipe,
			want: false,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := shouldStopKafkaConsumerOnFetchError(tc.err); got != tc.want {
				t.Fatalf("shouldStopKafkaConsumerOnFetchError(%v) = %t, want %t", tc.err, got, tc.want)
			}
		})
	}
}
