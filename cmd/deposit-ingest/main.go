package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stealthpay/spayment/internal/deposit"
	"github.com/stealthpay/spayment/internal/idempotency"
	"github.com/stealthpay/spayment/internal/ledger"
	ledgerpg "github.com/stealthpay/spayment/internal/ledger/postgres"
	"github.com/stealthpay/spayment/internal/queue"
	"github.com/stealthpay/spayment/internal/secrets"
)

const chainDepositVersion = "deposits.chain.v1"

// chainDepositV1 is one deposit observed on chain by the indexer.
type chainDepositV1 struct {
	Version    string `json:"version"`
	ChainID    uint64 `json:"chainId"`
	TxHash     string `json:"txHash"`
	LogIndex   uint64 `json:"logIndex"`
	Receiver   string `json:"receiver"`
	Asset      string `json:"asset"`
	Amount     string `json:"amount"`
	TollPaid   string `json:"tollPaid,omitempty"`
	PKx        string `json:"pkx"`
	Ciphertext string `json:"ciphertext"`
}

type sender interface {
	Send(ctx context.Context, req deposit.SendRequest) (deposit.Receipt, error)
}

var errPermanent = errors.New("permanent")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	if err := runMain(ctx, os.Args[1:], os.Stdin, os.Stdout, log); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

func runMain(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer, log *slog.Logger) error {
	fs := flag.NewFlagSet("deposit-ingest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	storeDriver := fs.String("store-driver", ledger.DriverPostgres, "ledger store driver: postgres|memory")
	postgresDSN := fs.String("postgres-dsn", "", "Postgres DSN (or use --postgres-dsn-secret)")
	dsnSecret := fs.String("postgres-dsn-secret", "", "secret key holding the Postgres DSN")
	secretsDriver := fs.String("secrets-driver", secrets.DriverEnv, "secrets driver: env|aws")

	chainID := fs.Uint64("chain-id", 0, "chain id deposits are accepted from (required)")
	toll := fs.String("toll", "0", "deposit toll in native base units")
	tollCollector := fs.String("toll-collector", "", "toll collector address (required)")
	tollReceiver := fs.String("toll-receiver", "", "toll receiver address (required)")

	queueDriver := fs.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
	queueBrokers := fs.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
	queueGroup := fs.String("queue-group", "deposit-ingest", "queue consumer group")
	queueTLS := fs.Bool("queue-tls", false, "use TLS for kafka brokers")
	saslMechanism := fs.String("queue-sasl-mechanism", "", "kafka SASL mechanism: plain|scram-sha-256|scram-sha-512")
	saslUsername := fs.String("queue-sasl-username", "", "kafka SASL username")
	saslPasswordSecret := fs.String("queue-sasl-password-secret", "", "secret key holding the kafka SASL password")
	queueTopics := fs.String("queue-topics", "spayment.deposits.chain.v1", "comma-separated input topics")
	announceTopic := fs.String("announcement-topic", deposit.DefaultAnnouncementTopic, "announcement output topic")
	maxLineBytes := fs.Int("max-line-bytes", 1<<20, "maximum stdin line size for stdio driver (bytes)")
	ackTimeout := fs.Duration("queue-ack-timeout", 5*time.Second, "timeout for queue message acknowledgements")
	sendTimeout := fs.Duration("send-timeout", 30*time.Second, "timeout for one deposit")
	retryBackoff := fs.Duration("retry-backoff", time.Second, "initial backoff after a transient failure")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *chainID == 0 {
		return errors.New("--chain-id is required")
	}
	if *ackTimeout <= 0 || *sendTimeout <= 0 || *retryBackoff <= 0 || *maxLineBytes <= 0 {
		return errors.New("timeouts, --retry-backoff and --max-line-bytes must be > 0")
	}
	tollAmount, err := uint256.FromDecimal(strings.TrimSpace(*toll))
	if err != nil {
		return fmt.Errorf("--toll: %w", err)
	}
	collector, err := requireAddress("toll-collector", *tollCollector)
	if err != nil {
		return err
	}
	receiver, err := requireAddress("toll-receiver", *tollReceiver)
	if err != nil {
		return err
	}

	provider, err := secrets.New(ctx, *secretsDriver)
	if err != nil {
		return err
	}
	security, err := kafkaSecurity(ctx, provider, *queueTLS, *saslMechanism, *saslUsername, *saslPasswordSecret)
	if err != nil {
		return err
	}

	store, cleanup, err := openLedger(ctx, provider, *storeDriver, *postgresDSN, *dsnSecret)
	if err != nil {
		return err
	}
	defer cleanup()

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:   *queueDriver,
		Brokers:  queue.SplitCommaList(*queueBrokers),
		Security: security,
		Writer:   stdout,
	})
	if err != nil {
		return fmt.Errorf("init queue producer: %w", err)
	}
	defer func() { _ = producer.Close() }()

	dep, err := deposit.New(deposit.Config{
		Toll:              tollAmount,
		TollCollector:     collector,
		TollReceiver:      receiver,
		AnnouncementTopic: *announceTopic,
	}, store, producer, log)
	if err != nil {
		return err
	}

	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:       *queueDriver,
		Brokers:      queue.SplitCommaList(*queueBrokers),
		Group:        *queueGroup,
		Topics:       queue.SplitCommaList(*queueTopics),
		Security:     security,
		Reader:       stdin,
		MaxLineBytes: *maxLineBytes,
	})
	if err != nil {
		return fmt.Errorf("init queue consumer: %w", err)
	}
	defer func() { _ = consumer.Close() }()

	log.Info("deposit ingest started",
		"chainID", *chainID,
		"queueDriver", *queueDriver,
		"storeDriver", *storeDriver,
		"announcementTopic", *announceTopic,
		"toll", tollAmount.Dec(),
	)

	msgCh := consumer.Messages()
	errCh := consumer.Errors()
	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown", "reason", ctx.Err())
			return nil
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				log.Error("queue consume error", "err", err)
			}
		case msg, ok := <-msgCh:
			if !ok {
				return nil
			}
			if v, set := msg.Headers[queue.HeaderEventVersion]; set && v != chainDepositVersion {
				log.Error("drop deposit event", "err", "unsupported event-version header", "version", v)
				ackMessage(msg, *ackTimeout, log)
				continue
			}
			if err := ingestWithRetry(ctx, dep, *chainID, msg.Value, *sendTimeout, *retryBackoff, log); err != nil {
				// Only cancellation ends retries; leave the message unacked for redelivery.
				log.Info("shutdown", "reason", err)
				return nil
			}
			ackMessage(msg, *ackTimeout, log)
		}
	}
}

// ingestWithRetry applies one event. Malformed or rejected events are logged
// and dropped; anything else is retried with backoff until ctx ends. Redelivery
// is safe because every chain deposit maps to one deposit id.
func ingestWithRetry(ctx context.Context, dep sender, chainID uint64, raw []byte, timeout, backoff time.Duration, log *slog.Logger) error {
	const maxBackoff = 30 * time.Second
	for {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		rcpt, err := ingest(cctx, dep, chainID, raw)
		cancel()
		switch {
		case err == nil:
			if rcpt.Duplicate {
				log.Info("deposit redelivered", "deposit_id", rcpt.DepositID.Hex())
			}
			return nil
		case errors.Is(err, errPermanent):
			log.Error("drop deposit event", "err", err)
			return nil
		}

		log.Warn("deposit ingest failed; retrying", "err", err, "backoff", backoff.String())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, maxBackoff)
	}
}

func ingest(ctx context.Context, dep sender, chainID uint64, raw []byte) (deposit.Receipt, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return deposit.Receipt{}, fmt.Errorf("%w: empty message", errPermanent)
	}
	var ev chainDepositV1
	if err := json.Unmarshal(raw, &ev); err != nil {
		return deposit.Receipt{}, fmt.Errorf("%w: parse event: %v", errPermanent, err)
	}
	req, err := ev.sendRequest(chainID)
	if err != nil {
		return deposit.Receipt{}, fmt.Errorf("%w: %v", errPermanent, err)
	}

	rcpt, err := dep.Send(ctx, req)
	if errors.Is(err, deposit.ErrInvalidDeposit) || errors.Is(err, deposit.ErrTollMismatch) {
		return deposit.Receipt{}, fmt.Errorf("%w: %w", errPermanent, err)
	}
	return rcpt, err
}

func (ev chainDepositV1) sendRequest(chainID uint64) (deposit.SendRequest, error) {
	if ev.Version != chainDepositVersion {
		return deposit.SendRequest{}, fmt.Errorf("unsupported version %q", ev.Version)
	}
	if ev.ChainID != chainID {
		return deposit.SendRequest{}, fmt.Errorf("chain id %d, want %d", ev.ChainID, chainID)
	}
	txHash, err := parseHash("txHash", ev.TxHash, true)
	if err != nil {
		return deposit.SendRequest{}, err
	}
	req := deposit.SendRequest{DepositID: idempotency.ChainDepositID(chainID, txHash, ev.LogIndex)}
	if req.Receiver, err = requireAddress("receiver", ev.Receiver); err != nil {
		return deposit.SendRequest{}, err
	}
	req.Asset = ledger.NativeAsset
	if strings.TrimSpace(ev.Asset) != "" {
		if req.Asset, err = requireAddress("asset", ev.Asset); err != nil {
			return deposit.SendRequest{}, err
		}
	}
	if req.Amount, err = uint256.FromDecimal(strings.TrimSpace(ev.Amount)); err != nil {
		return deposit.SendRequest{}, fmt.Errorf("amount: %w", err)
	}
	if strings.TrimSpace(ev.TollPaid) != "" {
		if req.TollPaid, err = uint256.FromDecimal(strings.TrimSpace(ev.TollPaid)); err != nil {
			return deposit.SendRequest{}, fmt.Errorf("tollPaid: %w", err)
		}
	}
	if req.PKx, err = parseHash("pkx", ev.PKx, false); err != nil {
		return deposit.SendRequest{}, err
	}
	if req.Ciphertext, err = parseHash("ciphertext", ev.Ciphertext, false); err != nil {
		return deposit.SendRequest{}, err
	}
	return req, nil
}

func parseHash(field, raw string, required bool) (common.Hash, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" && !required {
		return common.Hash{}, nil
	}
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%s must be 32 bytes of 0x-prefixed hex", field)
	}
	return common.BytesToHash(b), nil
}

func requireAddress(field, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s must be a valid hex address", field)
	}
	return common.HexToAddress(raw), nil
}

// kafkaSecurity resolves the SASL password through the secrets provider.
func kafkaSecurity(ctx context.Context, provider secrets.Provider, useTLS bool, mechanism, username, passwordSecret string) (queue.KafkaSecurity, error) {
	sec := queue.KafkaSecurity{
		TLS:           useTLS,
		SASLMechanism: strings.TrimSpace(mechanism),
		Username:      strings.TrimSpace(username),
	}
	if sec.SASLMechanism == "" {
		return sec, nil
	}
	if strings.TrimSpace(passwordSecret) == "" {
		return queue.KafkaSecurity{}, errors.New("--queue-sasl-password-secret is required with --queue-sasl-mechanism")
	}
	password, err := provider.Get(ctx, passwordSecret)
	if err != nil {
		return queue.KafkaSecurity{}, fmt.Errorf("resolve kafka sasl password: %w", err)
	}
	sec.Password = password
	return sec, nil
}

func openLedger(ctx context.Context, provider secrets.Provider, driver, dsn, dsnSecret string) (ledger.Store, func(), error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case ledger.DriverMemory:
		return ledger.NewMemoryStore(nil), func() {}, nil
	case ledger.DriverPostgres:
	default:
		return nil, nil, fmt.Errorf("unsupported --store-driver %q", driver)
	}

	dsn = strings.TrimSpace(dsn)
	if dsn == "" && strings.TrimSpace(dsnSecret) != "" {
		var err error
		if dsn, err = provider.Get(ctx, dsnSecret); err != nil {
			return nil, nil, fmt.Errorf("resolve postgres dsn: %w", err)
		}
	}
	if dsn == "" {
		return nil, nil, errors.New("--postgres-dsn or --postgres-dsn-secret is required when --store-driver=postgres")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("init pgx pool: %w", err)
	}
	store, err := ledgerpg.New(pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ensure ledger schema: %w", err)
	}
	return store, pool.Close, nil
}

func ackMessage(msg queue.Message, timeout time.Duration, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := msg.Ack(ctx); err != nil {
		log.Error("ack queue message", "err", err)
	}
}
