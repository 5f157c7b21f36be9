package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/stealthpay/spayment/internal/api"
	"github.com/stealthpay/spayment/internal/authmsg"
	"github.com/stealthpay/spayment/internal/blobstore"
	"github.com/stealthpay/spayment/internal/deposit"
	"github.com/stealthpay/spayment/internal/hook"
	"github.com/stealthpay/spayment/internal/ledger"
	ledgerpg "github.com/stealthpay/spayment/internal/ledger/postgres"
	"github.com/stealthpay/spayment/internal/queue"
	"github.com/stealthpay/spayment/internal/receipts"
	"github.com/stealthpay/spayment/internal/secrets"
	"github.com/stealthpay/spayment/internal/withdrawal"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:8090", "HTTP listen address")
		envFile    = flag.String("env-file", "", "optional dotenv file loaded before secrets are resolved")

		chainID        = flag.Uint64("chain-id", 0, "chain id of the signing domain (required)")
		ledgerContract = flag.String("ledger-contract", "", "ledger contract address of the signing domain (required)")

		storeDriver   = flag.String("store-driver", ledger.DriverPostgres, "ledger store driver: postgres|memory")
		postgresDSN   = flag.String("postgres-dsn", "", "Postgres DSN (or use --postgres-dsn-secret)")
		dsnSecret     = flag.String("postgres-dsn-secret", "", "secret key holding the Postgres DSN")
		secretsDriver = flag.String("secrets-driver", secrets.DriverEnv, "secrets driver: env|aws")
		tokensSecret  = flag.String("api-tokens-secret", "SPAYMENT_API_TOKENS", "secret key holding token=0xaddress bindings")

		toll          = flag.String("toll", "0", "deposit toll in native base units")
		tollCollector = flag.String("toll-collector", "", "toll collector address (required)")
		tollReceiver  = flag.String("toll-receiver", "", "toll receiver address (required)")
		depositors    = flag.String("depositors", "", "comma-separated addresses allowed to POST /v1/deposits; empty disables the route")

		queueDriver   = flag.String("queue-driver", queue.DriverKafka, "queue driver for announcements and queue hooks: kafka|stdio")
		queueBrokers  = flag.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
		announceTopic = flag.String("announcement-topic", deposit.DefaultAnnouncementTopic, "deposit announcement topic")

		queueTLS           = flag.Bool("queue-tls", false, "use TLS for kafka brokers")
		saslMechanism      = flag.String("queue-sasl-mechanism", "", "kafka SASL mechanism: plain|scram-sha-256|scram-sha-512")
		saslUsername       = flag.String("queue-sasl-username", "", "kafka SASL username")
		saslPasswordSecret = flag.String("queue-sasl-password-secret", "", "secret key holding the kafka SASL password")

		httpHooks       = flag.String("http-hooks", "", "comma-separated target=url HTTP hook bindings")
		httpHookSecret  = flag.String("http-hook-token-secret", "", "optional secret key holding the bearer token sent to HTTP hooks")
		httpHookTimeout = flag.Duration("http-hook-timeout", 10*time.Second, "timeout for one HTTP hook call")
		queueHooks      = flag.String("queue-hooks", "", "comma-separated target=topic queue hook bindings")

		receiptsDriver    = flag.String("receipts-driver", "", "receipt archive driver: s3|memory; empty disables archiving")
		receiptsBucket    = flag.String("receipts-bucket", "", "S3 bucket for withdrawal receipts")
		receiptsPrefix    = flag.String("receipts-prefix", "", "key prefix for withdrawal receipts")
		receiptsRegion    = flag.String("receipts-region", "", "AWS region for the receipts bucket")
		receiptsEndpoint  = flag.String("receipts-endpoint", "", "S3-compatible endpoint override")
		receiptsPathStyle = flag.Bool("receipts-path-style", false, "use path-style S3 addressing")

		rateLimitPerSecond = flag.Float64("rate-limit-per-second", 20, "per-client refill rate for API rate limiting")
		rateLimitBurst     = flag.Int("rate-limit-burst", 40, "per-client burst capacity for API rate limiting")
		rateLimitMaxKeys   = flag.Int("rate-limit-max-tracked-clients", 10000, "maximum tracked clients in rate limiter")
		trustProxy         = flag.Bool("trust-proxy", false, "key rate limits on X-Forwarded-For")
		maxBodyBytes       = flag.Int64("max-body-bytes", 1<<20, "maximum request body size")
		requestTimeout     = flag.Duration("request-timeout", 30*time.Second, "timeout for one mutating request, hooks included")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 45*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *chainID == 0 || !common.IsHexAddress(*ledgerContract) {
		fmt.Fprintln(os.Stderr, "error: --chain-id and a valid --ledger-contract are required")
		os.Exit(2)
	}
	if !common.IsHexAddress(*tollCollector) || !common.IsHexAddress(*tollReceiver) {
		fmt.Fprintln(os.Stderr, "error: --toll-collector and --toll-receiver must be valid hex addresses")
		os.Exit(2)
	}
	tollAmount, err := uint256.FromDecimal(strings.TrimSpace(*toll))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: --toll: %v\n", err)
		os.Exit(2)
	}
	if *listenAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --listen must be non-empty")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 || *requestTimeout <= 0 || *httpHookTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}
	if *rateLimitPerSecond <= 0 || *rateLimitBurst <= 0 || *rateLimitMaxKeys <= 0 {
		fmt.Fprintln(os.Stderr, "error: rate limit settings must be > 0")
		os.Exit(2)
	}
	depositorAddrs, err := parseDepositors(*depositors)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: --depositors: %v\n", err)
		os.Exit(2)
	}
	httpBindings, err := parseBindings(*httpHooks)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: --http-hooks: %v\n", err)
		os.Exit(2)
	}
	queueBindings, err := parseBindings(*queueHooks)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: --queue-hooks: %v\n", err)
		os.Exit(2)
	}

	if path := strings.TrimSpace(*envFile); path != "" {
		if err := godotenv.Load(path); err != nil {
			fmt.Fprintf(os.Stderr, "error: load --env-file: %v\n", err)
			os.Exit(2)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := secrets.New(ctx, *secretsDriver)
	if err != nil {
		log.Error("init secrets provider", "err", err)
		os.Exit(2)
	}
	rawTokens, err := provider.Get(ctx, *tokensSecret)
	if err != nil {
		log.Error("resolve api tokens", "err", err)
		os.Exit(2)
	}
	tokens, err := api.ParseTokenBindings(rawTokens)
	if err != nil {
		log.Error("parse api tokens", "err", err)
		os.Exit(2)
	}

	store, closeStore, err := openLedger(ctx, provider, *storeDriver, *postgresDSN, *dsnSecret)
	if err != nil {
		log.Error("init ledger store", "err", err)
		os.Exit(2)
	}
	defer closeStore()

	security, err := kafkaSecurity(ctx, provider, *queueTLS, *saslMechanism, *saslUsername, *saslPasswordSecret)
	if err != nil {
		log.Error("init kafka security", "err", err)
		os.Exit(2)
	}
	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:   *queueDriver,
		Brokers:  queue.SplitCommaList(*queueBrokers),
		Security: security,
	})
	if err != nil {
		log.Error("init queue producer", "err", err)
		os.Exit(2)
	}
	defer producer.Close()

	var hookToken string
	if key := strings.TrimSpace(*httpHookSecret); key != "" {
		if hookToken, err = provider.Get(ctx, key); err != nil {
			log.Error("resolve http hook token", "err", err)
			os.Exit(2)
		}
	}
	registry, err := buildRegistry(httpBindings, queueBindings, producer, hookToken, &http.Client{Timeout: *httpHookTimeout})
	if err != nil {
		log.Error("init hook registry", "err", err)
		os.Exit(2)
	}
	invoker, err := hook.NewInvoker(registry, log)
	if err != nil {
		log.Error("init hook invoker", "err", err)
		os.Exit(2)
	}

	engine, err := withdrawal.New(withdrawal.Config{
		Domain: authmsg.Domain{ChainID: *chainID, LedgerContract: common.HexToAddress(*ledgerContract)},
	}, store, invoker, log)
	if err != nil {
		log.Error("init withdrawal engine", "err", err)
		os.Exit(2)
	}

	depositor, err := deposit.New(deposit.Config{
		Toll:              tollAmount,
		TollCollector:     common.HexToAddress(*tollCollector),
		TollReceiver:      common.HexToAddress(*tollReceiver),
		AnnouncementTopic: *announceTopic,
	}, store, producer, log)
	if err != nil {
		log.Error("init depositor", "err", err)
		os.Exit(2)
	}

	svc := api.Services{Ledger: store, Withdrawals: engine, Deposits: depositor}
	if strings.TrimSpace(*receiptsDriver) != "" {
		archive, err := openArchive(ctx, blobstore.Config{
			Driver: *receiptsDriver,
			Prefix: *receiptsPrefix,
			Bucket: *receiptsBucket,
		}, blobstore.S3Options{
			Region:    *receiptsRegion,
			Endpoint:  *receiptsEndpoint,
			PathStyle: *receiptsPathStyle,
		})
		if err != nil {
			log.Error("init receipt archive", "err", err)
			os.Exit(2)
		}
		svc.Receipts = archive
	}

	handler, err := api.NewHandler(api.Config{
		Tokens:             tokens,
		Depositors:         depositorAddrs,
		MaxBodyBytes:       *maxBodyBytes,
		RequestTimeout:     *requestTimeout,
		RateLimitPerSecond: *rateLimitPerSecond,
		RateLimitBurst:     *rateLimitBurst,
		RateLimitMaxKeys:   *rateLimitMaxKeys,
		TrustProxy:         *trustProxy,
		Log:                log,
		Now:                time.Now,
	}, svc)
	if err != nil {
		log.Error("init api handler", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("spayment-api listening",
			"addr", *listenAddr,
			"chainID", *chainID,
			"ledgerContract", *ledgerContract,
			"storeDriver", *storeDriver,
			"httpHooks", len(httpBindings),
			"queueHooks", len(queueBindings),
			"receipts", *receiptsDriver != "",
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// binding maps a hook target to an endpoint URL or a topic.
type binding struct {
	Target common.Address
	Value  string
}

// parseBindings reads comma or newline separated target=value pairs.
func parseBindings(raw string) ([]binding, error) {
	raw = strings.ReplaceAll(raw, "\n", ",")
	var out []binding
	seen := make(map[common.Address]struct{})
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		target, value, ok := strings.Cut(part, "=")
		target, value = strings.TrimSpace(target), strings.TrimSpace(value)
		if !ok || value == "" {
			return nil, fmt.Errorf("malformed binding %q", part)
		}
		if !common.IsHexAddress(target) {
			return nil, fmt.Errorf("invalid target %q", target)
		}
		addr := common.HexToAddress(target)
		if addr == (common.Address{}) {
			return nil, errors.New("zero hook target")
		}
		if _, dup := seen[addr]; dup {
			return nil, fmt.Errorf("duplicate target %s", addr.Hex())
		}
		seen[addr] = struct{}{}
		out = append(out, binding{Target: addr, Value: value})
	}
	return out, nil
}

// buildRegistry registers every HTTP and queue hook. A target may appear in
// only one of the two lists.
func buildRegistry(httpBindings, queueBindings []binding, producer queue.Producer, token string, hc *http.Client) (*hook.Registry, error) {
	reg := hook.NewRegistry()
	for _, b := range httpBindings {
		opts := []hook.HTTPOption{hook.WithHTTPClient(hc)}
		if token != "" {
			opts = append(opts, hook.WithAuthToken(token))
		}
		h, err := hook.NewHTTPHook(b.Target, b.Value, opts...)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(b.Target, h); err != nil {
			return nil, err
		}
	}
	for _, b := range queueBindings {
		h, err := hook.NewQueueHook(b.Target, b.Value, producer)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(b.Target, h); err != nil {
			return nil, err
		}
	}
	return reg, nil
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

func parseDepositors(raw string) ([]common.Address, error) {
	var out []common.Address
	seen := make(map[common.Address]struct{})
	for _, v := range queue.SplitCommaList(raw) {
		if !common.IsHexAddress(v) {
			return nil, fmt.Errorf("invalid address %q", v)
		}
		a := common.HexToAddress(v)
		if a == (common.Address{}) {
			return nil, errors.New("zero address")
		}
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out, nil
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

func openArchive(ctx context.Context, cfg blobstore.Config, s3opts blobstore.S3Options) (*receipts.Archive, error) {
	if blobstore.NormalizeDriver(cfg.Driver) == blobstore.DriverS3 {
		client, err := blobstore.NewS3Client(ctx, s3opts)
		if err != nil {
			return nil, err
		}
		cfg.S3Client = client
	}
	store, err := blobstore.New(cfg)
	if err != nil {
		return nil, err
	}
	return receipts.NewArchive(store)
}
