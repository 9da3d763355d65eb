package fxswapd

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"fxsettle/internal/passphrase"
	"fxsettle/observability"
	"fxsettle/observability/logging"
	telemetry "fxsettle/observability/otel"
	"fxsettle/services/fxswapd/chain"
	"fxsettle/services/fxswapd/orders"
	"fxsettle/services/fxswapd/providers"
	"fxsettle/services/fxswapd/rates"
	"fxsettle/services/fxswapd/recon"
	"fxsettle/services/fxswapd/settlement"
	"fxsettle/services/fxswapd/swap"
)

// Main initialises and runs the FX swap settlement daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/fxswapd/config.yaml", "path to fxswapd configuration (.yaml or .toml)")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env := firstNonEmpty(os.Getenv("FXSWAPD_ENV"), cfg.Environment)
	logOpts := []logging.Option{logging.WithLevel(logging.ParseLevel(cfg.Log.Level))}
	if cfg.Log.File != "" {
		logOpts = append(logOpts, logging.WithFile(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups))
	}
	slogger := logging.Setup("fxswapd", env, logOpts...)
	logger := log.Default()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv("fxswapd", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	store, err := openStore(cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	metrics := observability.Settlement()
	machine, err := orders.NewMachine(store, orders.WithMachineMetrics(metrics))
	if err != nil {
		return fmt.Errorf("init state machine: %w", err)
	}

	backend, err := chain.DialEVM(cfg.Chain.Endpoint)
	if err != nil {
		return fmt.Errorf("dial chain: %w", err)
	}
	defer backend.Close()

	aggregator, err := buildAggregator(cfg.Rates, rates.NewRegistry(backend), store, logger)
	if err != nil {
		return err
	}

	key, err := loadSigningKey(cfg.Chain)
	if err != nil {
		return err
	}
	evmOpts := []chain.EVMOption{
		chain.WithPollInterval(cfg.Chain.PollInterval.Duration),
		chain.WithNativeAsset(cfg.Chain.NativeAsset),
	}
	for _, token := range cfg.Chain.Tokens {
		if !common.IsHexAddress(token.Address) {
			return fmt.Errorf("token %s: invalid address %q", token.Symbol, token.Address)
		}
		evmOpts = append(evmOpts, chain.WithToken(chain.Token{
			Symbol:   strings.ToUpper(token.Symbol),
			Address:  common.HexToAddress(token.Address),
			Decimals: token.Decimals,
		}))
	}
	client, err := chain.NewEVMClient(backend, key, evmOpts...)
	if err != nil {
		return fmt.Errorf("init evm client: %w", err)
	}

	policies, err := settlement.LoadPolicies(cfg.Treasury.PoliciesPath)
	if err != nil {
		return fmt.Errorf("load policies: %w", err)
	}
	treasuryOpts := []settlement.TreasuryOption{settlement.WithTreasuryMetrics(metrics)}
	if cfg.Treasury.GasFloor != "" {
		floor, err := decimal.NewFromString(cfg.Treasury.GasFloor)
		if err != nil {
			return fmt.Errorf("parse gas_floor: %w", err)
		}
		treasuryOpts = append(treasuryOpts, settlement.WithGasFloor(floor))
	}
	treasury, err := settlement.NewTreasury(client, policies, treasuryOpts...)
	if err != nil {
		return fmt.Errorf("init treasury: %w", err)
	}
	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	ops, err := store.ConfirmedOperationsBetween(context.Background(), dayStart, dayStart.Add(24*time.Hour))
	if err != nil {
		return fmt.Errorf("seed treasury: %w", err)
	}
	treasury.Seed(ops)

	holder, err := swap.NewConfigHolder(store, swap.DefaultConfig())
	if err != nil {
		return fmt.Errorf("init swap config: %w", err)
	}

	execOpts, err := executorOptions(cfg, logger, metrics)
	if err != nil {
		return err
	}
	executor, err := settlement.NewExecutor(store, machine, aggregator, holder, treasury, client, execOpts...)
	if err != nil {
		return fmt.Errorf("init executor: %w", err)
	}
	if cfg.Settlement.PauseOnStart {
		executor.Pause()
	}

	comparator, err := buildComparator(cfg.Providers, aggregator, logger)
	if err != nil {
		return err
	}

	dispatcher := swap.NewDispatcher(executor, store, cfg.Settlement.Workers, cfg.Settlement.QueueSize, logger)
	sweeper := swap.NewSweeper(store, dispatcher,
		swap.WithSweepInterval(cfg.Settlement.SweepInterval.Duration),
		swap.WithRetryAfter(cfg.Settlement.RetryAfter.Duration),
		swap.WithStuckAfter(cfg.Settlement.StuckAfter.Duration),
		swap.WithSweepLogger(logger),
	)
	orchOpts := []swap.Option{swap.WithLogger(logger)}
	if comparator != nil {
		orchOpts = append(orchOpts, swap.WithPaymentSelector(comparator))
	}
	orchestrator, err := swap.NewOrchestrator(store, machine, aggregator, executor, holder, dispatcher, orchOpts...)
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	reconciler, err := recon.NewReconciler(recon.Config{
		Store:     store,
		Balances:  treasury,
		Status:    client,
		OutputDir: cfg.Recon.OutputDir,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		return fmt.Errorf("init reconciler: %w", err)
	}

	auth, err := NewAuthenticator(AuthConfig{BearerToken: cfg.Admin.BearerToken, JWT: cfg.Admin.JWT})
	if err != nil {
		return fmt.Errorf("init admin auth: %w", err)
	}
	webhooks, err := NewWebhookHandler(orchestrator, WebhookConfig{
		StripeSecret:      webhookSecret(cfg.Providers.Stripe),
		NOWPaymentsSecret: webhookSecret(cfg.Providers.NOWPayments),
		Logger:            logger,
		Metrics:           observability.Webhooks(),
	})
	if err != nil {
		return fmt.Errorf("init webhooks: %w", err)
	}
	serverCfg := ServerConfig{
		Orders:   orchestrator,
		Ledger:   store,
		Executor: executor,
		Config:   holder,
		Treasury: treasury,
		Recon:    reconciler,
		Chain:    client,
		Auth:     auth,
		Webhooks: webhooks,
		Outbox:   dispatcher,
		Logger:   logger,
	}
	if comparator != nil {
		serverCfg.Providers = comparator
	}
	server, err := NewServer(serverCfg)
	if err != nil {
		return err
	}

	slogger.Info("fxswapd configured",
		slog.String("listen", cfg.ListenAddress),
		slog.String("database", cfg.Database.Driver),
		logging.MaskField("dsn", cfg.Database.DSN),
		logging.MaskAddress("treasury", client.Address()),
		slog.Int("rate_sources", len(cfg.Rates.Sources)),
		slog.Bool("checkout", comparator != nil),
		slog.Bool("paused", executor.Paused()),
	)

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher.Start(stopCtx)
	go sweeper.Run(stopCtx)
	if cfg.Recon.Enabled {
		scheduler := recon.NewScheduler(recon.SchedulerConfig{
			Reconciler: reconciler,
			Window:     cfg.Recon.Window.Duration,
			RunHour:    cfg.Recon.RunHour,
			RunMinute:  cfg.Recon.RunMinute,
			Logger:     logger,
		})
		go scheduler.Run(stopCtx)
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(server.Handler(), "fxswapd"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		log.Printf("fxswapd listening on %s", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-stopCtx.Done():
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
		stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		_ = httpServer.Close()
	}
	// In-flight settlements finish their current step; the outbox re-drives the rest.
	dispatcher.Wait()
	aggregator.Wait()
	return serveErr
}

func openStore(cfg DatabaseConfig) (*orders.Store, error) {
	dsn := cfg.DSN
	if cfg.Driver == orders.DriverSQLite && dsn == "" {
		var err error
		if dsn, err = orders.FileDSN(cfg.Path); err != nil {
			return nil, fmt.Errorf("prepare sqlite path: %w", err)
		}
	}
	db, err := orders.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	store, err := orders.NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	return store, nil
}

func buildAggregator(cfg RatesConfig, registry *rates.Registry, recorder rates.SnapshotRecorder, logger *log.Logger) (*rates.Aggregator, error) {
	registry.HTTPClient = rates.NewHTTPClient(cfg.SourceTimeout.Duration)
	sourceCfgs := make([]rates.SourceConfig, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		sourceCfgs = append(sourceCfgs, rates.SourceConfig{
			Name:     src.Name,
			Type:     src.Type,
			Endpoint: src.Endpoint,
			APIKey:   src.APIKey,
			Feeds:    src.Feeds,
			Assets:   src.Assets,
			Rates:    src.Rates,
			MaxAge:   src.MaxAge.Duration,
		})
	}
	sources, err := registry.BuildAll(sourceCfgs)
	if err != nil {
		return nil, fmt.Errorf("build rate sources: %w", err)
	}
	opts := []rates.Option{
		rates.WithTTL(cfg.TTL.Duration),
		rates.WithSourceTimeout(cfg.SourceTimeout.Duration),
		rates.WithRecorder(recorder),
		rates.WithLogger(logger),
		rates.WithMetrics(observability.Rates()),
	}
	for source, raw := range cfg.Confidence {
		score, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("rate confidence %s: %w", source, err)
		}
		opts = append(opts, rates.WithConfidence(source, score))
	}
	aggregator, err := rates.NewAggregator(sources, opts...)
	if err != nil {
		return nil, fmt.Errorf("init rate aggregator: %w", err)
	}
	return aggregator, nil
}

// buildComparator returns nil when no provider is enabled; checkout is then
// unavailable but webhooks and settlement still run.
func buildComparator(cfg ProvidersConfig, rateSource providers.RateSource, logger *log.Logger) (*providers.Comparator, error) {
	var list []providers.Provider
	if p := cfg.Stripe; p.Enabled {
		stripe, err := providers.NewStripe(clientConfig(p), rateSource)
		if err != nil {
			return nil, fmt.Errorf("init stripe: %w", err)
		}
		list = append(list, stripe)
	}
	if p := cfg.NOWPayments; p.Enabled {
		now, err := providers.NewNOWPayments(clientConfig(p))
		if err != nil {
			return nil, fmt.Errorf("init nowpayments: %w", err)
		}
		list = append(list, now)
	}
	if p := cfg.ChangeNOW; p.Enabled {
		changeNow, err := providers.NewChangeNOW(clientConfig(p))
		if err != nil {
			return nil, fmt.Errorf("init changenow: %w", err)
		}
		list = append(list, changeNow)
	}
	if p := cfg.ALT5Pay; p.Enabled {
		alt5, err := providers.NewALT5Pay(clientConfig(p), p.WebhookURL)
		if err != nil {
			return nil, fmt.Errorf("init alt5pay: %w", err)
		}
		list = append(list, alt5)
	}
	if len(list) == 0 {
		logger.Printf("fxswapd: no payment providers enabled, checkout disabled")
		return nil, nil
	}
	comparator, err := providers.NewComparator(list,
		providers.WithQuoteTimeout(cfg.QuoteTimeout.Duration),
		providers.WithComparatorLogger(logger),
		providers.WithComparatorMetrics(observability.Providers()),
	)
	if err != nil {
		return nil, fmt.Errorf("init provider comparator: %w", err)
	}
	return comparator, nil
}

func clientConfig(p ProviderConfig) providers.ClientConfig {
	return providers.ClientConfig{
		BaseURL:      p.BaseURL,
		APIKey:       p.APIKey,
		Secret:       p.Secret,
		MerchantID:   p.MerchantID,
		Timeout:      p.Timeout.Duration,
		RequestsPerS: p.RequestsPerSec,
		Burst:        p.Burst,
	}
}

func webhookSecret(p ProviderConfig) string {
	if !p.Enabled {
		return ""
	}
	return p.WebhookSecret
}

func executorOptions(cfg Config, logger *log.Logger, metrics *observability.SettlementMetrics) ([]settlement.Option, error) {
	tolerance, err := decimal.NewFromString(cfg.Settlement.DriftTolerance)
	if err != nil {
		return nil, fmt.Errorf("parse drift_tolerance: %w", err)
	}
	opts := []settlement.Option{
		settlement.WithLogger(logger),
		settlement.WithMetrics(metrics),
		settlement.WithDriftTolerance(tolerance),
		settlement.WithStaleAfter(cfg.Settlement.StaleAfter.Duration),
		settlement.WithConfirmTimeout(cfg.Settlement.ConfirmTimeout.Duration),
		settlement.WithGasBuffer(cfg.Settlement.GasBufferPercent),
	}
	for asset, raw := range cfg.Treasury.NetworkFees {
		fee, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("network fee %s: %w", asset, err)
		}
		opts = append(opts, settlement.WithNetworkFeeDeduction(asset, fee))
	}
	return opts, nil
}

func loadSigningKey(cfg ChainConfig) (*ecdsa.PrivateKey, error) {
	if cfg.KeystorePath != "" {
		pass, err := passphrase.NewSource(cfg.PassphraseEnv).Get()
		if err != nil {
			return nil, err
		}
		key, err := chain.LoadKeystore(cfg.KeystorePath, pass)
		if err != nil {
			return nil, fmt.Errorf("load treasury keystore: %w", err)
		}
		return key, nil
	}
	raw := strings.TrimSpace(os.Getenv(cfg.PrivateKeyEnv))
	if raw == "" {
		return nil, fmt.Errorf("%s is empty", cfg.PrivateKeyEnv)
	}
	key, err := chain.ParsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse treasury key: %w", err)
	}
	return key, nil
}
