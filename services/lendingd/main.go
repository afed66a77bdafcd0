package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	bolt "go.etcd.io/bbolt"

	marketcfg "lendcore/config"
	"lendcore/core/events"
	"lendcore/native/bank"
	nativecommon "lendcore/native/common"
	"lendcore/native/lending"
	"lendcore/native/oracle"
	"lendcore/observability"
	"lendcore/observability/logging"
	"lendcore/observability/metrics"
	telemetry "lendcore/observability/otel"
	"lendcore/services/lendingd/config"
	"lendcore/services/lendingd/jobs"
	"lendcore/services/lendingd/journal"
	"lendcore/services/lendingd/server"
	"lendcore/state"
	"lendcore/storage"
)

func main() {
	var cfgPath, envFile string
	flag.StringVar(&cfgPath, "config", "services/lendingd/config.yaml", "path to lendingd config")
	flag.StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before the config")
	flag.Parse()

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("load %s: %v", envFile, err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, logCloser := logging.SetupWithFile("lendingd", cfg.Environment, logging.ParseLevel(cfg.Logging.Level), logging.FileConfig{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   true,
	})
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("lendingd stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "lendingd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Endpoint != "",
		Traces:      cfg.Telemetry.Endpoint != "",
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	markets, err := marketcfg.Load(cfg.MarketsPath)
	if err != nil {
		return fmt.Errorf("load markets: %w", err)
	}
	engineCfg, err := markets.EngineConfig()
	if err != nil {
		return fmt.Errorf("markets engine: %w", err)
	}
	poolParams, err := markets.PoolParams()
	if err != nil {
		return fmt.Errorf("markets pools: %w", err)
	}

	db, err := openDatabase(cfg.Storage)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := state.NewLendingStore(db, cfg.Storage.CacheSize)
	if err != nil {
		return fmt.Errorf("open lending store: %w", err)
	}
	custody, err := cfg.CustodyAddress()
	if err != nil {
		return err
	}
	ledger, err := bank.NewLedger(db, custody)
	if err != nil {
		return fmt.Errorf("open bank ledger: %w", err)
	}

	feed := oracle.NewFeed(cfg.Oracle.MaxAge.Duration)
	sources, err := buildSources(cfg.Oracle)
	if err != nil {
		return err
	}
	assets := make([]string, 0, len(poolParams))
	for _, p := range poolParams {
		assets = append(assets, p.Asset)
	}
	lendingMetrics := metrics.Lending()
	prices, err := oracle.NewManager(feed, sources, assets, cfg.Oracle.Interval.Duration, cfg.Oracle.MinSources,
		oracle.WithLogger(logger.With("component", "oracle")),
		oracle.WithRoundHook(func(round oracle.Round) {
			lendingMetrics.RecordOracleRound(round.Asset, len(round.Feeders), round.Time, time.Now())
		}),
		oracle.WithFailureHook(func(asset string, _ error) {
			lendingMetrics.RecordOracleFailure(asset)
		}),
	)
	if err != nil {
		return fmt.Errorf("oracle manager: %w", err)
	}
	if err := prices.Tick(ctx); err != nil {
		logger.Warn("initial oracle round incomplete", slog.Any("error", err))
	}

	emitters := events.Fanout{observability.Events()}
	var jr *journal.Journal
	if cfg.Journal.Driver != "none" {
		jr, err = journal.Open(cfg.Journal.Driver, cfg.Journal.DSN, logger.With("component", "journal"))
		if err != nil {
			return err
		}
		defer jr.Close()
		emitters = append(emitters, jr)
	}
	hub := server.NewHub(logger.With("component", "events"))
	defer hub.Close()
	emitters = append(emitters, hub)

	pauses := nativecommon.NewPauseSet()
	if markets.Pauses.Lending {
		pauses.Set("lending", true)
	}
	engine, err := lending.NewEngine(store, feed, ledger,
		lending.WithConfig(engineCfg),
		lending.WithLogger(logger.With("component", "lending")),
		lending.WithEmitter(emitters),
		lending.WithPauses(pauses),
	)
	if err != nil {
		return fmt.Errorf("lending engine: %w", err)
	}
	if err := syncPools(engine, poolParams, logger); err != nil {
		return err
	}

	srvCfg := server.Config{
		Engine:      engine,
		Wallet:      ledger,
		Pauses:      pauses,
		Hub:         hub,
		Auth:        server.AuthConfig{HMACSecret: cfg.Auth.JWTSecret, Issuer: cfg.Auth.Issuer, Audience: cfg.Auth.Audience, ClockSkew: cfg.Auth.ClockSkew.Duration},
		RateLimit:   server.RateLimit{RequestsPerMinute: cfg.RateLimit.RequestsPerMinute, Burst: cfg.RateLimit.Burst},
		MintEnabled: cfg.Dev.MintEnabled,
		Logger:      logger,
	}
	if jr != nil {
		srvCfg.Journal = jr
	}
	srv, err := server.New(srvCfg)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sweeper := jobs.NewSweeper(engine, lending.NewAdmin("fee-sweeper"), cfg.Sweeper.Interval.Duration,
		jobs.WithObserver(lendingMetrics),
		jobs.WithLogger(logger.With("component", "sweeper")),
		jobs.WithRetry(cfg.Sweeper.MaxAttempts, cfg.Sweeper.Backoff.Duration),
	)

	errCh := make(chan error, 4)
	go func() { errCh <- ignoreCancel(prices.Run(ctx)) }()
	go func() { errCh <- ignoreCancel(sweeper.Run(ctx)) }()
	go func() { errCh <- ignoreCancel(reportPools(ctx, engine, lendingMetrics, cfg.Oracle.Interval.Duration)) }()
	go func() {
		logger.Info("lendingd listening", slog.String("addr", cfg.ListenAddress), slog.Bool("tls", cfg.TLS.CertPath != ""))
		var err error
		if cfg.TLS.CertPath != "" {
			err = httpServer.ListenAndServeTLS(cfg.TLS.CertPath, cfg.TLS.KeyPath)
		} else {
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hub.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("forcing server stop", slog.Any("error", err))
		_ = httpServer.Close()
	}
	return runErr
}

func openDatabase(cfg config.StorageConfig) (storage.Database, error) {
	switch cfg.Backend {
	case "memory":
		return storage.NewMemDB(), nil
	case "bolt":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
		db, err := storage.NewBoltDB(cfg.Path, &bolt.Options{Timeout: time.Second})
		if err != nil {
			return nil, fmt.Errorf("open bolt store: %w", err)
		}
		return db, nil
	default:
		db, err := storage.NewLevelDB(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open leveldb store: %w", err)
		}
		return db, nil
	}
}

func buildSources(cfg config.OracleConfig) ([]oracle.Source, error) {
	var sources []oracle.Source
	if len(cfg.Static) > 0 {
		static, err := oracle.NewStaticSource("static", cfg.Static)
		if err != nil {
			return nil, fmt.Errorf("static prices: %w", err)
		}
		sources = append(sources, static)
	}
	if cfg.CoinGecko.Enabled() {
		client := &http.Client{Timeout: cfg.CoinGecko.Timeout.Duration}
		sources = append(sources, oracle.NewCoinGeckoSource(client, cfg.CoinGecko.Endpoint, cfg.CoinGecko.VsCurrency, cfg.CoinGecko.IDs))
	}
	return sources, nil
}

// syncPools lists configured pools on first start and applies parameter
// changes from the markets file on later starts.
func syncPools(engine *lending.Engine, params []lending.PoolParams, logger *slog.Logger) error {
	admin := lending.NewAdmin("markets-file")
	for _, p := range params {
		_, err := engine.ListPool(admin, p)
		switch {
		case err == nil:
			logger.Info("pool listed", slog.String("asset", p.Asset))
		case errors.Is(err, lending.ErrPoolExists):
			if _, err := engine.UpdatePool(admin, p); err != nil {
				return fmt.Errorf("update pool %s: %w", p.Asset, err)
			}
		default:
			return fmt.Errorf("list pool %s: %w", p.Asset, err)
		}
	}
	return nil
}

func reportPools(ctx context.Context, engine *lending.Engine, m *metrics.LendingMetrics, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		pools, err := engine.Pools()
		if err == nil {
			for _, pool := range pools {
				if rates, err := engine.Rates(pool.Asset); err == nil {
					m.RecordPool(pool, rates)
				}
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
