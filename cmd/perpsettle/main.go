package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"PerpSettle/internal/auth"
	"PerpSettle/internal/config"
	"PerpSettle/internal/core"
	"PerpSettle/internal/custody"
	"PerpSettle/internal/event"
	"PerpSettle/internal/ingestion"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/persistence"
	"PerpSettle/internal/projection"
	"PerpSettle/internal/query"
	"PerpSettle/internal/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("PERP_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.LoadServiceConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load config: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLogger("perpsettle", cfg.LogLevel)
	logger.Info().Str("store", cfg.StoreDriver).Str("prices", cfg.PriceDriver).Msg("PerpSettle starting")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("PerpSettle stopped")
	}
	logger.Info().Msg("PerpSettle shutdown complete")
}

func run(cfg *config.ServiceConfig, logger zerolog.Logger) error {
	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Store ---
	store, warmKeys, err := openStore(ctx, cfg, logger, healthChecker)
	if err != nil {
		return err
	}
	defer store.Close()

	// --- Prices ---
	prices, err := openPrices(ctx, cfg, logger, healthChecker)
	if err != nil {
		return err
	}

	// --- Custody ---
	resources := map[string]int32{
		cfg.BaseResource: cfg.BaseDivisibility,
		cfg.LPResource:   cfg.BaseDivisibility,
	}
	for res, div := range cfg.Resources {
		resources[res] = div
	}
	cust := custody.NewMemoryCustody(cfg.Operator, resources)

	// --- Engine ---
	admins := make([]auth.Credential, 0, len(cfg.Admins))
	for _, a := range cfg.Admins {
		admins = append(admins, auth.Credential(a))
	}
	exchange := core.NewExchange(store, prices, cust, core.Options{
		BaseResource:         cfg.BaseResource,
		BaseDivisibility:     cfg.BaseDivisibility,
		LPResource:           cfg.LPResource,
		Operator:             cfg.Operator,
		Admins:               admins,
		IdempotencyCacheSize: cfg.IdempotencyCacheSize,
	}, logger.With().Str("component", "core").Logger(), metrics)

	if len(cfg.Bootstrap.Pairs) > 0 {
		snap, err := cfg.Bootstrap.Snapshot()
		if err != nil {
			return fmt.Errorf("bootstrap config: %w", err)
		}
		if _, err := exchange.Bootstrap(ctx, snap); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	}
	if len(warmKeys) > 0 {
		exchange.WarmIdempotency(warmKeys)
		logger.Info().Int("keys", len(warmKeys)).Msg("idempotency cache warmed")
	}

	publishChan := make(chan event.Record, cfg.PublishChanSize)
	exchange.SetPublisher(publishChan)

	// --- Read side ---
	projWorker := projection.NewProjectionWorker(store, cfg.ProjectionInterval, 0, logger.With().Str("component", "projection").Logger())
	queryService := query.NewQueryService(exchange, store, projWorker, metrics)

	// --- Servers ---
	httpServer, err := server.NewHTTPServer(cfg.HTTPAddr, &server.ServerDeps{
		Exchange:      exchange,
		QueryService:  queryService,
		HealthChecker: healthChecker,
		Logger:        logger.With().Str("component", "http").Logger(),
	})
	if err != nil {
		return err
	}
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, healthChecker, logger.With().Str("component", "grpc").Logger())

	// --- Start goroutines ---
	errChan := make(chan error, 10)

	// 1. NATS: outbound events, inbound prices and keeper commands
	var subscriber *ingestion.NATSSubscriber
	if cfg.NATSEnabled {
		nc, sub, err := startNATS(ctx, cfg, exchange, prices, publishChan, metrics, logger, healthChecker, errChan)
		if err != nil {
			return err
		}
		defer nc.Close()
		subscriber = sub
	} else {
		// Drain so committed calls never see a full channel
		go func() {
			for range publishChan {
			}
		}()
		logger.Warn().Msg("NATS disabled, committed events are not published")
	}

	// 2. Projection worker
	go func() {
		errChan <- projWorker.Run(ctx)
	}()

	// 3. gRPC health server
	go func() {
		errChan <- grpcServer.StartGRPC(ctx)
	}()

	// 4. HTTP API
	go func() {
		errChan <- httpServer.StartHTTP(ctx)
	}()

	// 5. Prometheus metrics server
	go func() {
		errChan <- serveMetrics(ctx, cfg.MetricsAddr, logger)
	}()

	// Mark service as ready after all goroutines started
	healthChecker.SetReady(true)

	logger.Info().
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("PerpSettle ready")

	// --- Wait for shutdown signal ---
	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
			logger.Error().Err(err).Msg("goroutine failed, shutting down")
		}
	}

	// --- Graceful shutdown ---
	healthChecker.SetReady(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	cancel()

	// Give servers time to drain
	time.Sleep(cfg.ShutdownTimeout)
	return runErr
}

// openStore returns the configured ledger store and, for Postgres, the
// recent idempotency keys to warm the engine cache with.
func openStore(ctx context.Context, cfg *config.ServiceConfig, logger zerolog.Logger, health *observability.HealthChecker) (persistence.Store, []string, error) {
	if cfg.StoreDriver == "memory" {
		logger.Warn().Msg("using in-memory store, state is lost on exit")
		return persistence.NewMemoryStore(), nil, nil
	}

	pg, err := persistence.OpenPostgres(ctx, cfg.PostgresURL, 20, logger.With().Str("component", "postgres").Logger())
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Msg("Postgres connected")

	migrator := persistence.NewMigrator(pg.DB(), cfg.MigrationsDir, logger)
	if err := migrator.Up(ctx); err != nil {
		pg.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	health.AddCheck("postgres", func(ctx context.Context) error { return pg.DB().PingContext(ctx) })

	keys, err := persistence.NewPostgresIdempotencyChecker(pg.DB()).RecentKeys(ctx, cfg.IdempotencyCacheSize)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load recent idempotency keys")
	}
	return pg, keys, nil
}

// priceSource is both the engine's price feed and the inbound update sink.
type priceSource interface {
	oracle.PriceSource
	oracle.Updater
}

func openPrices(ctx context.Context, cfg *config.ServiceConfig, logger zerolog.Logger, health *observability.HealthChecker) (priceSource, error) {
	if cfg.PriceDriver == "memory" {
		return oracle.NewMemorySource(nil), nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	health.AddCheck("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	logger.Info().Str("addr", cfg.RedisAddr).Msg("Redis connected")
	return oracle.NewRedisSource(rdb, nil), nil
}

func startNATS(
	ctx context.Context,
	cfg *config.ServiceConfig,
	exchange *core.Exchange,
	prices oracle.Updater,
	publishChan <-chan event.Record,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	health *observability.HealthChecker,
	errChan chan<- error,
) (*nats.Conn, *ingestion.NATSSubscriber, error) {
	natsLog := logger.With().Str("component", "nats").Logger()
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, natsLog)
	if err != nil {
		return nil, nil, err
	}
	health.AddCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("not connected")
		}
		return nil
	})
	natsLog.Info().Str("url", cfg.NATSURL).Msg("NATS connected")

	subjects := ingestion.DefaultSubjects()
	if err := ingestion.EnsureStreams(ctx, js, subjects, natsLog); err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("ensure NATS streams: %w", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, natsLog); err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("ensure outbound stream: %w", err)
	}

	publisher := ingestion.NewOutboundPublisher(js, publishChan, natsLog, metrics)
	go func() {
		errChan <- publisher.Run(ctx)
	}()

	rawChan := make(chan ingestion.RawEvent, 4096)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan, natsLog)
	if err := subscriber.Subscribe(ctx, subjects); err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("nats subscribe: %w", err)
	}

	dispatcher := ingestion.NewDispatcher(exchange, prices, auth.Credential(cfg.Keeper), natsLog, metrics)
	go func() {
		errChan <- dispatcher.Run(ctx, rawChan)
	}()

	return nc, subscriber, nil
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              addr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = metricsServer.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening on /metrics")
	if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
