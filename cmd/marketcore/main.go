package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"MarketCore/internal/config"
	"MarketCore/internal/core"
	"MarketCore/internal/lock"
	"MarketCore/internal/notify"
	"MarketCore/internal/observability"
	"MarketCore/internal/persistence"
	"MarketCore/internal/query"
	"MarketCore/internal/server"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Logged events are read back this many at a time during recovery
const replayBatchSize = 1000

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "marketcore: %v\n", err)
		os.Exit(1)
	}

	level := observability.ParseLevel(cfg.LogLevel)
	logger := observability.NewLoggerWithLevel("main", level)

	if err := run(cfg, level, logger); err != nil {
		logger.Fatal().Err(err).Msg("marketcore stopped")
	}
	logger.Info().Msg("shutdown complete")
}

func run(cfg *config.Config, level zerolog.Level, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	healthChecker.SetDependency("postgres", true)
	logger.Info().Msg("postgres connected")

	if cfg.AutoMigrate {
		migrator := persistence.NewMigrator(db, os.DirFS(cfg.MigrationsDir), logger)
		n, err := migrator.Up(ctx)
		if err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		logger.Info().Int("applied", n).Msg("migrations up to date")
	}

	// --- Presets ---
	marketTypes, err := cfg.Presets.EngineMarketTypes()
	if err != nil {
		return err
	}
	curveCfg, curveFees, err := cfg.Presets.CurveDefaults()
	if err != nil {
		return err
	}

	// --- Channels ---
	// persist blocks (backpressure), publish drops
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	var publishChan chan core.CoreOutput

	// --- NATS ---
	var publisher *notify.Publisher
	if cfg.NATSURL != "" {
		nc, js, err := notify.Connect(cfg.NATSURL, logger, func(up bool) {
			healthChecker.SetDependency("nats", up)
		})
		if err != nil {
			return err
		}
		defer nc.Close()

		if err := notify.EnsureStream(ctx, js, cfg.StreamMaxAge, logger); err != nil {
			return err
		}
		publishChan = make(chan core.CoreOutput, cfg.PublishChanSize)
		publisher = notify.NewPublisher(js, publishChan, metrics,
			observability.NewLoggerWithLevel("notify", level))
		logger.Info().Str("url", cfg.NATSURL).Msg("NATS connected")
	} else {
		logger.Warn().Msg("MARKETCORE_NATS_URL not set, event publishing disabled")
	}

	// --- Engine ---
	opts := []core.Option{
		core.WithMarketTypes(marketTypes...),
		core.WithMetrics(metrics),
	}
	if cfg.RedisAddr != "" {
		rdb, err := lock.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		healthChecker.SetDependency("redis", true)
		opts = append(opts, core.WithGuard(lock.NewRedisGuard(rdb, cfg.LockTTL, cfg.LockWait)))
		logger.Info().Str("addr", cfg.RedisAddr).Msg("redis aggregate guard enabled")
	}

	engine := core.NewEngine(core.SystemClock{}, persistChan, publishChan,
		observability.NewLoggerWithLevel("core", level), opts...)

	// --- Recovery ---
	snapStore := persistence.NewSnapshotStore(db)
	snap, err := snapStore.LoadLatest(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if snap != nil {
		if err := engine.Restore(snap); err != nil {
			return err
		}
	} else {
		logger.Info().Msg("no snapshot found, cold start")
	}

	// --- Recovery check ---
	// Events logged past the snapshot are replayed; afterwards every restored
	// chain tip must match the persisted event log.
	queries := query.NewQueryService(db)
	heads, err := queries.Heads(ctx)
	if err != nil {
		return err
	}
	report := query.CompareHeads(heads, snap)
	if len(report.Behind)+len(report.Missing) > 0 {
		replayStart := time.Now()
		var replayed int
		replayed, report, err = query.CatchUp(ctx, queries, engine, heads, report, replayBatchSize)
		if err != nil {
			return fmt.Errorf("replay event log: %w", err)
		}
		logger.Info().
			Int("events", replayed).
			Dur("duration", time.Since(replayStart)).
			Msg("event log replayed past snapshot")
	}
	if err := report.Err(); err != nil {
		return fmt.Errorf("recovery check: %w", err)
	}
	if len(report.Unpersisted) > 0 {
		logger.Warn().
			Strs("aggregates", report.Unpersisted).
			Msg("snapshot holds changes missing from the event log")
	}
	if integrity, err := queries.VerifyIntegrity(ctx, 10); err != nil {
		logger.Warn().Err(err).Msg("integrity check failed")
	} else if !integrity.IsHealthy {
		logger.Warn().
			Int("breaks", len(integrity.ChainBreaks)).
			Str("first_aggregate", integrity.ChainBreaks[0].AggregateID).
			Int64("first_sequence", integrity.ChainBreaks[0].Sequence).
			Msg("event log hash chain has breaks")
	}

	// --- Background workers ---
	// They outlive the request side so every committed change is flushed.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	workers := new(errgroup.Group)

	persistWorker := persistence.NewPersistenceWorker(
		persistence.NewTradeWriter(db),
		persistChan,
		cfg.PersistBatchSize,
		cfg.PersistFlushTimeout,
		metrics,
		observability.NewLoggerWithLevel("persistence", level),
	)
	workers.Go(func() error { return persistWorker.Run(workerCtx) })
	if publisher != nil {
		workers.Go(func() error { return publisher.Run(workerCtx) })
	}

	// --- Request side ---
	srv := server.NewServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Service:       server.NewPricingService(engine, curveCfg, curveFees, server.WithTradeHistory(queries)),
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Logger:        observability.NewLoggerWithLevel("server", level),
	})

	front, fctx := errgroup.WithContext(ctx)
	front.Go(func() error { return srv.StartGRPC(fctx) })
	front.Go(func() error { return srv.StartHTTP(fctx) })
	front.Go(func() error { return serveMetrics(fctx, cfg.MetricsAddr, logger) })
	front.Go(func() error {
		runSweeper(fctx, engine, cfg.SweepInterval, logger)
		return nil
	})
	front.Go(func() error {
		runSnapshots(fctx, engine, snapStore, cfg.SnapshotInterval, cfg.SnapshotKeep, metrics, logger)
		return nil
	})
	front.Go(func() error {
		watchChannels(fctx, metrics, map[string]chan core.CoreOutput{
			"persist": persistChan,
			"publish": publishChan,
		})
		return nil
	})

	healthChecker.SetReady(true)
	logger.Info().
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Int("markets", len(engine.MarketIDs())).
		Int("curves", len(engine.CurveIDs())).
		Msg("marketcore ready")

	<-fctx.Done()
	healthChecker.SetReady(false)
	logger.Info().Msg("shutting down")

	frontErr := front.Wait()
	if errors.Is(frontErr, context.Canceled) {
		frontErr = nil
	}

	// Nothing commits after the request side has stopped
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := takeSnapshot(shutdownCtx, engine, snapStore, cfg.SnapshotKeep, metrics, logger); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	}

	close(persistChan)
	if publishChan != nil {
		close(publishChan)
	}

	done := make(chan error, 1)
	go func() { done <- workers.Wait() }()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("worker failed during shutdown")
		}
	case <-shutdownCtx.Done():
		logger.Error().Msg("workers did not drain before the shutdown timeout")
		cancelWorkers()
		<-done
	}

	return frontErr
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsServer.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// runSweeper moves Active markets past their end time to PendingResolution
func runSweeper(ctx context.Context, engine *core.Engine, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := engine.SweepExpired(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("sweep incomplete")
			}
			if len(swept) > 0 {
				logger.Info().Strs("markets", swept).Msg("expired markets closed")
			}
		}
	}
}

func runSnapshots(
	ctx context.Context,
	engine *core.Engine,
	store *persistence.SnapshotStore,
	interval time.Duration,
	keep int,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := takeSnapshot(ctx, engine, store, keep, metrics, logger); err != nil {
				logger.Warn().Err(err).Msg("periodic snapshot failed")
			}
		}
	}
}

// takeSnapshot saves every aggregate and prunes all but the newest keep snapshots
func takeSnapshot(
	ctx context.Context,
	engine *core.Engine,
	store *persistence.SnapshotStore,
	keep int,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) error {
	start := time.Now()
	snap := engine.Snapshot()

	size, err := store.Save(ctx, snap)
	if err != nil {
		return err
	}
	pruned, err := store.Prune(ctx, keep)
	if err != nil {
		logger.Warn().Err(err).Msg("snapshot prune failed")
	}

	metrics.SnapshotTaken.Inc()
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	metrics.SnapshotSizeBytes.Set(float64(size))

	logger.Info().
		Int("markets", len(snap.Markets)).
		Int("curves", len(snap.Curves)).
		Int("bytes", size).
		Int64("pruned", pruned).
		Msg("snapshot saved")
	return nil
}

// watchChannels samples channel depth for the utilization gauges
func watchChannels(ctx context.Context, metrics *observability.Metrics, chans map[string]chan core.CoreOutput) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, ch := range chans {
				if ch != nil {
					metrics.SetChannelMetrics(name, len(ch), cap(ch))
				}
			}
		}
	}
}
