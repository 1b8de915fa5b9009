package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"LeverLedger/internal/config"
	"LeverLedger/internal/core"
	"LeverLedger/internal/ingestion"
	"LeverLedger/internal/observability"
	"LeverLedger/internal/persistence"
	"LeverLedger/internal/projection"
	"LeverLedger/internal/query"
	"LeverLedger/internal/server"
	"LeverLedger/migrations"
)

const replayPageSize = 1000

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:           "leverledger",
		Short:         "Leveraged lending ledger and risk engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "TOML config file (default $"+config.FileEnv+")")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		observability.NewLogger("main").Fatal().Err(err).Msg("leverledger exited")
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := observability.NewLoggerTo(os.Stdout, "leverledger", observability.ParseLogLevel(cfg.LogLevel))
	logger.Info().Msg("LeverLedger starting")

	engineCfg, err := cfg.Engine()
	if err != nil {
		return err
	}

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	var files fs.FS = migrations.FS
	if cfg.Postgres.MigrationsDir != "" {
		files = os.DirFS(cfg.Postgres.MigrationsDir)
	}
	applied, err := persistence.NewMigrator(db, files, logger).Up(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Int("applied", applied).Msg("migrations up to date")

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()
	healthChecker.SetDependency("postgres", true)

	// --- Engine + recovery ---
	// persist channel blocks (backpressure), publish channel drops
	persistChan := make(chan core.Output, cfg.Pipeline.PersistChanSize)
	publishChan := make(chan core.Output, cfg.Pipeline.PublishChanSize)

	engine, err := core.NewEngine(
		engineCfg,
		persistChan,
		publishChan,
		persistence.NewPostgresIdempotencyChecker(db),
		metrics,
		logger.With().Str("component", "core").Logger(),
	)
	if err != nil {
		return err
	}

	snapMgr := persistence.NewSnapshotManager(db)
	stats, err := persistence.Recover(ctx, engine, snapMgr, replayPageSize, metrics, logger)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	logger.Info().
		Int64("snapshot_sequence", stats.SnapshotSequence).
		Int("replayed", stats.Replayed).
		Int64("sequence", stats.LastSequence).
		Dur("took", stats.Duration).
		Msg("recovered")

	runner := core.NewRunner(engine, cfg.Pipeline.IngestQueueSize)

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, logger)
	if err != nil {
		return err
	}
	defer nc.Close()
	healthChecker.SetDependency("nats", true)

	if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
		return fmt.Errorf("ensure NATS streams: %w", err)
	}

	rawChan := make(chan ingestion.RawEvent, cfg.Pipeline.IngestQueueSize)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan, metrics, logger)
	ingestor := ingestion.NewIngestor(runner, rawChan, metrics, logger)

	projectionChan := make(chan core.Output, cfg.Pipeline.PublishChanSize)
	outboundChan := make(chan core.Output, cfg.Pipeline.PublishChanSize)
	publisher := ingestion.NewOutboundPublisher(js, outboundChan, logger)

	// --- Services ---
	queryService := query.NewQueryService(db, runner, metrics)
	api := server.NewAPI(ingestion.NewCommandService(runner), queryService, db, logger)
	srv, err := server.NewServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, api, healthChecker, logger)
	if err != nil {
		return err
	}

	persistWorker := persistence.NewPersistenceWorker(
		db, persistChan, cfg.Pipeline.PersistBatchSize, cfg.Pipeline.PersistFlushTimeout, metrics, logger,
	)
	projWorker := projection.NewProjectionWorker(db, projectionChan, logger)
	snapshots := &snapshotter{
		runner:   runner,
		sm:       snapMgr,
		interval: cfg.Pipeline.SnapshotInterval,
		metrics:  metrics,
		logger:   logger.With().Str("worker", "snapshotter").Logger(),
		last:     stats.SnapshotSequence,
	}

	// --- Goroutines ---
	// The engine goroutine outlives the others so shutdown can still take a
	// final snapshot through it.
	runnerCtx, stopRunner := context.WithCancel(context.Background())
	defer stopRunner()
	runnerDone := make(chan error, 1)
	go func() { runnerDone <- runner.Run(runnerCtx) }()

	ctx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return persistWorker.Run(gctx) })
	g.Go(func() error { return projWorker.Run(gctx) })
	g.Go(func() error { return publisher.Run(gctx) })
	g.Go(func() error {
		fanOut(gctx, publishChan, metrics, projectionChan, outboundChan)
		return nil
	})
	g.Go(func() error { return ingestor.Run(gctx) })
	g.Go(func() error { return srv.StartGRPC(gctx) })
	g.Go(func() error { return srv.StartHTTP(gctx) })
	g.Go(func() error { return serveMetrics(gctx, cfg.Server.MetricsAddr, logger) })
	g.Go(func() error { return snapshots.Run(gctx) })
	g.Go(func() error {
		reportChannels(gctx, metrics, map[string]chan core.Output{
			"persist":    persistChan,
			"publish":    publishChan,
			"projection": projectionChan,
			"outbound":   outboundChan,
		})
		return nil
	})

	if err := subscriber.Subscribe(gctx, ingestion.DefaultSubjects()); err != nil {
		cancelWorkers()
		g.Wait()
		return fmt.Errorf("nats subscribe: %w", err)
	}

	healthChecker.SetReady(true)
	srv.SetServing(true)
	logger.Info().
		Int64("sequence", stats.LastSequence).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("LeverLedger ready")

	err = g.Wait()
	healthChecker.SetReady(false)
	subscriber.Stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker failed, shutting down")
	} else {
		logger.Info().Msg("shutting down")
	}

	// Drain the persist channel while the engine finishes its last command and
	// takes the final snapshot.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	drainDone := make(chan error, 1)
	go func() {
		drainDone <- persistence.NewPersistenceWorker(
			db, persistChan, cfg.Pipeline.PersistBatchSize, cfg.Pipeline.PersistFlushTimeout, metrics, logger,
		).Run(shutdownCtx)
	}()

	if err := snapshots.take(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	}
	stopRunner()
	<-runnerDone

	close(persistChan)
	if err := <-drainDone; err != nil {
		logger.Error().Err(err).Msg("final persist drain failed")
	}
	if n, err := snapMgr.VerifySnapshots(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("snapshot verification failed")
	} else if n > 0 {
		logger.Info().Int64("verified", n).Msg("snapshots verified")
	}

	logger.Info().Msg("LeverLedger shutdown complete")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
