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

	"LendLedger/internal/config"
	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/observability"
	"LendLedger/internal/persistence"
	"LendLedger/internal/projection"
	"LendLedger/internal/protocol"
	"LendLedger/internal/query"
	"LendLedger/internal/server"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	replayBatchSize = 1000
	snapshotsKept   = 3
)

func main() {
	cfg := config.FromEnv()
	logger := observability.NewLoggerWithLevel("lendledger", observability.ParseLogLevel(cfg.LogLevel))
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("lendledger stopped")
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	logger.Info().Str("protocol_file", cfg.ProtocolFile).Msg("LendLedger starting")

	protoCfg, err := config.LoadProtocol(cfg.ProtocolFile)
	if err != nil {
		return fmt.Errorf("load protocol: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

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
	logger.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, os.DirFS(cfg.MigrationsDir), logger.With().Str("component", "migrator").Logger())
	if err := migrator.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()
	snapMgr := persistence.NewSnapshotManager(db)

	// Persistence blocks the core; projections and publication drop.
	persistCoreChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	persistWorkerChan := make(chan persistence.CoreOutput, cfg.PersistChanSize)
	projectionWorkerChan := make(chan projection.ProjectionOutput, cfg.ProjectionChanSize)
	publishChan := make(chan ingestion.PublishableBatch, cfg.PublishChanSize)

	newCore := func() (*core.DeterministicCore, error) {
		proto, err := protocol.New(protoCfg)
		if err != nil {
			return nil, fmt.Errorf("build protocol: %w", err)
		}
		return core.NewDeterministicCore(
			1,
			proto,
			persistCoreChan,
			projectionCoreChan,
			persistence.NewPostgresIdempotencyChecker(db),
			metrics,
			core.WithLogger(logger.With().Str("component", "core").Logger()),
			core.WithLRUCapacity(cfg.IdempotencyLRUCapacity),
		), nil
	}

	// --- Recovery ---
	ledgerCore, err := recoverCore(ctx, newCore, snapMgr, cfg.IdempotencyLRUCapacity, metrics, logger)
	if err != nil {
		return err
	}
	healthChecker.SetSequence(ledgerCore.GetSequence() - 1)

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, logger.With().Str("component", "nats").Logger())
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
		return fmt.Errorf("ensure NATS streams: %w", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, logger); err != nil {
		return fmt.Errorf("ensure outbound stream: %w", err)
	}

	rawEventChan := make(chan ingestion.RawEvent, 4096)
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawEventChan, logger.With().Str("component", "subscriber").Logger())
	if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	commandChan := make(chan event.Event, 4096)
	ingestService := ingestion.NewIngestService(commandChan)

	proc := &processor{
		core:          ledgerCore,
		rawEvents:     rawEventChan,
		commands:      commandChan,
		snapshots:     make(chan snapshotRequest),
		snapMgr:       snapMgr,
		interval:      cfg.SnapshotInterval,
		lastSnapshot:  ledgerCore.GetSequence() - 1,
		metrics:       metrics,
		health:        healthChecker,
		logger:        logger.With().Str("component", "processor").Logger(),
		persistChan:   persistCoreChan,
		projectChan:   projectionCoreChan,
		rawCapacity:   cap(rawEventChan),
		cmdCapacity:   cap(commandChan),
		persistCap:    cap(persistCoreChan),
		projectionCap: cap(projectionCoreChan),
	}

	srv := server.NewServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Queries:  query.NewQueryService(db),
		Commands: ingestService,
		EventLog: snapMgr,
		Snapshot: proc.RequestSnapshot,
		RebuildLiquidations: func(ctx context.Context) (int64, error) {
			return projection.RebuildLiquidations(ctx, db)
		},
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Logger:        logger.With().Str("component", "server").Logger(),
		StartTime:     time.Now(),
	})

	// --- Goroutines ---
	errChan := make(chan error, 8)
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	persistWorker := persistence.NewPersistenceWorker(db, persistWorkerChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics,
		logger.With().Str("component", "persistence").Logger())
	projWorker := projection.NewProjectionWorker(db, projectionWorkerChan, metrics,
		logger.With().Str("component", "projection").Logger())
	publisher := ingestion.NewOutboundPublisher(js, publishChan, logger.With().Str("component", "publisher").Logger())

	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		if err := persistWorker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()
	go func() {
		if err := projWorker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("projection worker: %w", err)
		}
	}()
	go func() {
		if err := publisher.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("outbound publisher: %w", err)
		}
	}()
	go bridgeCoreOutputs(persistCoreChan, projectionCoreChan, persistWorkerChan, projectionWorkerChan, publishChan, metrics, logger)

	procDone := make(chan struct{})
	go func() {
		defer close(procDone)
		proc.Run(ctx)
	}()

	go func() {
		if err := srv.StartGRPC(ctx); err != nil {
			errChan <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		if err := srv.StartHTTPGateway(ctx); err != nil {
			errChan <- fmt.Errorf("http gateway: %w", err)
		}
	}()
	go func() {
		if err := serveMetrics(ctx, cfg.MetricsAddr, logger); err != nil {
			errChan <- err
		}
	}()

	srv.SetServing(true)
	logger.Info().
		Int64("sequence", ledgerCore.GetSequence()-1).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("LendLedger ready")

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake, let the processor finish its current command, snapshot,
	// then drain the workers through channel close.
	srv.SetServing(false)
	natsSubscriber.Stop()
	ingestService.Close()
	cancel()
	<-procDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if seq, err := takeSnapshot(shutdownCtx, ledgerCore, snapMgr, metrics); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Int64("sequence", seq).Msg("final snapshot saved")
	}

	close(persistCoreChan)
	close(projectionCoreChan)
	select {
	case <-persistDone:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("persistence did not drain before timeout")
	}
	stopWorkers()

	logger.Info().Msg("LendLedger shutdown complete")
	return nil
}

// recoverCore restores the latest verified snapshot, if any, and replays
// the event log after it. A snapshot that fails to import is discarded in
// favour of a full replay.
func recoverCore(
	ctx context.Context,
	newCore func() (*core.DeterministicCore, error),
	snapMgr *persistence.SnapshotManager,
	lruCapacity int,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (*core.DeterministicCore, error) {
	c, err := newCore()
	if err != nil {
		return nil, err
	}

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("load snapshot failed, replaying from genesis")
	}
	restored := false
	if snap != nil {
		if err := c.RestoreFromSnapshot(snap); err != nil {
			logger.Warn().Err(err).Int64("sequence", snap.Sequence).Msg("snapshot restore failed, replaying from genesis")
			if c, err = newCore(); err != nil {
				return nil, err
			}
		} else {
			restored = true
			logger.Info().Int64("sequence", snap.Sequence).Msg("restored snapshot")
		}
	}
	if !restored {
		keys, err := snapMgr.RecentIdempotencyKeys(ctx, lruCapacity)
		if err != nil {
			logger.Warn().Err(err).Msg("warm idempotency LRU failed")
		} else {
			c.WarmLRU(keys)
		}
	}

	start := time.Now()
	replayed := 0
	for {
		envs, err := snapMgr.LoadEventsFrom(ctx, c.GetSequence(), replayBatchSize)
		if err != nil {
			return nil, fmt.Errorf("load events from %d: %w", c.GetSequence(), err)
		}
		if len(envs) == 0 {
			break
		}
		for _, env := range envs {
			if err := c.ReplayEnvelope(env); err != nil {
				return nil, fmt.Errorf("replay: %w", err)
			}
			replayed++
		}
	}
	// Refused commands since the snapshot still consumed their source
	// sequence and command ID.
	var afterSequence int64
	if restored {
		afterSequence = snap.Sequence
	}
	rejections := 0
	for lastID := int64(0); ; {
		batch, next, err := snapMgr.LoadRejectionsFrom(ctx, afterSequence, lastID, replayBatchSize)
		if err != nil {
			return nil, fmt.Errorf("load rejections: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		for _, r := range batch {
			c.RestoreRejection(r)
		}
		rejections += len(batch)
		lastID = next
	}
	if metrics != nil {
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}

	head, err := snapMgr.GetLatestSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest sequence: %w", err)
	}
	if head != c.GetSequence()-1 {
		return nil, fmt.Errorf("event log has a hole: head %d, replayed to %d", head, c.GetSequence()-1)
	}
	if err := c.Protocol().CheckSolvency(); err != nil {
		return nil, fmt.Errorf("recovered state: %w", err)
	}

	logger.Info().
		Int("replayed", replayed).
		Int("rejections", rejections).
		Int64("sequence", c.GetSequence()-1).
		Dur("took", time.Since(start)).
		Msg("recovery complete")
	return c, nil
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		metricsServer.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
