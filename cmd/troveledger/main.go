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

	"TroveLedger/internal/clock"
	"TroveLedger/internal/config"
	"TroveLedger/internal/core"
	"TroveLedger/internal/event"
	"TroveLedger/internal/ingestion"
	"TroveLedger/internal/observability"
	"TroveLedger/internal/persistence"
	"TroveLedger/internal/projection"
	"TroveLedger/internal/query"
	"TroveLedger/internal/server"
	"TroveLedger/internal/system"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	var envFile string
	root := &cobra.Command{
		Use:           "troveledger",
		Short:         "Deterministic multi-collateral trove ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	root.Flags().StringVar(&envFile, "env-file", ".env", "optional dotenv file; set variables win")

	if err := root.Execute(); err != nil {
		logger := observability.NewLogger("main")
		logger.Fatal().Err(err).Msg("troveledger failed")
	}
}

func run(cfg config.Config) error {
	component := observability.Components(observability.ParseLogLevel(cfg.LogLevel))
	logger := component("main")
	logger.Info().Msg("TroveLedger starting")

	// --- Context with graceful shutdown ---
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
	logger.Info().Msg("Postgres connected")

	if err := persistence.NewMigrator(db, cfg.MigrationsDir, component("migrate")).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// --- Protocol instance ---
	// The clock only moves with command timestamps, so replay starts from
	// the same reading every time.
	sys, err := system.New(system.Config{
		Stablecoin: cfg.Collateral.StablecoinAddress(),
		Params:     cfg.Params,
		Oracle:     cfg.Oracle,
	}, clock.NewManualClock(time.Unix(0, 0)), component("system"))
	if err != nil {
		return fmt.Errorf("build system: %w", err)
	}
	if err := sys.AddCollateralFile(cfg.Collateral); err != nil {
		return fmt.Errorf("register collateral: %w", err)
	}
	codec := ingestion.NewRegistryCodec(sys.Registry)
	checkpoints := persistence.NewCheckpointStore(db, codec)

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Read models ---
	view := projection.NewTroveView()
	history := projection.NewLiquidationHistory(cfg.LiquidationHistorySize)
	memoryProjection := projection.NewProjectionWorker(nil, view, history, nil, metrics, component("projection"))

	// --- Channels ---
	// Persist channel blocks (backpressure); projection channel drops.
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.PublishChanSize)
	adminChan := make(chan event.Command, cfg.CommandChanSize)
	checkpointChan := make(chan core.Checkpoint, 4)

	// --- Deterministic core ---
	engine, err := core.NewEngine(sys, core.Options{
		PersistChan:         persistChan,
		ProjectionChan:      projectionChan,
		DBChecker:           persistence.NewPostgresIdempotencyChecker(db),
		IdempotencyCapacity: cfg.IdempotencyLRUCapacity,
		Metrics:             metrics,
		Logger:              component("core"),
		ReplayObserver:      func(out core.CoreOutput) { memoryProjection.Apply(ctx, out) },
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	// --- Recovery: replay the command log from genesis ---
	keys, err := checkpoints.RecentIdempotencyKeys(ctx, cfg.IdempotencyLRUCapacity)
	if err != nil {
		return fmt.Errorf("load idempotency keys: %w", err)
	}
	engine.WarmLRU(keys)

	cp, err := checkpoints.LoadLatest(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	commands, err := checkpoints.LoadLog(ctx, 1000)
	if err != nil {
		return fmt.Errorf("load command log: %w", err)
	}
	if err := engine.Replay(ctx, commands, cp); err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	if cp != nil {
		logger.Info().Int64("checkpoint", cp.Sequence).Msg("checkpoint verified")
	}
	if err := projection.RebuildBalances(ctx, db, component("projection")); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, component("nats"))
	if err != nil {
		return err
	}
	defer nc.Close()
	logger.Info().Msg("NATS connected")

	if err := ingestion.EnsureStreams(ctx, js, component("nats")); err != nil {
		return fmt.Errorf("ensure NATS streams: %w", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, component("nats")); err != nil {
		return fmt.Errorf("ensure outbound stream: %w", err)
	}

	rawChan := make(chan ingestion.RawEvent, cfg.CommandChanSize)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan, component("subscriber"))
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	// --- Services ---
	admin := ingestion.NewAdminIngestService(adminChan, engine.ExpectedSequence(event.AdminPartition))
	queryService := query.NewQueryService(db, view, history, sys.Registry, metrics)

	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		DB:            db,
		QueryService:  queryService,
		Admin:         admin,
		Checkpoints:   checkpoints,
		Tokens:        sys.Registry,
		HealthChecker: healthChecker,
		Logger:        component("server"),
	})

	healthChecker.SetStatusFunc(func() map[string]any {
		body := map[string]any{"projected_sequence": view.LastSequence()}
		if st := view.Status(); st != nil {
			body["active_troves"] = st.ActiveTroves
			body["recovery_mode"] = st.RecoveryMode
		}
		return body
	})

	// --- Start goroutines ---
	errChan := make(chan error, 10)

	// 1. Persistence worker
	persistWorker := persistence.NewPersistenceWorker(db, codec, persistChan, persistence.WorkerConfig{
		BatchSize:    cfg.PersistBatchSize,
		FlushTimeout: cfg.PersistFlushTimeout,
		PublishChan:  publishChan,
		Metrics:      metrics,
		Logger:       component("persistence"),
	})
	go func() {
		errChan <- persistWorker.Run(ctx)
	}()

	// 2. Projection worker
	projWorker := projection.NewProjectionWorker(db, view, history, projectionChan, metrics, component("projection"))
	go func() {
		errChan <- projWorker.Run(ctx)
	}()

	// 3. Outbound publisher
	publisher := ingestion.NewOutboundPublisher(js, publishChan, component("publisher"))
	go func() {
		errChan <- publisher.Run(ctx)
	}()

	// 4. Checkpoint writer
	go runCheckpoints(ctx, checkpointChan, checkpoints, metrics, component("checkpoint"))

	// 5. Core loop: the only goroutine touching the engine
	go func() {
		runCore(ctx, engine, codec, rawChan, adminChan, checkpointChan, cfg.CheckpointInterval, component("core"))
	}()

	// 6. gRPC server
	go func() {
		errChan <- grpcServer.StartGRPC(ctx)
	}()

	// 7. HTTP/JSON gateway
	go func() {
		errChan <- grpcServer.StartHTTPGateway(ctx)
	}()

	// 8. Prometheus metrics server
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	grpcServer.SetServing(true)

	logger.Info().
		Int64("sequence", engine.GetSequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("TroveLedger ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("goroutine failed, shutting down")
		}
	}

	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	subscriber.Stop()
	cancel()

	logger.Info().Msg("TroveLedger shutdown complete")
	return nil
}

// runCore decodes broker messages and admin commands and feeds them to the
// engine one at a time. A message is acked once its command is recorded
// (or ignored as a duplicate) and nacked when it arrives out of order.
func runCore(
	ctx context.Context,
	engine *core.Engine,
	codec *ingestion.Codec,
	rawChan <-chan ingestion.RawEvent,
	adminChan <-chan event.Command,
	checkpointChan chan<- core.Checkpoint,
	interval int64,
	logger zerolog.Logger,
) {
	process := func(cmd event.Command) error {
		out, err := engine.Process(ctx, cmd)
		if err != nil {
			return err
		}
		if out != nil && interval > 0 && out.Envelope.Sequence%interval == 0 {
			select {
			case checkpointChan <- engine.Checkpoint():
			default:
				logger.Warn().Int64("sequence", out.Envelope.Sequence).Msg("checkpoint writer busy, skipped")
			}
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return

		case raw := <-rawChan:
			cmd, err := codec.ParseRawEvent(raw)
			if err != nil {
				logger.Warn().Err(err).Str("subject", raw.Subject).Msg("undecodable message dropped")
				raw.AckFunc()
				continue
			}
			if err := process(cmd); err != nil {
				var seqErr *core.ErrSequence
				if errors.As(err, &seqErr) {
					logger.Warn().Err(err).Str("subject", raw.Subject).Msg("command out of order, redelivering")
					raw.NakFunc()
					continue
				}
				logger.Error().Err(err).Str("subject", raw.Subject).Msg("process failed")
				raw.NakFunc()
				continue
			}
			raw.AckFunc()

		case cmd := <-adminChan:
			if err := process(cmd); err != nil {
				logger.Error().Err(err).Str("command", cmd.CommandType().String()).Msg("admin command failed")
			}
		}
	}
}

// runCheckpoints saves checkpoints once the command log has caught up with
// them, so a stored checkpoint never points past the end of the log.
func runCheckpoints(
	ctx context.Context,
	in <-chan core.Checkpoint,
	store *persistence.CheckpointStore,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		var cp core.Checkpoint
		select {
		case <-ctx.Done():
			return
		case cp = <-in:
		}

		for {
			latest, err := store.GetLatestSequence(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("read log head")
			} else if latest >= cp.Sequence {
				break
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}

		if err := store.Save(ctx, cp); err != nil {
			logger.Warn().Err(err).Int64("sequence", cp.Sequence).Msg("checkpoint save failed")
			continue
		}
		metrics.CheckpointTaken.Inc()
		metrics.CheckpointLastSeq.Set(float64(cp.Sequence))
		logger.Info().Int64("sequence", cp.Sequence).Msg("checkpoint saved")
	}
}
