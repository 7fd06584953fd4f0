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

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"PerpSettle/internal/chain"
	"PerpSettle/internal/config"
	"PerpSettle/internal/core"
	"PerpSettle/internal/exchange"
	"PerpSettle/internal/ingestion"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/persistence"
	"PerpSettle/internal/projection"
	"PerpSettle/internal/query"
	"PerpSettle/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "perpsettle: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := observability.NewLoggerTo(observability.Writer(cfg.LogFormat, os.Stdout), "perpsettle", observability.ParseLogLevel(cfg.LogLevel))
	logger.Info().Msg("PerpSettle starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
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
	if err := persistence.NewMigrator(db, cfg.MigrationsDir, logger.With().Str("component", "migrator").Logger()).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// --- Observability ---
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)
	health := observability.NewHealthChecker()
	health.Register("postgres", db.PingContext)

	errChan := make(chan error, 16)
	spawn := func(name string, fn func(context.Context) error) {
		go func() {
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	// --- Chain context ---
	var (
		chainCtx  chain.Context
		simulated *chain.SimulatedChain
	)
	if cfg.Chain.RPCURL != "" {
		client, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
		if err != nil {
			return fmt.Errorf("dial %s: %w", cfg.Chain.RPCURL, err)
		}
		defer client.Close()

		headers := chain.NewHeaderCache(cfg.Chain.HeaderWindow)
		follower := chain.NewFollower(client, headers, cfg.Chain.PollInterval.Duration, metrics, logger.With().Str("component", "follower").Logger())
		if err := follower.Poll(ctx); err != nil {
			return fmt.Errorf("initial chain poll: %w", err)
		}
		spawn("chain follower", follower.Run)
		chainCtx = headers
	} else {
		simulated = chain.NewSimulatedChain(cfg.Chain.SimulatedSeed, cfg.Chain.StartBlock, uint256.NewInt(cfg.Chain.GasPriceWei))
		chainCtx = simulated
		logger.Warn().Uint64("start_block", cfg.Chain.StartBlock).Msg("no rpc_url configured, using a simulated chain")
	}

	// --- Settlement core ---
	persistChan := make(chan core.Output, cfg.Channels.Persist)
	streamChan := make(chan core.Output, cfg.Channels.Projection)

	// price-sets and client commands are both signed under this salt
	salt := oracle.OracleSalt(uint64(cfg.Chain.ChainID), cfg.Chain.SaltLabel)
	ex := exchange.New(exchange.Options{
		Store:   ledger.NewStore(),
		Chain:   chainCtx,
		Salt:    salt,
		Logger:  logger.With().Str("component", "exchange").Logger(),
		Metrics: metrics,
	})
	dbChecker := persistence.NewCommandLogChecker(db)
	proc := core.NewProcessor(core.Options{
		Exchange:       ex,
		PersistChan:    persistChan,
		ProjectionChan: streamChan,
		DBChecker:      dbChecker,
		DedupCapacity:  cfg.Persistence.DedupCapacity,
		Metrics:        metrics,
		Logger:         logger.With().Str("component", "processor").Logger(),
	})

	// --- Recovery ---
	snapshots, closeSnapshots, err := openSnapshotStore(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeSnapshots()

	commandLog := persistence.NewCommandLog(db)
	report, err := persistence.Recover(ctx, proc, snapshots, commandLog, cfg.Persistence.ReplayPageSize, logger.With().Str("component", "recovery").Logger())
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	keys, err := dbChecker.RecentKeys(ctx, cfg.Persistence.DedupCapacity)
	if err != nil {
		logger.Warn().Err(err).Msg("idempotency warm-up skipped")
	} else {
		proc.WarmLRU(keys)
	}
	if simulated != nil && report.CommandSeq > 0 {
		if err := fastForward(ctx, simulated, commandLog, report.CommandSeq); err != nil {
			return err
		}
	}

	// --- Workers ---
	flushed := make(chan core.Output, cfg.Channels.Flushed)
	projectionIn := make(chan core.Output, cfg.Channels.Flushed)
	publishIn := make(chan core.Output, cfg.Channels.Flushed)

	persistWorker := persistence.NewWorker(db, persistChan, persistence.WorkerOptions{
		BatchSize:    cfg.Persistence.BatchSize,
		FlushTimeout: cfg.Persistence.FlushTimeout.Duration,
		Flushed:      flushed,
		Metrics:      metrics,
		Logger:       logger.With().Str("component", "persistence").Logger(),
	})
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		if err := persistWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()
	spawn("fan-out", func(ctx context.Context) error {
		return fanOut(ctx, flushed, projectionIn, publishIn)
	})

	// Genesis only seeds a brand new log.
	if report.CommandSeq == 0 && cfg.Genesis != nil {
		if err := applyGenesis(ctx, proc, cfg.Genesis); err != nil {
			return err
		}
	}

	snapshotter := persistence.NewSnapshotter(proc, snapshots, commandLog,
		cfg.Persistence.SnapshotEvery, cfg.Persistence.SnapshotInterval.Duration,
		metrics, logger.With().Str("component", "snapshotter").Logger())
	spawn("snapshotter", snapshotter.Run)

	// --- Query side ---
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	defer pool.Close()

	pgStore := query.NewPostgresStore(pool)
	var store query.Store = pgStore
	projWorker := projection.NewWorker(db, projectionIn, commandLog, metrics, logger.With().Str("component", "projection").Logger())
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		health.Register("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })

		cached := query.NewCachedStore(pgStore, rdb, cfg.Cache.TTL.Duration, metrics, logger.With().Str("component", "cache").Logger())
		projWorker.OnApplied(cached.Invalidate)
		store = cached
	}
	spawn("projection worker", projWorker.Run)
	queryService := query.NewQueryService(store, pgStore, proc)

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, logger.With().Str("component", "nats").Logger())
	if err != nil {
		return err
	}
	defer nc.Close()
	health.Register("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("not connected")
		}
		return nil
	})

	if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
		return err
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, logger); err != nil {
		return err
	}
	publisher := ingestion.NewOutboundPublisher(js, publishIn, metrics, logger.With().Str("component", "publisher").Logger())
	spawn("outbound publisher", publisher.Run)

	submit := make(chan core.Submission, cfg.Channels.Submit)
	spawn("processor", func(ctx context.Context) error { return proc.Run(ctx, submit) })

	decoder := ingestion.NewDecoder(salt)
	subscriber := ingestion.NewNATSSubscriber(js, decoder, submit, logger.With().Str("component", "subscriber").Logger())
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		return err
	}
	defer subscriber.Stop()

	// --- Surfaces ---
	hub := server.NewEventHub(metrics, logger.With().Str("component", "stream").Logger())
	spawn("event hub", func(ctx context.Context) error { return hub.Run(ctx, streamChan) })

	router := server.NewRouter(server.Deps{
		Query:   queryService,
		Decoder: decoder,
		Submit:  submit,
		Hub:     hub,
		Health:  health,
		Metrics: metrics,
		Logger:  logger.With().Str("component", "http").Logger(),
	})
	spawn("http server", server.NewServer(cfg.HTTPAddr, router, logger).Start)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	spawn("metrics server", server.NewServer(cfg.MetricsAddr, metricsMux, logger).Start)

	if simulated != nil {
		spawn("block producer", func(ctx context.Context) error {
			return mine(ctx, simulated, cfg.Chain.BlockTime.Duration, metrics)
		})
	}
	spawn("channel metrics", func(ctx context.Context) error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				metrics.SetChannelMetrics("submit", len(submit), cap(submit))
				metrics.SetChannelMetrics("persist", len(persistChan), cap(persistChan))
				metrics.SetChannelMetrics("stream", len(streamChan), cap(streamChan))
				metrics.SetChannelMetrics("flushed", len(flushed), cap(flushed))
			}
		}
	})

	health.SetReady(true)
	commandSeq, eventSeq := proc.Sequence()
	logger.Info().
		Int64("command_seq", commandSeq).
		Int64("event_seq", eventSeq).
		Uint64("block", chainCtx.BlockNumber()).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("PerpSettle ready")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errChan:
		logger.Error().Err(err).Msg("worker failed, shutting down")
	}
	health.SetReady(false)
	stop()

	// The final snapshot is only verifiable once its command is logged.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	select {
	case <-persistDone:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("persistence did not drain before the shutdown deadline")
	}
	if err := snapshotter.Tick(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	}

	logger.Info().Msg("PerpSettle shutdown complete")
	return nil
}

func openSnapshotStore(ctx context.Context, cfg *config.Config, db *sql.DB) (persistence.SnapshotStore, func(), error) {
	if cfg.Persistence.SnapshotBackend == config.SnapshotSQLite {
		s, err := persistence.OpenSQLiteSnapshotStore(ctx, cfg.Persistence.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite snapshots: %w", err)
		}
		return s, func() { s.Close() }, nil
	}
	return persistence.NewPostgresSnapshotStore(db), func() {}, nil
}

func applyGenesis(ctx context.Context, proc *core.Processor, gc *config.GenesisConfig) error {
	g, err := gc.Build()
	if err != nil {
		return err
	}
	cmd, err := core.NewCommand("genesis", core.CmdApplyGenesis, common.Address{}, g)
	if err != nil {
		return err
	}
	if _, err := proc.Process(ctx, cmd); err != nil {
		return fmt.Errorf("apply genesis: %w", err)
	}
	return nil
}

// fastForward moves a restarted simulated chain past the last head the log
// recorded, so requests created before the restart stay executable.
func fastForward(ctx context.Context, sim *chain.SimulatedChain, log *persistence.CommandLog, seq int64) error {
	page, err := log.After(ctx, seq-1, 1)
	if err != nil {
		return fmt.Errorf("read last command: %w", err)
	}
	if len(page) == 0 || page[0].Command.Head == nil {
		return nil
	}
	if head := page[0].Command.Head.BlockNumber; head > sim.BlockNumber() {
		sim.Mine(head - sim.BlockNumber())
	}
	return nil
}

func mine(ctx context.Context, sim *chain.SimulatedChain, every time.Duration, metrics *observability.Metrics) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			metrics.ChainHead.Set(float64(sim.Mine(1)))
		}
	}
}

// fanOut copies each flushed output to the projection worker and the outbound
// publisher. The projection side may drop; it catches up from the event log.
func fanOut(ctx context.Context, in <-chan core.Output, projection, publish chan<- core.Output) error {
	defer close(projection)
	defer close(publish)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-in:
			if !ok {
				return nil
			}
			select {
			case projection <- out:
			default:
			}
			select {
			case publish <- out:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
