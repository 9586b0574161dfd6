package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"PerpRisk/internal/circuit"
	"PerpRisk/internal/config"
	"PerpRisk/internal/core"
	"PerpRisk/internal/ingestion"
	"PerpRisk/internal/market"
	"PerpRisk/internal/observability"
	"PerpRisk/internal/oracle"
	"PerpRisk/internal/persistence"
	"PerpRisk/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (overrides "+config.ConfigFileEnv+")")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "perprisk: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLoggerWithLevel("perprisk", observability.ParseLogLevel(cfg.Service.LogLevel))

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("perprisk exited")
	}
	logger.Info().Msg("perprisk shutdown complete")
}

// app holds the wired components and the resources to release on exit.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	promReg *prometheus.Registry
	metrics *observability.Metrics
	health  *observability.HealthChecker

	registry *market.Registry
	db       *sql.DB
	rdb      *redis.Client
	nc       *nats.Conn
	js       jetstream.JetStream

	markets    market.Source
	aggregator *oracle.Aggregator
	feeds      []*oracle.FeedSource
	attest     *oracle.FeedSource
	mirror     ingestion.QuoteMirror
	dbIdem     *persistence.PostgresIdempotencyChecker
	engine     *core.Engine
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{
		cfg:      cfg,
		logger:   logger,
		promReg:  prometheus.NewRegistry(),
		health:   observability.NewHealthChecker(),
		registry: market.NewRegistry(),
	}
	a.promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = observability.NewMetrics(a.promReg)
	defer a.close()

	if err := a.connectPostgres(ctx); err != nil {
		return err
	}
	if err := a.loadMarkets(ctx); err != nil {
		return err
	}
	if err := a.connectRedis(ctx); err != nil {
		return err
	}
	if err := a.buildOracle(); err != nil {
		return err
	}
	from, err := a.buildEngine(ctx)
	if err != nil {
		return err
	}
	if err := a.connectNATS(ctx); err != nil {
		return err
	}
	return a.serve(ctx, stop, from)
}

func (a *app) connectPostgres(ctx context.Context) error {
	if !a.cfg.Postgres.Enabled {
		a.logger.Warn().Msg("postgres disabled: intents are not persisted and dedup is memory-only")
		return nil
	}
	pc := a.cfg.Postgres
	db, err := sql.Open("postgres", pc.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	a.db = db
	db.SetMaxOpenConns(pc.MaxOpenConns)
	db.SetMaxIdleConns(pc.MaxIdleConns)
	db.SetConnMaxLifetime(pc.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	a.logger.Info().Msg("postgres connected")

	if err := persistence.NewMigrator(db, pc.MigrationsDir, a.logger).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	a.health.AddCheck("postgres", db.PingContext)
	a.dbIdem = persistence.NewPostgresIdempotencyChecker(db)
	return nil
}

func (a *app) loadMarkets(ctx context.Context) error {
	static, err := a.cfg.StaticMarkets(a.registry)
	if err != nil {
		return fmt.Errorf("markets: %w", err)
	}
	a.markets = static
	if a.db == nil {
		return nil
	}

	store := persistence.NewMarketStore(a.db, a.registry)
	if a.cfg.Markets.Seed {
		markets, _ := static.Markets(ctx)
		for _, m := range markets {
			if err := store.UpsertMarket(ctx, m); err != nil {
				return err
			}
		}
		collaterals, _ := static.Collaterals(ctx)
		for _, c := range collaterals {
			if err := store.UpsertCollateral(ctx, c); err != nil {
				return err
			}
		}
		a.logger.Info().Int("markets", len(markets)).Int("collaterals", len(collaterals)).Msg("market config seeded")
	}
	if a.cfg.Markets.Source == "postgres" {
		a.markets = market.NewTTLSource(store, a.cfg.Markets.CacheTTL)
		a.logger.Info().Dur("ttl", a.cfg.Markets.CacheTTL).Msg("serving market config from postgres")
	}
	return nil
}

func (a *app) connectRedis(ctx context.Context) error {
	if !a.cfg.Redis.Enabled {
		return nil
	}
	rc := a.cfg.Redis
	a.rdb = redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	a.health.AddCheck("redis", func(ctx context.Context) error { return a.rdb.Ping(ctx).Err() })
	a.logger.Info().Str("addr", rc.Addr).Msg("redis connected")
	return nil
}

func (a *app) buildOracle() error {
	a.aggregator = oracle.NewAggregator(oracle.Options{FetchTimeout: a.cfg.Oracle.FetchTimeout},
		a.registry, a.logger.With().Str("component", "oracle").Logger(), a.metrics)

	for _, name := range a.cfg.Oracle.Feeds {
		id, err := a.registry.Source(name)
		if err != nil {
			return err
		}
		feed := oracle.NewFeedSource(id)
		a.feeds = append(a.feeds, feed)
		a.aggregator.RegisterSource(id, feed)
	}
	if name := a.cfg.Oracle.AttestSource; name != "" {
		id, err := a.registry.Source(name)
		if err != nil {
			return err
		}
		a.attest = oracle.NewFeedSource(id)
		a.aggregator.RegisterSource(id, a.attest)
	}
	if a.rdb != nil {
		id, err := a.registry.Source(a.cfg.Redis.Source)
		if err != nil {
			return err
		}
		rs := oracle.NewRedisSource(a.rdb, id, a.registry)
		a.aggregator.RegisterSource(id, rs)
		a.mirror = rs
	}

	for _, pc := range a.cfg.Oracle.Policies {
		pol, err := pc.Build(a.registry)
		if err != nil {
			return err
		}
		if err := a.aggregator.SetPolicy(pol); err != nil {
			return err
		}
	}
	return nil
}

// buildEngine creates the engine and resumes the intent chain. It returns
// the first sequence the workers must deliver.
func (a *app) buildEngine(ctx context.Context) (uint64, error) {
	bcfg, err := a.cfg.Circuit.Build()
	if err != nil {
		return 0, err
	}
	breaker := circuit.New(bcfg, a.registry, a.logger.With().Str("component", "circuit").Logger(), a.metrics)

	ecfg := core.DefaultConfig()
	ecfg.DeficitPolicy = a.cfg.Engine.Deficit()
	ecfg.IdempotencyCacheSize = a.cfg.Engine.IdempotencyLRUCapacity
	ecfg.OutboxRetain = a.cfg.Engine.OutboxRetain

	deps := core.Deps{
		Markets:  a.markets,
		Oracle:   a.aggregator,
		Breaker:  breaker,
		Registry: a.registry,
		Logger:   a.logger.With().Str("component", "engine").Logger(),
		Metrics:  a.metrics,
	}
	if a.dbIdem != nil {
		deps.Idempotency = a.dbIdem
	}
	a.engine, err = core.New(ecfg, deps)
	if err != nil {
		return 0, err
	}
	a.aggregator.SetDivergenceReporter(a.engine.DivergenceReporter())
	a.health.AddCheck("ledger", func(context.Context) error { return a.engine.VerifyLedger() })

	if a.db == nil {
		return 1, nil
	}
	seq, tip, err := persistence.ChainHead(ctx, a.db)
	if err != nil {
		return 0, fmt.Errorf("load chain head: %w", err)
	}
	a.engine.Outbox().Restore(seq, tip)

	keys, err := a.dbIdem.RecentKeys(ctx, a.cfg.Engine.IdempotencyWarmKeys)
	if err != nil {
		return 0, fmt.Errorf("warm idempotency cache: %w", err)
	}
	a.engine.Idempotency().Warm(keys)
	a.logger.Info().Uint64("sequence", seq).Int("warm_keys", len(keys)).Msg("intent chain resumed")
	return seq + 1, nil
}

func (a *app) connectNATS(ctx context.Context) error {
	if !a.cfg.NATS.Enabled {
		a.logger.Warn().Msg("nats disabled: pushed feeds receive no quotes and intents are not published")
		return nil
	}
	nc, js, err := ingestion.ConnectNATS(a.cfg.NATS.URL, a.logger)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	a.nc, a.js = nc, js
	if err := ingestion.EnsureStreams(ctx, js, a.logger); err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}
	a.health.AddCheck("nats", func(context.Context) error {
		if st := nc.Status(); st != nats.CONNECTED {
			return fmt.Errorf("nats %s", st)
		}
		return nil
	})
	return nil
}

// serve runs servers and background loops until ctx is cancelled, then
// closes the outbox and lets the workers drain it.
func (a *app) serve(ctx context.Context, stop context.CancelFunc, from uint64) error {
	// Workers outlive the servers so every committed intent is delivered.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	var workers errgroup.Group

	if a.db != nil {
		pw := persistence.NewPersistenceWorker(a.db, a.engine.Outbox(), a.registry,
			a.cfg.Persist.BatchSize, a.cfg.Persist.FlushTimeout,
			a.logger.With().Str("component", "persistence").Logger(), a.metrics)
		workers.Go(func() error { return worker("persistence", pw.Run(workCtx, from), stop) })
	}

	var sub *ingestion.QuoteSubscriber
	if a.js != nil {
		sub = ingestion.NewQuoteSubscriber(a.js, a.registry, a.feeds, a.mirror,
			a.logger.With().Str("component", "quotes").Logger(), a.metrics)
		if err := sub.Subscribe(ctx); err != nil {
			return fmt.Errorf("quote subscribe: %w", err)
		}
		defer sub.Stop()

		pub := ingestion.NewIntentPublisher(a.js, a.engine.Outbox(), a.registry, a.cfg.NATS.PublishBuffer,
			a.logger.With().Str("component", "publisher").Logger(), a.metrics)
		workers.Go(func() error { return worker("publisher", pub.Run(workCtx, from), stop) })
	}

	svc := server.NewRiskService(server.ServiceDeps{
		Engine:     a.engine,
		Prices:     a.aggregator,
		Registry:   a.registry,
		Attest:     a.attest,
		AdminToken: a.cfg.Service.AdminToken,
		Logger:     a.logger.With().Str("component", "api").Logger(),
	})

	g, gctx := errgroup.WithContext(ctx)
	var grpcSrv *server.GRPCServer
	if addr := a.cfg.Service.GRPCAddr; addr != "" {
		grpcSrv = server.NewGRPCServer(addr, svc, a.logger.With().Str("component", "grpc").Logger(), a.metrics)
		g.Go(func() error { return grpcSrv.StartGRPC(gctx) })
	}
	if addr := a.cfg.Service.HTTPAddr; addr != "" {
		httpSrv, err := server.NewHTTPServer(addr, svc, a.health, a.promReg,
			a.logger.With().Str("component", "http").Logger(), a.metrics)
		if err != nil {
			return err
		}
		g.Go(func() error { return httpSrv.StartHTTP(gctx) })
	}
	g.Go(func() error { return ignoreCanceled(a.engine.RunFunding(gctx, a.cfg.Engine.FundingCheckInterval)) })
	g.Go(func() error { return a.pruneActions(gctx) })

	a.health.SetReady(true)
	if grpcSrv != nil {
		grpcSrv.SetServing(true)
	}
	a.logger.Info().
		Str("grpc", a.cfg.Service.GRPCAddr).
		Str("http", a.cfg.Service.HTTPAddr).
		Str("deficit_policy", a.cfg.Engine.Deficit().String()).
		Uint64("from_sequence", from).
		Msg("perprisk ready")

	serveErr := g.Wait()
	a.health.SetReady(false)
	if serveErr != nil {
		a.logger.Error().Err(serveErr).Msg("server failed, shutting down")
	} else {
		a.logger.Info().Msg("shutting down")
	}

	// no request can append any more; drain and stop the workers
	a.engine.Outbox().Close()
	done := make(chan error, 1)
	go func() { done <- workers.Wait() }()
	var workErr error
	select {
	case workErr = <-done:
	case <-time.After(a.cfg.Service.ShutdownTimeout):
		a.logger.Warn().Dur("timeout", a.cfg.Service.ShutdownTimeout).Msg("workers did not drain in time")
		cancelWork()
		workErr = <-done
	}
	return errors.Join(serveErr, ignoreCanceled(workErr))
}

func (a *app) pruneActions(ctx context.Context) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := a.engine.PruneDeleverageActions(a.cfg.Engine.ActionRetention); n > 0 {
				a.logger.Info().Int("pruned", n).Msg("pruned terminal deleverage actions")
			}
		}
	}
}

func (a *app) close() {
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.logger.Warn().Err(err).Msg("nats drain")
		}
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

// worker stops the service when a worker fails outside shutdown.
func worker(name string, err error, stop context.CancelFunc) error {
	err = ignoreCanceled(err)
	if err != nil {
		stop()
		return fmt.Errorf("%s worker: %w", name, err)
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
