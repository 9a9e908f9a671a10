// mulewatch - incremental money-muling risk scoring over a transaction stream
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/mbd888/mulewatch/internal/archive"
	"github.com/mbd888/mulewatch/internal/config"
	"github.com/mbd888/mulewatch/internal/detector"
	"github.com/mbd888/mulewatch/internal/health"
	"github.com/mbd888/mulewatch/internal/ingest"
	"github.com/mbd888/mulewatch/internal/logging"
	"github.com/mbd888/mulewatch/internal/metrics"
	"github.com/mbd888/mulewatch/internal/notify"
	"github.com/mbd888/mulewatch/internal/realtime"
	"github.com/mbd888/mulewatch/internal/risk"
	"github.com/mbd888/mulewatch/internal/server"
	"github.com/mbd888/mulewatch/internal/traces"
	"github.com/mbd888/mulewatch/internal/txstore"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("starting mulewatch",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"retention", cfg.RetentionCapacity,
		"window", cfg.DetectionWindow,
		"threshold", cfg.ReportableThreshold,
		"reason_policy", cfg.ReasonPolicy,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTracing, err := traces.Init(ctx, traces.Config{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceVersion: Version,
		SampleRatio:    cfg.TraceSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			logger.Warn("tracer shutdown", "error", err)
		}
	}()

	checks := health.NewRegistry()

	// Archive (Postgres if DATABASE_URL set, otherwise in-memory)
	var store archive.Store
	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()

		checks.Register("database", health.PingChecker("database", db))
		go metrics.StartDBStatsCollector(ctx, db, 15*time.Second)
		store = archive.NewPostgresStore(db)
		logger.Info("using PostgreSQL archive")
	} else {
		store = archive.NewMemoryStore()
		logger.Info("using in-memory archive")
	}

	// Detection engine
	broker := notify.NewBroker(notify.WithLogger(logging.Component(logger, "notify")))
	det := detector.New(
		txstore.New(cfg.RetentionCapacity),
		risk.NewRuleEngine(cfg.Rules.Rules()...).WithReasonPolicy(cfg.ReasonPolicy),
		risk.NewRegistry(cfg.ReportableThreshold, cfg.Bands),
		detector.WithPublisher(broker),
		detector.WithWindow(cfg.DetectionWindow),
		detector.WithLogger(logging.Component(logger, "detector")),
	)
	engine := detector.NewEngine(det,
		detector.WithQueueSize(cfg.QueueSize),
		detector.WithEngineLogger(logging.Component(logger, "engine")),
	)

	// The engine outlives the HTTP server so that in-flight submissions
	// drain before it stops.
	engineCtx, stopEngine := context.WithCancel(context.Background())
	shutdownEngine := func() {
		stopEngine()
		<-engine.Done()
	}
	defer shutdownEngine()
	go engine.Run(engineCtx)

	hub := realtime.NewHub(logging.Component(logger, "realtime"))
	go hub.Run(ctx)
	defer hub.Attach(broker)()

	srv := server.New(cfg, engine, broker,
		server.WithLogger(logger),
		server.WithHub(hub),
		server.WithHealth(checks),
	)

	archiver := archive.NewArchiver(store, logging.Component(logger, "archive"))
	go archiver.Start(context.Background())
	defer archiver.Stop()

	if err := restore(ctx, cfg, engine, archiver, logger); err != nil {
		return err
	}
	detachArchive := archiver.Attach(broker)

	if cfg.KafkaEnabled() {
		consumer := ingest.NewConsumer(
			ingest.NewReader(ingest.ReaderConfig{
				Brokers: cfg.KafkaBrokers,
				Topic:   cfg.KafkaTopic,
				GroupID: cfg.KafkaGroupID,
			}),
			engine,
			ingest.WithLogger(logging.Component(logger, "ingest")),
		)
		defer func() {
			if err := consumer.Close(); err != nil {
				logger.Warn("ingest close", "error", err)
			}
		}()
		go func() {
			if err := consumer.Run(ctx); err != nil {
				logger.Error("ingest consumer failed", "error", err)
			}
		}()
		logger.Info("kafka ingest enabled", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers)
	}

	srv.SetReady(true)
	err = srv.Run(ctx)

	// Let the final snapshots reach the archive before its writer stops.
	shutdownEngine()
	detachArchive()
	return err
}

// restore re-seeds the engine from the archive. The seed file is only
// loaded into an empty archive.
func restore(ctx context.Context, cfg *config.Config, engine *detector.Engine, archiver *archive.Archiver, logger *slog.Logger) error {
	txs, err := archiver.Restore(ctx, cfg.RetentionCapacity)
	if err != nil {
		return err
	}
	if len(txs) == 0 && cfg.SeedFile != "" {
		txs, err = ingest.LoadSeedFile(cfg.SeedFile, time.Now())
		if err != nil {
			return err
		}
		logger.Info("loaded seed file", "path", cfg.SeedFile, "transactions", len(txs))
	}
	if len(txs) == 0 {
		return nil
	}

	res, err := engine.Seed(ctx, txs)
	if err != nil {
		return fmt.Errorf("seed engine: %w", err)
	}
	logger.Info("engine seeded", "accepted", res.Accepted, "rejected", res.Rejected, "flagged", res.Flagged)
	return nil
}

func openDB(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, errors.Join(errors.New("failed to connect to database"), err)
	}
	return db, nil
}
