// Package main implements shareledgerd, the share accounting daemon.
// It ingests validated shares and block discoveries from the pool's event
// streams, maintains the per-channel ledgers in a pluggable storage backend,
// and sweeps expired share history on a retention schedule.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bardlex/shareledger/internal/config"
	"github.com/bardlex/shareledger/internal/health"
	"github.com/bardlex/shareledger/internal/ingest"
	"github.com/bardlex/shareledger/internal/metrics"
	"github.com/bardlex/shareledger/internal/store"
	"github.com/bardlex/shareledger/internal/store/badger"
	"github.com/bardlex/shareledger/internal/store/leveldb"
	"github.com/bardlex/shareledger/internal/store/memory"
	"github.com/bardlex/shareledger/internal/store/postgres"
	"github.com/bardlex/shareledger/internal/store/redis"
	"github.com/bardlex/shareledger/pkg/log"
	"github.com/bardlex/shareledger/pkg/retry"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	backend := flag.String("backend", "", "storage backend override (memory|leveldb|badger|redis|postgres)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *backend != "" {
		cfg.Backend = *backend
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting shareledgerd",
		"version", cfg.Version,
		"backend", cfg.Backend,
		"cleanup_interval_hours", cfg.CleanupIntervalHours,
		"max_share_history_days", cfg.MaxShareHistoryDays,
	)

	// Open the storage backend
	st, err := openStore(cfg)
	if err != nil {
		logger.WithError(err).Error("failed to open storage backend")
		os.Exit(1)
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize with retry; a backend that never comes up is fatal
	initCtx, initCancel := context.WithTimeout(ctx, 2*time.Minute)
	err = retry.Do(initCtx, retry.StoreConfig(), func() error {
		return st.Initialize(initCtx)
	})
	initCancel()
	if err != nil {
		logger.WithError(err).Error("failed to initialize storage backend")
		os.Exit(1)
	}
	logger.WithBackend(cfg.Backend).Info("storage backend ready")

	// Health monitor
	monitor := health.NewMonitor(cfg.HealthInterval, logger)
	monitor.Register(ctx, cfg.Backend, st)
	go monitor.Run(ctx)

	// Metrics are best effort; the ledger runs without them
	var recorder *metrics.Recorder
	if cfg.InfluxToken != "" {
		recorder, err = metrics.NewRecorder(&metrics.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		})
		if err != nil {
			logger.WithError(err).Warn("metrics recorder unavailable, continuing without metrics")
			recorder = nil
		} else {
			defer recorder.Close()
		}
	}

	// Kafka ingestion
	kafkaClient := ingest.NewKafkaClient(cfg.KafkaBrokers, logger)
	defer func() {
		if err := kafkaClient.Close(); err != nil {
			logger.WithError(err).Error("failed to close Kafka client")
		}
	}()

	consumer := ingest.NewConsumer(st, kafkaClient, cfg.AckBatchSize, cfg.AckFlushInterval, logger)
	if recorder != nil {
		consumer.SetMetrics(recorder)
	}

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := consumer.Run(ctx, kafkaClient, cfg.KafkaGroupID); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("consumer failed")
			cancel()
		}
	}()

	// ZMQ block discovery feed
	blockWatch, err := ingest.NewBlockWatch(cfg.ZMQEndpoint, consumer, logger)
	if err != nil {
		logger.WithError(err).Error("failed to create block watcher")
		os.Exit(1)
	}
	defer func() {
		if err := blockWatch.Close(); err != nil {
			logger.WithError(err).Error("failed to close block watcher")
		}
	}()

	if err := blockWatch.Connect(); err != nil {
		logger.WithError(err).Error("failed to connect block watcher")
		os.Exit(1)
	}
	go func() {
		if err := blockWatch.Listen(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("block watcher failed")
		}
	}()

	// Retention sweeper, for backends that support pruning
	if pruner, ok := st.(store.Pruner); ok {
		go runRetentionSweeper(ctx, cfg, pruner, recorder, logger)
	} else {
		logger.WithBackend(cfg.Backend).Info("backend does not support pruning, retention sweeps disabled")
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// The consumer's final ack flush writes to the store; it must finish
	// before the store goes away.
	select {
	case <-consumerDone:
	case <-shutdownCtx.Done():
		logger.Warn("timed out waiting for consumer shutdown")
	}

	if err := st.Close(shutdownCtx); err != nil {
		logger.WithError(err).Error("failed to close storage backend")
		os.Exit(1)
	}

	logger.Info("shareledgerd stopped")
}

// openStore constructs the configured storage backend. The store is not
// usable until Initialize succeeds.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Backend {
	case "memory":
		return memory.New(), nil
	case "leveldb":
		return leveldb.New(cfg.DatabasePath), nil
	case "badger":
		return badger.New(badger.Config{Path: cfg.DatabasePath}), nil
	case "redis":
		return redis.New(redis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}), nil
	case "postgres":
		return postgres.New(postgres.Config{
			Host:     cfg.PostgresHost,
			Port:     cfg.PostgresPort,
			Database: cfg.PostgresDatabase,
			User:     cfg.PostgresUser,
			Password: cfg.PostgresPassword,
			SSLMode:  cfg.PostgresSSLMode,
		}), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// runRetentionSweeper prunes share history older than the configured horizon
// on the cleanup interval. Accounting aggregates are never pruned.
func runRetentionSweeper(ctx context.Context, cfg *config.Config, pruner store.Pruner, recorder *metrics.Recorder, logger *log.Logger) {
	logger = logger.WithComponent("retention")
	ticker := time.NewTicker(cfg.CleanupInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-cfg.ShareHistoryHorizon())
			start := time.Now()

			pruned, err := pruner.PruneShares(ctx, cutoff)
			if err != nil {
				logger.WithError(err).Error("retention sweep failed")
				continue
			}

			logger.LogRetentionSweep(cfg.Backend, pruned)
			if recorder != nil {
				recorder.RecordRetentionSweep(cfg.Backend, pruned, time.Since(start))
			}
		}
	}
}
