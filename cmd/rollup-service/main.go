package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruleboard/event-pipeline/internal/config"
	"github.com/ruleboard/event-pipeline/internal/ingest"
	"github.com/ruleboard/event-pipeline/internal/rollup"
	"github.com/ruleboard/event-pipeline/pkg/kafka"
	"github.com/ruleboard/event-pipeline/pkg/logger"
	"github.com/ruleboard/event-pipeline/pkg/postgres"
	"go.uber.org/zap"
)

func main() {
	once := flag.Bool("once", false, "run a single rollup and exit")
	dateStr := flag.String("date", "", "target date YYYY-MM-DD (default: today)")
	dryRun := flag.Bool("dry-run", false, "discover activity but skip all writes")
	daysBack := flag.Int("days-back", 0, "override lookback window in days")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	log, err := logger.New(cfg.LogLevel, cfg.Environment)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}
	defer log.Sync()

	log = logger.WithService(log, "rollup-service")
	log.Info("Starting Rollup Service",
		zap.String("environment", cfg.Environment),
		zap.Int("days_back", cfg.Rollup.DaysBack),
		zap.Bool("dry_run", *dryRun),
	)

	db, err := postgres.New(postgres.Config{
		DSN:             cfg.Postgres.PostgresDSN(),
		MaxOpenConns:    cfg.Postgres.MaxOpenConns,
		MaxIdleConns:    cfg.Postgres.MaxIdleConns,
		ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
	}, log)
	if err != nil {
		log.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	defer db.Close()

	notifier, err := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:          cfg.Kafka.Brokers,
		Topic:            cfg.Kafka.AuditTopic,
		Retries:          cfg.Kafka.ProducerRetries,
		Timeout:          cfg.Kafka.ProducerTimeout,
		RequiredAcks:     cfg.Kafka.RequiredAcks,
		Compression:      cfg.Kafka.CompressionType,
		IdempotentWrites: cfg.Kafka.IdempotentWrites,
		MaxMessageBytes:  cfg.Kafka.MaxMessageBytes,
	}, log)
	if err != nil {
		// The notifier is best effort; the rollup itself does not need it.
		log.Warn("Failed to create notifier, continuing without it", zap.Error(err))
	} else {
		defer notifier.Close()
	}

	service := rollup.NewService(
		rollup.NewRepository(db, log),
		ingest.NewRepository(db, log),
		producerOrNil(notifier),
		rollup.Config{
			DaysBack:             cfg.Rollup.DaysBack,
			DecayLambda:          cfg.Rollup.DecayLambda,
			CapViewsPerIP:        cfg.Rollup.CapViewCountPerIP,
			MaxEventsPerIPPerMin: cfg.Rollup.MaxEventsPerIPPerMin,
			GlobalBoardSize:      cfg.Rollup.GlobalBoardSize,
			ScopedBoardSize:      cfg.Rollup.ScopedBoardSize,
			AllSnapshotWeekday:   cfg.Rollup.AllSnapshotWeekday,
		},
		log,
	)

	targetDate := time.Now().UTC()
	if *dateStr != "" {
		targetDate, err = time.Parse("2006-01-02", *dateStr)
		if err != nil {
			log.Fatal("Invalid -date value", zap.String("date", *dateStr), zap.Error(err))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *once {
		if err := runOnce(ctx, service, targetDate, *dryRun, *daysBack, log); err != nil {
			log.Fatal("Rollup failed", zap.Error(err))
		}
		return
	}

	ticker := time.NewTicker(cfg.Rollup.Schedule)
	defer ticker.Stop()

	// Run immediately on startup, then on the schedule.
	if err := runOnce(ctx, service, time.Now().UTC(), *dryRun, *daysBack, log); err != nil {
		log.Error("Scheduled rollup failed, will retry next tick", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			if err := runOnce(ctx, service, time.Now().UTC(), *dryRun, *daysBack, log); err != nil {
				log.Error("Scheduled rollup failed, will retry next tick", zap.Error(err))
			}
		case <-quit:
			log.Info("Shutting down gracefully...")
			cancel()
			log.Info("Rollup Service stopped")
			return
		}
	}
}

func runOnce(ctx context.Context, service *rollup.Service, targetDate time.Time, dryRun bool, daysBack int, log *zap.Logger) error {
	result, err := service.PerformRollup(ctx, targetDate, dryRun, daysBack)
	if err != nil {
		return err
	}

	log.Info("Rollup run finished",
		zap.Time("target_date", targetDate),
		zap.Int("rules_updated", result.RulesUpdated),
		zap.Int("authors_updated", result.AuthorsUpdated),
		zap.Int("snapshots_daily", result.Snapshots.Daily),
		zap.Int("snapshots_weekly", result.Snapshots.Weekly),
		zap.Int("snapshots_monthly", result.Snapshots.Monthly),
		zap.Int("snapshots_all", result.Snapshots.All),
		zap.Int64("took_ms", result.TookMS),
		zap.Bool("dry_run", result.DryRun),
	)
	return nil
}

// producerOrNil avoids handing the service a typed-nil interface value.
func producerOrNil(p *kafka.Producer) rollup.Notifier {
	if p == nil {
		return nil
	}
	return p
}
