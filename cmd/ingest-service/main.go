package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruleboard/event-pipeline/internal/anomaly"
	"github.com/ruleboard/event-pipeline/internal/config"
	"github.com/ruleboard/event-pipeline/internal/guard"
	"github.com/ruleboard/event-pipeline/internal/ingest"
	"github.com/ruleboard/event-pipeline/internal/privacy"
	"github.com/ruleboard/event-pipeline/internal/ratelimit"
	"github.com/ruleboard/event-pipeline/pkg/kafka"
	"github.com/ruleboard/event-pipeline/pkg/logger"
	"github.com/ruleboard/event-pipeline/pkg/postgres"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	log, err := logger.New(cfg.LogLevel, cfg.Environment)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}
	defer log.Sync()

	log = logger.WithService(log, "ingest-service")
	log.Info("Starting Ingest Service",
		zap.String("environment", cfg.Environment),
		zap.String("intake_topic", cfg.Kafka.IntakeTopic),
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

	audit, err := kafka.NewProducer(kafka.ProducerConfig{
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
		log.Fatal("Failed to create audit producer", zap.Error(err))
	}
	defer audit.Close()

	limiter := ratelimit.New(ratelimit.Config{
		Strategy:      ratelimit.Strategy(cfg.Abuse.RateStrategy),
		SweepInterval: cfg.Abuse.SweepInterval,
		StaleAfter:    cfg.Abuse.StaleAfter,
	}, log)
	defer limiter.Shutdown()

	guards := guard.New(guard.Config{
		ViewDedupeWindow:  cfg.Abuse.ViewDedupeWindow,
		BurstWindow:       cfg.Abuse.BurstWindow,
		MaxPerBurstWindow: cfg.Abuse.MaxIdenticalEventsPerMin,
		SweepInterval:     cfg.Abuse.SweepInterval,
	}, log)
	defer guards.Shutdown()

	service := ingest.NewService(
		ingest.NewRepository(db, log),
		limiter,
		guards,
		anomaly.NewHeuristicScorer(),
		privacy.NewHasher(cfg.Privacy.IPSalt, cfg.Privacy.UASalt),
		audit,
		ingest.ServiceConfig{
			RateLimit: ratelimit.Limit{
				Window: cfg.Abuse.EventsRateWindow,
				Max:    cfg.Abuse.EventsRateLimit,
			},
			AnomalyWarnThreshold: cfg.Abuse.AnomalyWarnThreshold,
		},
		log,
	)

	consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:           cfg.Kafka.Brokers,
		Topics:            []string{cfg.Kafka.IntakeTopic},
		GroupID:           cfg.Kafka.GroupID,
		AutoCommit:        true,
		CommitInterval:    1 * time.Second,
		SessionTimeout:    10 * time.Second,
		RebalanceStrategy: "sticky",
	}, batchHandler(service, log), log)
	if err != nil {
		log.Fatal("Failed to create Kafka consumer", zap.Error(err))
	}
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := consumer.Start(ctx); err != nil {
			log.Error("Consumer error", zap.Error(err))
		}
	}()

	<-consumer.WaitReady()
	log.Info("Kafka consumer is ready and consuming batches")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down gracefully...")
	cancel()

	if !waitDrain(done, 30*time.Second) {
		log.Warn("Consumer did not stop within the shutdown deadline")
	}

	log.Info("Ingest Service stopped")
}

// waitDrain blocks until the consumer goroutine exits or the deadline
// passes, reporting whether it drained in time.
func waitDrain(done <-chan struct{}, timeout time.Duration) bool {
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// batchHandler decodes intake envelopes and feeds them to the pipeline.
// Bad payloads are logged and committed; the intake topic is not a retry
// queue.
func batchHandler(service *ingest.Service, log *zap.Logger) kafka.MessageHandler {
	return func(ctx context.Context, key, value []byte) error {
		var batch ingest.Batch
		if err := json.Unmarshal(value, &batch); err != nil {
			log.Error("Failed to unmarshal intake batch",
				zap.Error(err),
				zap.String("key", string(key)),
			)
			return err
		}

		result, err := service.RecordEvents(ctx, batch.Events, batch.Meta)
		if err != nil {
			return err
		}

		log.Debug("Intake batch processed",
			zap.Int("accepted", result.Accepted),
			zap.Int("deduped", result.Deduped),
			zap.Int("blocked", result.Blocked),
		)
		return nil
	}
}
