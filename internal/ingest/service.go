package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ruleboard/event-pipeline/internal/anomaly"
	"github.com/ruleboard/event-pipeline/internal/guard"
	"github.com/ruleboard/event-pipeline/internal/privacy"
	"github.com/ruleboard/event-pipeline/internal/ratelimit"
	"go.uber.org/zap"
)

const rateBucket = "events"

// AuditPublisher carries the fire-and-forget audit stream. Failures are
// logged, never propagated.
type AuditPublisher interface {
	Publish(ctx context.Context, key string, value any) error
}

type ServiceConfig struct {
	RateLimit            ratelimit.Limit
	AnomalyWarnThreshold float64
}

// Service is the ingestion pipeline: hash, enrich, burst-filter, dedupe,
// score, persist. Storage failures propagate; everything observability-side
// fails soft.
type Service struct {
	repo    Repository
	limiter *ratelimit.Store
	guards  *guard.Store
	scorer  anomaly.Scorer
	hasher  *privacy.Hasher
	audit   AuditPublisher
	cfg     ServiceConfig
	logger  *zap.Logger

	now func() time.Time
}

func NewService(
	repo Repository,
	limiter *ratelimit.Store,
	guards *guard.Store,
	scorer anomaly.Scorer,
	hasher *privacy.Hasher,
	audit AuditPublisher,
	cfg ServiceConfig,
	logger *zap.Logger,
) *Service {
	return &Service{
		repo:    repo,
		limiter: limiter,
		guards:  guards,
		scorer:  scorer,
		hasher:  hasher,
		audit:   audit,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// RecordEvents runs one client batch through the pipeline and returns the
// per-batch acceptance counts.
func (s *Service) RecordEvents(ctx context.Context, events []IncomingEvent, meta RequestMeta) (Result, error) {
	if len(events) < MinBatchSize {
		return Result{}, ErrEmptyBatch
	}
	if len(events) > MaxBatchSize {
		return Result{}, fmt.Errorf("%w: %d events", ErrBatchTooLarge, len(events))
	}
	for i := range events {
		if err := events[i].Validate(); err != nil {
			return Result{}, fmt.Errorf("event %d: %w", i, err)
		}
	}

	// Identity hashes are derived once per batch; raw values stop here.
	ipHash := s.hasher.HashIP(privacy.ClientIP(meta.ForwardedFor, meta.RealIP, meta.RemoteAddr))
	uaHash := s.hasher.HashUA(privacy.UserAgent(meta.UserAgent))

	if s.limiter != nil {
		key := ratelimit.Key(rateBucket, batchUserID(events), ipHash, uaHash, "")
		if d := s.limiter.Consume(key, len(events), s.cfg.RateLimit); !d.OK {
			s.logger.Warn("Event batch rate limited",
				zap.String("ip_hash", ipHash),
				zap.Int("batch_size", len(events)),
				zap.Duration("retry_after", d.RetryAfter),
			)
			return Result{}, fmt.Errorf("%w: retry after %s", ErrRateLimited, d.RetryAfter)
		}
	}

	now := s.now()
	enriched := make([]enrichedEvent, len(events))
	for i, ev := range events {
		createdAt := now
		if ev.Timestamp != nil {
			createdAt = *ev.Timestamp
		}
		enriched[i] = enrichedEvent{
			IncomingEvent: ev,
			ipHash:        ipHash,
			uaHash:        uaHash,
			createdAt:     createdAt,
		}
	}

	var result Result

	// Burst grouping runs before per-event dedupe: the burst cap sees the
	// whole identical-event group, then the dedupe filter sees whatever
	// survived it.
	survivors := make([]enrichedEvent, 0, len(enriched))
	for _, group := range groupForBurst(enriched) {
		allowed := len(group)
		if s.guards != nil {
			allowed = s.guards.AllowBurst(string(group[0].Type), group[0].RuleID, ipHash, len(group), now)
		}
		result.Blocked += len(group) - allowed

		for _, ev := range group[:allowed] {
			if s.guards != nil && ev.Type == TypeView && ev.RuleID != "" {
				if !s.guards.CountView(ipHash, ev.RuleID, now) {
					result.Deduped++
					continue
				}
			}
			survivors = append(survivors, ev)
		}
	}

	if s.scorer != nil && len(survivors) > 0 {
		// The first surviving event stands in for the whole batch.
		result.Anomalies = s.scoreSample(ctx, ipHash, survivors[0], len(events), result)
	}

	if len(survivors) == 0 {
		s.logger.Debug("Event batch fully suppressed",
			zap.String("ip_hash", ipHash),
			zap.Int("deduped", result.Deduped),
			zap.Int("blocked", result.Blocked),
		)
		return result, nil
	}

	rows := make([]*Event, len(survivors))
	for i, ev := range survivors {
		rows[i] = &Event{
			ID:             uuid.New(),
			Type:           string(ev.Type),
			UserID:         nullable(ev.UserID),
			RuleID:         nullable(ev.RuleID),
			RuleVersionID:  nullable(ev.RuleVersionID),
			IPHash:         ev.ipHash,
			UAHash:         ev.uaHash,
			IdempotencyKey: nullable(ev.IdempotencyKey),
			AmountCents:    ev.AmountCents,
			CreatedAt:      ev.createdAt,
		}
	}

	inserted, err := s.repo.InsertBatch(ctx, rows)
	if err != nil {
		// Silent event loss would corrupt downstream rollups.
		s.logger.Error("Failed to persist event batch", zap.Error(err))
		return Result{}, fmt.Errorf("failed to persist events: %w", err)
	}
	result.Accepted = inserted

	s.publishAudit(ipHash, len(events), result)

	s.logger.Info("Event batch recorded",
		zap.Int("batch_size", len(events)),
		zap.Int("accepted", result.Accepted),
		zap.Int("deduped", result.Deduped),
		zap.Int("blocked", result.Blocked),
		zap.Int("anomalies", result.Anomalies),
	)

	return result, nil
}

func (s *Service) scoreSample(ctx context.Context, ipHash string, sample enrichedEvent, batchSize int, counts Result) int {
	res, err := s.scorer.Score(ctx, ipHash, anomaly.Sample{
		EventType: string(sample.Type),
		RuleID:    sample.RuleID,
		UserID:    sample.UserID,
		BatchSize: batchSize,
		Blocked:   counts.Blocked,
		Deduped:   counts.Deduped,
	})
	if err != nil {
		s.logger.Warn("Anomaly scorer failed", zap.Error(err))
		return 0
	}
	if res.Overall < s.cfg.AnomalyWarnThreshold {
		return 0
	}
	s.logger.Warn("Anomalous event batch",
		zap.String("ip_hash", ipHash),
		zap.Float64("score", res.Overall),
		zap.Any("components", res.Components),
	)
	return 1
}

// publishAudit hands the batch summary to the audit stream on a detached
// goroutine; the request is not held hostage by the bus.
func (s *Service) publishAudit(ipHash string, batchSize int, result Result) {
	if s.audit == nil {
		return
	}

	summary := struct {
		IPHash    string    `json:"ip_hash"`
		BatchSize int       `json:"batch_size"`
		Result    Result    `json:"result"`
		At        time.Time `json:"at"`
	}{ipHash, batchSize, result, s.now()}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.audit.Publish(ctx, ipHash, summary); err != nil {
			s.logger.Warn("Failed to publish audit summary", zap.Error(err))
		}
	}()
}

// groupForBurst buckets a batch by (type, rule) keeping both group order
// and in-group order stable.
func groupForBurst(events []enrichedEvent) [][]enrichedEvent {
	index := make(map[string]int)
	groups := make([][]enrichedEvent, 0, len(events))
	for _, ev := range events {
		key := string(ev.Type) + ":" + ev.RuleID
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], ev)
	}
	return groups
}

func batchUserID(events []IncomingEvent) string {
	for _, ev := range events {
		if ev.UserID != "" {
			return ev.UserID
		}
	}
	return ""
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
