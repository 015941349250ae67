package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ruleboard/event-pipeline/internal/anomaly"
	"github.com/ruleboard/event-pipeline/internal/guard"
	"github.com/ruleboard/event-pipeline/internal/privacy"
	"github.com/ruleboard/event-pipeline/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRepo struct {
	inserted []*Event
	calls    int
	err      error
}

func (f *fakeRepo) InsertBatch(ctx context.Context, events []*Event) (int, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	f.inserted = append(f.inserted, events...)
	return len(events), nil
}

func (f *fakeRepo) ListWindow(ctx context.Context, from, to time.Time) ([]*Event, error) {
	return nil, nil
}

func (f *fakeRepo) ListRuleWindow(ctx context.Context, ruleID string, from, to time.Time) ([]*Event, error) {
	return nil, nil
}

type fakeScorer struct {
	result anomaly.Result
	err    error
	calls  int
	sample anomaly.Sample
}

func (f *fakeScorer) Score(ctx context.Context, identityKey string, sample anomaly.Sample) (anomaly.Result, error) {
	f.calls++
	f.sample = sample
	return f.result, f.err
}

type fakeAudit struct {
	published chan struct{}
	err       error
}

func (f *fakeAudit) Publish(ctx context.Context, key string, value any) error {
	if f.published != nil {
		select {
		case f.published <- struct{}{}:
		default:
		}
	}
	return f.err
}

type pipelineFixture struct {
	svc    *Service
	repo   *fakeRepo
	scorer *fakeScorer
	guards *guard.Store
}

func newPipeline(t *testing.T) *pipelineFixture {
	t.Helper()

	repo := &fakeRepo{}
	scorer := &fakeScorer{}
	limiter := ratelimit.New(ratelimit.Config{}, zap.NewNop())
	guards := guard.New(guard.Config{
		ViewDedupeWindow:  10 * time.Minute,
		BurstWindow:       time.Minute,
		MaxPerBurstWindow: 30,
	}, zap.NewNop())
	t.Cleanup(limiter.Shutdown)
	t.Cleanup(guards.Shutdown)

	svc := NewService(
		repo,
		limiter,
		guards,
		scorer,
		privacy.NewHasher("ip-salt", "ua-salt"),
		nil,
		ServiceConfig{
			RateLimit:            ratelimit.Limit{Window: time.Minute, Max: 1000},
			AnomalyWarnThreshold: 0.8,
		},
		zap.NewNop(),
	)

	return &pipelineFixture{svc: svc, repo: repo, scorer: scorer, guards: guards}
}

func meta() RequestMeta {
	return RequestMeta{
		ForwardedFor: "203.0.113.9",
		UserAgent:    "Mozilla/5.0",
	}
}

func viewEvents(ruleID string, n int) []IncomingEvent {
	events := make([]IncomingEvent, n)
	for i := range events {
		events[i] = IncomingEvent{Type: TypeView, RuleID: ruleID}
	}
	return events
}

func TestRecordEventsBatchBounds(t *testing.T) {
	f := newPipeline(t)
	ctx := context.Background()

	_, err := f.svc.RecordEvents(ctx, nil, meta())
	assert.ErrorIs(t, err, ErrEmptyBatch)

	_, err = f.svc.RecordEvents(ctx, viewEvents("r1", 101), meta())
	assert.ErrorIs(t, err, ErrBatchTooLarge)

	// Exactly 100 is inside the contract; distinct rules keep the burst
	// guard out of the way.
	events := make([]IncomingEvent, 100)
	for i := range events {
		events[i] = IncomingEvent{Type: TypeVote, RuleID: fmt.Sprintf("rule-%d", i), UserID: "u1"}
	}
	result, err := f.svc.RecordEvents(ctx, events, meta())
	require.NoError(t, err)
	assert.Equal(t, 100, result.Accepted)
}

func TestRecordEventsValidation(t *testing.T) {
	f := newPipeline(t)
	ctx := context.Background()

	_, err := f.svc.RecordEvents(ctx, []IncomingEvent{{Type: "TELEPORT"}}, meta())
	assert.ErrorIs(t, err, ErrInvalidEventType)

	longKey := make([]byte, 256)
	for i := range longKey {
		longKey[i] = 'a'
	}
	_, err = f.svc.RecordEvents(ctx, []IncomingEvent{{Type: TypeView, IdempotencyKey: string(longKey)}}, meta())
	assert.ErrorIs(t, err, ErrIdempotencyKeyTooLong)

	assert.Zero(t, f.repo.calls)
}

func TestRecordEventsViewDedupe(t *testing.T) {
	f := newPipeline(t)

	result, err := f.svc.RecordEvents(context.Background(), viewEvents("r1", 3), meta())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Accepted)
	assert.Equal(t, 2, result.Deduped)
	assert.Equal(t, 0, result.Blocked)
	require.Len(t, f.repo.inserted, 1)
	assert.Equal(t, "VIEW", f.repo.inserted[0].Type)
}

func TestRecordEventsViewDedupeAcrossBatches(t *testing.T) {
	f := newPipeline(t)
	ctx := context.Background()

	first, err := f.svc.RecordEvents(ctx, viewEvents("r1", 1), meta())
	require.NoError(t, err)
	require.Equal(t, 1, first.Accepted)

	second, err := f.svc.RecordEvents(ctx, viewEvents("r1", 1), meta())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Accepted)
	assert.Equal(t, 1, second.Deduped)
}

func TestRecordEventsBurstCap(t *testing.T) {
	f := newPipeline(t)

	events := make([]IncomingEvent, 50)
	for i := range events {
		events[i] = IncomingEvent{Type: TypeCopy, RuleID: "r2"}
	}

	result, err := f.svc.RecordEvents(context.Background(), events, meta())
	require.NoError(t, err)

	assert.Equal(t, 30, result.Accepted)
	assert.Equal(t, 20, result.Blocked)
	assert.Equal(t, 0, result.Deduped)
}

func TestRecordEventsBurstThenDedupe(t *testing.T) {
	f := newPipeline(t)

	// 35 identical views: burst admits 30, dedupe then keeps only the first.
	result, err := f.svc.RecordEvents(context.Background(), viewEvents("r1", 35), meta())
	require.NoError(t, err)

	assert.Equal(t, 5, result.Blocked)
	assert.Equal(t, 29, result.Deduped)
	assert.Equal(t, 1, result.Accepted)
}

func TestRecordEventsGroupsAreIndependent(t *testing.T) {
	f := newPipeline(t)

	events := []IncomingEvent{
		{Type: TypeView, RuleID: "r1"},
		{Type: TypeCopy, RuleID: "r1", UserID: "u1"},
		{Type: TypeVote, RuleID: "r2", UserID: "u1"},
		{Type: TypeView, RuleID: "r2"},
	}

	result, err := f.svc.RecordEvents(context.Background(), events, meta())
	require.NoError(t, err)

	assert.Equal(t, 4, result.Accepted)
	assert.Zero(t, result.Deduped)
	assert.Zero(t, result.Blocked)
}

func TestRecordEventsFullySuppressedSkipsStorage(t *testing.T) {
	f := newPipeline(t)
	ctx := context.Background()

	_, err := f.svc.RecordEvents(ctx, viewEvents("r1", 1), meta())
	require.NoError(t, err)
	require.Equal(t, 1, f.repo.calls)

	result, err := f.svc.RecordEvents(ctx, viewEvents("r1", 2), meta())
	require.NoError(t, err)

	assert.Equal(t, Result{Deduped: 2}, result)
	assert.Equal(t, 1, f.repo.calls, "storage must not be touched for an empty survivor set")
}

func TestRecordEventsStorageFailurePropagates(t *testing.T) {
	f := newPipeline(t)
	f.repo.err = errors.New("connection reset")

	_, err := f.svc.RecordEvents(context.Background(), viewEvents("r1", 1), meta())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to persist events")
}

func TestRecordEventsAnomalySampleOfOne(t *testing.T) {
	f := newPipeline(t)
	f.scorer.result = anomaly.Result{Overall: 0.95}

	events := append(viewEvents("r1", 3), IncomingEvent{Type: TypeVote, RuleID: "r1", UserID: "u1"})
	result, err := f.svc.RecordEvents(context.Background(), events, meta())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Anomalies)
	assert.Equal(t, 1, f.scorer.calls)
	// The first surviving event is the representative sample.
	assert.Equal(t, "VIEW", f.scorer.sample.EventType)
	assert.Equal(t, 4, f.scorer.sample.BatchSize)
}

func TestRecordEventsAnomalyBelowThreshold(t *testing.T) {
	f := newPipeline(t)
	f.scorer.result = anomaly.Result{Overall: 0.2}

	result, err := f.svc.RecordEvents(context.Background(), viewEvents("r1", 1), meta())
	require.NoError(t, err)
	assert.Zero(t, result.Anomalies)
}

func TestRecordEventsAnomalyErrorSwallowed(t *testing.T) {
	f := newPipeline(t)
	f.scorer.err = errors.New("scorer offline")

	result, err := f.svc.RecordEvents(context.Background(), viewEvents("r1", 1), meta())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)
	assert.Zero(t, result.Anomalies)
}

func TestRecordEventsRateLimited(t *testing.T) {
	f := newPipeline(t)
	f.svc.cfg.RateLimit = ratelimit.Limit{Window: time.Minute, Max: 3}

	_, err := f.svc.RecordEvents(context.Background(), viewEvents("r1", 5), meta())
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Zero(t, f.repo.calls)
}

func TestRecordEventsTimestampResolution(t *testing.T) {
	f := newPipeline(t)
	fixed := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return fixed }

	supplied := fixed.Add(-2 * time.Hour)
	events := []IncomingEvent{
		{Type: TypeVote, RuleID: "r1", UserID: "u1", Timestamp: &supplied},
		{Type: TypeSave, RuleID: "r1", UserID: "u1"},
	}

	_, err := f.svc.RecordEvents(context.Background(), events, meta())
	require.NoError(t, err)

	require.Len(t, f.repo.inserted, 2)
	assert.Equal(t, supplied, f.repo.inserted[0].CreatedAt)
	assert.Equal(t, fixed, f.repo.inserted[1].CreatedAt)
}

func TestRecordEventsHashesNotRaw(t *testing.T) {
	f := newPipeline(t)

	_, err := f.svc.RecordEvents(context.Background(), viewEvents("r1", 1), meta())
	require.NoError(t, err)

	row := f.repo.inserted[0]
	assert.NotEmpty(t, row.IPHash)
	assert.NotEqual(t, "203.0.113.9", row.IPHash)
	assert.NotEqual(t, "Mozilla/5.0", row.UAHash)
}

func TestRecordEventsAuditFailureIsSoft(t *testing.T) {
	f := newPipeline(t)
	audit := &fakeAudit{published: make(chan struct{}, 1), err: errors.New("broker down")}
	f.svc.audit = audit

	result, err := f.svc.RecordEvents(context.Background(), viewEvents("r1", 1), meta())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)

	select {
	case <-audit.published:
	case <-time.After(time.Second):
		t.Fatal("audit summary was never published")
	}
}
