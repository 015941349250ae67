package rollup

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ruleboard/event-pipeline/internal/ingest"
	"go.uber.org/zap"
)

// EventSource is the raw-event read path, satisfied by the ingest
// repository.
type EventSource interface {
	ListWindow(ctx context.Context, from, to time.Time) ([]*ingest.Event, error)
}

// Notifier carries post-rollup notifications (badge awarding and the like).
// Best effort: failures never abort or roll back a completed rollup.
type Notifier interface {
	Publish(ctx context.Context, key string, value any) error
}

type Config struct {
	DaysBack             int
	DecayLambda          float64
	Weights              Weights
	CapViewsPerIP        int
	MaxEventsPerIPPerMin int
	GlobalBoardSize      int
	ScopedBoardSize      int
	AllSnapshotWeekday   time.Weekday
}

// Service converts raw events into daily metric rows and leaderboard
// snapshots. One scheduled run per day; idempotent-by-date upserts make
// accidental overlap wasteful but not corrupting.
type Service struct {
	repo     Repository
	events   EventSource
	notifier Notifier
	cfg      Config
	logger   *zap.Logger

	now func() time.Time
}

func NewService(repo Repository, events EventSource, notifier Notifier, cfg Config, logger *zap.Logger) *Service {
	if cfg.DaysBack <= 0 {
		cfg.DaysBack = 7
	}
	if cfg.DecayLambda <= 0 {
		cfg.DecayLambda = 0.25
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights()
	}
	if cfg.CapViewsPerIP <= 0 {
		cfg.CapViewsPerIP = 10
	}
	if cfg.MaxEventsPerIPPerMin <= 0 {
		cfg.MaxEventsPerIPPerMin = 60
	}
	if cfg.GlobalBoardSize <= 0 {
		cfg.GlobalBoardSize = 100
	}
	if cfg.ScopedBoardSize <= 0 {
		cfg.ScopedBoardSize = 50
	}

	return &Service{
		repo:     repo,
		events:   events,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// PerformRollup aggregates the trailing window ending at targetDate. With
// dryRun set it does the same activity discovery but writes nothing and
// reports placeholder snapshot counts.
func (s *Service) PerformRollup(ctx context.Context, targetDate time.Time, dryRun bool, daysBack int) (*Result, error) {
	started := s.now()
	if daysBack <= 0 {
		daysBack = s.cfg.DaysBack
	}
	day := dateOf(targetDate)

	events, err := s.events.ListWindow(ctx, day.AddDate(0, 0, -daysBack), day.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("failed to read event window: %w", err)
	}

	byRule := make(map[string][]*ingest.Event)
	ruleIDs := make([]string, 0)
	for _, ev := range events {
		if ev.RuleID == nil {
			continue
		}
		id := *ev.RuleID
		if _, seen := byRule[id]; !seen {
			ruleIDs = append(ruleIDs, id)
		}
		byRule[id] = append(byRule[id], ev)
	}
	sort.Strings(ruleIDs)

	summaries, err := s.repo.RuleSummaries(ctx, ruleIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load rule summaries: %w", err)
	}

	ruleMetrics := make([]*RuleMetricDaily, 0, len(ruleIDs))
	for _, id := range ruleIDs {
		days := s.aggregateRule(byRule[id], day, daysBack)
		ruleMetrics = append(ruleMetrics, &RuleMetricDaily{
			Date:      day,
			RuleID:    id,
			Views:     days[0].Views,
			Copies:    days[0].Copies,
			Saves:     days[0].Saves,
			Forks:     days[0].Forks,
			Votes:     days[0].Votes,
			Score:     TrendingScore(days, s.cfg.DecayLambda, s.cfg.Weights),
			UpdatedAt: s.now(),
		})
	}

	authorMetrics := s.aggregateAuthors(events, summaries, day)

	result := &Result{
		RulesUpdated:   len(ruleMetrics),
		AuthorsUpdated: len(authorMetrics),
		DryRun:         dryRun,
	}

	if dryRun {
		result.TookMS = s.now().Sub(started).Milliseconds()
		s.logger.Info("Rollup dry run completed",
			zap.Time("date", day),
			zap.Int("rules", result.RulesUpdated),
			zap.Int("authors", result.AuthorsUpdated),
		)
		return result, nil
	}

	snapshots, counts, err := s.buildSnapshots(ctx, day, ruleMetrics, summaries)
	if err != nil {
		return nil, err
	}
	result.Snapshots = counts

	batch := &WriteBatch{
		Date:          day,
		RuleMetrics:   ruleMetrics,
		AuthorMetrics: authorMetrics,
		Snapshots:     snapshots,
	}
	if err := s.repo.SaveRollup(ctx, batch); err != nil {
		return nil, fmt.Errorf("rollup transaction failed: %w", err)
	}

	s.notifyCompleted(ctx, day, result)

	result.TookMS = s.now().Sub(started).Milliseconds()
	s.logger.Info("Rollup completed",
		zap.Time("date", day),
		zap.Int("rules", result.RulesUpdated),
		zap.Int("authors", result.AuthorsUpdated),
		zap.Int("snapshots", len(snapshots)),
		zap.Int64("took_ms", result.TookMS),
	)

	return result, nil
}

// aggregateRule buckets one rule's events per day with both anti-gaming
// layers applied: a per-IP-per-minute skip during the scan, then a per-IP
// daily view cap. The minute cap repeats ingestion-time burst logic on
// purpose; rollup reprocesses raw history that may have been ingested under
// looser guard settings.
func (s *Service) aggregateRule(events []*ingest.Event, day time.Time, daysBack int) []DayCounts {
	days := make([]DayCounts, daysBack)
	minuteCounts := make(map[string]int)
	viewsByIP := make([]map[string]int, daysBack)

	for _, ev := range events {
		idx := dayIndex(day, ev.CreatedAt)
		if idx < 0 || idx >= daysBack {
			continue
		}

		minuteKey := ev.IPHash + ":" + ev.CreatedAt.UTC().Format("2006-01-02T15:04")
		minuteCounts[minuteKey]++
		if minuteCounts[minuteKey] > s.cfg.MaxEventsPerIPPerMin {
			continue
		}

		switch ingest.Type(ev.Type) {
		case ingest.TypeView:
			if viewsByIP[idx] == nil {
				viewsByIP[idx] = make(map[string]int)
			}
			viewsByIP[idx][ev.IPHash]++
		case ingest.TypeCopy:
			days[idx].Copies++
		case ingest.TypeSave:
			days[idx].Saves++
		case ingest.TypeFork:
			days[idx].Forks++
		case ingest.TypeVote:
			days[idx].Votes++
		}
	}

	for idx, perIP := range viewsByIP {
		for _, n := range perIP {
			if n > s.cfg.CapViewsPerIP {
				n = s.cfg.CapViewsPerIP
			}
			days[idx].Views += n
		}
	}

	return days
}

// aggregateAuthors groups window activity by rule author. Simpler than the
// rule pass: raw type counts plus donation sums, linear score.
func (s *Service) aggregateAuthors(events []*ingest.Event, summaries map[string]*RuleSummary, day time.Time) []*AuthorMetricDaily {
	byAuthor := make(map[string]*AuthorMetricDaily)

	for _, ev := range events {
		if ev.RuleID == nil {
			continue
		}
		summary := summaries[*ev.RuleID]
		if summary == nil || summary.AuthorID == "" {
			continue
		}

		m := byAuthor[summary.AuthorID]
		if m == nil {
			m = &AuthorMetricDaily{Date: day, AuthorID: summary.AuthorID, UpdatedAt: s.now()}
			byAuthor[summary.AuthorID] = m
		}

		switch ingest.Type(ev.Type) {
		case ingest.TypeView:
			m.Views++
		case ingest.TypeCopy:
			m.Copies++
		case ingest.TypeSave:
			m.Saves++
		case ingest.TypeFork:
			m.Forks++
		case ingest.TypeVote:
			m.Votes++
		case ingest.TypeDonate:
			m.Donations++
			if ev.AmountCents != nil {
				m.DonationCents += *ev.AmountCents
			}
		}
	}

	authorIDs := make([]string, 0, len(byAuthor))
	for id := range byAuthor {
		authorIDs = append(authorIDs, id)
	}
	sort.Strings(authorIDs)

	metrics := make([]*AuthorMetricDaily, 0, len(byAuthor))
	for _, id := range authorIDs {
		m := byAuthor[id]
		m.Score = AuthorScore(m)
		metrics = append(metrics, m)
	}
	return metrics
}

func (s *Service) buildSnapshots(
	ctx context.Context,
	day time.Time,
	today []*RuleMetricDaily,
	summaries map[string]*RuleSummary,
) ([]*Snapshot, SnapshotCounts, error) {
	periods := []Period{PeriodDaily, PeriodWeekly, PeriodMonthly}
	if day.Weekday() == s.cfg.AllSnapshotWeekday {
		// The all-time scan is the expensive one; once a week is enough.
		periods = append(periods, PeriodAll)
	}

	candidatesByPeriod := make(map[Period][]*ScoreSum, len(periods))
	for _, period := range periods {
		candidates, err := s.periodCandidates(ctx, period, day, today)
		if err != nil {
			return nil, SnapshotCounts{}, err
		}
		candidatesByPeriod[period] = candidates
	}

	// Longer periods rank rules on historical metric rows alone; those rules
	// had no events in the current window, so their display data is missing
	// from the initial summary fetch.
	if err := s.fillMissingSummaries(ctx, candidatesByPeriod, summaries); err != nil {
		return nil, SnapshotCounts{}, err
	}

	var snapshots []*Snapshot
	var counts SnapshotCounts

	for _, period := range periods {
		periodSnaps, err := s.snapshotsForPeriod(period, day, candidatesByPeriod[period], summaries)
		if err != nil {
			return nil, SnapshotCounts{}, err
		}
		snapshots = append(snapshots, periodSnaps...)

		switch period {
		case PeriodDaily:
			counts.Daily = len(periodSnaps)
		case PeriodWeekly:
			counts.Weekly = len(periodSnaps)
		case PeriodMonthly:
			counts.Monthly = len(periodSnaps)
		case PeriodAll:
			counts.All = len(periodSnaps)
		}
	}

	return snapshots, counts, nil
}

// fillMissingSummaries loads display data for candidate rules absent from
// the summaries map and merges it in.
func (s *Service) fillMissingSummaries(ctx context.Context, byPeriod map[Period][]*ScoreSum, summaries map[string]*RuleSummary) error {
	seen := make(map[string]bool)
	missing := make([]string, 0)
	for _, candidates := range byPeriod {
		for _, c := range candidates {
			if summaries[c.RuleID] == nil && !seen[c.RuleID] {
				seen[c.RuleID] = true
				missing = append(missing, c.RuleID)
			}
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)

	hist, err := s.repo.RuleSummaries(ctx, missing)
	if err != nil {
		return fmt.Errorf("failed to load historical rule summaries: %w", err)
	}
	for id, summary := range hist {
		summaries[id] = summary
	}
	return nil
}

// periodCandidates sums per-rule score/views/copies across [start, day],
// merging historical metric rows with the rows this run is about to write.
func (s *Service) periodCandidates(ctx context.Context, period Period, day time.Time, today []*RuleMetricDaily) ([]*ScoreSum, error) {
	merged := make(map[string]*ScoreSum)

	start := periodStart(period, day)
	if start.Before(day) {
		hist, err := s.repo.ScoreSums(ctx, start, day)
		if err != nil {
			return nil, fmt.Errorf("failed to sum %s scores: %w", period, err)
		}
		for _, sum := range hist {
			merged[sum.RuleID] = &ScoreSum{
				RuleID: sum.RuleID,
				Score:  sum.Score,
				Views:  sum.Views,
				Copies: sum.Copies,
			}
		}
	}

	for _, m := range today {
		sum := merged[m.RuleID]
		if sum == nil {
			sum = &ScoreSum{RuleID: m.RuleID}
			merged[m.RuleID] = sum
		}
		sum.Score += m.Score
		sum.Views += m.Views
		sum.Copies += m.Copies
	}

	candidates := make([]*ScoreSum, 0, len(merged))
	for _, sum := range merged {
		candidates = append(candidates, sum)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].RuleID < candidates[j].RuleID
	})

	return candidates, nil
}

func (s *Service) snapshotsForPeriod(
	period Period,
	day time.Time,
	candidates []*ScoreSum,
	summaries map[string]*RuleSummary,
) ([]*Snapshot, error) {
	var snapshots []*Snapshot

	global, err := s.makeSnapshot(period, ScopeGlobal, "", day, candidates, summaries, s.cfg.GlobalBoardSize)
	if err != nil {
		return nil, err
	}
	snapshots = append(snapshots, global)

	byTag := make(map[string][]*ScoreSum)
	byModel := make(map[string][]*ScoreSum)
	for _, c := range candidates {
		summary := summaries[c.RuleID]
		if summary == nil {
			continue
		}
		for _, tag := range summary.Tags {
			byTag[tag] = append(byTag[tag], c)
		}
		if summary.Model != "" {
			byModel[summary.Model] = append(byModel[summary.Model], c)
		}
	}

	for _, tag := range sortedKeys(byTag) {
		snap, err := s.makeSnapshot(period, ScopeTag, tag, day, byTag[tag], summaries, s.cfg.ScopedBoardSize)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snap)
	}
	for _, model := range sortedKeys(byModel) {
		snap, err := s.makeSnapshot(period, ScopeModel, model, day, byModel[model], summaries, s.cfg.ScopedBoardSize)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snap)
	}

	return snapshots, nil
}

func (s *Service) makeSnapshot(
	period Period,
	scope Scope,
	scopeRef string,
	day time.Time,
	candidates []*ScoreSum,
	summaries map[string]*RuleSummary,
	size int,
) (*Snapshot, error) {
	if len(candidates) > size {
		candidates = candidates[:size]
	}

	entries := make([]SnapshotEntry, 0, len(candidates))
	for i, c := range candidates {
		entry := SnapshotEntry{
			Rank:   i + 1,
			RuleID: c.RuleID,
			Score:  c.Score,
			Views:  c.Views,
			Copies: c.Copies,
		}
		if summary := summaries[c.RuleID]; summary != nil {
			entry.Slug = summary.Slug
			entry.Title = summary.Title
			entry.AuthorID = summary.AuthorID
			entry.AuthorName = summary.AuthorName
		}
		entries = append(entries, entry)
	}

	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot entries: %w", err)
	}

	return &Snapshot{
		Period:    period,
		Scope:     scope,
		ScopeRef:  scopeRef,
		Date:      day,
		Entries:   raw,
		UpdatedAt: s.now(),
	}, nil
}

// notifyCompleted is a fire-and-forget post-rollup task; a dead notifier
// must not fail a committed rollup.
func (s *Service) notifyCompleted(ctx context.Context, day time.Time, result *Result) {
	if s.notifier == nil {
		return
	}
	payload := struct {
		Date   string  `json:"date"`
		Result *Result `json:"result"`
	}{day.Format("2006-01-02"), result}

	if err := s.notifier.Publish(ctx, "rollup:"+day.Format("2006-01-02"), payload); err != nil {
		s.logger.Warn("Post-rollup notification failed", zap.Error(err))
	}
}

func periodStart(period Period, day time.Time) time.Time {
	switch period {
	case PeriodWeekly:
		return day.AddDate(0, 0, -7)
	case PeriodMonthly:
		return day.AddDate(0, -1, 0)
	case PeriodAll:
		return allTimeFloor
	default:
		return day
	}
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dayIndex(day time.Time, at time.Time) int {
	return int(day.Sub(dateOf(at)).Hours() / 24)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
