package rollup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/ruleboard/event-pipeline/pkg/postgres"
	"go.uber.org/zap"
)

var ErrSnapshotNotFound = errors.New("snapshot not found")

type Repository interface {
	// SaveRollup persists one run's metric rows and snapshots in a single
	// all-or-nothing transaction, including the denormalized current score
	// on the rules table.
	SaveRollup(ctx context.Context, batch *WriteBatch) error
	// ScoreSums aggregates historical metric rows per rule over [from, to).
	ScoreSums(ctx context.Context, from, to time.Time) ([]*ScoreSum, error)
	// RuleSummaries fetches display/join data for the given rules.
	RuleSummaries(ctx context.Context, ruleIDs []string) (map[string]*RuleSummary, error)
	// RuleMetricsRange is the read path for rule detail pages.
	RuleMetricsRange(ctx context.Context, ruleID string, from, to time.Time) ([]*RuleMetricDaily, error)
	// GetSnapshot is the read path for leaderboard pages.
	GetSnapshot(ctx context.Context, period Period, scope Scope, scopeRef string, date time.Time) (*Snapshot, error)
}

type repository struct {
	db     *postgres.DB
	logger *zap.Logger
}

func NewRepository(db *postgres.DB, logger *zap.Logger) Repository {
	return &repository{
		db:     db,
		logger: logger,
	}
}

func (r *repository) SaveRollup(ctx context.Context, batch *WriteBatch) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ruleStmt, err := tx.PreparexContext(ctx, `
		INSERT INTO rule_metrics_daily (date, rule_id, views, copies, saves, forks, votes, score, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (date, rule_id) DO UPDATE SET
			views = EXCLUDED.views,
			copies = EXCLUDED.copies,
			saves = EXCLUDED.saves,
			forks = EXCLUDED.forks,
			votes = EXCLUDED.votes,
			score = EXCLUDED.score,
			updated_at = EXCLUDED.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare rule metric statement: %w", err)
	}
	defer ruleStmt.Close()

	for _, m := range batch.RuleMetrics {
		if _, err := ruleStmt.ExecContext(ctx,
			m.Date, m.RuleID, m.Views, m.Copies, m.Saves, m.Forks, m.Votes, m.Score, m.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to upsert rule metric for %s: %w", m.RuleID, err)
		}

		// Denormalized current score for fast sorted reads elsewhere.
		if _, err := tx.ExecContext(ctx,
			`UPDATE rules SET trending_score = $1 WHERE id = $2`,
			m.Score, m.RuleID,
		); err != nil {
			return fmt.Errorf("failed to update rule score for %s: %w", m.RuleID, err)
		}
	}

	authorStmt, err := tx.PreparexContext(ctx, `
		INSERT INTO author_metrics_daily (date, author_id, views, copies, saves, forks, votes,
			donations, donation_cents, score, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (date, author_id) DO UPDATE SET
			views = EXCLUDED.views,
			copies = EXCLUDED.copies,
			saves = EXCLUDED.saves,
			forks = EXCLUDED.forks,
			votes = EXCLUDED.votes,
			donations = EXCLUDED.donations,
			donation_cents = EXCLUDED.donation_cents,
			score = EXCLUDED.score,
			updated_at = EXCLUDED.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare author metric statement: %w", err)
	}
	defer authorStmt.Close()

	for _, m := range batch.AuthorMetrics {
		if _, err := authorStmt.ExecContext(ctx,
			m.Date, m.AuthorID, m.Views, m.Copies, m.Saves, m.Forks, m.Votes,
			m.Donations, m.DonationCents, m.Score, m.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to upsert author metric for %s: %w", m.AuthorID, err)
		}
	}

	snapStmt, err := tx.PreparexContext(ctx, `
		INSERT INTO leaderboard_snapshots (period, scope, scope_ref, date, entries, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (period, scope, scope_ref, date) DO UPDATE SET
			entries = EXCLUDED.entries,
			updated_at = EXCLUDED.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare snapshot statement: %w", err)
	}
	defer snapStmt.Close()

	for _, snap := range batch.Snapshots {
		if _, err := snapStmt.ExecContext(ctx,
			snap.Period, snap.Scope, snap.ScopeRef, snap.Date, snap.Entries, snap.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to upsert snapshot %s/%s/%s: %w", snap.Period, snap.Scope, snap.ScopeRef, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rollup transaction: %w", err)
	}

	r.logger.Info("Rollup persisted",
		zap.Time("date", batch.Date),
		zap.Int("rule_metrics", len(batch.RuleMetrics)),
		zap.Int("author_metrics", len(batch.AuthorMetrics)),
		zap.Int("snapshots", len(batch.Snapshots)),
	)

	return nil
}

func (r *repository) ScoreSums(ctx context.Context, from, to time.Time) ([]*ScoreSum, error) {
	query := `
		SELECT rule_id,
			COALESCE(SUM(score), 0) AS score,
			COALESCE(SUM(views), 0) AS views,
			COALESCE(SUM(copies), 0) AS copies
		FROM rule_metrics_daily
		WHERE date >= $1 AND date < $2
		GROUP BY rule_id
	`

	var sums []*ScoreSum
	if err := r.db.SelectContext(ctx, &sums, query, from, to); err != nil {
		return nil, fmt.Errorf("failed to sum scores: %w", err)
	}

	return sums, nil
}

func (r *repository) RuleSummaries(ctx context.Context, ruleIDs []string) (map[string]*RuleSummary, error) {
	if len(ruleIDs) == 0 {
		return map[string]*RuleSummary{}, nil
	}

	query := `
		SELECT r.id AS rule_id, r.slug, r.title, r.author_id,
			COALESCE(u.display_name, '') AS author_name,
			COALESCE(r.tags, '{}') AS tags,
			COALESCE(r.model, '') AS model
		FROM rules r
		LEFT JOIN users u ON u.id = r.author_id
		WHERE r.id = ANY($1)
	`

	var rows []*RuleSummary
	if err := r.db.SelectContext(ctx, &rows, query, pq.Array(ruleIDs)); err != nil {
		return nil, fmt.Errorf("failed to load rule summaries: %w", err)
	}

	summaries := make(map[string]*RuleSummary, len(rows))
	for _, row := range rows {
		summaries[row.RuleID] = row
	}
	return summaries, nil
}

func (r *repository) RuleMetricsRange(ctx context.Context, ruleID string, from, to time.Time) ([]*RuleMetricDaily, error) {
	query := `
		SELECT date, rule_id, views, copies, saves, forks, votes, score, updated_at
		FROM rule_metrics_daily
		WHERE rule_id = $1 AND date >= $2 AND date < $3
		ORDER BY date
	`

	var metrics []*RuleMetricDaily
	if err := r.db.SelectContext(ctx, &metrics, query, ruleID, from, to); err != nil {
		return nil, fmt.Errorf("failed to load rule metrics: %w", err)
	}

	return metrics, nil
}

func (r *repository) GetSnapshot(ctx context.Context, period Period, scope Scope, scopeRef string, date time.Time) (*Snapshot, error) {
	query := `
		SELECT period, scope, scope_ref, date, entries, updated_at
		FROM leaderboard_snapshots
		WHERE period = $1 AND scope = $2 AND scope_ref = $3 AND date = $4
	`

	var snap Snapshot
	err := r.db.GetContext(ctx, &snap, query, period, scope, scopeRef, date)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	return &snap, nil
}
