package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/ruleboard/event-pipeline/pkg/postgres"
	"go.uber.org/zap"
)

type Repository interface {
	// InsertBatch persists events with skip-duplicates semantics and
	// reports how many rows were actually inserted.
	InsertBatch(ctx context.Context, events []*Event) (int, error)
	// ListWindow returns every event with created_at in [from, to).
	ListWindow(ctx context.Context, from, to time.Time) ([]*Event, error)
	// ListRuleWindow narrows ListWindow to a single rule.
	ListRuleWindow(ctx context.Context, ruleID string, from, to time.Time) ([]*Event, error)
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

func (r *repository) InsertBatch(ctx context.Context, events []*Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Bare ON CONFLICT DO NOTHING covers both the id key and the partial
	// unique index on idempotency_key.
	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO events (id, event_type, user_id, rule_id, rule_version_id,
			ip_hash, ua_hash, idempotency_key, amount_cents, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, event := range events {
		res, err := stmt.ExecContext(
			ctx,
			event.ID,
			event.Type,
			event.UserID,
			event.RuleID,
			event.RuleVersionID,
			event.IPHash,
			event.UAHash,
			event.IdempotencyKey,
			event.AmountCents,
			event.CreatedAt,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert event: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to read rows affected: %w", err)
		}
		inserted += int(affected)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.logger.Debug("Event batch inserted",
		zap.Int("total", len(events)),
		zap.Int("inserted", inserted),
	)

	return inserted, nil
}

func (r *repository) ListWindow(ctx context.Context, from, to time.Time) ([]*Event, error) {
	query := `
		SELECT id, event_type, user_id, rule_id, rule_version_id,
			ip_hash, ua_hash, idempotency_key, amount_cents, created_at
		FROM events
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at ASC
	`

	var events []*Event
	if err := r.db.SelectContext(ctx, &events, query, from, to); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	return events, nil
}

func (r *repository) ListRuleWindow(ctx context.Context, ruleID string, from, to time.Time) ([]*Event, error) {
	query := `
		SELECT id, event_type, user_id, rule_id, rule_version_id,
			ip_hash, ua_hash, idempotency_key, amount_cents, created_at
		FROM events
		WHERE rule_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at ASC
	`

	var events []*Event
	if err := r.db.SelectContext(ctx, &events, query, ruleID, from, to); err != nil {
		return nil, fmt.Errorf("failed to list rule events: %w", err)
	}

	return events, nil
}
