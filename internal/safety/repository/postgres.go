package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"outreach-control-plane/internal/safety/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a safety repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const counterColumns = `tenant_id, workspace_id, invites_today, messages_today, warmup_day, warming_up, window_started_at, last_sent_at`

func scanCounters(row interface{ Scan(...any) error }) (*domain.Counters, error) {
	var c domain.Counters
	var lastSent sql.NullTime
	err := row.Scan(&c.TenantID, &c.WorkspaceID, &c.InvitesToday, &c.MessagesToday,
		&c.WarmupDay, &c.WarmingUp, &c.WindowStartedAt, &lastSent)
	if err != nil {
		return nil, err
	}
	if lastSent.Valid {
		c.LastSentAt = &lastSent.Time
	}
	return &c, nil
}

// EnsureCurrent returns the pair's counters, creating the row on first use and
// rolling the 24h window when it has elapsed. The roll is a compare-and-swap
// on window_started_at: of N concurrent callers exactly one performs it, the
// rest re-read the rolled row.
func (r *PostgresRepository) EnsureCurrent(ctx context.Context, tenantID, workspaceID string, now time.Time, rampDays int) (*domain.Counters, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO safety_counters (tenant_id, workspace_id, window_started_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, workspace_id) DO NOTHING`,
		tenantID, workspaceID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("safety: ensure counters: %w", err)
	}

	c, err := scanCounters(r.db.QueryRowContext(ctx, `
		SELECT `+counterColumns+` FROM safety_counters
		WHERE tenant_id = $1 AND workspace_id = $2`,
		tenantID, workspaceID,
	))
	if err != nil {
		return nil, fmt.Errorf("safety: load counters: %w", err)
	}
	if !c.WindowElapsed(now) {
		return c, nil
	}

	// One warm-up day advances per elapsed window, including idle days.
	steps := int(now.Sub(c.WindowStartedAt) / domain.Window)
	rolled, err := scanCounters(r.db.QueryRowContext(ctx, `
		UPDATE safety_counters
		SET invites_today = 0,
		    messages_today = 0,
		    warmup_day = warmup_day + $4,
		    warming_up = warming_up AND warmup_day + $4 < $5,
		    window_started_at = $6
		WHERE tenant_id = $1 AND workspace_id = $2 AND window_started_at = $3
		RETURNING `+counterColumns,
		tenantID, workspaceID, c.WindowStartedAt, steps, rampDays, now,
	))
	if err == nil {
		return rolled, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("safety: roll window: %w", err)
	}

	// A concurrent caller rolled the window first.
	c, err = scanCounters(r.db.QueryRowContext(ctx, `
		SELECT `+counterColumns+` FROM safety_counters
		WHERE tenant_id = $1 AND workspace_id = $2`,
		tenantID, workspaceID,
	))
	if err != nil {
		return nil, fmt.Errorf("safety: reload counters: %w", err)
	}
	return c, nil
}

// IncrementIfBelow adds one send of the given kind iff the day's count is
// strictly below limit. The guard lives in the UPDATE itself so two workers
// can never double-spend the last slot.
func (r *PostgresRepository) IncrementIfBelow(ctx context.Context, tenantID, workspaceID string, kind domain.ActionKind, limit int, now time.Time) (bool, error) {
	var column string
	switch kind {
	case domain.KindInvite:
		column = "invites_today"
	case domain.KindMessage:
		column = "messages_today"
	default:
		return false, fmt.Errorf("safety: unknown action kind %q", kind)
	}

	var updated int
	err := r.db.QueryRowContext(ctx, `
		UPDATE safety_counters
		SET `+column+` = `+column+` + 1, last_sent_at = $4
		WHERE tenant_id = $1 AND workspace_id = $2 AND `+column+` < $3
		RETURNING `+column,
		tenantID, workspaceID, limit, now,
	).Scan(&updated)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("safety: increment %s: %w", column, err)
	}
	return true, nil
}

// GetPolicy returns the tenant's Rego override, or nil when none is set.
func (r *PostgresRepository) GetPolicy(ctx context.Context, tenantID string) (*domain.Policy, error) {
	var p domain.Policy
	err := r.db.QueryRowContext(ctx, `
		SELECT tenant_id, rego, updated_at FROM safety_policies WHERE tenant_id = $1`,
		tenantID,
	).Scan(&p.TenantID, &p.Rego, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("safety: load policy: %w", err)
	}
	return &p, nil
}

// UpsertPolicy installs or replaces the tenant's Rego override.
func (r *PostgresRepository) UpsertPolicy(ctx context.Context, p *domain.Policy) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO safety_policies (tenant_id, rego, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (tenant_id) DO UPDATE SET rego = EXCLUDED.rego, updated_at = now()`,
		p.TenantID, p.Rego,
	)
	if err != nil {
		return fmt.Errorf("safety: upsert policy: %w", err)
	}
	return nil
}
