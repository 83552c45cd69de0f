package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"outreach-control-plane/internal/schedule/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a step repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const stepColumns = `id, campaign_id, contact_id, tenant_id, workspace_id, channel, kind, profile_url, message,
	status, scheduled_at, claimed_at, executed_at, error_message, external_id, created_at`

func scanStep(row interface{ Scan(...any) error }) (*domain.Step, error) {
	var s domain.Step
	var claimed, executed sql.NullTime
	err := row.Scan(&s.ID, &s.CampaignID, &s.ContactID, &s.TenantID, &s.WorkspaceID, &s.Channel,
		&s.Kind, &s.ProfileURL, &s.Message, &s.Status, &s.ScheduledAt, &claimed, &executed,
		&s.ErrorMessage, &s.ExternalID, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	if claimed.Valid {
		s.ClaimedAt = &claimed.Time
	}
	if executed.Valid {
		s.ExecutedAt = &executed.Time
	}
	return &s, nil
}

func collectSteps(rows *sql.Rows) ([]*domain.Step, error) {
	defer rows.Close()
	var steps []*domain.Step
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// InsertBatch persists a batch of new steps in one transaction.
func (r *PostgresRepository) InsertBatch(ctx context.Context, steps []*domain.Step) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("schedule: begin insert batch: %w", err)
	}
	defer tx.Rollback()

	for _, s := range steps {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO scheduled_steps
				(id, campaign_id, contact_id, tenant_id, workspace_id, channel, kind, profile_url, message, status, scheduled_at, error_message)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			s.ID, s.CampaignID, s.ContactID, s.TenantID, s.WorkspaceID, s.Channel,
			s.Kind, s.ProfileURL, s.Message, s.Status, s.ScheduledAt, s.ErrorMessage,
		)
		if err != nil {
			return fmt.Errorf("schedule: insert step: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("schedule: commit insert batch: %w", err)
	}
	return nil
}

// ClaimDue flips up to limit due pending steps to executing. SKIP LOCKED
// keeps concurrent workers from claiming the same row.
func (r *PostgresRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.Step, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE scheduled_steps
		SET status = 'executing', claimed_at = $1
		WHERE id IN (
			SELECT id FROM scheduled_steps
			WHERE status = 'pending' AND scheduled_at <= $1
			ORDER BY scheduled_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+stepColumns,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("schedule: claim due: %w", err)
	}
	steps, err := collectSteps(rows)
	if err != nil {
		return nil, fmt.Errorf("schedule: scan claimed: %w", err)
	}
	return steps, nil
}

// MarkSent finishes a step successfully.
func (r *PostgresRepository) MarkSent(ctx context.Context, stepID, externalID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_steps
		SET status = 'sent', executed_at = $2, external_id = $3, error_message = ''
		WHERE id = $1`,
		stepID, at, externalID,
	)
	if err != nil {
		return fmt.Errorf("schedule: mark sent: %w", err)
	}
	return nil
}

// MarkFailed finishes a step with its verbatim error text, consumed later
// by reclassification.
func (r *PostgresRepository) MarkFailed(ctx context.Context, stepID, errorMessage string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_steps
		SET status = 'failed', executed_at = $2, error_message = $3
		WHERE id = $1`,
		stepID, at, errorMessage,
	)
	if err != nil {
		return fmt.Errorf("schedule: mark failed: %w", err)
	}
	return nil
}

// MarkSkipped records that the step was never attempted.
func (r *PostgresRepository) MarkSkipped(ctx context.Context, stepID, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_steps
		SET status = 'skipped', error_message = $2
		WHERE id = $1`,
		stepID, reason,
	)
	if err != nil {
		return fmt.Errorf("schedule: mark skipped: %w", err)
	}
	return nil
}

// ResetToPending moves a step back to pending at the given time.
func (r *PostgresRepository) ResetToPending(ctx context.Context, stepID string, scheduledAt time.Time, errorMessage string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_steps
		SET status = 'pending', scheduled_at = $2, claimed_at = NULL, error_message = $3
		WHERE id = $1`,
		stepID, scheduledAt, errorMessage,
	)
	if err != nil {
		return fmt.Errorf("schedule: reset to pending: %w", err)
	}
	return nil
}

// MarkReconciled sets a terminal status derived by reconciliation.
func (r *PostgresRepository) MarkReconciled(ctx context.Context, stepID string, status domain.Status, message string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_steps
		SET status = $2, error_message = $3
		WHERE id = $1`,
		stepID, status, message,
	)
	if err != nil {
		return fmt.Errorf("schedule: mark reconciled: %w", err)
	}
	return nil
}

// ListStuck returns executing steps claimed before the cutoff.
func (r *PostgresRepository) ListStuck(ctx context.Context, cutoff time.Time) ([]*domain.Step, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+stepColumns+` FROM scheduled_steps
		WHERE status = 'executing' AND claimed_at IS NOT NULL AND claimed_at <= $1
		ORDER BY claimed_at`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("schedule: list stuck: %w", err)
	}
	return collectSteps(rows)
}

// ListByStatus returns a campaign's steps with the given status.
func (r *PostgresRepository) ListByStatus(ctx context.Context, campaignID string, status domain.Status) ([]*domain.Step, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+stepColumns+` FROM scheduled_steps
		WHERE campaign_id = $1 AND status = $2
		ORDER BY scheduled_at`,
		campaignID, status,
	)
	if err != nil {
		return nil, fmt.Errorf("schedule: list by status: %w", err)
	}
	return collectSteps(rows)
}
