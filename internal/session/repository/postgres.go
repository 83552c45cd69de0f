package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"outreach-control-plane/internal/session/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a session repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Get returns the session for the pair, or nil if none exists.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) Get(ctx context.Context, tenantID, workspaceID string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, workspace_id, cookies_enc, captured_at, source, active,
		       allocation_id, profile_name, error_count, last_error_at, created_at, updated_at
		FROM automation_sessions
		WHERE tenant_id = $1 AND workspace_id = $2`,
		tenantID, workspaceID,
	)

	var s domain.Session
	var capturedAt, lastErrorAt sql.NullTime
	var allocationID sql.NullString
	var source string
	err := row.Scan(&s.ID, &s.TenantID, &s.WorkspaceID, &s.CookiesEnc, &capturedAt, &source, &s.Active,
		&allocationID, &s.ProfileName, &s.ErrorCount, &lastErrorAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	s.Source = domain.Source(source)
	if capturedAt.Valid {
		s.CapturedAt = &capturedAt.Time
	}
	if lastErrorAt.Valid {
		s.LastErrorAt = &lastErrorAt.Time
	}
	if allocationID.Valid {
		s.AllocationID = allocationID.String
	}
	return &s, nil
}

// Upsert inserts or replaces the pair's session.
func (r *PostgresRepository) Upsert(ctx context.Context, s *domain.Session) error {
	alloc := sql.NullString{String: s.AllocationID, Valid: s.AllocationID != ""}
	captured := timeToNullTime(s.CapturedAt)
	lastErr := timeToNullTime(s.LastErrorAt)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO automation_sessions
			(id, tenant_id, workspace_id, cookies_enc, captured_at, source, active,
			 allocation_id, profile_name, error_count, last_error_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (tenant_id, workspace_id) DO UPDATE SET
			cookies_enc = EXCLUDED.cookies_enc,
			captured_at = EXCLUDED.captured_at,
			source = EXCLUDED.source,
			active = EXCLUDED.active,
			allocation_id = EXCLUDED.allocation_id,
			profile_name = EXCLUDED.profile_name,
			error_count = EXCLUDED.error_count,
			last_error_at = EXCLUDED.last_error_at,
			updated_at = EXCLUDED.updated_at`,
		s.ID, s.TenantID, s.WorkspaceID, s.CookiesEnc, captured, string(s.Source), s.Active,
		alloc, s.ProfileName, s.ErrorCount, lastErr, s.CreatedAt, s.UpdatedAt,
	)
	return err
}

// MarkInvalid raises the error count to at least floor so the derived status
// reports error until a successful probe heals it. Used when a live probe
// hits a login wall.
func (r *PostgresRepository) MarkInvalid(ctx context.Context, tenantID, workspaceID string, floor int, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE automation_sessions
		SET error_count = GREATEST(error_count, $3), last_error_at = $4, updated_at = $4
		WHERE tenant_id = $1 AND workspace_id = $2`,
		tenantID, workspaceID, floor, at,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotConnected
	}
	return nil
}

// RecordError atomically increments the consecutive error count and returns the new value.
func (r *PostgresRepository) RecordError(ctx context.Context, tenantID, workspaceID string, at time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		UPDATE automation_sessions
		SET error_count = error_count + 1, last_error_at = $3, updated_at = $3
		WHERE tenant_id = $1 AND workspace_id = $2
		RETURNING error_count`,
		tenantID, workspaceID, at,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrNotConnected
	}
	return count, err
}

// ResetErrors zeroes the error count. Returns true when the session had errors to clear.
func (r *PostgresRepository) ResetErrors(ctx context.Context, tenantID, workspaceID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE automation_sessions
		SET error_count = 0, last_error_at = NULL, updated_at = now()
		WHERE tenant_id = $1 AND workspace_id = $2 AND error_count > 0`,
		tenantID, workspaceID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AttachAllocation binds a proxy allocation to the pair's session.
func (r *PostgresRepository) AttachAllocation(ctx context.Context, tenantID, workspaceID, allocationID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE automation_sessions
		SET allocation_id = $3, updated_at = now()
		WHERE tenant_id = $1 AND workspace_id = $2`,
		tenantID, workspaceID, allocationID,
	)
	return err
}

// Disconnect clears cookies, deactivates, and detaches the allocation atomically.
func (r *PostgresRepository) Disconnect(ctx context.Context, tenantID, workspaceID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE automation_sessions
		SET cookies_enc = '', active = FALSE, allocation_id = NULL,
		    error_count = 0, last_error_at = NULL, updated_at = now()
		WHERE tenant_id = $1 AND workspace_id = $2`,
		tenantID, workspaceID,
	)
	return err
}

func timeToNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
