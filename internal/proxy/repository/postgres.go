package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"outreach-control-plane/internal/proxy/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a proxy repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const allocationColumns = `a.id, a.endpoint_id, a.tenant_id, a.workspace_id, a.allocated_at, a.released_at,
	e.id, e.host, e.port, e.username, e.password_enc, e.sticky_id, e.allocated, e.created_at`

func scanAllocation(row interface{ Scan(...any) error }) (*domain.Allocation, *domain.Endpoint, error) {
	var a domain.Allocation
	var e domain.Endpoint
	var released sql.NullTime
	err := row.Scan(&a.ID, &a.EndpointID, &a.TenantID, &a.WorkspaceID, &a.AllocatedAt, &released,
		&e.ID, &e.Host, &e.Port, &e.Username, &e.PasswordEnc, &e.StickyID, &e.Allocated, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	if released.Valid {
		a.ReleasedAt = &released.Time
	}
	return &a, &e, nil
}

// GetActive returns the live allocation and its endpoint for the pair, or (nil, nil, nil) when none exists.
func (r *PostgresRepository) GetActive(ctx context.Context, tenantID, workspaceID string) (*domain.Allocation, *domain.Endpoint, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+allocationColumns+`
		FROM proxy_allocations a
		JOIN proxy_endpoints e ON e.id = a.endpoint_id
		WHERE a.tenant_id = $1 AND a.workspace_id = $2 AND a.released_at IS NULL`,
		tenantID, workspaceID,
	)
	return scanAllocation(row)
}

// GetByID returns the allocation and its endpoint, or (nil, nil, nil) if not found.
func (r *PostgresRepository) GetByID(ctx context.Context, allocationID string) (*domain.Allocation, *domain.Endpoint, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+allocationColumns+`
		FROM proxy_allocations a
		JOIN proxy_endpoints e ON e.id = a.endpoint_id
		WHERE a.id = $1`,
		allocationID,
	)
	return scanAllocation(row)
}

// Claim draws a free endpoint and records the allocation in one transaction.
// FOR UPDATE SKIP LOCKED keeps two concurrent claims off the same endpoint row;
// the partial unique index on active pairs rejects a second allocation for the
// same (tenant, workspace).
func (r *PostgresRepository) Claim(ctx context.Context, allocationID, tenantID, workspaceID string, now time.Time) (*domain.Allocation, *domain.Endpoint, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var e domain.Endpoint
	err = tx.QueryRowContext(ctx, `
		SELECT id, host, port, username, password_enc, sticky_id, allocated, created_at
		FROM proxy_endpoints
		WHERE NOT allocated
		ORDER BY created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
	).Scan(&e.ID, &e.Host, &e.Port, &e.Username, &e.PasswordEnc, &e.StickyID, &e.Allocated, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, domain.ErrPoolExhausted
		}
		return nil, nil, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE proxy_endpoints SET allocated = TRUE WHERE id = $1`, e.ID); err != nil {
		return nil, nil, err
	}

	a := &domain.Allocation{
		ID:          allocationID,
		EndpointID:  e.ID,
		TenantID:    tenantID,
		WorkspaceID: workspaceID,
		AllocatedAt: now,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO proxy_allocations (id, endpoint_id, tenant_id, workspace_id, allocated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.EndpointID, a.TenantID, a.WorkspaceID, a.AllocatedAt,
	); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	e.Allocated = true
	return a, &e, nil
}

// Release tears down the live allocation for the pair and frees its endpoint.
func (r *PostgresRepository) Release(ctx context.Context, tenantID, workspaceID string, now time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var endpointID string
	err = tx.QueryRowContext(ctx, `
		UPDATE proxy_allocations
		SET released_at = $3
		WHERE tenant_id = $1 AND workspace_id = $2 AND released_at IS NULL
		RETURNING endpoint_id`,
		tenantID, workspaceID, now,
	).Scan(&endpointID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE proxy_endpoints SET allocated = FALSE WHERE id = $1`, endpointID); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// UpsertEndpoint inserts or refreshes a pool endpoint keyed by (host, port, sticky_id).
func (r *PostgresRepository) UpsertEndpoint(ctx context.Context, e *domain.Endpoint) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO proxy_endpoints (id, host, port, username, password_enc, sticky_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (host, port, sticky_id)
		DO UPDATE SET username = EXCLUDED.username, password_enc = EXCLUDED.password_enc`,
		e.ID, e.Host, e.Port, e.Username, e.PasswordEnc, e.StickyID, e.CreatedAt,
	)
	return err
}

// CountFree returns the number of unallocated endpoints in the pool.
func (r *PostgresRepository) CountFree(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM proxy_endpoints WHERE NOT allocated`).Scan(&n)
	return n, err
}
