package repository

import (
	"context"
	"database/sql"

	"outreach-control-plane/internal/audit/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an audit log repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create appends one audit event.
func (r *PostgresRepository) Create(ctx context.Context, entry *domain.AuditLog) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, tenant_id, workspace_id, action, resource, reason, risk_level, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.TenantID, entry.WorkspaceID, entry.Action, entry.Resource,
		entry.Reason, entry.RiskLevel, entry.Metadata, entry.CreatedAt,
	)
	return err
}

// ListByTenant returns audit events for the tenant, newest first.
// Returns (nil, error) only on database errors.
func (r *PostgresRepository) ListByTenant(ctx context.Context, tenantID string, limit, offset int32) ([]*domain.AuditLog, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, workspace_id, action, resource, reason, risk_level, metadata, created_at
		FROM audit_logs
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		tenantID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.AuditLog
	for rows.Next() {
		var a domain.AuditLog
		if err := rows.Scan(&a.ID, &a.TenantID, &a.WorkspaceID, &a.Action, &a.Resource,
			&a.Reason, &a.RiskLevel, &a.Metadata, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
