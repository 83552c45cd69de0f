package repository

import (
	"context"

	"outreach-control-plane/internal/audit/domain"
)

// Repository persists audit events. Events are append-only; there is no update or delete.
type Repository interface {
	// Create appends one audit event. The entry must have ID set.
	Create(ctx context.Context, entry *domain.AuditLog) error
	// ListByTenant returns audit events for the tenant, newest first, paginated by limit and offset.
	ListByTenant(ctx context.Context, tenantID string, limit, offset int32) ([]*domain.AuditLog, error)
}
