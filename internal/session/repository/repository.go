package repository

import (
	"context"
	"time"

	"outreach-control-plane/internal/session/domain"
)

// Repository persists automation sessions, one row per (tenant, workspace).
type Repository interface {
	// Get returns the session for the pair, or nil if none exists.
	Get(ctx context.Context, tenantID, workspaceID string) (*domain.Session, error)
	// Upsert inserts or replaces the pair's session. The session must have ID set.
	Upsert(ctx context.Context, s *domain.Session) error
	// RecordError atomically increments the consecutive error count and returns the new value.
	RecordError(ctx context.Context, tenantID, workspaceID string, at time.Time) (int, error)
	// ResetErrors zeroes the error count and clears the last error timestamp.
	// Returns true when the session actually had errors to clear.
	ResetErrors(ctx context.Context, tenantID, workspaceID string) (bool, error)
	// MarkInvalid raises the error count to at least floor, setting the last
	// error timestamp, so the derived status reports error immediately.
	MarkInvalid(ctx context.Context, tenantID, workspaceID string, floor int, at time.Time) error
	// AttachAllocation binds a proxy allocation to the pair's session.
	AttachAllocation(ctx context.Context, tenantID, workspaceID, allocationID string) error
	// Disconnect clears cookies, deactivates the session, and detaches its
	// allocation in one statement. Idempotent.
	Disconnect(ctx context.Context, tenantID, workspaceID string) error
}
