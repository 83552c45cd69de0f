package repository

import (
	"context"
	"time"

	"outreach-control-plane/internal/safety/domain"
)

// Repository defines persistence for safety counters and tenant policy
// overrides. Counter mutations are atomic row updates; callers never write
// back a value they previously read.
type Repository interface {
	// EnsureCurrent returns the pair's counters, creating the row on first
	// use and rolling the 24h window forward when it has elapsed. The window
	// roll zeroes the day's counts, advances the warm-up day, and clears the
	// warming-up flag once rampDays is reached. The roll is guarded by a
	// compare-and-swap on window_started_at so concurrent callers reset it
	// exactly once.
	EnsureCurrent(ctx context.Context, tenantID, workspaceID string, now time.Time, rampDays int) (*domain.Counters, error)

	// IncrementIfBelow adds one send of the given kind iff the day's count is
	// strictly below limit, setting last_sent_at. Returns false when the
	// guard failed and nothing was written.
	IncrementIfBelow(ctx context.Context, tenantID, workspaceID string, kind domain.ActionKind, limit int, now time.Time) (bool, error)

	// GetPolicy returns the tenant's Rego override, or nil when none is set.
	GetPolicy(ctx context.Context, tenantID string) (*domain.Policy, error)
	UpsertPolicy(ctx context.Context, p *domain.Policy) error
}
