package repository

import (
	"context"
	"time"

	"outreach-control-plane/internal/proxy/domain"
)

// Repository persists proxy endpoints and their allocations.
//
// Claim and Release must be atomic with respect to concurrent callers: two
// Claims must never hand out the same endpoint, and the partial unique index
// on active (tenant, workspace) pairs backs the at-most-one-allocation
// invariant at the row level.
type Repository interface {
	// GetActive returns the live allocation and its endpoint for the pair, or (nil, nil, nil) when none exists.
	GetActive(ctx context.Context, tenantID, workspaceID string) (*domain.Allocation, *domain.Endpoint, error)
	// GetByID returns the allocation and its endpoint, or (nil, nil, nil) if not found.
	GetByID(ctx context.Context, allocationID string) (*domain.Allocation, *domain.Endpoint, error)
	// Claim draws a free endpoint from the pool and records the allocation.
	// Returns domain.ErrPoolExhausted when no free endpoint remains.
	Claim(ctx context.Context, allocationID, tenantID, workspaceID string, now time.Time) (*domain.Allocation, *domain.Endpoint, error)
	// Release tears down the live allocation for the pair and returns the endpoint to the pool.
	// Returns false when the pair had no live allocation.
	Release(ctx context.Context, tenantID, workspaceID string, now time.Time) (bool, error)
	// UpsertEndpoint inserts or refreshes a pool endpoint. Used by seeding.
	UpsertEndpoint(ctx context.Context, e *domain.Endpoint) error
	// CountFree returns the number of unallocated endpoints in the pool.
	CountFree(ctx context.Context) (int, error)
}
