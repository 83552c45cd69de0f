// Package proxy owns the pool of network egress endpoints and their sticky
// per-(tenant, workspace) allocations.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"outreach-control-plane/internal/audit"
	auditdomain "outreach-control-plane/internal/audit/domain"
	"outreach-control-plane/internal/proxy/domain"
	proxyrepo "outreach-control-plane/internal/proxy/repository"
)

// SessionInvalidator tears down any live automation session for a pair.
// Implemented by the session lifecycle manager; used by ForceReset because a
// proxy swap silently invalidates cookies on the provider side.
type SessionInvalidator interface {
	InvalidateLive(ctx context.Context, tenantID, workspaceID string) error
}

// Orchestrator allocates, reuses, and releases proxy endpoints.
type Orchestrator struct {
	repo        proxyrepo.Repository
	auditLogger audit.AuditLogger
	invalidator SessionInvalidator
	nowF        func() time.Time
}

// NewOrchestrator returns a proxy pool orchestrator. invalidator may be nil
// when no session manager is wired (e.g. seeding).
func NewOrchestrator(repo proxyrepo.Repository, auditLogger audit.AuditLogger, invalidator SessionInvalidator) *Orchestrator {
	return &Orchestrator{
		repo:        repo,
		auditLogger: auditLogger,
		invalidator: invalidator,
		nowF:        func() time.Time { return time.Now().UTC() },
	}
}

// SetInvalidator attaches the session manager after construction. The
// manager allocates through the orchestrator and the orchestrator tears down
// sessions on reset, so one side of the pair is wired late.
func (o *Orchestrator) SetInvalidator(inv SessionInvalidator) {
	o.invalidator = inv
}

// Allocate returns the live allocation for the pair, claiming a fresh endpoint
// from the pool when none exists. Idempotent: repeated calls return the same
// endpoint until it is released. Pool exhaustion is audited and returned as
// domain.ErrPoolExhausted.
func (o *Orchestrator) Allocate(ctx context.Context, tenantID, workspaceID string) (*domain.Allocation, *domain.Endpoint, error) {
	alloc, ep, err := o.repo.GetActive(ctx, tenantID, workspaceID)
	if err != nil {
		return nil, nil, fmt.Errorf("proxy: get active allocation: %w", err)
	}
	if alloc.Active() {
		return alloc, ep, nil
	}

	alloc, ep, err = o.repo.Claim(ctx, uuid.New().String(), tenantID, workspaceID, o.nowF())
	if errors.Is(err, domain.ErrPoolExhausted) {
		if auditErr := o.auditLogger.LogDecision(ctx, tenantID, workspaceID,
			auditdomain.ActionProxyUnavailable, "proxy_pool", "no free endpoint in pool", ""); auditErr != nil {
			return nil, nil, fmt.Errorf("proxy: audit pool exhaustion: %w", auditErr)
		}
		return nil, nil, domain.ErrPoolExhausted
	}
	if err != nil {
		// A concurrent Allocate may have won the partial-index race; the
		// existing allocation is the correct answer in that case.
		if alloc2, ep2, err2 := o.repo.GetActive(ctx, tenantID, workspaceID); err2 == nil && alloc2.Active() {
			return alloc2, ep2, nil
		}
		return nil, nil, fmt.Errorf("proxy: claim endpoint: %w", err)
	}

	o.auditLogger.LogEvent(ctx, tenantID, workspaceID, auditdomain.ActionProxyAllocated, ep.ID, "")
	return alloc, ep, nil
}

// Release tears down the pair's allocation and returns the endpoint to the pool.
// Releasing a pair with no allocation is a no-op.
func (o *Orchestrator) Release(ctx context.Context, tenantID, workspaceID string) error {
	released, err := o.repo.Release(ctx, tenantID, workspaceID, o.nowF())
	if err != nil {
		return fmt.Errorf("proxy: release: %w", err)
	}
	if released {
		o.auditLogger.LogEvent(ctx, tenantID, workspaceID, auditdomain.ActionProxyReleased, "proxy_pool", "")
	}
	return nil
}

// ForceReset invalidates any live session for the pair and then releases its
// allocation, so the next Allocate draws a fresh endpoint.
func (o *Orchestrator) ForceReset(ctx context.Context, tenantID, workspaceID string) error {
	if o.invalidator != nil {
		if err := o.invalidator.InvalidateLive(ctx, tenantID, workspaceID); err != nil {
			return fmt.Errorf("proxy: invalidate session before reset: %w", err)
		}
	}
	if _, err := o.repo.Release(ctx, tenantID, workspaceID, o.nowF()); err != nil {
		return fmt.Errorf("proxy: release on reset: %w", err)
	}
	o.auditLogger.LogEvent(ctx, tenantID, workspaceID, auditdomain.ActionProxyForceReset, "proxy_pool", "")
	return nil
}

// GetAllocation returns the allocation and endpoint by id, for session restore.
func (o *Orchestrator) GetAllocation(ctx context.Context, allocationID string) (*domain.Allocation, *domain.Endpoint, error) {
	return o.repo.GetByID(ctx, allocationID)
}
