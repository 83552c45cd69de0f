// Package safety gates every send path: warm-up schedule, daily caps, and a
// composite risk score with a hard circuit breaker.
package safety

import (
	"context"
	"fmt"
	"time"

	"outreach-control-plane/internal/audit"
	auditdomain "outreach-control-plane/internal/audit/domain"
	"outreach-control-plane/internal/safety/domain"
	"outreach-control-plane/internal/safety/engine"
	"outreach-control-plane/internal/safety/repository"
)

// Config carries the numeric safety policy. All of it is operator tunable.
type Config struct {
	DailyInviteLimit    int
	DailyMessageLimit   int
	WarmupRampDays      int
	WarmupFloorFraction float64
	BreakerThreshold    float64
	ErrorThreshold      int
}

// Engine is the admit/deny gate consumed by every send path. It owns the
// counter rows; callers never mutate counters directly.
type Engine struct {
	repo        repository.Repository
	eval        engine.Evaluator
	auditLogger audit.AuditLogger
	cfg         Config
	nowF        func() time.Time
}

// NewEngine returns a safety engine gating sends with the given evaluator.
func NewEngine(repo repository.Repository, eval engine.Evaluator, auditLogger audit.AuditLogger, cfg Config) *Engine {
	return &Engine{
		repo:        repo,
		eval:        eval,
		auditLogger: auditLogger,
		cfg:         cfg,
		nowF:        func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) nominal(kind domain.ActionKind) int {
	if kind == domain.KindMessage {
		return e.cfg.DailyMessageLimit
	}
	return e.cfg.DailyInviteLimit
}

func (e *Engine) limits(kind domain.ActionKind) engine.Limits {
	return engine.Limits{
		Nominal:          e.nominal(kind),
		RampDays:         e.cfg.WarmupRampDays,
		FloorFraction:    e.cfg.WarmupFloorFraction,
		BreakerThreshold: e.cfg.BreakerThreshold,
	}
}

// Check evaluates whether one action of the given kind may proceed for the
// pair. Deny decisions are audited with reason and risk level before
// returning; an audit write failure blocks the deny from being reported as
// a clean rate limit and surfaces instead.
func (e *Engine) Check(ctx context.Context, tenantID, workspaceID string, kind domain.ActionKind, sessionErrorCount int) (*engine.Decision, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("safety: unknown action kind %q", kind)
	}
	now := e.nowF()
	counters, err := e.repo.EnsureCurrent(ctx, tenantID, workspaceID, now, e.cfg.WarmupRampDays)
	if err != nil {
		return nil, err
	}

	d, err := e.eval.Evaluate(ctx, engine.Input{
		Kind:     kind,
		Counters: counters,
		Session:  engine.SessionSignal{ErrorCount: sessionErrorCount, ErrorThreshold: e.cfg.ErrorThreshold},
		Limits:   e.limits(kind),
		Now:      now,
	})
	if err != nil {
		return nil, fmt.Errorf("safety: evaluate: %w", err)
	}

	if !d.CanProceed {
		if err := e.auditLogger.LogDecision(ctx, tenantID, workspaceID,
			auditdomain.ActionSessionBlocked, string(kind), d.Reason, string(d.RiskLevel)); err != nil {
			return nil, fmt.Errorf("safety: audit block decision: %w", err)
		}
	}
	return &d, nil
}

// RecordSend counts one successful send. The quota guard is re-applied
// inside the row update, so the counter can never pass the adjusted limit
// even under races with the earlier Check.
func (e *Engine) RecordSend(ctx context.Context, tenantID, workspaceID string, kind domain.ActionKind) error {
	now := e.nowF()
	counters, err := e.repo.EnsureCurrent(ctx, tenantID, workspaceID, now, e.cfg.WarmupRampDays)
	if err != nil {
		return err
	}
	limit := engine.AdjustedLimit(e.nominal(kind), counters.WarmupDay, e.cfg.WarmupRampDays,
		counters.WarmingUp, e.cfg.WarmupFloorFraction)
	ok, err := e.repo.IncrementIfBelow(ctx, tenantID, workspaceID, kind, limit, now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: daily %s limit reached", domain.ErrRateLimited, kind)
	}
	return nil
}

// GetPolicy returns the tenant's Rego override, or the built-in default
// policy when none is set, so operators see the baseline they would be
// overriding.
func (e *Engine) GetPolicy(ctx context.Context, tenantID string) (*domain.Policy, error) {
	p, err := e.repo.GetPolicy(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		def := engine.DefaultPolicy()
		def.TenantID = tenantID
		return &def, nil
	}
	return p, nil
}

// SetPolicy installs a tenant Rego override consumed by the OPA evaluator.
// The source must compile; a broken override is rejected here rather than
// degrading every later evaluation to the fallback.
func (e *Engine) SetPolicy(ctx context.Context, tenantID, regoSrc string) error {
	if err := engine.CompilePolicy(regoSrc); err != nil {
		return err
	}
	return e.repo.UpsertPolicy(ctx, &domain.Policy{TenantID: tenantID, Rego: regoSrc})
}
