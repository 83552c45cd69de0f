// Package worker drains due outreach steps and executes them. Steps for one
// (tenant, workspace) pair run strictly in sequence behind the session pair
// lock; distinct pairs run concurrently. Every action passes the safety gate
// immediately before execution.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"outreach-control-plane/internal/audit"
	auditdomain "outreach-control-plane/internal/audit/domain"
	"outreach-control-plane/internal/executor"
	proxydomain "outreach-control-plane/internal/proxy/domain"
	safetydomain "outreach-control-plane/internal/safety/domain"
	"outreach-control-plane/internal/safety/engine"
	scheddomain "outreach-control-plane/internal/schedule/domain"
	sessiondomain "outreach-control-plane/internal/session/domain"
	"outreach-control-plane/internal/telemetry"
	telemetrydomain "outreach-control-plane/internal/telemetry/domain"
)

// denyRequeueDelay is how far a safety-denied step is pushed out. Matches the
// rate-limited retry backoff: the next daily window is at most a day away and
// re-checking hourly is cheap.
const denyRequeueDelay = time.Hour

// haltRequeueDelay is how far the rest of a pair's batch is pushed out when
// the pair halts on a proxy or session failure.
const haltRequeueDelay = 5 * time.Minute

// StepSource is the scheduling surface the worker consumes.
// *schedule.Scheduler implements it.
type StepSource interface {
	DueSteps(ctx context.Context, limit int) ([]*scheddomain.Step, error)
	CompleteStep(ctx context.Context, stepID, externalID string) error
	HandleFailure(ctx context.Context, step *scheddomain.Step, execErr error) error
	Requeue(ctx context.Context, stepID string, at time.Time, reason string) error
}

// SessionControl is the session surface the worker uses for pair locking and
// error accounting. *session.Manager implements it.
type SessionControl interface {
	LockPair(tenantID, workspaceID string) func()
	ErrorCount(ctx context.Context, tenantID, workspaceID string) (int, error)
	NoteFailure(ctx context.Context, tenantID, workspaceID string) (int, error)
	NoteSuccess(ctx context.Context, tenantID, workspaceID string) error
}

// SafetyGate is the admission surface checked before every action.
// *safety.Engine implements it.
type SafetyGate interface {
	Check(ctx context.Context, tenantID, workspaceID string, kind safetydomain.ActionKind, sessionErrorCount int) (*engine.Decision, error)
	RecordSend(ctx context.Context, tenantID, workspaceID string, kind safetydomain.ActionKind) error
}

// Executor performs one step. *executor.Dispatcher implements it.
type Executor interface {
	Execute(ctx context.Context, step *scheddomain.Step) (*executor.Outcome, error)
}

// Config tunes the poll loop.
type Config struct {
	// PollInterval is the wait between claim attempts.
	PollInterval time.Duration
	// BatchSize is the max number of due steps claimed per poll.
	BatchSize int
	// ExecuteTimeout bounds one action end to end, restore included.
	ExecuteTimeout time.Duration
	// ActionInterval paces executions globally across all pairs.
	ActionInterval time.Duration
}

// Worker is the outreach execution loop.
type Worker struct {
	steps    StepSource
	sessions SessionControl
	safety   SafetyGate
	exec     Executor
	audit    audit.AuditLogger
	emitter  telemetry.EventEmitter
	limiter  *rate.Limiter
	cfg      Config
	nowF     func() time.Time
}

// New returns a Worker. emitter may be nil when event emission is disabled.
func New(steps StepSource, sessions SessionControl, safety SafetyGate, exec Executor,
	auditLogger audit.AuditLogger, emitter telemetry.EventEmitter, cfg Config) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.ExecuteTimeout <= 0 {
		cfg.ExecuteTimeout = 45 * time.Second
	}
	if cfg.ActionInterval <= 0 {
		cfg.ActionInterval = 2 * time.Second
	}
	return &Worker{
		steps:    steps,
		sessions: sessions,
		safety:   safety,
		exec:     exec,
		audit:    auditLogger,
		emitter:  emitter,
		limiter:  rate.NewLimiter(rate.Every(cfg.ActionInterval), 1),
		cfg:      cfg,
		nowF:     func() time.Time { return time.Now().UTC() },
	}
}

// Run polls until ctx is canceled. Claimed steps finish before Run returns.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Printf("worker: batch: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch of due steps and executes it to completion.
func (w *Worker) RunOnce(ctx context.Context) error {
	steps, err := w.steps.DueSteps(ctx, w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("worker: claim due steps: %w", err)
	}
	if len(steps) == 0 {
		return nil
	}

	groups := groupByPair(steps)
	var wg sync.WaitGroup
	for _, group := range groups {
		wg.Add(1)
		go func(group []*scheddomain.Step) {
			defer wg.Done()
			w.runPair(ctx, group)
		}(group)
	}
	wg.Wait()
	return nil
}

type pairKey struct {
	tenantID    string
	workspaceID string
}

// groupByPair splits a claimed batch by (tenant, workspace), preserving the
// claim order inside each group.
func groupByPair(steps []*scheddomain.Step) map[pairKey][]*scheddomain.Step {
	groups := make(map[pairKey][]*scheddomain.Step)
	for _, s := range steps {
		k := pairKey{s.TenantID, s.WorkspaceID}
		groups[k] = append(groups[k], s)
	}
	return groups
}

// runPair executes one pair's steps in order under the pair lock. A proxy or
// session failure halts the pair and requeues its remaining steps.
func (w *Worker) runPair(ctx context.Context, steps []*scheddomain.Step) {
	if len(steps) == 0 {
		return
	}
	tenantID, workspaceID := steps[0].TenantID, steps[0].WorkspaceID
	unlock := w.sessions.LockPair(tenantID, workspaceID)
	defer unlock()

	for i, step := range steps {
		if ctx.Err() != nil {
			w.requeueRemaining(steps[i:], "worker shutting down")
			return
		}
		if err := w.limiter.Wait(ctx); err != nil {
			w.requeueRemaining(steps[i:], "worker shutting down")
			return
		}
		if halt := w.runStep(ctx, step); halt {
			w.requeueRemaining(steps[i+1:], "pair halted: proxy or session unavailable")
			return
		}
	}
}

// runStep executes one step. Returns true when the whole pair must halt.
func (w *Worker) runStep(ctx context.Context, step *scheddomain.Step) (halt bool) {
	tenantID, workspaceID := step.TenantID, step.WorkspaceID

	errorCount, err := w.sessions.ErrorCount(ctx, tenantID, workspaceID)
	if err != nil {
		log.Printf("worker: error count for %s/%s: %v", tenantID, workspaceID, err)
	}

	decision, err := w.safety.Check(ctx, tenantID, workspaceID, step.Kind, errorCount)
	if err != nil {
		if failErr := w.steps.HandleFailure(ctx, step, err); failErr != nil {
			log.Printf("worker: handle failure for step %s: %v", step.ID, failErr)
		}
		return false
	}
	if !decision.CanProceed {
		at := w.nowF().Add(denyRequeueDelay)
		if err := w.steps.Requeue(ctx, step.ID, at, decision.Reason); err != nil {
			log.Printf("worker: requeue denied step %s: %v", step.ID, err)
		}
		w.emit(ctx, step, telemetrydomain.EventSessionBlocked, string(decision.RiskLevel))
		return false
	}

	execCtx, cancel := context.WithTimeout(ctx, w.cfg.ExecuteTimeout)
	outcome, execErr := w.exec.Execute(execCtx, step)
	cancel()

	if execErr != nil {
		if _, noteErr := w.sessions.NoteFailure(ctx, tenantID, workspaceID); noteErr != nil {
			log.Printf("worker: note failure for %s/%s: %v", tenantID, workspaceID, noteErr)
		}
		if failErr := w.steps.HandleFailure(ctx, step, execErr); failErr != nil {
			log.Printf("worker: handle failure for step %s: %v", step.ID, failErr)
		}
		w.emit(ctx, step, telemetrydomain.EventStepFailed, string(decision.RiskLevel))
		return errors.Is(execErr, proxydomain.ErrPoolExhausted) || errors.Is(execErr, sessiondomain.ErrSessionInvalid)
	}

	if err := w.sessions.NoteSuccess(ctx, tenantID, workspaceID); err != nil {
		log.Printf("worker: note success for %s/%s: %v", tenantID, workspaceID, err)
	}
	if err := w.safety.RecordSend(ctx, tenantID, workspaceID, step.Kind); err != nil {
		// The action already happened; the counter race is logged, not undone.
		log.Printf("worker: record send for %s/%s: %v", tenantID, workspaceID, err)
	}
	if err := w.steps.CompleteStep(ctx, step.ID, outcome.ExternalID); err != nil {
		log.Printf("worker: complete step %s: %v", step.ID, err)
	}

	action := auditdomain.ActionMessageSent
	eventType := telemetrydomain.EventMessageSent
	if step.Kind == safetydomain.KindInvite {
		action = auditdomain.ActionConnectionSent
		eventType = telemetrydomain.EventConnectionSent
	}
	w.audit.LogEvent(ctx, tenantID, workspaceID, action, step.ID, "")
	w.emit(ctx, step, eventType, string(decision.RiskLevel))
	return false
}

// requeueRemaining pushes unprocessed claimed steps back to pending so stuck
// recovery never has to rescue them. Uses a background context: this runs on
// shutdown paths where ctx may already be canceled.
func (w *Worker) requeueRemaining(steps []*scheddomain.Step, reason string) {
	if len(steps) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	at := w.nowF().Add(haltRequeueDelay)
	for _, step := range steps {
		if err := w.steps.Requeue(ctx, step.ID, at, reason); err != nil {
			log.Printf("worker: requeue step %s: %v", step.ID, err)
		}
	}
}

func (w *Worker) emit(ctx context.Context, step *scheddomain.Step, eventType, riskLevel string) {
	if w.emitter == nil {
		return
	}
	telemetry.EmitAsync(w.emitter, ctx, &telemetrydomain.Event{
		TenantID:    step.TenantID,
		WorkspaceID: step.WorkspaceID,
		EventType:   eventType,
		CampaignID:  step.CampaignID,
		StepID:      step.ID,
		Channel:     string(step.Channel),
		RiskLevel:   riskLevel,
		CreatedAt:   w.nowF(),
	})
}
