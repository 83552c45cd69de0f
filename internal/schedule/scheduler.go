// Package schedule turns campaign batches into time-staggered steps and
// reconciles their terminal status.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	safetydomain "outreach-control-plane/internal/safety/domain"
	"outreach-control-plane/internal/schedule/domain"
	"outreach-control-plane/internal/schedule/repository"
	sessiondomain "outreach-control-plane/internal/session/domain"
)

// Config carries the scheduler's timing policy.
type Config struct {
	// StaggerInterval is the minimum spacing between LinkedIn steps of one
	// campaign. Two actions against the same provider identity inside a
	// short window cause lock contention and spurious failures.
	StaggerInterval time.Duration
	// StuckTimeout is how long a step may sit in executing before recovery
	// resets it.
	StuckTimeout time.Duration
	// ReclassifyAllFailures enables the blanket fallback: when no failed
	// step matches a known pattern, all of them are reclassified anyway.
	ReclassifyAllFailures bool
}

// BatchResult reports a scheduling run.
type BatchResult struct {
	Scheduled int `json:"scheduled"`
	Skipped   int `json:"skipped"`
}

// Scheduler owns step creation, retry policy, and reconciliation.
type Scheduler struct {
	repo       repository.Repository
	cfg        Config
	strategies []RetryStrategy
	nowF       func() time.Time
}

// NewScheduler returns a scheduler with the default retry strategy list.
func NewScheduler(repo repository.Repository, cfg Config) *Scheduler {
	return &Scheduler{
		repo:       repo,
		cfg:        cfg,
		strategies: DefaultRetryStrategies(),
		nowF:       func() time.Time { return time.Now().UTC() },
	}
}

// ScheduleBatch converts a campaign's contacts into persisted steps.
// LinkedIn steps get strictly increasing scheduledAt values spaced one
// stagger interval apart; email and SMS steps are all due immediately.
// Contacts unreachable on the channel are recorded as skipped.
func (s *Scheduler) ScheduleBatch(ctx context.Context, campaignID, tenantID, workspaceID string,
	channel domain.Channel, kind safetydomain.ActionKind, contacts []domain.Contact, message string) (*BatchResult, error) {
	if !channel.Valid() {
		return nil, fmt.Errorf("schedule: unknown channel %q", channel)
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("schedule: unknown action kind %q", kind)
	}

	now := s.nowF()
	next := now
	var steps []*domain.Step
	var result BatchResult

	for _, c := range contacts {
		step := &domain.Step{
			ID:          uuid.New().String(),
			CampaignID:  campaignID,
			ContactID:   c.ID,
			TenantID:    tenantID,
			WorkspaceID: workspaceID,
			Channel:     channel,
			Kind:        kind,
			ProfileURL:  c.ProfileURL,
			Message:     message,
			ScheduledAt: now,
			CreatedAt:   now,
		}
		if !c.Reachable(channel) {
			step.Status = domain.StatusSkipped
			step.ErrorMessage = fmt.Sprintf("contact has no %s address", channel)
			result.Skipped++
		} else {
			step.Status = domain.StatusPending
			if channel.Staggered() {
				step.ScheduledAt = next
				next = next.Add(s.cfg.StaggerInterval)
			}
			result.Scheduled++
		}
		steps = append(steps, step)
	}

	if len(steps) > 0 {
		if err := s.repo.InsertBatch(ctx, steps); err != nil {
			return nil, err
		}
	}
	return &result, nil
}

// DueSteps claims up to limit due steps for execution.
func (s *Scheduler) DueSteps(ctx context.Context, limit int) ([]*domain.Step, error) {
	return s.repo.ClaimDue(ctx, s.nowF(), limit)
}

// CompleteStep records a successful execution.
func (s *Scheduler) CompleteStep(ctx context.Context, stepID, externalID string) error {
	return s.repo.MarkSent(ctx, stepID, externalID, s.nowF())
}

// Requeue returns a step to pending, due at the given time. Used by the
// worker when a step cannot run now (safety denial, pair halted).
func (s *Scheduler) Requeue(ctx context.Context, stepID string, at time.Time, reason string) error {
	return s.repo.ResetToPending(ctx, stepID, at, reason)
}

// HandleFailure applies the ordered retry strategy list to a failed
// execution. The first strategy that matches reschedules the step after
// its backoff; otherwise the step fails with the verbatim error text.
// A pair with no session never attempted the action, so those steps are
// skipped rather than failed and stay visible to skipped-step reconciliation.
func (s *Scheduler) HandleFailure(ctx context.Context, step *domain.Step, execErr error) error {
	now := s.nowF()
	if errors.Is(execErr, sessiondomain.ErrNotConnected) {
		return s.repo.MarkSkipped(ctx, step.ID, execErr.Error())
	}
	for _, st := range s.strategies {
		if st.Matches(execErr) {
			return s.repo.ResetToPending(ctx, step.ID, now.Add(st.Backoff), execErr.Error())
		}
	}
	return s.repo.MarkFailed(ctx, step.ID, execErr.Error(), now)
}
