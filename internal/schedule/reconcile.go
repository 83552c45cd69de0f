package schedule

import (
	"context"
	"log"
	"strings"
	"time"

	"outreach-control-plane/internal/schedule/domain"
)

// reclassifyMessage is the standardized text written to steps whose failure
// is reinterpreted as an already-successful external action.
const reclassifyMessage = "reclassified: connection already established or invitation pending"

// reclassifyPatterns match failure texts that mean the action had in fact
// already succeeded on the provider side. Matched case-insensitively.
var reclassifyPatterns = []string{
	"connect option not found",
	"already connected",
	"invitation pending",
	"invite pending",
	"already in your network",
	"pending invitation",
}

func matchesKnownPattern(errorMessage string) bool {
	msg := strings.ToLower(errorMessage)
	for _, p := range reclassifyPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// RecoverStuck resets steps stuck in executing beyond the configured
// timeout back to pending, spaced one stagger interval apart starting from
// now. Spacing them out rather than retrying immediately avoids repeating
// the collision that likely caused the stall. Idempotent.
func (s *Scheduler) RecoverStuck(ctx context.Context) (int, error) {
	now := s.nowF()
	stuck, err := s.repo.ListStuck(ctx, now.Add(-s.cfg.StuckTimeout))
	if err != nil {
		return 0, err
	}
	for i, step := range stuck {
		at := now.Add(time.Duration(i) * s.cfg.StaggerInterval)
		if err := s.repo.ResetToPending(ctx, step.ID, at, step.ErrorMessage); err != nil {
			return i, err
		}
	}
	if len(stuck) > 0 {
		log.Printf("schedule: recovered %d stuck steps", len(stuck))
	}
	return len(stuck), nil
}

// ReclassifyFailures reinterprets a campaign's failed steps whose error text
// matches a known already-connected/pending pattern as pending with a
// standardized message. LinkedIn connection failures are disproportionately
// false negatives, so when failures exist but none match a known pattern,
// the blanket fallback (when enabled) reclassifies all of them under the
// same assumption. Idempotent: reclassified steps leave the failed set.
func (s *Scheduler) ReclassifyFailures(ctx context.Context, campaignID string) (int, error) {
	failed, err := s.repo.ListByStatus(ctx, campaignID, domain.StatusFailed)
	if err != nil {
		return 0, err
	}
	if len(failed) == 0 {
		return 0, nil
	}

	var matched []*domain.Step
	for _, step := range failed {
		if matchesKnownPattern(step.ErrorMessage) {
			matched = append(matched, step)
		}
	}
	if len(matched) == 0 {
		if !s.cfg.ReclassifyAllFailures {
			return 0, nil
		}
		log.Printf("schedule: campaign %s: no failure matched a known pattern, reclassifying all %d", campaignID, len(failed))
		matched = failed
	}

	now := s.nowF()
	for i, step := range matched {
		at := now.Add(time.Duration(i) * s.cfg.StaggerInterval)
		if err := s.repo.ResetToPending(ctx, step.ID, at, reclassifyMessage); err != nil {
			return i, err
		}
	}
	return len(matched), nil
}

// ProfileChecker observes the live connection state of a profile. The
// LinkedIn executor provides the implementation.
type ProfileChecker interface {
	ConnectionState(ctx context.Context, tenantID, workspaceID, profileURL string) (domain.ConnectionState, error)
}

// ReconcileSkipped re-derives the terminal status of a campaign's skipped
// steps from the live connection state of each target profile, correcting
// skips whose reason could not be determined synchronously. Check failures
// leave the step skipped.
func (s *Scheduler) ReconcileSkipped(ctx context.Context, campaignID string, checker ProfileChecker) (int, error) {
	skipped, err := s.repo.ListByStatus(ctx, campaignID, domain.StatusSkipped)
	if err != nil {
		return 0, err
	}

	var reconciled int
	for _, step := range skipped {
		if step.Channel != domain.ChannelLinkedIn || step.ProfileURL == "" {
			continue
		}
		state, err := checker.ConnectionState(ctx, step.TenantID, step.WorkspaceID, step.ProfileURL)
		if err != nil {
			log.Printf("schedule: reconcile skipped %s: %v", step.ID, err)
			continue
		}
		switch state {
		case domain.StateConnected:
			err = s.repo.MarkReconciled(ctx, step.ID, domain.StatusSent, "profile already connected")
		case domain.StatePending:
			err = s.repo.MarkReconciled(ctx, step.ID, domain.StatusSent, "invitation already pending")
		case domain.StateConnectable:
			err = s.repo.ResetToPending(ctx, step.ID, s.nowF(), "")
		default:
			continue
		}
		if err != nil {
			return reconciled, err
		}
		reconciled++
	}
	return reconciled, nil
}
