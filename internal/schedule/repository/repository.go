package repository

import (
	"context"
	"time"

	"outreach-control-plane/internal/schedule/domain"
)

// Repository defines persistence for scheduled steps. Status flips that
// race with the worker (claim, stuck reset) are guarded inside the queries.
type Repository interface {
	// InsertBatch persists a batch of new steps in one transaction.
	InsertBatch(ctx context.Context, steps []*domain.Step) error

	// ClaimDue atomically flips up to limit due pending steps to executing
	// and returns them, oldest first. Concurrent workers never claim the
	// same step.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.Step, error)

	// MarkSent finishes a step successfully.
	MarkSent(ctx context.Context, stepID, externalID string, at time.Time) error

	// MarkFailed finishes a step with its verbatim error text.
	MarkFailed(ctx context.Context, stepID, errorMessage string, at time.Time) error

	// MarkSkipped records that the step was never attempted.
	MarkSkipped(ctx context.Context, stepID, reason string) error

	// ResetToPending moves a step back to pending at the given time. Used
	// by stuck recovery, reclassification, and retry strategies.
	ResetToPending(ctx context.Context, stepID string, scheduledAt time.Time, errorMessage string) error

	// MarkReconciled sets a terminal status derived by reconciliation.
	MarkReconciled(ctx context.Context, stepID string, status domain.Status, message string) error

	// ListStuck returns executing steps claimed before the cutoff, oldest
	// claim first.
	ListStuck(ctx context.Context, cutoff time.Time) ([]*domain.Step, error)

	// ListByStatus returns a campaign's steps with the given status.
	ListByStatus(ctx context.Context, campaignID string, status domain.Status) ([]*domain.Step, error)
}
