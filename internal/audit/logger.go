package audit

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"outreach-control-plane/internal/audit/domain"
	auditrepo "outreach-control-plane/internal/audit/repository"
)

// AuditLogger writes audit events for outreach automation.
//
// LogEvent is best-effort and used after successful side effects. LogDecision
// is used on block/deny paths and returns the persistence error: a block
// decision that cannot be recorded must not be silently returned to the caller.
type AuditLogger interface {
	LogEvent(ctx context.Context, tenantID, workspaceID, action, resource, metadata string)
	LogDecision(ctx context.Context, tenantID, workspaceID, action, resource, reason, riskLevel string) error
}

// Logger implements AuditLogger using the audit repository.
type Logger struct {
	repo auditrepo.Repository
	nowF func() time.Time
}

// NewLogger returns an AuditLogger that persists to repo.
func NewLogger(repo auditrepo.Repository) *Logger {
	return &Logger{repo: repo, nowF: func() time.Time { return time.Now().UTC() }}
}

// LogEvent writes one audit entry. Best-effort: errors are logged and not returned.
func (l *Logger) LogEvent(ctx context.Context, tenantID, workspaceID, action, resource, metadata string) {
	if l.repo == nil {
		return
	}
	entry := &domain.AuditLog{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		WorkspaceID: workspaceID,
		Action:      action,
		Resource:    resource,
		Metadata:    metadata,
		CreatedAt:   l.nowF(),
	}
	if err := l.repo.Create(ctx, entry); err != nil {
		log.Printf("audit: failed to log event %s/%s: %v", action, resource, err)
	}
}

// LogDecision writes one block/deny entry with reason and risk level.
// Returns the persistence error so callers can refuse to proceed on audit failure.
func (l *Logger) LogDecision(ctx context.Context, tenantID, workspaceID, action, resource, reason, riskLevel string) error {
	if l.repo == nil {
		return nil
	}
	entry := &domain.AuditLog{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		WorkspaceID: workspaceID,
		Action:      action,
		Resource:    resource,
		Reason:      reason,
		RiskLevel:   riskLevel,
		CreatedAt:   l.nowF(),
	}
	return l.repo.Create(ctx, entry)
}
