package telemetry

import (
	"context"

	"outreach-control-plane/internal/telemetry/domain"
)

// EventEmitter emits outreach events (e.g. to OTel Logs or Kafka). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *domain.Event) error
}
