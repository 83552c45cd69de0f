package otel

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"outreach-control-plane/internal/telemetry"
	"outreach-control-plane/internal/telemetry/domain"
)

// NewEventEmitter returns an EventEmitter that sends events as OTel log records via the given LoggerProvider.
// If provider is nil, returns a no-op emitter.
func NewEventEmitter(provider *sdklog.LoggerProvider) telemetry.EventEmitter {
	if provider == nil {
		return noopEmitter{}
	}
	return &otelEmitter{logger: provider.Logger("outreach.events")}
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *domain.Event) error { return nil }

type otelEmitter struct {
	logger otellog.Logger
}

// Emit converts the event to an OTel log record and emits it. Best-effort; errors are logged.
func (e *otelEmitter) Emit(ctx context.Context, event *domain.Event) error {
	if event == nil {
		return nil
	}
	rec := otellog.Record{}
	if !event.CreatedAt.IsZero() {
		rec.SetTimestamp(event.CreatedAt)
	}
	if len(event.Metadata) > 0 {
		rec.SetBody(otellog.BytesValue(event.Metadata))
	}
	if event.TenantID != "" {
		rec.AddAttributes(otellog.String("tenant_id", event.TenantID))
	}
	if event.WorkspaceID != "" {
		rec.AddAttributes(otellog.String("workspace_id", event.WorkspaceID))
	}
	if event.EventType != "" {
		rec.AddAttributes(otellog.String("event_type", event.EventType))
	}
	if event.CampaignID != "" {
		rec.AddAttributes(otellog.String("campaign_id", event.CampaignID))
	}
	if event.StepID != "" {
		rec.AddAttributes(otellog.String("step_id", event.StepID))
	}
	if event.Channel != "" {
		rec.AddAttributes(otellog.String("channel", event.Channel))
	}
	if event.RiskLevel != "" {
		rec.AddAttributes(otellog.String("risk_level", event.RiskLevel))
	}
	if rec.Timestamp().IsZero() {
		rec.SetTimestamp(time.Now().UTC())
	}
	e.logger.Emit(ctx, rec)
	return nil
}
