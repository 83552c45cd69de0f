package domain

import "time"

// Event types emitted by the outreach engine.
const (
	EventConnectionSent   = "connection_sent"
	EventMessageSent      = "message_sent"
	EventStepFailed       = "step_failed"
	EventStepReclassified = "step_reclassified"
	EventSessionBlocked   = "session_blocked"
	EventSessionHealed    = "session_healed"
	EventProxyAllocated   = "proxy_allocated"
)

// Event is one outreach telemetry event (pair-scoped, optional campaign/step).
type Event struct {
	TenantID    string    `json:"tenantId"`
	WorkspaceID string    `json:"workspaceId"`
	EventType   string    `json:"eventType"`
	CampaignID  string    `json:"campaignId,omitempty"`
	StepID      string    `json:"stepId,omitempty"`
	Channel     string    `json:"channel,omitempty"`
	RiskLevel   string    `json:"riskLevel,omitempty"`
	Metadata    []byte    `json:"metadata,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}
