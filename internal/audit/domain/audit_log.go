package domain

import "time"

// Actions recorded for compliance review. Block decisions are written
// before the blocking call returns; send events after the side effect.
const (
	ActionSessionBlocked      = "session_blocked"
	ActionProxyUnavailable    = "proxy_unavailable"
	ActionProxyAllocated      = "proxy_allocated"
	ActionProxyReleased       = "proxy_released"
	ActionProxyForceReset     = "proxy_force_reset"
	ActionConnectionSent      = "connection_sent"
	ActionMessageSent         = "message_sent"
	ActionSessionConnected    = "session_connected"
	ActionSessionDisconnected = "session_disconnected"
	ActionSessionHealed       = "session_healed"
)

// AuditLog represents one immutable audit event.
type AuditLog struct {
	ID          string
	TenantID    string
	WorkspaceID string
	Action      string
	Resource    string
	Reason      string
	RiskLevel   string
	Metadata    string
	CreatedAt   time.Time
}
