// Package domain holds the per-pair send counters and the action kinds
// gated by the rate engine.
package domain

import (
	"errors"
	"time"
)

// ErrRateLimited marks a quota or risk-score block. Retryable after the
// rolling window resets.
var ErrRateLimited = errors.New("rate limited")

// ActionKind is one gated outreach action type.
type ActionKind string

const (
	KindInvite  ActionKind = "invite"
	KindMessage ActionKind = "message"
)

// Valid reports whether k is a known gated kind.
func (k ActionKind) Valid() bool {
	return k == KindInvite || k == KindMessage
}

// Window is the rolling reset period for daily counters.
const Window = 24 * time.Hour

// Counters is the mutable per-(tenant, workspace) send state. Every
// successful send mutates it through an atomic row update; it is never
// read-modify-written in application memory.
type Counters struct {
	TenantID        string
	WorkspaceID     string
	InvitesToday    int
	MessagesToday   int
	WarmupDay       int
	WarmingUp       bool
	WindowStartedAt time.Time
	LastSentAt      *time.Time
}

// SentToday returns the day's count for one kind.
func (c *Counters) SentToday(kind ActionKind) int {
	switch kind {
	case KindInvite:
		return c.InvitesToday
	case KindMessage:
		return c.MessagesToday
	default:
		return 0
	}
}

// WindowElapsed reports whether the rolling window has passed and the
// counters are due for a reset.
func (c *Counters) WindowElapsed(now time.Time) bool {
	return now.Sub(c.WindowStartedAt) >= Window
}

// Policy is a tenant-level safety policy override in Rego.
type Policy struct {
	TenantID  string
	Rego      string
	UpdatedAt time.Time
}
