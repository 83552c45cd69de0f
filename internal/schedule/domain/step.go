// Package domain holds the scheduled outreach step and its status machine.
package domain

import (
	"errors"
	"time"

	safetydomain "outreach-control-plane/internal/safety/domain"
)

// ErrActionFailed marks a provider-rejected action. Subject to
// reclassification, scoped to the single step.
var ErrActionFailed = errors.New("action failed")

// Channel is the closed set of outreach channels.
type Channel string

const (
	ChannelLinkedIn Channel = "linkedin"
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelLinkedIn, ChannelEmail, ChannelSMS:
		return true
	}
	return false
}

// Staggered reports whether steps on this channel must be serialized in
// time. Only LinkedIn actions run against a single provider identity;
// email and SMS fan out concurrently.
func (c Channel) Staggered() bool {
	return c == ChannelLinkedIn
}

// Step status values. A step is created pending, claimed into executing,
// and finishes sent, failed, or skipped. Reconciliation jobs may move
// failed and executing steps back to pending.
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Step is one unit of outreach work. Kind distinguishes connection
// requests from messages on the LinkedIn channel and drives which safety
// quota the send consumes.
type Step struct {
	ID           string
	CampaignID   string
	ContactID    string
	TenantID     string
	WorkspaceID  string
	Channel      Channel
	Kind         safetydomain.ActionKind
	ProfileURL   string
	Message      string
	Status       Status
	ScheduledAt  time.Time
	ClaimedAt    *time.Time
	ExecutedAt   *time.Time
	ErrorMessage string
	ExternalID   string
	CreatedAt    time.Time
}

// Contact is the addressing slice of a campaign contact the scheduler
// needs. Contact CRUD lives outside this system.
type Contact struct {
	ID         string
	ProfileURL string
	Email      string
	Phone      string
}

// Reachable reports whether the contact can be addressed on the channel.
func (c Contact) Reachable(ch Channel) bool {
	switch ch {
	case ChannelLinkedIn:
		return c.ProfileURL != ""
	case ChannelEmail:
		return c.Email != ""
	case ChannelSMS:
		return c.Phone != ""
	}
	return false
}

// ConnectionState is the observed relationship with a profile, used by
// skipped-step reconciliation.
type ConnectionState string

const (
	StateConnected   ConnectionState = "connected"
	StatePending     ConnectionState = "pending"
	StateConnectable ConnectionState = "connectable"
)
