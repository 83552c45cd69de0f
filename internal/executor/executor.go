// Package executor performs the side effect of one scheduled step. It never
// retries and never touches counters; retry policy belongs to the scheduler
// and quota accounting to the safety engine.
package executor

import (
	"context"
	"fmt"

	"outreach-control-plane/internal/schedule/domain"
)

// Outcome reports one executed action.
type Outcome struct {
	Sent       bool
	ExternalID string
}

// ChannelExecutor performs a step on one channel.
type ChannelExecutor interface {
	Execute(ctx context.Context, step *domain.Step) (*Outcome, error)
}

// Dispatcher routes a step to its channel executor. The channel set is
// closed; an unknown channel is a programming error, not a fallthrough.
type Dispatcher struct {
	linkedin ChannelExecutor
	email    ChannelExecutor
	sms      ChannelExecutor
}

// NewDispatcher returns a dispatcher over the three channel executors.
func NewDispatcher(linkedin, email, sms ChannelExecutor) *Dispatcher {
	return &Dispatcher{linkedin: linkedin, email: email, sms: sms}
}

// Execute runs the step on its channel.
func (d *Dispatcher) Execute(ctx context.Context, step *domain.Step) (*Outcome, error) {
	var ex ChannelExecutor
	switch step.Channel {
	case domain.ChannelLinkedIn:
		ex = d.linkedin
	case domain.ChannelEmail:
		ex = d.email
	case domain.ChannelSMS:
		ex = d.sms
	default:
		return nil, fmt.Errorf("executor: unknown channel %q", step.Channel)
	}
	if ex == nil {
		return nil, fmt.Errorf("executor: channel %q not configured", step.Channel)
	}
	return ex.Execute(ctx, step)
}
