package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"outreach-control-plane/internal/schedule/domain"
)

// HandoffMessage is the payload published for channels sent by the external
// email/SMS pipeline.
type HandoffMessage struct {
	StepID      string    `json:"stepId"`
	CampaignID  string    `json:"campaignId"`
	ContactID   string    `json:"contactId"`
	TenantID    string    `json:"tenantId"`
	WorkspaceID string    `json:"workspaceId"`
	Channel     string    `json:"channel"`
	Message     string    `json:"message"`
	QueuedAt    time.Time `json:"queuedAt"`
}

// MessageWriter is the slice of kafka.Writer the handoff uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// HandoffExecutor publishes email and SMS steps to the sending pipeline's
// topic. The step counts as sent once the broker has the message; delivery
// tracking is the pipeline's concern.
type HandoffExecutor struct {
	writer MessageWriter
	nowF   func() time.Time
}

// NewHandoffExecutor returns a handoff executor over the given writer.
func NewHandoffExecutor(writer MessageWriter) *HandoffExecutor {
	return &HandoffExecutor{writer: writer, nowF: func() time.Time { return time.Now().UTC() }}
}

// NewHandoffWriter builds the kafka writer for the handoff topic.
func NewHandoffWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
	}
}

// Execute publishes the step, keyed by pair so one workspace's sends stay
// ordered on a partition.
func (e *HandoffExecutor) Execute(ctx context.Context, step *domain.Step) (*Outcome, error) {
	payload, err := json.Marshal(HandoffMessage{
		StepID:      step.ID,
		CampaignID:  step.CampaignID,
		ContactID:   step.ContactID,
		TenantID:    step.TenantID,
		WorkspaceID: step.WorkspaceID,
		Channel:     string(step.Channel),
		Message:     step.Message,
		QueuedAt:    e.nowF(),
	})
	if err != nil {
		return nil, fmt.Errorf("executor: encode handoff: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err = e.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(step.TenantID + "/" + step.WorkspaceID),
		Value: payload,
	})
	if err != nil {
		return nil, fmt.Errorf("executor: publish handoff: %w", err)
	}
	return &Outcome{Sent: true, ExternalID: step.ID}, nil
}
