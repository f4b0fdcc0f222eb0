package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ojexec/internal/common/mq"
	"ojexec/internal/executor/model"
	appErr "ojexec/pkg/errors"
)

// DefaultVerdictTopic carries one event per finished submission.
const DefaultVerdictTopic = "judge.verdict.final"

// VerdictEvent is the message body published for a final verdict.
type VerdictEvent struct {
	JobID     string                   `json:"job_id"`
	Queue     string                   `json:"queue"`
	UserID    string                   `json:"user_id,omitempty"`
	Verdict   *model.SubmissionVerdict `json:"verdict"`
	CreatedAt int64                    `json:"created_at"`
}

// VerdictPublisher announces final verdicts to downstream consumers.
type VerdictPublisher interface {
	PublishFinal(ctx context.Context, event VerdictEvent) error
}

// MQVerdictPublisher publishes verdict events to a message queue.
type MQVerdictPublisher struct {
	producer mq.Producer
	topic    string
}

// NewMQVerdictPublisher creates a publisher; an empty topic uses DefaultVerdictTopic.
func NewMQVerdictPublisher(producer mq.Producer, topic string) *MQVerdictPublisher {
	if topic == "" {
		topic = DefaultVerdictTopic
	}
	return &MQVerdictPublisher{producer: producer, topic: topic}
}

// PublishFinal publishes a final verdict event keyed by submission id.
func (p *MQVerdictPublisher) PublishFinal(ctx context.Context, event VerdictEvent) error {
	if p == nil || p.producer == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("verdict publisher is not configured")
	}
	if event.Verdict == nil || event.Verdict.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	if event.CreatedAt == 0 {
		event.CreatedAt = time.Now().Unix()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal verdict event failed: %w", err)
	}
	message := mq.NewMessage(event.Verdict.SubmissionID, payload)
	message.SetHeader("verdict", string(event.Verdict.Verdict))
	message.SetHeader("queue", event.Queue)
	if err := p.producer.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.MessagePublishFailed, "publish verdict event failed")
	}
	return nil
}
