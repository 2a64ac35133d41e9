package service

import (
	"context"
	"encoding/json"

	"corrector/internal/common/mq"
	"corrector/internal/grader/model"
	appErr "corrector/pkg/errors"
)

// ResultPublisher delivers graded results to whoever posts the check run.
type ResultPublisher interface {
	PublishResult(ctx context.Context, result model.CheckRunResult) error
}

// MQResultPublisher publishes results to a message queue topic keyed by job id.
type MQResultPublisher struct {
	producer mq.Producer
	topic    string
}

// NewMQResultPublisher creates a publisher writing to topic.
func NewMQResultPublisher(producer mq.Producer, topic string) *MQResultPublisher {
	return &MQResultPublisher{producer: producer, topic: topic}
}

// PublishResult publishes one result.
func (p *MQResultPublisher) PublishResult(ctx context.Context, result model.CheckRunResult) error {
	if p == nil || p.producer == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("result publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("result topic is required")
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return appErr.Wrapf(err, appErr.ReportPublishFailed, "marshal check run result failed")
	}
	message := mq.NewMessage(payload)
	message.ID = result.JobID
	message.SetHeader("content-type", "application/json")
	message.SetHeader("check", result.Check)
	setTraceHeader(ctx, message)
	if err := p.producer.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.ReportPublishFailed, "publish check run result failed")
	}
	return nil
}
