// Package dispatch carries job handoff messages between the API service and
// the worker service over the shared topic exchange.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Routing keys and queue names for the two job kinds.
const (
	SegmentationRoutingKey = "jobs.segmentation"
	SegmentationQueue      = "segmentation-jobs"

	ExportRoutingKey = "jobs.export"
	ExportQueue      = "export-jobs"
)

// Message is the dispatch envelope. The payload is deliberately thin: the
// database row is the source of truth, the message only wakes a consumer.
type Message struct {
	JobID      string    `json:"job_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

type publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// Publisher sends dispatch messages through the message broker.
type Publisher struct {
	broker publisher
}

// NewPublisher creates a dispatch publisher over a broker connection.
func NewPublisher(broker publisher) *Publisher {
	return &Publisher{broker: broker}
}

// DispatchSegmentation announces a newly enqueued segmentation job.
func (p *Publisher) DispatchSegmentation(ctx context.Context, jobID string) error {
	return p.publish(ctx, SegmentationRoutingKey, jobID)
}

// DispatchExport announces a newly created export job.
func (p *Publisher) DispatchExport(ctx context.Context, jobID string) error {
	return p.publish(ctx, ExportRoutingKey, jobID)
}

func (p *Publisher) publish(ctx context.Context, routingKey, jobID string) error {
	body, err := json.Marshal(Message{
		JobID:      jobID,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode dispatch message: %w", err)
	}

	if err := p.broker.Publish(ctx, routingKey, body); err != nil {
		return fmt.Errorf("failed to publish dispatch message: %w", err)
	}
	return nil
}

// Decode parses a dispatch message body.
func Decode(body []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode dispatch message: %w", err)
	}
	if msg.JobID == "" {
		return nil, fmt.Errorf("dispatch message missing job_id")
	}
	return &msg, nil
}
