package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Broadcaster publishes job and queue state transitions to subscribed
// observers. Delivery is best-effort at-most-once: emit methods never return
// an error, because no caller may depend on push delivery for correctness.
type Broadcaster interface {
	EmitToUser(ctx context.Context, userID string, event Event)
	EmitToProject(ctx context.Context, projectID string, event Event)
}

// MemberLister resolves the users that observe a project: the owner plus
// every user with accepted share access.
type MemberLister interface {
	ProjectMembers(ctx context.Context, projectID string) ([]string, error)
}

// publisher is the transport slice of shared/rabbitmq.Client used here.
type publisher interface {
	PublishTransient(ctx context.Context, routingKey string, body []byte) error
}

// AMQPBroadcaster fans events out over a RabbitMQ topic exchange. Observers
// bind their own queues to events.user.<id> or events.project.<id>.
type AMQPBroadcaster struct {
	publisher publisher
	members   MemberLister
	logger    *slog.Logger
}

// NewAMQPBroadcaster creates a broadcaster over the given publisher.
func NewAMQPBroadcaster(p publisher, members MemberLister, logger *slog.Logger) *AMQPBroadcaster {
	return &AMQPBroadcaster{
		publisher: p,
		members:   members,
		logger:    logger,
	}
}

// EmitToUser publishes the event on the user's routing key.
func (b *AMQPBroadcaster) EmitToUser(ctx context.Context, userID string, event Event) {
	b.publish(ctx, fmt.Sprintf("events.user.%s", userID), event)
}

// EmitToProject publishes the event on the project routing key and fans it
// out to every project member's user key.
func (b *AMQPBroadcaster) EmitToProject(ctx context.Context, projectID string, event Event) {
	b.publish(ctx, fmt.Sprintf("events.project.%s", projectID), event)

	users, err := b.members.ProjectMembers(ctx, projectID)
	if err != nil {
		b.logger.Warn("Failed to resolve project members for fan-out",
			slog.String("project_id", projectID),
			slog.String("kind", string(event.Kind)),
			slog.Any("error", err),
		)
		return
	}

	for _, userID := range users {
		b.publish(ctx, fmt.Sprintf("events.user.%s", userID), event)
	}
}

func (b *AMQPBroadcaster) publish(ctx context.Context, routingKey string, event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("Failed to marshal broadcast event",
			slog.String("kind", string(event.Kind)),
			slog.Any("error", err),
		)
		return
	}

	if err := b.publisher.PublishTransient(ctx, routingKey, body); err != nil {
		// Best-effort channel: log and move on.
		b.logger.Warn("Failed to publish broadcast event",
			slog.String("routing_key", routingKey),
			slog.String("kind", string(event.Kind)),
			slog.Any("error", err),
		)
	}
}

// NopBroadcaster drops every event. Used where no push channel is wired.
type NopBroadcaster struct{}

func (NopBroadcaster) EmitToUser(context.Context, string, Event)    {}
func (NopBroadcaster) EmitToProject(context.Context, string, Event) {}
