package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michalprusek/cell-segmentation-hub-sub000/shared/logger"
)

type fakePublisher struct {
	published map[string][][]byte
	fail      bool
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{published: make(map[string][][]byte)}
}

func (p *fakePublisher) PublishTransient(_ context.Context, routingKey string, body []byte) error {
	if p.fail {
		return fmt.Errorf("channel closed")
	}
	p.published[routingKey] = append(p.published[routingKey], body)
	return nil
}

type staticMembers struct {
	members []string
	err     error
}

func (m staticMembers) ProjectMembers(context.Context, string) ([]string, error) {
	return m.members, m.err
}

func TestAMQPBroadcaster_EmitToUser(t *testing.T) {
	pub := newFakePublisher()
	b := NewAMQPBroadcaster(pub, staticMembers{}, logger.NewDefault().Logger)

	b.EmitToUser(context.Background(), "user-1", NewEvent(
		KindExportCompleted,
		ExportOutcomePayload{JobID: "job-1", FileName: "job-1.zip"},
	))

	bodies := pub.published["events.user.user-1"]
	require.Len(t, bodies, 1)

	var event struct {
		Kind    EventKind            `json:"kind"`
		Payload ExportOutcomePayload `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(bodies[0], &event))
	assert.Equal(t, KindExportCompleted, event.Kind)
	assert.Equal(t, "job-1.zip", event.Payload.FileName)
}

func TestAMQPBroadcaster_EmitToProjectFansOut(t *testing.T) {
	pub := newFakePublisher()
	members := staticMembers{members: []string{"owner", "collaborator"}}
	b := NewAMQPBroadcaster(pub, members, logger.NewDefault().Logger)

	b.EmitToProject(context.Background(), "project-1", NewEvent(
		KindQueueStatsUpdate,
		QueueStatsPayload{ProjectID: "project-1", Queued: 2},
	))

	assert.Len(t, pub.published["events.project.project-1"], 1)
	assert.Len(t, pub.published["events.user.owner"], 1)
	assert.Len(t, pub.published["events.user.collaborator"], 1)
}

func TestAMQPBroadcaster_BestEffort(t *testing.T) {
	// Publish failures and member resolution failures must never panic or
	// propagate; emission is fire-and-forget.
	b := NewAMQPBroadcaster(
		&fakePublisher{fail: true},
		staticMembers{err: fmt.Errorf("db down")},
		logger.NewDefault().Logger,
	)

	assert.NotPanics(t, func() {
		b.EmitToUser(context.Background(), "user-1", NewEvent(KindExportProgress, ExportProgressPayload{}))
		b.EmitToProject(context.Background(), "project-1", NewEvent(KindSegmentationStatusUpdate, SegmentationStatusPayload{}))
	})
}
