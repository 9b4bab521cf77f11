package versioning

import "time"

// EventType names a versioning change pushed to observers.
type EventType string

const (
	EventCheckpointCreated EventType = "checkpoint-created"
	EventBranchUpdated     EventType = "branch-updated"
	EventMergeCompleted    EventType = "merge-completed"
	EventCompiled          EventType = "compiled"
	EventPipelineFailed    EventType = "pipeline-failed"
)

// Event is broadcast to observers of a chat after a committed change.
type Event struct {
	ChatID        string
	Type          EventType
	BranchID      string
	CheckpointIDs []string
	Message       string
	Timestamp     time.Time
}

// EventPublisher fans events out to chat observers. Publish must not block.
type EventPublisher interface {
	Publish(event Event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

func (s *Service) publish(chatID ChatID, eventType EventType, branchID string, checkpointIDs ...string) {
	s.publisher.Publish(Event{
		ChatID:        chatID.String(),
		Type:          eventType,
		BranchID:      branchID,
		CheckpointIDs: checkpointIDs,
		Timestamp:     s.clock().UTC(),
	})
}
