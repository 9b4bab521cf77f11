package server

import (
	"context"
	"testing"
	"time"

	"github.com/hgarg1/gemini-nexus-sub001/internal/versioning"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "chat-1")
	defer cleanup()

	dispatcher.Publish(versioning.Event{
		ChatID:        "chat-1",
		Type:          versioning.EventCheckpointCreated,
		BranchID:      "branch-1",
		CheckpointIDs: []string{"cp-a", "cp-b"},
		Timestamp:     time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.EventType != string(versioning.EventCheckpointCreated) {
			t.Fatalf("expected event type %s, got %s", versioning.EventCheckpointCreated, received.EventType)
		}
		if len(received.CheckpointIDs) != 2 {
			t.Fatalf("expected 2 checkpoint ids, got %d", len(received.CheckpointIDs))
		}
		if received.Source != realtimeSourceBackend {
			t.Fatalf("unexpected source %q", received.Source)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByChat(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otherCtx, otherCancel := context.WithCancel(context.Background())
	defer otherCancel()

	chatStream, cleanup := dispatcher.Subscribe(ctx, "chat-2")
	defer cleanup()

	otherStream, otherCleanup := dispatcher.Subscribe(otherCtx, "chat-3")
	defer otherCleanup()

	dispatcher.Publish(versioning.Event{
		ChatID:    "chat-3",
		Type:      versioning.EventBranchUpdated,
		BranchID:  "branch-9",
		Timestamp: time.Now().UTC(),
	})

	select {
	case <-chatStream:
		t.Fatal("did not expect realtime message for unrelated chat")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-otherStream:
		if msg.ChatID != "chat-3" {
			t.Fatalf("expected chat-3, received %s", msg.ChatID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for subscribed chat")
	}
}

func TestRealtimeDispatcherDropsSubscriberOnCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	_, cleanup := dispatcher.Subscribe(ctx, "chat-4")
	cancel()
	cleanup()

	dispatcher.mu.RLock()
	defer dispatcher.mu.RUnlock()
	if len(dispatcher.subscribers) != 0 {
		t.Fatalf("expected no subscribers, got %d", len(dispatcher.subscribers))
	}
}
