package server

import (
	"context"
	"sync"
	"time"

	"github.com/hgarg1/gemini-nexus-sub001/internal/versioning"
)

const (
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "nexus-backend"
	realtimeBufferSize     = 16
)

// RealtimeMessage is the wire form of a versioning event pushed to chat observers.
type RealtimeMessage struct {
	ChatID        string   `json:"chat_id"`
	EventType     string   `json:"type"`
	BranchID      string   `json:"branch_id,omitempty"`
	CheckpointIDs []string `json:"checkpoint_ids,omitempty"`
	Message       string   `json:"message,omitempty"`
	Source        string   `json:"source"`
	TimestampMs   int64    `json:"timestamp_ms"`
}

// RealtimeDispatcher fans versioning events out to the observers of each chat.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  realtimeBufferSize,
	}
}

// Subscribe streams events for chatID until ctx ends or the returned cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, chatID string) (<-chan RealtimeMessage, func()) {
	if chatID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(chatID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(chatID, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish implements versioning.EventPublisher. Slow observers miss events instead of blocking.
func (d *RealtimeDispatcher) Publish(event versioning.Event) {
	if event.ChatID == "" || event.Type == "" {
		return
	}
	timestamp := event.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	d.broadcast(RealtimeMessage{
		ChatID:        event.ChatID,
		EventType:     string(event.Type),
		BranchID:      event.BranchID,
		CheckpointIDs: event.CheckpointIDs,
		Message:       event.Message,
		Source:        realtimeSourceBackend,
		TimestampMs:   timestamp.UnixMilli(),
	})
}

func (d *RealtimeDispatcher) broadcast(message RealtimeMessage) {
	d.mu.RLock()
	subscribers := d.subscribers[message.ChatID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(chatID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[chatID]; !ok {
		d.subscribers[chatID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[chatID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(chatID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[chatID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, chatID)
		}
	}
	d.mu.Unlock()
}

var _ versioning.EventPublisher = (*RealtimeDispatcher)(nil)
