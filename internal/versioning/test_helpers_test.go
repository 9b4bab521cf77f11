package versioning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testDatabaseCounter atomic.Int64

type sequentialIDs struct {
	mu   sync.Mutex
	next int
}

func (g *sequentialIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("id-%04d", g.next), nil
}

var errIDsExhausted = errors.New("id source exhausted")

// budgetedIDs hands out sequential ids until its budget runs out. A negative budget is unlimited.
type budgetedIDs struct {
	ids       sequentialIDs
	mu        sync.Mutex
	remaining int
}

func newBudgetedIDs() *budgetedIDs {
	return &budgetedIDs{remaining: -1}
}

func (b *budgetedIDs) NewID() (string, error) {
	b.mu.Lock()
	if b.remaining == 0 {
		b.mu.Unlock()
		return "", errIDsExhausted
	}
	if b.remaining > 0 {
		b.remaining--
	}
	b.mu.Unlock()
	return b.ids.NewID()
}

func (b *budgetedIDs) limit(remaining int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remaining = remaining
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) types() []EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]EventType, 0, len(p.events))
	for _, event := range p.events {
		types = append(types, event.Type)
	}
	return types
}

// memoryLiveStore mimics the live message table Compile writes to.
type memoryLiveStore struct {
	mu       sync.Mutex
	messages map[ChatID][]MessageSnapshot
}

func newMemoryLiveStore() *memoryLiveStore {
	return &memoryLiveStore{messages: make(map[ChatID][]MessageSnapshot)}
}

func (store *memoryLiveStore) ReplaceMessages(_ context.Context, chatID ChatID, messages []MessageSnapshot) (LiveSyncSummary, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	current := StateMapFromList(store.messages[chatID])
	delta := ComputeDelta(current, messages)
	store.messages[chatID] = append([]MessageSnapshot(nil), messages...)
	return LiveSyncSummary{Inserted: len(delta.Adds), Updated: len(delta.Updates), Deleted: len(delta.Deletes)}, nil
}

func (store *memoryLiveStore) seed(chatID ChatID, messages ...MessageSnapshot) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.messages[chatID] = messages
}

func (store *memoryLiveStore) list(chatID ChatID) []MessageSnapshot {
	store.mu.Lock()
	defer store.mu.Unlock()
	return append([]MessageSnapshot(nil), store.messages[chatID]...)
}

type testHarness struct {
	service   *Service
	db        *gorm.DB
	live      *memoryLiveStore
	publisher *recordingPublisher
}

type harnessOption func(*ServiceConfig)

func withSnapshotInterval(interval int) harnessOption {
	return func(cfg *ServiceConfig) { cfg.SnapshotInterval = interval }
}

func withIDProvider(provider IDProvider) harnessOption {
	return func(cfg *ServiceConfig) { cfg.IDProvider = provider }
}

func withLogger(logger *zap.Logger) harnessOption {
	return func(cfg *ServiceConfig) { cfg.Logger = logger }
}

func newTestHarness(t *testing.T, options ...harnessOption) testHarness {
	t.Helper()

	dsn := fmt.Sprintf("file:versioning_test_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), testDatabaseCounter.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	live := newMemoryLiveStore()
	publisher := &recordingPublisher{}
	cfg := ServiceConfig{
		Database:     db,
		Clock:        func() time.Time { return time.Unix(1700000600, 0).UTC() },
		IDProvider:   &sequentialIDs{},
		Publisher:    publisher,
		LiveMessages: live,
	}
	for _, option := range options {
		option(&cfg)
	}
	service, err := NewService(cfg)
	if err != nil {
		t.Fatalf("failed to construct versioning service: %v", err)
	}
	return testHarness{service: service, db: db, live: live, publisher: publisher}
}

func message(id, content string) MessageSnapshot {
	return MessageSnapshot{ID: id, Role: "user", Content: content, CreatedAtSeconds: 1700000000}
}

func mustBranchName(t *testing.T, value string) BranchName {
	t.Helper()
	name, err := NewBranchName(value)
	if err != nil {
		t.Fatalf("unexpected branch name error: %v", err)
	}
	return name
}

func (h testHarness) defaultBranch(t *testing.T, chatID ChatID) Branch {
	t.Helper()
	branch, err := h.service.ResolveBranch(context.Background(), chatID, nil)
	if err != nil {
		t.Fatalf("failed to resolve default branch: %v", err)
	}
	return branch
}

func (h testHarness) branch(t *testing.T, chatID ChatID, branchID string) Branch {
	t.Helper()
	id := BranchID(branchID)
	branch, err := h.service.ResolveBranch(context.Background(), chatID, &id)
	if err != nil {
		t.Fatalf("failed to load branch %s: %v", branchID, err)
	}
	return branch
}

func (h testHarness) checkpoint(t *testing.T, chatID ChatID, branchID, label string, messages ...MessageSnapshot) Checkpoint {
	t.Helper()
	id := BranchID(branchID)
	outcome, err := h.service.CreateCheckpoint(context.Background(), CreateCheckpointRequest{
		ChatID:   chatID,
		BranchID: &id,
		Label:    label,
		ActorID:  "user-1",
		Messages: messages,
	})
	if err != nil {
		t.Fatalf("failed to create checkpoint %q: %v", label, err)
	}
	if !outcome.Created || outcome.Checkpoint == nil {
		t.Fatalf("expected checkpoint %q to be created", label)
	}
	return *outcome.Checkpoint
}

func (h testHarness) fork(t *testing.T, chatID ChatID, name string, base *Checkpoint) Branch {
	t.Helper()
	request := CreateBranchRequest{ChatID: chatID, Name: mustBranchName(t, name)}
	if base != nil {
		baseID := CheckpointID(base.CheckpointID)
		request.BaseCheckpointID = &baseID
	}
	branch, err := h.service.CreateBranch(context.Background(), request)
	if err != nil {
		t.Fatalf("failed to create branch %s: %v", name, err)
	}
	return branch
}

func (h testHarness) state(t *testing.T, chatID ChatID, checkpointID string) StateMap {
	t.Helper()
	state, err := h.service.MaterializeState(context.Background(), chatID, CheckpointID(checkpointID))
	if err != nil {
		t.Fatalf("failed to materialize %s: %v", checkpointID, err)
	}
	return state
}

func (h testHarness) checkpointCount(t *testing.T, chatID ChatID) int64 {
	t.Helper()
	var count int64
	if err := h.db.Model(&Checkpoint{}).Where("chat_id = ?", chatID.String()).Count(&count).Error; err != nil {
		t.Fatalf("failed to count checkpoints: %v", err)
	}
	return count
}

func idsOf(state StateMap) []string {
	return state.IDs()
}
