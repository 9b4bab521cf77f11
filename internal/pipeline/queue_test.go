package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestQueueDeliversJobsToHandler(t *testing.T) {
	queue, err := NewQueue(QueueConfig{Buffer: 4})
	require.NoError(t, err)

	received := make(chan TurnJob, 2)
	queue.Handle("record", func(_ context.Context, job TurnJob) error {
		received <- job
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- queue.Run(ctx) }()
	<-queue.Running()

	job := TurnJob{ChatID: "chat-1", TurnID: "turn-1", MessageID: "m2", ActorID: "owner-1"}
	require.NoError(t, queue.Enqueue(context.Background(), job))

	select {
	case got := <-received:
		require.Equal(t, job, got)
	case <-time.After(5 * time.Second):
		t.Fatal("job was not delivered")
	}

	require.NoError(t, queue.Close())
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("router did not stop")
	}
}

func runQueue(t *testing.T, queue *Queue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = queue.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = queue.Close()
	})
	select {
	case <-queue.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("router did not start")
	}
}

// chatsOnDistinctPartitions picks one chat id per partition.
func chatsOnDistinctPartitions(queue *Queue, count int) []string {
	seen := make(map[int]struct{}, count)
	chatIDs := make([]string, 0, count)
	for candidate := 0; len(chatIDs) < count; candidate++ {
		chatID := fmt.Sprintf("chat-%d", candidate)
		partition := queue.PartitionFor(chatID)
		if _, taken := seen[partition]; taken {
			continue
		}
		seen[partition] = struct{}{}
		chatIDs = append(chatIDs, chatID)
	}
	return chatIDs
}

func TestQueueRunsChatsOnDifferentPartitionsInParallel(t *testing.T) {
	const partitions = 4
	queue, err := NewQueue(QueueConfig{Partitions: partitions})
	require.NoError(t, err)

	var active, peak atomic.Int32
	started := make(chan string, partitions)
	release := make(chan struct{})
	queue.Handle("parallel", func(_ context.Context, job TurnJob) error {
		current := active.Add(1)
		for {
			previous := peak.Load()
			if current <= previous || peak.CompareAndSwap(previous, current) {
				break
			}
		}
		started <- job.ChatID
		<-release
		active.Add(-1)
		return nil
	})
	runQueue(t, queue)
	defer close(release)

	for _, chatID := range chatsOnDistinctPartitions(queue, partitions) {
		require.NoError(t, queue.Enqueue(context.Background(), TurnJob{ChatID: chatID, TurnID: "turn-1", ActorID: "owner-1"}))
	}
	for index := 0; index < partitions; index++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d jobs started while the others were still running", index, partitions)
		}
	}
	require.Equal(t, int32(partitions), peak.Load())
}

func TestQueueKeepsJobsOfOneChatInOrder(t *testing.T) {
	queue, err := NewQueue(QueueConfig{Partitions: 4})
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		turns []string
	)
	done := make(chan struct{})
	queue.Handle("ordered", func(_ context.Context, job TurnJob) error {
		mu.Lock()
		defer mu.Unlock()
		turns = append(turns, job.TurnID)
		if len(turns) == 5 {
			close(done)
		}
		return nil
	})
	runQueue(t, queue)

	want := make([]string, 0, 5)
	for index := 1; index <= 5; index++ {
		turnID := fmt.Sprintf("turn-%d", index)
		want = append(want, turnID)
		require.NoError(t, queue.Enqueue(context.Background(), TurnJob{ChatID: "chat-1", TurnID: turnID, ActorID: "owner-1"}))
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("jobs were not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, want, turns)
}

func TestQueueRejectsInvalidJobs(t *testing.T) {
	queue, err := NewQueue(QueueConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = queue.Close() })

	err = queue.Enqueue(context.Background(), TurnJob{ChatID: "chat-1", TurnID: "turn-1"})
	require.ErrorIs(t, err, ErrInvalidJob)
}

func TestWatermillLoggerWritesThroughZap(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	adapter := NewWatermillLogger(zap.New(core)).With(map[string]any{"component": "router"})

	adapter.Info("router started", nil)
	adapter.Error("handler failed", context.Canceled, map[string]any{"handler": "turns"})

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, zap.DebugLevel, entries[0].Level)
	require.Equal(t, "router", entries[0].ContextMap()["component"])
	require.Equal(t, zap.ErrorLevel, entries[1].Level)
	require.Equal(t, "turns", entries[1].ContextMap()["handler"])
}
