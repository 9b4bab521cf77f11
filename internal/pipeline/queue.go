package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"
)

const (
	// TopicTurnCompleted prefixes the partition topics that carry one TurnJob per completed assistant turn.
	TopicTurnCompleted = "nexus.turns.completed"

	defaultQueueBuffer = 64
	defaultPartitions  = 4
)

// ErrInvalidJob indicates a turn job without a chat, turn or actor.
var ErrInvalidJob = errors.New("pipeline: invalid turn job")

// TurnJob asks the pipeline to consider checkpointing one assistant turn.
type TurnJob struct {
	ChatID    string `json:"chat_id"`
	BranchID  string `json:"branch_id,omitempty"`
	TurnID    string `json:"turn_id"`
	MessageID string `json:"message_id,omitempty"`
	ActorID   string `json:"actor_id"`
}

func (job TurnJob) validate() error {
	switch {
	case strings.TrimSpace(job.ChatID) == "":
		return fmt.Errorf("%w: chat id required", ErrInvalidJob)
	case strings.TrimSpace(job.TurnID) == "":
		return fmt.Errorf("%w: turn id required", ErrInvalidJob)
	case strings.TrimSpace(job.ActorID) == "":
		return fmt.Errorf("%w: actor id required", ErrInvalidJob)
	}
	return nil
}

// JobHandler processes one decoded turn job.
type JobHandler func(ctx context.Context, job TurnJob) error

type QueueConfig struct {
	Buffer     int64
	Partitions int
	Logger     *zap.Logger
}

// Queue is an in-process, at-least-once turn job queue on watermill's go channel pub/sub.
// Jobs are partitioned by chat: each partition topic delivers one job at a time, so jobs of
// one chat run in order while different partitions run in parallel.
type Queue struct {
	pubSub     *gochannel.GoChannel
	router     *message.Router
	partitions int
	logger     *zap.Logger
}

func NewQueue(cfg QueueConfig) (*Queue, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = defaultQueueBuffer
	}
	partitions := cfg.Partitions
	if partitions <= 0 {
		partitions = defaultPartitions
	}
	adapter := NewWatermillLogger(logger.Named("watermill"))

	pubSub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: buffer,
	}, adapter)
	router, err := message.NewRouter(message.RouterConfig{}, adapter)
	if err != nil {
		return nil, fmt.Errorf("pipeline: create router: %w", err)
	}
	return &Queue{pubSub: pubSub, router: router, partitions: partitions, logger: logger}, nil
}

// Handle registers handler on every partition. Call before Run.
func (q *Queue) Handle(name string, handler JobHandler) {
	decode := func(msg *message.Message) error {
		var job TurnJob
		if err := json.Unmarshal(msg.Payload, &job); err != nil {
			q.logger.Error("dropping undecodable turn job",
				zap.String("message_uuid", msg.UUID),
				zap.Error(err),
			)
			return nil
		}
		return handler(msg.Context(), job)
	}
	for partition := 0; partition < q.partitions; partition++ {
		q.router.AddNoPublisherHandler(fmt.Sprintf("%s-%d", name, partition), partitionTopic(partition), q.pubSub, decode)
	}
}

// PartitionFor reports which partition carries the chat's jobs.
func (q *Queue) PartitionFor(chatID string) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(chatID))
	return int(hasher.Sum32() % uint32(q.partitions))
}

func partitionTopic(partition int) string {
	return fmt.Sprintf("%s.%d", TopicTurnCompleted, partition)
}

// Enqueue publishes a turn job. Jobs published before Running() is closed are lost.
func (q *Queue) Enqueue(_ context.Context, job TurnJob) error {
	if err := job.validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("pipeline: encode job: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("chat_id", job.ChatID)
	msg.Metadata.Set("turn_id", job.TurnID)
	if err := q.pubSub.Publish(partitionTopic(q.PartitionFor(job.ChatID)), msg); err != nil {
		return fmt.Errorf("pipeline: publish job: %w", err)
	}
	return nil
}

// Run blocks until ctx is cancelled or the queue is closed.
func (q *Queue) Run(ctx context.Context) error {
	return q.router.Run(ctx)
}

// Running is closed once the handlers are subscribed.
func (q *Queue) Running() chan struct{} {
	return q.router.Running()
}

func (q *Queue) Close() error {
	routerErr := q.router.Close()
	pubSubErr := q.pubSub.Close()
	return errors.Join(routerErr, pubSubErr)
}
