package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hgarg1/gemini-nexus-sub001/internal/chats"
	"github.com/hgarg1/gemini-nexus-sub001/internal/suggest"
	"github.com/hgarg1/gemini-nexus-sub001/internal/versioning"
	"go.uber.org/zap"
)

const (
	defaultRetryAttempts = 5
	defaultRetryDelay    = 200 * time.Millisecond
	terminalMessageRole  = "system"
	terminalMessage      = "Automatic checkpoint for this turn failed. Create a checkpoint manually if you want to keep this state."
)

var (
	errMissingCheckpoints = errors.New("pipeline: checkpoint writer required")
	errMissingLive        = errors.New("pipeline: live message store required")

	// ErrRetriesExhausted indicates that a transient failure outlived the retry budget.
	ErrRetriesExhausted = errors.New("pipeline: retries exhausted")
)

// CheckpointWriter creates checkpoints on a branch.
type CheckpointWriter interface {
	CreateCheckpoint(ctx context.Context, request versioning.CreateCheckpointRequest) (versioning.CheckpointOutcome, error)
}

// LiveMessages reads a turn's live messages and records terminal failures in the chat.
type LiveMessages interface {
	TurnSnapshots(ctx context.Context, chatID versioning.ChatID, messageID string) ([]versioning.MessageSnapshot, error)
	AppendMessage(ctx context.Context, chatID versioning.ChatID, input chats.MessageInput) (chats.ChatMessage, error)
}

type ProcessorConfig struct {
	Checkpoints   CheckpointWriter
	Live          LiveMessages
	Suggester     suggest.Suggester
	Publisher     versioning.EventPublisher
	Logger        *zap.Logger
	Clock         func() time.Time
	RetryAttempts int
	RetryDelay    time.Duration
}

// Processor turns completed assistant turns into checkpoints when the suggester asks for one.
type Processor struct {
	checkpoints   CheckpointWriter
	live          LiveMessages
	suggester     suggest.Suggester
	publisher     versioning.EventPublisher
	logger        *zap.Logger
	clock         func() time.Time
	retryAttempts int
	retryDelay    time.Duration
}

// Outcome reports what processing one job did.
type Outcome struct {
	Suggested  bool
	Created    bool
	Duplicate  bool
	Checkpoint *versioning.Checkpoint
}

func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Checkpoints == nil {
		return nil, errMissingCheckpoints
	}
	if cfg.Live == nil {
		return nil, errMissingLive
	}
	suggester := cfg.Suggester
	if suggester == nil {
		suggester = suggest.NoneSuggester{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	return &Processor{
		checkpoints:   cfg.Checkpoints,
		live:          cfg.Live,
		suggester:     suggester,
		publisher:     cfg.Publisher,
		logger:        logger,
		clock:         clock,
		retryAttempts: attempts,
		retryDelay:    delay,
	}, nil
}

// Handle is the queue entry point. Failures are surfaced in the chat, never redelivered.
func (p *Processor) Handle(ctx context.Context, job TurnJob) error {
	logger := p.logger.With(zap.String("chat_id", job.ChatID), zap.String("turn_id", job.TurnID))
	outcome, err := p.Process(ctx, job)
	if err != nil {
		logger.Error("turn job failed", zap.Error(err))
		p.surfaceFailure(ctx, job)
		return nil
	}
	switch {
	case outcome.Created:
		logger.Info("checkpoint created", zap.String("checkpoint_id", outcome.Checkpoint.CheckpointID))
	case outcome.Duplicate:
		logger.Debug("turn already checkpointed")
	case outcome.Suggested:
		logger.Debug("suggested checkpoint skipped, no changes")
	}
	return nil
}

// Process runs one turn job: load live messages, ask the suggester, and append a checkpoint
// when the suggestion is positive and the live state differs from the branch state.
func (p *Processor) Process(ctx context.Context, job TurnJob) (Outcome, error) {
	if err := job.validate(); err != nil {
		return Outcome{}, err
	}
	chatID, err := versioning.NewChatID(job.ChatID)
	if err != nil {
		return Outcome{}, err
	}
	actorID, err := versioning.NewUserID(job.ActorID)
	if err != nil {
		return Outcome{}, err
	}
	var branchID *versioning.BranchID
	if strings.TrimSpace(job.BranchID) != "" {
		parsed, err := versioning.NewBranchID(job.BranchID)
		if err != nil {
			return Outcome{}, err
		}
		branchID = &parsed
	}

	var messages []versioning.MessageSnapshot
	err = p.retry(ctx, "load_turn", func() error {
		loaded, err := p.live.TurnSnapshots(ctx, chatID, job.MessageID)
		messages = loaded
		return err
	})
	if err != nil {
		return Outcome{}, err
	}

	suggestion, err := p.suggester.Suggest(ctx, suggest.Turn{ChatID: chatID, TurnID: job.TurnID, Messages: messages})
	if err != nil {
		p.logger.Warn("checkpoint suggestion unavailable",
			zap.String("chat_id", job.ChatID),
			zap.String("turn_id", job.TurnID),
			zap.Error(err),
		)
		return Outcome{}, nil
	}
	if suggestion == nil {
		return Outcome{}, nil
	}

	turnID := strings.TrimSpace(job.TurnID)
	request := versioning.CreateCheckpointRequest{
		ChatID:       chatID,
		BranchID:     branchID,
		Label:        versioning.TruncateLabel(strings.TrimSpace(suggestion.Label)),
		Comment:      suggestion.Comment,
		ActorID:      actorID,
		Messages:     messages,
		Origin:       versioning.OriginPipeline,
		SourceTurnID: &turnID,
		SkipEmpty:    true,
	}
	var created versioning.CheckpointOutcome
	err = p.retry(ctx, "create_checkpoint", func() error {
		outcome, err := p.checkpoints.CreateCheckpoint(ctx, request)
		created = outcome
		return err
	})
	if err != nil {
		return Outcome{Suggested: true}, err
	}
	return Outcome{
		Suggested:  true,
		Created:    created.Created,
		Duplicate:  created.Duplicate,
		Checkpoint: created.Checkpoint,
	}, nil
}

// retry reruns fn with a fixed delay while it fails with a transient error.
func (p *Processor) retry(ctx context.Context, step string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= p.retryAttempts; attempt++ {
		err = fn()
		if err == nil || versioning.KindOf(err) != versioning.KindTransient {
			return err
		}
		p.logger.Warn("transient pipeline failure",
			zap.String("step", step),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt == p.retryAttempts {
			break
		}
		if sleepErr := sleepContext(ctx, p.retryDelay); sleepErr != nil {
			return sleepErr
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrRetriesExhausted, step, p.retryAttempts, err)
}

func (p *Processor) surfaceFailure(ctx context.Context, job TurnJob) {
	chatID, err := versioning.NewChatID(job.ChatID)
	if err != nil {
		return
	}
	if _, err := p.live.AppendMessage(ctx, chatID, chats.MessageInput{
		Role:    terminalMessageRole,
		Content: terminalMessage,
		Status:  chats.StatusError,
	}); err != nil {
		p.logger.Error("failed to record pipeline failure in chat",
			zap.String("chat_id", job.ChatID),
			zap.Error(err),
		)
	}
	if p.publisher != nil {
		p.publisher.Publish(versioning.Event{
			ChatID:    chatID.String(),
			Type:      versioning.EventPipelineFailed,
			BranchID:  job.BranchID,
			Message:   terminalMessage,
			Timestamp: p.clock().UTC(),
		})
	}
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
