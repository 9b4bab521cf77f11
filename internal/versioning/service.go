package versioning

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultBranchName  = "master"
	fieldChatID        = "chat_id"
	fieldBranchID      = "branch_id"
	fieldCheckpointID  = "checkpoint_id"
	fieldMergeRequest  = "merge_request_id"
	queryChatID        = fieldChatID + " = ?"
	queryBranch        = fieldChatID + " = ? AND " + fieldBranchID + " = ?"
	queryBranchName    = fieldChatID + " = ? AND name = ?"
	queryCheckpoint    = fieldChatID + " = ? AND " + fieldCheckpointID + " = ?"
	queryMergeRequest  = fieldChatID + " = ? AND " + fieldMergeRequest + " = ?"
	queryBranchTurn    = fieldBranchID + " = ? AND source_turn_id = ?"
	orderCreatedAsc    = "created_at_s ASC, " + fieldCheckpointID + " ASC"
	orderBranchCreated = "created_at_s ASC, name ASC"
)

var noOpLogger = zap.NewNop()

// LiveMessageStore is the user-visible message table that Compile overwrites.
type LiveMessageStore interface {
	ReplaceMessages(ctx context.Context, chatID ChatID, messages []MessageSnapshot) (LiveSyncSummary, error)
}

// LiveSyncSummary reports the row changes Compile caused in the live store.
type LiveSyncSummary struct {
	Inserted int
	Updated  int
	Deleted  int
}

type ServiceConfig struct {
	Database          *gorm.DB
	Clock             func() time.Time
	IDProvider        IDProvider
	Logger            *zap.Logger
	Locks             *BranchLocks
	Publisher         EventPublisher
	LiveMessages      LiveMessageStore
	SnapshotInterval  int
	DefaultBranchName string
}

// Service owns branches, checkpoints and merge requests, and runs merge, restore and compile.
type Service struct {
	db               *gorm.DB
	clock            func() time.Time
	idProvider       IDProvider
	logger           *zap.Logger
	locks            *BranchLocks
	publisher        EventPublisher
	live             LiveMessageStore
	codec            *snapshotCodec
	snapshotInterval int
	defaultBranch    BranchName
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	locks := cfg.Locks
	if locks == nil {
		locks = NewBranchLocks()
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = noopPublisher{}
	}

	branchName := BranchName(defaultBranchName)
	if cfg.DefaultBranchName != "" {
		name, err := NewBranchName(cfg.DefaultBranchName)
		if err != nil {
			return nil, newServiceError(opServiceNew, reasonInvalidInput, err)
		}
		branchName = name
	}

	codec, err := newSnapshotCodec()
	if err != nil {
		return nil, newServiceError(opServiceNew, "snapshot_codec_failed", err)
	}

	interval := cfg.SnapshotInterval
	if interval < 0 {
		interval = 0
	}

	return &Service{
		db:               cfg.Database,
		clock:            clock,
		idProvider:       cfg.IDProvider,
		logger:           logger,
		locks:            locks,
		publisher:        publisher,
		live:             cfg.LiveMessages,
		codec:            codec,
		snapshotInterval: interval,
		defaultBranch:    branchName,
	}, nil
}

// DefaultBranchName returns the branch name used when callers do not pick one.
func (s *Service) DefaultBranchName() BranchName {
	return s.defaultBranch
}

func (s *Service) nowSeconds() int64 {
	return s.clock().UTC().Unix()
}

func (s *Service) newID() (string, error) {
	return s.idProvider.NewID()
}

func (s *Service) ready(operation string) error {
	if s == nil || s.db == nil {
		s.logError(operation, reasonMissingDatabase, errMissingDatabase)
		return newServiceError(operation, reasonMissingDatabase, errMissingDatabase)
	}
	return nil
}

// lockBranchRow re-reads the branch inside tx with a row lock.
func lockBranchRow(tx *gorm.DB, chatID ChatID, branchID BranchID) (Branch, error) {
	var branch Branch
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryBranch, chatID.String(), branchID.String()).
		Take(&branch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Branch{}, ErrBranchNotFound
	}
	return branch, err
}

func findBranch(tx *gorm.DB, chatID ChatID, branchID BranchID) (Branch, error) {
	var branch Branch
	err := tx.Where(queryBranch, chatID.String(), branchID.String()).Take(&branch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Branch{}, ErrBranchNotFound
	}
	return branch, err
}

func (s *Service) advanceHead(tx *gorm.DB, branch *Branch, headID *string) error {
	now := s.nowSeconds()
	err := tx.Model(&Branch{}).
		Where(fieldBranchID+" = ?", branch.BranchID).
		Updates(map[string]any{"head_id": headID, "updated_at_s": now}).Error
	if err != nil {
		return err
	}
	branch.HeadID = headID
	branch.UpdatedAtSeconds = now
	return nil
}

// withBranchLock serializes fn against every other writer of the branch.
func (s *Service) withBranchLock(ctx context.Context, operation string, branchID BranchID, fn func() error) error {
	release, err := s.locks.Acquire(ctx, branchID.String())
	if err != nil {
		s.logError(operation, reasonLockFailed, err, zap.String(fieldBranchID, branchID.String()))
		return newServiceError(operation, reasonLockFailed, err)
	}
	defer release()
	return fn()
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("versioning service error", attrs...)
}

// fail logs and wraps err unless it is already a ServiceError.
func (s *Service) fail(operation, reason string, err error, fields ...zap.Field) error {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	kind := classify(err)
	if kind == KindInternal || kind == KindTransient {
		s.logError(operation, reason, err, fields...)
	}
	return newServiceError(operation, reasonFor(reason, kind), err)
}

func reasonFor(fallback string, kind ErrorKind) string {
	switch kind {
	case KindValidation:
		return reasonInvalidInput
	case KindNotFound:
		return reasonNotFound
	case KindConflict:
		return reasonConflict
	}
	return fallback
}

func stringPointer(value string) *string {
	v := value
	return &v
}

func int64Pointer(value int64) *int64 {
	v := value
	return &v
}
