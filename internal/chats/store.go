package chats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hgarg1/gemini-nexus-sub001/internal/versioning"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	maxTitleLength   = 190
	queryChatID      = "chat_id = ?"
	queryChatMessage = "chat_id = ? AND message_id = ?"
	orderPosition    = "position ASC, message_id ASC"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrChatNotFound indicates that no chat exists with the identifier.
	ErrChatNotFound = errors.New("chats: chat not found")
	// ErrForbidden indicates that the caller does not own the chat.
	ErrForbidden = errors.New("chats: chat not owned by caller")
	// ErrInvalidTitle indicates an empty or oversized chat title.
	ErrInvalidTitle = errors.New("chats: invalid title")
	// ErrInvalidMessage indicates a live message without a role.
	ErrInvalidMessage = errors.New("chats: invalid message")
	// ErrMessageNotVisible indicates that a turn's message has not been committed yet.
	ErrMessageNotVisible = fmt.Errorf("chats: message not yet visible: %w", versioning.ErrTransient)
)

type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew         = "chats.store.new"
	opCreateChat       = "chats.create_chat"
	opAuthorize        = "chats.authorize"
	opAppendMessage    = "chats.append_message"
	opListMessages     = "chats.list_messages"
	opSetMessageStatus = "chats.set_message_status"
	opTurnSnapshots    = "chats.turn_snapshots"
	opReplaceMessages  = "chats.replace_messages"
	reasonInvalid      = "invalid_input"
	reasonQueryFailed  = "query_failed"
	reasonWriteFailed  = "write_failed"
)

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider versioning.IDProvider
	Logger     *zap.Logger
}

// Store persists chats and their live message rows.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider versioning.IDProvider
	logger     *zap.Logger
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newStoreError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// MessageInput describes a live message to append.
type MessageInput struct {
	MessageID string
	Role      string
	Content   string
	Assets    []string
	Status    MessageStatus
}

// CreateChat stores a new chat owned by ownerID.
func (s *Store) CreateChat(ctx context.Context, ownerID versioning.UserID, title string, defaultBranch versioning.BranchName) (Chat, error) {
	trimmedTitle := strings.TrimSpace(title)
	if trimmedTitle == "" || len(trimmedTitle) > maxTitleLength {
		return Chat{}, newStoreError(opCreateChat, reasonInvalid, ErrInvalidTitle)
	}
	if _, err := versioning.NewUserID(ownerID.String()); err != nil {
		return Chat{}, newStoreError(opCreateChat, reasonInvalid, err)
	}
	chatID, err := s.idProvider.NewID()
	if err != nil {
		return Chat{}, s.logError(opCreateChat, "id_generation_failed", err)
	}
	chat := Chat{
		ChatID:           chatID,
		OwnerID:          ownerID.String(),
		Title:            trimmedTitle,
		DefaultBranch:    defaultBranch.String(),
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&chat).Error; err != nil {
		return Chat{}, s.logError(opCreateChat, reasonWriteFailed, err, zap.String("chat_id", chatID))
	}
	return chat, nil
}

// Authorize loads the chat and confirms that userID owns it.
func (s *Store) Authorize(ctx context.Context, chatID versioning.ChatID, userID versioning.UserID) (Chat, error) {
	var chat Chat
	err := s.db.WithContext(ctx).Where(queryChatID, chatID.String()).Take(&chat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Chat{}, newStoreError(opAuthorize, "not_found", ErrChatNotFound)
	}
	if err != nil {
		return Chat{}, s.logError(opAuthorize, reasonQueryFailed, err, zap.String("chat_id", chatID.String()))
	}
	if chat.OwnerID != userID.String() {
		return Chat{}, newStoreError(opAuthorize, "forbidden", ErrForbidden)
	}
	return chat, nil
}

// AppendMessage adds a live message at the end of the conversation.
func (s *Store) AppendMessage(ctx context.Context, chatID versioning.ChatID, input MessageInput) (ChatMessage, error) {
	role := strings.TrimSpace(input.Role)
	if role == "" {
		return ChatMessage{}, newStoreError(opAppendMessage, reasonInvalid, fmt.Errorf("%w: role required", ErrInvalidMessage))
	}
	messageID := strings.TrimSpace(input.MessageID)
	if messageID == "" {
		generated, err := s.idProvider.NewID()
		if err != nil {
			return ChatMessage{}, s.logError(opAppendMessage, "id_generation_failed", err)
		}
		messageID = generated
	}
	status := input.Status
	if status == "" {
		status = StatusComplete
	}
	assets, err := encodeAssets(input.Assets)
	if err != nil {
		return ChatMessage{}, newStoreError(opAppendMessage, reasonInvalid, err)
	}

	message := ChatMessage{
		ChatID:           chatID.String(),
		MessageID:        messageID,
		Role:             role,
		Content:          input.Content,
		AssetsJSON:       assets,
		Status:           status,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var next struct{ Next int }
		if err := tx.Model(&ChatMessage{}).
			Select("COALESCE(MAX(position), -1) + 1 AS next").
			Where(queryChatID, chatID.String()).
			Scan(&next).Error; err != nil {
			return err
		}
		message.Position = next.Next
		return tx.Create(&message).Error
	})
	if err != nil {
		return ChatMessage{}, s.logError(opAppendMessage, reasonWriteFailed, err,
			zap.String("chat_id", chatID.String()),
			zap.String("message_id", messageID),
		)
	}
	return message, nil
}

// SetMessageStatus marks a live message, typically pending to complete once a turn finishes.
func (s *Store) SetMessageStatus(ctx context.Context, chatID versioning.ChatID, messageID string, status MessageStatus) error {
	result := s.db.WithContext(ctx).Model(&ChatMessage{}).
		Where(queryChatMessage, chatID.String(), messageID).
		Update("status", status)
	if result.Error != nil {
		return s.logError(opSetMessageStatus, reasonWriteFailed, result.Error, zap.String("chat_id", chatID.String()))
	}
	if result.RowsAffected == 0 {
		return newStoreError(opSetMessageStatus, "not_found", fmt.Errorf("%w: %s", ErrInvalidMessage, messageID))
	}
	return nil
}

// ListMessages returns every live row of the chat in display order.
func (s *Store) ListMessages(ctx context.Context, chatID versioning.ChatID) ([]ChatMessage, error) {
	var messages []ChatMessage
	if err := s.db.WithContext(ctx).Where(queryChatID, chatID.String()).Order(orderPosition).Find(&messages).Error; err != nil {
		return nil, s.logError(opListMessages, reasonQueryFailed, err, zap.String("chat_id", chatID.String()))
	}
	return messages, nil
}

// TurnSnapshots returns the completed live messages once the turn's message is committed.
// A missing or still pending turn message yields ErrMessageNotVisible.
func (s *Store) TurnSnapshots(ctx context.Context, chatID versioning.ChatID, messageID string) ([]versioning.MessageSnapshot, error) {
	var snapshots []versioning.MessageSnapshot
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if strings.TrimSpace(messageID) != "" {
			var turn ChatMessage
			err := tx.Where(queryChatMessage, chatID.String(), messageID).Take(&turn).Error
			if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && turn.Status == StatusPending) {
				return ErrMessageNotVisible
			}
			if err != nil {
				return err
			}
		}
		var rows []ChatMessage
		if err := tx.Where(queryChatID+" AND status = ?", chatID.String(), StatusComplete).
			Order(orderPosition).
			Find(&rows).Error; err != nil {
			return err
		}
		converted, err := toSnapshots(rows)
		if err != nil {
			return err
		}
		snapshots = converted
		return nil
	})
	if errors.Is(err, ErrMessageNotVisible) {
		return nil, newStoreError(opTurnSnapshots, "not_visible", err)
	}
	if err != nil {
		return nil, s.logError(opTurnSnapshots, reasonQueryFailed, err, zap.String("chat_id", chatID.String()))
	}
	return snapshots, nil
}

// ReplaceMessages rewrites the chat's live rows so they equal messages, in order.
func (s *Store) ReplaceMessages(ctx context.Context, chatID versioning.ChatID, messages []versioning.MessageSnapshot) (versioning.LiveSyncSummary, error) {
	var summary versioning.LiveSyncSummary
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []ChatMessage
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryChatID, chatID.String()).
			Find(&existing).Error; err != nil {
			return err
		}
		current := make(map[string]ChatMessage, len(existing))
		for _, row := range existing {
			current[row.MessageID] = row
		}

		wanted := make(map[string]struct{}, len(messages))
		for position, snapshot := range messages {
			wanted[snapshot.ID] = struct{}{}
			assets, err := encodeAssets(snapshot.Assets)
			if err != nil {
				return err
			}
			row := ChatMessage{
				ChatID:           chatID.String(),
				MessageID:        snapshot.ID,
				Position:         position,
				Role:             snapshot.Role,
				Content:          snapshot.Content,
				AssetsJSON:       assets,
				Status:           StatusComplete,
				CreatedAtSeconds: snapshot.CreatedAtSeconds,
			}
			previous, ok := current[snapshot.ID]
			if !ok {
				if err := tx.Create(&row).Error; err != nil {
					return err
				}
				summary.Inserted++
				continue
			}
			if previous == row {
				continue
			}
			if err := tx.Model(&ChatMessage{}).
				Where(queryChatMessage, chatID.String(), snapshot.ID).
				Updates(map[string]any{
					"position":     row.Position,
					"role":         row.Role,
					"content":      row.Content,
					"assets_json":  row.AssetsJSON,
					"status":       row.Status,
					"created_at_s": row.CreatedAtSeconds,
				}).Error; err != nil {
				return err
			}
			summary.Updated++
		}

		var stale []string
		for _, row := range existing {
			if _, keep := wanted[row.MessageID]; !keep {
				stale = append(stale, row.MessageID)
			}
		}
		if len(stale) > 0 {
			if err := tx.Where(queryChatID+" AND message_id IN ?", chatID.String(), stale).
				Delete(&ChatMessage{}).Error; err != nil {
				return err
			}
			summary.Deleted = len(stale)
		}
		return nil
	})
	if err != nil {
		return versioning.LiveSyncSummary{}, s.logError(opReplaceMessages, reasonWriteFailed, err, zap.String("chat_id", chatID.String()))
	}
	return summary, nil
}

func toSnapshots(rows []ChatMessage) ([]versioning.MessageSnapshot, error) {
	snapshots := make([]versioning.MessageSnapshot, 0, len(rows))
	for _, row := range rows {
		var assets []string
		if row.AssetsJSON != "" {
			if err := json.Unmarshal([]byte(row.AssetsJSON), &assets); err != nil {
				return nil, fmt.Errorf("message %s: %w", row.MessageID, err)
			}
		}
		if len(assets) == 0 {
			assets = nil
		}
		snapshots = append(snapshots, versioning.MessageSnapshot{
			ID:               row.MessageID,
			Role:             row.Role,
			Content:          row.Content,
			Assets:           assets,
			CreatedAtSeconds: row.CreatedAtSeconds,
		})
	}
	return snapshots, nil
}

func encodeAssets(assets []string) (string, error) {
	if len(assets) == 0 {
		return "[]", nil
	}
	payload, err := json.Marshal(slices.Clone(assets))
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) error {
	serviceErr := newStoreError(operation, reason, err)
	logFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("chat store operation failed", logFields...)
	return serviceErr
}
