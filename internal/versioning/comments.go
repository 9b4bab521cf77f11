package versioning

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type AddCommentRequest struct {
	ChatID     ChatID
	ParentKind CommentParentKind
	ParentID   string
	AuthorID   UserID
	Content    string
}

// AddComment appends a comment to a checkpoint or merge request thread.
func (s *Service) AddComment(ctx context.Context, request AddCommentRequest) (Comment, error) {
	if err := s.ready(opAddComment); err != nil {
		return Comment{}, err
	}
	content := strings.TrimSpace(request.Content)
	if content == "" {
		return Comment{}, newServiceError(opAddComment, reasonInvalidInput, fmt.Errorf("%w: empty", ErrInvalidComment))
	}
	if request.AuthorID == "" {
		return Comment{}, newServiceError(opAddComment, reasonInvalidInput, ErrInvalidUserID)
	}

	var parentModel any
	var parentQuery string
	switch request.ParentKind {
	case CommentOnCheckpoint:
		parentModel, parentQuery = &Checkpoint{}, queryCheckpoint
	case CommentOnMergeRequest:
		parentModel, parentQuery = &MergeRequest{}, queryMergeRequest
	default:
		return Comment{}, newServiceError(opAddComment, reasonInvalidInput, fmt.Errorf("%w: unknown parent kind %q", ErrInvalidComment, request.ParentKind))
	}

	commentID, err := s.newID()
	if err != nil {
		s.logError(opAddComment, reasonIDFailed, err)
		return Comment{}, newServiceError(opAddComment, reasonIDFailed, err)
	}
	comment := Comment{
		CommentID:        commentID,
		ChatID:           request.ChatID.String(),
		ParentKind:       request.ParentKind,
		ParentID:         request.ParentID,
		AuthorID:         request.AuthorID.String(),
		Content:          content,
		CreatedAtSeconds: s.nowSeconds(),
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where(parentQuery, request.ChatID.String(), request.ParentID).Take(parentModel).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if request.ParentKind == CommentOnCheckpoint {
				return fmt.Errorf("%w: %s", ErrCheckpointNotFound, request.ParentID)
			}
			return fmt.Errorf("%w: %s", ErrMergeRequestNotFound, request.ParentID)
		}
		if err != nil {
			return err
		}
		return tx.Create(&comment).Error
	})
	if txErr != nil {
		return Comment{}, s.fail(opAddComment, reasonInsertFailed, txErr,
			zap.String("parent_kind", string(request.ParentKind)),
			zap.String("parent_id", request.ParentID))
	}
	return comment, nil
}

// Overview is the full visualization payload of a chat.
type Overview struct {
	Branches      []Branch
	Checkpoints   []Checkpoint
	MergeRequests []MergeRequest
	Comments      []Comment
}

// Overview reads every branch, checkpoint, merge request and comment of the chat in one transaction.
func (s *Service) Overview(ctx context.Context, chatID ChatID) (Overview, error) {
	if err := s.ready(opOverview); err != nil {
		return Overview{}, err
	}
	overview := Overview{
		Branches:      []Branch{},
		Checkpoints:   []Checkpoint{},
		MergeRequests: []MergeRequest{},
		Comments:      []Comment{},
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where(queryChatID, chatID.String()).Order(orderBranchCreated).Find(&overview.Branches).Error; err != nil {
			return err
		}
		if err := tx.Where(queryChatID, chatID.String()).Order(orderCreatedAsc).Find(&overview.Checkpoints).Error; err != nil {
			return err
		}
		if err := tx.Where(queryChatID, chatID.String()).Order("created_at_s ASC, merge_request_id ASC").Find(&overview.MergeRequests).Error; err != nil {
			return err
		}
		return tx.Where(queryChatID, chatID.String()).Order("created_at_s ASC, comment_id ASC").Find(&overview.Comments).Error
	})
	if txErr != nil {
		return Overview{}, s.fail(opOverview, reasonQueryFailed, txErr, zap.String(fieldChatID, chatID.String()))
	}
	return overview, nil
}
