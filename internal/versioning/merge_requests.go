package versioning

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CreateMergeRequestInput struct {
	ChatID         ChatID
	SourceBranchID BranchID
	TargetBranchID BranchID
	Title          string
	Description    *string
	ActorID        UserID
}

// CreateMergeRequest opens a merge request between two branches of the same chat.
func (s *Service) CreateMergeRequest(ctx context.Context, input CreateMergeRequestInput) (MergeRequest, error) {
	if err := s.ready(opCreateMergeRequest); err != nil {
		return MergeRequest{}, err
	}
	title, err := NewTitle(input.Title)
	if err != nil {
		return MergeRequest{}, newServiceError(opCreateMergeRequest, reasonInvalidInput, err)
	}
	if input.SourceBranchID == "" || input.TargetBranchID == "" {
		return MergeRequest{}, newServiceError(opCreateMergeRequest, reasonInvalidInput, ErrInvalidBranchID)
	}
	if input.SourceBranchID == input.TargetBranchID {
		return MergeRequest{}, newServiceError(opCreateMergeRequest, reasonInvalidInput, ErrSameBranch)
	}
	if input.ActorID == "" {
		return MergeRequest{}, newServiceError(opCreateMergeRequest, reasonInvalidInput, ErrInvalidUserID)
	}

	mergeRequestID, err := s.newID()
	if err != nil {
		s.logError(opCreateMergeRequest, reasonIDFailed, err)
		return MergeRequest{}, newServiceError(opCreateMergeRequest, reasonIDFailed, err)
	}
	request := MergeRequest{
		MergeRequestID:   mergeRequestID,
		ChatID:           input.ChatID.String(),
		SourceBranchID:   input.SourceBranchID.String(),
		TargetBranchID:   input.TargetBranchID.String(),
		Title:            title,
		Description:      normalizeComment(input.Description),
		Status:           MergeRequestOpen,
		CreatedByID:      input.ActorID.String(),
		CreatedAtSeconds: s.nowSeconds(),
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := findBranch(tx, input.ChatID, input.SourceBranchID); err != nil {
			return err
		}
		if _, err := findBranch(tx, input.ChatID, input.TargetBranchID); err != nil {
			return err
		}
		return tx.Create(&request).Error
	})
	if txErr != nil {
		return MergeRequest{}, s.fail(opCreateMergeRequest, reasonInsertFailed, txErr, zap.String(fieldChatID, input.ChatID.String()))
	}
	return request, nil
}

func findMergeRequest(tx *gorm.DB, chatID ChatID, mergeRequestID MergeRequestID, locking bool) (MergeRequest, error) {
	query := tx
	if locking {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var request MergeRequest
	err := query.Where(queryMergeRequest, chatID.String(), mergeRequestID.String()).Take(&request).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return MergeRequest{}, fmt.Errorf("%w: %s", ErrMergeRequestNotFound, mergeRequestID.String())
	}
	return request, err
}

// CloseMergeRequest abandons an open merge request without touching either branch.
func (s *Service) CloseMergeRequest(ctx context.Context, chatID ChatID, mergeRequestID MergeRequestID) (MergeRequest, error) {
	if err := s.ready(opCloseMergeRequest); err != nil {
		return MergeRequest{}, err
	}
	var request MergeRequest
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		found, err := findMergeRequest(tx, chatID, mergeRequestID, true)
		if err != nil {
			return err
		}
		if found.Status != MergeRequestOpen {
			return fmt.Errorf("%w: status %s", ErrMergeRequestNotOpen, found.Status)
		}
		resolvedAt := s.nowSeconds()
		if err := tx.Model(&MergeRequest{}).
			Where(fieldMergeRequest+" = ?", found.MergeRequestID).
			Updates(map[string]any{"status": MergeRequestClosed, "resolved_at_s": resolvedAt}).Error; err != nil {
			return err
		}
		found.Status = MergeRequestClosed
		found.ResolvedAtSeconds = int64Pointer(resolvedAt)
		request = found
		return nil
	})
	if txErr != nil {
		return MergeRequest{}, s.fail(opCloseMergeRequest, reasonUpdateFailed, txErr, zap.String(fieldMergeRequest, mergeRequestID.String()))
	}
	return request, nil
}

// ListMergeRequests returns the chat's merge requests, oldest first.
func (s *Service) ListMergeRequests(ctx context.Context, chatID ChatID) ([]MergeRequest, error) {
	if err := s.ready(opOverview); err != nil {
		return nil, err
	}
	var requests []MergeRequest
	if err := s.db.WithContext(ctx).Where(queryChatID, chatID.String()).Order("created_at_s ASC, merge_request_id ASC").Find(&requests).Error; err != nil {
		return nil, s.fail(opOverview, reasonQueryFailed, err)
	}
	return requests, nil
}

type MergePreview struct {
	MergeRequest MergeRequest
	Ancestry     Ancestry
	Legal        []Strategy
}

// PreviewMerge reports the current ancestry of a merge request and the strategies it allows.
func (s *Service) PreviewMerge(ctx context.Context, chatID ChatID, mergeRequestID MergeRequestID) (MergePreview, error) {
	if err := s.ready(opPreviewMerge); err != nil {
		return MergePreview{}, err
	}
	var preview MergePreview
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		request, err := findMergeRequest(tx, chatID, mergeRequestID, false)
		if err != nil {
			return err
		}
		source, err := findBranch(tx, chatID, BranchID(request.SourceBranchID))
		if err != nil {
			return err
		}
		target, err := findBranch(tx, chatID, BranchID(request.TargetBranchID))
		if err != nil {
			return err
		}
		graph, err := loadHistory(tx, chatID)
		if err != nil {
			return err
		}
		ancestry, err := computeAncestry(graph, target.HeadID, source.HeadID)
		if err != nil {
			return err
		}
		preview = MergePreview{MergeRequest: request, Ancestry: ancestry, Legal: LegalStrategies(ancestry)}
		return nil
	})
	if txErr != nil {
		return MergePreview{}, s.fail(opPreviewMerge, reasonQueryFailed, txErr, zap.String(fieldMergeRequest, mergeRequestID.String()))
	}
	return preview, nil
}

type MergeResult struct {
	MergeRequest         MergeRequest
	Target               Branch
	CreatedCheckpointIDs []string
}

// ExecuteMerge integrates the source branch into the target with strategy. It holds the target
// branch lock throughout; on any failure the request stays open and the target head is unchanged.
func (s *Service) ExecuteMerge(ctx context.Context, chatID ChatID, mergeRequestID MergeRequestID, strategy Strategy, actorID UserID) (MergeResult, error) {
	if err := s.ready(opExecuteMerge); err != nil {
		return MergeResult{}, err
	}
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return MergeResult{}, newServiceError(opExecuteMerge, reasonInvalidInput, err)
	}
	if actorID == "" {
		return MergeResult{}, newServiceError(opExecuteMerge, reasonInvalidInput, ErrInvalidUserID)
	}

	pending, err := findMergeRequest(s.db.WithContext(ctx), chatID, mergeRequestID, false)
	if err != nil {
		return MergeResult{}, s.fail(opExecuteMerge, reasonQueryFailed, err)
	}
	targetID := BranchID(pending.TargetBranchID)

	var result MergeResult
	err = s.withBranchLock(ctx, opExecuteMerge, targetID, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			request, err := findMergeRequest(tx, chatID, mergeRequestID, true)
			if err != nil {
				return err
			}
			if request.Status != MergeRequestOpen {
				return fmt.Errorf("%w: status %s", ErrMergeRequestNotOpen, request.Status)
			}
			target, err := lockBranchRow(tx, chatID, targetID)
			if err != nil {
				return err
			}
			source, err := findBranch(tx, chatID, BranchID(request.SourceBranchID))
			if err != nil {
				return err
			}

			graph, err := loadHistory(tx, chatID)
			if err != nil {
				return err
			}
			ancestry, err := computeAncestry(graph, target.HeadID, source.HeadID)
			if err != nil {
				return err
			}
			effect, err := planMerge(strategy, ancestry)
			if err != nil {
				return err
			}

			created, err := s.applyEffect(tx, effect, effectContext{
				chatID:      chatID,
				graph:       graph,
				target:      &target,
				actorID:     actorID,
				origin:      OriginMerge,
				squashLabel: fmt.Sprintf("merge %s into %s", source.Name, target.Name),
			})
			if err != nil {
				return err
			}

			resolvedAt := s.nowSeconds()
			strategyName := string(effect.strategy())
			if err := tx.Model(&MergeRequest{}).
				Where(fieldMergeRequest+" = ?", request.MergeRequestID).
				Updates(map[string]any{
					"status":        MergeRequestMerged,
					"strategy":      strategyName,
					"resolved_at_s": resolvedAt,
				}).Error; err != nil {
				return err
			}
			request.Status = MergeRequestMerged
			request.Strategy = &strategyName
			request.ResolvedAtSeconds = int64Pointer(resolvedAt)

			result = MergeResult{MergeRequest: request, Target: target, CreatedCheckpointIDs: created}
			return nil
		})
	})
	if err != nil {
		return MergeResult{}, s.fail(opExecuteMerge, reasonUpdateFailed, err,
			zap.String(fieldMergeRequest, mergeRequestID.String()),
			zap.String("strategy", string(strategy)))
	}

	s.publish(chatID, EventMergeCompleted, result.Target.BranchID, result.CreatedCheckpointIDs...)
	return result, nil
}
