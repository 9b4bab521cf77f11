package versioning

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CreateBranchRequest struct {
	ChatID           ChatID
	Name             BranchName
	BaseCheckpointID *CheckpointID
}

// CreateBranch adds a branch to the chat. A base checkpoint becomes both its head and its fork point.
func (s *Service) CreateBranch(ctx context.Context, request CreateBranchRequest) (Branch, error) {
	if err := s.ready(opCreateBranch); err != nil {
		return Branch{}, err
	}
	if request.ChatID == "" || request.Name == "" {
		return Branch{}, newServiceError(opCreateBranch, reasonInvalidInput, fmt.Errorf("%w: chat id and name are required", ErrInvalidBranchName))
	}

	branchID, err := s.newID()
	if err != nil {
		s.logError(opCreateBranch, reasonIDFailed, err)
		return Branch{}, newServiceError(opCreateBranch, reasonIDFailed, err)
	}

	now := s.nowSeconds()
	branch := Branch{
		BranchID:         branchID,
		ChatID:           request.ChatID.String(),
		Name:             request.Name.String(),
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureNameAvailable(tx, request.ChatID, request.Name, ""); err != nil {
			return err
		}
		if request.BaseCheckpointID != nil {
			var base Checkpoint
			err := tx.Where(queryCheckpoint, request.ChatID.String(), request.BaseCheckpointID.String()).Take(&base).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrCheckpointNotFound, request.BaseCheckpointID.String())
			}
			if err != nil {
				return err
			}
			branch.HeadID = stringPointer(base.CheckpointID)
			branch.BaseCheckpointID = stringPointer(base.CheckpointID)
		}
		return tx.Create(&branch).Error
	})
	if txErr != nil {
		return Branch{}, s.fail(opCreateBranch, reasonInsertFailed, txErr,
			zap.String(fieldChatID, request.ChatID.String()),
			zap.String("name", request.Name.String()))
	}

	s.publish(request.ChatID, EventBranchUpdated, branch.BranchID)
	return branch, nil
}

func ensureNameAvailable(tx *gorm.DB, chatID ChatID, name BranchName, exceptBranchID string) error {
	var existing Branch
	err := tx.Where(queryBranchName, chatID.String(), name.String()).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if existing.BranchID == exceptBranchID {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrBranchNameTaken, name.String())
}

// RenameBranch changes a branch name, keeping names unique per chat.
func (s *Service) RenameBranch(ctx context.Context, chatID ChatID, branchID BranchID, name BranchName) (Branch, error) {
	if err := s.ready(opRenameBranch); err != nil {
		return Branch{}, err
	}

	var branch Branch
	err := s.withBranchLock(ctx, opRenameBranch, branchID, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			locked, err := lockBranchRow(tx, chatID, branchID)
			if err != nil {
				return err
			}
			if locked.Name == s.defaultBranch.String() && name != s.defaultBranch {
				return fmt.Errorf("%w: %s", ErrDefaultBranch, locked.Name)
			}
			if err := ensureNameAvailable(tx, chatID, name, locked.BranchID); err != nil {
				return err
			}
			now := s.nowSeconds()
			if err := tx.Model(&Branch{}).
				Where(fieldBranchID+" = ?", locked.BranchID).
				Updates(map[string]any{"name": name.String(), "updated_at_s": now}).Error; err != nil {
				return err
			}
			locked.Name = name.String()
			locked.UpdatedAtSeconds = now
			branch = locked
			return nil
		})
	})
	if err != nil {
		return Branch{}, s.fail(opRenameBranch, reasonUpdateFailed, err, zap.String(fieldBranchID, branchID.String()))
	}

	s.publish(chatID, EventBranchUpdated, branch.BranchID)
	return branch, nil
}

// DeleteBranch removes a branch pointer. Its checkpoints stay, since other branches may share them.
func (s *Service) DeleteBranch(ctx context.Context, chatID ChatID, branchID BranchID) error {
	if err := s.ready(opDeleteBranch); err != nil {
		return err
	}

	err := s.withBranchLock(ctx, opDeleteBranch, branchID, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			locked, err := lockBranchRow(tx, chatID, branchID)
			if err != nil {
				return err
			}
			if locked.Name == s.defaultBranch.String() {
				return fmt.Errorf("%w: %s", ErrDefaultBranch, locked.Name)
			}
			var openCount int64
			if err := tx.Model(&MergeRequest{}).
				Where("chat_id = ? AND status = ? AND (source_branch_id = ? OR target_branch_id = ?)",
					chatID.String(), MergeRequestOpen, locked.BranchID, locked.BranchID).
				Count(&openCount).Error; err != nil {
				return err
			}
			if openCount > 0 {
				return fmt.Errorf("%w: %d open", ErrBranchInUse, openCount)
			}
			return tx.Where(fieldBranchID+" = ?", locked.BranchID).Delete(&Branch{}).Error
		})
	})
	if err != nil {
		return s.fail(opDeleteBranch, reasonUpdateFailed, err, zap.String(fieldBranchID, branchID.String()))
	}

	s.publish(chatID, EventBranchUpdated, branchID.String())
	return nil
}

// ResolveBranch returns the named branch, or the chat's default branch when branchID is nil.
// The default branch is created on first use.
func (s *Service) ResolveBranch(ctx context.Context, chatID ChatID, branchID *BranchID) (Branch, error) {
	if err := s.ready(opResolveBranch); err != nil {
		return Branch{}, err
	}
	if chatID == "" {
		return Branch{}, newServiceError(opResolveBranch, reasonInvalidInput, ErrInvalidChatID)
	}

	if branchID != nil {
		branch, err := findBranch(s.db.WithContext(ctx), chatID, *branchID)
		if err != nil {
			return Branch{}, s.fail(opResolveBranch, reasonQueryFailed, err, zap.String(fieldBranchID, branchID.String()))
		}
		return branch, nil
	}

	var branch Branch
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		resolved, err := s.ensureDefaultBranch(tx, chatID)
		branch = resolved
		return err
	})
	if txErr != nil {
		return Branch{}, s.fail(opResolveBranch, reasonInsertFailed, txErr, zap.String(fieldChatID, chatID.String()))
	}
	return branch, nil
}

func (s *Service) ensureDefaultBranch(tx *gorm.DB, chatID ChatID) (Branch, error) {
	var branch Branch
	err := tx.Where(queryBranchName, chatID.String(), s.defaultBranch.String()).Take(&branch).Error
	if err == nil {
		return branch, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Branch{}, err
	}

	branchID, err := s.newID()
	if err != nil {
		return Branch{}, err
	}
	now := s.nowSeconds()
	candidate := Branch{
		BranchID:         branchID,
		ChatID:           chatID.String(),
		Name:             s.defaultBranch.String(),
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate).Error; err != nil {
		return Branch{}, err
	}
	if err := tx.Where(queryBranchName, chatID.String(), s.defaultBranch.String()).Take(&branch).Error; err != nil {
		return Branch{}, err
	}
	return branch, nil
}

// ListBranches returns the chat's branches, oldest first.
func (s *Service) ListBranches(ctx context.Context, chatID ChatID) ([]Branch, error) {
	if err := s.ready(opListBranches); err != nil {
		return nil, err
	}
	var branches []Branch
	if err := s.db.WithContext(ctx).Where(queryChatID, chatID.String()).Order(orderBranchCreated).Find(&branches).Error; err != nil {
		return nil, s.fail(opListBranches, reasonQueryFailed, err, zap.String(fieldChatID, chatID.String()))
	}
	return branches, nil
}
