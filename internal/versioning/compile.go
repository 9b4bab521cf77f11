package versioning

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type CompileResult struct {
	BranchID     string
	HeadID       *string
	MessageCount int
	Sync         LiveSyncSummary
}

// Compile overwrites the chat's live messages with the materialized state of the branch head.
// The branch lock is held until the live store has been rewritten.
func (s *Service) Compile(ctx context.Context, chatID ChatID, branchID BranchID) (CompileResult, error) {
	if err := s.ready(opCompile); err != nil {
		return CompileResult{}, err
	}
	if s.live == nil {
		s.logError(opCompile, "missing_live_store", errMissingLiveStore)
		return CompileResult{}, newServiceError(opCompile, "missing_live_store", errMissingLiveStore)
	}

	var result CompileResult
	err := s.withBranchLock(ctx, opCompile, branchID, func() error {
		var state StateMap
		txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			branch, err := findBranch(tx, chatID, branchID)
			if err != nil {
				return err
			}
			tip := branch.HeadID
			if tip == nil {
				tip = branch.BaseCheckpointID
			}
			graph, err := loadHistory(tx, chatID)
			if err != nil {
				return err
			}
			state, err = s.materialize(tx, graph, tip)
			if err != nil {
				return err
			}
			result.BranchID = branch.BranchID
			result.HeadID = tip
			return nil
		})
		if txErr != nil {
			return txErr
		}

		summary, err := s.live.ReplaceMessages(ctx, chatID, state.List())
		if err != nil {
			s.logError(opCompile, reasonLiveSyncFailed, err, zap.String(fieldBranchID, branchID.String()))
			return newServiceError(opCompile, reasonLiveSyncFailed, err)
		}
		result.MessageCount = state.Len()
		result.Sync = summary
		return nil
	})
	if err != nil {
		return CompileResult{}, s.fail(opCompile, reasonQueryFailed, err, zap.String(fieldBranchID, branchID.String()))
	}

	var checkpointIDs []string
	if result.HeadID != nil {
		checkpointIDs = append(checkpointIDs, *result.HeadID)
	}
	s.publish(chatID, EventCompiled, result.BranchID, checkpointIDs...)
	return result, nil
}
