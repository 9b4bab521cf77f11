package versioning

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type RestoreRequest struct {
	ChatID       ChatID
	BranchID     BranchID
	CheckpointID CheckpointID
	Strategy     Strategy
	ActorID      UserID
}

type RestoreResult struct {
	Branch               Branch
	CreatedCheckpointIDs []string
	// Rewound is true when the checkpoint was already in the branch history and only the head moved.
	Rewound bool
}

// Restore moves a branch to the state of any checkpoint in the chat. Checkpoints already in the
// branch history are a head reset; any other checkpoint is squashed or rebased onto the head.
func (s *Service) Restore(ctx context.Context, request RestoreRequest) (RestoreResult, error) {
	if err := s.ready(opRestore); err != nil {
		return RestoreResult{}, err
	}
	if request.ChatID == "" || request.BranchID == "" || request.CheckpointID == "" {
		return RestoreResult{}, newServiceError(opRestore, reasonInvalidInput, fmt.Errorf("%w: chat, branch and checkpoint are required", ErrInvalidCheckpointID))
	}
	if _, err := ParseStrategy(string(request.Strategy)); err != nil {
		return RestoreResult{}, newServiceError(opRestore, reasonInvalidInput, err)
	}
	if request.ActorID == "" {
		return RestoreResult{}, newServiceError(opRestore, reasonInvalidInput, ErrInvalidUserID)
	}

	var result RestoreResult
	err := s.withBranchLock(ctx, opRestore, request.BranchID, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			branch, err := lockBranchRow(tx, request.ChatID, request.BranchID)
			if err != nil {
				return err
			}
			graph, err := loadHistory(tx, request.ChatID)
			if err != nil {
				return err
			}
			checkpoint, exists := graph.checkpoint(request.CheckpointID.String())
			if !exists {
				return fmt.Errorf("%w: %s", ErrCheckpointNotFound, request.CheckpointID.String())
			}

			ancestry, err := computeAncestry(graph, branch.HeadID, stringPointer(checkpoint.CheckpointID))
			if err != nil {
				return err
			}
			effect, err := planRestore(request.Strategy, ancestry)
			if err != nil {
				return err
			}

			created, err := s.applyEffect(tx, effect, effectContext{
				chatID:      request.ChatID,
				graph:       graph,
				target:      &branch,
				actorID:     request.ActorID,
				origin:      OriginRestore,
				squashLabel: fmt.Sprintf("restore %s", checkpoint.Label),
			})
			if err != nil {
				return err
			}
			result = RestoreResult{Branch: branch, CreatedCheckpointIDs: created, Rewound: ancestry.SourceContained}
			return nil
		})
	})
	if err != nil {
		return RestoreResult{}, s.fail(opRestore, reasonUpdateFailed, err,
			zap.String(fieldBranchID, request.BranchID.String()),
			zap.String(fieldCheckpointID, request.CheckpointID.String()))
	}

	if len(result.CreatedCheckpointIDs) > 0 {
		s.publish(request.ChatID, EventCheckpointCreated, result.Branch.BranchID, result.CreatedCheckpointIDs...)
	}
	s.publish(request.ChatID, EventBranchUpdated, result.Branch.BranchID)
	return result, nil
}

// planRestore reuses planMerge with the restored checkpoint as the source head. A checkpoint
// already in the branch history is always a pointer reset; fast-forward is only that reset.
func planRestore(strategy Strategy, ancestry Ancestry) (mergeEffect, error) {
	if ancestry.SourceContained {
		return fastForwardEffect{head: ancestry.SourceHead}, nil
	}
	if strategy == StrategyFastForward {
		return nil, fmt.Errorf("%w: fast-forward restore requires a checkpoint in the branch history", ErrIllegalStrategy)
	}
	return planMerge(strategy, ancestry)
}
