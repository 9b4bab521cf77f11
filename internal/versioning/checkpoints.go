package versioning

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type CreateCheckpointRequest struct {
	ChatID   ChatID
	BranchID *BranchID
	Label    string
	Comment  *string
	ActorID  UserID
	Messages []MessageSnapshot
	Origin   CheckpointOrigin
	// SourceTurnID makes creation idempotent per branch: a second request with the same turn is a no-op.
	SourceTurnID *string
	// SkipEmpty suppresses the checkpoint when the live messages match the branch state.
	SkipEmpty bool
}

type CheckpointOutcome struct {
	Checkpoint *Checkpoint
	Branch     Branch
	Delta      Delta
	Created    bool
	Duplicate  bool
}

// checkpointDraft describes a row about to be appended to a branch chain.
type checkpointDraft struct {
	chatID       ChatID
	branchID     string
	parentID     *string
	label        string
	comment      *string
	delta        Delta
	state        StateMap
	origin       CheckpointOrigin
	sourceTurnID *string
	actorID      UserID
}

// CreateCheckpoint diffs messages against the branch state, appends the delta as a new
// checkpoint parented on the current head and advances the head, all in one transaction.
func (s *Service) CreateCheckpoint(ctx context.Context, request CreateCheckpointRequest) (CheckpointOutcome, error) {
	if err := s.ready(opCreateCheckpoint); err != nil {
		return CheckpointOutcome{}, err
	}
	label, err := NewLabel(request.Label)
	if err != nil {
		return CheckpointOutcome{}, newServiceError(opCreateCheckpoint, reasonInvalidInput, err)
	}
	if request.ChatID == "" {
		return CheckpointOutcome{}, newServiceError(opCreateCheckpoint, reasonInvalidInput, ErrInvalidChatID)
	}
	if request.ActorID == "" {
		return CheckpointOutcome{}, newServiceError(opCreateCheckpoint, reasonInvalidInput, ErrInvalidUserID)
	}
	origin := request.Origin
	if origin == "" {
		origin = OriginManual
	}

	branch, err := s.ResolveBranch(ctx, request.ChatID, request.BranchID)
	if err != nil {
		return CheckpointOutcome{}, err
	}
	branchID := BranchID(branch.BranchID)

	var outcome CheckpointOutcome
	err = s.withBranchLock(ctx, opCreateCheckpoint, branchID, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			locked, err := lockBranchRow(tx, request.ChatID, branchID)
			if err != nil {
				return err
			}
			outcome.Branch = locked

			if request.SourceTurnID != nil {
				var existing Checkpoint
				err := tx.Where(queryBranchTurn, locked.BranchID, *request.SourceTurnID).Take(&existing).Error
				if err == nil {
					outcome.Checkpoint = &existing
					outcome.Duplicate = true
					return nil
				}
				if !errors.Is(err, gorm.ErrRecordNotFound) {
					return err
				}
			}

			graph, err := loadHistory(tx, request.ChatID)
			if err != nil {
				return err
			}
			parentID := locked.HeadID
			if parentID == nil {
				parentID = locked.BaseCheckpointID
			}
			if parentID != nil {
				if _, exists := graph.checkpoint(*parentID); !exists {
					return fmt.Errorf("%w: branch %s points at missing checkpoint %s", ErrCorruptHistory, locked.BranchID, *parentID)
				}
			}

			baseState, err := s.materialize(tx, graph, parentID)
			if err != nil {
				return err
			}
			delta := ComputeDelta(baseState, request.Messages)
			outcome.Delta = delta
			if delta.IsEmpty() && request.SkipEmpty {
				return nil
			}

			checkpoint, err := s.appendCheckpoint(tx, graph, checkpointDraft{
				chatID:       request.ChatID,
				branchID:     locked.BranchID,
				parentID:     parentID,
				label:        label,
				comment:      normalizeComment(request.Comment),
				delta:        delta,
				state:        ApplyDelta(baseState, delta),
				origin:       origin,
				sourceTurnID: request.SourceTurnID,
				actorID:      request.ActorID,
			})
			if err != nil {
				return err
			}
			if err := s.advanceHead(tx, &locked, stringPointer(checkpoint.CheckpointID)); err != nil {
				return err
			}
			outcome.Branch = locked
			outcome.Checkpoint = checkpoint
			outcome.Created = true
			return nil
		})
	})
	if err != nil {
		return CheckpointOutcome{}, s.fail(opCreateCheckpoint, reasonInsertFailed, err,
			zap.String(fieldChatID, request.ChatID.String()),
			zap.String(fieldBranchID, branch.BranchID))
	}

	if outcome.Created {
		s.publish(request.ChatID, EventCheckpointCreated, outcome.Branch.BranchID, outcome.Checkpoint.CheckpointID)
	}
	return outcome, nil
}

// appendCheckpoint inserts a checkpoint row and caches its state when due. The caller moves the head.
func (s *Service) appendCheckpoint(tx *gorm.DB, graph *history, draft checkpointDraft) (*Checkpoint, error) {
	checkpointID, err := s.newID()
	if err != nil {
		return nil, err
	}
	encoded, err := EncodeDelta(draft.delta)
	if err != nil {
		return nil, err
	}
	depth := int64(1)
	if draft.parentID != nil {
		parent, exists := graph.checkpoint(*draft.parentID)
		if !exists {
			return nil, fmt.Errorf("%w: missing parent %s", ErrCorruptHistory, *draft.parentID)
		}
		depth = parent.Depth + 1
	}

	checkpoint := &Checkpoint{
		CheckpointID:     checkpointID,
		ChatID:           draft.chatID.String(),
		BranchID:         draft.branchID,
		ParentID:         draft.parentID,
		Depth:            depth,
		Label:            TruncateLabel(draft.label),
		Comment:          draft.comment,
		DeltaJSON:        encoded,
		Origin:           draft.origin,
		SourceTurnID:     draft.sourceTurnID,
		CreatedByID:      draft.actorID.String(),
		CreatedAtSeconds: s.nowSeconds(),
	}
	if err := tx.Create(checkpoint).Error; err != nil {
		return nil, err
	}
	graph.add(checkpoint)
	if err := s.storeSnapshot(tx, graph, checkpoint, draft.state); err != nil {
		return nil, err
	}
	return checkpoint, nil
}

type CheckpointEdit struct {
	Label   *string
	Comment *string
}

// UpdateCheckpoint edits checkpoint metadata. The delta is never touched.
func (s *Service) UpdateCheckpoint(ctx context.Context, chatID ChatID, checkpointID CheckpointID, edit CheckpointEdit) (Checkpoint, error) {
	if err := s.ready(opUpdateCheckpoint); err != nil {
		return Checkpoint{}, err
	}
	updates := map[string]any{}
	if edit.Label != nil {
		label, err := NewLabel(*edit.Label)
		if err != nil {
			return Checkpoint{}, newServiceError(opUpdateCheckpoint, reasonInvalidInput, err)
		}
		updates["label"] = label
	}
	if edit.Comment != nil {
		updates["comment"] = normalizeComment(edit.Comment)
	}

	var checkpoint Checkpoint
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		found, err := findCheckpoint(tx, chatID, checkpointID)
		if err != nil {
			return err
		}
		if len(updates) > 0 {
			if err := tx.Model(&Checkpoint{}).Where(fieldCheckpointID+" = ?", found.CheckpointID).Updates(updates).Error; err != nil {
				return err
			}
		}
		checkpoint, err = findCheckpoint(tx, chatID, checkpointID)
		return err
	})
	if txErr != nil {
		return Checkpoint{}, s.fail(opUpdateCheckpoint, reasonUpdateFailed, txErr, zap.String(fieldCheckpointID, checkpointID.String()))
	}
	return checkpoint, nil
}

func findCheckpoint(tx *gorm.DB, chatID ChatID, checkpointID CheckpointID) (Checkpoint, error) {
	var checkpoint Checkpoint
	err := tx.Where(queryCheckpoint, chatID.String(), checkpointID.String()).Take(&checkpoint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Checkpoint{}, fmt.Errorf("%w: %s", ErrCheckpointNotFound, checkpointID.String())
	}
	return checkpoint, err
}

// GetCheckpoint loads one checkpoint of the chat.
func (s *Service) GetCheckpoint(ctx context.Context, chatID ChatID, checkpointID CheckpointID) (Checkpoint, error) {
	if err := s.ready(opMaterialize); err != nil {
		return Checkpoint{}, err
	}
	checkpoint, err := findCheckpoint(s.db.WithContext(ctx), chatID, checkpointID)
	if err != nil {
		return Checkpoint{}, s.fail(opMaterialize, reasonQueryFailed, err)
	}
	return checkpoint, nil
}

// ListCheckpoints returns every checkpoint of the chat, oldest first.
func (s *Service) ListCheckpoints(ctx context.Context, chatID ChatID) ([]Checkpoint, error) {
	if err := s.ready(opOverview); err != nil {
		return nil, err
	}
	var checkpoints []Checkpoint
	if err := s.db.WithContext(ctx).Where(queryChatID, chatID.String()).Order(orderCreatedAsc).Find(&checkpoints).Error; err != nil {
		return nil, s.fail(opOverview, reasonQueryFailed, err)
	}
	return checkpoints, nil
}

// MaterializeState reconstructs the full message state at checkpointID.
func (s *Service) MaterializeState(ctx context.Context, chatID ChatID, checkpointID CheckpointID) (StateMap, error) {
	if err := s.ready(opMaterialize); err != nil {
		return StateMap{}, err
	}
	var state StateMap
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		graph, err := loadHistory(tx, chatID)
		if err != nil {
			return err
		}
		if _, exists := graph.checkpoint(checkpointID.String()); !exists {
			return fmt.Errorf("%w: %s", ErrCheckpointNotFound, checkpointID.String())
		}
		state, err = s.materialize(tx, graph, stringPointer(checkpointID.String()))
		return err
	})
	if txErr != nil {
		return StateMap{}, s.fail(opMaterialize, reasonQueryFailed, txErr, zap.String(fieldCheckpointID, checkpointID.String()))
	}
	return state, nil
}

// History returns the branch chain from head back to the root.
func (s *Service) History(ctx context.Context, chatID ChatID, branchID BranchID) ([]Checkpoint, error) {
	if err := s.ready(opHistory); err != nil {
		return nil, err
	}
	var entries []Checkpoint
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		branch, err := findBranch(tx, chatID, branchID)
		if err != nil {
			return err
		}
		if branch.HeadID == nil {
			return nil
		}
		graph, err := loadHistory(tx, chatID)
		if err != nil {
			return err
		}
		chain, err := graph.chain(*branch.HeadID)
		if err != nil {
			return err
		}
		entries = make([]Checkpoint, 0, len(chain))
		for index := len(chain) - 1; index >= 0; index-- {
			entries = append(entries, *chain[index])
		}
		return nil
	})
	if txErr != nil {
		return nil, s.fail(opHistory, reasonQueryFailed, txErr, zap.String(fieldBranchID, branchID.String()))
	}
	if entries == nil {
		entries = []Checkpoint{}
	}
	return entries, nil
}

// Diff returns the delta that turns the state at from into the state at to. A nil from is the empty state.
func (s *Service) Diff(ctx context.Context, chatID ChatID, from *CheckpointID, to CheckpointID) (Delta, error) {
	if err := s.ready(opDiff); err != nil {
		return Delta{}, err
	}
	var delta Delta
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		graph, err := loadHistory(tx, chatID)
		if err != nil {
			return err
		}
		var fromID *string
		if from != nil {
			fromID = stringPointer(from.String())
			if _, exists := graph.checkpoint(*fromID); !exists {
				return fmt.Errorf("%w: %s", ErrCheckpointNotFound, *fromID)
			}
		}
		if _, exists := graph.checkpoint(to.String()); !exists {
			return fmt.Errorf("%w: %s", ErrCheckpointNotFound, to.String())
		}
		fromState, err := s.materialize(tx, graph, fromID)
		if err != nil {
			return err
		}
		toState, err := s.materialize(tx, graph, stringPointer(to.String()))
		if err != nil {
			return err
		}
		delta = ComputeDelta(fromState, toState.List())
		return nil
	})
	if txErr != nil {
		return Delta{}, s.fail(opDiff, reasonQueryFailed, txErr)
	}
	return delta, nil
}

func normalizeComment(comment *string) *string {
	if comment == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*comment)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

// TruncateLabel cuts label to the stored length bound on a rune boundary.
func TruncateLabel(label string) string {
	if len(label) <= maxLabelLength {
		return label
	}
	runes := []rune(label)
	for len(string(runes)) > maxLabelLength {
		runes = runes[:len(runes)-1]
	}
	return string(runes)
}
