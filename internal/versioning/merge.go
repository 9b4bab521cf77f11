package versioning

import (
	"fmt"

	"gorm.io/gorm"
)

// Ancestry describes how two heads relate. SourceHead stands for whatever is being
// integrated into the target: another branch head on merge, a historical checkpoint on restore.
type Ancestry struct {
	TargetHead     *string
	SourceHead     *string
	CommonAncestor *string
	// TargetContained is true when the target head is nil or an ancestor of the source head.
	TargetContained bool
	// SourceContained is true when the source head is nil or an ancestor of the target head.
	SourceContained bool
}

// Diverged reports whether each side has checkpoints the other lacks.
func (a Ancestry) Diverged() bool {
	return !a.TargetContained && !a.SourceContained
}

func computeAncestry(graph *history, targetHead, sourceHead *string) (Ancestry, error) {
	sourceAncestors, err := graph.ancestors(sourceHead)
	if err != nil {
		return Ancestry{}, err
	}
	targetAncestors, err := graph.ancestors(targetHead)
	if err != nil {
		return Ancestry{}, err
	}
	common, err := graph.commonAncestor(targetHead, sourceHead)
	if err != nil {
		return Ancestry{}, err
	}
	return Ancestry{
		TargetHead:      targetHead,
		SourceHead:      sourceHead,
		CommonAncestor:  common,
		TargetContained: targetHead == nil || contains(sourceAncestors, targetHead),
		SourceContained: sourceHead == nil || contains(targetAncestors, sourceHead),
	}, nil
}

// mergeEffect is the planned mutation of the target branch; exactly one of
// fastForwardEffect, squashEffect or rebaseEffect.
type mergeEffect interface {
	strategy() Strategy
}

type fastForwardEffect struct {
	head *string
}

func (fastForwardEffect) strategy() Strategy { return StrategyFastForward }

type squashEffect struct {
	sourceHead *string
}

func (squashEffect) strategy() Strategy { return StrategySquash }

type rebaseEffect struct {
	sourceHead     string
	commonAncestor *string
}

func (rebaseEffect) strategy() Strategy { return StrategyRebase }

// planMerge decides whether strategy is legal for ancestry and returns the effect to apply.
func planMerge(strategy Strategy, ancestry Ancestry) (mergeEffect, error) {
	switch strategy {
	case StrategyFastForward:
		if !ancestry.TargetContained {
			return nil, fmt.Errorf("%w: fast-forward requires the target head to be an ancestor of the source head", ErrIllegalStrategy)
		}
		return fastForwardEffect{head: ancestry.SourceHead}, nil
	case StrategySquash:
		return squashEffect{sourceHead: ancestry.SourceHead}, nil
	case StrategyRebase:
		if ancestry.SourceContained {
			return nil, fmt.Errorf("%w: rebase requires source checkpoints missing from the target", ErrIllegalStrategy)
		}
		return rebaseEffect{sourceHead: *ancestry.SourceHead, commonAncestor: ancestry.CommonAncestor}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStrategy, strategy)
	}
}

// LegalStrategies lists the strategies planMerge accepts for ancestry.
func LegalStrategies(ancestry Ancestry) []Strategy {
	legal := make([]Strategy, 0, 3)
	for _, strategy := range []Strategy{StrategyFastForward, StrategySquash, StrategyRebase} {
		if _, err := planMerge(strategy, ancestry); err == nil {
			legal = append(legal, strategy)
		}
	}
	return legal
}

type effectContext struct {
	chatID      ChatID
	graph       *history
	target      *Branch
	actorID     UserID
	origin      CheckpointOrigin
	squashLabel string
}

// applyEffect mutates the target branch inside tx and returns the ids of checkpoints it created.
func (s *Service) applyEffect(tx *gorm.DB, effect mergeEffect, ec effectContext) ([]string, error) {
	switch planned := effect.(type) {
	case fastForwardEffect:
		return []string{}, s.advanceHead(tx, ec.target, planned.head)
	case squashEffect:
		return s.applySquash(tx, planned, ec)
	case rebaseEffect:
		return s.applyRebase(tx, planned, ec)
	default:
		return nil, fmt.Errorf("%w: unsupported effect %T", ErrInvalidStrategy, effect)
	}
}

func (s *Service) applySquash(tx *gorm.DB, effect squashEffect, ec effectContext) ([]string, error) {
	targetState, err := s.materialize(tx, ec.graph, ec.target.HeadID)
	if err != nil {
		return nil, err
	}
	sourceState, err := s.materialize(tx, ec.graph, effect.sourceHead)
	if err != nil {
		return nil, err
	}
	delta := ComputeDelta(targetState, sourceState.List())
	checkpoint, err := s.appendCheckpoint(tx, ec.graph, checkpointDraft{
		chatID:   ec.chatID,
		branchID: ec.target.BranchID,
		parentID: ec.target.HeadID,
		label:    ec.squashLabel,
		delta:    delta,
		state:    ApplyDelta(targetState, delta),
		origin:   ec.origin,
		actorID:  ec.actorID,
	})
	if err != nil {
		return nil, err
	}
	if err := s.advanceHead(tx, ec.target, stringPointer(checkpoint.CheckpointID)); err != nil {
		return nil, err
	}
	return []string{checkpoint.CheckpointID}, nil
}

// applyRebase replays each source checkpoint after the common ancestor onto the rolling target
// state, recomputing its delta and keeping its label and comment.
func (s *Service) applyRebase(tx *gorm.DB, effect rebaseEffect, ec effectContext) ([]string, error) {
	unique, err := ec.graph.chainAfter(effect.sourceHead, effect.commonAncestor)
	if err != nil {
		return nil, err
	}
	targetState, err := s.materialize(tx, ec.graph, ec.target.HeadID)
	if err != nil {
		return nil, err
	}
	sourceState, err := s.materialize(tx, ec.graph, effect.commonAncestor)
	if err != nil {
		return nil, err
	}

	created := make([]string, 0, len(unique))
	rollingHead := ec.target.HeadID
	for _, original := range unique {
		originalDelta, err := original.Delta()
		if err != nil {
			return nil, fmt.Errorf("%w: checkpoint %s has unreadable delta: %v", ErrCorruptHistory, original.CheckpointID, err)
		}
		sourceState = ApplyDelta(sourceState, originalDelta)
		delta := ComputeDelta(targetState, sourceState.List())
		targetState = ApplyDelta(targetState, delta)

		checkpoint, err := s.appendCheckpoint(tx, ec.graph, checkpointDraft{
			chatID:   ec.chatID,
			branchID: ec.target.BranchID,
			parentID: rollingHead,
			label:    original.Label,
			comment:  original.Comment,
			delta:    delta,
			state:    targetState,
			origin:   ec.origin,
			actorID:  ec.actorID,
		})
		if err != nil {
			return nil, err
		}
		created = append(created, checkpoint.CheckpointID)
		rollingHead = stringPointer(checkpoint.CheckpointID)
	}

	if err := s.advanceHead(tx, ec.target, rollingHead); err != nil {
		return nil, err
	}
	return created, nil
}
