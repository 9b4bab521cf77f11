package versioning

import (
	"fmt"

	"gorm.io/gorm"
)

// history is the checkpoint graph of one chat, loaded inside a transaction.
type history struct {
	nodes     map[string]*Checkpoint
	snapshots map[string]struct{}
}

func loadHistory(tx *gorm.DB, chatID ChatID) (*history, error) {
	var checkpoints []Checkpoint
	if err := tx.Where(queryChatID, chatID.String()).Order(orderCreatedAsc).Find(&checkpoints).Error; err != nil {
		return nil, err
	}
	var snapshotIDs []string
	if err := tx.Model(&StateSnapshot{}).Where(queryChatID, chatID.String()).Pluck(fieldCheckpointID, &snapshotIDs).Error; err != nil {
		return nil, err
	}

	graph := &history{
		nodes:     make(map[string]*Checkpoint, len(checkpoints)),
		snapshots: make(map[string]struct{}, len(snapshotIDs)),
	}
	for index := range checkpoints {
		graph.nodes[checkpoints[index].CheckpointID] = &checkpoints[index]
	}
	for _, id := range snapshotIDs {
		graph.snapshots[id] = struct{}{}
	}
	return graph, nil
}

func (h *history) checkpoint(id string) (*Checkpoint, bool) {
	node, ok := h.nodes[id]
	return node, ok
}

func (h *history) add(checkpoint *Checkpoint) {
	h.nodes[checkpoint.CheckpointID] = checkpoint
}

// chain returns the checkpoints from the root to tipID inclusive.
func (h *history) chain(tipID string) ([]*Checkpoint, error) {
	tip, ok := h.nodes[tipID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, tipID)
	}
	reversed := []*Checkpoint{tip}
	visited := map[string]struct{}{tipID: {}}
	current := tip
	for current.ParentID != nil {
		parentID := *current.ParentID
		if _, seen := visited[parentID]; seen {
			return nil, fmt.Errorf("%w: cycle at %s", ErrCorruptHistory, parentID)
		}
		parent, exists := h.nodes[parentID]
		if !exists {
			return nil, fmt.Errorf("%w: %s references missing parent %s", ErrCorruptHistory, current.CheckpointID, parentID)
		}
		visited[parentID] = struct{}{}
		reversed = append(reversed, parent)
		current = parent
	}

	ordered := make([]*Checkpoint, len(reversed))
	for index, checkpoint := range reversed {
		ordered[len(reversed)-1-index] = checkpoint
	}
	return ordered, nil
}

// ancestors returns the inclusive set of ids reachable from tipID. A nil tip has no ancestors.
func (h *history) ancestors(tipID *string) (map[string]struct{}, error) {
	set := make(map[string]struct{})
	if tipID == nil {
		return set, nil
	}
	chain, err := h.chain(*tipID)
	if err != nil {
		return nil, err
	}
	for _, checkpoint := range chain {
		set[checkpoint.CheckpointID] = struct{}{}
	}
	return set, nil
}

// commonAncestor returns the deepest checkpoint shared by both chains, or nil when they share none.
func (h *history) commonAncestor(left, right *string) (*string, error) {
	if left == nil || right == nil {
		return nil, nil
	}
	leftAncestors, err := h.ancestors(left)
	if err != nil {
		return nil, err
	}
	rightChain, err := h.chain(*right)
	if err != nil {
		return nil, err
	}
	for index := len(rightChain) - 1; index >= 0; index-- {
		id := rightChain[index].CheckpointID
		if _, shared := leftAncestors[id]; shared {
			return &id, nil
		}
	}
	return nil, nil
}

// chainAfter returns the checkpoints of tipID's chain strictly after ancestorID, root side first.
// A nil ancestor yields the whole chain.
func (h *history) chainAfter(tipID string, ancestorID *string) ([]*Checkpoint, error) {
	chain, err := h.chain(tipID)
	if err != nil {
		return nil, err
	}
	if ancestorID == nil {
		return chain, nil
	}
	for index, checkpoint := range chain {
		if checkpoint.CheckpointID == *ancestorID {
			return chain[index+1:], nil
		}
	}
	return nil, fmt.Errorf("%w: %s is not an ancestor of %s", ErrCorruptHistory, *ancestorID, tipID)
}

func contains(set map[string]struct{}, id *string) bool {
	if id == nil {
		return false
	}
	_, ok := set[*id]
	return ok
}
