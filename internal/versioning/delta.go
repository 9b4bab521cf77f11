package versioning

import (
	"encoding/json"
	"slices"
)

// MessagePatch carries only the fields that changed; nil means unchanged.
type MessagePatch struct {
	Role             *string   `json:"role,omitempty"`
	Content          *string   `json:"content,omitempty"`
	Assets           *[]string `json:"assets,omitempty"`
	CreatedAtSeconds *int64    `json:"created_at_s,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (patch MessagePatch) IsEmpty() bool {
	return patch.Role == nil && patch.Content == nil && patch.Assets == nil && patch.CreatedAtSeconds == nil
}

func (patch MessagePatch) apply(snapshot MessageSnapshot) MessageSnapshot {
	if patch.Role != nil {
		snapshot.Role = *patch.Role
	}
	if patch.Content != nil {
		snapshot.Content = *patch.Content
	}
	if patch.Assets != nil {
		snapshot.Assets = slices.Clone(*patch.Assets)
	}
	if patch.CreatedAtSeconds != nil {
		snapshot.CreatedAtSeconds = *patch.CreatedAtSeconds
	}
	return snapshot
}

// MessageUpdate is a patch addressed to one message id.
type MessageUpdate struct {
	ID    string       `json:"id"`
	Patch MessagePatch `json:"patch"`
}

// Delta is the add/update/delete set that turns one state into another.
// It carries no reference to the checkpoints it connects.
type Delta struct {
	Adds    []MessageSnapshot `json:"adds"`
	Updates []MessageUpdate   `json:"updates"`
	Deletes []string          `json:"deletes"`
}

// IsEmpty reports whether applying the delta is a no-op.
func (delta Delta) IsEmpty() bool {
	return len(delta.Adds) == 0 && len(delta.Updates) == 0 && len(delta.Deletes) == 0
}

// ComputeDelta returns the minimal delta that turns base into current.
// Adds and updates follow current's order; deletes follow base's order.
func ComputeDelta(base StateMap, current []MessageSnapshot) Delta {
	delta := Delta{
		Adds:    []MessageSnapshot{},
		Updates: []MessageUpdate{},
		Deletes: []string{},
	}
	seen := make(map[string]struct{}, len(current))
	for _, message := range current {
		if _, duplicate := seen[message.ID]; duplicate {
			continue
		}
		seen[message.ID] = struct{}{}

		previous, exists := base.entries[message.ID]
		if !exists {
			added := message
			added.Assets = slices.Clone(message.Assets)
			delta.Adds = append(delta.Adds, added)
			continue
		}
		patch := diffSnapshot(previous, message)
		if !patch.IsEmpty() {
			delta.Updates = append(delta.Updates, MessageUpdate{ID: message.ID, Patch: patch})
		}
	}
	for _, id := range base.order {
		if _, kept := seen[id]; !kept {
			delta.Deletes = append(delta.Deletes, id)
		}
	}
	return delta
}

func diffSnapshot(previous, current MessageSnapshot) MessagePatch {
	var patch MessagePatch
	if previous.Role != current.Role {
		role := current.Role
		patch.Role = &role
	}
	if previous.Content != current.Content {
		content := current.Content
		patch.Content = &content
	}
	if !slices.Equal(previous.Assets, current.Assets) {
		assets := slices.Clone(current.Assets)
		if assets == nil {
			assets = []string{}
		}
		patch.Assets = &assets
	}
	if previous.CreatedAtSeconds != current.CreatedAtSeconds {
		createdAt := current.CreatedAtSeconds
		patch.CreatedAtSeconds = &createdAt
	}
	return patch
}

// ApplyDelta returns a new state with delta applied to base; base is not modified.
// Updates addressed to absent ids are ignored.
func ApplyDelta(base StateMap, delta Delta) StateMap {
	next := base.Clone()
	for _, id := range delta.Deletes {
		next.remove(id)
	}
	for _, update := range delta.Updates {
		existing, ok := next.entries[update.ID]
		if !ok {
			continue
		}
		next.entries[update.ID] = update.Patch.apply(existing)
	}
	for _, added := range delta.Adds {
		next.put(added)
	}
	return next
}

// EncodeDelta serializes a delta for the checkpoint delta column.
func EncodeDelta(delta Delta) (string, error) {
	if delta.Adds == nil {
		delta.Adds = []MessageSnapshot{}
	}
	if delta.Updates == nil {
		delta.Updates = []MessageUpdate{}
	}
	if delta.Deletes == nil {
		delta.Deletes = []string{}
	}
	encoded, err := json.Marshal(delta)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// DecodeDelta parses the checkpoint delta column.
func DecodeDelta(payload string) (Delta, error) {
	var delta Delta
	if payload == "" {
		return delta, nil
	}
	if err := json.Unmarshal([]byte(payload), &delta); err != nil {
		return Delta{}, err
	}
	return delta, nil
}
