package versioning

import (
	"encoding/json"
	"slices"

	"github.com/huandu/go-clone"
)

// MessageSnapshot is an immutable view of one conversation message, keyed by a stable id.
type MessageSnapshot struct {
	ID               string   `json:"id"`
	Role             string   `json:"role"`
	Content          string   `json:"content"`
	Assets           []string `json:"assets,omitempty"`
	CreatedAtSeconds int64    `json:"created_at_s"`
}

func (snapshot MessageSnapshot) equal(other MessageSnapshot) bool {
	return snapshot.ID == other.ID &&
		snapshot.Role == other.Role &&
		snapshot.Content == other.Content &&
		slices.Equal(snapshot.Assets, other.Assets) &&
		snapshot.CreatedAtSeconds == other.CreatedAtSeconds
}

// StateMap is the conversation at one point in time: message id to snapshot, in display order.
type StateMap struct {
	order   []string
	entries map[string]MessageSnapshot
}

// NewStateMap returns an empty StateMap.
func NewStateMap() StateMap {
	return StateMap{entries: make(map[string]MessageSnapshot)}
}

// StateMapFromList builds a StateMap preserving list order. The first message with a given id wins,
// the same rule ComputeDelta applies.
func StateMapFromList(messages []MessageSnapshot) StateMap {
	state := NewStateMap()
	for _, message := range messages {
		if state.Has(message.ID) {
			continue
		}
		state.put(message)
	}
	return state
}

// Len returns the number of messages in the state.
func (state StateMap) Len() int {
	return len(state.order)
}

// Get returns the snapshot stored for id.
func (state StateMap) Get(id string) (MessageSnapshot, bool) {
	snapshot, ok := state.entries[id]
	if !ok {
		return MessageSnapshot{}, false
	}
	snapshot.Assets = slices.Clone(snapshot.Assets)
	return snapshot, true
}

// Has reports whether id is present.
func (state StateMap) Has(id string) bool {
	_, ok := state.entries[id]
	return ok
}

// IDs returns message ids in display order.
func (state StateMap) IDs() []string {
	return slices.Clone(state.order)
}

// List returns the messages in display order.
func (state StateMap) List() []MessageSnapshot {
	list := make([]MessageSnapshot, 0, len(state.order))
	for _, id := range state.order {
		snapshot := state.entries[id]
		snapshot.Assets = slices.Clone(snapshot.Assets)
		list = append(list, snapshot)
	}
	return list
}

// Clone returns a deep copy that shares no memory with state.
func (state StateMap) Clone() StateMap {
	if state.entries == nil {
		return NewStateMap()
	}
	return clone.Clone(state).(StateMap)
}

// Equal reports whether both states hold the same messages with the same fields.
// Display order is not compared.
func (state StateMap) Equal(other StateMap) bool {
	if len(state.entries) != len(other.entries) {
		return false
	}
	for id, snapshot := range state.entries {
		otherSnapshot, ok := other.entries[id]
		if !ok || !snapshot.equal(otherSnapshot) {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the state as an ordered message list.
func (state StateMap) MarshalJSON() ([]byte, error) {
	return json.Marshal(state.List())
}

// UnmarshalJSON decodes an ordered message list.
func (state *StateMap) UnmarshalJSON(data []byte) error {
	var messages []MessageSnapshot
	if err := json.Unmarshal(data, &messages); err != nil {
		return err
	}
	*state = StateMapFromList(messages)
	return nil
}

func (state *StateMap) put(snapshot MessageSnapshot) {
	if state.entries == nil {
		state.entries = make(map[string]MessageSnapshot)
	}
	if _, exists := state.entries[snapshot.ID]; !exists {
		state.order = append(state.order, snapshot.ID)
	}
	snapshot.Assets = slices.Clone(snapshot.Assets)
	state.entries[snapshot.ID] = snapshot
}

func (state *StateMap) remove(id string) {
	if _, exists := state.entries[id]; !exists {
		return
	}
	delete(state.entries, id)
	index := slices.Index(state.order, id)
	if index >= 0 {
		state.order = slices.Delete(state.order, index, index+1)
	}
}
