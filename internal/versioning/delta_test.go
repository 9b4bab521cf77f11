package versioning

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeDeltaOfIdenticalStateIsEmpty(t *testing.T) {
	states := []StateMap{
		NewStateMap(),
		StateMapFromList([]MessageSnapshot{message("m1", "hello")}),
		StateMapFromList([]MessageSnapshot{
			message("m1", "hello"),
			{ID: "m2", Role: "assistant", Content: "hi", Assets: []string{"a.png", "b.png"}, CreatedAtSeconds: 1700000001},
			message("m3", ""),
		}),
	}
	for _, state := range states {
		delta := ComputeDelta(state, state.List())
		require.True(t, delta.IsEmpty(), "expected empty delta for %v", state.IDs())
	}
}

func TestComputeDeltaRoundTrip(t *testing.T) {
	base := StateMapFromList([]MessageSnapshot{
		message("m1", "one"),
		message("m2", "two"),
		message("m3", "three"),
	})
	current := []MessageSnapshot{
		message("m1", "one"),
		{ID: "m3", Role: "assistant", Content: "three, edited", CreatedAtSeconds: 1700000000},
		message("m4", "four"),
	}

	delta := ComputeDelta(base, current)

	require.Len(t, delta.Adds, 1)
	require.Equal(t, "m4", delta.Adds[0].ID)
	require.Equal(t, []string{"m2"}, delta.Deletes)
	require.Len(t, delta.Updates, 1)
	require.Equal(t, "m3", delta.Updates[0].ID)

	applied := ApplyDelta(base, delta)
	require.Equal(t, current, applied.List())
}

func TestComputeDeltaPatchCarriesOnlyChangedFields(t *testing.T) {
	base := StateMapFromList([]MessageSnapshot{{ID: "m1", Role: "user", Content: "draft", Assets: []string{"x"}, CreatedAtSeconds: 10}})

	delta := ComputeDelta(base, []MessageSnapshot{{ID: "m1", Role: "user", Content: "final", Assets: []string{"x"}, CreatedAtSeconds: 10}})

	require.Len(t, delta.Updates, 1)
	patch := delta.Updates[0].Patch
	require.NotNil(t, patch.Content)
	require.Equal(t, "final", *patch.Content)
	require.Nil(t, patch.Role)
	require.Nil(t, patch.Assets)
	require.Nil(t, patch.CreatedAtSeconds)
}

func TestComputeDeltaClearsAssets(t *testing.T) {
	base := StateMapFromList([]MessageSnapshot{{ID: "m1", Role: "user", Assets: []string{"x"}}})

	delta := ComputeDelta(base, []MessageSnapshot{{ID: "m1", Role: "user"}})

	require.Len(t, delta.Updates, 1)
	require.NotNil(t, delta.Updates[0].Patch.Assets)
	require.Empty(t, *delta.Updates[0].Patch.Assets)
	applied := ApplyDelta(base, delta)
	snapshot, ok := applied.Get("m1")
	require.True(t, ok)
	require.Empty(t, snapshot.Assets)
}

func TestComputeDeltaIgnoresDuplicateIDs(t *testing.T) {
	delta := ComputeDelta(NewStateMap(), []MessageSnapshot{message("m1", "first"), message("m1", "second")})

	require.Len(t, delta.Adds, 1)
	require.Equal(t, "first", delta.Adds[0].Content)
}

func TestStateMapFromListKeepsFirstDuplicateLikeComputeDelta(t *testing.T) {
	messages := []MessageSnapshot{message("m1", "first"), message("m2", "other"), message("m1", "second")}

	state := StateMapFromList(messages)
	kept, ok := state.Get("m1")
	require.True(t, ok)
	require.Equal(t, "first", kept.Content)
	require.Equal(t, []string{"m1", "m2"}, state.IDs())

	replayed := ApplyDelta(NewStateMap(), ComputeDelta(NewStateMap(), messages))
	require.True(t, replayed.Equal(state))
	require.True(t, ComputeDelta(state, messages).IsEmpty())
}

func TestApplyDeltaLeavesBaseUntouched(t *testing.T) {
	base := StateMapFromList([]MessageSnapshot{{ID: "m1", Role: "user", Content: "one", Assets: []string{"a"}}})
	content := "changed"
	assets := []string{"b"}

	next := ApplyDelta(base, Delta{
		Adds:    []MessageSnapshot{message("m2", "two")},
		Updates: []MessageUpdate{{ID: "m1", Patch: MessagePatch{Content: &content, Assets: &assets}}},
	})
	assets[0] = "mutated"

	original, _ := base.Get("m1")
	require.Equal(t, "one", original.Content)
	require.Equal(t, []string{"a"}, original.Assets)
	require.Equal(t, 1, base.Len())

	updated, _ := next.Get("m1")
	require.Equal(t, "changed", updated.Content)
	require.Equal(t, []string{"b"}, updated.Assets)
	require.Equal(t, []string{"m1", "m2"}, next.IDs())
}

func TestApplyDeltaIgnoresUpdatesForMissingMessages(t *testing.T) {
	content := "ghost"
	next := ApplyDelta(NewStateMap(), Delta{Updates: []MessageUpdate{{ID: "missing", Patch: MessagePatch{Content: &content}}}})
	require.Equal(t, 0, next.Len())
}

func TestEncodedDeltaReplaysIdentically(t *testing.T) {
	base := StateMapFromList([]MessageSnapshot{message("m1", "one"), message("m2", "two")})
	current := []MessageSnapshot{message("m2", "two!"), message("m3", "three")}
	delta := ComputeDelta(base, current)

	encoded, err := EncodeDelta(delta)
	require.NoError(t, err)
	decoded, err := DecodeDelta(encoded)
	require.NoError(t, err)

	require.Equal(t, ApplyDelta(base, delta).List(), ApplyDelta(base, decoded).List())
}

func TestEncodeDeltaWritesEmptyListsInsteadOfNull(t *testing.T) {
	encoded, err := EncodeDelta(Delta{})
	require.NoError(t, err)
	require.JSONEq(t, `{"adds":[],"updates":[],"deletes":[]}`, encoded)
}

func TestStateMapEqualIgnoresOrder(t *testing.T) {
	left := StateMapFromList([]MessageSnapshot{message("m1", "one"), message("m2", "two")})
	right := StateMapFromList([]MessageSnapshot{message("m2", "two"), message("m1", "one")})
	require.True(t, left.Equal(right))

	changed := StateMapFromList([]MessageSnapshot{message("m2", "two"), message("m1", "uno")})
	require.False(t, left.Equal(changed))
}

func TestStateMapCloneSharesNoMemory(t *testing.T) {
	original := StateMapFromList([]MessageSnapshot{{ID: "m1", Assets: []string{"a"}}})
	copied := original.Clone()
	copied.put(MessageSnapshot{ID: "m2"})
	copied.entries["m1"].Assets[0] = "changed"

	require.Equal(t, []string{"m1"}, original.IDs())
	snapshot, _ := original.Get("m1")
	require.Equal(t, []string{"a"}, snapshot.Assets)
}

func TestStateMapJSONKeepsDisplayOrder(t *testing.T) {
	state := StateMapFromList([]MessageSnapshot{message("m2", "two"), message("m1", "one")})

	encoded, err := state.MarshalJSON()
	require.NoError(t, err)
	var decoded StateMap
	require.NoError(t, decoded.UnmarshalJSON(encoded))

	require.Equal(t, []string{"m2", "m1"}, decoded.IDs())
	require.True(t, decoded.Equal(state))
}
