package versioning

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
)

type forkScenario struct {
	harness testHarness
	master  Branch
	feature Branch
	c1      Checkpoint
	c2      Checkpoint
	request MergeRequest
}

// newForkScenario builds master@C1{m1,m2} and feature forked at C1 with C2 adding m3.
func newForkScenario(t *testing.T, options ...harnessOption) forkScenario {
	t.Helper()
	harness := newTestHarness(t, options...)
	master := harness.defaultBranch(t, testChat)
	c1 := harness.checkpoint(t, testChat, master.BranchID, "C1", message("m1", "one"), message("m2", "two"))
	feature := harness.fork(t, testChat, "feature", &c1)
	c2 := harness.checkpoint(t, testChat, feature.BranchID, "C2", message("m1", "one"), message("m2", "two"), message("m3", "three"))

	request, err := harness.service.CreateMergeRequest(context.Background(), CreateMergeRequestInput{
		ChatID:         testChat,
		SourceBranchID: BranchID(feature.BranchID),
		TargetBranchID: BranchID(master.BranchID),
		Title:          "bring in feature",
		ActorID:        "user-1",
	})
	if err != nil {
		t.Fatalf("failed to create merge request: %v", err)
	}
	return forkScenario{harness: harness, master: master, feature: feature, c1: c1, c2: c2, request: request}
}

func (s forkScenario) merge(strategy Strategy) (MergeResult, error) {
	return s.harness.service.ExecuteMerge(context.Background(), testChat, MergeRequestID(s.request.MergeRequestID), strategy, "user-1")
}

func TestFastForwardMergeMovesHeadWithoutCheckpoint(t *testing.T) {
	scenario := newForkScenario(t)
	before := scenario.harness.checkpointCount(t, testChat)

	result, err := scenario.merge(StrategyFastForward)
	require.NoError(t, err)

	require.Empty(t, result.CreatedCheckpointIDs)
	require.Equal(t, before, scenario.harness.checkpointCount(t, testChat))
	master := scenario.harness.branch(t, testChat, scenario.master.BranchID)
	require.NotNil(t, master.HeadID)
	require.Equal(t, scenario.c2.CheckpointID, *master.HeadID)
	require.Equal(t, MergeRequestMerged, result.MergeRequest.Status)
	require.NotNil(t, result.MergeRequest.Strategy)
	require.Equal(t, string(StrategyFastForward), *result.MergeRequest.Strategy)
}

func TestFastForwardRejectedAfterDivergenceThenSquashAccepted(t *testing.T) {
	scenario := newForkScenario(t)
	c3 := scenario.harness.checkpoint(t, testChat, scenario.master.BranchID, "C3", message("m1", "one"), message("m2", "two"), message("m4", "four"))
	before := scenario.harness.checkpointCount(t, testChat)

	_, err := scenario.merge(StrategyFastForward)
	require.ErrorIs(t, err, ErrIllegalStrategy)
	require.Equal(t, KindConflict, KindOf(err))

	master := scenario.harness.branch(t, testChat, scenario.master.BranchID)
	require.Equal(t, c3.CheckpointID, *master.HeadID, "rejected merge must not move the head")
	requests, err := scenario.harness.service.ListMergeRequests(context.Background(), testChat)
	require.NoError(t, err)
	require.Equal(t, MergeRequestOpen, requests[0].Status)

	result, err := scenario.merge(StrategySquash)
	require.NoError(t, err)
	require.Len(t, result.CreatedCheckpointIDs, 1)
	require.Equal(t, before+1, scenario.harness.checkpointCount(t, testChat))

	squashed := scenario.harness.state(t, testChat, result.CreatedCheckpointIDs[0])
	source := scenario.harness.state(t, testChat, scenario.c2.CheckpointID)
	require.True(t, squashed.Equal(source))
	for _, id := range []string{"m1", "m2", "m3"} {
		require.True(t, squashed.Has(id), "expected %s in squashed state", id)
	}
	require.False(t, squashed.Has("m4"), "squash takes the source state, so the target-only m4 is dropped")

	created, err := scenario.harness.service.GetCheckpoint(context.Background(), testChat, CheckpointID(result.CreatedCheckpointIDs[0]))
	require.NoError(t, err)
	require.Equal(t, "merge feature into master", created.Label)
	require.Equal(t, c3.CheckpointID, *created.ParentID)
	require.Equal(t, OriginMerge, created.Origin)
}

func TestSquashOfIdenticalStatesStillCreatesOneCheckpoint(t *testing.T) {
	harness := newTestHarness(t)
	master := harness.defaultBranch(t, testChat)
	c1 := harness.checkpoint(t, testChat, master.BranchID, "C1", message("m1", "one"))
	other := harness.fork(t, testChat, "other", &c1)

	request, err := harness.service.CreateMergeRequest(context.Background(), CreateMergeRequestInput{
		ChatID:         testChat,
		SourceBranchID: BranchID(other.BranchID),
		TargetBranchID: BranchID(master.BranchID),
		Title:          "no-op",
		ActorID:        "user-1",
	})
	require.NoError(t, err)

	result, err := harness.service.ExecuteMerge(context.Background(), testChat, MergeRequestID(request.MergeRequestID), StrategySquash, "user-1")
	require.NoError(t, err)
	require.Len(t, result.CreatedCheckpointIDs, 1)

	created, err := harness.service.GetCheckpoint(context.Background(), testChat, CheckpointID(result.CreatedCheckpointIDs[0]))
	require.NoError(t, err)
	delta, err := created.Delta()
	require.NoError(t, err)
	require.True(t, delta.IsEmpty())
}

func TestRebaseReplaysUniqueSourceCheckpointsInOrder(t *testing.T) {
	scenario := newForkScenario(t)
	c3 := scenario.harness.checkpoint(t, testChat, scenario.master.BranchID, "C3", message("m1", "one"), message("m2", "two"), message("m4", "four"))
	c5 := scenario.harness.checkpoint(t, testChat, scenario.feature.BranchID, "C5", message("m1", "one!"), message("m2", "two"), message("m3", "three"), message("m5", "five"))
	before := scenario.harness.checkpointCount(t, testChat)

	result, err := scenario.merge(StrategyRebase)
	require.NoError(t, err)
	require.Len(t, result.CreatedCheckpointIDs, 2)
	require.Equal(t, before+2, scenario.harness.checkpointCount(t, testChat))

	first, err := scenario.harness.service.GetCheckpoint(context.Background(), testChat, CheckpointID(result.CreatedCheckpointIDs[0]))
	require.NoError(t, err)
	second, err := scenario.harness.service.GetCheckpoint(context.Background(), testChat, CheckpointID(result.CreatedCheckpointIDs[1]))
	require.NoError(t, err)
	require.Equal(t, "C2", first.Label)
	require.Equal(t, "C5", second.Label)
	require.Equal(t, c3.CheckpointID, *first.ParentID)
	require.Equal(t, first.CheckpointID, *second.ParentID)

	master := scenario.harness.branch(t, testChat, scenario.master.BranchID)
	require.Equal(t, second.CheckpointID, *master.HeadID)
	final := scenario.harness.state(t, testChat, *master.HeadID)
	source := scenario.harness.state(t, testChat, c5.CheckpointID)
	require.True(t, final.Equal(source))
}

func TestRebaseFailingMidwayLeavesEverythingUntouched(t *testing.T) {
	ids := newBudgetedIDs()
	scenario := newForkScenario(t, withIDProvider(ids))
	c3 := scenario.harness.checkpoint(t, testChat, scenario.master.BranchID, "C3", message("m1", "one"), message("m2", "two"), message("m4", "four"))
	scenario.harness.checkpoint(t, testChat, scenario.feature.BranchID, "C5", message("m1", "one"), message("m2", "two"), message("m3", "three"), message("m5", "five"))
	before := scenario.harness.checkpointCount(t, testChat)
	events := len(scenario.harness.publisher.types())

	// Enough ids for the first replayed checkpoint only.
	ids.limit(1)
	_, err := scenario.merge(StrategyRebase)
	require.ErrorIs(t, err, errIDsExhausted)

	master := scenario.harness.branch(t, testChat, scenario.master.BranchID)
	require.Equal(t, c3.CheckpointID, *master.HeadID)
	require.Equal(t, before, scenario.harness.checkpointCount(t, testChat))
	requests, err := scenario.harness.service.ListMergeRequests(context.Background(), testChat)
	require.NoError(t, err)
	require.Len(t, requests, 1)
	require.Equal(t, MergeRequestOpen, requests[0].Status)
	require.Nil(t, requests[0].Strategy)
	require.Len(t, scenario.harness.publisher.types(), events)

	ids.limit(-1)
	result, err := scenario.merge(StrategyRebase)
	require.NoError(t, err)
	require.Len(t, result.CreatedCheckpointIDs, 2)
	require.Equal(t, before+2, scenario.harness.checkpointCount(t, testChat))
}

func TestRebaseRejectedWhenSourceHasNothingNew(t *testing.T) {
	scenario := newForkScenario(t)
	_, err := scenario.merge(StrategyFastForward)
	require.NoError(t, err)

	reverse, err := scenario.harness.service.CreateMergeRequest(context.Background(), CreateMergeRequestInput{
		ChatID:         testChat,
		SourceBranchID: BranchID(scenario.master.BranchID),
		TargetBranchID: BranchID(scenario.feature.BranchID),
		Title:          "reverse",
		ActorID:        "user-1",
	})
	require.NoError(t, err)

	_, err = scenario.harness.service.ExecuteMerge(context.Background(), testChat, MergeRequestID(reverse.MergeRequestID), StrategyRebase, "user-1")
	require.ErrorIs(t, err, ErrIllegalStrategy)
}

func TestMergedRequestCannotMergeAgain(t *testing.T) {
	scenario := newForkScenario(t)
	_, err := scenario.merge(StrategyFastForward)
	require.NoError(t, err)

	_, err = scenario.merge(StrategySquash)
	require.ErrorIs(t, err, ErrMergeRequestNotOpen)
	require.Equal(t, KindConflict, KindOf(err))
}

func TestPreviewMergeListsLegalStrategies(t *testing.T) {
	scenario := newForkScenario(t)
	preview, err := scenario.harness.service.PreviewMerge(context.Background(), testChat, MergeRequestID(scenario.request.MergeRequestID))
	require.NoError(t, err)
	require.True(t, preview.Ancestry.TargetContained)
	require.Equal(t, []Strategy{StrategyFastForward, StrategySquash, StrategyRebase}, preview.Legal)

	scenario.harness.checkpoint(t, testChat, scenario.master.BranchID, "C3", message("m4", "four"))
	preview, err = scenario.harness.service.PreviewMerge(context.Background(), testChat, MergeRequestID(scenario.request.MergeRequestID))
	require.NoError(t, err)
	require.True(t, preview.Ancestry.Diverged())
	require.NotNil(t, preview.Ancestry.CommonAncestor)
	require.Equal(t, scenario.c1.CheckpointID, *preview.Ancestry.CommonAncestor)
	require.False(t, slices.Contains(preview.Legal, StrategyFastForward))
}

func TestCreateMergeRequestValidation(t *testing.T) {
	scenario := newForkScenario(t)
	service := scenario.harness.service

	_, err := service.CreateMergeRequest(context.Background(), CreateMergeRequestInput{
		ChatID:         testChat,
		SourceBranchID: BranchID(scenario.feature.BranchID),
		TargetBranchID: BranchID(scenario.master.BranchID),
		Title:          "x",
		ActorID:        "user-1",
	})
	require.ErrorIs(t, err, ErrInvalidTitle)
	require.Equal(t, KindValidation, KindOf(err))

	_, err = service.CreateMergeRequest(context.Background(), CreateMergeRequestInput{
		ChatID:         testChat,
		SourceBranchID: BranchID(scenario.master.BranchID),
		TargetBranchID: BranchID(scenario.master.BranchID),
		Title:          "same",
		ActorID:        "user-1",
	})
	require.ErrorIs(t, err, ErrSameBranch)

	_, err = service.CreateMergeRequest(context.Background(), CreateMergeRequestInput{
		ChatID:         ChatID("chat-2"),
		SourceBranchID: BranchID(scenario.feature.BranchID),
		TargetBranchID: BranchID(scenario.master.BranchID),
		Title:          "cross chat",
		ActorID:        "user-1",
	})
	require.True(t, errors.Is(err, ErrBranchNotFound))
}

func TestCloseMergeRequestLeavesBranchesUntouched(t *testing.T) {
	scenario := newForkScenario(t)
	closed, err := scenario.harness.service.CloseMergeRequest(context.Background(), testChat, MergeRequestID(scenario.request.MergeRequestID))
	require.NoError(t, err)
	require.Equal(t, MergeRequestClosed, closed.Status)
	require.NotNil(t, closed.ResolvedAtSeconds)

	master := scenario.harness.branch(t, testChat, scenario.master.BranchID)
	require.Equal(t, scenario.c1.CheckpointID, *master.HeadID)

	_, err = scenario.merge(StrategyFastForward)
	require.ErrorIs(t, err, ErrMergeRequestNotOpen)
}

func TestPlanMergeLegality(t *testing.T) {
	head := func(id string) *string { return &id }
	cases := []struct {
		name     string
		ancestry Ancestry
		legal    []Strategy
	}{
		{
			name:     "empty target",
			ancestry: Ancestry{SourceHead: head("s"), TargetContained: true},
			legal:    []Strategy{StrategyFastForward, StrategySquash, StrategyRebase},
		},
		{
			name:     "both empty",
			ancestry: Ancestry{TargetContained: true, SourceContained: true},
			legal:    []Strategy{StrategyFastForward, StrategySquash},
		},
		{
			name:     "diverged",
			ancestry: Ancestry{TargetHead: head("t"), SourceHead: head("s")},
			legal:    []Strategy{StrategySquash, StrategyRebase},
		},
		{
			name:     "source behind target",
			ancestry: Ancestry{TargetHead: head("t"), SourceHead: head("s"), SourceContained: true},
			legal:    []Strategy{StrategySquash},
		},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			require.Equal(t, testCase.legal, LegalStrategies(testCase.ancestry))
		})
	}

	_, err := planMerge(Strategy("octopus"), Ancestry{})
	require.ErrorIs(t, err, ErrInvalidStrategy)
}
