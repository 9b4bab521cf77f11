package versioning

import (
	"context"
	"errors"
	"testing"
)

func TestRestoreToAncestorResetsHeadWithoutCheckpoint(t *testing.T) {
	harness := newTestHarness(t)
	master := harness.defaultBranch(t, testChat)
	c1 := harness.checkpoint(t, testChat, master.BranchID, "C1", message("m1", "one"))
	harness.checkpoint(t, testChat, master.BranchID, "C2", message("m1", "one"), message("m2", "two"))
	before := harness.checkpointCount(t, testChat)

	for _, strategy := range []Strategy{StrategyFastForward, StrategySquash, StrategyRebase} {
		result, err := harness.service.Restore(context.Background(), RestoreRequest{
			ChatID:       testChat,
			BranchID:     BranchID(master.BranchID),
			CheckpointID: CheckpointID(c1.CheckpointID),
			Strategy:     strategy,
			ActorID:      "user-1",
		})
		if err != nil {
			t.Fatalf("restore with %s failed: %v", strategy, err)
		}
		if !result.Rewound || len(result.CreatedCheckpointIDs) != 0 {
			t.Fatalf("expected pointer reset for %s, got %+v", strategy, result)
		}
		if result.Branch.HeadID == nil || *result.Branch.HeadID != c1.CheckpointID {
			t.Fatalf("expected head at C1 after %s restore", strategy)
		}
	}
	if count := harness.checkpointCount(t, testChat); count != before {
		t.Fatalf("restore to ancestor created checkpoints: %d -> %d", before, count)
	}
}

func TestRestoreToNonAncestorCreatesCheckpoints(t *testing.T) {
	harness := newTestHarness(t)
	master := harness.defaultBranch(t, testChat)
	c1 := harness.checkpoint(t, testChat, master.BranchID, "C1", message("m1", "one"))
	feature := harness.fork(t, testChat, "feature", &c1)
	c2 := harness.checkpoint(t, testChat, feature.BranchID, "C2", message("m1", "one"), message("m2", "two"))
	c3 := harness.checkpoint(t, testChat, feature.BranchID, "C3", message("m1", "one"), message("m2", "two"), message("m3", "three"))
	harness.checkpoint(t, testChat, master.BranchID, "C4", message("m1", "one"), message("m4", "four"))

	_, err := harness.service.Restore(context.Background(), RestoreRequest{
		ChatID:       testChat,
		BranchID:     BranchID(master.BranchID),
		CheckpointID: CheckpointID(c2.CheckpointID),
		Strategy:     StrategyFastForward,
		ActorID:      "user-1",
	})
	if !errors.Is(err, ErrIllegalStrategy) || KindOf(err) != KindConflict {
		t.Fatalf("expected fast-forward restore of a foreign checkpoint to conflict, got %v", err)
	}

	squashed, err := harness.service.Restore(context.Background(), RestoreRequest{
		ChatID:       testChat,
		BranchID:     BranchID(master.BranchID),
		CheckpointID: CheckpointID(c2.CheckpointID),
		Strategy:     StrategySquash,
		ActorID:      "user-1",
	})
	if err != nil {
		t.Fatalf("squash restore failed: %v", err)
	}
	if squashed.Rewound || len(squashed.CreatedCheckpointIDs) != 1 {
		t.Fatalf("expected one new checkpoint, got %+v", squashed)
	}
	if !harness.state(t, testChat, squashed.CreatedCheckpointIDs[0]).Equal(harness.state(t, testChat, c2.CheckpointID)) {
		t.Fatalf("squash restore must reproduce the restored state")
	}

	rebased, err := harness.service.Restore(context.Background(), RestoreRequest{
		ChatID:       testChat,
		BranchID:     BranchID(master.BranchID),
		CheckpointID: CheckpointID(c3.CheckpointID),
		Strategy:     StrategyRebase,
		ActorID:      "user-1",
	})
	if err != nil {
		t.Fatalf("rebase restore failed: %v", err)
	}
	if len(rebased.CreatedCheckpointIDs) != 2 {
		t.Fatalf("expected C2 and C3 replayed, got %d checkpoints", len(rebased.CreatedCheckpointIDs))
	}
	if !harness.state(t, testChat, *rebased.Branch.HeadID).Equal(harness.state(t, testChat, c3.CheckpointID)) {
		t.Fatalf("rebase restore must reproduce the restored state")
	}

	created, err := harness.service.GetCheckpoint(context.Background(), testChat, CheckpointID(rebased.CreatedCheckpointIDs[1]))
	if err != nil {
		t.Fatalf("failed to load rebased checkpoint: %v", err)
	}
	if created.Label != "C3" || created.Origin != OriginRestore {
		t.Fatalf("unexpected rebased checkpoint %+v", created)
	}
}

func TestRestoreUnknownCheckpoint(t *testing.T) {
	harness := newTestHarness(t)
	master := harness.defaultBranch(t, testChat)

	_, err := harness.service.Restore(context.Background(), RestoreRequest{
		ChatID:       testChat,
		BranchID:     BranchID(master.BranchID),
		CheckpointID: "nope",
		Strategy:     StrategySquash,
		ActorID:      "user-1",
	})
	if !errors.Is(err, ErrCheckpointNotFound) || KindOf(err) != KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}

	_, err = harness.service.Restore(context.Background(), RestoreRequest{
		ChatID:       testChat,
		BranchID:     BranchID(master.BranchID),
		CheckpointID: "nope",
		Strategy:     "sideways",
		ActorID:      "user-1",
	})
	if KindOf(err) != KindValidation {
		t.Fatalf("expected validation error for unknown strategy, got %v", err)
	}
}
