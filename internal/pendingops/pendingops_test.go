package pendingops

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deletion_tracking.db")
	s, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTrackDocDeletionIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.TrackDocDeletion(ctx, "docs", "doc1", "main", "h1", "{}", "base1", "tool"); err != nil {
		t.Fatalf("TrackDocDeletion error: %v", err)
	}
	if err := s.TrackDocDeletion(ctx, "docs", "doc1", "main", "h1", "{}", "base1", "tool"); err != nil {
		t.Fatalf("second TrackDocDeletion error: %v", err)
	}

	pending, err := s.PendingDocDeletions(ctx, "docs", "main")
	if err != nil {
		t.Fatalf("PendingDocDeletions error: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected exactly one tracked deletion after re-tracking, got %d", len(pending))
	}
}

func TestHasPendingDocDeletionAndStaging(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	has, err := s.HasPendingDocDeletion(ctx, "docs", "doc1", "main")
	if err != nil {
		t.Fatalf("HasPendingDocDeletion error: %v", err)
	}
	if has {
		t.Fatal("expected no pending deletion before tracking")
	}

	if err := s.TrackDocDeletion(ctx, "docs", "doc1", "main", "h1", "{}", "base1", "tool"); err != nil {
		t.Fatalf("TrackDocDeletion error: %v", err)
	}
	has, err = s.HasPendingDocDeletion(ctx, "docs", "doc1", "main")
	if err != nil {
		t.Fatalf("HasPendingDocDeletion error: %v", err)
	}
	if !has {
		t.Fatal("expected a pending deletion after tracking")
	}

	if err := s.MarkDocDeletionStaged(ctx, "docs", "doc1", "main"); err != nil {
		t.Fatalf("MarkDocDeletionStaged error: %v", err)
	}
	has, err = s.HasPendingDocDeletion(ctx, "docs", "doc1", "main")
	if err != nil {
		t.Fatalf("HasPendingDocDeletion error: %v", err)
	}
	if has {
		t.Fatal("expected no pending (unstaged) deletion once staged")
	}
}

func TestRemoveDocDeletionTracking(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.TrackDocDeletion(ctx, "docs", "doc1", "main", "h1", "{}", "base1", "tool"); err != nil {
		t.Fatalf("TrackDocDeletion error: %v", err)
	}
	if err := s.RemoveDocDeletionTracking(ctx, "docs", "doc1", "main"); err != nil {
		t.Fatalf("RemoveDocDeletionTracking error: %v", err)
	}
	pending, err := s.PendingDocDeletions(ctx, "docs", "main")
	if err != nil {
		t.Fatalf("PendingDocDeletions error: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no rows after removal, got %d", len(pending))
	}
}

// TestPendingDocDeletionIsScopedPerBranch guards against a real
// cross-branch bug: a deletion tracked on one branch must never be
// visible to HasPendingDocDeletion on a different branch, or a sync
// pass on an unrelated branch would wrongly suppress a document that
// was never deleted there.
func TestPendingDocDeletionIsScopedPerBranch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.TrackDocDeletion(ctx, "docs", "doc1", "feature-x", "h1", "{}", "base1", "tool"); err != nil {
		t.Fatalf("TrackDocDeletion error: %v", err)
	}

	has, err := s.HasPendingDocDeletion(ctx, "docs", "doc1", "main")
	if err != nil {
		t.Fatalf("HasPendingDocDeletion error: %v", err)
	}
	if has {
		t.Fatal("a deletion tracked on feature-x must not be visible on main")
	}

	has, err = s.HasPendingDocDeletion(ctx, "docs", "doc1", "feature-x")
	if err != nil {
		t.Fatalf("HasPendingDocDeletion error: %v", err)
	}
	if !has {
		t.Fatal("expected the deletion to still be visible on the branch it was tracked on")
	}

	// Tracking the same doc_id independently on main must coexist as its
	// own row rather than colliding with the feature-x row.
	if err := s.TrackDocDeletion(ctx, "docs", "doc1", "main", "h1", "{}", "base2", "tool"); err != nil {
		t.Fatalf("TrackDocDeletion on main error: %v", err)
	}
	has, err = s.HasPendingDocDeletion(ctx, "docs", "doc1", "main")
	if err != nil {
		t.Fatalf("HasPendingDocDeletion error: %v", err)
	}
	if !has {
		t.Fatal("expected the independently tracked main deletion to be visible on main")
	}

	if err := s.MarkDocDeletionStaged(ctx, "docs", "doc1", "main"); err != nil {
		t.Fatalf("MarkDocDeletionStaged error: %v", err)
	}
	has, err = s.HasPendingDocDeletion(ctx, "docs", "doc1", "feature-x")
	if err != nil {
		t.Fatalf("HasPendingDocDeletion error: %v", err)
	}
	if !has {
		t.Fatal("staging the main-branch row must not affect the feature-x row")
	}
}

func TestTrackCollectionUpdateInfersKindAndDedupes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.TrackCollectionUpdate(ctx, "docs", "old_docs", ""); err != nil {
		t.Fatalf("TrackCollectionUpdate (rename) error: %v", err)
	}
	if err := s.TrackCollectionUpdate(ctx, "docs", "old_docs", ""); err != nil {
		t.Fatalf("repeated identical TrackCollectionUpdate error: %v", err)
	}

	ops, err := s.PendingCollectionOps(ctx)
	if err != nil {
		t.Fatalf("PendingCollectionOps error: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("expected exactly one op after identical re-tracking, got %d", len(ops))
	}
	if ops[0].Kind != CollectionOpRename {
		t.Fatalf("Kind = %v, want rename", ops[0].Kind)
	}

	if err := s.TrackCollectionUpdate(ctx, "other", "", `{"k":"v"}`); err != nil {
		t.Fatalf("TrackCollectionUpdate (metadata) error: %v", err)
	}
	ops, err = s.PendingCollectionOps(ctx)
	if err != nil {
		t.Fatalf("PendingCollectionOps error: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("expected 2 ops total, got %d", len(ops))
	}
}

func TestTrackCollectionDeletionAndCommit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.TrackCollectionDeletion(ctx, "docs"); err != nil {
		t.Fatalf("TrackCollectionDeletion error: %v", err)
	}
	ops, err := s.PendingCollectionOps(ctx)
	if err != nil {
		t.Fatalf("PendingCollectionOps error: %v", err)
	}
	if len(ops) != 1 || ops[0].Kind != CollectionOpDelete {
		t.Fatalf("expected one delete op, got %+v", ops)
	}

	if err := s.MarkCollectionOpCommitted(ctx, ops[0].ID); err != nil {
		t.Fatalf("MarkCollectionOpCommitted error: %v", err)
	}
	ops, err = s.PendingCollectionOps(ctx)
	if err != nil {
		t.Fatalf("PendingCollectionOps error: %v", err)
	}
	if len(ops) != 0 {
		t.Fatalf("expected no uncommitted ops left, got %d", len(ops))
	}
}

func TestCleanupCommittedCollectionOps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.TrackCollectionDeletion(ctx, "docs"); err != nil {
		t.Fatalf("TrackCollectionDeletion error: %v", err)
	}
	ops, err := s.PendingCollectionOps(ctx)
	if err != nil {
		t.Fatalf("PendingCollectionOps error: %v", err)
	}
	if err := s.MarkCollectionOpCommitted(ctx, ops[0].ID); err != nil {
		t.Fatalf("MarkCollectionOpCommitted error: %v", err)
	}

	removed, err := s.CleanupCommittedCollectionOps(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("CleanupCommittedCollectionOps error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 row cleaned up, got %d", removed)
	}
}

func TestOpenAppliesMigrationsIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deletion_tracking.db")
	s1, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("first Open error: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	s2, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("second Open (re-applying migrations) error: %v", err)
	}
	defer s2.Close()

	if err := s2.TrackDocDeletion(context.Background(), "docs", "doc1", "main", "h1", "{}", "base1", "tool"); err != nil {
		t.Fatalf("TrackDocDeletion after reopen error: %v", err)
	}
}
