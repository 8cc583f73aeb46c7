// Package syncmanager drives the two sync directions named in spec
// §4.6: staging local (vector-store) changes into Dolt and committing
// them, and the reverse — checking out a Dolt branch and replaying its
// committed state back into the vector store.
package syncmanager

import (
	"context"
	"fmt"
	"time"

	"github.com/untoldecay/dmms-sync-core/internal/changedetect"
	"github.com/untoldecay/dmms-sync-core/internal/chroma"
	"github.com/untoldecay/dmms-sync-core/internal/chunker"
	"github.com/untoldecay/dmms-sync-core/internal/dolt"
	"github.com/untoldecay/dmms-sync-core/internal/hashutil"
	"github.com/untoldecay/dmms-sync-core/internal/pendingops"
	"github.com/untoldecay/dmms-sync-core/internal/sqlutil"
	"github.com/untoldecay/dmms-sync-core/internal/syncstate"
)

// Manager coordinates one repository's gateways and durable stores.
type Manager struct {
	Repository string
	Chroma     chroma.Gateway
	Dolt       dolt.Gateway
	PendingOps *pendingops.Store
	SyncState  *syncstate.Store
	Detector   *changedetect.Detector
}

// SyncResult summarizes what a full_sync actually did, for callers that
// surface a status tool response.
type SyncResult struct {
	Committed      bool
	CommitHash     string
	CollectionsSet []string
	DocumentsSet   int
	Skipped        bool // true when force=false and nothing had changed
}

// FullSync runs detect → stage → commit (spec §4.6 step 4). When force
// is false and the detector reports no changes at all, staging and
// commit are skipped entirely (the "no changes" short-circuit); force
// bypasses that check.
func (m *Manager) FullSync(ctx context.Context, branch string, force bool) (*SyncResult, error) {
	changes, err := m.Detector.Detect(ctx, branch)
	if err != nil {
		return nil, fmt.Errorf("syncmanager: detect: %w", err)
	}

	if !force && isEmpty(changes) {
		return &SyncResult{Skipped: true}, nil
	}

	if err := m.Stage(ctx, changes, branch); err != nil {
		return nil, err
	}

	commitHash, err := m.Commit(ctx, branch, fmt.Sprintf("sync: %d collections, %d documents changed",
		len(changes.Collections), countDocs(changes)))
	if err != nil {
		return nil, err
	}

	return &SyncResult{
		Committed:      true,
		CommitHash:     commitHash,
		CollectionsSet: collectionNames(changes),
		DocumentsSet:   countDocs(changes),
	}, nil
}

func isEmpty(cs *changedetect.ChangeSet) bool {
	return len(cs.Collections) == 0 && len(cs.Documents) == 0
}

func countDocs(cs *changedetect.ChangeSet) int {
	n := 0
	for _, docs := range cs.Documents {
		n += len(docs)
	}
	return n
}

func collectionNames(cs *changedetect.ChangeSet) []string {
	names := make([]string, 0, len(cs.Collections))
	for _, c := range cs.Collections {
		names = append(names, c.Name)
	}
	return names
}

// Stage writes the detected changes into Dolt's working tables. Per
// spec §4.6 ordering guarantees: collection deletions are applied
// before document deletions of the same collection; Stage inserts no
// collection rows, so a collection appears under a new name only
// through the rename path; rename precedes metadata update when both
// apply to the same collection (tracked as mutually exclusive pending
// ops, so this reduces to: process deletions, then renames, then
// metadata updates, then document-level writes).
func (m *Manager) Stage(ctx context.Context, changes *changedetect.ChangeSet, branch string) error {
	var deletions, renames, metadataUpdates []changedetect.CollectionChange
	for _, c := range changes.Collections {
		switch c.Kind {
		case "deleted":
			deletions = append(deletions, c)
		case "renamed":
			renames = append(renames, c)
		case "updated":
			metadataUpdates = append(metadataUpdates, c)
		}
	}

	for _, c := range deletions {
		if err := m.stageCollectionDeletion(ctx, c.Name); err != nil {
			return err
		}
	}
	for _, c := range renames {
		if err := m.stageCollectionRename(ctx, c.Name); err != nil {
			return err
		}
	}
	for _, c := range metadataUpdates {
		if err := m.stageMetadataUpdate(ctx, c.Name); err != nil {
			return err
		}
	}

	for collection, docs := range changes.Documents {
		if err := m.stageDocumentChanges(ctx, collection, docs, branch); err != nil {
			return err
		}
	}
	return nil
}

// stageCollectionDeletion cascades: documents first, then the
// collection row itself (spec §4.6 step 2).
func (m *Manager) stageCollectionDeletion(ctx context.Context, collection string) error {
	escaped := sqlutil.EscapeSQLString(collection)
	if err := m.Dolt.Exec(ctx, fmt.Sprintf("DELETE FROM documents WHERE collection_name = '%s'", escaped)); err != nil {
		return fmt.Errorf("syncmanager: cascade delete documents for %s: %w", collection, err)
	}
	if err := m.Dolt.Exec(ctx, fmt.Sprintf("DELETE FROM collections WHERE collection_name = '%s'", escaped)); err != nil {
		return fmt.Errorf("syncmanager: delete collection row %s: %w", collection, err)
	}
	return nil
}

// stageCollectionRename takes the name still recorded in Dolt (the
// "old" side of the rename) and looks up the pending op tracking what
// it was renamed to locally.
func (m *Manager) stageCollectionRename(ctx context.Context, doltName string) error {
	ops, err := m.PendingOps.PendingCollectionOps(ctx)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if op.OldName == doltName && op.Kind == pendingops.CollectionOpRename {
			newName := op.Collection
			escapedOld := sqlutil.EscapeSQLString(doltName)
			escapedNew := sqlutil.EscapeSQLString(newName)
			if err := m.Dolt.Exec(ctx, fmt.Sprintf(
				"UPDATE collections SET collection_name = '%s' WHERE collection_name = '%s'", escapedNew, escapedOld)); err != nil {
				return fmt.Errorf("syncmanager: rename collection row: %w", err)
			}
			if err := m.Dolt.Exec(ctx, fmt.Sprintf(
				"UPDATE documents SET collection_name = '%s' WHERE collection_name = '%s'", escapedNew, escapedOld)); err != nil {
				return fmt.Errorf("syncmanager: rename documents collection_name: %w", err)
			}
			return nil
		}
	}
	return nil
}

func (m *Manager) stageMetadataUpdate(ctx context.Context, collection string) error {
	meta, err := m.Chroma.GetCollectionMetadata(ctx, collection)
	if err != nil {
		return fmt.Errorf("syncmanager: read live metadata for %s: %w", collection, err)
	}
	embedded, err := sqlutil.EmbedJSON(meta)
	if err != nil {
		return fmt.Errorf("syncmanager: embed metadata for %s: %w", collection, err)
	}
	if err := m.Dolt.Exec(ctx, fmt.Sprintf(
		"UPDATE collections SET metadata = %s WHERE collection_name = '%s'", embedded, sqlutil.EscapeSQLString(collection))); err != nil {
		return fmt.Errorf("syncmanager: stage metadata update for %s: %w", collection, err)
	}
	return nil
}

func (m *Manager) stageDocumentChanges(ctx context.Context, collection string, docs []changedetect.DocumentChange, branch string) error {
	for _, dc := range docs {
		switch dc.Kind {
		case "added", "modified":
			if err := m.stageDocumentUpsert(ctx, collection, dc.DocID); err != nil {
				return err
			}
		case "deleted":
			if err := m.stageDocumentDeletion(ctx, collection, dc.DocID, branch); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) stageDocumentUpsert(ctx context.Context, collection, docID string) error {
	docs, err := m.Chroma.GetDocuments(ctx, collection, []string{docID}, nil)
	if err != nil {
		return fmt.Errorf("syncmanager: read live document %s: %w", docID, err)
	}
	if len(docs) == 0 {
		return nil // vanished between detect and stage; next detect pass will reconcile
	}
	d := docs[0]
	metaEmbedded, err := sqlutil.EmbedJSON(d.Metadata)
	if err != nil {
		return fmt.Errorf("syncmanager: embed document metadata %s: %w", docID, err)
	}
	contentHash := hashutil.ContentHashString(d.Content)
	contentEmbedded, err := sqlutil.EmbedJSON(d.Content)
	if err != nil {
		return fmt.Errorf("syncmanager: embed document content %s: %w", docID, err)
	}

	sql := fmt.Sprintf(`
		INSERT INTO documents (doc_id, collection_name, content, content_hash, metadata)
		VALUES ('%s', '%s', %s, '%s', %s)
		ON DUPLICATE KEY UPDATE content = VALUES(content), content_hash = VALUES(content_hash), metadata = VALUES(metadata)`,
		sqlutil.EscapeSQLString(docID), sqlutil.EscapeSQLString(collection), contentEmbedded, contentHash, metaEmbedded)
	if err := m.Dolt.Exec(ctx, sql); err != nil {
		return fmt.Errorf("syncmanager: stage document upsert %s: %w", docID, err)
	}
	return nil
}

func (m *Manager) stageDocumentDeletion(ctx context.Context, collection, docID, branch string) error {
	if err := m.Dolt.Exec(ctx, fmt.Sprintf(
		"DELETE FROM documents WHERE collection_name = '%s' AND doc_id = '%s'",
		sqlutil.EscapeSQLString(collection), sqlutil.EscapeSQLString(docID))); err != nil {
		return fmt.Errorf("syncmanager: stage document deletion %s: %w", docID, err)
	}
	if err := m.PendingOps.MarkDocDeletionStaged(ctx, collection, docID, branch); err != nil {
		return err
	}
	return nil
}

// Commit asks Dolt to add all staged tables and commit, then transitions
// PendingOps to committed and cleans them up, and updates SyncState.
// Any failure before the Dolt commit itself leaves PendingOps in their
// pre-transition state (spec §4.6 failure semantics): only a successful
// commit advances bookkeeping.
func (m *Manager) Commit(ctx context.Context, branch, message string) (string, error) {
	if err := m.Dolt.Add(ctx, "collections", "documents"); err != nil {
		return "", fmt.Errorf("syncmanager: stage tables for commit: %w", err)
	}
	commitHash, err := m.Dolt.Commit(ctx, message)
	if err != nil {
		return "", fmt.Errorf("syncmanager: commit: %w", err)
	}

	if err := m.commitPendingOps(ctx); err != nil {
		return commitHash, err
	}

	collections, err := m.Chroma.ListCollections(ctx)
	if err != nil {
		return commitHash, fmt.Errorf("syncmanager: list collections for sync-state update: %w", err)
	}
	for _, c := range collections {
		if err := m.SyncState.UpdateCommitHash(ctx, m.Repository, c, branch, commitHash); err != nil {
			return commitHash, err
		}
	}

	return commitHash, nil
}

func (m *Manager) commitPendingOps(ctx context.Context) error {
	ops, err := m.PendingOps.PendingCollectionOps(ctx)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if err := m.PendingOps.MarkCollectionOpCommitted(ctx, op.ID); err != nil {
			return err
		}
	}
	if _, err := m.PendingOps.CleanupCommittedCollectionOps(ctx, time.Now().UTC()); err != nil {
		return err
	}
	return nil
}

// Checkout replays the committed state of branch back into the vector
// store (spec §4.6 VCS→Local path).
func (m *Manager) Checkout(ctx context.Context, branch string) error {
	if err := m.Dolt.Checkout(ctx, branch, false); err != nil {
		return fmt.Errorf("syncmanager: checkout %s: %w", branch, err)
	}

	collRows, err := m.Dolt.Query(ctx, "SELECT collection_name, metadata FROM collections")
	if err != nil {
		return fmt.Errorf("syncmanager: query collections at %s: %w", branch, err)
	}

	liveCollections, err := m.Chroma.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("syncmanager: list live collections: %w", err)
	}
	liveSet := make(map[string]bool, len(liveCollections))
	for _, c := range liveCollections {
		liveSet[c] = true
	}

	for _, row := range collRows {
		name := row["collection_name"]
		meta, err := sqlutil.ParseJSONColumn(row["metadata"])
		if err != nil {
			return fmt.Errorf("syncmanager: parse collection metadata for %s: %w", name, err)
		}
		if !liveSet[name] {
			if err := m.Chroma.CreateCollection(ctx, name, meta); err != nil {
				return fmt.Errorf("syncmanager: create collection %s: %w", name, err)
			}
		} else {
			if err := m.Chroma.SetCollectionMetadata(ctx, name, meta); err != nil {
				return fmt.Errorf("syncmanager: apply metadata for %s: %w", name, err)
			}
		}

		if err := m.replayDocuments(ctx, name); err != nil {
			return err
		}
		if err := m.SyncState.UpdateCommitHash(ctx, m.Repository, name, branch, mustCurrentCommit(ctx, m.Dolt)); err != nil {
			return err
		}
	}
	return nil
}

func mustCurrentCommit(ctx context.Context, g dolt.Gateway) string {
	hash, err := g.CurrentCommit(ctx)
	if err != nil {
		return ""
	}
	return hash
}

// replayDocuments upserts every document committed for collection and
// removes any chunk whose source_id is no longer present, honoring the
// single-chunk optimization when re-chunking (spec §4.6 step 3).
func (m *Manager) replayDocuments(ctx context.Context, collection string) error {
	docRows, err := m.Dolt.Query(ctx, fmt.Sprintf(
		"SELECT doc_id, content, metadata FROM documents WHERE collection_name = '%s'", sqlutil.EscapeSQLString(collection)))
	if err != nil {
		return fmt.Errorf("syncmanager: query documents for %s: %w", collection, err)
	}

	wantedSourceIDs := make(map[string]bool, len(docRows))
	var upserts []chroma.Document
	for _, row := range docRows {
		docID := row["doc_id"]
		wantedSourceIDs[docID] = true
		meta, err := sqlutil.ParseJSONColumn(row["metadata"])
		if err != nil {
			return fmt.Errorf("syncmanager: parse document metadata for %s: %w", docID, err)
		}

		for _, ch := range chunker.ChunkContent(docID, row["content"], chunker.DefaultChunkSize, chunker.DefaultOverlap) {
			chunkMeta := map[string]any{}
			for k, v := range meta {
				chunkMeta[k] = v
			}
			chunkMeta["source_id"] = docID
			chunkMeta["chunk_index"] = ch.Index
			chunkMeta["total_chunks"] = ch.Total
			chunkMeta["content_hash"] = hashutil.ContentHashString(ch.Content)
			upserts = append(upserts, chroma.Document{ID: ch.ID, Content: ch.Content, Metadata: chunkMeta})
		}
	}
	if len(upserts) > 0 {
		if err := m.Chroma.UpsertDocuments(ctx, collection, upserts); err != nil {
			return fmt.Errorf("syncmanager: upsert replayed documents for %s: %w", collection, err)
		}
	}

	existingHashes, err := m.Chroma.AllDocumentHashes(ctx, collection)
	if err != nil {
		return fmt.Errorf("syncmanager: list live hashes for %s: %w", collection, err)
	}
	var toDelete []string
	for id := range existingHashes {
		base := hashutil.IterateToBaseID(id)
		if !wantedSourceIDs[base] {
			toDelete = append(toDelete, id)
		}
	}
	if len(toDelete) > 0 {
		if err := m.Chroma.DeleteDocuments(ctx, collection, toDelete, nil); err != nil {
			return fmt.Errorf("syncmanager: delete stale chunks for %s: %w", collection, err)
		}
	}
	return nil
}
