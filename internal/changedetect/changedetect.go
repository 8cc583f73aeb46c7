// Package changedetect computes the difference between a VCS branch's
// committed state and the live vector-store state (spec §4.5), the
// input every sync pass starts from.
package changedetect

import (
	"context"
	"fmt"

	"github.com/untoldecay/dmms-sync-core/internal/chroma"
	"github.com/untoldecay/dmms-sync-core/internal/dolt"
	"github.com/untoldecay/dmms-sync-core/internal/manifest"
	"github.com/untoldecay/dmms-sync-core/internal/pendingops"
	"github.com/untoldecay/dmms-sync-core/internal/sqlutil"
	"github.com/untoldecay/dmms-sync-core/internal/wildcard"
)

// CollectionChange describes one collection's drift between Dolt and
// the vector store.
type CollectionChange struct {
	Name string
	Kind string // "deleted", "updated", "renamed"
}

// DocumentChange describes one document's drift within a collection.
type DocumentChange struct {
	DocID string
	Kind  string // "added", "modified", "deleted"
}

// ChangeSet is the full local-state delta for one (repository, branch).
type ChangeSet struct {
	Collections []CollectionChange
	Documents   map[string][]DocumentChange // keyed by collection name
}

// Detector computes ChangeSets. It is idempotent: calling Detect twice
// with no intervening mutation to either store returns identical
// results, since every comparison is driven by current state, not by
// any stateful cursor.
type Detector struct {
	Chroma     chroma.Gateway
	Dolt       dolt.Gateway
	PendingOps *pendingops.Store

	// Collections restricts detection to the tracked/excluded glob
	// patterns recorded in the manifest (spec §4.9). A zero value
	// (no patterns either way) tracks every collection, matching the
	// pre-manifest behavior.
	Collections manifest.Collections
}

// isTracked reports whether name should be considered by Detect: it
// must match at least one Tracked pattern (or Tracked is empty, which
// tracks everything) and must not match any Excluded pattern.
// Excluded always wins over Tracked.
func (d *Detector) isTracked(name string) bool {
	tracked := len(d.Collections.Tracked) == 0
	for _, p := range d.Collections.Tracked {
		if wildcard.Match(p, name) {
			tracked = true
			break
		}
	}
	if !tracked {
		return false
	}
	for _, p := range d.Collections.Excluded {
		if wildcard.Match(p, name) {
			return false
		}
	}
	return true
}

// Detect builds the ChangeSet for the current branch.
func (d *Detector) Detect(ctx context.Context, branch string) (*ChangeSet, error) {
	vcsCollections, err := d.vcsCollectionMetadata(ctx)
	if err != nil {
		return nil, err
	}
	liveCollections, err := d.Chroma.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("changedetect: list live collections: %w", err)
	}
	liveSet := make(map[string]bool, len(liveCollections))
	for _, c := range liveCollections {
		liveSet[c] = true
	}

	pendingRenames, err := d.pendingRenamesByOriginalName(ctx)
	if err != nil {
		return nil, err
	}

	cs := &ChangeSet{Documents: map[string][]DocumentChange{}}

	for name, vcsMeta := range vcsCollections {
		if !d.isTracked(name) {
			continue
		}
		if _, renamed := pendingRenames[name]; renamed {
			cs.Collections = append(cs.Collections, CollectionChange{Name: name, Kind: "renamed"})
			continue
		}
		if !liveSet[name] {
			cs.Collections = append(cs.Collections, CollectionChange{Name: name, Kind: "deleted"})
			continue
		}
		liveMeta, err := d.Chroma.GetCollectionMetadata(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("changedetect: get live metadata for %s: %w", name, err)
		}
		if !metadataEqual(vcsMeta, liveMeta) {
			cs.Collections = append(cs.Collections, CollectionChange{Name: name, Kind: "updated"})
		}

		docChanges, err := d.detectDocumentChanges(ctx, name, branch)
		if err != nil {
			return nil, err
		}
		if len(docChanges) > 0 {
			cs.Documents[name] = docChanges
		}
	}

	return cs, nil
}

// detectDocumentChanges compares content hashes (never counts — spec
// §4.5 explicitly forbids a count-parity short-circuit) between the
// live vector store and the committed VCS table for one collection.
func (d *Detector) detectDocumentChanges(ctx context.Context, collection, branch string) ([]DocumentChange, error) {
	liveHashes, err := d.Chroma.AllDocumentHashes(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("changedetect: live hashes for %s: %w", collection, err)
	}
	vcsHashes, err := d.vcsDocumentHashes(ctx, collection)
	if err != nil {
		return nil, err
	}

	var out []DocumentChange
	for docID, liveHash := range liveHashes {
		vcsHash, existedInVCS := vcsHashes[docID]
		if !existedInVCS {
			out = append(out, DocumentChange{DocID: docID, Kind: "added"})
			continue
		}
		if vcsHash != liveHash {
			out = append(out, DocumentChange{DocID: docID, Kind: "modified"})
		}
	}
	for docID := range vcsHashes {
		if _, stillLive := liveHashes[docID]; !stillLive {
			hasPending, err := d.PendingOps.HasPendingDocDeletion(ctx, collection, docID, branch)
			if err != nil {
				return nil, err
			}
			if !hasPending {
				out = append(out, DocumentChange{DocID: docID, Kind: "deleted"})
			}
		}
	}
	return out, nil
}

func (d *Detector) vcsCollectionMetadata(ctx context.Context) (map[string]map[string]any, error) {
	rows, err := d.Dolt.Query(ctx, "SELECT collection_name, metadata FROM collections")
	if err != nil {
		return nil, fmt.Errorf("changedetect: query collections table: %w", err)
	}
	out := make(map[string]map[string]any, len(rows))
	for _, r := range rows {
		meta, err := sqlutil.ParseJSONColumn(r["metadata"])
		if err != nil {
			return nil, fmt.Errorf("changedetect: parse collection metadata: %w", err)
		}
		out[r["collection_name"]] = meta
	}
	return out, nil
}

func (d *Detector) vcsDocumentHashes(ctx context.Context, collection string) (map[string]string, error) {
	rows, err := d.Dolt.Query(ctx, fmt.Sprintf(
		"SELECT doc_id, content_hash FROM documents WHERE collection_name = '%s'", sqlutil.EscapeSQLString(collection)))
	if err != nil {
		return nil, fmt.Errorf("changedetect: query documents table for %s: %w", collection, err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r["doc_id"]] = r["content_hash"]
	}
	return out, nil
}

func (d *Detector) pendingRenamesByOriginalName(ctx context.Context) (map[string]bool, error) {
	ops, err := d.PendingOps.PendingCollectionOps(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for _, op := range ops {
		if op.Kind == pendingops.CollectionOpRename {
			// op.Collection is the new (live) name; op.OldName is the name
			// still recorded in Dolt, which is what the VCS-side loop below
			// iterates over.
			out[op.OldName] = true
		}
	}
	return out, nil
}

func metadataEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok || fmt.Sprint(v) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}
