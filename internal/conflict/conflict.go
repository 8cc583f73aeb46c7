// Package conflict implements three-way, document-level merge analysis
// between two VCS refs (spec §4.7). The base/ours/theirs map-keyed
// comparison is adapted from the teacher's internal/merge package (its
// Merge3Way builds base/left/right maps keyed by issue identity and
// walks the union of keys); here the key is simply doc_id within one
// table, and the "issue" fields collapse to content + metadata.
package conflict

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/untoldecay/dmms-sync-core/internal/dolt"
	"github.com/untoldecay/dmms-sync-core/internal/hashutil"
	"github.com/untoldecay/dmms-sync-core/internal/sqlutil"
)

// Kind classifies a document-level conflict (spec §4.7 step 3).
type Kind string

const (
	KindContentModification Kind = "ContentModification"
	KindAddAdd              Kind = "AddAdd"
	KindDeleteModify        Kind = "DeleteModify"
	KindMetadataConflict    Kind = "MetadataConflict"
)

// docState is one side's view of a document at a given ref, or the
// absence of one (Exists=false means deleted-or-never-existed on that
// side relative to base).
type docState struct {
	Exists   bool
	Content  string
	Hash     string
	Metadata map[string]any
}

// Conflict is one unresolved (or auto-resolvable) document conflict.
type Conflict struct {
	ID                  string
	Table               string
	Collection          string
	DocID               string
	Kind                Kind
	Base, Ours, Theirs  docState
	AutoResolvable      bool
	SuggestedResolution string // "manual_review" or a deterministic strategy name
}

// Report is the output of Analyze.
type Report struct {
	Conflicts   []Conflict
	CanAutoMerge bool
}

// Analyzer computes three-way conflict reports between two Dolt refs.
// Only the user-visible tables participate in merge analysis (spec
// §4.7 step 2) — internal bookkeeping tables (pending ops, sync state)
// never do.
type Analyzer struct {
	Dolt dolt.Gateway
}

// Analyze computes the merge base of source and target, then diffs the
// collections table, and each collection's documents independently
// (spec: doc_id is only unique within a collection, so a "documents"
// comparison unscoped by collection would conflate two collections'
// rows that happen to share a doc_id).
func (a *Analyzer) Analyze(ctx context.Context, source, target string) (*Report, error) {
	base, err := a.Dolt.MergeBase(ctx, source, target)
	if err != nil {
		return nil, fmt.Errorf("conflict: merge base: %w", err)
	}

	report := &Report{CanAutoMerge: true}

	collectionConflicts, collections, err := a.analyzeCollectionsTable(ctx, base, source, target)
	if err != nil {
		return nil, err
	}
	addConflicts(report, collectionConflicts)

	for _, collection := range collections {
		docConflicts, err := a.analyzeDocumentsTable(ctx, collection, base, source, target)
		if err != nil {
			return nil, err
		}
		addConflicts(report, docConflicts)
	}
	return report, nil
}

func addConflicts(report *Report, conflicts []Conflict) {
	for _, c := range conflicts {
		report.Conflicts = append(report.Conflicts, c)
		if !c.AutoResolvable {
			report.CanAutoMerge = false
		}
	}
}

// analyzeCollectionsTable diffs the collections table and also returns
// the sorted union of every collection name seen across all three refs,
// so the caller knows which collections need a documents-table pass.
func (a *Analyzer) analyzeCollectionsTable(ctx context.Context, base, source, target string) ([]Conflict, []string, error) {
	baseRows, err := a.documentsAsOf(ctx, "collections", "", base)
	if err != nil {
		return nil, nil, err
	}
	oursRows, err := a.documentsAsOf(ctx, "collections", "", source)
	if err != nil {
		return nil, nil, err
	}
	theirsRows, err := a.documentsAsOf(ctx, "collections", "", target)
	if err != nil {
		return nil, nil, err
	}

	names := map[string]bool{}
	for id := range baseRows {
		names[id] = true
	}
	for id := range oursRows {
		names[id] = true
	}
	for id := range theirsRows {
		names[id] = true
	}

	var out []Conflict
	var sortedNames []string
	for name := range names {
		sortedNames = append(sortedNames, name)

		b, hasBase := baseRows[name]
		o, hasOurs := oursRows[name]
		t, hasTheirs := theirsRows[name]

		ours := docState{Exists: hasOurs, Content: o.Content, Hash: o.Hash, Metadata: o.Metadata}
		theirs := docState{Exists: hasTheirs, Content: t.Content, Hash: t.Hash, Metadata: t.Metadata}
		baseState := docState{Exists: hasBase, Content: b.Content, Hash: b.Hash, Metadata: b.Metadata}

		c, ok := classify("collections", name, name, baseState, ours, theirs)
		if !ok {
			continue
		}
		out = append(out, c)
	}
	sort.Strings(sortedNames)
	return out, sortedNames, nil
}

// analyzeDocumentsTable diffs one collection's documents, scoped by
// `WHERE collection_name = collection` so a doc_id shared by two
// different collections never gets conflated into a fabricated
// conflict.
func (a *Analyzer) analyzeDocumentsTable(ctx context.Context, collection, base, source, target string) ([]Conflict, error) {
	baseRows, err := a.documentsAsOf(ctx, "documents", collection, base)
	if err != nil {
		return nil, err
	}
	oursRows, err := a.documentsAsOf(ctx, "documents", collection, source)
	if err != nil {
		return nil, err
	}
	theirsRows, err := a.documentsAsOf(ctx, "documents", collection, target)
	if err != nil {
		return nil, err
	}

	allIDs := map[string]bool{}
	for id := range baseRows {
		allIDs[id] = true
	}
	for id := range oursRows {
		allIDs[id] = true
	}
	for id := range theirsRows {
		allIDs[id] = true
	}

	var out []Conflict
	for id := range allIDs {
		b, hasBase := baseRows[id]
		o, hasOurs := oursRows[id]
		t, hasTheirs := theirsRows[id]

		ours := docState{Exists: hasOurs, Content: o.Content, Hash: o.Hash, Metadata: o.Metadata}
		theirs := docState{Exists: hasTheirs, Content: t.Content, Hash: t.Hash, Metadata: t.Metadata}
		baseState := docState{Exists: hasBase, Content: b.Content, Hash: b.Hash, Metadata: b.Metadata}

		c, ok := classify("documents", collection, id, baseState, ours, theirs)
		if !ok {
			continue // identical on both sides, or a deletion the other side left unchanged: no conflict
		}
		out = append(out, c)
	}
	return out, nil
}

func classify(table, collection, docID string, base, ours, theirs docState) (Conflict, bool) {
	c := Conflict{Table: table, Collection: collection, DocID: docID, Base: base, Ours: ours, Theirs: theirs}

	switch {
	case !base.Exists && ours.Exists && theirs.Exists:
		if ours.Hash == theirs.Hash {
			return Conflict{}, false // identical add on both sides: not a conflict
		}
		c.Kind = KindAddAdd
		c.AutoResolvable = ours.Content == theirs.Content
		c.SuggestedResolution = resolutionOrManual(c.AutoResolvable, "keep_ours")

	case base.Exists && !ours.Exists && theirs.Exists && theirs.Hash != base.Hash:
		c.Kind = KindDeleteModify
		c.AutoResolvable = false
		c.SuggestedResolution = "manual_review"

	case base.Exists && ours.Exists && !theirs.Exists && ours.Hash != base.Hash:
		c.Kind = KindDeleteModify
		c.AutoResolvable = false
		c.SuggestedResolution = "manual_review"

	case base.Exists && ours.Exists && theirs.Exists:
		if ours.Hash == theirs.Hash && metadataEqual(ours.Metadata, theirs.Metadata) {
			return Conflict{}, false
		}
		if ours.Hash != base.Hash && theirs.Hash != base.Hash && ours.Hash != theirs.Hash {
			c.Kind = KindContentModification
			c.AutoResolvable = false
			c.SuggestedResolution = "manual_review"
		} else if ours.Hash != theirs.Hash {
			c.Kind = KindContentModification
			c.AutoResolvable = true
			switch {
			case ours.Hash == base.Hash:
				c.SuggestedResolution = "keep_theirs"
			case theirs.Hash == base.Hash:
				c.SuggestedResolution = "keep_ours"
			default:
				c.SuggestedResolution = "keep_ours"
			}
		} else if !metadataEqual(ours.Metadata, theirs.Metadata) {
			c.Kind = KindMetadataConflict
			c.AutoResolvable = true
			c.SuggestedResolution = "field_merge"
		} else {
			return Conflict{}, false
		}

	default:
		return Conflict{}, false
	}

	c.ID = "conf_" + hashutil.ShortDigest(fmt.Sprintf("%s|%s|%s", collection, docID, c.Kind), 12)
	return c, true
}

func resolutionOrManual(autoResolvable bool, strategy string) string {
	if autoResolvable {
		return strategy
	}
	return "manual_review"
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

type rowView struct {
	Content  string
	Hash     string
	Metadata map[string]any
}

func (a *Analyzer) documentsAsOf(ctx context.Context, table, collection, ref string) (map[string]rowView, error) {
	var query string
	switch table {
	case "documents":
		query = fmt.Sprintf(
			"SELECT doc_id AS id, content, content_hash, metadata FROM `documents` AS OF '%s' WHERE collection_name = '%s'",
			sqlutil.EscapeSQLString(ref), sqlutil.EscapeSQLString(collection))
	case "collections":
		query = fmt.Sprintf("SELECT collection_name AS id, metadata FROM `collections` AS OF '%s'", sqlutil.EscapeSQLString(ref))
	default:
		return nil, fmt.Errorf("conflict: unknown tracked table %q", table)
	}

	rows, err := a.Dolt.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("conflict: query %s AS OF %s: %w", table, ref, err)
	}

	out := make(map[string]rowView, len(rows))
	for _, r := range rows {
		meta, err := sqlutil.ParseJSONColumn(r["metadata"])
		if err != nil {
			return nil, fmt.Errorf("conflict: parse metadata for %s: %w", r["id"], err)
		}
		rv := rowView{Metadata: meta}
		if table == "documents" {
			rv.Content = r["content"]
			rv.Hash = r["content_hash"]
		} else {
			rv.Hash = hashutil.ShortDigest(fmt.Sprint(meta), 16)
		}
		out[r["id"]] = rv
	}
	return out, nil
}

// ResolutionPreview describes the effect of applying a chosen strategy
// to one conflict (spec §4.7, Resolution preview).
type ResolutionPreview struct {
	Content         string
	Metadata        map[string]any
	Confidence      int
	DataLossWarnings []string
}

// Preview computes the ResolutionPreview for applying strategy to c.
// strategy is one of "keep_ours", "keep_theirs", "field_merge".
func Preview(c Conflict, strategy string) (ResolutionPreview, error) {
	switch strategy {
	case "keep_ours":
		return ResolutionPreview{
			Content:    c.Ours.Content,
			Metadata:   c.Ours.Metadata,
			Confidence: confidenceFor(c, strategy),
			DataLossWarnings: fieldDropWarnings(c.Theirs.Metadata, c.Ours.Metadata, "theirs"),
		}, nil
	case "keep_theirs":
		return ResolutionPreview{
			Content:    c.Theirs.Content,
			Metadata:   c.Theirs.Metadata,
			Confidence: confidenceFor(c, strategy),
			DataLossWarnings: fieldDropWarnings(c.Ours.Metadata, c.Theirs.Metadata, "ours"),
		}, nil
	case "field_merge":
		merged, warnings := mergeMetadata(c.Base.Metadata, c.Ours.Metadata, c.Theirs.Metadata)
		content := c.Ours.Content
		if content == "" {
			content = c.Theirs.Content
		}
		return ResolutionPreview{
			Content:          content,
			Metadata:         merged,
			Confidence:       confidenceFor(c, strategy),
			DataLossWarnings: warnings,
		}, nil
	default:
		return ResolutionPreview{}, fmt.Errorf("conflict: unknown resolution strategy %q", strategy)
	}
}

func confidenceFor(c Conflict, strategy string) int {
	if c.AutoResolvable && c.SuggestedResolution == strategy {
		return 100
	}
	if c.Kind == KindMetadataConflict {
		return 80
	}
	return 50
}

// fieldDropWarnings reports metadata fields present in "dropped" but
// absent (or differing) from "kept" — the explicit data-loss warnings
// spec §4.7 requires for a resolution preview.
func fieldDropWarnings(dropped, kept map[string]any, droppedSideName string) []string {
	var warnings []string
	for k, v := range dropped {
		kv, ok := kept[k]
		if !ok || fmt.Sprint(kv) != fmt.Sprint(v) {
			warnings = append(warnings, fmt.Sprintf("field %q from %s side is dropped", k, droppedSideName))
		}
	}
	return warnings
}

// mergeMetadata merges non-overlapping fields, preferring newer
// timestamps and higher integer versions when both sides touch the
// same field (spec §4.7 MetadataConflict auto-resolution rule).
func mergeMetadata(base, ours, theirs map[string]any) (map[string]any, []string) {
	merged := map[string]any{}
	var warnings []string

	for k, v := range ours {
		merged[k] = v
	}
	for k, tv := range theirs {
		ov, conflict := merged[k]
		if !conflict {
			merged[k] = tv
			continue
		}
		if fmt.Sprint(ov) == fmt.Sprint(tv) {
			continue
		}
		bv := base[k]
		if winner, ok := preferNewerOrHigher(k, bv, ov, tv); ok {
			merged[k] = winner
			warnings = append(warnings, fmt.Sprintf("field %q: both sides changed, kept the preferred value", k))
		}
	}
	return merged, warnings
}

func preferNewerOrHigher(key string, base, ours, theirs any) (any, bool) {
	if ot, oerr := asTime(ours); oerr == nil {
		if tt, terr := asTime(theirs); terr == nil {
			if ot.After(tt) {
				return ours, true
			}
			return theirs, true
		}
	}
	if oi, oerr := asInt(ours); oerr == nil {
		if ti, terr := asInt(theirs); terr == nil {
			if oi >= ti {
				return ours, true
			}
			return theirs, true
		}
	}
	return theirs, true // no comparable ordering: last-writer (theirs) wins deterministically
}

func asTime(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("not a string")
	}
	return time.Parse(time.RFC3339, s)
}

func asInt(v any) (int64, error) {
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("not an int")
	}
}
