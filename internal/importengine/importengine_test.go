package importengine

import (
	"context"
	"testing"

	"github.com/untoldecay/dmms-sync-core/internal/chroma"
	"github.com/untoldecay/dmms-sync-core/internal/coreerr"
)

// fakeGateway is a minimal in-memory chroma.Gateway for engine tests.
// Only the methods importengine actually calls are meaningfully
// implemented; the rest satisfy the interface with no-ops.
type fakeGateway struct {
	collections map[string][]chroma.Document
	metadata    map[string]map[string]any
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{collections: map[string][]chroma.Document{}, metadata: map[string]map[string]any{}}
}

func (f *fakeGateway) ListCollections(ctx context.Context) ([]string, error) {
	names := make([]string, 0, len(f.collections))
	for n := range f.collections {
		names = append(names, n)
	}
	return names, nil
}

func (f *fakeGateway) CreateCollection(ctx context.Context, name string, metadata map[string]any) error {
	if _, ok := f.collections[name]; !ok {
		f.collections[name] = nil
	}
	return nil
}

func (f *fakeGateway) DeleteCollection(ctx context.Context, name string) error {
	delete(f.collections, name)
	return nil
}

func (f *fakeGateway) GetCollectionMetadata(ctx context.Context, name string) (map[string]any, error) {
	if _, ok := f.collections[name]; !ok {
		return nil, coreerr.New(coreerr.KindNotFound, "collection "+name+" does not exist")
	}
	return f.metadata[name], nil
}

func (f *fakeGateway) SetCollectionMetadata(ctx context.Context, name string, metadata map[string]any) error {
	f.metadata[name] = metadata
	return nil
}

func (f *fakeGateway) CollectionCount(ctx context.Context, name string) (int, error) {
	return len(f.collections[name]), nil
}

func (f *fakeGateway) AddDocuments(ctx context.Context, collection string, docs []chroma.Document) error {
	return f.UpsertDocuments(ctx, collection, docs)
}

func (f *fakeGateway) UpsertDocuments(ctx context.Context, collection string, docs []chroma.Document) error {
	existing := f.collections[collection]
	for _, d := range docs {
		replaced := false
		for i, e := range existing {
			if e.ID == d.ID {
				existing[i] = d
				replaced = true
				break
			}
		}
		if !replaced {
			existing = append(existing, d)
		}
	}
	f.collections[collection] = existing
	return nil
}

func (f *fakeGateway) GetDocuments(ctx context.Context, collection string, ids []string, filter chroma.MetadataFilter) ([]chroma.Document, error) {
	var out []chroma.Document
	for _, d := range f.collections[collection] {
		for _, id := range ids {
			if d.ID == id {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

func (f *fakeGateway) DeleteDocuments(ctx context.Context, collection string, ids []string, filter chroma.MetadataFilter) error {
	return nil
}

func (f *fakeGateway) QueryDocuments(ctx context.Context, collection string, queryText string, filter chroma.MetadataFilter, contentFilter string, nResults int) (*chroma.QueryResult, error) {
	return &chroma.QueryResult{}, nil
}

func (f *fakeGateway) AllDocumentHashes(ctx context.Context, collection string) (map[string]string, error) {
	out := map[string]string{}
	for _, d := range f.collections[collection] {
		out[d.ID] = "h:" + d.Content
	}
	return out, nil
}

func TestExpandFilterEmptyMapsEverythingToItself(t *testing.T) {
	src := newFakeGateway()
	src.collections["alpha"] = nil
	src.collections["beta"] = nil

	e := &Engine{Source: src, Target: newFakeGateway()}
	mappings, err := e.ExpandFilter(context.Background(), nil)
	if err != nil {
		t.Fatalf("ExpandFilter error: %v", err)
	}
	if len(mappings) != 2 {
		t.Fatalf("expected 2 mappings, got %d", len(mappings))
	}
	for _, m := range mappings {
		if m.SourceCollection != m.ImportInto {
			t.Errorf("expected identity mapping, got %+v", m)
		}
	}
}

func TestPreviewNoConflictOnFirstImport(t *testing.T) {
	src := newFakeGateway()
	src.collections["alpha"] = []chroma.Document{{ID: "doc1", Content: "hello"}}
	tgt := newFakeGateway()

	e := &Engine{Source: src, Target: tgt}
	preview, err := e.Preview(context.Background(), []Filter{{Name: "alpha", ImportInto: "alpha"}})
	if err != nil {
		t.Fatalf("Preview error: %v", err)
	}
	if len(preview.Conflicts) != 0 {
		t.Fatalf("expected no conflicts, got %+v", preview.Conflicts)
	}
	if len(preview.Writes) != 1 || preview.Writes[0].Skip {
		t.Fatalf("expected one non-skip write, got %+v", preview.Writes)
	}
}

func TestPreviewSkipsIdenticalContent(t *testing.T) {
	src := newFakeGateway()
	src.collections["alpha"] = []chroma.Document{{ID: "doc1", Content: "same"}}
	tgt := newFakeGateway()
	tgt.collections["alpha"] = []chroma.Document{{ID: "doc1", Content: "same"}}

	e := &Engine{Source: src, Target: tgt}
	preview, err := e.Preview(context.Background(), []Filter{{Name: "alpha", ImportInto: "alpha"}})
	if err != nil {
		t.Fatalf("Preview error: %v", err)
	}
	if len(preview.Conflicts) != 0 {
		t.Fatalf("expected no conflicts for identical content, got %+v", preview.Conflicts)
	}
	if len(preview.Writes) != 1 || !preview.Writes[0].Skip {
		t.Fatalf("expected one skipped write, got %+v", preview.Writes)
	}
}

func TestPreviewDetectsContentModification(t *testing.T) {
	src := newFakeGateway()
	src.collections["alpha"] = []chroma.Document{{ID: "doc1", Content: "new"}}
	tgt := newFakeGateway()
	tgt.collections["alpha"] = []chroma.Document{{ID: "doc1", Content: "old"}}

	e := &Engine{Source: src, Target: tgt}
	preview, err := e.Preview(context.Background(), []Filter{{Name: "alpha", ImportInto: "alpha"}})
	if err != nil {
		t.Fatalf("Preview error: %v", err)
	}
	if len(preview.Conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %+v", preview.Conflicts)
	}
	if preview.Conflicts[0].Kind != ConflictContentModification {
		t.Fatalf("Kind = %v, want ContentModification", preview.Conflicts[0].Kind)
	}
}

func TestCrossCollectionIDCollisionIDIsOrderIndependent(t *testing.T) {
	newScenario := func(firstFirst bool) *Preview {
		src := newFakeGateway()
		if firstFirst {
			src.collections["a"] = []chroma.Document{{ID: "doc1", Content: "x"}}
			src.collections["b"] = []chroma.Document{{ID: "doc1", Content: "y"}}
		} else {
			src.collections["b"] = []chroma.Document{{ID: "doc1", Content: "y"}}
			src.collections["a"] = []chroma.Document{{ID: "doc1", Content: "x"}}
		}
		tgt := newFakeGateway()
		e := &Engine{Source: src, Target: tgt}
		preview, err := e.Preview(context.Background(), []Filter{
			{Name: "a", ImportInto: "merged"},
			{Name: "b", ImportInto: "merged"},
		})
		if err != nil {
			t.Fatalf("Preview error: %v", err)
		}
		return preview
	}

	p1 := newScenario(true)
	p2 := newScenario(false)

	if len(p1.Conflicts) != 1 || len(p2.Conflicts) != 1 {
		t.Fatalf("expected exactly one IdCollision conflict each, got %d and %d", len(p1.Conflicts), len(p2.Conflicts))
	}
	if p1.Conflicts[0].Kind != ConflictIDCollision {
		t.Fatalf("Kind = %v, want IdCollision", p1.Conflicts[0].Kind)
	}
	if p1.Conflicts[0].ID != p2.Conflicts[0].ID {
		t.Fatalf("cross-collection conflict ID must not depend on processing order: %q != %q", p1.Conflicts[0].ID, p2.Conflicts[0].ID)
	}
}

func TestNormalizeResolutionSynonyms(t *testing.T) {
	cases := map[string]string{
		"Source":       "keep_source",
		"keep_source":  "keep_source",
		"TARGET":       "keep_target",
		"keep-target":  "keep-target", // hyphens are not stripped, only underscores, so this is left unnormalized
		"First":        "keep_first",
		"keep_first":   "keep_first",
		"Last":         "keep_last",
		"  skip  ":     "skip",
		"NameSpace":    "namespace",
	}
	for in, want := range cases {
		if got := normalizeResolution(in); got != want {
			t.Errorf("normalizeResolution(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidateResolutionRejectsDisallowed(t *testing.T) {
	if _, err := ValidateResolution(ConflictIDCollision, "merge"); err == nil {
		t.Fatal("expected merge to be rejected for IdCollision")
	}
	if _, err := ValidateResolution(ConflictContentModification, "keep_source"); err != nil {
		t.Fatalf("expected keep_source to be allowed for ContentModification: %v", err)
	}
}

func TestPreviewDetectsCollectionMismatch(t *testing.T) {
	src := newFakeGateway()
	src.collections["alpha"] = []chroma.Document{{ID: "doc1", Content: "hello"}}
	src.metadata["alpha"] = map[string]any{"embedding_model": "text-embedding-3-small"}

	tgt := newFakeGateway()
	tgt.collections["alpha"] = []chroma.Document{{ID: "doc2", Content: "existing"}}
	tgt.metadata["alpha"] = map[string]any{"embedding_model": "text-embedding-ada-002"}

	e := &Engine{Source: src, Target: tgt}
	preview, err := e.Preview(context.Background(), []Filter{{Name: "alpha", ImportInto: "alpha"}})
	if err != nil {
		t.Fatalf("Preview error: %v", err)
	}
	if len(preview.Conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %+v", preview.Conflicts)
	}
	if preview.Conflicts[0].Kind != ConflictCollectionMismatch {
		t.Fatalf("Kind = %v, want CollectionMismatch", preview.Conflicts[0].Kind)
	}
	if len(preview.Writes) != 0 {
		t.Fatalf("expected no writes planned for a mismatched collection, got %+v", preview.Writes)
	}
}

func TestPreviewCollectionMismatchIgnoredWhenTargetDoesNotExistYet(t *testing.T) {
	src := newFakeGateway()
	src.collections["alpha"] = []chroma.Document{{ID: "doc1", Content: "hello"}}
	src.metadata["alpha"] = map[string]any{"embedding_model": "text-embedding-3-small"}
	tgt := newFakeGateway() // target collection doesn't exist yet

	e := &Engine{Source: src, Target: tgt}
	preview, err := e.Preview(context.Background(), []Filter{{Name: "alpha", ImportInto: "alpha"}})
	if err != nil {
		t.Fatalf("Preview error: %v", err)
	}
	if len(preview.Conflicts) != 0 {
		t.Fatalf("expected no conflicts for a brand-new target collection, got %+v", preview.Conflicts)
	}
	if len(preview.Writes) != 1 || preview.Writes[0].Skip {
		t.Fatalf("expected one non-skip write, got %+v", preview.Writes)
	}
}

func TestExecuteWritesToMappedTargetNotSource(t *testing.T) {
	src := newFakeGateway()
	src.collections["alpha"] = []chroma.Document{{ID: "doc1", Content: "hello"}}
	tgt := newFakeGateway()

	e := &Engine{Source: src, Target: tgt}
	_, err := e.Execute(context.Background(), []Filter{{Name: "alpha", ImportInto: "renamed"}}, nil)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if len(tgt.collections["renamed"]) != 1 {
		t.Fatalf("expected document written under target collection %q, got collections=%+v", "renamed", tgt.collections)
	}
	if len(tgt.collections["alpha"]) != 0 {
		t.Fatalf("document must not be written under the source collection name")
	}
}
