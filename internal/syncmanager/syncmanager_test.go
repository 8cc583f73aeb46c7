package syncmanager

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/untoldecay/dmms-sync-core/internal/changedetect"
	"github.com/untoldecay/dmms-sync-core/internal/chroma"
	"github.com/untoldecay/dmms-sync-core/internal/dolt"
	"github.com/untoldecay/dmms-sync-core/internal/pendingops"
	"github.com/untoldecay/dmms-sync-core/internal/syncstate"
)

// fakeChroma is a small in-memory chroma.Gateway exercising the calls
// syncmanager makes during Stage/Checkout.
type fakeChroma struct {
	collections map[string]map[string]any
	docs        map[string]map[string]chroma.Document // collection -> id -> doc
}

func newFakeChroma() *fakeChroma {
	return &fakeChroma{collections: map[string]map[string]any{}, docs: map[string]map[string]chroma.Document{}}
}

func (f *fakeChroma) ListCollections(ctx context.Context) ([]string, error) {
	var out []string
	for n := range f.collections {
		out = append(out, n)
	}
	return out, nil
}
func (f *fakeChroma) CreateCollection(ctx context.Context, name string, metadata map[string]any) error {
	f.collections[name] = metadata
	if f.docs[name] == nil {
		f.docs[name] = map[string]chroma.Document{}
	}
	return nil
}
func (f *fakeChroma) DeleteCollection(ctx context.Context, name string) error {
	delete(f.collections, name)
	delete(f.docs, name)
	return nil
}
func (f *fakeChroma) GetCollectionMetadata(ctx context.Context, name string) (map[string]any, error) {
	return f.collections[name], nil
}
func (f *fakeChroma) SetCollectionMetadata(ctx context.Context, name string, metadata map[string]any) error {
	f.collections[name] = metadata
	return nil
}
func (f *fakeChroma) CollectionCount(ctx context.Context, name string) (int, error) {
	return len(f.docs[name]), nil
}
func (f *fakeChroma) AddDocuments(ctx context.Context, collection string, docs []chroma.Document) error {
	return f.UpsertDocuments(ctx, collection, docs)
}
func (f *fakeChroma) UpsertDocuments(ctx context.Context, collection string, docs []chroma.Document) error {
	if f.docs[collection] == nil {
		f.docs[collection] = map[string]chroma.Document{}
	}
	for _, d := range docs {
		f.docs[collection][d.ID] = d
	}
	return nil
}
func (f *fakeChroma) GetDocuments(ctx context.Context, collection string, ids []string, filter chroma.MetadataFilter) ([]chroma.Document, error) {
	var out []chroma.Document
	for _, id := range ids {
		if d, ok := f.docs[collection][id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}
func (f *fakeChroma) DeleteDocuments(ctx context.Context, collection string, ids []string, filter chroma.MetadataFilter) error {
	for _, id := range ids {
		delete(f.docs[collection], id)
	}
	return nil
}
func (f *fakeChroma) QueryDocuments(ctx context.Context, collection string, queryText string, filter chroma.MetadataFilter, contentFilter string, nResults int) (*chroma.QueryResult, error) {
	return &chroma.QueryResult{}, nil
}
func (f *fakeChroma) AllDocumentHashes(ctx context.Context, collection string) (map[string]string, error) {
	out := map[string]string{}
	for id, d := range f.docs[collection] {
		if h, ok := d.Metadata["content_hash"].(string); ok {
			out[id] = h
		}
	}
	return out, nil
}

// fakeDolt logs every Exec call and answers Query from pre-seeded rows
// keyed by a substring of the SQL.
type fakeDolt struct {
	execLog   []string
	queryRows map[string][]dolt.Row
	commit    string
}

func (f *fakeDolt) Init(ctx context.Context) error                    { return nil }
func (f *fakeDolt) CurrentBranch(ctx context.Context) (string, error) { return "main", nil }
func (f *fakeDolt) CurrentCommit(ctx context.Context) (string, error) { return f.commit, nil }
func (f *fakeDolt) Checkout(ctx context.Context, branch string, create bool) error {
	return nil
}
func (f *fakeDolt) Branches(ctx context.Context) ([]string, error)        { return nil, nil }
func (f *fakeDolt) DeleteBranch(ctx context.Context, branch string) error { return nil }
func (f *fakeDolt) Add(ctx context.Context, tables ...string) error {
	f.execLog = append(f.execLog, "ADD:"+strings.Join(tables, ","))
	return nil
}
func (f *fakeDolt) Commit(ctx context.Context, message string) (string, error) {
	f.commit = "commit_1"
	return f.commit, nil
}
func (f *fakeDolt) Status(ctx context.Context) (bool, []string, error) { return true, nil, nil }
func (f *fakeDolt) Log(ctx context.Context, branch string, limit int) ([]string, error) {
	return nil, nil
}
func (f *fakeDolt) Diff(ctx context.Context, fromRef, toRef, table string) (string, error) {
	return "", nil
}
func (f *fakeDolt) MergeBase(ctx context.Context, left, right string) (string, error) {
	return "", nil
}
func (f *fakeDolt) Merge(ctx context.Context, branch string) (bool, string, error) {
	return false, "", nil
}
func (f *fakeDolt) Push(ctx context.Context, remote, branch string) error { return nil }
func (f *fakeDolt) Pull(ctx context.Context, remote, branch string) error { return nil }
func (f *fakeDolt) Fetch(ctx context.Context, remote string) error        { return nil }
func (f *fakeDolt) Query(ctx context.Context, sql string) ([]dolt.Row, error) {
	for key, rows := range f.queryRows {
		if strings.Contains(sql, key) {
			return rows, nil
		}
	}
	return nil, nil
}
func (f *fakeDolt) Exec(ctx context.Context, sql string) error {
	f.execLog = append(f.execLog, sql)
	return nil
}

func openPendingOps(t *testing.T) *pendingops.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deletion_tracking.db")
	s, err := pendingops.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("pendingops.Open error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func openSyncState(t *testing.T) *syncstate.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sync_state.db")
	s, err := syncstate.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("syncstate.Open error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStageOrdersDeletionsBeforeDocumentWrites(t *testing.T) {
	fd := &fakeDolt{}
	fc := newFakeChroma()
	po := openPendingOps(t)
	m := &Manager{Repository: "repo1", Chroma: fc, Dolt: fd, PendingOps: po, SyncState: openSyncState(t)}

	changes := &changedetect.ChangeSet{
		Collections: []changedetect.CollectionChange{
			{Name: "stale", Kind: "deleted"},
		},
		Documents: map[string][]changedetect.DocumentChange{
			"stale": {{DocID: "doc1", Kind: "deleted"}},
		},
	}

	if err := m.Stage(context.Background(), changes, "main"); err != nil {
		t.Fatalf("Stage error: %v", err)
	}

	deleteCollectionIdx, deleteDocIdx := -1, -1
	for i, sql := range fd.execLog {
		if strings.Contains(sql, "DELETE FROM collections") {
			deleteCollectionIdx = i
		}
		if strings.Contains(sql, "DELETE FROM documents WHERE collection_name = 'stale' AND doc_id = 'doc1'") {
			deleteDocIdx = i
		}
	}
	if deleteCollectionIdx == -1 || deleteDocIdx == -1 {
		t.Fatalf("expected both a collection delete and a document delete, execLog=%v", fd.execLog)
	}
	if deleteCollectionIdx > deleteDocIdx {
		t.Fatalf("expected collection-level deletion to be staged before the later document-level pass, execLog=%v", fd.execLog)
	}
}

func TestCommitAdvancesSyncStateAndCleansPendingOps(t *testing.T) {
	fd := &fakeDolt{}
	fc := newFakeChroma()
	fc.collections["docs"] = map[string]any{}
	po := openPendingOps(t)
	ss := openSyncState(t)
	m := &Manager{Repository: "repo1", Chroma: fc, Dolt: fd, PendingOps: po, SyncState: ss}

	if err := po.TrackCollectionDeletion(context.Background(), "old"); err != nil {
		t.Fatalf("TrackCollectionDeletion error: %v", err)
	}

	hash, err := m.Commit(context.Background(), "main", "test commit")
	if err != nil {
		t.Fatalf("Commit error: %v", err)
	}
	if hash != "commit_1" {
		t.Fatalf("commit hash = %q, want commit_1", hash)
	}

	st, err := ss.Get(context.Background(), "repo1", "docs", "main")
	if err != nil {
		t.Fatalf("Get sync state error: %v", err)
	}
	if st == nil || st.CommitHash != "commit_1" {
		t.Fatalf("expected sync state updated to commit_1, got %+v", st)
	}

	ops, err := po.PendingCollectionOps(context.Background())
	if err != nil {
		t.Fatalf("PendingCollectionOps error: %v", err)
	}
	if len(ops) != 0 {
		t.Fatalf("expected committed pending op to be cleaned up, got %+v", ops)
	}
}

func TestCheckoutCreatesCollectionAndReplaysDocuments(t *testing.T) {
	fd := &fakeDolt{
		commit: "commit_1",
		queryRows: map[string][]dolt.Row{
			"FROM collections": {{"collection_name": "docs", "metadata": `{}`}},
			"FROM documents":   {{"doc_id": "doc1", "content": "hello world", "metadata": `{}`}},
		},
	}
	fc := newFakeChroma()
	po := openPendingOps(t)
	ss := openSyncState(t)
	m := &Manager{Repository: "repo1", Chroma: fc, Dolt: fd, PendingOps: po, SyncState: ss}

	if err := m.Checkout(context.Background(), "main"); err != nil {
		t.Fatalf("Checkout error: %v", err)
	}

	if _, ok := fc.collections["docs"]; !ok {
		t.Fatal("expected collection docs to be created locally")
	}
	if _, ok := fc.docs["docs"]["doc1"]; !ok {
		t.Fatalf("expected doc1 to be replayed into the live store, got %+v", fc.docs["docs"])
	}

	st, err := ss.Get(context.Background(), "repo1", "docs", "main")
	if err != nil {
		t.Fatalf("Get sync state error: %v", err)
	}
	if st == nil || st.CommitHash != "commit_1" {
		t.Fatalf("expected sync state advanced to commit_1, got %+v", st)
	}
}

func TestReplayDocumentsDeletesStaleChunks(t *testing.T) {
	fd := &fakeDolt{
		commit: "commit_1",
		queryRows: map[string][]dolt.Row{
			"FROM collections": {{"collection_name": "docs", "metadata": `{}`}},
			"FROM documents":   {}, // nothing committed anymore
		},
	}
	fc := newFakeChroma()
	fc.collections["docs"] = map[string]any{}
	fc.docs["docs"] = map[string]chroma.Document{
		"stale_doc": {ID: "stale_doc", Content: "old", Metadata: map[string]any{"content_hash": "h1"}},
	}
	po := openPendingOps(t)
	ss := openSyncState(t)
	m := &Manager{Repository: "repo1", Chroma: fc, Dolt: fd, PendingOps: po, SyncState: ss}

	if err := m.Checkout(context.Background(), "main"); err != nil {
		t.Fatalf("Checkout error: %v", err)
	}

	if _, ok := fc.docs["docs"]["stale_doc"]; ok {
		t.Fatal("expected stale_doc to be deleted since it's no longer in the committed state")
	}
}
