package chroma

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/untoldecay/dmms-sync-core/internal/coreerr"
)

// collectionFile is the on-disk shape of one collection under
// CHROMA_DATA_PATH/<name>.json — this gateway's persistent-mode
// storage is intentionally simple (a single JSON file per collection)
// since the embedding/indexing internals of the real vector store are
// out of scope (spec §1); this gateway only needs to preserve the
// capability surface other components depend on.
type collectionFile struct {
	Metadata  map[string]any         `json:"metadata"`
	Documents map[string]Document    `json:"documents"`
}

// PersistentGateway is a local, file-backed Gateway implementation
// (CHROMA_MODE=persistent). A per-collection mutex serializes calls
// against that collection while leaving other collections free to run
// concurrently (spec §5). An fsnotify watcher on the data directory
// invalidates the in-process collection-list cache when the directory
// is mutated out of band (e.g. by a separate process or by the real
// embedding engine this gateway is narrowly standing in for).
type PersistentGateway struct {
	dataPath string

	mu          sync.Mutex
	collMu      map[string]*sync.Mutex
	listCache   []string
	listCacheOK bool

	watcher *fsnotify.Watcher
}

func NewPersistentGateway(dataPath string) (*PersistentGateway, error) {
	if err := os.MkdirAll(dataPath, 0o750); err != nil {
		return nil, coreerr.Wrap(coreerr.KindExternalCommandFailed, "create chroma data path", err)
	}

	g := &PersistentGateway{
		dataPath: dataPath,
		collMu:   make(map[string]*sync.Mutex),
	}

	w, err := fsnotify.NewWatcher()
	if err == nil {
		if addErr := w.Add(dataPath); addErr == nil {
			g.watcher = w
			go g.watchLoop()
		} else {
			_ = w.Close()
		}
	}
	// A watcher is a best-effort cache-invalidation optimization; its
	// absence (e.g. inotify limits) must not prevent the gateway from
	// working, so errors here are not fatal.

	return g, nil
}

func (g *PersistentGateway) Close() error {
	if g.watcher != nil {
		return g.watcher.Close()
	}
	return nil
}

func (g *PersistentGateway) watchLoop() {
	for {
		select {
		case ev, ok := <-g.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				g.mu.Lock()
				g.listCacheOK = false
				g.mu.Unlock()
			}
		case _, ok := <-g.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (g *PersistentGateway) lockFor(name string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.collMu[name]
	if !ok {
		m = &sync.Mutex{}
		g.collMu[name] = m
	}
	return m
}

func (g *PersistentGateway) pathFor(name string) string {
	return filepath.Join(g.dataPath, name+".json")
}

func (g *PersistentGateway) load(name string) (*collectionFile, error) {
	raw, err := os.ReadFile(g.pathFor(name)) // #nosec G304 -- name validated by caller against collection charset
	if err != nil {
		if os.IsNotExist(err) {
			return nil, coreerr.New(coreerr.KindNotFound, "collection "+name+" does not exist")
		}
		return nil, coreerr.Wrap(coreerr.KindExternalCommandFailed, "read collection file", err)
	}
	var cf collectionFile
	if err := json.Unmarshal(raw, &cf); err != nil {
		return nil, coreerr.Wrap(coreerr.KindInternal, "parse collection file", err)
	}
	if cf.Documents == nil {
		cf.Documents = map[string]Document{}
	}
	if cf.Metadata == nil {
		cf.Metadata = map[string]any{}
	}
	return &cf, nil
}

func (g *PersistentGateway) save(name string, cf *collectionFile) error {
	raw, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return coreerr.Wrap(coreerr.KindInternal, "marshal collection file", err)
	}
	tmp := g.pathFor(name) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o640); err != nil {
		return coreerr.Wrap(coreerr.KindExternalCommandFailed, "write collection file", err)
	}
	return os.Rename(tmp, g.pathFor(name))
}

func (g *PersistentGateway) ListCollections(ctx context.Context) ([]string, error) {
	g.mu.Lock()
	if g.listCacheOK {
		cached := append([]string(nil), g.listCache...)
		g.mu.Unlock()
		return cached, nil
	}
	g.mu.Unlock()

	entries, err := os.ReadDir(g.dataPath)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindExternalCommandFailed, "list chroma data dir", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}

	g.mu.Lock()
	g.listCache = names
	g.listCacheOK = true
	g.mu.Unlock()

	return names, nil
}

func (g *PersistentGateway) CreateCollection(ctx context.Context, name string, metadata map[string]any) error {
	lock := g.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(g.pathFor(name)); err == nil {
		return coreerr.New(coreerr.KindAlreadyExists, "collection "+name+" already exists")
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	g.invalidateListCache()
	return g.save(name, &collectionFile{Metadata: metadata, Documents: map[string]Document{}})
}

func (g *PersistentGateway) invalidateListCache() {
	g.mu.Lock()
	g.listCacheOK = false
	g.mu.Unlock()
}

func (g *PersistentGateway) DeleteCollection(ctx context.Context, name string) error {
	lock := g.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(g.pathFor(name)); err != nil {
		if os.IsNotExist(err) {
			return coreerr.New(coreerr.KindNotFound, "collection "+name+" does not exist")
		}
		return coreerr.Wrap(coreerr.KindExternalCommandFailed, "delete collection file", err)
	}
	g.invalidateListCache()
	return nil
}

func (g *PersistentGateway) GetCollectionMetadata(ctx context.Context, name string) (map[string]any, error) {
	lock := g.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	cf, err := g.load(name)
	if err != nil {
		return nil, err
	}
	return cf.Metadata, nil
}

func (g *PersistentGateway) SetCollectionMetadata(ctx context.Context, name string, metadata map[string]any) error {
	lock := g.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	cf, err := g.load(name)
	if err != nil {
		return err
	}
	cf.Metadata = metadata
	return g.save(name, cf)
}

func (g *PersistentGateway) CollectionCount(ctx context.Context, name string) (int, error) {
	lock := g.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	cf, err := g.load(name)
	if err != nil {
		return 0, err
	}
	return len(cf.Documents), nil
}

func (g *PersistentGateway) AddDocuments(ctx context.Context, collection string, docs []Document) error {
	return g.UpsertDocuments(ctx, collection, docs)
}

func (g *PersistentGateway) UpsertDocuments(ctx context.Context, collection string, docs []Document) error {
	lock := g.lockFor(collection)
	lock.Lock()
	defer lock.Unlock()

	cf, err := g.load(collection)
	if err != nil {
		return err
	}
	for _, d := range docs {
		cf.Documents[d.ID] = d
	}
	return g.save(collection, cf)
}

func (g *PersistentGateway) GetDocuments(ctx context.Context, collection string, ids []string, filter MetadataFilter) ([]Document, error) {
	lock := g.lockFor(collection)
	lock.Lock()
	defer lock.Unlock()

	cf, err := g.load(collection)
	if err != nil {
		return nil, err
	}

	var out []Document
	if len(ids) > 0 {
		for _, id := range ids {
			if d, ok := cf.Documents[id]; ok && matchesFilter(d, filter) {
				out = append(out, d)
			}
		}
		return out, nil
	}
	for _, d := range cf.Documents {
		if matchesFilter(d, filter) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (g *PersistentGateway) DeleteDocuments(ctx context.Context, collection string, ids []string, filter MetadataFilter) error {
	lock := g.lockFor(collection)
	lock.Lock()
	defer lock.Unlock()

	cf, err := g.load(collection)
	if err != nil {
		return err
	}

	if len(ids) > 0 {
		for _, id := range ids {
			delete(cf.Documents, id)
		}
	} else if len(filter) > 0 {
		for id, d := range cf.Documents {
			if matchesFilter(d, filter) {
				delete(cf.Documents, id)
			}
		}
	}
	return g.save(collection, cf)
}

func (g *PersistentGateway) QueryDocuments(ctx context.Context, collection string, queryText string, filter MetadataFilter, contentFilter string, nResults int) (*QueryResult, error) {
	lock := g.lockFor(collection)
	lock.Lock()
	defer lock.Unlock()

	cf, err := g.load(collection)
	if err != nil {
		return nil, err
	}

	res := &QueryResult{}
	for _, d := range cf.Documents {
		if !matchesFilter(d, filter) {
			continue
		}
		if contentFilter != "" && !strings.Contains(d.Content, contentFilter) {
			continue
		}
		res.IDs = append(res.IDs, d.ID)
		res.Documents = append(res.Documents, d.Content)
		res.Metadatas = append(res.Metadatas, d.Metadata)
		res.Distances = append(res.Distances, 0)
		if nResults > 0 && len(res.IDs) >= nResults {
			break
		}
	}
	return res, nil
}

func (g *PersistentGateway) AllDocumentHashes(ctx context.Context, collection string) (map[string]string, error) {
	lock := g.lockFor(collection)
	lock.Lock()
	defer lock.Unlock()

	cf, err := g.load(collection)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(cf.Documents))
	for id, d := range cf.Documents {
		if h, ok := d.Metadata["content_hash"].(string); ok {
			out[id] = h
		}
	}
	return out, nil
}

func matchesFilter(d Document, filter MetadataFilter) bool {
	for k, v := range filter {
		if d.Metadata[k] != v {
			return false
		}
	}
	return true
}
