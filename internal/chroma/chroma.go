// Package chroma provides a narrow capability view of the vector
// document store (spec §4 ChromaGateway): list/create/delete
// collections, add/get/delete documents, and metadata-filtered queries.
// It deliberately does not expose embedding/indexing internals — those
// are explicitly out of scope (spec §1).
package chroma

import "context"

// Document is a physically-stored chunk as the vector store sees it —
// the "Chunk" of spec §3. Metadata always carries source_id,
// chunk_index, and total_chunks once chunked (spec §4.4).
type Document struct {
	ID       string
	Content  string
	Metadata map[string]any
}

// QueryResult is the typed response of QueryDocuments, used in place of
// a loosely-typed dictionary (spec §9 "Dynamic result bags"): parallel
// slices, one entry per matching document.
type QueryResult struct {
	IDs       []string
	Documents []string
	Metadatas []map[string]any
	Distances []float64
}

// MetadataFilter is an equality filter over scalar metadata fields,
// e.g. {"source_id": "doc2"}. The gateway does not support range or
// boolean-combinator filters beyond simple AND-of-equality, matching
// what spec §4.4's source_id expansion actually needs.
type MetadataFilter map[string]any

// Gateway is the capability surface the sync core consumes.
type Gateway interface {
	ListCollections(ctx context.Context) ([]string, error)
	CreateCollection(ctx context.Context, name string, metadata map[string]any) error
	DeleteCollection(ctx context.Context, name string) error
	GetCollectionMetadata(ctx context.Context, name string) (map[string]any, error)
	SetCollectionMetadata(ctx context.Context, name string, metadata map[string]any) error
	CollectionCount(ctx context.Context, name string) (int, error)

	AddDocuments(ctx context.Context, collection string, docs []Document) error
	UpsertDocuments(ctx context.Context, collection string, docs []Document) error
	GetDocuments(ctx context.Context, collection string, ids []string, filter MetadataFilter) ([]Document, error)
	DeleteDocuments(ctx context.Context, collection string, ids []string, filter MetadataFilter) error
	QueryDocuments(ctx context.Context, collection string, queryText string, filter MetadataFilter, contentFilter string, nResults int) (*QueryResult, error)

	// AllDocumentHashes returns doc_id/chunk_id -> content hash for every
	// stored chunk in a collection, used by ChangeDetector's content-hash
	// comparison (spec §4.5) without pulling full content over the wire.
	AllDocumentHashes(ctx context.Context, collection string) (map[string]string, error)
}
