package chroma

import (
	"context"
	"testing"
)

func TestPersistentGatewayCreateListDeleteCollection(t *testing.T) {
	g, err := NewPersistentGateway(t.TempDir())
	if err != nil {
		t.Fatalf("NewPersistentGateway error: %v", err)
	}
	defer g.Close()
	ctx := context.Background()

	if err := g.CreateCollection(ctx, "docs", map[string]any{"owner": "alice"}); err != nil {
		t.Fatalf("CreateCollection error: %v", err)
	}

	names, err := g.ListCollections(ctx)
	if err != nil {
		t.Fatalf("ListCollections error: %v", err)
	}
	if len(names) != 1 || names[0] != "docs" {
		t.Fatalf("ListCollections = %v, want [docs]", names)
	}

	meta, err := g.GetCollectionMetadata(ctx, "docs")
	if err != nil {
		t.Fatalf("GetCollectionMetadata error: %v", err)
	}
	if meta["owner"] != "alice" {
		t.Fatalf("metadata = %+v, want owner=alice", meta)
	}

	if err := g.DeleteCollection(ctx, "docs"); err != nil {
		t.Fatalf("DeleteCollection error: %v", err)
	}
	names, err = g.ListCollections(ctx)
	if err != nil {
		t.Fatalf("ListCollections after delete error: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("expected no collections after delete, got %v", names)
	}
}

func TestPersistentGatewayCreateCollectionRejectsDuplicate(t *testing.T) {
	g, err := NewPersistentGateway(t.TempDir())
	if err != nil {
		t.Fatalf("NewPersistentGateway error: %v", err)
	}
	defer g.Close()
	ctx := context.Background()

	if err := g.CreateCollection(ctx, "docs", nil); err != nil {
		t.Fatalf("CreateCollection error: %v", err)
	}
	if err := g.CreateCollection(ctx, "docs", nil); err == nil {
		t.Fatal("expected error creating a duplicate collection")
	}
}

func TestPersistentGatewayDocumentUpsertGetDelete(t *testing.T) {
	g, err := NewPersistentGateway(t.TempDir())
	if err != nil {
		t.Fatalf("NewPersistentGateway error: %v", err)
	}
	defer g.Close()
	ctx := context.Background()

	if err := g.CreateCollection(ctx, "docs", nil); err != nil {
		t.Fatalf("CreateCollection error: %v", err)
	}

	docs := []Document{
		{ID: "doc1", Content: "hello", Metadata: map[string]any{"content_hash": "h1"}},
		{ID: "doc2", Content: "world", Metadata: map[string]any{"content_hash": "h2"}},
	}
	if err := g.UpsertDocuments(ctx, "docs", docs); err != nil {
		t.Fatalf("UpsertDocuments error: %v", err)
	}

	count, err := g.CollectionCount(ctx, "docs")
	if err != nil {
		t.Fatalf("CollectionCount error: %v", err)
	}
	if count != 2 {
		t.Fatalf("CollectionCount = %d, want 2", count)
	}

	got, err := g.GetDocuments(ctx, "docs", []string{"doc1"}, nil)
	if err != nil {
		t.Fatalf("GetDocuments error: %v", err)
	}
	if len(got) != 1 || got[0].Content != "hello" {
		t.Fatalf("GetDocuments = %+v, want doc1/hello", got)
	}

	hashes, err := g.AllDocumentHashes(ctx, "docs")
	if err != nil {
		t.Fatalf("AllDocumentHashes error: %v", err)
	}
	if hashes["doc1"] != "h1" || hashes["doc2"] != "h2" {
		t.Fatalf("AllDocumentHashes = %+v", hashes)
	}

	if err := g.DeleteDocuments(ctx, "docs", []string{"doc1"}, nil); err != nil {
		t.Fatalf("DeleteDocuments error: %v", err)
	}
	got, err = g.GetDocuments(ctx, "docs", []string{"doc1"}, nil)
	if err != nil {
		t.Fatalf("GetDocuments after delete error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected doc1 deleted, got %+v", got)
	}
}

func TestPersistentGatewayQueryDocumentsContentFilter(t *testing.T) {
	g, err := NewPersistentGateway(t.TempDir())
	if err != nil {
		t.Fatalf("NewPersistentGateway error: %v", err)
	}
	defer g.Close()
	ctx := context.Background()

	if err := g.CreateCollection(ctx, "docs", nil); err != nil {
		t.Fatalf("CreateCollection error: %v", err)
	}
	docs := []Document{
		{ID: "doc1", Content: "the quick brown fox"},
		{ID: "doc2", Content: "lazy dog"},
	}
	if err := g.UpsertDocuments(ctx, "docs", docs); err != nil {
		t.Fatalf("UpsertDocuments error: %v", err)
	}

	res, err := g.QueryDocuments(ctx, "docs", "", nil, "quick", 0)
	if err != nil {
		t.Fatalf("QueryDocuments error: %v", err)
	}
	if len(res.IDs) != 1 || res.IDs[0] != "doc1" {
		t.Fatalf("QueryDocuments content filter = %+v, want [doc1]", res.IDs)
	}
}
