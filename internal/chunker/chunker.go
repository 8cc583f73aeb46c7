// Package chunker splits document content into size-bounded, overlapping
// chunks and resolves document IDs (bare or already chunk-suffixed) back
// to the chunk IDs that actually exist in the store (spec §4.1, §4.4).
package chunker

import (
	"fmt"

	"github.com/untoldecay/dmms-sync-core/internal/hashutil"
)

const (
	DefaultChunkSize = 512
	DefaultOverlap   = 50
)

// Chunk is one piece of a document's content plus its position.
type Chunk struct {
	ID      string
	Content string
	Index   int
	Total   int
}

// ChunkContent splits content into chunks of at most size runes with
// overlap runes repeated between consecutive chunks. When content fits
// in a single chunk, the returned ID is baseID unchanged — no
// "_chunk_0" suffix — per spec §4.1's single-chunk optimization: a
// one-chunk document's ID stays whatever the caller already uses to
// reference it.
func ChunkContent(baseID, content string, size, overlap int) []Chunk {
	if hashutil.IsChunkID(baseID) {
		// baseID already names one physical chunk (e.g. re-inserting a
		// document read back from the store) — re-splitting it would
		// double-chunk, so it's kept intact regardless of length.
		return []Chunk{{ID: baseID, Content: content, Index: 0, Total: 1}}
	}

	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultOverlap
	}

	runes := []rune(content)
	if len(runes) <= size {
		return []Chunk{{ID: baseID, Content: content, Index: 0, Total: 1}}
	}

	var pieces [][]rune
	step := size - overlap
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		pieces = append(pieces, runes[start:end])
		if end == len(runes) {
			break
		}
	}

	chunks := make([]Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = Chunk{
			ID:      fmt.Sprintf("%s_chunk_%d", baseID, i),
			Content: string(p),
			Index:   i,
			Total:   len(pieces),
		}
	}
	return chunks
}

// IDResolver expands document IDs supplied by a caller (which may name
// a whole document or one specific chunk of it) into the concrete chunk
// IDs a gateway call should target.
type IDResolver struct {
	// Exists reports whether a given literal ID is present in the
	// store — callers wire this to a gateway lookup so the resolver
	// never has to guess chunk counts itself.
	Exists func(id string) bool
}

// ExpandToChunkIDs resolves one caller-supplied ID to every concrete
// chunk ID it should expand to:
//   - if id itself exists, it's returned as-is (covers both an
//     unchunked document and a caller naming one exact chunk)
//   - otherwise, if id is a base ID of chunks that do exist, every
//     "<id>_chunk_N" that Exists reports true for is returned
//   - otherwise id is returned unchanged (caller decides how to treat
//     a miss — typically NotFound)
func (r *IDResolver) ExpandToChunkIDs(id string) []string {
	if r.Exists(id) {
		return []string{id}
	}

	var out []string
	for i := 0; ; i++ {
		chunkID := fmt.Sprintf("%s_chunk_%d", id, i)
		if !r.Exists(chunkID) {
			break
		}
		out = append(out, chunkID)
	}
	if len(out) == 0 {
		return []string{id}
	}
	return out
}

// ExpandMultiple applies ExpandToChunkIDs to every id, preserving input
// order and de-duplicating the concatenated result.
func (r *IDResolver) ExpandMultiple(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		for _, expanded := range r.ExpandToChunkIDs(id) {
			if !seen[expanded] {
				seen[expanded] = true
				out = append(out, expanded)
			}
		}
	}
	return out
}

// UniqueBaseIDs collapses a set of chunk/document IDs down to their
// distinct base document IDs, used wherever a caller needs to reason
// about documents rather than physical chunks (spec §4.4).
func UniqueBaseIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		base := hashutil.IterateToBaseID(id)
		if !seen[base] {
			seen[base] = true
			out = append(out, base)
		}
	}
	return out
}
