package chroma

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/untoldecay/dmms-sync-core/internal/coreerr"
)

const (
	defaultServerTimeout = 30 * time.Second
	serverMaxRetries     = 3
	serverRetryDelay     = 500 * time.Millisecond
)

// ServerGateway is a remote Gateway implementation (CHROMA_MODE=server)
// that talks to a running Chroma server's HTTP API, following the
// teacher's internal/linear.Client idiom: an http.Client with a fixed
// default timeout, With* methods that return a reconfigured copy for
// tests, and a bounded retry loop around transient failures.
type ServerGateway struct {
	Endpoint   string
	HTTPClient *http.Client
}

// NewServerGateway creates a client against a Chroma server reachable
// at host:port (spec §6 CHROMA_HOST/CHROMA_PORT).
func NewServerGateway(host string, port int) *ServerGateway {
	return &ServerGateway{
		Endpoint:   fmt.Sprintf("http://%s:%d", host, port),
		HTTPClient: &http.Client{Timeout: defaultServerTimeout},
	}
}

// WithEndpoint returns a new gateway pointed at a different base URL,
// for testing against an httptest.Server.
func (g *ServerGateway) WithEndpoint(endpoint string) *ServerGateway {
	return &ServerGateway{Endpoint: endpoint, HTTPClient: g.HTTPClient}
}

// WithHTTPClient returns a new gateway using the given HTTP client.
func (g *ServerGateway) WithHTTPClient(client *http.Client) *ServerGateway {
	return &ServerGateway{Endpoint: g.Endpoint, HTTPClient: client}
}

// doJSON sends a request to path and decodes a JSON response into out
// (when out is non-nil), retrying transport failures immediately and
// 5xx/429 responses with exponential backoff, matching the retry shape of
// internal/linear.Client.Execute.
func (g *ServerGateway) doJSON(ctx context.Context, method, path string, body, out any) error {
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return coreerr.Wrap(coreerr.KindInternal, "marshal chroma request", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= serverMaxRetries; attempt++ {
		var reader io.Reader
		if raw != nil {
			reader = bytes.NewReader(raw)
		}
		req, err := http.NewRequestWithContext(ctx, method, g.Endpoint+path, reader)
		if err != nil {
			return coreerr.Wrap(coreerr.KindInternal, "build chroma request", err)
		}
		if raw != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := g.HTTPClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("chroma request failed (attempt %d/%d): %w", attempt+1, serverMaxRetries+1, err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("chroma response read failed (attempt %d/%d): %w", attempt+1, serverMaxRetries+1, err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			delay := serverRetryDelay * time.Duration(1<<attempt)
			lastErr = fmt.Errorf("chroma server error %d (attempt %d/%d)", resp.StatusCode, attempt+1, serverMaxRetries+1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
				continue
			}
		}

		if resp.StatusCode == http.StatusNotFound {
			return coreerr.New(coreerr.KindNotFound, string(respBody))
		}
		if resp.StatusCode == http.StatusConflict {
			return coreerr.New(coreerr.KindAlreadyExists, string(respBody))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return coreerr.Wrap(coreerr.KindExternalCommandFailed, "chroma server", fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody)))
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return coreerr.Wrap(coreerr.KindInternal, "parse chroma response", err)
			}
		}
		return nil
	}

	return coreerr.Wrap(coreerr.KindExternalCommandFailed, "chroma server unreachable", lastErr)
}

func (g *ServerGateway) ListCollections(ctx context.Context) ([]string, error) {
	var names []string
	if err := g.doJSON(ctx, http.MethodGet, "/api/v1/collections", nil, &names); err != nil {
		return nil, err
	}
	return names, nil
}

func (g *ServerGateway) CreateCollection(ctx context.Context, name string, metadata map[string]any) error {
	payload := map[string]any{"name": name, "metadata": metadata}
	return g.doJSON(ctx, http.MethodPost, "/api/v1/collections", payload, nil)
}

func (g *ServerGateway) DeleteCollection(ctx context.Context, name string) error {
	return g.doJSON(ctx, http.MethodDelete, "/api/v1/collections/"+url.PathEscape(name), nil, nil)
}

func (g *ServerGateway) GetCollectionMetadata(ctx context.Context, name string) (map[string]any, error) {
	var out struct {
		Metadata map[string]any `json:"metadata"`
	}
	if err := g.doJSON(ctx, http.MethodGet, "/api/v1/collections/"+url.PathEscape(name), nil, &out); err != nil {
		return nil, err
	}
	return out.Metadata, nil
}

func (g *ServerGateway) SetCollectionMetadata(ctx context.Context, name string, metadata map[string]any) error {
	payload := map[string]any{"metadata": metadata}
	return g.doJSON(ctx, http.MethodPut, "/api/v1/collections/"+url.PathEscape(name), payload, nil)
}

func (g *ServerGateway) CollectionCount(ctx context.Context, name string) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	if err := g.doJSON(ctx, http.MethodGet, "/api/v1/collections/"+url.PathEscape(name)+"/count", nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (g *ServerGateway) AddDocuments(ctx context.Context, collection string, docs []Document) error {
	return g.upsert(ctx, collection, docs, "/add")
}

func (g *ServerGateway) UpsertDocuments(ctx context.Context, collection string, docs []Document) error {
	return g.upsert(ctx, collection, docs, "/upsert")
}

func (g *ServerGateway) upsert(ctx context.Context, collection string, docs []Document, suffix string) error {
	ids := make([]string, len(docs))
	contents := make([]string, len(docs))
	metadatas := make([]map[string]any, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
		contents[i] = d.Content
		metadatas[i] = d.Metadata
	}
	payload := map[string]any{"ids": ids, "documents": contents, "metadatas": metadatas}
	return g.doJSON(ctx, http.MethodPost, "/api/v1/collections/"+url.PathEscape(collection)+suffix, payload, nil)
}

func (g *ServerGateway) GetDocuments(ctx context.Context, collection string, ids []string, filter MetadataFilter) ([]Document, error) {
	payload := map[string]any{}
	if len(ids) > 0 {
		payload["ids"] = ids
	}
	if len(filter) > 0 {
		payload["where"] = map[string]any(filter)
	}
	var out struct {
		IDs       []string         `json:"ids"`
		Documents []string         `json:"documents"`
		Metadatas []map[string]any `json:"metadatas"`
	}
	if err := g.doJSON(ctx, http.MethodPost, "/api/v1/collections/"+url.PathEscape(collection)+"/get", payload, &out); err != nil {
		return nil, err
	}
	docs := make([]Document, len(out.IDs))
	for i, id := range out.IDs {
		d := Document{ID: id}
		if i < len(out.Documents) {
			d.Content = out.Documents[i]
		}
		if i < len(out.Metadatas) {
			d.Metadata = out.Metadatas[i]
		}
		docs[i] = d
	}
	return docs, nil
}

func (g *ServerGateway) DeleteDocuments(ctx context.Context, collection string, ids []string, filter MetadataFilter) error {
	payload := map[string]any{}
	if len(ids) > 0 {
		payload["ids"] = ids
	}
	if len(filter) > 0 {
		payload["where"] = map[string]any(filter)
	}
	return g.doJSON(ctx, http.MethodPost, "/api/v1/collections/"+url.PathEscape(collection)+"/delete", payload, nil)
}

func (g *ServerGateway) QueryDocuments(ctx context.Context, collection string, queryText string, filter MetadataFilter, contentFilter string, nResults int) (*QueryResult, error) {
	payload := map[string]any{"query_texts": []string{queryText}, "n_results": nResults}
	if len(filter) > 0 {
		payload["where"] = map[string]any(filter)
	}
	if contentFilter != "" {
		payload["where_document"] = map[string]any{"$contains": contentFilter}
	}
	var out struct {
		IDs       [][]string         `json:"ids"`
		Documents [][]string         `json:"documents"`
		Metadatas [][]map[string]any `json:"metadatas"`
		Distances [][]float64        `json:"distances"`
	}
	if err := g.doJSON(ctx, http.MethodPost, "/api/v1/collections/"+url.PathEscape(collection)+"/query", payload, &out); err != nil {
		return nil, err
	}
	res := &QueryResult{}
	if len(out.IDs) > 0 {
		res.IDs = out.IDs[0]
	}
	if len(out.Documents) > 0 {
		res.Documents = out.Documents[0]
	}
	if len(out.Metadatas) > 0 {
		res.Metadatas = out.Metadatas[0]
	}
	if len(out.Distances) > 0 {
		res.Distances = out.Distances[0]
	}
	return res, nil
}

func (g *ServerGateway) AllDocumentHashes(ctx context.Context, collection string) (map[string]string, error) {
	docs, err := g.GetDocuments(ctx, collection, nil, nil)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(docs))
	for _, d := range docs {
		if h, ok := d.Metadata["content_hash"].(string); ok {
			out[d.ID] = h
		}
	}
	return out, nil
}
