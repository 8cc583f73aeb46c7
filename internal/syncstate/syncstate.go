// Package syncstate tracks, per (repository, collection, branch), the
// last Dolt commit each collection was synced at (spec §4.3). It shares
// pendingops's sqlite-backed storage idiom — a single embedded database,
// forward-only migrations — since both are small durable logs sitting
// alongside the Chroma data directory rather than inside Dolt itself.
package syncstate

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/untoldecay/dmms-sync-core/internal/coreerr"
	"github.com/untoldecay/dmms-sync-core/internal/dolt"
	"github.com/untoldecay/dmms-sync-core/internal/hashutil"
	"github.com/untoldecay/dmms-sync-core/internal/sqlutil"
)

// DefaultRelPath is where the sync-state database lives under a Chroma
// data path, alongside pendingops.DefaultRelPath.
const DefaultRelPath = "dev/sync_state.db"

// Status values a SyncState can carry (spec §4.3).
const (
	StatusSynced       = "synced"
	StatusPending      = "pending"
	StatusLocalChanges = "local_changes"
	StatusError        = "error"
)

// SyncState is the last known agreement point between a Chroma
// collection and a Dolt branch (spec §4.3).
type SyncState struct {
	Repository        string
	Collection        string
	Branch            string
	CommitHash        string
	DocCount          int
	ChunkCount        int
	EmbeddingModel    string
	Status            string
	ErrorMessage      string
	LocalChangesCount int
	LastSyncedAt      time.Time
}

type migration struct {
	name string
	fn   func(ctx context.Context, tx *sql.Tx) error
}

var migrationsList = []migration{
	{
		name: "001_create_sync_state",
		fn: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				CREATE TABLE IF NOT EXISTS sync_state (
					repository            TEXT NOT NULL,
					collection            TEXT NOT NULL,
					branch                TEXT NOT NULL,
					commit_hash           TEXT NOT NULL,
					doc_count             INTEGER NOT NULL DEFAULT 0,
					chunk_count           INTEGER NOT NULL DEFAULT 0,
					embedding_model       TEXT NOT NULL DEFAULT '',
					status                TEXT NOT NULL DEFAULT 'pending',
					error_message         TEXT NOT NULL DEFAULT '',
					local_changes_count   INTEGER NOT NULL DEFAULT 0,
					last_synced_at        TEXT NOT NULL,
					PRIMARY KEY (repository, collection, branch)
				)`)
			return err
		},
	},
}

// Store is the durable sync-state log.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the sync-state database at path and
// applies any migrations not yet recorded.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, coreerr.Wrap(coreerr.KindExternalCommandFailed, "create syncstate db dir", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindExternalCommandFailed, "open syncstate db", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return coreerr.Wrap(coreerr.KindExternalCommandFailed, "begin migration tx", err)
	}
	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name        TEXT PRIMARY KEY,
			applied_at  TEXT NOT NULL
		)`); err != nil {
		_ = tx.Rollback()
		return coreerr.Wrap(coreerr.KindExternalCommandFailed, "bootstrap schema_migrations", err)
	}
	if err := tx.Commit(); err != nil {
		return coreerr.Wrap(coreerr.KindExternalCommandFailed, "commit bootstrap", err)
	}

	for _, m := range migrationsList {
		var count int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations WHERE name = ?`, m.name).Scan(&count); err != nil {
			return coreerr.Wrap(coreerr.KindExternalCommandFailed, "check migration state", err)
		}
		if count > 0 {
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return coreerr.Wrap(coreerr.KindExternalCommandFailed, "begin migration tx", err)
		}
		if err := m.fn(ctx, tx); err != nil {
			_ = tx.Rollback()
			return coreerr.Wrap(coreerr.KindSchemaMigrationNeeded, "apply migration "+m.name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`,
			m.name, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			_ = tx.Rollback()
			return coreerr.Wrap(coreerr.KindExternalCommandFailed, "record migration", err)
		}
		if err := tx.Commit(); err != nil {
			return coreerr.Wrap(coreerr.KindExternalCommandFailed, "commit migration", err)
		}
	}
	return nil
}

// Get returns the sync state for (repository, collection, branch), or
// nil, nil if no state has been recorded yet.
func (s *Store) Get(ctx context.Context, repository, collection, branch string) (*SyncState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT commit_hash, doc_count, chunk_count, embedding_model, status, error_message, local_changes_count, last_synced_at
		FROM sync_state
		WHERE repository = ? AND collection = ? AND branch = ?`, repository, collection, branch)

	st := SyncState{Repository: repository, Collection: collection, Branch: branch}
	var lastSyncedAt string
	err := row.Scan(&st.CommitHash, &st.DocCount, &st.ChunkCount, &st.EmbeddingModel, &st.Status,
		&st.ErrorMessage, &st.LocalChangesCount, &lastSyncedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindExternalCommandFailed, "get sync state", err)
	}
	st.LastSyncedAt, _ = time.Parse(time.RFC3339Nano, lastSyncedAt)
	return &st, nil
}

// Set upserts the sync state for (repository, collection, branch).
// Branch isolation is structural: the primary key includes branch, so
// writing state on one branch never touches another's row (spec §8
// universal invariant).
func (s *Store) Set(ctx context.Context, state SyncState) error {
	if state.LastSyncedAt.IsZero() {
		state.LastSyncedAt = time.Now().UTC()
	}
	if state.Status == "" {
		state.Status = StatusPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state
			(repository, collection, branch, commit_hash, doc_count, chunk_count, embedding_model,
			 status, error_message, local_changes_count, last_synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(repository, collection, branch) DO UPDATE SET
			commit_hash = excluded.commit_hash,
			doc_count = excluded.doc_count,
			chunk_count = excluded.chunk_count,
			embedding_model = excluded.embedding_model,
			status = excluded.status,
			error_message = excluded.error_message,
			local_changes_count = excluded.local_changes_count,
			last_synced_at = excluded.last_synced_at`,
		state.Repository, state.Collection, state.Branch, state.CommitHash,
		state.DocCount, state.ChunkCount, state.EmbeddingModel,
		state.Status, state.ErrorMessage, state.LocalChangesCount,
		state.LastSyncedAt.Format(time.RFC3339Nano))
	if err != nil {
		return coreerr.Wrap(coreerr.KindExternalCommandFailed, "set sync state", err)
	}
	return nil
}

// UpdateCommitHash is a narrower Set for the common case of just
// advancing the commit pointer after a successful sync. It preserves
// whatever doc/chunk counts and embedding model tag were already
// recorded rather than clobbering them with zero values.
func (s *Store) UpdateCommitHash(ctx context.Context, repository, collection, branch, commitHash string) error {
	existing, err := s.Get(ctx, repository, collection, branch)
	if err != nil {
		return err
	}
	state := SyncState{Repository: repository, Collection: collection, Branch: branch, Status: StatusSynced}
	if existing != nil {
		state = *existing
	}
	state.CommitHash = commitHash
	state.Status = StatusSynced
	state.ErrorMessage = ""
	state.LastSyncedAt = time.Now().UTC()
	return s.Set(ctx, state)
}

// ListAll returns every recorded sync state across all branches and
// collections for a repository.
func (s *Store) ListAll(ctx context.Context, repository string) ([]SyncState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT collection, branch, commit_hash, doc_count, chunk_count, embedding_model,
		       status, error_message, local_changes_count, last_synced_at
		FROM sync_state
		WHERE repository = ?
		ORDER BY branch, collection`, repository)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindExternalCommandFailed, "list sync state", err)
	}
	defer rows.Close()

	var out []SyncState
	for rows.Next() {
		var st SyncState
		st.Repository = repository
		var lastSyncedAt string
		if err := rows.Scan(&st.Collection, &st.Branch, &st.CommitHash, &st.DocCount, &st.ChunkCount,
			&st.EmbeddingModel, &st.Status, &st.ErrorMessage, &st.LocalChangesCount, &lastSyncedAt); err != nil {
			return nil, coreerr.Wrap(coreerr.KindInternal, "scan sync state", err)
		}
		st.LastSyncedAt, _ = time.Parse(time.RFC3339Nano, lastSyncedAt)
		out = append(out, st)
	}
	return out, rows.Err()
}

// ListBranch returns every collection's sync state on one branch.
func (s *Store) ListBranch(ctx context.Context, repository, branch string) ([]SyncState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT collection, commit_hash, doc_count, chunk_count, embedding_model,
		       status, error_message, local_changes_count, last_synced_at
		FROM sync_state
		WHERE repository = ? AND branch = ?
		ORDER BY collection`, repository, branch)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindExternalCommandFailed, "list branch sync state", err)
	}
	defer rows.Close()

	var out []SyncState
	for rows.Next() {
		st := SyncState{Repository: repository, Branch: branch}
		var lastSyncedAt string
		if err := rows.Scan(&st.Collection, &st.CommitHash, &st.DocCount, &st.ChunkCount, &st.EmbeddingModel,
			&st.Status, &st.ErrorMessage, &st.LocalChangesCount, &lastSyncedAt); err != nil {
			return nil, coreerr.Wrap(coreerr.KindInternal, "scan branch sync state", err)
		}
		st.LastSyncedAt, _ = time.Parse(time.RFC3339Nano, lastSyncedAt)
		out = append(out, st)
	}
	return out, rows.Err()
}

// ClearBranch removes every sync-state row for a branch, used when a
// branch is deleted (spec §4.3) so stale commit pointers don't leak
// into a future branch of the same name.
func (s *Store) ClearBranch(ctx context.Context, repository, branch string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_state WHERE repository = ? AND branch = ?`, repository, branch)
	if err != nil {
		return coreerr.Wrap(coreerr.KindExternalCommandFailed, "clear branch sync state", err)
	}
	return nil
}

// ReconstructIfMissing returns the existing state for (collection,
// branch) if one is recorded. Otherwise it rebuilds one by inspecting
// the collections/documents tables at branch's current HEAD (spec §4.3
// "self-healing" — e.g. after an out-of-band branch creation left no
// sync_state row): doc/chunk counts and the embedding_model tag come
// from the VCS table, not a caller-supplied guess. The returned bool is
// true only when the rebuild is grounded in an actual VCS snapshot; if
// the collection doesn't exist at branch's HEAD either, a zero-value
// state at fallbackCommit is returned, unpersisted, with false.
func (s *Store) ReconstructIfMissing(ctx context.Context, g dolt.Gateway, repository, collection, branch, fallbackCommit string) (SyncState, bool, error) {
	existing, err := s.Get(ctx, repository, collection, branch)
	if err != nil {
		return SyncState{}, false, err
	}
	if existing != nil {
		return *existing, true, nil
	}

	commits, err := g.Log(ctx, branch, 1)
	if err != nil || len(commits) == 0 {
		return SyncState{
			Repository: repository, Collection: collection, Branch: branch,
			CommitHash: fallbackCommit, Status: StatusPending, LastSyncedAt: time.Now().UTC(),
		}, false, nil
	}
	head := commits[0]

	collRows, err := g.Query(ctx, fmt.Sprintf(
		"SELECT metadata FROM `collections` AS OF '%s' WHERE collection_name = '%s'",
		sqlutil.EscapeSQLString(head), sqlutil.EscapeSQLString(collection)))
	if err != nil {
		return SyncState{}, false, fmt.Errorf("syncstate: query collection metadata at %s: %w", head, err)
	}
	if len(collRows) == 0 {
		return SyncState{
			Repository: repository, Collection: collection, Branch: branch,
			CommitHash: fallbackCommit, Status: StatusPending, LastSyncedAt: time.Now().UTC(),
		}, false, nil
	}
	meta, err := sqlutil.ParseJSONColumn(collRows[0]["metadata"])
	if err != nil {
		return SyncState{}, false, fmt.Errorf("syncstate: parse collection metadata: %w", err)
	}
	embeddingModel, _ := meta["embedding_model"].(string)

	docRows, err := g.Query(ctx, fmt.Sprintf(
		"SELECT doc_id FROM `documents` AS OF '%s' WHERE collection_name = '%s'",
		sqlutil.EscapeSQLString(head), sqlutil.EscapeSQLString(collection)))
	if err != nil {
		return SyncState{}, false, fmt.Errorf("syncstate: query documents at %s: %w", head, err)
	}
	baseIDs := make(map[string]bool, len(docRows))
	for _, r := range docRows {
		baseIDs[hashutil.IterateToBaseID(r["doc_id"])] = true
	}

	return SyncState{
		Repository:     repository,
		Collection:     collection,
		Branch:         branch,
		CommitHash:     head,
		DocCount:       len(baseIDs),
		ChunkCount:     len(docRows),
		EmbeddingModel: embeddingModel,
		Status:         StatusSynced,
		LastSyncedAt:   time.Now().UTC(),
	}, true, nil
}
