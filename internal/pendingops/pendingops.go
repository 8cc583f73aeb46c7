// Package pendingops is the durable log of document and collection
// mutations waiting to be staged into Dolt (spec §4.2). It follows the
// teacher's sqlite-backed storage idiom (database/sql with the
// ncruces/go-sqlite3 driver registered via blank import, a forward-only
// ordered migration list applied at Open time) adapted from the
// teacher's issue-tracker schema to the two pending-op tables this spec
// names.
package pendingops

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	// Registers the "sqlite3" driver; driver/embed pulls in the
	// WASM-embedded SQLite build the teacher also relies on so no cgo
	// toolchain or system libsqlite3 is required.
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/untoldecay/dmms-sync-core/internal/coreerr"
)

// DefaultRelPath is where the deletion-tracking database lives under a
// Chroma data path, per spec §4.2.
const DefaultRelPath = "dev/deletion_tracking.db"

// CollectionOpKind distinguishes the three shapes a pending collection
// operation can take (spec §4.2).
type CollectionOpKind string

const (
	CollectionOpRename         CollectionOpKind = "rename"
	CollectionOpMetadataUpdate CollectionOpKind = "metadata_update"
	CollectionOpDelete         CollectionOpKind = "delete"
)

// PendingDocDeletion records a document deleted from Chroma that has
// not yet been committed as a DELETE in Dolt. Scoped per branch (spec
// §4.2's PendingDocOp carries `branch at time of op`): the same doc_id
// deleted independently on two branches tracks as two rows, and a
// lookup on one branch never sees the other's.
type PendingDocDeletion struct {
	ID               string
	Collection       string
	DocID            string
	Branch           string
	ContentHash      string
	OriginalMetadata string // JSON
	BaseCommit       string
	Source           string // e.g. "tool"
	DeletedAt        time.Time
	Staged           bool
}

// PendingCollectionOp records a collection-level change (rename,
// metadata update, or delete) awaiting commit.
type PendingCollectionOp struct {
	ID         string
	Collection string
	Kind       CollectionOpKind
	OldName    string // set only for Kind == rename
	Metadata   string // JSON, set only for Kind == metadata_update
	CreatedAt  time.Time
	Committed  bool
}

type migration struct {
	name string
	fn   func(ctx context.Context, tx *sql.Tx) error
}

var migrationsList = []migration{
	{
		name: "001_create_pending_doc_deletions",
		fn: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				CREATE TABLE IF NOT EXISTS pending_doc_deletions (
					id                 TEXT PRIMARY KEY,
					collection         TEXT NOT NULL,
					doc_id             TEXT NOT NULL,
					branch             TEXT NOT NULL DEFAULT '',
					content_hash       TEXT NOT NULL DEFAULT '',
					original_metadata  TEXT NOT NULL DEFAULT '',
					base_commit        TEXT NOT NULL DEFAULT '',
					source             TEXT NOT NULL DEFAULT '',
					deleted_at         TEXT NOT NULL,
					staged             INTEGER NOT NULL DEFAULT 0,
					UNIQUE(collection, doc_id, branch)
				)`)
			return err
		},
	},
	{
		name: "002_create_pending_collection_ops",
		fn: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				CREATE TABLE IF NOT EXISTS pending_collection_ops (
					id          TEXT PRIMARY KEY,
					collection  TEXT NOT NULL,
					kind        TEXT NOT NULL,
					old_name    TEXT NOT NULL DEFAULT '',
					metadata    TEXT NOT NULL DEFAULT '',
					created_at  TEXT NOT NULL,
					committed   INTEGER NOT NULL DEFAULT 0
				)`)
			return err
		},
	},
	{
		name: "003_create_schema_migrations",
		fn: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				CREATE TABLE IF NOT EXISTS schema_migrations (
					name        TEXT PRIMARY KEY,
					applied_at  TEXT NOT NULL
				)`)
			return err
		},
	},
}

// Store is the durable pending-op log, one per Chroma data path.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the deletion-tracking database at
// path and applies any migrations not yet recorded. Migrations are
// idempotent and forward-only: once applied, a migration's name is
// never re-run, matching the teacher's migrations.go convention.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, coreerr.Wrap(coreerr.KindExternalCommandFailed, "create pendingops db dir", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindExternalCommandFailed, "open pendingops db", err)
	}
	db.SetMaxOpenConns(1) // sqlite: single writer, avoid SQLITE_BUSY under our own load

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
	// The schema_migrations table must exist before we can consult it,
	// so run migration 0 unconditionally first.
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
		applied, err := s.migrationApplied(ctx, m.name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return coreerr.Wrap(coreerr.KindExternalCommandFailed, "begin migration tx", err)
		}
		if err := m.fn(ctx, tx); err != nil {
			_ = tx.Rollback()
			return coreerr.Wrap(coreerr.KindSchemaMigrationNeeded, fmt.Sprintf("apply migration %s", m.name), err)
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

func (s *Store) migrationApplied(ctx context.Context, name string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations WHERE name = ?`, name).Scan(&count)
	if err != nil {
		return false, coreerr.Wrap(coreerr.KindExternalCommandFailed, "check migration state", err)
	}
	return count > 0, nil
}

// TrackDocDeletion records that docID in collection was deleted locally
// on branch and is awaiting a staged Dolt DELETE. Idempotent: re-tracking
// the same (collection, doc_id, branch) triple is a no-op rather than a
// duplicate row. contentHash/originalMetadataJSON/baseCommit/source
// preserve enough of the deleted document's prior state (spec §4.2
// PendingDocOp) to support an undo or a conflict-aware re-import.
func (s *Store) TrackDocDeletion(ctx context.Context, collection, docID, branch, contentHash, originalMetadataJSON, baseCommit, source string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_doc_deletions
			(id, collection, doc_id, branch, content_hash, original_metadata, base_commit, source, deleted_at, staged)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(collection, doc_id, branch) DO NOTHING`,
		uuid.NewString(), collection, docID, branch, contentHash, originalMetadataJSON, baseCommit, source,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return coreerr.Wrap(coreerr.KindExternalCommandFailed, "track doc deletion", err)
	}
	return nil
}

// HasPendingDocDeletion reports whether docID in collection has an
// untracked-as-staged deletion waiting on branch (spec §4.2 "don't
// re-import documents we just deleted locally"). Scoped to branch so a
// deletion pending on one branch never suppresses a document's
// reappearance on an unrelated branch.
func (s *Store) HasPendingDocDeletion(ctx context.Context, collection, docID, branch string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM pending_doc_deletions
		WHERE collection = ? AND doc_id = ? AND branch = ? AND staged = 0`, collection, docID, branch).Scan(&count)
	if err != nil {
		return false, coreerr.Wrap(coreerr.KindExternalCommandFailed, "check pending doc deletion", err)
	}
	return count > 0, nil
}

// MarkDocDeletionStaged flips the staged bit once the deletion has been
// written into a Dolt commit, so subsequent syncs stop suppressing the
// document's reappearance.
func (s *Store) MarkDocDeletionStaged(ctx context.Context, collection, docID, branch string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_doc_deletions SET staged = 1 WHERE collection = ? AND doc_id = ? AND branch = ?`,
		collection, docID, branch)
	if err != nil {
		return coreerr.Wrap(coreerr.KindExternalCommandFailed, "mark doc deletion staged", err)
	}
	return nil
}

// RemoveDocDeletionTracking deletes the tracking row entirely, used once
// a staged deletion has been confirmed committed and the VCS-side state
// is the sole source of truth going forward.
func (s *Store) RemoveDocDeletionTracking(ctx context.Context, collection, docID, branch string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_doc_deletions WHERE collection = ? AND doc_id = ? AND branch = ?`, collection, docID, branch)
	if err != nil {
		return coreerr.Wrap(coreerr.KindExternalCommandFailed, "remove doc deletion tracking", err)
	}
	return nil
}

// PendingDocDeletions lists all untracked-as-staged deletions for a
// collection on branch, oldest first.
func (s *Store) PendingDocDeletions(ctx context.Context, collection, branch string) ([]PendingDocDeletion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, collection, doc_id, branch, content_hash, original_metadata, base_commit, source, deleted_at, staged
		FROM pending_doc_deletions
		WHERE collection = ? AND branch = ? AND staged = 0
		ORDER BY deleted_at ASC`, collection, branch)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindExternalCommandFailed, "list pending doc deletions", err)
	}
	defer rows.Close()

	var out []PendingDocDeletion
	for rows.Next() {
		var d PendingDocDeletion
		var deletedAt string
		var staged int
		if err := rows.Scan(&d.ID, &d.Collection, &d.DocID, &d.Branch, &d.ContentHash, &d.OriginalMetadata,
			&d.BaseCommit, &d.Source, &deletedAt, &staged); err != nil {
			return nil, coreerr.Wrap(coreerr.KindInternal, "scan pending doc deletion", err)
		}
		d.DeletedAt, _ = time.Parse(time.RFC3339Nano, deletedAt)
		d.Staged = staged != 0
		out = append(out, d)
	}
	return out, rows.Err()
}

// TrackCollectionDeletion records that an entire collection was deleted
// locally.
func (s *Store) TrackCollectionDeletion(ctx context.Context, collection string) error {
	return s.insertCollectionOp(ctx, collection, CollectionOpDelete, "", "")
}

// TrackCollectionUpdate records a rename or metadata change for a
// collection. oldName is required for a rename (kind is inferred:
// oldName != "" means rename, else metadata_update); metadataJSON holds
// the new metadata for a metadata_update. Per spec §4.2, tracking the
// same (collection) twice with identical content is a no-op.
func (s *Store) TrackCollectionUpdate(ctx context.Context, collection, oldName, metadataJSON string) error {
	kind := CollectionOpMetadataUpdate
	if oldName != "" {
		kind = CollectionOpRename
	}

	existing, err := s.latestUncommittedOp(ctx, collection)
	if err != nil {
		return err
	}
	if existing != nil && existing.Kind == kind && existing.OldName == oldName && existing.Metadata == metadataJSON {
		return nil // identical pending op already tracked
	}

	return s.insertCollectionOp(ctx, collection, kind, oldName, metadataJSON)
}

func (s *Store) latestUncommittedOp(ctx context.Context, collection string) (*PendingCollectionOp, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, collection, kind, old_name, metadata, created_at, committed
		FROM pending_collection_ops
		WHERE collection = ? AND committed = 0
		ORDER BY created_at DESC LIMIT 1`, collection)

	var op PendingCollectionOp
	var createdAt string
	var committed int
	err := row.Scan(&op.ID, &op.Collection, &op.Kind, &op.OldName, &op.Metadata, &createdAt, &committed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindExternalCommandFailed, "query latest collection op", err)
	}
	op.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	op.Committed = committed != 0
	return &op, nil
}

func (s *Store) insertCollectionOp(ctx context.Context, collection string, kind CollectionOpKind, oldName, metadataJSON string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_collection_ops (id, collection, kind, old_name, metadata, created_at, committed)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		uuid.NewString(), collection, string(kind), oldName, metadataJSON, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return coreerr.Wrap(coreerr.KindExternalCommandFailed, "insert pending collection op", err)
	}
	return nil
}

// PendingCollectionOps lists all uncommitted collection ops, oldest
// first, across every collection (a full_sync needs the global set).
func (s *Store) PendingCollectionOps(ctx context.Context) ([]PendingCollectionOp, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, collection, kind, old_name, metadata, created_at, committed
		FROM pending_collection_ops
		WHERE committed = 0
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindExternalCommandFailed, "list pending collection ops", err)
	}
	defer rows.Close()

	var out []PendingCollectionOp
	for rows.Next() {
		var op PendingCollectionOp
		var createdAt string
		var committed int
		if err := rows.Scan(&op.ID, &op.Collection, &op.Kind, &op.OldName, &op.Metadata, &createdAt, &committed); err != nil {
			return nil, coreerr.Wrap(coreerr.KindInternal, "scan pending collection op", err)
		}
		op.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		op.Committed = committed != 0
		out = append(out, op)
	}
	return out, rows.Err()
}

// MarkCollectionOpCommitted flips the committed bit once the op has
// landed in a Dolt commit.
func (s *Store) MarkCollectionOpCommitted(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE pending_collection_ops SET committed = 1 WHERE id = ?`, id)
	if err != nil {
		return coreerr.Wrap(coreerr.KindExternalCommandFailed, "mark collection op committed", err)
	}
	return nil
}

// CleanupCommittedCollectionOps deletes committed rows older than
// olderThan, bounding the table's growth (spec §4.2).
func (s *Store) CleanupCommittedCollectionOps(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_collection_ops
		WHERE committed = 1 AND created_at < ?`, olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, coreerr.Wrap(coreerr.KindExternalCommandFailed, "cleanup committed collection ops", err)
	}
	return res.RowsAffected()
}
