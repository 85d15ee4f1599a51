package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ppiankov/concord/internal/model"

	_ "modernc.org/sqlite"
)

const sqliteSchemaVersion = 1

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);
CREATE TABLE IF NOT EXISTS versions (
	document_id TEXT    NOT NULL,
	seq         INTEGER NOT NULL,
	created_at  TEXT    NOT NULL,
	payload     TEXT    NOT NULL,
	PRIMARY KEY (document_id, seq)
);
CREATE TABLE IF NOT EXISTS versions_corrupt (
	document_id    TEXT    NOT NULL,
	seq            INTEGER NOT NULL,
	payload        TEXT    NOT NULL,
	quarantined_at TEXT    NOT NULL
);
`

// SQLiteBackend stores each version entry as an immutable row
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path and applies the schema.
// The parent directory is created if needed.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, model.Persistence("create store dir", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, model.Persistence("open sqlite", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, model.Persistence("ping sqlite", err)
	}
	b := &SQLiteBackend{db: db}
	if err := b.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) migrate() error {
	if _, err := b.db.Exec(sqliteSchema); err != nil {
		return model.Persistence("create schema", err)
	}

	var n int
	if err := b.db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&n); err != nil {
		return model.Persistence("read schema version", err)
	}
	if n == 0 {
		if _, err := b.db.Exec("INSERT INTO schema_version(version) VALUES(?)", sqliteSchemaVersion); err != nil {
			return model.Persistence("set schema version", err)
		}
		return nil
	}

	var v int
	if err := b.db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&v); err != nil {
		return model.Persistence("read schema version", err)
	}
	if v != sqliteSchemaVersion {
		return model.Persistence("migrate", fmt.Errorf("unknown schema version %d", v))
	}
	return nil
}

// Load reads all rows of a document ordered by sequence number.
// Rows that no longer decode are moved to versions_corrupt and left out.
func (b *SQLiteBackend) Load(ctx context.Context, documentID string) (model.History, error) {
	empty := model.History{DocumentID: documentID, Versions: []model.VersionEntry{}}

	rows, err := b.db.QueryContext(ctx,
		"SELECT seq, payload FROM versions WHERE document_id = ? ORDER BY seq", documentID)
	if err != nil {
		return empty, model.Persistence("query versions", err)
	}
	defer func() { _ = rows.Close() }()

	h := model.History{DocumentID: documentID, Versions: []model.VersionEntry{}}
	var corrupt []int
	for rows.Next() {
		var (
			seq     int
			payload string
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return empty, model.Persistence("scan version", err)
		}
		var entry model.VersionEntry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			corrupt = append(corrupt, seq)
			continue
		}
		h.Versions = append(h.Versions, entry)
	}
	if err := rows.Err(); err != nil {
		return empty, model.Persistence("iterate versions", err)
	}
	_ = rows.Close()

	if len(corrupt) > 0 {
		// a failed move leaves the rows in place; they are skipped again next time
		_ = b.quarantine(ctx, documentID, corrupt)
	}
	return h, nil
}

func (b *SQLiteBackend) quarantine(ctx context.Context, documentID string, seqs []int) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, seq := range seqs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO versions_corrupt(document_id, seq, payload, quarantined_at)
			 SELECT document_id, seq, payload, ? FROM versions WHERE document_id = ? AND seq = ?`,
			now, documentID, seq); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM versions WHERE document_id = ? AND seq = ?", documentID, seq); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Append inserts the entry after the document's last row inside one transaction
func (b *SQLiteBackend) Append(ctx context.Context, documentID string, entry model.VersionEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return model.Persistence("encode version", err)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Persistence("begin append", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM versions WHERE document_id = ?", documentID).Scan(&seq); err != nil {
		return model.Persistence("read sequence", err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO versions(document_id, seq, created_at, payload) VALUES(?, ?, ?, ?)",
		documentID, seq+1, entry.Timestamp.UTC().Format(time.RFC3339Nano), string(payload)); err != nil {
		return model.Persistence("insert version", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Persistence("commit append", err)
	}
	return nil
}

// Documents lists document identifiers in sorted order
func (b *SQLiteBackend) Documents(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT DISTINCT document_id FROM versions ORDER BY document_id")
	if err != nil {
		return nil, model.Persistence("list documents", err)
	}
	defer func() { _ = rows.Close() }()

	docs := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, model.Persistence("scan document", err)
		}
		docs = append(docs, id)
	}
	return docs, rows.Err()
}

// Close closes the database
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
