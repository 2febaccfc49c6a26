package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"go.klb.dev/clipshare/internal/record"
)

// SQLiteFileName is the database file inside the data directory.
const SQLiteFileName = "history.db"

const schema = `
CREATE TABLE IF NOT EXISTS records (
	id         TEXT PRIMARY KEY,
	position   INTEGER NOT NULL,
	kind       INTEGER NOT NULL,
	payload    BLOB NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

// SQLiteStore keeps the Document in a SQLite database. The schema is
// created lazily so that opening a damaged file never fails; the damage
// surfaces as ErrCorrupt from Load.
type SQLiteStore struct {
	db *sql.DB

	schemaOnce sync.Once
	schemaErr  error
}

// OpenSQLite opens (or creates on first write) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	s.schemaOnce.Do(func() {
		if _, err := s.db.ExecContext(ctx, schema); err != nil {
			s.schemaErr = fmt.Errorf("%w: failed to initialize schema: %v", ErrCorrupt, err)
		}
	})
	return s.schemaErr
}

// Save replaces every row inside one transaction.
func (s *SQLiteStore) Save(ctx context.Context, doc *Document) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, "DELETE FROM records"); err != nil {
		return fmt.Errorf("failed to clear records: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO records (id, position, kind, payload, created_at) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()
	for i, r := range doc.Records {
		payload := r.Payload
		if payload == nil {
			payload = []byte{}
		}
		if _, err := stmt.ExecContext(ctx, r.ID, i, int(r.Kind), payload, r.Timestamp()); err != nil {
			return fmt.Errorf("failed to insert record %s: %w", r.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM meta"); err != nil {
		return fmt.Errorf("failed to clear meta: %w", err)
	}
	meta := map[string]string{
		"version":  strconv.Itoa(doc.Version),
		"saved_at": record.FormatTime(doc.SavedAt),
	}
	if doc.Peer != nil {
		meta["peer_address"] = doc.Peer.Address
		meta["peer_port"] = strconv.Itoa(doc.Peer.Port)
	}
	for k, v := range meta {
		if _, err := tx.ExecContext(ctx, "INSERT INTO meta (key, value) VALUES (?, ?)", k, v); err != nil {
			return fmt.Errorf("failed to write meta %s: %w", k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Load reads the document back in saved order.
func (s *SQLiteStore) Load(ctx context.Context) (*Document, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}

	meta, err := s.loadMeta(ctx)
	if err != nil {
		return nil, err
	}
	savedAt, ok := meta["saved_at"]
	if !ok {
		return nil, ErrNotExist
	}

	doc := &Document{}
	if doc.Version, err = strconv.Atoi(meta["version"]); err != nil {
		return nil, fmt.Errorf("%w: version %q", ErrCorrupt, meta["version"])
	}
	if doc.SavedAt, err = record.ParseTime(savedAt); err != nil {
		return nil, fmt.Errorf("%w: saved_at: %v", ErrCorrupt, err)
	}
	if addr, ok := meta["peer_address"]; ok {
		port, err := strconv.Atoi(meta["peer_port"])
		if err != nil {
			return nil, fmt.Errorf("%w: peer_port %q", ErrCorrupt, meta["peer_port"])
		}
		doc.Peer = &Endpoint{Address: addr, Port: port}
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, kind, payload, created_at FROM records ORDER BY position ASC")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list records: %v", ErrCorrupt, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r         record.Record
			kind      int
			createdAt string
		)
		if err := rows.Scan(&r.ID, &kind, &r.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: failed to scan record: %v", ErrCorrupt, err)
		}
		r.Kind = record.Kind(kind)
		if r.CreatedAt, err = record.ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("%w: record %s created_at: %v", ErrCorrupt, r.ID, err)
		}
		doc.Records = append(doc.Records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return doc, nil
}

func (s *SQLiteStore) loadMeta(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM meta")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read meta: %v", ErrCorrupt, err)
	}
	defer rows.Close()
	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("%w: failed to scan meta: %v", ErrCorrupt, err)
		}
		meta[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return meta, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}

var _ Persister = (*SQLiteStore)(nil)
