package possync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/CharlySistemas23/possync/internal/store/migrations"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

const schemaVersion = "3"

// LocalStore is durable keyed record storage addressed by table name.
// Get returns ErrNotFound when the record is absent.
type LocalStore interface {
	Get(ctx context.Context, table, id string) (Record, error)
	Put(ctx context.Context, table string, rec Record) error
	Delete(ctx context.Context, table, id string) error
	Query(ctx context.Context, table, field string, value any) ([]Record, error)
	GetAll(ctx context.Context, table string) ([]Record, error)
}

// AtomicStore is implemented by local stores that can run several writes as one unit.
type AtomicStore interface {
	LocalStore
	Atomic(ctx context.Context, fn func(tx LocalStore) error) error
}

// fieldNameRegex guards json paths built from caller-provided field names.
var fieldNameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store manages the local SQLite database: entity records, the sync queue and metadata.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
	now    func() time.Time
}

// NewStore opens or creates a local store.
func NewStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps transactions and plain statements from tripping SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	store := &Store{db: db, path: path, now: func() time.Time { return time.Now().UTC() }}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("store: set goose dialect: %w", err)
	}
	goose.SetLogger(goose.NopLogger())
	if err := goose.Up(s.db, "."); err != nil {
		return fmt.Errorf("store: run migrations: %w", err)
	}

	_, err := s.db.Exec(`
		INSERT INTO metadata (key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, schemaVersion)
	return err
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Get retrieves a record by table and id.
func (s *Store) Get(ctx context.Context, table, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	return recordOps{q: s.db, now: s.now}.get(ctx, table, id)
}

// Put inserts or replaces a record. The record must carry an "id".
func (s *Store) Put(ctx context.Context, table string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	return recordOps{q: s.db, now: s.now}.put(ctx, table, rec)
}

// Delete removes a record. Deleting an absent record is not an error.
func (s *Store) Delete(ctx context.Context, table, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	return recordOps{q: s.db, now: s.now}.delete(ctx, table, id)
}

// Query returns records in table whose top-level field equals value.
func (s *Store) Query(ctx context.Context, table, field string, value any) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	return recordOps{q: s.db, now: s.now}.query(ctx, table, field, value)
}

// GetAll returns every record in table ordered by id.
func (s *Store) GetAll(ctx context.Context, table string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	return recordOps{q: s.db, now: s.now}.getAll(ctx, table)
}

// Atomic runs fn inside a single transaction. Any error rolls back every write fn made.
func (s *Store) Atomic(ctx context.Context, fn func(tx LocalStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer tx.Rollback() // no-op if committed

	if err := fn(txStore{ops: recordOps{q: tx, now: s.now}}); err != nil {
		return err
	}
	return tx.Commit()
}

// GetMetadata returns a metadata value, or "" if the key is unset.
func (s *Store) GetMetadata(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", ErrStoreClosed
	}

	var value string
	err := s.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get metadata %s: %w", key, err)
	}
	return value, nil
}

// SetMetadata writes a metadata value. An empty value deletes the key.
func (s *Store) SetMetadata(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if value == "" {
		_, err := s.db.Exec(`DELETE FROM metadata WHERE key = ?`, key)
		return err
	}
	_, err := s.db.Exec(`
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("store: set metadata %s: %w", key, err)
	}
	return nil
}

// Stats returns store statistics.
func (s *Store) Stats() (*StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM records WHERE tbl NOT LIKE '\\_%' ESCAPE '\\'").Scan(&count); err != nil {
		return nil, err
	}

	var pending int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sync_queue").Scan(&pending); err != nil {
		return nil, err
	}

	var lastSyncStr sql.NullString
	_ = s.db.QueryRow("SELECT value FROM metadata WHERE key = 'last_sync'").Scan(&lastSyncStr)

	var lastSync time.Time
	if lastSyncStr.Valid {
		lastSync, _ = time.Parse(time.RFC3339, lastSyncStr.String)
	}

	return &StoreStats{
		RecordCount:   count,
		PendingSync:   pending,
		LastSync:      lastSync,
		SchemaVersion: schemaVersion,
	}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

// queryer abstracts the statement methods shared by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// recordOps implements the record operations against either the database or a transaction.
type recordOps struct {
	q   queryer
	now func() time.Time
}

func (o recordOps) get(ctx context.Context, table, id string) (Record, error) {
	var data string
	err := o.q.QueryRowContext(ctx, `SELECT data FROM records WHERE tbl = ? AND id = ?`, table, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s/%s: %w", table, id, err)
	}
	return decodeRecord(data)
}

func (o recordOps) put(ctx context.Context, table string, rec Record) error {
	id := rec.ID()
	if id == "" {
		return fmt.Errorf("store: put %s: record has no id", table)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encode %s/%s: %w", table, id, err)
	}
	_, err = o.q.ExecContext(ctx, `
		INSERT INTO records (tbl, id, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(tbl, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, table, id, string(data), o.now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: put %s/%s: %w", table, id, err)
	}
	return nil
}

func (o recordOps) delete(ctx context.Context, table, id string) error {
	if _, err := o.q.ExecContext(ctx, `DELETE FROM records WHERE tbl = ? AND id = ?`, table, id); err != nil {
		return fmt.Errorf("store: delete %s/%s: %w", table, id, err)
	}
	return nil
}

func (o recordOps) query(ctx context.Context, table, field string, value any) ([]Record, error) {
	if !fieldNameRegex.MatchString(field) {
		return nil, fmt.Errorf("store: query %s: invalid field name %q", table, field)
	}
	rows, err := o.q.QueryContext(ctx, `
		SELECT data FROM records
		WHERE tbl = ? AND json_extract(data, ?) = ?
		ORDER BY id
	`, table, "$."+field, value)
	if err != nil {
		return nil, fmt.Errorf("store: query %s.%s: %w", table, field, err)
	}
	return scanRecords(rows)
}

func (o recordOps) getAll(ctx context.Context, table string) ([]Record, error) {
	rows, err := o.q.QueryContext(ctx, `SELECT data FROM records WHERE tbl = ? ORDER BY id`, table)
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", table, err)
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()

	var results []Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

func decodeRecord(data string) (Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("store: decode record: %w", err)
	}
	return rec, nil
}

// txStore is the LocalStore handed to Atomic callbacks.
type txStore struct {
	ops recordOps
}

func (t txStore) Get(ctx context.Context, table, id string) (Record, error) {
	return t.ops.get(ctx, table, id)
}

func (t txStore) Put(ctx context.Context, table string, rec Record) error {
	return t.ops.put(ctx, table, rec)
}

func (t txStore) Delete(ctx context.Context, table, id string) error {
	return t.ops.delete(ctx, table, id)
}

func (t txStore) Query(ctx context.Context, table, field string, value any) ([]Record, error) {
	return t.ops.query(ctx, table, field, value)
}

func (t txStore) GetAll(ctx context.Context, table string) ([]Record, error) {
	return t.ops.getAll(ctx, table)
}
