// Package sqlite provides a SQLite-backed implementation of the durable
// sync queue, version metadata store, and cursor store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	stdSync "sync"
	"time"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"

	syncErrors "github.com/virtuenet/coachsync/errors"
	"github.com/virtuenet/coachsync/operation"
	"github.com/virtuenet/coachsync/queue"
	"github.com/virtuenet/coachsync/value"
)

var ErrStoreClosed = errors.New("store is closed")

// Config holds configuration options for the Store.
//
// Production-ready defaults are applied by DefaultConfig() including WAL
// mode for better concurrency and a bounded connection pool.
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging mode. Recommended and on by
	// default; appends "?_journal_mode=WAL" to DataSourceName.
	EnableWAL bool

	// Connection pool settings.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.EnableWAL {
		if !strings.Contains(c.DataSourceName, "_journal_mode=") {
			if strings.Contains(c.DataSourceName, "?") {
				c.DataSourceName += "&_journal_mode=WAL"
			} else {
				c.DataSourceName += "?_journal_mode=WAL"
			}
		}
	}
}

// DefaultConfig returns a Config with production-ready defaults.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// Store implements queue.Store on SQLite.
type Store struct {
	db     *sql.DB
	mu     stdSync.RWMutex
	closed bool
}

// Compile-time check
var _ queue.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS sync_operations (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	op_type     TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	data        TEXT,
	version     INTEGER NOT NULL DEFAULT 0,
	timestamp   TEXT NOT NULL,
	status      TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sync_operations_status ON sync_operations(status);
CREATE INDEX IF NOT EXISTS idx_sync_operations_entity ON sync_operations(entity_type, entity_id);

CREATE TABLE IF NOT EXISTS entity_versions (
	entity_type    TEXT NOT NULL,
	entity_id      TEXT NOT NULL,
	local_version  INTEGER NOT NULL DEFAULT 0,
	server_version INTEGER NOT NULL DEFAULT 0,
	last_modified  TEXT NOT NULL,
	checksum       TEXT NOT NULL DEFAULT '',
	is_dirty       INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (entity_type, entity_id)
);

CREATE TABLE IF NOT EXISTS sync_cursor (
	id     INTEGER PRIMARY KEY CHECK (id = 1),
	cursor TEXT NOT NULL
);
`

// New opens (and if necessary creates) the store.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()
	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpQueue, err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, syncErrors.NewStorageError(syncErrors.OpQueue, fmt.Errorf("create schema: %w", err))
	}

	return &Store{db: db}, nil
}

// NewWithDataSource is a convenience constructor using defaults.
func NewWithDataSource(dataSourceName string) (*Store, error) {
	return New(DefaultConfig(dataSourceName))
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return syncErrors.NewStorageError(syncErrors.OpQueue, ErrStoreClosed)
	}
	return nil
}

// Enqueue durably appends a pending operation.
func (s *Store) Enqueue(ctx context.Context, op *operation.SyncOperation) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := op.Validate(); err != nil {
		return err
	}

	dataJSON, err := marshalData(op.Data)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_operations (id, op_type, entity_type, entity_id, data, version, timestamp, status, retry_count, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, string(op.Type), op.EntityType, op.EntityID, dataJSON, op.Version,
		op.Timestamp.UTC().Format(time.RFC3339Nano), string(op.Status), op.RetryCount, op.LastError)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpEnqueue, err)
	}
	return nil
}

// Pending returns all pending operations in enqueue order.
func (s *Store) Pending(ctx context.Context) ([]*operation.SyncOperation, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, op_type, entity_type, entity_id, data, version, timestamp, status, retry_count, last_error
		FROM sync_operations
		WHERE status = ?
		ORDER BY seq ASC`, string(operation.StatusPending))
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpQueue, err)
	}
	defer rows.Close()

	var out []*operation.SyncOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpQueue, err)
	}
	return out, nil
}

// RequeueInFlight returns every inProgress operation to pending so an
// interrupted cycle cannot strand its batch.
func (s *Store) RequeueInFlight(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_operations SET status = ? WHERE status = ?`,
		string(operation.StatusPending), string(operation.StatusInProgress))
	if err != nil {
		return 0, syncErrors.NewStorageError(syncErrors.OpQueue, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, syncErrors.NewStorageError(syncErrors.OpQueue, err)
	}
	return int(n), nil
}

// Get returns one operation by id.
func (s *Store) Get(ctx context.Context, id string) (*operation.SyncOperation, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, op_type, entity_type, entity_id, data, version, timestamp, status, retry_count, last_error
		FROM sync_operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, queue.ErrNotFound
	}
	return op, err
}

// Update persists the full operation record.
func (s *Store) Update(ctx context.Context, op *operation.SyncOperation) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	dataJSON, err := marshalData(op.Data)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_operations
		SET op_type = ?, entity_type = ?, entity_id = ?, data = ?, version = ?, status = ?, retry_count = ?, last_error = ?
		WHERE id = ?`,
		string(op.Type), op.EntityType, op.EntityID, dataJSON, op.Version,
		string(op.Status), op.RetryCount, op.LastError, op.ID)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpQueue, err)
	}
	return affectedOne(res)
}

// Mark updates status and last error for one operation.
func (s *Store) Mark(ctx context.Context, id string, status operation.Status, lastError string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_operations SET status = ?, last_error = ? WHERE id = ?`,
		string(status), lastError, id)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpQueue, err)
	}
	return affectedOne(res)
}

// RewriteEntityID replaces a temporary entity id with the server-issued id
// in every non-terminal operation, transactionally.
func (s *Store) RewriteEntityID(ctx context.Context, oldID, newID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpQueue, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, op_type, entity_type, entity_id, data, version, timestamp, status, retry_count, last_error
		FROM sync_operations
		WHERE status IN (?, ?)`,
		string(operation.StatusPending), string(operation.StatusConflicted))
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpQueue, err)
	}

	var rewritten []*operation.SyncOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			rows.Close()
			return err
		}
		if op.RewriteReferences(oldID, newID) {
			rewritten = append(rewritten, op)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return syncErrors.NewStorageError(syncErrors.OpQueue, err)
	}
	rows.Close()

	for _, op := range rewritten {
		dataJSON, err := marshalData(op.Data)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_operations SET entity_id = ?, data = ? WHERE id = ?`,
			op.EntityID, dataJSON, op.ID); err != nil {
			return syncErrors.NewStorageError(syncErrors.OpQueue, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpQueue, err)
	}
	return nil
}

// Remove deletes the operation.
func (s *Store) Remove(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_operations WHERE id = ?`, id); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpQueue, err)
	}
	return nil
}

// GetMetadata returns version metadata for an entity, or queue.ErrNotFound.
func (s *Store) GetMetadata(ctx context.Context, entityType, entityID string) (*operation.EntityVersionMetadata, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT entity_type, entity_id, local_version, server_version, last_modified, checksum, is_dirty
		FROM entity_versions WHERE entity_type = ? AND entity_id = ?`, entityType, entityID)

	var m operation.EntityVersionMetadata
	var lastModified string
	var dirty int
	err := row.Scan(&m.EntityType, &m.EntityID, &m.LocalVersion, &m.ServerVersion, &lastModified, &m.Checksum, &dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, queue.ErrNotFound
	}
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpMetadata, err)
	}
	m.IsDirty = dirty != 0
	if m.LastModified, err = time.Parse(time.RFC3339Nano, lastModified); err != nil {
		return nil, syncErrors.NewSerializationError(syncErrors.OpMetadata, err)
	}
	return &m, nil
}

// PutMetadata upserts version metadata.
func (s *Store) PutMetadata(ctx context.Context, m *operation.EntityVersionMetadata) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	dirty := 0
	if m.IsDirty {
		dirty = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entity_versions (entity_type, entity_id, local_version, server_version, last_modified, checksum, is_dirty)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			local_version = excluded.local_version,
			server_version = excluded.server_version,
			last_modified = excluded.last_modified,
			checksum = excluded.checksum,
			is_dirty = excluded.is_dirty`,
		m.EntityType, m.EntityID, m.LocalVersion, m.ServerVersion,
		m.LastModified.UTC().Format(time.RFC3339Nano), m.Checksum, dirty)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpMetadata, err)
	}
	return nil
}

// LoadCursor returns the persisted sync cursor, or "" before the first
// successful cycle.
func (s *Store) LoadCursor(ctx context.Context) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}

	var cursor string
	err := s.db.QueryRowContext(ctx, `SELECT cursor FROM sync_cursor WHERE id = 1`).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", syncErrors.NewStorageError(syncErrors.OpCursor, err)
	}
	return cursor, nil
}

// SaveCursor persists the sync cursor.
func (s *Store) SaveCursor(ctx context.Context, cursor string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursor (id, cursor) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET cursor = excluded.cursor`, cursor)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpCursor, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*operation.SyncOperation, error) {
	var op operation.SyncOperation
	var opType, status, timestamp string
	var dataJSON sql.NullString
	if err := row.Scan(&op.ID, &opType, &op.EntityType, &op.EntityID, &dataJSON,
		&op.Version, &timestamp, &status, &op.RetryCount, &op.LastError); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, syncErrors.NewStorageError(syncErrors.OpQueue, err)
	}
	op.Type = operation.Type(opType)
	op.Status = operation.Status(status)

	var err error
	if op.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp); err != nil {
		return nil, syncErrors.NewSerializationError(syncErrors.OpQueue, err)
	}
	if dataJSON.Valid && dataJSON.String != "" {
		if op.Data, err = value.ParseMap([]byte(dataJSON.String)); err != nil {
			return nil, syncErrors.NewSerializationError(syncErrors.OpQueue, err)
		}
	}
	return &op, nil
}

func marshalData(m *value.Map) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	data, err := m.MarshalJSON()
	if err != nil {
		return sql.NullString{}, syncErrors.NewSerializationError(syncErrors.OpQueue, err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func affectedOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpQueue, err)
	}
	if n == 0 {
		return queue.ErrNotFound
	}
	return nil
}
