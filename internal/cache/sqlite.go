package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const (
	sqliteFileName = "cache.db"
	sqlitePoolSize = 4
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entries (
	id          TEXT PRIMARY KEY,
	namespace   TEXT NOT NULL,
	fetched_at  INTEGER NOT NULL,
	compression INTEGER NOT NULL,
	size        INTEGER NOT NULL,
	digest      BLOB NOT NULL,
	payload     BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS entries_namespace ON entries(namespace);
`

// SQLiteStore keeps all entries in one SQLite database. WAL mode lets
// several processes share the file; SQLite serializes their writes.
type SQLiteStore struct {
	pool   *sqlitex.Pool
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore opens (creating if needed) the database at path. The parent
// directory must exist.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("cache: sqlite path is required")
	}

	o := buildOptions(opts)
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    sqlitePoolSize,
		PrepareConn: prepareSQLiteConn,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: opening %s: %w", path, err)
	}

	logger := o.logger.With("cache", "sqlite")
	logger.Debug("sqlite cache opened", "path", path, "pool_size", sqlitePoolSize)

	return &SQLiteStore{
		pool:   pool,
		path:   path,
		logger: logger,
		now:    o.now,
	}, nil
}

func prepareSQLiteConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("cache: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, sqliteSchema, nil); err != nil {
		return fmt.Errorf("cache: creating schema: %w", err)
	}
	return nil
}

// Has implements Store.
func (s *SQLiteStore) Has(ctx context.Context, id string) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("cache: has %s: %w", id, err)
	}
	defer s.pool.Put(conn)

	var found bool
	err = sqlitex.Execute(conn, "SELECT size FROM entries WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = stmt.ColumnInt64(0) > 0
			return nil
		},
	})
	if err != nil {
		return false, fmt.Errorf("cache: has %s: %w", id, err)
	}
	return found, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Entry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache: get %s: %w", id, err)
	}
	defer s.pool.Put(conn)

	var (
		env   envelope
		found bool
	)
	err = sqlitex.Execute(conn,
		"SELECT fetched_at, compression, size, digest, payload FROM entries WHERE id = ?",
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				env.ID = id
				env.FetchedAt = time.Unix(0, stmt.ColumnInt64(0)).UTC()
				env.Compression = CompressionTag(stmt.ColumnInt(1))
				env.Size = stmt.ColumnInt(2)
				env.Digest = columnBlob(stmt, 3)
				env.Payload = columnBlob(stmt, 4)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("cache: get %s: %w", id, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return env.open(id)
}

func columnBlob(stmt *sqlite.Stmt, column int) []byte {
	blob := make([]byte, stmt.ColumnLen(column))
	stmt.ColumnBytes(column, blob)
	return blob
}

// Put implements Store.
func (s *SQLiteStore) Put(ctx context.Context, id string, payload []byte) (err error) {
	if len(payload) == 0 {
		return fmt.Errorf("cache: %s: %w", id, ErrEmptyPayload)
	}

	digest := Sum(payload)
	compressed, tag, err := compressAuto(payload)
	if err != nil {
		return fmt.Errorf("cache: compressing %s: %w", id, err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("cache: put %s: %w", id, err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("cache: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	var (
		previous    Digest
		hadPrevious bool
	)
	err = sqlitex.Execute(conn, "SELECT digest FROM entries WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if stmt.ColumnLen(0) == len(previous) {
				stmt.ColumnBytes(0, previous[:])
				hadPrevious = true
			}
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("cache: put %s: %w", id, err)
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO entries (id, namespace, fetched_at, compression, size, digest, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			fetched_at = excluded.fetched_at,
			compression = excluded.compression,
			size = excluded.size,
			digest = excluded.digest,
			payload = excluded.payload`,
		&sqlitex.ExecOptions{
			Args: []any{
				id,
				NamespaceOf(id),
				s.now().UTC().UnixNano(),
				int(tag),
				len(payload),
				digest[:],
				compressed,
			},
		})
	if err != nil {
		return fmt.Errorf("cache: put %s: %w", id, err)
	}

	if hadPrevious {
		logReplacement(s.logger, id, previous, digest)
	}
	return nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("cache: delete %s: %w", id, err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, "DELETE FROM entries WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{id},
	}); err != nil {
		return fmt.Errorf("cache: delete %s: %w", id, err)
	}
	return nil
}

// Clear implements Store.
func (s *SQLiteStore) Clear(ctx context.Context, namespace string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("cache: clear: %w", err)
	}
	defer s.pool.Put(conn)

	if namespace == "" {
		err = sqlitex.ExecuteTransient(conn, "DELETE FROM entries", nil)
	} else {
		err = sqlitex.Execute(conn, "DELETE FROM entries WHERE namespace = ?", &sqlitex.ExecOptions{
			Args: []any{namespace},
		})
	}
	if err != nil {
		return fmt.Errorf("cache: clear %q: %w", namespace, err)
	}
	s.logger.Info("cache cleared", "namespace", namespace, "changes", conn.Changes())
	return nil
}

// Location implements Store.
func (s *SQLiteStore) Location(string) string { return s.path }

// Close implements Store.
func (s *SQLiteStore) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("cache: closing %s: %w", s.path, err)
	}
	return nil
}
