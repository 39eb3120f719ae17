package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ongoingai/llmops/migrations"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	Path string
	db   *sql.DB
	// SQLite allows only one writer at a time; serialize writes to avoid
	// SQLITE_BUSY contention between concurrent evaluation workers.
	writeMu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	store := &SQLiteStore{
		Path: path,
		db:   db,
	}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := migrations.Apply(context.Background(), db, migrations.DriverSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}

	return store, nil
}

// AppliedMigrations lists the schema migrations recorded in the database.
func (s *SQLiteStore) AppliedMigrations(ctx context.Context) ([]string, error) {
	return migrations.Applied(ctx, s.db, migrations.DriverSQLite)
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Query(ctx context.Context, container string, q Query) ([]Document, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}

	var (
		clauses = []string{"container = ?"}
		args    = []any{container}
	)
	for _, filter := range stringFilters(q.Filters) {
		clauses = append(clauses, "json_extract(body, ?) = ?")
		args = append(args, "$."+filter.Field, filter.Value)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT body FROM documents WHERE "+strings.Join(clauses, " AND ")+" ORDER BY id",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", container, err)
	}
	defer rows.Close()

	docs, err := scanBodies(rows)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", container, err)
	}
	return finish(docs, q), nil
}

func (s *SQLiteStore) PointRead(ctx context.Context, container, id, partitionKey string) (Document, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM documents WHERE container = ? AND id = ? AND (? = '' OR partition_key = ?) LIMIT 1`,
		container, id, partitionKey, partitionKey,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", container, id, err)
	}
	return decodeBody([]byte(body))
}

func (s *SQLiteStore) Upsert(ctx context.Context, container string, doc Document) error {
	id, partitionKey, body, err := prepareWrite(container, doc)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = retrySQLiteBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO documents (container, id, partition_key, body, updated_at)
VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT (container, id) DO UPDATE SET
    partition_key = excluded.partition_key,
    body = excluded.body,
    updated_at = CURRENT_TIMESTAMP`,
			container, id, partitionKey, string(body),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", container, id, err)
	}
	return nil
}

func (s *SQLiteStore) Create(ctx context.Context, container string, doc Document) error {
	id, partitionKey, body, err := prepareWrite(container, doc)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var affected int64
	err = retrySQLiteBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO documents (container, id, partition_key, body, updated_at)
VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)`,
			container, id, partitionKey, string(body),
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("create %s/%s: %w", container, id, err)
	}
	if affected == 0 {
		return fmt.Errorf("create %s/%s: %w", container, id, ErrConflict)
	}
	return nil
}

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

// retrySQLiteBusy retries transient lock contention between the API process
// and CLI jobs sharing one database file.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		err   error
		timer *time.Timer
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for retries := 0; ; retries++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}
		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	return isContentionString(strings.ToLower(err.Error()))
}

func (s *SQLiteStore) configure() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("enable sqlite WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set sqlite synchronous mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("set sqlite busy timeout: %w", err)
	}
	return nil
}

func scanBodies(rows *sql.Rows) ([]Document, error) {
	var docs []Document
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		doc, err := decodeBody(body)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}
