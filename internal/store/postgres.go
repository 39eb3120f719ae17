package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ongoingai/llmops/migrations"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresStore struct {
	DSN string
	db  *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	store := &PostgresStore{
		DSN: dsn,
		db:  db,
	}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := migrations.Apply(context.Background(), db, migrations.DriverPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure postgres schema: %w", err)
	}

	return store, nil
}

// AppliedMigrations lists the schema migrations recorded in the database.
func (s *PostgresStore) AppliedMigrations(ctx context.Context) ([]string, error) {
	return migrations.Applied(ctx, s.db, migrations.DriverPostgres)
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) Query(ctx context.Context, container string, q Query) ([]Document, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}

	builder := newPostgresWhereBuilder()
	builder.addComparison("container", "=", container)
	for _, filter := range stringFilters(q.Filters) {
		builder.addComparison(postgresJSONPath(filter.Field), "=", filter.Value)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT body FROM documents"+builder.where()+" ORDER BY id",
		builder.args...,
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

func (s *PostgresStore) PointRead(ctx context.Context, container, id, partitionKey string) (Document, error) {
	builder := newPostgresWhereBuilder()
	builder.addComparison("container", "=", container)
	builder.addComparison("id", "=", id)
	if partitionKey != "" {
		builder.addComparison("partition_key", "=", partitionKey)
	}

	var body []byte
	err := s.db.QueryRowContext(ctx, "SELECT body FROM documents"+builder.where()+" LIMIT 1", builder.args...).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", container, id, err)
	}
	return decodeBody(body)
}

func (s *PostgresStore) Upsert(ctx context.Context, container string, doc Document) error {
	id, partitionKey, body, err := prepareWrite(container, doc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO documents (container, id, partition_key, body, updated_at)
VALUES ($1, $2, $3, $4::jsonb, NOW())
ON CONFLICT (container, id) DO UPDATE SET
    partition_key = EXCLUDED.partition_key,
    body = EXCLUDED.body,
    updated_at = NOW()`,
		container, id, partitionKey, string(body),
	)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", container, id, err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, container string, doc Document) error {
	id, partitionKey, body, err := prepareWrite(container, doc)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO documents (container, id, partition_key, body, updated_at)
VALUES ($1, $2, $3, $4::jsonb, NOW())
ON CONFLICT (container, id) DO NOTHING`,
		container, id, partitionKey, string(body),
	)
	if err != nil {
		if isPostgresUniqueViolation(err) {
			return fmt.Errorf("create %s/%s: %w", container, id, ErrConflict)
		}
		return fmt.Errorf("create %s/%s: %w", container, id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create %s/%s: read row count: %w", container, id, err)
	}
	if affected == 0 {
		return fmt.Errorf("create %s/%s: %w", container, id, ErrConflict)
	}
	return nil
}

func (s *PostgresStore) configure() error {
	if s.db == nil {
		return fmt.Errorf("postgres database is not initialized")
	}

	s.db.SetMaxOpenConns(20)
	s.db.SetMaxIdleConns(10)
	s.db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// postgresJSONPath renders a validated dotted field as a text extraction,
// e.g. "model_info.model" becomes body #>> '{model_info,model}'.
func postgresJSONPath(field string) string {
	return "body #>> '{" + strings.ReplaceAll(field, ".", ",") + "}'"
}

type postgresWhereBuilder struct {
	clauses []string
	args    []any
}

func newPostgresWhereBuilder() *postgresWhereBuilder {
	return &postgresWhereBuilder{}
}

func (b *postgresWhereBuilder) addArg(value any) string {
	b.args = append(b.args, value)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *postgresWhereBuilder) addComparison(column, operator string, value any) {
	b.clauses = append(b.clauses, fmt.Sprintf("%s %s %s", column, operator, b.addArg(value)))
}

func (b *postgresWhereBuilder) where() string {
	if len(b.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.clauses, " AND ")
}

func isPostgresUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
