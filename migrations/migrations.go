// Package migrations holds the documents schema for each SQL driver and
// applies every migration at most once, recording it in schema_migrations.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var ErrUnsupportedDriver = errors.New("unsupported migration driver")

//go:embed sqlite/*.sql postgres/*.sql
var embedded embed.FS

// Migration is one embedded SQL file. Name is "<driver>/<file>".
type Migration struct {
	Name string
	SQL  string
}

type dialect struct {
	historyDDL string
	claimSQL   string
}

var dialects = map[string]dialect{
	DriverSQLite: {
		historyDDL: `CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
		claimSQL: `INSERT OR IGNORE INTO schema_migrations (name) VALUES (?)`,
	},
	DriverPostgres: {
		historyDDL: `CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
		claimSQL: `INSERT INTO schema_migrations (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`,
	},
}

func lookupDialect(driver string) (string, dialect, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	d, ok := dialects[driver]
	if !ok {
		return "", dialect{}, fmt.Errorf("%w %q", ErrUnsupportedDriver, driver)
	}
	return driver, d, nil
}

// Load returns the embedded migrations for driver ordered by name.
func Load(driver string) ([]Migration, error) {
	driver, _, err := lookupDialect(driver)
	if err != nil {
		return nil, err
	}
	entries, err := fs.ReadDir(embedded, driver)
	if err != nil {
		return nil, fmt.Errorf("read embedded %s migrations: %w", driver, err)
	}

	out := make([]Migration, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".sql") {
			continue
		}
		name := path.Join(driver, entry.Name())
		body, err := embedded.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		out = append(out, Migration{Name: name, SQL: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Apply runs every pending migration for driver and returns the names it
// applied in this call. Concurrent callers never apply the same name twice.
func Apply(ctx context.Context, db *sql.DB, driver string) ([]string, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	driver, d, err := lookupDialect(driver)
	if err != nil {
		return nil, err
	}
	pending, err := Load(driver)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, d.historyDDL); err != nil {
		return nil, fmt.Errorf("ensure schema_migrations table: %w", err)
	}

	var applied []string
	for _, migration := range pending {
		ran, err := applyOne(ctx, db, d, migration)
		if err != nil {
			return applied, fmt.Errorf("apply migration %s: %w", migration.Name, err)
		}
		if ran {
			applied = append(applied, migration.Name)
		}
	}
	return applied, nil
}

// Applied lists the recorded migration names in order.
func Applied(ctx context.Context, db *sql.DB, driver string) ([]string, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	driver, d, err := lookupDialect(driver)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, d.historyDDL); err != nil {
		return nil, fmt.Errorf("ensure schema_migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, `SELECT name FROM schema_migrations WHERE name LIKE '`+driver+`/%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list schema_migrations: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan schema_migrations row: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// applyOne claims and executes migration in a single transaction, so a failed
// statement releases the claim.
func applyOne(ctx context.Context, db *sql.DB, d dialect, migration Migration) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, d.claimSQL, migration.Name)
	if err != nil {
		return false, fmt.Errorf("insert schema_migrations row: %w", err)
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read insert row count: %w", err)
	}
	if claimed == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
		return false, fmt.Errorf("execute migration sql: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}
	return true, nil
}
