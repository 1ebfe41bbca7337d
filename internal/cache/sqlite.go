package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/folio-labs/pagecache/internal/cache/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const migrationTable = "schema_migrations"

// SQLite is a durable store backed by a single SQLite database file. Deleting
// a namespace cascades to its entries in the same statement.
type SQLite struct {
	db       *sql.DB
	strategy EncryptionStrategy
}

// OpenSQLite opens (or creates) the database at path and applies the embedded
// schema migrations. A nil strategy stores records unencrypted.
func OpenSQLite(path string, strategy EncryptionStrategy) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if strategy == nil {
		strategy = &NoEncryptionStrategy{}
	}

	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db, strategy: strategy}, nil
}

func (s *SQLite) Open(ctx context.Context, ns Namespace) (Handle, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO namespaces (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		string(ns),
		time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("open namespace %s: %w", ns, err)
	}

	return &sqliteHandle{store: s, ns: ns}, nil
}

func (s *SQLite) Namespaces(ctx context.Context) ([]Namespace, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM namespaces ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	defer rows.Close()

	var names []Namespace
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan namespace: %w", err)
		}
		names = append(names, Namespace(name))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}

	return names, nil
}

func (s *SQLite) Delete(ctx context.Context, ns Namespace) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM namespaces WHERE name = ?`, string(ns))
	if err != nil {
		return false, fmt.Errorf("delete namespace %s: %w", ns, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete namespace %s: %w", ns, err)
	}

	return affected > 0, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.strategy.Close(); err != nil {
		return err
	}
	return s.db.Close()
}

type sqliteHandle struct {
	store *SQLite
	ns    Namespace
}

func (h *sqliteHandle) Namespace() Namespace {
	return h.ns
}

func (h *sqliteHandle) Match(ctx context.Context, key Key) (Response, bool, error) {
	var record string
	err := h.store.db.QueryRowContext(ctx,
		`SELECT record FROM entries WHERE namespace = ? AND request_key = ?`,
		string(h.ns),
		string(key),
	).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return Response{}, false, nil
	}
	if err != nil {
		return Response{}, false, fmt.Errorf("match %s: %w", key, err)
	}

	resp, err := openRecord(ctx, h.store.strategy, h.ns, key, record)
	if err != nil {
		return Response{}, false, err
	}

	return resp, true, nil
}

func (h *sqliteHandle) Put(ctx context.Context, key Key, resp Response) error {
	record, err := sealRecord(ctx, h.store.strategy, h.ns, key, resp)
	if err != nil {
		return err
	}

	_, err = h.store.db.ExecContext(ctx,
		`INSERT INTO entries (namespace, request_key, record, stored_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(namespace, request_key) DO UPDATE SET record = excluded.record, stored_at = excluded.stored_at`,
		string(h.ns),
		string(key),
		record,
		time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("put %s into %s: %w", key, h.ns, ErrNamespaceNotFound)
		}
		return fmt.Errorf("put %s: %w", key, err)
	}

	return nil
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY
	}
	return strings.Contains(strings.ToLower(err.Error()), "foreign key constraint failed")
}

// applyMigrations executes each embedded migration at most once, recording
// applied files in the migration table.
func applyMigrations(db *sql.DB, migrationFS fs.FS) error {
	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	createSQL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (name TEXT PRIMARY KEY, applied_at INTEGER NOT NULL)`, migrationTable)
	if _, err := db.Exec(createSQL); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range files {
		var found int
		err := db.QueryRow("SELECT 1 FROM "+migrationTable+" WHERE name = ?", file).Scan(&found)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %s: %w", file, err)
		}

		content, err := fs.ReadFile(migrationFS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration transaction %s: %w", file, err)
		}
		if _, err := tx.Exec(upMigration(string(content))); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", file, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO "+migrationTable+" (name, applied_at) VALUES (?, ?)",
			file,
			time.Now().UTC().UnixMilli(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}

	return nil
}

// upMigration returns the SQL in the "-- +migrate Up" section.
func upMigration(content string) string {
	_, up, found := strings.Cut(content, "-- +migrate Up")
	if !found {
		return content
	}
	up, _, _ = strings.Cut(up, "-- +migrate Down")
	return up
}
