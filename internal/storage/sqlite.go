package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/dgellow/kvoauth/internal/log"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// SQLiteStore keeps every namespace in a single kv table. expires_at holds
// unix milliseconds, NULL for entries without expiry.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at path and
// applies pending migrations
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite allows one writer; a single connection serialises access
	// instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.LogInfoWithFields("sqlite", "Opened SQLite store", map[string]any{
		"path": path,
	})

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// runMigrations applies all pending database migrations using goose
func runMigrations(ctx context.Context, db *sql.DB) error {
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	provider, err := goose.NewProvider(database.DialectSQLite3, db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	for _, r := range results {
		log.LogDebugWithFields("sqlite", "Applied migration", map[string]any{
			"version":  r.Source.Version,
			"duration": r.Duration.String(),
		})
	}
	return nil
}

func (s *SQLiteStore) expired(expiresAt sql.NullInt64) bool {
	return expiresAt.Valid && s.now().UnixMilli() >= expiresAt.Int64
}

// Get returns the value unless the row is missing or expired
func (s *SQLiteStore) Get(ctx context.Context, key Key) ([]byte, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}

	var value []byte
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv WHERE namespace = ? AND id = ?`,
		key.Namespace, key.ID,
	).Scan(&value, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if s.expired(expiresAt) {
		return nil, ErrNotFound
	}
	return value, nil
}

// Set upserts the row for key
func (s *SQLiteStore) Set(ctx context.Context, key Key, value []byte, ttl time.Duration) error {
	if err := key.validate(); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}

	var expiresAt sql.NullInt64
	if exp := expiryFor(s.now(), ttl); !exp.IsZero() {
		expiresAt = sql.NullInt64{Int64: exp.UnixMilli(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (namespace, id, value, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (namespace, id) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key.Namespace, key.ID, value, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Replace updates the row only if it exists and has not expired
func (s *SQLiteStore) Replace(ctx context.Context, key Key, value []byte, ttl time.Duration) error {
	if err := key.validate(); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}

	now := s.now()
	var expiresAt sql.NullInt64
	if exp := expiryFor(now, ttl); !exp.IsZero() {
		expiresAt = sql.NullInt64{Int64: exp.UnixMilli(), Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE kv SET value = ?, expires_at = ?
		WHERE namespace = ? AND id = ? AND (expires_at IS NULL OR expires_at > ?)`,
		value, expiresAt, key.Namespace, key.ID, now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to replace %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to replace %s: %w", key, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the row for key if present
func (s *SQLiteStore) Delete(ctx context.Context, key Key) error {
	if err := key.validate(); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE namespace = ? AND id = ?`,
		key.Namespace, key.ID,
	); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// GetDelete removes the row with DELETE ... RETURNING, so the read and the
// delete are one statement
func (s *SQLiteStore) GetDelete(ctx context.Context, key Key) ([]byte, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}

	var value []byte
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM kv WHERE namespace = ? AND id = ? RETURNING value, expires_at`,
		key.Namespace, key.ID,
	).Scan(&value, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to consume %s: %w", key, err)
	}
	if s.expired(expiresAt) {
		return nil, ErrNotFound
	}
	return value, nil
}

// List returns every row in namespace
func (s *SQLiteStore) List(ctx context.Context, namespace string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, expires_at FROM kv WHERE namespace = ?`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", namespace, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var id string
		var expiresAt sql.NullInt64
		if err := rows.Scan(&id, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", namespace, err)
		}
		e := Entry{Key: Key{Namespace: namespace, ID: id}}
		if expiresAt.Valid {
			e.ExpiresAt = time.UnixMilli(expiresAt.Int64)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s rows: %w", namespace, err)
	}
	return entries, nil
}

// DeleteExpired removes expired rows in namespace in one statement
func (s *SQLiteStore) DeleteExpired(ctx context.Context, namespace string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE namespace = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		namespace, s.now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired %s rows: %w", namespace, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted rows: %w", err)
	}
	return int(n), nil
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
