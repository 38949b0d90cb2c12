// Package history is the persistence engine of the bridge: an append-only
// message log per platform plus a small key/value settings table, stored in
// SQLite.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Config holds SQLite connection options.
type Config struct {
	Path        string `yaml:"path"`
	JournalMode string `yaml:"journal_mode"`
	BusyTimeout int    `yaml:"busy_timeout_ms"`
}

// Store is the SQLite-backed history and settings store.
type Store struct {
	db     *sql.DB
	config Config
	logger *slog.Logger
	now    func() time.Time
}

// Open opens or creates the database and applies pending migrations.
func Open(ctx context.Context, config Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Path == "" {
		config.Path = "./data/rshome.db"
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.BusyTimeout == 0 {
		config.BusyTimeout = 5000
	}

	dsn := config.Path
	if config.Path != MemoryPath {
		dir := filepath.Dir(config.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %q: %w", dir, err)
		}
		dsn = fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d", config.Path, config.JournalMode, config.BusyTimeout)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", config.Path, err)
	}
	if config.Path == MemoryPath {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{
		db:     db,
		config: config,
		logger: logger.With("component", "history"),
		now:    time.Now,
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Info("history store ready", "path", config.Path)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrations are applied in order; the index+1 is the schema version.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS discord_messages (
		id           INTEGER PRIMARY KEY,
		ts           INTEGER NOT NULL,
		user_id      INTEGER NOT NULL,
		user_label   TEXT    NOT NULL,
		body         TEXT    NOT NULL,
		is_from_self BOOLEAN NOT NULL,
		channel_id   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_discord_messages_channel_ts ON discord_messages(channel_id, ts);
	CREATE TABLE IF NOT EXISTS matrix_messages (
		id           TEXT    PRIMARY KEY,
		ts           INTEGER NOT NULL,
		user_id      TEXT    NOT NULL,
		user_label   TEXT    NOT NULL,
		body         TEXT    NOT NULL,
		is_from_self BOOLEAN NOT NULL,
		room         TEXT    NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_matrix_messages_room_ts ON matrix_messages(room, ts);
	CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT
	);`,
	`CREATE TABLE IF NOT EXISTS console_messages (
		id           TEXT    PRIMARY KEY,
		ts           INTEGER NOT NULL,
		user_id      TEXT    NOT NULL,
		user_label   TEXT    NOT NULL,
		body         TEXT    NOT NULL,
		is_from_self BOOLEAN NOT NULL,
		session      TEXT    NOT NULL
	);`,
}

// SchemaVersion returns the latest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
		s.logger.Debug("migration applied", "version", version)
	}
	return nil
}
