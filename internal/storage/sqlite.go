package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DatabaseFile is the file name of the store inside its data directory.
const DatabaseFile = "ctxrevival.db"

const (
	DefaultCompressThreshold   = 1024
	DefaultIndexedPayloadBytes = 8192
	DefaultMaxOpenConns        = 4
	DefaultQueryLimit          = 20
	MaxQueryLimit              = 200
)

// DefaultMetadataKeys is the metadata allow-list used when none is configured.
var DefaultMetadataKeys = []string{
	"agent", "branch", "duration_ms", "exit_code", "model", "project_dir",
	"session", "source", "tags", "tokens", "tools", "turn",
}

// Store is the durable, lexically indexed record store for one project.
type Store struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger

	compressThreshold   int
	indexedPayloadBytes int
	maxOpenConns        int
	metadataKeys        map[string]struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used to stamp CreatedAt and compute
// retention cutoffs.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithCompressThreshold sets the payload size in bytes above which payloads
// are gzip-compressed. Zero or negative disables compression.
func WithCompressThreshold(n int) Option {
	return func(s *Store) { s.compressThreshold = n }
}

// WithIndexedPayloadBytes caps how much of each payload is full-text indexed.
func WithIndexedPayloadBytes(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.indexedPayloadBytes = n
		}
	}
}

// WithMaxOpenConns sets the connection pool size for file-backed stores.
func WithMaxOpenConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxOpenConns = n
		}
	}
}

// WithMetadataKeys replaces the metadata allow-list.
func WithMetadataKeys(keys []string) Option {
	return func(s *Store) {
		if len(keys) == 0 {
			return
		}
		s.metadataKeys = keySet(keys)
	}
}

// WithLogger sets the logger used for write-time warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func keySet(keys []string) map[string]struct{} {
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			m[k] = struct{}{}
		}
	}
	return m
}

// Open opens (or creates) the store database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string, opts ...Option) (*Store, error) {
	s := &Store{
		now:                 time.Now,
		logger:              slog.Default(),
		compressThreshold:   DefaultCompressThreshold,
		indexedPayloadBytes: DefaultIndexedPayloadBytes,
		maxOpenConns:        DefaultMaxOpenConns,
		metadataKeys:        keySet(DefaultMetadataKeys),
	}
	for _, opt := range opts {
		opt(s)
	}

	var dsn string
	conns := s.maxOpenConns
	if dataDir == ":memory:" {
		// Every new connection to :memory: is a separate database.
		dsn = ":memory:"
		conns = 1
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = "file:" + filepath.Join(dataDir, DatabaseFile) +
			"?_pragma=busy_timeout(5000)" +
			"&_pragma=journal_mode(WAL)" +
			"&_pragma=synchronous(NORMAL)" +
			"&_pragma=foreign_keys(1)" +
			"&_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(conns)
	db.SetMaxIdleConns(conns)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if dataDir == ":memory:" {
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling foreign keys: %w", err)
		}
	}

	s.db = db
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}
		if err := s.applyMigration(version, entry.Name()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(version int, name string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
	}
	defer tx.Rollback()

	// Checked inside the transaction so two processes opening the same
	// database do not both apply it.
	var exists int
	if err := tx.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
		return fmt.Errorf("checking migration %d: %w", version, err)
	}
	if exists > 0 {
		return nil
	}

	content, err := migrationsFS.ReadFile("migrations/" + name)
	if err != nil {
		return fmt.Errorf("reading migration %s: %w", name, err)
	}
	if _, err := tx.Exec(string(content)); err != nil {
		return fmt.Errorf("applying migration %d: %w", version, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("recording migration %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %d: %w", version, err)
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// HealthCheck reports whether the database answers a trivial query.
func (s *Store) HealthCheck(ctx context.Context) bool {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_version").Scan(&n); err != nil {
		return false
	}
	return n > 0
}
