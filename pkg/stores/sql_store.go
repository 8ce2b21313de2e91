package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	// Postgres driver
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/stratum-cloud/stratum/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLStore persists workflows, jobs, resources, workspaces, policies and
// events in SQLite or Postgres. It implements engine.StepStore.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	cfg     Config

	migrateOnce sync.Once
	m           *migrate.Migrate
	migrateErr  error
}

var _ engine.StepStore = (*SQLStore)(nil)

// NewSQLStore creates a new SQL store instance. Call Init before use.
func NewSQLStore(cfg Config) (*SQLStore, error) {
	if cfg.Dialect == "" {
		cfg.Dialect = DialectSQLite
	}
	if err := cfg.Dialect.Validate(); err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens a separate database.
	if cfg.Dialect == DialectSQLite && isMemory(cfg.DSN) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLStore{dialect: cfg.Dialect, cfg: cfg}, nil
}

func isMemory(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}

// Init opens the database connection.
func (s *SQLStore) Init(ctx context.Context) error {
	dsn := s.cfg.DSN
	if s.dialect == DialectSQLite {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
		if !isMemory(s.cfg.DSN) {
			dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
		}
	}

	db, err := sql.Open(s.dialect.driverName(), dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Migrate runs database migrations.
func (s *SQLStore) Migrate(_ context.Context) error {
	m, err := s.migrator()
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// MigrationVersion returns the applied schema version.
func (s *SQLStore) MigrationVersion() (uint, bool, error) {
	m, err := s.migrator()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// migrator lazily builds the migrate instance on the open connection. It is
// never closed, since closing it would close s.db.
func (s *SQLStore) migrator() (*migrate.Migrate, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	s.migrateOnce.Do(func() {
		s.m, s.migrateErr = s.newMigrator()
	})
	return s.m, s.migrateErr
}

func (s *SQLStore) newMigrator() (*migrate.Migrate, error) {

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	var m *migrate.Migrate
	switch s.dialect {
	case DialectPostgres:
		driver, derr := migratepgx.WithInstance(s.db, &migratepgx.Config{})
		if derr != nil {
			return nil, fmt.Errorf("failed to create database driver: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", sourceDriver, "pgx5", driver)
	default:
		driver, derr := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
		if derr != nil {
			return nil, fmt.Errorf("failed to create database driver: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, nil
}

// rebind rewrites ? placeholders into the dialect's form.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// withTx runs fn in a transaction and commits when fn returns nil.
func (s *SQLStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageError(op, err)
	}
	return nil
}

// storageError classifies a database failure as transient so the executor
// retries it. Context errors pass through unchanged.
func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if _, ok := engine.AsEngineError(err); ok {
		return err
	}
	return engine.NewTransientError("storage unavailable", err).
		WithCode(engine.ErrCodeStorageUnavailable).
		WithOperation(op)
}

// isUniqueViolation reports whether err is a unique or primary key violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func rowsAffected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
