package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrNotFound is returned when a requested row does not exist
	ErrNotFound = errors.New("not found")
)

// queries holds every statement the store issues. It is embedded by both Store
// and Tx so the same method set runs against the pool or inside a transaction.
type queries struct {
	ext      sqlx.ExtContext
	postgres bool
}

// Store is the relational store backing gridfill
type Store struct {
	queries

	log logrus.FieldLogger
	db  *sqlx.DB
}

// Tx is a Store bound to a single database transaction
type Tx struct {
	queries

	tx *sqlx.Tx
}

//nolint:gochecknoinits // modernc registers as "sqlite", which sqlx does not know
func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Open connects to the configured database and applies migrations when enabled
func Open(ctx context.Context, log logrus.FieldLogger, cfg *Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}

	if cfg.Driver == DriverSQLite {
		// SQLite allows a single writer; serialising on one connection avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping %s database: %w", cfg.Driver, err)
	}

	s := New(log, db)

	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()

			return nil, err
		}
	}

	return s, nil
}

// New wraps an existing connection pool
func New(log logrus.FieldLogger, db *sqlx.DB) *Store {
	return &Store{
		queries: queries{
			ext:      db,
			postgres: db.DriverName() == DriverPostgres,
		},
		log: log.WithField("component", "store"),
		db:  db,
	}
}

// DB exposes the underlying pool
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close closes the connection pool
func (s *Store) Close() error {
	return s.db.Close()
}

// InTx runs fn inside a transaction. The transaction commits when fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = sqlTx.Rollback()
	}()

	tx := &Tx{
		queries: queries{ext: sqlTx, postgres: s.postgres},
		tx:      sqlTx,
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

type migration struct {
	version int
	name    string
	up      string
}

func loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}

	migrations := make([]migration, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return nil, err
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return nil, fmt.Errorf("invalid migration filename %s: %w", entry.Name(), err)
		}

		migrations = append(migrations, migration{version: version, name: entry.Name(), up: string(data)})
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })

	return migrations, nil
}

// Migrate applies embedded migrations that have not been applied yet
func (s *Store) Migrate(ctx context.Context) error {
	migrations, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at BIGINT NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var applied []int
	if err := s.db.SelectContext(ctx, &applied, `SELECT version FROM schema_migrations`); err != nil {
		return fmt.Errorf("failed to read schema_migrations: %w", err)
	}

	done := make(map[int]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}

	for _, m := range migrations {
		if done[m.version] {
			continue
		}

		err := s.InTx(ctx, func(tx *Tx) error {
			for _, stmt := range strings.Split(m.up, ";") {
				if strings.TrimSpace(stmt) == "" {
					continue
				}

				if _, err := tx.tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("migration %s failed: %w", m.name, err)
				}
			}

			_, err := tx.tx.ExecContext(ctx, tx.tx.Rebind(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`),
				m.version, m.name, time.Now().Unix())

			return err
		})
		if err != nil {
			return err
		}

		s.log.WithField("migration", m.name).Info("Applied migration")
	}

	return nil
}

func (q *queries) rebind(query string) string {
	return q.ext.Rebind(query)
}

// forUpdate returns a row lock clause where the dialect supports one.
// SQLite serialises writers on the database instead.
func (q *queries) forUpdate() string {
	if q.postgres {
		return " FOR UPDATE"
	}

	return ""
}

func (q *queries) get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	if err := sqlx.GetContext(ctx, q.ext, dest, q.rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}

		return err
	}

	return nil
}

func (q *queries) selectIn(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	expanded, expandedArgs, err := sqlx.In(query, args...)
	if err != nil {
		return fmt.Errorf("failed to expand query: %w", err)
	}

	return sqlx.SelectContext(ctx, q.ext, dest, q.rebind(expanded), expandedArgs...)
}

func (q *queries) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	expanded, expandedArgs, err := sqlx.In(query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to expand query: %w", err)
	}

	res, err := q.ext.ExecContext(ctx, q.rebind(expanded), expandedArgs...)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

func toUnix(t time.Time) int64 {
	return t.Unix()
}

func fromUnix(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func nullUnix(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func fromNullUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}

	t := fromUnix(v.Int64)

	return &t
}

// whereBuilder accumulates AND-ed conditions with positional args
type whereBuilder struct {
	conds []string
	args  []interface{}
}

func (w *whereBuilder) add(cond string, args ...interface{}) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

func (w *whereBuilder) String() string {
	if len(w.conds) == 0 {
		return ""
	}

	return " WHERE " + strings.Join(w.conds, " AND ")
}
