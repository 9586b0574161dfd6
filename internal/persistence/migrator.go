package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// migrationLockKey is the advisory lock serializing migrations across
// replicas started at the same time.
const migrationLockKey int64 = 0x7065727072697363

// Migrator applies the numbered SQL files of a directory. Files are named
// {version}_{name}.up.sql with an optional .down.sql twin; each runs in its
// own transaction together with its risk.schema_migrations record.
type Migrator struct {
	db            *sql.DB
	migrationsDir string
	logger        zerolog.Logger
}

// MigrationStatus describes one migration file and whether it is applied.
type MigrationStatus struct {
	Version   string
	Name      string
	Applied   bool
	AppliedAt time.Time
}

type migration struct {
	version string
	name    string
	up      string
	down    string // empty when irreversible
}

func NewMigrator(db *sql.DB, migrationsDir string, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, migrationsDir: migrationsDir, logger: logger}
}

// Up applies all pending migrations in version order.
func (m *Migrator) Up(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		migrations, err := m.discover()
		if err != nil {
			return err
		}
		applied, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}

		pending := 0
		for _, mg := range migrations {
			if _, ok := applied[mg.version]; ok {
				continue
			}
			pending++
			if err := m.exec(ctx, conn, mg.up,
				`INSERT INTO risk.schema_migrations (version, filename) VALUES ($1, $2)`,
				mg.version, mg.up); err != nil {
				return err
			}
			m.logger.Info().Str("version", mg.version).Str("name", mg.name).Msg("applied migration")
		}
		m.logger.Info().Int("applied", pending).Int("total", len(migrations)).Msg("schema up to date")
		return nil
	})
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		var version string
		err := conn.QueryRowContext(ctx,
			`SELECT version FROM risk.schema_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			m.logger.Info().Msg("no migrations to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("latest migration: %w", err)
		}

		migrations, err := m.discover()
		if err != nil {
			return err
		}
		i := slices.IndexFunc(migrations, func(mg migration) bool { return mg.version == version })
		if i < 0 {
			return fmt.Errorf("applied migration %s has no file in %s", version, m.migrationsDir)
		}
		mg := migrations[i]
		if mg.down == "" {
			return fmt.Errorf("migration %s_%s is irreversible", mg.version, mg.name)
		}
		if err := m.exec(ctx, conn, mg.down,
			`DELETE FROM risk.schema_migrations WHERE version = $1`, mg.version); err != nil {
			return err
		}
		m.logger.Info().Str("version", mg.version).Str("name", mg.name).Msg("rolled back migration")
		return nil
	})
}

// Status lists every migration file with its applied state.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	var out []MigrationStatus
	err := m.locked(ctx, func(conn *sql.Conn) error {
		migrations, err := m.discover()
		if err != nil {
			return err
		}
		applied, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		for _, mg := range migrations {
			at, ok := applied[mg.version]
			out = append(out, MigrationStatus{Version: mg.version, Name: mg.name, Applied: ok, AppliedAt: at})
		}
		return nil
	})
	return out, err
}

// locked runs fn on one connection holding the migration advisory lock.
func (m *Migrator) locked(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	defer func() {
		// ctx may already be done; the unlock must still run.
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockKey); err != nil {
			m.logger.Warn().Err(err).Msg("release migration lock")
		}
	}()

	if _, err := conn.ExecContext(ctx, `
		CREATE SCHEMA IF NOT EXISTS risk;
		CREATE TABLE IF NOT EXISTS risk.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return fn(conn)
}

// exec runs one SQL file and its bookkeeping statement in a transaction.
func (m *Migrator) exec(ctx context.Context, conn *sql.Conn, file, record string, args ...any) error {
	body, err := os.ReadFile(filepath.Join(m.migrationsDir, file))
	if err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", file, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return fmt.Errorf("exec %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", file, err)
	}
	return nil
}

// discover pairs up and down files by version, ordered by version.
func (m *Migrator) discover() ([]migration, error) {
	entries, err := os.ReadDir(m.migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[string]*migration)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		file := e.Name()
		base, down := strings.CutSuffix(file, ".down.sql")
		if !down {
			var up bool
			if base, up = strings.CutSuffix(file, ".up.sql"); !up {
				continue
			}
		}
		version, name, ok := strings.Cut(base, "_")
		if !ok || version == "" {
			return nil, fmt.Errorf("migration %s: want {version}_{name}", file)
		}
		mg := byVersion[version]
		if mg == nil {
			mg = &migration{version: version, name: name}
			byVersion[version] = mg
		}
		if down {
			mg.down = file
		} else {
			mg.up = file
		}
	}

	out := make([]migration, 0, len(byVersion))
	for _, mg := range byVersion {
		if mg.up == "" {
			return nil, fmt.Errorf("migration %s has a down file but no up file", mg.version)
		}
		out = append(out, *mg)
	}
	slices.SortFunc(out, func(a, b migration) int { return strings.Compare(a.version, b.version) })
	return out, nil
}

func appliedVersions(ctx context.Context, conn *sql.Conn) (map[string]time.Time, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, applied_at FROM risk.schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]time.Time)
	for rows.Next() {
		var (
			v  string
			at time.Time
		)
		if err := rows.Scan(&v, &at); err != nil {
			return nil, err
		}
		applied[v] = at
	}
	return applied, rows.Err()
}
