package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"PerpSettle/internal/errs"
)

// migrationLockID is the pg_advisory_lock key held while migrating.
const migrationLockID = 0x70657270 // "perp"

var (
	ErrMigrationDrift   = errs.New(errs.KindConflict, "migration_drift")
	ErrMigrationMissing = errs.New(errs.KindNotFound, "migration_missing")
)

// Migration is one {version}_{name}.up.sql file and its optional down pair.
type Migration struct {
	Version  string
	Name     string
	UpFile   string
	DownFile string
	Checksum string
}

// MigrationStatus pairs a migration with the time it was applied, if ever.
type MigrationStatus struct {
	Migration
	AppliedAt *time.Time
}

// Migrator applies the settle schema migrations. File naming follows
// golang-migrate so the same directory also works with that tool.
type Migrator struct {
	db  *sql.DB
	dir string
	log zerolog.Logger
}

func NewMigrator(db *sql.DB, migrationsDir string, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, dir: migrationsDir, log: logger.With().Str("component", "migrator").Logger()}
}

// LoadMigrations reads dir and returns migrations ordered by version.
func LoadMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	byVersion := make(map[string]*Migration)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		var up bool
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			up = true
		case strings.HasSuffix(name, ".down.sql"):
		default:
			continue
		}
		version, rest, ok := strings.Cut(name, "_")
		if !ok || version == "" {
			return nil, fmt.Errorf("migration %q: missing version prefix", name)
		}
		m := byVersion[version]
		if m == nil {
			m = &Migration{Version: version}
			byVersion[version] = m
		}
		if up {
			content, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				return nil, fmt.Errorf("read migration %s: %w", name, err)
			}
			sum := sha256.Sum256(content)
			m.UpFile = name
			m.Name = strings.TrimSuffix(rest, ".up.sql")
			m.Checksum = hex.EncodeToString(sum[:])
		} else {
			m.DownFile = name
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpFile == "" {
			return nil, fmt.Errorf("%w: version %s has no up file", ErrMigrationMissing, m.Version)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Up applies every pending migration, each in its own transaction. An
// applied migration whose file has since changed aborts with ErrMigrationDrift.
func (m *Migrator) Up(ctx context.Context) error {
	migrations, err := LoadMigrations(m.dir)
	if err != nil {
		return err
	}

	return m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := m.applied(ctx, conn)
		if err != nil {
			return err
		}

		for _, mig := range migrations {
			if sum, ok := applied[mig.Version]; ok {
				if sum != "" && sum != mig.Checksum {
					return fmt.Errorf("%w: %s", ErrMigrationDrift, mig.UpFile)
				}
				continue
			}
			start := time.Now()
			if err := m.exec(ctx, conn, mig.UpFile,
				`INSERT INTO settle.schema_migrations (version, name, checksum) VALUES ($1, $2, $3)`,
				mig.Version, mig.Name, mig.Checksum,
			); err != nil {
				return err
			}
			m.log.Info().
				Str("version", mig.Version).
				Str("name", mig.Name).
				Dur("took", time.Since(start)).
				Msg("applied migration")
		}
		return nil
	})
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	migrations, err := LoadMigrations(m.dir)
	if err != nil {
		return err
	}
	index := make(map[string]Migration, len(migrations))
	for _, mig := range migrations {
		index[mig.Version] = mig
	}

	return m.locked(ctx, func(conn *sql.Conn) error {
		var version string
		err := conn.QueryRowContext(ctx,
			`SELECT version FROM settle.schema_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			m.log.Info().Msg("no migrations to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("latest migration: %w", err)
		}

		mig, ok := index[version]
		if !ok || mig.DownFile == "" {
			return fmt.Errorf("%w: no down file for version %s", ErrMigrationMissing, version)
		}
		if err := m.exec(ctx, conn, mig.DownFile,
			`DELETE FROM settle.schema_migrations WHERE version = $1`, version,
		); err != nil {
			return err
		}
		m.log.Info().Str("version", version).Str("name", mig.Name).Msg("rolled back migration")
		return nil
	})
}

// Status lists every known migration with its applied time.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	migrations, err := LoadMigrations(m.dir)
	if err != nil {
		return nil, err
	}
	if err := m.ensureTable(ctx, m.db); err != nil {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx, `SELECT version, applied_at FROM settle.schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query migrations: %w", err)
	}
	defer rows.Close()

	appliedAt := make(map[string]time.Time)
	for rows.Next() {
		var v string
		var at time.Time
		if err := rows.Scan(&v, &at); err != nil {
			return nil, err
		}
		appliedAt[v] = at
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]MigrationStatus, 0, len(migrations))
	for _, mig := range migrations {
		st := MigrationStatus{Migration: mig}
		if at, ok := appliedAt[mig.Version]; ok {
			at := at
			st.AppliedAt = &at
		}
		out = append(out, st)
	}
	return out, nil
}

// locked runs fn on a dedicated connection holding the migration advisory lock.
func (m *Migrator) locked(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockID); err != nil {
			m.log.Warn().Err(err).Msg("release migration lock")
		}
	}()

	if err := m.ensureTable(ctx, conn); err != nil {
		return err
	}
	return fn(conn)
}

// exec runs one migration file plus its bookkeeping statement atomically.
func (m *Migrator) exec(ctx context.Context, conn *sql.Conn, file, record string, args ...interface{}) error {
	content, err := os.ReadFile(filepath.Join(m.dir, file))
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", file, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("exec %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record %s: %w", file, err)
	}
	return tx.Commit()
}

func (m *Migrator) ensureTable(ctx context.Context, db execer) error {
	if _, err := db.ExecContext(ctx, `CREATE SCHEMA IF NOT EXISTS settle`); err != nil {
		return fmt.Errorf("create settle schema: %w", err)
	}
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS settle.schema_migrations (
			version    TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return nil
}

// applied maps each applied version to its recorded checksum.
func (m *Migrator) applied(ctx context.Context, conn *sql.Conn) (map[string]string, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, checksum FROM settle.schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("applied versions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var v, sum string
		if err := rows.Scan(&v, &sum); err != nil {
			return nil, err
		}
		out[v] = sum
	}
	return out, rows.Err()
}
