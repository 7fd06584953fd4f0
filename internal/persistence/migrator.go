package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// migrationLock serializes migrators of several nodes sharing one database.
const migrationLock = 0x70657270 // "perp"

// migration is one numbered step with both directions on disk.
type migration struct {
	version string
	name    string
	up      string
	down    string
}

// Migrator applies the numbered SQL files of a directory. Files are named
// {version}_{name}.up.sql and {version}_{name}.down.sql; every up file needs
// its down file.
type Migrator struct {
	db     *sql.DB
	dir    string
	logger zerolog.Logger
}

func NewMigrator(db *sql.DB, dir string, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, dir: dir, logger: logger}
}

// MigrationStatus is one migration and whether it has been applied.
type MigrationStatus struct {
	Version  string
	Filename string
	Applied  bool
}

// Up applies every pending migration, each in its own transaction.
func (m *Migrator) Up(ctx context.Context) error {
	plan, err := m.plan()
	if err != nil {
		return err
	}
	if err := m.ensureTable(ctx); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, mg := range plan {
		err := m.inTx(ctx, func(tx *sql.Tx) error {
			applied, err := isApplied(ctx, tx, mg.version)
			if err != nil || applied {
				return err
			}
			if err := execFile(ctx, tx, filepath.Join(m.dir, mg.up)); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`,
				mg.version, mg.up,
			); err != nil {
				return fmt.Errorf("record %s: %w", mg.up, err)
			}
			m.logger.Info().Str("version", mg.version).Str("name", mg.name).Msg("applied migration")
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Down reverts the newest applied migration. It is a no-op on an empty schema.
func (m *Migrator) Down(ctx context.Context) error {
	plan, err := m.plan()
	if err != nil {
		return err
	}
	if err := m.ensureTable(ctx); err != nil {
		return err
	}

	return m.inTx(ctx, func(tx *sql.Tx) error {
		var version string
		err := tx.QueryRowContext(ctx,
			`SELECT version FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			m.logger.Info().Msg("no migrations to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("latest migration: %w", err)
		}

		i := sort.Search(len(plan), func(i int) bool { return plan[i].version >= version })
		if i == len(plan) || plan[i].version != version {
			return fmt.Errorf("applied migration %s has no file in %s", version, m.dir)
		}
		if err := execFile(ctx, tx, filepath.Join(m.dir, plan[i].down)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM public.schema_migrations WHERE version = $1`, version); err != nil {
			return fmt.Errorf("unrecord %s: %w", version, err)
		}
		m.logger.Info().Str("version", version).Str("name", plan[i].name).Msg("rolled back migration")
		return nil
	})
}

// Status lists every migration on disk next to its applied state.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	plan, err := m.plan()
	if err != nil {
		return nil, err
	}
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx, `SELECT version FROM public.schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]MigrationStatus, len(plan))
	for i, mg := range plan {
		out[i] = MigrationStatus{Version: mg.version, Filename: mg.up, Applied: applied[mg.version]}
	}
	return out, nil
}

// plan reads the directory into version order and checks that the files pair up.
func (m *Migrator) plan() ([]migration, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	byVersion := make(map[string]*migration)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		file := e.Name()
		var up bool
		switch {
		case strings.HasSuffix(file, ".up.sql"):
			up = true
		case strings.HasSuffix(file, ".down.sql"):
		default:
			continue
		}

		version, name, ok := strings.Cut(file, "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: want {version}_{name}", file)
		}
		mg := byVersion[version]
		if mg == nil {
			mg = &migration{version: version}
			byVersion[version] = mg
		}
		if up {
			mg.up, mg.name = file, strings.TrimSuffix(name, ".up.sql")
		} else {
			mg.down = file
		}
	}

	plan := make([]migration, 0, len(byVersion))
	for _, mg := range byVersion {
		if mg.up == "" || mg.down == "" {
			return nil, fmt.Errorf("migration %s is missing its up or down file", mg.version)
		}
		plan = append(plan, *mg)
	}
	sort.Slice(plan, func(i, j int) bool { return plan[i].version < plan[j].version })
	return plan, nil
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// inTx runs fn under the migration advisory lock.
func (m *Migrator) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLock); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func isApplied(ctx context.Context, tx *sql.Tx, version string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM public.schema_migrations WHERE version = $1`, version).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func execFile(ctx context.Context, tx *sql.Tx, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("exec %s: %w", filepath.Base(path), err)
	}
	return nil
}
