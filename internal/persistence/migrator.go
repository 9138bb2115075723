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

	"github.com/rs/zerolog"
)

// Migrator applies {version}_{name}.up.sql / .down.sql pairs from a
// directory and records a checksum of every applied up file.
type Migrator struct {
	db            *sql.DB
	migrationsDir string
	logger        zerolog.Logger
}

func NewMigrator(db *sql.DB, migrationsDir string, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, migrationsDir: migrationsDir, logger: logger}
}

type migration struct {
	version string
	upFile  string
	upSQL   string
	sum     string
}

type appliedMigration struct {
	file string
	sum  string
}

// MigrationStatus is one migration file and whether it has been applied.
// Drifted is set when the file changed after it was applied.
type MigrationStatus struct {
	Version string
	File    string
	Applied bool
	Drifted bool
}

// Up applies all pending up-migrations in version order. Applied files whose
// content has changed are reported and left alone.
func (m *Migrator) Up(ctx context.Context) error {
	migrations, applied, err := m.load(ctx)
	if err != nil {
		return err
	}

	pending := 0
	for _, mg := range migrations {
		if prev, ok := applied[mg.version]; ok {
			if prev.sum != "" && prev.sum != mg.sum {
				m.logger.Warn().Str("file", mg.upFile).Msg("applied migration changed on disk")
			}
			continue
		}
		pending++

		err := m.inTx(ctx, mg.upSQL, `
			INSERT INTO public.schema_migrations (version, filename, checksum)
			VALUES ($1, $2, $3)`, mg.version, mg.upFile, mg.sum)
		if err != nil {
			return fmt.Errorf("apply %s: %w", mg.upFile, err)
		}
		m.logger.Info().Str("file", mg.upFile).Msg("applied migration")
	}

	if pending == 0 {
		m.logger.Info().Int("applied", len(applied)).Msg("schema up to date")
	}
	return nil
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return err
	}

	var version, upFile string
	err := m.db.QueryRowContext(ctx,
		`SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &upFile)
	if errors.Is(err, sql.ErrNoRows) {
		m.logger.Info().Msg("no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("latest migration: %w", err)
	}

	downFile := strings.TrimSuffix(upFile, ".up.sql") + ".down.sql"
	content, err := os.ReadFile(filepath.Join(m.migrationsDir, downFile))
	if err != nil {
		return fmt.Errorf("read %s: %w", downFile, err)
	}

	if err := m.inTx(ctx, string(content),
		`DELETE FROM public.schema_migrations WHERE version = $1`, version,
	); err != nil {
		return fmt.Errorf("roll back %s: %w", downFile, err)
	}
	m.logger.Info().Str("file", downFile).Msg("rolled back migration")
	return nil
}

// Status lists every up-migration in order with its applied state.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	migrations, applied, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]MigrationStatus, 0, len(migrations))
	for _, mg := range migrations {
		prev, ok := applied[mg.version]
		out = append(out, MigrationStatus{
			Version: mg.version,
			File:    mg.upFile,
			Applied: ok,
			Drifted: ok && prev.sum != "" && prev.sum != mg.sum,
		})
	}
	return out, nil
}

// inTx runs a migration script and its bookkeeping statement atomically.
func (m *Migrator) inTx(ctx context.Context, script, record string, args ...any) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	return tx.Commit()
}

func (m *Migrator) load(ctx context.Context) ([]migration, map[string]appliedMigration, error) {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return nil, nil, fmt.Errorf("ensure migration table: %w", err)
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("applied versions: %w", err)
	}
	migrations, err := m.readMigrations()
	if err != nil {
		return nil, nil, fmt.Errorf("list migrations: %w", err)
	}
	return migrations, applied, nil
}

func (m *Migrator) ensureMigrationTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[string]appliedMigration, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version, filename, checksum FROM public.schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]appliedMigration)
	for rows.Next() {
		var v string
		var a appliedMigration
		if err := rows.Scan(&v, &a.file, &a.sum); err != nil {
			return nil, err
		}
		applied[v] = a
	}
	return applied, rows.Err()
}

func (m *Migrator) readMigrations() ([]migration, error) {
	entries, err := os.ReadDir(m.migrationsDir)
	if err != nil {
		return nil, err
	}

	var out []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".up.sql") {
			continue
		}
		content, err := os.ReadFile(filepath.Join(m.migrationsDir, e.Name()))
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(content)
		out = append(out, migration{
			version: migrationVersion(e.Name()),
			upFile:  e.Name(),
			upSQL:   string(content),
			sum:     hex.EncodeToString(sum[:]),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// migrationVersion returns the prefix before the first underscore:
// "000001_event_log.up.sql" is version "000001".
func migrationVersion(filename string) string {
	version, _, _ := strings.Cut(filename, "_")
	return version
}
