package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/mandatehq/mandate/pkg/contracts"
)

//go:embed migrations/schema_v*.sql
var migrationFS embed.FS

var migrationName = regexp.MustCompile(`^schema_v(\d{2,})\.sql$`)

// Migrate applies the migration ladder in ascending order. Each file runs
// inside one transaction and is recorded in schema_version exactly once.
// Any failure wraps ERROR_STORE_MIGRATION; the caller aborts the process.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.sql.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return migrationErr(0, err)
	}

	applied, err := d.appliedVersions(ctx)
	if err != nil {
		return migrationErr(0, err)
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return migrationErr(0, err)
	}

	type step struct {
		version int
		name    string
	}
	var ladder []step
	for _, e := range entries {
		m := migrationName.FindStringSubmatch(e.Name())
		if m == nil {
			return migrationErr(0, fmt.Errorf("unexpected migration file %q", e.Name()))
		}
		v, err := strconv.Atoi(m[1])
		if err != nil {
			return migrationErr(0, err)
		}
		ladder = append(ladder, step{version: v, name: e.Name()})
	}
	sort.Slice(ladder, func(i, j int) bool { return ladder[i].version < ladder[j].version })

	for _, s := range ladder {
		if applied[s.version] {
			continue
		}
		ddl, err := migrationFS.ReadFile("migrations/" + s.name)
		if err != nil {
			return migrationErr(s.version, err)
		}
		err = d.Write(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(ddl)); err != nil {
				return fmt.Errorf("apply %s: %w", s.name, err)
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`,
				s.version, TimeText(time.Now()),
			)
			return err
		})
		if err != nil {
			return migrationErr(s.version, err)
		}
		d.log.Info("migration applied", "version", s.version)
	}
	return nil
}

// SchemaVersion returns the highest applied version, 0 for a fresh file.
func (d *DB) SchemaVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	err := d.sql.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("store: schema version: %w", err)
	}
	return int(v.Int64), nil
}

func (d *DB) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT version FROM schema_version`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func migrationErr(version int, err error) error {
	ke := contracts.NewKernelError(contracts.ErrStoreMigration, err.Error())
	if version > 0 {
		ke.Context = map[string]any{"version": version}
	}
	return fmt.Errorf("store: migrate: %w", ke)
}
