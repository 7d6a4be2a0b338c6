package persistence

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	sqlassets "github.com/zenGate-Global/palmyra-tenancy/database"
)

// TenantMigrator applies the embedded per-tenant migrations to one schema at a
// time. Each schema carries its own schema_migrations version table, so a run
// targeting one tenant never touches another schema's objects and re-running
// is a no-op.
type TenantMigrator struct {
	db    *SchemaDB
	files fs.FS
	dir   string
}

func NewTenantMigrator(db *SchemaDB) *TenantMigrator {
	if db == nil {
		panic("tenant migrator requires schema db")
	}
	return &TenantMigrator{db: db, files: sqlassets.TenantMigrations, dir: sqlassets.TenantMigrationsDir}
}

// ApplyPending applies all migrations not yet recorded in the target schema's
// version table, in lexical filename order, and returns the versions applied
// by this call. The whole run executes inside one tenant-scoped transaction.
func (m *TenantMigrator) ApplyPending(ctx context.Context, schemaName string) ([]string, error) {
	schemaName, err := ValidateSchemaName(schemaName)
	if err != nil {
		return nil, err
	}

	entries, err := fs.ReadDir(m.files, m.dir)
	if err != nil {
		return nil, fmt.Errorf("read migration dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var applied []string
	err = m.db.WithTenant(ctx, schemaName, func(tx pgx.Tx) error {
		// Unqualified: search_path is scoped to the tenant schema, so the
		// version table lands next to the objects it tracks.
		if _, err := tx.Exec(ctx, `
            CREATE TABLE IF NOT EXISTS schema_migrations (
                version    TEXT PRIMARY KEY,
                applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
            )`); err != nil {
			return fmt.Errorf("ensure schema_migrations: %w", err)
		}

		done := map[string]bool{}
		rows, err := tx.Query(ctx, "SELECT version FROM schema_migrations")
		if err != nil {
			return fmt.Errorf("read applied versions: %w", err)
		}
		for rows.Next() {
			var v string
			if err := rows.Scan(&v); err != nil {
				rows.Close()
				return fmt.Errorf("scan version: %w", err)
			}
			done[v] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, name := range names {
			version := strings.TrimSuffix(name, ".sql")
			if done[version] {
				continue
			}

			contents, err := fs.ReadFile(m.files, path.Join(m.dir, name))
			if err != nil {
				return fmt.Errorf("read migration %s: %w", name, err)
			}

			for _, stmt := range splitStatements(string(contents)) {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return fmt.Errorf("apply migration %s: %w", name, err)
				}
			}

			if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
				return fmt.Errorf("record migration %s: %w", name, err)
			}
			applied = append(applied, version)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}

// BootstrapSharedSchema creates the shared schema if absent and applies the
// core DDL. Safe to repeat: every statement uses IF NOT EXISTS semantics.
func BootstrapSharedSchema(ctx context.Context, db *SchemaDB) error {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	ddl := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pgx.Identifier{db.sharedSchema}.Sanitize())
	if _, err := tx.Exec(ctx, ddl); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("create shared schema: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit shared schema: %w", err)
	}

	for _, stmt := range splitStatements(sqlassets.CoreSchemaSQL) {
		if err := db.WithShared(ctx, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, stmt)
			return err
		}); err != nil {
			return fmt.Errorf("apply core schema ddl: %w", err)
		}
	}
	return nil
}

func splitStatements(contents string) []string {
	raw := strings.Split(contents, ";")
	statements := make([]string, 0, len(raw))
	for _, s := range raw {
		stmt := strings.TrimSpace(s)
		if stmt == "" {
			continue
		}
		statements = append(statements, stmt)
	}
	return statements
}
