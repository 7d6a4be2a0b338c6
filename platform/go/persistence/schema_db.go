package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrSchemaUnavailable marks a tenant scope that could not be entered: the
// schema is missing or the switch statement failed. Callers must never
// continue under the wrong scope after seeing it.
var ErrSchemaUnavailable = errors.New("tenant schema unavailable")

// txBeginner exposes the minimal pgx pool behaviour needed by SchemaDB.
type txBeginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// SchemaDB is the single entry point for scoped query execution. Exactly one
// scope (the shared schema or one tenant schema) is active on a borrowed
// connection at any instant; scoping is done with SET LOCAL search_path inside
// a transaction, so the connection reverts to its default scope on every exit
// path, commit or rollback, before returning to the pool.
type SchemaDB struct {
	pool         txBeginner
	sharedSchema string
}

type SchemaDBConfig struct {
	Pool         *pgxpool.Pool
	SharedSchema string
}

func NewSchemaDB(cfg SchemaDBConfig) *SchemaDB {
	if cfg.Pool == nil {
		panic("SchemaDB requires pool")
	}

	sharedSchema := strings.TrimSpace(cfg.SharedSchema)
	if sharedSchema == "" {
		panic("SchemaDB requires shared schema")
	}
	return &SchemaDB{pool: cfg.Pool, sharedSchema: sharedSchema}
}

// SharedSchema returns the name of the shared (default) schema.
func (db *SchemaDB) SharedSchema() string {
	return db.sharedSchema
}

// WithShared executes fn inside a transaction scoped to the shared schema only.
func (db *SchemaDB) WithShared(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT set_config('search_path', $1, true)`, db.sharedSchema); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// WithTenant executes fn inside a transaction with search_path set to exactly
// the tenant schema. The shared schema is deliberately excluded so queries can
// never silently fall back to shared tables. The schema name is re-validated
// here regardless of where it came from.
func (db *SchemaDB) WithTenant(ctx context.Context, schemaName string, fn func(tx pgx.Tx) error) error {
	schemaName, err := ValidateSchemaName(schemaName)
	if err != nil {
		return err
	}

	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	var exists bool
	if err := tx.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)", schemaName,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check schema: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: schema %q does not exist", ErrSchemaUnavailable, schemaName)
	}

	if _, err := tx.Exec(ctx, `SELECT set_config('search_path', $1, true)`, schemaName); err != nil {
		return fmt.Errorf("%w: set search_path: %v", ErrSchemaUnavailable, err)
	}

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// CreateSchema creates the schema if absent. Safe to repeat.
func (db *SchemaDB) CreateSchema(ctx context.Context, schemaName string) error {
	schemaName, err := ValidateSchemaName(schemaName)
	if err != nil {
		return err
	}

	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	ddl := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pgx.Identifier{schemaName}.Sanitize())
	if _, err := tx.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	return tx.Commit(ctx)
}

// DropSchema drops the schema and everything in it if present. Safe to repeat.
func (db *SchemaDB) DropSchema(ctx context.Context, schemaName string) error {
	schemaName, err := ValidateSchemaName(schemaName)
	if err != nil {
		return err
	}

	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	ddl := fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", pgx.Identifier{schemaName}.Sanitize())
	if _, err := tx.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("drop schema: %w", err)
	}

	return tx.Commit(ctx)
}

// SchemaExists reports whether the schema is present.
func (db *SchemaDB) SchemaExists(ctx context.Context, schemaName string) (bool, error) {
	schemaName, err := ValidateSchemaName(schemaName)
	if err != nil {
		return false, err
	}

	var exists bool
	err = db.WithShared(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)", schemaName,
		).Scan(&exists)
	})
	return exists, err
}
