// Package sqlassets embeds the SQL shipped with the binary: the shared-schema
// DDL applied at bootstrap and the versioned migrations applied to every
// tenant schema.
package sqlassets

import "embed"

//go:embed schema/shared/core.sql
var CoreSchemaSQL string

// TenantMigrations holds the versioned per-tenant migration files. File names
// sort lexically (NNNN_name.sql); the migration runner applies them in that
// order and records each version in the target schema's schema_migrations
// table.
//
//go:embed migrations/tenant/*.sql
var TenantMigrations embed.FS

// TenantMigrationsDir is the path prefix inside TenantMigrations.
const TenantMigrationsDir = "migrations/tenant"
