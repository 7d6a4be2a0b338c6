package persistence

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
)

// newTestSchemaDB builds a single-connection SchemaDB against the database
// named by TEST_DATABASE_URL and bootstraps the shared schema. Tests are
// skipped when no database is configured. MaxConns is pinned to 1 so every
// statement in a test reuses the same physical connection; scope leakage
// between transactions would be directly observable.
func newTestSchemaDB(t *testing.T) *SchemaDB {
	t.Helper()

	url, ok := os.LookupEnv("TEST_DATABASE_URL")
	if !ok || url == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping postgres integration test")
	}

	ctx := context.Background()
	pool, err := NewPool(ctx, PoolConfig{ConnString: url, MaxConns: 1})
	if err != nil {
		t.Fatalf("create test pool: %v", err)
	}
	t.Cleanup(func() { ClosePool(pool) })

	db := NewSchemaDB(SchemaDBConfig{Pool: pool, SharedSchema: "admin"})
	if err := BootstrapSharedSchema(ctx, db); err != nil {
		t.Fatalf("bootstrap shared schema: %v", err)
	}
	return db
}

// testSchemaName returns a unique, valid tenant schema name and schedules its
// removal when the test finishes.
func testSchemaName(t *testing.T, db *SchemaDB) string {
	t.Helper()

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	name := SchemaPrefix + "t" + suffix[:16]
	t.Cleanup(func() {
		_ = db.DropSchema(context.Background(), name)
	})
	return name
}

// testSlug returns a unique slug suitable for registry tests.
func testSlug() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "t-" + suffix[:12]
}
