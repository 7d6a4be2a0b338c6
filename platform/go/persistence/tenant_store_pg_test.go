package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTenantRecord(slug string) TenantRecord {
	now := time.Now().UTC()
	return TenantRecord{
		ID:        uuid.Must(uuid.NewV7()),
		Slug:      slug,
		Status:    "provisioning",
		IsActive:  false,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func pendingLedgerFor(rec TenantRecord) LedgerRecord {
	return LedgerRecord{
		WorkflowID: "tenant-provision-" + rec.ID.String(),
		Kind:       "tenant-provision",
		EntityID:   rec.ID,
	}
}

func TestTenantStoreCreateWithLedgerIsAtomic(t *testing.T) {
	db := newTestSchemaDB(t)
	tenants := NewTenantStore(db)
	ledger := NewLedgerStore(db)
	ctx := context.Background()

	first := newTenantRecord(testSlug())
	created, err := tenants.CreateWithLedger(ctx, first, pendingLedgerFor(first))
	require.NoError(t, err)
	require.Equal(t, first.ID, created.ID)
	require.Equal(t, first.Slug, created.Slug)

	rec, err := ledger.GetByWorkflowID(ctx, "tenant-provision-"+first.ID.String())
	require.NoError(t, err)
	require.Equal(t, LedgerPending, rec.Status)

	// A second tenant reusing the first tenant's workflow id must leave no
	// trace of either row.
	second := newTenantRecord(testSlug())
	_, err = tenants.CreateWithLedger(ctx, second, pendingLedgerFor(first))
	require.ErrorIs(t, err, ErrDuplicateWorkflow)

	_, err = tenants.GetBySlug(ctx, second.Slug)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTenantStoreSlugUniqueAmongLiveRows(t *testing.T) {
	db := newTestSchemaDB(t)
	tenants := NewTenantStore(db)
	ctx := context.Background()

	slug := testSlug()
	first := newTenantRecord(slug)
	_, err := tenants.CreateWithLedger(ctx, first, pendingLedgerFor(first))
	require.NoError(t, err)

	duplicate := newTenantRecord(slug)
	_, err = tenants.CreateWithLedger(ctx, duplicate, pendingLedgerFor(duplicate))
	require.Error(t, err)

	// Soft deletion frees the slug for a fresh registration.
	require.NoError(t, tenants.SoftDelete(ctx, first.ID))
	require.NoError(t, tenants.SoftDelete(ctx, first.ID))

	_, err = tenants.Get(ctx, first.ID)
	require.ErrorIs(t, err, ErrNotFound)

	kept, err := tenants.GetAny(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, "deleted", kept.Status)
	require.NotNil(t, kept.DeletedAt)

	replacement := newTenantRecord(slug)
	_, err = tenants.CreateWithLedger(ctx, replacement, pendingLedgerFor(replacement))
	require.NoError(t, err)
}

func TestTenantStoreUpdateStatus(t *testing.T) {
	db := newTestSchemaDB(t)
	tenants := NewTenantStore(db)
	ctx := context.Background()

	rec := newTenantRecord(testSlug())
	_, err := tenants.CreateWithLedger(ctx, rec, pendingLedgerFor(rec))
	require.NoError(t, err)

	require.NoError(t, tenants.UpdateStatus(ctx, rec.ID, "ready", true))

	got, err := tenants.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, "ready", got.Status)
	require.True(t, got.IsActive)

	require.ErrorIs(t, tenants.UpdateStatus(ctx, uuid.New(), "ready", true), ErrNotFound)
}

func TestTenantStoreUpdateDisplayName(t *testing.T) {
	db := newTestSchemaDB(t)
	tenants := NewTenantStore(db)
	ctx := context.Background()

	rec := newTenantRecord(testSlug())
	_, err := tenants.CreateWithLedger(ctx, rec, pendingLedgerFor(rec))
	require.NoError(t, err)

	name := "Acme Corp"
	require.NoError(t, tenants.UpdateDisplayName(ctx, rec.ID, &name))

	got, err := tenants.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.DisplayName)
	require.Equal(t, name, *got.DisplayName)

	require.ErrorIs(t, tenants.UpdateDisplayName(ctx, uuid.New(), &name), ErrNotFound)
}

func TestTenantStoreListFiltersByStatus(t *testing.T) {
	db := newTestSchemaDB(t)
	tenants := NewTenantStore(db)
	ctx := context.Background()

	rec := newTenantRecord(testSlug())
	_, err := tenants.CreateWithLedger(ctx, rec, pendingLedgerFor(rec))
	require.NoError(t, err)
	require.NoError(t, tenants.UpdateStatus(ctx, rec.ID, "ready", true))

	status := "ready"
	records, total, err := tenants.List(ctx, &status, 100, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, total, 1)

	var seen bool
	for _, got := range records {
		require.Equal(t, "ready", got.Status)
		if got.ID == rec.ID {
			seen = true
		}
	}
	require.True(t, seen)
}
