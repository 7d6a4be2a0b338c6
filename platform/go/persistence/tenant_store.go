package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const tenantColumns = "id, slug, display_name, status, is_active, deleted_at, created_at, updated_at"

// TenantRecord is a row in the shared tenants table.
type TenantRecord struct {
	ID          uuid.UUID
	Slug        string
	DisplayName *string
	Status      string
	IsActive    bool
	DeletedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TenantStore provides access to the tenants table. All statements run under
// the shared scope of the schema router.
type TenantStore struct {
	db *SchemaDB
}

// NewTenantStore creates a store; assumes bootstrap DDL already created the table.
func NewTenantStore(db *SchemaDB) *TenantStore {
	if db == nil {
		panic("tenant store requires schema db")
	}
	return &TenantStore{db: db}
}

// CreateWithLedger inserts the tenant row and its pending ledger entry in one
// transaction, so a tenant can never exist without its idempotency guard.
// Returns ErrDuplicateWorkflow when the workflow id is already recorded.
func (s *TenantStore) CreateWithLedger(ctx context.Context, rec TenantRecord, ledger LedgerRecord) (TenantRecord, error) {
	var out TenantRecord
	err := s.db.WithShared(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
            INSERT INTO tenants (id, slug, display_name, status, is_active, created_at, updated_at)
            VALUES ($1,$2,$3,$4,$5,$6,$6)
            RETURNING `+tenantColumns,
			rec.ID, rec.Slug, rec.DisplayName, rec.Status, rec.IsActive, rec.CreatedAt,
		)
		var err error
		if out, err = scanTenant(row); err != nil {
			return err
		}
		return insertPendingLedger(ctx, tx, ledger)
	})
	if err != nil {
		return TenantRecord{}, err
	}
	return out, nil
}

// Get fetches a tenant by id, excluding soft-deleted rows.
func (s *TenantStore) Get(ctx context.Context, id uuid.UUID) (TenantRecord, error) {
	return s.one(ctx, "SELECT "+tenantColumns+" FROM tenants WHERE id = $1 AND deleted_at IS NULL", id)
}

// GetAny fetches a tenant by id including soft-deleted rows. Used by teardown
// flows that must still see a half-removed tenant.
func (s *TenantStore) GetAny(ctx context.Context, id uuid.UUID) (TenantRecord, error) {
	return s.one(ctx, "SELECT "+tenantColumns+" FROM tenants WHERE id = $1", id)
}

// GetBySlug fetches a live tenant by slug.
func (s *TenantStore) GetBySlug(ctx context.Context, slug string) (TenantRecord, error) {
	return s.one(ctx, "SELECT "+tenantColumns+" FROM tenants WHERE slug = $1 AND deleted_at IS NULL", slug)
}

// List returns live tenants, newest first, with an optional status filter.
func (s *TenantStore) List(ctx context.Context, status *string, limit, offset int) ([]TenantRecord, int, error) {
	where := "WHERE deleted_at IS NULL"
	args := []any{}
	if status != nil {
		where += " AND status = $1"
		args = append(args, *status)
	}

	var (
		records []TenantRecord
		total   int
	)
	err := s.db.WithShared(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM tenants "+where, args...).Scan(&total); err != nil {
			return fmt.Errorf("count tenants: %w", err)
		}

		query := fmt.Sprintf("SELECT %s FROM tenants %s ORDER BY created_at DESC LIMIT %d OFFSET %d",
			tenantColumns, where, limit, offset)
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list tenants: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			rec, err := scanTenant(rows)
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// UpdateStatus overwrites status and is_active. Unconditional, safe to repeat.
func (s *TenantStore) UpdateStatus(ctx context.Context, id uuid.UUID, status string, isActive bool) error {
	return s.db.WithShared(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			"UPDATE tenants SET status = $2, is_active = $3, updated_at = NOW() WHERE id = $1",
			id, status, isActive)
		if err != nil {
			return fmt.Errorf("update tenant status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// UpdateDisplayName changes the human-readable name of a live tenant.
func (s *TenantStore) UpdateDisplayName(ctx context.Context, id uuid.UUID, displayName *string) error {
	return s.db.WithShared(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			"UPDATE tenants SET display_name = $2, updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL",
			id, displayName)
		if err != nil {
			return fmt.Errorf("update tenant display name: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SoftDelete marks the tenant deleted and inactive. The row stays for audit
// and id-reuse protection; the slug becomes available again through the
// partial unique index.
func (s *TenantStore) SoftDelete(ctx context.Context, id uuid.UUID) error {
	return s.db.WithShared(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
            UPDATE tenants
            SET status = 'deleted', is_active = FALSE, deleted_at = NOW(), updated_at = NOW()
            WHERE id = $1 AND deleted_at IS NULL`, id)
		if err != nil {
			return fmt.Errorf("soft delete tenant: %w", err)
		}
		// Repeating the delete is a no-op, not an error.
		_ = tag
		return nil
	})
}

func (s *TenantStore) one(ctx context.Context, query string, arg any) (TenantRecord, error) {
	var out TenantRecord
	err := s.db.WithShared(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = scanTenant(tx.QueryRow(ctx, query, arg))
		return err
	})
	if err != nil {
		return TenantRecord{}, err
	}
	return out, nil
}

func scanTenant(row pgx.Row) (TenantRecord, error) {
	var rec TenantRecord
	err := row.Scan(&rec.ID, &rec.Slug, &rec.DisplayName, &rec.Status, &rec.IsActive,
		&rec.DeletedAt, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return TenantRecord{}, ErrNotFound
	}
	if err != nil {
		return TenantRecord{}, fmt.Errorf("scan tenant: %w", err)
	}
	return rec, nil
}
