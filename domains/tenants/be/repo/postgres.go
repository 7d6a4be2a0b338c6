package repo

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/zenGate-Global/palmyra-tenancy/domains/tenants/be/service"
	"github.com/zenGate-Global/palmyra-tenancy/platform/go/persistence"
)

// PostgresRepository implements the tenant repository on top of the shared
// persistence stores.
type PostgresRepository struct {
	tenants *persistence.TenantStore
}

// NewPostgresRepository constructs a repository backed by TenantStore.
func NewPostgresRepository(tenants *persistence.TenantStore) *PostgresRepository {
	if tenants == nil {
		panic("tenant store is required")
	}
	return &PostgresRepository{tenants: tenants}
}

func (r *PostgresRepository) Create(ctx context.Context, t service.Tenant, workflowID, workflowKind string) (service.Tenant, error) {
	rec, err := r.tenants.CreateWithLedger(ctx, toRecord(t), persistence.LedgerRecord{
		WorkflowID: workflowID,
		Kind:       workflowKind,
		EntityID:   t.ID,
	})
	if err != nil {
		return service.Tenant{}, mapConflict(err)
	}
	return toServiceTenant(rec), nil
}

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (service.Tenant, error) {
	rec, err := r.tenants.Get(ctx, id)
	if err != nil {
		return service.Tenant{}, mapNotFound(err)
	}
	return toServiceTenant(rec), nil
}

func (r *PostgresRepository) GetBySlug(ctx context.Context, slug string) (service.Tenant, error) {
	rec, err := r.tenants.GetBySlug(ctx, slug)
	if err != nil {
		return service.Tenant{}, mapNotFound(err)
	}
	return toServiceTenant(rec), nil
}

func (r *PostgresRepository) List(ctx context.Context, opts service.ListOptions) (service.ListResult, error) {
	page := opts.Page
	if page < 1 {
		page = 1
	}
	size := opts.PageSize
	if size <= 0 {
		size = 20
	}
	offset := (page - 1) * size

	rows, total, err := r.tenants.List(ctx, opts.Status, size, offset)
	if err != nil {
		return service.ListResult{}, err
	}

	tenants := make([]service.Tenant, 0, len(rows))
	for _, rec := range rows {
		tenants = append(tenants, toServiceTenant(rec))
	}

	totalPages := (total + size - 1) / size
	return service.ListResult{Tenants: tenants, Page: page, PageSize: size, TotalItems: total, TotalPages: totalPages}, nil
}

func (r *PostgresRepository) UpdateDisplayName(ctx context.Context, id uuid.UUID, displayName *string) error {
	return mapNotFound(r.tenants.UpdateDisplayName(ctx, id, displayName))
}

func toRecord(t service.Tenant) persistence.TenantRecord {
	return persistence.TenantRecord{
		ID:          t.ID,
		Slug:        t.Slug,
		DisplayName: t.DisplayName,
		Status:      t.Status,
		IsActive:    t.IsActive,
		DeletedAt:   t.DeletedAt,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func toServiceTenant(rec persistence.TenantRecord) service.Tenant {
	return service.Tenant{
		ID:          rec.ID,
		Slug:        rec.Slug,
		DisplayName: rec.DisplayName,
		Status:      rec.Status,
		IsActive:    rec.IsActive,
		DeletedAt:   rec.DeletedAt,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
}

func mapNotFound(err error) error {
	if errors.Is(err, persistence.ErrNotFound) {
		return service.ErrNotFound
	}
	return err
}

func mapConflict(err error) error {
	if errors.Is(err, persistence.ErrDuplicateWorkflow) {
		return service.ErrAlreadyInProgress
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "23505" && strings.EqualFold(pgErr.ConstraintName, "tenants_slug_unique_active") {
			return service.ErrConflictSlug
		}
	}
	return err
}

// Ensure interface compliance.
var _ service.Repository = (*PostgresRepository)(nil)
