package repo

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/zenGate-Global/palmyra-tenancy/domains/tenants/be/service"
)

// MemoryRepository is a simple in-memory implementation suitable for tests
// and early development. It enforces the same invariants as the Postgres
// repository: slug uniqueness among live tenants and one ledger entry per
// workflow id.
type MemoryRepository struct {
	mu        sync.RWMutex
	byID      map[uuid.UUID]service.Tenant
	workflows map[string]bool
}

// NewMemoryRepository constructs a MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:      make(map[uuid.UUID]service.Tenant),
		workflows: make(map[string]bool),
	}
}

func (r *MemoryRepository) Create(ctx context.Context, t service.Tenant, workflowID, workflowKind string) (service.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.byID {
		if existing.Slug == t.Slug && existing.DeletedAt == nil {
			return service.Tenant{}, service.ErrConflictSlug
		}
	}
	if r.workflows[workflowID] {
		return service.Tenant{}, service.ErrAlreadyInProgress
	}

	r.byID[t.ID] = t
	r.workflows[workflowID] = true
	return t, nil
}

func (r *MemoryRepository) Get(ctx context.Context, id uuid.UUID) (service.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.byID[id]
	if !ok || t.DeletedAt != nil {
		return service.Tenant{}, service.ErrNotFound
	}
	return t, nil
}

func (r *MemoryRepository) GetBySlug(ctx context.Context, slug string) (service.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, t := range r.byID {
		if t.Slug == slug && t.DeletedAt == nil {
			return t, nil
		}
	}
	return service.Tenant{}, service.ErrNotFound
}

func (r *MemoryRepository) List(ctx context.Context, opts service.ListOptions) (service.ListResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]service.Tenant, 0, len(r.byID))
	for _, t := range r.byID {
		if t.DeletedAt != nil {
			continue
		}
		if opts.Status != nil && t.Status != *opts.Status {
			continue
		}
		items = append(items, t)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })

	page := opts.Page
	if page < 1 {
		page = 1
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}

	start := (page - 1) * pageSize
	end := start + pageSize
	if start > len(items) {
		start = len(items)
	}
	if end > len(items) {
		end = len(items)
	}

	paged := items[start:end]
	totalPages := (len(items) + pageSize - 1) / pageSize

	return service.ListResult{
		Tenants:    paged,
		Page:       page,
		PageSize:   pageSize,
		TotalItems: len(items),
		TotalPages: totalPages,
	}, nil
}

func (r *MemoryRepository) UpdateDisplayName(ctx context.Context, id uuid.UUID, displayName *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byID[id]
	if !ok || t.DeletedAt != nil {
		return service.ErrNotFound
	}
	t.DisplayName = displayName
	r.byID[id] = t
	return nil
}

// SetStatus mirrors the status activity for tests that drive lifecycle
// transitions without a database.
func (r *MemoryRepository) SetStatus(id uuid.UUID, status string, isActive bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.byID[id]; ok {
		t.Status = status
		t.IsActive = isActive
		r.byID[id] = t
	}
}

var _ service.Repository = (*MemoryRepository)(nil)
