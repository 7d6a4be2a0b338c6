// Package service implements the tenant registry and the lifecycle
// orchestration surface: accept a provisioning request, hand it to the
// durable execution engine, and answer status queries from the local
// execution ledger.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zenGate-Global/palmyra-tenancy/domains/tenants/be/provisioning"
	"github.com/zenGate-Global/palmyra-tenancy/platform/go/persistence"
	"github.com/zenGate-Global/palmyra-tenancy/platform/go/workflow"
)

// Errors returned by the service layer.
var (
	ErrNotFound          = errors.New("tenant not found")
	ErrInvalidSlug       = errors.New("invalid slug")
	ErrConflictSlug      = errors.New("tenant slug already exists")
	ErrAlreadyInProgress = errors.New("provisioning already in progress")
	ErrAlreadyDone       = errors.New("workflow already completed")
	ErrNotRetryable      = errors.New("provisioning is not in a failed state")
	ErrNotReady          = errors.New("tenant is not ready")
	ErrRunNotFound       = errors.New("workflow run not found")
)

// Tenant is the domain model for a tenant registry entry. The schema name is
// always re-derived from the slug at the point of use, never carried as
// trusted state.
type Tenant struct {
	ID          uuid.UUID
	Slug        string
	DisplayName *string
	Status      string
	IsActive    bool
	DeletedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CreateInput is the request to register and provision a tenant.
type CreateInput struct {
	Slug        string
	DisplayName *string
	AdminUserID uuid.UUID
}

// UpdateInput holds the mutable registry fields.
type UpdateInput struct {
	DisplayName *string
}

// ListOptions captures filters and pagination.
type ListOptions struct {
	Page     int
	PageSize int
	Status   *string
}

// ListResult wraps paginated tenants.
type ListResult struct {
	Tenants    []Tenant
	Page       int
	PageSize   int
	TotalItems int
	TotalPages int
}

// RunStatus is the answer to a provisioning status query, read from the
// execution ledger.
type RunStatus struct {
	WorkflowID  string
	Kind        string
	Status      string
	Error       *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Repository abstracts tenant persistence.
type Repository interface {
	// Create inserts the tenant and its pending ledger entry in one local
	// transaction.
	Create(ctx context.Context, t Tenant, workflowID, workflowKind string) (Tenant, error)
	Get(ctx context.Context, id uuid.UUID) (Tenant, error)
	GetBySlug(ctx context.Context, slug string) (Tenant, error)
	List(ctx context.Context, opts ListOptions) (ListResult, error)
	UpdateDisplayName(ctx context.Context, id uuid.UUID, displayName *string) error
}

// Ledger abstracts the execution ledger.
type Ledger interface {
	CreatePending(ctx context.Context, workflowID, kind string, entityID uuid.UUID) error
	Transition(ctx context.Context, workflowID, status string, errorMessage *string) (bool, error)
	GetByWorkflowID(ctx context.Context, workflowID string) (persistence.LedgerRecord, error)
	ListByStatusOlderThan(ctx context.Context, status string, age time.Duration) ([]persistence.LedgerRecord, error)
}

// Workflows abstracts the durable execution engine. Status is a secondary
// source only; the ledger answers status queries first.
type Workflows interface {
	Start(ctx context.Context, id, kind string, input any) error
	Status(id string) (string, error)
}

// Memberships reads membership rows from tenant schemas.
type Memberships interface {
	List(ctx context.Context, schemaName string) ([]persistence.MembershipRecord, error)
}

// Service provides tenant registry and lifecycle operations.
type Service struct {
	repo        Repository
	ledger      Ledger
	engine      Workflows
	memberships Memberships
}

// New constructs a Service with required dependencies.
func New(repo Repository, ledger Ledger, engine Workflows, memberships Memberships) *Service {
	if repo == nil {
		panic("tenants repo is required")
	}
	if ledger == nil {
		panic("execution ledger is required")
	}
	if engine == nil {
		panic("workflow engine is required")
	}
	if memberships == nil {
		panic("membership reader is required")
	}
	return &Service{repo: repo, ledger: ledger, engine: engine, memberships: memberships}
}

// Create registers a tenant and kicks off its provisioning saga. The slug is
// validated and the schema name derived (and rejected) before any row is
// written or any workflow starts. The caller gets the workflow id back
// immediately; the terminal outcome is observable through Status only.
func (s *Service) Create(ctx context.Context, input CreateInput) (Tenant, string, error) {
	slug, err := persistence.NormalizeSlug(input.Slug)
	if err != nil {
		return Tenant{}, "", fmt.Errorf("%w: %v", ErrInvalidSlug, err)
	}
	schemaName, err := persistence.SchemaNameForSlug(slug)
	if err != nil {
		return Tenant{}, "", err
	}
	if input.AdminUserID == uuid.Nil {
		return Tenant{}, "", errors.New("admin user id is required")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Tenant{}, "", fmt.Errorf("generate tenant id: %w", err)
	}

	now := time.Now().UTC()
	t := Tenant{
		ID:          id,
		Slug:        slug,
		DisplayName: input.DisplayName,
		Status:      provisioning.TenantProvisioning,
		IsActive:    false,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	workflowID := provisioning.ProvisionWorkflowID(id)
	created, err := s.repo.Create(ctx, t, workflowID, provisioning.KindProvision)
	if err != nil {
		return Tenant{}, "", err
	}

	if err := s.startProvision(ctx, created, workflowID, input.AdminUserID, schemaName); err != nil {
		return Tenant{}, "", err
	}
	return created, workflowID, nil
}

// Provision starts the provisioning saga for an existing tenant. A second
// start for the same tenant id never forks a concurrent run: the ledger's
// uniqueness guard and the engine's active-run check both reject it.
func (s *Service) Provision(ctx context.Context, tenantID, adminUserID uuid.UUID) (string, error) {
	t, err := s.repo.Get(ctx, tenantID)
	if err != nil {
		return "", err
	}
	schemaName, err := persistence.SchemaNameForSlug(t.Slug)
	if err != nil {
		return "", err
	}

	workflowID := provisioning.ProvisionWorkflowID(tenantID)
	rec, err := s.ledger.GetByWorkflowID(ctx, workflowID)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		if err := s.ledger.CreatePending(ctx, workflowID, provisioning.KindProvision, tenantID); err != nil {
			if errors.Is(err, persistence.ErrDuplicateWorkflow) {
				return workflowID, ErrAlreadyInProgress
			}
			return "", err
		}
	case err != nil:
		return "", err
	default:
		switch rec.Status {
		case persistence.LedgerPending:
			// row exists but the run never started; start it now
		case persistence.LedgerRunning:
			return workflowID, ErrAlreadyInProgress
		case persistence.LedgerCompleted:
			return workflowID, ErrAlreadyDone
		default:
			return workflowID, ErrNotRetryable
		}
	}

	if err := s.startProvision(ctx, t, workflowID, adminUserID, schemaName); err != nil {
		return "", err
	}
	return workflowID, nil
}

// RetryProvisioning restarts a failed run. Only valid from ledger status
// failed; the same workflow id is reused and no new ledger row is created.
// The failed saga already compensated, so the retry starts from a clean
// slate.
func (s *Service) RetryProvisioning(ctx context.Context, tenantID, adminUserID uuid.UUID) (string, error) {
	t, err := s.repo.Get(ctx, tenantID)
	if err != nil {
		return "", err
	}
	schemaName, err := persistence.SchemaNameForSlug(t.Slug)
	if err != nil {
		return "", err
	}

	workflowID := provisioning.ProvisionWorkflowID(tenantID)
	rec, err := s.ledger.GetByWorkflowID(ctx, workflowID)
	if errors.Is(err, persistence.ErrNotFound) {
		return "", ErrRunNotFound
	}
	if err != nil {
		return "", err
	}
	if rec.Status != persistence.LedgerFailed {
		return "", ErrNotRetryable
	}

	if _, err := s.ledger.Transition(ctx, workflowID, persistence.LedgerPending, nil); err != nil {
		return "", err
	}
	if err := s.startProvision(ctx, t, workflowID, adminUserID, schemaName); err != nil {
		return "", err
	}
	return workflowID, nil
}

// Deprovision starts the teardown saga: drop the tenant schema, soft-delete
// the registry row, mark the ledger. The teardown has its own workflow id so
// the ledger keeps both runs.
func (s *Service) Deprovision(ctx context.Context, tenantID uuid.UUID) (string, error) {
	t, err := s.repo.Get(ctx, tenantID)
	if err != nil {
		return "", err
	}
	schemaName, err := persistence.SchemaNameForSlug(t.Slug)
	if err != nil {
		return "", err
	}

	workflowID := provisioning.DeprovisionWorkflowID(tenantID)
	if err := s.ledger.CreatePending(ctx, workflowID, provisioning.KindDeprovision, tenantID); err != nil {
		if errors.Is(err, persistence.ErrDuplicateWorkflow) {
			return workflowID, ErrAlreadyInProgress
		}
		return "", err
	}

	input := provisioning.SagaInput{TenantID: tenantID, SchemaName: schemaName}
	if err := s.engine.Start(ctx, workflowID, provisioning.KindDeprovision, input); err != nil {
		if errors.Is(err, workflow.ErrDuplicateWorkflow) {
			return workflowID, ErrAlreadyInProgress
		}
		return "", err
	}
	return workflowID, nil
}

// Status answers a provisioning status query. The ledger is the primary
// source; the engine is consulted only when the ledger has no row, and its
// unavailability never blocks the read.
func (s *Service) Status(ctx context.Context, workflowID string) (RunStatus, error) {
	rec, err := s.ledger.GetByWorkflowID(ctx, workflowID)
	if err == nil {
		return RunStatus{
			WorkflowID:  rec.WorkflowID,
			Kind:        rec.Kind,
			Status:      rec.Status,
			Error:       rec.ErrorMessage,
			StartedAt:   rec.StartedAt,
			CompletedAt: rec.CompletedAt,
		}, nil
	}
	if !errors.Is(err, persistence.ErrNotFound) {
		return RunStatus{}, err
	}

	engineStatus, engineErr := s.engine.Status(workflowID)
	if engineErr != nil {
		return RunStatus{}, ErrRunNotFound
	}
	return RunStatus{WorkflowID: workflowID, Status: engineStatus}, nil
}

// ListStuckRuns returns runs sitting in pending or running longer than age.
func (s *Service) ListStuckRuns(ctx context.Context, age time.Duration) ([]persistence.LedgerRecord, error) {
	stuck, err := s.ledger.ListByStatusOlderThan(ctx, persistence.LedgerPending, age)
	if err != nil {
		return nil, err
	}
	running, err := s.ledger.ListByStatusOlderThan(ctx, persistence.LedgerRunning, age)
	if err != nil {
		return nil, err
	}
	return append(stuck, running...), nil
}

// List tenants with optional status filter.
func (s *Service) List(ctx context.Context, opts ListOptions) (ListResult, error) {
	return s.repo.List(ctx, opts)
}

// Get returns a live tenant by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Tenant, error) {
	return s.repo.Get(ctx, id)
}

// GetBySlug returns a live tenant by slug.
func (s *Service) GetBySlug(ctx context.Context, slug string) (Tenant, error) {
	normalized, err := persistence.NormalizeSlug(slug)
	if err != nil {
		return Tenant{}, fmt.Errorf("%w: %v", ErrInvalidSlug, err)
	}
	return s.repo.GetBySlug(ctx, normalized)
}

// Update modifies mutable registry fields.
func (s *Service) Update(ctx context.Context, id uuid.UUID, input UpdateInput) (Tenant, error) {
	if input.DisplayName != nil {
		if err := s.repo.UpdateDisplayName(ctx, id, input.DisplayName); err != nil {
			return Tenant{}, err
		}
	}
	return s.repo.Get(ctx, id)
}

// ListMemberships reads the memberships of a ready tenant through the
// tenant-scoped routing layer.
func (s *Service) ListMemberships(ctx context.Context, tenantID uuid.UUID) ([]persistence.MembershipRecord, error) {
	t, err := s.repo.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if t.Status != provisioning.TenantReady || !t.IsActive {
		return nil, ErrNotReady
	}
	schemaName, err := persistence.SchemaNameForSlug(t.Slug)
	if err != nil {
		return nil, err
	}
	return s.memberships.List(ctx, schemaName)
}

func (s *Service) startProvision(ctx context.Context, t Tenant, workflowID string, adminUserID uuid.UUID, schemaName string) error {
	input := provisioning.SagaInput{
		TenantID:    t.ID,
		SchemaName:  schemaName,
		AdminUserID: adminUserID,
	}
	if err := s.engine.Start(ctx, workflowID, provisioning.KindProvision, input); err != nil {
		if errors.Is(err, workflow.ErrDuplicateWorkflow) {
			return ErrAlreadyInProgress
		}
		return fmt.Errorf("start provisioning workflow: %w", err)
	}
	return nil
}
