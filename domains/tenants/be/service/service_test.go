package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/zenGate-Global/palmyra-tenancy/domains/tenants/be/provisioning"
	"github.com/zenGate-Global/palmyra-tenancy/domains/tenants/be/repo"
	"github.com/zenGate-Global/palmyra-tenancy/domains/tenants/be/service"
	"github.com/zenGate-Global/palmyra-tenancy/platform/go/persistence"
)

// fakeLedger keeps ledger rows in memory with the same uniqueness and
// transition semantics as the Postgres store.
type fakeLedger struct {
	mu      sync.Mutex
	records map[string]persistence.LedgerRecord
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{records: make(map[string]persistence.LedgerRecord)}
}

func (l *fakeLedger) CreatePending(ctx context.Context, workflowID, kind string, entityID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[workflowID]; ok {
		return persistence.ErrDuplicateWorkflow
	}
	l.records[workflowID] = persistence.LedgerRecord{
		WorkflowID: workflowID,
		Kind:       kind,
		EntityID:   entityID,
		Status:     persistence.LedgerPending,
		CreatedAt:  time.Now().UTC(),
	}
	return nil
}

func (l *fakeLedger) Transition(ctx context.Context, workflowID, status string, errorMessage *string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[workflowID]
	if !ok {
		return false, nil
	}
	rec.Status = status
	rec.ErrorMessage = errorMessage
	if status == persistence.LedgerPending {
		rec.StartedAt = nil
		rec.CompletedAt = nil
		rec.ErrorMessage = nil
	}
	l.records[workflowID] = rec
	return true, nil
}

func (l *fakeLedger) GetByWorkflowID(ctx context.Context, workflowID string) (persistence.LedgerRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[workflowID]
	if !ok {
		return persistence.LedgerRecord{}, persistence.ErrNotFound
	}
	return rec, nil
}

func (l *fakeLedger) ListByStatusOlderThan(ctx context.Context, status string, age time.Duration) ([]persistence.LedgerRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().UTC().Add(-age)
	var out []persistence.LedgerRecord
	for _, rec := range l.records {
		if rec.Status == status && rec.CreatedAt.Before(cutoff) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (l *fakeLedger) setStatus(workflowID, status string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.records[workflowID]
	rec.Status = status
	l.records[workflowID] = rec
}

// fakeEngine records started workflows instead of running them.
type fakeEngine struct {
	mu        sync.Mutex
	started   []string
	startErr  error
	status    string
	statusErr error
}

func (e *fakeEngine) Start(ctx context.Context, id, kind string, input any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return e.startErr
	}
	e.started = append(e.started, id)
	return nil
}

func (e *fakeEngine) Status(id string) (string, error) {
	if e.statusErr != nil {
		return "", e.statusErr
	}
	return e.status, nil
}

func (e *fakeEngine) startCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.started)
}

type fakeMemberships struct {
	records []persistence.MembershipRecord
	schemas []string
}

func (m *fakeMemberships) List(ctx context.Context, schemaName string) ([]persistence.MembershipRecord, error) {
	m.schemas = append(m.schemas, schemaName)
	return m.records, nil
}

// ledgerCreatingRepo mirrors the Postgres repository's atomic create: the
// tenant row and its pending ledger entry appear together.
type ledgerCreatingRepo struct {
	*repo.MemoryRepository
	ledger *fakeLedger
}

func (r *ledgerCreatingRepo) Create(ctx context.Context, t service.Tenant, workflowID, workflowKind string) (service.Tenant, error) {
	created, err := r.MemoryRepository.Create(ctx, t, workflowID, workflowKind)
	if err != nil {
		return service.Tenant{}, err
	}
	if err := r.ledger.CreatePending(ctx, workflowID, workflowKind, t.ID); err != nil {
		return service.Tenant{}, err
	}
	return created, nil
}

type fixture struct {
	svc         *service.Service
	repo        *repo.MemoryRepository
	ledger      *fakeLedger
	engine      *fakeEngine
	memberships *fakeMemberships
}

func newFixture() *fixture {
	f := &fixture{
		repo:        repo.NewMemoryRepository(),
		ledger:      newFakeLedger(),
		engine:      &fakeEngine{},
		memberships: &fakeMemberships{},
	}
	f.svc = service.New(&ledgerCreatingRepo{MemoryRepository: f.repo, ledger: f.ledger}, f.ledger, f.engine, f.memberships)
	return f
}

func (f *fixture) createTenant(t *testing.T, slug string) (service.Tenant, string) {
	t.Helper()
	tenant, workflowID, err := f.svc.Create(context.Background(), service.CreateInput{
		Slug:        slug,
		AdminUserID: uuid.New(),
	})
	require.NoError(t, err)
	return tenant, workflowID
}

func TestCreateStartsProvisioning(t *testing.T) {
	t.Parallel()

	f := newFixture()
	tenant, workflowID, err := f.svc.Create(context.Background(), service.CreateInput{
		Slug:        "  Acme-Co ",
		AdminUserID: uuid.New(),
	})
	require.NoError(t, err)
	require.Equal(t, "acme-co", tenant.Slug)
	require.Equal(t, provisioning.TenantProvisioning, tenant.Status)
	require.False(t, tenant.IsActive)
	require.Equal(t, provisioning.ProvisionWorkflowID(tenant.ID), workflowID)
	require.Equal(t, 1, f.engine.startCount())
}

func TestCreateRejectsInvalidSlugBeforeAnySideEffect(t *testing.T) {
	t.Parallel()

	for _, slug := range []string{"", "Bad_Slug!", "public", "PUBLIC", "pg-data", "-leading"} {
		f := newFixture()
		_, _, err := f.svc.Create(context.Background(), service.CreateInput{
			Slug:        slug,
			AdminUserID: uuid.New(),
		})
		require.Error(t, err, "slug %q", slug)
		require.Zero(t, f.engine.startCount(), "slug %q", slug)

		result, listErr := f.svc.List(context.Background(), service.ListOptions{})
		require.NoError(t, listErr)
		require.Zero(t, result.TotalItems, "slug %q", slug)
	}
}

func TestCreateRejectsReservedSlugAsInvalidIdentifier(t *testing.T) {
	t.Parallel()

	f := newFixture()
	_, _, err := f.svc.Create(context.Background(), service.CreateInput{
		Slug:        "public",
		AdminUserID: uuid.New(),
	})
	require.ErrorIs(t, err, persistence.ErrInvalidIdentifier)
}

func TestCreateConflictingSlug(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.createTenant(t, "acme")

	_, _, err := f.svc.Create(context.Background(), service.CreateInput{
		Slug:        "acme",
		AdminUserID: uuid.New(),
	})
	require.ErrorIs(t, err, service.ErrConflictSlug)
	require.Equal(t, 1, f.engine.startCount())
}

func TestProvisionDuplicateStates(t *testing.T) {
	t.Parallel()

	f := newFixture()
	tenant, workflowID := f.createTenant(t, "acme")
	adminID := uuid.New()

	f.ledger.setStatus(workflowID, persistence.LedgerRunning)
	_, err := f.svc.Provision(context.Background(), tenant.ID, adminID)
	require.ErrorIs(t, err, service.ErrAlreadyInProgress)

	f.ledger.setStatus(workflowID, persistence.LedgerCompleted)
	_, err = f.svc.Provision(context.Background(), tenant.ID, adminID)
	require.ErrorIs(t, err, service.ErrAlreadyDone)

	f.ledger.setStatus(workflowID, persistence.LedgerFailed)
	_, err = f.svc.Provision(context.Background(), tenant.ID, adminID)
	require.ErrorIs(t, err, service.ErrNotRetryable)

	// Only the Create call reached the engine.
	require.Equal(t, 1, f.engine.startCount())
}

func TestProvisionRestartsPendingRun(t *testing.T) {
	t.Parallel()

	f := newFixture()
	tenant, workflowID := f.createTenant(t, "acme")

	got, err := f.svc.Provision(context.Background(), tenant.ID, uuid.New())
	require.NoError(t, err)
	require.Equal(t, workflowID, got)
	require.Equal(t, 2, f.engine.startCount())
}

func TestRetryProvisioningOnlyFromFailed(t *testing.T) {
	t.Parallel()

	f := newFixture()
	tenant, workflowID := f.createTenant(t, "acme")

	_, err := f.svc.RetryProvisioning(context.Background(), tenant.ID, uuid.New())
	require.ErrorIs(t, err, service.ErrNotRetryable)

	f.ledger.setStatus(workflowID, persistence.LedgerFailed)
	got, err := f.svc.RetryProvisioning(context.Background(), tenant.ID, uuid.New())
	require.NoError(t, err)
	require.Equal(t, workflowID, got)

	// The retry reset the ledger row instead of minting a new workflow id.
	rec, err := f.ledger.GetByWorkflowID(context.Background(), workflowID)
	require.NoError(t, err)
	require.Equal(t, persistence.LedgerPending, rec.Status)
	require.Equal(t, 2, f.engine.startCount())
}

func TestRetryProvisioningUnknownTenant(t *testing.T) {
	t.Parallel()

	f := newFixture()
	_, err := f.svc.RetryProvisioning(context.Background(), uuid.New(), uuid.New())
	require.ErrorIs(t, err, service.ErrNotFound)
}

func TestDeprovisionStartsTeardown(t *testing.T) {
	t.Parallel()

	f := newFixture()
	tenant, _ := f.createTenant(t, "acme")

	workflowID, err := f.svc.Deprovision(context.Background(), tenant.ID)
	require.NoError(t, err)
	require.Equal(t, provisioning.DeprovisionWorkflowID(tenant.ID), workflowID)

	_, err = f.svc.Deprovision(context.Background(), tenant.ID)
	require.ErrorIs(t, err, service.ErrAlreadyInProgress)
}

func TestStatusReadsLedgerFirst(t *testing.T) {
	t.Parallel()

	f := newFixture()
	_, workflowID := f.createTenant(t, "acme")

	message := "migration failed"
	f.ledger.setStatus(workflowID, persistence.LedgerFailed)
	_, err := f.ledger.Transition(context.Background(), workflowID, persistence.LedgerFailed, &message)
	require.NoError(t, err)

	// The engine being unreachable must not block the read.
	f.engine.statusErr = errors.New("engine down")

	status, err := f.svc.Status(context.Background(), workflowID)
	require.NoError(t, err)
	require.Equal(t, workflowID, status.WorkflowID)
	require.Equal(t, provisioning.KindProvision, status.Kind)
	require.Equal(t, persistence.LedgerFailed, status.Status)
	require.NotNil(t, status.Error)
	require.Equal(t, message, *status.Error)
}

func TestStatusFallsBackToEngine(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.engine.status = "running"

	status, err := f.svc.Status(context.Background(), "tenant-provision-"+uuid.NewString())
	require.NoError(t, err)
	require.Equal(t, "running", status.Status)
}

func TestStatusUnknownEverywhere(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.engine.statusErr = errors.New("unknown workflow")

	_, err := f.svc.Status(context.Background(), "tenant-provision-"+uuid.NewString())
	require.ErrorIs(t, err, service.ErrRunNotFound)
}

func TestListMembershipsRequiresReadyTenant(t *testing.T) {
	t.Parallel()

	f := newFixture()
	tenant, _ := f.createTenant(t, "acme-co")

	_, err := f.svc.ListMemberships(context.Background(), tenant.ID)
	require.ErrorIs(t, err, service.ErrNotReady)

	f.repo.SetStatus(tenant.ID, provisioning.TenantReady, true)
	f.memberships.records = []persistence.MembershipRecord{{
		ID:     uuid.New(),
		UserID: uuid.New(),
		Role:   "admin",
	}}

	records, err := f.svc.ListMemberships(context.Background(), tenant.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, []string{"tenant_acme_co"}, f.memberships.schemas)
}

func TestUpdateDisplayName(t *testing.T) {
	t.Parallel()

	f := newFixture()
	tenant, _ := f.createTenant(t, "acme")

	name := "Acme Corp"
	updated, err := f.svc.Update(context.Background(), tenant.ID, service.UpdateInput{DisplayName: &name})
	require.NoError(t, err)
	require.NotNil(t, updated.DisplayName)
	require.Equal(t, name, *updated.DisplayName)
}

func TestGetBySlugNormalizesInput(t *testing.T) {
	t.Parallel()

	f := newFixture()
	tenant, _ := f.createTenant(t, "acme-co")

	got, err := f.svc.GetBySlug(context.Background(), "  Acme-Co ")
	require.NoError(t, err)
	require.Equal(t, tenant.ID, got.ID)

	_, err = f.svc.GetBySlug(context.Background(), "not_a_slug!")
	require.ErrorIs(t, err, service.ErrInvalidSlug)
}
