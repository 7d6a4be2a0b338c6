package provisioning

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zenGate-Global/palmyra-tenancy/platform/go/workflow"
)

// scriptedSteps records the order of step invocations and fails the steps it
// was told to fail. Failures are wrapped as permanent so tests do not sit
// through retry backoff.
type scriptedSteps struct {
	mu       sync.Mutex
	calls    []string
	failures map[string]error

	ledgerStatuses []string
	ledgerError    *string
}

func newScriptedSteps() *scriptedSteps {
	return &scriptedSteps{failures: make(map[string]error)}
}

func (s *scriptedSteps) failOn(step string, err error) {
	s.failures[step] = err
}

func (s *scriptedSteps) record(step string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, step)
	if err, ok := s.failures[step]; ok {
		return workflow.Permanent(err)
	}
	return nil
}

func (s *scriptedSteps) callOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *scriptedSteps) CreateSchema(ctx context.Context, schemaName string) error {
	return s.record("create_schema")
}

func (s *scriptedSteps) RunMigrations(ctx context.Context, schemaName string) error {
	return s.record("run_migrations")
}

func (s *scriptedSteps) CreateInitialMembership(ctx context.Context, schemaName string, adminUserID uuid.UUID) error {
	return s.record("create_initial_membership")
}

func (s *scriptedSteps) UpdateTenantStatus(ctx context.Context, tenantID uuid.UUID, status string) error {
	return s.record("tenant_status:" + status)
}

func (s *scriptedSteps) SoftDeleteTenant(ctx context.Context, tenantID uuid.UUID) error {
	return s.record("soft_delete_tenant")
}

func (s *scriptedSteps) DropSchema(ctx context.Context, schemaName string) error {
	return s.record("drop_schema")
}

func (s *scriptedSteps) UpdateLedgerStatus(ctx context.Context, workflowID, status string, errorMessage *string) error {
	s.mu.Lock()
	s.ledgerStatuses = append(s.ledgerStatuses, status)
	if errorMessage != nil {
		s.ledgerError = errorMessage
	}
	s.mu.Unlock()
	return s.record("ledger:" + status)
}

func runSaga(t *testing.T, steps *scriptedSteps, kind string) error {
	t.Helper()

	engine := workflow.NewEngine(zap.NewNop())
	saga := NewSaga(steps, zap.NewNop())
	saga.RegisterWith(engine)

	tenantID := uuid.Must(uuid.NewV7())
	input := SagaInput{
		TenantID:    tenantID,
		SchemaName:  "tenant_acme",
		AdminUserID: uuid.New(),
	}

	var workflowID string
	if kind == KindProvision {
		workflowID = ProvisionWorkflowID(tenantID)
	} else {
		workflowID = DeprovisionWorkflowID(tenantID)
	}

	handle, err := engine.Start(context.Background(), workflowID, kind, input)
	require.NoError(t, err)
	return handle.Await(context.Background())
}

func TestProvisionHappyPathOrder(t *testing.T) {
	t.Parallel()

	steps := newScriptedSteps()
	require.NoError(t, runSaga(t, steps, KindProvision))

	require.Equal(t, []string{
		"ledger:running",
		"create_schema",
		"run_migrations",
		"create_initial_membership",
		"tenant_status:ready",
		"ledger:completed",
	}, steps.callOrder())
	require.Nil(t, steps.ledgerError)
}

func TestProvisionMigrationFailureCompensates(t *testing.T) {
	t.Parallel()

	steps := newScriptedSteps()
	cause := errors.New("migration 0002 failed")
	steps.failOn("run_migrations", cause)

	err := runSaga(t, steps, KindProvision)
	require.ErrorIs(t, err, cause)

	require.Equal(t, []string{
		"ledger:running",
		"create_schema",
		"run_migrations",
		"drop_schema",
		"tenant_status:failed",
		"ledger:failed",
	}, steps.callOrder())

	require.NotNil(t, steps.ledgerError)
	require.Contains(t, *steps.ledgerError, "migration 0002 failed")
}

func TestProvisionMembershipFailureCompensates(t *testing.T) {
	t.Parallel()

	steps := newScriptedSteps()
	steps.failOn("create_initial_membership", errors.New("memberships table missing"))

	err := runSaga(t, steps, KindProvision)
	require.Error(t, err)

	require.Equal(t, []string{
		"ledger:running",
		"create_schema",
		"run_migrations",
		"create_initial_membership",
		"drop_schema",
		"tenant_status:failed",
		"ledger:failed",
	}, steps.callOrder())
}

func TestProvisionCreateSchemaFailureHasNothingToCompensate(t *testing.T) {
	t.Parallel()

	steps := newScriptedSteps()
	steps.failOn("create_schema", errors.New("permission denied"))

	err := runSaga(t, steps, KindProvision)
	require.Error(t, err)

	// The compensation stack was empty: drop_schema is only pushed after
	// create_schema succeeds.
	require.Equal(t, []string{
		"ledger:running",
		"create_schema",
		"tenant_status:failed",
		"ledger:failed",
	}, steps.callOrder())
}

func TestProvisionCompensationFailureDoesNotMaskCause(t *testing.T) {
	t.Parallel()

	steps := newScriptedSteps()
	cause := errors.New("migration exploded")
	steps.failOn("run_migrations", cause)
	steps.failOn("drop_schema", errors.New("drop also failed"))

	err := runSaga(t, steps, KindProvision)
	require.ErrorIs(t, err, cause)

	require.NotNil(t, steps.ledgerError)
	require.Contains(t, *steps.ledgerError, "migration exploded")
}

func TestDeprovisionHappyPathOrder(t *testing.T) {
	t.Parallel()

	steps := newScriptedSteps()
	require.NoError(t, runSaga(t, steps, KindDeprovision))

	require.Equal(t, []string{
		"ledger:running",
		"drop_schema",
		"soft_delete_tenant",
		"ledger:completed",
	}, steps.callOrder())
}

func TestDeprovisionDropFailureStopsBeforeSoftDelete(t *testing.T) {
	t.Parallel()

	steps := newScriptedSteps()
	cause := errors.New("schema locked")
	steps.failOn("drop_schema", cause)

	err := runSaga(t, steps, KindDeprovision)
	require.ErrorIs(t, err, cause)

	require.Equal(t, []string{
		"ledger:running",
		"drop_schema",
		"ledger:failed",
	}, steps.callOrder())
	require.NotNil(t, steps.ledgerError)
	require.Contains(t, *steps.ledgerError, "schema locked")
}

func TestWorkflowIDsDeriveFromTenantID(t *testing.T) {
	t.Parallel()

	id := uuid.Must(uuid.NewV7())
	require.Equal(t, "tenant-provision-"+id.String(), ProvisionWorkflowID(id))
	require.Equal(t, "tenant-deprovision-"+id.String(), DeprovisionWorkflowID(id))
	require.NotEqual(t, ProvisionWorkflowID(id), DeprovisionWorkflowID(id))
}
