package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zenGate-Global/palmyra-tenancy/platform/go/persistence"
	"github.com/zenGate-Global/palmyra-tenancy/platform/go/workflow"
)

// Tenant lifecycle statuses. ready implies the schema exists with all
// migrations applied; failed and deleted imply inactive.
const (
	TenantProvisioning = "provisioning"
	TenantReady        = "ready"
	TenantFailed       = "failed"
	TenantDeleted      = "deleted"
)

// Workflow kinds registered with the execution engine.
const (
	KindProvision   = "tenant-provision"
	KindDeprovision = "tenant-deprovision"
)

// ProvisionWorkflowID derives the durable id for a tenant's provisioning run.
// It is derived from the tenant's id, never its slug: slugs can be reused
// after deletion, ids cannot, so the ledger's uniqueness guard stays sound.
func ProvisionWorkflowID(tenantID uuid.UUID) string {
	return KindProvision + "-" + tenantID.String()
}

// DeprovisionWorkflowID derives the durable id for a tenant's teardown run.
func DeprovisionWorkflowID(tenantID uuid.UUID) string {
	return KindDeprovision + "-" + tenantID.String()
}

// SagaInput is the workflow argument for both sagas.
type SagaInput struct {
	TenantID    uuid.UUID
	SchemaName  string
	AdminUserID uuid.UUID
}

// Activity execution bounds. DDL and DML are quick; migrations get room.
var (
	ddlOptions = workflow.ActivityOptions{Timeout: 30 * time.Second}
	dmlOptions = workflow.ActivityOptions{Timeout: 10 * time.Second}
	migrateOptions = workflow.ActivityOptions{
		Timeout: 2 * time.Minute,
		Retry: workflow.RetryPolicy{
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			MaxAttempts:     3,
		},
	}
)

// Steps is the set of idempotent activities the sagas sequence. Implemented
// by Activities; narrowed to an interface so failure injection in tests does
// not need a database.
type Steps interface {
	CreateSchema(ctx context.Context, schemaName string) error
	RunMigrations(ctx context.Context, schemaName string) error
	CreateInitialMembership(ctx context.Context, schemaName string, adminUserID uuid.UUID) error
	UpdateTenantStatus(ctx context.Context, tenantID uuid.UUID, status string) error
	SoftDeleteTenant(ctx context.Context, tenantID uuid.UUID) error
	DropSchema(ctx context.Context, schemaName string) error
	UpdateLedgerStatus(ctx context.Context, workflowID, status string, errorMessage *string) error
}

var _ Steps = (*Activities)(nil)

// Saga sequences the lifecycle activities and drives reverse-order
// compensation when a forward step fails permanently.
type Saga struct {
	steps  Steps
	logger *zap.Logger
}

func NewSaga(steps Steps, logger *zap.Logger) *Saga {
	if steps == nil {
		panic("saga requires activities")
	}
	if logger == nil {
		panic("saga requires logger")
	}
	return &Saga{steps: steps, logger: logger}
}

// RegisterWith binds both workflow kinds to the engine.
func (s *Saga) RegisterWith(engine *workflow.Engine) {
	engine.Register(KindProvision, s.Provision)
	engine.Register(KindDeprovision, s.Deprovision)
}

// compensation is one entry on the undo stack: the inverse of a forward step
// that has provably succeeded. The list is data appended only after success,
// never speculatively, so a partially-applied step can never leave a dangling
// compensation that assumes full completion.
type compensation struct {
	name string
	undo func(ctx context.Context) error
}

// Provision runs: ledger running → create schema → migrate → initial
// membership → tenant ready → ledger completed. On any step's unrecoverable
// failure the accumulated compensations run in reverse order, the tenant and
// ledger are marked failed, and the original error is re-surfaced.
func (s *Saga) Provision(ctx context.Context, run *workflow.Run, input any) error {
	in, ok := input.(SagaInput)
	if !ok {
		return fmt.Errorf("provision workflow: unexpected input %T", input)
	}

	if err := run.Execute(ctx, "update_ledger_status", dmlOptions, func(ctx context.Context) error {
		return s.steps.UpdateLedgerStatus(ctx, run.ID(), persistence.LedgerRunning, nil)
	}); err != nil {
		return s.fail(ctx, run, in, nil, err)
	}

	var undo []compensation

	if err := run.Execute(ctx, "create_schema", ddlOptions, func(ctx context.Context) error {
		return s.steps.CreateSchema(ctx, in.SchemaName)
	}); err != nil {
		return s.fail(ctx, run, in, undo, err)
	}
	undo = append(undo, compensation{name: "drop_schema", undo: func(ctx context.Context) error {
		return s.steps.DropSchema(ctx, in.SchemaName)
	}})

	if err := run.Execute(ctx, "run_migrations", migrateOptions, func(ctx context.Context) error {
		return s.steps.RunMigrations(ctx, in.SchemaName)
	}); err != nil {
		return s.fail(ctx, run, in, undo, err)
	}

	if err := run.Execute(ctx, "create_initial_membership", dmlOptions, func(ctx context.Context) error {
		return s.steps.CreateInitialMembership(ctx, in.SchemaName, in.AdminUserID)
	}); err != nil {
		return s.fail(ctx, run, in, undo, err)
	}

	if err := run.Execute(ctx, "update_tenant_status", dmlOptions, func(ctx context.Context) error {
		return s.steps.UpdateTenantStatus(ctx, in.TenantID, TenantReady)
	}); err != nil {
		return s.fail(ctx, run, in, undo, err)
	}

	if err := run.Execute(ctx, "update_ledger_status", dmlOptions, func(ctx context.Context) error {
		return s.steps.UpdateLedgerStatus(ctx, run.ID(), persistence.LedgerCompleted, nil)
	}); err != nil {
		// The tenant is ready; a failure to record completion is an
		// observability gap, not a provisioning failure.
		s.logger.Error("record provisioning completion",
			zap.String("workflow_id", run.ID()),
			zap.Error(err),
		)
	}

	return nil
}

// fail runs the compensation stack in reverse, marks the tenant and ledger
// failed, and returns the original cause. Compensation failures are logged,
// never re-raised: best-effort cleanup must not mask the original signal.
func (s *Saga) fail(ctx context.Context, run *workflow.Run, in SagaInput, undo []compensation, cause error) error {
	s.logger.Error("provisioning step failed, compensating",
		zap.String("workflow_id", run.ID()),
		zap.Int("compensations", len(undo)),
		zap.Error(cause),
	)

	for i := len(undo) - 1; i >= 0; i-- {
		comp := undo[i]
		if err := run.Execute(ctx, comp.name, ddlOptions, comp.undo); err != nil {
			s.logger.Error("compensation failed",
				zap.String("workflow_id", run.ID()),
				zap.String("compensation", comp.name),
				zap.Error(err),
			)
		}
	}

	if err := run.Execute(ctx, "update_tenant_status", dmlOptions, func(ctx context.Context) error {
		return s.steps.UpdateTenantStatus(ctx, in.TenantID, TenantFailed)
	}); err != nil && !errors.Is(err, persistence.ErrNotFound) {
		s.logger.Error("mark tenant failed",
			zap.String("workflow_id", run.ID()),
			zap.Error(err),
		)
	}

	message := cause.Error()
	if err := run.Execute(ctx, "update_ledger_status", dmlOptions, func(ctx context.Context) error {
		return s.steps.UpdateLedgerStatus(ctx, run.ID(), persistence.LedgerFailed, &message)
	}); err != nil {
		s.logger.Error("mark ledger failed",
			zap.String("workflow_id", run.ID()),
			zap.Error(err),
		)
	}

	return cause
}

// Deprovision is the structural mirror of Provision without a compensation
// branch: it is itself the terminal cleanup. Drop schema, soft-delete the
// tenant, mark the ledger. A partial failure is reported through the ledger
// but the tenant stays deleted once soft-deleted, so a half-torn-down tenant
// is never resurrected.
func (s *Saga) Deprovision(ctx context.Context, run *workflow.Run, input any) error {
	in, ok := input.(SagaInput)
	if !ok {
		return fmt.Errorf("deprovision workflow: unexpected input %T", input)
	}

	if err := run.Execute(ctx, "update_ledger_status", dmlOptions, func(ctx context.Context) error {
		return s.steps.UpdateLedgerStatus(ctx, run.ID(), persistence.LedgerRunning, nil)
	}); err != nil {
		return s.reportTeardownFailure(ctx, run, err)
	}

	if err := run.Execute(ctx, "drop_schema", ddlOptions, func(ctx context.Context) error {
		return s.steps.DropSchema(ctx, in.SchemaName)
	}); err != nil {
		return s.reportTeardownFailure(ctx, run, err)
	}

	if err := run.Execute(ctx, "soft_delete_tenant", dmlOptions, func(ctx context.Context) error {
		return s.steps.SoftDeleteTenant(ctx, in.TenantID)
	}); err != nil {
		return s.reportTeardownFailure(ctx, run, err)
	}

	if err := run.Execute(ctx, "update_ledger_status", dmlOptions, func(ctx context.Context) error {
		return s.steps.UpdateLedgerStatus(ctx, run.ID(), persistence.LedgerCompleted, nil)
	}); err != nil {
		s.logger.Error("record deprovisioning completion",
			zap.String("workflow_id", run.ID()),
			zap.Error(err),
		)
	}

	return nil
}

func (s *Saga) reportTeardownFailure(ctx context.Context, run *workflow.Run, cause error) error {
	message := cause.Error()
	if err := run.Execute(ctx, "update_ledger_status", dmlOptions, func(ctx context.Context) error {
		return s.steps.UpdateLedgerStatus(ctx, run.ID(), persistence.LedgerFailed, &message)
	}); err != nil {
		s.logger.Error("mark ledger failed",
			zap.String("workflow_id", run.ID()),
			zap.Error(err),
		)
	}
	return cause
}
