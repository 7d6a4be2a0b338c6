// Package provisioning contains the tenant lifecycle saga and the small,
// independently retryable activities it sequences. Activities hold every real
// side effect; the saga only orders them and tracks compensations.
package provisioning

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zenGate-Global/palmyra-tenancy/platform/go/persistence"
	"github.com/zenGate-Global/palmyra-tenancy/platform/go/workflow"
)

// Activities bundles the idempotent units the sagas execute. Each one can be
// called many times with the same input without changing the outcome beyond
// the first successful call, and each re-validates identifier arguments
// regardless of caller trust.
type Activities struct {
	schemaDB    *persistence.SchemaDB
	migrator    *persistence.TenantMigrator
	memberships *persistence.MembershipStore
	tenants     *persistence.TenantStore
	ledger      *persistence.LedgerStore
	logger      *zap.Logger
}

func NewActivities(
	schemaDB *persistence.SchemaDB,
	migrator *persistence.TenantMigrator,
	memberships *persistence.MembershipStore,
	tenants *persistence.TenantStore,
	ledger *persistence.LedgerStore,
	logger *zap.Logger,
) *Activities {
	if schemaDB == nil || migrator == nil || memberships == nil || tenants == nil || ledger == nil {
		panic("activities require all stores")
	}
	if logger == nil {
		panic("activities require logger")
	}
	return &Activities{
		schemaDB:    schemaDB,
		migrator:    migrator,
		memberships: memberships,
		tenants:     tenants,
		ledger:      ledger,
		logger:      logger,
	}
}

// CreateSchema creates the tenant schema if absent.
func (a *Activities) CreateSchema(ctx context.Context, schemaName string) error {
	if _, err := persistence.ValidateSchemaName(schemaName); err != nil {
		return workflow.Permanent(err)
	}
	return a.schemaDB.CreateSchema(ctx, schemaName)
}

// RunMigrations applies pending migrations scoped to the tenant schema only.
func (a *Activities) RunMigrations(ctx context.Context, schemaName string) error {
	if _, err := persistence.ValidateSchemaName(schemaName); err != nil {
		return workflow.Permanent(err)
	}
	applied, err := a.migrator.ApplyPending(ctx, schemaName)
	if err != nil {
		return err
	}
	if len(applied) > 0 {
		a.logger.Info("applied tenant migrations",
			zap.String("schema", schemaName),
			zap.Strings("versions", applied),
		)
	}
	return nil
}

// CreateInitialMembership inserts the admin's membership row if absent.
func (a *Activities) CreateInitialMembership(ctx context.Context, schemaName string, adminUserID uuid.UUID) error {
	if _, err := persistence.ValidateSchemaName(schemaName); err != nil {
		return workflow.Permanent(err)
	}
	if adminUserID == uuid.Nil {
		return workflow.Permanent(errors.New("admin user id is required"))
	}
	return a.memberships.EnsureAdmin(ctx, schemaName, adminUserID)
}

// UpdateTenantStatus overwrites the tenant's status and keeps is_active in
// step with it: only ready tenants are active.
func (a *Activities) UpdateTenantStatus(ctx context.Context, tenantID uuid.UUID, status string) error {
	return a.tenants.UpdateStatus(ctx, tenantID, status, status == TenantReady)
}

// SoftDeleteTenant marks the tenant deleted. Safe to repeat.
func (a *Activities) SoftDeleteTenant(ctx context.Context, tenantID uuid.UUID) error {
	return a.tenants.SoftDelete(ctx, tenantID)
}

// DropSchema drops the tenant schema if present. Used both as the
// create-schema compensation and as the first deprovisioning step.
func (a *Activities) DropSchema(ctx context.Context, schemaName string) error {
	if _, err := persistence.ValidateSchemaName(schemaName); err != nil {
		return workflow.Permanent(err)
	}
	return a.schemaDB.DropSchema(ctx, schemaName)
}

// UpdateLedgerStatus overwrites the run's ledger entry. A missing entry means
// the row was lost by a bug elsewhere; that is logged, not fatal.
func (a *Activities) UpdateLedgerStatus(ctx context.Context, workflowID, status string, errorMessage *string) error {
	found, err := a.ledger.Transition(ctx, workflowID, status, errorMessage)
	if err != nil {
		return fmt.Errorf("transition ledger %s: %w", workflowID, err)
	}
	if !found {
		a.logger.Warn("ledger entry missing for workflow",
			zap.String("workflow_id", workflowID),
			zap.String("status", status),
		)
	}
	return nil
}
