package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Ledger statuses. A run is created pending, moves to running with the first
// saga step, and ends completed or failed.
const (
	LedgerPending   = "pending"
	LedgerRunning   = "running"
	LedgerCompleted = "completed"
	LedgerFailed    = "failed"
)

const ledgerColumns = "workflow_id, kind, entity_id, status, started_at, completed_at, error_message, created_at"

// LedgerRecord is a row in the workflow_executions table: the durable record
// of one saga run, kept outside the execution engine's own history so status
// reads never depend on the engine being reachable.
type LedgerRecord struct {
	WorkflowID   string
	Kind         string
	EntityID     uuid.UUID
	Status       string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage *string
	CreatedAt    time.Time
}

// LedgerStore provides access to the workflow_executions table.
type LedgerStore struct {
	db *SchemaDB
}

func NewLedgerStore(db *SchemaDB) *LedgerStore {
	if db == nil {
		panic("ledger store requires schema db")
	}
	return &LedgerStore{db: db}
}

// CreatePending records a new run in pending state. The primary key on
// workflow_id is the idempotency guard: a second insert for the same id fails
// with ErrDuplicateWorkflow even under concurrent callers.
func (s *LedgerStore) CreatePending(ctx context.Context, workflowID, kind string, entityID uuid.UUID) error {
	return s.db.WithShared(ctx, func(tx pgx.Tx) error {
		return insertPendingLedger(ctx, tx, LedgerRecord{
			WorkflowID: workflowID,
			Kind:       kind,
			EntityID:   entityID,
		})
	})
}

func insertPendingLedger(ctx context.Context, tx pgx.Tx, rec LedgerRecord) error {
	_, err := tx.Exec(ctx, `
        INSERT INTO workflow_executions (workflow_id, kind, entity_id, status, created_at)
        VALUES ($1, $2, $3, $4, NOW())`,
		rec.WorkflowID, rec.Kind, rec.EntityID, LedgerPending)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrDuplicateWorkflow, rec.WorkflowID)
		}
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// Transition overwrites the run's status. Moving to running stamps started_at
// once; terminal statuses stamp completed_at; moving back to pending (retry)
// clears timing and error. Returns false when no row exists for the id.
func (s *LedgerStore) Transition(ctx context.Context, workflowID, status string, errorMessage *string) (bool, error) {
	var found bool
	err := s.db.WithShared(ctx, func(tx pgx.Tx) error {
		var (
			tag pgconn.CommandTag
			err error
		)
		switch status {
		case LedgerPending:
			tag, err = tx.Exec(ctx, `
                UPDATE workflow_executions
                SET status = $2, started_at = NULL, completed_at = NULL, error_message = NULL
                WHERE workflow_id = $1`, workflowID, status)
		case LedgerRunning:
			tag, err = tx.Exec(ctx, `
                UPDATE workflow_executions
                SET status = $2, started_at = COALESCE(started_at, NOW()), error_message = $3
                WHERE workflow_id = $1`, workflowID, status, errorMessage)
		case LedgerCompleted, LedgerFailed:
			tag, err = tx.Exec(ctx, `
                UPDATE workflow_executions
                SET status = $2, completed_at = NOW(), error_message = $3
                WHERE workflow_id = $1`, workflowID, status, errorMessage)
		default:
			return fmt.Errorf("unknown ledger status %q", status)
		}
		if err != nil {
			return fmt.Errorf("transition ledger entry: %w", err)
		}
		found = tag.RowsAffected() > 0
		return nil
	})
	return found, err
}

// GetByWorkflowID fetches a run by its id.
func (s *LedgerStore) GetByWorkflowID(ctx context.Context, workflowID string) (LedgerRecord, error) {
	var out LedgerRecord
	err := s.db.WithShared(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			"SELECT "+ledgerColumns+" FROM workflow_executions WHERE workflow_id = $1", workflowID)
		var err error
		out, err = scanLedger(row)
		return err
	})
	if err != nil {
		return LedgerRecord{}, err
	}
	return out, nil
}

// ListByStatusOlderThan returns runs that have sat in the given status longer
// than age. Used for stuck-run detection.
func (s *LedgerStore) ListByStatusOlderThan(ctx context.Context, status string, age time.Duration) ([]LedgerRecord, error) {
	var records []LedgerRecord
	err := s.db.WithShared(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
            SELECT `+ledgerColumns+` FROM workflow_executions
            WHERE status = $1 AND created_at < NOW() - $2::interval
            ORDER BY created_at`,
			status, fmt.Sprintf("%f seconds", age.Seconds()))
		if err != nil {
			return fmt.Errorf("list ledger entries: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			rec, err := scanLedger(rows)
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func scanLedger(row pgx.Row) (LedgerRecord, error) {
	var rec LedgerRecord
	err := row.Scan(&rec.WorkflowID, &rec.Kind, &rec.EntityID, &rec.Status,
		&rec.StartedAt, &rec.CompletedAt, &rec.ErrorMessage, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return LedgerRecord{}, ErrNotFound
	}
	if err != nil {
		return LedgerRecord{}, fmt.Errorf("scan ledger entry: %w", err)
	}
	return rec, nil
}
