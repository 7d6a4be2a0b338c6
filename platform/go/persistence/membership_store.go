package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// MembershipRecord is a row in a tenant schema's memberships table.
type MembershipRecord struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Role      string
	CreatedAt time.Time
}

// MembershipStore reads and writes memberships inside tenant schemas. Every
// call enters the tenant scope through the schema router.
type MembershipStore struct {
	db *SchemaDB
}

func NewMembershipStore(db *SchemaDB) *MembershipStore {
	if db == nil {
		panic("membership store requires schema db")
	}
	return &MembershipStore{db: db}
}

// EnsureAdmin inserts the admin membership row if absent. The natural key on
// user_id makes repeats a no-op.
func (s *MembershipStore) EnsureAdmin(ctx context.Context, schemaName string, userID uuid.UUID) error {
	return s.db.WithTenant(ctx, schemaName, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
            INSERT INTO memberships (id, user_id, role)
            VALUES ($1, $2, 'admin')
            ON CONFLICT (user_id) DO NOTHING`,
			uuid.New(), userID)
		if err != nil {
			return fmt.Errorf("ensure admin membership: %w", err)
		}
		return nil
	})
}

// List returns all memberships in the tenant schema, oldest first.
func (s *MembershipStore) List(ctx context.Context, schemaName string) ([]MembershipRecord, error) {
	var records []MembershipRecord
	err := s.db.WithTenant(ctx, schemaName, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			"SELECT id, user_id, role, created_at FROM memberships ORDER BY created_at")
		if err != nil {
			return fmt.Errorf("list memberships: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var rec MembershipRecord
			if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Role, &rec.CreatedAt); err != nil {
				return fmt.Errorf("scan membership: %w", err)
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
