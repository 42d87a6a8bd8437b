package permkit

import (
	"context"
	"errors"

	"github.com/fernandezvara/dbkit"
)

// MigrationService provides migration management functionality as an extension to Service
type MigrationService struct {
	*Service
}

// NewMigrationService creates a new migration service extension
func NewMigrationService(service *Service) *MigrationService {
	return &MigrationService{Service: service}
}

// Migrations returns all database migrations required for PermKit.
// Use db.Migrate(ctx, service.Migrations()) to run them.
func (s *Service) Migrations() []dbkit.Migration {
	return []dbkit.Migration{
		{
			ID:          "permkit-001",
			Description: "Create permissions table",
			SQL: `
                CREATE TABLE IF NOT EXISTS permissions (
                    id BIGSERIAL PRIMARY KEY,
                    name TEXT NOT NULL UNIQUE,
                    description TEXT,
                    created_at TIMESTAMPTZ NOT NULL DEFAULT current_timestamp,
                    updated_at TIMESTAMPTZ NOT NULL DEFAULT current_timestamp
                )`,
		},
		{
			ID:          "permkit-002",
			Description: "Create roles table",
			SQL: `
                CREATE TABLE IF NOT EXISTS roles (
                    id BIGSERIAL PRIMARY KEY,
                    name TEXT NOT NULL UNIQUE,
                    is_superuser BOOLEAN NOT NULL DEFAULT FALSE,
                    permissions_version BIGINT NOT NULL DEFAULT 1,
                    created_at TIMESTAMPTZ NOT NULL DEFAULT current_timestamp,
                    updated_at TIMESTAMPTZ NOT NULL DEFAULT current_timestamp
                )`,
		},
		{
			ID:          "permkit-003",
			Description: "Create role_permissions table",
			SQL: `
                CREATE TABLE IF NOT EXISTS role_permissions (
                    id BIGSERIAL PRIMARY KEY,
                    role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
                    permission_id BIGINT NOT NULL REFERENCES permissions(id) ON DELETE RESTRICT,
                    CONSTRAINT role_permissions_role_permission_key UNIQUE (role_id, permission_id)
                )`,
		},
		{
			ID:          "permkit-004",
			Description: "Create actions table",
			SQL: `
                CREATE TABLE IF NOT EXISTS actions (
                    id BIGSERIAL PRIMARY KEY,
                    type TEXT NOT NULL CHECK (type IN ('CREATE', 'READ', 'UPDATE', 'DELETE')),
                    role_permission_id BIGINT NOT NULL REFERENCES role_permissions(id) ON DELETE CASCADE,
                    CONSTRAINT actions_role_permission_type_key UNIQUE (role_permission_id, type)
                )`,
		},
		{
			ID:          "permkit-005",
			Description: "Create users table",
			SQL: `
                CREATE TABLE IF NOT EXISTS users (
                    id BIGSERIAL PRIMARY KEY,
                    name TEXT NOT NULL,
                    email TEXT NOT NULL UNIQUE,
                    password_hash TEXT NOT NULL,
                    role_id BIGINT REFERENCES roles(id) ON DELETE SET NULL,
                    is_first_login BOOLEAN NOT NULL DEFAULT TRUE,
                    created_at TIMESTAMPTZ NOT NULL DEFAULT current_timestamp,
                    updated_at TIMESTAMPTZ NOT NULL DEFAULT current_timestamp
                )`,
		},
		{
			ID:          "permkit-006",
			Description: "Create reports table",
			SQL: `
                CREATE TABLE IF NOT EXISTS reports (
                    id BIGSERIAL PRIMARY KEY,
                    action_type TEXT NOT NULL,
                    entity_type TEXT NOT NULL,
                    entity_id BIGINT,
                    performed_by_id BIGINT NOT NULL,
                    performed_by_name TEXT,
                    description TEXT NOT NULL,
                    ip_address TEXT,
                    user_agent TEXT,
                    request_id TEXT,
                    date TIMESTAMPTZ NOT NULL DEFAULT current_timestamp
                )`,
		},
		{
			ID:          "permkit-007",
			Description: "Create lookup indexes",
			SQL: `
                CREATE INDEX IF NOT EXISTS idx_role_permissions_permission ON role_permissions(permission_id);
                CREATE INDEX IF NOT EXISTS idx_users_role ON users(role_id);
                CREATE INDEX IF NOT EXISTS idx_reports_date ON reports(date DESC);
                CREATE INDEX IF NOT EXISTS idx_reports_entity ON reports(entity_type, entity_id)`,
		},
	}
}

// RunMigrations applies pending migrations and returns the IDs applied in this run.
func (ms *MigrationService) RunMigrations(ctx context.Context) ([]string, error) {
	db, ok := ms.db.(*dbkit.DBKit)
	if !ok {
		return nil, errors.New("migrations require a dbkit.DBKit instance")
	}
	result, err := db.Migrate(ctx, ms.Migrations())
	if err != nil {
		return nil, storeError("RunMigrations", err)
	}
	applied := make([]string, 0, len(result.Applied))
	for _, m := range result.Applied {
		applied = append(applied, m.ID)
	}
	return applied, nil
}
