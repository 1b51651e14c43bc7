package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all RBAC migrations
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS permissions (
					id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
					resource VARCHAR(50) NOT NULL CHECK (resource ~ '^[A-Z_]+$'),
					action VARCHAR(50) NOT NULL CHECK (action ~ '^[A-Z_]+$'),
					description TEXT NOT NULL DEFAULT '',
					active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE (resource, action)
				);
			`,
		},
		{
			Version:     2,
			Description: "Create roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles (
					id UUID PRIMARY KEY,
					organization_id UUID NOT NULL,
					name VARCHAR(100) NOT NULL,
					description VARCHAR(500) NOT NULL DEFAULT '',
					role_type VARCHAR(20) NOT NULL CHECK (role_type IN ('PREDEFINED', 'CUSTOM')),
					active BOOLEAN NOT NULL DEFAULT TRUE,
					version BIGINT NOT NULL DEFAULT 1,
					created_by UUID,
					updated_by UUID,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_roles_org_name_type_active
					ON roles(organization_id, lower(name), role_type) WHERE active;
				CREATE INDEX IF NOT EXISTS idx_roles_org_active ON roles(organization_id) WHERE active;
			`,
		},
		{
			Version:     3,
			Description: "Create role_permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS role_permissions (
					role_id UUID NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					permission_id UUID NOT NULL REFERENCES permissions(id),
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (role_id, permission_id)
				);

				CREATE INDEX IF NOT EXISTS idx_role_permissions_permission ON role_permissions(permission_id);
			`,
		},
		{
			Version:     4,
			Description: "Create user_roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_roles (
					id UUID PRIMARY KEY,
					user_id UUID NOT NULL,
					role_id UUID NOT NULL REFERENCES roles(id),
					organization_id UUID NOT NULL,
					assigned_at TIMESTAMPTZ NOT NULL,
					assigned_by UUID NOT NULL,
					expires_at TIMESTAMPTZ,
					removed_at TIMESTAMPTZ,
					removed_by UUID,
					version BIGINT NOT NULL DEFAULT 1
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_user_roles_open_pair
					ON user_roles(user_id, role_id) WHERE removed_at IS NULL;
				CREATE INDEX IF NOT EXISTS idx_user_roles_user_org
					ON user_roles(user_id, organization_id) WHERE removed_at IS NULL;
				CREATE INDEX IF NOT EXISTS idx_user_roles_role
					ON user_roles(role_id) WHERE removed_at IS NULL;
				CREATE INDEX IF NOT EXISTS idx_user_roles_expiry
					ON user_roles(expires_at) WHERE removed_at IS NULL AND expires_at IS NOT NULL;
				CREATE INDEX IF NOT EXISTS idx_user_roles_org ON user_roles(organization_id);
			`,
		},
		{
			Version:     5,
			Description: "Seed default permission catalog",
			SQL:         seedCatalogSQL(DefaultCatalog()),
		},
	}
}

func seedCatalogSQL(perms []Permission) string {
	values := make([]string, 0, len(perms))
	for _, p := range perms {
		values = append(values, fmt.Sprintf("('%s', '%s', '%s')",
			p.Resource, p.Action, strings.ReplaceAll(p.Description, "'", "''")))
	}
	return `
				INSERT INTO permissions (resource, action, description) VALUES
				` + strings.Join(values, ",\n\t\t\t\t") + `
				ON CONFLICT (resource, action) DO NOTHING;
			`
}

// RunMigrations executes all pending migrations
func RunMigrations(ctx context.Context, db *sql.DB, logger logrus.FieldLogger) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rbac_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM rbac_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		appliedVersions[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if appliedVersions[migration.Version] {
			continue
		}

		logger.WithField("version", migration.Version).Infof("Running migration: %s", migration.Description)

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO rbac_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}
