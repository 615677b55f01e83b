package rbac

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/dealerops/pkg/observability"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all authorization schema migrations
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create users table",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					id BIGSERIAL PRIMARY KEY,
					dealer_id BIGINT,
					user_type VARCHAR(20) NOT NULL DEFAULT 'dealer',
					is_system_admin BOOLEAN NOT NULL DEFAULT FALSE,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_users_dealer_id ON users(dealer_id);
			`,
		},
		{
			Version:     2,
			Description: "Create roles and role_permissions tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(100) NOT NULL UNIQUE,
					display_name VARCHAR(255) NOT NULL,
					description TEXT,
					user_type VARCHAR(20) NOT NULL,
					is_system_role BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS role_permissions (
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					module VARCHAR(50) NOT NULL,
					level VARCHAR(10) NOT NULL CHECK (level IN ('none', 'read', 'write', 'delete', 'admin')),
					position INT NOT NULL DEFAULT 0,
					PRIMARY KEY (role_id, module)
				);
			`,
		},
		{
			Version:     3,
			Description: "Create user_roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_roles (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					assigned_by BIGINT REFERENCES users(id) ON DELETE SET NULL,
					assigned_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
					expires_at TIMESTAMP WITH TIME ZONE,
					revoked_at TIMESTAMP WITH TIME ZONE
				);

				CREATE UNIQUE INDEX IF NOT EXISTS uq_user_roles_active ON user_roles(user_id, role_id) WHERE is_active;
				CREATE INDEX IF NOT EXISTS idx_user_roles_user_id ON user_roles(user_id);
			`,
		},
		{
			Version:     4,
			Description: "Create dealer_groups and user_groups tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS dealer_groups (
					id BIGSERIAL PRIMARY KEY,
					dealer_id BIGINT NOT NULL,
					name VARCHAR(100) NOT NULL,
					description TEXT,
					allowed_order_types TEXT[] NOT NULL DEFAULT '{}',
					permission_level VARCHAR(10) NOT NULL CHECK (permission_level IN ('none', 'read', 'write', 'delete', 'admin')),
					created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
					UNIQUE (dealer_id, name)
				);

				CREATE TABLE IF NOT EXISTS user_groups (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					group_id BIGINT NOT NULL REFERENCES dealer_groups(id) ON DELETE CASCADE,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					assigned_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
					UNIQUE (user_id, group_id)
				);

				CREATE INDEX IF NOT EXISTS idx_user_groups_user_id ON user_groups(user_id) WHERE is_active;
			`,
		},
		{
			Version:     5,
			Description: "Create dealer_modules table",
			SQL: `
				CREATE TABLE IF NOT EXISTS dealer_modules (
					dealer_id BIGINT NOT NULL,
					module VARCHAR(50) NOT NULL,
					is_enabled BOOLEAN NOT NULL DEFAULT FALSE,
					updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
					PRIMARY KEY (dealer_id, module)
				);
			`,
		},
		{
			Version:     6,
			Description: "Create order_access projection table",
			SQL: `
				CREATE TABLE IF NOT EXISTS order_access (
					order_id BIGINT PRIMARY KEY,
					dealer_id BIGINT NOT NULL,
					order_type VARCHAR(20) NOT NULL,
					status VARCHAR(20) NOT NULL,
					created_by BIGINT NOT NULL,
					assigned_to BIGINT,
					updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_order_access_dealer_id ON order_access(dealer_id);
			`,
		},
	}
}

// RunMigrations executes all pending migrations, each in its own transaction
func RunMigrations(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	if logger == nil {
		logger = observability.NopLogger()
	}

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS authz_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM authz_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if applied[migration.Version] {
			continue
		}

		log := logger.WithFields(map[string]interface{}{
			"version":     migration.Version,
			"description": migration.Description,
		})
		log.Info("running migration")

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO authz_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}

		log.Info("migration completed")
	}

	return nil
}
