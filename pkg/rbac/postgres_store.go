package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Unique indexes whose violations map to domain conflicts
const (
	constraintRoleName       = "idx_roles_org_name_type_active"
	constraintOpenAssignment = "idx_user_roles_open_pair"
	constraintRolePermission = "role_permissions_pkey"
)

const roleColumns = `id, organization_id, name, description, role_type, active, version, created_by, updated_by, created_at, updated_at`

const assignmentColumns = `id, user_id, role_id, organization_id, assigned_at, assigned_by, expires_at, removed_at, removed_by, version`

const permissionColumns = `id, resource, action, description, active, created_at`

// PostgresStore is the Store backed by PostgreSQL.
// Per-organization and per-user advisory locks serialize the limit checks.
type PostgresStore struct {
	db     *sql.DB
	tracer trace.Tracer
}

// NewPostgresStore creates a store over an open database
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:     db,
		tracer: otel.Tracer(instrumentationName),
	}
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *PostgresStore) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+permissionColumns+` FROM permissions ORDER BY resource, action`)
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	return collectPermissions(rows)
}

func (s *PostgresStore) CreateRole(ctx context.Context, role *Role, permissionIDs []uuid.UUID, maxCustomRoles int) error {
	return s.withTx(ctx, "CreateRole", func(tx *sql.Tx) error {
		if err := lockKey(ctx, tx, "org", role.OrganizationID); err != nil {
			return err
		}

		var exists bool
		err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM roles
				WHERE organization_id = $1 AND lower(name) = lower($2) AND role_type = $3 AND active
			)
		`, role.OrganizationID, role.Name, role.Type).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check role name: %w", err)
		}
		if exists {
			return ErrDuplicateRoleName
		}

		if role.Type == RoleTypeCustom && maxCustomRoles > 0 {
			n, err := countActiveCustomRoles(ctx, tx, role.OrganizationID)
			if err != nil {
				return err
			}
			if n >= maxCustomRoles {
				return ErrRoleLimitExceeded
			}
		}
		if err := checkPermissionIDs(ctx, tx, permissionIDs); err != nil {
			return err
		}

		now := time.Now().UTC()
		if role.ID == uuid.Nil {
			role.ID = uuid.New()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO roles (id, organization_id, name, description, role_type, active, version, created_by, updated_by, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, TRUE, 1, $6, $7, $8, $8)
		`, role.ID, role.OrganizationID, role.Name, role.Description, role.Type,
			uuidPtr(role.CreatedBy), uuidPtr(role.UpdatedBy), now)
		if err != nil {
			return mapWriteError(err, "failed to create role")
		}
		if err := insertRolePermissions(ctx, tx, role.ID, permissionIDs, now); err != nil {
			return err
		}

		role.Active = true
		role.Version = 1
		role.CreatedAt = now
		role.UpdatedAt = now
		return nil
	})
}

func (s *PostgresStore) GetRole(ctx context.Context, orgID, roleID uuid.UUID) (*Role, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1 AND organization_id = $2`, roleID, orgID)
	role, err := scanRole(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) FindActiveRoleByName(ctx context.Context, orgID uuid.UUID, name string, roleType RoleType) (*Role, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+roleColumns+` FROM roles
		WHERE organization_id = $1 AND lower(name) = lower($2) AND role_type = $3 AND active
	`, orgID, name, roleType)
	role, err := scanRole(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) ListRoles(ctx context.Context, orgID uuid.UUID) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+roleColumns+` FROM roles
		WHERE organization_id = $1 AND active
		ORDER BY role_type = 'PREDEFINED' DESC, name
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	return collectRoles(rows)
}

func (s *PostgresStore) CountActiveCustomRoles(ctx context.Context, orgID uuid.UUID) (int, error) {
	return countActiveCustomRoles(ctx, s.db, orgID)
}

func (s *PostgresStore) ListRolesWithPermission(ctx context.Context, orgID, permissionID uuid.UUID) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.organization_id, r.name, r.description, r.role_type, r.active, r.version,
			r.created_by, r.updated_by, r.created_at, r.updated_at
		FROM roles r
		JOIN role_permissions rp ON rp.role_id = r.id
		WHERE r.organization_id = $1 AND r.active AND rp.permission_id = $2
		ORDER BY r.role_type = 'PREDEFINED' DESC, r.name
	`, orgID, permissionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles with permission: %w", err)
	}
	return collectRoles(rows)
}

func (s *PostgresStore) UpdateRole(ctx context.Context, role *Role, permissionIDs []uuid.UUID) error {
	return s.withTx(ctx, "UpdateRole", func(tx *sql.Tx) error {
		if err := lockRole(ctx, tx, role); err != nil {
			return err
		}
		if permissionIDs != nil {
			if err := checkPermissionIDs(ctx, tx, permissionIDs); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		_, err := tx.ExecContext(ctx, `
			UPDATE roles SET name = $1, description = $2, updated_by = $3, version = version + 1, updated_at = $4
			WHERE id = $5
		`, role.Name, role.Description, uuidPtr(role.UpdatedBy), now, role.ID)
		if err != nil {
			return mapWriteError(err, "failed to update role")
		}
		if permissionIDs != nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, role.ID); err != nil {
				return fmt.Errorf("failed to clear role permissions: %w", err)
			}
			if err := insertRolePermissions(ctx, tx, role.ID, permissionIDs, now); err != nil {
				return err
			}
		}

		role.Version++
		role.UpdatedAt = now
		return nil
	})
}

func (s *PostgresStore) DeactivateRole(ctx context.Context, role *Role, now time.Time) error {
	return s.withTx(ctx, "DeactivateRole", func(tx *sql.Tx) error {
		if err := lockRole(ctx, tx, role); err != nil {
			return err
		}

		var holders int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM user_roles
			WHERE role_id = $1 AND removed_at IS NULL AND (expires_at IS NULL OR expires_at > $2)
		`, role.ID, now).Scan(&holders)
		if err != nil {
			return fmt.Errorf("failed to count role holders: %w", err)
		}
		if holders > 0 {
			return ErrRoleInUse
		}
		return deactivateRole(ctx, tx, role, now)
	})
}

// DeactivateRoleCascade holds the role row lock across both writes, so an
// assignment created concurrently either commits first and is removed here or
// waits and then finds the role inactive.
func (s *PostgresStore) DeactivateRoleCascade(ctx context.Context, role *Role, removedBy uuid.UUID, now time.Time) ([]UserRoleAssignment, error) {
	var removed []UserRoleAssignment
	err := s.withTx(ctx, "DeactivateRoleCascade", func(tx *sql.Tx) error {
		if err := lockRole(ctx, tx, role); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `
			UPDATE user_roles SET removed_at = $2, removed_by = $3, version = version + 1
			WHERE role_id = $1 AND removed_at IS NULL AND (expires_at IS NULL OR expires_at > $2)
			RETURNING `+assignmentColumns, role.ID, now, removedBy)
		if err != nil {
			return fmt.Errorf("failed to remove role assignments: %w", err)
		}
		if removed, err = collectAssignments(rows); err != nil {
			return err
		}
		return deactivateRole(ctx, tx, role, now)
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func deactivateRole(ctx context.Context, tx *sql.Tx, role *Role, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE roles SET active = FALSE, updated_by = $1, version = version + 1, updated_at = $2
		WHERE id = $3
	`, uuidPtr(role.UpdatedBy), now, role.ID)
	if err != nil {
		return fmt.Errorf("failed to deactivate role: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, role.ID); err != nil {
		return fmt.Errorf("failed to clear role permissions: %w", err)
	}

	role.Active = false
	role.Version++
	role.UpdatedAt = now
	return nil
}

func (s *PostgresStore) ReplaceRolePermissions(ctx context.Context, role *Role, permissionIDs []uuid.UUID) error {
	return s.withTx(ctx, "ReplaceRolePermissions", func(tx *sql.Tx) error {
		if err := lockRole(ctx, tx, role); err != nil {
			return err
		}
		if err := checkPermissionIDs(ctx, tx, permissionIDs); err != nil {
			return err
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, role.ID); err != nil {
			return fmt.Errorf("failed to clear role permissions: %w", err)
		}
		if err := insertRolePermissions(ctx, tx, role.ID, permissionIDs, now); err != nil {
			return err
		}
		return bumpRole(ctx, tx, role, now)
	})
}

func (s *PostgresStore) AddRolePermission(ctx context.Context, role *Role, permissionID uuid.UUID) error {
	return s.withTx(ctx, "AddRolePermission", func(tx *sql.Tx) error {
		if err := lockRole(ctx, tx, role); err != nil {
			return err
		}
		if err := checkPermissionIDs(ctx, tx, []uuid.UUID{permissionID}); err != nil {
			return err
		}

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO role_permissions (role_id, permission_id, created_at) VALUES ($1, $2, $3)
			ON CONFLICT (role_id, permission_id) DO NOTHING
		`, role.ID, permissionID, now)
		if err != nil {
			return mapWriteError(err, "failed to add role permission")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrDuplicatePermission
		}
		return bumpRole(ctx, tx, role, now)
	})
}

func (s *PostgresStore) RemoveRolePermission(ctx context.Context, role *Role, permissionID uuid.UUID) error {
	return s.withTx(ctx, "RemoveRolePermission", func(tx *sql.Tx) error {
		if err := lockRole(ctx, tx, role); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, role.ID, permissionID)
		if err != nil {
			return fmt.Errorf("failed to remove role permission: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrPermissionNotFound
		}
		return bumpRole(ctx, tx, role, time.Now().UTC())
	})
}

func (s *PostgresStore) ListRolePermissions(ctx context.Context, roleID uuid.UUID) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.resource, p.action, p.description, p.active, p.created_at
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		WHERE rp.role_id = $1 AND p.active
		ORDER BY p.resource, p.action
	`, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list role permissions: %w", err)
	}
	return collectPermissions(rows)
}

// CreateAssignment commits the retirement of lapsed rows even when the
// assignment itself is rejected, so they are returned with the error.
func (s *PostgresStore) CreateAssignment(ctx context.Context, a *UserRoleAssignment, maxActive int, now time.Time) ([]UserRoleAssignment, error) {
	var retired []UserRoleAssignment
	var rejected error

	err := s.withTx(ctx, "CreateAssignment", func(tx *sql.Tx) error {
		var active bool
		err := tx.QueryRowContext(ctx, `
			SELECT active FROM roles WHERE id = $1 AND organization_id = $2 FOR SHARE
		`, a.RoleID, a.OrganizationID).Scan(&active)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && !active) {
			return ErrRoleNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock role: %w", err)
		}
		if err := lockKey(ctx, tx, "user", a.UserID); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `
			UPDATE user_roles SET removed_at = $3, removed_by = $4, version = version + 1
			WHERE user_id = $1 AND role_id = $2 AND removed_at IS NULL
				AND expires_at IS NOT NULL AND expires_at <= $3
			RETURNING `+assignmentColumns, a.UserID, a.RoleID, now, SystemActorID)
		if err != nil {
			return fmt.Errorf("failed to retire lapsed assignments: %w", err)
		}
		if retired, err = collectAssignments(rows); err != nil {
			return err
		}

		var duplicate bool
		err = tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM user_roles WHERE user_id = $1 AND role_id = $2 AND removed_at IS NULL)
		`, a.UserID, a.RoleID).Scan(&duplicate)
		if err != nil {
			return fmt.Errorf("failed to check assignment: %w", err)
		}
		if duplicate {
			return ErrDuplicateAssignment
		}

		if maxActive > 0 {
			n, err := countActiveForUser(ctx, tx, a.UserID, now)
			if err != nil {
				return err
			}
			if n >= maxActive {
				rejected = ErrAssignmentLimitExceeded
				return nil
			}
		}

		if a.ID == uuid.Nil {
			a.ID = uuid.New()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO user_roles (id, user_id, role_id, organization_id, assigned_at, assigned_by, expires_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
		`, a.ID, a.UserID, a.RoleID, a.OrganizationID, now, a.AssignedBy, timePtr(a.ExpiresAt))
		if err != nil {
			return mapWriteError(err, "failed to create assignment")
		}

		a.AssignedAt = now
		a.RemovedAt = nil
		a.RemovedBy = nil
		a.Version = 1
		return nil
	})
	if err != nil {
		return nil, err
	}
	return retired, rejected
}

func (s *PostgresStore) GetLatestAssignment(ctx context.Context, userID, roleID uuid.UUID) (*UserRoleAssignment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+assignmentColumns+` FROM user_roles
		WHERE user_id = $1 AND role_id = $2
		ORDER BY assigned_at DESC
		LIMIT 1
	`, userID, roleID)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAssignmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) RemoveAssignment(ctx context.Context, a *UserRoleAssignment, removedBy uuid.UUID, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE user_roles SET removed_at = $1, removed_by = $2, version = version + 1
		WHERE id = $3 AND version = $4
	`, now, removedBy, a.ID, a.Version)
	if err != nil {
		return fmt.Errorf("failed to remove assignment: %w", err)
	}
	if err := s.checkAssignmentWrite(ctx, res, a.ID); err != nil {
		return err
	}

	at, by := now, removedBy
	a.RemovedAt = &at
	a.RemovedBy = &by
	a.Version++
	return nil
}

func (s *PostgresStore) ExtendAssignment(ctx context.Context, a *UserRoleAssignment, expiresAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE user_roles SET expires_at = $1, version = version + 1
		WHERE id = $2 AND version = $3
	`, timePtr(expiresAt), a.ID, a.Version)
	if err != nil {
		return fmt.Errorf("failed to extend assignment: %w", err)
	}
	if err := s.checkAssignmentWrite(ctx, res, a.ID); err != nil {
		return err
	}

	a.ExpiresAt = copyTime(expiresAt)
	a.Version++
	return nil
}

func (s *PostgresStore) CountActiveAssignmentsForUser(ctx context.Context, userID uuid.UUID, now time.Time) (int, error) {
	return countActiveForUser(ctx, s.db, userID, now)
}

func (s *PostgresStore) CountActiveAssignmentsForRole(ctx context.Context, roleID uuid.UUID, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM user_roles
		WHERE role_id = $1 AND removed_at IS NULL AND (expires_at IS NULL OR expires_at > $2)
	`, roleID, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count role assignments: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ListActiveAssignments(ctx context.Context, userID, orgID uuid.UUID, now time.Time) ([]UserRoleAssignment, error) {
	return s.queryAssignments(ctx, "ListActiveAssignments", `
		SELECT `+assignmentColumns+` FROM user_roles
		WHERE user_id = $1 AND organization_id = $2 AND removed_at IS NULL AND (expires_at IS NULL OR expires_at > $3)
		ORDER BY assigned_at
	`, userID, orgID, now)
}

func (s *PostgresStore) ListActiveAssignmentsForRole(ctx context.Context, roleID uuid.UUID, now time.Time) ([]UserRoleAssignment, error) {
	return s.queryAssignments(ctx, "ListActiveAssignmentsForRole", `
		SELECT `+assignmentColumns+` FROM user_roles
		WHERE role_id = $1 AND removed_at IS NULL AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY assigned_at
	`, roleID, now)
}

func (s *PostgresStore) ListExpiringAssignments(ctx context.Context, orgID uuid.UUID, now, until time.Time) ([]UserRoleAssignment, error) {
	return s.queryAssignments(ctx, "ListExpiringAssignments", `
		SELECT `+assignmentColumns+` FROM user_roles
		WHERE organization_id = $1 AND removed_at IS NULL AND expires_at > $2 AND expires_at <= $3
		ORDER BY expires_at
	`, orgID, now, until)
}

func (s *PostgresStore) AssignmentStatistics(ctx context.Context, orgID uuid.UUID, now, weekEnd time.Time) (*AssignmentStatistics, error) {
	stats := &AssignmentStatistics{}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE removed_at IS NULL AND (expires_at IS NULL OR expires_at > $2)),
			COUNT(*) FILTER (WHERE removed_at IS NULL AND expires_at > $2),
			COUNT(*) FILTER (WHERE removed_at IS NULL AND expires_at > $2 AND expires_at <= $3),
			COUNT(*) FILTER (WHERE expires_at IS NOT NULL AND (
				(removed_at IS NULL AND expires_at <= $2) OR
				(removed_by = $4 AND expires_at <= removed_at)
			))
		FROM user_roles
		WHERE organization_id = $1
	`, orgID, now, weekEnd, SystemActorID).Scan(&stats.Active, &stats.Temporary, &stats.ExpiringThisWeek, &stats.Expired)
	if err != nil {
		return nil, fmt.Errorf("failed to compute assignment statistics: %w", err)
	}
	stats.Total = stats.Active + stats.Expired
	return stats, nil
}

func (s *PostgresStore) ListRoleGrants(ctx context.Context, userID, orgID uuid.UUID, now time.Time) ([]RoleGrant, error) {
	ctx, span := s.tracer.Start(ctx, "rbac.store.ListRoleGrants")
	defer span.End()

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.name, ur.expires_at
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1 AND ur.organization_id = $2 AND r.active
			AND ur.removed_at IS NULL AND (ur.expires_at IS NULL OR ur.expires_at > $3)
		ORDER BY r.name
	`, userID, orgID, now)
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("failed to list role grants: %w", err)
	}
	defer rows.Close()

	var out []RoleGrant
	for rows.Next() {
		var g RoleGrant
		var expiresAt sql.NullTime
		if err := rows.Scan(&g.RoleID, &g.RoleName, &expiresAt); err != nil {
			recordSpanError(span, err)
			return nil, fmt.Errorf("failed to scan role grant: %w", err)
		}
		g.ExpiresAt = nullTime(expiresAt)
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("failed to iterate role grants: %w", err)
	}
	span.SetAttributes(attribute.Int("rbac.grants", len(out)))
	return out, nil
}

// ClaimExpiredAssignments skips rows locked by a concurrent sweep
func (s *PostgresStore) ClaimExpiredAssignments(ctx context.Context, now time.Time, limit int) ([]UserRoleAssignment, error) {
	var batch sql.NullInt64
	if limit > 0 {
		batch = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	return s.queryAssignments(ctx, "ClaimExpiredAssignments", `
		UPDATE user_roles SET removed_at = $1, removed_by = $2, version = version + 1
		WHERE id IN (
			SELECT id FROM user_roles
			WHERE removed_at IS NULL AND expires_at IS NOT NULL AND expires_at <= $1
			ORDER BY expires_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+assignmentColumns, now, SystemActorID, batch)
}

func (s *PostgresStore) withTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	ctx, span := s.tracer.Start(ctx, "rbac.store."+op)
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		recordSpanError(span, err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		recordSpanError(span, err)
		return err
	}
	if err := tx.Commit(); err != nil {
		recordSpanError(span, err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) queryAssignments(ctx context.Context, op, query string, args ...interface{}) ([]UserRoleAssignment, error) {
	ctx, span := s.tracer.Start(ctx, "rbac.store."+op)
	defer span.End()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("failed to query assignments: %w", err)
	}
	out, err := collectAssignments(rows)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("rbac.assignments", len(out)))
	return out, nil
}

// checkAssignmentWrite tells a stale version apart from a missing row
func (s *PostgresStore) checkAssignmentWrite(ctx context.Context, res sql.Result, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM user_roles WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check assignment: %w", err)
	}
	if exists {
		return ErrConcurrentModification
	}
	return ErrAssignmentNotFound
}

// lockKey takes a transaction-scoped advisory lock on scope:id
func lockKey(ctx context.Context, tx *sql.Tx, scope string, id uuid.UUID) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "rbac:"+scope+":"+id.String()); err != nil {
		return fmt.Errorf("failed to acquire %s lock: %w", scope, err)
	}
	return nil
}

// lockRole row-locks the role and checks the caller's version
func lockRole(ctx context.Context, tx *sql.Tx, role *Role) error {
	var version int64
	err := tx.QueryRowContext(ctx, `SELECT version FROM roles WHERE id = $1 FOR UPDATE`, role.ID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRoleNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock role: %w", err)
	}
	if version != role.Version {
		return ErrConcurrentModification
	}
	return nil
}

func bumpRole(ctx context.Context, tx *sql.Tx, role *Role, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE roles SET updated_by = $1, version = version + 1, updated_at = $2 WHERE id = $3
	`, uuidPtr(role.UpdatedBy), now, role.ID)
	if err != nil {
		return fmt.Errorf("failed to update role version: %w", err)
	}
	role.Version++
	role.UpdatedAt = now
	return nil
}

func checkPermissionIDs(ctx context.Context, q queryer, ids []uuid.UUID) error {
	ids = dedupeIDs(ids)
	if len(ids) == 0 {
		return nil
	}
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM permissions WHERE id = ANY($1::uuid[]) AND active
	`, pq.Array(uuidStrings(ids))).Scan(&n)
	if err != nil {
		return fmt.Errorf("failed to check permissions: %w", err)
	}
	if n != len(ids) {
		return invalidPermission("unknown or retired permission in %d ids", len(ids))
	}
	return nil
}

func insertRolePermissions(ctx context.Context, tx *sql.Tx, roleID uuid.UUID, ids []uuid.UUID, now time.Time) error {
	ids = dedupeIDs(ids)
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO role_permissions (role_id, permission_id, created_at)
		SELECT $1, unnest($2::uuid[]), $3
	`, roleID, pq.Array(uuidStrings(ids)), now)
	if err != nil {
		return mapWriteError(err, "failed to insert role permissions")
	}
	return nil
}

func countActiveCustomRoles(ctx context.Context, q queryer, orgID uuid.UUID) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM roles WHERE organization_id = $1 AND role_type = 'CUSTOM' AND active
	`, orgID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count custom roles: %w", err)
	}
	return n, nil
}

func countActiveForUser(ctx context.Context, q queryer, userID uuid.UUID, now time.Time) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM user_roles
		WHERE user_id = $1 AND removed_at IS NULL AND (expires_at IS NULL OR expires_at > $2)
	`, userID, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count user assignments: %w", err)
	}
	return n, nil
}

// mapWriteError turns constraint violations into domain errors
func mapWriteError(err error, msg string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			switch pqErr.Constraint {
			case constraintRoleName:
				return ErrDuplicateRoleName
			case constraintOpenAssignment:
				return ErrDuplicateAssignment
			case constraintRolePermission:
				return ErrDuplicatePermission
			}
		case "23503":
			return invalidPermission("%s", pqErr.Detail)
		}
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func scanRole(row rowScanner) (*Role, error) {
	var role Role
	var createdBy, updatedBy uuid.NullUUID
	err := row.Scan(
		&role.ID,
		&role.OrganizationID,
		&role.Name,
		&role.Description,
		&role.Type,
		&role.Active,
		&role.Version,
		&createdBy,
		&updatedBy,
		&role.CreatedAt,
		&role.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	role.CreatedBy = nullUUID(createdBy)
	role.UpdatedBy = nullUUID(updatedBy)
	role.CreatedAt = role.CreatedAt.UTC()
	role.UpdatedAt = role.UpdatedAt.UTC()
	return &role, nil
}

func scanAssignment(row rowScanner) (*UserRoleAssignment, error) {
	var a UserRoleAssignment
	var expiresAt, removedAt sql.NullTime
	var removedBy uuid.NullUUID
	err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.RoleID,
		&a.OrganizationID,
		&a.AssignedAt,
		&a.AssignedBy,
		&expiresAt,
		&removedAt,
		&removedBy,
		&a.Version,
	)
	if err != nil {
		return nil, err
	}
	a.AssignedAt = a.AssignedAt.UTC()
	a.ExpiresAt = nullTime(expiresAt)
	a.RemovedAt = nullTime(removedAt)
	a.RemovedBy = nullUUID(removedBy)
	return &a, nil
}

func collectRoles(rows *sql.Rows) ([]Role, error) {
	defer rows.Close()
	var out []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		out = append(out, *role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate roles: %w", err)
	}
	return out, nil
}

func collectAssignments(rows *sql.Rows) ([]UserRoleAssignment, error) {
	defer rows.Close()
	var out []UserRoleAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate assignments: %w", err)
	}
	return out, nil
}

func collectPermissions(rows *sql.Rows) ([]Permission, error) {
	defer rows.Close()
	var out []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Resource, &p.Action, &p.Description, &p.Active, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		p.CreatedAt = p.CreatedAt.UTC()
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate permissions: %w", err)
	}
	return out, nil
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func uuidPtr(id *uuid.UUID) interface{} {
	if id == nil {
		return nil
	}
	return *id
}

func timePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullUUID(id uuid.NullUUID) *uuid.UUID {
	if !id.Valid {
		return nil
	}
	v := id.UUID
	return &v
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
