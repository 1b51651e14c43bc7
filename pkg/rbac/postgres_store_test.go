package rbac

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func exactSQL(query string) string {
	return regexp.QuoteMeta(query)
}

var (
	roleRowColumns       = []string{"id", "organization_id", "name", "description", "role_type", "active", "version", "created_by", "updated_by", "created_at", "updated_at"}
	assignmentRowColumns = []string{"id", "user_id", "role_id", "organization_id", "assigned_at", "assigned_by", "expires_at", "removed_at", "removed_by", "version"}
)

func TestPostgresStore_GetRole(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	orgID, roleID, creator := uuid.New(), uuid.New(), uuid.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(exactSQL("FROM roles WHERE id = $1 AND organization_id = $2")).
		WithArgs(roleID, orgID).
		WillReturnRows(sqlmock.NewRows(roleRowColumns).
			AddRow(roleID.String(), orgID.String(), "support", "", "CUSTOM", true, int64(3), creator.String(), nil, now, now))

	role, err := store.GetRole(ctx, orgID, roleID)
	require.NoError(t, err)
	assert.Equal(t, "support", role.Name)
	assert.Equal(t, RoleTypeCustom, role.Type)
	assert.Equal(t, int64(3), role.Version)
	require.NotNil(t, role.CreatedBy)
	assert.Equal(t, creator, *role.CreatedBy)
	assert.Nil(t, role.UpdatedBy)

	mock.ExpectQuery(exactSQL("FROM roles WHERE id = $1 AND organization_id = $2")).
		WillReturnRows(sqlmock.NewRows(roleRowColumns))
	_, err = store.GetRole(ctx, orgID, roleID)
	assert.ErrorIs(t, err, ErrRoleNotFound)

	mock.ExpectQuery(exactSQL("FROM roles WHERE id = $1 AND organization_id = $2")).
		WillReturnError(errors.New("connection reset"))
	_, err = store.GetRole(ctx, orgID, roleID)
	require.Error(t, err)
	assert.False(t, IsNotFound(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRole(t *testing.T) {
	ctx := context.Background()
	orgID, actor := uuid.New(), uuid.New()
	permissionID := uuid.New()

	newRole := func() *Role {
		return &Role{OrganizationID: orgID, Name: "support", Type: RoleTypeCustom, CreatedBy: &actor, UpdatedBy: &actor}
	}
	expectPreamble := func(mock sqlmock.Sqlmock, exists bool) {
		mock.ExpectBegin()
		mock.ExpectExec(exactSQL("SELECT pg_advisory_xact_lock(hashtext($1))")).
			WithArgs("rbac:org:" + orgID.String()).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(exactSQL("lower(name) = lower($2)")).
			WithArgs(orgID, "support", RoleTypeCustom).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(exists))
	}

	t.Run("success", func(t *testing.T) {
		store, mock := newMockStore(t)
		expectPreamble(mock, false)
		mock.ExpectQuery(exactSQL("role_type = 'CUSTOM' AND active")).
			WithArgs(orgID).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))
		mock.ExpectQuery(exactSQL("FROM permissions WHERE id = ANY($1::uuid[]) AND active")).
			WithArgs(sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
		mock.ExpectExec(exactSQL("INSERT INTO roles")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(exactSQL("INSERT INTO role_permissions")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		role := newRole()
		require.NoError(t, store.CreateRole(ctx, role, []uuid.UUID{permissionID}, 5))
		assert.NotEqual(t, uuid.Nil, role.ID)
		assert.True(t, role.Active)
		assert.Equal(t, int64(1), role.Version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate name", func(t *testing.T) {
		store, mock := newMockStore(t)
		expectPreamble(mock, true)
		mock.ExpectRollback()

		err := store.CreateRole(ctx, newRole(), []uuid.UUID{permissionID}, 5)
		assert.ErrorIs(t, err, ErrDuplicateRoleName)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("limit reached", func(t *testing.T) {
		store, mock := newMockStore(t)
		expectPreamble(mock, false)
		mock.ExpectQuery(exactSQL("role_type = 'CUSTOM' AND active")).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))
		mock.ExpectRollback()

		err := store.CreateRole(ctx, newRole(), []uuid.UUID{permissionID}, 5)
		assert.ErrorIs(t, err, ErrRoleLimitExceeded)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("retired permission", func(t *testing.T) {
		store, mock := newMockStore(t)
		expectPreamble(mock, false)
		mock.ExpectQuery(exactSQL("FROM permissions WHERE id = ANY($1::uuid[]) AND active")).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectRollback()

		err := store.CreateRole(ctx, newRole(), []uuid.UUID{permissionID}, 0)
		assert.ErrorIs(t, err, ErrInvalidPermission)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_RolePermissionWrites(t *testing.T) {
	ctx := context.Background()
	role := &Role{ID: uuid.New(), Version: 2}
	permissionID := uuid.New()

	t.Run("stale version", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery(exactSQL("SELECT version FROM roles WHERE id = $1 FOR UPDATE")).
			WithArgs(role.ID).
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(3)))
		mock.ExpectRollback()

		r := *role
		err := store.AddRolePermission(ctx, &r, permissionID)
		assert.ErrorIs(t, err, ErrConcurrentModification)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already present", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery(exactSQL("SELECT version FROM roles WHERE id = $1 FOR UPDATE")).
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(2)))
		mock.ExpectQuery(exactSQL("FROM permissions WHERE id = ANY($1::uuid[]) AND active")).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
		mock.ExpectExec(exactSQL("ON CONFLICT (role_id, permission_id) DO NOTHING")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		r := *role
		err := store.AddRolePermission(ctx, &r, permissionID)
		assert.ErrorIs(t, err, ErrDuplicatePermission)
		assert.Equal(t, int64(2), r.Version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("remove bumps version", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery(exactSQL("SELECT version FROM roles WHERE id = $1 FOR UPDATE")).
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(2)))
		mock.ExpectExec(exactSQL("DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2")).
			WithArgs(role.ID, permissionID).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(exactSQL("UPDATE roles SET updated_by = $1, version = version + 1")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		r := *role
		require.NoError(t, store.RemoveRolePermission(ctx, &r, permissionID))
		assert.Equal(t, int64(3), r.Version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("deactivate in use", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery(exactSQL("SELECT version FROM roles WHERE id = $1 FOR UPDATE")).
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(2)))
		mock.ExpectQuery(exactSQL("SELECT COUNT(*) FROM user_roles")).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
		mock.ExpectRollback()

		r := *role
		err := store.DeactivateRole(ctx, &r, time.Now())
		assert.ErrorIs(t, err, ErrRoleInUse)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("cascade removes holders and deactivates in one transaction", func(t *testing.T) {
		store, mock := newMockStore(t)
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		actor, userID, orgID := uuid.New(), uuid.New(), uuid.New()

		mock.ExpectBegin()
		mock.ExpectQuery(exactSQL("SELECT version FROM roles WHERE id = $1 FOR UPDATE")).
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(2)))
		mock.ExpectQuery(exactSQL("UPDATE user_roles SET removed_at = $2, removed_by = $3")).
			WithArgs(role.ID, now, actor).
			WillReturnRows(sqlmock.NewRows(assignmentRowColumns).
				AddRow(uuid.NewString(), userID.String(), role.ID.String(), orgID.String(), now.Add(-time.Hour), actor.String(), nil, now, actor.String(), int64(2)))
		mock.ExpectExec(exactSQL("UPDATE roles SET active = FALSE")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(exactSQL("DELETE FROM role_permissions WHERE role_id = $1")).
			WithArgs(role.ID).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		r := *role
		removed, err := store.DeactivateRoleCascade(ctx, &r, actor, now)
		require.NoError(t, err)
		require.Len(t, removed, 1)
		assert.Equal(t, userID, removed[0].UserID)
		assert.False(t, r.Active)
		assert.Equal(t, int64(3), r.Version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("cascade rolls back when deactivation fails", func(t *testing.T) {
		store, mock := newMockStore(t)
		now := time.Now().UTC()

		mock.ExpectBegin()
		mock.ExpectQuery(exactSQL("SELECT version FROM roles WHERE id = $1 FOR UPDATE")).
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(2)))
		mock.ExpectQuery(exactSQL("UPDATE user_roles SET removed_at = $2, removed_by = $3")).
			WillReturnRows(sqlmock.NewRows(assignmentRowColumns))
		mock.ExpectExec(exactSQL("UPDATE roles SET active = FALSE")).
			WillReturnError(errors.New("connection reset"))
		mock.ExpectRollback()

		r := *role
		removed, err := store.DeactivateRoleCascade(ctx, &r, uuid.New(), now)
		require.Error(t, err)
		assert.Nil(t, removed)
		assert.Equal(t, int64(2), r.Version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("cascade on stale version writes nothing", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery(exactSQL("SELECT version FROM roles WHERE id = $1 FOR UPDATE")).
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(5)))
		mock.ExpectRollback()

		r := *role
		_, err := store.DeactivateRoleCascade(ctx, &r, uuid.New(), time.Now())
		assert.ErrorIs(t, err, ErrConcurrentModification)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_CreateAssignment(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	userID, roleID, orgID := uuid.New(), uuid.New(), uuid.New()

	newAssignment := func() *UserRoleAssignment {
		return &UserRoleAssignment{UserID: userID, RoleID: roleID, OrganizationID: orgID, AssignedBy: SystemActorID}
	}
	expectPreamble := func(mock sqlmock.Sqlmock, retired *sqlmock.Rows) {
		mock.ExpectBegin()
		mock.ExpectQuery(exactSQL("SELECT active FROM roles WHERE id = $1 AND organization_id = $2 FOR SHARE")).
			WithArgs(roleID, orgID).
			WillReturnRows(sqlmock.NewRows([]string{"active"}).AddRow(true))
		mock.ExpectExec(exactSQL("SELECT pg_advisory_xact_lock(hashtext($1))")).
			WithArgs("rbac:user:" + userID.String()).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(exactSQL("UPDATE user_roles SET removed_at = $3")).
			WillReturnRows(retired)
	}

	t.Run("success", func(t *testing.T) {
		store, mock := newMockStore(t)
		expectPreamble(mock, sqlmock.NewRows(assignmentRowColumns))
		mock.ExpectQuery(exactSQL("SELECT EXISTS (SELECT 1 FROM user_roles WHERE user_id = $1 AND role_id = $2 AND removed_at IS NULL)")).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectQuery(exactSQL("SELECT COUNT(*) FROM user_roles")).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectExec(exactSQL("INSERT INTO user_roles")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		a := newAssignment()
		retired, err := store.CreateAssignment(ctx, a, 10, now)
		require.NoError(t, err)
		assert.Empty(t, retired)
		assert.Equal(t, now, a.AssignedAt)
		assert.Equal(t, int64(1), a.Version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("limit keeps retired rows", func(t *testing.T) {
		store, mock := newMockStore(t)
		lapsed := now.Add(-time.Hour)
		expectPreamble(mock, sqlmock.NewRows(assignmentRowColumns).
			AddRow(uuid.NewString(), userID.String(), roleID.String(), orgID.String(), now.Add(-48*time.Hour), SystemActorID.String(), lapsed, now, SystemActorID.String(), int64(2)))
		mock.ExpectQuery(exactSQL("SELECT EXISTS (SELECT 1 FROM user_roles WHERE user_id = $1 AND role_id = $2 AND removed_at IS NULL)")).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectQuery(exactSQL("SELECT COUNT(*) FROM user_roles")).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
		mock.ExpectCommit()

		retired, err := store.CreateAssignment(ctx, newAssignment(), 1, now)
		assert.ErrorIs(t, err, ErrAssignmentLimitExceeded)
		require.Len(t, retired, 1)
		require.NotNil(t, retired[0].ExpiresAt)
		assert.True(t, lapsed.Equal(*retired[0].ExpiresAt))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("inactive role", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery(exactSQL("SELECT active FROM roles")).
			WillReturnRows(sqlmock.NewRows([]string{"active"}).AddRow(false))
		mock.ExpectRollback()

		_, err := store.CreateAssignment(ctx, newAssignment(), 10, now)
		assert.ErrorIs(t, err, ErrRoleNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("open pair", func(t *testing.T) {
		store, mock := newMockStore(t)
		expectPreamble(mock, sqlmock.NewRows(assignmentRowColumns))
		mock.ExpectQuery(exactSQL("SELECT EXISTS (SELECT 1 FROM user_roles WHERE user_id = $1 AND role_id = $2 AND removed_at IS NULL)")).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectRollback()

		_, err := store.CreateAssignment(ctx, newAssignment(), 10, now)
		assert.ErrorIs(t, err, ErrDuplicateAssignment)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_RemoveAssignment(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("success", func(t *testing.T) {
		store, mock := newMockStore(t)
		a := &UserRoleAssignment{ID: uuid.New(), Version: 1}
		remover := uuid.New()
		mock.ExpectExec(exactSQL("UPDATE user_roles SET removed_at = $1, removed_by = $2")).
			WithArgs(sqlmock.AnyArg(), remover, a.ID, int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, store.RemoveAssignment(ctx, a, remover, now))
		require.NotNil(t, a.RemovedBy)
		assert.Equal(t, remover, *a.RemovedBy)
		assert.Equal(t, int64(2), a.Version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	for _, tt := range []struct {
		name   string
		exists bool
		want   error
	}{
		{"stale version", true, ErrConcurrentModification},
		{"missing row", false, ErrAssignmentNotFound},
	} {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMockStore(t)
			a := &UserRoleAssignment{ID: uuid.New(), Version: 1}
			mock.ExpectExec(exactSQL("UPDATE user_roles SET expires_at = $1")).
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectQuery(exactSQL("SELECT EXISTS (SELECT 1 FROM user_roles WHERE id = $1)")).
				WithArgs(a.ID).
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(tt.exists))

			err := store.ExtendAssignment(ctx, a, nil)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, int64(1), a.Version)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresStore_ListRoleGrants(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	userID, orgID := uuid.New(), uuid.New()
	admin, support := uuid.New(), uuid.New()
	until := now.Add(time.Hour)

	mock.ExpectQuery(exactSQL("FROM user_roles ur")).
		WithArgs(userID, orgID, now).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "expires_at"}).
			AddRow(admin.String(), "admin", nil).
			AddRow(support.String(), "support", until))

	grants, err := store.ListRoleGrants(context.Background(), userID, orgID, now)
	require.NoError(t, err)
	require.Len(t, grants, 2)
	assert.Equal(t, admin, grants[0].RoleID)
	assert.Nil(t, grants[0].ExpiresAt)
	require.NotNil(t, grants[1].ExpiresAt)
	assert.True(t, until.Equal(*grants[1].ExpiresAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimExpiredAssignments(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(exactSQL("FOR UPDATE SKIP LOCKED")).
		WithArgs(sqlmock.AnyArg(), SystemActorID, sql.NullInt64{Int64: 50, Valid: true}).
		WillReturnRows(sqlmock.NewRows(assignmentRowColumns))
	claimed, err := store.ClaimExpiredAssignments(context.Background(), now, 50)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	mock.ExpectQuery(exactSQL("FOR UPDATE SKIP LOCKED")).
		WithArgs(sqlmock.AnyArg(), SystemActorID, nil).
		WillReturnRows(sqlmock.NewRows(assignmentRowColumns))
	_, err = store.ClaimExpiredAssignments(context.Background(), now, 0)
	require.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AssignmentStatistics(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	orgID := uuid.New()

	mock.ExpectQuery(exactSQL("COUNT(*) FILTER")).
		WithArgs(orgID, sqlmock.AnyArg(), sqlmock.AnyArg(), SystemActorID).
		WillReturnRows(sqlmock.NewRows([]string{"active", "temporary", "expiring", "expired"}).AddRow(3, 2, 1, 4))

	stats, err := store.AssignmentStatistics(context.Background(), orgID, now, now.Add(7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, AssignmentStatistics{Total: 7, Active: 3, Temporary: 2, ExpiringThisWeek: 1, Expired: 4}, *stats)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMapWriteError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"role name", &pq.Error{Code: "23505", Constraint: constraintRoleName}, ErrDuplicateRoleName},
		{"open assignment", &pq.Error{Code: "23505", Constraint: constraintOpenAssignment}, ErrDuplicateAssignment},
		{"role permission", &pq.Error{Code: "23505", Constraint: constraintRolePermission}, ErrDuplicatePermission},
		{"foreign key", &pq.Error{Code: "23503", Detail: "permission missing"}, ErrInvalidPermission},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, mapWriteError(tt.err, "write failed"), tt.want)
		})
	}

	cause := errors.New("disk full")
	err := mapWriteError(cause, "write failed")
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "write failed")
}
