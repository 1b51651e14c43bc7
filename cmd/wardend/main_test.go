package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/platinummonkey/warden/pkg/cache"
	"github.com/platinummonkey/warden/pkg/config"
	"github.com/platinummonkey/warden/pkg/middleware"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/rbac"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCache(t *testing.T) {
	logger, hook := test.NewNullLogger()

	t.Run("memory only", func(t *testing.T) {
		c, redisCache, err := buildCache(config.Default(), logger)
		require.NoError(t, err)
		defer c.Close()
		assert.IsType(t, &cache.MemoryCache{}, c)
		assert.Nil(t, redisCache)
	})

	t.Run("tiered", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := config.Default()
		cfg.Cache.RedisEnabled = true
		cfg.Redis.URL = "redis://" + mr.Addr()

		c, redisCache, err := buildCache(cfg, logger)
		require.NoError(t, err)
		defer c.Close()
		assert.IsType(t, &cache.TieredCache{}, c)
		require.NotNil(t, redisCache)
		assert.NoError(t, redisCache.Ping(context.Background()))
	})

	t.Run("redis down falls back", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()
		cfg := config.Default()
		cfg.Cache.RedisEnabled = true
		cfg.Redis.URL = "redis://" + addr

		c, redisCache, err := buildCache(cfg, logger)
		require.NoError(t, err)
		defer c.Close()
		assert.IsType(t, &cache.MemoryCache{}, c)
		assert.Nil(t, redisCache)
		assert.Equal(t, "Redis unavailable, using in-process cache only", hook.LastEntry().Message)
	})
}

func TestBuildAuditLogger(t *testing.T) {
	logger, _ := test.NewNullLogger()

	l, err := buildAuditLogger(config.AuditConfig{}, logger)
	require.NoError(t, err)
	assert.NoError(t, l.Close())

	l, err = buildAuditLogger(config.AuditConfig{FilePath: filepath.Join(t.TempDir(), "audit", "trail.jsonl")}, logger)
	require.NoError(t, err)
	assert.NoError(t, l.Close())
}

func TestRouterWiring(t *testing.T) {
	ctx := context.Background()
	logger, _ := test.NewNullLogger()

	manager, err := rbac.NewManager(ctx, rbac.NewMemoryStore(rbac.DefaultCatalog()...), rbac.DefaultConfig(), rbac.WithLogger(logger))
	require.NoError(t, err)
	require.NoError(t, manager.Initialize(ctx))
	defer func() {
		closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		assert.NoError(t, manager.Close(closeCtx))
	}()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	registry := prometheus.NewRegistry()
	handler := newHandler(newRouter(manager, observability.NewHealthChecker(db, nil, "test"), registry, true), logger)

	serve := func(method, path string, headers map[string]string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	assert.Equal(t, http.StatusOK, serve(http.MethodGet, "/health/ready", nil).Code)

	w := serve(http.MethodGet, "/api/permissions", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(middleware.HeaderRequestID))

	orgPath := "/api/organizations/" + uuid.NewString() + "/roles"
	assert.Equal(t, http.StatusUnauthorized, serve(http.MethodGet, orgPath, nil).Code)
	assert.Equal(t, http.StatusForbidden, serve(http.MethodGet, orgPath, map[string]string{
		middleware.HeaderUserID: uuid.NewString(),
	}).Code)
	assert.Equal(t, http.StatusBadRequest, serve(http.MethodGet, orgPath, map[string]string{
		middleware.HeaderUserID: "not-a-uuid",
	}).Code)

	assert.Equal(t, http.StatusForbidden, serve(http.MethodPost, "/api/admin/permissions/reload", map[string]string{
		middleware.HeaderUserID: uuid.NewString(),
	}).Code)

	w = serve(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "warden_http_requests_total")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyBootstrapFlags(t *testing.T) {
	newConfig := func() *config.Config {
		cfg := config.Default()
		cfg.Database.DSN = "postgres://localhost/warden"
		return cfg
	}

	t.Run("no flags keeps configuration", func(t *testing.T) {
		cfg := newConfig()
		cfg.RBAC.BootstrapOrganizationID = uuid.NewString()
		cfg.RBAC.BootstrapOwnerID = uuid.NewString()
		require.NoError(t, applyBootstrapFlags(cfg, "", ""))
		_, _, ok := cfg.Bootstrap()
		assert.True(t, ok)
	})

	t.Run("flags override configuration", func(t *testing.T) {
		cfg := newConfig()
		orgID, ownerID := uuid.New(), uuid.New()
		require.NoError(t, applyBootstrapFlags(cfg, orgID.String(), ownerID.String()))
		gotOrg, gotOwner, ok := cfg.Bootstrap()
		require.True(t, ok)
		assert.Equal(t, orgID, gotOrg)
		assert.Equal(t, ownerID, gotOwner)
	})

	t.Run("owner is required", func(t *testing.T) {
		err := applyBootstrapFlags(newConfig(), uuid.NewString(), "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must be set together")
	})

	t.Run("malformed owner", func(t *testing.T) {
		err := applyBootstrapFlags(newConfig(), uuid.NewString(), "admin")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid bootstrap_owner_id")
	})
}

func TestBootstrapOrganization(t *testing.T) {
	ctx := context.Background()
	logger, _ := test.NewNullLogger()

	manager, err := rbac.NewManager(ctx, rbac.NewMemoryStore(rbac.DefaultCatalog()...), rbac.DefaultConfig(), rbac.WithLogger(logger))
	require.NoError(t, err)
	require.NoError(t, manager.Initialize(ctx))
	defer func() {
		closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		assert.NoError(t, manager.Close(closeCtx))
	}()

	orgID, ownerID := uuid.New(), uuid.New()
	cfg := config.Default()
	require.NoError(t, bootstrapOrganization(ctx, manager, cfg))
	assert.False(t, manager.HasPermission(ctx, ownerID, orgID, "USERS", "ADMIN"))

	cfg.RBAC.BootstrapOrganizationID = orgID.String()
	cfg.RBAC.BootstrapOwnerID = ownerID.String()
	require.NoError(t, bootstrapOrganization(ctx, manager, cfg))
	require.NoError(t, bootstrapOrganization(ctx, manager, cfg))
	assert.True(t, manager.HasPermission(ctx, ownerID, orgID, "USERS", "ADMIN"))
	assert.False(t, manager.HasPermission(ctx, uuid.New(), orgID, "USERS", "ADMIN"))
}

func TestClosersAbortUnwindsInReverse(t *testing.T) {
	var order []string
	var started closers
	for _, name := range []string{"database", "otel", "audit"} {
		name := name
		started.add(func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	cause := errors.New("audit file unavailable")
	assert.Equal(t, cause, started.abort(cause))
	assert.Equal(t, []string{"audit", "otel", "database"}, order)
}
