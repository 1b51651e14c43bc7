package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestGetEnv tests the getEnv helper function
func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns env value when set",
			key:          "WARDEN_TEST_VAR",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when env not set",
			key:          "WARDEN_TEST_VAR_NOT_SET",
			defaultValue: "default",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}
			if got := getEnv(tt.key, tt.defaultValue); got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvBool tests the getEnvBool helper function
func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name         string
		envValue     string
		defaultValue bool
		want         bool
	}{
		{name: "true string", envValue: "true", want: true},
		{name: "TRUE uppercase", envValue: "TRUE", want: true},
		{name: "one", envValue: "1", want: true},
		{name: "false string", envValue: "false", defaultValue: true, want: false},
		{name: "garbage is false", envValue: "yes please", defaultValue: true, want: false},
		{name: "unset uses default", defaultValue: true, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv("WARDEN_TEST_BOOL", tt.envValue)
			}
			if got := getEnvBool("WARDEN_TEST_BOOL", tt.defaultValue); got != tt.want {
				t.Errorf("getEnvBool() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvNumeric tests the integer and duration helpers
func TestGetEnvNumeric(t *testing.T) {
	t.Setenv("WARDEN_TEST_INT", "42")
	t.Setenv("WARDEN_TEST_BAD_INT", "forty-two")
	t.Setenv("WARDEN_TEST_INT64", "9000000000")
	t.Setenv("WARDEN_TEST_DURATION", "90s")
	t.Setenv("WARDEN_TEST_BAD_DURATION", "7d")

	assert.Equal(t, 42, getEnvInt("WARDEN_TEST_INT", 1))
	assert.Equal(t, 1, getEnvInt("WARDEN_TEST_BAD_INT", 1))
	assert.Equal(t, int64(9000000000), getEnvInt64("WARDEN_TEST_INT64", 0))
	assert.Equal(t, 90*time.Second, getEnvDuration("WARDEN_TEST_DURATION", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("WARDEN_TEST_BAD_DURATION", time.Second))

	t.Setenv("WARDEN_TEST_FLOAT", "0.25")
	assert.Equal(t, 0.25, getEnvFloat("WARDEN_TEST_FLOAT", 1))
	assert.Equal(t, 1.0, getEnvFloat("WARDEN_TEST_FLOAT_UNSET", 1))
}

// TestGetEnvList tests comma-separated list parsing
func TestGetEnvList(t *testing.T) {
	t.Setenv("WARDEN_TEST_LIST", " PAYMENTS, ,AUDIT ,")
	assert.Equal(t, []string{"PAYMENTS", "AUDIT"}, getEnvList("WARDEN_TEST_LIST", nil))
	assert.Equal(t, []string{"X"}, getEnvList("WARDEN_TEST_LIST_UNSET", []string{"X"}))
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("WARDEN_DATABASE_URL", "postgres://localhost/warden")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, 10, cfg.RBAC.MaxAssignmentsPerUser)
	assert.Equal(t, 50, cfg.RBAC.MaxCustomRolesPerOrganization)
	assert.Equal(t, 100, cfg.RBAC.MaxPermissionsPerRole)
	assert.Equal(t, 100, cfg.RBAC.MaxRoleNameLength)
	assert.Equal(t, 500, cfg.RBAC.MaxDescriptionLength)
	assert.Equal(t, 7*24*time.Hour, cfg.RBAC.ExpiringSoonWindow)
	assert.Equal(t, "@every 5m", cfg.Sweep.Schedule)
	assert.Equal(t, 500, cfg.Cache.L1Size)
	assert.Equal(t, 15*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "warden", cfg.Cache.KeyPrefix)
	assert.False(t, cfg.Cache.RedisEnabled)
	assert.Equal(t, "info", cfg.Observability.LogLevel)
}

func TestLoadConfig_MissingDSN(t *testing.T) {
	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database DSN is required")
}

func TestLoadConfig_FileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9000"
  read_timeout: 5s
database:
  dsn: postgres://file/warden
rbac:
  max_assignments_per_user: 3
  privileged_resources: [PAYMENTS]
sweep:
  schedule: "*/10 * * * *"
cache:
  redis_enabled: true
`), 0o644))

	t.Setenv("WARDEN_CONFIG_FILE", path)
	t.Setenv("WARDEN_PORT", "9100")
	t.Setenv("WARDEN_PRIVILEGED_ACTIONS", "ADMIN")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9100", cfg.Server.Port, "environment wins over the file")
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 15*time.Second, cfg.Server.WriteTimeout, "unset keys keep their defaults")
	assert.Equal(t, "postgres://file/warden", cfg.Database.DSN)
	assert.Equal(t, 3, cfg.RBAC.MaxAssignmentsPerUser)
	assert.Equal(t, "*/10 * * * *", cfg.Sweep.Schedule)
	assert.True(t, cfg.Cache.RedisEnabled)

	privileges := cfg.Privileges()
	assert.Equal(t, []string{"PAYMENTS"}, privileges.Resources)
	assert.Equal(t, []string{"ADMIN"}, privileges.Actions)
}

func TestLoadFile_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("server: [unclosed"), 0o644))
	_, err = LoadFile(bad)
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing port", mutate: func(c *Config) { c.Server.Port = "" }, wantErr: "server port is required"},
		{name: "missing dsn", mutate: func(c *Config) { c.Database.DSN = "" }, wantErr: "database DSN is required"},
		{name: "zero assignment limit", mutate: func(c *Config) { c.RBAC.MaxAssignmentsPerUser = 0 }, wantErr: "max_assignments_per_user must be positive"},
		{name: "negative role limit", mutate: func(c *Config) { c.RBAC.MaxCustomRolesPerOrganization = -1 }, wantErr: "max_custom_roles_per_organization must be positive"},
		{name: "zero batch", mutate: func(c *Config) { c.Sweep.BatchSize = 0 }, wantErr: "sweep batch_size must be positive"},
		{name: "zero window", mutate: func(c *Config) { c.RBAC.ExpiringSoonWindow = 0 }, wantErr: "expiring_soon_window must be positive"},
		{name: "bad sweep schedule", mutate: func(c *Config) { c.Sweep.Schedule = "whenever" }, wantErr: "invalid sweep schedule"},
		{name: "bad reload schedule", mutate: func(c *Config) { c.Sweep.CatalogReloadSchedule = "61 * * * *" }, wantErr: "invalid catalog reload schedule"},
		{name: "reload disabled", mutate: func(c *Config) { c.Sweep.CatalogReloadSchedule = "" }},
		{name: "redis without url", mutate: func(c *Config) { c.Cache.RedisEnabled = true; c.Redis.URL = "" }, wantErr: "redis URL is required"},
		{name: "bad log format", mutate: func(c *Config) { c.Observability.LogFormat = "xml" }, wantErr: "invalid log format"},
		{name: "otel without endpoint", mutate: func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelEndpoint = ""
		}, wantErr: "OpenTelemetry endpoint is required"},
		{name: "otel sample ratio out of range", mutate: func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelSampleRatio = 1.5
		}, wantErr: "otel_sample_ratio must be within [0,1]"},
		{name: "bad operator id", mutate: func(c *Config) { c.RBAC.OperatorIDs = []string{"root"} }, wantErr: "invalid operator id"},
		{name: "bootstrap owner without organization", mutate: func(c *Config) {
			c.RBAC.BootstrapOwnerID = "8b0f3f0e-0d8a-4c1e-9b55-5c2f1b7d9a10"
		}, wantErr: "must be set together"},
		{name: "bad bootstrap organization", mutate: func(c *Config) {
			c.RBAC.BootstrapOrganizationID = "acme"
			c.RBAC.BootstrapOwnerID = "8b0f3f0e-0d8a-4c1e-9b55-5c2f1b7d9a10"
		}, wantErr: "invalid bootstrap_organization_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Database.DSN = "postgres://localhost/warden"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestManagerConfig(t *testing.T) {
	cfg := Default()
	cfg.RBAC.MaxAssignmentsPerUser = 4
	cfg.RBAC.PrivilegedRoleNames = []string{"owner"}
	cfg.Sweep.Schedule = "@every 1m"
	cfg.Sweep.BatchSize = 25
	cfg.Events.Workers = 2
	cfg.Cache.TTL = time.Minute
	cfg.Cache.WarmOnAssign = false

	mc := cfg.ManagerConfig()
	assert.Equal(t, 4, mc.Limits.MaxAssignmentsPerUser)
	assert.Equal(t, []string{"owner"}, mc.Privileges.RoleNames)
	assert.Equal(t, "@every 1m", mc.Scheduler.SweepSchedule)
	assert.Equal(t, 25, mc.SweepBatchSize)
	assert.Equal(t, 2, mc.Events.Workers)
	assert.Equal(t, time.Minute, mc.CacheTTL)
	assert.False(t, mc.WarmCacheOnAssign)

	mem := cfg.MemoryCacheConfig()
	assert.Equal(t, 500, mem.MaxEntries)
	assert.Equal(t, time.Minute, mem.TTL)

	rc := cfg.RedisCacheConfig()
	assert.Equal(t, "warden", rc.KeyPrefix)
	assert.Equal(t, "redis://localhost:6379", rc.URL)
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.yaml")
	write := func(body string) {
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	write("database:\n  dsn: postgres://localhost/warden\n")

	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan *Config, 64)
	done := make(chan error, 1)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	go func() {
		done <- Watch(ctx, path, logger, func(c *Config) {
			select {
			case changes <- c:
			default:
			}
		})
	}()

	// Invalid contents are skipped; keep rewriting until the watcher is live
	var got *Config
	require.Eventually(t, func() bool {
		write("database:\n  dsn: \"\"\n")
		write("database:\n  dsn: postgres://localhost/warden\nrbac:\n  privileged_resources: [PAYMENTS]\n")
		timeout := time.After(50 * time.Millisecond)
		for {
			select {
			case c := <-changes:
				if len(c.RBAC.PrivilegedResources) == 1 && c.RBAC.PrivilegedResources[0] == "PAYMENTS" {
					got = c
					return true
				}
			case <-timeout:
				return false
			}
		}
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"PAYMENTS"}, got.RBAC.PrivilegedResources)
	assert.NotEmpty(t, got.Database.DSN)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestOperatorsAndBootstrap(t *testing.T) {
	orgID, ownerID, operator := uuid.New(), uuid.New(), uuid.New()
	t.Setenv("WARDEN_DATABASE_URL", "postgres://localhost/warden")
	t.Setenv("WARDEN_OPERATOR_IDS", operator.String())
	t.Setenv("WARDEN_BOOTSTRAP_ORGANIZATION_ID", orgID.String())
	t.Setenv("WARDEN_BOOTSTRAP_OWNER_ID", ownerID.String())

	cfg, err := LoadFile("")
	require.NoError(t, err)

	org, owner, ok := cfg.Bootstrap()
	require.True(t, ok)
	assert.Equal(t, orgID, org)
	assert.Equal(t, ownerID, owner)
	assert.Equal(t, []uuid.UUID{operator}, cfg.ManagerConfig().Operators)

	_, _, ok = Default().Bootstrap()
	assert.False(t, ok)
}
