package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/warden/pkg/cache"
	"github.com/platinummonkey/warden/pkg/rbac"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Cache         CacheConfig         `yaml:"cache"`
	RBAC          RBACConfig          `yaml:"rbac"`
	Sweep         SweepConfig         `yaml:"sweep"`
	Events        EventsConfig        `yaml:"events"`
	Audit         AuditConfig         `yaml:"audit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	RunMigrations   bool          `yaml:"run_migrations"`
}

// RedisConfig holds the shared cache tier connection
type RedisConfig struct {
	URL        string `yaml:"url"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	PoolSize   int    `yaml:"pool_size"`
	MaxRetries int    `yaml:"max_retries"`
}

// CacheConfig sizes the permission cache
type CacheConfig struct {
	L1Size       int           `yaml:"l1_size"`
	TTL          time.Duration `yaml:"ttl"`
	RedisEnabled bool          `yaml:"redis_enabled"`
	KeyPrefix    string        `yaml:"key_prefix"`
	WarmOnAssign bool          `yaml:"warm_on_assign"`
}

// RBACConfig holds policy limits and the privileged permission list
type RBACConfig struct {
	MaxAssignmentsPerUser         int           `yaml:"max_assignments_per_user"`
	MaxCustomRolesPerOrganization int           `yaml:"max_custom_roles_per_organization"`
	MaxPermissionsPerRole         int           `yaml:"max_permissions_per_role"`
	MaxRoleNameLength             int           `yaml:"max_role_name_length"`
	MaxDescriptionLength          int           `yaml:"max_description_length"`
	ExpiringSoonWindow            time.Duration `yaml:"expiring_soon_window"`
	PrivilegedResources           []string      `yaml:"privileged_resources"`
	PrivilegedActions             []string      `yaml:"privileged_actions"`
	PrivilegedRoleNames           []string      `yaml:"privileged_role_names"`

	// OperatorIDs may call the admin routes that act on every organization
	OperatorIDs []string `yaml:"operator_ids"`

	// BootstrapOrganizationID and BootstrapOwnerID, when both set, seed the
	// organization's roles and grant owner at startup
	BootstrapOrganizationID string `yaml:"bootstrap_organization_id"`
	BootstrapOwnerID        string `yaml:"bootstrap_owner_id"`
}

// SweepConfig schedules the expired assignment sweep and catalog reload
type SweepConfig struct {
	Schedule              string        `yaml:"schedule"`
	BatchSize             int           `yaml:"batch_size"`
	CatalogReloadSchedule string        `yaml:"catalog_reload_schedule"`
	JobTimeout            time.Duration `yaml:"job_timeout"`
}

// EventsConfig sizes the domain event dispatcher
type EventsConfig struct {
	Workers         int           `yaml:"workers"`
	QueueSize       int           `yaml:"queue_size"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
}

// AuditConfig selects where the audit trail goes
type AuditConfig struct {
	FilePath    string `yaml:"file_path"`
	MaxFileSize int64  `yaml:"max_file_size"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	MetricsEnabled bool `yaml:"metrics_enabled"`

	OTelEnabled        bool    `yaml:"otel_enabled"`
	OTelEndpoint       string  `yaml:"otel_endpoint"`
	OTelServiceName    string  `yaml:"otel_service_name"`
	OTelServiceVersion string  `yaml:"otel_service_version"`
	OTelInsecure       bool    `yaml:"otel_insecure"`
	OTelSampleRatio    float64 `yaml:"otel_sample_ratio"`
}

// Default returns the built-in configuration
func Default() *Config {
	limits := rbac.DefaultLimits()
	privileges := rbac.DefaultPrivilegeList()
	events := rbac.DefaultEventBusConfig()
	scheduler := rbac.DefaultSchedulerConfig()
	assignments := rbac.DefaultAssignmentOptions()
	memory := cache.DefaultMemoryConfig()

	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			RunMigrations:   true,
		},
		Redis: RedisConfig{
			URL:        "redis://localhost:6379",
			PoolSize:   10,
			MaxRetries: 3,
		},
		Cache: CacheConfig{
			L1Size:       memory.MaxEntries,
			TTL:          memory.TTL,
			KeyPrefix:    "warden",
			WarmOnAssign: true,
		},
		RBAC: RBACConfig{
			MaxAssignmentsPerUser:         limits.MaxAssignmentsPerUser,
			MaxCustomRolesPerOrganization: limits.MaxCustomRolesPerOrganization,
			MaxPermissionsPerRole:         limits.MaxPermissionsPerRole,
			MaxRoleNameLength:             limits.MaxRoleNameLength,
			MaxDescriptionLength:          limits.MaxDescriptionLength,
			ExpiringSoonWindow:            assignments.ExpiringSoonWindow,
			PrivilegedResources:           privileges.Resources,
			PrivilegedActions:             privileges.Actions,
			PrivilegedRoleNames:           privileges.RoleNames,
		},
		Sweep: SweepConfig{
			Schedule:              scheduler.SweepSchedule,
			BatchSize:             assignments.SweepBatchSize,
			CatalogReloadSchedule: scheduler.CatalogReloadSchedule,
			JobTimeout:            scheduler.JobTimeout,
		},
		Events: EventsConfig{
			Workers:         events.Workers,
			QueueSize:       events.QueueSize,
			DispatchTimeout: events.DispatchTimeout,
		},
		Audit: AuditConfig{
			MaxFileSize: 100 * 1024 * 1024,
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			LogFormat:          "text",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "wardend",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
			OTelSampleRatio:    1,
		},
	}
}

// LoadConfig builds the configuration from defaults, the file named by
// WARDEN_CONFIG_FILE and WARDEN_* environment overrides, in that order
func LoadConfig() (*Config, error) {
	return LoadFile(getEnv("WARDEN_CONFIG_FILE", ""))
}

// LoadFile layers the YAML file at path, when non-empty, and the environment
// over the defaults
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnv("WARDEN_HOST", c.Server.Host)
	c.Server.Port = getEnv("WARDEN_PORT", c.Server.Port)
	c.Server.ReadTimeout = getEnvDuration("WARDEN_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvDuration("WARDEN_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.IdleTimeout = getEnvDuration("WARDEN_IDLE_TIMEOUT", c.Server.IdleTimeout)
	c.Server.ShutdownTimeout = getEnvDuration("WARDEN_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)

	c.Database.DSN = getEnv("WARDEN_DATABASE_URL", c.Database.DSN)
	c.Database.MaxOpenConns = getEnvInt("WARDEN_DATABASE_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = getEnvInt("WARDEN_DATABASE_MAX_IDLE_CONNS", c.Database.MaxIdleConns)
	c.Database.ConnMaxLifetime = getEnvDuration("WARDEN_DATABASE_CONN_MAX_LIFETIME", c.Database.ConnMaxLifetime)
	c.Database.RunMigrations = getEnvBool("WARDEN_DATABASE_RUN_MIGRATIONS", c.Database.RunMigrations)

	c.Redis.URL = getEnv("WARDEN_REDIS_URL", c.Redis.URL)
	c.Redis.Password = getEnv("WARDEN_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("WARDEN_REDIS_DB", c.Redis.DB)
	c.Redis.PoolSize = getEnvInt("WARDEN_REDIS_POOL_SIZE", c.Redis.PoolSize)
	c.Redis.MaxRetries = getEnvInt("WARDEN_REDIS_MAX_RETRIES", c.Redis.MaxRetries)

	c.Cache.L1Size = getEnvInt("WARDEN_CACHE_L1_SIZE", c.Cache.L1Size)
	c.Cache.TTL = getEnvDuration("WARDEN_CACHE_TTL", c.Cache.TTL)
	c.Cache.RedisEnabled = getEnvBool("WARDEN_CACHE_REDIS_ENABLED", c.Cache.RedisEnabled)
	c.Cache.KeyPrefix = getEnv("WARDEN_CACHE_KEY_PREFIX", c.Cache.KeyPrefix)
	c.Cache.WarmOnAssign = getEnvBool("WARDEN_CACHE_WARM_ON_ASSIGN", c.Cache.WarmOnAssign)

	c.RBAC.MaxAssignmentsPerUser = getEnvInt("WARDEN_MAX_ASSIGNMENTS_PER_USER", c.RBAC.MaxAssignmentsPerUser)
	c.RBAC.MaxCustomRolesPerOrganization = getEnvInt("WARDEN_MAX_CUSTOM_ROLES_PER_ORGANIZATION", c.RBAC.MaxCustomRolesPerOrganization)
	c.RBAC.MaxPermissionsPerRole = getEnvInt("WARDEN_MAX_PERMISSIONS_PER_ROLE", c.RBAC.MaxPermissionsPerRole)
	c.RBAC.MaxRoleNameLength = getEnvInt("WARDEN_MAX_ROLE_NAME_LENGTH", c.RBAC.MaxRoleNameLength)
	c.RBAC.MaxDescriptionLength = getEnvInt("WARDEN_MAX_DESCRIPTION_LENGTH", c.RBAC.MaxDescriptionLength)
	c.RBAC.ExpiringSoonWindow = getEnvDuration("WARDEN_EXPIRING_SOON_WINDOW", c.RBAC.ExpiringSoonWindow)
	c.RBAC.PrivilegedResources = getEnvList("WARDEN_PRIVILEGED_RESOURCES", c.RBAC.PrivilegedResources)
	c.RBAC.PrivilegedActions = getEnvList("WARDEN_PRIVILEGED_ACTIONS", c.RBAC.PrivilegedActions)
	c.RBAC.PrivilegedRoleNames = getEnvList("WARDEN_PRIVILEGED_ROLE_NAMES", c.RBAC.PrivilegedRoleNames)
	c.RBAC.OperatorIDs = getEnvList("WARDEN_OPERATOR_IDS", c.RBAC.OperatorIDs)
	c.RBAC.BootstrapOrganizationID = getEnv("WARDEN_BOOTSTRAP_ORGANIZATION_ID", c.RBAC.BootstrapOrganizationID)
	c.RBAC.BootstrapOwnerID = getEnv("WARDEN_BOOTSTRAP_OWNER_ID", c.RBAC.BootstrapOwnerID)

	c.Sweep.Schedule = getEnv("WARDEN_SWEEP_SCHEDULE", c.Sweep.Schedule)
	c.Sweep.BatchSize = getEnvInt("WARDEN_SWEEP_BATCH_SIZE", c.Sweep.BatchSize)
	c.Sweep.CatalogReloadSchedule = getEnv("WARDEN_CATALOG_RELOAD_SCHEDULE", c.Sweep.CatalogReloadSchedule)
	c.Sweep.JobTimeout = getEnvDuration("WARDEN_SWEEP_JOB_TIMEOUT", c.Sweep.JobTimeout)

	c.Events.Workers = getEnvInt("WARDEN_EVENT_WORKERS", c.Events.Workers)
	c.Events.QueueSize = getEnvInt("WARDEN_EVENT_QUEUE_SIZE", c.Events.QueueSize)
	c.Events.DispatchTimeout = getEnvDuration("WARDEN_EVENT_DISPATCH_TIMEOUT", c.Events.DispatchTimeout)

	c.Audit.FilePath = getEnv("WARDEN_AUDIT_FILE", c.Audit.FilePath)
	c.Audit.MaxFileSize = getEnvInt64("WARDEN_AUDIT_MAX_FILE_SIZE", c.Audit.MaxFileSize)

	c.Observability.LogLevel = getEnv("WARDEN_LOG_LEVEL", c.Observability.LogLevel)
	c.Observability.LogFormat = getEnv("WARDEN_LOG_FORMAT", c.Observability.LogFormat)
	c.Observability.MetricsEnabled = getEnvBool("WARDEN_METRICS_ENABLED", c.Observability.MetricsEnabled)
	c.Observability.OTelEnabled = getEnvBool("WARDEN_OTEL_ENABLED", c.Observability.OTelEnabled)
	c.Observability.OTelEndpoint = getEnv("WARDEN_OTEL_ENDPOINT", c.Observability.OTelEndpoint)
	c.Observability.OTelServiceName = getEnv("WARDEN_OTEL_SERVICE_NAME", c.Observability.OTelServiceName)
	c.Observability.OTelServiceVersion = getEnv("WARDEN_OTEL_SERVICE_VERSION", c.Observability.OTelServiceVersion)
	c.Observability.OTelInsecure = getEnvBool("WARDEN_OTEL_INSECURE", c.Observability.OTelInsecure)
	c.Observability.OTelSampleRatio = getEnvFloat("WARDEN_OTEL_SAMPLE_RATIO", c.Observability.OTelSampleRatio)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}
	if c.Cache.RedisEnabled && c.Redis.URL == "" {
		return fmt.Errorf("redis URL is required when the redis cache is enabled")
	}

	positive := []struct {
		name  string
		value int
	}{
		{"max_assignments_per_user", c.RBAC.MaxAssignmentsPerUser},
		{"max_custom_roles_per_organization", c.RBAC.MaxCustomRolesPerOrganization},
		{"max_permissions_per_role", c.RBAC.MaxPermissionsPerRole},
		{"max_role_name_length", c.RBAC.MaxRoleNameLength},
		{"max_description_length", c.RBAC.MaxDescriptionLength},
		{"cache l1_size", c.Cache.L1Size},
		{"sweep batch_size", c.Sweep.BatchSize},
		{"event workers", c.Events.Workers},
		{"event queue_size", c.Events.QueueSize},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.name, p.value)
		}
	}
	if c.RBAC.ExpiringSoonWindow <= 0 {
		return fmt.Errorf("expiring_soon_window must be positive")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache ttl must be positive")
	}
	if _, err := c.Operators(); err != nil {
		return err
	}
	if _, _, _, err := c.bootstrap(); err != nil {
		return err
	}

	if _, err := cron.ParseStandard(c.Sweep.Schedule); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", c.Sweep.Schedule, err)
	}
	if c.Sweep.CatalogReloadSchedule != "" {
		if _, err := cron.ParseStandard(c.Sweep.CatalogReloadSchedule); err != nil {
			return fmt.Errorf("invalid catalog reload schedule %q: %w", c.Sweep.CatalogReloadSchedule, err)
		}
	}

	switch strings.ToLower(c.Observability.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Observability.LogFormat)
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return errors.New("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return errors.New("OpenTelemetry service name is required when OTel is enabled")
		}
		if c.Observability.OTelSampleRatio < 0 || c.Observability.OTelSampleRatio > 1 {
			return fmt.Errorf("otel_sample_ratio must be within [0,1], got %v", c.Observability.OTelSampleRatio)
		}
	}

	return nil
}

// Privileges returns the configured privileged permission list
func (c *Config) Privileges() rbac.PrivilegeList {
	return rbac.PrivilegeList{
		Resources: c.RBAC.PrivilegedResources,
		Actions:   c.RBAC.PrivilegedActions,
		RoleNames: c.RBAC.PrivilegedRoleNames,
	}
}

// Operators parses the configured operator identities
func (c *Config) Operators() ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(c.RBAC.OperatorIDs))
	for _, raw := range c.RBAC.OperatorIDs {
		id, err := uuid.Parse(raw)
		if err != nil || id == uuid.Nil {
			return nil, fmt.Errorf("invalid operator id %q", raw)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Bootstrap returns the organization and owner to bootstrap at startup.
// ok is false when no bootstrap is configured.
func (c *Config) Bootstrap() (orgID, ownerID uuid.UUID, ok bool) {
	orgID, ownerID, ok, _ = c.bootstrap()
	return orgID, ownerID, ok
}

func (c *Config) bootstrap() (uuid.UUID, uuid.UUID, bool, error) {
	org, owner := c.RBAC.BootstrapOrganizationID, c.RBAC.BootstrapOwnerID
	if org == "" && owner == "" {
		return uuid.Nil, uuid.Nil, false, nil
	}
	if org == "" || owner == "" {
		return uuid.Nil, uuid.Nil, false, errors.New("bootstrap_organization_id and bootstrap_owner_id must be set together")
	}
	orgID, err := uuid.Parse(org)
	if err != nil || orgID == uuid.Nil {
		return uuid.Nil, uuid.Nil, false, fmt.Errorf("invalid bootstrap_organization_id %q", org)
	}
	ownerID, err := uuid.Parse(owner)
	if err != nil || ownerID == uuid.Nil {
		return uuid.Nil, uuid.Nil, false, fmt.Errorf("invalid bootstrap_owner_id %q", owner)
	}
	return orgID, ownerID, true, nil
}

// ManagerConfig converts the loaded settings into the manager configuration
func (c *Config) ManagerConfig() rbac.Config {
	cfg := rbac.DefaultConfig()
	cfg.Limits = rbac.Limits{
		MaxAssignmentsPerUser:         c.RBAC.MaxAssignmentsPerUser,
		MaxCustomRolesPerOrganization: c.RBAC.MaxCustomRolesPerOrganization,
		MaxPermissionsPerRole:         c.RBAC.MaxPermissionsPerRole,
		MaxRoleNameLength:             c.RBAC.MaxRoleNameLength,
		MaxDescriptionLength:          c.RBAC.MaxDescriptionLength,
	}
	cfg.Privileges = c.Privileges()
	cfg.Operators, _ = c.Operators()
	cfg.CacheTTL = c.Cache.TTL
	cfg.ExpiringSoonWindow = c.RBAC.ExpiringSoonWindow
	cfg.SweepBatchSize = c.Sweep.BatchSize
	cfg.WarmCacheOnAssign = c.Cache.WarmOnAssign
	cfg.Events = rbac.EventBusConfig{
		Workers:         c.Events.Workers,
		QueueSize:       c.Events.QueueSize,
		DispatchTimeout: c.Events.DispatchTimeout,
	}
	cfg.Scheduler = rbac.SchedulerConfig{
		SweepSchedule:         c.Sweep.Schedule,
		CatalogReloadSchedule: c.Sweep.CatalogReloadSchedule,
		JobTimeout:            c.Sweep.JobTimeout,
	}
	return cfg
}

// MemoryCacheConfig returns the L1 cache settings
func (c *Config) MemoryCacheConfig() cache.MemoryConfig {
	return cache.MemoryConfig{MaxEntries: c.Cache.L1Size, TTL: c.Cache.TTL}
}

// RedisCacheConfig returns the L2 cache settings
func (c *Config) RedisCacheConfig() cache.RedisConfig {
	return cache.RedisConfig{
		URL:        c.Redis.URL,
		Password:   c.Redis.Password,
		DB:         c.Redis.DB,
		MaxRetries: c.Redis.MaxRetries,
		PoolSize:   c.Redis.PoolSize,
		KeyPrefix:  c.Cache.KeyPrefix,
		TTL:        c.Cache.TTL,
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList returns a comma-separated environment variable or a default
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
