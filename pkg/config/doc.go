// Package config provides wardend configuration from defaults, a YAML file and
// environment variables.
//
// # Overview
//
// LoadConfig starts from built-in defaults, merges the YAML file named by
// WARDEN_CONFIG_FILE when set, then applies WARDEN_* environment overrides.
// The result is validated before it is returned.
//
// # Configuration Structure
//
// Server settings:
//
//	WARDEN_HOST="0.0.0.0"
//	WARDEN_PORT="8080"
//	WARDEN_READ_TIMEOUT="15s"
//	WARDEN_SHUTDOWN_TIMEOUT="30s"
//
// Storage settings:
//
//	WARDEN_DATABASE_URL="postgres://warden@localhost/warden?sslmode=disable"
//	WARDEN_DATABASE_MAX_OPEN_CONNS="20"
//	WARDEN_REDIS_URL="redis://localhost:6379"
//	WARDEN_CACHE_REDIS_ENABLED="true"
//	WARDEN_CACHE_TTL="15m"
//
// RBAC policy:
//
//	WARDEN_MAX_ASSIGNMENTS_PER_USER="10"
//	WARDEN_MAX_CUSTOM_ROLES_PER_ORGANIZATION="50"
//	WARDEN_PRIVILEGED_RESOURCES="ORGANIZATIONS,PAYMENTS"
//	WARDEN_PRIVILEGED_ACTIONS="ADMIN,DELETE"
//	WARDEN_SWEEP_SCHEDULE="@every 5m"
//	WARDEN_OPERATOR_IDS="3f0c...,9a41..."
//	WARDEN_BOOTSTRAP_ORGANIZATION_ID="0b6e..."
//	WARDEN_BOOTSTRAP_OWNER_ID="5d2a..."
//
// Operators may call the /api/admin routes; with none configured those routes
// refuse every caller. The bootstrap pair seeds the organization and grants
// the owner role once at startup, also settable with -bootstrap-org and
// -bootstrap-owner.
//
// Observability:
//
//	WARDEN_LOG_LEVEL="info"
//	WARDEN_LOG_FORMAT="json"
//	WARDEN_OTEL_ENABLED="true"
//	WARDEN_OTEL_ENDPOINT="otel-collector:4317"
//
// The same settings in YAML:
//
//	database:
//	  dsn: postgres://warden@localhost/warden?sslmode=disable
//	rbac:
//	  max_assignments_per_user: 10
//	  privileged_resources: [ORGANIZATIONS, PAYMENTS]
//	sweep:
//	  schedule: "@every 5m"
//
// # Hot Reload
//
// Watch follows the configuration file with fsnotify and hands every valid
// reload to a callback. wardend uses it to swap the privileged permission
// list without a restart; other settings take effect on the next start.
package config
