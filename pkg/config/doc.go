// Package config loads service configuration from DEALEROPS_* environment
// variables.
//
// # Server
//
//	DEALEROPS_HOST="0.0.0.0"
//	DEALEROPS_PORT="8080"
//	DEALEROPS_HEALTH_PORT="9090"
//	DEALEROPS_READ_TIMEOUT="15s"
//	DEALEROPS_SHUTDOWN_TIMEOUT="30s"
//
// # Storage
//
//	DEALEROPS_POSTGRES_URL="postgres://localhost/dealerops?sslmode=disable"
//	DEALEROPS_POSTGRES_REPLICA_URLS="postgres://replica1/dealerops"
//	DEALEROPS_POSTGRES_MAX_CONNS="20"
//	DEALEROPS_REDIS_URL="redis://localhost:6379/0"   # empty disables cross-instance invalidation
//
// # Authorization
//
//	DEALEROPS_SNAPSHOT_TTL="30s"           # upper bound on staleness
//	DEALEROPS_SNAPSHOT_CACHE_SIZE="10000"
//	DEALEROPS_REFRESH_SCHEDULE="@every 5m" # cron; empty disables
//	DEALEROPS_CATALOG_PATH="/etc/dealerops/catalog.yaml"
//	DEALEROPS_CATALOG_WATCH="true"
//	DEALEROPS_INVALIDATION_CHANNEL="dealerops:rbac:invalidate"
//	DEALEROPS_AUDIT_LOG_PATH="/var/log/dealerops/audit"
//	DEALEROPS_AUDIT_DATABASE="false"
//
// # Observability
//
//	DEALEROPS_LOG_LEVEL="info"
//	DEALEROPS_METRICS_ENABLED="true"
//	DEALEROPS_OTEL_ENABLED="false"
//	DEALEROPS_OTEL_ENDPOINT="localhost:4317"
//
// Usage:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
package config
