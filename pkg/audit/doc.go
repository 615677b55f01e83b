// Package audit records authorization decisions and grant changes for
// compliance and forensics.
//
// # Event Types
//
// Decisions: authz.decision, authz.access_denied
// Grants: authz.role_assign, authz.role_revoke, authz.groups_replace
// Dealer configuration: config.module_toggle, config.catalog_seed
//
// # Sinks
//
// FileLogger writes JSON lines with size-based rotation, DBLogger inserts
// into the authz_audit_log table, and MultiLogger fans one event out to
// several sinks. Sinks are plain Logger values; pkg/rbac adapts them into
// its decision hook so the engine itself never depends on a sink.
//
//	sink, _ := audit.NewFileLogger(audit.DefaultFileLoggerConfig())
//	guard := rbac.NewGuard(provider, resolver, rbac.WithAuditHook(rbac.AuditLoggerHook(sink, logger, metrics)))
package audit
