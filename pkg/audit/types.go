package audit

import (
	"encoding/json"
	"time"
)

// EventType represents the category of audit event
type EventType string

const (
	// Authorization decisions
	EventTypeAuthzDecision     EventType = "authz.decision"
	EventTypeAuthzAccessDenied EventType = "authz.access_denied"

	// Grant mutations
	EventTypeAuthzRoleAssign    EventType = "authz.role_assign"
	EventTypeAuthzRoleRevoke    EventType = "authz.role_revoke"
	EventTypeAuthzGroupsReplace EventType = "authz.groups_replace"

	// Dealer configuration
	EventTypeConfigModuleToggle EventType = "config.module_toggle"
	EventTypeConfigCatalogSeed  EventType = "config.catalog_seed"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess     EventStatus = "success"
	EventStatusFailure     EventStatus = "failure"
	EventStatusDenied      EventStatus = "denied"
	EventStatusUnavailable EventStatus = "unavailable"
)

// ResourceType represents the type of resource an event concerns
type ResourceType string

const (
	ResourceTypeModule     ResourceType = "module"
	ResourceTypeOrder      ResourceType = "order"
	ResourceTypeUser       ResourceType = "user"
	ResourceTypeRole       ResourceType = "role"
	ResourceTypeGroup      ResourceType = "group"
	ResourceTypeDealership ResourceType = "dealership"
)

// AuditEvent represents a single audit log entry
type AuditEvent struct {
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Actor information
	UserID   *int64 `json:"user_id,omitempty"`
	DealerID *int64 `json:"dealer_id,omitempty"`

	// Resource information
	ResourceType ResourceType `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`

	// Request context
	RequestID string `json:"request_id,omitempty"`

	// Additional details
	Message  string                 `json:"message,omitempty"`
	Reasons  []string               `json:"reasons,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// Changes tracking (before/after for updates)
	Changes *ChangeDetails `json:"changes,omitempty"`
}

// ChangeDetails tracks before/after values for updates
type ChangeDetails struct {
	Before map[string]interface{} `json:"before,omitempty"`
	After  map[string]interface{} `json:"after,omitempty"`
}

// ToJSON converts the audit event to JSON
func (e *AuditEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses an audit event from JSON
func FromJSON(data []byte) (*AuditEvent, error) {
	var event AuditEvent
	err := json.Unmarshal(data, &event)
	return &event, err
}
