package domain

import "time"

type AuditOutcome string

const (
	AuditSuccess  AuditOutcome = "success"
	AuditFailure  AuditOutcome = "failure"
	AuditRejected AuditOutcome = "rejected"
)

// Audit event types recorded by the core. The ledger is append-only;
// retention and pruning are external concerns.
const (
	EventSessionCreated     = "session_created"
	EventSessionJoined      = "session_joined"
	EventSessionLeft        = "session_left"
	EventSessionIdle        = "session_idle"
	EventSessionClosed      = "session_closed"
	EventOperationCommitted = "operation_committed"
	EventOperationRejected  = "operation_rejected"
	EventOperationFailed    = "operation_failed"
	EventConflictDetected   = "conflict_detected"
	EventConflictResolved   = "conflict_resolved"
	EventTxCommitted        = "tx_committed"
	EventTxRolledBack       = "tx_rolled_back"
)

type AuditEvent struct {
	ID        string         `json:"event_id"`
	Type      string         `json:"event_type"`
	Resource  string         `json:"resource_ref,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Outcome   AuditOutcome   `json:"outcome"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
