package domain

import "fmt"

// Rejection reason codes reported to the submitting participant.
const (
	ReasonMalformedPayload = "malformed_payload"
	ReasonPayloadTooLarge  = "payload_too_large"
	ReasonUnknownField     = "unknown_field"
	ReasonKindMismatch     = "payload_kind_mismatch"
	ReasonNotParticipant   = "not_a_participant"
	ReasonViewerRole       = "viewer_role"
	ReasonPermissionDenied = "permission_denied"
	ReasonStaleBase        = "stale_base"
)

// ValidationError rejects an operation before it enters the pipeline.
// No sequence number is consumed and no state changes.
type ValidationError struct {
	Reason string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return "operation rejected: " + e.Reason
	}
	return fmt.Sprintf("operation rejected: %s: %s", e.Reason, e.Detail)
}

// SessionStateError fails an operation against a non-ACTIVE session.
// The caller must re-join before retrying.
type SessionStateError struct {
	SessionID string
	State     SessionState
}

func (e *SessionStateError) Error() string {
	return fmt.Sprintf("session %s is %s", e.SessionID, e.State)
}
