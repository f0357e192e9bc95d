package domain

import "time"

type SessionState string

const (
	SessionCreated SessionState = "CREATED"
	SessionActive  SessionState = "ACTIVE"
	SessionIdle    SessionState = "IDLE"
	SessionClosed  SessionState = "CLOSED"
)

type Role string

const (
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// Presence states. A participant focused on a field reports
// "focused:<field>" built by FocusedPresence.
const (
	PresenceActive = "active"
	PresenceIdle   = "idle"
)

func FocusedPresence(field string) string {
	return "focused:" + field
}

// Session is one live collaborative context for a single resource.
// At most one non-CLOSED session exists per resource at any time.
type Session struct {
	ID             string       `json:"id"`
	Resource       ResourceRef  `json:"resource"`
	State          SessionState `json:"state"`
	CreatedAt      time.Time    `json:"created_at"`
	LastActivityAt time.Time    `json:"last_activity_at"`
}

type Participant struct {
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Presence  string    `json:"presence"`
	JoinedAt  time.Time `json:"joined_at"`
}

// FieldSnapshot is the authoritative state of one field at join time.
type FieldSnapshot struct {
	Kind        FieldKind  `json:"kind"`
	Value       FieldValue `json:"value"`
	Sequence    int64      `json:"sequence"`
	Fingerprint string     `json:"fingerprint"`
}

// SessionSnapshot is returned to a joining participant. A late joiner
// starts listening from the embedded sequence numbers and never misses
// a delta.
type SessionSnapshot struct {
	SessionID string                   `json:"session_id"`
	Resource  ResourceRef              `json:"resource"`
	Fields    map[string]FieldSnapshot `json:"fields"`
}

// JoinRequest is the channel payload opening or joining a session.
type JoinRequest struct {
	Resource ResourceRef `json:"resource_ref" validate:"required"`
	Role     Role        `json:"role" validate:"omitempty,oneof=editor viewer"`
}

// PresenceEvent is fanned out to all participants of a session.
type PresenceEvent struct {
	UserID string `json:"user"`
	State  string `json:"state"`
}
