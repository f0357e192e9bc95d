package websocket

import (
	"encoding/json"
	"time"

	"collabsync-server/internal/domain"
)

type MessageType string

const (
	TypeJoin             MessageType = "join"
	TypeSnapshot         MessageType = "snapshot"
	TypeLeave            MessageType = "leave"
	TypeSubmitOperation  MessageType = "submit_operation"
	TypeAck              MessageType = "ack"
	TypeConflictPending  MessageType = "conflict_pending"
	TypeRejected         MessageType = "rejected"
	TypeDelta            MessageType = "delta"
	TypeConflictDetected MessageType = "conflict_detected"
	TypePresence         MessageType = "presence"
	TypeSessionIdle      MessageType = "session_idle"
	TypeSessionClosed    MessageType = "session_closed"
	TypeError            MessageType = "error"
	TypePing             MessageType = "ping"
	TypePong             MessageType = "pong"
)

type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type JoinPayload struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	Role         string `json:"role,omitempty"`
}

type LeavePayload struct {
	SessionID string `json:"session_id"`
}

// SubmitResultPayload answers a submit_operation on the same connection.
// local_counter echoes the client's own counter so it can correlate the
// answer with the pending operation.
type SubmitResultPayload struct {
	SessionID          string             `json:"session_id"`
	Field              string             `json:"field"`
	LocalCounter       int64              `json:"local_counter"`
	Sequence           int64              `json:"sequence,omitempty"`
	OperationID        string             `json:"operation_id,omitempty"`
	ConflictID         string             `json:"conflict_id,omitempty"`
	Reason             string             `json:"reason,omitempty"`
	CurrentValue       *domain.FieldValue `json:"current_value,omitempty"`
	CurrentFingerprint string             `json:"current_fingerprint,omitempty"`
}

type ConflictDetectedPayload struct {
	SessionID  string `json:"session_id"`
	ConflictID string `json:"conflict_id"`
	Field      string `json:"field"`
}

type PresencePayload struct {
	SessionID string `json:"session_id"`
	User      string `json:"user"`
	State     string `json:"state"`
}

type SessionEventPayload struct {
	SessionID string `json:"session_id"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		bytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		payloadBytes = bytes
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Payload:   payloadBytes,
	}, nil
}

func (m *Message) UnmarshalPayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
