package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"collabsync-server/internal/ot"
)

type PayloadKind string

const (
	PayloadTextDelta  PayloadKind = "text_delta"
	PayloadSetField   PayloadKind = "set_field"
	PayloadListSplice PayloadKind = "list_splice"
)

// KindForField maps a field kind to the payload kind it accepts.
func KindForField(kind FieldKind) PayloadKind {
	switch kind {
	case FieldKindText:
		return PayloadTextDelta
	case FieldKindStructured:
		return PayloadSetField
	default:
		return PayloadListSplice
	}
}

// SetField assigns a value to one leaf path of a structured field.
// Path segments are dot-separated, e.g. "address.city".
type SetField struct {
	Path  string          `json:"path" validate:"required"`
	Value json.RawMessage `json:"value" validate:"required"`
}

type ListInsert struct {
	ID    string          `json:"id" validate:"required"`
	After string          `json:"after,omitempty"` // item id; empty inserts at the head
	Value json.RawMessage `json:"value" validate:"required"`
}

type ListUpdate struct {
	ID    string          `json:"id" validate:"required"`
	Value json.RawMessage `json:"value" validate:"required"`
}

// ListSplice mutates a list field. Removed items become tombstones.
type ListSplice struct {
	Insert []ListInsert `json:"insert,omitempty" validate:"dive"`
	Remove []string     `json:"remove,omitempty"`
	Update []ListUpdate `json:"update,omitempty" validate:"dive"`
}

// Payload is a closed tagged variant: exactly the member matching Kind
// is set. The conflict resolution engine dispatches on Kind.
type Payload struct {
	Kind PayloadKind `json:"kind" validate:"required,oneof=text_delta set_field list_splice"`
	Text ot.Delta    `json:"text,omitempty"`
	Set  *SetField   `json:"set,omitempty"`
	List *ListSplice `json:"list,omitempty"`
}

// CheckShape verifies the variant matching Kind is present and the others
// are absent.
func (p Payload) CheckShape() error {
	switch p.Kind {
	case PayloadTextDelta:
		if len(p.Text) == 0 || p.Set != nil || p.List != nil {
			return fmt.Errorf("text_delta payload must carry text spans only")
		}
	case PayloadSetField:
		if p.Set == nil || len(p.Text) != 0 || p.List != nil {
			return fmt.Errorf("set_field payload must carry a set member only")
		}
	case PayloadListSplice:
		if p.List == nil || len(p.Text) != 0 || p.Set != nil {
			return fmt.Errorf("list_splice payload must carry a list member only")
		}
	default:
		return fmt.Errorf("unknown payload kind: %s", p.Kind)
	}
	return nil
}

// ChangeOperation is one proposed field mutation. Sequence is zero until
// the operation is accepted; it is assigned exactly once, under the
// ordering lock of its (session, field).
type ChangeOperation struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	Author          string    `json:"author"`
	Field           string    `json:"field"`
	BaseFingerprint string    `json:"base_fingerprint"`
	Payload         Payload   `json:"payload"`
	LocalCounter    int64     `json:"local_counter"`
	Sequence        int64     `json:"sequence,omitempty"`
	CommittedAt     time.Time `json:"committed_at,omitempty"`
}

// SubmitOperationRequest is the channel payload proposing a mutation.
type SubmitOperationRequest struct {
	SessionID       string  `json:"session_id" validate:"required"`
	Field           string  `json:"field" validate:"required"`
	BaseFingerprint string  `json:"base_fingerprint" validate:"required"`
	LocalCounter    int64   `json:"local_counter"`
	Payload         Payload `json:"payload" validate:"required"`
}

// DeltaEvent is broadcast to every participant (the author included, for
// idempotent client reconciliation) after a commit.
type DeltaEvent struct {
	SessionID string  `json:"session_id"`
	Field     string  `json:"field"`
	Sequence  int64   `json:"sequence"`
	Payload   Payload `json:"payload"`
	Author    string  `json:"author"`
}
