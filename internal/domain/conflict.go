package domain

import "time"

type ResolutionKind string

const (
	ResolutionAuto           ResolutionKind = "auto"
	ResolutionManualPending  ResolutionKind = "manual-pending"
	ResolutionManualResolved ResolutionKind = "manual-resolved"
)

// ConflictRecord is created whenever two accepted operations on the same
// field reference different base fingerprints without one having observed
// the other. Both competing operations are retained verbatim so no change
// is silently lost, even when auto-resolution overrides one of them.
type ConflictRecord struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	Field      string          `json:"field"`
	OpA        ChangeOperation `json:"op_a"` // committed first (lower sequence)
	OpB        ChangeOperation `json:"op_b"` // arrived concurrently
	Kind       ResolutionKind  `json:"resolution_kind"`
	Resolution *Payload        `json:"resolution_payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

// Pending reports whether the record still needs a participant- or
// policy-supplied resolution.
func (c *ConflictRecord) Pending() bool {
	return c.Kind == ResolutionManualPending
}

// ResolveConflictRequest carries a participant-supplied correction for a
// manual-pending conflict. A nil payload accepts the stored default
// proposal (last accepted sequence wins).
type ResolveConflictRequest struct {
	Payload *Payload `json:"payload,omitempty"`
}

// PayloadWithdrawn marks a conflict closed by its originator inside the
// manual-conflict window; authoritative state stays at the last committed
// value.
const PayloadWithdrawn PayloadKind = "withdrawn"

func WithdrawnResolution() *Payload {
	return &Payload{Kind: PayloadWithdrawn}
}
