package session

import (
	"collabsync-server/internal/domain"
	"collabsync-server/pkg/fingerprint"
)

// FieldTxn is the view of one field's ordering slot, valid only inside a
// WithField callback. Sequence numbers are assigned exactly once, here,
// while the slot is held; a number is consumed only when Commit runs.
type FieldTxn struct {
	f *fieldState
}

func (t *FieldTxn) Kind() domain.FieldKind   { return t.f.kind }
func (t *FieldTxn) Value() domain.FieldValue { return t.f.value.Clone() }
func (t *FieldTxn) Fingerprint() string      { return t.f.fingerprint }
func (t *FieldTxn) Sequence() int64          { return t.f.seq }

// NextSequence is the number the next committed operation will carry.
func (t *FieldTxn) NextSequence() int64 { return t.f.seq + 1 }

// ConcurrentSince classifies an operation by its base fingerprint:
// a nil slice with ok=true means the base is current (sequential fast
// path); a non-empty slice lists the committed operations the incoming
// one is concurrent with, oldest first; ok=false means the base fell out
// of the recency window and the operation must be rejected as stale.
func (t *FieldTxn) ConcurrentSince(baseFp string) ([]domain.ChangeOperation, bool) {
	if baseFp == t.f.fingerprint {
		return nil, true
	}
	for i := len(t.f.window) - 1; i >= 0; i-- {
		if t.f.window[i].prevFp == baseFp {
			ops := make([]domain.ChangeOperation, 0, len(t.f.window)-i)
			for _, entry := range t.f.window[i:] {
				ops = append(ops, entry.op)
			}
			return ops, true
		}
	}
	return nil, false
}

// Commit advances the field to the committed operation's outcome. The
// caller has already persisted the operation durably; op.Sequence must be
// the value NextSequence returned under this slot.
func (t *FieldTxn) Commit(op domain.ChangeOperation, newValue domain.FieldValue) {
	prevFp := t.f.fingerprint
	t.f.value = newValue.Clone()
	t.f.fingerprint = fingerprint.Hash(newValue.CanonicalBytes())
	t.f.seq = op.Sequence
	t.f.window = append(t.f.window, committedEntry{op: op, prevFp: prevFp, nextFp: t.f.fingerprint})
	if len(t.f.window) > t.f.windowCap {
		t.f.window = t.f.window[len(t.f.window)-t.f.windowCap:]
	}
}

// WithField runs fn holding the ordering slot of (sessionID, field).
// Calls are serialized per slot; this is the only mandatory mutual
// exclusion in the core. The session must be ACTIVE.
func (m *Manager) WithField(sessionID, field string, fn func(*FieldTxn) error) error {
	entry := m.entry(sessionID)
	if entry == nil {
		return &domain.SessionStateError{SessionID: sessionID, State: domain.SessionClosed}
	}

	entry.mu.RLock()
	state := entry.sess.State
	f := entry.fields[field]
	entry.mu.RUnlock()

	if state != domain.SessionActive {
		return &domain.SessionStateError{SessionID: sessionID, State: state}
	}
	if f == nil {
		return &domain.ValidationError{Reason: domain.ReasonUnknownField, Detail: field}
	}

	f.mu.Lock()
	err := fn(&FieldTxn{f: f})
	f.mu.Unlock()

	if err == nil {
		m.Touch(sessionID)
	}
	return err
}
