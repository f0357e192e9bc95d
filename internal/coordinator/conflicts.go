package coordinator

import (
	"context"
	"time"

	"collabsync-server/internal/domain"
	"collabsync-server/internal/resolver"
	"collabsync-server/internal/session"
	"collabsync-server/internal/store"
	"collabsync-server/pkg/fingerprint"

	"github.com/google/uuid"
)

// ListConflicts returns the conflict records of a session, optionally
// limited to the ones still awaiting manual resolution.
func (c *Coordinator) ListConflicts(ctx context.Context, sessionID string, pendingOnly bool) ([]*domain.ConflictRecord, error) {
	if _, _, err := c.sessions.Describe(sessionID); err != nil {
		return nil, err
	}
	return c.conflicts.ListBySession(ctx, sessionID, pendingOnly)
}

// ResolveConflict commits the chosen payload of a manual-pending conflict
// as a fresh operation against the current authoritative value. A nil
// choice falls back to the proposal stored when the conflict was detected.
func (c *Coordinator) ResolveConflict(ctx context.Context, conflictID, userID string, choice *domain.Payload) (*Result, error) {
	rec, err := c.conflicts.Get(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if !rec.Pending() {
		return nil, &domain.ValidationError{Reason: domain.ReasonMalformedPayload, Detail: "conflict is not pending"}
	}

	resource, fields, err := c.sessions.Describe(rec.SessionID)
	if err != nil {
		return nil, err
	}
	participant := c.sessions.Participant(rec.SessionID, userID)
	if participant == nil {
		return nil, &domain.ValidationError{Reason: domain.ReasonNotParticipant, Detail: userID}
	}
	if participant.Role != domain.RoleEditor {
		return nil, &domain.ValidationError{Reason: domain.ReasonViewerRole, Detail: userID}
	}

	chosen := choice
	if chosen == nil {
		chosen = rec.Resolution
	}
	if chosen == nil {
		return nil, &domain.ValidationError{Reason: domain.ReasonMalformedPayload, Detail: "no resolution payload"}
	}
	if err := chosen.CheckShape(); err != nil {
		return nil, &domain.ValidationError{Reason: domain.ReasonMalformedPayload, Detail: err.Error()}
	}
	if chosen.Kind != domain.KindForField(fields[rec.Field]) {
		return nil, &domain.ValidationError{Reason: domain.ReasonKindMismatch, Detail: string(chosen.Kind)}
	}

	var result *Result
	err = c.sessions.WithField(rec.SessionID, rec.Field, func(t *session.FieldTxn) error {
		newValue, aerr := resolver.ApplyPayload(t.Value(), *chosen)
		if aerr != nil {
			return &domain.ValidationError{Reason: domain.ReasonMalformedPayload, Detail: aerr.Error()}
		}

		op := domain.ChangeOperation{
			ID:              uuid.New().String(),
			SessionID:       rec.SessionID,
			Author:          userID,
			Field:           rec.Field,
			BaseFingerprint: t.Fingerprint(),
			Payload:         *chosen,
			Sequence:        t.NextSequence(),
			CommittedAt:     time.Now().UTC(),
		}
		newFp := fingerprint.Hash(newValue.CanonicalBytes())

		txErr := c.txm.Run(ctx, store.ReadWrite, func(tx *store.Tx) error {
			if err := c.ops.Insert(ctx, tx, &op); err != nil {
				return err
			}
			if err := c.fields.UpsertField(ctx, tx, op.SessionID, op.Field, newValue, newFp, op.Sequence); err != nil {
				return err
			}
			return c.conflicts.MarkResolved(ctx, tx, rec.ID, chosen, op.CommittedAt)
		})
		if txErr != nil {
			c.ledger.Append(domain.AuditEvent{
				Type: domain.EventOperationFailed, Resource: resource.String(),
				SessionID: rec.SessionID, UserID: userID, Outcome: domain.AuditFailure,
				Detail: map[string]any{"field": rec.Field, "conflict_id": rec.ID, "error": txErr.Error()},
			})
			return txErr
		}

		t.Commit(op, newValue)

		c.ledger.Append(domain.AuditEvent{
			Type: domain.EventConflictResolved, Resource: resource.String(),
			SessionID: rec.SessionID, UserID: userID, Outcome: domain.AuditSuccess,
			Detail: map[string]any{"field": rec.Field, "conflict_id": rec.ID, "sequence": op.Sequence},
		})
		c.broadcaster.BroadcastDelta(domain.DeltaEvent{
			SessionID: op.SessionID,
			Field:     op.Field,
			Sequence:  op.Sequence,
			Payload:   op.Payload,
			Author:    op.Author,
		})

		result = &Result{Status: StatusAck, Sequence: op.Sequence, OperationID: op.ID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// WithdrawConflict retires a manual-pending conflict without applying
// anything. Only the author of the held-back operation may withdraw, and
// only while the manual resolution window is open.
func (c *Coordinator) WithdrawConflict(ctx context.Context, conflictID, userID string) error {
	rec, err := c.conflicts.Get(ctx, conflictID)
	if err != nil {
		return err
	}
	if !rec.Pending() {
		return &domain.ValidationError{Reason: domain.ReasonMalformedPayload, Detail: "conflict is not pending"}
	}
	if rec.OpB.Author != userID {
		return &domain.ValidationError{Reason: domain.ReasonPermissionDenied, Detail: "only the conflicting author may withdraw"}
	}
	if c.manualWindow > 0 && time.Since(rec.CreatedAt) > c.manualWindow {
		return &domain.ValidationError{Reason: domain.ReasonPermissionDenied, Detail: "withdraw window elapsed"}
	}

	resource, _, err := c.sessions.Describe(rec.SessionID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	txErr := c.txm.Run(ctx, store.ReadWrite, func(tx *store.Tx) error {
		return c.conflicts.MarkResolved(ctx, tx, rec.ID, domain.WithdrawnResolution(), now)
	})
	if txErr != nil {
		return txErr
	}

	c.ledger.Append(domain.AuditEvent{
		Type: domain.EventConflictResolved, Resource: resource.String(),
		SessionID: rec.SessionID, UserID: userID, Outcome: domain.AuditSuccess,
		Detail: map[string]any{"field": rec.Field, "conflict_id": rec.ID, "withdrawn": true},
	})
	c.notifier.Notify(domain.EventConflictResolved, map[string]any{
		"conflict_id": rec.ID,
		"session_id":  rec.SessionID,
		"withdrawn":   true,
	})
	return nil
}
