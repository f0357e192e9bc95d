// Package coordinator orchestrates the submission pipeline: validate,
// detect concurrency, resolve conflicts, commit durably, record the
// outcome in the audit ledger and fan out ordered deltas.
package coordinator

import (
	"context"
	"time"

	"collabsync-server/internal/audit"
	"collabsync-server/internal/domain"
	"collabsync-server/internal/notify"
	"collabsync-server/internal/resolver"
	"collabsync-server/internal/session"
	"collabsync-server/internal/store"
	"collabsync-server/internal/validation"
	"collabsync-server/pkg/fingerprint"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Broadcaster fans events out to session participants. Implementations
// must be non-blocking: fan-out never holds up sequence assignment for
// the next operation beyond enqueueing.
type Broadcaster interface {
	BroadcastDelta(delta domain.DeltaEvent)
	BroadcastConflict(sessionID, conflictID, field string)
}

// NoopBroadcaster is used when no channel layer is attached (tests).
type NoopBroadcaster struct{}

func (NoopBroadcaster) BroadcastDelta(domain.DeltaEvent)         {}
func (NoopBroadcaster) BroadcastConflict(string, string, string) {}

type Status string

const (
	StatusAck             Status = "ack"
	StatusConflictPending Status = "conflict_pending"
	StatusRejected        Status = "rejected"
)

// Result reports the outcome of one submission. Rejections carry the
// reason code and, for stale bases, the current authoritative value so
// the client can rebase and retry.
type Result struct {
	Status             Status             `json:"status"`
	Sequence           int64              `json:"sequence,omitempty"`
	OperationID        string             `json:"operation_id,omitempty"`
	ConflictID         string             `json:"conflict_id,omitempty"`
	Reason             string             `json:"reason,omitempty"`
	CurrentValue       *domain.FieldValue `json:"current_value,omitempty"`
	CurrentFingerprint string             `json:"current_fingerprint,omitempty"`
}

type Coordinator struct {
	validator    *validation.Validator
	sessions     *session.Manager
	engine       *resolver.Engine
	txm          *store.TxManager
	fields       *store.SessionStore
	ops          *store.OperationStore
	conflicts    *store.ConflictStore
	ledger       *audit.Ledger
	notifier     notify.Notifier
	broadcaster  Broadcaster
	manualWindow time.Duration
	log          zerolog.Logger
}

func New(
	validator *validation.Validator,
	sessions *session.Manager,
	engine *resolver.Engine,
	txm *store.TxManager,
	fields *store.SessionStore,
	ops *store.OperationStore,
	conflicts *store.ConflictStore,
	ledger *audit.Ledger,
	notifier notify.Notifier,
	broadcaster Broadcaster,
	manualWindow time.Duration,
	log zerolog.Logger,
) *Coordinator {
	if broadcaster == nil {
		broadcaster = NoopBroadcaster{}
	}
	return &Coordinator{
		validator:    validator,
		sessions:     sessions,
		engine:       engine,
		txm:          txm,
		fields:       fields,
		ops:          ops,
		conflicts:    conflicts,
		ledger:       ledger,
		notifier:     notifier,
		broadcaster:  broadcaster,
		manualWindow: manualWindow,
		log:          log.With().Str("component", "coordinator").Logger(),
	}
}

// SetBroadcaster attaches the channel layer after construction; the hub
// needs the coordinator to handle inbound messages and vice versa.
func (c *Coordinator) SetBroadcaster(b Broadcaster) {
	c.broadcaster = b
}

// Submit runs one operation through the pipeline. SessionStateError and
// TransactionError surface as errors; validation failures and stale bases
// return a Rejected result. No sequence number is consumed unless the
// commit succeeded.
func (c *Coordinator) Submit(ctx context.Context, userID string, req *domain.SubmitOperationRequest) (*Result, error) {
	resource, fields, err := c.sessions.Describe(req.SessionID)
	if err != nil {
		return nil, err
	}
	if sess, ok := c.sessions.Session(req.SessionID); ok && sess.State != domain.SessionActive {
		return nil, &domain.SessionStateError{SessionID: req.SessionID, State: sess.State}
	}

	participant := c.sessions.Participant(req.SessionID, userID)
	if verr := c.validator.ValidateOperation(req, participant, resource, fields); verr != nil {
		ve := verr.(*domain.ValidationError)
		c.reject(resource, req.SessionID, userID, req.Field, ve.Reason, ve.Detail)
		return &Result{Status: StatusRejected, Reason: ve.Reason}, nil
	}

	op := domain.ChangeOperation{
		ID:              uuid.New().String(),
		SessionID:       req.SessionID,
		Author:          userID,
		Field:           req.Field,
		BaseFingerprint: req.BaseFingerprint,
		Payload:         req.Payload,
		LocalCounter:    req.LocalCounter,
	}

	var result *Result
	err = c.sessions.WithField(req.SessionID, req.Field, func(t *session.FieldTxn) error {
		concurrent, ok := t.ConcurrentSince(req.BaseFingerprint)
		if !ok {
			c.reject(resource, req.SessionID, userID, req.Field, domain.ReasonStaleBase, "")
			value := t.Value()
			result = &Result{
				Status:             StatusRejected,
				Reason:             domain.ReasonStaleBase,
				CurrentValue:       &value,
				CurrentFingerprint: t.Fingerprint(),
			}
			return nil
		}

		merged := op
		var autoRecords []*domain.ConflictRecord
		for i := range concurrent {
			res, rerr := c.engine.Resolve(&merged, &concurrent[i])
			if rerr != nil {
				c.reject(resource, req.SessionID, userID, req.Field, domain.ReasonMalformedPayload, rerr.Error())
				result = &Result{Status: StatusRejected, Reason: domain.ReasonMalformedPayload}
				return nil
			}
			if res.Kind == domain.ResolutionManualPending {
				return c.holdPending(ctx, t, resource, res.Record, &result)
			}
			merged.Payload = *res.Merged
			autoRecords = append(autoRecords, res.Record)
		}

		newValue, aerr := resolver.ApplyPayload(t.Value(), merged.Payload)
		if aerr != nil {
			c.reject(resource, req.SessionID, userID, req.Field, domain.ReasonMalformedPayload, aerr.Error())
			result = &Result{Status: StatusRejected, Reason: domain.ReasonMalformedPayload}
			return nil
		}

		merged.Sequence = t.NextSequence()
		merged.CommittedAt = time.Now().UTC()
		newFp := fingerprint.Hash(newValue.CanonicalBytes())

		txErr := c.txm.Run(ctx, store.ReadWrite, func(tx *store.Tx) error {
			if err := c.ops.Insert(ctx, tx, &merged); err != nil {
				return err
			}
			if err := c.fields.UpsertField(ctx, tx, merged.SessionID, merged.Field, newValue, newFp, merged.Sequence); err != nil {
				return err
			}
			for _, rec := range autoRecords {
				if err := c.conflicts.Insert(ctx, tx, rec); err != nil {
					return err
				}
			}
			// activity bookkeeping is best-effort and must not abort the write
			if err := tx.WithSavepoint(ctx, "activity", func() error {
				return c.fields.Touch(ctx, tx, merged.SessionID, merged.CommittedAt)
			}); err != nil {
				c.log.Warn().Err(err).Msg("activity update rolled back")
			}
			return nil
		})
		if txErr != nil {
			c.ledger.Append(domain.AuditEvent{
				Type: domain.EventOperationFailed, Resource: resource.String(),
				SessionID: req.SessionID, UserID: userID, Outcome: domain.AuditFailure,
				Detail: map[string]any{"field": req.Field, "error": txErr.Error()},
			})
			return txErr
		}

		t.Commit(merged, newValue)

		detail := map[string]any{"field": merged.Field, "sequence": merged.Sequence}
		if len(autoRecords) > 0 {
			ids := make([]string, len(autoRecords))
			for i, rec := range autoRecords {
				ids[i] = rec.ID
			}
			detail["auto_conflicts"] = ids
		}
		c.ledger.Append(domain.AuditEvent{
			Type: domain.EventOperationCommitted, Resource: resource.String(),
			SessionID: merged.SessionID, UserID: userID, Outcome: domain.AuditSuccess,
			Detail: detail,
		})

		// enqueued under the ordering slot: no participant observes
		// sequence N+1 before N
		c.broadcaster.BroadcastDelta(domain.DeltaEvent{
			SessionID: merged.SessionID,
			Field:     merged.Field,
			Sequence:  merged.Sequence,
			Payload:   merged.Payload,
			Author:    merged.Author,
		})

		result = &Result{Status: StatusAck, Sequence: merged.Sequence, OperationID: merged.ID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// holdPending persists a manual-pending conflict without touching
// authoritative state and notifies every participant.
func (c *Coordinator) holdPending(ctx context.Context, t *session.FieldTxn, resource domain.ResourceRef, rec *domain.ConflictRecord, result **Result) error {
	txErr := c.txm.Run(ctx, store.ReadWrite, func(tx *store.Tx) error {
		return c.conflicts.Insert(ctx, tx, rec)
	})
	if txErr != nil {
		c.ledger.Append(domain.AuditEvent{
			Type: domain.EventOperationFailed, Resource: resource.String(),
			SessionID: rec.SessionID, UserID: rec.OpB.Author, Outcome: domain.AuditFailure,
			Detail: map[string]any{"field": rec.Field, "error": txErr.Error()},
		})
		return txErr
	}

	c.ledger.Append(domain.AuditEvent{
		Type: domain.EventConflictDetected, Resource: resource.String(),
		SessionID: rec.SessionID, UserID: rec.OpB.Author, Outcome: domain.AuditSuccess,
		Detail: map[string]any{"field": rec.Field, "conflict_id": rec.ID},
	})
	c.notifier.Notify(domain.EventConflictDetected, map[string]any{
		"conflict_id": rec.ID,
		"session_id":  rec.SessionID,
		"field":       rec.Field,
	})
	c.broadcaster.BroadcastConflict(rec.SessionID, rec.ID, rec.Field)

	*result = &Result{Status: StatusConflictPending, ConflictID: rec.ID}
	return nil
}

func (c *Coordinator) reject(resource domain.ResourceRef, sessionID, userID, field, reason, detail string) {
	d := map[string]any{"field": field, "reason": reason}
	if detail != "" {
		d["detail"] = detail
	}
	c.ledger.Append(domain.AuditEvent{
		Type: domain.EventOperationRejected, Resource: resource.String(),
		SessionID: sessionID, UserID: userID, Outcome: domain.AuditRejected,
		Detail: d,
	})
}
