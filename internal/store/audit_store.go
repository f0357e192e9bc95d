package store

import (
	"context"
	"encoding/json"
	"fmt"

	"collabsync-server/internal/domain"
)

// AuditStore appends and reads audit events. Appends run outside the
// transaction manager: the ledger's single writer goroutine already
// serializes them in commit order.
type AuditStore struct {
	db *DB
}

func NewAuditStore(db *DB) *AuditStore {
	return &AuditStore{db: db}
}

func (s *AuditStore) Insert(ctx context.Context, ev *domain.AuditEvent) error {
	var detail any
	if ev.Detail != nil {
		raw, err := json.Marshal(ev.Detail)
		if err != nil {
			return fmt.Errorf("marshal detail: %w", err)
		}
		detail = string(raw)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (event_id, event_type, resource_ref, user_id, session_id, outcome, detail, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Type, ev.Resource, ev.UserID, ev.SessionID, string(ev.Outcome), detail, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *AuditStore) ListBySession(ctx context.Context, sessionID string) ([]domain.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, event_type, resource_ref, user_id, session_id, outcome, detail, timestamp
		FROM audit_events WHERE session_id = ? ORDER BY rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEvent
	for rows.Next() {
		var ev domain.AuditEvent
		var outcome string
		var detail *string
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Resource, &ev.UserID, &ev.SessionID, &outcome, &detail, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.Outcome = domain.AuditOutcome(outcome)
		if detail != nil {
			if err := json.Unmarshal([]byte(*detail), &ev.Detail); err != nil {
				return nil, fmt.Errorf("unmarshal detail: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
