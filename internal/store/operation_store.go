package store

import (
	"context"
	"encoding/json"
	"fmt"

	"collabsync-server/internal/domain"
)

// OperationStore persists accepted operations. The (session, field,
// sequence) uniqueness constraint backs up the in-memory sequencing
// invariant.
type OperationStore struct {
	db *DB
}

func NewOperationStore(db *DB) *OperationStore {
	return &OperationStore{db: db}
}

func (s *OperationStore) Insert(ctx context.Context, tx *Tx, op *domain.ChangeOperation) error {
	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO operations (operation_id, session_id, field, sequence, author, base_fingerprint, payload, local_counter, committed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.SessionID, op.Field, op.Sequence, op.Author, op.BaseFingerprint, string(payload), op.LocalCounter, op.CommittedAt)
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}

// ListByField returns the committed operations of one field in sequence
// order. Replaying them from the initial value reproduces the current
// authoritative value.
func (s *OperationStore) ListByField(ctx context.Context, sessionID, field string) ([]domain.ChangeOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT operation_id, session_id, field, sequence, author, base_fingerprint, payload, local_counter, committed_at
		FROM operations WHERE session_id = ? AND field = ? ORDER BY sequence`,
		sessionID, field)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var out []domain.ChangeOperation
	for rows.Next() {
		var op domain.ChangeOperation
		var payload string
		if err := rows.Scan(&op.ID, &op.SessionID, &op.Field, &op.Sequence, &op.Author,
			&op.BaseFingerprint, &payload, &op.LocalCounter, &op.CommittedAt); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &op.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}
