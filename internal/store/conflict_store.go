package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"collabsync-server/internal/domain"
)

// ConflictStore persists conflict records. Records are never deleted;
// resolution only updates the kind and resolution payload, so both
// competing operations stay retrievable.
type ConflictStore struct {
	db *DB
}

func NewConflictStore(db *DB) *ConflictStore {
	return &ConflictStore{db: db}
}

func (s *ConflictStore) Insert(ctx context.Context, tx *Tx, rec *domain.ConflictRecord) error {
	opA, err := json.Marshal(rec.OpA)
	if err != nil {
		return fmt.Errorf("marshal op_a: %w", err)
	}
	opB, err := json.Marshal(rec.OpB)
	if err != nil {
		return fmt.Errorf("marshal op_b: %w", err)
	}
	var resolution any
	if rec.Resolution != nil {
		raw, err := json.Marshal(rec.Resolution)
		if err != nil {
			return fmt.Errorf("marshal resolution: %w", err)
		}
		resolution = string(raw)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO conflicts (conflict_id, session_id, field, op_a, op_b, resolution_kind, resolution_payload, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.Field, string(opA), string(opB), string(rec.Kind), resolution, rec.CreatedAt, rec.ResolvedAt)
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	return nil
}

func (s *ConflictStore) Get(ctx context.Context, conflictID string) (*domain.ConflictRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT conflict_id, session_id, field, op_a, op_b, resolution_kind, resolution_payload, created_at, resolved_at
		FROM conflicts WHERE conflict_id = ?`, conflictID)
	rec, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *ConflictStore) ListBySession(ctx context.Context, sessionID string, pendingOnly bool) ([]*domain.ConflictRecord, error) {
	query := `
		SELECT conflict_id, session_id, field, op_a, op_b, resolution_kind, resolution_payload, created_at, resolved_at
		FROM conflicts WHERE session_id = ?`
	args := []any{sessionID}
	if pendingOnly {
		query += ` AND resolution_kind = ?`
		args = append(args, string(domain.ResolutionManualPending))
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var out []*domain.ConflictRecord
	for rows.Next() {
		rec, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *ConflictStore) MarkResolved(ctx context.Context, tx *Tx, conflictID string, resolution *domain.Payload, at time.Time) error {
	var payload any
	if resolution != nil {
		raw, err := json.Marshal(resolution)
		if err != nil {
			return fmt.Errorf("marshal resolution: %w", err)
		}
		payload = string(raw)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE conflicts SET resolution_kind = ?, resolution_payload = ?, resolved_at = ?
		WHERE conflict_id = ? AND resolution_kind = ?`,
		string(domain.ResolutionManualResolved), payload, at,
		conflictID, string(domain.ResolutionManualPending))
	if err != nil {
		return fmt.Errorf("mark conflict resolved: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark conflict resolved: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConflict(row rowScanner) (*domain.ConflictRecord, error) {
	var rec domain.ConflictRecord
	var opA, opB, kind string
	var resolution sql.NullString
	var resolvedAt sql.NullTime
	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.Field, &opA, &opB, &kind, &resolution, &rec.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(opA), &rec.OpA); err != nil {
		return nil, fmt.Errorf("unmarshal op_a: %w", err)
	}
	if err := json.Unmarshal([]byte(opB), &rec.OpB); err != nil {
		return nil, fmt.Errorf("unmarshal op_b: %w", err)
	}
	rec.Kind = domain.ResolutionKind(kind)
	if resolution.Valid {
		var p domain.Payload
		if err := json.Unmarshal([]byte(resolution.String), &p); err != nil {
			return nil, fmt.Errorf("unmarshal resolution: %w", err)
		}
		rec.Resolution = &p
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		rec.ResolvedAt = &t
	}
	return &rec, nil
}
