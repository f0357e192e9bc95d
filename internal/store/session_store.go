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

var ErrNotFound = errors.New("store: not found")

// SessionStore persists sessions, participants and authoritative field
// values. Writes go through the transaction manager's Tx handle.
type SessionStore struct {
	db *DB
}

func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) Insert(ctx context.Context, tx *Tx, sess *domain.Session) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (session_id, resource_type, resource_id, state, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Resource.Type, sess.Resource.ID, string(sess.State), sess.CreatedAt, sess.LastActivityAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SessionStore) UpdateState(ctx context.Context, tx *Tx, sessionID string, state domain.SessionState, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE sessions SET state = ?, last_activity_at = ? WHERE session_id = ?`,
		string(state), at, sessionID)
	if err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	return nil
}

func (s *SessionStore) Touch(ctx context.Context, tx *Tx, sessionID string, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = ? WHERE session_id = ?`, at, sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, resource_type, resource_id, state, created_at, last_activity_at
		FROM sessions WHERE session_id = ?`, sessionID)
	var sess domain.Session
	var state string
	err := row.Scan(&sess.ID, &sess.Resource.Type, &sess.Resource.ID, &state, &sess.CreatedAt, &sess.LastActivityAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.State = domain.SessionState(state)
	return &sess, nil
}

func (s *SessionStore) UpsertParticipant(ctx context.Context, tx *Tx, p *domain.Participant) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO participants (session_id, user_id, role, presence, joined_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id, user_id) DO UPDATE SET role = excluded.role, presence = excluded.presence`,
		p.SessionID, p.UserID, string(p.Role), p.Presence, p.JoinedAt)
	if err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}
	return nil
}

func (s *SessionStore) DeleteParticipant(ctx context.Context, tx *Tx, sessionID, userID string) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM participants WHERE session_id = ? AND user_id = ?`, sessionID, userID)
	if err != nil {
		return fmt.Errorf("delete participant: %w", err)
	}
	return nil
}

func (s *SessionStore) UpdatePresence(ctx context.Context, tx *Tx, sessionID, userID, presence string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE participants SET presence = ? WHERE session_id = ? AND user_id = ?`,
		presence, sessionID, userID)
	if err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	return nil
}

// UpsertField writes the authoritative value, fingerprint and last
// assigned sequence for one field.
func (s *SessionStore) UpsertField(ctx context.Context, tx *Tx, sessionID, field string, value domain.FieldValue, fp string, lastSeq int64) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal field value: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO fields (session_id, field, kind, value, fingerprint, last_sequence)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, field) DO UPDATE SET
			value = excluded.value,
			fingerprint = excluded.fingerprint,
			last_sequence = excluded.last_sequence`,
		sessionID, field, string(value.Kind), string(raw), fp, lastSeq)
	if err != nil {
		return fmt.Errorf("upsert field: %w", err)
	}
	return nil
}

// FieldRow is the persisted state of one field.
type FieldRow struct {
	Field        string
	Value        domain.FieldValue
	Fingerprint  string
	LastSequence int64
}

func (s *SessionStore) Fields(ctx context.Context, sessionID string) ([]FieldRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT field, value, fingerprint, last_sequence
		FROM fields WHERE session_id = ? ORDER BY field`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list fields: %w", err)
	}
	defer rows.Close()

	var out []FieldRow
	for rows.Next() {
		var fr FieldRow
		var raw string
		if err := rows.Scan(&fr.Field, &raw, &fr.Fingerprint, &fr.LastSequence); err != nil {
			return nil, fmt.Errorf("scan field: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &fr.Value); err != nil {
			return nil, fmt.Errorf("unmarshal field value: %w", err)
		}
		out = append(out, fr)
	}
	return out, rows.Err()
}
