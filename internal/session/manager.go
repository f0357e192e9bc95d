// Package session owns the per-resource collaboration session state
// machine, participant presence and per-field sequence numbers. All
// mutation of session internals happens through the Manager; callers hold
// only session and participant ids, never references into session state.
package session

import (
	"context"
	"sync"
	"time"

	"collabsync-server/internal/audit"
	"collabsync-server/internal/domain"
	"collabsync-server/internal/notify"
	"collabsync-server/internal/store"
	"collabsync-server/pkg/fingerprint"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Config struct {
	IdleTimeout       time.Duration
	CloseGracePeriod  time.Duration
	FingerprintWindow int
	SweepInterval     time.Duration
}

// committedEntry is one field commit kept in the recency window used to
// decide whether an incoming operation is concurrent or merely stale.
type committedEntry struct {
	op     domain.ChangeOperation
	prevFp string
	nextFp string
}

// fieldState is the single-owner ordering slot for one (session, field).
// Its mutex is the sole mutual-exclusion point for sequence assignment.
type fieldState struct {
	mu          sync.Mutex
	kind        domain.FieldKind
	value       domain.FieldValue
	fingerprint string
	seq         int64
	window      []committedEntry
	windowCap   int
}

type sessionEntry struct {
	mu           sync.RWMutex
	sess         domain.Session
	participants map[string]*domain.Participant
	fields       map[string]*fieldState
	idleAt       time.Time
}

// Manager is the explicit session registry, constructed at startup and
// passed by reference to the coordinator and handlers.
type Manager struct {
	cfg      Config
	schema   domain.Schema
	sessions *store.SessionStore
	txm      *store.TxManager
	ledger   *audit.Ledger
	notifier notify.Notifier
	log      zerolog.Logger

	mu         sync.RWMutex
	byID       map[string]*sessionEntry
	byResource map[string]string

	stop     chan struct{}
	stopOnce sync.Once
	swept    sync.WaitGroup
}

func NewManager(
	cfg Config,
	schema domain.Schema,
	sessions *store.SessionStore,
	txm *store.TxManager,
	ledger *audit.Ledger,
	notifier notify.Notifier,
	log zerolog.Logger,
) *Manager {
	if cfg.FingerprintWindow <= 0 {
		cfg.FingerprintWindow = 64
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	m := &Manager{
		cfg:        cfg,
		schema:     schema,
		sessions:   sessions,
		txm:        txm,
		ledger:     ledger,
		notifier:   notifier,
		log:        log.With().Str("component", "session").Logger(),
		byID:       make(map[string]*sessionEntry),
		byResource: make(map[string]string),
		stop:       make(chan struct{}),
	}
	m.swept.Add(1)
	go m.sweep()
	return m
}

// Join registers a participant, creating the session on the first join
// for a resource. The returned snapshot carries the authoritative value
// and current sequence number of every collaborative field, so a late
// joiner starts listening with no gap and no duplicate.
func (m *Manager) Join(ctx context.Context, resource domain.ResourceRef, userID string, role domain.Role) (*domain.SessionSnapshot, *domain.Participant, error) {
	fields, ok := m.schema.Fields(resource.Type)
	if !ok {
		return nil, nil, &domain.ValidationError{Reason: domain.ReasonUnknownField, Detail: "unknown resource type " + resource.Type}
	}
	if role == "" {
		role = domain.RoleEditor
	}

	m.mu.Lock()
	entry, created := m.lookupOrCreateLocked(resource, fields)
	m.mu.Unlock()

	now := time.Now().UTC()
	participant := &domain.Participant{
		UserID:    userID,
		SessionID: entry.sess.ID,
		Role:      role,
		Presence:  domain.PresenceActive,
		JoinedAt:  now,
	}

	entry.mu.Lock()
	if entry.sess.State == domain.SessionClosed {
		entry.mu.Unlock()
		return nil, nil, &domain.SessionStateError{SessionID: entry.sess.ID, State: domain.SessionClosed}
	}
	wasIdle := entry.sess.State == domain.SessionIdle
	entry.sess.State = domain.SessionActive
	entry.sess.LastActivityAt = now
	entry.participants[userID] = participant
	entry.mu.Unlock()

	err := m.txm.Run(ctx, store.ReadWrite, func(tx *store.Tx) error {
		if created {
			if err := m.sessions.Insert(ctx, tx, &entry.sess); err != nil {
				return err
			}
			for name, f := range entry.fields {
				if err := m.sessions.UpsertField(ctx, tx, entry.sess.ID, name, f.value, f.fingerprint, f.seq); err != nil {
					return err
				}
			}
		} else if err := m.sessions.UpdateState(ctx, tx, entry.sess.ID, domain.SessionActive, now); err != nil {
			return err
		}
		return m.sessions.UpsertParticipant(ctx, tx, participant)
	})
	if err != nil {
		return nil, nil, err
	}

	if created {
		m.ledger.Append(domain.AuditEvent{
			Type: domain.EventSessionCreated, Resource: resource.String(),
			SessionID: entry.sess.ID, UserID: userID, Outcome: domain.AuditSuccess,
		})
	}
	if wasIdle {
		m.log.Info().Str("session_id", entry.sess.ID).Msg("idle session reactivated")
	}
	m.ledger.Append(domain.AuditEvent{
		Type: domain.EventSessionJoined, Resource: resource.String(),
		SessionID: entry.sess.ID, UserID: userID, Outcome: domain.AuditSuccess,
	})

	return m.snapshot(entry), participant, nil
}

func (m *Manager) lookupOrCreateLocked(resource domain.ResourceRef, fields map[string]domain.FieldKind) (*sessionEntry, bool) {
	key := resource.String()
	if sid, ok := m.byResource[key]; ok {
		if entry, ok := m.byID[sid]; ok {
			return entry, false
		}
	}

	now := time.Now().UTC()
	entry := &sessionEntry{
		sess: domain.Session{
			ID:             uuid.New().String(),
			Resource:       resource,
			State:          domain.SessionCreated,
			CreatedAt:      now,
			LastActivityAt: now,
		},
		participants: make(map[string]*domain.Participant),
		fields:       make(map[string]*fieldState, len(fields)),
	}
	for name, kind := range fields {
		value := domain.InitialFieldValue(kind)
		entry.fields[name] = &fieldState{
			kind:        kind,
			value:       value,
			fingerprint: fingerprint.Hash(value.CanonicalBytes()),
			windowCap:   m.cfg.FingerprintWindow,
		}
	}
	m.byID[entry.sess.ID] = entry
	m.byResource[key] = entry.sess.ID
	return entry, true
}

func (m *Manager) snapshot(entry *sessionEntry) *domain.SessionSnapshot {
	entry.mu.RLock()
	snap := &domain.SessionSnapshot{
		SessionID: entry.sess.ID,
		Resource:  entry.sess.Resource,
		Fields:    make(map[string]domain.FieldSnapshot, len(entry.fields)),
	}
	fields := make(map[string]*fieldState, len(entry.fields))
	for name, f := range entry.fields {
		fields[name] = f
	}
	entry.mu.RUnlock()

	for name, f := range fields {
		f.mu.Lock()
		snap.Fields[name] = domain.FieldSnapshot{
			Kind:        f.kind,
			Value:       f.value.Clone(),
			Sequence:    f.seq,
			Fingerprint: f.fingerprint,
		}
		f.mu.Unlock()
	}
	return snap
}

// Snapshot returns the current authoritative state of a live session.
// Callers that subscribed to the delta stream first can use it to close
// the join gap: deltas at or below a snapshot sequence are duplicates.
func (m *Manager) Snapshot(sessionID string) (*domain.SessionSnapshot, error) {
	entry := m.entry(sessionID)
	if entry == nil {
		return nil, &domain.SessionStateError{SessionID: sessionID, State: domain.SessionClosed}
	}
	return m.snapshot(entry), nil
}

// Leave removes a participant. The session stays ACTIVE until the idle
// timeout elapses with zero participants; the sweeper handles the
// transition.
func (m *Manager) Leave(ctx context.Context, sessionID, userID string) error {
	entry := m.entry(sessionID)
	if entry == nil {
		return &domain.SessionStateError{SessionID: sessionID, State: domain.SessionClosed}
	}

	entry.mu.Lock()
	_, known := entry.participants[userID]
	delete(entry.participants, userID)
	resource := entry.sess.Resource
	entry.mu.Unlock()
	if !known {
		return nil
	}

	err := m.txm.Run(ctx, store.ReadWrite, func(tx *store.Tx) error {
		return m.sessions.DeleteParticipant(ctx, tx, sessionID, userID)
	})
	if err != nil {
		return err
	}
	m.ledger.Append(domain.AuditEvent{
		Type: domain.EventSessionLeft, Resource: resource.String(),
		SessionID: sessionID, UserID: userID, Outcome: domain.AuditSuccess,
	})
	return nil
}

// Participant returns the participant's registration, or nil if the user
// is not attached to the session.
func (m *Manager) Participant(sessionID, userID string) *domain.Participant {
	entry := m.entry(sessionID)
	if entry == nil {
		return nil
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	if p, ok := entry.participants[userID]; ok {
		cp := *p
		return &cp
	}
	return nil
}

func (m *Manager) Participants(sessionID string) []domain.Participant {
	entry := m.entry(sessionID)
	if entry == nil {
		return nil
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	out := make([]domain.Participant, 0, len(entry.participants))
	for _, p := range entry.participants {
		out = append(out, *p)
	}
	return out
}

// Describe returns the session's resource and collaborative field kinds
// for validation.
func (m *Manager) Describe(sessionID string) (domain.ResourceRef, map[string]domain.FieldKind, error) {
	entry := m.entry(sessionID)
	if entry == nil {
		return domain.ResourceRef{}, nil, &domain.SessionStateError{SessionID: sessionID, State: domain.SessionClosed}
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	fields := make(map[string]domain.FieldKind, len(entry.fields))
	for name, f := range entry.fields {
		fields[name] = f.kind
	}
	return entry.sess.Resource, fields, nil
}

func (m *Manager) Session(sessionID string) (domain.Session, bool) {
	entry := m.entry(sessionID)
	if entry == nil {
		return domain.Session{}, false
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return entry.sess, true
}

// Touch resets the idle timer on any accepted activity.
func (m *Manager) Touch(sessionID string) {
	entry := m.entry(sessionID)
	if entry == nil {
		return
	}
	entry.mu.Lock()
	entry.sess.LastActivityAt = time.Now().UTC()
	entry.mu.Unlock()
}

// UpdatePresence records a participant's presence state and returns the
// event for fan-out.
func (m *Manager) UpdatePresence(ctx context.Context, sessionID, userID, presence string) (*domain.PresenceEvent, error) {
	entry := m.entry(sessionID)
	if entry == nil {
		return nil, &domain.SessionStateError{SessionID: sessionID, State: domain.SessionClosed}
	}
	entry.mu.Lock()
	p, ok := entry.participants[userID]
	if !ok {
		entry.mu.Unlock()
		return nil, &domain.ValidationError{Reason: domain.ReasonNotParticipant}
	}
	p.Presence = presence
	entry.mu.Unlock()

	err := m.txm.Run(ctx, store.ReadWrite, func(tx *store.Tx) error {
		return m.sessions.UpdatePresence(ctx, tx, sessionID, userID, presence)
	})
	if err != nil {
		return nil, err
	}
	return &domain.PresenceEvent{UserID: userID, State: presence}, nil
}

func (m *Manager) entry(sessionID string) *sessionEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byID[sessionID]
}

// Stop halts the idle sweeper. CloseAll handles teardown of live sessions.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.swept.Wait()
}

// CloseAll force-closes every live session; part of registry teardown.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	entries := make([]*sessionEntry, 0, len(m.byID))
	for _, e := range m.byID {
		entries = append(entries, e)
	}
	m.byID = make(map[string]*sessionEntry)
	m.byResource = make(map[string]string)
	m.mu.Unlock()

	for _, entry := range entries {
		m.closeSession(ctx, entry)
	}
}

func (m *Manager) closeSession(ctx context.Context, entry *sessionEntry) {
	entry.mu.Lock()
	if entry.sess.State == domain.SessionClosed {
		entry.mu.Unlock()
		return
	}
	entry.sess.State = domain.SessionClosed
	sessionID := entry.sess.ID
	resource := entry.sess.Resource
	entry.mu.Unlock()

	now := time.Now().UTC()
	err := m.txm.Run(ctx, store.ReadWrite, func(tx *store.Tx) error {
		return m.sessions.UpdateState(ctx, tx, sessionID, domain.SessionClosed, now)
	})
	outcome := domain.AuditSuccess
	if err != nil {
		m.log.Error().Err(err).Str("session_id", sessionID).Msg("failed to persist session close")
		outcome = domain.AuditFailure
	}
	m.ledger.Append(domain.AuditEvent{
		Type: domain.EventSessionClosed, Resource: resource.String(),
		SessionID: sessionID, Outcome: outcome,
	})
	m.notifier.Notify(domain.EventSessionClosed, map[string]any{
		"session_id": sessionID,
		"resource":   resource.String(),
	})
}

// sweep drives ACTIVE→IDLE after the idle timeout with zero participants,
// and IDLE→CLOSED after the close grace period.
func (m *Manager) sweep() {
	defer m.swept.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.sweepOnce(now.UTC())
		}
	}
}

func (m *Manager) sweepOnce(now time.Time) {
	m.mu.RLock()
	entries := make([]*sessionEntry, 0, len(m.byID))
	for _, e := range m.byID {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	ctx := context.Background()
	for _, entry := range entries {
		entry.mu.Lock()
		state := entry.sess.State
		empty := len(entry.participants) == 0
		last := entry.sess.LastActivityAt
		idleAt := entry.idleAt
		var transition domain.SessionState
		switch {
		case state == domain.SessionActive && empty && now.Sub(last) >= m.cfg.IdleTimeout:
			entry.sess.State = domain.SessionIdle
			entry.idleAt = now
			transition = domain.SessionIdle
		case state == domain.SessionIdle && now.Sub(idleAt) >= m.cfg.CloseGracePeriod:
			transition = domain.SessionClosed
		}
		sessionID := entry.sess.ID
		resource := entry.sess.Resource
		entry.mu.Unlock()

		switch transition {
		case domain.SessionIdle:
			err := m.txm.Run(ctx, store.ReadWrite, func(tx *store.Tx) error {
				return m.sessions.UpdateState(ctx, tx, sessionID, domain.SessionIdle, now)
			})
			if err != nil {
				m.log.Error().Err(err).Str("session_id", sessionID).Msg("failed to persist idle transition")
			}
			m.ledger.Append(domain.AuditEvent{
				Type: domain.EventSessionIdle, Resource: resource.String(),
				SessionID: sessionID, Outcome: domain.AuditSuccess,
			})
		case domain.SessionClosed:
			m.mu.Lock()
			delete(m.byID, sessionID)
			delete(m.byResource, resource.String())
			m.mu.Unlock()
			m.closeSession(ctx, entry)
		}
	}
}
