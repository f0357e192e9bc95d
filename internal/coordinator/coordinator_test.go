package coordinator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"collabsync-server/internal/audit"
	"collabsync-server/internal/domain"
	"collabsync-server/internal/notify"
	"collabsync-server/internal/ot"
	"collabsync-server/internal/resolver"
	"collabsync-server/internal/session"
	"collabsync-server/internal/store"
	"collabsync-server/internal/validation"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type coordEnv struct {
	coord     *Coordinator
	sessions  *session.Manager
	ledger    *audit.Ledger
	audits    *store.AuditStore
	ops       *store.OperationStore
	conflicts *store.ConflictStore
}

type envOptions struct {
	maxPayload   int
	manualWindow time.Duration
}

func newCoordEnv(t *testing.T, opts envOptions) *coordEnv {
	t.Helper()

	if opts.maxPayload == 0 {
		opts.maxPayload = 1 << 20
	}
	if opts.manualWindow == 0 {
		opts.manualWindow = time.Hour
	}

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())

	txm := store.NewTxManager(db, store.RetryPolicy{MaxAttempts: 3, BackoffBase: time.Millisecond}, zerolog.Nop())
	audits := store.NewAuditStore(db)
	ledger := audit.NewLedger(audits, zerolog.Nop())
	sessionStore := store.NewSessionStore(db)
	ops := store.NewOperationStore(db)
	conflicts := store.NewConflictStore(db)

	schema := domain.Schema{
		"document": {
			"body":  domain.FieldKindText,
			"meta":  domain.FieldKindStructured,
			"items": domain.FieldKindList,
		},
	}
	sessions := session.NewManager(session.Config{
		IdleTimeout:       time.Hour,
		CloseGracePeriod:  time.Hour,
		FingerprintWindow: 16,
		SweepInterval:     time.Hour,
	}, schema, sessionStore, txm, ledger, notify.Noop{}, zerolog.Nop())

	coord := New(
		validation.New(validation.AllowAll{}, opts.maxPayload),
		sessions,
		resolver.New(zerolog.Nop()),
		txm,
		sessionStore,
		ops,
		conflicts,
		ledger,
		notify.Noop{},
		nil,
		opts.manualWindow,
		zerolog.Nop(),
	)

	t.Cleanup(func() {
		sessions.Stop()
		ledger.Close()
		db.Close()
	})

	return &coordEnv{coord: coord, sessions: sessions, ledger: ledger, audits: audits, ops: ops, conflicts: conflicts}
}

func (e *coordEnv) join(t *testing.T, userID string, role domain.Role) *domain.SessionSnapshot {
	t.Helper()
	snap, _, err := e.sessions.Join(context.Background(), domain.ResourceRef{Type: "document", ID: "doc-1"}, userID, role)
	require.NoError(t, err)
	return snap
}

func (e *coordEnv) fingerprint(t *testing.T, sessionID, field string) string {
	t.Helper()
	snap, err := e.sessions.Snapshot(sessionID)
	require.NoError(t, err)
	return snap.Fields[field].Fingerprint
}

func textReq(sessionID, baseFp string, counter int64, spans ...ot.Span) *domain.SubmitOperationRequest {
	return &domain.SubmitOperationRequest{
		SessionID:       sessionID,
		Field:           "body",
		BaseFingerprint: baseFp,
		LocalCounter:    counter,
		Payload:         domain.Payload{Kind: domain.PayloadTextDelta, Text: ot.Delta(spans)},
	}
}

func setReq(sessionID, baseFp, path, value string) *domain.SubmitOperationRequest {
	return &domain.SubmitOperationRequest{
		SessionID:       sessionID,
		Field:           "meta",
		BaseFingerprint: baseFp,
		Payload: domain.Payload{
			Kind: domain.PayloadSetField,
			Set:  &domain.SetField{Path: path, Value: json.RawMessage(value)},
		},
	}
}

func (e *coordEnv) auditTypes(t *testing.T, sessionID string) []string {
	t.Helper()
	e.ledger.Flush()
	events, err := e.audits.ListBySession(context.Background(), sessionID)
	require.NoError(t, err)
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func countOf(types []string, want string) int {
	n := 0
	for _, tp := range types {
		if tp == want {
			n++
		}
	}
	return n
}

func TestSubmitSequentialAcks(t *testing.T) {
	env := newCoordEnv(t, envOptions{})
	ctx := context.Background()
	snap := env.join(t, "alice", domain.RoleEditor)
	sid := snap.SessionID

	res, err := env.coord.Submit(ctx, "alice", textReq(sid, snap.Fields["body"].Fingerprint, 1, ot.Insert("Hello")))
	require.NoError(t, err)
	assert.Equal(t, StatusAck, res.Status)
	assert.Equal(t, int64(1), res.Sequence)
	assert.NotEmpty(t, res.OperationID)

	res, err = env.coord.Submit(ctx, "alice", textReq(sid, env.fingerprint(t, sid, "body"), 2, ot.Retain(5), ot.Insert(" world")))
	require.NoError(t, err)
	assert.Equal(t, StatusAck, res.Status)
	assert.Equal(t, int64(2), res.Sequence)

	fresh, err := env.sessions.Snapshot(sid)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", fresh.Fields["body"].Value.Text)
	assert.Equal(t, int64(2), fresh.Fields["body"].Sequence)
}

func TestSubmitConcurrentTextConverges(t *testing.T) {
	env := newCoordEnv(t, envOptions{})
	ctx := context.Background()
	snap := env.join(t, "alice", domain.RoleEditor)
	env.join(t, "bob", domain.RoleEditor)
	sid := snap.SessionID

	_, err := env.coord.Submit(ctx, "alice", textReq(sid, snap.Fields["body"].Fingerprint, 1, ot.Insert("Hello world")))
	require.NoError(t, err)
	base := env.fingerprint(t, sid, "body")

	// both editors branch off the same base value
	resA, err := env.coord.Submit(ctx, "alice", textReq(sid, base, 2, ot.Retain(5), ot.Insert(" there")))
	require.NoError(t, err)
	assert.Equal(t, StatusAck, resA.Status)
	assert.Equal(t, int64(2), resA.Sequence)

	resB, err := env.coord.Submit(ctx, "bob", textReq(sid, base, 1, ot.Retain(11), ot.Insert("!")))
	require.NoError(t, err)
	assert.Equal(t, StatusAck, resB.Status, "the concurrent edit is rewritten and committed, not rejected")
	assert.Equal(t, int64(3), resB.Sequence)

	fresh, err := env.sessions.Snapshot(sid)
	require.NoError(t, err)
	assert.Equal(t, "Hello there world!", fresh.Fields["body"].Value.Text)

	// the stored operation carries the rewritten delta
	listed, err := env.ops.ListByField(ctx, sid, "body")
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, ot.Delta{ot.Retain(17), ot.Insert("!")}, listed[2].Payload.Text)

	// the automatic resolution leaves a non-pending conflict record behind
	records, err := env.conflicts.ListBySession(ctx, sid, false)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.ResolutionAuto, records[0].Kind)
	assert.False(t, records[0].Pending())

	types := env.auditTypes(t, sid)
	assert.Equal(t, 3, countOf(types, domain.EventOperationCommitted))
	assert.Zero(t, countOf(types, domain.EventOperationRejected))
}

func TestSubmitStaleBaseRejected(t *testing.T) {
	env := newCoordEnv(t, envOptions{})
	ctx := context.Background()
	snap := env.join(t, "alice", domain.RoleEditor)
	sid := snap.SessionID

	_, err := env.coord.Submit(ctx, "alice", textReq(sid, snap.Fields["body"].Fingerprint, 1, ot.Insert("Hello")))
	require.NoError(t, err)

	res, err := env.coord.Submit(ctx, "alice", textReq(sid, "no-such-fingerprint", 2, ot.Insert("x")))
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, domain.ReasonStaleBase, res.Reason)
	require.NotNil(t, res.CurrentValue, "a stale rejection carries the authoritative value for rebasing")
	assert.Equal(t, "Hello", res.CurrentValue.Text)
	assert.NotEmpty(t, res.CurrentFingerprint)

	// no sequence number was consumed by the rejection
	res, err = env.coord.Submit(ctx, "alice", textReq(sid, res.CurrentFingerprint, 2, ot.Retain(5), ot.Insert("!")))
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Sequence)

	types := env.auditTypes(t, sid)
	assert.Equal(t, 1, countOf(types, domain.EventOperationRejected))
}

func TestSubmitRoleAndParticipantGuards(t *testing.T) {
	env := newCoordEnv(t, envOptions{})
	ctx := context.Background()
	snap := env.join(t, "alice", domain.RoleEditor)
	env.join(t, "victor", domain.RoleViewer)
	sid := snap.SessionID
	base := snap.Fields["body"].Fingerprint

	res, err := env.coord.Submit(ctx, "victor", textReq(sid, base, 1, ot.Insert("x")))
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, domain.ReasonViewerRole, res.Reason)

	res, err = env.coord.Submit(ctx, "stranger", textReq(sid, base, 1, ot.Insert("x")))
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, domain.ReasonNotParticipant, res.Reason)
}

func TestSubmitPayloadTooLarge(t *testing.T) {
	env := newCoordEnv(t, envOptions{maxPayload: 128})
	ctx := context.Background()
	snap := env.join(t, "alice", domain.RoleEditor)

	res, err := env.coord.Submit(ctx, "alice",
		textReq(snap.SessionID, snap.Fields["body"].Fingerprint, 1, ot.Insert(strings.Repeat("a", 256))))
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, domain.ReasonPayloadTooLarge, res.Reason)
}

func TestSubmitKindMismatch(t *testing.T) {
	env := newCoordEnv(t, envOptions{})
	ctx := context.Background()
	snap := env.join(t, "alice", domain.RoleEditor)

	req := setReq(snap.SessionID, snap.Fields["body"].Fingerprint, "title", `"x"`)
	req.Field = "body"
	res, err := env.coord.Submit(ctx, "alice", req)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, domain.ReasonKindMismatch, res.Reason)
}

func TestSubmitUnknownSession(t *testing.T) {
	env := newCoordEnv(t, envOptions{})

	_, err := env.coord.Submit(context.Background(), "alice", textReq("no-such-session", "fp", 1, ot.Insert("x")))
	var stateErr *domain.SessionStateError
	require.ErrorAs(t, err, &stateErr)
}

func TestStructuredConflictPendingAndResolve(t *testing.T) {
	env := newCoordEnv(t, envOptions{})
	ctx := context.Background()
	snap := env.join(t, "alice", domain.RoleEditor)
	env.join(t, "bob", domain.RoleEditor)
	sid := snap.SessionID
	base := snap.Fields["meta"].Fingerprint

	res, err := env.coord.Submit(ctx, "alice", setReq(sid, base, "title", `"alice"`))
	require.NoError(t, err)
	require.Equal(t, StatusAck, res.Status)

	// same leaf, same base: held for manual resolution
	res, err = env.coord.Submit(ctx, "bob", setReq(sid, base, "title", `"bob"`))
	require.NoError(t, err)
	assert.Equal(t, StatusConflictPending, res.Status)
	require.NotEmpty(t, res.ConflictID)
	conflictID := res.ConflictID

	// authoritative state is untouched while the conflict is pending
	fresh, err := env.sessions.Snapshot(sid)
	require.NoError(t, err)
	assert.Equal(t, "alice", fresh.Fields["meta"].Value.Doc["title"])
	assert.Equal(t, int64(1), fresh.Fields["meta"].Sequence)

	pending, err := env.coord.ListConflicts(ctx, sid, true)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, conflictID, pending[0].ID)

	// resolving with a nil choice applies the proposal stored at detection
	resolved, err := env.coord.ResolveConflict(ctx, conflictID, "bob", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusAck, resolved.Status)
	assert.Equal(t, int64(2), resolved.Sequence)

	fresh, err = env.sessions.Snapshot(sid)
	require.NoError(t, err)
	assert.Equal(t, "bob", fresh.Fields["meta"].Value.Doc["title"])

	pending, err = env.coord.ListConflicts(ctx, sid, true)
	require.NoError(t, err)
	assert.Empty(t, pending)

	types := env.auditTypes(t, sid)
	assert.Equal(t, 1, countOf(types, domain.EventConflictDetected))
	assert.Equal(t, 1, countOf(types, domain.EventConflictResolved))
}

func TestResolveConflictGuards(t *testing.T) {
	env := newCoordEnv(t, envOptions{})
	ctx := context.Background()
	snap := env.join(t, "alice", domain.RoleEditor)
	env.join(t, "bob", domain.RoleEditor)
	env.join(t, "victor", domain.RoleViewer)
	sid := snap.SessionID
	base := snap.Fields["meta"].Fingerprint

	_, err := env.coord.Submit(ctx, "alice", setReq(sid, base, "title", `"alice"`))
	require.NoError(t, err)
	res, err := env.coord.Submit(ctx, "bob", setReq(sid, base, "title", `"bob"`))
	require.NoError(t, err)
	conflictID := res.ConflictID

	var valErr *domain.ValidationError
	_, err = env.coord.ResolveConflict(ctx, conflictID, "victor", nil)
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, domain.ReasonViewerRole, valErr.Reason)

	_, err = env.coord.ResolveConflict(ctx, conflictID, "stranger", nil)
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, domain.ReasonNotParticipant, valErr.Reason)

	// wrong payload kind for the field
	_, err = env.coord.ResolveConflict(ctx, conflictID, "bob", &domain.Payload{
		Kind: domain.PayloadTextDelta,
		Text: ot.Delta{ot.Insert("x")},
	})
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, domain.ReasonKindMismatch, valErr.Reason)

	_, err = env.coord.ResolveConflict(ctx, conflictID, "bob", nil)
	require.NoError(t, err)

	// a resolved conflict cannot be resolved again
	_, err = env.coord.ResolveConflict(ctx, conflictID, "bob", nil)
	require.ErrorAs(t, err, &valErr)
}

func TestWithdrawConflict(t *testing.T) {
	env := newCoordEnv(t, envOptions{})
	ctx := context.Background()
	snap := env.join(t, "alice", domain.RoleEditor)
	env.join(t, "bob", domain.RoleEditor)
	sid := snap.SessionID
	base := snap.Fields["meta"].Fingerprint

	_, err := env.coord.Submit(ctx, "alice", setReq(sid, base, "title", `"alice"`))
	require.NoError(t, err)
	res, err := env.coord.Submit(ctx, "bob", setReq(sid, base, "title", `"bob"`))
	require.NoError(t, err)
	conflictID := res.ConflictID

	// only the author of the held-back operation may withdraw
	var valErr *domain.ValidationError
	err = env.coord.WithdrawConflict(ctx, conflictID, "alice")
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, domain.ReasonPermissionDenied, valErr.Reason)

	require.NoError(t, env.coord.WithdrawConflict(ctx, conflictID, "bob"))

	pending, err := env.coord.ListConflicts(ctx, sid, true)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// withdrawn means nothing was applied
	fresh, err := env.sessions.Snapshot(sid)
	require.NoError(t, err)
	assert.Equal(t, "alice", fresh.Fields["meta"].Value.Doc["title"])

	_, err = env.coord.ResolveConflict(ctx, conflictID, "bob", nil)
	require.ErrorAs(t, err, &valErr)
}

func TestWithdrawWindowElapsed(t *testing.T) {
	env := newCoordEnv(t, envOptions{manualWindow: time.Millisecond})
	ctx := context.Background()
	snap := env.join(t, "alice", domain.RoleEditor)
	env.join(t, "bob", domain.RoleEditor)
	sid := snap.SessionID
	base := snap.Fields["meta"].Fingerprint

	_, err := env.coord.Submit(ctx, "alice", setReq(sid, base, "title", `"alice"`))
	require.NoError(t, err)
	res, err := env.coord.Submit(ctx, "bob", setReq(sid, base, "title", `"bob"`))
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	var valErr *domain.ValidationError
	err = env.coord.WithdrawConflict(ctx, res.ConflictID, "bob")
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, domain.ReasonPermissionDenied, valErr.Reason)
}

func TestListSpliceSubmits(t *testing.T) {
	env := newCoordEnv(t, envOptions{})
	ctx := context.Background()
	snap := env.join(t, "alice", domain.RoleEditor)
	sid := snap.SessionID

	req := &domain.SubmitOperationRequest{
		SessionID:       sid,
		Field:           "items",
		BaseFingerprint: snap.Fields["items"].Fingerprint,
		Payload: domain.Payload{
			Kind: domain.PayloadListSplice,
			List: &domain.ListSplice{
				Insert: []domain.ListInsert{
					{ID: "item-1", Value: json.RawMessage(`"one"`)},
					{ID: "item-2", After: "item-1", Value: json.RawMessage(`"two"`)},
				},
			},
		},
	}
	res, err := env.coord.Submit(ctx, "alice", req)
	require.NoError(t, err)
	require.Equal(t, StatusAck, res.Status)

	rm := &domain.SubmitOperationRequest{
		SessionID:       sid,
		Field:           "items",
		BaseFingerprint: env.fingerprint(t, sid, "items"),
		Payload: domain.Payload{
			Kind: domain.PayloadListSplice,
			List: &domain.ListSplice{Remove: []string{"item-1"}},
		},
	}
	res, err = env.coord.Submit(ctx, "alice", rm)
	require.NoError(t, err)
	require.Equal(t, StatusAck, res.Status)

	fresh, err := env.sessions.Snapshot(sid)
	require.NoError(t, err)
	visible := fresh.Fields["items"].Value.VisibleList()
	require.Len(t, visible, 1)
	assert.Equal(t, "item-2", visible[0].ID)
	assert.Len(t, fresh.Fields["items"].Value.List, 2, "the removed item remains as a tombstone")
}

// A splice re-inserting an existing item commits (the replay is dropped
// on apply) but its stored payload keeps the insert, so the committed
// recency window can hold a cyclic anchor chain. Resolving a concurrent
// insert against it must still commit instead of wedging the field.
func TestListSpliceReplayedInsertThenConcurrent(t *testing.T) {
	env := newCoordEnv(t, envOptions{})
	ctx := context.Background()
	snap := env.join(t, "alice", domain.RoleEditor)
	env.join(t, "bob", domain.RoleEditor)
	sid := snap.SessionID

	listReq := func(baseFp string, inserts ...domain.ListInsert) *domain.SubmitOperationRequest {
		return &domain.SubmitOperationRequest{
			SessionID:       sid,
			Field:           "items",
			BaseFingerprint: baseFp,
			Payload: domain.Payload{
				Kind: domain.PayloadListSplice,
				List: &domain.ListSplice{Insert: inserts},
			},
		}
	}

	res, err := env.coord.Submit(ctx, "alice", listReq(snap.Fields["items"].Fingerprint,
		domain.ListInsert{ID: "item-y", Value: json.RawMessage(`"y"`)}))
	require.NoError(t, err)
	require.Equal(t, StatusAck, res.Status)
	base := env.fingerprint(t, sid, "items")

	// item-y already exists, so this splice leaves a cyclic anchor chain
	// in the committed window
	res, err = env.coord.Submit(ctx, "alice", listReq(base,
		domain.ListInsert{ID: "item-x", After: "item-y", Value: json.RawMessage(`"x"`)},
		domain.ListInsert{ID: "item-y", After: "item-x", Value: json.RawMessage(`"y"`)}))
	require.NoError(t, err)
	require.Equal(t, StatusAck, res.Status)

	done := make(chan struct{})
	var cRes *Result
	var cErr error
	go func() {
		defer close(done)
		cRes, cErr = env.coord.Submit(ctx, "bob", listReq(base,
			domain.ListInsert{ID: "item-z", After: "item-y", Value: json.RawMessage(`"z"`)}))
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("concurrent list submit did not complete")
	}
	require.NoError(t, cErr)
	assert.Equal(t, StatusAck, cRes.Status)
	assert.Equal(t, int64(3), cRes.Sequence)

	fresh, err := env.sessions.Snapshot(sid)
	require.NoError(t, err)
	visible := fresh.Fields["items"].Value.VisibleList()
	require.Len(t, visible, 3)
	ids := []string{visible[0].ID, visible[1].ID, visible[2].ID}
	assert.Equal(t, []string{"item-y", "item-x", "item-z"}, ids)
}

// Replaying the persisted operation log from the initial value must land
// on the exact authoritative state, so a rejoining participant can be
// brought current from either a snapshot or the log.
func TestReplayReconstructsSnapshot(t *testing.T) {
	env := newCoordEnv(t, envOptions{})
	ctx := context.Background()
	snap := env.join(t, "alice", domain.RoleEditor)
	env.join(t, "bob", domain.RoleEditor)
	sid := snap.SessionID

	_, err := env.coord.Submit(ctx, "alice", textReq(sid, snap.Fields["body"].Fingerprint, 1, ot.Insert("Hello world")))
	require.NoError(t, err)
	base := env.fingerprint(t, sid, "body")
	_, err = env.coord.Submit(ctx, "alice", textReq(sid, base, 2, ot.Retain(5), ot.Insert(" there")))
	require.NoError(t, err)
	_, err = env.coord.Submit(ctx, "bob", textReq(sid, base, 1, ot.Retain(11), ot.Insert("!")))
	require.NoError(t, err)

	listed, err := env.ops.ListByField(ctx, sid, "body")
	require.NoError(t, err)
	require.Len(t, listed, 3)

	value := domain.InitialFieldValue(domain.FieldKindText)
	for i, op := range listed {
		require.Equal(t, int64(i+1), op.Sequence, "the log is gap-free")
		value, err = resolver.ApplyPayload(value, op.Payload)
		require.NoError(t, err)
	}

	fresh, err := env.sessions.Snapshot(sid)
	require.NoError(t, err)
	assert.Equal(t, fresh.Fields["body"].Value.Text, value.Text)
	assert.Equal(t, "Hello there world!", value.Text)
}
