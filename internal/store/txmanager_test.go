package store

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"collabsync-server/internal/domain"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return db
}

func testTxManager(t *testing.T, policy RetryPolicy) (*TxManager, *DB) {
	t.Helper()
	db := newTestDB(t)
	return NewTxManager(db, policy, zerolog.Nop()), db
}

func insertSession(ctx context.Context, tx *Tx, id string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (session_id, resource_type, resource_id, state, created_at, last_activity_at)
		VALUES (?, 'document', 'doc-1', 'ACTIVE', ?, ?)`,
		id, time.Now().UTC(), time.Now().UTC())
	return err
}

func countSessions(t *testing.T, db *DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&n))
	return n
}

func TestRunCommits(t *testing.T) {
	txm, db := testTxManager(t, RetryPolicy{MaxAttempts: 1})
	ctx := context.Background()

	err := txm.Run(ctx, ReadWrite, func(tx *Tx) error {
		return insertSession(ctx, tx, "sess-1")
	})
	require.NoError(t, err)
	assert.Equal(t, 1, countSessions(t, db))
}

func TestRunRollsBackOnBodyError(t *testing.T) {
	txm, db := testTxManager(t, RetryPolicy{MaxAttempts: 3})
	ctx := context.Background()

	boom := errors.New("boom")
	err := txm.Run(ctx, ReadWrite, func(tx *Tx) error {
		if err := insertSession(ctx, tx, "sess-1"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom, "non-retryable body errors pass through unchanged")
	assert.Equal(t, 0, countSessions(t, db), "partial writes are rolled back")
}

func TestRunRetriesSerializationFailures(t *testing.T) {
	txm, db := testTxManager(t, RetryPolicy{MaxAttempts: 5, BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond})
	ctx := context.Background()

	attempts := 0
	err := txm.Run(ctx, ReadWrite, func(tx *Tx) error {
		attempts++
		if attempts < 3 {
			return ErrSerialization
		}
		return insertSession(ctx, tx, "sess-1")
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 1, countSessions(t, db))
}

func TestRunRetryBudgetExhausted(t *testing.T) {
	txm, db := testTxManager(t, RetryPolicy{MaxAttempts: 4, BackoffBase: time.Millisecond, BackoffCap: 2 * time.Millisecond})
	ctx := context.Background()

	attempts := 0
	err := txm.Run(ctx, ReadWrite, func(tx *Tx) error {
		attempts++
		return ErrSerialization
	})

	var txErr *TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, DeadlockExceeded, txErr.Kind)
	assert.Equal(t, 4, attempts, "attempts are bounded by the policy")
	assert.Equal(t, 0, countSessions(t, db))
}

func TestRunContextCancelledDuringBackoff(t *testing.T) {
	txm, _ := testTxManager(t, RetryPolicy{MaxAttempts: 10, BackoffBase: time.Hour, BackoffCap: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- txm.Run(ctx, ReadWrite, func(tx *Tx) error {
			return ErrSerialization
		})
	}()
	cancel()

	var txErr *TransactionError
	require.ErrorAs(t, <-done, &txErr)
	assert.Equal(t, StoreUnavailable, txErr.Kind)
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BackoffBase: 10 * time.Millisecond, BackoffCap: 100 * time.Millisecond}

	// deterministic without jitter: doubling, then capped
	assert.Equal(t, 10*time.Millisecond, p.Delay(1, nil))
	assert.Equal(t, 20*time.Millisecond, p.Delay(2, nil))
	assert.Equal(t, 40*time.Millisecond, p.Delay(3, nil))
	assert.Equal(t, 80*time.Millisecond, p.Delay(4, nil))
	assert.Equal(t, 100*time.Millisecond, p.Delay(5, nil))

	rng := rand.New(rand.NewSource(7))
	for attempt := 1; attempt <= 8; attempt++ {
		base := p.Delay(attempt, nil)
		jittered := p.Delay(attempt, rng)
		assert.GreaterOrEqual(t, jittered, base, "jitter never shortens the delay below the deterministic value unless capped")
		assert.LessOrEqual(t, jittered, 100*time.Millisecond, "cap bounds the jittered delay")
	}

	assert.Equal(t, time.Duration(0), p.Delay(0, nil))
	assert.Equal(t, time.Duration(0), RetryPolicy{}.Delay(3, nil))
}

func TestWithSavepointPartialRollback(t *testing.T) {
	txm, db := testTxManager(t, RetryPolicy{MaxAttempts: 1})
	ctx := context.Background()

	boom := errors.New("side write failed")
	err := txm.Run(ctx, ReadWrite, func(tx *Tx) error {
		if err := insertSession(ctx, tx, "sess-1"); err != nil {
			return err
		}
		spErr := tx.WithSavepoint(ctx, "side", func() error {
			if err := insertSession(ctx, tx, "sess-2"); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, spErr, boom)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 1, countSessions(t, db), "only the savepoint scope was rolled back")
}

func TestWithSavepointNested(t *testing.T) {
	txm, db := testTxManager(t, RetryPolicy{MaxAttempts: 1})
	ctx := context.Background()

	err := txm.Run(ctx, ReadWrite, func(tx *Tx) error {
		return tx.WithSavepoint(ctx, "outer", func() error {
			if err := insertSession(ctx, tx, "sess-1"); err != nil {
				return err
			}
			inner := tx.WithSavepoint(ctx, "inner", func() error {
				if err := insertSession(ctx, tx, "sess-2"); err != nil {
					return err
				}
				return errors.New("undo inner only")
			})
			assert.Error(t, inner)
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 1, countSessions(t, db))
}

func TestWithSavepointRejectsBadName(t *testing.T) {
	txm, _ := testTxManager(t, RetryPolicy{MaxAttempts: 1})
	ctx := context.Background()

	err := txm.Run(ctx, ReadWrite, func(tx *Tx) error {
		return tx.WithSavepoint(ctx, "bad name; DROP TABLE", func() error { return nil })
	})
	assert.Error(t, err)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrSerialization))
	assert.True(t, IsRetryable(errors.Join(errors.New("wrapped"), ErrSerialization)))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(nil))
}

type captureSink struct {
	events []domain.AuditEvent
}

func (c *captureSink) Append(ev domain.AuditEvent) { c.events = append(c.events, ev) }

func TestRunEmitsAuditEvents(t *testing.T) {
	txm, _ := testTxManager(t, RetryPolicy{MaxAttempts: 1})
	sink := &captureSink{}
	txm.SetAuditSink(sink)
	ctx := context.Background()

	require.NoError(t, txm.Run(ctx, ReadWrite, func(tx *Tx) error {
		return insertSession(ctx, tx, "sess-1")
	}))
	boom := errors.New("boom")
	require.Error(t, txm.Run(ctx, ReadWrite, func(tx *Tx) error { return boom }))

	require.Len(t, sink.events, 2)
	assert.Equal(t, domain.EventTxCommitted, sink.events[0].Type)
	assert.Equal(t, domain.AuditSuccess, sink.events[0].Outcome)
	assert.Equal(t, domain.EventTxRolledBack, sink.events[1].Type)
	assert.Equal(t, domain.AuditFailure, sink.events[1].Outcome)
}
