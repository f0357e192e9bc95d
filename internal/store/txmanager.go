package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"regexp"
	"sync"
	"time"

	"collabsync-server/internal/domain"

	"github.com/rs/zerolog"
	sqlite "modernc.org/sqlite"
)

type Scope int

const (
	ReadOnly Scope = iota
	ReadWrite
)

type ErrorKind string

const (
	// DeadlockExceeded means the retry budget for serialization failures
	// is exhausted; the submission may be retried later.
	DeadlockExceeded ErrorKind = "deadlock_exceeded"
	// StoreUnavailable means the persistence layer is unreachable; the
	// session stays open for future attempts.
	StoreUnavailable ErrorKind = "store_unavailable"
)

type TransactionError struct {
	Kind ErrorKind
	Err  error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction failed (%s): %v", e.Kind, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// ErrSerialization marks an injected serialization failure; tests use it
// to drive the retry path without a contended database.
var ErrSerialization = errors.New("store: serialization failure")

// SQLite primary result codes treated as serialization/deadlock signals.
const (
	codeBusy   = 5
	codeLocked = 6
)

// IsRetryable reports whether err is a serialization/deadlock signal from
// the underlying store.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrSerialization) {
		return true
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case codeBusy, codeLocked:
			return true
		}
	}
	return false
}

// RetryPolicy bounds deadlock-triggered retries. The Nth delay is
// base*2^(N-1) with jitter, capped at Cap.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Delay returns the backoff before retry attempt n (1-based). With a nil
// rng the jitter factor is fixed at 1.0 so delays stay deterministic.
func (p RetryPolicy) Delay(attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 || p.BackoffBase <= 0 {
		return 0
	}
	d := float64(p.BackoffBase) * math.Pow(2, float64(attempt-1))
	if p.BackoffCap > 0 && d > float64(p.BackoffCap) {
		d = float64(p.BackoffCap)
	}
	if rng != nil {
		d *= 1.0 + 0.5*rng.Float64()
		if p.BackoffCap > 0 && d > float64(p.BackoffCap) {
			d = float64(p.BackoffCap)
		}
	}
	return time.Duration(d)
}

// AuditSink receives the commit/rollback outcome events the manager emits.
type AuditSink interface {
	Append(domain.AuditEvent)
}

// TxManager wraps persistence calls with scope control, deadlock-triggered
// retry and nested savepoints.
type TxManager struct {
	db     *DB
	policy RetryPolicy
	log    zerolog.Logger

	mu  sync.Mutex
	rng *rand.Rand

	audit AuditSink
}

func NewTxManager(db *DB, policy RetryPolicy, log zerolog.Logger) *TxManager {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &TxManager{
		db:     db,
		policy: policy,
		log:    log.With().Str("component", "txmanager").Logger(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetAuditSink wires the audit ledger in after construction; the ledger
// itself writes through this manager's database.
func (m *TxManager) SetAuditSink(sink AuditSink) {
	m.audit = sink
}

// Tx is the handle passed to transaction bodies.
type Tx struct {
	tx    *sql.Tx
	depth int
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

var savepointName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// WithSavepoint nests a partial-rollback scope inside the transaction.
// If body fails, only effects since the savepoint are undone; the error is
// returned but the outer transaction remains usable. Used for best-effort
// side writes that must not abort the primary commit.
func (t *Tx) WithSavepoint(ctx context.Context, name string, body func() error) error {
	if !savepointName.MatchString(name) {
		return fmt.Errorf("invalid savepoint name %q", name)
	}
	t.depth++
	sp := fmt.Sprintf("%s_%d", name, t.depth)
	defer func() { t.depth-- }()

	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
		return fmt.Errorf("savepoint %s: %w", sp, err)
	}
	if err := body(); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO "+sp); rbErr != nil {
			return fmt.Errorf("rollback to %s after %v: %w", sp, err, rbErr)
		}
		if _, relErr := t.tx.ExecContext(ctx, "RELEASE "+sp); relErr != nil {
			return fmt.Errorf("release %s after rollback: %w", sp, relErr)
		}
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE "+sp); err != nil {
		return fmt.Errorf("release %s: %w", sp, err)
	}
	return nil
}

// Run executes body inside a transaction of the given scope. On a
// serialization/deadlock signal it retries with exponential backoff plus
// jitter, bounded by MaxAttempts. Body errors that are not retryable pass
// through unchanged after rollback.
func (m *TxManager) Run(ctx context.Context, scope Scope, body func(tx *Tx) error) error {
	var last error
	for attempt := 1; attempt <= m.policy.MaxAttempts; attempt++ {
		err := m.runOnce(ctx, scope, body)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		last = err
		if attempt == m.policy.MaxAttempts {
			break
		}
		delay := m.policy.Delay(attempt, m.jitterSource())
		m.log.Debug().Int("attempt", attempt).Dur("backoff", delay).Msg("retrying after serialization failure")
		select {
		case <-ctx.Done():
			return &TransactionError{Kind: StoreUnavailable, Err: ctx.Err()}
		case <-time.After(delay):
		}
	}
	return &TransactionError{Kind: DeadlockExceeded, Err: last}
}

func (m *TxManager) runOnce(ctx context.Context, scope Scope, body func(tx *Tx) error) error {
	opts := &sql.TxOptions{ReadOnly: scope == ReadOnly}
	tx, err := m.db.BeginTx(ctx, opts)
	if err != nil {
		if IsRetryable(err) {
			return err
		}
		return &TransactionError{Kind: StoreUnavailable, Err: err}
	}

	if err := body(&Tx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			m.log.Error().Err(rbErr).Msg("rollback failed")
		}
		m.emit(domain.EventTxRolledBack, domain.AuditFailure, err)
		return err
	}

	if err := tx.Commit(); err != nil {
		m.emit(domain.EventTxRolledBack, domain.AuditFailure, err)
		if IsRetryable(err) {
			return err
		}
		return &TransactionError{Kind: StoreUnavailable, Err: err}
	}
	m.emit(domain.EventTxCommitted, domain.AuditSuccess, nil)
	return nil
}

func (m *TxManager) emit(eventType string, outcome domain.AuditOutcome, cause error) {
	if m.audit == nil {
		return
	}
	ev := domain.AuditEvent{Type: eventType, Outcome: outcome}
	if cause != nil {
		ev.Detail = map[string]any{"error": cause.Error()}
	}
	m.audit.Append(ev)
}

func (m *TxManager) jitterSource() *rand.Rand {
	m.mu.Lock()
	defer m.mu.Unlock()
	return rand.New(rand.NewSource(m.rng.Int63()))
}
