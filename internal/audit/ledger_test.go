package audit

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"collabsync-server/internal/domain"
	"collabsync-server/internal/store"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) (*Ledger, *store.AuditStore) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	audits := store.NewAuditStore(db)
	l := NewLedger(audits, zerolog.Nop())
	t.Cleanup(l.Close)
	return l, audits
}

func TestLedgerAppendFillsDefaults(t *testing.T) {
	l, audits := newTestLedger(t)

	l.Append(domain.AuditEvent{
		Type:      domain.EventSessionCreated,
		SessionID: "sess-1",
		Outcome:   domain.AuditSuccess,
	})
	l.Flush()

	events, err := audits.ListBySession(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].ID)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestLedgerPreservesAppendOrder(t *testing.T) {
	l, audits := newTestLedger(t)

	for i := 0; i < 20; i++ {
		l.Append(domain.AuditEvent{
			ID:        fmt.Sprintf("ev-%02d", i),
			Type:      domain.EventOperationCommitted,
			SessionID: "sess-1",
			Outcome:   domain.AuditSuccess,
			Detail:    map[string]any{"n": i},
		})
	}
	l.Flush()

	events, err := audits.ListBySession(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, events, 20)
	for i, ev := range events {
		assert.Equal(t, fmt.Sprintf("ev-%02d", i), ev.ID, "ledger order reflects append order")
	}
}

func TestLedgerConcurrentAppends(t *testing.T) {
	l, audits := newTestLedger(t)

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				l.Append(domain.AuditEvent{
					Type:      domain.EventOperationCommitted,
					SessionID: "sess-1",
					UserID:    fmt.Sprintf("user-%d", w),
					Outcome:   domain.AuditSuccess,
				})
			}
		}(w)
	}
	wg.Wait()
	l.Flush()

	events, err := audits.ListBySession(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Len(t, events, writers*perWriter, "nothing appended is lost")
}

func TestLedgerCloseRacesAppends(t *testing.T) {
	l, audits := newTestLedger(t)

	// everything appended before Close starts must survive the final flush
	const preClose = 10
	for i := 0; i < preClose; i++ {
		l.Append(domain.AuditEvent{
			Type:      domain.EventOperationCommitted,
			SessionID: "sess-1",
			Outcome:   domain.AuditSuccess,
		})
	}

	const writers, perWriter = 8, 50
	var accepted int64
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				l.Append(domain.AuditEvent{
					Type:      domain.EventOperationCommitted,
					SessionID: "sess-1",
					Outcome:   domain.AuditSuccess,
				})
				atomic.AddInt64(&accepted, 1)
			}
		}()
	}

	// close while appenders are still running; appends either land before
	// the final flush or are dropped whole
	l.Close()
	wg.Wait()

	events, err := audits.ListBySession(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(events), preClose)
	assert.LessOrEqual(t, len(events), preClose+int(atomic.LoadInt64(&accepted)))
}

func TestLedgerCloseIsIdempotent(t *testing.T) {
	l, audits := newTestLedger(t)

	l.Append(domain.AuditEvent{
		Type:      domain.EventSessionClosed,
		SessionID: "sess-1",
		Outcome:   domain.AuditSuccess,
	})
	l.Close()
	l.Close()

	events, err := audits.ListBySession(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Len(t, events, 1, "close flushes before stopping the writer")

	// appends after close are dropped, not panicking
	l.Append(domain.AuditEvent{Type: domain.EventSessionClosed, SessionID: "sess-1"})
}
