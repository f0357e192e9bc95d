// Package audit maintains the append-only ledger of accepted/rejected
// operations and session lifecycle transitions. Appends are safe for
// unsynchronized concurrent use; ledger order reflects commit order.
package audit

import (
	"context"
	"sync"
	"time"

	"collabsync-server/internal/domain"
	"collabsync-server/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Ledger struct {
	store *store.AuditStore
	log   zerolog.Logger

	ch   chan domain.AuditEvent
	wg   sync.WaitGroup
	done chan struct{}

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func NewLedger(s *store.AuditStore, log zerolog.Logger) *Ledger {
	l := &Ledger{
		store: s,
		log:   log.With().Str("component", "audit").Logger(),
		ch:    make(chan domain.AuditEvent, 256),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

// Append records an event. Missing id/timestamp are filled in. The write
// happens on the ledger's single writer goroutine; failures are logged and
// never propagate into the pipeline.
func (l *Ledger) Append(ev domain.AuditEvent) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	// the liveness check and the Add are one step under mu, so Close's
	// Wait never races a late Add
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.wg.Add(1)
	l.mu.Unlock()

	l.ch <- ev
}

func (l *Ledger) run() {
	for {
		select {
		case ev := <-l.ch:
			if err := l.store.Insert(context.Background(), &ev); err != nil {
				l.log.Error().Err(err).Str("event_type", ev.Type).Msg("failed to append audit event")
			}
			l.wg.Done()
		case <-l.done:
			return
		}
	}
}

// Flush blocks until every event appended so far is written.
func (l *Ledger) Flush() {
	l.wg.Wait()
}

// Close flushes and stops the writer. Part of registry teardown. Appends
// racing Close either land before the final flush or are dropped whole;
// none straddle it.
func (l *Ledger) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		l.wg.Wait()
		close(l.done)
	})
}
