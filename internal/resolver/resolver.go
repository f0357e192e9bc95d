// Package resolver is the conflict resolution engine. Given a pending
// operation and a committed operation it never observed, the engine
// produces a deterministic merged payload or flags the pair for manual
// resolution. Resolution is CPU-bound and performs no I/O.
package resolver

import (
	"time"

	"collabsync-server/internal/domain"
	"collabsync-server/internal/ot"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Resolution is the engine's verdict on one concurrent pair. Merged is the
// rewritten pending payload, nil when the pair needs manual resolution —
// in that case the prior authoritative value is retained until resolved.
// Record is always set; persisting it keeps both competing operations
// retrievable.
type Resolution struct {
	Kind   domain.ResolutionKind
	Merged *domain.Payload
	Record *domain.ConflictRecord
}

type Engine struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Engine {
	return &Engine{log: log.With().Str("component", "resolver").Logger()}
}

// Resolve merges pending against committed. committed holds the lower
// sequence number: it was accepted first and orders first wherever the
// merge needs a tie broken.
func (e *Engine) Resolve(pending, committed *domain.ChangeOperation) (*Resolution, error) {
	record := &domain.ConflictRecord{
		ID:        uuid.New().String(),
		SessionID: pending.SessionID,
		Field:     pending.Field,
		OpA:       *committed,
		OpB:       *pending,
		CreatedAt: time.Now().UTC(),
	}

	if pending.Payload.Kind != committed.Payload.Kind {
		// mismatched variants on one field; only a participant can decide
		record.Kind = domain.ResolutionManualPending
		return &Resolution{Kind: domain.ResolutionManualPending, Record: record}, nil
	}

	switch pending.Payload.Kind {
	case domain.PayloadTextDelta:
		return e.resolveText(pending, committed, record)
	case domain.PayloadSetField:
		return e.resolveStructured(pending, committed, record)
	default:
		return e.resolveList(pending, committed, record)
	}
}

func (e *Engine) resolveText(pending, committed *domain.ChangeOperation, record *domain.ConflictRecord) (*Resolution, error) {
	// committed is already applied, so the pending delta is rewritten to
	// apply on top of it; lower sequence orders first on insert ties.
	transformed, err := ot.Transform(pending.Payload.Text, committed.Payload.Text, false)
	if err != nil {
		return nil, err
	}
	merged := domain.Payload{Kind: domain.PayloadTextDelta, Text: transformed}
	record.Kind = domain.ResolutionAuto
	record.Resolution = &merged
	return &Resolution{Kind: domain.ResolutionAuto, Merged: &merged, Record: record}, nil
}

func (e *Engine) resolveStructured(pending, committed *domain.ChangeOperation, record *domain.ConflictRecord) (*Resolution, error) {
	if !PathsOverlap(pending.Payload.Set.Path, committed.Payload.Set.Path) {
		// disjoint leaf paths merge trivially
		merged := pending.Payload
		record.Kind = domain.ResolutionAuto
		record.Resolution = &merged
		return &Resolution{Kind: domain.ResolutionAuto, Merged: &merged, Record: record}, nil
	}

	// Overlapping leaves cannot be auto-merged. The record stores the
	// "last accepted sequence wins" default as the proposed resolution,
	// but nothing is applied until a participant (or policy) commits it.
	e.log.Debug().
		Str("field", pending.Field).
		Str("path", pending.Payload.Set.Path).
		Msg("overlapping structured paths need manual resolution")
	proposal := pending.Payload
	record.Kind = domain.ResolutionManualPending
	record.Resolution = &proposal
	return &Resolution{Kind: domain.ResolutionManualPending, Record: record}, nil
}

func (e *Engine) resolveList(pending, committed *domain.ChangeOperation, record *domain.ConflictRecord) (*Resolution, error) {
	src := pending.Payload.List
	prior := committed.Payload.List
	merged := &domain.ListSplice{}

	removedByCommitted := make(map[string]bool, len(prior.Remove))
	for _, id := range prior.Remove {
		removedByCommitted[id] = true
	}
	updatedByCommitted := make(map[string]bool, len(prior.Update))
	for _, upd := range prior.Update {
		updatedByCommitted[upd.ID] = true
	}

	// Concurrent inserts are both kept; an insert anchored where the
	// committed splice also inserted is re-anchored behind the committed
	// chain so document order follows sequence order.
	for _, ins := range src.Insert {
		ins.After = chaseInsertChain(prior.Insert, ins.After)
		merged.Insert = append(merged.Insert, ins)
	}

	for _, id := range src.Remove {
		if removedByCommitted[id] {
			continue // already tombstoned
		}
		merged.Remove = append(merged.Remove, id)
	}

	for _, upd := range src.Update {
		if removedByCommitted[upd.ID] {
			// delete-wins over a concurrent modification
			continue
		}
		if updatedByCommitted[upd.ID] {
			// both sides touched the item; last accepted sequence wins
			e.log.Debug().Str("field", pending.Field).Str("item", upd.ID).Msg("concurrent list updates, keeping later sequence")
		}
		merged.Update = append(merged.Update, upd)
	}

	payload := domain.Payload{Kind: domain.PayloadListSplice, List: merged}
	record.Kind = domain.ResolutionAuto
	record.Resolution = &payload
	return &Resolution{Kind: domain.ResolutionAuto, Merged: &payload, Record: record}, nil
}

// chaseInsertChain follows committed inserts anchored at after (and at
// items they inserted) to the end of the chain. Each id is visited at
// most once: a committed splice that re-inserts an existing item keeps
// the insert in its stored payload, so anchor chains can be cyclic.
func chaseInsertChain(committed []domain.ListInsert, after string) string {
	visited := map[string]bool{after: true}
	for {
		advanced := false
		for _, ins := range committed {
			if ins.After == after && !visited[ins.ID] {
				after = ins.ID
				visited[ins.ID] = true
				advanced = true
			}
		}
		if !advanced {
			return after
		}
	}
}
