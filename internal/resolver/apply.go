package resolver

import (
	"encoding/json"
	"fmt"
	"strings"

	"collabsync-server/internal/domain"
	"collabsync-server/internal/ot"
)

// ApplyPayload applies one operation payload to a field value and returns
// the new value. The input is never mutated, so replaying committed
// operations in sequence order from the initial value reproduces the
// authoritative value exactly.
func ApplyPayload(v domain.FieldValue, p domain.Payload) (domain.FieldValue, error) {
	if err := p.CheckShape(); err != nil {
		return domain.FieldValue{}, err
	}
	switch p.Kind {
	case domain.PayloadTextDelta:
		if v.Kind != domain.FieldKindText {
			return domain.FieldValue{}, fmt.Errorf("text_delta applied to %s field", v.Kind)
		}
		text, err := ot.Apply(v.Text, p.Text)
		if err != nil {
			return domain.FieldValue{}, err
		}
		return domain.FieldValue{Kind: domain.FieldKindText, Text: text}, nil

	case domain.PayloadSetField:
		if v.Kind != domain.FieldKindStructured {
			return domain.FieldValue{}, fmt.Errorf("set_field applied to %s field", v.Kind)
		}
		out := v.Clone()
		if out.Doc == nil {
			out.Doc = map[string]any{}
		}
		if err := setLeaf(out.Doc, p.Set.Path, p.Set.Value); err != nil {
			return domain.FieldValue{}, err
		}
		return out, nil

	case domain.PayloadListSplice:
		if v.Kind != domain.FieldKindList {
			return domain.FieldValue{}, fmt.Errorf("list_splice applied to %s field", v.Kind)
		}
		return applySplice(v, p.List)

	default:
		return domain.FieldValue{}, fmt.Errorf("unknown payload kind: %s", p.Kind)
	}
}

func setLeaf(doc map[string]any, path string, raw json.RawMessage) error {
	segments := strings.Split(path, ".")
	cur := doc
	for i, seg := range segments {
		if seg == "" {
			return fmt.Errorf("empty path segment in %q", path)
		}
		if i == len(segments)-1 {
			var val any
			if err := json.Unmarshal(raw, &val); err != nil {
				return fmt.Errorf("leaf value at %q: %w", path, err)
			}
			cur[seg] = val
			return nil
		}
		next, ok := cur[seg]
		if !ok {
			child := map[string]any{}
			cur[seg] = child
			cur = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("path %q crosses a non-object value at %q", path, seg)
		}
		cur = child
	}
	return nil
}

// PathsOverlap reports whether two dot paths touch the same leaf: equal
// paths or one being a prefix of the other.
func PathsOverlap(a, b string) bool {
	if a == b {
		return true
	}
	return strings.HasPrefix(a, b+".") || strings.HasPrefix(b, a+".")
}

func applySplice(v domain.FieldValue, splice *domain.ListSplice) (domain.FieldValue, error) {
	out := v.Clone()

	index := make(map[string]int, len(out.List))
	for i, it := range out.List {
		index[it.ID] = i
	}

	for _, ins := range splice.Insert {
		if _, exists := index[ins.ID]; exists {
			// replayed insert; keep the first occurrence
			continue
		}
		item := domain.ListItem{ID: ins.ID, Value: append(json.RawMessage(nil), ins.Value...)}
		pos := 0
		if ins.After != "" {
			at, ok := index[ins.After]
			if !ok {
				return domain.FieldValue{}, fmt.Errorf("insert after unknown item %q", ins.After)
			}
			pos = at + 1
		}
		out.List = append(out.List, domain.ListItem{})
		copy(out.List[pos+1:], out.List[pos:])
		out.List[pos] = item
		index = reindex(out.List)
	}

	for _, id := range splice.Remove {
		at, ok := index[id]
		if !ok {
			return domain.FieldValue{}, fmt.Errorf("remove of unknown item %q", id)
		}
		// tombstone, never physically removed
		out.List[at].Deleted = true
	}

	for _, upd := range splice.Update {
		at, ok := index[upd.ID]
		if !ok {
			return domain.FieldValue{}, fmt.Errorf("update of unknown item %q", upd.ID)
		}
		if out.List[at].Deleted {
			// delete-wins: a removed item is never resurrected
			continue
		}
		out.List[at].Value = append(json.RawMessage(nil), upd.Value...)
	}

	return out, nil
}

func reindex(list []domain.ListItem) map[string]int {
	index := make(map[string]int, len(list))
	for i, it := range list {
		index[it.ID] = i
	}
	return index
}
