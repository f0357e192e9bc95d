package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ResourceRef identifies the shared logical resource a session collaborates on.
type ResourceRef struct {
	Type string `json:"type" validate:"required"`
	ID   string `json:"id" validate:"required"`
}

func (r ResourceRef) String() string {
	return r.Type + "/" + r.ID
}

func ParseResourceRef(s string) (ResourceRef, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ResourceRef{}, fmt.Errorf("invalid resource ref: %q", s)
	}
	return ResourceRef{Type: parts[0], ID: parts[1]}, nil
}

type FieldKind string

const (
	FieldKindText       FieldKind = "text"
	FieldKindStructured FieldKind = "structured"
	FieldKindList       FieldKind = "list"
)

// Schema maps a resource type to its collaborative fields.
type Schema map[string]map[string]FieldKind

func (s Schema) Fields(resourceType string) (map[string]FieldKind, bool) {
	fields, ok := s[resourceType]
	return fields, ok
}

// ListItem is one element of a list field. Removed items stay in the list
// as tombstones so concurrent edits can be resolved against them.
type ListItem struct {
	ID      string          `json:"id"`
	Value   json.RawMessage `json:"value,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
}

// FieldValue is the authoritative value of one collaborative field.
// Exactly the member matching Kind is meaningful.
type FieldValue struct {
	Kind FieldKind      `json:"kind"`
	Text string         `json:"text,omitempty"`
	Doc  map[string]any `json:"doc,omitempty"`
	List []ListItem     `json:"list,omitempty"`
}

// InitialFieldValue returns the empty value for a field kind.
func InitialFieldValue(kind FieldKind) FieldValue {
	v := FieldValue{Kind: kind}
	if kind == FieldKindStructured {
		v.Doc = map[string]any{}
	}
	return v
}

// CanonicalBytes returns the byte form fingerprints are computed over.
// Text fields hash the raw text so clients can fingerprint the value they
// display without knowing the server-side representation.
func (v FieldValue) CanonicalBytes() []byte {
	switch v.Kind {
	case FieldKindText:
		return []byte(v.Text)
	case FieldKindStructured:
		doc := v.Doc
		if doc == nil {
			doc = map[string]any{}
		}
		b, _ := json.Marshal(doc)
		return b
	case FieldKindList:
		list := v.List
		if list == nil {
			list = []ListItem{}
		}
		b, _ := json.Marshal(list)
		return b
	}
	return nil
}

// VisibleList returns the list items without tombstones.
func (v FieldValue) VisibleList() []ListItem {
	out := make([]ListItem, 0, len(v.List))
	for _, it := range v.List {
		if !it.Deleted {
			out = append(out, it)
		}
	}
	return out
}

// Clone returns a deep copy so field state never aliases caller memory.
func (v FieldValue) Clone() FieldValue {
	out := FieldValue{Kind: v.Kind, Text: v.Text}
	if v.Doc != nil {
		out.Doc = cloneDoc(v.Doc)
	}
	if v.List != nil {
		out.List = make([]ListItem, len(v.List))
		for i, it := range v.List {
			out.List[i] = ListItem{ID: it.ID, Deleted: it.Deleted}
			if it.Value != nil {
				out.List[i].Value = append(json.RawMessage(nil), it.Value...)
			}
		}
	}
	return out
}

func cloneDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneDoc(nested)
		} else {
			out[k] = v
		}
	}
	return out
}
