// Package ot implements operational transformation for text fields.
// A Delta is a run of retain/insert/delete spans computed against a shared
// base value. Transform rewrites a delta so it can be applied after a
// concurrent delta while preserving convergence:
//
//	Apply(Transform(a, b, x), Apply(b, base)) == Apply(Transform(b, a, !x), Apply(a, base))
package ot

import (
	"fmt"
	"unicode/utf8"
)

type SpanType string

const (
	SpanRetain SpanType = "retain"
	SpanInsert SpanType = "insert"
	SpanDelete SpanType = "delete"
)

// Span is one segment of a delta. N carries the length of retain and
// delete spans; Text carries inserted text.
type Span struct {
	Type SpanType `json:"type"`
	N    int      `json:"n,omitempty"`
	Text string   `json:"text,omitempty"`
}

type Delta []Span

func Retain(n int) Span    { return Span{Type: SpanRetain, N: n} }
func Insert(s string) Span { return Span{Type: SpanInsert, Text: s} }
func Delete(n int) Span    { return Span{Type: SpanDelete, N: n} }

func textLen(s string) int { return utf8.RuneCountInString(s) }

// BaseLen is the number of base runes the delta consumes.
func (d Delta) BaseLen() int {
	n := 0
	for _, s := range d {
		if s.Type == SpanRetain || s.Type == SpanDelete {
			n += s.N
		}
	}
	return n
}

// TargetLen is the length of the delta's output, not counting the implicit
// trailing retain.
func (d Delta) TargetLen() int {
	n := 0
	for _, s := range d {
		switch s.Type {
		case SpanRetain:
			n += s.N
		case SpanInsert:
			n += textLen(s.Text)
		}
	}
	return n
}

// Normalize merges adjacent spans of the same type and drops empty ones.
func Normalize(d Delta) Delta {
	out := make(Delta, 0, len(d))
	for _, s := range d {
		if (s.Type != SpanInsert && s.N <= 0) || (s.Type == SpanInsert && s.Text == "") {
			continue
		}
		if len(out) > 0 && out[len(out)-1].Type == s.Type {
			last := &out[len(out)-1]
			if s.Type == SpanInsert {
				last.Text += s.Text
			} else {
				last.N += s.N
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

// Validate checks span shapes without reference to a base value.
func Validate(d Delta) error {
	if len(d) == 0 {
		return fmt.Errorf("empty delta")
	}
	for i, s := range d {
		switch s.Type {
		case SpanRetain, SpanDelete:
			if s.N <= 0 || s.Text != "" {
				return fmt.Errorf("span %d: %s spans carry a positive length only", i, s.Type)
			}
		case SpanInsert:
			if s.Text == "" || s.N != 0 {
				return fmt.Errorf("span %d: insert spans carry text only", i)
			}
		default:
			return fmt.Errorf("span %d: unknown span type %q", i, s.Type)
		}
	}
	return nil
}

// Apply runs a delta against a base string. Base runes past the spans are
// kept unchanged (implicit trailing retain).
func Apply(base string, d Delta) (string, error) {
	runes := []rune(base)
	pos := 0
	out := make([]rune, 0, len(runes))
	for i, s := range d {
		switch s.Type {
		case SpanRetain:
			if pos+s.N > len(runes) {
				return "", fmt.Errorf("span %d: retain %d past end of base (len %d)", i, s.N, len(runes))
			}
			out = append(out, runes[pos:pos+s.N]...)
			pos += s.N
		case SpanInsert:
			out = append(out, []rune(s.Text)...)
		case SpanDelete:
			if pos+s.N > len(runes) {
				return "", fmt.Errorf("span %d: delete %d past end of base (len %d)", i, s.N, len(runes))
			}
			pos += s.N
		default:
			return "", fmt.Errorf("span %d: unknown span type %q", i, s.Type)
		}
	}
	out = append(out, runes[pos:]...)
	return string(out), nil
}

// Transform rewrites a so it applies after b. Both deltas were computed
// against the same base. aFirst breaks ties between insertions at the same
// offset: when true, a's insertion is ordered before b's. Deletions take
// precedence over a concurrent insertion at the same offset: an insertion
// landing inside (or at the start of) a concurrently deleted range is
// dropped, and the deletion absorbs concurrently inserted text, so both
// sides converge on the deletion's outcome.
func Transform(a, b Delta, aFirst bool) (Delta, error) {
	base := a.BaseLen()
	if bl := b.BaseLen(); bl > base {
		base = bl
	}
	a = padToBase(a, base)
	b = padToBase(b, base)

	var out Delta
	ia, ib := 0, 0
	var sa, sb Span
	haveA, haveB := false, false

	loadA := func() {
		for !haveA && ia < len(a) {
			sa = a[ia]
			ia++
			haveA = sa.Type == SpanInsert && sa.Text != "" || sa.Type != SpanInsert && sa.N > 0
		}
	}
	loadB := func() {
		for !haveB && ib < len(b) {
			sb = b[ib]
			ib++
			haveB = sb.Type == SpanInsert && sb.Text != "" || sb.Type != SpanInsert && sb.N > 0
		}
	}

	for {
		loadA()
		loadB()

		// Insertions sit between base positions and are handled before
		// the base-consuming span pairs.
		if haveA && sa.Type == SpanInsert {
			switch {
			case haveB && sb.Type == SpanInsert:
				if aFirst {
					out = append(out, sa)
					haveA = false
				} else {
					out = append(out, Retain(textLen(sb.Text)))
					haveB = false
				}
			case haveB && sb.Type == SpanDelete:
				// delete-wins: the insertion offset is being deleted
				haveA = false
			default:
				out = append(out, sa)
				haveA = false
			}
			continue
		}
		if haveB && sb.Type == SpanInsert {
			if haveA && sa.Type == SpanDelete {
				// delete-wins: absorb text inserted into the deleted range
				out = append(out, Delete(textLen(sb.Text)))
			} else {
				out = append(out, Retain(textLen(sb.Text)))
			}
			haveB = false
			continue
		}

		if !haveA && !haveB {
			break
		}
		if !haveA || !haveB {
			return nil, fmt.Errorf("transform: deltas cover different base lengths")
		}

		n := sa.N
		if sb.N < n {
			n = sb.N
		}
		switch {
		case sa.Type == SpanRetain && sb.Type == SpanRetain:
			out = append(out, Retain(n))
		case sa.Type == SpanDelete && sb.Type == SpanRetain:
			out = append(out, Delete(n))
		case sa.Type == SpanRetain && sb.Type == SpanDelete:
			// b already deleted this range; nothing to keep
		case sa.Type == SpanDelete && sb.Type == SpanDelete:
			// both deleted it; deleting once suffices
		}
		sa.N -= n
		sb.N -= n
		haveA = sa.N > 0
		haveB = sb.N > 0
	}

	return Normalize(out), nil
}

func padToBase(d Delta, base int) Delta {
	if n := d.BaseLen(); n < base {
		out := make(Delta, len(d), len(d)+1)
		copy(out, d)
		return append(out, Retain(base-n))
	}
	return d
}
