package taint

import (
	"fmt"
	"sort"
	"strings"

	"github.com/1homsi/taintflow/internal/ir"
)

// HopKind classifies one step of a provenance chain.
type HopKind string

const (
	HopSource     HopKind = "source"
	HopAssignment HopKind = "assignment"
	HopCall       HopKind = "call"
	HopSanitizer  HopKind = "sanitizer"
	HopSink       HopKind = "sink"
)

// Hop is one step in a taint flow.
type Hop struct {
	File   string  `json:"file"`
	Line   int     `json:"line"`
	Symbol string  `json:"symbol"`
	Kind   HopKind `json:"kind"`
}

func (h Hop) String() string {
	return fmt.Sprintf("%s %s:%d %s", h.Kind, h.File, h.Line, h.Symbol)
}

// Extend returns a copy of hops with h appended. An assignment hop on the
// same line as the last hop is folded into it, and a hop on the same line
// as a trailing assignment replaces that assignment.
func Extend(hops []Hop, h Hop) []Hop {
	out := make([]Hop, len(hops), len(hops)+1)
	copy(out, hops)
	if n := len(out); n > 0 {
		last := out[n-1]
		if last.File == h.File && last.Line == h.Line {
			switch {
			case last.Kind == HopAssignment:
				out[n-1] = h
				return out
			case h.Kind == HopAssignment:
				return out
			}
		}
	}
	return append(out, h)
}

// Concat appends each hop of tail to head with Extend semantics.
func Concat(head, tail []Hop) []Hop {
	out := append([]Hop(nil), head...)
	for _, h := range tail {
		out = Extend(out, h)
	}
	return out
}

// Value is a taint level with the provenance that produced it. Cleared
// lists the vulnerability types a sanitizer on the path has ruled out.
type Value struct {
	Level      Level    `json:"level"`
	Provenance []Hop    `json:"provenance"`
	Cleared    []string `json:"cleared,omitempty"`
}

// With returns v extended by h. The receiver is not modified.
func (v Value) With(h Hop) Value {
	return Value{Level: v.Level, Provenance: Extend(v.Provenance, h), Cleared: v.Cleared}
}

// Clears reports whether a sanitizer on the path covers vulnType.
func (v Value) Clears(vulnType string) bool { return ClearsType(v.Cleared, vulnType) }

// JoinValues keeps the higher level. Ties prefer the shorter provenance,
// then a. Only types cleared on both sides stay cleared.
func JoinValues(a, b Value) Value {
	out := a
	switch {
	case a.Level > b.Level:
	case b.Level > a.Level:
		out = b
	case len(b.Provenance) < len(a.Provenance):
		out = b
	}
	out.Cleared = intersectCleared(a.Cleared, b.Cleared)
	return out
}

// ClearsType reports whether cleared contains vulnType.
func ClearsType(cleared []string, vulnType string) bool {
	for _, c := range cleared {
		if c == vulnType {
			return true
		}
	}
	return false
}

// UnionCleared merges two cleared lists into a sorted list without
// duplicates.
func UnionCleared(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	if len(a) == 0 {
		return b
	}
	out := append(append([]string(nil), a...), b...)
	sort.Strings(out)
	n := 0
	for i, c := range out {
		if i == 0 || c != out[n-1] {
			out[n] = c
			n++
		}
	}
	return out[:n]
}

func intersectCleared(a, b []string) []string {
	var out []string
	for _, c := range a {
		if ClearsType(b, c) {
			out = append(out, c)
		}
	}
	return out
}

// OriginKind classifies where a taint channel starts.
type OriginKind uint8

const (
	// OriginLocal is taint from a source inside the analysed function.
	OriginLocal OriginKind = iota
	// OriginParam is whatever the caller passes for a parameter.
	OriginParam
	// OriginCall is whatever a project call returns.
	OriginCall
)

// Origin identifies a taint channel. It is comparable.
type Origin struct {
	Kind  OriginKind
	Param int
	Site  ir.CanonicalID
}

func Local() Origin { return Origin{Kind: OriginLocal} }

func ParamOrigin(i int) Origin { return Origin{Kind: OriginParam, Param: i} }

func CallOrigin(site ir.CanonicalID) Origin { return Origin{Kind: OriginCall, Site: site} }

func (o Origin) String() string {
	switch o.Kind {
	case OriginParam:
		return fmt.Sprintf("param:%d", o.Param)
	case OriginCall:
		return "call:" + o.Site.String()
	}
	return "local"
}

func (o Origin) less(p Origin) bool {
	if o.Kind != p.Kind {
		return o.Kind < p.Kind
	}
	if o.Param != p.Param {
		return o.Param < p.Param
	}
	return o.Site.Less(p.Site)
}

// Set maps each origin channel reaching an expression to its value.
// Untainted channels are never stored.
type Set map[Origin]Value

// Single returns a set with one channel.
func Single(o Origin, v Value) Set {
	if v.Level == Untainted {
		return nil
	}
	return Set{o: v}
}

// Join merges sets channel by channel.
func Join(sets ...Set) Set {
	var out Set
	for _, s := range sets {
		for o, v := range s {
			if out == nil {
				out = make(Set)
			}
			if cur, ok := out[o]; ok {
				out[o] = JoinValues(cur, v)
			} else {
				out[o] = v
			}
		}
	}
	return out
}

// With extends every channel by h.
func (s Set) With(h Hop) Set {
	if len(s) == 0 {
		return nil
	}
	out := make(Set, len(s))
	for o, v := range s {
		out[o] = v.With(h)
	}
	return out
}

// Sanitize extends every channel by the sanitizer hop h and marks the
// types in clears as ruled out.
func (s Set) Sanitize(h Hop, clears []string) Set {
	if len(s) == 0 {
		return nil
	}
	out := make(Set, len(s))
	for o, v := range s {
		v = v.With(h)
		v.Cleared = UnionCleared(v.Cleared, clears)
		out[o] = v
	}
	return out
}

// Clear marks the types in clears as ruled out on every channel.
func (s Set) Clear(clears []string) Set {
	if len(s) == 0 || len(clears) == 0 {
		return s
	}
	out := make(Set, len(s))
	for o, v := range s {
		v.Cleared = UnionCleared(v.Cleared, clears)
		out[o] = v
	}
	return out
}

// Level returns the highest level across channels.
func (s Set) Level() Level {
	l := Untainted
	for _, v := range s {
		l = Max(l, v.Level)
	}
	return l
}

// Origins returns the channels in deterministic order.
func (s Set) Origins() []Origin {
	out := make([]Origin, 0, len(s))
	for o := range s {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	return out
}

// Equal compares two sets including provenance.
func (s Set) Equal(t Set) bool {
	if len(s) != len(t) {
		return false
	}
	for o, v := range s {
		w, ok := t[o]
		if !ok || v.Level != w.Level || !hopsEqual(v.Provenance, w.Provenance) || !stringsEqual(v.Cleared, w.Cleared) {
			return false
		}
	}
	return true
}

func hopsEqual(a, b []Hop) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// FormatFlow renders hops as "kind file:line symbol -> ...".
func FormatFlow(hops []Hop) string {
	parts := make([]string, len(hops))
	for i, h := range hops {
		parts[i] = h.String()
	}
	return strings.Join(parts, " -> ")
}
