// Package taint holds the taint lattice, provenance tracking, the
// intra-file tracker and the records it produces.
package taint

import (
	"sort"

	"github.com/1homsi/taintflow/internal/ir"
)

// DedupKey groups vulnerabilities that describe the same problem.
type DedupKey struct {
	Sink ir.CanonicalID `json:"sink"`
	Root ir.CanonicalID `json:"root"`
	Type string         `json:"type"`
}

func (k DedupKey) less(o DedupKey) bool {
	if k.Sink != o.Sink {
		return k.Sink.Less(o.Sink)
	}
	if k.Root != o.Root {
		return k.Root.Less(o.Root)
	}
	return k.Type < o.Type
}

// Vulnerability is a confirmed source-to-sink path.
type Vulnerability struct {
	Type       string   `json:"type"`
	CWE        string   `json:"cwe"`
	Severity   string   `json:"severity"`
	Confidence float64  `json:"confidence"`
	Level      Level    `json:"level"`
	SinkID     string   `json:"sink_id"`
	Source     Hop      `json:"source"`
	Sink       Hop      `json:"sink"`
	Flow       []Hop    `json:"taint_flow"`
	Key        DedupKey `json:"dedup_key"`
	Alternates int      `json:"alternates"`
}

// NewVulnerability builds a vulnerability from a complete flow. The flow
// must start at a source hop and end at a sink hop.
func NewVulnerability(ref SinkRef, level Level, flow []Hop, root ir.CanonicalID, conf float64) (Vulnerability, error) {
	if len(flow) < 2 || flow[0].Kind != HopSource || flow[len(flow)-1].Kind != HopSink {
		return Vulnerability{}, ir.Invariantf(len(flow), "vulnerability flow must run from a source hop to a sink hop")
	}
	if err := ir.CheckConfidence(conf, ref.ID); err != nil {
		return Vulnerability{}, err
	}
	return Vulnerability{
		Type:       ref.Type,
		CWE:        ref.CWE,
		Confidence: conf,
		Level:      level,
		SinkID:     ref.ID,
		Source:     flow[0],
		Sink:       flow[len(flow)-1],
		Flow:       flow,
		Key:        DedupKey{Sink: ref.Site, Root: root, Type: ref.Type},
	}, nil
}

// RootID names the source a flow started from; it is the root half of a
// DedupKey.
func RootID(fn ir.CanonicalID, source Hop) ir.CanonicalID {
	return ir.CallSiteID(fn, source.Line, source.Symbol)
}

// Dedup collapses vulnerabilities sharing a key. The highest-confidence
// path wins; ties go to the shorter flow, then the lexically smaller one.
// Alternates counts the paths that lost, including their own alternates.
func Dedup(vulns []Vulnerability) []Vulnerability {
	best := make(map[DedupKey]int, len(vulns))
	out := make([]Vulnerability, 0, len(vulns))
	for _, v := range vulns {
		i, seen := best[v.Key]
		if !seen {
			best[v.Key] = len(out)
			out = append(out, v)
			continue
		}
		cur := out[i]
		alts := cur.Alternates + v.Alternates + 1
		if preferred(v, cur) {
			out[i] = v
		}
		out[i].Alternates = alts
	}
	return out
}

func preferred(a, b Vulnerability) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if len(a.Flow) != len(b.Flow) {
		return len(a.Flow) < len(b.Flow)
	}
	return FormatFlow(a.Flow) < FormatFlow(b.Flow)
}

// Sort orders vulnerabilities by sink file, sink line and type, then by
// key so the order never depends on discovery order.
func Sort(vulns []Vulnerability) {
	sort.SliceStable(vulns, func(i, j int) bool { return less(vulns[i], vulns[j]) })
}

func less(a, b Vulnerability) bool {
	if a.Sink.File != b.Sink.File {
		return a.Sink.File < b.Sink.File
	}
	if a.Sink.Line != b.Sink.Line {
		return a.Sink.Line < b.Sink.Line
	}
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	return a.Key.less(b.Key)
}
