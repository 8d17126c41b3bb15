package taint

import (
	"sort"

	"github.com/1homsi/taintflow/internal/ir"
)

// Flow is a taint path inside one function. Cleared lists the types a
// sanitizer on the path has ruled out.
type Flow struct {
	Level   Level    `json:"level"`
	Hops    []Hop    `json:"hops"`
	Cleared []string `json:"cleared,omitempty"`
}

func flowOf(v Value) Flow { return Flow{Level: v.Level, Hops: v.Provenance, Cleared: v.Cleared} }

// SinkRef describes the sink a flow ends in.
type SinkRef struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	CWE        string         `json:"cwe"`
	Confidence float64        `json:"confidence"`
	Threshold  Level          `json:"threshold"`
	Site       ir.CanonicalID `json:"site"`
}

// SinkFlow is a flow that reaches a sink. Its last hop is the sink hop.
type SinkFlow struct {
	Flow
	Sink SinkRef `json:"sink"`
}

// CallFlow is a flow handed to a call as positional argument Arg, or as
// keyword argument Keyword when Arg is -1.
type CallFlow struct {
	Flow
	Site    ir.CanonicalID `json:"site"`
	Callee  string         `json:"callee"`
	Line    int            `json:"line"`
	Arg     int            `json:"arg"`
	Keyword string         `json:"keyword,omitempty"`
}

// Facts is what happens to one taint channel inside a function.
type Facts struct {
	Sinks  []SinkFlow `json:"sinks,omitempty"`
	Calls  []CallFlow `json:"calls,omitempty"`
	Return *Flow      `json:"return,omitempty"`
}

func (f *Facts) empty() bool {
	return f == nil || len(f.Sinks) == 0 && len(f.Calls) == 0 && f.Return == nil
}

// Summary is the interprocedural summary of one function. Recomputing it
// from the same tree yields an identical value.
type Summary struct {
	Function ir.CanonicalID `json:"function"`
	File     string         `json:"file"`
	Line     int            `json:"line"`
	Params   []string       `json:"params,omitempty"`

	// Sources lists the local source hops; a function with sources is a
	// traversal root.
	Sources []Hop `json:"sources,omitempty"`

	// ReturnTaint is the lowest level the return value carries when every
	// parameter receives Critical input.
	ReturnTaint Level `json:"return_taint"`

	Local       Facts             `json:"local"`
	ParamFacts  map[int]*Facts    `json:"params_out,omitempty"`
	CallResults map[string]*Facts `json:"call_results,omitempty"`
}

// NewSummary returns an empty summary for fn.
func NewSummary(fn ir.CanonicalID, file string, line int, params []string) *Summary {
	return &Summary{Function: fn, File: file, Line: line, Params: params}
}

// Facts returns the facts of an origin channel, or nil.
func (s *Summary) Facts(o Origin) *Facts {
	switch o.Kind {
	case OriginLocal:
		if s.Local.empty() {
			return nil
		}
		return &s.Local
	case OriginParam:
		return s.ParamFacts[o.Param]
	case OriginCall:
		return s.CallResults[o.Site.String()]
	}
	return nil
}

func (s *Summary) facts(o Origin) *Facts {
	switch o.Kind {
	case OriginParam:
		if s.ParamFacts == nil {
			s.ParamFacts = make(map[int]*Facts)
		}
		f := s.ParamFacts[o.Param]
		if f == nil {
			f = &Facts{}
			s.ParamFacts[o.Param] = f
		}
		return f
	case OriginCall:
		if s.CallResults == nil {
			s.CallResults = make(map[string]*Facts)
		}
		key := o.Site.String()
		f := s.CallResults[key]
		if f == nil {
			f = &Facts{}
			s.CallResults[key] = f
		}
		return f
	}
	return &s.Local
}

// ParamSinks returns the sink flows reachable from parameter i.
func (s *Summary) ParamSinks(i int) []SinkFlow {
	if f := s.ParamFacts[i]; f != nil {
		return f.Sinks
	}
	return nil
}

// ParamReturn returns the flow from parameter i to the return value, or nil.
func (s *Summary) ParamReturn(i int) *Flow {
	if f := s.ParamFacts[i]; f != nil {
		return f.Return
	}
	return nil
}

// ParamReturns reports whether parameter i reaches the return value.
func (s *Summary) ParamReturns(i int) bool {
	f := s.ParamFacts[i]
	return f != nil && f.Return != nil
}

// IsRoot reports whether the function seeds traversal.
func (s *Summary) IsRoot() bool {
	return len(s.Local.Calls) > 0 || s.Local.Return != nil
}

func (s *Summary) addSink(o Origin, v Value, ref SinkRef) {
	f := s.facts(o)
	sf := SinkFlow{Flow: flowOf(v), Sink: ref}
	for i, cur := range f.Sinks {
		if cur.Sink.Site == ref.Site && cur.Sink.ID == ref.ID {
			if better(sf.Flow, cur.Flow) {
				f.Sinks[i] = sf
			}
			return
		}
	}
	f.Sinks = append(f.Sinks, sf)
}

func (s *Summary) addCall(o Origin, v Value, site ir.CanonicalID, callee string, line, arg int, keyword string) {
	f := s.facts(o)
	cf := CallFlow{
		Flow:    flowOf(v),
		Site:    site,
		Callee:  callee,
		Line:    line,
		Arg:     arg,
		Keyword: keyword,
	}
	for i, cur := range f.Calls {
		if cur.Site == site && cur.Arg == arg && cur.Keyword == keyword {
			if better(cf.Flow, cur.Flow) {
				f.Calls[i] = cf
			}
			return
		}
	}
	f.Calls = append(f.Calls, cf)
}

func (s *Summary) addReturn(o Origin, v Value) {
	f := s.facts(o)
	fl := flowOf(v)
	if f.Return == nil || better(fl, *f.Return) {
		f.Return = &fl
	}
}

// better prefers higher levels, then shorter flows.
func better(a, b Flow) bool {
	if a.Level != b.Level {
		return a.Level > b.Level
	}
	return len(a.Hops) < len(b.Hops)
}

// normalize orders slices so equal analyses produce equal summaries.
func (s *Summary) normalize() {
	order := func(f *Facts) {
		sort.SliceStable(f.Sinks, func(i, j int) bool {
			a, b := f.Sinks[i].Sink, f.Sinks[j].Sink
			if a.Site != b.Site {
				return a.Site.Less(b.Site)
			}
			return a.ID < b.ID
		})
		sort.SliceStable(f.Calls, func(i, j int) bool {
			a, b := f.Calls[i], f.Calls[j]
			if a.Line != b.Line {
				return a.Line < b.Line
			}
			if a.Site != b.Site {
				return a.Site.Less(b.Site)
			}
			if a.Arg != b.Arg {
				return a.Arg < b.Arg
			}
			return a.Keyword < b.Keyword
		})
	}
	order(&s.Local)
	for _, f := range s.ParamFacts {
		order(f)
	}
	for k, f := range s.CallResults {
		if f.empty() {
			delete(s.CallResults, k)
			continue
		}
		order(f)
	}
	sort.SliceStable(s.Sources, func(i, j int) bool { return s.Sources[i].Line < s.Sources[j].Line })
}
