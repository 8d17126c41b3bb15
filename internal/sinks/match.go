package sinks

import (
	"regexp"

	"github.com/1homsi/taintflow/internal/syntax"
)

// placeholder markers of parameterised query dialects: %s, %(name)s, ?, :name, $1, @p1
var placeholderRE = regexp.MustCompile(`%s|%\(\w+\)s|\?|(^|[\s=(,]):\w+|\$\d+|@\w+`)

// keyword names that carry bound query parameters
var paramKeywords = []string{"params", "parameters", "args", "values", "bind", "binds"}

// Match classifies a call site. Structural matchers run first when the
// callee is a plain dotted name; textual matchers run on the call's source
// text otherwise, or when no structural matcher hits, at a reduced
// confidence. A match is nulled when the call is a parameterised query or
// when every checked argument is wrapped in a sanitizer for the sink's class.
func (r *Registry) Match(site CallSite) *SinkMatch {
	ld := r.langs[site.Language]
	if ld == nil {
		return nil
	}

	def, matcher := r.structural(ld, site)
	if def == nil {
		def = textual(ld, site)
		matcher = Textual
	}
	if def == nil {
		return nil
	}

	if def.Parameterizable && parameterized(site, def) {
		return nil
	}
	if r.wrappedArgs(ld, site, def) {
		return nil
	}

	conf := def.Confidence
	if matcher == Textual {
		conf -= r.penalty
		if conf < 0 {
			conf = 0
		}
	}
	return &SinkMatch{
		SinkID:     def.ID,
		Type:       def.Type,
		CWE:        def.CWE,
		Confidence: conf,
		Threshold:  def.Threshold,
		Args:       def.Args,
		Matcher:    matcher,
		File:       site.File,
		Line:       site.Line,
	}
}

func (r *Registry) structural(ld *langDefs, site CallSite) (*SinkDef, Matcher) {
	if !syntax.Dotted(site.Callee) {
		return nil, ""
	}
	key := site.Language + "|" + site.Callee + "|" + site.Qualified
	if e, ok := r.cache.Get(key); ok {
		return e.def, Structural
	}
	var found *SinkDef
	for _, d := range ld.Sinks {
		if d.Structural() && matchAny(d.patterns, site.Qualified, site.Callee) {
			found = d
			break
		}
	}
	r.cache.Add(key, cacheEntry{def: found})
	return found, Structural
}

func textual(ld *langDefs, site CallSite) *SinkDef {
	if site.Text == "" {
		return nil
	}
	for _, d := range ld.Sinks {
		if d.textual != nil && d.textual.MatchString(site.Text) {
			return d
		}
	}
	return nil
}

// parameterized reports whether the checked query argument is a literal
// with placeholders and the bound values travel separately.
func parameterized(site CallSite, def *SinkDef) bool {
	qi := 0
	if len(def.Args) > 0 {
		qi = def.Args[0]
	}
	if qi >= len(site.Args) {
		return false
	}
	q := site.Args[qi]
	if q.Kind() != syntax.Literal || q.Attr("type") != "string" {
		return false
	}
	if !placeholderRE.MatchString(q.Text()) {
		return false
	}
	if len(site.Args) > qi+1 {
		return true
	}
	for _, k := range paramKeywords {
		if _, ok := site.Keywords[k]; ok {
			return true
		}
	}
	return false
}

// wrappedArgs reports whether every checked argument is a call to a
// sanitizer that clears def.Type or to one of def's safe wrappers.
func (r *Registry) wrappedArgs(ld *langDefs, site CallSite, def *SinkDef) bool {
	checked := 0
	for i, a := range site.Args {
		if len(def.Args) > 0 && !contains(def.Args, i) {
			continue
		}
		checked++
		if a.Kind() != syntax.Call {
			return false
		}
		callee := a.Text()
		q := site.qualify(callee)
		if matchAny(def.wrappers, q, callee) {
			continue
		}
		if s := findSanitizer(ld, callee, q); s != nil && s.ClearsType(def.Type) {
			continue
		}
		return false
	}
	return checked > 0
}

// MatchSource returns the source definition for an expression of the
// given kind (SourceCall or SourceAttribute), or nil.
func (r *Registry) MatchSource(lang, kind, text, qualified string) *SourceDef {
	ld := r.langs[lang]
	if ld == nil || text == "" {
		return nil
	}
	for _, s := range ld.Sources {
		if s.Kind == kind && matchAny([]*regexp.Regexp{s.re}, qualified, text) {
			return s
		}
	}
	return nil
}

// Sanitizer returns the sanitizer definition for a callee, or nil.
func (r *Registry) Sanitizer(lang, callee, qualified string) *SanitizerDef {
	ld := r.langs[lang]
	if ld == nil {
		return nil
	}
	return findSanitizer(ld, callee, qualified)
}

// IsSanitizer reports whether callee neutralises taint for vulnType.
func (r *Registry) IsSanitizer(lang, callee, vulnType string) bool {
	s := r.Sanitizer(lang, callee, callee)
	return s != nil && s.ClearsType(vulnType)
}

func findSanitizer(ld *langDefs, callee, qualified string) *SanitizerDef {
	if callee == "" {
		return nil
	}
	for _, s := range ld.Sanitizers {
		if matchAny([]*regexp.Regexp{s.re}, qualified, callee) {
			return s
		}
	}
	return nil
}

func contains(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
