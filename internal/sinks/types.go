// Package sinks is the polyglot catalogue of taint sources, sanitizers and
// dangerous operations ("sinks"). Definitions are data: they are embedded
// from languages/*.yaml, extended from the run configuration, and validated
// when the registry loads.
package sinks

import (
	"regexp"
	"strings"

	"github.com/1homsi/taintflow/internal/syntax"
)

// Vulnerability classes.
const (
	SQLQuery          = "SQL_QUERY"
	CommandInjection  = "COMMAND_INJECTION"
	CodeInjection     = "CODE_INJECTION"
	TemplateInjection = "TEMPLATE_INJECTION"
	PathTraversal     = "PATH_TRAVERSAL"
	XXE               = "XXE"
	LDAPInjection     = "LDAP_INJECTION"
)

// VulnTypes lists every class in reporting order.
var VulnTypes = []string{
	SQLQuery, CommandInjection, CodeInjection, TemplateInjection,
	PathTraversal, XXE, LDAPInjection,
}

// Matcher says how a sink was recognised.
type Matcher string

const (
	Structural Matcher = "structural"
	Textual    Matcher = "textual"
)

// Source kinds.
const (
	SourceCall      = "call"
	SourceAttribute = "attribute"
)

type SourceDef struct {
	Language string `yaml:"-" json:"language"`
	Pattern  string `yaml:"pattern" json:"pattern"`
	Kind     string `yaml:"kind,omitempty" json:"kind,omitempty"`
	Level    string `yaml:"level" json:"level"`

	re *regexp.Regexp
}

type SanitizerDef struct {
	Language string   `yaml:"-" json:"language"`
	Pattern  string   `yaml:"pattern" json:"pattern"`
	Clears   []string `yaml:"clears,omitempty" json:"clears,omitempty"`

	re *regexp.Regexp
}

// ClearsType reports whether the sanitizer neutralises vulnType. An empty
// Clears list neutralises every class.
func (s *SanitizerDef) ClearsType(vulnType string) bool {
	if len(s.Clears) == 0 {
		return true
	}
	for _, c := range s.Clears {
		if c == vulnType {
			return true
		}
	}
	return false
}

type SinkDef struct {
	Language        string   `yaml:"-" json:"-"`
	ID              string   `yaml:"id" json:"id"`
	Type            string   `yaml:"type" json:"type"`
	CWE             string   `yaml:"cwe" json:"cwe"`
	Patterns        []string `yaml:"patterns,omitempty" json:"patterns,omitempty"`
	Regex           string   `yaml:"regex,omitempty" json:"regex,omitempty"`
	Args            []int    `yaml:"args,omitempty" json:"args,omitempty"`
	Confidence      float64  `yaml:"confidence" json:"confidence"`
	Threshold       string   `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	Parameterizable bool     `yaml:"parameterizable,omitempty" json:"parameterizable,omitempty"`
	Wrappers        []string `yaml:"wrappers,omitempty" json:"wrappers,omitempty"`

	patterns []*regexp.Regexp
	textual  *regexp.Regexp
	wrappers []*regexp.Regexp
}

// Structural reports whether the definition matches callee names.
func (d *SinkDef) Structural() bool { return len(d.Patterns) > 0 }

// CallSite is a call expression in the context the registry needs to
// classify it.
type CallSite struct {
	Language  string
	Callee    string // as written
	Qualified string // rewritten through the file's imports; may equal Callee
	Text      string // source text of the whole call
	Args      []syntax.Node
	Keywords  map[string]syntax.Node
	File      string
	Line      int

	// Qualify rewrites names through the file's imports. Optional.
	Qualify func(string) string
}

func (s CallSite) qualify(name string) string {
	if s.Qualify == nil {
		return name
	}
	return s.Qualify(name)
}

// SinkMatch is a recognised sink call.
type SinkMatch struct {
	SinkID     string  `json:"sink_id"`
	Type       string  `json:"type"`
	CWE        string  `json:"cwe"`
	Confidence float64 `json:"confidence"`
	Threshold  string  `json:"threshold"`
	Args       []int   `json:"args,omitempty"` // nil: every argument is checked
	Matcher    Matcher `json:"matcher"`
	File       string  `json:"file"`
	Line       int     `json:"line"`
}

// Checks reports whether positional argument i flows into the sink.
func (m *SinkMatch) Checks(i int) bool {
	if len(m.Args) == 0 {
		return true
	}
	for _, a := range m.Args {
		if a == i {
			return true
		}
	}
	return false
}

// compileGlob turns a dotted pattern into an anchored regexp. "*" matches
// any run of characters, so "*.execute" matches "cursor.execute" and
// "self.conn.execute".
func compileGlob(pattern string) (*regexp.Regexp, error) {
	quoted := regexp.QuoteMeta(pattern)
	return regexp.Compile("^" + strings.ReplaceAll(quoted, `\*`, `.*`) + "$")
}

func matchAny(res []*regexp.Regexp, names ...string) bool {
	for _, re := range res {
		for _, n := range names {
			if n != "" && re.MatchString(n) {
				return true
			}
		}
	}
	return false
}
