package sinks

import (
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/yaml.v3"

	"github.com/1homsi/taintflow/internal/config"
	"github.com/1homsi/taintflow/internal/ir"
	"github.com/1homsi/taintflow/internal/logging"
	"github.com/1homsi/taintflow/languages"
)

const defaultCacheSize = 4096

// Options tunes a registry. Zero values fall back to config.Default; a nil
// TextualPenalty does too, so an explicit 0 disables the penalty.
type Options struct {
	TextualPenalty   *float64
	DefaultThreshold string
	Thresholds       map[string]string
	Sanitizers       []string // extra sanitizer patterns for every language
	Sources          []config.SourceRule
	Sinks            []config.SinkRule
	CacheSize        int
}

// OptionsFromConfig copies the registry-related settings of cfg.
func OptionsFromConfig(cfg config.Config) Options {
	penalty := cfg.TextualPenalty
	return Options{
		TextualPenalty:   &penalty,
		DefaultThreshold: cfg.DefaultThreshold,
		Thresholds:       cfg.Thresholds,
		Sanitizers:       cfg.Sanitizers,
		Sources:          cfg.Sources,
		Sinks:            cfg.Sinks,
	}
}

// langDefs holds the definitions of one language in match order.
type langDefs struct {
	Language   string          `yaml:"language"`
	Extensions []string        `yaml:"extensions"`
	Sources    []*SourceDef    `yaml:"sources"`
	Sanitizers []*SanitizerDef `yaml:"sanitizers"`
	Sinks      []*SinkDef      `yaml:"sinks"`
}

type cacheEntry struct {
	def *SinkDef
}

// Registry answers sink, source and sanitizer queries. It is read-only
// after Load and safe for concurrent use.
type Registry struct {
	langs   map[string]*langDefs
	penalty float64
	cache   *lru.Cache[string, cacheEntry]
}

// Load reads every embedded language file, validates it against the
// definition schema, then layers the custom definitions of opts on top.
// Any malformed definition fails the load with ir.ErrConfigInvalid.
func Load(opts Options) (*Registry, error) {
	def := config.Default()
	if opts.DefaultThreshold == "" {
		opts.DefaultThreshold = def.DefaultThreshold
	}
	penalty := def.TextualPenalty
	if opts.TextualPenalty != nil {
		penalty = *opts.TextualPenalty
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}

	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}

	files, err := fs.Glob(languages.FS, "*.yaml")
	if err != nil {
		return nil, fmt.Errorf("list language definitions: %w", err)
	}
	sort.Strings(files)

	r := &Registry{langs: make(map[string]*langDefs), penalty: penalty}
	for _, name := range files {
		data, err := languages.FS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("load definitions %s: %w", name, err)
		}
		ld, err := parseDefinitions(schema, name, data)
		if err != nil {
			return nil, err
		}
		if _, dup := r.langs[ld.Language]; dup {
			return nil, fmt.Errorf("%w: %s: language %q defined twice", ir.ErrConfigInvalid, name, ld.Language)
		}
		r.langs[ld.Language] = ld
	}

	if err := r.addCustom(schema, opts); err != nil {
		return nil, err
	}
	if err := r.finish(opts); err != nil {
		return nil, err
	}

	r.cache, err = lru.New[string, cacheEntry](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("sink cache: %w", err)
	}

	logging.Named("sinks").Debug("registry loaded", "languages", strings.Join(r.Languages(), ","))
	return r, nil
}

// MustLoad is like Load but panics on error. The embedded definitions are
// fixed at compile time, so with zero Options it only fails on a build defect.
func MustLoad(opts Options) *Registry {
	r, err := Load(opts)
	if err != nil {
		panic(fmt.Sprintf("taintflow: %v", err))
	}
	return r
}

func parseDefinitions(schema *definitionSchema, name string, data []byte) (*langDefs, error) {
	if err := schema.validateYAML(name, data); err != nil {
		return nil, err
	}
	var ld langDefs
	if err := yaml.Unmarshal(data, &ld); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ir.ErrConfigInvalid, name, err)
	}
	for _, s := range ld.Sources {
		s.Language = ld.Language
	}
	for _, s := range ld.Sanitizers {
		s.Language = ld.Language
	}
	for _, s := range ld.Sinks {
		s.Language = ld.Language
	}
	return &ld, nil
}

func (r *Registry) lang(name string) *langDefs {
	ld, ok := r.langs[name]
	if !ok {
		ld = &langDefs{Language: name}
		r.langs[name] = ld
	}
	return ld
}

func (r *Registry) addCustom(schema *definitionSchema, opts Options) error {
	for i, rule := range opts.Sinks {
		where := fmt.Sprintf("config sinks[%d]", i)
		if rule.Language == "" {
			return fmt.Errorf("%w: %s: language is required", ir.ErrConfigInvalid, where)
		}
		d := &SinkDef{
			Language:        rule.Language,
			ID:              rule.ID,
			Type:            rule.Type,
			CWE:             rule.CWE,
			Patterns:        rule.Patterns,
			Regex:           rule.Regex,
			Args:            rule.Args,
			Confidence:      rule.Confidence,
			Threshold:       strings.ToLower(rule.Threshold),
			Parameterizable: rule.Parameterizable,
			Wrappers:        rule.Wrappers,
		}
		if err := schema.validateSink(where, d); err != nil {
			return err
		}
		ld := r.lang(rule.Language)
		// custom sinks take precedence over built-in ones
		ld.Sinks = append([]*SinkDef{d}, ld.Sinks...)
	}
	for i, rule := range opts.Sources {
		where := fmt.Sprintf("config sources[%d]", i)
		if rule.Language == "" {
			return fmt.Errorf("%w: %s: language is required", ir.ErrConfigInvalid, where)
		}
		s := &SourceDef{Language: rule.Language, Pattern: rule.Pattern, Kind: rule.Kind, Level: strings.ToLower(rule.Level)}
		if s.Level == "" {
			s.Level = "high"
		}
		ld := r.lang(rule.Language)
		ld.Sources = append([]*SourceDef{s}, ld.Sources...)
	}
	for _, p := range opts.Sanitizers {
		for _, ld := range r.langs {
			ld.Sanitizers = append(ld.Sanitizers, &SanitizerDef{Language: ld.Language, Pattern: p})
		}
	}
	return nil
}

var validLevels = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}

// finish compiles patterns and runs the semantic checks the schema cannot
// express: unique IDs, compilable regexes, resolved thresholds.
func (r *Registry) finish(opts Options) error {
	levels := &config.Config{DefaultThreshold: opts.DefaultThreshold, Thresholds: opts.Thresholds}
	ids := make(map[string]string)
	for _, lang := range r.Languages() {
		ld := r.langs[lang]
		for _, s := range ld.Sources {
			if s.Kind == "" {
				s.Kind = SourceCall
			}
			if s.Kind != SourceCall && s.Kind != SourceAttribute {
				return fmt.Errorf("%w: %s source %q: unknown kind %q", ir.ErrConfigInvalid, lang, s.Pattern, s.Kind)
			}
			if !validLevels[s.Level] {
				return fmt.Errorf("%w: %s source %q: unknown level %q", ir.ErrConfigInvalid, lang, s.Pattern, s.Level)
			}
			re, err := compileGlob(s.Pattern)
			if err != nil {
				return fmt.Errorf("%w: %s source %q: %v", ir.ErrConfigInvalid, lang, s.Pattern, err)
			}
			s.re = re
		}
		for _, s := range ld.Sanitizers {
			re, err := compileGlob(s.Pattern)
			if err != nil {
				return fmt.Errorf("%w: %s sanitizer %q: %v", ir.ErrConfigInvalid, lang, s.Pattern, err)
			}
			s.re = re
		}
		for _, d := range ld.Sinks {
			if prev, dup := ids[d.ID]; dup {
				return fmt.Errorf("%w: sink id %q defined for %s and %s", ir.ErrConfigInvalid, d.ID, prev, lang)
			}
			ids[d.ID] = lang
			if err := compileSink(d); err != nil {
				return err
			}
			if d.Threshold == "" {
				d.Threshold = levels.Threshold(d.Type)
			}
			if !validLevels[d.Threshold] {
				return fmt.Errorf("%w: sink %q: unknown threshold %q", ir.ErrConfigInvalid, d.ID, d.Threshold)
			}
		}
	}
	return nil
}

func compileSink(d *SinkDef) error {
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("%w: sink %q: confidence %v outside [0,1]", ir.ErrConfigInvalid, d.ID, d.Confidence)
	}
	if len(d.Patterns) == 0 && d.Regex == "" {
		return fmt.Errorf("%w: sink %q: needs patterns or regex", ir.ErrConfigInvalid, d.ID)
	}
	d.patterns = d.patterns[:0]
	for _, p := range d.Patterns {
		re, err := compileGlob(p)
		if err != nil {
			return fmt.Errorf("%w: sink %q pattern %q: %v", ir.ErrConfigInvalid, d.ID, p, err)
		}
		d.patterns = append(d.patterns, re)
	}
	if d.Regex != "" {
		re, err := regexp.Compile(d.Regex)
		if err != nil {
			return fmt.Errorf("%w: sink %q regex: %v", ir.ErrConfigInvalid, d.ID, err)
		}
		d.textual = re
	}
	d.wrappers = d.wrappers[:0]
	for _, w := range d.Wrappers {
		re, err := compileGlob(w)
		if err != nil {
			return fmt.Errorf("%w: sink %q wrapper %q: %v", ir.ErrConfigInvalid, d.ID, w, err)
		}
		d.wrappers = append(d.wrappers, re)
	}
	return nil
}

// Languages returns the languages with definitions, sorted.
func (r *Registry) Languages() []string {
	out := make([]string, 0, len(r.langs))
	for l := range r.langs {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Extensions maps file extensions to languages.
func (r *Registry) Extensions() map[string]string {
	out := make(map[string]string)
	for _, lang := range r.Languages() {
		for _, ext := range r.langs[lang].Extensions {
			if _, taken := out[ext]; !taken {
				out[ext] = lang
			}
		}
	}
	return out
}

// Sinks returns the sink definitions of lang in match order.
func (r *Registry) Sinks(lang string) []*SinkDef {
	if ld := r.langs[lang]; ld != nil {
		return ld.Sinks
	}
	return nil
}

// Sources returns the source definitions of lang in match order.
func (r *Registry) Sources(lang string) []*SourceDef {
	if ld := r.langs[lang]; ld != nil {
		return ld.Sources
	}
	return nil
}

// Sanitizers returns the sanitizer definitions of lang.
func (r *Registry) Sanitizers(lang string) []*SanitizerDef {
	if ld := r.langs[lang]; ld != nil {
		return ld.Sanitizers
	}
	return nil
}

// LanguageDefs is the complete definition set of one language.
type LanguageDefs struct {
	Language   string          `json:"language"`
	Extensions []string        `json:"extensions,omitempty"`
	Sources    []*SourceDef    `json:"sources"`
	Sanitizers []*SanitizerDef `json:"sanitizers"`
	Sinks      []*SinkDef      `json:"sinks"`
}

// Definitions returns every definition of lang, custom ones included.
func (r *Registry) Definitions(lang string) (LanguageDefs, bool) {
	ld := r.langs[lang]
	if ld == nil {
		return LanguageDefs{Language: lang}, false
	}
	return LanguageDefs{
		Language:   ld.Language,
		Extensions: ld.Extensions,
		Sources:    ld.Sources,
		Sanitizers: ld.Sanitizers,
		Sinks:      ld.Sinks,
	}, true
}

// Sink returns the definition with the given ID, or nil.
func (r *Registry) Sink(id string) *SinkDef {
	for _, ld := range r.langs {
		for _, d := range ld.Sinks {
			if d.ID == id {
				return d
			}
		}
	}
	return nil
}
