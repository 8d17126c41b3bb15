// Package config holds the run configuration. It is loaded once per run;
// an invalid configuration aborts before any analysis starts.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/1homsi/taintflow/internal/ir"
)

// Container modes.
const (
	ContainerWhole   = "whole"
	ContainerElement = "element"
)

type ImportConfidence struct {
	Exact    float64 `yaml:"exact"`
	Wildcard float64 `yaml:"wildcard"`
}

type CallConfidence struct {
	Direct float64 `yaml:"direct"`
	Method float64 `yaml:"method"`
}

// SourceRule is a user-defined taint source.
type SourceRule struct {
	Language string `yaml:"language"`
	Pattern  string `yaml:"pattern"`
	Kind     string `yaml:"kind"` // call | attribute
	Level    string `yaml:"level"`
}

// SinkRule is a user-defined sink definition.
type SinkRule struct {
	Language        string   `yaml:"language"`
	ID              string   `yaml:"id"`
	Type            string   `yaml:"type"`
	CWE             string   `yaml:"cwe"`
	Patterns        []string `yaml:"patterns,omitempty"`
	Regex           string   `yaml:"regex,omitempty"`
	Args            []int    `yaml:"args,omitempty"`
	Confidence      float64  `yaml:"confidence"`
	Threshold       string   `yaml:"threshold,omitempty"`
	Parameterizable bool     `yaml:"parameterizable,omitempty"`
	Wrappers        []string `yaml:"wrappers,omitempty"`
}

// Exception suppresses findings of the listed types in files matching Path
// until Expires (YYYY-MM-DD, optional).
type Exception struct {
	Path    string   `yaml:"path"`
	Types   []string `yaml:"types"`
	Expires string   `yaml:"expires"`
}

type Config struct {
	MaxDepth         int               `yaml:"max_depth"`
	DecayFactor      float64           `yaml:"decay_factor"`
	RootTimeout      time.Duration     `yaml:"root_timeout"`
	Workers          int               `yaml:"workers"`
	ImportConfidence ImportConfidence  `yaml:"import_confidence"`
	CallConfidence   CallConfidence    `yaml:"call_confidence"`
	TextualPenalty   float64           `yaml:"textual_penalty"`
	DefaultThreshold string            `yaml:"default_threshold"`
	Thresholds       map[string]string `yaml:"thresholds"`
	Sanitizers       []string          `yaml:"sanitizers"`
	Sources          []SourceRule      `yaml:"sources"`
	Sinks            []SinkRule        `yaml:"sinks"`
	ContainerMode    string            `yaml:"container_mode"`
	Languages        []string          `yaml:"languages"`
	Exclude          []string          `yaml:"exclude"`
	Exceptions       []Exception       `yaml:"exceptions"`
	FailOn           string            `yaml:"fail_on"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		MaxDepth:         5,
		DecayFactor:      0.9,
		RootTimeout:      2 * time.Second,
		Workers:          runtime.NumCPU(),
		ImportConfidence: ImportConfidence{Exact: 0.95, Wildcard: 0.7},
		CallConfidence:   CallConfidence{Direct: 1.0, Method: 0.8},
		TextualPenalty:   0.2,
		DefaultThreshold: "high",
		ContainerMode:    ContainerWhole,
		FailOn:           "high",
	}
}

// Load reads a YAML configuration file over the defaults. An empty path
// yields the defaults. Environment overrides are applied afterwards and
// the result is validated.
func Load(file string) (Config, error) {
	cfg := Default()
	// a missing .env is not an error
	_ = godotenv.Load()

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return cfg, fmt.Errorf("%w: read %s: %v", ir.ErrConfigInvalid, file, err)
		}
		if err := Decode(bytes.NewReader(data), &cfg); err != nil {
			return cfg, err
		}
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Decode decodes YAML into cfg. Unknown keys are rejected.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", ir.ErrConfigInvalid, err)
	}
	return nil
}

// ApplyEnv applies TAINTFLOW_* overrides using lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup("TAINTFLOW_MAX_DEPTH"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: TAINTFLOW_MAX_DEPTH: %v", ir.ErrConfigInvalid, err)
		}
		cfg.MaxDepth = n
	}
	if v, ok := lookup("TAINTFLOW_DECAY_FACTOR"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: TAINTFLOW_DECAY_FACTOR: %v", ir.ErrConfigInvalid, err)
		}
		cfg.DecayFactor = f
	}
	if v, ok := lookup("TAINTFLOW_ROOT_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: TAINTFLOW_ROOT_TIMEOUT: %v", ir.ErrConfigInvalid, err)
		}
		cfg.RootTimeout = d
	}
	if v, ok := lookup("TAINTFLOW_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: TAINTFLOW_WORKERS: %v", ir.ErrConfigInvalid, err)
		}
		cfg.Workers = n
	}
	if v, ok := lookup("TAINTFLOW_CONTAINER_MODE"); ok {
		cfg.ContainerMode = v
	}
	if v, ok := lookup("TAINTFLOW_SANITIZERS"); ok && v != "" {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.Sanitizers = append(cfg.Sanitizers, s)
			}
		}
	}
	return nil
}

var levels = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}

// Validate checks ranges and enumerations. All errors wrap ir.ErrConfigInvalid.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	if c.MaxDepth < 1 {
		add("max_depth must be >= 1, got %d", c.MaxDepth)
	}
	if c.DecayFactor <= 0 || c.DecayFactor > 1 {
		add("decay_factor must be in (0,1], got %v", c.DecayFactor)
	}
	if c.RootTimeout <= 0 {
		add("root_timeout must be positive, got %s", c.RootTimeout)
	}
	if c.Workers < 1 {
		add("workers must be >= 1, got %d", c.Workers)
	}
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"import_confidence.exact", c.ImportConfidence.Exact},
		{"import_confidence.wildcard", c.ImportConfidence.Wildcard},
		{"call_confidence.direct", c.CallConfidence.Direct},
		{"call_confidence.method", c.CallConfidence.Method},
		{"textual_penalty", c.TextualPenalty},
	} {
		if f.v < 0 || f.v > 1 {
			add("%s must be in [0,1], got %v", f.name, f.v)
		}
	}
	if !levels[strings.ToLower(c.DefaultThreshold)] {
		add("default_threshold must be low|medium|high|critical, got %q", c.DefaultThreshold)
	}
	types := make([]string, 0, len(c.Thresholds))
	for typ := range c.Thresholds {
		types = append(types, typ)
	}
	sort.Strings(types)
	for _, typ := range types {
		if lvl := c.Thresholds[typ]; !levels[strings.ToLower(lvl)] {
			add("thresholds.%s must be low|medium|high|critical, got %q", typ, lvl)
		}
	}
	if !levels[strings.ToLower(c.FailOn)] {
		add("fail_on must be low|medium|high|critical, got %q", c.FailOn)
	}
	switch c.ContainerMode {
	case ContainerWhole, ContainerElement:
	default:
		add("container_mode must be %s|%s, got %q", ContainerWhole, ContainerElement, c.ContainerMode)
	}
	for i, s := range c.Sources {
		if s.Pattern == "" {
			add("sources[%d]: pattern is required", i)
		}
		if s.Kind != "" && s.Kind != "call" && s.Kind != "attribute" {
			add("sources[%d]: kind must be call|attribute, got %q", i, s.Kind)
		}
	}
	for i, e := range c.Exceptions {
		if e.Expires == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", e.Expires); err != nil {
			add("exceptions[%d]: invalid expiry date %q", i, e.Expires)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ir.ErrConfigInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// Threshold returns the configured threshold level name for a vulnerability type.
func (c *Config) Threshold(vulnType string) string {
	if lvl, ok := c.Thresholds[vulnType]; ok {
		return strings.ToLower(lvl)
	}
	return strings.ToLower(c.DefaultThreshold)
}

// Suppresses reports whether an unexpired exception covers a finding of
// vulnType in file. Path is a path.Match pattern; an empty Types list
// covers every type.
func (c *Config) Suppresses(file, vulnType string, now time.Time) bool {
	for _, e := range c.Exceptions {
		if e.Expires != "" {
			exp, err := time.Parse("2006-01-02", e.Expires)
			if err != nil || now.After(exp) {
				continue
			}
		}
		if ok, _ := path.Match(e.Path, file); !ok && e.Path != file {
			continue
		}
		if len(e.Types) == 0 {
			return true
		}
		for _, t := range e.Types {
			if strings.EqualFold(t, vulnType) {
				return true
			}
		}
	}
	return false
}
