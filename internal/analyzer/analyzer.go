// Package analyzer runs the whole pipeline over a project directory:
// front-ends, dependency graph, per-file tracking and cross-file
// propagation.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/1homsi/taintflow/internal/adapters"
	goadapter "github.com/1homsi/taintflow/internal/adapters/go"
	"github.com/1homsi/taintflow/internal/adapters/jsontree"
	pyadapter "github.com/1homsi/taintflow/internal/adapters/python"
	"github.com/1homsi/taintflow/internal/config"
	"github.com/1homsi/taintflow/internal/graph"
	"github.com/1homsi/taintflow/internal/interproc"
	"github.com/1homsi/taintflow/internal/ir"
	"github.com/1homsi/taintflow/internal/logging"
	"github.com/1homsi/taintflow/internal/priority"
	"github.com/1homsi/taintflow/internal/sinks"
	"github.com/1homsi/taintflow/internal/syntax"
	"github.com/1homsi/taintflow/internal/taint"
)

var frontends = map[string]adapters.Frontend{
	"python": pyadapter.Adapter{},
	"go":     goadapter.Adapter{},
	"json":   jsontree.Adapter{},
}

// Languages lists the language specifiers ForLang accepts, besides "auto".
func Languages() []string {
	out := make([]string, 0, len(frontends))
	for l := range frontends {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// ForLang returns the front-end for a language specifier: "python", "go",
// or "json" for trees written by external parsers.
func ForLang(lang string) (adapters.Frontend, error) {
	fe, ok := frontends[strings.ToLower(lang)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown language %q; choose auto|%s",
			ir.ErrConfigInvalid, lang, strings.Join(Languages(), "|"))
	}
	return fe, nil
}

// ForFile picks the front-end for one file by its name.
func ForFile(name string) (adapters.Frontend, error) {
	switch {
	case strings.HasSuffix(name, jsontree.Suffix):
		return frontends["json"], nil
	case strings.HasSuffix(name, ".py"):
		return frontends["python"], nil
	case strings.HasSuffix(name, ".go"):
		return frontends["go"], nil
	}
	return nil, fmt.Errorf("%w: no front-end for %s", ir.ErrConfigInvalid, name)
}

// detect picks the languages present in dir from file extensions. A go.mod
// marks a Go project even before any .go file is found.
func detect(ctx context.Context, dir string) ([]string, error) {
	files, err := adapters.Walk(ctx, dir, ".py", ".go", jsontree.Suffix)
	if err != nil {
		return nil, err
	}
	found := make(map[string]bool)
	if fileExists(filepath.Join(dir, "go.mod")) {
		found["go"] = true
	}
	for _, f := range files {
		switch {
		case strings.HasSuffix(f, jsontree.Suffix):
			found["json"] = true
		case strings.HasSuffix(f, ".py"):
			found["python"] = true
		case strings.HasSuffix(f, ".go"):
			found["go"] = true
		}
	}
	out := make([]string, 0, len(found))
	for l := range found {
		out = append(out, l)
	}
	sort.Strings(out)
	return out, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Project is the parsed source of one directory.
type Project struct {
	Dir       string
	Languages []string
	Files     []*syntax.File
}

// Load finds and parses the files of the configured languages under dir.
// Files the front-ends cannot parse are kept with Err set; the graph
// builder reports them as skipped.
func Load(ctx context.Context, dir string, cfg config.Config) (*Project, error) {
	if fi, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("%w: %v", ir.ErrConfigInvalid, err)
	} else if !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ir.ErrConfigInvalid, dir)
	}

	langs := cfg.Languages
	if len(langs) == 0 || len(langs) == 1 && strings.EqualFold(langs[0], "auto") {
		var err error
		if langs, err = detect(ctx, dir); err != nil {
			return nil, fmt.Errorf("detect languages: %w", err)
		}
	}

	type job struct {
		fe  adapters.Frontend
		rel string
	}
	var jobs []job
	for _, lang := range langs {
		fe, err := ForLang(lang)
		if err != nil {
			return nil, err
		}
		rels, err := fe.Files(ctx, dir)
		if err != nil {
			return nil, fmt.Errorf("list %s files: %w", fe.Language(), err)
		}
		for _, rel := range rels {
			if adapters.Excluded(rel, cfg.Exclude) {
				logging.Debugf("[analyzer] excluded %s", rel)
				continue
			}
			jobs = append(jobs, job{fe: fe, rel: rel})
		}
	}

	files := make([]*syntax.File, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers(cfg))
	for i, j := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			src, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(j.rel)))
			if err != nil {
				files[i] = &syntax.File{Path: j.rel, Language: j.fe.Language(), Err: err}
				return nil
			}
			files[i] = j.fe.Parse(j.rel, src)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &Project{Dir: dir, Languages: langs, Files: files}, nil
}

func workers(cfg config.Config) int {
	if cfg.Workers > 0 {
		return cfg.Workers
	}
	return config.Default().Workers
}

// Skipped is a file left out of the analysis.
type Skipped struct {
	File   string `json:"file"`
	Reason string `json:"reason"`
}

// Stats counts what one run saw and produced.
type Stats struct {
	Files           int         `json:"files"`
	Skipped         int         `json:"skipped"`
	Graph           graph.Stats `json:"graph"`
	Summaries       int         `json:"summaries"`
	LocalFindings   int         `json:"local_findings"`
	RawFindings     int         `json:"raw_findings"`
	Findings        int         `json:"findings"`
	Suppressed      int         `json:"suppressed"`
	Roots           int         `json:"roots"`
	IncompleteRoots int         `json:"incomplete_roots"`
	CacheHits       int64       `json:"cache_hits"`
	CacheMisses     int64       `json:"cache_misses"`
	CacheConflicts  int64       `json:"cache_conflicts"`
}

// Timings records the wall time of each phase.
type Timings struct {
	Parse     time.Duration `json:"parse"`
	Graph     time.Duration `json:"graph"`
	Track     time.Duration `json:"track"`
	Propagate time.Duration `json:"propagate"`
	Total     time.Duration `json:"total"`
}

// Result is the outcome of one run.
type Result struct {
	RunID           string                 `json:"run_id"`
	Dir             string                 `json:"dir"`
	Languages       []string               `json:"languages"`
	Vulnerabilities []taint.Vulnerability  `json:"vulnerabilities"`
	Summaries       []*taint.Summary       `json:"-"`
	Roots           []interproc.RootResult `json:"roots"`
	Skipped         []Skipped              `json:"skipped"`
	Stats           Stats                  `json:"stats"`
	Timings         Timings                `json:"timings"`
	GraphChecksum   string                 `json:"graph_checksum"`
	Graph           *graph.Graph           `json:"-"`
}

// Incomplete returns the roots whose traversal ran out of time.
func (r *Result) Incomplete() []interproc.RootResult {
	var out []interproc.RootResult
	for _, rr := range r.Roots {
		if rr.Incomplete() {
			out = append(out, rr)
		}
	}
	return out
}

// Run analyses the project at dir. A configuration error is reported
// before any file is read; an invariant violation aborts the run.
func Run(ctx context.Context, dir string, cfg config.Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logging.Named("analyzer")
	start := time.Now()
	res := &Result{RunID: uuid.NewString(), Dir: dir}

	reg, err := sinks.Load(sinks.OptionsFromConfig(cfg))
	if err != nil {
		return nil, err
	}

	t := time.Now()
	proj, err := Load(ctx, dir, cfg)
	if err != nil {
		return nil, err
	}
	res.Languages = proj.Languages
	res.Timings.Parse = time.Since(t)

	t = time.Now()
	g, warnings, err := graph.Build(proj.Files, graph.OptionsFromConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("build graph: %w", err)
	}
	for _, w := range warnings {
		res.Skipped = append(res.Skipped, Skipped{File: w.File, Reason: w.Err.Error()})
	}
	res.Graph = g
	res.GraphChecksum = g.Checksum()
	res.Timings.Graph = time.Since(t)

	t = time.Now()
	tr := taint.NewTracker(reg, taint.Options{ContainerMode: cfg.ContainerMode, Resolver: g})
	cache := interproc.NewSummaryCache()
	local, err := track(ctx, tr, proj.Files, cache, workers(cfg))
	if err != nil {
		return nil, err
	}
	res.Timings.Track = time.Since(t)

	t = time.Now()
	pr, err := interproc.New(interproc.OptionsFromConfig(cfg)).Propagate(ctx, g, cache)
	if err != nil {
		return nil, fmt.Errorf("propagate: %w", err)
	}
	res.Roots = pr.Roots
	res.Timings.Propagate = time.Since(t)

	vulns := taint.Dedup(append(local, pr.Vulnerabilities...))
	taint.Sort(vulns)
	priority.Apply(vulns)
	now := time.Now()
	res.Vulnerabilities = make([]taint.Vulnerability, 0, len(vulns))
	for _, v := range vulns {
		if cfg.Suppresses(v.Sink.File, v.Type, now) {
			res.Stats.Suppressed++
			continue
		}
		res.Vulnerabilities = append(res.Vulnerabilities, v)
	}
	res.Summaries = cache.All()

	hits, misses, conflicts := cache.Stats()
	res.Stats.Files = len(proj.Files)
	res.Stats.Skipped = len(res.Skipped)
	res.Stats.Graph = g.Stats()
	res.Stats.Summaries = cache.Len()
	res.Stats.LocalFindings = len(local)
	res.Stats.RawFindings = len(local) + pr.Raw
	res.Stats.Findings = len(res.Vulnerabilities)
	res.Stats.Roots = len(pr.Roots)
	res.Stats.IncompleteRoots = len(pr.Incomplete())
	res.Stats.CacheHits, res.Stats.CacheMisses, res.Stats.CacheConflicts = hits, misses, conflicts
	res.Timings.Total = time.Since(start)

	log.Info("analysis complete", "run", res.RunID, "files", res.Stats.Files,
		"skipped", res.Stats.Skipped, "findings", res.Stats.Findings,
		"incomplete_roots", res.Stats.IncompleteRoots, "elapsed", res.Timings.Total)
	return res, nil
}

// track runs the tracker over every parsed file on a bounded pool and
// stores the summaries. Local findings are returned in file order.
func track(ctx context.Context, tr *taint.Tracker, files []*syntax.File, cache *interproc.SummaryCache, limit int) ([]taint.Vulnerability, error) {
	found := make([][]taint.Vulnerability, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, f := range files {
		if f.Err != nil || f.Root == nil {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fr, err := tr.Analyze(f)
			if errors.Is(err, ir.ErrParseSkipped) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("analyze %s: %w", f.Path, err)
			}
			for _, s := range fr.Summaries {
				cache.Store(s)
			}
			found[i] = fr.Vulnerabilities
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []taint.Vulnerability
	for _, vs := range found {
		out = append(out, vs...)
	}
	return out, nil
}
