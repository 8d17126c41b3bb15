package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/gookit/color"

	"github.com/1homsi/taintflow/internal/priority"
	"github.com/1homsi/taintflow/internal/taint"
)

// TextOptions controls the text renderer.
type TextOptions struct {
	// NoColor writes plain text whatever the terminal supports.
	NoColor bool
}

type painter struct{ plain bool }

func (p painter) paint(s color.Style, text string) string {
	if p.plain {
		return text
	}
	return s.Sprint(text)
}

var (
	styleHeader = color.New(color.OpBold, color.FgCyan)
	styleBold   = color.New(color.OpBold)
	styleFaint  = color.New(color.FgGray)
	stylePass   = color.New(color.OpBold, color.FgGreen)
	styleFail   = color.New(color.OpBold, color.FgRed)
)

func severityStyle(sev string) color.Style {
	switch sev {
	case priority.Critical:
		return color.New(color.OpBold, color.FgMagenta)
	case priority.High:
		return color.New(color.FgRed)
	case priority.Medium:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgGreen)
	}
}

// WriteScan writes the human-readable report.
func WriteScan(w io.Writer, r ScanReport, opts TextOptions) {
	p := painter{plain: opts.NoColor}
	fmt.Fprintf(w, "%s\n", p.paint(styleHeader, "=== Taint Report ==="))
	fmt.Fprintf(w, "dir: %s  languages: %s  run: %s\n\n", r.Dir, strings.Join(r.Languages, ","), r.RunID)

	if len(r.Vulnerabilities) == 0 {
		fmt.Fprintf(w, "%s\n", p.paint(stylePass, "No tainted flows found."))
	}
	for _, v := range r.Vulnerabilities {
		writeVulnerability(w, p, v)
	}

	if len(r.Incomplete) > 0 {
		fmt.Fprintf(w, "\n%s\n", p.paint(styleBold, "Incomplete roots (traversal timed out):"))
		for _, rr := range r.Incomplete {
			fmt.Fprintf(w, "  %s  visited=%d findings=%d\n", rr.Root, rr.Visited, rr.Findings)
		}
	}
	if len(r.Skipped) > 0 {
		fmt.Fprintf(w, "\n%s\n", p.paint(styleBold, "Skipped files:"))
		for _, s := range r.Skipped {
			fmt.Fprintf(w, "  %s  %s\n", s.File, p.paint(styleFaint, s.Reason))
		}
	}

	fmt.Fprintf(w, "\n%s %s\n", p.paint(styleBold, "Summary:"), summaryLine(r))
	if r.Timings != nil {
		t := r.Timings
		fmt.Fprintf(w, "%s parse=%s graph=%s track=%s propagate=%s total=%s\n",
			p.paint(styleBold, "Timings:"), t.Parse, t.Graph, t.Track, t.Propagate, t.Total)
	}
	if r.Passed {
		fmt.Fprintf(w, "%s\n", p.paint(stylePass, "✓ PASSED"))
	} else {
		fmt.Fprintf(w, "%s: %s\n", p.paint(styleFail, "✗ FAILED"), r.FailReason)
	}
}

func writeVulnerability(w io.Writer, p painter, v taint.Vulnerability) {
	fmt.Fprintf(w, "%s %s (%s)  %s:%d  confidence=%.2f  level=%s\n",
		p.paint(severityStyle(v.Severity), "["+v.Severity+"]"),
		p.paint(styleBold, v.Type), v.CWE,
		v.Sink.File, v.Sink.Line, v.Confidence, v.Level)
	for _, h := range v.Flow {
		fmt.Fprintf(w, "    %-10s %s:%d  %s\n", h.Kind, h.File, h.Line, h.Symbol)
	}
	if v.Alternates > 0 {
		fmt.Fprintf(w, "    %s\n", p.paint(styleFaint, fmt.Sprintf("(+%d alternate path(s))", v.Alternates)))
	}
	fmt.Fprintln(w)
}

func summaryLine(r ScanReport) string {
	counts := make(map[string]int)
	for _, v := range r.Vulnerabilities {
		counts[v.Severity]++
	}
	var parts []string
	for _, sev := range []string{priority.Critical, priority.High, priority.Medium, priority.Low} {
		if n := counts[sev]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, strings.ToLower(sev)))
		}
	}
	line := fmt.Sprintf("%d finding(s)", len(r.Vulnerabilities))
	if len(parts) > 0 {
		line += " (" + strings.Join(parts, ", ") + ")"
	}
	line += fmt.Sprintf(", %d file(s), %d skipped", r.Stats.Files, r.Stats.Skipped)
	if r.Stats.Suppressed > 0 {
		line += fmt.Sprintf(", %d suppressed", r.Stats.Suppressed)
	}
	return line
}
