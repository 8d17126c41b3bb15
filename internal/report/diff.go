package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/1homsi/taintflow/internal/taint"
)

// DiffReport compares a run against a baseline report.
type DiffReport struct {
	Added     []taint.Vulnerability `json:"added"`
	Fixed     []taint.Vulnerability `json:"fixed"`
	Unchanged int                   `json:"unchanged"`
}

// Fingerprint identifies a finding across runs. Line numbers are left out
// so that unrelated edits above a flow do not make it look new.
func Fingerprint(v taint.Vulnerability) string {
	return strings.Join([]string{
		v.Type, v.SinkID,
		v.Source.File, v.Source.Symbol,
		v.Sink.File, v.Sink.Symbol,
	}, "|")
}

// Diff splits current into findings absent from baseline and counts the
// rest; baseline findings absent from current are fixed.
func Diff(baseline, current []taint.Vulnerability) DiffReport {
	old := make(map[string]int, len(baseline))
	for _, v := range baseline {
		old[Fingerprint(v)]++
	}
	d := DiffReport{Added: []taint.Vulnerability{}, Fixed: []taint.Vulnerability{}}
	seen := make(map[string]int, len(current))
	for _, v := range current {
		fp := Fingerprint(v)
		seen[fp]++
		if seen[fp] <= old[fp] {
			d.Unchanged++
			continue
		}
		d.Added = append(d.Added, v)
	}
	gone := make(map[string]int)
	for _, v := range baseline {
		fp := Fingerprint(v)
		gone[fp]++
		if gone[fp] > seen[fp] {
			d.Fixed = append(d.Fixed, v)
		}
	}
	sort.SliceStable(d.Fixed, func(i, j int) bool { return Fingerprint(d.Fixed[i]) < Fingerprint(d.Fixed[j]) })
	return d
}

func WriteDiff(w io.Writer, d DiffReport, opts TextOptions) {
	p := painter{plain: opts.NoColor}
	fmt.Fprintf(w, "%s\n", p.paint(styleHeader, "=== Baseline Diff ==="))
	if len(d.Added) == 0 && len(d.Fixed) == 0 {
		fmt.Fprintf(w, "%s (%d unchanged)\n", p.paint(stylePass, "No new findings."), d.Unchanged)
		return
	}
	for _, v := range d.Added {
		fmt.Fprintf(w, "%s [%s] %s %s:%d <- %s:%d\n", p.paint(styleFail, "+"), v.Severity, v.Type,
			v.Sink.File, v.Sink.Line, v.Source.File, v.Source.Line)
	}
	for _, v := range d.Fixed {
		fmt.Fprintf(w, "%s [%s] %s %s:%d <- %s:%d\n", p.paint(stylePass, "-"), v.Severity, v.Type,
			v.Sink.File, v.Sink.Line, v.Source.File, v.Source.Line)
	}
	fmt.Fprintf(w, "\n%d new, %d fixed, %d unchanged\n", len(d.Added), len(d.Fixed), d.Unchanged)
}

func WriteDiffJSON(w io.Writer, d DiffReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(d)
}
