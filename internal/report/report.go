// Package report renders analysis results as coloured text, JSON or SARIF.
package report

import (
	"fmt"
	"strings"

	"github.com/1homsi/taintflow/internal/analyzer"
	"github.com/1homsi/taintflow/internal/interproc"
	"github.com/1homsi/taintflow/internal/priority"
	"github.com/1homsi/taintflow/internal/taint"
)

const (
	ToolName       = "taintflow"
	InformationURI = "https://github.com/1homsi/taintflow"
)

// Version is stamped at build time.
var Version = "dev"

type ScanReport struct {
	Tool            string                 `json:"tool"`
	Version         string                 `json:"version"`
	RunID           string                 `json:"run_id"`
	Dir             string                 `json:"dir"`
	Languages       []string               `json:"languages"`
	GraphChecksum   string                 `json:"graph_checksum,omitempty"`
	Vulnerabilities []taint.Vulnerability  `json:"vulnerabilities"`
	Incomplete      []interproc.RootResult `json:"incomplete_roots,omitempty"`
	Skipped         []analyzer.Skipped     `json:"skipped,omitempty"`
	Stats           analyzer.Stats         `json:"stats"`
	Timings         *analyzer.Timings      `json:"timings,omitempty"`
	FailOn          string                 `json:"fail_on"`
	Passed          bool                   `json:"passed"`
	FailReason      string                 `json:"fail_reason,omitempty"`
}

// New builds the report of one run. The run fails when any finding is at
// or above failOn.
func New(res *analyzer.Result, failOn string) ScanReport {
	r := ScanReport{
		Tool:            ToolName,
		Version:         Version,
		RunID:           res.RunID,
		Dir:             res.Dir,
		Languages:       res.Languages,
		GraphChecksum:   res.GraphChecksum,
		Vulnerabilities: res.Vulnerabilities,
		Incomplete:      res.Incomplete(),
		Skipped:         res.Skipped,
		Stats:           res.Stats,
		FailOn:          failOn,
		Passed:          true,
	}
	if r.Vulnerabilities == nil {
		r.Vulnerabilities = []taint.Vulnerability{}
	}
	if blocking := priority.AtLeast(res.Vulnerabilities, failOn); len(blocking) > 0 {
		r.Passed = false
		r.FailReason = fmt.Sprintf("%d finding(s) at or above %s", len(blocking), strings.ToUpper(failOn))
	}
	return r
}

// WithTimings attaches the phase timings of res.
func (r ScanReport) WithTimings(res *analyzer.Result) ScanReport {
	t := res.Timings
	r.Timings = &t
	return r
}
