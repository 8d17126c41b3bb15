package report

import (
	"fmt"
	"io"

	"github.com/owenrumney/go-sarif/v2/sarif"

	"github.com/1homsi/taintflow/internal/priority"
	"github.com/1homsi/taintflow/internal/sinks"
	"github.com/1homsi/taintflow/internal/taint"
)

// WriteScanSARIF writes a SARIF 2.1.0 log. Every sink definition in reg
// becomes a rule; every vulnerability becomes a result whose code flow
// lists the hops from source to sink.
func WriteScanSARIF(w io.Writer, r ScanReport, reg *sinks.Registry) error {
	rep, err := sarif.New(sarif.Version210)
	if err != nil {
		return fmt.Errorf("create SARIF report: %w", err)
	}
	run := sarif.NewRunWithInformationURI(ToolName, InformationURI)

	rules := make(map[string]bool)
	for _, lang := range reg.Languages() {
		defs, _ := reg.Definitions(lang)
		for _, d := range defs.Sinks {
			addRule(run, d.ID, d.Type, d.CWE, d.Confidence)
			rules[d.ID] = true
		}
	}
	for _, v := range r.Vulnerabilities {
		if !rules[v.SinkID] {
			addRule(run, v.SinkID, v.Type, v.CWE, v.Confidence)
			rules[v.SinkID] = true
		}
		run.AddResult(sarifResult(v))
	}

	rep.AddRun(run)
	return rep.PrettyWrite(w)
}

func addRule(run *sarif.Run, id, vulnType, cwe string, conf float64) {
	run.AddRule(id).
		WithDescription(fmt.Sprintf("Untrusted input reaches a %s sink (%s)", vulnType, cwe)).
		WithDefaultConfiguration(&sarif.ReportingConfiguration{
			Level: sarifLevel(priority.Severity(vulnType, taint.High, conf)),
		}).
		WithProperties(sarif.Properties{
			"tags":       []string{"security", cwe},
			"type":       vulnType,
			"confidence": conf,
		})
}

func sarifResult(v taint.Vulnerability) *sarif.Result {
	msg := fmt.Sprintf("%s: %s from %s:%d reaches %s", v.Type, v.Source.Symbol, v.Source.File, v.Source.Line, v.Sink.Symbol)
	res := sarif.NewRuleResult(v.SinkID).
		WithMessage(sarif.NewTextMessage(msg)).
		WithLevel(sarifLevel(v.Severity)).
		WithLocations([]*sarif.Location{location(v.Sink)})

	steps := make([]*sarif.ThreadFlowLocation, 0, len(v.Flow))
	for _, h := range v.Flow {
		loc := location(h)
		loc.Message = sarif.NewTextMessage(fmt.Sprintf("%s %s", h.Kind, h.Symbol))
		steps = append(steps, &sarif.ThreadFlowLocation{Location: loc})
	}
	res.CodeFlows = []*sarif.CodeFlow{{ThreadFlows: []*sarif.ThreadFlow{{Locations: steps}}}}

	res.PropertyBag = *sarif.NewPropertyBag()
	res.Add("severity", v.Severity)
	res.Add("confidence", v.Confidence)
	res.Add("cwe", v.CWE)
	res.Add("taintLevel", v.Level.String())
	res.Add("fingerprint", Fingerprint(v))
	return res
}

func location(h taint.Hop) *sarif.Location {
	line := h.Line
	if line < 1 {
		line = 1
	}
	return sarif.NewLocation().WithPhysicalLocation(
		sarif.NewPhysicalLocation().
			WithArtifactLocation(sarif.NewArtifactLocation().WithUri(h.File)).
			WithRegion(sarif.NewRegion().WithStartLine(line)),
	)
}

func sarifLevel(sev string) string {
	switch sev {
	case priority.Critical, priority.High:
		return "error"
	case priority.Medium:
		return "warning"
	default:
		return "note"
	}
}
