// Package priority derives the reported severity of a vulnerability from
// its class, the taint level that reached the sink and the confidence of
// the path.
package priority

import (
	"strings"

	"github.com/1homsi/taintflow/internal/sinks"
	"github.com/1homsi/taintflow/internal/taint"
)

const (
	Low      = "LOW"
	Medium   = "MEDIUM"
	High     = "HIGH"
	Critical = "CRITICAL"
)

var order = []string{Low, Medium, High, Critical}

// LowConfidence is the confidence below which severity drops one step.
const LowConfidence = 0.70

var base = map[string]string{
	sinks.CommandInjection:  Critical,
	sinks.CodeInjection:     Critical,
	sinks.SQLQuery:          High,
	sinks.TemplateInjection: High,
	sinks.PathTraversal:     High,
	sinks.XXE:               High,
	sinks.LDAPInjection:     Medium,
}

// Severity returns the severity of a finding of vulnType. Critical taint
// raises the base severity one step; confidence under LowConfidence lowers
// it one step.
func Severity(vulnType string, level taint.Level, confidence float64) string {
	sev, ok := base[vulnType]
	if !ok {
		sev = Medium
	}
	if level >= taint.Critical {
		sev = step(sev, 1)
	}
	if confidence > 0 && confidence < LowConfidence {
		sev = downgradeSeverity(sev)
	}
	return sev
}

func downgradeSeverity(sev string) string { return step(sev, -1) }

func step(sev string, by int) string {
	i := Rank(sev) + by
	if i < 0 {
		i = 0
	}
	if i >= len(order) {
		i = len(order) - 1
	}
	return order[i]
}

// Rank orders severities from 0 (LOW) to 3 (CRITICAL). Names are case
// insensitive; an unknown name ranks as LOW.
func Rank(sev string) int {
	sev = strings.ToUpper(sev)
	for i, s := range order {
		if s == sev {
			return i
		}
	}
	return 0
}

// Apply sets the severity of every vulnerability.
func Apply(vulns []taint.Vulnerability) {
	for i := range vulns {
		v := &vulns[i]
		v.Severity = Severity(v.Type, v.Level, v.Confidence)
	}
}

// AtLeast returns the vulnerabilities whose severity is at or above min.
func AtLeast(vulns []taint.Vulnerability, min string) []taint.Vulnerability {
	var out []taint.Vulnerability
	for _, v := range vulns {
		if Rank(v.Severity) >= Rank(min) {
			out = append(out, v)
		}
	}
	return out
}
