package priority

import (
	"testing"

	"github.com/1homsi/taintflow/internal/sinks"
	"github.com/1homsi/taintflow/internal/taint"
)

func TestSeverity(t *testing.T) {
	tests := []struct {
		name  string
		typ   string
		level taint.Level
		conf  float64
		want  string
	}{
		{"sql high taint", sinks.SQLQuery, taint.High, 0.9, High},
		{"sql critical taint", sinks.SQLQuery, taint.Critical, 0.9, Critical},
		{"command injection", sinks.CommandInjection, taint.High, 0.95, Critical},
		{"critical stays critical", sinks.CodeInjection, taint.Critical, 0.9, Critical},
		{"low confidence downgrades", sinks.SQLQuery, taint.High, 0.6, Medium},
		{"threshold is exclusive", sinks.SQLQuery, taint.High, 0.70, High},
		{"raise then downgrade", sinks.PathTraversal, taint.Critical, 0.5, High},
		{"ldap", sinks.LDAPInjection, taint.Medium, 0.8, Medium},
		{"unknown type", "CUSTOM", taint.High, 0.8, Medium},
		{"floor", "CUSTOM", taint.Low, 0.1, Low},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Severity(tt.typ, tt.level, tt.conf); got != tt.want {
				t.Errorf("Severity(%s, %s, %v) = %s, want %s", tt.typ, tt.level, tt.conf, got, tt.want)
			}
		})
	}
}

func TestRank(t *testing.T) {
	if Rank("critical") != 3 || Rank(High) != 2 || Rank("Medium") != 1 || Rank(Low) != 0 {
		t.Error("unexpected severity ranks")
	}
	if Rank("bogus") != 0 {
		t.Error("unknown severity should rank lowest")
	}
}

func TestApplyAndAtLeast(t *testing.T) {
	vulns := []taint.Vulnerability{
		{Type: sinks.SQLQuery, Level: taint.High, Confidence: 0.9},
		{Type: sinks.SQLQuery, Level: taint.High, Confidence: 0.5},
		{Type: sinks.CommandInjection, Level: taint.High, Confidence: 0.9},
	}
	Apply(vulns)
	want := []string{High, Medium, Critical}
	for i, v := range vulns {
		if v.Severity != want[i] {
			t.Errorf("vulns[%d].Severity = %s, want %s", i, v.Severity, want[i])
		}
	}
	if got := AtLeast(vulns, "high"); len(got) != 2 {
		t.Errorf("AtLeast(high) = %d findings, want 2", len(got))
	}
	if got := AtLeast(vulns, Critical); len(got) != 1 || got[0].Type != sinks.CommandInjection {
		t.Errorf("AtLeast(critical) = %+v", got)
	}
}
