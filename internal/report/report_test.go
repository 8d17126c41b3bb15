package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1homsi/taintflow/internal/analyzer"
	"github.com/1homsi/taintflow/internal/interproc"
	"github.com/1homsi/taintflow/internal/ir"
	"github.com/1homsi/taintflow/internal/priority"
	"github.com/1homsi/taintflow/internal/sinks"
	"github.com/1homsi/taintflow/internal/taint"
)

func sqlVuln(t *testing.T) taint.Vulnerability {
	t.Helper()
	fn := ir.FunctionID("python", "routes", "show")
	flow := []taint.Hop{
		{File: "routes.py", Line: 5, Symbol: "request.args.get", Kind: taint.HopSource},
		{File: "routes.py", Line: 6, Symbol: "db.execute_query", Kind: taint.HopCall},
		{File: "db.py", Line: 2, Symbol: "cursor.execute", Kind: taint.HopSink},
	}
	ref := taint.SinkRef{
		ID: "python.sql.cursor-execute", Type: sinks.SQLQuery, CWE: "CWE-89", Confidence: 0.9,
		Site: ir.CallSiteID(ir.FunctionID("python", "db", "execute_query"), 2, "cursor.execute"),
	}
	v, err := taint.NewVulnerability(ref, taint.High, flow, taint.RootID(fn, flow[0]), 0.855)
	require.NoError(t, err)
	v.Severity = priority.Severity(v.Type, v.Level, v.Confidence)
	return v
}

func cmdVuln(t *testing.T) taint.Vulnerability {
	t.Helper()
	fn := ir.FunctionID("python", "app", "ping")
	flow := []taint.Hop{
		{File: "app.py", Line: 5, Symbol: "request.form", Kind: taint.HopSource},
		{File: "app.py", Line: 6, Symbol: "os.system", Kind: taint.HopSink},
	}
	ref := taint.SinkRef{
		ID: "python.cmd.os-system", Type: sinks.CommandInjection, CWE: "CWE-78", Confidence: 0.95,
		Site: ir.CallSiteID(fn, 6, "os.system"),
	}
	v, err := taint.NewVulnerability(ref, taint.High, flow, taint.RootID(fn, flow[0]), 0.95)
	require.NoError(t, err)
	v.Severity = priority.Severity(v.Type, v.Level, v.Confidence)
	return v
}

func result(t *testing.T, vulns ...taint.Vulnerability) *analyzer.Result {
	return &analyzer.Result{
		RunID:           "run-1",
		Dir:             "proj",
		Languages:       []string{"python"},
		Vulnerabilities: vulns,
		Roots: []interproc.RootResult{
			{Root: ir.FunctionID("python", "routes", "show"), State: interproc.StateSinkHit, Findings: 1},
			{Root: ir.FunctionID("python", "jobs", "sweep"), State: interproc.StateTimedOut, Visited: 40},
		},
		Skipped:       []analyzer.Skipped{{File: "broken.py", Reason: "line 1: expected ')'"}},
		Stats:         analyzer.Stats{Files: 3, Skipped: 1, Findings: len(vulns)},
		GraphChecksum: "abc123",
	}
}

func TestNewPassFail(t *testing.T) {
	tests := []struct {
		name   string
		vulns  []taint.Vulnerability
		failOn string
		passed bool
	}{
		{name: "no findings", failOn: "low", passed: true},
		{name: "high finding fails at high", vulns: []taint.Vulnerability{sqlVuln(t)}, failOn: "high", passed: false},
		{name: "high finding passes at critical", vulns: []taint.Vulnerability{sqlVuln(t)}, failOn: "critical", passed: true},
		{name: "critical finding fails at critical", vulns: []taint.Vulnerability{cmdVuln(t)}, failOn: "critical", passed: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(result(t, tt.vulns...), tt.failOn)
			assert.Equal(t, tt.passed, r.Passed)
			assert.NotNil(t, r.Vulnerabilities)
			if !tt.passed {
				assert.Contains(t, r.FailReason, strings.ToUpper(tt.failOn))
			}
			require.Len(t, r.Incomplete, 1)
			assert.Equal(t, "sweep", r.Incomplete[0].Root.Name)
		})
	}
}

func TestWriteScanText(t *testing.T) {
	res := result(t, cmdVuln(t), sqlVuln(t))
	r := New(res, "high").WithTimings(res)

	var buf bytes.Buffer
	WriteScan(&buf, r, TextOptions{NoColor: true})
	out := buf.String()

	assert.NotContains(t, out, "\x1b[")
	assert.Contains(t, out, "[CRITICAL] COMMAND_INJECTION (CWE-78)  app.py:6  confidence=0.95")
	assert.Contains(t, out, "[HIGH] SQL_QUERY (CWE-89)  db.py:2  confidence=")
	assert.Contains(t, out, "routes.py:6  db.execute_query")
	assert.Contains(t, out, "Incomplete roots")
	assert.Contains(t, out, "python:jobs#function:sweep")
	assert.Contains(t, out, "broken.py")
	assert.Contains(t, out, "2 finding(s) (1 critical, 1 high), 3 file(s), 1 skipped")
	assert.Contains(t, out, "Timings:")
	assert.Contains(t, out, "✗ FAILED")
}

func TestWriteScanTextClean(t *testing.T) {
	r := New(&analyzer.Result{RunID: "r", Dir: "."}, "high")
	var buf bytes.Buffer
	WriteScan(&buf, r, TextOptions{NoColor: true})
	assert.Contains(t, buf.String(), "No tainted flows found.")
	assert.Contains(t, buf.String(), "✓ PASSED")
	assert.NotContains(t, buf.String(), "Skipped files")
}

func TestScanJSONRoundTrip(t *testing.T) {
	r := New(result(t, sqlVuln(t)), "high")
	var buf bytes.Buffer
	require.NoError(t, WriteScanJSON(&buf, r))

	var raw map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &raw))
	assert.Equal(t, "taintflow", raw["tool"])
	vulns := raw["vulnerabilities"].([]any)
	require.Len(t, vulns, 1)
	key := vulns[0].(map[string]any)["dedup_key"].(map[string]any)
	assert.Equal(t, "python:db#callsite:execute_query@2:cursor.execute", key["sink"])
	assert.Equal(t, "high", vulns[0].(map[string]any)["level"])

	back, err := ReadScanJSON(&buf)
	require.NoError(t, err)
	assert.Equal(t, r.Vulnerabilities, back.Vulnerabilities)
	assert.False(t, back.Passed)
}

func TestReadScanJSONRejectsGarbage(t *testing.T) {
	_, err := ReadScanJSON(strings.NewReader("{"))
	require.Error(t, err)
}

func TestWriteScanSARIF(t *testing.T) {
	reg := sinks.MustLoad(sinks.Options{})
	v := sqlVuln(t)
	var buf bytes.Buffer
	require.NoError(t, WriteScanSARIF(&buf, New(result(t, v), "high"), reg))

	var log struct {
		Version string `json:"version"`
		Runs    []struct {
			Tool struct {
				Driver struct {
					Name  string `json:"name"`
					Rules []struct {
						ID string `json:"id"`
					} `json:"rules"`
				} `json:"driver"`
			} `json:"tool"`
			Results []struct {
				RuleID    string `json:"ruleId"`
				Level     string `json:"level"`
				CodeFlows []struct {
					ThreadFlows []struct {
						Locations []struct {
							Location struct {
								PhysicalLocation struct {
									ArtifactLocation struct {
										URI string `json:"uri"`
									} `json:"artifactLocation"`
									Region struct {
										StartLine int `json:"startLine"`
									} `json:"region"`
								} `json:"physicalLocation"`
							} `json:"location"`
						} `json:"locations"`
					} `json:"threadFlows"`
				} `json:"codeFlows"`
				Properties map[string]any `json:"properties"`
			} `json:"results"`
		} `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &log))
	assert.Equal(t, "2.1.0", log.Version)
	require.Len(t, log.Runs, 1)
	run := log.Runs[0]
	assert.Equal(t, "taintflow", run.Tool.Driver.Name)

	var want int
	for _, lang := range reg.Languages() {
		defs, _ := reg.Definitions(lang)
		want += len(defs.Sinks)
	}
	assert.Len(t, run.Tool.Driver.Rules, want)

	require.Len(t, run.Results, 1)
	res := run.Results[0]
	assert.Equal(t, "python.sql.cursor-execute", res.RuleID)
	assert.Equal(t, "error", res.Level)
	require.Len(t, res.CodeFlows, 1)
	steps := res.CodeFlows[0].ThreadFlows[0].Locations
	require.Len(t, steps, 3)
	assert.Equal(t, "routes.py", steps[0].Location.PhysicalLocation.ArtifactLocation.URI)
	assert.Equal(t, 5, steps[0].Location.PhysicalLocation.Region.StartLine)
	assert.Equal(t, "db.py", steps[2].Location.PhysicalLocation.ArtifactLocation.URI)
	assert.Equal(t, "CWE-89", res.Properties["cwe"])
	assert.Equal(t, Fingerprint(v), res.Properties["fingerprint"])
}

func TestDiff(t *testing.T) {
	sql, cmd := sqlVuln(t), cmdVuln(t)
	moved := sql
	moved.Sink.Line += 10

	tests := []struct {
		name      string
		baseline  []taint.Vulnerability
		current   []taint.Vulnerability
		added     int
		fixed     int
		unchanged int
	}{
		{name: "empty baseline", current: []taint.Vulnerability{sql, cmd}, added: 2},
		{name: "identical", baseline: []taint.Vulnerability{sql}, current: []taint.Vulnerability{sql}, unchanged: 1},
		{name: "line moved", baseline: []taint.Vulnerability{sql}, current: []taint.Vulnerability{moved}, unchanged: 1},
		{name: "fixed", baseline: []taint.Vulnerability{sql, cmd}, current: []taint.Vulnerability{cmd}, fixed: 1, unchanged: 1},
		{name: "duplicate grows", baseline: []taint.Vulnerability{sql}, current: []taint.Vulnerability{sql, moved}, added: 1, unchanged: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Diff(tt.baseline, tt.current)
			assert.Len(t, d.Added, tt.added)
			assert.Len(t, d.Fixed, tt.fixed)
			assert.Equal(t, tt.unchanged, d.Unchanged)
		})
	}
}

func TestWriteDiff(t *testing.T) {
	d := Diff([]taint.Vulnerability{sqlVuln(t)}, []taint.Vulnerability{cmdVuln(t)})

	var buf bytes.Buffer
	WriteDiff(&buf, d, TextOptions{NoColor: true})
	assert.Contains(t, buf.String(), "+ [CRITICAL] COMMAND_INJECTION app.py:6 <- app.py:5")
	assert.Contains(t, buf.String(), "- [HIGH] SQL_QUERY db.py:2 <- routes.py:5")
	assert.Contains(t, buf.String(), "1 new, 1 fixed, 0 unchanged")

	buf.Reset()
	require.NoError(t, WriteDiffJSON(&buf, d))
	var back DiffReport
	require.NoError(t, json.Unmarshal(buf.Bytes(), &back))
	assert.Len(t, back.Added, 1)
	assert.Len(t, back.Fixed, 1)
}
