package history

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/1homsi/taintflow/internal/analyzer"
	"github.com/1homsi/taintflow/internal/report"
	"github.com/1homsi/taintflow/internal/taint"
)

func finding(fp, sev string, conf float64) FindingSnapshot {
	return FindingSnapshot{Fingerprint: fp, Type: "SQL_QUERY", Severity: sev, Confidence: conf}
}

func TestRecordAndLoad(t *testing.T) {
	dir := t.TempDir()
	h, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(h.Snapshots) != 0 {
		t.Fatalf("expected empty history, got %d snapshots", len(h.Snapshots))
	}

	h.Record(Snapshot{Commit: "abc1234", Findings: []FindingSnapshot{finding("a", "HIGH", 0.9)}})
	if err := h.Save(dir); err != nil {
		t.Fatal(err)
	}

	h2, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(h2.Snapshots) != 1 {
		t.Fatalf("expected 1 snapshot after reload, got %d", len(h2.Snapshots))
	}
	if h2.Snapshots[0].Commit != "abc1234" {
		t.Errorf("unexpected commit: %q", h2.Snapshots[0].Commit)
	}
	if h2.Snapshots[0].Timestamp == "" {
		t.Error("Timestamp should be set by Record()")
	}
}

func TestRecordCaps(t *testing.T) {
	h := &History{}
	for i := 0; i < MaxSnapshots+10; i++ {
		h.Record(Snapshot{Files: i})
	}
	if len(h.Snapshots) != MaxSnapshots {
		t.Fatalf("expected %d snapshots, got %d", MaxSnapshots, len(h.Snapshots))
	}
	if h.Snapshots[0].Files != 10 {
		t.Errorf("oldest kept snapshot = %d, want 10", h.Snapshots[0].Files)
	}
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, fileName), []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatal("expected an error for a corrupt history file")
	}
}

func TestDiff(t *testing.T) {
	tests := []struct {
		name string
		old  []FindingSnapshot
		cur  []FindingSnapshot
		want string
	}{
		{"added", nil, []FindingSnapshot{finding("a", "HIGH", 0.9)}, Added},
		{"removed", []FindingSnapshot{finding("a", "HIGH", 0.9)}, nil, Removed},
		{"escalated severity", []FindingSnapshot{finding("a", "MEDIUM", 0.9)}, []FindingSnapshot{finding("a", "CRITICAL", 0.9)}, Escalated},
		{"improved severity", []FindingSnapshot{finding("a", "HIGH", 0.9)}, []FindingSnapshot{finding("a", "LOW", 0.9)}, Improved},
		{"escalated confidence", []FindingSnapshot{finding("a", "HIGH", 0.6)}, []FindingSnapshot{finding("a", "HIGH", 0.9)}, Escalated},
		{"unchanged", []FindingSnapshot{finding("a", "HIGH", 0.9)}, []FindingSnapshot{finding("a", "HIGH", 0.9)}, Unchanged},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diffs := Diff(Snapshot{Findings: tt.old}, Snapshot{Findings: tt.cur})
			if len(diffs) != 1 || diffs[0].Change != tt.want {
				t.Errorf("Diff() = %+v, want one %q", diffs, tt.want)
			}
		})
	}
}

func TestFromReport(t *testing.T) {
	v := taint.Vulnerability{
		Type:       "SQL_QUERY",
		CWE:        "CWE-89",
		Severity:   "HIGH",
		Confidence: 0.855,
		SinkID:     "py-sql-execute",
		Source:     taint.Hop{File: "routes.py", Line: 5, Symbol: "request.args.get"},
		Sink:       taint.Hop{File: "db.py", Line: 2, Symbol: "cursor.execute"},
	}
	r := report.ScanReport{
		RunID:           "run-1",
		Vulnerabilities: []taint.Vulnerability{v},
		Stats:           analyzer.Stats{Files: 2},
	}
	snap := FromReport(r, "deadbee")
	if snap.Files != 2 || snap.Commit != "deadbee" || snap.RunID != "run-1" {
		t.Errorf("unexpected snapshot header: %+v", snap)
	}
	if len(snap.Findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(snap.Findings))
	}
	f := snap.Findings[0]
	if f.Fingerprint != report.Fingerprint(v) {
		t.Errorf("fingerprint = %q, want %q", f.Fingerprint, report.Fingerprint(v))
	}
	if f.Sink != "db.py:2" || f.Source != "routes.py:5" {
		t.Errorf("locations = %s <- %s", f.Sink, f.Source)
	}
	if snap.Count("HIGH") != 1 || snap.Count("CRITICAL") != 0 {
		t.Errorf("unexpected counts: high=%d critical=%d", snap.Count("HIGH"), snap.Count("CRITICAL"))
	}
}
