// Package history keeps a rolling record of scan results in the scanned
// project so findings can be compared across runs.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/1homsi/taintflow/internal/priority"
	"github.com/1homsi/taintflow/internal/report"
)

const fileName = ".taintflow-history.json"

// MaxSnapshots is how many snapshots a history keeps.
const MaxSnapshots = 100

type FindingSnapshot struct {
	Fingerprint string  `json:"fingerprint"`
	Type        string  `json:"type"`
	CWE         string  `json:"cwe,omitempty"`
	Severity    string  `json:"severity"`
	Confidence  float64 `json:"confidence"`
	Sink        string  `json:"sink"`
	Source      string  `json:"source"`
}

type Snapshot struct {
	Timestamp     string            `json:"timestamp"`
	Commit        string            `json:"commit,omitempty"`
	RunID         string            `json:"run_id,omitempty"`
	GraphChecksum string            `json:"graph_checksum,omitempty"`
	Files         int               `json:"files"`
	Findings      []FindingSnapshot `json:"findings"`
}

// Count returns how many findings have the given severity.
func (s Snapshot) Count(severity string) int {
	n := 0
	for _, f := range s.Findings {
		if f.Severity == severity {
			n++
		}
	}
	return n
}

// FromReport captures the findings of a scan.
func FromReport(r report.ScanReport, commit string) Snapshot {
	snap := Snapshot{
		Commit:        commit,
		RunID:         r.RunID,
		GraphChecksum: r.GraphChecksum,
		Files:         r.Stats.Files,
		Findings:      make([]FindingSnapshot, 0, len(r.Vulnerabilities)),
	}
	for _, v := range r.Vulnerabilities {
		snap.Findings = append(snap.Findings, FindingSnapshot{
			Fingerprint: report.Fingerprint(v),
			Type:        v.Type,
			CWE:         v.CWE,
			Severity:    v.Severity,
			Confidence:  v.Confidence,
			Sink:        fmt.Sprintf("%s:%d", v.Sink.File, v.Sink.Line),
			Source:      fmt.Sprintf("%s:%d", v.Source.File, v.Source.Line),
		})
	}
	return snap
}

type History struct {
	Snapshots []Snapshot `json:"snapshots"`
}

// Load reads the history kept in dir. A missing file is an empty history.
func Load(dir string) (*History, error) {
	path := filepath.Join(dir, fileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &History{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	var h History
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &h, nil
}

func (h *History) Save(dir string) error {
	path := filepath.Join(dir, fileName)
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	return nil
}

// Record appends snap, dropping the oldest snapshots beyond MaxSnapshots.
func (h *History) Record(snap Snapshot) {
	if snap.Timestamp == "" {
		snap.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	h.Snapshots = append(h.Snapshots, snap)
	if len(h.Snapshots) > MaxSnapshots {
		h.Snapshots = h.Snapshots[len(h.Snapshots)-MaxSnapshots:]
	}
}

// Change kinds reported by Diff.
const (
	Added     = "added"
	Removed   = "removed"
	Escalated = "escalated"
	Improved  = "improved"
	Unchanged = "unchanged"
)

type FindingDiff struct {
	Fingerprint string           `json:"fingerprint"`
	Old         *FindingSnapshot `json:"old,omitempty"`
	New         *FindingSnapshot `json:"new,omitempty"`
	Change      string           `json:"change"`
}

// Diff compares two snapshots finding by finding. A finding whose severity
// or confidence moved is escalated or improved.
func Diff(old, cur Snapshot) []FindingDiff {
	oldByFP := make(map[string]FindingSnapshot, len(old.Findings))
	for _, f := range old.Findings {
		oldByFP[f.Fingerprint] = f
	}
	newByFP := make(map[string]FindingSnapshot, len(cur.Findings))
	for _, f := range cur.Findings {
		newByFP[f.Fingerprint] = f
	}

	var diffs []FindingDiff
	for _, nf := range cur.Findings {
		of, existed := oldByFP[nf.Fingerprint]
		if !existed {
			nf := nf
			diffs = append(diffs, FindingDiff{Fingerprint: nf.Fingerprint, New: &nf, Change: Added})
			continue
		}
		of, nf := of, nf
		change := Unchanged
		switch {
		case priority.Rank(nf.Severity) > priority.Rank(of.Severity):
			change = Escalated
		case priority.Rank(nf.Severity) < priority.Rank(of.Severity):
			change = Improved
		case nf.Confidence > of.Confidence:
			change = Escalated
		case nf.Confidence < of.Confidence:
			change = Improved
		}
		diffs = append(diffs, FindingDiff{Fingerprint: nf.Fingerprint, Old: &of, New: &nf, Change: change})
	}
	for _, of := range old.Findings {
		if _, exists := newByFP[of.Fingerprint]; !exists {
			of := of
			diffs = append(diffs, FindingDiff{Fingerprint: of.Fingerprint, Old: &of, Change: Removed})
		}
	}
	sort.SliceStable(diffs, func(i, j int) bool { return diffs[i].Fingerprint < diffs[j].Fingerprint })
	return diffs
}
