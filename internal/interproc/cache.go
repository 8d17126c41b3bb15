package interproc

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/1homsi/taintflow/internal/ir"
	"github.com/1homsi/taintflow/internal/logging"
	"github.com/1homsi/taintflow/internal/taint"
)

// SummaryCache holds one summary per function. It is write-once: the first
// completed store for a function wins and later stores are discarded.
// Safe for concurrent use.
type SummaryCache struct {
	m         sync.Map // ir.CanonicalID -> *taint.Summary
	n         atomic.Int64
	hits      atomic.Int64
	misses    atomic.Int64
	conflicts atomic.Int64
}

func NewSummaryCache() *SummaryCache { return &SummaryCache{} }

// Store records s unless a summary for the same function already exists.
// It returns the summary that is kept and whether s was stored.
func (c *SummaryCache) Store(s *taint.Summary) (*taint.Summary, bool) {
	actual, loaded := c.m.LoadOrStore(s.Function, s)
	if loaded {
		c.conflicts.Add(1)
		kept := actual.(*taint.Summary)
		logging.Warnf("[cache] %s summarized twice (%s:%d, %s:%d); keeping the first",
			s.Function, kept.File, kept.Line, s.File, s.Line)
		return kept, false
	}
	c.n.Add(1)
	return s, true
}

// Get returns the summary of fn.
func (c *SummaryCache) Get(fn ir.CanonicalID) (*taint.Summary, bool) {
	v, ok := c.m.Load(fn)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return v.(*taint.Summary), true
}

// Len returns the number of stored summaries.
func (c *SummaryCache) Len() int { return int(c.n.Load()) }

// All returns every summary ordered by function ID.
func (c *SummaryCache) All() []*taint.Summary {
	var out []*taint.Summary
	c.m.Range(func(_, v any) bool {
		out = append(out, v.(*taint.Summary))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Function.Less(out[j].Function) })
	return out
}

// Stats returns hit, miss and discarded-store counts.
func (c *SummaryCache) Stats() (hits, misses, conflicts int64) {
	hits, misses, conflicts = c.hits.Load(), c.misses.Load(), c.conflicts.Load()
	if total := hits + misses; total > 0 {
		logging.Infof("[cache] Stats: hits=%d, misses=%d, hit_rate=%.1f%%, discarded=%d",
			hits, misses, float64(hits)/float64(total)*100.0, conflicts)
	}
	return hits, misses, conflicts
}

// Fingerprint hashes every stored summary. Equal inputs give equal
// fingerprints regardless of store order.
func (c *SummaryCache) Fingerprint() string {
	h := sha256.New()
	for _, s := range c.All() {
		fmt.Fprintf(h, "%s %s\n", s.Function, hashSummary(s))
	}
	return fmt.Sprintf("%x", h.Sum(nil)[:8])
}

// hashSummary computes a hash of a function summary.
func hashSummary(s *taint.Summary) string {
	data, _ := json.Marshal(s)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}
