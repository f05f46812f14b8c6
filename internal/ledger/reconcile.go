package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Report is the outcome of a reconciliation check for one topic.
type Report struct {
	TopicID      string `json:"topic_id"`
	Valid        bool   `json:"valid"`
	TotalVotes   int    `json:"total_votes"`
	CandidateSum int    `json:"candidate_sum"`
	Difference   int    `json:"difference"`
}

// Drift is one candidate whose cached count differs from a ledger rebuild.
type Drift struct {
	CandidateID string `json:"candidate_id"`
	Cached      int    `json:"cached"`
	Expected    int    `json:"expected"`
}

// LedgerReport compares the cached totals with what the ledger implies.
type LedgerReport struct {
	Report
	ExpectedTotal int     `json:"expected_total"`
	Drift         []Drift `json:"drift,omitempty"`
}

// Consistent reports whether the cache matches the ledger exactly.
func (r LedgerReport) Consistent() bool {
	return r.Valid && len(r.Drift) == 0 && r.ExpectedTotal == r.TotalVotes
}

// Checker verifies Tally invariants against the Ledger.
type Checker struct {
	ledger *Ledger
	tally  *Tally
}

func NewChecker(ledger *Ledger, tally *Tally) *Checker {
	return &Checker{ledger: ledger, tally: tally}
}

// Verify checks sum(candidates) == totalVotes on the cached totals.
func (c *Checker) Verify(topicID string) Report {
	totals := c.tally.Get(topicID)
	sum := totals.CandidateSum()
	return Report{
		TopicID:      topicID,
		Valid:        sum == totals.TotalVotes,
		TotalVotes:   totals.TotalVotes,
		CandidateSum: sum,
		Difference:   totals.TotalVotes - sum,
	}
}

// VerifyAgainstLedger recomputes base + ledger votes without touching the
// cache and reports every candidate whose cached count differs.
func (c *Checker) VerifyAgainstLedger(topicID string) LedgerReport {
	report := LedgerReport{Report: c.Verify(topicID)}

	expected := c.tally.BaseCounts(topicID)
	for _, rec := range c.ledger.VotersForTopic(topicID) {
		expected[rec.CandidateID]++
	}
	for _, count := range expected {
		report.ExpectedTotal += count
	}

	cached := c.tally.Get(topicID).Candidates
	seen := make(map[string]struct{}, len(expected)+len(cached))
	for k := range expected {
		seen[k] = struct{}{}
	}
	for k := range cached {
		seen[k] = struct{}{}
	}
	for _, candidateID := range sortedSet(seen) {
		if cached[candidateID] != expected[candidateID] {
			report.Drift = append(report.Drift, Drift{
				CandidateID: candidateID,
				Cached:      cached[candidateID],
				Expected:    expected[candidateID],
			})
		}
	}
	return report
}

// Hash returns the reconciliation digest of the cached totals for a topic.
func (c *Checker) Hash(topicID string) string {
	return HashTotals(c.tally.Get(topicID))
}

// HashTotals digests (totalVotes, sorted candidate:count pairs). Candidates
// with a zero count are skipped so a rebuilt cache hashes like an
// incrementally built one.
func HashTotals(totals Totals) string {
	keys := make([]string, 0, len(totals.Candidates))
	for k, v := range totals.Candidates {
		if v == 0 {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "total=%d", totals.TotalVotes)
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s:%d", k, totals.Candidates[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
