package ledger

import (
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"
)

// ErrBaseCountExists is returned when a seed would overwrite an existing
// base count. Base counts are immutable once installed.
var ErrBaseCountExists = errors.New("ledger: base count already seeded")

// Totals is the derived vote count for one topic.
type Totals struct {
	TopicID     string         `json:"topic_id"`
	TotalVotes  int            `json:"total_votes"`
	Candidates  map[string]int `json:"candidates"`
	LastUpdated time.Time      `json:"last_updated"`
}

func (t Totals) clone() Totals {
	out := t
	out.Candidates = make(map[string]int, len(t.Candidates))
	for k, v := range t.Candidates {
		out.Candidates[k] = v
	}
	return out
}

// CandidateSum returns the sum of all candidate counts.
func (t Totals) CandidateSum() int {
	sum := 0
	for _, v := range t.Candidates {
		sum += v
	}
	return sum
}

// SameCounts reports whether two totals agree on everything but timestamps.
func (t Totals) SameCounts(other Totals) bool {
	if t.TopicID != other.TopicID || t.TotalVotes != other.TotalVotes {
		return false
	}
	for k, v := range t.Candidates {
		if other.Candidates[k] != v {
			return false
		}
	}
	for k, v := range other.Candidates {
		if t.Candidates[k] != v {
			return false
		}
	}
	return true
}

// Tally caches per-topic totals and owns the immutable base counts.
type Tally struct {
	mu     sync.Mutex
	topics map[string]*Totals
	base   map[string]map[string]int
	now    func() time.Time
}

func NewTally() *Tally {
	return &Tally{
		topics: make(map[string]*Totals),
		base:   make(map[string]map[string]int),
		now:    time.Now,
	}
}

// WithClock overrides the timestamp source; tests use it for stable output.
func (t *Tally) WithClock(now func() time.Time) *Tally {
	t.now = now
	return t
}

// SeedBase installs base counts for a topic. Each candidate's base can be
// seeded once; the seed also lifts the cached count by the same amount so
// the cache stays equal to base + ledger votes.
func (t *Tally) SeedBase(topicID string, counts map[string]int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	byCandidate := t.base[topicID]
	for candidateID, count := range counts {
		if count < 0 {
			return fmt.Errorf("base count for %s/%s is negative: %d", topicID, candidateID, count)
		}
		if _, ok := byCandidate[candidateID]; ok {
			return fmt.Errorf("%w: %s/%s", ErrBaseCountExists, topicID, candidateID)
		}
	}
	if byCandidate == nil {
		byCandidate = make(map[string]int, len(counts))
		t.base[topicID] = byCandidate
	}
	totals := t.topicLocked(topicID)
	for candidateID, count := range counts {
		byCandidate[candidateID] = count
		totals.Candidates[candidateID] += count
		totals.TotalVotes += count
	}
	totals.LastUpdated = t.now()
	return nil
}

// Base returns the base count of one candidate (0 when never seeded).
func (t *Tally) Base(topicID, candidateID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.base[topicID][candidateID]
}

// BaseCounts returns a copy of the seeded base counts for a topic.
func (t *Tally) BaseCounts(topicID string) map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.base[topicID]))
	for k, v := range t.base[topicID] {
		out[k] = v
	}
	return out
}

// Apply moves one vote. from is decremented (never below its base count
// nor zero), to is incremented and TotalVotes moves by totalDelta (never
// below zero). Either candidate may be empty.
func (t *Tally) Apply(topicID, from, to string, totalDelta int) Totals {
	t.mu.Lock()
	defer t.mu.Unlock()

	totals := t.topicLocked(topicID)
	if from != "" {
		floor := t.base[topicID][from]
		if totals.Candidates[from] > floor {
			totals.Candidates[from]--
		}
	}
	if to != "" {
		totals.Candidates[to]++
	}
	totals.TotalVotes += totalDelta
	if totals.TotalVotes < 0 {
		totals.TotalVotes = 0
	}
	totals.LastUpdated = t.now()
	return totals.clone()
}

// Get returns a copy of the totals for a topic; unknown topics are empty.
func (t *Tally) Get(topicID string) Totals {
	t.mu.Lock()
	defer t.mu.Unlock()
	if totals, ok := t.topics[topicID]; ok {
		return totals.clone()
	}
	return Totals{TopicID: topicID, Candidates: map[string]int{}}
}

// Topics lists topics that have cached totals or base counts.
func (t *Tally) Topics() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[string]struct{}, len(t.topics))
	for topicID := range t.topics {
		seen[topicID] = struct{}{}
	}
	for topicID := range t.base {
		seen[topicID] = struct{}{}
	}
	return sortedSet(seen)
}

// Rebuild recomputes a topic from scratch: every candidate gets its base
// count plus the number of unique current voters for it, and TotalVotes is
// the sum. The result replaces the cached totals.
func (t *Tally) Rebuild(topicID string, voters iter.Seq2[string, VoteRecord]) Totals {
	counted := make(map[string]string)
	for userID, rec := range voters {
		if rec.TopicID != "" && rec.TopicID != topicID {
			continue
		}
		counted[userID] = rec.CandidateID
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	fresh := &Totals{TopicID: topicID, Candidates: make(map[string]int)}
	for candidateID, count := range t.base[topicID] {
		fresh.Candidates[candidateID] = count
	}
	for _, candidateID := range counted {
		fresh.Candidates[candidateID]++
	}
	fresh.TotalVotes = fresh.CandidateSum()
	fresh.LastUpdated = t.now()
	t.topics[topicID] = fresh
	return fresh.clone()
}

// Restore installs precomputed totals, e.g. when loading a snapshot.
func (t *Tally) Restore(totals Totals) {
	t.mu.Lock()
	defer t.mu.Unlock()
	restored := totals.clone()
	t.topics[totals.TopicID] = &restored
}

func (t *Tally) topicLocked(topicID string) *Totals {
	totals, ok := t.topics[topicID]
	if !ok {
		totals = &Totals{TopicID: topicID, Candidates: make(map[string]int)}
		t.topics[topicID] = totals
	}
	return totals
}
