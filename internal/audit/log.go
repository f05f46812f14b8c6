// Package audit keeps the append-only record of every ledger mutation.
package audit

import (
	"sort"
	"sync"
	"time"

	"github.com/google/btree"

	"tallyhall/api/internal/util"
)

type Action string

const (
	ActionNewVote        Action = "NEW_VOTE"
	ActionVoteSwitch     Action = "VOTE_SWITCH"
	ActionIdempotentVote Action = "IDEMPOTENT_VOTE"
	ActionRevoke         Action = "REVOKE"
	ActionMockDataAdded  Action = "MOCK_DATA_ADDED"
)

// Metadata carries the context recorded with each entry.
type Metadata struct {
	Reliability        float64 `json:"reliability"`
	ReconciliationHash string  `json:"reconciliation_hash"`
	Source             string  `json:"source,omitempty"`
	Nonce              string  `json:"nonce,omitempty"`
}

// Entry is immutable once appended. Seq is assigned by the Log and defines
// insertion order.
type Entry struct {
	Seq            uint64    `json:"seq"`
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	UserID         string    `json:"user_id"`
	TopicID        string    `json:"topic_id"`
	Action         Action    `json:"action"`
	OldCandidateID string    `json:"old_candidate_id,omitempty"`
	NewCandidateID string    `json:"new_candidate_id,omitempty"`
	Metadata       Metadata  `json:"metadata"`
}

const treeDegree = 32

func bySeq(a, b Entry) bool { return a.Seq < b.Seq }

// Log is an in-process audit log indexed by sequence, globally and per
// topic, so topic queries never scan unrelated entries.
type Log struct {
	mu      sync.RWMutex
	all     *btree.BTreeG[Entry]
	byTopic map[string]*btree.BTreeG[Entry]
	seq     uint64
	now     func() time.Time
}

func NewLog() *Log {
	return &Log{
		all:     btree.NewG(treeDegree, bySeq),
		byTopic: make(map[string]*btree.BTreeG[Entry]),
		now:     time.Now,
	}
}

// WithClock overrides the timestamp source.
func (l *Log) WithClock(now func() time.Time) *Log {
	l.now = now
	return l
}

// Append stores the entry and returns it with Seq, ID and Timestamp set.
func (l *Log) Append(entry Entry) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	entry.Seq = l.seq
	if entry.ID == "" {
		entry.ID = util.NewID("aud")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}
	l.insertLocked(entry)
	return entry
}

// Restore loads previously persisted entries, keeping their sequence
// numbers. Entries whose Seq is already present are ignored.
func (l *Log) Restore(entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range entries {
		if entry.Seq == 0 {
			continue
		}
		if _, ok := l.all.Get(entry); ok {
			continue
		}
		l.insertLocked(entry)
		if entry.Seq > l.seq {
			l.seq = entry.Seq
		}
	}
}

func (l *Log) insertLocked(entry Entry) {
	l.all.ReplaceOrInsert(entry)
	tree, ok := l.byTopic[entry.TopicID]
	if !ok {
		tree = btree.NewG(treeDegree, bySeq)
		l.byTopic[entry.TopicID] = tree
	}
	tree.ReplaceOrInsert(entry)
}

// Query returns entries for topicID (all topics when empty), most recent
// first, capped at limit. A limit <= 0 returns everything.
func (l *Log) Query(topicID string, limit int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	tree := l.all
	if topicID != "" {
		var ok bool
		tree, ok = l.byTopic[topicID]
		if !ok {
			return []Entry{}
		}
	}
	capacity := tree.Len()
	if limit > 0 && limit < capacity {
		capacity = limit
	}
	out := make([]Entry, 0, capacity)
	tree.Descend(func(entry Entry) bool {
		out = append(out, entry)
		return limit <= 0 || len(out) < limit
	})
	return out
}

// Since returns entries with Seq > seq in insertion order, capped at limit.
func (l *Log) Since(seq uint64, limit int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, 0)
	l.all.AscendGreaterOrEqual(Entry{Seq: seq + 1}, func(entry Entry) bool {
		out = append(out, entry)
		return limit <= 0 || len(out) < limit
	})
	return out
}

// Between returns a topic's entries with from <= Timestamp < to, ordered by
// timestamp (ties keep insertion order).
func (l *Log) Between(topicID string, from, to time.Time) []Entry {
	entries := l.Query(topicID, 0)
	out := make([]Entry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		ts := entries[i].Timestamp
		if ts.Before(from) || !ts.Before(to) {
			continue
		}
		out = append(out, entries[i])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.all.Len()
}

// LastSeq is the sequence number of the most recent entry.
func (l *Log) LastSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}
