package ledger

import (
	"iter"
	"sort"
	"sync"
)

// Ledger maps userID -> topicID -> VoteRecord. It performs no decision
// logic: Set is a pure replace and the caller owns the switching rules.
type Ledger struct {
	mu    sync.RWMutex
	votes map[string]map[string]VoteRecord
}

func NewLedger() *Ledger {
	return &Ledger{votes: make(map[string]map[string]VoteRecord)}
}

// Get returns the current vote of userID on topicID.
func (l *Ledger) Get(userID, topicID string) (VoteRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.votes[userID][topicID]
	return rec, ok
}

// Set replaces any prior record for (userID, topicID).
func (l *Ledger) Set(userID, topicID string, rec VoteRecord) {
	rec.UserID = userID
	rec.TopicID = topicID
	l.mu.Lock()
	defer l.mu.Unlock()
	byTopic, ok := l.votes[userID]
	if !ok {
		byTopic = make(map[string]VoteRecord)
		l.votes[userID] = byTopic
	}
	byTopic[topicID] = rec
}

// Remove deletes the record and returns what was removed, if anything.
func (l *Ledger) Remove(userID, topicID string) (VoteRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	byTopic, ok := l.votes[userID]
	if !ok {
		return VoteRecord{}, false
	}
	rec, ok := byTopic[topicID]
	if !ok {
		return VoteRecord{}, false
	}
	delete(byTopic, topicID)
	if len(byTopic) == 0 {
		delete(l.votes, userID)
	}
	return rec, true
}

// UpdateAnchor records the anchoring outcome on an existing record and
// returns the updated record. It is a no-op when the record was switched or
// revoked in the meantime.
func (l *Ledger) UpdateAnchor(userID, topicID, candidateID string, status Status, commitRef string) (VoteRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.votes[userID][topicID]
	if !ok || rec.CandidateID != candidateID {
		return VoteRecord{}, false
	}
	rec.Status = status
	if commitRef != "" {
		rec.CommitRef = commitRef
	}
	l.votes[userID][topicID] = rec
	return rec, true
}

// VotersForTopic yields (userID, record) for every current vote on topicID.
// The sequence is lazy and restartable; it reads the ledger as it goes, so
// it offers no snapshot isolation against concurrent writers.
func (l *Ledger) VotersForTopic(topicID string) iter.Seq2[string, VoteRecord] {
	return func(yield func(string, VoteRecord) bool) {
		for _, userID := range l.userIDs() {
			rec, ok := l.Get(userID, topicID)
			if !ok {
				continue
			}
			if !yield(userID, rec) {
				return
			}
		}
	}
}

// VotersForCandidate filters VotersForTopic down to one candidate.
func (l *Ledger) VotersForCandidate(topicID, candidateID string) iter.Seq2[string, VoteRecord] {
	return func(yield func(string, VoteRecord) bool) {
		for userID, rec := range l.VotersForTopic(topicID) {
			if rec.CandidateID != candidateID {
				continue
			}
			if !yield(userID, rec) {
				return
			}
		}
	}
}

// All yields every record in the ledger ordered by user then topic.
func (l *Ledger) All() iter.Seq[VoteRecord] {
	return func(yield func(VoteRecord) bool) {
		for _, userID := range l.userIDs() {
			l.mu.RLock()
			topics := make([]string, 0, len(l.votes[userID]))
			for topicID := range l.votes[userID] {
				topics = append(topics, topicID)
			}
			l.mu.RUnlock()
			sort.Strings(topics)
			for _, topicID := range topics {
				rec, ok := l.Get(userID, topicID)
				if !ok {
					continue
				}
				if !yield(rec) {
					return
				}
			}
		}
	}
}

// Topics lists every topic with at least one current vote.
func (l *Ledger) Topics() []string {
	l.mu.RLock()
	seen := make(map[string]struct{})
	for _, byTopic := range l.votes {
		for topicID := range byTopic {
			seen[topicID] = struct{}{}
		}
	}
	l.mu.RUnlock()
	return sortedSet(seen)
}

// Len returns the number of current votes.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, byTopic := range l.votes {
		n += len(byTopic)
	}
	return n
}

func (l *Ledger) userIDs() []string {
	l.mu.RLock()
	ids := make([]string, 0, len(l.votes))
	for userID := range l.votes {
		ids = append(ids, userID)
	}
	l.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
