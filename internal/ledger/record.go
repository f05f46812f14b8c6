// Package ledger holds the authoritative vote ledger and the state derived
// from it: per-topic tallies and the reconciliation checks between the two.
//
// The Ledger is the single source of truth for "who voted for what, when".
// The Tally is a cache: it can always be rebuilt from the Ledger plus the
// immutable base counts seeded per candidate.
package ledger

import (
	"encoding/json"
	"time"
)

// Status tracks whether a vote has been anchored in the external store.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCommitted Status = "committed"
	StatusFailed    Status = "failed"
)

// Location is an opaque, privacy-tagged position attached to a vote. The
// ledger never interprets Data; it is sanitized upstream for PrivacyLevel.
type Location struct {
	Data         json.RawMessage `json:"data,omitempty"`
	PrivacyLevel string          `json:"privacy_level,omitempty"`
	Region       string          `json:"region,omitempty"`
}

// VoteRecord is one user's current vote on one topic.
type VoteRecord struct {
	UserID      string    `json:"user_id"`
	TopicID     string    `json:"topic_id"`
	CandidateID string    `json:"candidate_id"`
	Timestamp   time.Time `json:"timestamp"`
	Reliability float64   `json:"reliability"`
	VoteType    string    `json:"vote_type,omitempty"`
	Location    *Location `json:"location,omitempty"`
	CommitRef   string    `json:"commit_ref,omitempty"`
	Status      Status    `json:"status"`
}

// ClampReliability bounds a reliability score to [0, 1].
func ClampReliability(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
