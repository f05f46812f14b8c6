// Package search provides full-text search over the audit trail, backed by
// Meilisearch with a PostgreSQL full-text fallback.
package search

import (
	"time"

	"tallyhall/api/internal/audit"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID             string    `json:"id"`
	Seq            uint64    `json:"seq"`
	TopicID        string    `json:"topicId"`
	UserID         string    `json:"userId"`
	Action         string    `json:"action"`
	OldCandidateID string    `json:"oldCandidateId,omitempty"`
	NewCandidateID string    `json:"newCandidateId,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Snippet        string    `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text    string
	TopicID string // empty = all topics
	Action  string // empty = all actions
	Limit   int
	Offset  int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// AuditRecord is the document we index for one audit entry.
type AuditRecord struct {
	ID                 string  `json:"id"`
	Seq                uint64  `json:"seq"`
	RecordedAt         int64   `json:"recordedAt"`
	UserID             string  `json:"userId"`
	TopicID            string  `json:"topicId"`
	Action             string  `json:"action"`
	OldCandidateID     string  `json:"oldCandidateId"`
	NewCandidateID     string  `json:"newCandidateId"`
	Reliability        float64 `json:"reliability"`
	ReconciliationHash string  `json:"reconciliationHash"`
	Source             string  `json:"source"`
	Nonce              string  `json:"nonce"`
}

func recordFromEntry(e audit.Entry) AuditRecord {
	return AuditRecord{
		ID:                 e.ID,
		Seq:                e.Seq,
		RecordedAt:         e.Timestamp.UnixNano(),
		UserID:             e.UserID,
		TopicID:            e.TopicID,
		Action:             string(e.Action),
		OldCandidateID:     e.OldCandidateID,
		NewCandidateID:     e.NewCandidateID,
		Reliability:        e.Metadata.Reliability,
		ReconciliationHash: e.Metadata.ReconciliationHash,
		Source:             e.Metadata.Source,
		Nonce:              e.Metadata.Nonce,
	}
}

func (r AuditRecord) entry() audit.Entry {
	return audit.Entry{
		Seq:            r.Seq,
		ID:             r.ID,
		Timestamp:      time.Unix(0, r.RecordedAt).UTC(),
		UserID:         r.UserID,
		TopicID:        r.TopicID,
		Action:         audit.Action(r.Action),
		OldCandidateID: r.OldCandidateID,
		NewCandidateID: r.NewCandidateID,
		Metadata: audit.Metadata{
			Reliability:        r.Reliability,
			ReconciliationHash: r.ReconciliationHash,
			Source:             r.Source,
			Nonce:              r.Nonce,
		},
	}
}

func (r AuditRecord) result(snippet string) Result {
	return Result{
		ID:             r.ID,
		Seq:            r.Seq,
		TopicID:        r.TopicID,
		UserID:         r.UserID,
		Action:         r.Action,
		OldCandidateID: r.OldCandidateID,
		NewCandidateID: r.NewCandidateID,
		Timestamp:      time.Unix(0, r.RecordedAt).UTC(),
		Snippet:        snippet,
	}
}

// describe renders the searchable summary line for an entry.
func (r AuditRecord) describe() string {
	switch audit.Action(r.Action) {
	case audit.ActionVoteSwitch:
		return r.UserID + " switched " + r.OldCandidateID + " -> " + r.NewCandidateID
	case audit.ActionRevoke:
		return r.UserID + " revoked " + r.OldCandidateID
	case audit.ActionMockDataAdded:
		return "base counts seeded by " + r.UserID
	default:
		return r.UserID + " voted " + r.NewCandidateID
	}
}
