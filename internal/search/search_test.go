package search

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tallyhall/api/internal/audit"
)

type fakeSearcher struct {
	healthy bool
	results []Result
	err     error
	calls   int
}

func (f *fakeSearcher) Search(Query) ([]Result, int, error) {
	f.calls++
	return f.results, len(f.results), f.err
}

func (f *fakeSearcher) Healthy() bool { return f.healthy }

func TestServicePrefersHealthyPrimary(t *testing.T) {
	primary := &fakeSearcher{healthy: true, results: []Result{{ID: "p"}}}
	fallback := &fakeSearcher{healthy: true, results: []Result{{ID: "f"}}}

	resp := NewService(primary, fallback, nil).Search(Query{Text: "u1"})
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "p", resp.Results[0].ID)
	assert.Equal(t, 0, fallback.calls)
	assert.Equal(t, "u1", resp.Query)
}

func TestServiceFallsBack(t *testing.T) {
	tests := []struct {
		name    string
		primary Searcher
	}{
		{name: "no primary", primary: nil},
		{name: "unhealthy primary", primary: &fakeSearcher{healthy: false}},
		{name: "primary error", primary: &fakeSearcher{healthy: true, err: errors.New("boom")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fallback := &fakeSearcher{healthy: true, results: []Result{{ID: "f"}}}
			resp := NewService(tt.primary, fallback, nil).Search(Query{Text: "x"})
			require.Len(t, resp.Results, 1)
			assert.Equal(t, "f", resp.Results[0].ID)
		})
	}
}

func TestServiceNeverReturnsNilResults(t *testing.T) {
	resp := NewService(nil, &fakeSearcher{healthy: true, err: errors.New("down")}, nil).Search(Query{})
	assert.NotNil(t, resp.Results)
	assert.Equal(t, 0, resp.Total)

	resp = NewService(nil, nil, nil).Search(Query{})
	assert.NotNil(t, resp.Results)
}

func TestAuditRecordPreservesEntry(t *testing.T) {
	entry := audit.Entry{
		Seq:            7,
		ID:             "a-7",
		Timestamp:      time.Date(2026, 2, 3, 4, 5, 6, 789, time.UTC),
		UserID:         "u1",
		TopicID:        "t1",
		Action:         audit.ActionVoteSwitch,
		OldCandidateID: "A",
		NewCandidateID: "B",
		Metadata:       audit.Metadata{Reliability: 0.75, ReconciliationHash: "abc", Nonce: "n"},
	}
	assert.Equal(t, entry, recordFromEntry(entry).entry())
}

func TestHitToResultUsesHighlights(t *testing.T) {
	rec := recordFromEntry(audit.Entry{
		Seq:            3,
		ID:             "a-3",
		Timestamp:      time.Unix(10, 0).UTC(),
		UserID:         "alice",
		TopicID:        "t1",
		Action:         audit.ActionVoteSwitch,
		OldCandidateID: "A",
		NewCandidateID: "B",
	})
	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	var hit meili.Hit
	require.NoError(t, json.Unmarshal(raw, &hit))
	hit["_formatted"] = json.RawMessage(`{"userId":"<mark>alice</mark>","oldCandidateId":"A","newCandidateId":"B","action":"<mark>VOTE_SWITCH</mark>"}`)

	res, err := hitToResult(hit)
	require.NoError(t, err)
	assert.Equal(t, "a-3", res.ID)
	assert.Equal(t, uint64(3), res.Seq)
	assert.Equal(t, "VOTE_SWITCH", res.Action)
	assert.Equal(t, "<mark>alice</mark> switched A -> B", res.Snippet)
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		rec  AuditRecord
		want string
	}{
		{AuditRecord{UserID: "u", Action: "NEW_VOTE", NewCandidateID: "A"}, "u voted A"},
		{AuditRecord{UserID: "u", Action: "IDEMPOTENT_VOTE", NewCandidateID: "A"}, "u voted A"},
		{AuditRecord{UserID: "u", Action: "REVOKE", OldCandidateID: "A"}, "u revoked A"},
		{AuditRecord{UserID: "op", Action: "MOCK_DATA_ADDED"}, "base counts seeded by op"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.rec.describe())
	}
}
