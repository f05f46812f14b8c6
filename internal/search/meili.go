package search

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"

	"tallyhall/api/internal/audit"
)

const idxAudit = "tallyhall_audit"

var _ audit.Index = (*Meili)(nil)

// Meili implements Searcher and audit.Index via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	logger  *zap.Logger
}

// NewMeili creates a Meilisearch client and configures the audit index.
// The returned client starts unhealthy when the initial connection fails;
// the health loop picks it up once the server is reachable.
func NewMeili(url, apiKey string, logger *zap.Logger) *Meili {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		done:   make(chan struct{}),
		logger: logger,
	}

	if _, err := m.client.Health(); err != nil {
		logger.Warn("search: meilisearch unavailable", zap.String("url", url), zap.Error(err))
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxAudit,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debug("search: create index (may already exist)", zap.String("index", idxAudit), zap.Error(err))
	}

	index := m.client.Index(idxAudit)
	filterable := []interface{}{"topicId", "userId", "action"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("search: update filterable attrs", zap.Error(err))
	}
	sortable := []string{"seq", "recordedAt"}
	if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
		m.logger.Warn("search: update sortable attrs", zap.Error(err))
	}
	searchable := []string{"userId", "topicId", "oldCandidateId", "newCandidateId", "action", "source"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("search: update searchable attrs", zap.Error(err))
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// IndexEntries adds or replaces audit entries in the index.
func (m *Meili) IndexEntries(entries []audit.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	records := make([]AuditRecord, 0, len(entries))
	for _, e := range entries {
		records = append(records, recordFromEntry(e))
	}
	_, err := m.client.Index(idxAudit).AddDocuments(records, nil)
	return err
}

// Query returns a topic's entries newest first.
func (m *Meili) Query(topicID string, limit int) ([]audit.Entry, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}
	if limit <= 0 {
		limit = 1000
	}
	req := &meili.SearchRequest{
		IndexUID: idxAudit,
		Limit:    int64(limit),
		Sort:     []string{"seq:desc"},
	}
	if topicID != "" {
		req.Filter = []string{fmt.Sprintf("topicId = %q", topicID)}
	}
	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: []*meili.SearchRequest{req}})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch query: %w", err)
	}

	entries := make([]audit.Entry, 0)
	for _, sr := range resp.Results {
		for _, hit := range sr.Hits {
			rec, err := decodeRecord(hit)
			if err != nil {
				return nil, err
			}
			entries = append(entries, rec.entry())
		}
	}
	return entries, nil
}

// Search runs a full-text query over the audit index.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}
	sr := &meili.SearchRequest{
		IndexUID:              idxAudit,
		Query:                 q.Text,
		Limit:                 limit,
		Offset:                int64(q.Offset),
		AttributesToHighlight: []string{"*"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
		ShowRankingScore:      true,
	}
	var filters []string
	if q.TopicID != "" {
		filters = append(filters, fmt.Sprintf("topicId = %q", q.TopicID))
	}
	if q.Action != "" {
		filters = append(filters, fmt.Sprintf("action = %q", q.Action))
	}
	if len(filters) > 0 {
		sr.Filter = filters
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: []*meili.SearchRequest{sr}})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, r := range resp.Results {
		total += int(r.EstimatedTotalHits)
		for _, hit := range r.Hits {
			res, err := hitToResult(hit)
			if err != nil {
				return nil, 0, err
			}
			results = append(results, res)
		}
	}
	return results, total, nil
}

func decodeRecord(hit meili.Hit) (AuditRecord, error) {
	raw, err := json.Marshal(hit)
	if err != nil {
		return AuditRecord{}, fmt.Errorf("encode hit: %w", err)
	}
	var rec AuditRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return AuditRecord{}, fmt.Errorf("decode hit: %w", err)
	}
	return rec, nil
}

func hitToResult(hit meili.Hit) (Result, error) {
	rec, err := decodeRecord(hit)
	if err != nil {
		return Result{}, err
	}
	snippet := rec.describe()
	if formatted := decodeFormatted(hit); formatted != nil {
		formatted.Action = rec.Action
		snippet = formatted.describe()
	}
	return rec.result(snippet), nil
}

// decodeFormatted reads the highlighted copy Meilisearch returns under
// _formatted, if any.
func decodeFormatted(hit meili.Hit) *AuditRecord {
	raw, ok := hit["_formatted"]
	if !ok {
		return nil
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return nil
	}
	rec := AuditRecord{
		UserID:         formattedString(formatted, "userId"),
		OldCandidateID: formattedString(formatted, "oldCandidateId"),
		NewCandidateID: formattedString(formatted, "newCandidateId"),
	}
	if rec.UserID == "" {
		return nil
	}
	return &rec
}

func formattedString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}
