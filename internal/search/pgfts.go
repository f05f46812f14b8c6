package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PgFTS implements Searcher using PostgreSQL full-text search over
// audit_entries as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; the journal database is a hard dependency.
func (p *PgFTS) Healthy() bool {
	return true
}

const auditDocument = `to_tsvector('simple', a.user_id || ' ' || a.topic_id || ' ' || a.action || ' ' || a.old_candidate_id || ' ' || a.new_candidate_id || ' ' || coalesce(a.metadata->>'source', ''))`

// Search matches entries with plainto_tsquery and ranks them with ts_rank.
// An empty text lists the newest entries that pass the filters.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	var (
		where []string
		args  []any
		rank  = "0::real"
	)
	if text := strings.TrimSpace(q.Text); text != "" {
		args = append(args, text)
		tsQuery := fmt.Sprintf("plainto_tsquery('simple', $%d)", len(args))
		where = append(where, auditDocument+" @@ "+tsQuery)
		rank = fmt.Sprintf("ts_rank(%s, %s)", auditDocument, tsQuery)
	}
	if q.TopicID != "" {
		args = append(args, q.TopicID)
		where = append(where, fmt.Sprintf("a.topic_id = $%d", len(args)))
	}
	if q.Action != "" {
		args = append(args, q.Action)
		where = append(where, fmt.Sprintf("a.action = $%d", len(args)))
	}
	whereSQL := ""
	if len(where) > 0 {
		whereSQL = "WHERE " + strings.Join(where, " AND ")
	}

	ctx := context.Background()

	var total int
	countSQL := fmt.Sprintf("SELECT count(*) FROM audit_entries a %s", whereSQL)
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT a.id, a.seq, a.recorded_at, a.user_id, a.topic_id, a.action, a.old_candidate_id, a.new_candidate_id
		FROM audit_entries a
		%s
		ORDER BY %s DESC, a.seq DESC
		LIMIT %d OFFSET %d`, whereSQL, rank, limit, offset)
	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			rec AuditRecord
			seq int64
			at  time.Time
		)
		if err := rows.Scan(&rec.ID, &seq, &at, &rec.UserID, &rec.TopicID, &rec.Action, &rec.OldCandidateID, &rec.NewCandidateID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		rec.Seq = uint64(seq)
		rec.RecordedAt = at.UnixNano()
		results = append(results, rec.result(rec.describe()))
	}
	return results, total, rows.Err()
}
