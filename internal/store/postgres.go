package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"tallyhall/api/internal/audit"
	"tallyhall/api/internal/envelope"
	"tallyhall/api/internal/ledger"
	"tallyhall/api/internal/vote"
)

// PostgresStore is the durable journal behind the in-memory ledger, tally
// and audit log.
type PostgresStore struct {
	db *sql.DB
}

var _ vote.Journal = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) SaveVote(ctx context.Context, rec ledger.VoteRecord) error {
	var location []byte
	if rec.Location != nil {
		encoded, err := json.Marshal(rec.Location)
		if err != nil {
			return fmt.Errorf("encode location: %w", err)
		}
		location = encoded
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vote_records (user_id, topic_id, candidate_id, voted_at, reliability, vote_type, location, commit_ref, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (user_id, topic_id) DO UPDATE SET
			candidate_id=EXCLUDED.candidate_id,
			voted_at=EXCLUDED.voted_at,
			reliability=EXCLUDED.reliability,
			vote_type=EXCLUDED.vote_type,
			location=EXCLUDED.location,
			commit_ref=EXCLUDED.commit_ref,
			status=EXCLUDED.status,
			updated_at=NOW()
	`, rec.UserID, rec.TopicID, rec.CandidateID, rec.Timestamp, rec.Reliability, rec.VoteType, location, rec.CommitRef, string(rec.Status))
	if err != nil {
		return fmt.Errorf("save vote: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteVote(ctx context.Context, userID, topicID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM vote_records WHERE user_id=$1 AND topic_id=$2`, userID, topicID); err != nil {
		return fmt.Errorf("delete vote: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListVotes(ctx context.Context) ([]ledger.VoteRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, topic_id, candidate_id, voted_at, reliability, vote_type, COALESCE(location::text, ''), commit_ref, status
		FROM vote_records
		ORDER BY topic_id, user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()

	items := make([]ledger.VoteRecord, 0)
	for rows.Next() {
		var (
			item     ledger.VoteRecord
			location string
			status   string
		)
		if err := rows.Scan(
			&item.UserID,
			&item.TopicID,
			&item.CandidateID,
			&item.Timestamp,
			&item.Reliability,
			&item.VoteType,
			&location,
			&item.CommitRef,
			&status,
		); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		item.Status = ledger.Status(status)
		item.Timestamp = item.Timestamp.UTC()
		if location != "" {
			var loc ledger.Location
			if err := json.Unmarshal([]byte(location), &loc); err != nil {
				return nil, fmt.Errorf("decode location for %s/%s: %w", item.UserID, item.TopicID, err)
			}
			item.Location = &loc
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate votes: %w", err)
	}
	return items, nil
}

// AppendAudit inserts an entry once; replays of the same seq are ignored.
func (s *PostgresStore) AppendAudit(ctx context.Context, entry audit.Entry) error {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("encode audit metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (seq, id, recorded_at, user_id, topic_id, action, old_candidate_id, new_candidate_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)
		ON CONFLICT (seq) DO NOTHING
	`, int64(entry.Seq), entry.ID, entry.Timestamp, entry.UserID, entry.TopicID, string(entry.Action), entry.OldCandidateID, entry.NewCandidateID, string(metadata))
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// ListAudit returns entries with seq > afterSeq in sequence order. A limit
// <= 0 returns everything.
func (s *PostgresStore) ListAudit(ctx context.Context, afterSeq uint64, limit int) ([]audit.Entry, error) {
	query := `
		SELECT seq, id, recorded_at, user_id, topic_id, action, old_candidate_id, new_candidate_id, metadata::text
		FROM audit_entries
		WHERE seq > $1
		ORDER BY seq ASC
	`
	args := []any{int64(afterSeq)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	items := make([]audit.Entry, 0)
	for rows.Next() {
		var (
			item     audit.Entry
			seq      int64
			action   string
			metadata string
		)
		if err := rows.Scan(
			&seq,
			&item.ID,
			&item.Timestamp,
			&item.UserID,
			&item.TopicID,
			&action,
			&item.OldCandidateID,
			&item.NewCandidateID,
			&metadata,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		item.Seq = uint64(seq)
		item.Action = audit.Action(action)
		item.Timestamp = item.Timestamp.UTC()
		if err := json.Unmarshal([]byte(metadata), &item.Metadata); err != nil {
			return nil, fmt.Errorf("decode audit metadata %s: %w", item.ID, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SaveTotals(ctx context.Context, totals ledger.Totals) error {
	candidates, err := json.Marshal(totals.Candidates)
	if err != nil {
		return fmt.Errorf("encode candidates: %w", err)
	}
	lastUpdated := totals.LastUpdated
	if lastUpdated.IsZero() {
		lastUpdated = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tally_totals (topic_id, total_votes, candidates, last_updated)
		VALUES ($1, $2, $3::jsonb, $4)
		ON CONFLICT (topic_id) DO UPDATE SET
			total_votes=EXCLUDED.total_votes,
			candidates=EXCLUDED.candidates,
			last_updated=EXCLUDED.last_updated
	`, totals.TopicID, totals.TotalVotes, string(candidates), lastUpdated)
	if err != nil {
		return fmt.Errorf("save totals: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTotals(ctx context.Context) ([]ledger.Totals, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT topic_id, total_votes, candidates::text, last_updated FROM tally_totals ORDER BY topic_id`)
	if err != nil {
		return nil, fmt.Errorf("list totals: %w", err)
	}
	defer rows.Close()

	items := make([]ledger.Totals, 0)
	for rows.Next() {
		var (
			item       ledger.Totals
			candidates string
		)
		if err := rows.Scan(&item.TopicID, &item.TotalVotes, &candidates, &item.LastUpdated); err != nil {
			return nil, fmt.Errorf("scan totals: %w", err)
		}
		item.Candidates = map[string]int{}
		if err := json.Unmarshal([]byte(candidates), &item.Candidates); err != nil {
			return nil, fmt.Errorf("decode candidates for %s: %w", item.TopicID, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate totals: %w", err)
	}
	return items, nil
}

// SaveBaseCounts never overwrites an existing base count.
func (s *PostgresStore) SaveBaseCounts(ctx context.Context, topicID string, counts map[string]int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin base counts tx: %w", err)
	}
	for candidateID, count := range counts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO base_counts (topic_id, candidate_id, count)
			VALUES ($1, $2, $3)
			ON CONFLICT (topic_id, candidate_id) DO NOTHING
		`, topicID, candidateID, count); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("save base count %s/%s: %w", topicID, candidateID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit base counts: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBaseCounts(ctx context.Context) (map[string]map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT topic_id, candidate_id, count FROM base_counts`)
	if err != nil {
		return nil, fmt.Errorf("list base counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]int)
	for rows.Next() {
		var (
			topicID, candidateID string
			count                int
		)
		if err := rows.Scan(&topicID, &candidateID, &count); err != nil {
			return nil, fmt.Errorf("scan base count: %w", err)
		}
		if out[topicID] == nil {
			out[topicID] = make(map[string]int)
		}
		out[topicID][candidateID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate base counts: %w", err)
	}
	return out, nil
}

// SaveStep only moves a scope's last step forward, so an older write that
// lands late cannot rewind it.
func (s *PostgresStore) SaveStep(ctx context.Context, key envelope.ScopeKey, step int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scope_steps (repo_id, branch_id, scope_type, last_step, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (repo_id, branch_id, scope_type) DO UPDATE SET
			last_step=GREATEST(scope_steps.last_step, EXCLUDED.last_step),
			updated_at=NOW()
	`, key.RepoID, key.BranchID, key.ScopeType, step)
	if err != nil {
		return fmt.Errorf("save step: %w", err)
	}
	return nil
}

// ResetStep sets the last step unconditionally; it backs the operator reset.
func (s *PostgresStore) ResetStep(ctx context.Context, key envelope.ScopeKey, step int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scope_steps (repo_id, branch_id, scope_type, last_step, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (repo_id, branch_id, scope_type) DO UPDATE SET
			last_step=EXCLUDED.last_step,
			updated_at=NOW()
	`, key.RepoID, key.BranchID, key.ScopeType, step)
	if err != nil {
		return fmt.Errorf("reset step: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSteps(ctx context.Context) (map[envelope.ScopeKey]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT repo_id, branch_id, scope_type, last_step FROM scope_steps`)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	out := make(map[envelope.ScopeKey]int64)
	for rows.Next() {
		var (
			key  envelope.ScopeKey
			last int64
		)
		if err := rows.Scan(&key.RepoID, &key.BranchID, &key.ScopeType, &last); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		out[key] = last
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return out, nil
}

// LoadSnapshot reads everything the coordinator needs to restart.
func (s *PostgresStore) LoadSnapshot(ctx context.Context) (vote.Snapshot, error) {
	var (
		snap vote.Snapshot
		err  error
	)
	if snap.Votes, err = s.ListVotes(ctx); err != nil {
		return vote.Snapshot{}, err
	}
	if snap.BaseCounts, err = s.ListBaseCounts(ctx); err != nil {
		return vote.Snapshot{}, err
	}
	if snap.Totals, err = s.ListTotals(ctx); err != nil {
		return vote.Snapshot{}, err
	}
	if snap.Audit, err = s.ListAudit(ctx, 0, 0); err != nil {
		return vote.Snapshot{}, err
	}
	if snap.Steps, err = s.ListSteps(ctx); err != nil {
		return vote.Snapshot{}, err
	}
	return snap, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
