package vote

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"tallyhall/api/internal/audit"
	"tallyhall/api/internal/envelope"
	"tallyhall/api/internal/ledger"
)

// Snapshot is the durable state loaded at startup.
type Snapshot struct {
	Votes      []ledger.VoteRecord
	BaseCounts map[string]map[string]int
	Totals     []ledger.Totals
	Audit      []audit.Entry
	Steps      map[envelope.ScopeKey]int64
}

// Restore loads a snapshot into empty stores and rebuilds every tally from
// the ledger. Persisted totals that disagree with the rebuild are logged;
// the rebuild wins.
func (c *Coordinator) Restore(ctx context.Context, snap Snapshot, steps *envelope.StepCounter) error {
	if c.ledger.Len() > 0 {
		return errors.New("restore: ledger is not empty")
	}

	for topicID, counts := range snap.BaseCounts {
		if len(counts) == 0 {
			continue
		}
		if err := c.tally.SeedBase(topicID, counts); err != nil {
			return fmt.Errorf("restore base counts for %s: %w", topicID, err)
		}
	}
	for _, rec := range snap.Votes {
		c.ledger.Set(rec.UserID, rec.TopicID, rec)
	}
	c.audit.Log().Restore(snap.Audit)
	if steps != nil {
		for key, last := range snap.Steps {
			steps.Reset(key, last)
		}
	}

	persisted := make(map[string]ledger.Totals, len(snap.Totals))
	for _, totals := range snap.Totals {
		persisted[totals.TopicID] = totals
	}

	c.rebuildMu.Lock()
	defer c.rebuildMu.Unlock()
	for _, topicID := range c.Topics() {
		if err := ctx.Err(); err != nil {
			return err
		}
		rebuilt := c.tally.Rebuild(topicID, c.ledger.VotersForTopic(topicID))
		if saved, ok := persisted[topicID]; ok && !saved.SameCounts(rebuilt) {
			c.logger.Warn("persisted totals differ from ledger rebuild",
				zap.String("topic_id", topicID),
				zap.Int("persisted_total", saved.TotalVotes),
				zap.Int("rebuilt_total", rebuilt.TotalVotes),
			)
		}
	}

	c.logger.Info("state restored",
		zap.Int("votes", len(snap.Votes)),
		zap.Int("audit_entries", len(snap.Audit)),
		zap.Int("scopes", len(snap.Steps)),
	)
	return nil
}
