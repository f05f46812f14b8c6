package vote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tallyhall/api/internal/anchor"
	"tallyhall/api/internal/audit"
	"tallyhall/api/internal/envelope"
	"tallyhall/api/internal/ledger"
	"tallyhall/api/internal/notify"
)

const (
	operatorActor = "tallyhall-operator"
	rebuildLimit  = 8
)

// RebuildTallyFromLedger recomputes the cached totals of topicID, or of
// every known topic when topicID is empty, from base counts plus the unique
// current voters in the ledger. A named topic with no votes, base counts or
// cached totals is a validation error.
func (c *Coordinator) RebuildTallyFromLedger(ctx context.Context, topicID string) ([]Result, error) {
	topics := c.Topics()
	if topicID = strings.TrimSpace(topicID); topicID != "" {
		if !slices.Contains(topics, topicID) {
			return nil, newError(KindValidation, "topic "+topicID+" is not known", ErrUnknownTopic)
		}
		topics = []string{topicID}
	}

	c.rebuildMu.Lock()
	rebuilt := make([]ledger.Totals, len(topics))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rebuildLimit)
	for i, topic := range topics {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rebuilt[i] = c.tally.Rebuild(topic, c.ledger.VotersForTopic(topic))
			return nil
		})
	}
	err := g.Wait()
	c.rebuildMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("rebuild tally: %w", err)
	}

	results := make([]Result, 0, len(topics))
	var anchorErrs []error
	for _, totals := range rebuilt {
		res := Result{
			Action:             ActionRebuild,
			Applied:            true,
			TopicID:            totals.TopicID,
			Totals:             totals,
			ReconciliationHash: ledger.HashTotals(totals),
		}
		c.journalDo(ctx, "save_totals", func(j Journal) error { return j.SaveTotals(ctx, totals) })
		c.logger.Info("tally rebuilt",
			zap.String("topic_id", totals.TopicID),
			zap.Int("total_votes", totals.TotalVotes),
			zap.String("reconciliation_hash", res.ReconciliationHash),
		)

		content, err := snapshotFile(anchor.TallyFilePath(totals.TopicID), totals)
		if err != nil {
			return results, err
		}
		receipt, err := c.anchor(ctx, anchor.Request{
			ScopeType: c.opts.ScopeType,
			Class:     envelope.ClassOperatorRun,
			Payload: envelope.OperatorRun{
				Operator: "rebuild_tally",
				RowIDs:   []string{totals.TopicID},
				Params:   map[string]string{"total_votes": strconv.Itoa(totals.TotalVotes)},
				Summary:  res.ReconciliationHash,
			},
			Actor:   envelope.Actor{ActorID: operatorActor, ActorKind: "operator"},
			Files:   []anchor.File{content},
			Message: "REBUILD " + totals.TopicID,
		})
		var anchorErr error
		res.Anchor, anchorErr = c.settleAnchor(ctx, receipt, err)
		if anchorErr != nil {
			anchorErrs = append(anchorErrs, anchorErr)
		}
		c.finish(ctx, &res, notify.EventRebuild, "")
		results = append(results, res)
	}
	return results, errors.Join(anchorErrs...)
}

// SeedBaseCounts installs immutable base counts for a topic. A candidate
// that already has a base count cannot be seeded again.
func (c *Coordinator) SeedBaseCounts(ctx context.Context, topicID string, counts map[string]int, source string) (Result, error) {
	topicID = strings.TrimSpace(topicID)
	if topicID == "" {
		return Result{}, newError(KindValidation, "topic_id is required", nil)
	}
	if len(counts) == 0 {
		return Result{}, newError(KindValidation, "counts are required", nil)
	}
	candidates := make([]string, 0, len(counts))
	for candidateID, count := range counts {
		if strings.TrimSpace(candidateID) == "" {
			return Result{}, newError(KindValidation, "candidate_id is required", nil)
		}
		if count < 0 {
			return Result{}, newError(KindValidation, fmt.Sprintf("base count for %s is negative", candidateID), nil)
		}
		candidates = append(candidates, candidateID)
	}
	sort.Strings(candidates)
	if source == "" {
		source = "seed"
	}

	c.rebuildMu.RLock()
	err := c.tally.SeedBase(topicID, counts)
	var (
		totals ledger.Totals
		entry  audit.Entry
	)
	if err == nil {
		totals = c.tally.Get(topicID)
		entry = c.appendAudit(ctx, audit.Entry{
			UserID:  operatorActor,
			TopicID: topicID,
			Action:  audit.ActionMockDataAdded,
			Metadata: audit.Metadata{
				Reliability:        1,
				ReconciliationHash: ledger.HashTotals(totals),
				Source:             source,
			},
		})
	}
	c.rebuildMu.RUnlock()
	if err != nil {
		if errors.Is(err, ledger.ErrBaseCountExists) {
			return Result{}, newError(KindValidation, "base count already seeded", err)
		}
		return Result{}, newError(KindValidation, "seed base counts", err)
	}

	base := c.tally.BaseCounts(topicID)
	c.journalDo(ctx, "save_base_counts", func(j Journal) error { return j.SaveBaseCounts(ctx, topicID, base) })
	c.journalDo(ctx, "save_totals", func(j Journal) error { return j.SaveTotals(ctx, totals) })
	c.metrics.VoteProcessed(string(ActionSeed))

	res := Result{
		Action:             ActionSeed,
		Applied:            true,
		TopicID:            topicID,
		Totals:             totals,
		ReconciliationHash: entry.Metadata.ReconciliationHash,
		AuditEntry:         &entry,
	}

	content, err := snapshotFile(anchor.BaseFilePath(topicID), base)
	if err != nil {
		return res, err
	}
	receipt, err := c.anchor(ctx, anchor.Request{
		ScopeType: c.opts.ScopeType,
		Class:     envelope.ClassRangeEdit,
		Payload: envelope.RangeEdit{
			Operation: "seed_base_counts",
			RowIDs:    candidates,
		},
		Actor:   envelope.Actor{ActorID: operatorActor, ActorKind: "operator"},
		Files:   []anchor.File{content},
		Message: "SEED " + topicID,
	})
	var anchorErr error
	res.Anchor, anchorErr = c.settleAnchor(ctx, receipt, err)
	c.finish(ctx, &res, notify.EventSeed, "")
	return res, anchorErr
}

// Reconcile compares the cached totals of a topic with a fresh rebuild.
func (c *Coordinator) Reconcile(topicID string) ledger.LedgerReport {
	report := c.checker.VerifyAgainstLedger(topicID)
	c.metrics.ReconciliationChecked(topicID, report.Consistent())
	return report
}

// ReconcileAll checks every known topic.
func (c *Coordinator) ReconcileAll() []ledger.LedgerReport {
	topics := c.Topics()
	reports := make([]ledger.LedgerReport, 0, len(topics))
	for _, topicID := range topics {
		reports = append(reports, c.Reconcile(topicID))
	}
	return reports
}

// ReconciliationHash is the digest of the cached totals of a topic.
func (c *Coordinator) ReconciliationHash(topicID string) string {
	return c.checker.Hash(topicID)
}

func snapshotFile(path string, v any) (anchor.File, error) {
	content, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return anchor.File{}, fmt.Errorf("marshal %s: %w", path, err)
	}
	return anchor.File{Path: path, Content: append(content, '\n')}, nil
}
