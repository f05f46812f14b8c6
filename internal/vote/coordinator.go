// Package vote implements the coordinator that turns vote submissions into
// ledger, tally and audit changes, anchors them externally and reports the
// outcome.
//
// A submission is serialized per (user, topic). Inside that critical section
// the coordinator reads the current vote, decides between a new vote, a
// switch and an idempotent repeat, writes the ledger, moves the tally and
// appends the audit entry and takes its turn in the key's anchoring queue.
// Anchoring runs after the lock is released, in the order the changes were
// applied, and never rolls the in-memory change back.
package vote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"tallyhall/api/internal/anchor"
	"tallyhall/api/internal/audit"
	"tallyhall/api/internal/auth"
	"tallyhall/api/internal/envelope"
	"tallyhall/api/internal/ledger"
	"tallyhall/api/internal/notify"
)

type Action string

const (
	ActionNew        Action = "NEW_VOTE"
	ActionSwitch     Action = "VOTE_SWITCH"
	ActionIdempotent Action = "IDEMPOTENT"
	ActionRevoke     Action = "REVOKE"
	ActionRebuild    Action = "REBUILD"
	ActionSeed       Action = "SEED"
)

type AnchorStatus string

const (
	AnchorCommitted  AnchorStatus = "committed"
	AnchorUnanchored AnchorStatus = "unanchored"
	AnchorFailed     AnchorStatus = "failed"
	AnchorHalted     AnchorStatus = "halted"
	AnchorSkipped    AnchorStatus = "skipped"
)

// AnchorResult reports the anchoring outcome separately from the vote.
type AnchorResult struct {
	Status       AnchorStatus `json:"status"`
	CommitRef    string       `json:"commit_ref,omitempty"`
	Step         int64        `json:"step,omitempty"`
	SelectionID  string       `json:"selection_id,omitempty"`
	EnvelopeHash string       `json:"envelope_sha256,omitempty"`
	Attempts     int          `json:"attempts,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// Result is returned by every mutating coordinator operation. Applied is
// false when nothing changed (an idempotent vote or a revoke without a
// vote).
type Result struct {
	Action              Action            `json:"action"`
	Applied             bool              `json:"applied"`
	TopicID             string            `json:"topic_id"`
	Record              ledger.VoteRecord `json:"record"`
	PreviousCandidateID string            `json:"previous_candidate_id,omitempty"`
	Totals              ledger.Totals     `json:"totals"`
	ReconciliationHash  string            `json:"reconciliation_hash"`
	AuditEntry          *audit.Entry      `json:"audit_entry,omitempty"`
	Anchor              AnchorResult      `json:"anchor"`
	Reconciliation      ledger.Report     `json:"reconciliation"`
}

// Request is one vote submission.
type Request struct {
	UserID      string           `json:"user_id"`
	TopicID     string           `json:"topic_id"`
	CandidateID string           `json:"candidate_id"`
	Reliability float64          `json:"reliability"`
	VoteType    string           `json:"vote_type,omitempty"`
	Location    *ledger.Location `json:"location,omitempty"`
	Nonce       string           `json:"nonce,omitempty"`
	Signature   *auth.Signature  `json:"signature,omitempty"`
	Source      string           `json:"source,omitempty"`
}

type Options struct {
	// ScopeType names the anchoring step sequence used for every change.
	ScopeType string
	// AllowUnanchored accepts a vote whose anchoring exhausted its retries
	// instead of reporting an AnchoringError.
	AllowUnanchored bool
	// RequireSignature rejects submissions that carry no signature.
	RequireSignature bool
}

// Deps are the stores and collaborators of a Coordinator. Ledger, Tally and
// Audit are created empty when nil; every other dependency is optional.
type Deps struct {
	Ledger     *ledger.Ledger
	Tally      *ledger.Tally
	Audit      *audit.Service
	Anchorer   Anchorer
	Replay     ReplayGuard
	Signatures SignatureVerifier
	Regions    RegionResolver
	Sanitizer  LocationSanitizer
	Journal    Journal
	Publisher  Publisher
	Alerter    Alerter
	Metrics    Metrics
	Logger     *zap.Logger
	Now        func() time.Time
}

type Coordinator struct {
	ledger     *ledger.Ledger
	tally      *ledger.Tally
	checker    *ledger.Checker
	audit      *audit.Service
	anchorer   Anchorer
	replay     ReplayGuard
	signatures SignatureVerifier
	regions    RegionResolver
	sanitizer  LocationSanitizer
	journal    Journal
	publisher  Publisher
	alerter    Alerter
	metrics    Metrics
	logger     *zap.Logger
	now        func() time.Time
	opts       Options

	locks *keyLocks
	// rebuildMu is held shared by mutations and exclusively by rebuilds, so
	// a rebuild never observes a ledger write whose tally move is pending.
	rebuildMu sync.RWMutex
}

func New(deps Deps, opts Options) *Coordinator {
	if deps.Ledger == nil {
		deps.Ledger = ledger.NewLedger()
	}
	if deps.Tally == nil {
		deps.Tally = ledger.NewTally()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Audit == nil {
		deps.Audit = audit.NewService(audit.NewLog(), nil, deps.Logger)
	}
	if deps.Sanitizer == nil {
		deps.Sanitizer = PrivacySanitizer{}
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if opts.ScopeType == "" {
		opts.ScopeType = "channel"
	}
	return &Coordinator{
		ledger:     deps.Ledger,
		tally:      deps.Tally,
		checker:    ledger.NewChecker(deps.Ledger, deps.Tally),
		audit:      deps.Audit,
		anchorer:   deps.Anchorer,
		replay:     deps.Replay,
		signatures: deps.Signatures,
		regions:    deps.Regions,
		sanitizer:  deps.Sanitizer,
		journal:    deps.Journal,
		publisher:  deps.Publisher,
		alerter:    deps.Alerter,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		now:        deps.Now,
		opts:       opts,
		locks:      newKeyLocks(),
	}
}

func (c *Coordinator) Ledger() *ledger.Ledger { return c.ledger }
func (c *Coordinator) Audit() *audit.Service  { return c.audit }

// Tally returns a copy of the cached totals for a topic.
func (c *Coordinator) Tally(topicID string) ledger.Totals {
	return c.tally.Get(topicID)
}

// BaseCounts returns the seeded base counts for a topic.
func (c *Coordinator) BaseCounts(topicID string) map[string]int {
	return c.tally.BaseCounts(topicID)
}

// Topics lists every topic known to the ledger or the tally, sorted.
func (c *Coordinator) Topics() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range [][]string{c.ledger.Topics(), c.tally.Topics()} {
		for _, topicID := range list {
			if _, ok := seen[topicID]; ok {
				continue
			}
			seen[topicID] = struct{}{}
			out = append(out, topicID)
		}
	}
	sort.Strings(out)
	return out
}

// SubmitVote records a vote. The returned error is a *Error; for an
// AnchoringError or StepOrderingError the Result still describes the
// accepted vote.
func (c *Coordinator) SubmitVote(ctx context.Context, req Request) (Result, error) {
	req, err := normalizeRequest(req)
	if err != nil {
		return Result{}, err
	}
	if err := c.checkSignature(ctx, req); err != nil {
		return Result{}, err
	}
	if err := c.checkReplay(ctx, req); err != nil {
		return Result{}, err
	}
	location, err := c.resolveLocation(ctx, req)
	if err != nil {
		return Result{}, err
	}

	c.rebuildMu.RLock()
	unlock := c.locks.lock(req.UserID, req.TopicID)
	res, err := c.applyVote(ctx, req, location)
	var turn anchorTurn
	if err == nil && res.Applied {
		turn = c.locks.queue(req.UserID, req.TopicID)
	}
	unlock()
	c.rebuildMu.RUnlock()
	if err != nil {
		return Result{}, err
	}

	c.metrics.VoteProcessed(string(res.Action))
	if !res.Applied {
		res.Anchor = AnchorResult{Status: AnchorSkipped}
		res.Reconciliation = c.checker.Verify(req.TopicID)
		return res, nil
	}

	turn.wait()
	anchorErr := c.anchorVote(ctx, &res)
	turn.done()
	c.finish(ctx, &res, notify.EventVote, req.UserID)
	return res, anchorErr
}

func (c *Coordinator) applyVote(ctx context.Context, req Request, location *ledger.Location) (Result, error) {
	// A concurrent submission with the same nonce may have won the lock.
	if err := c.checkReplay(ctx, req); err != nil {
		return Result{}, err
	}

	prev, exists := c.ledger.Get(req.UserID, req.TopicID)
	if exists && prev.CandidateID == req.CandidateID {
		totals := c.tally.Get(req.TopicID)
		hash := ledger.HashTotals(totals)
		entry := c.appendAudit(ctx, audit.Entry{
			UserID:         req.UserID,
			TopicID:        req.TopicID,
			Action:         audit.ActionIdempotentVote,
			OldCandidateID: prev.CandidateID,
			NewCandidateID: req.CandidateID,
			Metadata:       c.metadata(req, hash),
		})
		return Result{
			Action:             ActionIdempotent,
			TopicID:            req.TopicID,
			Record:             prev,
			Totals:             totals,
			ReconciliationHash: hash,
			AuditEntry:         &entry,
		}, nil
	}

	rec := ledger.VoteRecord{
		UserID:      req.UserID,
		TopicID:     req.TopicID,
		CandidateID: req.CandidateID,
		Timestamp:   c.now().UTC(),
		Reliability: req.Reliability,
		VoteType:    req.VoteType,
		Location:    location,
		Status:      ledger.StatusPending,
	}
	action, auditAction, from, delta := ActionNew, audit.ActionNewVote, "", 1
	if exists {
		action, auditAction, from, delta = ActionSwitch, audit.ActionVoteSwitch, prev.CandidateID, 0
	}

	c.ledger.Set(req.UserID, req.TopicID, rec)
	totals := c.tally.Apply(req.TopicID, from, req.CandidateID, delta)
	hash := ledger.HashTotals(totals)
	entry := c.appendAudit(ctx, audit.Entry{
		UserID:         req.UserID,
		TopicID:        req.TopicID,
		Action:         auditAction,
		OldCandidateID: from,
		NewCandidateID: req.CandidateID,
		Metadata:       c.metadata(req, hash),
	})

	if req.Nonce != "" && c.replay != nil {
		if err := c.replay.MarkReplay(ctx, req.UserID, req.TopicID, req.Nonce); err != nil {
			c.logger.Warn("mark nonce failed",
				zap.String("user_id", req.UserID),
				zap.String("topic_id", req.TopicID),
				zap.Error(err),
			)
		}
	}

	c.journalDo(ctx, "save_vote", func(j Journal) error { return j.SaveVote(ctx, rec) })
	c.journalDo(ctx, "save_totals", func(j Journal) error { return j.SaveTotals(ctx, totals) })

	return Result{
		Action:              action,
		Applied:             true,
		TopicID:             req.TopicID,
		Record:              rec,
		PreviousCandidateID: from,
		Totals:              totals,
		ReconciliationHash:  hash,
		AuditEntry:          &entry,
	}, nil
}

// RevokeVote removes a user's vote on a topic. Result.Applied is false when
// there was nothing to revoke.
func (c *Coordinator) RevokeVote(ctx context.Context, userID, topicID string) (Result, error) {
	userID = strings.TrimSpace(userID)
	topicID = strings.TrimSpace(topicID)
	if userID == "" || topicID == "" {
		return Result{}, newError(KindValidation, "user_id and topic_id are required", nil)
	}

	c.rebuildMu.RLock()
	unlock := c.locks.lock(userID, topicID)
	res := c.applyRevoke(ctx, userID, topicID)
	var turn anchorTurn
	if res.Applied {
		turn = c.locks.queue(userID, topicID)
	}
	unlock()
	c.rebuildMu.RUnlock()

	if !res.Applied {
		res.Anchor = AnchorResult{Status: AnchorSkipped}
		return res, nil
	}
	c.metrics.VoteProcessed(string(ActionRevoke))

	turn.wait()
	receipt, err := c.anchor(ctx, anchor.Request{
		ScopeType: c.opts.ScopeType,
		Class:     envelope.ClassRowArchive,
		Payload: envelope.RowArchive{
			RowID:      rowID(topicID, userID),
			FromStatus: "active",
			ToStatus:   "revoked",
			Reason:     "revoked by voter",
		},
		Actor:   envelope.Actor{ActorID: userID, ActorKind: "user"},
		Deletes: []string{anchor.VoteFilePath(topicID, userID)},
		Message: fmt.Sprintf("%s %s", ActionRevoke, rowID(topicID, userID)),
	})
	var anchorErr error
	res.Anchor, anchorErr = c.settleAnchor(ctx, receipt, err)
	turn.done()
	c.finish(ctx, &res, notify.EventRevoke, userID)
	return res, anchorErr
}

func (c *Coordinator) applyRevoke(ctx context.Context, userID, topicID string) Result {
	prev, ok := c.ledger.Remove(userID, topicID)
	if !ok {
		totals := c.tally.Get(topicID)
		return Result{Action: ActionRevoke, TopicID: topicID, Totals: totals, ReconciliationHash: ledger.HashTotals(totals)}
	}

	totals := c.tally.Apply(topicID, prev.CandidateID, "", -1)
	hash := ledger.HashTotals(totals)
	entry := c.appendAudit(ctx, audit.Entry{
		UserID:         userID,
		TopicID:        topicID,
		Action:         audit.ActionRevoke,
		OldCandidateID: prev.CandidateID,
		Metadata:       audit.Metadata{Reliability: prev.Reliability, ReconciliationHash: hash},
	})
	c.journalDo(ctx, "delete_vote", func(j Journal) error { return j.DeleteVote(ctx, userID, topicID) })
	c.journalDo(ctx, "save_totals", func(j Journal) error { return j.SaveTotals(ctx, totals) })

	return Result{
		Action:              ActionRevoke,
		Applied:             true,
		TopicID:             topicID,
		Record:              prev,
		PreviousCandidateID: prev.CandidateID,
		Totals:              totals,
		ReconciliationHash:  hash,
		AuditEntry:          &entry,
	}
}

func (c *Coordinator) anchorVote(ctx context.Context, res *Result) error {
	rec := res.Record
	file, err := anchor.VoteFile{
		UserID:      rec.UserID,
		ChannelID:   rec.TopicID,
		CandidateID: rec.CandidateID,
		Vote:        voteValue(rec.VoteType),
		TS:          rec.Timestamp,
	}.File()
	if err != nil {
		res.Anchor = AnchorResult{Status: AnchorFailed, Error: err.Error()}
		return newError(KindAnchoring, "render vote file", err)
	}

	req := anchor.Request{
		ScopeType: c.opts.ScopeType,
		Actor:     envelope.Actor{ActorID: rec.UserID, ActorKind: "user"},
		Files:     []anchor.File{file},
		Message:   fmt.Sprintf("%s %s", res.Action, rowID(rec.TopicID, rec.UserID)),
	}
	if res.Action == ActionSwitch {
		req.Class = envelope.ClassCellEdit
		req.Payload = envelope.CellEdit{
			RowID:  rowID(rec.TopicID, rec.UserID),
			Column: "candidate_id",
			Before: res.PreviousCandidateID,
			After:  rec.CandidateID,
		}
	} else {
		req.Class = envelope.ClassRowCreate
		req.Payload = envelope.RowCreate{
			RowID: rowID(rec.TopicID, rec.UserID),
			Values: map[string]string{
				"user_id":      rec.UserID,
				"topic_id":     rec.TopicID,
				"candidate_id": rec.CandidateID,
			},
		}
	}

	receipt, err := c.anchor(ctx, req)
	var anchorErr error
	res.Anchor, anchorErr = c.settleAnchor(ctx, receipt, err)
	if res.Anchor.Status == AnchorSkipped {
		return anchorErr
	}

	status := ledger.StatusFailed
	if res.Anchor.Status == AnchorCommitted {
		status = ledger.StatusCommitted
	}
	res.Record.Status = status
	if res.Anchor.CommitRef != "" {
		res.Record.CommitRef = res.Anchor.CommitRef
	}

	// Only the still-current vote is marked and journaled.
	unlock := c.locks.lock(rec.UserID, rec.TopicID)
	defer unlock()
	if updated, ok := c.ledger.UpdateAnchor(rec.UserID, rec.TopicID, rec.CandidateID, status, res.Anchor.CommitRef); ok {
		c.journalDo(ctx, "save_vote", func(j Journal) error { return j.SaveVote(ctx, updated) })
	}
	return anchorErr
}

// anchor runs the request detached from caller cancellation: once the
// in-memory change is made, the anchoring attempt is carried through.
func (c *Coordinator) anchor(ctx context.Context, req anchor.Request) (anchor.Receipt, error) {
	if c.anchorer == nil {
		return anchor.Receipt{}, errNoAnchorer
	}
	return c.anchorer.Anchor(context.WithoutCancel(ctx), req)
}

var errNoAnchorer = errors.New("no anchorer configured")

func (c *Coordinator) settleAnchor(ctx context.Context, receipt anchor.Receipt, err error) (AnchorResult, error) {
	if errors.Is(err, errNoAnchorer) {
		return AnchorResult{Status: AnchorSkipped}, nil
	}
	if err == nil {
		env := receipt.Envelope
		key := env.Scope.Key()
		c.metrics.AnchorOutcome(string(AnchorCommitted), receipt.Attempts)
		c.journalDo(ctx, "save_step", func(j Journal) error { return j.SaveStep(ctx, key, env.Step.ScopeStep) })
		return AnchorResult{
			Status:       AnchorCommitted,
			CommitRef:    receipt.Result.Ref,
			Step:         env.Step.ScopeStep,
			SelectionID:  env.Selection.SelectionID,
			EnvelopeHash: env.Validation.Hashes.EnvelopeSHA256,
			Attempts:     receipt.Attempts,
		}, nil
	}

	if errors.Is(err, envelope.ErrStepOrdering) {
		scope := c.opts.ScopeType
		var orderErr *envelope.StepOrderingError
		if errors.As(err, &orderErr) {
			scope = orderErr.Scope.String()
		}
		c.metrics.AnchorOutcome(string(AnchorHalted), 0)
		c.metrics.StepOrderingHalt(scope)
		c.logger.Error("anchoring halted: step ordering violated", zap.String("scope", scope), zap.Error(err))
		c.raiseAlert(ctx, "step:"+scope,
			"Anchoring halted for scope "+scope,
			fmt.Sprintf("Anchoring for scope %s is halted until an operator resets the step counter.\n\n%v", scope, err))
		return AnchorResult{Status: AnchorHalted, Error: err.Error()}, newError(KindStepOrdering, "anchoring halted for scope "+scope, err)
	}

	if c.opts.AllowUnanchored {
		c.metrics.AnchorOutcome(string(AnchorUnanchored), 0)
		c.logger.Warn("change accepted without anchoring", zap.Error(err))
		return AnchorResult{Status: AnchorUnanchored, Error: err.Error()}, nil
	}
	c.metrics.AnchorOutcome(string(AnchorFailed), 0)
	c.logger.Error("anchoring failed", zap.Error(err))
	return AnchorResult{Status: AnchorFailed, Error: err.Error()}, newError(KindAnchoring, "change accepted but not anchored", err)
}

// finish runs the post-mutation steps shared by every applied change:
// reconciliation check and notification.
func (c *Coordinator) finish(ctx context.Context, res *Result, eventType notify.EventType, userID string) {
	res.Reconciliation = c.checkReconciliation(ctx, res.TopicID)
	if c.publisher == nil {
		return
	}
	c.publisher.Publish(ctx, notify.Event{
		Type:               eventType,
		TopicID:            res.TopicID,
		UserID:             userID,
		Action:             string(res.Action),
		Totals:             res.Totals,
		ReconciliationHash: res.ReconciliationHash,
		AnchorStatus:       string(res.Anchor.Status),
		At:                 c.now().UTC(),
	})
}

// checkReconciliation verifies the cached totals. A mismatch is logged,
// counted and alerted but never returned as an error.
func (c *Coordinator) checkReconciliation(ctx context.Context, topicID string) ledger.Report {
	report := c.checker.Verify(topicID)
	c.metrics.ReconciliationChecked(topicID, report.Valid)
	if report.Valid {
		return report
	}
	c.logger.Error("reconciliation mismatch",
		zap.String("topic_id", topicID),
		zap.Int("total_votes", report.TotalVotes),
		zap.Int("candidate_sum", report.CandidateSum),
		zap.Int("difference", report.Difference),
	)
	c.raiseAlert(ctx, "reconcile:"+topicID,
		"Reconciliation mismatch on topic "+topicID,
		fmt.Sprintf("Topic %s: total_votes=%d candidate_sum=%d difference=%d.\nRun `tallyhall rebuild --topic %s` after investigating.",
			topicID, report.TotalVotes, report.CandidateSum, report.Difference, topicID))
	return report
}

func (c *Coordinator) raiseAlert(ctx context.Context, key, subject, body string) {
	if c.alerter == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := c.alerter.Notify(ctx, key, subject, body); err != nil {
			c.logger.Warn("send alert failed", zap.String("key", key), zap.Error(err))
		}
	}()
}

func (c *Coordinator) appendAudit(ctx context.Context, entry audit.Entry) audit.Entry {
	stored := c.audit.Append(entry)
	c.journalDo(ctx, "append_audit", func(j Journal) error { return j.AppendAudit(ctx, stored) })
	return stored
}

func (c *Coordinator) journalDo(ctx context.Context, op string, fn func(Journal) error) {
	if c.journal == nil {
		return
	}
	if err := fn(c.journal); err != nil {
		c.metrics.JournalError(op)
		c.logger.Error("journal write failed", zap.String("op", op), zap.Error(err))
	}
}

func (c *Coordinator) metadata(req Request, hash string) audit.Metadata {
	return audit.Metadata{
		Reliability:        req.Reliability,
		ReconciliationHash: hash,
		Source:             req.Source,
		Nonce:              req.Nonce,
	}
}

func (c *Coordinator) checkSignature(ctx context.Context, req Request) error {
	if req.Signature == nil {
		if c.opts.RequireSignature {
			return newError(KindSignature, "signature is required", nil)
		}
		return nil
	}
	if c.signatures == nil {
		return newError(KindSignature, "no signature verifier configured", nil)
	}
	msg := auth.VoteMessage(req.UserID, req.TopicID, req.CandidateID, req.Nonce)
	if err := c.signatures.Verify(ctx, req.UserID, msg, *req.Signature); err != nil {
		return newError(KindSignature, "signature rejected", err)
	}
	return nil
}

func (c *Coordinator) checkReplay(ctx context.Context, req Request) error {
	if req.Nonce == "" || c.replay == nil {
		return nil
	}
	used, err := c.replay.IsReplay(ctx, req.UserID, req.TopicID, req.Nonce)
	if err != nil {
		return fmt.Errorf("check replay: %w", err)
	}
	if used {
		return newError(KindReplay, "nonce already used", nil)
	}
	return nil
}

func (c *Coordinator) resolveLocation(ctx context.Context, req Request) (*ledger.Location, error) {
	if req.Location == nil {
		return nil, nil
	}
	loc := *req.Location
	if loc.Region == "" && c.regions != nil {
		region, err := c.regions.UserRegion(ctx, req.UserID)
		if err != nil {
			c.logger.Warn("resolve user region failed", zap.String("user_id", req.UserID), zap.Error(err))
		} else {
			loc.Region = region
		}
	}
	sanitized, err := c.sanitizer.Sanitize(loc)
	if err != nil {
		return nil, newError(KindValidation, "invalid location", err)
	}
	return sanitized, nil
}

func normalizeRequest(req Request) (Request, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.TopicID = strings.TrimSpace(req.TopicID)
	req.CandidateID = strings.TrimSpace(req.CandidateID)
	req.Nonce = strings.TrimSpace(req.Nonce)
	var missing []string
	if req.UserID == "" {
		missing = append(missing, "user_id")
	}
	if req.TopicID == "" {
		missing = append(missing, "topic_id")
	}
	if req.CandidateID == "" {
		missing = append(missing, "candidate_id")
	}
	if len(missing) > 0 {
		return req, newError(KindValidation, strings.Join(missing, ", ")+" required", nil)
	}
	for _, id := range []string{req.UserID, req.TopicID, req.CandidateID} {
		if strings.ContainsAny(id, "/\\:") || id == "." || id == ".." {
			return req, newError(KindValidation, fmt.Sprintf("identifier %q contains reserved characters", id), nil)
		}
	}
	req.Reliability = ledger.ClampReliability(req.Reliability)
	return req, nil
}

func rowID(topicID, userID string) string {
	return topicID + "/" + userID
}

func voteValue(voteType string) string {
	if voteType == "" {
		return "cast"
	}
	return voteType
}
