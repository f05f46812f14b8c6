package app

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"tallyhall/api/internal/anchor"
	"tallyhall/api/internal/audit"
	"tallyhall/api/internal/auth"
	"tallyhall/api/internal/config"
	"tallyhall/api/internal/envelope"
	"tallyhall/api/internal/export"
	"tallyhall/api/internal/ledger"
	"tallyhall/api/internal/rbac"
	"tallyhall/api/internal/search"
	"tallyhall/api/internal/vote"
)

type Session struct {
	UserID string
	Role   string
	JTI    string
}

type VoteInput struct {
	UserID      string           `json:"userId"`
	TopicID     string           `json:"topicId"`
	CandidateID string           `json:"candidateId"`
	Reliability float64          `json:"reliability"`
	VoteType    string           `json:"voteType"`
	Location    *ledger.Location `json:"location"`
	Nonce       string           `json:"nonce"`
	Signature   *auth.Signature  `json:"signature"`
}

type AuditFilterInput struct {
	TopicID string
	Action  string
	Query   string
	Limit   int
}

type TallyView struct {
	Totals             ledger.Totals  `json:"totals"`
	BaseCounts         map[string]int `json:"baseCounts"`
	ReconciliationHash string         `json:"reconciliationHash"`
}

// Pinger is a readiness dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StepStore persists operator step resets.
type StepStore interface {
	ResetStep(ctx context.Context, key envelope.ScopeKey, step int64) error
}

type Deps struct {
	Votes     *vote.Coordinator
	Search    *search.Service
	Export    *export.Service
	Anchorer  *anchor.Anchorer
	StepStore StepStore
	Checks    map[string]Pinger
	Metrics   http.Handler
	Logger    *zap.Logger
}

// Service is the application layer behind the HTTP surface: it resolves
// sessions, enforces who may act for whom and delegates to the coordinator.
type Service struct {
	cfg       config.Config
	votes     *vote.Coordinator
	search    *search.Service
	export    *export.Service
	anchorer  *anchor.Anchorer
	stepStore StepStore
	checks    map[string]Pinger
	metrics   http.Handler
	logger    *zap.Logger
}

func New(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	votes := deps.Votes
	if votes == nil {
		votes = vote.New(vote.Deps{Logger: logger}, vote.Options{ScopeType: cfg.ScopeType})
	}
	return &Service{
		cfg:       cfg,
		votes:     votes,
		search:    deps.Search,
		export:    deps.Export,
		anchorer:  deps.Anchorer,
		stepStore: deps.StepStore,
		checks:    deps.Checks,
		metrics:   deps.Metrics,
		logger:    logger,
	}
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Role(role), action)
}

// TokensEnabled reports whether callers must present a bearer token.
func (s *Service) TokensEnabled() bool {
	return strings.TrimSpace(s.cfg.AuthSecret) != ""
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.AuthSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{UserID: claims.Sub, Role: string(rbac.Normalize(claims.Role)), JTI: claims.JTI}, nil
}

// actingFor resolves the user a request acts on. Voters may only act for
// themselves; operators may act for anyone.
func (s *Service) actingFor(session Session, userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		userID = session.UserID
	}
	if userID == "" {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId is required", nil)
	}
	if rbac.Role(session.Role) != rbac.RoleOperator && session.UserID != "" && userID != session.UserID {
		return "", domainError(http.StatusForbidden, "FORBIDDEN", "Cannot act for another user", nil)
	}
	return userID, nil
}

func (s *Service) SubmitVote(ctx context.Context, session Session, input VoteInput) (vote.Result, error) {
	userID, err := s.actingFor(session, input.UserID)
	if err != nil {
		return vote.Result{}, err
	}
	return s.votes.SubmitVote(ctx, vote.Request{
		UserID:      userID,
		TopicID:     input.TopicID,
		CandidateID: input.CandidateID,
		Reliability: input.Reliability,
		VoteType:    input.VoteType,
		Location:    input.Location,
		Nonce:       input.Nonce,
		Signature:   input.Signature,
		Source:      "api",
	})
}

func (s *Service) RevokeVote(ctx context.Context, session Session, userID, topicID string) (vote.Result, error) {
	userID, err := s.actingFor(session, userID)
	if err != nil {
		return vote.Result{}, err
	}
	return s.votes.RevokeVote(ctx, userID, topicID)
}

func (s *Service) Topics() []string {
	return s.votes.Topics()
}

func (s *Service) Tally(topicID string) (TallyView, error) {
	totals := s.votes.Tally(topicID)
	base := s.votes.BaseCounts(topicID)
	if len(totals.Candidates) == 0 && len(base) == 0 && !s.hasTopic(topicID) {
		return TallyView{}, domainError(http.StatusNotFound, "NOT_FOUND", "Topic not found", nil)
	}
	return TallyView{
		Totals:             totals,
		BaseCounts:         base,
		ReconciliationHash: ledger.HashTotals(totals),
	}, nil
}

func (s *Service) hasTopic(topicID string) bool {
	topics := s.votes.Topics()
	i := sort.SearchStrings(topics, topicID)
	return i < len(topics) && topics[i] == topicID
}

func (s *Service) Reconciliation(topicID string) (ledger.LedgerReport, error) {
	if !s.hasTopic(topicID) {
		return ledger.LedgerReport{}, domainError(http.StatusNotFound, "NOT_FOUND", "Topic not found", nil)
	}
	return s.votes.Reconcile(topicID), nil
}

// Audit lists entries newest first. A text query goes through the search
// index instead.
func (s *Service) Audit(filter AuditFilterInput) (any, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if strings.TrimSpace(filter.Query) != "" {
		if s.search == nil {
			return nil, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
		}
		return s.search.Search(search.Query{
			Text:    filter.Query,
			TopicID: filter.TopicID,
			Action:  filter.Action,
			Limit:   limit,
		}), nil
	}

	entries := s.votes.Audit().Query(filter.TopicID, 0)
	out := make([]audit.Entry, 0, limit)
	for _, entry := range entries {
		if filter.Action != "" && string(entry.Action) != filter.Action {
			continue
		}
		out = append(out, entry)
		if len(out) == limit {
			break
		}
	}
	return map[string]any{"items": out}, nil
}

func (s *Service) Rebuild(ctx context.Context, topicID string) ([]vote.Result, error) {
	return s.votes.RebuildTallyFromLedger(ctx, strings.TrimSpace(topicID))
}

func (s *Service) Seed(ctx context.Context, topicID string, counts map[string]int, source string) (vote.Result, error) {
	return s.votes.SeedBaseCounts(ctx, topicID, counts, source)
}

func (s *Service) Report(ctx context.Context, topicID string, format export.Format) (*export.Result, error) {
	if s.export == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not configured", nil)
	}
	return s.export.Export(ctx, export.Request{TopicID: topicID, Format: format})
}

// ResetSteps clears a halted scope by setting its last committed step.
func (s *Service) ResetSteps(ctx context.Context, scopeType string, last int64) (envelope.ScopeKey, error) {
	if s.anchorer == nil {
		return envelope.ScopeKey{}, domainError(http.StatusServiceUnavailable, "ANCHORING_UNAVAILABLE", "Anchoring is not configured", nil)
	}
	scopeType = strings.TrimSpace(scopeType)
	if scopeType == "" {
		scopeType = s.cfg.ScopeType
	}
	if last < 0 {
		return envelope.ScopeKey{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "last must be >= 0", nil)
	}
	key := s.anchorer.Scope(scopeType).Key()
	s.anchorer.Steps().Reset(key, last)
	if s.stepStore != nil {
		if err := s.stepStore.ResetStep(ctx, key, last); err != nil {
			return key, err
		}
	}
	s.logger.Warn("step counter reset by operator", zap.String("scope", key.String()), zap.Int64("last", last))
	return key, nil
}

// Ready runs every readiness check with a shared timeout.
func (s *Service) Ready(ctx context.Context) (bool, map[string]any) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ready := true
	checks := make(map[string]any, len(s.checks))
	for name, check := range s.checks {
		if check == nil {
			continue
		}
		if err := check.Ping(ctx); err != nil {
			ready = false
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	return ready, checks
}

func (s *Service) MetricsHandler() http.Handler {
	return s.metrics
}
