package cli

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"go.uber.org/zap"

	"tallyhall/api/internal/alert"
	"tallyhall/api/internal/anchor"
	"tallyhall/api/internal/app"
	"tallyhall/api/internal/audit"
	"tallyhall/api/internal/auth"
	"tallyhall/api/internal/config"
	"tallyhall/api/internal/envelope"
	"tallyhall/api/internal/export"
	"tallyhall/api/internal/gitrepo"
	"tallyhall/api/internal/metrics"
	"tallyhall/api/internal/notify"
	"tallyhall/api/internal/replay"
	"tallyhall/api/internal/search"
	"tallyhall/api/internal/store"
	"tallyhall/api/internal/vote"
)

const anchorAuthor = "tallyhall"

// Runtime is every long-lived component of one process, built from config.
type Runtime struct {
	Config   config.Config
	Logger   *zap.Logger
	Votes    *vote.Coordinator
	Anchorer *anchor.Anchorer
	Git      *gitrepo.Service
	Store    *store.PostgresStore
	Search   *search.Service
	Export   *export.Service
	Metrics  *metrics.Collectors
	Bus      *notify.Bus
	App      *app.Service

	checks  map[string]app.Pinger
	closers []func()
}

// BuildRuntime wires the process. When a database is configured the stored
// state is restored into the coordinator before it is returned.
func BuildRuntime(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *Runtime, err error) {
	rt := &Runtime{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New(),
		Bus:     notify.NewBus(),
		checks:  make(map[string]app.Pinger),
	}
	rt.onClose(rt.Bus.Close)
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{
			MaxOpenConns: cfg.DBMaxConns,
			ConnectWait:  cfg.DBConnectWait,
		})
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		rt.onClose(func() { _ = db.Close() })
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
		rt.Store = store.NewPostgresStore(db)
		rt.checks["database"] = rt.Store
	}

	anchorer, err := rt.buildAnchorer()
	if err != nil {
		return nil, err
	}
	rt.Anchorer = anchorer

	guard, err := rt.buildReplayGuard()
	if err != nil {
		return nil, err
	}

	verifier, err := buildVerifier(cfg)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		publisher, err := notify.NewRedisPublisher(cfg.RedisURL, cfg.NotifyPrefix)
		if err != nil {
			return nil, fmt.Errorf("redis publisher: %w", err)
		}
		fwdCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		done := notify.Forward(fwdCtx, rt.Bus, publisher, logger)
		rt.onClose(func() {
			cancel()
			<-done
			_ = publisher.Close()
		})
	}

	var meiliClient *search.Meili
	var index audit.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		rt.onClose(meiliClient.Close)
		index = meiliClient
	}

	alerts := alert.NewService(alert.Config{
		Host:        cfg.SMTPHost,
		Port:        cfg.SMTPPort,
		Username:    cfg.SMTPUsername,
		Password:    cfg.SMTPPassword,
		From:        cfg.SMTPFrom,
		FromName:    cfg.SMTPFromName,
		Recipients:  cfg.AlertRecipients,
		MinInterval: cfg.AlertInterval,
	}, logger.Named("alert"))

	deps := vote.Deps{
		Audit:     audit.NewService(audit.NewLog(), index, logger.Named("audit")),
		Anchorer:  anchorer,
		Replay:    guard,
		Publisher: rt.Bus,
		Alerter:   alerts,
		Metrics:   rt.Metrics,
		Logger:    logger.Named("vote"),
	}
	if verifier != nil {
		deps.Signatures = verifier
	}
	if rt.Store != nil {
		deps.Journal = rt.Store
	}
	rt.Votes = vote.New(deps, vote.Options{
		ScopeType:        cfg.ScopeType,
		AllowUnanchored:  cfg.AnchorAllowUnanchored,
		RequireSignature: cfg.RequireSignature,
	})

	if rt.Store != nil {
		snap, err := rt.Store.LoadSnapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
		if err := rt.Votes.Restore(ctx, snap, anchorer.Steps()); err != nil {
			return nil, err
		}
		rt.Votes.Audit().Reindex()
		for _, report := range rt.Votes.ReconcileAll() {
			rt.Metrics.ReconciliationChecked(report.TopicID, report.Consistent())
			if !report.Consistent() {
				logger.Error("reconciliation mismatch after restore",
					zap.String("topic_id", report.TopicID),
					zap.Int("total_votes", report.TotalVotes),
					zap.Int("expected_total", report.ExpectedTotal),
				)
			}
		}
	}

	var primary, fallback search.Searcher
	if meiliClient != nil {
		primary = meiliClient
	}
	if rt.Store != nil {
		fallback = search.NewPgFTS(rt.Store.DB())
	}
	rt.Search = search.NewService(primary, fallback, logger.Named("search"))
	rt.Export = export.NewService(rt.Votes, export.NewChromePDF(cfg.ChromeURL, export.PaperByName(cfg.ReportPaper)))

	appDeps := app.Deps{
		Votes:    rt.Votes,
		Search:   rt.Search,
		Export:   rt.Export,
		Anchorer: anchorer,
		Checks:   rt.checks,
		Metrics:  rt.Metrics.Handler(),
		Logger:   logger.Named("http"),
	}
	if rt.Store != nil {
		appDeps.StepStore = rt.Store
	}
	rt.App = app.New(cfg, appDeps)
	return rt, nil
}

func (rt *Runtime) buildAnchorer() (*anchor.Anchorer, error) {
	cfg := rt.Config
	transports := make(map[string]anchor.Transport)
	for _, endpoint := range cfg.AnchorEndpoints {
		parsed, err := url.Parse(strings.TrimSpace(endpoint))
		if err != nil {
			return nil, fmt.Errorf("anchor endpoint %q: %w", endpoint, err)
		}
		scheme := strings.ToLower(parsed.Scheme)
		if _, ok := transports[scheme]; ok {
			continue
		}
		switch scheme {
		case "git":
			if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create repos dir: %w", err)
			}
			rt.Git = gitrepo.New(cfg.ReposDir)
			if err := rt.Git.EnsureRepo(cfg.AnchorRepo, anchorAuthor); err != nil {
				return nil, fmt.Errorf("prepare anchor repo: %w", err)
			}
			transports[scheme] = rt.Git
		case "http", "https":
			transports[scheme] = anchor.NewHTTPTransport(&http.Client{Timeout: cfg.AnchorTimeout}, cfg.AnchorBranch)
		case "s3":
			if strings.TrimSpace(cfg.S3Endpoint) == "" {
				return nil, fmt.Errorf("anchor endpoint %q needs TALLYHALL_S3_ENDPOINT", endpoint)
			}
			objects, err := anchor.NewObjectTransport(anchor.S3Config{
				Endpoint:  cfg.S3Endpoint,
				AccessKey: cfg.S3AccessKey,
				SecretKey: cfg.S3SecretKey,
				Bucket:    cfg.S3Bucket,
				Secure:    cfg.S3Secure,
			}, cfg.AnchorBranch)
			if err != nil {
				return nil, err
			}
			transports[scheme] = objects
		}
	}

	client, err := anchor.NewClient(cfg.AnchorEndpoints, transports, rt.Logger.Named("anchor"))
	if err != nil {
		return nil, fmt.Errorf("anchor client: %w", err)
	}
	builder := envelope.NewBuilder(cfg.DomainID, envelope.NewStepCounter())
	return anchor.NewAnchorer(client, builder, anchor.Options{
		Repo:        cfg.AnchorRepo,
		Branch:      cfg.AnchorBranch,
		MaxAttempts: cfg.AnchorMaxAttempts,
		Backoff:     cfg.AnchorBackoff,
		Timeout:     cfg.AnchorTimeout,
	}, rt.Logger.Named("anchor")), nil
}

func (rt *Runtime) buildReplayGuard() (vote.ReplayGuard, error) {
	cfg := rt.Config
	if strings.TrimSpace(cfg.RedisURL) != "" {
		guard, err := replay.NewRedisGuard(cfg.RedisURL, cfg.ReplayTTL)
		if err != nil {
			return nil, fmt.Errorf("redis replay guard: %w", err)
		}
		rt.onClose(func() { _ = guard.Close() })
		rt.checks["redis"] = guard
		return guard, nil
	}
	guard, err := replay.NewMemoryGuard(cfg.ReplayCacheSize, cfg.ReplayTTL)
	if err != nil {
		return nil, fmt.Errorf("replay guard: %w", err)
	}
	return guard, nil
}

func buildVerifier(cfg config.Config) (*auth.Verifier, error) {
	if cfg.SigningMaster == "" && cfg.SigningKeysFile == "" {
		return nil, nil
	}
	verifier := auth.NewVerifier([]byte(cfg.SigningMaster))
	if cfg.SigningKeysFile != "" {
		if err := verifier.LoadKeyFile(cfg.SigningKeysFile); err != nil {
			return nil, err
		}
	}
	return verifier, nil
}

func (rt *Runtime) onClose(fn func()) {
	rt.closers = append(rt.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
