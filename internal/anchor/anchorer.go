package anchor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"tallyhall/api/internal/envelope"
)

// ErrExhausted wraps the last transport error once every attempt failed.
var ErrExhausted = errors.New("anchor: attempts exhausted")

type Options struct {
	Repo        string
	Branch      string
	MaxAttempts int
	Backoff     time.Duration
	Timeout     time.Duration
}

// Request is one change to anchor: the envelope payload plus the domain
// files that change with it.
type Request struct {
	ScopeType string
	Class     envelope.CommitClass
	Payload   envelope.Payload
	Actor     envelope.Actor
	Files     []File
	Deletes   []string
	Message   string
}

// Receipt describes a confirmed anchoring write.
type Receipt struct {
	Envelope envelope.Envelope
	Result   CommitResult
	Attempts int
}

// Anchorer builds the envelope for a request, writes it through the Client
// with bounded retries and confirms the step once the store accepted it.
type Anchorer struct {
	client  *Client
	builder *envelope.Builder
	opts    Options
	logger  *zap.Logger

	mu     sync.Mutex
	synced map[envelope.ScopeKey]bool
}

func NewAnchorer(client *Client, builder *envelope.Builder, opts Options, logger *zap.Logger) *Anchorer {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Anchorer{
		client:  client,
		builder: builder,
		opts:    opts,
		logger:  logger,
		synced:  make(map[envelope.ScopeKey]bool),
	}
}

func (a *Anchorer) Scope(scopeType string) envelope.Scope {
	return envelope.Scope{ScopeType: scopeType, RepoID: a.opts.Repo, BranchID: a.opts.Branch}
}

// Steps exposes the step cache for operator commands.
func (a *Anchorer) Steps() *envelope.StepCounter {
	return a.builder.Steps()
}

// Anchor writes req. Envelopes of one scope are anchored one at a time, so
// a step is never handed out twice. A step ordering violation is returned
// as is and halts the scope; any other failure after the last attempt is
// wrapped in ErrExhausted.
func (a *Anchorer) Anchor(ctx context.Context, req Request) (Receipt, error) {
	scope := a.Scope(req.ScopeType)
	key := scope.Key()
	unlock := a.builder.Steps().Lock(key)
	defer unlock()

	hint := time.Now().UTC()
	attempts := 0
	operation := func() (Receipt, error) {
		attempts++
		receipt, err := a.attempt(ctx, scope, hint, req)
		if errors.Is(err, envelope.ErrStepOrdering) || errors.Is(err, envelope.ErrClassMismatch) || errors.Is(err, envelope.ErrIncompleteArgs) {
			return Receipt{}, backoff.Permanent(err)
		}
		return receipt, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = a.opts.Backoff
	policy.MaxInterval = 10 * a.opts.Backoff

	receipt, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(a.opts.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			a.logger.Warn("anchoring attempt failed",
				zap.String("scope", key.String()),
				zap.Int("attempt", attempts),
				zap.Duration("retry_in", wait),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		if errors.Is(err, envelope.ErrStepOrdering) {
			return Receipt{}, err
		}
		return Receipt{}, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, err)
	}
	receipt.Attempts = attempts
	return receipt, nil
}

func (a *Anchorer) attempt(ctx context.Context, scope envelope.Scope, hint time.Time, req Request) (Receipt, error) {
	key := scope.Key()
	callCtx := ctx
	if a.opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.opts.Timeout)
		defer cancel()
	}

	if err := a.sync(callCtx, key); err != nil {
		return Receipt{}, err
	}

	files := make([]string, 0, len(req.Files))
	for _, f := range req.Files {
		files = append(files, f.Path)
	}
	env, err := a.builder.Build(req.Class, envelope.Params{
		Scope:            scope,
		Actor:            req.Actor,
		Payload:          req.Payload,
		FilesWritten:     files,
		RootEvidenceRefs: req.Deletes,
		TimeHint:         hint,
	})
	if err != nil {
		return Receipt{}, err
	}
	env, err = envelope.Finalize(env, files)
	if err != nil {
		return Receipt{}, err
	}
	descriptor, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal envelope: %w", err)
	}

	commit := Commit{
		Repo:    scope.RepoID,
		Branch:  scope.BranchID,
		Message: commitMessage(req.Message, env),
		Author:  req.Actor.ActorID,
		Files:   append(append([]File(nil), req.Files...), File{Path: EnvelopePath(scope.BranchID, scope.ScopeType, env.Step.ScopeStep), Content: append(descriptor, '\n')}),
		Deletes: req.Deletes,
	}
	result, err := a.client.Put(callCtx, commit)
	if err != nil {
		if errors.Is(err, ErrStepConflict) {
			a.markUnsynced(key)
		}
		return Receipt{}, err
	}
	if err := a.builder.Steps().Commit(key, env.Step.ScopeStep); err != nil {
		return Receipt{}, err
	}
	return Receipt{Envelope: env, Result: result}, nil
}

// sync primes the step cache from the store once per scope, and again after
// the store reported a conflict.
func (a *Anchorer) sync(ctx context.Context, key envelope.ScopeKey) error {
	a.mu.Lock()
	done := a.synced[key]
	a.mu.Unlock()
	if done {
		return nil
	}
	next, err := a.client.CurrentStep(ctx, key.RepoID, key.BranchID, key.ScopeType)
	if err != nil {
		return err
	}
	if err := a.builder.Steps().Sync(key, next); err != nil {
		return err
	}
	a.mu.Lock()
	a.synced[key] = true
	a.mu.Unlock()
	return nil
}

func (a *Anchorer) markUnsynced(key envelope.ScopeKey) {
	a.mu.Lock()
	delete(a.synced, key)
	a.mu.Unlock()
}

func commitMessage(message string, env envelope.Envelope) string {
	if message == "" {
		message = string(env.CommitClass)
	}
	return fmt.Sprintf("%s\n\nselection: %s\nstep: %d\nenvelope-sha256: %s",
		message, env.Selection.SelectionID, env.Step.ScopeStep, env.Validation.Hashes.EnvelopeSHA256)
}
