package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrClassMismatch  = errors.New("envelope: payload does not match commit class")
	ErrNotFinalized   = errors.New("envelope: not finalized")
	ErrHashMismatch   = errors.New("envelope: hash mismatch")
	ErrIncompleteArgs = errors.New("envelope: incomplete parameters")
)

// Params are the inputs of one Build call.
type Params struct {
	Scope            Scope
	Actor            Actor
	Payload          Payload
	FilesWritten     []string
	DerivedArtifacts []string
	RootEvidenceRefs []string
	TimeHint         time.Time
}

// Builder assembles envelopes, taking the next step from a StepCounter.
type Builder struct {
	domainID string
	steps    *StepCounter
	now      func() time.Time
}

func NewBuilder(domainID string, steps *StepCounter) *Builder {
	return &Builder{domainID: domainID, steps: steps, now: time.Now}
}

// WithClock overrides the time hint source.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

func (b *Builder) Steps() *StepCounter {
	return b.steps
}

// SelectionID derives the reproducible selection id of a step.
func SelectionID(repoID, branchID string, step int64) string {
	return fmt.Sprintf("sel:v1/%s/%s/%d", repoID, branchID, step)
}

// Build produces an unfinalized envelope of the given class. The step is
// read from the counter but not consumed; callers hold the scope lock and
// Commit the step once anchoring succeeds.
func (b *Builder) Build(class CommitClass, params Params) (Envelope, error) {
	if params.Payload == nil || params.Payload.Class() != class {
		return Envelope{}, fmt.Errorf("%w: class %s", ErrClassMismatch, class)
	}
	scope := params.Scope
	if scope.RepoID == "" || scope.BranchID == "" || scope.ScopeType == "" {
		return Envelope{}, fmt.Errorf("%w: scope requires repo, branch and scope type", ErrIncompleteArgs)
	}
	if params.Actor.ActorID == "" {
		return Envelope{}, fmt.Errorf("%w: actor id", ErrIncompleteArgs)
	}

	step, err := b.steps.Next(scope.Key())
	if err != nil {
		return Envelope{}, err
	}

	hint := params.TimeHint
	if hint.IsZero() {
		hint = b.now()
	}
	rows, cells := params.Payload.Touched()

	return Envelope{
		EnvelopeVersion: Version,
		DomainID:        b.domainID,
		CommitClass:     class,
		Scope:           scope,
		Step: Step{
			StepPolicy:  StepPolicy,
			ScopeStep:   step,
			TimeHintUTC: hint.UTC().Format(time.RFC3339Nano),
		},
		Actor: params.Actor,
		Selection: Selection{
			SelectionID: SelectionID(scope.RepoID, scope.BranchID, step),
			Targets:     params.Payload.Targets(),
		},
		Change: Change{
			RowsTouched:      rows,
			CellsTouched:     cells,
			FilesWritten:     append([]string(nil), params.FilesWritten...),
			DerivedArtifacts: append([]string(nil), params.DerivedArtifacts...),
			RootEvidenceRefs: append([]string(nil), params.RootEvidenceRefs...),
			Payload:          params.Payload,
		},
		Validation: Validation{SchemaVersion: SchemaVersion},
	}, nil
}

// Finalize computes both hashes. The envelope hash covers the canonical
// JSON of the envelope with hashes cleared; the manifest hash covers the
// sorted payload paths, so file order does not matter.
func Finalize(env Envelope, payloadFiles []string) (Envelope, error) {
	env.Validation.Hashes = Hashes{}
	canonical, err := MarshalCanonical(env)
	if err != nil {
		return Envelope{}, fmt.Errorf("canonicalize envelope: %w", err)
	}
	sum := sha256.Sum256(canonical)
	env.Validation.Hashes = Hashes{
		EnvelopeSHA256:        hex.EncodeToString(sum[:]),
		PayloadManifestSHA256: ManifestHash(payloadFiles),
	}
	return env, nil
}

// ManifestHash hashes the sorted list of payload paths.
func ManifestHash(paths []string) string {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}

// Verify recomputes both hashes and compares them with the envelope's.
func Verify(env Envelope, payloadFiles []string) error {
	if !env.Finalized() {
		return ErrNotFinalized
	}
	recomputed, err := Finalize(env, payloadFiles)
	if err != nil {
		return err
	}
	if recomputed.Validation.Hashes != env.Validation.Hashes {
		return fmt.Errorf("%w: selection %s", ErrHashMismatch, env.Selection.SelectionID)
	}
	return nil
}
