// Package anchor writes vote changes and their commit envelopes to an
// external versioned store.
//
// A Client holds an ordered set of endpoints, each served by a Transport
// (git repository, HTTP store, S3-compatible bucket). A failed call rotates
// the client to the next endpoint; retrying is left to the caller.
package anchor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNoEndpoints   = errors.New("anchor: no endpoints configured")
	ErrUnknownScheme = errors.New("anchor: unknown endpoint scheme")
	ErrNotFound      = errors.New("anchor: not found")
	// ErrStepConflict means the store already holds a descriptor for the
	// step being written: the local step cache is behind the store.
	ErrStepConflict = errors.New("anchor: step already anchored")
)

// QueryCurrentStep asks the store which step the next envelope of a scope
// must carry. Params: branch_id, scope_type. Answer: {"next_step": N}.
const QueryCurrentStep = "current_step"

// File is one path written by a commit.
type File struct {
	Path    string
	Content []byte
}

// Commit is one atomic change in the store: files to write and paths to
// archive, recorded under a single message.
type Commit struct {
	Repo    string
	Branch  string
	Message string
	Author  string
	Files   []File
	Deletes []string
}

// Paths lists every path the commit writes, in order.
func (c Commit) Paths() []string {
	out := make([]string, 0, len(c.Files))
	for _, f := range c.Files {
		out = append(out, f.Path)
	}
	return out
}

// CommitResult identifies a confirmed write.
type CommitResult struct {
	Ref         string    `json:"ref"`
	Endpoint    string    `json:"endpoint"`
	CommittedAt time.Time `json:"committed_at"`
}

// StepAnswer is the response of the current_step query.
type StepAnswer struct {
	NextStep int64 `json:"next_step"`
}

// Transport talks to one kind of store. Endpoint is the configured URL the
// call is routed to.
type Transport interface {
	Name() string
	Put(ctx context.Context, endpoint string, commit Commit) (CommitResult, error)
	CurrentStep(ctx context.Context, endpoint, repo, branchID, scopeType string) (int64, error)
	Delete(ctx context.Context, endpoint, repo, filePath, message, author string) error
}

// VoteFile is the stored form of a user's current vote on a topic.
type VoteFile struct {
	UserID      string    `json:"user_id"`
	ChannelID   string    `json:"channel_id"`
	CandidateID string    `json:"candidate_id"`
	Vote        string    `json:"vote"`
	TS          time.Time `json:"ts"`
}

// File renders the vote at its canonical path.
func (v VoteFile) File() (File, error) {
	content, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return File{}, fmt.Errorf("marshal vote file: %w", err)
	}
	return File{Path: VoteFilePath(v.ChannelID, v.UserID), Content: append(content, '\n')}, nil
}

// VoteFilePath is where the current vote of a user on a topic lives.
func VoteFilePath(topicID, userID string) string {
	return path.Join("votes", "channel", topicID, "user", userID+".json")
}

// TallyFilePath holds the rebuilt totals of a topic.
func TallyFilePath(topicID string) string {
	return path.Join("tallies", topicID+".json")
}

// BaseFilePath holds the seeded base counts of a topic.
func BaseFilePath(topicID string) string {
	return path.Join("base", topicID+".json")
}

// EnvelopePath is where the envelope descriptor of a step lives.
func EnvelopePath(branchID, scopeType string, step int64) string {
	return path.Join("envelopes", branchID, scopeType, fmt.Sprintf("%012d.json", step))
}

// EnvelopeDir is the directory holding all descriptors of a scope.
func EnvelopeDir(branchID, scopeType string) string {
	return path.Join("envelopes", branchID, scopeType)
}

// NextStepFromPaths derives the next step from the descriptor names present
// in a scope directory. Names that are not descriptors are ignored.
func NextStepFromPaths(paths []string) int64 {
	var last int64
	for _, p := range paths {
		step, ok := parseEnvelopeStep(p)
		if ok && step > last {
			last = step
		}
	}
	return last + 1
}

func parseEnvelopeStep(p string) (int64, bool) {
	name := path.Base(p)
	if !strings.HasSuffix(name, ".json") {
		return 0, false
	}
	step, err := strconv.ParseInt(strings.TrimSuffix(name, ".json"), 10, 64)
	if err != nil || step < 1 {
		return 0, false
	}
	return step, true
}
