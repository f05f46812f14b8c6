package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"tallyhall/api/internal/anchor"
)

func voteCommit(t *testing.T, step int64, userID, candidateID string) anchor.Commit {
	t.Helper()
	file, err := anchor.VoteFile{UserID: userID, ChannelID: "topic-1", CandidateID: candidateID, Vote: "single"}.File()
	if err != nil {
		t.Fatalf("VoteFile.File() error = %v", err)
	}
	return anchor.Commit{
		Repo:    "votes",
		Branch:  "main",
		Message: fmt.Sprintf("vote %s", userID),
		Author:  userID,
		Files: []anchor.File{
			file,
			{Path: anchor.EnvelopePath("main", "channel", step), Content: []byte(`{}` + "\n")},
		},
	}
}

func TestPutCommitsFilesAndAnswersCurrentStep(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)
	ctx := context.Background()

	next, err := svc.CurrentStep(ctx, "git://local", "votes", "main", "channel")
	if err != nil {
		t.Fatalf("CurrentStep() on missing repo error = %v", err)
	}
	if next != 1 {
		t.Fatalf("CurrentStep() = %d, want 1", next)
	}

	result, err := svc.Put(ctx, "git://local", voteCommit(t, 1, "u1", "A"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if len(result.Ref) != 40 {
		t.Fatalf("expected full commit hash, got %q", result.Ref)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "votes")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}

	if _, err := svc.Put(ctx, "git://local", voteCommit(t, 2, "u2", "B")); err != nil {
		t.Fatalf("Put() second error = %v", err)
	}
	next, err = svc.CurrentStep(ctx, "git://local", "votes", "main", "channel")
	if err != nil {
		t.Fatalf("CurrentStep() error = %v", err)
	}
	if next != 3 {
		t.Fatalf("CurrentStep() = %d, want 3", next)
	}

	var vote anchor.VoteFile
	if err := svc.ReadJSON("votes", "main", anchor.VoteFilePath("topic-1", "u2"), &vote); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if vote.CandidateID != "B" {
		t.Fatalf("unexpected vote file: %+v", vote)
	}

	history, err := svc.History("votes", "main", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected baseline plus two commits, got %d", len(history))
	}
}

func TestPutRejectsExistingDescriptor(t *testing.T) {
	svc := New(t.TempDir())
	ctx := context.Background()

	if _, err := svc.Put(ctx, "git://local", voteCommit(t, 1, "u1", "A")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	_, err := svc.Put(ctx, "git://local", voteCommit(t, 1, "u2", "B"))
	if !errors.Is(err, anchor.ErrStepConflict) {
		t.Fatalf("expected ErrStepConflict, got %v", err)
	}
	if _, err := svc.ReadFile("votes", "main", anchor.VoteFilePath("topic-1", "u2")); !errors.Is(err, anchor.ErrNotFound) {
		t.Fatalf("conflicting commit must not land, got %v", err)
	}
}

func TestDeleteArchivesVoteFile(t *testing.T) {
	svc := New(t.TempDir())
	ctx := context.Background()

	if _, err := svc.Put(ctx, "git://local", voteCommit(t, 1, "u1", "A")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	path := anchor.VoteFilePath("topic-1", "u1")
	if err := svc.Delete(ctx, "git://local", "votes", path, "revoke u1", "u1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := svc.ReadFile("votes", "main", path); !errors.Is(err, anchor.ErrNotFound) {
		t.Fatalf("expected archived file to be gone, got %v", err)
	}
	if err := svc.Delete(ctx, "git://local", "votes", path, "revoke again", "u1"); err != nil {
		t.Fatalf("Delete() of missing file error = %v", err)
	}
}

func TestBranchesKeepSeparateStepSequences(t *testing.T) {
	svc := New(t.TempDir())
	ctx := context.Background()

	if _, err := svc.Put(ctx, "git://local", voteCommit(t, 1, "u1", "A")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	staging := voteCommit(t, 1, "u1", "A")
	staging.Branch = "staging"
	staging.Files[1].Path = anchor.EnvelopePath("staging", "channel", 1)
	if _, err := svc.Put(ctx, "git://local", staging); err != nil {
		t.Fatalf("Put() on new branch error = %v", err)
	}

	next, err := svc.CurrentStep(ctx, "git://local", "votes", "staging", "channel")
	if err != nil {
		t.Fatalf("CurrentStep() error = %v", err)
	}
	if next != 2 {
		t.Fatalf("CurrentStep(staging) = %d, want 2", next)
	}
}

func TestPutRejectsEscapingPaths(t *testing.T) {
	svc := New(t.TempDir())
	commit := voteCommit(t, 1, "u1", "A")
	commit.Files[0].Path = "../outside.json"
	if _, err := svc.Put(context.Background(), "git://local", commit); err == nil {
		t.Fatal("expected invalid path error")
	}
}

func TestConcurrentPutsSameBranch(t *testing.T) {
	svc := New(t.TempDir())
	ctx := context.Background()

	const writers = 12
	commits := make([]anchor.Commit, writers)
	for i := range commits {
		commits[i] = voteCommit(t, int64(i+1), fmt.Sprintf("u%02d", i), "A")
	}
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if _, err := svc.Put(ctx, "git://local", commits[idx]); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			t.Fatalf("Put() concurrent error = %v", err)
		}
	}

	history, err := svc.History("votes", "main", 100)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != writers+1 {
		t.Fatalf("expected %d commits in history, got %d", writers+1, len(history))
	}
	next, err := svc.CurrentStep(ctx, "git://local", "votes", "main", "channel")
	if err != nil {
		t.Fatalf("CurrentStep() error = %v", err)
	}
	if next != writers+1 {
		t.Fatalf("CurrentStep() = %d, want %d", next, writers+1)
	}
}
