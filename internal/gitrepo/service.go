package gitrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"tallyhall/api/internal/anchor"
)

const defaultBranch = "main"

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// Service is a versioned file store backed by one git repository per repo
// id under baseDir. It implements anchor.Transport for git:// endpoints.
type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

var _ anchor.Transport = (*Service)(nil)

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (s *Service) Name() string { return "git" }

// EnsureRepo initializes the repository with a baseline commit on main.
func (s *Service) EnsureRepo(repoID, author string) error {
	lock := s.repoLock(repoID)
	lock.Lock()
	defer lock.Unlock()
	_, err := s.ensureRepo(repoID, author)
	return err
}

// Put writes every file and removes every archived path in a single commit
// on commit.Branch. Writing an envelope descriptor that already exists is a
// step conflict.
func (s *Service) Put(ctx context.Context, _ string, commit anchor.Commit) (anchor.CommitResult, error) {
	if err := ctx.Err(); err != nil {
		return anchor.CommitResult{}, err
	}
	if len(commit.Files) == 0 && len(commit.Deletes) == 0 {
		return anchor.CommitResult{}, fmt.Errorf("put: empty commit")
	}
	lock := s.repoLock(commit.Repo)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.ensureRepo(commit.Repo, commit.Author)
	if err != nil {
		return anchor.CommitResult{}, err
	}
	if err := checkoutBranch(repo, commit.Branch); err != nil {
		return anchor.CommitResult{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return anchor.CommitResult{}, fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()

	for _, file := range commit.Files {
		if !validPath(file.Path) {
			return anchor.CommitResult{}, fmt.Errorf("invalid path %q", file.Path)
		}
		if strings.HasPrefix(file.Path, "envelopes/") {
			if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(file.Path))); err == nil {
				return anchor.CommitResult{}, fmt.Errorf("%w: %s", anchor.ErrStepConflict, file.Path)
			}
		}
	}

	committed := false
	defer func() {
		if !committed {
			_ = worktree.Reset(&git.ResetOptions{Mode: git.HardReset})
		}
	}()
	for _, file := range commit.Files {
		full := filepath.Join(root, filepath.FromSlash(file.Path))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return anchor.CommitResult{}, fmt.Errorf("create dir for %s: %w", file.Path, err)
		}
		if err := os.WriteFile(full, file.Content, 0o644); err != nil {
			return anchor.CommitResult{}, fmt.Errorf("write %s: %w", file.Path, err)
		}
		if _, err := worktree.Add(file.Path); err != nil {
			return anchor.CommitResult{}, fmt.Errorf("git add %s: %w", file.Path, err)
		}
	}
	for _, p := range commit.Deletes {
		if err := removeTracked(worktree, root, p); err != nil {
			return anchor.CommitResult{}, err
		}
	}

	hash, err := worktree.Commit(commit.Message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            signature(commit.Author),
	})
	if err != nil {
		return anchor.CommitResult{}, fmt.Errorf("commit: %w", err)
	}
	committed = true
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return anchor.CommitResult{}, fmt.Errorf("read commit object: %w", err)
	}
	return anchor.CommitResult{Ref: hash.String(), CommittedAt: commitObj.Author.When.UTC()}, nil
}

// CurrentStep answers the current_step query from the descriptor names on
// the branch head. Missing repos, branches or scopes start at step 1.
func (s *Service) CurrentStep(ctx context.Context, _ string, repoID, branchID, scopeType string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	names, err := s.ListDir(repoID, branchID, anchor.EnvelopeDir(branchID, scopeType))
	if err != nil {
		return 0, err
	}
	return anchor.NextStepFromPaths(names), nil
}

// Delete archives one path in its own commit on the default branch.
func (s *Service) Delete(ctx context.Context, endpoint, repoID, filePath, message, author string) error {
	_, err := s.Put(ctx, endpoint, anchor.Commit{
		Repo:    repoID,
		Branch:  defaultBranch,
		Message: message,
		Author:  author,
		Deletes: []string{filePath},
	})
	return err
}

// ListDir returns the file names directly under dir at the branch head.
func (s *Service) ListDir(repoID, branchID, dir string) ([]string, error) {
	lock := s.repoLock(repoID)
	lock.Lock()
	defer lock.Unlock()

	tree, err := s.headTree(repoID, branchID)
	if err != nil || tree == nil {
		return nil, err
	}
	sub, err := tree.Tree(dir)
	if err != nil {
		if errors.Is(err, object.ErrDirectoryNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", dir, err)
	}
	names := make([]string, 0, len(sub.Entries))
	for _, entry := range sub.Entries {
		if entry.Mode.IsFile() {
			names = append(names, entry.Name)
		}
	}
	return names, nil
}

// ReadFile returns the content of filePath at the branch head.
func (s *Service) ReadFile(repoID, branchID, filePath string) ([]byte, error) {
	lock := s.repoLock(repoID)
	lock.Lock()
	defer lock.Unlock()

	tree, err := s.headTree(repoID, branchID)
	if err != nil {
		return nil, err
	}
	if tree == nil {
		return nil, fmt.Errorf("%w: %s", anchor.ErrNotFound, filePath)
	}
	file, err := tree.File(filePath)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return nil, fmt.Errorf("%w: %s", anchor.ErrNotFound, filePath)
		}
		return nil, fmt.Errorf("load %s: %w", filePath, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filePath, err)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// ReadJSON decodes filePath at the branch head into out.
func (s *Service) ReadJSON(repoID, branchID, filePath string, out any) error {
	raw, err := s.ReadFile(repoID, branchID, filePath)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", filePath, err)
	}
	return nil
}

func (s *Service) History(repoID, branchID string, limit int) ([]CommitInfo, error) {
	lock := s.repoLock(repoID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(repoID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchID), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branchID, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, max(limit, 0))
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func (s *Service) repoPath(repoID string) string {
	return filepath.Join(s.baseDir, repoID)
}

func (s *Service) repoLock(repoID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[repoID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[repoID] = lock
	return lock
}

// ensureRepo opens the repository, creating it with a baseline commit on
// main when missing. Callers hold the repo lock.
func (s *Service) ensureRepo(repoID, author string) (*git.Repository, error) {
	p := s.repoPath(repoID)
	repo, err := git.PlainOpen(p)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(p, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(p, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	baseline, err := json.MarshalIndent(map[string]string{"repo_id": repoID}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal baseline: %w", err)
	}
	if err := os.WriteFile(filepath.Join(p, "repo.json"), append(baseline, '\n'), 0o644); err != nil {
		return nil, fmt.Errorf("write baseline: %w", err)
	}
	if _, err := worktree.Add("repo.json"); err != nil {
		return nil, fmt.Errorf("git add baseline: %w", err)
	}
	hash, err := worktree.Commit("Initialize vote repository", &git.CommitOptions{Author: signature(author)})
	if err != nil {
		return nil, fmt.Errorf("commit baseline: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(defaultBranch), hash)); err != nil {
		return nil, fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(defaultBranch))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

// headTree returns the tree at the branch head, or nil when the repo or the
// branch does not exist yet. Callers hold the repo lock.
func (s *Service) headTree(repoID, branchID string) (*object.Tree, error) {
	repo, err := git.PlainOpen(s.repoPath(repoID))
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, nil
		}
		return nil, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchID), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("resolve branch %s: %w", branchID, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	tree, err := commitObj.Tree()
	if err != nil {
		return nil, fmt.Errorf("load tree: %w", err)
	}
	return tree, nil
}

func checkoutBranch(repo *git.Repository, branchName string) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	branchRef := plumbing.NewBranchReferenceName(branchName)
	if _, err := repo.Reference(branchRef, true); err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Create: true}); err != nil {
				return fmt.Errorf("create branch checkout %s: %w", branchName, err)
			}
			return nil
		}
		return fmt.Errorf("resolve branch %s: %w", branchName, err)
	}

	if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		return fmt.Errorf("checkout branch %s: %w", branchName, err)
	}
	return nil
}

func removeTracked(worktree *git.Worktree, root, filePath string) error {
	if !validPath(filePath) {
		return fmt.Errorf("invalid path %q", filePath)
	}
	if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(filePath))); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if _, err := worktree.Remove(filePath); err != nil {
		return fmt.Errorf("git rm %s: %w", filePath, err)
	}
	return nil
}

func validPath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") {
		return false
	}
	clean := path.Clean(p)
	return clean == p && clean != "." && !strings.HasPrefix(clean, "../") && clean != ".."
}

func signature(author string) *object.Signature {
	if author == "" {
		author = "tallyhall"
	}
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.tallyhall.dev", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
