package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// HTTPTransport speaks the store's REST surface:
//
//	PUT    {endpoint}/repos/{repo}/{path}          {content, message, author, branch}
//	DELETE {endpoint}/repos/{repo}/{path}          {message, author, branch}
//	GET    {endpoint}/repos/{repo}/query/{name}?.. JSON answer
type HTTPTransport struct {
	client *http.Client
	branch string
}

func NewHTTPTransport(client *http.Client, branch string) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPTransport{client: client, branch: branch}
}

func (t *HTTPTransport) Name() string { return "http" }

type putRequest struct {
	Content string `json:"content"`
	Message string `json:"message"`
	Author  string `json:"author"`
	Branch  string `json:"branch,omitempty"`
}

type putResponse struct {
	Ref string `json:"ref"`
}

// Put writes the domain files concurrently, then the last file (the envelope
// descriptor) once they all landed. Its ref identifies the commit.
func (t *HTTPTransport) Put(ctx context.Context, endpoint string, commit Commit) (CommitResult, error) {
	if len(commit.Files) == 0 {
		return CommitResult{}, fmt.Errorf("put: commit has no files")
	}
	branch := commit.Branch
	if branch == "" {
		branch = t.branch
	}
	head, last := commit.Files[:len(commit.Files)-1], commit.Files[len(commit.Files)-1]

	g, gctx := errgroup.WithContext(ctx)
	for _, file := range head {
		g.Go(func() error {
			_, err := t.putFile(gctx, endpoint, commit.Repo, branch, file, commit.Message, commit.Author)
			return err
		})
	}
	for _, p := range commit.Deletes {
		g.Go(func() error {
			return t.deleteFile(gctx, endpoint, commit.Repo, branch, p, commit.Message, commit.Author)
		})
	}
	if err := g.Wait(); err != nil {
		return CommitResult{}, err
	}

	ref, err := t.putFile(ctx, endpoint, commit.Repo, branch, last, commit.Message, commit.Author)
	if err != nil {
		return CommitResult{}, err
	}
	return CommitResult{Ref: ref, Endpoint: endpoint, CommittedAt: time.Now().UTC()}, nil
}

func (t *HTTPTransport) CurrentStep(ctx context.Context, endpoint, repo, branchID, scopeType string) (int64, error) {
	params := url.Values{}
	params.Set("branch_id", branchID)
	params.Set("scope_type", scopeType)
	target := fmt.Sprintf("%s/repos/%s/query/%s?%s",
		strings.TrimRight(endpoint, "/"), url.PathEscape(repo), QueryCurrentStep, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, fmt.Errorf("build query request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("query %s: %w", QueryCurrentStep, err)
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return 0, err
	}
	var answer StepAnswer
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return 0, fmt.Errorf("decode %s answer: %w", QueryCurrentStep, err)
	}
	if answer.NextStep < 1 {
		answer.NextStep = 1
	}
	return answer.NextStep, nil
}

func (t *HTTPTransport) Delete(ctx context.Context, endpoint, repo, filePath, message, author string) error {
	return t.deleteFile(ctx, endpoint, repo, t.branch, filePath, message, author)
}

func (t *HTTPTransport) putFile(ctx context.Context, endpoint, repo, branch string, file File, message, author string) (string, error) {
	body, err := json.Marshal(putRequest{Content: string(file.Content), Message: message, Author: author, Branch: branch})
	if err != nil {
		return "", fmt.Errorf("marshal put body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, fileURL(endpoint, repo, file.Path), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build put request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("put %s: %w", file.Path, err)
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return "", fmt.Errorf("put %s: %w", file.Path, err)
	}
	var out putResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		return "", fmt.Errorf("decode put response: %w", err)
	}
	return out.Ref, nil
}

func (t *HTTPTransport) deleteFile(ctx context.Context, endpoint, repo, branch, filePath, message, author string) error {
	body, err := json.Marshal(putRequest{Message: message, Author: author, Branch: branch})
	if err != nil {
		return fmt.Errorf("marshal delete body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, fileURL(endpoint, repo, filePath), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("delete %s: %w", filePath, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if err := statusError(resp); err != nil {
		return fmt.Errorf("delete %s: %w", filePath, err)
	}
	return nil
}

func fileURL(endpoint, repo, filePath string) string {
	segments := strings.Split(filePath, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("%s/repos/%s/%s", strings.TrimRight(endpoint, "/"), url.PathEscape(repo), strings.Join(segments, "/"))
}

func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	switch resp.StatusCode {
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrStepConflict, strings.TrimSpace(string(msg)))
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, strings.TrimSpace(string(msg)))
	}
	return fmt.Errorf("store returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
}
