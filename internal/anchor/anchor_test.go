package anchor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tallyhall/api/internal/envelope"
)

// memoryTransport is an in-process store keyed by repo/branch/path.
type memoryTransport struct {
	mu      sync.Mutex
	files   map[string][]byte
	commits int
	putErr  func(call int) error
	calls   int
}

func newMemoryTransport() *memoryTransport {
	return &memoryTransport{files: make(map[string][]byte)}
}

func (m *memoryTransport) Name() string { return "memory" }

func (m *memoryTransport) Put(_ context.Context, endpoint string, commit Commit) (CommitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.putErr != nil {
		if err := m.putErr(m.calls); err != nil {
			return CommitResult{}, err
		}
	}
	for _, f := range commit.Files {
		key := commit.Repo + "/" + commit.Branch + "/" + f.Path
		if strings.HasPrefix(f.Path, "envelopes/") {
			if _, ok := m.files[key]; ok {
				return CommitResult{}, fmt.Errorf("%w: %s", ErrStepConflict, f.Path)
			}
		}
	}
	for _, f := range commit.Files {
		m.files[commit.Repo+"/"+commit.Branch+"/"+f.Path] = f.Content
	}
	for _, p := range commit.Deletes {
		delete(m.files, commit.Repo+"/"+commit.Branch+"/"+p)
	}
	m.commits++
	return CommitResult{Ref: fmt.Sprintf("ref-%d", m.commits), Endpoint: endpoint}, nil
}

func (m *memoryTransport) CurrentStep(_ context.Context, _ string, repo, branchID, scopeType string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := repo + "/" + branchID + "/" + EnvelopeDir(branchID, scopeType) + "/"
	var paths []string
	for k := range m.files {
		if strings.HasPrefix(k, prefix) {
			paths = append(paths, k)
		}
	}
	return NextStepFromPaths(paths), nil
}

func (m *memoryTransport) Delete(_ context.Context, _ string, repo, filePath, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, repo+"/main/"+filePath)
	return nil
}

func (m *memoryTransport) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[key]
	return ok
}

func (m *memoryTransport) get(key string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.files[key]
}

// fakeTransport routes every call through func fields.
type fakeTransport struct {
	put func(endpoint string) error
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Put(_ context.Context, endpoint string, _ Commit) (CommitResult, error) {
	if err := f.put(endpoint); err != nil {
		return CommitResult{}, err
	}
	return CommitResult{Ref: "ok"}, nil
}

func (f *fakeTransport) CurrentStep(context.Context, string, string, string, string) (int64, error) {
	return 1, nil
}

func (f *fakeTransport) Delete(context.Context, string, string, string, string, string) error {
	return nil
}

func TestPaths(t *testing.T) {
	assert.Equal(t, "votes/channel/t1/user/u1.json", VoteFilePath("t1", "u1"))
	assert.Equal(t, "envelopes/main/channel/000000000042.json", EnvelopePath("main", "channel", 42))
	assert.Equal(t, int64(1), NextStepFromPaths(nil))
	assert.Equal(t, int64(8), NextStepFromPaths([]string{
		"envelopes/main/channel/000000000002.json",
		"000000000007.json",
		"README.md",
		"notastep.json",
	}))
}

func TestNewClientValidatesEndpoints(t *testing.T) {
	_, err := NewClient(nil, nil, nil)
	assert.ErrorIs(t, err, ErrNoEndpoints)

	_, err = NewClient([]string{"ftp://x"}, map[string]Transport{"git": newMemoryTransport()}, nil)
	assert.ErrorIs(t, err, ErrUnknownScheme)

	_, err = NewClient([]string{"local"}, map[string]Transport{"git": newMemoryTransport()}, nil)
	assert.ErrorIs(t, err, ErrUnknownScheme)
}

func TestClientRotatesOnFailureWithoutResending(t *testing.T) {
	var calls []string
	fake := &fakeTransport{put: func(endpoint string) error {
		calls = append(calls, endpoint)
		if endpoint == "http://a" {
			return errors.New("down")
		}
		return nil
	}}
	client, err := NewClient([]string{"http://a", "http://b"}, map[string]Transport{"http": fake}, nil)
	require.NoError(t, err)

	_, err = client.Put(context.Background(), Commit{})
	require.Error(t, err)
	assert.Equal(t, []string{"http://a"}, calls)
	assert.Equal(t, "http://b", client.Endpoint())

	result, err := client.Put(context.Background(), Commit{})
	require.NoError(t, err)
	assert.Equal(t, "http://b", result.Endpoint)
	assert.Equal(t, []string{"http://a", "http://b"}, calls)
}

func TestClientRotationWrapsAround(t *testing.T) {
	fake := &fakeTransport{put: func(string) error { return errors.New("down") }}
	client, err := NewClient([]string{"http://a", "http://b", "http://c"}, map[string]Transport{"http": fake}, nil)
	require.NoError(t, err)
	for _, want := range []string{"http://b", "http://c", "http://a"} {
		_, err := client.Put(context.Background(), Commit{})
		require.Error(t, err)
		assert.Equal(t, want, client.Endpoint())
	}
}

func newTestAnchorer(t *testing.T, transport Transport, attempts int) *Anchorer {
	t.Helper()
	client, err := NewClient([]string{"git://local"}, map[string]Transport{"git": transport}, nil)
	require.NoError(t, err)
	builder := envelope.NewBuilder("tallyhall", envelope.NewStepCounter())
	return NewAnchorer(client, builder, Options{
		Repo:        "votes",
		Branch:      "main",
		MaxAttempts: attempts,
		Backoff:     time.Millisecond,
		Timeout:     time.Second,
	}, nil)
}

func voteRequest(t *testing.T, userID, candidateID string) Request {
	t.Helper()
	file, err := VoteFile{UserID: userID, ChannelID: "t1", CandidateID: candidateID, Vote: "single", TS: time.Unix(0, 0).UTC()}.File()
	require.NoError(t, err)
	return Request{
		ScopeType: "channel",
		Class:     envelope.ClassRowCreate,
		Payload:   envelope.RowCreate{RowID: userID, Values: map[string]string{"candidate_id": candidateID}},
		Actor:     envelope.Actor{ActorID: userID, ActorKind: "user"},
		Files:     []File{file},
		Message:   "NEW_VOTE " + userID,
	}
}

func TestAnchorWritesFilesAndAdvancesStep(t *testing.T) {
	mem := newMemoryTransport()
	a := newTestAnchorer(t, mem, 3)
	ctx := context.Background()

	first, err := a.Anchor(ctx, voteRequest(t, "u1", "A"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Envelope.Step.ScopeStep)
	assert.Equal(t, "sel:v1/votes/main/1", first.Envelope.Selection.SelectionID)
	assert.Equal(t, 1, first.Attempts)
	assert.True(t, first.Envelope.Finalized())

	second, err := a.Anchor(ctx, voteRequest(t, "u2", "B"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Envelope.Step.ScopeStep)

	assert.True(t, mem.has("votes/main/votes/channel/t1/user/u1.json"))
	raw := mem.get("votes/main/envelopes/main/channel/000000000002.json")
	require.NotNil(t, raw)
	var stored envelope.Envelope
	require.NoError(t, json.Unmarshal(raw, &stored))
	assert.NoError(t, envelope.Verify(stored, []string{VoteFilePath("t1", "u2")}))
	assert.Equal(t, int64(2), a.Steps().Last(a.Scope("channel").Key()))
}

func TestAnchorRetriesWithSameStep(t *testing.T) {
	mem := newMemoryTransport()
	mem.putErr = func(call int) error {
		if call < 3 {
			return errors.New("temporarily unavailable")
		}
		return nil
	}
	a := newTestAnchorer(t, mem, 3)

	receipt, err := a.Anchor(context.Background(), voteRequest(t, "u1", "A"))
	require.NoError(t, err)
	assert.Equal(t, 3, receipt.Attempts)
	assert.Equal(t, int64(1), receipt.Envelope.Step.ScopeStep)
}

func TestAnchorExhaustionLeavesStepAvailable(t *testing.T) {
	mem := newMemoryTransport()
	mem.putErr = func(int) error { return errors.New("down") }
	a := newTestAnchorer(t, mem, 2)
	key := a.Scope("channel").Key()

	_, err := a.Anchor(context.Background(), voteRequest(t, "u1", "A"))
	require.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 2, mem.calls)
	assert.Equal(t, int64(0), a.Steps().Last(key))

	mem.putErr = nil
	receipt, err := a.Anchor(context.Background(), voteRequest(t, "u1", "A"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), receipt.Envelope.Step.ScopeStep)
}

func TestAnchorResyncsAfterConflict(t *testing.T) {
	mem := newMemoryTransport()
	// Another writer already anchored steps 1 and 2.
	mem.files["votes/main/"+EnvelopePath("main", "channel", 1)] = []byte("{}")
	mem.files["votes/main/"+EnvelopePath("main", "channel", 2)] = []byte("{}")
	a := newTestAnchorer(t, mem, 3)

	receipt, err := a.Anchor(context.Background(), voteRequest(t, "u1", "A"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), receipt.Envelope.Step.ScopeStep)

	// Another writer advances behind our back; the stale step conflicts and
	// the next attempt re-syncs.
	mem.files["votes/main/"+EnvelopePath("main", "channel", 4)] = []byte("{}")
	receipt, err = a.Anchor(context.Background(), voteRequest(t, "u2", "B"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), receipt.Envelope.Step.ScopeStep)
	assert.Equal(t, 2, receipt.Attempts)
}

func TestAnchorHaltedScopeFailsFast(t *testing.T) {
	mem := newMemoryTransport()
	a := newTestAnchorer(t, mem, 5)
	key := a.Scope("channel").Key()
	require.NoError(t, a.Steps().Commit(key, 1))
	require.Error(t, a.Steps().Commit(key, 5))

	_, err := a.Anchor(context.Background(), voteRequest(t, "u1", "A"))
	require.ErrorIs(t, err, envelope.ErrStepOrdering)
	assert.NotErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 0, mem.calls)
}

func TestAnchorSerializesConcurrentWrites(t *testing.T) {
	mem := newMemoryTransport()
	a := newTestAnchorer(t, mem, 3)

	const writers = 20
	var wg sync.WaitGroup
	steps := make(chan int64, writers)
	for i := 0; i < writers; i++ {
		req := voteRequest(t, fmt.Sprintf("u%02d", i), "A")
		wg.Add(1)
		go func() {
			defer wg.Done()
			receipt, err := a.Anchor(context.Background(), req)
			if err == nil {
				steps <- receipt.Envelope.Step.ScopeStep
			}
		}()
	}
	wg.Wait()
	close(steps)

	seen := make(map[int64]bool)
	for s := range steps {
		assert.False(t, seen[s], "step %d issued twice", s)
		seen[s] = true
	}
	assert.Len(t, seen, writers)
	for i := int64(1); i <= writers; i++ {
		assert.True(t, seen[i], "missing step %d", i)
	}
}

func TestHTTPTransport(t *testing.T) {
	var (
		mu   sync.Mutex
		puts = map[string]putRequest{}
		dels []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/repos/votes/query/current_step":
			assert.Equal(t, "main", r.URL.Query().Get("branch_id"))
			assert.Equal(t, "channel", r.URL.Query().Get("scope_type"))
			_ = json.NewEncoder(w).Encode(StepAnswer{NextStep: 9})
		case r.Method == http.MethodPut:
			var body putRequest
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			mu.Lock()
			puts[r.URL.Path] = body
			mu.Unlock()
			if strings.Contains(r.URL.Path, "/envelopes/") && strings.HasSuffix(r.URL.Path, "000000000001.json") {
				w.WriteHeader(http.StatusConflict)
				_, _ = io.WriteString(w, "exists")
				return
			}
			_ = json.NewEncoder(w).Encode(putResponse{Ref: "abc123"})
		case r.Method == http.MethodDelete:
			mu.Lock()
			dels = append(dels, r.URL.Path)
			mu.Unlock()
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.Client(), "main")
	ctx := context.Background()

	next, err := tr.CurrentStep(ctx, srv.URL, "votes", "main", "channel")
	require.NoError(t, err)
	assert.Equal(t, int64(9), next)

	commit := Commit{
		Repo: "votes", Branch: "main", Message: "m", Author: "u1",
		Files: []File{
			{Path: "votes/channel/t1/user/u1.json", Content: []byte(`{"a":1}`)},
			{Path: EnvelopePath("main", "channel", 9), Content: []byte(`{}`)},
		},
		Deletes: []string{"votes/channel/t1/user/u0.json"},
	}
	result, err := tr.Put(ctx, srv.URL+"/", commit)
	require.NoError(t, err)
	assert.Equal(t, "abc123", result.Ref)
	assert.Equal(t, `{"a":1}`, puts["/repos/votes/votes/channel/t1/user/u1.json"].Content)
	assert.Equal(t, "u1", puts["/repos/votes/votes/channel/t1/user/u1.json"].Author)
	assert.Equal(t, []string{"/repos/votes/votes/channel/t1/user/u0.json"}, dels)

	commit.Files[1].Path = EnvelopePath("main", "channel", 1)
	_, err = tr.Put(ctx, srv.URL, commit)
	assert.ErrorIs(t, err, ErrStepConflict)
}

type fakeObjectStore struct {
	objects map[string][]byte
}

func (f *fakeObjectStore) put(_ context.Context, bucket, key string, content []byte, _ map[string]string) (string, error) {
	f.objects[bucket+":"+key] = content
	return "etag-" + key, nil
}

func (f *fakeObjectStore) exists(_ context.Context, bucket, key string) (bool, error) {
	_, ok := f.objects[bucket+":"+key]
	return ok, nil
}

func (f *fakeObjectStore) list(_ context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, bucket+":"+prefix) {
			keys = append(keys, strings.TrimPrefix(k, bucket+":"))
		}
	}
	return keys, nil
}

func (f *fakeObjectStore) remove(_ context.Context, bucket, key string) error {
	delete(f.objects, bucket+":"+key)
	return nil
}

func TestObjectTransportLayout(t *testing.T) {
	store := &fakeObjectStore{objects: map[string][]byte{}}
	tr := &ObjectTransport{store: store, bucket: "anchors", branch: "main"}
	ctx := context.Background()

	next, err := tr.CurrentStep(ctx, "s3://mirror", "votes", "main", "channel")
	require.NoError(t, err)
	assert.Equal(t, int64(1), next)

	commit := Commit{
		Repo: "votes", Branch: "main",
		Files: []File{
			{Path: VoteFilePath("t1", "u1"), Content: []byte("{}")},
			{Path: EnvelopePath("main", "channel", 1), Content: []byte("{}")},
		},
	}
	result, err := tr.Put(ctx, "s3://mirror", commit)
	require.NoError(t, err)
	assert.Equal(t, "etag-votes/main/envelopes/main/channel/000000000001.json", result.Ref)
	assert.Contains(t, store.objects, "mirror:votes/main/votes/channel/t1/user/u1.json")

	next, err = tr.CurrentStep(ctx, "s3://mirror", "votes", "main", "channel")
	require.NoError(t, err)
	assert.Equal(t, int64(2), next)

	_, err = tr.Put(ctx, "s3://mirror", commit)
	assert.ErrorIs(t, err, ErrStepConflict)

	require.NoError(t, tr.Delete(ctx, "s3://mirror", "votes", VoteFilePath("t1", "u1"), "", ""))
	assert.NotContains(t, store.objects, "mirror:votes/main/votes/channel/t1/user/u1.json")
}
