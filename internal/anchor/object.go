package anchor

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectTransport mirrors commits into an S3-compatible bucket. Objects are
// keyed {repo}/{branch}/{path}; an s3://bucket endpoint overrides the
// default bucket.
type ObjectTransport struct {
	store  objectStore
	bucket string
	branch string
}

// objectStore is what ObjectTransport calls; minioStore adapts *minio.Client.
type objectStore interface {
	put(ctx context.Context, bucket, key string, content []byte, meta map[string]string) (string, error)
	exists(ctx context.Context, bucket, key string) (bool, error)
	list(ctx context.Context, bucket, prefix string) ([]string, error)
	remove(ctx context.Context, bucket, key string) error
}

type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

// NewObjectTransport connects to an S3-compatible endpoint.
func NewObjectTransport(cfg S3Config, branch string) (*ObjectTransport, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("create object client: %w", err)
	}
	return &ObjectTransport{store: minioStore{client: client}, bucket: cfg.Bucket, branch: branch}, nil
}

func (t *ObjectTransport) Name() string { return "s3" }

func (t *ObjectTransport) Put(ctx context.Context, endpoint string, commit Commit) (CommitResult, error) {
	if len(commit.Files) == 0 {
		return CommitResult{}, fmt.Errorf("put: commit has no files")
	}
	bucket := t.bucketFor(endpoint)
	branch := commit.Branch
	if branch == "" {
		branch = t.branch
	}
	last := commit.Files[len(commit.Files)-1]
	lastKey := objectKey(commit.Repo, branch, last.Path)
	if strings.HasPrefix(last.Path, "envelopes/") {
		exists, err := t.store.exists(ctx, bucket, lastKey)
		if err != nil {
			return CommitResult{}, err
		}
		if exists {
			return CommitResult{}, fmt.Errorf("%w: %s", ErrStepConflict, last.Path)
		}
	}

	meta := map[string]string{"message": firstLine(commit.Message), "author": commit.Author}
	for _, file := range commit.Files[:len(commit.Files)-1] {
		if _, err := t.store.put(ctx, bucket, objectKey(commit.Repo, branch, file.Path), file.Content, meta); err != nil {
			return CommitResult{}, fmt.Errorf("put %s: %w", file.Path, err)
		}
	}
	for _, p := range commit.Deletes {
		if err := t.store.remove(ctx, bucket, objectKey(commit.Repo, branch, p)); err != nil {
			return CommitResult{}, fmt.Errorf("remove %s: %w", p, err)
		}
	}
	ref, err := t.store.put(ctx, bucket, lastKey, last.Content, meta)
	if err != nil {
		return CommitResult{}, fmt.Errorf("put %s: %w", last.Path, err)
	}
	return CommitResult{Ref: ref, Endpoint: endpoint, CommittedAt: time.Now().UTC()}, nil
}

func (t *ObjectTransport) CurrentStep(ctx context.Context, endpoint, repo, branchID, scopeType string) (int64, error) {
	prefix := objectKey(repo, branchID, EnvelopeDir(branchID, scopeType)) + "/"
	keys, err := t.store.list(ctx, t.bucketFor(endpoint), prefix)
	if err != nil {
		return 0, err
	}
	return NextStepFromPaths(keys), nil
}

func (t *ObjectTransport) Delete(ctx context.Context, endpoint, repo, filePath, _, _ string) error {
	return t.store.remove(ctx, t.bucketFor(endpoint), objectKey(repo, t.branch, filePath))
}

func (t *ObjectTransport) bucketFor(endpoint string) string {
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		return u.Host
	}
	return t.bucket
}

func objectKey(repo, branch, filePath string) string {
	return path.Join(repo, branch, filePath)
}

func firstLine(message string) string {
	line, _, _ := strings.Cut(message, "\n")
	return line
}

type minioStore struct {
	client *minio.Client
}

func (m minioStore) put(ctx context.Context, bucket, key string, content []byte, meta map[string]string) (string, error) {
	info, err := m.client.PutObject(ctx, bucket, key, bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{
		ContentType:  "application/json",
		UserMetadata: meta,
	})
	if err != nil {
		return "", err
	}
	if info.VersionID != "" {
		return info.VersionID, nil
	}
	return info.ETag, nil
}

func (m minioStore) exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := m.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", key, err)
}

func (m minioStore) list(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	for obj := range m.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

func (m minioStore) remove(ctx context.Context, bucket, key string) error {
	if err := m.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}
