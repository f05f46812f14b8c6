package anchor

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"go.uber.org/zap"
)

// Client routes calls to the current endpoint. When a call fails the client
// moves to the next endpoint (round-robin) so the caller's retry lands
// elsewhere; the failed call itself is not re-sent.
type Client struct {
	transports map[string]Transport
	endpoints  []string
	logger     *zap.Logger

	mu      sync.Mutex
	current int
}

// NewClient validates that every endpoint has a transport for its scheme.
// transports is keyed by URL scheme ("git", "http", "https", "s3").
func NewClient(endpoints []string, transports map[string]Transport, logger *zap.Logger) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, endpoint := range endpoints {
		scheme, err := endpointScheme(endpoint)
		if err != nil {
			return nil, err
		}
		if _, ok := transports[scheme]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownScheme, endpoint)
		}
	}
	return &Client{
		transports: transports,
		endpoints:  append([]string(nil), endpoints...),
		logger:     logger,
	}, nil
}

// Endpoint returns the endpoint the next call goes to.
func (c *Client) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoints[c.current]
}

func (c *Client) Endpoints() []string {
	return append([]string(nil), c.endpoints...)
}

func (c *Client) Put(ctx context.Context, commit Commit) (CommitResult, error) {
	idx, endpoint, transport := c.pick()
	result, err := transport.Put(ctx, endpoint, commit)
	if err != nil {
		c.fail(idx, endpoint, "put", err)
		return CommitResult{}, fmt.Errorf("put via %s: %w", transport.Name(), err)
	}
	if result.Endpoint == "" {
		result.Endpoint = endpoint
	}
	return result, nil
}

func (c *Client) CurrentStep(ctx context.Context, repo, branchID, scopeType string) (int64, error) {
	idx, endpoint, transport := c.pick()
	next, err := transport.CurrentStep(ctx, endpoint, repo, branchID, scopeType)
	if err != nil {
		c.fail(idx, endpoint, QueryCurrentStep, err)
		return 0, fmt.Errorf("query %s via %s: %w", QueryCurrentStep, transport.Name(), err)
	}
	return next, nil
}

func (c *Client) Delete(ctx context.Context, repo, filePath, message, author string) error {
	idx, endpoint, transport := c.pick()
	if err := transport.Delete(ctx, endpoint, repo, filePath, message, author); err != nil {
		c.fail(idx, endpoint, "delete", err)
		return fmt.Errorf("delete via %s: %w", transport.Name(), err)
	}
	return nil
}

func (c *Client) pick() (int, string, Transport) {
	c.mu.Lock()
	idx := c.current
	endpoint := c.endpoints[idx]
	c.mu.Unlock()
	scheme, _ := endpointScheme(endpoint)
	return idx, endpoint, c.transports[scheme]
}

// fail rotates away from idx unless a concurrent failure already did.
func (c *Client) fail(idx int, endpoint, op string, err error) {
	c.mu.Lock()
	if c.current == idx {
		c.current = (c.current + 1) % len(c.endpoints)
	}
	next := c.endpoints[c.current]
	c.mu.Unlock()
	c.logger.Warn("anchoring call failed, rotating endpoint",
		zap.String("op", op),
		zap.String("endpoint", endpoint),
		zap.String("next_endpoint", next),
		zap.Error(err),
	)
}

func endpointScheme(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	if u.Scheme == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownScheme, endpoint)
	}
	return u.Scheme, nil
}
