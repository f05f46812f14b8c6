package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"tallyhall/api/internal/audit"
	"tallyhall/api/internal/config"
	"tallyhall/api/internal/export"
	"tallyhall/api/internal/search"
	"tallyhall/api/internal/vote"
)

type fakePinger struct {
	pingFn func(context.Context) error
}

func (f *fakePinger) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakePDF struct{}

func (fakePDF) RenderPDF(context.Context, string) ([]byte, error) {
	return []byte("%PDF-1.7 fake"), nil
}

func newTestService(t *testing.T, cfg config.Config, checks map[string]Pinger) *Service {
	t.Helper()
	if cfg.ScopeType == "" {
		cfg.ScopeType = "channel"
	}
	coordinator := vote.New(vote.Deps{
		Audit: audit.NewService(audit.NewLog(), nil, nil),
	}, vote.Options{ScopeType: cfg.ScopeType})
	return New(cfg, Deps{
		Votes:  coordinator,
		Search: search.NewService(nil, nil, nil),
		Export: export.NewService(coordinator, fakePDF{}),
		Checks: checks,
	})
}

func newTestServer(t *testing.T) *HTTPServer {
	t.Helper()
	return NewHTTPServer(newTestService(t, config.Config{}, nil), "*")
}

func doRequest(t *testing.T, server *HTTPServer, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func as(role, user string) map[string]string {
	return map[string]string{headerRole: role, headerUser: user}
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return payload
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected status %d, got %d body=%s", want, rr.Code, rr.Body.String())
	}
}
