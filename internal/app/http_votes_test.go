package app

import (
	"net/http"
	"strings"
	"testing"
)

func TestVoteLifecycle(t *testing.T) {
	server := newTestServer(t)
	op := as("operator", "op")

	rr := doRequest(t, server, http.MethodPost, "/api/admin/seed", `{"topicId":"t1","counts":{"A":2,"B":1},"source":"import"}`, op)
	expectStatus(t, rr, http.StatusOK)

	rr = doRequest(t, server, http.MethodPost, "/api/votes", `{"topicId":"t1","candidateId":"A","reliability":0.8}`, as("voter", "u1"))
	expectStatus(t, rr, http.StatusOK)
	payload := decodeResponse(t, rr)
	if payload["action"] != "NEW_VOTE" || payload["applied"] != true {
		t.Fatalf("unexpected vote result %v", payload)
	}
	if anchorStatus := payload["anchor"].(map[string]any)["status"]; anchorStatus != "skipped" {
		t.Fatalf("expected skipped anchoring without an anchorer, got %v", anchorStatus)
	}

	rr = doRequest(t, server, http.MethodPost, "/api/votes", `{"topicId":"t1","candidateId":"B"}`, as("voter", "u1"))
	expectStatus(t, rr, http.StatusOK)
	if action := decodeResponse(t, rr)["action"]; action != "VOTE_SWITCH" {
		t.Fatalf("expected VOTE_SWITCH, got %v", action)
	}

	rr = doRequest(t, server, http.MethodGet, "/api/topics/t1/tally", "", as("voter", "u1"))
	expectStatus(t, rr, http.StatusOK)
	tally := decodeResponse(t, rr)
	totals := tally["totals"].(map[string]any)
	if totals["total_votes"] != float64(4) {
		t.Fatalf("expected 4 total votes, got %v", totals["total_votes"])
	}
	candidates := totals["candidates"].(map[string]any)
	if candidates["A"] != float64(2) || candidates["B"] != float64(2) {
		t.Fatalf("unexpected candidates %v", candidates)
	}
	if tally["reconciliationHash"] == "" {
		t.Fatal("expected reconciliation hash")
	}

	rr = doRequest(t, server, http.MethodGet, "/api/topics/t1/reconciliation", "", as("auditor", "aud"))
	expectStatus(t, rr, http.StatusOK)
	if consistent := decodeResponse(t, rr)["consistent"]; consistent != true {
		t.Fatalf("expected consistent report, got %v", consistent)
	}

	rr = doRequest(t, server, http.MethodGet, "/api/audit?topicId=t1&limit=10", "", as("auditor", "aud"))
	expectStatus(t, rr, http.StatusOK)
	items := decodeResponse(t, rr)["items"].([]any)
	if len(items) != 3 {
		t.Fatalf("expected 3 audit entries, got %d", len(items))
	}
	if first := items[0].(map[string]any); first["action"] != "VOTE_SWITCH" {
		t.Fatalf("expected newest entry first, got %v", first["action"])
	}

	rr = doRequest(t, server, http.MethodGet, "/api/audit?topicId=t1&action=MOCK_DATA_ADDED", "", as("auditor", "aud"))
	expectStatus(t, rr, http.StatusOK)
	if items := decodeResponse(t, rr)["items"].([]any); len(items) != 1 {
		t.Fatalf("expected 1 seed entry, got %d", len(items))
	}

	rr = doRequest(t, server, http.MethodPost, "/api/votes/revoke", `{"topicId":"t1"}`, as("voter", "u1"))
	expectStatus(t, rr, http.StatusOK)
	if action := decodeResponse(t, rr)["action"]; action != "REVOKE" {
		t.Fatalf("expected REVOKE, got %v", action)
	}

	rr = doRequest(t, server, http.MethodPost, "/api/admin/rebuild", `{"topicId":"t1"}`, op)
	expectStatus(t, rr, http.StatusOK)
	rebuilt := decodeResponse(t, rr)["items"].([]any)
	if len(rebuilt) != 1 {
		t.Fatalf("expected one rebuilt topic, got %d", len(rebuilt))
	}
	rebuiltTotals := rebuilt[0].(map[string]any)["totals"].(map[string]any)
	if rebuiltTotals["total_votes"] != float64(3) {
		t.Fatalf("expected 3 votes after revoke, got %v", rebuiltTotals["total_votes"])
	}
}

func TestVoteValidationErrors(t *testing.T) {
	server := newTestServer(t)

	rr := doRequest(t, server, http.MethodPost, "/api/votes", `{"topicId":"t1"}`, as("voter", "u1"))
	expectStatus(t, rr, http.StatusUnprocessableEntity)
	if code := decodeResponse(t, rr)["code"]; code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", code)
	}

	rr = doRequest(t, server, http.MethodPost, "/api/votes", `{not json`, as("voter", "u1"))
	expectStatus(t, rr, http.StatusBadRequest)

	rr = doRequest(t, server, http.MethodPost, "/api/admin/seed", `{"topicId":"t1","counts":{"A":-1}}`, as("operator", "op"))
	expectStatus(t, rr, http.StatusUnprocessableEntity)
}

func TestSeedTwiceIsRejected(t *testing.T) {
	server := newTestServer(t)
	op := as("operator", "op")

	rr := doRequest(t, server, http.MethodPost, "/api/admin/seed", `{"topicId":"t1","counts":{"A":2}}`, op)
	expectStatus(t, rr, http.StatusOK)
	rr = doRequest(t, server, http.MethodPost, "/api/admin/seed", `{"topicId":"t1","counts":{"A":5}}`, op)
	expectStatus(t, rr, http.StatusUnprocessableEntity)
}

func TestUnknownTopic(t *testing.T) {
	server := newTestServer(t)

	for _, path := range []string{"/api/topics/nope/tally", "/api/topics/nope/reconciliation", "/api/topics/nope/report"} {
		rr := doRequest(t, server, http.MethodGet, path, "", as("operator", "op"))
		expectStatus(t, rr, http.StatusNotFound)
	}
}

func TestRebuildUnknownTopicIsNotFound(t *testing.T) {
	server := newTestServer(t)
	rr := doRequest(t, server, http.MethodPost, "/api/admin/rebuild", `{"topicId":"nope"}`, as("operator", "op"))
	expectStatus(t, rr, http.StatusNotFound)
}

func TestReportEndpoint(t *testing.T) {
	server := newTestServer(t)
	rr := doRequest(t, server, http.MethodPost, "/api/votes", `{"topicId":"t1","candidateId":"A"}`, as("voter", "u1"))
	expectStatus(t, rr, http.StatusOK)

	rr = doRequest(t, server, http.MethodGet, "/api/topics/t1/report", "", as("auditor", "aud"))
	expectStatus(t, rr, http.StatusOK)
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("expected html, got %q", ct)
	}
	if !strings.Contains(rr.Body.String(), "Tally report: t1") {
		t.Fatal("expected report body")
	}

	rr = doRequest(t, server, http.MethodGet, "/api/topics/t1/report?format=pdf", "", as("auditor", "aud"))
	expectStatus(t, rr, http.StatusOK)
	if ct := rr.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("expected pdf, got %q", ct)
	}
	if !strings.Contains(rr.Header().Get("Content-Disposition"), "tally-t1.pdf") {
		t.Fatalf("unexpected disposition %q", rr.Header().Get("Content-Disposition"))
	}

	rr = doRequest(t, server, http.MethodGet, "/api/topics/t1/report?format=docx", "", as("auditor", "aud"))
	expectStatus(t, rr, http.StatusUnprocessableEntity)
}

func TestAuditTextSearchFallsBackToEmpty(t *testing.T) {
	rr := doRequest(t, newTestServer(t), http.MethodGet, "/api/audit?q=alice", "", as("auditor", "aud"))
	expectStatus(t, rr, http.StatusOK)
	payload := decodeResponse(t, rr)
	if payload["query"] != "alice" {
		t.Fatalf("expected search response, got %v", payload)
	}
}

func TestStepResetWithoutAnchorer(t *testing.T) {
	rr := doRequest(t, newTestServer(t), http.MethodPost, "/api/admin/steps/reset", `{"last":0}`, as("operator", "op"))
	expectStatus(t, rr, http.StatusServiceUnavailable)
}

func TestUnknownRoutes(t *testing.T) {
	server := newTestServer(t)
	rr := doRequest(t, server, http.MethodGet, "/api/nope", "", as("operator", "op"))
	expectStatus(t, rr, http.StatusNotFound)

	rr = doRequest(t, server, http.MethodGet, "/api/admin/rebuild", "", as("operator", "op"))
	expectStatus(t, rr, http.StatusMethodNotAllowed)
}
