package app

import (
	"net/http"
	"testing"
)

func TestRoleMatrix(t *testing.T) {
	endpoints := []struct {
		name   string
		method string
		path   string
		body   string
		allow  map[string]bool
	}{
		{name: "vote", method: http.MethodPost, path: "/api/votes", body: `{"topicId":"t1","candidateId":"A"}`,
			allow: map[string]bool{"voter": true, "auditor": false, "operator": true}},
		{name: "revoke", method: http.MethodPost, path: "/api/votes/revoke", body: `{"topicId":"t1"}`,
			allow: map[string]bool{"voter": true, "auditor": false, "operator": true}},
		{name: "topics", method: http.MethodGet, path: "/api/topics",
			allow: map[string]bool{"voter": true, "auditor": true, "operator": true}},
		{name: "audit", method: http.MethodGet, path: "/api/audit",
			allow: map[string]bool{"voter": false, "auditor": true, "operator": true}},
		{name: "rebuild", method: http.MethodPost, path: "/api/admin/rebuild", body: `{}`,
			allow: map[string]bool{"voter": false, "auditor": false, "operator": true}},
		{name: "seed", method: http.MethodPost, path: "/api/admin/seed", body: `{"topicId":"t9","counts":{"A":1}}`,
			allow: map[string]bool{"voter": false, "auditor": false, "operator": true}},
	}

	for _, ep := range endpoints {
		for role, allowed := range ep.allow {
			t.Run(ep.name+"/"+role, func(t *testing.T) {
				rr := doRequest(t, newTestServer(t), ep.method, ep.path, ep.body, as(role, "u1"))
				if allowed && rr.Code == http.StatusForbidden {
					t.Fatalf("expected %s to be allowed, got 403 body=%s", role, rr.Body.String())
				}
				if !allowed {
					expectStatus(t, rr, http.StatusForbidden)
					if code := decodeResponse(t, rr)["code"]; code != "FORBIDDEN" {
						t.Fatalf("expected code FORBIDDEN, got %v", code)
					}
				}
			})
		}
	}
}

func TestVoterCannotActForAnotherUser(t *testing.T) {
	server := newTestServer(t)

	rr := doRequest(t, server, http.MethodPost, "/api/votes", `{"userId":"u2","topicId":"t1","candidateId":"A"}`, as("voter", "u1"))
	expectStatus(t, rr, http.StatusForbidden)

	rr = doRequest(t, server, http.MethodPost, "/api/votes", `{"userId":"u2","topicId":"t1","candidateId":"A"}`, as("operator", "op"))
	expectStatus(t, rr, http.StatusOK)
}
