package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"tallyhall/api/internal/export"
	"tallyhall/api/internal/rbac"
	"tallyhall/api/internal/vote"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *zap.Logger
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: service.logger}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

// forbid writes a 403 Forbidden response and logs the denial
func (s *HTTPServer) forbid(w http.ResponseWriter, r *http.Request, session Session, action rbac.Action) {
	s.logger.Info("request forbidden",
		zap.String("path", r.URL.Path),
		zap.String("user_id", session.UserID),
		zap.String("role", session.Role),
		zap.String("action", string(action)),
	)
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ready, checks := s.service.Ready(r.Context())
		status := "ready"
		statusCode := http.StatusOK
		if !ready {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     ready,
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		handler := s.service.MetricsHandler()
		if handler == nil {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		handler.ServeHTTP(w, r)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/votes" {
		if !s.service.Can(session.Role, rbac.ActionVote) {
			s.forbid(w, r, session, rbac.ActionVote)
			return
		}
		var body VoteInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.SubmitVote(r.Context(), session, body)
		writeVoteResult(w, result, err)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/votes/revoke" {
		if !s.service.Can(session.Role, rbac.ActionVote) {
			s.forbid(w, r, session, rbac.ActionVote)
			return
		}
		var body struct {
			UserID  string `json:"userId"`
			TopicID string `json:"topicId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.RevokeVote(r.Context(), session, body.UserID, body.TopicID)
		writeVoteResult(w, result, err)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/topics" {
		if !s.service.Can(session.Role, rbac.ActionRead) {
			s.forbid(w, r, session, rbac.ActionRead)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": nonNilStrings(s.service.Topics())})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) == 4 && parts[0] == "api" && parts[1] == "topics" {
		s.handleTopic(w, r, session, parts[2], parts[3])
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/audit" {
		if !s.service.Can(session.Role, rbac.ActionAudit) {
			s.forbid(w, r, session, rbac.ActionAudit)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		result, err := s.service.Audit(AuditFilterInput{
			TopicID: strings.TrimSpace(r.URL.Query().Get("topicId")),
			Action:  strings.TrimSpace(r.URL.Query().Get("action")),
			Query:   r.URL.Query().Get("q"),
			Limit:   limit,
		})
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "admin" {
		s.handleAdmin(w, r, session, strings.Join(parts[2:], "/"))
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleTopic(w http.ResponseWriter, r *http.Request, session Session, topicID, view string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	switch view {
	case "tally":
		if !s.service.Can(session.Role, rbac.ActionRead) {
			s.forbid(w, r, session, rbac.ActionRead)
			return
		}
		result, err := s.service.Tally(topicID)
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case "reconciliation":
		if !s.service.Can(session.Role, rbac.ActionAudit) {
			s.forbid(w, r, session, rbac.ActionAudit)
			return
		}
		report, err := s.service.Reconciliation(topicID)
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"report":     report,
			"consistent": report.Consistent(),
		})

	case "report":
		if !s.service.Can(session.Role, rbac.ActionAudit) {
			s.forbid(w, r, session, rbac.ActionAudit)
			return
		}
		format, err := export.ParseFormat(r.URL.Query().Get("format"))
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", export.ErrUnsupportedFormat.Error(), nil)
			return
		}
		result, err := s.service.Report(r.Context(), topicID, format)
		if err != nil {
			writeFailure(w, err)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", result.Filename))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request, session Session, action string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	if !s.service.Can(session.Role, rbac.ActionAdmin) {
		s.forbid(w, r, session, rbac.ActionAdmin)
		return
	}

	switch action {
	case "rebuild":
		var body struct {
			TopicID string `json:"topicId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		results, err := s.service.Rebuild(r.Context(), body.TopicID)
		if err != nil && len(results) == 0 {
			writeFailure(w, err)
			return
		}
		response := map[string]any{"items": results}
		if err != nil {
			response["anchorError"] = err.Error()
		}
		writeJSON(w, http.StatusOK, response)

	case "seed":
		var body struct {
			TopicID string         `json:"topicId"`
			Counts  map[string]int `json:"counts"`
			Source  string         `json:"source"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.Seed(r.Context(), body.TopicID, body.Counts, body.Source)
		writeVoteResult(w, result, err)

	case "steps/reset":
		var body struct {
			ScopeType string `json:"scopeType"`
			Last      int64  `json:"last"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		key, err := s.service.ResetSteps(r.Context(), body.ScopeType, body.Last)
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"scope": key.String(), "last": body.Last})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// writeVoteResult reports anchoring failures with the accepted change in
// details, since the in-memory state has already moved. A change accepted
// without anchoring is 202.
func writeVoteResult(w http.ResponseWriter, result vote.Result, err error) {
	if err == nil {
		status := http.StatusOK
		if result.Anchor.Status == vote.AnchorUnanchored {
			status = http.StatusAccepted
		}
		writeJSON(w, status, result)
		return
	}
	status, code, message, details := mapError(err)
	if vote.IsKind(err, vote.KindAnchoring) || vote.IsKind(err, vote.KindStepOrdering) {
		details = result
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Tallyhall-Role, X-Tallyhall-User")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeFailure maps err onto its status and error body.
func writeFailure(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func nonNilStrings(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
