package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ligarius/ams-sub000/internal/auth"
)

const (
	maxWebhookBodyBytes = 1 << 20
	maxAPIBodyBytes     = 1 << 20
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        zerolog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, log zerolog.Logger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: log}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)

	r.Get("/api/health", s.handleHealth)
	r.Head("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Head("/api/ready", s.handleReady)

	r.Post("/signatures/webhook", s.handleSignatureWebhook)

	r.Route("/api/projects/{projectId}/approvals", func(api chi.Router) {
		api.Use(s.requireActor)
		api.Get("/", s.handleListApprovals)
		api.Post("/", s.handleCreateApproval)
		api.Get("/search", s.handleSearchApprovals)
		api.Route("/{approvalId}", func(item chi.Router) {
			item.Get("/", s.handleGetApproval)
			item.Post("/transition", s.handleTransitionApproval)
			item.Post("/signature/refresh", s.handleRefreshSignature)
			item.Get("/events", s.handleListAuditEvents)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSignatureWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Webhook body too large", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Unable to read body", nil)
		return
	}

	result, err := s.service.ReceiveSignatureWebhook(r.Context(), r.Header, body)
	if err != nil {
		if KindOf(err) == KindAuthenticationFailed {
			s.log.Warn().
				Str("request_id", requestIDFrom(r.Context())).
				Str("remote_addr", r.RemoteAddr).
				Msg("webhook rejected: authentication failed")
		}
		s.writeServiceError(w, r, err)
		return
	}

	switch result.Outcome {
	case WebhookUnknownEnvelope:
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "ignored", "envelopeId": result.EnvelopeID})
	case WebhookDuplicate:
		writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "reconciled",
			"approvalId": result.ApprovalID,
			"changed":    result.Changed,
		})
	}
}

func (s *HTTPServer) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	items, err := s.service.ListApprovals(r.Context(), chi.URLParam(r, "projectId"), actor)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": newApprovalViews(items, actor.Role)})
}

func (s *HTTPServer) handleCreateApproval(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	var body CreateApprovalInput
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	item, err := s.service.CreateApproval(r.Context(), chi.URLParam(r, "projectId"), body, actor)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"approval": newApprovalView(item, actor.Role)})
}

func (s *HTTPServer) handleSearchApprovals(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", "limit must be a non-negative integer", nil)
			return
		}
		limit = parsed
	}
	resp, err := s.service.SearchApprovals(r.Context(), chi.URLParam(r, "projectId"), r.URL.Query().Get("q"), limit, actor)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	item, err := s.service.GetApproval(r.Context(), chi.URLParam(r, "projectId"), chi.URLParam(r, "approvalId"), actor)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approval": newApprovalView(item, actor.Role)})
}

func (s *HTTPServer) handleTransitionApproval(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	var body TransitionInput
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	item, err := s.service.TransitionApproval(r.Context(), chi.URLParam(r, "projectId"), chi.URLParam(r, "approvalId"), body, actor)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approval": newApprovalView(item, actor.Role)})
}

func (s *HTTPServer) handleRefreshSignature(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	item, err := s.service.RefreshSignature(r.Context(), chi.URLParam(r, "projectId"), chi.URLParam(r, "approvalId"), actor)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approval": newApprovalView(item, actor.Role)})
}

func (s *HTTPServer) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	events, err := s.service.ListAuditEvents(r.Context(), chi.URLParam(r, "projectId"), chi.URLParam(r, "approvalId"), actor)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": newAuditEventViews(events)})
}

func (s *HTTPServer) requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, _ := auth.BearerToken(r.Header.Get("Authorization"))
		actor, err := s.service.ActorFromToken(token)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, requestID))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details, retryable := mapError(err)
	if status >= http.StatusInternalServerError && KindOf(err) == "" {
		s.log.Error().Err(err).Str("request_id", requestIDFrom(r.Context())).Msg("request failed")
	}
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	if retryable {
		response["retryable"] = true
	}
	writeJSON(w, status, response)
}

type requestIDKey struct{}
type actorKey struct{}

func requestIDFrom(ctx context.Context) string {
	value, _ := ctx.Value(requestIDKey{}).(string)
	return value
}

func actorFrom(ctx context.Context) Actor {
	actor, _ := ctx.Value(actorKey{}).(Actor)
	return actor
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
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

func decodeBody(w http.ResponseWriter, r *http.Request, target any) error {
	if r.Body == nil {
		return fmt.Errorf("request body is required")
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAPIBodyBytes))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body is required")
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func mapError(err error) (status int, code, message string, details any, retryable bool) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, string(domainErr.Code), domainErr.Message, domainErr.Details, domainErr.Retryable
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, string(KindUnauthorized), "Unauthorized", nil, false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "TIMEOUT", "Request timed out", nil, true
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil, false
}
