package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ligarius/ams-sub000/internal/auth"
	"github.com/ligarius/ams-sub000/internal/signature"
)

func issueTestToken(t *testing.T, sub, role string) string {
	t.Helper()
	token, _, err := auth.IssueActorToken([]byte("token-secret"), sub, "Test User", role, time.Hour)
	require.NoError(t, err)
	return token
}

func (e *testEnv) handler() http.Handler {
	return NewHTTPServer(e.svc, "*", zerolog.Nop()).Handler()
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any, headers http.Header) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var decoded map[string]any
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &decoded), rr.Body.String())
	}
	return rr, decoded
}

func TestHTTPApprovalLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.provider.createFn = func(context.Context, signature.CreateEnvelopeRequest) (signature.Envelope, error) {
		url := "https://sign.example.com/s/abc"
		return signature.Envelope{EnvelopeID: "env-http", SigningURL: &url, Status: signature.StatusSent}, nil
	}
	h := env.handler()
	memberToken := issueTestToken(t, "user-member", "member")
	clientToken := issueTestToken(t, "user-client", "client")
	managerToken := issueTestToken(t, "user-manager", "manager")

	rr, body := doJSON(t, h, http.MethodPost, "/api/projects/proj-1/approvals", memberToken, scenarioInput(), nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	approval := body["approval"].(map[string]any)
	assert.Equal(t, "PENDING", approval["status"])
	assert.Equal(t, "SENT", approval["signatureStatus"])
	assert.Equal(t, "env-http", approval["signatureEnvelopeId"])
	assert.Nil(t, approval["signatureUrl"], "members never see the signing link")
	id := approval["id"].(string)
	itemPath := "/api/projects/proj-1/approvals/" + id

	rr, body = doJSON(t, h, http.MethodGet, itemPath, clientToken, nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "https://sign.example.com/s/abc", body["approval"].(map[string]any)["signatureUrl"])

	rr, body = doJSON(t, h, http.MethodPost, itemPath+"/transition", managerToken, map[string]any{"status": "APPROVED"}, nil)
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "SIGNATURE_NOT_COMPLETED", body["code"])

	webhook := `{"envelopeId":"env-http","status":"completed","completedAt":"2024-01-02T12:00:00Z"}`
	rr, body = doJSON(t, h, http.MethodPost, "/signatures/webhook", "", webhook, signedWebhook(t, webhook))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "reconciled", body["status"])
	assert.Equal(t, true, body["changed"])

	env.provider.statusFn = func(_ context.Context, envelopeID string) (signature.Envelope, error) {
		return signature.Envelope{EnvelopeID: envelopeID, Status: signature.StatusSigned}, nil
	}
	rr, body = doJSON(t, h, http.MethodPost, itemPath+"/transition", managerToken, map[string]any{"status": "APPROVED", "comment": "ok"}, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	decided := body["approval"].(map[string]any)
	assert.Equal(t, "APPROVED", decided["status"])
	assert.Equal(t, "user-manager", decided["decidedById"])
	assert.Equal(t, "ok", decided["decisionComment"])

	rr, body = doJSON(t, h, http.MethodGet, itemPath+"/events", managerToken, nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	events := body["events"].([]any)
	require.Len(t, events, 3)
	actions := make([]string, 0, len(events))
	for _, raw := range events {
		actions = append(actions, raw.(map[string]any)["action"].(string))
	}
	assert.Equal(t, []string{auditApprovalCreated, auditSignatureSynced, auditApprovalApproved}, actions)

	rr, body = doJSON(t, h, http.MethodGet, "/api/projects/proj-1/approvals", managerToken, nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, body["approvals"], 1)

	rr, body = doJSON(t, h, http.MethodGet, "/api/projects/proj-1/approvals/search?q=scope&limit=5", memberToken, nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, body["results"], 1)
}

func TestHTTPRequiresActor(t *testing.T) {
	env := newTestEnv(t)
	h := env.handler()

	rr, body := doJSON(t, h, http.MethodGet, "/api/projects/proj-1/approvals", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "UNAUTHORIZED", body["code"])

	rr, _ = doJSON(t, h, http.MethodGet, "/api/projects/proj-1/approvals", "not-a-token", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr, body = doJSON(t, h, http.MethodPost, "/api/projects/proj-1/approvals", issueTestToken(t, "user-client", "client"), scenarioInput(), nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "FORBIDDEN", body["code"])
	assert.Equal(t, int32(0), env.provider.createCalls.Load())
}

func TestHTTPCreateRejectsBadBodies(t *testing.T) {
	env := newTestEnv(t)
	h := env.handler()
	token := issueTestToken(t, "user-member", "member")

	rr, body := doJSON(t, h, http.MethodPost, "/api/projects/proj-1/approvals", token, "{", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_BODY", body["code"])

	rr, body = doJSON(t, h, http.MethodPost, "/api/projects/proj-1/approvals", token, map[string]any{"title": ""}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "VALIDATION_ERROR", body["code"])
	assert.Contains(t, body["details"], "title")
}

func TestHTTPProviderFailureIsRetryable(t *testing.T) {
	env := newTestEnv(t)
	env.provider.createFn = func(context.Context, signature.CreateEnvelopeRequest) (signature.Envelope, error) {
		return signature.Envelope{}, &signature.ProviderError{StatusCode: http.StatusServiceUnavailable}
	}
	rr, body := doJSON(t, env.handler(), http.MethodPost, "/api/projects/proj-1/approvals", issueTestToken(t, "user-member", "member"), scenarioInput(), nil)
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Equal(t, "PROVIDER_REQUEST_FAILED", body["code"])
	assert.Equal(t, true, body["retryable"])
}

func TestHTTPWebhookResponses(t *testing.T) {
	env := newTestEnv(t)
	created := env.createSent(t, "env-1")
	h := env.handler()

	body := `{"envelopeId":"env-1","status":"completed"}`
	rr, decoded := doJSON(t, h, http.MethodPost, "/signatures/webhook", "", body, http.Header{"X-Webhook-Secret": {"wrong"}})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "AUTHENTICATION_FAILED", decoded["code"])

	malformed := `{"status":`
	rr, decoded = doJSON(t, h, http.MethodPost, "/signatures/webhook", "", malformed, signedWebhook(t, malformed))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "MALFORMED_WEBHOOK_PAYLOAD", decoded["code"])

	unknown := `{"envelopeId":"env-404","status":"completed"}`
	rr, decoded = doJSON(t, h, http.MethodPost, "/signatures/webhook", "", unknown, signedWebhook(t, unknown))
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, "ignored", decoded["status"])
	assert.Equal(t, "env-404", decoded["envelopeId"])

	rr, decoded = doJSON(t, h, http.MethodPost, "/signatures/webhook", "", body, signedWebhook(t, body))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "reconciled", decoded["status"])
	assert.Equal(t, created.ID, decoded["approvalId"])

	rr, decoded = doJSON(t, h, http.MethodPost, "/signatures/webhook", "", body, signedWebhook(t, body))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "duplicate", decoded["status"])
}

func TestHTTPWebhookBodyLimit(t *testing.T) {
	env := newTestEnv(t)
	huge := `{"envelopeId":"env-1","padding":"` + strings.Repeat("x", maxWebhookBodyBytes) + `"}`
	rr, decoded := doJSON(t, env.handler(), http.MethodPost, "/signatures/webhook", "", huge, signedWebhook(t, huge))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.Equal(t, "PAYLOAD_TOO_LARGE", decoded["code"])
}

func TestHTTPUnknownRoute(t *testing.T) {
	env := newTestEnv(t)
	rr, decoded := doJSON(t, env.handler(), http.MethodGet, "/api/nope", "", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", decoded["code"])
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestHTTPPreflightAndRouting(t *testing.T) {
	env := newTestEnv(t)
	h := env.handler()

	rr, _ := doJSON(t, h, http.MethodOptions, "/api/projects/proj-1/approvals/apr_1/transition", "", nil, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))

	rr, decoded := doJSON(t, h, http.MethodPost, "/api/nope", "", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", decoded["code"])

	rr, decoded = doJSON(t, h, http.MethodPost, "/api/health", "", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.Equal(t, "METHOD_NOT_ALLOWED", decoded["code"])
}
