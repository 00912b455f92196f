package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"carbon-scribe/credit-lifecycle/internal/config"
	"carbon-scribe/credit-lifecycle/internal/issuance"
	"carbon-scribe/credit-lifecycle/internal/registry"
	"carbon-scribe/credit-lifecycle/internal/trading"
	"carbon-scribe/credit-lifecycle/pkg/lifecycle"
)

type testServer struct {
	t      *testing.T
	api    *API
	router *gin.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Default()
	cfg.Security.JWTSecret = "test-secret"

	api, err := SetupAPI(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = api.Close() })
	return &testServer{t: t, api: api, router: api.NewRouter()}
}

func (s *testServer) token(subject, role string) string {
	tok, err := s.api.Tokens.GenerateToken(subject, role, time.Hour)
	require.NoError(s.t, err)
	return tok
}

func (s *testServer) do(method, path, token string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	_, err := s.api.Reconciliation.RunOnce(context.Background())
	require.NoError(t, err)
	w = s.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "credit_reconciliation_tick_duration_seconds")
}

func TestRoutesRequireAuthentication(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/api/v1/projects", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/api/v1/projects", "not-a-jwt", nil).Code)

	owner := s.token("alice", lifecycle.RoleOwner)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/v1/projects", owner, nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, "/api/v1/reports/supply", owner, nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodPost, "/api/v1/reconciliation/run", owner, nil).Code)

	operator := s.token("ops", lifecycle.RoleOperator)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/v1/reports/supply", operator, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/v1/reports/audit", operator, nil).Code)
}

func TestIssueAndReconcileOverHTTP(t *testing.T) {
	s := newTestServer(t)
	owner := s.token("alice", lifecycle.RoleOwner)
	verifier := s.token("vera", lifecycle.RoleVerifier)
	operator := s.token("ops", lifecycle.RoleOperator)

	w := s.do(http.MethodPost, "/api/v1/projects", owner, map[string]any{
		"name":                       "Mangrove restoration",
		"estimated_annual_reduction": 1200,
		"methodology_tag":            "VM0033",
		"document":                   []byte("%PDF-1.4 monitoring report"),
		"document_content_type":      "application/pdf",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var project registry.Project
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &project))
	assert.Equal(t, registry.ProjectStatusSubmitted, project.Status)

	w = s.do(http.MethodPost, "/api/v1/projects/"+project.ID.String()+"/approve", owner, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = s.do(http.MethodPost, "/api/v1/projects/"+project.ID.String()+"/approve", verifier, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodPost, "/api/v1/projects/"+project.ID.String()+"/issue", operator, nil)
	require.Contains(t, []int{http.StatusAccepted, http.StatusOK}, w.Code, w.Body.String())
	var res issuance.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.NotNil(t, res.Batch)

	require.True(t, s.api.Simulator.Confirm(res.Batch.SubmissionID))
	w = s.do(http.MethodPost, "/api/v1/reconciliation/run", operator, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodGet, "/api/v1/balances/"+res.Batch.ID.String(), owner, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var balance trading.Balance
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &balance))
	assert.Equal(t, int64(1200), balance.Available)

	s.api.Audit.RunOnce(context.Background())
	w = s.do(http.MethodGet, "/api/v1/reports/audit", operator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"unbalanced":0`)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodOptions, "/api/v1/projects", "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMarketplaceOverHTTP(t *testing.T) {
	s := newTestServer(t)
	seller := s.token("alice", lifecycle.RoleOwner)
	buyer := s.token("bob", lifecycle.RoleOwner)
	verifier := s.token("vera", lifecycle.RoleVerifier)
	operator := s.token("ops", lifecycle.RoleOperator)

	w := s.do(http.MethodPost, "/api/v1/projects", seller, map[string]any{
		"name":                       "Gazi Bay mangroves",
		"estimated_annual_reduction": 500,
		"methodology_tag":            "VM0033",
		"location":                   "Kwale, Kenya",
		"project_type":               "blue carbon",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var project registry.Project
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &project))

	w = s.do(http.MethodPost, "/api/v1/projects/"+project.ID.String()+"/approve", verifier, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = s.do(http.MethodPost, "/api/v1/projects/"+project.ID.String()+"/issue", operator, nil)
	require.Contains(t, []int{http.StatusAccepted, http.StatusOK}, w.Code, w.Body.String())
	var res issuance.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.NotNil(t, res.Batch)
	require.True(t, s.api.Simulator.Confirm(res.Batch.SubmissionID))
	w = s.do(http.MethodPost, "/api/v1/reconciliation/run", operator, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodPost, "/api/v1/listings", seller, map[string]any{
		"batch_id":         res.Batch.ID,
		"quantity":         200,
		"price_per_credit": 1500,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var listing registry.Listing
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	assert.Equal(t, "USD", listing.Currency)

	w = s.do(http.MethodGet, "/api/v1/listings?location=kenya&type=Blue+Carbon", buyer, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var found struct {
		Listings []registry.MarketListing `json:"listings"`
		Count    int                      `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &found))
	require.Equal(t, 1, found.Count)
	assert.Equal(t, listing.ID, found.Listings[0].ID)
	assert.Equal(t, "Gazi Bay mangroves", found.Listings[0].ProjectName)

	w = s.do(http.MethodGet, "/api/v1/listings?q=peatland", buyer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)

	w = s.do(http.MethodPost, "/api/v1/listings/"+listing.ID.String()+"/buy", buyer, map[string]any{"quantity": 300})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())

	w = s.do(http.MethodPost, "/api/v1/listings/"+listing.ID.String()+"/buy", buyer, map[string]any{"quantity": 120})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var record registry.TransferRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &record))
	require.True(t, s.api.Simulator.Confirm(record.SubmissionID))
	w = s.do(http.MethodPost, "/api/v1/reconciliation/run", operator, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodGet, "/api/v1/balances/"+res.Batch.ID.String(), buyer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var balance trading.Balance
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &balance))
	assert.Equal(t, int64(120), balance.Available)

	w = s.do(http.MethodDelete, "/api/v1/listings/"+listing.ID.String(), buyer, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = s.do(http.MethodDelete, "/api/v1/listings/"+listing.ID.String(), seller, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = s.do(http.MethodGet, "/api/v1/listings", buyer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)
}
