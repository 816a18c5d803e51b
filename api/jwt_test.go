package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weave.evalgo.org/db"
	"weave.evalgo.org/security"
)

func TestGenerateTokenIssuesScopedToken(t *testing.T) {
	a := newHarness(t)
	org := uuid.New().String()

	rec := a.request(http.MethodPost, "/auth/token",
		strings.NewReader(`{"api_key":"`+testAPIKey+`","subject":"ci","org_id":"`+org+`"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.ExpiresAt.After(time.Now()))

	token, err := a.h.JWT.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "ci", token.Subject())
	got, ok := security.Organization(token)
	assert.True(t, ok)
	assert.Equal(t, org, got)
}

func TestGenerateTokenDefaultsSubject(t *testing.T) {
	a := newHarness(t)

	rec := a.request(http.MethodPost, "/auth/token",
		strings.NewReader(`{"api_key":"`+testAPIKey+`"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	token, err := a.h.JWT.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "api", token.Subject())
	_, ok := security.Organization(token)
	assert.False(t, ok, "token without org_id must stay unscoped")
}

func TestGenerateTokenRejectsWrongKey(t *testing.T) {
	a := newHarness(t)

	rec := a.request(http.MethodPost, "/auth/token",
		strings.NewReader(`{"api_key":"not-the-key"}`), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGenerateTokenRequiresKey(t *testing.T) {
	a := newHarness(t)

	rec := a.request(http.MethodPost, "/auth/token", strings.NewReader(`{}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerateTokenWithoutConfiguredHash(t *testing.T) {
	a := newHarness(t)
	a.h.APIKeyHash = ""

	rec := a.request(http.MethodPost, "/auth/token",
		strings.NewReader(`{"api_key":"`+testAPIKey+`"}`), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	a := newHarness(t)

	rec := a.request(http.MethodGet, "/api/v1/jobs/"+uuid.New().String(), nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBearerTokenGrantsAccess(t *testing.T) {
	a := newHarness(t)
	jobID := a.seedJob(db.JobCompleted, uuid.New())

	rec := a.request(http.MethodGet, "/api/v1/jobs/"+jobID.String(), nil, a.bearer(t, ""))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestQueryParamTokenGrantsAccess(t *testing.T) {
	a := newHarness(t)
	jobID := a.seedJob(db.JobCompleted, uuid.New())

	token, err := a.h.JWT.GenerateToken("sse", "", time.Hour)
	require.NoError(t, err)

	rec := a.request(http.MethodGet, "/api/v1/jobs/"+jobID.String()+"?access_token="+token, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestExpiredTokenRejected(t *testing.T) {
	a := newHarness(t)
	jobID := a.seedJob(db.JobCompleted, uuid.New())

	token, err := a.h.JWT.GenerateToken("tester", "", -time.Hour)
	require.NoError(t, err)

	rec := a.request(http.MethodGet, "/api/v1/jobs/"+jobID.String(), nil,
		func(req *http.Request) { req.Header.Set("Authorization", "Bearer "+token) })
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPIKeyGrantsAccess(t *testing.T) {
	a := newHarness(t)
	jobID := a.seedJob(db.JobCompleted, uuid.New())

	rec := a.request(http.MethodGet, "/api/v1/jobs/"+jobID.String(), nil, withAPIKey)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestInvalidAPIKeyRejected(t *testing.T) {
	a := newHarness(t)
	jobID := a.seedJob(db.JobCompleted, uuid.New())

	rec := a.request(http.MethodGet, "/api/v1/jobs/"+jobID.String(), nil,
		func(req *http.Request) { req.Header.Set("X-API-Key", "wrong") })
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthEndpointIsPublic(t *testing.T) {
	a := newHarness(t)

	rec := a.request(http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}
