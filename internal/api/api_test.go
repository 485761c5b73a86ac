package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/adaptive-policy/internal/catalog"
	"github.com/danielpatrickdp/adaptive-policy/internal/config"
	"github.com/danielpatrickdp/adaptive-policy/internal/db"
	"github.com/danielpatrickdp/adaptive-policy/internal/engine"
	"github.com/danielpatrickdp/adaptive-policy/internal/identity"
	"github.com/danielpatrickdp/adaptive-policy/internal/planner"
)

const testSecret = "test-secret"

var testNow = time.Date(2026, 4, 6, 10, 0, 0, 0, time.UTC)

type testServer struct {
	srv  *httptest.Server
	auth *Authenticator
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Planner.Seed = 7
	cfg.Planner.Timeout = "5s"
	cfg.Policies = append(cfg.Policies, planner.Policy{Name: "aggressive", VisibilityFloor: 0.3, Exploration: 1.5})
	require.NoError(t, cfg.Validate())

	sqlDB, err := db.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	cat, err := catalog.New(catalog.DefaultFeatures())
	require.NoError(t, err)
	eng, err := engine.New(context.Background(), engine.Options{
		Config: cfg, DB: sqlDB, Catalog: cat,
		Now: func() time.Time { return testNow },
	})
	require.NoError(t, err)

	if opts.Auth == nil {
		opts.Auth = NewAuthenticator(testSecret, true)
	}
	srv := httptest.NewServer(New(eng, opts).Handler())
	t.Cleanup(func() {
		srv.Close()
		eng.Close()
		sqlDB.Close()
	})
	return &testServer{srv: srv, auth: opts.Auth}
}

// do sends a request as user via X-User-* headers; an empty id sends none.
func (s *testServer) do(t *testing.T, method, path, userID, role, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, rd)
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
		req.Header.Set("X-User-Role", role)
		req.Header.Set("X-User-Specialty", "cardiology")
		req.Header.Set("X-User-Account-Created", "2025-01-01")
	}
	return s.send(t, req)
}

func (s *testServer) send(t *testing.T, req *http.Request) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]interface{}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

// #region auth
func TestHealthzNeedsNoIdentity(t *testing.T) {
	s := newTestServer(t, Options{})
	resp, body := s.do(t, http.MethodGet, "/healthz", "", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestPlanRequiresIdentity(t *testing.T) {
	s := newTestServer(t, Options{Auth: NewAuthenticator(testSecret, false)})

	resp, _ := s.do(t, http.MethodGet, "/plan", "", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// headers are ignored unless header identity is allowed
	resp, _ = s.do(t, http.MethodGet, "/plan", "u1", "clinician", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBearerToken(t *testing.T) {
	s := newTestServer(t, Options{Auth: NewAuthenticator(testSecret, false)})
	user := identity.User{ID: "u-jwt", Role: "clinician", Specialty: "oncology", AccountCreated: testNow.Add(-90 * 24 * time.Hour)}

	token, err := s.auth.Token(user, time.Hour)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodGet, s.srv.URL+"/transfer/status", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, body := s.send(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "u-jwt", body["user_id"])
	assert.Equal(t, "personalized", body["stage"])
	assert.EqualValues(t, 90, body["experience_days"])

	forged, err := NewAuthenticator("other-secret", false).Token(user, time.Hour)
	require.NoError(t, err)
	req, err = http.NewRequest(http.MethodGet, s.srv.URL+"/transfer/status", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+forged)
	resp, _ = s.send(t, req)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestIdentifyRejectsMalformedHeader(t *testing.T) {
	a := NewAuthenticator(testSecret, true)
	r := httptest.NewRequest(http.MethodGet, "/plan", nil)
	r.Header.Set("Authorization", "Basic abc")
	_, err := a.Identify(r)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	r = httptest.NewRequest(http.MethodGet, "/plan", nil)
	r.Header.Set("X-User-Role", "clinician")
	_, err = a.Identify(r)
	assert.ErrorIs(t, err, ErrUnauthenticated, "user id is required")
}

// #endregion auth

// #region clinician
func TestPlanEndpoint(t *testing.T) {
	s := newTestServer(t, Options{})

	resp, body := s.do(t, http.MethodGet, "/plan?features=lab_results,allergy_banner", "u1", "clinician", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "bandit", body["source"])
	assert.Equal(t, "control", body["group"])
	assert.Len(t, body["feature_priority"], 2)
	assert.Empty(t, body["hidden_features"])
	assert.NotEmpty(t, body["generated_at"])
	first := body["feature_priority"].([]interface{})[0].(map[string]interface{})
	for _, key := range []string{"id", "position", "usage_count", "score", "expected_value"} {
		assert.Contains(t, first, key)
	}

	resp, body = s.do(t, http.MethodGet, "/plan?features=lab_results,bogus", "u1", "clinician", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "bogus")

	resp, _ = s.do(t, http.MethodGet, "/metrics", "", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventsEndpoint(t *testing.T) {
	s := newTestServer(t, Options{})

	resp, body := s.do(t, http.MethodPost, "/events", "u1", "clinician", `{"feature_id":"lab_results","outcome":true}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "accepted", body["status"])

	resp, _ = s.do(t, http.MethodPost, "/events", "u1", "clinician", `{"feature_id":"quick_orders","reward":0.4}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	bad := map[string]string{
		"both":          `{"feature_id":"lab_results","outcome":true,"reward":0.5}`,
		"neither":       `{"feature_id":"lab_results"}`,
		"unknown":       `{"feature_id":"bogus","outcome":false}`,
		"missing id":    `{"outcome":false}`,
		"reward range":  `{"feature_id":"quick_orders","reward":1.5}`,
		"unknown field": `{"feature_id":"lab_results","outcome":true,"extra":1}`,
		"not json":      `outcome=true`,
	}
	for name, payload := range bad {
		resp, _ := s.do(t, http.MethodPost, "/events", "u1", "clinician", payload)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, name)
	}

	resp, body = s.do(t, http.MethodGet, "/bandit/status", "u1", "clinician", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	counts := map[string]float64{}
	for _, raw := range body["feature_beliefs"].([]interface{}) {
		fb := raw.(map[string]interface{})
		counts[fb["feature_key"].(string)] = fb["total_interactions"].(float64)
		assert.Contains(t, fb, "is_critical")
		assert.Contains(t, fb, "expected_value")
	}
	assert.Equal(t, 1.0, counts["lab_results"])
	assert.Equal(t, 1.0, counts["quick_orders"])
	assert.Equal(t, 0.0, counts["allergy_banner"])
	assert.Contains(t, body, "recent_adaptations")
}

func TestEventsRateLimited(t *testing.T) {
	s := newTestServer(t, Options{RatePerSecond: 0.001, Burst: 2})
	payload := `{"feature_id":"lab_results","outcome":true}`

	for i := 0; i < 2; i++ {
		resp, _ := s.do(t, http.MethodPost, "/events", "u1", "clinician", payload)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}
	resp, _ := s.do(t, http.MethodPost, "/events", "u1", "clinician", payload)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// buckets are per user
	resp, _ = s.do(t, http.MethodPost, "/events", "u2", "clinician", payload)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestRegretReportScopes(t *testing.T) {
	s := newTestServer(t, Options{})
	s.do(t, http.MethodGet, "/plan", "u1", "clinician", "")
	s.do(t, http.MethodPost, "/events", "u1", "clinician", `{"feature_id":"vitals_trend","outcome":false}`)

	resp, body := s.do(t, http.MethodGet, "/regret/report", "u1", "clinician", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "user", body["scope"])
	assert.Equal(t, true, body["has_data"])

	resp, body = s.do(t, http.MethodGet, "/regret/report?scope=global", "u2", "clinician", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "global", body["scope"])
	assert.Equal(t, true, body["has_data"])

	resp, body = s.do(t, http.MethodGet, "/regret/report", "u2", "clinician", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["has_data"])

	resp, _ = s.do(t, http.MethodGet, "/regret/report?scope=team", "u1", "clinician", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// #endregion clinician

// #region operator
func TestOperatorRoutesNeedRole(t *testing.T) {
	s := newTestServer(t, Options{})
	for _, path := range []string{"/assurance/dashboard", "/studies"} {
		resp, _ := s.do(t, http.MethodGet, path, "u1", "clinician", "")
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, path)
	}
	resp, _ := s.do(t, http.MethodPost, "/studies", "u1", "clinician", `{"name":"x","policy":{"name":"aggressive"}}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStudyLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t, Options{})

	resp, body := s.do(t, http.MethodPost, "/studies", "ops", "operator",
		`{"name":"aggressive rollout","policy":{"name":"aggressive"},"stages":[10,100],"stage_duration":"48h"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	id := body["id"].(string)
	assert.Equal(t, "draft", body["status"])
	policy := body["policy"].(map[string]interface{})
	assert.Equal(t, 0.3, policy["visibility_floor"], "policy resolved from config")

	resp, body = s.do(t, http.MethodPost, "/studies/"+id+"/start", "ops", "operator", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	study := body["study"].(map[string]interface{})
	assert.Equal(t, "running", study["status"])
	assert.EqualValues(t, 10, study["percentage"])

	resp, body = s.do(t, http.MethodPost, "/studies/"+id+"/advance", "ops", "admin", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Contains(t, body, "decision")
	assert.Equal(t, "hold", body["decision"].(map[string]interface{})["action"])

	resp, body = s.do(t, http.MethodGet, "/studies/"+id, "ops", "operator", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "analysis")

	resp, _ = s.do(t, http.MethodPost, "/studies/"+id+"/rollback", "ops", "operator", `{"reason":"manual check"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/studies/"+id+"/start", "ops", "operator", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/studies/"+id+"/explode", "ops", "operator", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/studies/missing/start", "ops", "operator", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = s.do(t, http.MethodGet, "/studies", "ops", "operator", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["studies"], 1)

	resp, body = s.do(t, http.MethodGet, "/assurance/dashboard", "ops", "operator", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	summary := body["summary"].(map[string]interface{})
	assert.EqualValues(t, 1, summary["rolled_back_studies"])
	assert.NotEmpty(t, body["recent_rollouts"])
}

func TestCreateStudyValidation(t *testing.T) {
	s := newTestServer(t, Options{})
	cases := map[string]string{
		"no name":        `{"policy":{"name":"aggressive"}}`,
		"no policy name": `{"name":"x","policy":{}}`,
		"bad stage":      `{"name":"x","policy":{"name":"aggressive"},"stages":[0,100]}`,
		"bad duration":   `{"name":"x","policy":{"name":"aggressive"},"stage_duration":"soon"}`,
	}
	for name, payload := range cases {
		resp, _ := s.do(t, http.MethodPost, "/studies", "ops", "operator", payload)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, name)
	}
}

// #endregion operator

// #region limiter
func TestUserLimiter(t *testing.T) {
	assert.Nil(t, newUserLimiter(0, 5), "zero rate disables limiting")
	var disabled *userLimiter
	assert.True(t, disabled.allow("u1", testNow))

	l := newUserLimiter(1, 1)
	assert.True(t, l.allow("u1", testNow))
	assert.False(t, l.allow("u1", testNow))
	assert.True(t, l.allow("u1", testNow.Add(time.Second)))
}

// #endregion limiter
