package api

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvonguyen/shadowscan/internal/config"
	"github.com/lvonguyen/shadowscan/internal/connector"
	"github.com/lvonguyen/shadowscan/internal/credentials"
	"github.com/lvonguyen/shadowscan/internal/observability"
	"github.com/lvonguyen/shadowscan/internal/orchestrator"
	"github.com/lvonguyen/shadowscan/internal/quota"
)

const testOrg = "org-1"

var apiBase = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

type apiFixture struct {
	server *Server
	slack  *connector.ReplayConnector
	google *connector.ReplayConnector
}

func newAPIFixture(t *testing.T, limiter *Limiter) *apiFixture {
	t.Helper()
	cfg := config.DefaultConfig()

	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	creds, err := credentials.NewManager(key, "test", credentials.NewMemoryStore(), nil, nil)
	require.NoError(t, err)

	tracker := quota.NewTracker(cfg.Quota.DailyCeilings, cfg.Quota.TrendSamples, nil)

	orch, err := orchestrator.New(cfg, nil, creds, tracker, nil)
	require.NoError(t, err)

	slack := connector.NewReplayConnector(connector.PlatformSlack)
	google := connector.NewReplayConnector(connector.PlatformGoogle)
	orch.RegisterConnector(slack)
	orch.RegisterConnector(google)

	for _, conn := range []struct {
		id       string
		platform connector.Platform
	}{
		{"conn-slack", connector.PlatformSlack},
		{"conn-google", connector.PlatformGoogle},
	} {
		err := creds.StoreCredentials(context.Background(), credentials.StoredConnectionInfo{
			ConnectionID:   conn.id,
			OrganizationID: testOrg,
			Platform:       conn.platform,
			UserEmail:      "admin@example.com",
		}, credentials.OAuthCredentials{
			AccessToken: "xoxb-" + conn.id,
			ExpiresAt:   time.Now().Add(2 * time.Hour),
		})
		require.NoError(t, err)
	}

	return &apiFixture{
		server: NewServer(orch, limiter, zap.NewNop(), "test"),
		slack:  slack,
		google: google,
	}
}

// loadCrossPlatformScenario stages a Slack external share followed by a
// Google permission change on the same file.
func (f *apiFixture) loadCrossPlatformScenario() {
	f.slack.Load(connector.RawRecord{
		ID: "s1", Platform: connector.PlatformSlack, Timestamp: apiBase,
		Data: map[string]any{
			"event_type":   "file_shared",
			"user":         "svc-sync",
			"file_name":    "q3_report.xlsx",
			"share_target": "external_channel",
		},
	})
	f.google.Load(connector.RawRecord{
		ID: "g1", Platform: connector.PlatformGoogle, Timestamp: apiBase.Add(90 * time.Second),
		Data: map[string]any{
			"event_type": "permission_change",
			"user":       "svc-sync",
			"file_name":  "q3_report.xlsx",
			"visibility": "anyone_with_link",
		},
	})
}

type testEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Metadata struct {
		Timestamp      time.Time `json:"timestamp"`
		ProcessingTime string    `json:"processingTime"`
		Version        string    `json:"version"`
	} `json:"metadata"`
}

func doRequest(t *testing.T, handler http.Handler, method, path, body string) (int, testEnvelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var env testEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), "body: %s", rec.Body.String())
	return rec.Code, env
}

const analyzeBody = `{"time_range":{"start":"2026-03-10T13:59:00Z","end":"2026-03-10T14:15:00Z"}}`

// TestAnalyzeEndpoint_CrossPlatform runs an analysis over HTTP and checks
// the envelope and summary counts.
func TestAnalyzeEndpoint_CrossPlatform(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.loadCrossPlatformScenario()
	h := f.server.Handler()

	code, env := doRequest(t, h, http.MethodPost, "/api/v1/correlation/"+testOrg+"/analyze", analyzeBody)
	require.Equal(t, http.StatusOK, code)
	require.True(t, env.Success)
	assert.Nil(t, env.Error)
	assert.Equal(t, "test", env.Metadata.Version)
	assert.NotEmpty(t, env.Metadata.ProcessingTime)

	var result orchestrator.CorrelationAnalysisResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, testOrg, result.OrganizationID)
	assert.Equal(t, 1, result.Summary.TotalAutomationChains)
	assert.Equal(t, 1, result.Summary.CrossPlatformChains)
}

// TestAnalyzeEndpoint_EmptyBody treats a missing body as the default
// lookback window.
func TestAnalyzeEndpoint_EmptyBody(t *testing.T) {
	f := newAPIFixture(t, nil)
	h := f.server.Handler()

	code, env := doRequest(t, h, http.MethodPost, "/api/v1/correlation/"+testOrg+"/analyze", "")
	require.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)
}

// TestAnalyzeEndpoint_InvalidTimeRange rejects a window whose start is not
// before its end.
func TestAnalyzeEndpoint_InvalidTimeRange(t *testing.T) {
	f := newAPIFixture(t, nil)
	h := f.server.Handler()

	body := `{"time_range":{"start":"2026-03-10T15:00:00Z","end":"2026-03-10T14:00:00Z"}}`
	code, env := doRequest(t, h, http.MethodPost, "/api/v1/correlation/"+testOrg+"/analyze", body)
	assert.Equal(t, http.StatusBadRequest, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "invalid_time_range", env.Error.Code)
}

// TestMalformedOrgID rejects organization IDs outside the allowed shape
// before any handler runs.
func TestMalformedOrgID(t *testing.T) {
	f := newAPIFixture(t, nil)
	h := f.server.Handler()

	for _, orgID := range []string{"-leading-dash", "_leading_underscore", "has%20space"} {
		code, env := doRequest(t, h, http.MethodGet, "/api/v1/correlation/"+orgID+"/status", "")
		assert.Equal(t, http.StatusBadRequest, code, orgID)
		if assert.NotNil(t, env.Error, orgID) {
			assert.Equal(t, "invalid_organization_id", env.Error.Code)
		}
	}
}

// TestExecutiveReport_NoAnalysis returns 404 when no analysis has run for
// the organization; the report endpoint never triggers one.
func TestExecutiveReport_NoAnalysis(t *testing.T) {
	f := newAPIFixture(t, nil)
	h := f.server.Handler()

	code, env := doRequest(t, h, http.MethodGet, "/api/v1/correlation/"+testOrg+"/executive-report", "")
	assert.Equal(t, http.StatusNotFound, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "no_analysis", env.Error.Code)
}

// TestExecutiveReport_AfterAnalysis serves the report built from the last
// completed run.
func TestExecutiveReport_AfterAnalysis(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.loadCrossPlatformScenario()
	h := f.server.Handler()

	code, _ := doRequest(t, h, http.MethodPost, "/api/v1/correlation/"+testOrg+"/analyze", analyzeBody)
	require.Equal(t, http.StatusOK, code)

	code, env := doRequest(t, h, http.MethodGet, "/api/v1/correlation/"+testOrg+"/executive-report", "")
	require.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)

	var report orchestrator.ExecutiveRiskReport
	require.NoError(t, json.Unmarshal(env.Data, &report))
	assert.Equal(t, testOrg, report.OrganizationID)
	assert.NotEmpty(t, report.KeyFindings)
}

// TestStatusEndpoint reports idle before any run and the last run after.
func TestStatusEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.loadCrossPlatformScenario()
	h := f.server.Handler()

	code, env := doRequest(t, h, http.MethodGet, "/api/v1/correlation/"+testOrg+"/status", "")
	require.Equal(t, http.StatusOK, code)
	var status orchestrator.OrgStatus
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.Equal(t, orchestrator.StateIdle, status.State)
	assert.Zero(t, status.LastChainCount)

	code, _ = doRequest(t, h, http.MethodPost, "/api/v1/correlation/"+testOrg+"/analyze", analyzeBody)
	require.Equal(t, http.StatusOK, code)

	_, env = doRequest(t, h, http.MethodGet, "/api/v1/correlation/"+testOrg+"/status", "")
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.Equal(t, 1, status.LastChainCount)
}

// TestChainsEndpoint filters and paginates the last run's chains and
// rejects invalid filter values.
func TestChainsEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.loadCrossPlatformScenario()
	h := f.server.Handler()
	base := "/api/v1/correlation/" + testOrg + "/chains"

	t.Run("before any analysis", func(t *testing.T) {
		code, env := doRequest(t, h, http.MethodGet, base, "")
		assert.Equal(t, http.StatusNotFound, code)
		require.NotNil(t, env.Error)
		assert.Equal(t, "no_analysis", env.Error.Code)
	})

	code, _ := doRequest(t, h, http.MethodPost, "/api/v1/correlation/"+testOrg+"/analyze", analyzeBody)
	require.Equal(t, http.StatusOK, code)

	t.Run("unfiltered", func(t *testing.T) {
		code, env := doRequest(t, h, http.MethodGet, base, "")
		require.Equal(t, http.StatusOK, code)
		var resp chainsResponse
		require.NoError(t, json.Unmarshal(env.Data, &resp))
		assert.Equal(t, 1, resp.Total)
		assert.Len(t, resp.Chains, 1)
		assert.Equal(t, defaultChainLimit, resp.Limit)
	})

	t.Run("platform filter excludes", func(t *testing.T) {
		code, env := doRequest(t, h, http.MethodGet, base+"?platform=jira", "")
		require.Equal(t, http.StatusOK, code)
		var resp chainsResponse
		require.NoError(t, json.Unmarshal(env.Data, &resp))
		assert.Zero(t, resp.Total)
		assert.Empty(t, resp.Chains)
	})

	t.Run("offset past end", func(t *testing.T) {
		code, env := doRequest(t, h, http.MethodGet, base+"?offset=10", "")
		require.Equal(t, http.StatusOK, code)
		var resp chainsResponse
		require.NoError(t, json.Unmarshal(env.Data, &resp))
		assert.Equal(t, 1, resp.Total)
		assert.Empty(t, resp.Chains)
	})

	t.Run("invalid risk level", func(t *testing.T) {
		code, env := doRequest(t, h, http.MethodGet, base+"?riskLevel=severe", "")
		assert.Equal(t, http.StatusBadRequest, code)
		require.NotNil(t, env.Error)
		assert.Equal(t, "invalid_filter", env.Error.Code)
	})

	t.Run("invalid limit", func(t *testing.T) {
		code, env := doRequest(t, h, http.MethodGet, base+"?limit=0", "")
		assert.Equal(t, http.StatusBadRequest, code)
		require.NotNil(t, env.Error)
	})
}

// TestMonitoringEndpoints toggles real-time monitoring and reflects the
// state in the returned status.
func TestMonitoringEndpoints(t *testing.T) {
	f := newAPIFixture(t, nil)
	h := f.server.Handler()
	base := "/api/v1/correlation/" + testOrg + "/real-time/"

	code, env := doRequest(t, h, http.MethodPost, base+"start", "")
	require.Equal(t, http.StatusOK, code)
	var status orchestrator.OrgStatus
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.True(t, status.MonitoringActive)

	code, env = doRequest(t, h, http.MethodPost, base+"stop", "")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.False(t, status.MonitoringActive)
}

// TestHealthEndpoints serves plain health and readiness probes outside the
// envelope.
func TestHealthEndpoints(t *testing.T) {
	f := newAPIFixture(t, nil)
	h := f.server.Handler()

	for _, path := range []string{"/health", "/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Contains(t, rec.Body.String(), "status")
	}
}

// TestRateLimiter_Blocks exhausts a tiny tier budget against miniredis and
// expects 429 with Retry-After once the budget is spent.
func TestRateLimiter_Blocks(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewLimiter(client, LimitConfig{
		Tiers: map[string]TierLimits{
			"standard": {RequestsPerMinute: 2},
		},
		IncludeHeaders: true,
	}, zap.NewNop())

	f := newAPIFixture(t, limiter)
	h := f.server.Handler()
	path := "/api/v1/correlation/" + testOrg + "/status"

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Contains(t, rec.Body.String(), "rate_limit_exceeded")
}

// TestRateLimiter_FailsOpen allows requests through when the counter store
// is unreachable.
func TestRateLimiter_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	limiter := NewLimiter(client, LimitConfig{
		Tiers: map[string]TierLimits{
			"standard": {RequestsPerMinute: 1},
		},
	}, zap.NewNop())

	f := newAPIFixture(t, limiter)
	h := f.server.Handler()
	path := "/api/v1/correlation/" + testOrg + "/status"

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

// TestOperationCosts divides the tier budget by the operation multiplier.
func TestOperationCosts(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewLimiter(client, LimitConfig{}, zap.NewNop())

	// standard tier 60/min, analyze multiplier 5
	result, err := limiter.Check(context.Background(), "standard", testOrg, "POST:analyze")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 12, result.Limit)

	// unknown tier falls back to the default tier
	result, err = limiter.Check(context.Background(), "platinum", testOrg, "GET:status")
	require.NoError(t, err)
	assert.Equal(t, "standard", result.Tier)
}

// TestRequestMetrics verifies the request counter and latency histogram are
// driven with the chi route pattern as the path label.
func TestRequestMetrics(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	f := newAPIFixture(t, nil)
	h := f.server.WithMetrics(metrics).Handler()

	code, _ := doRequest(t, h, http.MethodGet, "/api/v1/correlation/"+testOrg+"/status", "")
	require.Equal(t, http.StatusOK, code)

	const route = "/api/v1/correlation/{orgID}/status"
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues(http.MethodGet, route, "200")))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.RequestDuration))

	code, _ = doRequest(t, h, http.MethodGet, "/api/v1/correlation/-bad-/status", "")
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues(http.MethodGet, route, "400")))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.HealthStatus.WithLabelValues("api")))
}
