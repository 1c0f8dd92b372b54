package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wctlabs/wikirewards/internal/config"
	"github.com/wctlabs/wikirewards/internal/logging"
	"github.com/wctlabs/wikirewards/internal/security"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "s3cret"

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                 "0",
		Env:                  "development",
		LogLevel:             "error",
		LogFormat:            "json",
		AdminSecret:          testSecret,
		CORSOrigins:          []string{"*"},
		LedgerMode:           config.LedgerModeMemory,
		TokenDecimals:        9,
		MemoryTreasuryTokens: 1_000_000,
		PoolTokens:           300,
		MinPayout:            0,
		Window:               7 * 24 * time.Hour,
		ConfirmTimeout:       time.Second,
		ConfirmPoll:          5 * time.Millisecond,
		ScheduleInterval:     time.Hour,
		ReputationEvery:      time.Hour,
		ReputationHistory:    10,
		DemandEvery:          time.Hour,
		DemandLookback:       24 * time.Hour,
	}
}

// newTestServer creates a server with in-memory storage and ledger
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(s.rateLimiter.Stop)
	return s
}

func do(t *testing.T, s *Server, method, path, body string, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		req.Header.Set(security.AdminHeader, testSecret)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, "GET", "/health", "", false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, "GET", "/health/live", "", false)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Server hasn't called Run() so ready is false
	w := do(t, s, "GET", "/health/ready", "", false)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.health.SetReady(true)
	w = do(t, s, "GET", "/health/ready", "", false)
	assert.Equal(t, http.StatusOK, w.Code)
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/v1/info",
		"POST:/v1/contributors",
		"GET:/v1/contributors/:id",
		"POST:/v1/contributions",
		"GET:/v1/rewards/calculate",
		"POST:/v1/rewards/create-distribution",
		"POST:/v1/rewards/confirm",
		"POST:/v1/rewards/distribution-complete",
		"GET:/v1/rewards/distributions",
		"GET:/v1/rewards/distributions/:id",
		"POST:/v1/rewards/distributions/:id/execute",
		"POST:/v1/rewards/distributions/:id/retry",
		"GET:/v1/contributors/:id/payouts",
		"POST:/v1/reconciliation/run",
		"GET:/v1/reconciliation/last",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.router.Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		assert.True(t, routeSet[e], "route %s not registered", e)
	}
}

func TestProtectedRoutesRequireSecret(t *testing.T) {
	s := newTestServer(t)

	body := `{"startDate":"2024-01-01","endDate":"2024-01-08","totalTokens":100}`
	w := do(t, s, "POST", "/v1/rewards/create-distribution", body, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, s, "GET", "/v1/rewards/distributions", "", false)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestInvalidIDParam(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, "GET", "/v1/rewards/distributions/bad%20id", "", false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ---------------------------------------------------------------------------
// Distribution flow
// ---------------------------------------------------------------------------

func TestDistributionFlow(t *testing.T) {
	s := newTestServer(t)

	for i, id := range []string{"alice", "bob"} {
		body := fmt.Sprintf(`{"id":%q,"walletAddress":"0x%040x"}`, id, i+1)
		w := do(t, s, "POST", "/v1/contributors", body, true)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	record := func(contributor string, quality float64) {
		body := fmt.Sprintf(`{"contributorId":%q,"contentId":"page-1","kind":"creation","qualityMultiplier":%g}`, contributor, quality)
		w := do(t, s, "POST", "/v1/contributions", body, true)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}
	record("alice", 1.5)
	record("bob", 1.0)

	today := time.Now().UTC().Truncate(24 * time.Hour)
	window := fmt.Sprintf(`"startDate":%q,"endDate":%q`,
		today.Format("2006-01-02"), today.Add(48*time.Hour).Format("2006-01-02"))

	w := do(t, s, "POST", "/v1/rewards/create-distribution", `{`+window+`,"totalTokens":300}`, true)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	run := decode(t, w)["distribution"].(map[string]interface{})
	runID := run["id"].(string)
	assert.Equal(t, "pending", run["status"])
	assert.EqualValues(t, 2, run["plannedCount"])

	w = do(t, s, "POST", "/v1/rewards/create-distribution", `{`+window+`,"totalTokens":300}`, true)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, s, "POST", "/v1/rewards/distributions/"+runID+"/execute", "", true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	run = decode(t, w)["distribution"].(map[string]interface{})
	assert.Equal(t, "completed", run["status"])
	assert.EqualValues(t, 2, run["succeededCount"])

	w = do(t, s, "POST", "/v1/rewards/distributions/"+runID+"/execute", "", true)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, s, "GET", "/v1/contributors/alice", "", false)
	require.Equal(t, http.StatusOK, w.Code)
	alice := decode(t, w)["contributor"].(map[string]interface{})
	assert.Positive(t, alice["lifetimeTokens"].(float64))

	w = do(t, s, "GET", "/v1/contributors/alice/payouts", "", false)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, "POST", "/v1/reconciliation/run", "", false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, s, "POST", "/v1/reconciliation/run", "", true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode(t, w)
	assert.Equal(t, true, resp["clean"], w.Body.String())
	assert.EqualValues(t, 1, resp["report"].(map[string]interface{})["runsChecked"])
}

// ---------------------------------------------------------------------------
// Misc
// ---------------------------------------------------------------------------

func TestInfoEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, "GET", "/v1/info", "", false)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "WCT", resp["token"])
	assert.Equal(t, "memory", resp["ledger"])
	assert.Equal(t, false, resp["scheduled"])
	assert.NotContains(t, resp, "treasuryLow", "watcher has not checked yet")
}

func TestInfoReportsTreasury(t *testing.T) {
	cfg := testConfig()
	cfg.TreasuryWatch = time.Hour
	s, err := New(cfg, WithLogger(logging.Discard()))
	require.NoError(t, err)
	t.Cleanup(s.rateLimiter.Stop)

	require.NoError(t, s.treasuryWatcher.Check(context.Background()))
	w := do(t, s, "GET", "/v1/info", "", false)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, false, resp["treasuryLow"])
	assert.Equal(t, "1000000.000000000", resp["treasuryBalance"])
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, "GET", "/v1/nonexistent", "", false)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://app:hunter2@db:5432/rewards")
	assert.NotContains(t, masked, "hunter2")
	assert.Contains(t, masked, "@db:5432/rewards")
	assert.Equal(t, "***", maskDSN("://bad"))
}
